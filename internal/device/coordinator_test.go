package device

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/saker-ai/smart-intercom/internal/protocol"
)

type fakeSender struct {
	commands []protocol.Command
	audio    [][]byte
	err      error
}

func (f *fakeSender) SendCommand(_ context.Context, cmd protocol.Command) error {
	if f.err != nil {
		return f.err
	}
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakeSender) SendAudio(_ context.Context, pcm []byte) error {
	if f.err != nil {
		return f.err
	}
	f.audio = append(f.audio, pcm)
	return nil
}

func (f *fakeSender) last() protocol.Command {
	if len(f.commands) == 0 {
		return nil
	}
	return f.commands[len(f.commands)-1]
}

func newTestCoordinator() (*Coordinator, *fakeSender) {
	sender := &fakeSender{}
	return NewCoordinator("front-door", sender, Options{EnableAudio: true, BufferFrames: 4}, nil), sender
}

func TestCoordinatorDefaults(t *testing.T) {
	c, _ := newTestCoordinator()
	s := c.Snapshot()
	if s.Connected || s.StreamingMode != protocol.ModeIdle || s.MicGain != 1 || s.SpeakerGain != 1 {
		t.Fatalf("unexpected initial state: %+v", s)
	}
	if s.Name != "front-door" {
		t.Fatalf("name=%q, want id fallback", s.Name)
	}
}

func TestCoordinatorConnectionEvents(t *testing.T) {
	c, _ := newTestCoordinator()
	ctx := context.Background()
	c.OnConnect()
	if err := c.StartListening(ctx); err != nil {
		t.Fatalf("StartListening returned error: %v", err)
	}
	if got := c.Snapshot().StreamingMode; got != protocol.ModeListen {
		t.Fatalf("mode=%q, want %q", got, protocol.ModeListen)
	}

	c.OnDisconnect(errors.New("connection reset"))
	s := c.Snapshot()
	if s.Connected {
		t.Fatal("connected=true after disconnect")
	}
	if s.StreamingMode != protocol.ModeIdle {
		t.Fatalf("mode=%q after disconnect, want idle", s.StreamingMode)
	}
	if s.LastError != "connection reset" {
		t.Fatalf("last error=%q", s.LastError)
	}
}

func TestCoordinatorStateUnchangedOnSendFailure(t *testing.T) {
	c, sender := newTestCoordinator()
	sender.err = errors.New("intercom not connected")
	if err := c.SetExternalText(context.Background(), "hello"); err == nil {
		t.Fatal("SetExternalText error=nil, want non-nil")
	}
	if got := c.Snapshot().ExternalText; got != "" {
		t.Fatalf("external text=%q, want empty", got)
	}
}

func TestCoordinatorGainClamping(t *testing.T) {
	tests := []struct {
		name string
		set  func(c *Coordinator) error
		want protocol.Command
	}{
		{"mic high", func(c *Coordinator) error { return c.SetMicGain(context.Background(), 9) }, protocol.SetMicGain{Value: MaxMicGain}},
		{"mic low", func(c *Coordinator) error { return c.SetMicGain(context.Background(), 0) }, protocol.SetMicGain{Value: MinMicGain}},
		{"speaker high", func(c *Coordinator) error { return c.SetSpeakerGain(context.Background(), 4) }, protocol.SetSpeakerGain{Value: MaxSpeakerGain}},
		{"speaker ok", func(c *Coordinator) error { return c.SetSpeakerGain(context.Background(), 2) }, protocol.SetSpeakerGain{Value: 2}},
	}
	for _, tt := range tests {
		c, sender := newTestCoordinator()
		if err := tt.set(c); err != nil {
			t.Fatalf("%s: returned error: %v", tt.name, err)
		}
		if got := sender.last(); got != tt.want {
			t.Fatalf("%s: sent %#v, want %#v", tt.name, got, tt.want)
		}
	}
}

func TestCoordinatorSetVolume(t *testing.T) {
	c, sender := newTestCoordinator()
	if err := c.SetVolume(context.Background(), 0.5); err != nil {
		t.Fatalf("SetVolume returned error: %v", err)
	}
	cmd, ok := sender.last().(protocol.SetSpeakerGain)
	if !ok {
		t.Fatalf("sent %#v, want SetSpeakerGain", sender.last())
	}
	if math.Abs(cmd.Value-1.55) > 1e-9 {
		t.Fatalf("gain=%v, want 1.55", cmd.Value)
	}
	s := c.Snapshot()
	if s.Volume != 0.5 || math.Abs(s.SpeakerGain-1.55) > 1e-9 {
		t.Fatalf("volume=%v gain=%v, want 0.5/1.55", s.Volume, s.SpeakerGain)
	}
}

func TestCoordinatorDisplayLinesSentTogether(t *testing.T) {
	c, sender := newTestCoordinator()
	ctx := context.Background()
	if err := c.SetDisplayLine(ctx, 1, "Welcome"); err != nil {
		t.Fatalf("SetDisplayLine(1) returned error: %v", err)
	}
	if err := c.SetDisplayLine(ctx, 2, "Ring below"); err != nil {
		t.Fatalf("SetDisplayLine(2) returned error: %v", err)
	}
	want := protocol.SetText{Line1: "Welcome", Line2: "Ring below"}
	if got := sender.last(); got != want {
		t.Fatalf("sent %#v, want %#v", got, want)
	}
	if err := c.SetDisplayLine(ctx, 3, "x"); err == nil {
		t.Fatal("SetDisplayLine(3) error=nil, want non-nil")
	}
}

func TestCoordinatorSetStreamingMode(t *testing.T) {
	c, sender := newTestCoordinator()
	ctx := context.Background()
	if err := c.SetStreamingMode(ctx, protocol.ModeIdle); err != nil {
		t.Fatalf("idle from idle returned error: %v", err)
	}
	if len(sender.commands) != 0 {
		t.Fatalf("commands=%v, want none", sender.commands)
	}
	steps := []struct {
		mode string
		want protocol.Command
	}{
		{protocol.ModeFullDuplex, protocol.StartStream{}},
		{protocol.ModeIdle, protocol.StopStream{}},
		{protocol.ModeSpeak, protocol.StartSpeak{}},
		{protocol.ModeIdle, protocol.StopSpeak{}},
	}
	for _, step := range steps {
		if err := c.SetStreamingMode(ctx, step.mode); err != nil {
			t.Fatalf("SetStreamingMode(%s) returned error: %v", step.mode, err)
		}
		if got := sender.last(); got != step.want {
			t.Fatalf("SetStreamingMode(%s) sent %#v, want %#v", step.mode, got, step.want)
		}
		if got := c.Snapshot().StreamingMode; got != step.mode {
			t.Fatalf("mode=%q, want %q", got, step.mode)
		}
	}
	if err := c.SetStreamingMode(ctx, "party"); err == nil {
		t.Fatal("unknown mode error=nil, want non-nil")
	}
}

func TestCoordinatorMarquee(t *testing.T) {
	c, sender := newTestCoordinator()
	ctx := context.Background()
	raw, _ := json.Marshal(map[string]any{"type": "icons", "icons": []string{"/icons/custom/bell.xbm"}})
	c.OnMessage(protocol.Inbound{Type: protocol.MsgIcons, Raw: raw})

	if err := c.SetMarqueeField(ctx, 1, "", "Parcel"); err != nil {
		t.Fatalf("SetMarqueeField returned error: %v", err)
	}
	if err := c.SelectMarqueeIcon(ctx, 1, "bell"); err != nil {
		t.Fatalf("SelectMarqueeIcon returned error: %v", err)
	}
	want := protocol.SetField{Index: 1, Icon: "/icons/custom/bell.xbm", Text: "Parcel"}
	if got := sender.last(); got != want {
		t.Fatalf("sent %#v, want %#v", got, want)
	}
	if err := c.SelectMarqueeIcon(ctx, 1, IconNone); err != nil {
		t.Fatalf("SelectMarqueeIcon(none) returned error: %v", err)
	}
	if got := c.Snapshot().MarqueeFields[1]; got != (MarqueeField{Text: "Parcel"}) {
		t.Fatalf("field=%+v, want text kept and icon cleared", got)
	}
	if err := c.ClearMarqueeField(ctx, 1); err != nil {
		t.Fatalf("ClearMarqueeField returned error: %v", err)
	}
	if got := c.Snapshot().MarqueeFields[1]; got != (MarqueeField{}) {
		t.Fatalf("field=%+v after clear, want empty", got)
	}
	if err := c.SelectMarqueeIcon(ctx, 3, "bell"); err == nil {
		t.Fatal("SelectMarqueeIcon(3) error=nil, want non-nil")
	}
}

func TestCoordinatorSnapshotIsCopy(t *testing.T) {
	c, _ := newTestCoordinator()
	raw := []byte(`{"type":"icons","icons":["/icons/10x10/home.xbm"]}`)
	c.OnMessage(protocol.Inbound{Type: protocol.MsgIcons, Raw: raw})
	s := c.Snapshot()
	s.Icons[0] = "mutated"
	s.MarqueeFields[0].Text = "mutated"
	again := c.Snapshot()
	if again.Icons[0] != "/icons/10x10/home.xbm" || again.MarqueeFields[0].Text != "" {
		t.Fatalf("snapshot mutation leaked into state: %+v", again)
	}
}

func TestCoordinatorAudioFanOut(t *testing.T) {
	c, sender := newTestCoordinator()
	a, err := c.JoinAudio()
	if err != nil {
		t.Fatalf("JoinAudio returned error: %v", err)
	}
	b, _ := c.JoinAudio()
	c.OnAudio([]byte{1, 2})
	c.LeaveAudio(a.ID)
	c.OnAudio([]byte{3, 4})

	if got := a.Stream.Len(); got != 1 {
		t.Fatalf("left listener len=%d, want 1", got)
	}
	if got := b.Stream.Len(); got != 2 {
		t.Fatalf("listener len=%d, want 2", got)
	}
	if err := c.PlayAudio(context.Background(), []byte{9}); err != nil {
		t.Fatalf("PlayAudio returned error: %v", err)
	}
	if len(sender.audio) != 1 {
		t.Fatalf("audio writes=%d, want 1", len(sender.audio))
	}
}

func TestCoordinatorAudioDisabled(t *testing.T) {
	c := NewCoordinator("d", &fakeSender{}, Options{}, nil)
	if _, err := c.JoinAudio(); !errors.Is(err, ErrAudioDisabled) {
		t.Fatalf("JoinAudio err=%v, want ErrAudioDisabled", err)
	}
	if err := c.PlayAudio(context.Background(), []byte{1}); !errors.Is(err, ErrAudioDisabled) {
		t.Fatalf("PlayAudio err=%v, want ErrAudioDisabled", err)
	}
}

func TestCoordinatorWatchKeepsLatest(t *testing.T) {
	c, _ := newTestCoordinator()
	ch, stop := c.Watch()

	c.OnConnect()
	if err := c.SetExternalText(context.Background(), "first"); err != nil {
		t.Fatalf("SetExternalText: %v", err)
	}
	if err := c.SetExternalText(context.Background(), "second"); err != nil {
		t.Fatalf("SetExternalText: %v", err)
	}

	got := <-ch
	if !got.Connected || got.ExternalText != "second" {
		t.Fatalf("watched state=%+v, want latest", got)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected queued state %+v", extra)
	default:
	}

	stop()
	stop()
	if _, ok := <-ch; ok {
		t.Fatal("channel open after stop")
	}
	c.OnDisconnect(nil)
}
