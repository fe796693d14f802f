package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saker-ai/smart-intercom/internal/fanout"
	"github.com/saker-ai/smart-intercom/internal/protocol"
	"github.com/saker-ai/smart-intercom/pkg/intercom"
)

const (
	MinMicGain     = 0.1
	MaxMicGain     = 5.0
	MinSpeakerGain = 0.1
	MaxSpeakerGain = 3.0
)

// Sender is the part of intercom.Client used by the coordinator.
type Sender interface {
	SendCommand(ctx context.Context, cmd protocol.Command) error
	SendAudio(ctx context.Context, pcm []byte) error
}

// Options configures a Coordinator.
type Options struct {
	Name         string
	EnableAudio  bool
	BufferFrames int
}

// Coordinator tracks one device's state from client events and the
// commands it sends. It is the only writer of that state.
type Coordinator struct {
	id          string
	sender      Sender
	hub         *fanout.Hub
	enableAudio bool
	logger      *zap.Logger

	mu    sync.RWMutex
	state State

	watchMu   sync.Mutex
	watchers  map[uint64]chan State
	nextWatch uint64
}

var _ intercom.Observer = (*Coordinator)(nil)

// ErrAudioDisabled is returned by audio operations when the device was
// configured without audio.
var ErrAudioDisabled = errors.New("device audio disabled")

// NewCoordinator creates a coordinator for device id.
func NewCoordinator(id string, sender Sender, opts Options, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := opts.Name
	if name == "" {
		name = id
	}
	return &Coordinator{
		id:          id,
		sender:      sender,
		hub:         fanout.NewHub(opts.BufferFrames),
		enableAudio: opts.EnableAudio,
		logger:      logger.With(zap.String("device", id)),
		state:       initialState(id, name),
	}
}

// ID returns the device id.
func (c *Coordinator) ID() string {
	return c.id
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.clone()
}

func (c *Coordinator) update(fn func(s *State)) {
	c.mu.Lock()
	fn(&c.state)
	c.state.UpdatedAt = time.Now()
	snap := c.state.clone()
	c.mu.Unlock()
	c.notify(snap)
}

// Watch returns a channel carrying the state after every change. A slow
// reader only sees the latest state. The returned func stops the watch and
// closes the channel.
func (c *Coordinator) Watch() (<-chan State, func()) {
	ch := make(chan State, 1)
	c.watchMu.Lock()
	if c.watchers == nil {
		c.watchers = make(map[uint64]chan State)
	}
	c.nextWatch++
	id := c.nextWatch
	c.watchers[id] = ch
	c.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.watchMu.Lock()
			delete(c.watchers, id)
			close(ch)
			c.watchMu.Unlock()
		})
	}
}

func (c *Coordinator) notify(snap State) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for _, ch := range c.watchers {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// OnMessage records the icon catalog; other messages are logged.
func (c *Coordinator) OnMessage(msg protocol.Inbound) {
	if msg.Type != protocol.MsgIcons {
		c.logger.Debug("device message", zap.String("type", msg.Type))
		return
	}
	var icons protocol.IconsMessage
	if err := msg.Decode(&icons); err != nil {
		c.logger.Warn("invalid icons message", zap.Error(err))
		return
	}
	c.update(func(s *State) {
		s.Icons = append([]string(nil), icons.Icons...)
	})
	c.logger.Debug("icon catalog updated", zap.Int("icons", len(icons.Icons)))
}

// OnAudio forwards a frame to every audio listener.
func (c *Coordinator) OnAudio(frame []byte) {
	if !c.enableAudio {
		return
	}
	c.hub.Publish(frame)
}

func (c *Coordinator) OnConnect() {
	c.update(func(s *State) {
		s.Connected = true
		s.LastError = ""
	})
}

func (c *Coordinator) OnDisconnect(err error) {
	c.update(func(s *State) {
		s.Connected = false
		s.StreamingMode = protocol.ModeIdle
		if err != nil {
			s.LastError = err.Error()
		}
	})
}

// Send writes cmd and applies its effect on the local state once the write
// succeeded.
func (c *Coordinator) Send(ctx context.Context, cmd protocol.Command) error {
	if err := c.sender.SendCommand(ctx, cmd); err != nil {
		return err
	}
	c.apply(cmd)
	return nil
}

func (c *Coordinator) apply(cmd protocol.Command) {
	switch v := cmd.(type) {
	case protocol.StartStream:
		c.setMode(protocol.ModeFullDuplex)
	case protocol.StartListen:
		c.setMode(protocol.ModeListen)
	case protocol.StartSpeak:
		c.setMode(protocol.ModeSpeak)
	case protocol.StopStream, protocol.StopListen, protocol.StopSpeak:
		c.setMode(protocol.ModeIdle)
	case protocol.SetMicGain:
		c.update(func(s *State) { s.MicGain = v.Value })
	case protocol.SetSpeakerGain:
		c.update(func(s *State) {
			s.SpeakerGain = v.Value
			s.Volume = volumeFromGain(v.Value)
		})
	case protocol.SetText:
		c.update(func(s *State) {
			s.DisplayLine1 = v.Line1
			s.DisplayLine2 = v.Line2
		})
	case protocol.SetExternalText:
		c.update(func(s *State) { s.ExternalText = v.Text })
	case protocol.SetField:
		c.update(func(s *State) {
			s.MarqueeFields[v.Index] = MarqueeField{Icon: v.Icon, Text: v.Text}
		})
	case protocol.ClearField:
		c.update(func(s *State) { s.MarqueeFields[v.Index] = MarqueeField{} })
	}
}

func (c *Coordinator) setMode(mode string) {
	c.update(func(s *State) { s.StreamingMode = mode })
}

// SetStreamingMode switches the device into mode. Switching to idle stops
// whatever mode is active.
func (c *Coordinator) SetStreamingMode(ctx context.Context, mode string) error {
	var cmd protocol.Command
	switch mode {
	case protocol.ModeFullDuplex:
		cmd = protocol.StartStream{}
	case protocol.ModeListen:
		cmd = protocol.StartListen{}
	case protocol.ModeSpeak:
		cmd = protocol.StartSpeak{}
	case protocol.ModeIdle:
		switch c.Snapshot().StreamingMode {
		case protocol.ModeFullDuplex:
			cmd = protocol.StopStream{}
		case protocol.ModeListen:
			cmd = protocol.StopListen{}
		case protocol.ModeSpeak:
			cmd = protocol.StopSpeak{}
		default:
			return nil
		}
	default:
		return fmt.Errorf("unknown streaming mode %q", mode)
	}
	return c.Send(ctx, cmd)
}

// StartListening asks the device to stream its microphone.
func (c *Coordinator) StartListening(ctx context.Context) error {
	return c.Send(ctx, protocol.StartListen{})
}

// StopListening stops the microphone stream.
func (c *Coordinator) StopListening(ctx context.Context) error {
	return c.Send(ctx, protocol.StopListen{})
}

// SetMicGain clamps value to the device range and sends it.
func (c *Coordinator) SetMicGain(ctx context.Context, value float64) error {
	return c.Send(ctx, protocol.SetMicGain{Value: clamp(value, MinMicGain, MaxMicGain)})
}

// SetSpeakerGain clamps value to the device range and sends it.
func (c *Coordinator) SetSpeakerGain(ctx context.Context, value float64) error {
	return c.Send(ctx, protocol.SetSpeakerGain{Value: clamp(value, MinSpeakerGain, MaxSpeakerGain)})
}

// SetVolume maps a 0..1 volume onto the speaker gain range.
func (c *Coordinator) SetVolume(ctx context.Context, volume float64) error {
	volume = clamp(volume, 0, 1)
	if err := c.Send(ctx, protocol.SetSpeakerGain{Value: gainFromVolume(volume)}); err != nil {
		return err
	}
	c.update(func(s *State) { s.Volume = volume })
	return nil
}

// SetDisplayLine replaces one display line. Both lines are always sent.
func (c *Coordinator) SetDisplayLine(ctx context.Context, line int, text string) error {
	snap := c.Snapshot()
	cmd := protocol.SetText{Line1: snap.DisplayLine1, Line2: snap.DisplayLine2}
	switch line {
	case 1:
		cmd.Line1 = text
	case 2:
		cmd.Line2 = text
	default:
		return fmt.Errorf("display line %d out of range [1,2]", line)
	}
	return c.Send(ctx, cmd)
}

// SetExternalText replaces the external text.
func (c *Coordinator) SetExternalText(ctx context.Context, text string) error {
	return c.Send(ctx, protocol.SetExternalText{Text: text})
}

// SetMarqueeField sets the icon and text of one marquee slot.
func (c *Coordinator) SetMarqueeField(ctx context.Context, index int, icon, text string) error {
	return c.Send(ctx, protocol.SetField{Index: index, Icon: icon, Text: text})
}

// ClearMarqueeField empties one marquee slot.
func (c *Coordinator) ClearMarqueeField(ctx context.Context, index int) error {
	return c.Send(ctx, protocol.ClearField{Index: index})
}

// SelectMarqueeIcon changes the icon of a slot by display name, keeping its
// text. IconNone removes the icon.
func (c *Coordinator) SelectMarqueeIcon(ctx context.Context, index int, option string) error {
	if index < 0 || index >= protocol.MarqueeSlots {
		return fmt.Errorf("marquee index %d out of range [0,%d)", index, protocol.MarqueeSlots)
	}
	snap := c.Snapshot()
	icon := IconPath(option, snap.Icons)
	return c.Send(ctx, protocol.SetField{Index: index, Icon: icon, Text: snap.MarqueeFields[index].Text})
}

// RequestIcons asks the device for its icon catalog. The reply arrives as
// an icons message.
func (c *Coordinator) RequestIcons(ctx context.Context) error {
	return c.Send(ctx, protocol.GetIcons{})
}

// PlayAudio sends PCM to the device speaker.
func (c *Coordinator) PlayAudio(ctx context.Context, pcm []byte) error {
	if !c.enableAudio {
		return ErrAudioDisabled
	}
	return c.sender.SendAudio(ctx, pcm)
}

// SendAudio satisfies audio.AudioSender.
func (c *Coordinator) SendAudio(ctx context.Context, pcm []byte) error {
	return c.PlayAudio(ctx, pcm)
}

// JoinAudio attaches a new listener to the device audio.
func (c *Coordinator) JoinAudio() (fanout.Member, error) {
	if !c.enableAudio {
		return fanout.Member{}, ErrAudioDisabled
	}
	return c.hub.Join(), nil
}

// LeaveAudio detaches a listener.
func (c *Coordinator) LeaveAudio(id string) {
	c.hub.Leave(id)
}

// Listeners returns the number of attached audio listeners.
func (c *Coordinator) Listeners() int {
	return c.hub.Len()
}

// Close detaches every audio listener.
func (c *Coordinator) Close() {
	c.hub.Close()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func gainFromVolume(volume float64) float64 {
	return MinSpeakerGain + volume*(MaxSpeakerGain-MinSpeakerGain)
}

func volumeFromGain(gain float64) float64 {
	return clamp((gain-MinSpeakerGain)/(MaxSpeakerGain-MinSpeakerGain), 0, 1)
}
