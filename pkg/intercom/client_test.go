package intercom

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/saker-ai/smart-intercom/internal/protocol"
	"github.com/saker-ai/smart-intercom/internal/session/fsm"
)

type fakeConn struct {
	mu     sync.Mutex
	writes [][]byte
	types  []int
	failAt int
	closed bool
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	return 0, nil, errors.New("not implemented")
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAt > 0 && len(f.writes)+1 == f.failAt {
		f.failAt = 0
		f.writes = append(f.writes, nil)
		f.types = append(f.types, -1)
		return errors.New("broken pipe")
	}
	f.writes = append(f.writes, append([]byte(nil), data...))
	f.types = append(f.types, messageType)
	return nil
}

func (f *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (f *fakeConn) SetPongHandler(func(string) error)         {}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func newReadyClient(t *testing.T, conn *fakeConn) *Client {
	t.Helper()
	c := NewClient(Config{Host: "127.0.0.1", SecretKey: "k", ChunkSize: 1024}, nil)
	c.sess = &session{conn: conn, cancel: func() {}, done: make(chan struct{})}
	if err := c.machine.Force(fsm.StateReady); err != nil {
		t.Fatalf("Force returned error: %v", err)
	}
	return c
}

func TestSendAudioChunks(t *testing.T) {
	conn := &fakeConn{}
	c := newReadyClient(t, conn)
	if err := c.SendAudio(context.Background(), make([]byte, 2500)); err != nil {
		t.Fatalf("SendAudio returned error: %v", err)
	}
	want := []int{1024, 1024, 452}
	if len(conn.writes) != len(want) {
		t.Fatalf("writes=%d, want %d", len(conn.writes), len(want))
	}
	for i, size := range want {
		if len(conn.writes[i]) != size {
			t.Fatalf("write %d size=%d, want %d", i, len(conn.writes[i]), size)
		}
		if conn.types[i] != websocket.BinaryMessage {
			t.Fatalf("write %d type=%d, want binary", i, conn.types[i])
		}
	}
}

func TestSendAudioAbortsOnChunkFailure(t *testing.T) {
	conn := &fakeConn{failAt: 2}
	c := newReadyClient(t, conn)
	if err := c.SendAudio(context.Background(), make([]byte, 2500)); err == nil {
		t.Fatal("SendAudio error=nil, want non-nil")
	}
	if got := conn.attempts(); got != 2 {
		t.Fatalf("write attempts=%d, want 2", got)
	}
}

func TestSendAudioEmpty(t *testing.T) {
	conn := &fakeConn{}
	c := newReadyClient(t, conn)
	if err := c.SendAudio(context.Background(), nil); err != nil {
		t.Fatalf("SendAudio(nil) returned error: %v", err)
	}
	if got := conn.attempts(); got != 0 {
		t.Fatalf("writes=%d, want 0", got)
	}
}

func TestSendOutsideReadyDoesNotWrite(t *testing.T) {
	states := []fsm.State{
		fsm.StateDisconnected,
		fsm.StateConnecting,
		fsm.StateAwaitingAuthChallenge,
		fsm.StateAuthenticating,
		fsm.StateClosing,
	}
	for _, state := range states {
		conn := &fakeConn{}
		c := newReadyClient(t, conn)
		_ = c.machine.Force(state)
		if err := c.SendCommand(context.Background(), protocol.Doorbell{}); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("SendCommand in %s err=%v, want ErrNotConnected", state, err)
		}
		if err := c.SendAudio(context.Background(), []byte{1, 2}); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("SendAudio in %s err=%v, want ErrNotConnected", state, err)
		}
		if got := conn.attempts(); got != 0 {
			t.Fatalf("writes in %s=%d, want 0", state, got)
		}
	}
}

func TestSendCommandEncodes(t *testing.T) {
	conn := &fakeConn{}
	c := newReadyClient(t, conn)
	if err := c.SendCommand(context.Background(), protocol.ClearField{Index: 1}); err != nil {
		t.Fatalf("SendCommand returned error: %v", err)
	}
	if got := string(conn.writes[0]); got != `{"cmd":"clear_field","index":1}` {
		t.Fatalf("payload=%s", got)
	}
	if conn.types[0] != websocket.TextMessage {
		t.Fatalf("type=%d, want text", conn.types[0])
	}
}

func TestSendCommandRejectsInvalid(t *testing.T) {
	conn := &fakeConn{}
	c := newReadyClient(t, conn)
	if err := c.SendCommand(context.Background(), protocol.SetField{Index: 5}); err == nil {
		t.Fatal("SendCommand(index 5) error=nil, want non-nil")
	}
	if got := conn.attempts(); got != 0 {
		t.Fatalf("writes=%d, want 0", got)
	}
}

func TestConfigURL(t *testing.T) {
	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{Host: "10.0.0.5"}, "ws://10.0.0.5:80/audio_stream"},
		{Config{Host: "door.local", Port: 8443, UseSSL: true}, "wss://door.local:8443/audio_stream"},
		{Config{Host: "::1", Port: 81, Path: "/ws"}, "ws://[::1]:81/ws"},
	}
	for _, tt := range tests {
		if got := tt.cfg.URL(); got != tt.want {
			t.Fatalf("URL()=%q, want %q", got, tt.want)
		}
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	c := NewClient(Config{Host: "x", SecretKey: "k"}, nil)
	var hits atomic.Int32
	unsubscribe := c.Subscribe(ObserverFuncs{Connect: func() { hits.Add(1) }})
	c.emitConnect()
	unsubscribe()
	unsubscribe()
	c.emitConnect()
	if got := hits.Load(); got != 1 {
		t.Fatalf("connect hits=%d, want 1", got)
	}
}

// fakeDevice is a websocket server that speaks the device handshake.
type fakeDevice struct {
	secret    string
	afterAuth func(conn *websocket.Conn)
	srv       *httptest.Server
	accepted  atomic.Int32
}

func newFakeDevice(t *testing.T, secret string, afterAuth func(conn *websocket.Conn)) *fakeDevice {
	t.Helper()
	d := &fakeDevice{secret: secret, afterAuth: afterAuth}
	upgrader := websocket.Upgrader{}
	d.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DefaultPath {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		d.accepted.Add(1)

		if err := conn.WriteJSON(map[string]string{"type": "auth_required"}); err != nil {
			return
		}
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg["cmd"] != "auth" || msg["key"] != d.secret {
			_ = conn.WriteJSON(map[string]string{"type": "auth_failed"})
			drain(conn)
			return
		}
		if err := conn.WriteJSON(map[string]string{"type": "auth_success"}); err != nil {
			return
		}
		if d.afterAuth != nil {
			d.afterAuth(conn)
			return
		}
		drain(conn)
	}))
	t.Cleanup(d.srv.Close)
	return d
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (d *fakeDevice) config(t *testing.T, secret string) Config {
	t.Helper()
	u, err := url.Parse(d.srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return Config{
		DeviceID:              "test",
		Host:                  host,
		Port:                  port,
		SecretKey:             secret,
		ReconnectInitialDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:     40 * time.Millisecond,
		CloseTimeout:          200 * time.Millisecond,
	}
}

type eventRecorder struct {
	connects    atomic.Int32
	disconnects atomic.Int32
	connected   chan struct{}
	dropped     chan error
	messages    chan protocol.Inbound
	audio       chan []byte
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{
		connected: make(chan struct{}, 16),
		dropped:   make(chan error, 16),
		messages:  make(chan protocol.Inbound, 16),
		audio:     make(chan []byte, 16),
	}
}

func (r *eventRecorder) observer() Observer {
	return ObserverFuncs{
		Connect: func() {
			r.connects.Add(1)
			r.connected <- struct{}{}
		},
		Disconnect: func(err error) {
			r.disconnects.Add(1)
			r.dropped <- err
		},
		Message: func(msg protocol.Inbound) { r.messages <- msg },
		Audio:   func(frame []byte) { r.audio <- frame },
	}
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func TestClientAuthSuccessConnectsOnce(t *testing.T) {
	device := newFakeDevice(t, "s3cret", nil)
	rec := newEventRecorder()
	c := NewClient(device.config(t, "s3cret"), nil)
	c.Subscribe(rec.observer())

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	waitFor(t, rec.connected, "connect")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady returned error: %v", err)
	}
	if !c.Connected() {
		t.Fatal("Connected()=false, want true")
	}

	c.Disconnect()
	if got := rec.connects.Load(); got != 1 {
		t.Fatalf("connects=%d, want 1", got)
	}
	if err := waitFor(t, rec.dropped, "disconnect"); err != nil {
		t.Fatalf("disconnect err=%v, want nil after owner Disconnect", err)
	}
	if got := rec.disconnects.Load(); got != 1 {
		t.Fatalf("disconnects=%d, want 1", got)
	}
	if got := c.State(); got != fsm.StateDisconnected {
		t.Fatalf("state=%s, want %s", got, fsm.StateDisconnected)
	}
	c.Disconnect()
}

func TestClientAuthFailedDisconnectsOnce(t *testing.T) {
	device := newFakeDevice(t, "right", nil)
	rec := newEventRecorder()
	c := NewClient(device.config(t, "wrong"), nil)
	c.Subscribe(rec.observer())

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	if err := waitFor(t, rec.dropped, "disconnect"); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("disconnect err=%v, want ErrAuthFailed", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.WaitReady(ctx); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("WaitReady err=%v, want ErrAuthFailed", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := rec.connects.Load(); got != 0 {
		t.Fatalf("connects=%d, want 0", got)
	}
	if got := rec.disconnects.Load(); got != 1 {
		t.Fatalf("disconnects=%d, want 1", got)
	}
	if got := device.accepted.Load(); got != 1 {
		t.Fatalf("device accepted %d connections, want 1 (no retry after auth failure)", got)
	}
	c.Disconnect()
}

func TestClientForwardsMessagesAndAudio(t *testing.T) {
	device := newFakeDevice(t, "k", func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"icons","icons":["/icons/10x10/home.xbm"]}`))
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4})
		drain(conn)
	})
	rec := newEventRecorder()
	c := NewClient(device.config(t, "k"), nil)
	c.Subscribe(rec.observer())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer c.Disconnect()

	msg := waitFor(t, rec.messages, "icons message")
	if msg.Type != protocol.MsgIcons {
		t.Fatalf("message type=%q, want %q", msg.Type, protocol.MsgIcons)
	}
	frame := waitFor(t, rec.audio, "audio frame")
	if len(frame) != 4 || frame[3] != 4 {
		t.Fatalf("frame=%v, want [1 2 3 4]", frame)
	}
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	var sessions atomic.Int32
	device := newFakeDevice(t, "k", func(conn *websocket.Conn) {
		if sessions.Add(1) == 1 {
			return
		}
		drain(conn)
	})
	rec := newEventRecorder()
	c := NewClient(device.config(t, "k"), nil)
	c.Subscribe(rec.observer())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	waitFor(t, rec.connected, "first connect")
	if err := waitFor(t, rec.dropped, "drop"); err == nil {
		t.Fatal("drop err=nil, want transport error")
	}
	waitFor(t, rec.connected, "reconnect")

	c.Disconnect()
	connects := rec.connects.Load()
	time.Sleep(100 * time.Millisecond)
	if got := rec.connects.Load(); got != connects {
		t.Fatalf("connects after Disconnect=%d, want %d", got, connects)
	}
	c.mu.Lock()
	supervising := c.supervisor != nil
	c.mu.Unlock()
	if supervising {
		t.Fatal("supervisor still registered after Disconnect")
	}
}

func TestClientInitialFailureNoRetryByDefault(t *testing.T) {
	device := newFakeDevice(t, "k", nil)
	cfg := device.config(t, "k")
	device.srv.Close()

	c := NewClient(cfg, nil)
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("Connect error=nil, want dial error")
	}
	c.mu.Lock()
	supervising := c.supervisor != nil
	c.mu.Unlock()
	if supervising {
		t.Fatal("supervisor started after initial failure, want none")
	}
	if got := c.State(); got != fsm.StateDisconnected {
		t.Fatalf("state=%s, want %s", got, fsm.StateDisconnected)
	}
	c.Disconnect()
}

func TestClientInitialFailureRetriesWhenEnabled(t *testing.T) {
	device := newFakeDevice(t, "k", nil)
	cfg := device.config(t, "k")
	cfg.ReconnectOnInitialFailure = true

	var attempts atomic.Int32
	c := NewClient(cfg, nil)
	realDial := c.dial
	c.dial = func(ctx context.Context, url string) (wsConn, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		return realDial(ctx, url)
	}
	rec := newEventRecorder()
	c.Subscribe(rec.observer())

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("Connect error=nil, want dial error")
	}
	waitFor(t, rec.connected, "connect via supervisor")
	c.Disconnect()
	if got := attempts.Load(); got < 2 {
		t.Fatalf("dial attempts=%d, want >= 2", got)
	}
}

func TestClientConnectRequiresSecret(t *testing.T) {
	c := NewClient(Config{Host: "127.0.0.1"}, nil)
	if err := c.Connect(context.Background()); !errors.Is(err, ErrEmptySecret) {
		t.Fatalf("Connect err=%v, want ErrEmptySecret", err)
	}
}

func TestProbe(t *testing.T) {
	device := newFakeDevice(t, "k", nil)
	if err := Probe(context.Background(), device.config(t, "k")); err != nil {
		t.Fatalf("Probe returned error: %v", err)
	}
	if err := Probe(context.Background(), device.config(t, "bad")); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("Probe(bad key) err=%v, want ErrAuthFailed", err)
	}
}

func TestClientSetSecretKeyAppliesOnNextHandshake(t *testing.T) {
	device := newFakeDevice(t, "rotated", nil)
	c := NewClient(device.config(t, "stale"), nil)
	defer c.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	if err := c.WaitReady(ctx); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("WaitReady err=%v, want ErrAuthFailed", err)
	}

	c.SetSecretKey("rotated")
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect after rotation returned error: %v", err)
	}
	if err := c.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady after rotation err=%v, want nil", err)
	}
}

func TestClientDisconnectDuringReconnectWait(t *testing.T) {
	device := newFakeDevice(t, "k", func(conn *websocket.Conn) {})
	cfg := device.config(t, "k")
	cfg.ReconnectInitialDelay = time.Minute
	cfg.ReconnectMaxDelay = time.Minute
	rec := newEventRecorder()
	c := NewClient(cfg, nil)
	c.Subscribe(rec.observer())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	waitFor(t, rec.connected, "connect")
	waitFor(t, rec.dropped, "drop")

	deadline := time.Now().Add(3 * time.Second)
	for {
		c.mu.Lock()
		supervising := c.supervisor != nil
		c.mu.Unlock()
		if supervising {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("supervisor never started after drop")
		}
		time.Sleep(5 * time.Millisecond)
	}

	start := time.Now()
	c.Disconnect()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Disconnect took %s during a pending reconnect, want prompt return", elapsed)
	}
	c.mu.Lock()
	supervising := c.supervisor != nil
	c.mu.Unlock()
	if supervising {
		t.Fatal("supervisor still registered after Disconnect")
	}
	if got := device.accepted.Load(); got != 1 {
		t.Fatalf("device accepted %d connections, want 1", got)
	}
	if got := c.State(); got != fsm.StateDisconnected {
		t.Fatalf("state=%s, want %s", got, fsm.StateDisconnected)
	}
}

func TestClientBackoffResetsAfterReconnect(t *testing.T) {
	var sessions atomic.Int32
	device := newFakeDevice(t, "k", func(conn *websocket.Conn) {
		if sessions.Add(1) <= 2 {
			return
		}
		drain(conn)
	})
	cfg := device.config(t, "k")
	core, logs := observer.New(zap.InfoLevel)
	rec := newEventRecorder()
	c := NewClient(cfg, zap.New(core))
	c.Subscribe(rec.observer())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer c.Disconnect()

	for i := 0; i < 3; i++ {
		waitFor(t, rec.connected, "connect")
	}

	scheduled := logs.FilterMessage("intercom reconnect scheduled").All()
	if len(scheduled) != 2 {
		t.Fatalf("reconnects scheduled=%d, want 2", len(scheduled))
	}
	for i, entry := range scheduled {
		if got := entry.ContextMap()["delay"]; got != cfg.ReconnectInitialDelay {
			t.Fatalf("reconnect %d delay=%v, want %v", i+1, got, cfg.ReconnectInitialDelay)
		}
	}
}

func TestClientReauthenticatesWhileReady(t *testing.T) {
	reauth := make(chan map[string]any, 1)
	device := newFakeDevice(t, "k", func(conn *websocket.Conn) {
		if err := conn.WriteJSON(map[string]string{"type": "auth_required"}); err != nil {
			return
		}
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		reauth <- msg
		if err := conn.WriteJSON(map[string]string{"type": "auth_success"}); err != nil {
			return
		}
		drain(conn)
	})
	rec := newEventRecorder()
	c := NewClient(device.config(t, "k"), nil)
	c.Subscribe(rec.observer())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer c.Disconnect()

	waitFor(t, rec.connected, "connect")
	msg := waitFor(t, reauth, "second auth")
	if msg["cmd"] != "auth" || msg["key"] != "k" {
		t.Fatalf("re-auth message=%v, want cmd=auth key=k", msg)
	}
	waitFor(t, rec.connected, "connect after re-auth")
	if got := rec.connects.Load(); got != 2 {
		t.Fatalf("connects=%d, want 2", got)
	}
	if got := rec.disconnects.Load(); got != 0 {
		t.Fatalf("disconnects=%d, want 0", got)
	}
	if got := c.State(); got != fsm.StateReady {
		t.Fatalf("state=%s, want %s", got, fsm.StateReady)
	}
}

func TestWaitReadyWakesOnStateChange(t *testing.T) {
	c := NewClient(Config{Host: "127.0.0.1", SecretKey: "k"}, nil)
	if err := c.machine.Force(fsm.StateAuthenticating); err != nil {
		t.Fatalf("Force returned error: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		done <- c.WaitReady(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	if err := c.machine.Force(fsm.StateReady); err != nil {
		t.Fatalf("Force returned error: %v", err)
	}
	if err := waitFor(t, done, "WaitReady"); err != nil {
		t.Fatalf("WaitReady err=%v, want nil", err)
	}
}
