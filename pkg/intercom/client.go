package intercom

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saker-ai/smart-intercom/internal/protocol"
	"github.com/saker-ai/smart-intercom/internal/session/fsm"
	"github.com/saker-ai/smart-intercom/internal/transport/intercom/codec"
)

// Client maintains one authenticated session with one device.
//
// Connect, Disconnect and the send methods are safe for concurrent use,
// except that Connect must not race with Disconnect.
type Client struct {
	cfg     Config
	logger  *zap.Logger
	dial    dialFunc
	machine *fsm.Machine
	backoff *Backoff

	observersMu    sync.RWMutex
	observers      []observerEntry
	nextObserverID uint64

	mu         sync.Mutex
	sess       *session
	closed     bool
	secret     string
	supervisor *supervisorRun
	lastErr    error

	// changed is closed and replaced whenever the session state or the
	// supervisor changes.
	changedMu sync.Mutex
	changed   chan struct{}

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

type session struct {
	conn       wsConn
	cancel     context.CancelFunc
	done       chan struct{}
	authFailed atomic.Bool
}

type observerEntry struct {
	id       uint64
	observer Observer
}

// errAuthRejected stops the receive loop after an auth_failed message.
var errAuthRejected = errors.New("auth rejected")

// NewClient creates a disconnected client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.normalize()
	if cfg.DeviceID != "" {
		logger = logger.With(zap.String("device", cfg.DeviceID))
	}

	c := &Client{
		cfg:     cfg,
		logger:  logger,
		dial:    websocketDialer(cfg.HandshakeTimeout),
		machine: fsm.New(),
		backoff: NewBackoff(cfg.ReconnectInitialDelay, cfg.ReconnectMaxDelay),
		secret:  cfg.SecretKey,
		changed: make(chan struct{}),
	}
	c.machine.OnChange(func(from, to fsm.State) {
		c.logger.Debug("intercom state change",
			zap.String("from", string(from)),
			zap.String("state", string(to)),
		)
		c.notifyChange()
	})
	return c
}

func (c *Client) notifyChange() {
	c.changedMu.Lock()
	close(c.changed)
	c.changed = make(chan struct{})
	c.changedMu.Unlock()
}

func (c *Client) changes() <-chan struct{} {
	c.changedMu.Lock()
	defer c.changedMu.Unlock()
	return c.changed
}

// URL returns the device endpoint.
func (c *Client) URL() string {
	return c.cfg.URL()
}

// State returns the current session state.
func (c *Client) State() fsm.State {
	return c.machine.State()
}

// Connected reports whether the session is authenticated and ready.
func (c *Client) Connected() bool {
	return c.machine.Ready()
}

// SetSecretKey replaces the key used by the next authentication.
func (c *Client) SetSecretKey(key string) {
	c.mu.Lock()
	c.secret = key
	c.mu.Unlock()
}

// Subscribe registers o and returns a function that removes it.
func (c *Client) Subscribe(o Observer) func() {
	if o == nil {
		return func() {}
	}
	c.observersMu.Lock()
	c.nextObserverID++
	id := c.nextObserverID
	c.observers = append(c.observers, observerEntry{id: id, observer: o})
	c.observersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.observersMu.Lock()
			defer c.observersMu.Unlock()
			for i, entry := range c.observers {
				if entry.id == id {
					c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// Connect opens a session and starts its receive loop. It returns once the
// transport is established; authentication completes in the background and
// is signalled through Observer.OnConnect. Connect re-enables reconnection
// after a previous Disconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.closed = false
	c.mu.Unlock()

	err := c.connectOnce(ctx)
	if err == nil {
		return nil
	}
	c.logger.Warn("intercom connect failed", zap.String("url", c.URL()), zap.Error(err))
	if c.cfg.ReconnectOnInitialFailure && !c.cfg.DisableReconnect && isRetryable(err) {
		c.startSupervisor()
	}
	return err
}

// Disconnect closes the session, stops reconnection and waits for every
// background goroutine to exit. It is idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	run := c.supervisor
	c.supervisor = nil
	s := c.sess
	c.mu.Unlock()

	if run != nil {
		run.cancel()
		c.notifyChange()
	}
	if s != nil {
		c.machine.OnClosing()
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := s.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(c.cfg.CloseTimeout)); err == nil {
			timer := time.NewTimer(c.cfg.CloseTimeout)
			select {
			case <-s.done:
			case <-timer.C:
			}
			timer.Stop()
		}
		_ = s.conn.Close()
	}
	c.wg.Wait()
}

// WaitReady blocks until the session is ready, the client gives up
// reconnecting, or ctx is done.
func (c *Client) WaitReady(ctx context.Context) error {
	for {
		changed := c.changes()
		switch c.machine.State() {
		case fsm.StateReady:
			return nil
		case fsm.StateDisconnected:
			c.mu.Lock()
			idle := c.supervisor == nil
			lastErr := c.lastErr
			c.mu.Unlock()
			if idle {
				if lastErr != nil {
					return lastErr
				}
				return ErrNotConnected
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// SendCommand writes one control command. It fails with ErrNotConnected
// without touching the transport unless the session is ready.
func (c *Client) SendCommand(ctx context.Context, cmd protocol.Command) error {
	s, err := c.readySession()
	if err != nil {
		return err
	}
	if err := protocol.Validate(cmd); err != nil {
		return err
	}
	data, err := codec.EncodeCommand(cmd)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.write(ctx, s, websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Name(), err)
	}
	return nil
}

// SendAudio writes pcm as consecutive binary messages of at most ChunkSize
// bytes. The first failed chunk aborts the call; chunks already written are
// not recalled.
func (c *Client) SendAudio(ctx context.Context, pcm []byte) error {
	s, err := c.readySession()
	if err != nil {
		return err
	}
	if len(pcm) == 0 {
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for i, chunk := range codec.Chunk(pcm, c.cfg.ChunkSize) {
		if err := c.write(ctx, s, websocket.BinaryMessage, chunk); err != nil {
			return fmt.Errorf("send audio chunk at offset %d: %w", i*c.cfg.ChunkSize, err)
		}
	}
	return nil
}

func (c *Client) readySession() (*session, error) {
	if !c.machine.Ready() {
		return nil, ErrNotConnected
	}
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return nil, ErrNotConnected
	}
	return s, nil
}

// write must be called with writeMu held.
func (c *Client) write(ctx context.Context, s *session, messageType int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, data)
}

func (c *Client) connectOnce(ctx context.Context) error {
	c.mu.Lock()
	secret := c.secret
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClientClosed
	}
	if secret == "" {
		return ErrEmptySecret
	}
	if err := c.machine.OnConnectStart(); err != nil {
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	}

	url := c.URL()
	c.logger.Info("intercom connecting", zap.String("url", url))
	conn, err := c.dial(ctx, url)
	if err != nil {
		c.machine.OnConnectFailed()
		return fmt.Errorf("dial %s: %w", url, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		c.machine.OnConnectFailed()
		return ErrClientClosed
	}
	if run := c.supervisor; run != nil {
		c.supervisor = nil
		run.cancel()
	}
	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{conn: conn, cancel: cancel, done: make(chan struct{})}
	c.sess = s
	c.lastErr = nil
	c.machine.OnTransportOpen()
	c.extendReadDeadline(s)
	conn.SetPongHandler(func(string) error {
		c.extendReadDeadline(s)
		return nil
	})
	c.wg.Add(2)
	go c.readLoop(s)
	go c.pingLoop(sessCtx, s)
	c.mu.Unlock()

	c.logger.Info("intercom transport open", zap.String("url", url))
	return nil
}

func (c *Client) extendReadDeadline(s *session) {
	if c.cfg.PingInterval <= 0 {
		return
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(c.cfg.PingInterval + c.cfg.PingTimeout))
}

func (c *Client) readLoop(s *session) {
	defer c.wg.Done()
	err := c.receive(s)
	c.endSession(s, err)
	close(s.done)
}

func (c *Client) receive(s *session) error {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		c.extendReadDeadline(s)
		if err := c.dispatch(s, messageType, data); err != nil {
			return err
		}
	}
}

func (c *Client) dispatch(s *session, messageType int, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("intercom dispatch panic", zap.Any("panic", r))
			err = fmt.Errorf("intercom dispatch panic: %v", r)
		}
	}()

	kind, err := codec.Classify(messageType)
	if err != nil {
		c.logger.Debug("intercom frame ignored", zap.Int("message_type", messageType))
		return nil
	}
	if kind == codec.PayloadKindAudio {
		c.emitAudio(data)
		return nil
	}

	msg, err := codec.DecodeControl(data)
	if err != nil {
		c.logger.Warn("intercom malformed control message", zap.Error(err), zap.Int("bytes", len(data)))
		return nil
	}
	return c.handleControl(s, msg)
}

func (c *Client) handleControl(s *session, msg protocol.Inbound) error {
	switch msg.Type {
	case protocol.MsgAuthRequired:
		if !c.machine.OnAuthChallenge() {
			return nil
		}
		c.mu.Lock()
		secret := c.secret
		c.mu.Unlock()
		data, err := codec.EncodeCommand(protocol.Auth{Key: secret})
		if err != nil {
			return err
		}
		c.writeMu.Lock()
		err = c.write(context.Background(), s, websocket.TextMessage, data)
		c.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("send auth: %w", err)
		}
		c.logger.Debug("intercom auth sent")
		return nil
	case protocol.MsgAuthSuccess:
		if c.machine.OnAuthSuccess() {
			c.backoff.Reset()
			c.logger.Info("intercom authenticated")
			c.emitConnect()
		}
		return nil
	case protocol.MsgAuthFailed:
		s.authFailed.Store(true)
		c.logger.Warn("intercom authentication failed")
		return errAuthRejected
	default:
		c.emitMessage(msg)
		return nil
	}
}

func (c *Client) pingLoop(ctx context.Context, s *session) {
	defer c.wg.Done()
	if c.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.PingTimeout)); err != nil {
				c.logger.Debug("intercom ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Client) endSession(s *session, cause error) {
	s.cancel()

	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	closed := c.closed
	c.mu.Unlock()

	var reason error
	switch {
	case s.authFailed.Load():
		reason = ErrAuthFailed
	case closed:
		reason = nil
	default:
		reason = cause
	}

	// lastErr must be visible before WaitReady can observe disconnected.
	c.mu.Lock()
	c.lastErr = reason
	c.mu.Unlock()

	c.machine.OnClosing()
	_ = s.conn.Close()
	c.machine.OnClosed()

	if reason != nil {
		c.logger.Warn("intercom session ended", zap.Error(reason))
	} else {
		c.logger.Info("intercom session closed")
	}
	c.emitDisconnect(reason)

	if !closed && !s.authFailed.Load() && !c.cfg.DisableReconnect {
		c.startSupervisor()
	}
}

func (c *Client) snapshotObservers() []Observer {
	c.observersMu.RLock()
	defer c.observersMu.RUnlock()
	out := make([]Observer, len(c.observers))
	for i, entry := range c.observers {
		out[i] = entry.observer
	}
	return out
}

func (c *Client) emitMessage(msg protocol.Inbound) {
	for _, o := range c.snapshotObservers() {
		o.OnMessage(msg)
	}
}

func (c *Client) emitAudio(frame []byte) {
	for _, o := range c.snapshotObservers() {
		o.OnAudio(frame)
	}
}

func (c *Client) emitConnect() {
	for _, o := range c.snapshotObservers() {
		o.OnConnect()
	}
}

func (c *Client) emitDisconnect(err error) {
	for _, o := range c.snapshotObservers() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("intercom disconnect observer panic", zap.Any("panic", r))
				}
			}()
			o.OnDisconnect(err)
		}()
	}
}

func isRetryable(err error) bool {
	return !errors.Is(err, ErrEmptySecret) &&
		!errors.Is(err, ErrClientClosed) &&
		!errors.Is(err, ErrAlreadyConnected) &&
		!errors.Is(err, context.Canceled)
}
