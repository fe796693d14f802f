// Package ws serves a live control channel for one device to browser
// clients: state pushes and device audio out, commands and speaker audio in.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saker-ai/smart-intercom/internal/device"
	"github.com/saker-ai/smart-intercom/pkg/audio"
)

const (
	writeWait     = 5 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 25 * time.Second
	maxFrameBytes = 1 << 20
)

// Options configures the audio side of control sessions.
type Options struct {
	Format    audio.Format
	ChunkSize int
	Keepalive time.Duration
}

// Handler upgrades control-panel connections.
type Handler struct {
	logger   *zap.Logger
	opts     Options
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	id     string
	conn   *websocket.Conn
	sendMu sync.Mutex
	logger *zap.Logger
	coord  *device.Coordinator
	opts   Options

	audioMu     sync.Mutex
	audioCancel context.CancelFunc
	audioDone   chan struct{}
	speakerRate int
}

// NewHandler creates a handler.
func NewHandler(opts Options, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.Format = opts.Format.Normalize()
	if opts.Keepalive <= 0 {
		opts.Keepalive = 5 * time.Second
	}
	return &Handler{
		logger:   logger,
		opts:     opts,
		sessions: make(map[string]*session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Sessions returns the number of open control sessions.
func (h *Handler) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Handle serves one control session for coord until the client leaves.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request, coord *device.Coordinator) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := &session{
		id:     uuid.NewString(),
		conn:   conn,
		logger: h.logger.With(zap.String("device", coord.ID())),
		coord:  coord,
		opts:   h.opts,
	}
	sess.logger.Info("ws session opened", zap.String("session_id", sess.id))
	h.registerSession(sess)
	defer h.unregisterSession(sess.id)

	states, unwatch := coord.Watch()
	defer unwatch()
	sess.sendJSON(Message{Type: typeState, Payload: coord.Snapshot()})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sess.pushStates(ctx, states)
	}()
	go func() {
		defer wg.Done()
		sess.keepalive(ctx)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			sess.logger.Debug("ws connection closed", zap.String("session_id", sess.id), zap.Error(err))
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if messageType == websocket.BinaryMessage {
			sess.onSpeakerAudio(ctx, data)
			continue
		}
		var msg incomingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sess.sendError("invalid json")
			continue
		}
		if msg.Type != "heartbeat" {
			sess.logger.Debug("ws incoming message",
				zap.String("session_id", sess.id),
				zap.String("type", msg.Type),
			)
		}
		sess.dispatchIncoming(ctx, msg)
	}

	cancel()
	sess.stopAudio()
	wg.Wait()
	sess.logger.Info("ws session closed", zap.String("session_id", sess.id))
}

func (s *session) pushStates(ctx context.Context, states <-chan device.State) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			s.sendJSON(Message{Type: typeState, Payload: st})
		}
	}
}

func (s *session) keepalive(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sendMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.sendMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// startAudio forwards device audio to the client as binary frames until
// stopAudio. A quiet device produces chunks of silence every keepalive
// interval.
func (s *session) startAudio() error {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	if s.audioCancel != nil {
		return nil
	}
	member, err := s.coord.JoinAudio()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.audioCancel = cancel
	s.audioDone = done

	go func() {
		defer close(done)
		defer s.coord.LeaveAudio(member.ID)
		silence := audio.AcquireSilence(s.opts.ChunkSize)
		defer audio.ReleaseBytes(silence)
		for {
			frame, ok := member.Stream.Dequeue(ctx, s.opts.Keepalive)
			if ctx.Err() != nil {
				return
			}
			if !ok {
				if !member.Stream.Started() {
					return
				}
				if len(silence) == 0 {
					continue
				}
				frame = silence
			}
			if err := s.sendBinary(frame); err != nil {
				return
			}
		}
	}()
	return nil
}

func (s *session) stopAudio() {
	s.audioMu.Lock()
	cancel, done := s.audioCancel, s.audioDone
	s.audioCancel, s.audioDone = nil, nil
	s.audioMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *session) sendJSON(payload any) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(payload); err != nil {
		s.logger.Debug("ws send failed", zap.Error(err))
	}
}

func (s *session) sendBinary(data []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *session) sendError(message string) {
	s.sendJSON(Message{Type: typeError, Message: message})
}

func (h *Handler) registerSession(sess *session) {
	h.mu.Lock()
	h.sessions[sess.id] = sess
	h.mu.Unlock()
}

func (h *Handler) unregisterSession(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}
