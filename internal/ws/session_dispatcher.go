package ws

import (
	"context"

	"go.uber.org/zap"

	"github.com/saker-ai/smart-intercom/internal/protocol"
	"github.com/saker-ai/smart-intercom/pkg/audio"
)

type incomingHandler func(context.Context, incomingMessage)

func (s *session) dispatchIncoming(ctx context.Context, msg incomingMessage) {
	handlers := map[string]incomingHandler{
		"command":            s.onCommand,
		"set-streaming-mode": s.onSetStreamingMode,
		"start-audio":        s.onStartAudio,
		"stop-audio":         s.onStopAudio,
		"set-speaker-rate":   s.onSetSpeakerRate,
		"request-state":      s.onRequestState,
		"heartbeat":          s.onNoop,
	}

	if handler, ok := handlers[msg.Type]; ok {
		handler(ctx, msg)
		return
	}
	s.logger.Debug("ws unknown message type",
		zap.String("session_id", s.id),
		zap.String("type", msg.Type),
	)
	s.sendError("unknown message type " + msg.Type)
}

func (s *session) onCommand(ctx context.Context, msg incomingMessage) {
	cmd, err := protocol.ParseCommand(msg.Name, msg.Fields)
	if err != nil {
		s.sendError(err.Error())
		return
	}
	if err := s.coord.Send(ctx, cmd); err != nil {
		s.sendError(err.Error())
		return
	}
	s.sendJSON(Message{Type: typeAck, Command: cmd.Name()})
}

func (s *session) onSetStreamingMode(ctx context.Context, msg incomingMessage) {
	if err := s.coord.SetStreamingMode(ctx, msg.Mode); err != nil {
		s.sendError(err.Error())
		return
	}
	s.sendJSON(Message{Type: typeAck, Command: "set-streaming-mode"})
}

func (s *session) onStartAudio(_ context.Context, _ incomingMessage) {
	if err := s.startAudio(); err != nil {
		s.sendError(err.Error())
		return
	}
	s.sendJSON(Message{Type: typeAck, Command: "start-audio"})
}

func (s *session) onStopAudio(_ context.Context, _ incomingMessage) {
	s.stopAudio()
	s.sendJSON(Message{Type: typeAck, Command: "stop-audio"})
}

// onSetSpeakerRate declares the sample rate of subsequent binary frames.
func (s *session) onSetSpeakerRate(_ context.Context, msg incomingMessage) {
	if msg.Rate < 0 {
		s.sendError("rate must not be negative")
		return
	}
	s.audioMu.Lock()
	s.speakerRate = msg.Rate
	s.audioMu.Unlock()
	s.sendJSON(Message{Type: typeAck, Command: "set-speaker-rate"})
}

func (s *session) onRequestState(_ context.Context, _ incomingMessage) {
	s.sendJSON(Message{Type: typeState, Payload: s.coord.Snapshot()})
}

func (s *session) onNoop(_ context.Context, _ incomingMessage) {}

// onSpeakerAudio plays one binary frame of PCM16 on the device speaker.
func (s *session) onSpeakerAudio(ctx context.Context, pcm []byte) {
	s.audioMu.Lock()
	rate := s.speakerRate
	s.audioMu.Unlock()
	speaker := audio.Speaker{
		Sender:    s.coord,
		Format:    s.opts.Format,
		ChunkSize: s.opts.ChunkSize,
		Logger:    s.logger,
	}
	if err := speaker.Play(ctx, pcm, rate); err != nil {
		s.sendError(err.Error())
	}
}
