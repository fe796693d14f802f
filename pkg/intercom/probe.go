package intercom

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/saker-ai/smart-intercom/internal/protocol"
	"github.com/saker-ai/smart-intercom/internal/transport/intercom/codec"
)

// Probe dials the device, performs one authentication handshake and closes
// the connection. It returns ErrAuthFailed when the key is rejected and
// ErrUnexpectedResponse when the device deviates from the handshake.
func Probe(ctx context.Context, cfg Config) error {
	cfg = cfg.normalize()
	return probe(ctx, cfg, websocketDialer(cfg.HandshakeTimeout), DefaultProbeTimeout)
}

func probe(ctx context.Context, cfg Config, dial dialFunc, timeout time.Duration) error {
	if cfg.SecretKey == "" {
		return ErrEmptySecret
	}
	url := cfg.URL()
	conn, err := dial(ctx, url)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	msg, err := readControl(conn, timeout)
	if err != nil {
		return err
	}
	if msg.Type != protocol.MsgAuthRequired {
		return fmt.Errorf("%w: got %q before auth", ErrUnexpectedResponse, msg.Type)
	}

	data, err := codec.EncodeCommand(protocol.Auth{Key: cfg.SecretKey})
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	msg, err = readControl(conn, timeout)
	if err != nil {
		return err
	}
	switch msg.Type {
	case protocol.MsgAuthSuccess:
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(cfg.CloseTimeout))
		return nil
	case protocol.MsgAuthFailed:
		return ErrAuthFailed
	default:
		return fmt.Errorf("%w: got %q after auth", ErrUnexpectedResponse, msg.Type)
	}
}

// readControl returns the next control message, skipping audio frames.
func readControl(conn wsConn, timeout time.Duration) (protocol.Inbound, error) {
	deadline := time.Now().Add(timeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return protocol.Inbound{}, fmt.Errorf("%w: timed out waiting for device", ErrUnexpectedResponse)
			}
			return protocol.Inbound{}, err
		}
		kind, err := codec.Classify(messageType)
		if err != nil || kind == codec.PayloadKindAudio {
			continue
		}
		msg, err := codec.DecodeControl(data)
		if err != nil {
			return protocol.Inbound{}, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
		}
		return msg, nil
	}
}
