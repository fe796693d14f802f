package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/saker-ai/smart-intercom/internal/protocol"
)

// DefaultChunkSize is the maximum audio payload carried by one binary message.
const DefaultChunkSize = 1024

// PayloadKind describes the decoded payload category.
type PayloadKind int

const (
	// PayloadKindAudio indicates raw PCM bytes.
	PayloadKindAudio PayloadKind = iota
	// PayloadKindControl indicates a JSON control message.
	PayloadKindControl
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadKindAudio:
		return "audio"
	case PayloadKindControl:
		return "control"
	default:
		return "unknown"
	}
}

var (
	// ErrUnsupportedFrame is returned for websocket frames that carry neither
	// text nor binary data.
	ErrUnsupportedFrame = errors.New("intercom unsupported frame type")
	// ErrMissingType is returned for control messages without a type field.
	ErrMissingType = errors.New("intercom control message missing type")
)

// Classify maps a websocket message type to a payload kind. Binary frames
// are always audio.
func Classify(messageType int) (PayloadKind, error) {
	switch messageType {
	case websocket.TextMessage:
		return PayloadKindControl, nil
	case websocket.BinaryMessage:
		return PayloadKindAudio, nil
	default:
		return PayloadKindAudio, ErrUnsupportedFrame
	}
}

// DecodeControl parses a text frame into an inbound control message.
func DecodeControl(data []byte) (protocol.Inbound, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return protocol.Inbound{}, fmt.Errorf("intercom control message is not a JSON object")
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return protocol.Inbound{}, fmt.Errorf("decode control message: %w", err)
	}
	if envelope.Type == "" {
		return protocol.Inbound{}, ErrMissingType
	}
	raw := make(json.RawMessage, len(trimmed))
	copy(raw, trimmed)
	return protocol.Inbound{Type: envelope.Type, Raw: raw}, nil
}

// EncodeCommand renders a command as a JSON object whose "cmd" field holds
// the command name, followed by the command's own fields.
func EncodeCommand(cmd protocol.Command) ([]byte, error) {
	if cmd == nil {
		return nil, errors.New("intercom nil command")
	}
	name, err := json.Marshal(cmd.Name())
	if err != nil {
		return nil, err
	}
	fields, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.Name(), err)
	}
	if len(fields) < 2 || fields[0] != '{' {
		return nil, fmt.Errorf("encode %s: fields are not an object", cmd.Name())
	}

	var buf bytes.Buffer
	buf.Grow(len(name) + len(fields) + 8)
	buf.WriteString(`{"cmd":`)
	buf.Write(name)
	if len(fields) > 2 {
		buf.WriteByte(',')
		buf.Write(fields[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// Chunk splits payload into consecutive slices of at most size bytes. The
// returned slices share payload's backing array.
func Chunk(payload []byte, size int) [][]byte {
	if len(payload) == 0 {
		return nil
	}
	if size <= 0 {
		size = DefaultChunkSize
	}
	chunks := make([][]byte, 0, (len(payload)+size-1)/size)
	for start := 0; start < len(payload); start += size {
		end := start + size
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[start:end])
	}
	return chunks
}
