package ws

import "encoding/json"

// Message is one JSON frame sent to a control-panel client.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
	Message string `json:"message,omitempty"`
	Command string `json:"command,omitempty"`
}

type incomingMessage struct {
	Type   string          `json:"type"`
	Name   string          `json:"name,omitempty"`
	Fields json.RawMessage `json:"fields,omitempty"`
	Mode   string          `json:"mode,omitempty"`
	Rate   int             `json:"rate,omitempty"`
}

const (
	typeState = "state"
	typeError = "error"
	typeAck   = "ack"
)
