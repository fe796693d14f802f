package device

import (
	"time"

	"github.com/saker-ai/smart-intercom/internal/protocol"
)

// MarqueeField is one slot of the scrolling display.
type MarqueeField struct {
	Icon string `json:"icon"`
	Text string `json:"text"`
}

// State is the last known device state. Values returned by Coordinator are
// copies and may be retained freely.
type State struct {
	ID            string                              `json:"id"`
	Name          string                              `json:"name"`
	Connected     bool                                `json:"connected"`
	StreamingMode string                              `json:"streaming_mode"`
	MicGain       float64                             `json:"mic_gain"`
	SpeakerGain   float64                             `json:"speaker_gain"`
	Volume        float64                             `json:"volume"`
	DisplayLine1  string                              `json:"display_line1"`
	DisplayLine2  string                              `json:"display_line2"`
	ExternalText  string                              `json:"external_text"`
	MarqueeFields [protocol.MarqueeSlots]MarqueeField `json:"marquee_fields"`
	Icons         []string                            `json:"icon_list"`
	LastError     string                              `json:"last_error,omitempty"`
	UpdatedAt     time.Time                           `json:"updated_at"`
}

func initialState(id, name string) State {
	return State{
		ID:            id,
		Name:          name,
		StreamingMode: protocol.ModeIdle,
		MicGain:       1.0,
		SpeakerGain:   1.0,
		Volume:        volumeFromGain(1.0),
	}
}

func (s State) clone() State {
	out := s
	if s.Icons != nil {
		out.Icons = append([]string(nil), s.Icons...)
	}
	return out
}
