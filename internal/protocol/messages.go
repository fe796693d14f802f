package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound message types with reserved meaning.
const (
	MsgAuthRequired = "auth_required"
	MsgAuthSuccess  = "auth_success"
	MsgAuthFailed   = "auth_failed"
	// MsgIcons carries the icon catalog in reply to get_icons.
	MsgIcons = "icons"
)

// Outbound command names.
const (
	CmdAuth            = "auth"
	CmdStartStream     = "start_stream"
	CmdStopStream      = "stop_stream"
	CmdStartListen     = "start_listen"
	CmdStopListen      = "stop_listen"
	CmdStartSpeak      = "start_speak"
	CmdStopSpeak       = "stop_speak"
	CmdDoorbell        = "doorbell"
	CmdStartAlarm      = "start_alarm"
	CmdStopAlarm       = "stop_alarm"
	CmdSetMicGain      = "set_mic_gain"
	CmdSetSpeakerGain  = "set_speaker_gain"
	CmdSetText         = "set_text"
	CmdSetExternalText = "set_external_text"
	CmdSetField        = "set_field"
	CmdClearField      = "clear_field"
	CmdGetIcons        = "get_icons"
)

// Streaming modes reported by the device state.
const (
	ModeIdle       = "idle"
	ModeFullDuplex = "full_duplex"
	ModeListen     = "listen"
	ModeSpeak      = "speak"
)

// MarqueeSlots is the number of marquee fields on the device display.
const MarqueeSlots = 3

// Inbound is a control message received from the device. Raw holds the
// full JSON object so collaborators can decode type-specific fields.
type Inbound struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the raw message into v.
func (m Inbound) Decode(v any) error {
	return json.Unmarshal(m.Raw, v)
}

// IconsMessage is the payload of an "icons" message.
type IconsMessage struct {
	Icons []string `json:"icons"`
}

// Command is a control message sent to the device. Implementations are
// limited to the types declared in this package.
type Command interface {
	Name() string
	command()
}

// Auth answers an auth_required challenge.
type Auth struct {
	Key string `json:"key"`
}

// StartStream starts full-duplex audio.
type StartStream struct{}

// StopStream stops full-duplex audio.
type StopStream struct{}

// StartListen starts device-to-client audio.
type StartListen struct{}

// StopListen stops device-to-client audio.
type StopListen struct{}

// StartSpeak starts client-to-device audio.
type StartSpeak struct{}

// StopSpeak stops client-to-device audio.
type StopSpeak struct{}

// Doorbell rings the doorbell chime.
type Doorbell struct{}

// StartAlarm starts the alarm.
type StartAlarm struct{}

// StopAlarm stops the alarm.
type StopAlarm struct{}

// SetMicGain sets the microphone gain.
type SetMicGain struct {
	Value float64 `json:"value"`
}

// SetSpeakerGain sets the speaker gain.
type SetSpeakerGain struct {
	Value float64 `json:"value"`
}

// SetText sets both display lines. The device replaces both lines on
// every call.
type SetText struct {
	Line1 string `json:"line1"`
	Line2 string `json:"line2"`
}

// SetExternalText sets the free-form external text.
type SetExternalText struct {
	Text string `json:"text"`
}

// SetField sets one marquee field.
type SetField struct {
	Index int    `json:"index"`
	Icon  string `json:"icon"`
	Text  string `json:"text"`
}

// ClearField clears one marquee field.
type ClearField struct {
	Index int `json:"index"`
}

// GetIcons asks the device for its icon catalog.
type GetIcons struct{}

func (Auth) Name() string            { return CmdAuth }
func (StartStream) Name() string     { return CmdStartStream }
func (StopStream) Name() string      { return CmdStopStream }
func (StartListen) Name() string     { return CmdStartListen }
func (StopListen) Name() string      { return CmdStopListen }
func (StartSpeak) Name() string      { return CmdStartSpeak }
func (StopSpeak) Name() string       { return CmdStopSpeak }
func (Doorbell) Name() string        { return CmdDoorbell }
func (StartAlarm) Name() string      { return CmdStartAlarm }
func (StopAlarm) Name() string       { return CmdStopAlarm }
func (SetMicGain) Name() string      { return CmdSetMicGain }
func (SetSpeakerGain) Name() string  { return CmdSetSpeakerGain }
func (SetText) Name() string         { return CmdSetText }
func (SetExternalText) Name() string { return CmdSetExternalText }
func (SetField) Name() string        { return CmdSetField }
func (ClearField) Name() string      { return CmdClearField }
func (GetIcons) Name() string        { return CmdGetIcons }

func (Auth) command()            {}
func (StartStream) command()     {}
func (StopStream) command()      {}
func (StartListen) command()     {}
func (StopListen) command()      {}
func (StartSpeak) command()      {}
func (StopSpeak) command()       {}
func (Doorbell) command()        {}
func (StartAlarm) command()      {}
func (StopAlarm) command()       {}
func (SetMicGain) command()      {}
func (SetSpeakerGain) command()  {}
func (SetText) command()         {}
func (SetExternalText) command() {}
func (SetField) command()        {}
func (ClearField) command()      {}
func (GetIcons) command()        {}

// ParseCommand builds a command from its wire name and an optional JSON
// object holding its fields. The auth command is rejected; credentials are
// only sent by the session itself.
func ParseCommand(name string, fields []byte) (Command, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	var cmd Command
	switch name {
	case CmdStartStream:
		cmd = StartStream{}
	case CmdStopStream:
		cmd = StopStream{}
	case CmdStartListen:
		cmd = StartListen{}
	case CmdStopListen:
		cmd = StopListen{}
	case CmdStartSpeak:
		cmd = StartSpeak{}
	case CmdStopSpeak:
		cmd = StopSpeak{}
	case CmdDoorbell:
		cmd = Doorbell{}
	case CmdStartAlarm:
		cmd = StartAlarm{}
	case CmdStopAlarm:
		cmd = StopAlarm{}
	case CmdGetIcons:
		cmd = GetIcons{}
	case CmdSetMicGain:
		var c SetMicGain
		if err := decodeFields(fields, &c); err != nil {
			return nil, err
		}
		cmd = c
	case CmdSetSpeakerGain:
		var c SetSpeakerGain
		if err := decodeFields(fields, &c); err != nil {
			return nil, err
		}
		cmd = c
	case CmdSetText:
		var c SetText
		if err := decodeFields(fields, &c); err != nil {
			return nil, err
		}
		cmd = c
	case CmdSetExternalText:
		var c SetExternalText
		if err := decodeFields(fields, &c); err != nil {
			return nil, err
		}
		cmd = c
	case CmdSetField:
		var c SetField
		if err := decodeFields(fields, &c); err != nil {
			return nil, err
		}
		cmd = c
	case CmdClearField:
		var c ClearField
		if err := decodeFields(fields, &c); err != nil {
			return nil, err
		}
		cmd = c
	case CmdAuth:
		return nil, fmt.Errorf("command %q cannot be sent directly", name)
	default:
		return nil, fmt.Errorf("unknown command %q", name)
	}
	if err := Validate(cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Validate checks command fields that the device would otherwise reject
// silently.
func Validate(cmd Command) error {
	switch c := cmd.(type) {
	case SetField:
		return validateIndex(c.Index)
	case ClearField:
		return validateIndex(c.Index)
	case SetMicGain:
		if c.Value <= 0 {
			return fmt.Errorf("mic gain must be positive, got %v", c.Value)
		}
	case SetSpeakerGain:
		if c.Value <= 0 {
			return fmt.Errorf("speaker gain must be positive, got %v", c.Value)
		}
	case nil:
		return fmt.Errorf("nil command")
	}
	return nil
}

func validateIndex(index int) error {
	if index < 0 || index >= MarqueeSlots {
		return fmt.Errorf("marquee index %d out of range [0,%d)", index, MarqueeSlots)
	}
	return nil
}

func decodeFields(fields []byte, v any) error {
	if len(strings.TrimSpace(string(fields))) == 0 {
		return nil
	}
	if err := json.Unmarshal(fields, v); err != nil {
		return fmt.Errorf("decode command fields: %w", err)
	}
	return nil
}
