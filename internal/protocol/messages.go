package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl  MessageType = "client_control"
	TypeClientText     MessageType = "client_text"
	TypeClientAudio    MessageType = "client_audio"
	TypePhaseChanged   MessageType = "phase_changed"
	TypeTurnAppended   MessageType = "turn_appended"
	TypeAssistantAudio MessageType = "assistant_audio"
	TypeSystemEvent    MessageType = "system_event"
	TypeErrorEvent     MessageType = "error_event"
)

// Client control actions.
const (
	ActionStartInput   = "start_input"
	ActionInterrupt    = "interrupt"
	ActionTerminate    = "terminate"
	ActionClear        = "clear"
	ActionPlaybackDone = "playback_done"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	// Mode accompanies start_input: "text" or "voice".
	Mode string `json:"mode,omitempty"`
	// PlaybackID accompanies playback_done.
	PlaybackID string `json:"playback_id,omitempty"`
	TSMs       int64  `json:"ts_ms,omitempty"`
}

type ClientText struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

// ClientAudio carries one finished capture, not a stream chunk.
type ClientAudio struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	AudioBase64 string      `json:"audio_base64"`
	Format      string      `json:"format"`
	SampleRate  int         `json:"sample_rate,omitempty"`
}

type PhaseChanged struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Phase     string      `json:"phase"`
	Previous  string      `json:"previous"`
	TSMs      int64       `json:"ts_ms"`
}

type TurnAppended struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Seq       int         `json:"seq"`
	Role      string      `json:"role"`
	Content   string      `json:"content"`
	MediaRef  string      `json:"media_ref,omitempty"`
	TSMs      int64       `json:"ts_ms"`
}

// AssistantAudio asks the client to play synthesized speech and answer with
// a playback_done control carrying PlaybackID.
type AssistantAudio struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	PlaybackID  string      `json:"playback_id"`
	Format      string      `json:"format"`
	SampleRate  int         `json:"sample_rate,omitempty"`
	DurationMS  int64       `json:"duration_ms,omitempty"`
	AudioBase64 string      `json:"audio_base64"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		switch msg.Action {
		case ActionStartInput:
			if msg.Mode == "" {
				msg.Mode = "voice"
			}
			if msg.Mode != "voice" && msg.Mode != "text" {
				return nil, errors.New("invalid client_control mode")
			}
		case ActionInterrupt, ActionTerminate, ActionClear, ActionPlaybackDone:
		default:
			return nil, fmt.Errorf("unknown client_control action %q", msg.Action)
		}
		return msg, nil
	case TypeClientText:
		var msg ClientText
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid client_text")
		}
		return msg, nil
	case TypeClientAudio:
		var msg ClientAudio
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.AudioBase64 == "" {
			return nil, errors.New("invalid client_audio")
		}
		if msg.Format == "" {
			msg.Format = "pcm"
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
