// Package protocol defines the WebSocket frames exchanged between a browser
// and the gateway. Every frame is a JSON object with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/whisper/strangers/internal/client"
)

// Client -> Server frame types.
const (
	TypeStartChat    = "start_chat"
	TypeCancelSearch = "cancel_search"
	TypeSend         = "send"
	TypeSave         = "save"
	TypeEnd          = "end"
	TypePing         = "ping"
)

// Server -> Client frame types.
const (
	TypeState = "state"
	TypeError = "error"
	TypePong  = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeBadRequest     = "bad_request"
	CodeRejected       = "content_rejected"
	CodeBanned         = "banned"
	CodeAlreadyInChat  = "already_in_chat"
	CodeNotInChat      = "not_in_chat"
	CodeChatEnded      = "chat_ended"
	CodeInternal       = "internal"
	CodeTooManyClients = "too_many_connections"
)

// Envelope holds the frame type and the raw JSON for deferred decoding.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// StartChatMsg asks to be paired with a stranger.
type StartChatMsg struct {
	Type string `json:"type"`
}

// CancelSearchMsg leaves the waiting pool.
type CancelSearchMsg struct {
	Type string `json:"type"`
}

// SendMsg carries a chat message.
type SendMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SaveMsg asks to keep the current conversation.
type SaveMsg struct {
	Type string `json:"type"`
}

// EndMsg ends the current conversation.
type EndMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// StateMsg pushes the controller state after every change.
type StateMsg struct {
	Type  string       `json:"type"`
	State client.State `json:"state"`
}

// ErrorMsg reports a failed request.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg answers a ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ParseClientMessage decodes a client frame. It returns the frame type, the
// decoded struct and an error for malformed, unknown or server-only types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeStartChat:
		var m StartChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCancelSearch:
		var m CancelSearchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSend:
		var m SendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSave:
		var m SaveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEnd:
		var m EndMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage marshals payload with its "type" key set to msgType.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
