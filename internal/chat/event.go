package chat

import (
	"encoding/json"
	"fmt"
)

// EventType names a session event on the chat.<session_id> subject.
type EventType string

const (
	EventMessage             EventType = "message"
	EventMessageFlagged      EventType = "message_flagged"
	EventSaveRequested       EventType = "save_requested"
	EventSaved               EventType = "saved"
	EventEnded               EventType = "ended"
	EventPartnerDisconnected EventType = "partner_disconnected"
)

// Event is the payload published for every session change both
// participants must observe.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"` // who caused it
	Message   *Message  `json:"message,omitempty"` // message, message_flagged
	Saved     bool      `json:"saved,omitempty"`   // ended
	Ts        int64     `json:"ts"`                // unix ms
}

// DecodeEvent parses an event published by a Manager.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("chat: decode event: %w", err)
	}
	if ev.Type == "" || ev.SessionID == "" {
		return Event{}, fmt.Errorf("chat: decode event: missing type or session")
	}
	return ev, nil
}
