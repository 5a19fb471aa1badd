package client

import (
	"sort"
	"time"

	"github.com/whisper/strangers/internal/chat"
)

// Connection is the controller's position in the chat lifecycle.
type Connection string

const (
	Idle         Connection = "idle"
	Searching    Connection = "searching"
	Connected    Connection = "connected"
	Disconnected Connection = "disconnected" // partner dropped, session still open
	Ended        Connection = "ended"
)

// PartnerPlaceholder is the only name a user ever sees for the partner.
const PartnerPlaceholder = "Stranger"

// Message is a chat message from the viewer's side.
type Message struct {
	ID         string    `json:"id"`
	FromSelf   bool      `json:"from_self"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	Seq        int64     `json:"seq"`
	Flagged    bool      `json:"flagged,omitempty"`
	FlagReason string    `json:"flag_reason,omitempty"`
}

// State is the observable view consumed by the presentation layer.
type State struct {
	Connection   Connection `json:"connection"`
	SessionID    string     `json:"session_id,omitempty"`
	Partner      string     `json:"partner,omitempty"`
	Messages     []Message  `json:"messages"`
	Saved        bool       `json:"saved"`
	SavePending  bool       `json:"save_pending"`
	PartnerAsked bool       `json:"partner_asked_to_save"`
	Error        string     `json:"error,omitempty"`
}

func (s State) clone() State {
	s.Messages = append([]Message(nil), s.Messages...)
	return s
}

func viewOf(m chat.Message, self string) Message {
	return Message{
		ID:         m.ID,
		FromSelf:   m.SenderID == self,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
		Seq:        m.Seq,
		Flagged:    m.Flagged,
		FlagReason: m.FlagReason,
	}
}

// upsert inserts m in seq order or updates the existing copy. A flag, once
// set, is never cleared by a stale copy.
func upsert(msgs []Message, m Message) []Message {
	for i := range msgs {
		if msgs[i].ID != m.ID {
			continue
		}
		if msgs[i].Flagged && !m.Flagged {
			m.Flagged, m.FlagReason = true, msgs[i].FlagReason
		}
		msgs[i] = m
		return msgs
	}
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].Seq > m.Seq })
	msgs = append(msgs, Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	return msgs
}
