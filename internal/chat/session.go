package chat

import "time"

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Session is a paired chat between exactly two users.
type Session struct {
	ID            string          `json:"id"`
	ParticipantA  string          `json:"participant_a"`
	ParticipantB  string          `json:"participant_b"`
	Status        Status          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	SaveAgreement map[string]bool `json:"save_agreement"`
	Saved         bool            `json:"saved"`
}

// Partner returns the other participant, or "" for a non-participant.
func (s *Session) Partner(userID string) string {
	if userID == s.ParticipantA {
		return s.ParticipantB
	}
	if userID == s.ParticipantB {
		return s.ParticipantA
	}
	return ""
}

// IsParticipant checks if a user is part of this session.
func (s *Session) IsParticipant(userID string) bool {
	return userID == s.ParticipantA || userID == s.ParticipantB
}

// Message is one chat message. Seq is assigned by the store and defines the
// order every observer sees; CreatedAt never decreases along Seq.
type Message struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	SenderID   string    `json:"sender_id"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	Seq        int64     `json:"seq"`
	Flagged    bool      `json:"flagged"`
	FlagReason string    `json:"flag_reason,omitempty"`
}

// SaveStatus is the outcome of RequestSave.
type SaveStatus string

const (
	SaveSaved   SaveStatus = "saved"
	SavePending SaveStatus = "pendingOtherParty"
)

// EndResult describes what EndSession did with the session's data.
type EndResult struct {
	Saved  bool // transcript archived and SavedConnection kept
	Purged bool // session and messages deleted
}
