package chat

import (
	"errors"
	"fmt"

	"github.com/whisper/strangers/internal/moderation"
)

// State conflicts.
var (
	ErrSessionNotFound = errors.New("chat: session not found")
	ErrNotAParticipant = errors.New("chat: not a participant")
	ErrSessionEnded    = errors.New("chat: session ended")
)

// Validation.
var (
	ErrEmptyMessage    = errors.New("chat: message is empty")
	ErrMessageTooLong  = errors.New("chat: message too long")
	ErrInvalidEncoding = errors.New("chat: message is not valid UTF-8")
)

// ErrUnavailable wraps store failures the caller may retry as a whole.
var ErrUnavailable = errors.New("chat: temporarily unavailable")

// ContentRejectedError is returned when the local filter rejects a message.
// Nothing is persisted.
type ContentRejectedError struct {
	Violation moderation.Violation
	Reason    string
}

func (e *ContentRejectedError) Error() string {
	return fmt.Sprintf("chat: content rejected (%s): %s", e.Violation.Severity, e.Reason)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
