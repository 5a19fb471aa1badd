// Package messaging carries notifications between the chat server nodes and
// the matcher. Two subject families exist: match.found.<userId>, telling a
// waiting user they were paired, and chat.<sessionId>, carrying session
// events to both participants.
package messaging

import (
	"context"
	"errors"
)

// Subject prefixes.
const (
	SubjectMatchFound = "match.found" // + .<user_id>
	SubjectChat       = "chat"        // + .<session_id>
)

// ErrClosed is returned by a bus that has been closed.
var ErrClosed = errors.New("messaging: bus closed")

// MatchFoundSubject returns the per-user pairing subject.
func MatchFoundSubject(userID string) string {
	return SubjectMatchFound + "." + userID
}

// ChatSubject returns the per-session event subject.
func ChatSubject(sessionID string) string {
	return SubjectChat + "." + sessionID
}

// Bus is a fire-and-forget pub/sub transport. Handlers run on a goroutine
// owned by the bus and must not block for long.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (Subscription, error)
	Close() error
}

// Subscription is a scoped handle; Unsubscribe releases it and is safe to
// call more than once.
type Subscription interface {
	Unsubscribe() error
}
