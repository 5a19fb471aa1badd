package records

import (
	"context"
	"fmt"
	"time"
)

// SavedConnection is one participant's view of a mutually saved session.
type SavedConnection struct {
	ID        int64     `db:"id" json:"id"`
	SessionID string    `db:"session_id" json:"session_id"`
	UserID    string    `db:"user_id" json:"user_id"`
	PartnerID string    `db:"partner_id" json:"partner_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// SaveConnection writes the pair of rows for a saved session. Re-running it
// for the same session is a no-op, so a failed finalization can be retried.
func (s *Store) SaveConnection(ctx context.Context, sessionID, userA, userB string) error {
	const query = `
		INSERT INTO saved_connections (session_id, user_id, partner_id)
		VALUES ($1, $2, $3), ($1, $3, $2)
		ON CONFLICT (session_id, user_id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, sessionID, userA, userB); err != nil {
		return fmt.Errorf("records: save connection: %w", err)
	}
	return nil
}

// Connections lists a user's saved connections, newest first.
func (s *Store) Connections(ctx context.Context, userID string) ([]SavedConnection, error) {
	const query = `
		SELECT id, session_id, user_id, partner_id, created_at
		FROM saved_connections
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC`

	var out []SavedConnection
	if err := s.db.SelectContext(ctx, &out, query, userID); err != nil {
		return nil, fmt.Errorf("records: list connections: %w", err)
	}
	return out, nil
}

// IsSaved reports whether userID holds a saved connection for sessionID.
func (s *Store) IsSaved(ctx context.Context, sessionID, userID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM saved_connections WHERE session_id = $1 AND user_id = $2
		)`

	var ok bool
	if err := s.db.GetContext(ctx, &ok, query, sessionID, userID); err != nil {
		return false, fmt.Errorf("records: is saved: %w", err)
	}
	return ok, nil
}
