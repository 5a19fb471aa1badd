package records

import (
	"context"
	"fmt"
	"time"
)

// Flag sources.
const (
	SourceFilter     = "filter"
	SourceClassifier = "classifier"
)

// FlaggedContent is a moderation hit kept for ban review and appeals.
type FlaggedContent struct {
	ID        int64     `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	SessionID string    `db:"session_id" json:"session_id"`
	MessageID string    `db:"message_id" json:"message_id,omitempty"`
	Content   string    `db:"content" json:"content"`
	Reason    string    `db:"reason" json:"reason"`
	Source    string    `db:"source" json:"source"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// RecordFlag inserts a moderation hit.
func (s *Store) RecordFlag(ctx context.Context, fc FlaggedContent) error {
	if fc.Source != SourceFilter && fc.Source != SourceClassifier {
		return fmt.Errorf("records: invalid flag source %q", fc.Source)
	}

	const query = `
		INSERT INTO flagged_content (user_id, session_id, message_id, content, reason, source)
		VALUES (:user_id, :session_id, :message_id, :content, :reason, :source)`

	if _, err := s.db.NamedExecContext(ctx, query, fc); err != nil {
		return fmt.Errorf("records: record flag: %w", err)
	}
	return nil
}

// FlagsForUser returns the most recent moderation hits for a user.
func (s *Store) FlagsForUser(ctx context.Context, userID string, limit int) ([]FlaggedContent, error) {
	const query = `
		SELECT id, user_id, session_id, message_id, content, reason, source, created_at
		FROM flagged_content
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	var out []FlaggedContent
	if err := s.db.SelectContext(ctx, &out, query, userID, limit); err != nil {
		return nil, fmt.Errorf("records: flags for user: %w", err)
	}
	return out, nil
}
