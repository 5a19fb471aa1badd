package records

import (
	"context"
	"fmt"
	"time"
)

// TranscriptMessage is one archived message of a saved session.
type TranscriptMessage struct {
	SessionID  string    `db:"session_id"`
	Seq        int64     `db:"seq"`
	MessageID  string    `db:"message_id"`
	SenderID   string    `db:"sender_id"`
	Content    string    `db:"content"`
	CreatedAt  time.Time `db:"created_at"`
	Flagged    bool      `db:"flagged"`
	FlagReason string    `db:"flag_reason"`
}

// ArchiveTranscript upserts the messages of a saved session. Flag state is
// refreshed on conflict so a late classifier verdict is not lost.
func (s *Store) ArchiveTranscript(ctx context.Context, msgs []TranscriptMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	const query = `
		INSERT INTO transcripts (session_id, seq, message_id, sender_id, content, created_at, flagged, flag_reason)
		VALUES (:session_id, :seq, :message_id, :sender_id, :content, :created_at, :flagged, :flag_reason)
		ON CONFLICT (session_id, seq) DO UPDATE
		SET flagged = EXCLUDED.flagged, flag_reason = EXCLUDED.flag_reason`

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("records: archive begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, query)
	if err != nil {
		return fmt.Errorf("records: archive prepare: %w", err)
	}
	defer stmt.Close()

	for i := range msgs {
		if _, err := stmt.ExecContext(ctx, msgs[i]); err != nil {
			return fmt.Errorf("records: archive message %d: %w", msgs[i].Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("records: archive commit: %w", err)
	}
	return nil
}

// Transcript returns the archived messages of a session in sequence order.
// Only a participant holding a saved connection for the session may read
// it; anyone else gets ErrNotFound.
func (s *Store) Transcript(ctx context.Context, sessionID, userID string) ([]TranscriptMessage, error) {
	saved, err := s.IsSaved(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if !saved {
		return nil, ErrNotFound
	}

	const query = `
		SELECT session_id, seq, message_id, sender_id, content, created_at, flagged, flag_reason
		FROM transcripts
		WHERE session_id = $1
		ORDER BY seq`

	var out []TranscriptMessage
	if err := s.db.SelectContext(ctx, &out, query, sessionID); err != nil {
		return nil, fmt.Errorf("records: transcript: %w", err)
	}
	return out, nil
}
