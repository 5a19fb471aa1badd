package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Appeal statuses.
const (
	AppealPending  = "pending"
	AppealApproved = "approved"
	AppealRejected = "rejected"
)

const (
	minAppealChars = 20
	maxAppealChars = 2000

	// appealEvidenceLimit caps how many flagged messages are attached to an
	// appeal for review.
	appealEvidenceLimit = 20
)

// Appeal validation errors.
var (
	ErrAppealTooShort = fmt.Errorf("records: appeal must be at least %d characters", minAppealChars)
	ErrAppealTooLong  = fmt.Errorf("records: appeal must be at most %d characters", maxAppealChars)
	ErrInvalidStatus  = errors.New("records: invalid appeal status")
	ErrAppealResolved = errors.New("records: appeal already resolved")
)

// Appeal is a banned user's request for review.
type Appeal struct {
	ID         string       `db:"id" json:"id"`
	UserID     string       `db:"user_id" json:"user_id"`
	IPAddress  string       `db:"ip_address" json:"ip_address,omitempty"`
	Email      string       `db:"email" json:"email,omitempty"`
	Text       string       `db:"text" json:"text"`
	Status     string       `db:"status" json:"status"`
	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
	ResolvedAt sql.NullTime `db:"resolved_at" json:"-"`

	// FlaggedMessages is filled by GetAppeal for reviewers.
	FlaggedMessages []FlaggedContent `db:"-" json:"flagged_messages,omitempty"`
}

// ValidateAppealText checks the free-text part of an appeal.
func ValidateAppealText(text string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(text))
	switch {
	case n < minAppealChars:
		return ErrAppealTooShort
	case n > maxAppealChars:
		return ErrAppealTooLong
	}
	return nil
}

// CreateAppeal validates and stores a new pending appeal.
func (s *Store) CreateAppeal(ctx context.Context, a Appeal) (*Appeal, error) {
	if err := ValidateAppealText(a.Text); err != nil {
		return nil, err
	}

	a.ID = uuid.NewString()
	a.Text = strings.TrimSpace(a.Text)
	a.Status = AppealPending

	const query = `
		INSERT INTO appeals (id, user_id, ip_address, email, text, status)
		VALUES (:id, :user_id, :ip_address, :email, :text, :status)
		RETURNING created_at`

	rows, err := s.db.NamedQueryContext(ctx, query, a)
	if err != nil {
		return nil, fmt.Errorf("records: create appeal: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&a.CreatedAt); err != nil {
			return nil, fmt.Errorf("records: create appeal: %w", err)
		}
	}
	return &a, rows.Err()
}

// GetAppeal loads an appeal together with the user's recent flagged content.
func (s *Store) GetAppeal(ctx context.Context, id string) (*Appeal, error) {
	const query = `
		SELECT id, user_id, ip_address, email, text, status, created_at, resolved_at
		FROM appeals WHERE id = $1`

	var a Appeal
	err := s.db.GetContext(ctx, &a, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("records: get appeal: %w", err)
	}

	a.FlaggedMessages, err = s.FlagsForUser(ctx, a.UserID, appealEvidenceLimit)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAppeals returns appeals in the given status, oldest first.
func (s *Store) ListAppeals(ctx context.Context, status string) ([]Appeal, error) {
	const query = `
		SELECT id, user_id, ip_address, email, text, status, created_at, resolved_at
		FROM appeals
		WHERE status = $1
		ORDER BY created_at`

	var out []Appeal
	if err := s.db.SelectContext(ctx, &out, query, status); err != nil {
		return nil, fmt.Errorf("records: list appeals: %w", err)
	}
	return out, nil
}

// ResolveAppeal moves a pending appeal to approved or rejected.
func (s *Store) ResolveAppeal(ctx context.Context, id, status string) error {
	if status != AppealApproved && status != AppealRejected {
		return ErrInvalidStatus
	}

	const query = `
		UPDATE appeals SET status = $2, resolved_at = NOW()
		WHERE id = $1 AND status = 'pending'`

	res, err := s.db.ExecContext(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("records: resolve appeal: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.GetAppeal(ctx, id); err != nil {
			return err
		}
		return ErrAppealResolved
	}
	return nil
}
