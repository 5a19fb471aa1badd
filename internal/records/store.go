// Package records is the durable side of the chat: saved connections, the
// transcripts of saved sessions, moderation hits and ban appeals. Everything
// ephemeral lives in Redis; only what must outlive a session lands here.
package records

import (
	"errors"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("records: not found")

// Store manages durable chat records in PostgreSQL.
type Store struct {
	db *sqlx.DB
}

// NewStore creates a new records store backed by the given pool.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}
