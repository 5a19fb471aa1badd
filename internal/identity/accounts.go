package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Account is a registered user.
type Account struct {
	ID           string    `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Accounts persists accounts. *AccountStore implements it.
type Accounts interface {
	Create(ctx context.Context, a *Account) error
	ByEmail(ctx context.Context, email string) (*Account, error)
	ByID(ctx context.Context, id string) (*Account, error)
}

// AccountStore keeps accounts in Postgres.
type AccountStore struct {
	db *sqlx.DB
}

// NewAccountStore creates an AccountStore.
func NewAccountStore(db *sqlx.DB) *AccountStore {
	return &AccountStore{db: db}
}

// uniqueViolation is the Postgres error code for a duplicate key.
const uniqueViolation = "23505"

// Create inserts a. ErrEmailTaken is returned for a duplicate email.
func (s *AccountStore) Create(ctx context.Context, a *Account) error {
	rows, err := s.db.NamedQueryContext(ctx, `
		INSERT INTO accounts (id, email, password_hash)
		VALUES (:id, :email, :password_hash)
		RETURNING created_at`, a)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrEmailTaken
		}
		return fmt.Errorf("identity: create account: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&a.CreatedAt); err != nil {
			return fmt.Errorf("identity: create account: %w", err)
		}
	}
	return rows.Err()
}

// ByEmail looks an account up by normalized email.
func (s *AccountStore) ByEmail(ctx context.Context, email string) (*Account, error) {
	return s.get(ctx, `SELECT id, email, password_hash, created_at FROM accounts WHERE email = $1`, email)
}

// ByID looks an account up by id.
func (s *AccountStore) ByID(ctx context.Context, id string) (*Account, error) {
	return s.get(ctx, `SELECT id, email, password_hash, created_at FROM accounts WHERE id = $1`, id)
}

func (s *AccountStore) get(ctx context.Context, query, arg string) (*Account, error) {
	var a Account
	if err := s.db.GetContext(ctx, &a, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("identity: get account: %w", err)
	}
	return &a, nil
}
