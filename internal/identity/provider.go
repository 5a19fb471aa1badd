// Package identity registers accounts and issues the session tokens that
// authenticate chat connections.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

// RevokedPrefix is the Redis key prefix for revoked token ids.
const RevokedPrefix = "auth:revoked:"

// Config holds token and hashing settings.
type Config struct {
	Secret     string
	TokenTTL   time.Duration
	BcryptCost int
}

// DefaultConfig returns sensible defaults. Secret must still be set.
func DefaultConfig() Config {
	return Config{
		TokenTTL:   24 * time.Hour,
		BcryptCost: bcrypt.DefaultCost,
	}
}

// User is the authenticated principal.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Provider implements sign-up, sign-in, token checks and sign-out.
type Provider struct {
	accounts Accounts
	tokens   *Tokens
	rdb      *redis.Client
	cost     int
}

// NewProvider creates a Provider. rdb stores revoked token ids.
func NewProvider(accounts Accounts, rdb *redis.Client, cfg Config) (*Provider, error) {
	if cfg.Secret == "" {
		return nil, errors.New("identity: empty token secret")
	}
	def := DefaultConfig()
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = def.TokenTTL
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = def.BcryptCost
	}
	return &Provider{
		accounts: accounts,
		tokens:   NewTokens(cfg.Secret, cfg.TokenTTL),
		rdb:      rdb,
		cost:     cfg.BcryptCost,
	}, nil
}

// CreateAccount registers email with password and signs the user in.
func (p *Provider) CreateAccount(ctx context.Context, email, password string) (*User, string, error) {
	email = NormalizeEmail(email)
	if !ValidEmail(email) {
		return nil, "", ErrInvalidEmail
	}
	if check := CheckPassword(password); !check.Valid {
		return nil, "", &WeakPasswordError{Check: check}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return nil, "", fmt.Errorf("identity: hash password: %w", err)
	}

	acct := &Account{ID: uuid.New().String(), Email: email, PasswordHash: string(hash)}
	if err := p.accounts.Create(ctx, acct); err != nil {
		return nil, "", err
	}
	log.Printf("[identity] account created user=%s", acct.ID)

	return p.issue(acct)
}

// Authenticate checks credentials and issues a new token.
func (p *Provider) Authenticate(ctx context.Context, email, password string) (*User, string, error) {
	if len(password) > MaxPasswordBytes {
		return nil, "", ErrInvalidCredentials
	}
	acct, err := p.accounts.ByEmail(ctx, NormalizeEmail(email))
	if errors.Is(err, ErrAccountNotFound) {
		return nil, "", ErrInvalidCredentials
	}
	if err != nil {
		return nil, "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		return nil, "", ErrInvalidCredentials
	}
	return p.issue(acct)
}

func (p *Provider) issue(acct *Account) (*User, string, error) {
	token, _, err := p.tokens.Sign(acct.ID, acct.Email)
	if err != nil {
		return nil, "", err
	}
	return &User{ID: acct.ID, Email: acct.Email}, token, nil
}

// CurrentUser resolves token to its user. Revoked and expired tokens return
// ErrInvalidToken.
func (p *Provider) CurrentUser(ctx context.Context, token string) (*User, error) {
	claims, err := p.tokens.Parse(token)
	if err != nil {
		return nil, err
	}

	n, err := p.rdb.Exists(ctx, RevokedPrefix+claims.ID).Result()
	if err != nil {
		return nil, fmt.Errorf("identity: revocation check: %w", err)
	}
	if n > 0 {
		return nil, ErrInvalidToken
	}
	return &User{ID: claims.UserID, Email: claims.Email}, nil
}

// EndSession revokes token until it would have expired anyway.
func (p *Provider) EndSession(ctx context.Context, token string) error {
	claims, err := p.tokens.Parse(token)
	if err != nil {
		return err
	}

	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl <= 0 {
		return nil
	}
	if err := p.rdb.Set(ctx, RevokedPrefix+claims.ID, claims.UserID, ttl).Err(); err != nil {
		return fmt.Errorf("identity: revoke token: %w", err)
	}
	log.Printf("[identity] signed out user=%s", claims.UserID)
	return nil
}
