// Package ban keeps per-user bans in Redis. Records expire on their own:
//
//	Key:   ban:<userId>
//	Value: <reason>
//	TTL:   ban duration
//
// Offense counters live next to them under offenses:<userId> and reset 24h
// after the first offense in a window.
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// BanPrefix is the Redis key prefix for ban records.
	BanPrefix = "ban:"

	// OffensesPrefix is the Redis key prefix for offense counters.
	OffensesPrefix = "offenses:"

	// Escalating ban durations.
	Ban15Min  = 15 * time.Minute // 1st offense
	Ban1Hour  = 1 * time.Hour    // 2nd offense
	Ban24Hour = 24 * time.Hour   // 3rd+ offense

	// OffensesTTL is how long the offense counter lives in Redis.
	OffensesTTL = 24 * time.Hour

	// AutoBanThreshold is the number of flagged messages within OffensesTTL
	// that triggers an automatic ban.
	AutoBanThreshold = 3

	// ReasonRepeatedFlags is recorded when the auto-ban threshold is reached.
	ReasonRepeatedFlags = "repeated_flags"
)

// ErrBanned matches any *BannedError.
var ErrBanned = errors.New("ban: user is banned")

// BannedError describes an active ban.
type BannedError struct {
	Reason string
	Until  time.Time
}

func (e *BannedError) Error() string {
	return fmt.Sprintf("ban: user is banned until %s (%s)", e.Until.UTC().Format(time.RFC3339), e.Reason)
}

func (e *BannedError) Is(target error) bool { return target == ErrBanned }

// Store manages ban records in Redis.
type Store struct {
	client *redis.Client
	now    func() time.Time
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client, now: time.Now}
}

// IsBanned reports whether userID is currently banned, with the remaining
// ban time and its reason. Redis errors are returned so callers can decide
// how to handle them; the matcher fails open.
func (s *Store) IsBanned(ctx context.Context, userID string) (bool, time.Duration, string, error) {
	key := BanPrefix + userID

	pipe := s.client.Pipeline()
	get := pipe.Get(ctx, key)
	ttl := pipe.PTTL(ctx, key)
	_, err := pipe.Exec(ctx)
	if errors.Is(err, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", fmt.Errorf("ban: check: %w", err)
	}

	remaining := ttl.Val()
	if remaining < 0 {
		remaining = 0
	}
	return true, remaining, get.Val(), nil
}

// Check returns a *BannedError when userID is banned and nil otherwise.
func (s *Store) Check(ctx context.Context, userID string) error {
	banned, remaining, reason, err := s.IsBanned(ctx, userID)
	if err != nil {
		return err
	}
	if !banned {
		return nil
	}
	return &BannedError{Reason: reason, Until: s.now().Add(remaining)}
}

// Ban sets a ban on userID with the given duration and reason.
func (s *Store) Ban(ctx context.Context, userID string, duration time.Duration, reason string) error {
	return s.client.Set(ctx, BanPrefix+userID, reason, duration).Err()
}

// Unban removes a ban immediately. Used when an appeal is approved.
func (s *Store) Unban(ctx context.Context, userID string) error {
	return s.client.Del(ctx, BanPrefix+userID).Err()
}

func escalationDuration(offenseCount int) time.Duration {
	switch {
	case offenseCount <= 1:
		return Ban15Min
	case offenseCount == 2:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

// OffenseCount returns the current offense counter for userID, 0 when none.
func (s *Store) OffenseCount(ctx context.Context, userID string) (int, error) {
	val, err := s.client.Get(ctx, OffensesPrefix+userID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// incrOffenses bumps the counter and starts its window on the first offense
// so the window does not slide.
func (s *Store) incrOffenses(ctx context.Context, userID string) (int, error) {
	key := OffensesPrefix + userID
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, OffensesTTL).Err(); err != nil {
			return 0, err
		}
	}
	return int(count), nil
}

// Escalate records an offense and bans userID for a duration that grows
// with the number of offenses in the window:
//
//	1st offense  -> 15 minutes
//	2nd offense  -> 1 hour
//	3rd+ offense -> 24 hours
//
// Returns the ban duration that was applied.
func (s *Store) Escalate(ctx context.Context, userID, reason string) (time.Duration, error) {
	count, err := s.incrOffenses(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("ban: escalate incr: %w", err)
	}

	duration := escalationDuration(count)
	if err := s.Ban(ctx, userID, duration, reason); err != nil {
		return 0, fmt.Errorf("ban: escalate ban: %w", err)
	}
	return duration, nil
}

// ReportAndCheck records a flagged message against userID and bans once
// AutoBanThreshold offenses accumulate. Returns (banned, duration, error).
func (s *Store) ReportAndCheck(ctx context.Context, userID, reason string) (bool, time.Duration, error) {
	count, err := s.incrOffenses(ctx, userID)
	if err != nil {
		return false, 0, fmt.Errorf("ban: report incr: %w", err)
	}
	if count < AutoBanThreshold {
		return false, 0, nil
	}

	duration := escalationDuration(count)
	if err := s.Ban(ctx, userID, duration, ReasonRepeatedFlags); err != nil {
		return false, 0, fmt.Errorf("ban: report ban: %w", err)
	}
	return true, duration, nil
}
