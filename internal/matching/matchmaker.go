// Package matching pairs waiting users into chat sessions. The waiting pool
// and the pairing claim live in Redis, so any number of chat servers and
// matcher processes can serve the same pool.
package matching

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/whisper/strangers/internal/chat"
	"github.com/whisper/strangers/internal/metrics"
)

// Publisher delivers match.found notifications. messaging.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// BanChecker returns a *ban.BannedError for banned users. *ban.Store
// implements it.
type BanChecker interface {
	Check(ctx context.Context, userID string) error
}

// Config tunes the waiting pool.
type Config struct {
	// EntryTTL expires a waiting entry that is not refreshed by Heartbeat.
	EntryTTL time.Duration

	// ScanLimit bounds how many queue members one claim inspects.
	ScanLimit int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		EntryTTL:  60 * time.Second,
		ScanLimit: 64,
	}
}

// Matchmaker admits users to the waiting pool and pairs them.
type Matchmaker struct {
	queue    *Queue
	sessions *chat.Store
	bus      Publisher
	bans     BanChecker
	now      func() time.Time
}

// NewMatchmaker creates a Matchmaker. bans may be nil.
func NewMatchmaker(rdb *redis.Client, sessions *chat.Store, bus Publisher, bans BanChecker, cfg Config) *Matchmaker {
	def := DefaultConfig()
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = def.EntryTTL
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = def.ScanLimit
	}
	return &Matchmaker{
		queue:    NewQueue(rdb, cfg.EntryTTL, cfg.ScanLimit),
		sessions: sessions,
		bus:      bus,
		bans:     bans,
		now:      time.Now,
	}
}

// Queue exposes the underlying waiting pool.
func (m *Matchmaker) Queue() *Queue { return m.queue }

// Enqueue adds userID to the waiting pool. A failing ban lookup does not
// keep users out.
func (m *Matchmaker) Enqueue(ctx context.Context, userID string) (*WaitingEntry, error) {
	if m.bans != nil {
		if err := m.bans.Check(ctx, userID); err != nil {
			if errors.Is(err, ErrBanned) {
				return nil, err
			}
			log.Printf("[matcher] ban check user=%s failed open: %v", userID, err)
		}
	}

	entry, err := m.queue.Enqueue(ctx, userID, m.now())
	if err != nil {
		return nil, err
	}
	log.Printf("[matcher] enqueued user=%s seq=%d", userID, entry.Seq)
	return entry, nil
}

// TryMatch pairs userID with the longest-waiting other user. A nil session
// with a nil error means nobody else is waiting yet. When a partner already
// claimed userID, the existing session is returned.
func (m *Matchmaker) TryMatch(ctx context.Context, userID string) (*chat.Session, error) {
	sess, err := m.pair(ctx, userID)
	if !errors.Is(err, ErrNotWaiting) {
		return sess, err
	}

	id, aerr := m.sessions.ActiveSession(ctx, userID)
	if aerr != nil {
		return nil, aerr
	}
	if id == "" {
		return nil, ErrNotWaiting
	}
	sess, gerr := m.sessions.Get(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	if sess == nil {
		return nil, ErrNotWaiting
	}
	return sess, nil
}

// pair runs the claim for userID and announces a new session.
func (m *Matchmaker) pair(ctx context.Context, userID string) (*chat.Session, error) {
	now := m.now()
	sessionID := uuid.New().String()

	p, err := m.queue.Claim(ctx, userID, sessionID, now, m.sessions.IdleTTL())
	if err != nil || p == nil {
		return nil, err
	}

	metrics.MatchDuration.Observe(now.Sub(p.RequesterSince).Seconds())
	metrics.MatchDuration.Observe(now.Sub(p.PartnerSince).Seconds())
	metrics.Matches.Inc()

	sess := &chat.Session{
		ID:           sessionID,
		ParticipantA: p.Partner,
		ParticipantB: userID,
		Status:       chat.StatusActive,
		CreatedAt:    time.UnixMilli(now.UnixMilli()),
		SaveAgreement: map[string]bool{
			p.Partner: false,
			userID:    false,
		},
	}
	if m.bus != nil {
		publishMatchFound(ctx, m.bus, sess)
	}
	return sess, nil
}

// Cancel removes userID from the pool. It is a no-op when not waiting.
func (m *Matchmaker) Cancel(ctx context.Context, userID string) error {
	removed, err := m.queue.Cancel(ctx, userID)
	if err != nil {
		return err
	}
	if removed {
		log.Printf("[matcher] cancelled user=%s", userID)
	}
	return nil
}

// Heartbeat keeps userID's entry alive. It returns ErrNotWaiting when the
// entry is gone, after which the caller must Enqueue again.
func (m *Matchmaker) Heartbeat(ctx context.Context, userID string) error {
	live, err := m.queue.Heartbeat(ctx, userID)
	if err != nil {
		return err
	}
	if !live {
		return ErrNotWaiting
	}
	return nil
}
