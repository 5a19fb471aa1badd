package matching

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/whisper/strangers/internal/metrics"
)

// ServiceConfig tunes the background sweep.
type ServiceConfig struct {
	Interval   time.Duration
	Batch      int64 // oldest entries tried per sweep
	SweepLimit int   // queue members inspected for expiry per sweep
}

// DefaultServiceConfig returns sensible defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Interval:   2 * time.Second,
		Batch:      32,
		SweepLimit: 1000,
	}
}

// Service is the background matcher. Clients pair themselves through
// TryMatch; the service removes stale entries, pairs users whose clients
// went quiet between retries and reports the pool size.
type Service struct {
	mm     *Matchmaker
	cfg    ServiceConfig
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new matching service.
func NewService(mm *Matchmaker, cfg ServiceConfig) *Service {
	def := DefaultServiceConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = def.Batch
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = def.SweepLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		mm:     mm,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start runs the sweep loop in the background.
func (s *Service) Start() {
	go s.loop()
	log.Println("[matcher] service started")
}

// Stop shuts the loop down and waits for the running sweep to finish.
func (s *Service) Stop() {
	s.cancel()
	<-s.done
	log.Println("[matcher] service stopped")
}

func (s *Service) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Interval)
			s.Sweep(ctx)
			cancel()
		}
	}
}

// Sweep runs one pass: expire stale members, pair the oldest waiting users
// and publish the pool size. It returns the number of sessions created.
func (s *Service) Sweep(ctx context.Context) int {
	q := s.mm.Queue()

	removed, err := q.Sweep(ctx, s.cfg.SweepLimit)
	if err != nil {
		log.Printf("[matcher] sweep: %v", err)
		return 0
	}
	if removed > 0 {
		log.Printf("[matcher] sweep: removed %d stale entries", removed)
	}

	ids, err := q.Oldest(ctx, s.cfg.Batch)
	if err != nil {
		log.Printf("[matcher] sweep: %v", err)
		return 0
	}

	matched := 0
	for _, uid := range ids {
		sess, err := s.mm.pair(ctx, uid)
		switch {
		case errors.Is(err, ErrNotWaiting):
			// paired earlier in this pass, or expired
		case err != nil:
			log.Printf("[matcher] sweep pair user=%s: %v", uid, err)
		case sess == nil:
			// nobody left to pair with
			s.reportSize(ctx)
			return matched
		default:
			matched++
		}
	}
	s.reportSize(ctx)
	return matched
}

func (s *Service) reportSize(ctx context.Context) {
	size, err := s.mm.Queue().Size(ctx)
	if err != nil {
		log.Printf("[matcher] queue size: %v", err)
		return
	}
	metrics.WaitingPool.Set(float64(size))
}
