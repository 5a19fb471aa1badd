package messaging

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus is the Redis pub/sub implementation of Bus. It lets a single
// Redis deployment serve as both store and notification transport.
type RedisBus struct {
	rdb *redis.Client

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

// NewRedisBus creates a bus on an existing client. The client is not closed
// by Close.
func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{
		rdb:  rdb,
		subs: make(map[*redisSubscription]struct{}),
	}
}

// Publish sends data to the channel named subject.
func (b *RedisBus) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := b.rdb.Publish(ctx, subject, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe waits for the server to confirm the subscription before
// returning, so a publish that happens after Subscribe returns is delivered.
func (b *RedisBus) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, subject)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", subject, err)
	}

	s := &redisSubscription{bus: b, ps: ps, subject: subject}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		for msg := range ps.Channel() {
			handler([]byte(msg.Payload))
		}
	}()

	return s, nil
}

// Close releases every open subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[*redisSubscription]struct{})
	b.mu.Unlock()

	for s := range subs {
		s.close()
	}
	log.Printf("[redisbus] closed %d subscriptions", len(subs))
	return nil
}

// redisSubscription may still deliver a message already in flight after
// Unsubscribe returns; it can be released from inside its own handler.
type redisSubscription struct {
	bus     *RedisBus
	ps      *redis.PubSub
	subject string
	once    sync.Once
	err     error
}

func (s *redisSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.close()
	return s.err
}

func (s *redisSubscription) close() {
	s.once.Do(func() {
		if err := s.ps.Close(); err != nil {
			s.err = fmt.Errorf("redis unsubscribe %s: %w", s.subject, err)
		}
	})
}
