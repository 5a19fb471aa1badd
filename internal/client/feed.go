package client

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/whisper/strangers/internal/chat"
	"github.com/whisper/strangers/internal/matching"
	"github.com/whisper/strangers/internal/messaging"
)

// Feed delivers session events and match notifications to a controller.
// Handlers may be called from any goroutine, one at a time per
// subscription.
type Feed interface {
	Subscribe(ctx context.Context, sessionID, userID string, fn func(chat.Event)) (messaging.Subscription, error)
	WatchMatches(ctx context.Context, userID string, fn func(sessionID string)) (messaging.Subscription, error)
}

// BusFeed pushes events from a messaging.Bus.
type BusFeed struct {
	bus messaging.Bus
}

// NewBusFeed creates a push feed.
func NewBusFeed(bus messaging.Bus) *BusFeed {
	return &BusFeed{bus: bus}
}

// Subscribe forwards every event published on the session's subject.
func (f *BusFeed) Subscribe(_ context.Context, sessionID, _ string, fn func(chat.Event)) (messaging.Subscription, error) {
	return f.bus.Subscribe(messaging.ChatSubject(sessionID), func(data []byte) {
		ev, err := chat.DecodeEvent(data)
		if err != nil {
			log.Printf("[client] bad event session=%s: %v", sessionID, err)
			return
		}
		fn(ev)
	})
}

// WatchMatches forwards match.found notifications for userID.
func (f *BusFeed) WatchMatches(_ context.Context, userID string, fn func(string)) (messaging.Subscription, error) {
	return f.bus.Subscribe(messaging.MatchFoundSubject(userID), func(data []byte) {
		mf, err := matching.DecodeMatchFound(data)
		if err != nil {
			log.Printf("[client] bad match notification user=%s: %v", userID, err)
			return
		}
		fn(mf.SessionID)
	})
}

// History is the read side a PollFeed needs. *chat.Manager implements it.
type History interface {
	GetHistory(ctx context.Context, sessionID, requesterID string) ([]chat.Message, error)
	Session(ctx context.Context, sessionID string) (*chat.Session, error)
}

// PollFeed synthesizes session events by diffing history snapshots. It is
// the fallback when no bus is available; matches are then found by the
// controller's retry tick alone.
type PollFeed struct {
	history  History
	interval time.Duration
}

// NewPollFeed creates a polling feed.
func NewPollFeed(history History, interval time.Duration) *PollFeed {
	if interval <= 0 {
		interval = time.Second
	}
	return &PollFeed{history: history, interval: interval}
}

// Subscribe polls until the returned subscription is released or the
// session is gone.
func (f *PollFeed) Subscribe(_ context.Context, sessionID, userID string, fn func(chat.Event)) (messaging.Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &poller{
		feed:      f,
		sessionID: sessionID,
		userID:    userID,
		fn:        fn,
		seen:      make(map[string]bool),
	}
	go p.run(ctx)
	return &pollSubscription{cancel: cancel}, nil
}

// WatchMatches has nothing to push.
func (f *PollFeed) WatchMatches(context.Context, string, func(string)) (messaging.Subscription, error) {
	return &pollSubscription{cancel: func() {}}, nil
}

type pollSubscription struct {
	once   sync.Once
	cancel context.CancelFunc
}

func (s *pollSubscription) Unsubscribe() error {
	s.once.Do(s.cancel)
	return nil
}

type poller struct {
	feed      *PollFeed
	sessionID string
	userID    string
	fn        func(chat.Event)

	seen  map[string]bool // message id -> flagged
	saved bool
}

func (p *poller) run(ctx context.Context) {
	ticker := time.NewTicker(p.feed.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.poll(ctx) {
				return
			}
		}
	}
}

// poll emits what changed since the last snapshot. It returns false once
// the session ended.
func (p *poller) poll(ctx context.Context) bool {
	callCtx, cancel := context.WithTimeout(ctx, p.feed.interval)
	defer cancel()

	msgs, err := p.feed.history.GetHistory(callCtx, p.sessionID, p.userID)
	if errors.Is(err, chat.ErrSessionNotFound) {
		p.emit(ctx, chat.Event{Type: chat.EventEnded})
		return false
	}
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[client] poll session=%s: %v", p.sessionID, err)
		}
		return true
	}

	for i := range msgs {
		m := msgs[i]
		flagged, known := p.seen[m.ID]
		switch {
		case !known:
			p.emit(ctx, chat.Event{Type: chat.EventMessage, UserID: m.SenderID, Message: &m})
			if m.Flagged {
				p.emit(ctx, chat.Event{Type: chat.EventMessageFlagged, Message: &m})
			}
		case m.Flagged && !flagged:
			p.emit(ctx, chat.Event{Type: chat.EventMessageFlagged, Message: &m})
		}
		p.seen[m.ID] = m.Flagged
	}

	sess, err := p.feed.history.Session(callCtx, p.sessionID)
	if errors.Is(err, chat.ErrSessionNotFound) {
		p.emit(ctx, chat.Event{Type: chat.EventEnded, Saved: p.saved})
		return false
	}
	if err != nil {
		return true
	}
	if sess.Saved && !p.saved {
		p.saved = true
		p.emit(ctx, chat.Event{Type: chat.EventSaved})
	}
	if sess.Status == chat.StatusEnded {
		p.emit(ctx, chat.Event{Type: chat.EventEnded, Saved: sess.Saved})
		return false
	}
	return true
}

func (p *poller) emit(ctx context.Context, ev chat.Event) {
	if ctx.Err() != nil {
		return
	}
	ev.SessionID = p.sessionID
	if ev.Ts == 0 {
		ev.Ts = time.Now().UnixMilli()
	}
	p.fn(ev)
}
