// Package client is the per-user orchestration behind one connected user:
// it drives the matchmaker until a session exists, delegates chat actions to
// the session manager and folds pushed events into an observable State.
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

// Matchmaker is the pairing side. *matching.Matchmaker implements it.
type Matchmaker interface {
	Enqueue(ctx context.Context, userID string) (*matching.WaitingEntry, error)
	TryMatch(ctx context.Context, userID string) (*chat.Session, error)
	Cancel(ctx context.Context, userID string) error
	Heartbeat(ctx context.Context, userID string) error
}

// Sessions is the chat side. *chat.Manager implements it.
type Sessions interface {
	History
	SendMessage(ctx context.Context, sessionID, senderID, text string) (*chat.Message, error)
	RequestSave(ctx context.Context, sessionID, userID string) (chat.SaveStatus, error)
	EndSession(ctx context.Context, sessionID, requesterID string) (*chat.EndResult, error)
	NotifyDisconnect(ctx context.Context, sessionID, userID string) error
	ActiveSession(ctx context.Context, userID string) (string, error)
}

// Config tunes a Controller.
type Config struct {
	// RetryInterval paces TryMatch retries and waiting-entry heartbeats.
	RetryInterval time.Duration

	// OpTimeout bounds each background store call.
	OpTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RetryInterval: 2 * time.Second,
		OpTimeout:     5 * time.Second,
	}
}

// Controller serves one user. Its methods are safe for concurrent use.
type Controller struct {
	userID   string
	mm       Matchmaker
	sessions Sessions
	feed     Feed
	cfg      Config

	mu      sync.Mutex
	state   State
	sub     messaging.Subscription
	search  *search
	closed  bool
	updates chan State
}

// search is one running background search.
type search struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an idle Controller for userID.
func New(userID string, mm Matchmaker, sessions Sessions, feed Feed, cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	return &Controller{
		userID:   userID,
		mm:       mm,
		sessions: sessions,
		feed:     feed,
		cfg:      cfg,
		state:    State{Connection: Idle},
		updates:  make(chan State, 1),
	}
}

// UserID returns the user this controller serves.
func (c *Controller) UserID() string { return c.userID }

// State returns a snapshot of the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Updates delivers state changes. Only the latest state is buffered, so a
// slow reader skips intermediate states. Closed by Close.
func (c *Controller) Updates() <-chan State {
	return c.updates
}

// emitLocked publishes the current state. c.mu must be held.
func (c *Controller) emitLocked() {
	if c.closed {
		return
	}
	select {
	case <-c.updates:
	default:
	}
	c.updates <- c.state.clone()
}

// failLocked records err for the user and returns it.
func (c *Controller) failLocked(err error) error {
	c.state.Error = UserMessage(err)
	c.emitLocked()
	return err
}

func (c *Controller) fail(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failLocked(err)
}

// Resume attaches to the user's active session, if any. Used when a user
// reconnects. It reports whether a session was found.
func (c *Controller) Resume(ctx context.Context) (bool, error) {
	id, err := c.sessions.ActiveSession(ctx, c.userID)
	if err != nil {
		return false, c.fail(err)
	}
	if id == "" {
		return false, nil
	}
	sess, err := c.sessions.Session(ctx, id)
	if err != nil {
		return false, c.fail(err)
	}
	return true, c.attach(ctx, sess)
}

// StartNewChat joins the waiting pool and searches until paired or
// cancelled. It returns once the search is running or a match was found
// immediately.
func (c *Controller) StartNewChat(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.state.Connection == Connected || c.state.Connection == Disconnected:
		defer c.mu.Unlock()
		return c.failLocked(matching.ErrAlreadyInSession)
	case c.state.Connection == Searching:
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	_, err := c.mm.Enqueue(ctx, c.userID)
	if err != nil && !errors.Is(err, matching.ErrAlreadyWaiting) {
		return c.fail(err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.cancelEntry()
		return ErrClosed
	}
	c.state = State{Connection: Searching}
	c.emitLocked()
	c.mu.Unlock()

	sess, err := c.mm.TryMatch(ctx, c.userID)
	switch {
	case err == nil && sess != nil:
		return c.attach(ctx, sess)
	case err != nil && !errors.Is(err, matching.ErrNotWaiting):
		log.Printf("[client] try match user=%s: %v", c.userID, err)
	}

	c.startSearch()
	return nil
}

// startSearch launches the background search loop unless one is running.
func (c *Controller) startSearch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.search != nil || c.closed || c.state.Connection != Searching {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &search{cancel: cancel, done: make(chan struct{})}
	c.search = s
	go c.runSearch(ctx, s)
}

func (c *Controller) runSearch(ctx context.Context, s *search) {
	defer close(s.done)

	found := make(chan struct{}, 1)
	watch, err := c.feed.WatchMatches(ctx, c.userID, func(string) {
		select {
		case found <- struct{}{}:
		default:
		}
	})
	if err != nil {
		log.Printf("[client] watch matches user=%s: %v", c.userID, err)
	} else {
		defer watch.Unsubscribe()
	}

	ticker := time.NewTicker(c.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-found:
		case <-ticker.C:
			c.keepAlive(ctx)
		}

		opCtx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
		sess, err := c.mm.TryMatch(opCtx, c.userID)
		cancel()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, matching.ErrNotWaiting) {
				log.Printf("[client] try match user=%s: %v", c.userID, err)
			}
			continue
		}
		if sess == nil {
			continue
		}

		c.mu.Lock()
		if c.search == s {
			c.search = nil
		}
		c.mu.Unlock()

		attachCtx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
		if err := c.attach(attachCtx, sess); err != nil {
			log.Printf("[client] attach user=%s session=%s: %v", c.userID, sess.ID, err)
		}
		cancel()
		return
	}
}

// keepAlive refreshes the waiting entry, re-joining the pool if it lapsed.
// A user who was paired meanwhile is picked up by the next TryMatch.
func (c *Controller) keepAlive(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()

	err := c.mm.Heartbeat(opCtx, c.userID)
	if !errors.Is(err, matching.ErrNotWaiting) {
		if err != nil && ctx.Err() == nil {
			log.Printf("[client] heartbeat user=%s: %v", c.userID, err)
		}
		return
	}
	if _, err := c.mm.Enqueue(opCtx, c.userID); err != nil &&
		!errors.Is(err, matching.ErrAlreadyWaiting) && !errors.Is(err, matching.ErrAlreadyInSession) {
		log.Printf("[client] re-enqueue user=%s: %v", c.userID, err)
	}
}

// stopSearch cancels a running search and waits for it to exit.
func (c *Controller) stopSearch() {
	c.mu.Lock()
	s := c.search
	c.search = nil
	c.mu.Unlock()

	if s != nil {
		s.cancel()
		<-s.done
	}
}

func (c *Controller) cancelEntry() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.OpTimeout)
	defer cancel()
	if err := c.mm.Cancel(ctx, c.userID); err != nil {
		log.Printf("[client] cancel user=%s: %v", c.userID, err)
	}
}

// CancelSearch leaves the waiting pool. A match that landed before the
// cancel took effect wins and the controller attaches to it.
func (c *Controller) CancelSearch(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Connection != Searching {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.stopSearch()
	if err := c.mm.Cancel(ctx, c.userID); err != nil {
		return c.fail(err)
	}

	c.mu.Lock()
	searching := c.state.Connection == Searching
	c.mu.Unlock()
	if !searching {
		return nil // the search attached before it stopped
	}

	if ok, err := c.Resume(ctx); ok || err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Connection == Searching {
		c.state = State{Connection: Idle}
		c.emitLocked()
	}
	return nil
}

// attach subscribes to the session's events, then loads its history. Events
// that race the history load are merged by message id.
func (c *Controller) attach(ctx context.Context, sess *chat.Session) error {
	sub, err := c.feed.Subscribe(ctx, sess.ID, c.userID, c.onEvent)
	if err != nil {
		log.Printf("[client] subscribe session=%s: %v", sess.ID, err)
	}

	history, herr := c.sessions.GetHistory(ctx, sess.ID, c.userID)
	if herr != nil {
		log.Printf("[client] history session=%s: %v", sess.ID, herr)
	}
	gone := errors.Is(herr, chat.ErrSessionNotFound)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if sub != nil {
			sub.Unsubscribe()
		}
		return ErrClosed
	}
	release := []messaging.Subscription{c.sub}
	c.sub = sub

	msgs := []Message(nil)
	if c.state.SessionID == sess.ID {
		msgs = c.state.Messages
	}
	for _, m := range history {
		msgs = upsert(msgs, viewOf(m, c.userID))
	}

	conn := Connected
	if sess.Status == chat.StatusEnded || gone {
		conn = Ended
		release = append(release, sub)
		c.sub = nil
	}
	c.state = State{
		Connection:   conn,
		SessionID:    sess.ID,
		Partner:      PartnerPlaceholder,
		Messages:     msgs,
		Saved:        sess.Saved,
		SavePending:  sess.SaveAgreement[c.userID] && !sess.Saved,
		PartnerAsked: sess.SaveAgreement[sess.Partner(c.userID)] && !sess.Saved,
	}
	c.emitLocked()
	c.mu.Unlock()

	for _, r := range release {
		if r != nil {
			r.Unsubscribe()
		}
	}
	log.Printf("[client] user=%s attached session=%s", c.userID, sess.ID)
	return nil
}

// onEvent folds a pushed session event into the state.
func (c *Controller) onEvent(ev chat.Event) {
	c.mu.Lock()
	if c.closed || ev.SessionID != c.state.SessionID {
		c.mu.Unlock()
		return
	}

	var release messaging.Subscription
	switch ev.Type {
	case chat.EventMessage, chat.EventMessageFlagged:
		if ev.Message == nil {
			break
		}
		c.state.Messages = upsert(c.state.Messages, viewOf(*ev.Message, c.userID))
		if ev.Type == chat.EventMessage && ev.Message.SenderID != c.userID && c.state.Connection == Disconnected {
			c.state.Connection = Connected
		}
	case chat.EventSaveRequested:
		if ev.UserID != c.userID {
			c.state.PartnerAsked = true
		}
	case chat.EventSaved:
		c.state.Saved = true
		c.state.SavePending = false
		c.state.PartnerAsked = false
	case chat.EventEnded:
		c.state.Connection = Ended
		c.state.Saved = c.state.Saved || ev.Saved
		c.state.SavePending = false
		release, c.sub = c.sub, nil
	case chat.EventPartnerDisconnected:
		if ev.UserID != c.userID && c.state.Connection == Connected {
			c.state.Connection = Disconnected
		}
	default:
		c.mu.Unlock()
		return
	}
	c.emitLocked()
	c.mu.Unlock()

	if release != nil {
		release.Unsubscribe()
	}
}

// current returns the session the controller is in.
func (c *Controller) current() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}
	if c.state.Connection != Connected && c.state.Connection != Disconnected {
		return "", c.failLocked(ErrNoSession)
	}
	return c.state.SessionID, nil
}

// Send delivers text to the partner. A rejected message is not sent and its
// reason lands in State.Error.
func (c *Controller) Send(ctx context.Context, text string) error {
	sid, err := c.current()
	if err != nil {
		return err
	}

	msg, err := c.sessions.SendMessage(ctx, sid, c.userID, text)
	if err != nil {
		return c.fail(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.SessionID == sid {
		c.state.Messages = upsert(c.state.Messages, viewOf(*msg, c.userID))
		c.state.Error = ""
		c.emitLocked()
	}
	return nil
}

// Save asks to keep the conversation. It is saved once both sides asked.
func (c *Controller) Save(ctx context.Context) error {
	sid, err := c.current()
	if err != nil {
		return err
	}

	status, err := c.sessions.RequestSave(ctx, sid, c.userID)
	if err != nil {
		return c.fail(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.SessionID == sid {
		c.state.Saved = c.state.Saved || status == chat.SaveSaved
		c.state.SavePending = !c.state.Saved
		c.state.Error = ""
		c.emitLocked()
	}
	return nil
}

// End ends the conversation for both sides.
func (c *Controller) End(ctx context.Context) error {
	sid, err := c.current()
	if err != nil {
		return err
	}

	res, err := c.sessions.EndSession(ctx, sid, c.userID)
	if err != nil && !errors.Is(err, chat.ErrSessionEnded) {
		return c.fail(err)
	}

	c.mu.Lock()
	var release messaging.Subscription
	if c.state.SessionID == sid {
		c.state.Connection = Ended
		if res != nil {
			c.state.Saved = res.Saved
		}
		c.state.SavePending = false
		c.state.Error = ""
		release, c.sub = c.sub, nil
		c.emitLocked()
	}
	c.mu.Unlock()

	if release != nil {
		release.Unsubscribe()
	}
	return nil
}

// Close tears the controller down: a search is cancelled, an open session
// stays open and the partner is told the user dropped.
func (c *Controller) Close(ctx context.Context) error {
	return c.shutdown(ctx, true)
}

// Detach tears the controller down for a socket that a newer one of the
// same user replaced. The session stays open and the partner hears
// nothing, since the replacing controller resumes it.
func (c *Controller) Detach(ctx context.Context) error {
	return c.shutdown(ctx, false)
}

func (c *Controller) shutdown(ctx context.Context, notify bool) error {
	c.stopSearch()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	st := c.state.Connection
	sid := c.state.SessionID
	sub := c.sub
	c.sub = nil
	close(c.updates)
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}

	switch st {
	case Searching:
		if err := c.mm.Cancel(ctx, c.userID); err != nil {
			return err
		}
		if !notify {
			return nil
		}
		// a pairing may have landed just before the cancel
		id, err := c.sessions.ActiveSession(ctx, c.userID)
		if err != nil || id == "" {
			return err
		}
		sid = id
		fallthrough
	case Connected, Disconnected:
		if !notify {
			return nil
		}
		if err := c.sessions.NotifyDisconnect(ctx, sid, c.userID); err != nil &&
			!errors.Is(err, chat.ErrSessionNotFound) {
			return err
		}
	}
	return nil
}
