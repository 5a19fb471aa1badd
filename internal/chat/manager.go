package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/strangers/internal/messaging"
	"github.com/whisper/strangers/internal/metrics"
	"github.com/whisper/strangers/internal/moderation"
	"github.com/whisper/strangers/internal/records"
)

// Reviewer classifies accepted messages out of band. *moderation.Adapter
// implements it.
type Reviewer interface {
	ClassifyAsync(text string) <-chan moderation.Verdict
}

// Publisher delivers session events. Any messaging.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Archive is the durable store for saved sessions. *records.Store
// implements it. SaveConnection and ArchiveTranscript must be idempotent.
type Archive interface {
	SaveConnection(ctx context.Context, sessionID, userA, userB string) error
	ArchiveTranscript(ctx context.Context, msgs []records.TranscriptMessage) error
	Transcript(ctx context.Context, sessionID, userID string) ([]records.TranscriptMessage, error)
}

// FlagRecorder keeps moderation hits for review. *records.Store implements it.
type FlagRecorder interface {
	RecordFlag(ctx context.Context, fc records.FlaggedContent) error
}

// BanEscalator bans offenders. Escalate applies immediately; ReportAndCheck
// bans once enough classifier flags pile up. *ban.Store implements it.
type BanEscalator interface {
	Escalate(ctx context.Context, userID, reason string) (time.Duration, error)
	ReportAndCheck(ctx context.Context, userID, reason string) (bool, time.Duration, error)
}

// Deps are the collaborators of a Manager. Reviewer, Flags and Bans may be
// nil; the rest are required.
type Deps struct {
	Store    *Store
	Filter   *moderation.Filter
	Bus      Publisher
	Archive  Archive
	Reviewer Reviewer
	Flags    FlagRecorder
	Bans     BanEscalator

	// BackgroundTimeout bounds store calls made after the caller returned
	// (flag updates, evidence writes). Defaults to 5s.
	BackgroundTimeout time.Duration
}

// Manager runs the session operations shared by every connected user. It
// holds no per-session locks; ordering and exactly-once transitions come
// from the store's scripts.
type Manager struct {
	store     *Store
	filter    *moderation.Filter
	bus       Publisher
	archive   Archive
	reviewer  Reviewer
	flags     FlagRecorder
	bans      BanEscalator
	bgTimeout time.Duration

	wg sync.WaitGroup
}

// NewManager creates a Manager from its collaborators.
func NewManager(d Deps) *Manager {
	if d.BackgroundTimeout <= 0 {
		d.BackgroundTimeout = 5 * time.Second
	}
	return &Manager{
		store:     d.Store,
		filter:    d.Filter,
		bus:       d.Bus,
		archive:   d.Archive,
		reviewer:  d.Reviewer,
		flags:     d.Flags,
		bans:      d.Bans,
		bgTimeout: d.BackgroundTimeout,
	}
}

// SendMessage validates, filters and appends a message, broadcasts it and
// schedules a classifier review. A filter rejection returns
// *ContentRejectedError and persists nothing.
func (m *Manager) SendMessage(ctx context.Context, sessionID, senderID, text string) (*Message, error) {
	start := time.Now()
	defer func() { metrics.SendLatency.Observe(time.Since(start).Seconds()) }()

	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, unavailable("send", err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	if !sess.IsParticipant(senderID) {
		return nil, ErrNotAParticipant
	}
	if sess.Status != StatusActive {
		return nil, ErrSessionEnded
	}

	if err := ValidateMessage(text); err != nil {
		metrics.Messages.WithLabelValues("rejected").Inc()
		return nil, err
	}

	ev := m.filter.Evaluate(text)
	if !ev.Accepted {
		metrics.Messages.WithLabelValues("rejected").Inc()
		if ev.Violation == nil {
			return nil, ErrEmptyMessage
		}
		if ev.Violation.Severity == moderation.SeverityHigh {
			m.escalate(ctx, sessionID, senderID, text, ev.Violation)
		}
		return nil, &ContentRejectedError{Violation: *ev.Violation, Reason: ev.Reason()}
	}

	msg, err := m.store.Append(ctx, sessionID, senderID, uuid.NewString(), text, time.Now())
	if err != nil {
		return nil, err
	}
	metrics.Messages.WithLabelValues("accepted").Inc()

	m.publish(ctx, Event{Type: EventMessage, SessionID: sessionID, UserID: senderID, Message: msg})
	m.review(*msg)
	return msg, nil
}

// escalate records a severe filter hit and bans the sender. Failures are
// logged; the rejection itself already happened.
func (m *Manager) escalate(ctx context.Context, sessionID, userID, text string, v *moderation.Violation) {
	if m.flags != nil {
		err := m.flags.RecordFlag(ctx, records.FlaggedContent{
			UserID:    userID,
			SessionID: sessionID,
			Content:   text,
			Reason:    v.Term,
			Source:    records.SourceFilter,
		})
		if err != nil {
			log.Printf("[chat] record flag user=%s session=%s: %v", userID, sessionID, err)
		}
	}
	if m.bans != nil {
		d, err := m.bans.Escalate(ctx, userID, "severe: "+v.Term)
		if err != nil {
			log.Printf("[chat] escalate ban user=%s: %v", userID, err)
			return
		}
		log.Printf("[chat] banned user=%s for %s (%s)", userID, d, v.Term)
	}
}

// review waits for the classifier verdict in the background. The goroutine
// holds no lock and tolerates the session disappearing meanwhile.
func (m *Manager) review(msg Message) {
	if m.reviewer == nil {
		return
	}
	verdicts := m.reviewer.ClassifyAsync(msg.Content)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		v := <-verdicts
		if v.Err != nil {
			log.Printf("[chat] review failed open session=%s msg=%s: %v", msg.SessionID, msg.ID, v.Err)
			return
		}
		if !v.Flagged {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.bgTimeout)
		defer cancel()

		reason := v.Reason()
		ok, err := m.store.Flag(ctx, msg.SessionID, msg.ID, reason)
		if err != nil {
			log.Printf("[chat] flag session=%s msg=%s: %v", msg.SessionID, msg.ID, err)
			return
		}
		if !ok {
			return // purged or already flagged
		}
		metrics.Messages.WithLabelValues("flagged").Inc()

		msg.Flagged = true
		msg.FlagReason = reason
		m.publish(ctx, Event{Type: EventMessageFlagged, SessionID: msg.SessionID, Message: &msg})

		if m.flags != nil {
			err := m.flags.RecordFlag(ctx, records.FlaggedContent{
				UserID:    msg.SenderID,
				SessionID: msg.SessionID,
				MessageID: msg.ID,
				Content:   msg.Content,
				Reason:    reason,
				Source:    records.SourceClassifier,
			})
			if err != nil {
				log.Printf("[chat] record flag session=%s msg=%s: %v", msg.SessionID, msg.ID, err)
			}
		}
		if m.bans != nil {
			banned, d, err := m.bans.ReportAndCheck(ctx, msg.SenderID, reason)
			if err != nil {
				log.Printf("[chat] report user=%s: %v", msg.SenderID, err)
			} else if banned {
				log.Printf("[chat] auto-banned user=%s for %s", msg.SenderID, d)
			}
		}

		// A saved session may already be archived; refresh the row.
		sess, err := m.store.Get(ctx, msg.SessionID)
		if err == nil && sess != nil && sess.Saved && sess.Status == StatusEnded {
			if err := m.archive.ArchiveTranscript(ctx, toTranscript([]Message{msg})); err != nil {
				log.Printf("[chat] re-archive flagged msg=%s: %v", msg.ID, err)
			}
		}
	}()
}

// RequestSave records the user's agreement to save the session. The call
// that completes the mutual agreement finalizes it exactly once.
func (m *Manager) RequestSave(ctx context.Context, sessionID, userID string) (SaveStatus, error) {
	code, err := m.store.ClaimSave(ctx, sessionID, userID, time.Now())
	if err != nil {
		return "", err
	}

	switch code {
	case claimRepeat, claimFinalizing:
		// Finalizing is not saved until MarkSaved lands.
		return SavePending, nil
	case claimPending:
		m.publish(ctx, Event{Type: EventSaveRequested, SessionID: sessionID, UserID: userID})
		return SavePending, nil
	case claimDone:
		return SaveSaved, nil
	}

	sess, err := m.store.Get(ctx, sessionID)
	if err == nil && sess == nil {
		err = ErrSessionNotFound
	}
	if err == nil {
		err = m.archive.SaveConnection(ctx, sessionID, sess.ParticipantA, sess.ParticipantB)
	}
	if err != nil {
		if rerr := m.store.ReleaseSave(ctx, sessionID); rerr != nil {
			log.Printf("[chat] release save session=%s: %v", sessionID, rerr)
		}
		log.Printf("[chat] finalize save session=%s user=%s: %v", sessionID, userID, err)
		return "", unavailable("save", err)
	}
	if err := m.store.MarkSaved(ctx, sessionID); err != nil {
		// The rows exist. Once the claim goes stale the next RequestSave
		// re-runs the idempotent insert and marks it.
		log.Printf("[chat] mark saved session=%s: %v", sessionID, err)
	}

	metrics.SavedConnections.Inc()
	m.publish(ctx, Event{Type: EventSaved, SessionID: sessionID, UserID: userID})
	return SaveSaved, nil
}

// EndSession ends the session. An unsaved session is purged together with
// its messages before EndSession returns; a saved one is archived.
func (m *Manager) EndSession(ctx context.Context, sessionID, requesterID string) (*EndResult, error) {
	code, err := m.store.End(ctx, sessionID, requesterID, time.Now())
	if err != nil {
		return nil, err
	}

	if code == endPurged {
		metrics.SessionsEnded.WithLabelValues("purged").Inc()
		m.publish(ctx, Event{Type: EventEnded, SessionID: sessionID, UserID: requesterID})
		return &EndResult{Purged: true}, nil
	}

	msgs, err := m.store.Messages(ctx, sessionID)
	if err == nil {
		err = m.archive.ArchiveTranscript(ctx, toTranscript(msgs))
	}
	if err != nil {
		log.Printf("[chat] archive session=%s: %v", sessionID, err)
		return nil, unavailable("archive", err)
	}

	if code == endRetained {
		metrics.SessionsEnded.WithLabelValues("saved").Inc()
		m.publish(ctx, Event{Type: EventEnded, SessionID: sessionID, UserID: requesterID, Saved: true})
	}
	return &EndResult{Saved: true}, nil
}

// GetHistory returns the session's messages in order. Once a saved
// session's live data has expired, the archived transcript is returned.
func (m *Manager) GetHistory(ctx context.Context, sessionID, requesterID string) ([]Message, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, unavailable("history", err)
	}
	if sess == nil {
		return m.archivedHistory(ctx, sessionID, requesterID)
	}
	if !sess.IsParticipant(requesterID) {
		return nil, ErrNotAParticipant
	}
	return m.store.Messages(ctx, sessionID)
}

func (m *Manager) archivedHistory(ctx context.Context, sessionID, requesterID string) ([]Message, error) {
	rows, err := m.archive.Transcript(ctx, sessionID, requesterID)
	if errors.Is(err, records.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, unavailable("transcript", err)
	}

	out := make([]Message, len(rows))
	for i, r := range rows {
		out[i] = Message{
			ID:         r.MessageID,
			SessionID:  r.SessionID,
			SenderID:   r.SenderID,
			Content:    r.Content,
			CreatedAt:  r.CreatedAt,
			Seq:        r.Seq,
			Flagged:    r.Flagged,
			FlagReason: r.FlagReason,
		}
	}
	return out, nil
}

// NotifyDisconnect tells the partner that userID dropped. The session stays
// active; only EndSession ends it.
func (m *Manager) NotifyDisconnect(ctx context.Context, sessionID, userID string) error {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return unavailable("disconnect", err)
	}
	if sess == nil {
		return ErrSessionNotFound
	}
	if !sess.IsParticipant(userID) {
		return ErrNotAParticipant
	}
	if sess.Status != StatusActive {
		return nil
	}
	m.publish(ctx, Event{Type: EventPartnerDisconnected, SessionID: sessionID, UserID: userID})
	return nil
}

// ActiveSession returns the user's current session id, or "".
func (m *Manager) ActiveSession(ctx context.Context, userID string) (string, error) {
	id, err := m.store.ActiveSession(ctx, userID)
	if err != nil {
		return "", unavailable("active session", err)
	}
	return id, nil
}

// Session returns a session by id, or ErrSessionNotFound.
func (m *Manager) Session(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, unavailable("session", err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Wait blocks until every in-flight classifier review has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) publish(ctx context.Context, ev Event) {
	if m.bus == nil {
		return
	}
	if ev.Ts == 0 {
		ev.Ts = time.Now().UnixMilli()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[chat] marshal %s event: %v", ev.Type, err)
		return
	}
	if err := m.bus.Publish(ctx, messaging.ChatSubject(ev.SessionID), data); err != nil {
		log.Printf("[chat] publish %s session=%s: %v", ev.Type, ev.SessionID, err)
	}
}

func toTranscript(msgs []Message) []records.TranscriptMessage {
	out := make([]records.TranscriptMessage, len(msgs))
	for i, msg := range msgs {
		out[i] = records.TranscriptMessage{
			SessionID:  msg.SessionID,
			Seq:        msg.Seq,
			MessageID:  msg.ID,
			SenderID:   msg.SenderID,
			Content:    msg.Content,
			CreatedAt:  msg.CreatedAt,
			Flagged:    msg.Flagged,
			FlagReason: msg.FlagReason,
		}
	}
	return out
}

// String helps log lines.
func (r *EndResult) String() string {
	return fmt.Sprintf("saved=%v purged=%v", r.Saved, r.Purged)
}
