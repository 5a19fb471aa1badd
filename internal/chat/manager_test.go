package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/strangers/internal/metrics"
	"github.com/whisper/strangers/internal/moderation"
	"github.com/whisper/strangers/internal/records"
)

// --- fakes ---

type fakeBus struct {
	mu     sync.Mutex
	events []Event
}

func (b *fakeBus) Publish(_ context.Context, _ string, data []byte) error {
	ev, err := DecodeEvent(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) ofType(t EventType) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, ev := range b.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fakeArchive struct {
	mu        sync.Mutex
	saveCalls map[string]int
	saved     map[string][2]string
	rows      map[string]map[int64]records.TranscriptMessage
	failSave  error
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{
		saveCalls: make(map[string]int),
		saved:     make(map[string][2]string),
		rows:      make(map[string]map[int64]records.TranscriptMessage),
	}
}

func (a *fakeArchive) SaveConnection(_ context.Context, sessionID, userA, userB string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failSave != nil {
		return a.failSave
	}
	a.saveCalls[sessionID]++
	a.saved[sessionID] = [2]string{userA, userB}
	return nil
}

func (a *fakeArchive) ArchiveTranscript(_ context.Context, msgs []records.TranscriptMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range msgs {
		if a.rows[m.SessionID] == nil {
			a.rows[m.SessionID] = make(map[int64]records.TranscriptMessage)
		}
		a.rows[m.SessionID][m.Seq] = m
	}
	return nil
}

func (a *fakeArchive) Transcript(_ context.Context, sessionID, userID string) ([]records.TranscriptMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pair, ok := a.saved[sessionID]
	if !ok || (pair[0] != userID && pair[1] != userID) {
		return nil, records.ErrNotFound
	}
	var out []records.TranscriptMessage
	for _, m := range a.rows[sessionID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (a *fakeArchive) calls(sessionID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.saveCalls[sessionID]
}

type fakeFlags struct {
	mu   sync.Mutex
	hits []records.FlaggedContent
}

func (f *fakeFlags) RecordFlag(_ context.Context, fc records.FlaggedContent) error {
	f.mu.Lock()
	f.hits = append(f.hits, fc)
	f.mu.Unlock()
	return nil
}

func (f *fakeFlags) all() []records.FlaggedContent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]records.FlaggedContent(nil), f.hits...)
}

type fakeBans struct {
	mu       sync.Mutex
	users    []string
	reported []string
}

func (b *fakeBans) Escalate(_ context.Context, userID, _ string) (time.Duration, error) {
	b.mu.Lock()
	b.users = append(b.users, userID)
	b.mu.Unlock()
	return 15 * time.Minute, nil
}

func (b *fakeBans) ReportAndCheck(_ context.Context, userID, _ string) (bool, time.Duration, error) {
	b.mu.Lock()
	b.reported = append(b.reported, userID)
	b.mu.Unlock()
	return false, 0, nil
}

// reviewerFunc resolves verdicts synchronously unless gate is set.
type reviewerFunc struct {
	verdict func(text string) moderation.Verdict
	gate    chan struct{}
}

func (r *reviewerFunc) ClassifyAsync(text string) <-chan moderation.Verdict {
	out := make(chan moderation.Verdict, 1)
	go func() {
		if r.gate != nil {
			<-r.gate
		}
		out <- r.verdict(text)
	}()
	return out
}

// --- harness ---

type harness struct {
	mr      *miniredis.Miniredis
	store   *Store
	mgr     *Manager
	bus     *fakeBus
	archive *fakeArchive
	flags   *fakeFlags
	bans    *fakeBans
}

func newHarness(t *testing.T, reviewer Reviewer) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	h := &harness{
		mr:      mr,
		store:   NewStore(rdb, StoreConfig{IdleTTL: time.Hour, Retention: 24 * time.Hour}),
		bus:     &fakeBus{},
		archive: newFakeArchive(),
		flags:   &fakeFlags{},
		bans:    &fakeBans{},
	}
	h.mgr = NewManager(Deps{
		Store:    h.store,
		Filter:   moderation.NewDefaultFilter(),
		Bus:      h.bus,
		Archive:  h.archive,
		Reviewer: reviewer,
		Flags:    h.flags,
		Bans:     h.bans,
	})
	return h
}

func (h *harness) session(t *testing.T, id, a, b string) {
	t.Helper()
	require.NoError(t, h.store.Create(context.Background(), &Session{
		ID: id, ParticipantA: a, ParticipantB: b, CreatedAt: time.Now(),
	}))
}

// --- tests ---

func TestSendMessage_RoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	h.session(t, "s1", "alice", "bob")
	ctx := context.Background()

	msg, err := h.mgr.SendMessage(ctx, "s1", "alice", "hello there")
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.Seq)
	assert.False(t, msg.Flagged)

	hist, err := h.mgr.GetHistory(ctx, "s1", "bob")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "hello there", hist[0].Content)
	assert.Equal(t, "alice", hist[0].SenderID)
	assert.Equal(t, msg.ID, hist[0].ID)
	assert.Equal(t, msg.CreatedAt.UnixMilli(), hist[0].CreatedAt.UnixMilli())

	events := h.bus.ofType(EventMessage)
	require.Len(t, events, 1)
	assert.Equal(t, msg.ID, events[0].Message.ID)
}

func TestSendMessage_Errors(t *testing.T) {
	h := newHarness(t, nil)
	h.session(t, "s1", "alice", "bob")
	ctx := context.Background()

	_, err := h.mgr.SendMessage(ctx, "s1", "mallory", "hi")
	assert.ErrorIs(t, err, ErrNotAParticipant)

	_, err = h.mgr.SendMessage(ctx, "nope", "alice", "hi")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = h.mgr.SendMessage(ctx, "s1", "alice", "")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = h.mgr.SendMessage(ctx, "s1", "alice", "   \n ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = h.mgr.SendMessage(ctx, "s1", "alice", string([]byte{0xff, 0xfe}))
	assert.ErrorIs(t, err, ErrInvalidEncoding)

	hist, err := h.mgr.GetHistory(ctx, "s1", "alice")
	require.NoError(t, err)
	assert.Empty(t, hist, "failed sends persist nothing")
}

func TestSendMessage_ContentRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.session(t, "s1", "alice", "bob")
	ctx := context.Background()

	_, err := h.mgr.SendMessage(ctx, "s1", "alice", "you are a bitch")
	var rejected *ContentRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, moderation.SeverityLow, rejected.Violation.Severity)
	assert.Equal(t, "Message contains inappropriate content", rejected.Reason)
	assert.Empty(t, h.bans.users, "low severity does not ban")

	_, err = h.mgr.SendMessage(ctx, "s1", "bob", "text me at 555-123-4567 ok")
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, moderation.SeverityHigh, rejected.Violation.Severity)
	assert.Equal(t, []string{"bob"}, h.bans.users)

	hits := h.flags.all()
	require.Len(t, hits, 1)
	assert.Equal(t, records.SourceFilter, hits[0].Source)
	assert.Equal(t, "bob", hits[0].UserID)

	hist, err := h.mgr.GetHistory(ctx, "s1", "alice")
	require.NoError(t, err)
	assert.Empty(t, hist)
	assert.Empty(t, h.bus.ofType(EventMessage))
}

func TestSendMessage_NumbersAndPlatformsNotBanned(t *testing.T) {
	h := newHarness(t, nil)
	h.session(t, "s1", "alice", "bob")
	ctx := context.Background()

	for _, text := range []string{
		"my score went 100 200 300",
		"pi is 3.14159265",
		"ig: the best",
	} {
		_, err := h.mgr.SendMessage(ctx, "s1", "alice", text)
		require.NoError(t, err, text)
	}
	assert.Empty(t, h.bans.users)
	assert.Empty(t, h.flags.all())
	assert.Len(t, h.bus.ofType(EventMessage), 3)
}

func TestSendMessage_ConcurrentOrdering(t *testing.T) {
	h := newHarness(t, nil)
	h.session(t, "s1", "alice", "bob")
	ctx := context.Background()

	const perSender = 40
	var wg sync.WaitGroup
	for _, sender := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_, err := h.mgr.SendMessage(ctx, "s1", sender, fmt.Sprintf("%s %d", sender, i))
				assert.NoError(t, err)
			}
		}(sender)
	}
	wg.Wait()

	viewA, err := h.mgr.GetHistory(ctx, "s1", "alice")
	require.NoError(t, err)
	viewB, err := h.mgr.GetHistory(ctx, "s1", "bob")
	require.NoError(t, err)
	require.Len(t, viewA, 2*perSender)
	assert.Equal(t, viewA, viewB, "both participants see one order")

	next := map[string]int{}
	for i, m := range viewA {
		assert.Equal(t, int64(i+1), m.Seq)
		if i > 0 {
			assert.False(t, m.CreatedAt.Before(viewA[i-1].CreatedAt), "created_at decreased at seq %d", m.Seq)
		}
		assert.Equal(t, fmt.Sprintf("%s %d", m.SenderID, next[m.SenderID]), m.Content)
		next[m.SenderID]++
	}
}

func TestStore_AppendClampsTimestamp(t *testing.T) {
	h := newHarness(t, nil)
	h.session(t, "s1", "alice", "bob")
	ctx := context.Background()

	now := time.Now()
	first, err := h.store.Append(ctx, "s1", "alice", "m1", "one", now)
	require.NoError(t, err)
	second, err := h.store.Append(ctx, "s1", "bob", "m2", "two", now.Add(-time.Minute))
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, int64(2), second.Seq)
}

func TestReview_FlagUpdatesHistory(t *testing.T) {
	reviewer := &reviewerFunc{verdict: func(string) moderation.Verdict {
		return moderation.Verdict{Classification: moderation.Classification{
			Flagged: true, Categories: []string{"harassment"},
		}}
	}}
	h := newHarness(t, reviewer)
	h.session(t, "s1", "alice", "bob")
	ctx := context.Background()

	msg, err := h.mgr.SendMessage(ctx, "s1", "alice", "hello")
	require.NoError(t, err)
	assert.False(t, msg.Flagged, "send returns before review")

	h.mgr.Wait()

	hist, err := h.mgr.GetHistory(ctx, "s1", "bob")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.True(t, hist[0].Flagged)
	assert.Equal(t, "harassment", hist[0].FlagReason)

	flagged := h.bus.ofType(EventMessageFlagged)
	require.Len(t, flagged, 1)
	assert.Equal(t, msg.ID, flagged[0].Message.ID)
	assert.True(t, flagged[0].Message.Flagged)

	hits := h.flags.all()
	require.Len(t, hits, 1)
	assert.Equal(t, records.SourceClassifier, hits[0].Source)
	assert.Equal(t, msg.ID, hits[0].MessageID)

	h.bans.mu.Lock()
	assert.Equal(t, []string{"alice"}, h.bans.reported)
	h.bans.mu.Unlock()
}

func TestReview_FailOpenAndClean(t *testing.T) {
	reviewer := &reviewerFunc{verdict: func(text string) moderation.Verdict {
		if text == "boom" {
			return moderation.Verdict{Err: errors.New("timeout")}
		}
		return moderation.Verdict{}
	}}
	h := newHarness(t, reviewer)
	h.session(t, "s1", "alice", "bob")
	ctx := context.Background()

	_, err := h.mgr.SendMessage(ctx, "s1", "alice", "boom")
	require.NoError(t, err)
	_, err = h.mgr.SendMessage(ctx, "s1", "bob", "fine")
	require.NoError(t, err)
	h.mgr.Wait()

	hist, err := h.mgr.GetHistory(ctx, "s1", "alice")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	for _, m := range hist {
		assert.False(t, m.Flagged)
	}
	assert.Empty(t, h.bus.ofType(EventMessageFlagged))
}

func TestReview_AfterPurgeIsNoop(t *testing.T) {
	gate := make(chan struct{})
	reviewer := &reviewerFunc{gate: gate, verdict: func(string) moderation.Verdict {
		return moderation.Verdict{Classification: moderation.Classification{Flagged: true}}
	}}
	h := newHarness(t, reviewer)
	h.session(t, "s1", "alice", "bob")
	ctx := context.Background()

	_, err := h.mgr.SendMessage(ctx, "s1", "alice", "hello")
	require.NoError(t, err)

	res, err := h.mgr.EndSession(ctx, "s1", "bob")
	require.NoError(t, err)
	assert.True(t, res.Purged)

	close(gate)
	h.mgr.Wait()

	assert.Empty(t, h.bus.ofType(EventMessageFlagged))
	assert.False(t, h.mr.Exists("chat:s1:flags"), "flag must not resurrect purged data")
}

func TestRequestSave(t *testing.T) {
	h := newHarness(t, nil)
	h.session(t, "s1", "alice", "bob")
	ctx := context.Background()

	st, err := h.mgr.RequestSave(ctx, "s1", "alice")
	require.NoError(t, err)
	assert.Equal(t, SavePending, st)

	st, err = h.mgr.RequestSave(ctx, "s1", "alice")
	require.NoError(t, err)
	assert.Equal(t, SavePending, st)
	assert.Len(t, h.bus.ofType(EventSaveRequested), 1, "repeat request has no effect")

	_, err = h.mgr.RequestSave(ctx, "s1", "mallory")
	assert.ErrorIs(t, err, ErrNotAParticipant)

	st, err = h.mgr.RequestSave(ctx, "s1", "bob")
	require.NoError(t, err)
	assert.Equal(t, SaveSaved, st)
	assert.Equal(t, 1, h.archive.calls("s1"))
	assert.Len(t, h.bus.ofType(EventSaved), 1)

	st, err = h.mgr.RequestSave(ctx, "s1", "alice")
	require.NoError(t, err)
	assert.Equal(t, SaveSaved, st)
	assert.Equal(t, 1, h.archive.calls("s1"))

	sess, err := h.mgr.Session(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, sess.Saved)
	assert.Equal(t, map[string]bool{"alice": true, "bob": true}, sess.SaveAgreement)
}

func TestRequestSave_WhileFinalizingIsPending(t *testing.T) {
	h := newHarness(t, nil)
	h.session(t, "s1", "alice", "bob")
	ctx := context.Background()

	// Both agreed and another request holds a fresh finalize claim.
	h.mr.HSet("chat:s1", "save_a", "1", "save_b", "1",
		"save_claim", strconv.FormatInt(time.Now().UnixMilli(), 10))

	st, err := h.mgr.RequestSave(ctx, "s1", "alice")
	require.NoError(t, err)
	assert.Equal(t, SavePending, st)
	assert.Equal(t, 0, h.archive.calls("s1"))
	assert.Empty(t, h.bus.ofType(EventSaved))

	sess, err := h.mgr.Session(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, sess.Saved)
}

func TestRequestSave_ConcurrentExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	const sessions = 30
	for i := 0; i < sessions; i++ {
		id := fmt.Sprintf("s%d", i)
		h.session(t, id, "a"+id, "b"+id)

		start := make(chan struct{})
		var wg sync.WaitGroup
		for _, u := range []string{"a" + id, "b" + id} {
			wg.Add(1)
			go func(u string) {
				defer wg.Done()
				<-start
				_, err := h.mgr.RequestSave(ctx, id, u)
				assert.NoError(t, err)
			}(u)
		}
		close(start)
		wg.Wait()

		assert.Equal(t, 1, h.archive.calls(id), "session %s", id)
	}
}

func TestRequestSave_RetryAfterFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.session(t, "s1", "alice", "bob")
	ctx := context.Background()

	_, err := h.mgr.RequestSave(ctx, "s1", "alice")
	require.NoError(t, err)

	h.archive.failSave = errors.New("db down")
	_, err = h.mgr.RequestSave(ctx, "s1", "bob")
	assert.ErrorIs(t, err, ErrUnavailable)

	h.archive.failSave = nil
	st, err := h.mgr.RequestSave(ctx, "s1", "bob")
	require.NoError(t, err)
	assert.Equal(t, SaveSaved, st)
	assert.Equal(t, 1, h.archive.calls("s1"))
}

func TestEndSession_UnsavedPurges(t *testing.T) {
	h := newHarness(t, nil)
	h.session(t, "s1", "alice", "bob")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.mgr.SendMessage(ctx, "s1", "alice", fmt.Sprintf("msg %d", i))
		require.NoError(t, err)
	}

	_, err := h.mgr.EndSession(ctx, "s1", "mallory")
	assert.ErrorIs(t, err, ErrNotAParticipant)

	purged := testutil.ToFloat64(metrics.SessionsEnded.WithLabelValues("purged"))
	res, err := h.mgr.EndSession(ctx, "s1", "alice")
	require.NoError(t, err)
	assert.True(t, res.Purged)
	assert.False(t, res.Saved)
	assert.Equal(t, purged+1, testutil.ToFloat64(metrics.SessionsEnded.WithLabelValues("purged")))

	for _, key := range []string{"chat:s1", "chat:s1:order", "chat:s1:msgs", "user:session:alice", "user:session:bob"} {
		assert.False(t, h.mr.Exists(key), key)
	}

	_, err = h.mgr.GetHistory(ctx, "s1", "alice")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = h.mgr.SendMessage(ctx, "s1", "bob", "still there?")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	ended := h.bus.ofType(EventEnded)
	require.Len(t, ended, 1)
	assert.False(t, ended[0].Saved)
}

func TestEndSession_SavedArchives(t *testing.T) {
	h := newHarness(t, nil)
	h.session(t, "s1", "alice", "bob")
	ctx := context.Background()

	_, err := h.mgr.SendMessage(ctx, "s1", "alice", "keep this")
	require.NoError(t, err)
	_, err = h.mgr.SendMessage(ctx, "s1", "bob", "and this")
	require.NoError(t, err)

	_, err = h.mgr.RequestSave(ctx, "s1", "alice")
	require.NoError(t, err)
	_, err = h.mgr.RequestSave(ctx, "s1", "bob")
	require.NoError(t, err)

	saved := testutil.ToFloat64(metrics.SessionsEnded.WithLabelValues("saved"))
	res, err := h.mgr.EndSession(ctx, "s1", "bob")
	require.NoError(t, err)
	assert.True(t, res.Saved)
	assert.Equal(t, saved+1, testutil.ToFloat64(metrics.SessionsEnded.WithLabelValues("saved")))

	_, err = h.mgr.SendMessage(ctx, "s1", "alice", "late")
	assert.ErrorIs(t, err, ErrSessionEnded)

	id, err := h.mgr.ActiveSession(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, id)

	res, err = h.mgr.EndSession(ctx, "s1", "alice")
	require.NoError(t, err, "ending twice is safe")
	assert.True(t, res.Saved)
	assert.Len(t, h.bus.ofType(EventEnded), 1)

	h.mr.FastForward(25 * time.Hour)
	require.False(t, h.mr.Exists("chat:s1"))

	hist, err := h.mgr.GetHistory(ctx, "s1", "alice")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "keep this", hist[0].Content)
	assert.Equal(t, "and this", hist[1].Content)

	_, err = h.mgr.GetHistory(ctx, "s1", "mallory")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestNotifyDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.session(t, "s1", "alice", "bob")
	ctx := context.Background()

	require.NoError(t, h.mgr.NotifyDisconnect(ctx, "s1", "alice"))
	evs := h.bus.ofType(EventPartnerDisconnected)
	require.Len(t, evs, 1)
	assert.Equal(t, "alice", evs[0].UserID)

	id, err := h.mgr.ActiveSession(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "s1", id, "disconnect does not end the session")

	assert.ErrorIs(t, h.mgr.NotifyDisconnect(ctx, "s1", "mallory"), ErrNotAParticipant)
}
