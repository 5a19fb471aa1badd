package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/whisper/strangers/internal/ban"
	"github.com/whisper/strangers/internal/chat"
	"github.com/whisper/strangers/internal/messaging"
	"github.com/whisper/strangers/internal/metrics"
	"github.com/whisper/strangers/internal/moderation"
)

type published struct {
	subject string
	data    []byte
}

type recordingBus struct {
	mu   sync.Mutex
	msgs []published
}

func (b *recordingBus) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, published{subject: subject, data: data})
	return nil
}

func (b *recordingBus) to(subject string) []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []published
	for _, m := range b.msgs {
		if m.subject == subject {
			out = append(out, m)
		}
	}
	return out
}

type banFunc func(ctx context.Context, userID string) error

func (f banFunc) Check(ctx context.Context, userID string) error { return f(ctx, userID) }

type testEnv struct {
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	sessions *chat.Store
	bus      *recordingBus
	mm       *Matchmaker
}

func newTestEnv(t *testing.T, bans BanChecker) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	sessions := chat.NewStore(rdb, chat.StoreConfig{IdleTTL: time.Hour, Retention: 24 * time.Hour})
	bus := &recordingBus{}
	return &testEnv{
		mr:       mr,
		rdb:      rdb,
		sessions: sessions,
		bus:      bus,
		mm:       NewMatchmaker(rdb, sessions, bus, bans, DefaultConfig()),
	}
}

func (e *testEnv) enqueue(t *testing.T, users ...string) {
	t.Helper()
	for _, u := range users {
		_, err := e.mm.Enqueue(context.Background(), u)
		require.NoError(t, err, "enqueue %s", u)
	}
}

func TestEnqueue(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	a, err := env.mm.Enqueue(ctx, "alice")
	require.NoError(t, err)
	b, err := env.mm.Enqueue(ctx, "bob")
	require.NoError(t, err)

	assert.Equal(t, "alice", a.UserID)
	assert.Less(t, a.Seq, b.Seq)
	assert.False(t, b.EnqueuedAt.Before(a.EnqueuedAt))

	_, err = env.mm.Enqueue(ctx, "alice")
	assert.ErrorIs(t, err, ErrAlreadyWaiting)

	got, err := env.mm.Queue().Entry(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, a.Seq, got.Seq)
	assert.Equal(t, a.EnqueuedAt, got.EnqueuedAt)

	size, err := env.mm.Queue().Size(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, size)
}

func TestEnqueue_InSession(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, env.sessions.Create(ctx, &chat.Session{
		ID: "s1", ParticipantA: "alice", ParticipantB: "bob", CreatedAt: time.Now(),
	}))

	_, err := env.mm.Enqueue(ctx, "alice")
	assert.ErrorIs(t, err, ErrAlreadyInSession)

	_, err = env.sessions.End(ctx, "s1", "alice", time.Now())
	require.NoError(t, err)

	_, err = env.mm.Enqueue(ctx, "alice")
	assert.NoError(t, err, "an ended session does not block a new search")
}

func TestEnqueue_Banned(t *testing.T) {
	until := time.Now().Add(time.Hour)
	env := newTestEnv(t, banFunc(func(_ context.Context, userID string) error {
		switch userID {
		case "mallory":
			return &ban.BannedError{Reason: "severe: test", Until: until}
		case "flaky":
			return errors.New("redis down")
		}
		return nil
	}))
	ctx := context.Background()

	_, err := env.mm.Enqueue(ctx, "mallory")
	require.ErrorIs(t, err, ErrBanned)
	var be *ban.BannedError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, until, be.Until)

	entry, err := env.mm.Queue().Entry(ctx, "mallory")
	require.NoError(t, err)
	assert.Nil(t, entry)

	_, err = env.mm.Enqueue(ctx, "flaky")
	assert.NoError(t, err, "ban lookup failures fail open")
}

func TestEnqueue_RealBanStore(t *testing.T) {
	env := newTestEnv(t, nil)
	bans := ban.NewStore(env.rdb)
	env.mm.bans = bans
	ctx := context.Background()

	_, err := bans.Escalate(ctx, "mallory", "severe: test")
	require.NoError(t, err)

	_, err = env.mm.Enqueue(ctx, "mallory")
	assert.ErrorIs(t, err, ErrBanned)
}

func TestTryMatch_Alone(t *testing.T) {
	env := newTestEnv(t, nil)
	env.enqueue(t, "alice")

	sess, err := env.mm.TryMatch(context.Background(), "alice")
	require.NoError(t, err)
	assert.Nil(t, sess)

	entry, err := env.mm.Queue().Entry(context.Background(), "alice")
	require.NoError(t, err)
	assert.NotNil(t, entry, "still waiting")
}

func TestTryMatch_Pairs(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.enqueue(t, "alice", "bob")

	matches := testutil.ToFloat64(metrics.Matches)
	sess, err := env.mm.TryMatch(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, matches+1, testutil.ToFloat64(metrics.Matches))
	assert.Equal(t, "alice", sess.ParticipantA, "the older entry is participant A")
	assert.Equal(t, "bob", sess.ParticipantB)
	assert.Equal(t, chat.StatusActive, sess.Status)

	stored, err := env.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, sess.ParticipantA, stored.ParticipantA)
	assert.Equal(t, sess.ParticipantB, stored.ParticipantB)
	assert.Equal(t, chat.StatusActive, stored.Status)
	assert.Equal(t, sess.CreatedAt, stored.CreatedAt)

	for _, u := range []string{"alice", "bob"} {
		id, err := env.sessions.ActiveSession(ctx, u)
		require.NoError(t, err)
		assert.Equal(t, sess.ID, id)

		entry, err := env.mm.Queue().Entry(ctx, u)
		require.NoError(t, err)
		assert.Nil(t, entry)

		notes := env.bus.to(messaging.MatchFoundSubject(u))
		require.Len(t, notes, 1)
		mf, err := DecodeMatchFound(notes[0].data)
		require.NoError(t, err)
		assert.Equal(t, sess.ID, mf.SessionID)
	}

	// The partner learns about the session through TryMatch as well.
	again, err := env.mm.TryMatch(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, sess.ID, again.ID)

	size, err := env.mm.Queue().Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)

	// The new session accepts messages straight away.
	mgr := chat.NewManager(chat.Deps{
		Store:  env.sessions,
		Filter: moderation.NewDefaultFilter(),
		Bus:    messaging.NewRedisBus(env.rdb),
	})
	_, err = mgr.SendMessage(ctx, sess.ID, "alice", "hi")
	require.NoError(t, err)
}

func TestTryMatch_FIFO(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.enqueue(t, "a", "b", "c")

	sess, err := env.mm.TryMatch(ctx, "c")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "a", sess.ParticipantA)
	assert.Equal(t, "c", sess.ParticipantB)

	entry, err := env.mm.Queue().Entry(ctx, "b")
	require.NoError(t, err)
	assert.NotNil(t, entry, "b keeps waiting")
}

func TestTryMatch_NotWaiting(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.mm.TryMatch(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotWaiting)
}

func TestTryMatch_ConcurrentExclusive(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	users := []string{"a", "b", "c"}
	env.enqueue(t, users...)

	results := make([]*chat.Session, len(users))
	errs := make([]error, len(users))
	var wg sync.WaitGroup
	for i, u := range users {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			results[i], errs[i] = env.mm.TryMatch(ctx, u)
		}(i, u)
	}
	wg.Wait()

	sessions := map[string]int{}
	for i, u := range users {
		require.NoError(t, errs[i], u)
		if results[i] != nil {
			assert.True(t, results[i].IsParticipant(u))
			sessions[results[i].ID]++
		}
	}
	require.Len(t, sessions, 1, "exactly one session is created")

	waiting := 0
	for _, u := range users {
		entry, err := env.mm.Queue().Entry(ctx, u)
		require.NoError(t, err)
		id, err := env.sessions.ActiveSession(ctx, u)
		require.NoError(t, err)
		if entry != nil {
			waiting++
			assert.Empty(t, id, "a waiting user is in no session")
		} else {
			assert.NotEmpty(t, id)
		}
	}
	assert.Equal(t, 1, waiting)
}

func TestTryMatch_ManyConcurrent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	const n = 40
	users := make([]string, n)
	for i := range users {
		users[i] = fmt.Sprintf("user-%02d", i)
	}
	env.enqueue(t, users...)

	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			_, err := env.mm.TryMatch(ctx, u)
			assert.NoError(t, err)
		}(u)
	}
	wg.Wait()

	partners := map[string]string{}
	bySession := map[string][]string{}
	for _, u := range users {
		id, err := env.sessions.ActiveSession(ctx, u)
		require.NoError(t, err)
		require.NotEmpty(t, id, "every user was paired")
		bySession[id] = append(bySession[id], u)
	}
	assert.Len(t, bySession, n/2)
	for id, members := range bySession {
		require.Len(t, members, 2, "session %s", id)
		sess, err := env.sessions.Get(ctx, id)
		require.NoError(t, err)
		for _, u := range members {
			assert.True(t, sess.IsParticipant(u))
			partners[u] = sess.Partner(u)
		}
	}
	assert.Len(t, partners, n)
}

func TestTryMatch_SkipsStaleAndBusy(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.enqueue(t, "stale")
	env.mr.FastForward(DefaultConfig().EntryTTL + time.Second)

	env.enqueue(t, "busy")
	require.NoError(t, env.sessions.Create(ctx, &chat.Session{
		ID: "s1", ParticipantA: "busy", ParticipantB: "other", CreatedAt: time.Now(),
	}))

	env.enqueue(t, "carol")
	sess, err := env.mm.TryMatch(ctx, "carol")
	require.NoError(t, err)
	assert.Nil(t, sess, "neither the stale nor the busy entry is eligible")

	size, err := env.mm.Queue().Size(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, size, "ineligible members were dropped")
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, env.mm.Cancel(ctx, "nobody"), "no-op when not waiting")

	env.enqueue(t, "alice", "bob")
	require.NoError(t, env.mm.Cancel(ctx, "alice"))

	_, err := env.mm.TryMatch(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotWaiting)

	sess, err := env.mm.TryMatch(ctx, "bob")
	require.NoError(t, err)
	assert.Nil(t, sess, "cancelled users are never paired")

	_, err = env.mm.Enqueue(ctx, "alice")
	assert.NoError(t, err)
}

func TestHeartbeat(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	ttl := DefaultConfig().EntryTTL

	assert.ErrorIs(t, env.mm.Heartbeat(ctx, "alice"), ErrNotWaiting)

	env.enqueue(t, "alice")
	for i := 0; i < 3; i++ {
		env.mr.FastForward(ttl - time.Second)
		require.NoError(t, env.mm.Heartbeat(ctx, "alice"), "round %d", i)
	}

	env.mr.FastForward(ttl + time.Second)
	assert.ErrorIs(t, env.mm.Heartbeat(ctx, "alice"), ErrNotWaiting)

	_, err := env.mm.Enqueue(ctx, "alice")
	assert.NoError(t, err, "an expired entry can be re-created")
}

func TestDecodeMatchFound(t *testing.T) {
	mf, err := DecodeMatchFound([]byte(`{"session_id":"s1","matched_at":42}`))
	require.NoError(t, err)
	assert.Equal(t, MatchFound{SessionID: "s1", MatchedAt: 42}, mf)

	_, err = DecodeMatchFound([]byte(`{}`))
	assert.Error(t, err)
	_, err = DecodeMatchFound([]byte(`not json`))
	assert.Error(t, err)
}
