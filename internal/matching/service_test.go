package matching

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceSweep(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	svc := NewService(env.mm, DefaultServiceConfig())

	env.enqueue(t, "gone")
	env.mr.FastForward(DefaultConfig().EntryTTL + time.Second)
	env.enqueue(t, "a", "b", "c", "d", "e")

	matched := svc.Sweep(ctx)
	assert.Equal(t, 2, matched)

	size, err := env.mm.Queue().Size(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, size)

	ids, err := env.mm.Queue().Oldest(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"e"}, ids)

	for _, u := range []string{"a", "b", "c", "d"} {
		id, err := env.sessions.ActiveSession(ctx, u)
		require.NoError(t, err)
		assert.NotEmpty(t, id, u)
	}
}

func TestServiceStartStop(t *testing.T) {
	env := newTestEnv(t, nil)
	svc := NewService(env.mm, ServiceConfig{Interval: 10 * time.Millisecond})
	env.enqueue(t, "a", "b")

	svc.Start()
	require.Eventually(t, func() bool {
		id, err := env.sessions.ActiveSession(context.Background(), "a")
		return err == nil && id != ""
	}, 2*time.Second, 10*time.Millisecond)
	svc.Stop()
}
