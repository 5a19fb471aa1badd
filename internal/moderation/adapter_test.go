package moderation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// classifierFunc adapts a function to Classifier.
type classifierFunc func(ctx context.Context, text string) (Classification, error)

func (f classifierFunc) Classify(ctx context.Context, text string) (Classification, error) {
	return f(ctx, text)
}

func awaitVerdict(t *testing.T, ch <-chan Verdict) Verdict {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("verdict not delivered")
		return Verdict{}
	}
}

func TestAdapter_Flagged(t *testing.T) {
	a := NewAdapter(classifierFunc(func(context.Context, string) (Classification, error) {
		return Classification{Flagged: true, Categories: []string{"violence", "harassment"}}, nil
	}), DefaultAdapterConfig())

	v := awaitVerdict(t, a.ClassifyAsync("anything"))
	require.NoError(t, v.Err)
	assert.True(t, v.Flagged)
	assert.Equal(t, "harassment, violence", v.Reason())
}

func TestAdapter_NilClassifierApproves(t *testing.T) {
	a := NewAdapter(nil, DefaultAdapterConfig())
	v := awaitVerdict(t, a.ClassifyAsync("hello"))
	assert.False(t, v.Flagged)
	assert.NoError(t, v.Err)
}

func TestAdapter_RetriesOnceThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	a := NewAdapter(classifierFunc(func(context.Context, string) (Classification, error) {
		if calls.Add(1) == 1 {
			return Classification{}, errors.New("boom")
		}
		return Classification{Flagged: true}, nil
	}), DefaultAdapterConfig())

	v := awaitVerdict(t, a.ClassifyAsync("x"))
	require.NoError(t, v.Err)
	assert.True(t, v.Flagged)
	assert.Equal(t, "flagged by moderation", v.Reason())
	assert.Equal(t, int32(2), calls.Load())
}

func TestAdapter_FailsOpen(t *testing.T) {
	var calls atomic.Int32
	a := NewAdapter(classifierFunc(func(context.Context, string) (Classification, error) {
		calls.Add(1)
		return Classification{}, errors.New("unavailable")
	}), AdapterConfig{Timeout: time.Second, Retries: 5})

	v := awaitVerdict(t, a.ClassifyAsync("x"))
	assert.False(t, v.Flagged)
	assert.Error(t, v.Err)
	assert.Equal(t, int32(2), calls.Load(), "retries are capped at one")
}

func TestAdapter_TimeoutFailsOpen(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	a := NewAdapter(classifierFunc(func(ctx context.Context, _ string) (Classification, error) {
		<-block // ignores ctx on purpose
		return Classification{Flagged: true}, nil
	}), AdapterConfig{Timeout: 20 * time.Millisecond, Retries: 1})

	start := time.Now()
	v := awaitVerdict(t, a.ClassifyAsync("x"))
	assert.False(t, v.Flagged)
	assert.ErrorIs(t, v.Err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAdapter_PanicRecovered(t *testing.T) {
	a := NewAdapter(classifierFunc(func(context.Context, string) (Classification, error) {
		panic("classifier exploded")
	}), DefaultAdapterConfig())

	v := awaitVerdict(t, a.ClassifyAsync("x"))
	assert.False(t, v.Flagged)
	require.Error(t, v.Err)
	assert.Contains(t, v.Err.Error(), "classifier exploded")
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		flagged bool
		flags   map[string]bool
		scores  map[string]float64
		want    []string
		wantHit bool
	}{
		{
			name:   "clean",
			flags:  map[string]bool{"hate": false},
			scores: map[string]float64{"hate": 0.01},
			want:   []string{},
		},
		{
			name:    "provider flag",
			flagged: true,
			flags:   map[string]bool{"harassment": true, "hate": false},
			scores:  map[string]float64{"harassment": 0.6},
			want:    []string{"harassment"},
			wantHit: true,
		},
		{
			name:    "score over threshold",
			flags:   map[string]bool{"violence": false},
			scores:  map[string]float64{"violence": 0.91, "sexual": 0.8},
			want:    []string{"violence"},
			wantHit: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := normalize(tt.flagged, tt.flags, tt.scores, 0.8)
			assert.Equal(t, tt.wantHit, c.Flagged)
			assert.Equal(t, tt.want, c.Categories)
		})
	}
}

func TestToMap(t *testing.T) {
	type cats struct {
		Hate     bool `json:"hate"`
		Violence bool `json:"violence/graphic"`
	}
	m, err := toMap[bool](cats{Violence: true})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"hate": false, "violence/graphic": true}, m)
}
