package moderation

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/whisper/strangers/internal/metrics"
)

// AdapterConfig bounds each classifier call.
type AdapterConfig struct {
	Timeout time.Duration // per attempt
	Retries int           // extra attempts after the first
}

// DefaultAdapterConfig returns sensible defaults.
func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		Timeout: 3 * time.Second,
		Retries: 1,
	}
}

// Adapter wraps a Classifier with timeouts, a retry and fail-open semantics.
// A nil classifier approves everything.
type Adapter struct {
	classifier Classifier
	cfg        AdapterConfig
}

// NewAdapter creates an Adapter. Retries is capped at one.
func NewAdapter(c Classifier, cfg AdapterConfig) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultAdapterConfig().Timeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Retries > 1 {
		cfg.Retries = 1
	}
	return &Adapter{classifier: c, cfg: cfg}
}

// ClassifyAsync starts a review of text and returns a channel that receives
// exactly one Verdict. The caller is never blocked and never sees a panic.
func (a *Adapter) ClassifyAsync(text string) <-chan Verdict {
	out := make(chan Verdict, 1)
	go func() {
		out <- a.classify(text)
	}()
	return out
}

// Classify is the blocking form of ClassifyAsync.
func (a *Adapter) Classify(text string) Verdict {
	return a.classify(text)
}

func (a *Adapter) classify(text string) Verdict {
	if a == nil || a.classifier == nil {
		return Verdict{}
	}

	var lastErr error
	for attempt := 0; attempt <= a.cfg.Retries; attempt++ {
		c, err := a.attempt(text)
		if err == nil {
			return Verdict{Classification: c}
		}
		lastErr = err
		log.Printf("[moderation] classifier attempt %d failed: %v", attempt+1, err)
	}

	metrics.ClassifierFailures.Inc()
	return Verdict{Err: lastErr}
}

// attempt runs one bounded classifier call. A classifier that ignores ctx is
// abandoned when the timeout fires.
func (a *Adapter) attempt(text string) (Classification, error) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeout)
	defer cancel()

	type result struct {
		c   Classification
		err error
	}
	done := make(chan result, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("moderation: classifier panic: %v", r)}
			}
		}()
		c, err := a.classifier.Classify(ctx, text)
		done <- result{c: c, err: err}
	}()

	select {
	case r := <-done:
		metrics.ClassifierLatency.Observe(time.Since(start).Seconds())
		return r.c, r.err
	case <-ctx.Done():
		metrics.ClassifierLatency.Observe(time.Since(start).Seconds())
		return Classification{}, fmt.Errorf("moderation: classify: %w", ctx.Err())
	}
}
