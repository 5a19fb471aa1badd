// Package metrics holds the Prometheus collectors shared by the chat server
// and the matcher.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections tracks the current number of open WebSocket connections.
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "strangers_connections",
		Help: "Current number of open WebSocket connections",
	})

	// Messages counts chat messages by outcome.
	Messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strangers_messages_total",
		Help: "Chat messages processed, by outcome",
	}, []string{"outcome"}) // outcome = "accepted", "rejected", "flagged"

	// SendLatency records the synchronous part of SendMessage.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "strangers_send_latency_seconds",
		Help:    "Time to validate, filter and persist one message",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// MatchDuration records the time from enqueue to pairing.
	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "strangers_match_duration_seconds",
		Help:    "Time from enqueue to pairing",
		Buckets: []float64{.5, 1, 2, 5, 10, 15, 20, 30, 60},
	})

	// Matches counts sessions created by the matchmaker.
	Matches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "strangers_matches_total",
		Help: "Chat sessions created by pairing two waiting users",
	})

	// SessionsEnded counts ended sessions by outcome. Sessions still active
	// fleet-wide are sum(Matches) - sum(SessionsEnded).
	SessionsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strangers_sessions_ended_total",
		Help: "Chat sessions ended, by outcome",
	}, []string{"outcome"}) // outcome = "purged", "saved"

	// WaitingPool tracks the size of the waiting pool as last seen by the sweep.
	WaitingPool = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "strangers_waiting_pool_size",
		Help: "Users currently waiting for a match",
	})

	// ClassifierLatency records each classifier attempt.
	ClassifierLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "strangers_classifier_latency_seconds",
		Help:    "External moderation classifier latency per attempt",
		Buckets: []float64{.05, .1, .25, .5, 1, 2, 3, 5},
	})

	// ClassifierFailures counts verdicts that fell open.
	ClassifierFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "strangers_classifier_failures_total",
		Help: "Classifier reviews that failed after retry and fell open",
	})

	// SavedConnections counts finalized mutual saves.
	SavedConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "strangers_saved_connections_total",
		Help: "Sessions saved by both participants",
	})
)

func init() {
	prometheus.MustRegister(
		Connections,
		Messages,
		SendLatency,
		MatchDuration,
		Matches,
		SessionsEnded,
		WaitingPool,
		ClassifierLatency,
		ClassifierFailures,
		SavedConnections,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ListenAndServe serves /metrics on addr. Binaries without an HTTP surface
// of their own use it.
func ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return srv.ListenAndServe()
}
