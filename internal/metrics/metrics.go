// Package metrics holds the Prometheus collectors shared by the engine.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// GuessesTotal counts accepted guesses by correctness.
	GuessesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hunt_guesses_total",
		Help: "Guesses accepted, by correctness",
	}, []string{"correct"})

	// SandboxRuns counts script invocations by outcome.
	SandboxRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hunt_sandbox_runs_total",
		Help: "Sandboxed script invocations, by outcome",
	}, []string{"outcome"})

	SandboxDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hunt_sandbox_run_duration_seconds",
		Help:    "Sandboxed script run time in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8), // 0.1ms to ~1.6s
	})

	DispatchEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hunt_dispatch_events_total",
		Help: "Domain events handled by the live dispatcher, by kind",
	}, []string{"kind"})

	// DispatchDropped counts messages or events that were not delivered.
	DispatchDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hunt_dispatch_dropped_total",
		Help: "Live messages and domain events dropped, by reason",
	}, []string{"reason"})

	LiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hunt_live_connections",
		Help: "Open live websocket connections",
	})
)

// ObserveGuess records an accepted guess.
func ObserveGuess(correct bool) {
	GuessesTotal.WithLabelValues(strconv.FormatBool(correct)).Inc()
}

func Handler() http.Handler {
	return promhttp.Handler()
}
