// Package metrics provides Prometheus metrics for mediaguard.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gate decisions.
const (
	DecisionBypass   = "bypass"
	DecisionAllowed  = "allowed"
	DecisionRejected = "rejected"
)

var (
	// GateDecisions counts request gate outcomes.
	GateDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mediaguard",
			Name:      "gate_decisions_total",
			Help:      "Request gate decisions for protected media requests",
		},
		[]string{"decision"},
	)

	// URLsIssued counts signer calls by whether a URL came out.
	URLsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mediaguard",
			Name:      "urls_issued_total",
			Help:      "Signed media URLs issued",
		},
		[]string{"status"},
	)

	// RenderDuration measures rendition time, labelled by cache source.
	RenderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mediaguard",
			Name:      "render_duration_seconds",
			Help:      "Duration of rendition requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	WarmJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mediaguard",
			Name:      "warm_jobs_total",
			Help:      "Rendition warm-up jobs processed",
		},
		[]string{"status"},
	)

	ConfigReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mediaguard",
			Name:      "config_reloads_total",
			Help:      "Protection config reload attempts",
		},
		[]string{"status"},
	)
)

// RecordDecision records a gate decision.
func RecordDecision(decision string) {
	GateDecisions.WithLabelValues(decision).Inc()
}

// RecordIssued records a signer result.
func RecordIssued(ok bool) {
	URLsIssued.WithLabelValues(status(ok)).Inc()
}

// RecordRender records a render served from source ("memory", "store" or "origin").
func RecordRender(source string, seconds float64) {
	RenderDuration.WithLabelValues(source).Observe(seconds)
}

// RecordWarm records the outcome of a warm-up job.
func RecordWarm(ok bool) {
	WarmJobs.WithLabelValues(status(ok)).Inc()
}

// RecordReload records a config reload attempt.
func RecordReload(ok bool) {
	ConfigReloads.WithLabelValues(status(ok)).Inc()
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
