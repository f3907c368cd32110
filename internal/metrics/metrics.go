// Package metrics provides Prometheus metrics for the ingestion agent.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tender"

// Tender outcomes recorded per source.
const (
	OutcomeImported = "imported"
	OutcomeSkipped  = "skipped"
	OutcomeUpdated  = "updated"
	OutcomeFailed   = "failed"
)

// Metrics holds the agent's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	RunsTotal         *prometheus.CounterVec
	TendersTotal      *prometheus.CounterVec
	RunDuration       *prometheus.HistogramVec
	RateLimitDenied   *prometheus.CounterVec
	LastSuccessfulRun *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. Passing nil uses a fresh registry,
// which keeps tests from colliding on the global one.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "runs_total",
			Help:      "Total number of ingest runs by source and status",
		}, []string{"source", "status"}),
		TendersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "tenders_total",
			Help:      "Tenders processed by source and outcome",
		}, []string{"source", "outcome"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "run_duration_seconds",
			Help:      "Ingest run duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"source"}),
		RateLimitDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "denied_total",
			Help:      "Outbound requests refused by the per-source rate limiter",
		}, []string{"source"}),
		LastSuccessfulRun: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_run_timestamp",
			Help:      "Unix timestamp of the last ingest run without errors",
		}, []string{"source"}),
		gatherer: reg,
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordRun records a finished ingest run.
func (m *Metrics) RecordRun(source string, duration time.Duration, errorCount int, finishedAt time.Time) {
	if m == nil {
		return
	}
	status := "ok"
	if errorCount > 0 {
		status = "error"
	} else {
		m.LastSuccessfulRun.WithLabelValues(source).Set(float64(finishedAt.Unix()))
	}
	m.RunsTotal.WithLabelValues(source, status).Inc()
	m.RunDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordTenders adds n tenders with the given outcome.
func (m *Metrics) RecordTenders(source, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TendersTotal.WithLabelValues(source, outcome).Add(float64(n))
}

// RecordRateLimitDenied increments the limiter denial counter.
func (m *Metrics) RecordRateLimitDenied(source string) {
	if m == nil {
		return
	}
	m.RateLimitDenied.WithLabelValues(source).Inc()
}
