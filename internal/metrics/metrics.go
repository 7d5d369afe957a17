package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the campaign pipeline
type Metrics struct {
	// Dispatch counters
	SendsTotal           *prometheus.CounterVec // outcome: sent, failed, skipped, short_circuit
	SendAttemptsTotal    prometheus.Counter
	CollisionBlocksTotal *prometheus.CounterVec // reason: already_sent, lower_priority
	SuppressionHitsTotal prometheus.Counter

	// Run counters
	RunsStartedTotal   prometheus.Counter
	RunsCompletedTotal *prometheus.CounterVec // status: completed, failed
	RunsSweptTotal     prometheus.Counter

	// Feedback counters
	FeedbackEventsTotal  *prometheus.CounterVec // type: delivery, bounce, complaint
	FeedbackOrphansTotal prometheus.Counter

	// Queue gauges
	QueuePending  prometheus.Gauge
	QueueDeferred prometheus.Gauge
	QueueDead     prometheus.Gauge

	// Rate limiter
	PacerDelaySeconds prometheus.Histogram

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaignd_sends_total",
				Help: "Total recipient dispatch outcomes",
			},
			[]string{"outcome"},
		),
		SendAttemptsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "campaignd_send_attempts_total",
				Help: "Total provider dispatch attempts",
			},
		),
		CollisionBlocksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaignd_collision_blocks_total",
				Help: "Total recipients blocked by collision policy",
			},
			[]string{"reason"},
		),
		SuppressionHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "campaignd_suppression_hits_total",
				Help: "Total recipients skipped by the suppression list",
			},
		),
		RunsStartedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "campaignd_runs_started_total",
				Help: "Total runs created by triggers",
			},
		),
		RunsCompletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaignd_runs_completed_total",
				Help: "Total runs reaching a terminal state",
			},
			[]string{"status"},
		),
		RunsSweptTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "campaignd_runs_swept_total",
				Help: "Total stale runs failed by the sweep",
			},
		),
		FeedbackEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaignd_feedback_events_total",
				Help: "Total provider feedback events processed",
			},
			[]string{"type"},
		),
		FeedbackOrphansTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "campaignd_feedback_orphans_total",
				Help: "Feedback events that could not be traced to a send",
			},
		),
		QueuePending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "campaignd_queue_pending",
				Help: "Jobs waiting to be claimed",
			},
		),
		QueueDeferred: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "campaignd_queue_deferred",
				Help: "Jobs waiting for a retry slot",
			},
		),
		QueueDead: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "campaignd_queue_dead",
				Help: "Jobs buried after exhausting retries",
			},
		),
		PacerDelaySeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "campaignd_pacer_delay_seconds",
				Help:    "Delay imposed by the send pacer",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.SendsTotal,
		m.SendAttemptsTotal,
		m.CollisionBlocksTotal,
		m.SuppressionHitsTotal,
		m.RunsStartedTotal,
		m.RunsCompletedTotal,
		m.RunsSweptTotal,
		m.FeedbackEventsTotal,
		m.FeedbackOrphansTotal,
		m.QueuePending,
		m.QueueDeferred,
		m.QueueDead,
		m.PacerDelaySeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler serving the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
