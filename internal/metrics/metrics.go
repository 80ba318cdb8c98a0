// Package metrics holds the Prometheus collectors for the telemetry pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "iot"

var (
	// Classification

	Verdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Verdicts produced by the classification engine by label",
		},
		[]string{"label"},
	)

	UncertainVerdicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uncertain_verdicts_total",
			Help:      "Verdicts whose confidence fell below the uncertainty bound",
		},
	)

	ScoringErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scoring_errors_total",
			Help:      "Scorer failures by stage",
		},
		[]string{"stage"},
	)

	ScoringDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scoring_duration_seconds",
			Help:      "Time spent scoring a feature vector",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
	)

	// Threat decisions

	Threats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threats_total",
			Help:      "Devices marked as threatened by reason",
		},
		[]string{"reason"},
	)

	// Request-rate counter

	RateCounterEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rate_counter_entries",
			Help:      "Live (device, second) buckets in the request-rate counter",
		},
	)

	RateCounterEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_counter_evictions_total",
			Help:      "Buckets removed by the eviction sweep",
		},
	)

	// Persistence

	PersistenceQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "persistence_queue_depth",
			Help:      "Records waiting for the background writer",
		},
	)

	PersistenceFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_fallback_total",
			Help:      "Records written synchronously because the queue was full",
		},
	)

	PersistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      "Persistence failures by stage",
		},
		[]string{"stage"},
	)

	PersistenceBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persistence_batch_size",
			Help:      "Records written per batch",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	HeaderRepairs = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "csv_header_repairs_total",
			Help:      "Tabular log rewrites performed to restore the header row",
		},
	)

	// Remote scorer

	ScorerBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scorer_breaker_state",
			Help:      "Remote scorer circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// Notifications

	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected websocket subscribers",
		},
	)
)
