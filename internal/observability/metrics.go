// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Runtime metrics
	EventsProcessed  *prometheus.CounterVec
	EventsFailed     *prometheus.CounterVec
	EventsDeadLetter prometheus.Counter
	MailboxDepth     *prometheus.GaugeVec
	EventLatency     *prometheus.HistogramVec
	EffectsExecuted  *prometheus.CounterVec

	// Close-order metrics
	OrdersRegistered  prometheus.Counter
	OrdersTriggered   prometheus.Counter
	ExecutionAttempts *prometheus.CounterVec
	ExecutionLatency  prometheus.Histogram

	// Ledger metrics
	EntriesPosted     prometheus.Counter
	EntriesRejected   prometheus.Counter
	SnapshotsComputed prometheus.Counter

	// Chain metrics
	ChainCallLatency *prometheus.HistogramVec
	ChainCallErrors  *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	LastEventProcessed prometheus.Gauge
	UptimeSeconds      prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "lpguard"
	}

	return &Metrics{
		// Runtime metrics
		EventsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "events_processed_total",
			Help:      "Total number of strategy events processed",
		}, []string{"event_type"}),
		EventsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "events_failed_total",
			Help:      "Total number of strategy events that failed processing",
		}, []string{"event_type", "error_class"}),
		EventsDeadLetter: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "events_dead_letter_total",
			Help:      "Total number of events routed to the dead-letter store",
		}),
		MailboxDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "mailbox_depth",
			Help:      "Current number of queued events per strategy",
		}, []string{"strategy_id"}),
		EventLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "event_latency_seconds",
			Help:      "Strategy event processing latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
		EffectsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "effects_executed_total",
			Help:      "Total number of effects executed by kind and outcome",
		}, []string{"kind", "outcome"}),

		// Close-order metrics
		OrdersRegistered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "closeorder",
			Name:      "orders_registered_total",
			Help:      "Total number of close orders registered",
		}),
		OrdersTriggered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "closeorder",
			Name:      "orders_triggered_total",
			Help:      "Total number of close orders triggered by monitoring",
		}),
		ExecutionAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "closeorder",
			Name:      "execution_attempts_total",
			Help:      "Total number of execution attempts by outcome",
		}, []string{"outcome"}),
		ExecutionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "closeorder",
			Name:      "execution_latency_seconds",
			Help:      "Close transaction confirmation latency in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}),

		// Ledger metrics
		EntriesPosted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "entries_posted_total",
			Help:      "Total number of journal entries posted",
		}),
		EntriesRejected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "entries_rejected_total",
			Help:      "Total number of journal entries rejected by validation",
		}),
		SnapshotsComputed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "snapshots_computed_total",
			Help:      "Total number of valuation snapshots computed",
		}),

		// Chain metrics
		ChainCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "call_latency_seconds",
			Help:      "Chain client call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		ChainCallErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "call_errors_total",
			Help:      "Total number of chain client call errors",
		}, []string{"method"}),

		// Database metrics
		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		// Health metrics
		LastEventProcessed: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_event_processed_timestamp",
			Help:      "Unix timestamp of the last successfully processed event",
		}),
		UptimeSeconds: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "uptime_seconds_total",
			Help:      "Total uptime in seconds",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")
