package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	// --- Command executor ---
	CommandDuration prometheus.Histogram
	CommandsFailed  prometheus.Counter
	EventsAppended  *prometheus.CounterVec

	// --- Protocols ---
	ProtocolsStarted   *prometheus.CounterVec
	ProtocolsCompleted *prometheus.CounterVec
	ProtocolsFailed    *prometheus.CounterVec
	ProtocolDuration   *prometheus.HistogramVec
	RegistryRejections *prometheus.CounterVec

	// --- Orchestrator ---
	ConnectedTakers  prometheus.Gauge
	OffersReplicated prometheus.Counter
	StaleOrderTakes  prometheus.Counter

	// --- Payouts ---
	PayoutCurveDuration prometheus.Histogram
	PayoutCurveFailures prometheus.Counter

	// --- Projection & feed ---
	ProjectionUpdates  prometheus.Counter
	ProjectionFailures prometheus.Counter
	FeedPublishErrors  prometheus.Counter

	// --- Supervisor ---
	ActorRestarts *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
	}

	protocolBuckets := []float64{
		0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
	}

	return &Metrics{
		CommandDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "cfd_command_duration_seconds",
			Help:    "Time spent inside the per-contract critical section",
			Buckets: latencyBuckets,
		}),
		CommandsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cfd_commands_failed_total",
			Help: "Command closures that returned an error",
		}),
		EventsAppended: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cfd_events_appended_total",
			Help: "Events appended to contract logs",
		}, []string{"kind"}),

		ProtocolsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cfd_protocols_started_total",
			Help: "Protocol instances registered",
		}, []string{"protocol"}),
		ProtocolsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cfd_protocols_completed_total",
			Help: "Protocol instances that reached a successful terminal state",
		}, []string{"protocol"}),
		ProtocolsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cfd_protocols_failed_total",
			Help: "Protocol instances that ended in rejection or error",
		}, []string{"protocol", "phase"}),
		ProtocolDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cfd_protocol_duration_seconds",
			Help:    "Wall time from registration to terminal outcome",
			Buckets: protocolBuckets,
		}, []string{"protocol"}),
		RegistryRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cfd_registry_rejections_total",
			Help: "Attempts to register a protocol for an id already in progress",
		}, []string{"protocol"}),

		ConnectedTakers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cfd_connected_takers",
			Help: "Currently connected taker identities",
		}),
		OffersReplicated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cfd_offers_replicated_total",
			Help: "Offer sets replicated after a successful take",
		}),
		StaleOrderTakes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cfd_stale_order_takes_total",
			Help: "Take requests answered with InvalidOrderID",
		}),

		PayoutCurveDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "cfd_payout_curve_duration_seconds",
			Help:    "Payout curve generation time",
			Buckets: latencyBuckets,
		}),
		PayoutCurveFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cfd_payout_curve_failures_total",
			Help: "Degenerate payout curve rejections",
		}),

		ProjectionUpdates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cfd_projection_updates_total",
			Help: "Read-model rows refreshed",
		}),
		ProjectionFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cfd_projection_failures_total",
			Help: "Read-model refreshes that failed (eventually consistent)",
		}),
		FeedPublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cfd_feed_publish_errors_total",
			Help: "Change-feed publishes that failed (best effort)",
		}),

		ActorRestarts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cfd_actor_restarts_total",
			Help: "Supervised actor restarts",
		}, []string{"actor"}),
	}
}
