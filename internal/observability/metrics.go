package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the reconciliation service.
// Every caller treats a nil *Metrics as "metrics disabled".
type Metrics struct {
	// --- Normalizer ---
	EventsNormalized *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec

	// --- Order state machine / ledger ---
	OrdersApplied      *prometheus.CounterVec
	IllegalTransitions *prometheus.CounterVec
	FillsApplied       *prometheus.CounterVec
	PositionFlips      *prometheus.CounterVec
	ApplyDuration      *prometheus.HistogramVec

	// --- Channel source ---
	SubscriptionMode  *prometheus.GaugeVec
	Reconnects        *prometheus.CounterVec
	ConnectFailures   *prometheus.CounterVec
	HeartbeatTimeouts *prometheus.CounterVec
	PollCycles        *prometheus.CounterVec

	// --- Resilience ---
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	CallRetries        *prometheus.CounterVec
	RateLimited        *prometheus.CounterVec
	CallDuration       *prometheus.HistogramVec
	Degraded           prometheus.Gauge

	// --- Pipelines ---
	ActivePipelines prometheus.Gauge
	PipelineHalts   prometheus.Counter

	// --- Dispatch ---
	DispatchPublished *prometheus.CounterVec
	DispatchDrops     prometheus.Counter
	DispatchErrors    prometheus.Counter

	// --- Persistence / projections ---
	PersistBatchDur     prometheus.Histogram
	PersistRowsWritten  *prometheus.CounterVec
	PersistErrors       *prometheus.CounterVec
	PersistRetry        prometheus.Counter
	ProjectionDrops     prometheus.Counter
	ProjectionUpdateDur prometheus.Histogram

	// --- Channel & Backpressure ---
	ChannelSize *prometheus.GaugeVec
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg creates unregistered collectors, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	applyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01,
	}

	callBuckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	return &Metrics{
		EventsNormalized: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_recon_events_normalized_total",
			Help: "Canonical events produced by the normalizer",
		}, []string{"event_type", "source"}),

		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_recon_events_dropped_total",
			Help: "Raw records dropped before apply (malformed, stale, duplicate)",
		}, []string{"reason"}),

		OrdersApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_recon_orders_applied_total",
			Help: "Order updates applied, by resulting status",
		}, []string{"status"}),

		IllegalTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_recon_illegal_transitions_total",
			Help: "Order updates rejected by the lifecycle state machine",
		}, []string{"from", "to"}),

		FillsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_recon_fills_applied_total",
			Help: "Fills applied to the position ledger",
		}, []string{"market"}),

		PositionFlips: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_recon_position_flips_total",
			Help: "Fills that crossed zero and were split into close + open",
		}, []string{"market"}),

		ApplyDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_recon_apply_duration_seconds",
			Help:    "Time to apply one canonical event",
			Buckets: applyBuckets,
		}, []string{"event_type"}),

		SubscriptionMode: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_recon_subscription_mode",
			Help: "Subscription mode per user (0=push, 1=poll, 2=halted)",
		}, []string{"user_id"}),

		Reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_recon_reconnects_total",
			Help: "Successful push reconnections",
		}, []string{"user_id"}),

		ConnectFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_recon_connect_failures_total",
			Help: "Failed push connection attempts",
		}, []string{"user_id"}),

		HeartbeatTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_recon_heartbeat_timeouts_total",
			Help: "Push sessions torn down for a missed keep-alive ack",
		}, []string{"user_id"}),

		PollCycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_recon_poll_cycles_total",
			Help: "Polling cycles run while in POLLING mode",
		}, []string{"user_id", "result"}),

		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_recon_breaker_state",
			Help: "Circuit breaker state per endpoint (0=closed, 1=open, 2=half_open)",
		}, []string{"endpoint"}),

		BreakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_recon_breaker_transitions_total",
			Help: "Circuit breaker state changes",
		}, []string{"endpoint", "to"}),

		CallRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_recon_call_retries_total",
			Help: "Retries of supervised outbound calls",
		}, []string{"endpoint", "kind"}),

		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_recon_rate_limited_total",
			Help: "Rate-limit responses received",
		}, []string{"endpoint"}),

		CallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_recon_call_duration_seconds",
			Help:    "Supervised outbound call duration, per attempt",
			Buckets: callBuckets,
		}, []string{"endpoint"}),

		Degraded: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_recon_degraded",
			Help: "1 when any subscription is polling/halted or any breaker is open",
		}),

		ActivePipelines: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_recon_active_pipelines",
			Help: "Per-user pipelines currently running",
		}),

		PipelineHalts: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_recon_pipeline_halts_total",
			Help: "Per-user pipelines halted by a fatal error",
		}),

		DispatchPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_recon_dispatch_published_total",
			Help: "Envelopes published to the outbound stream",
		}, []string{"type"}),

		DispatchDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_recon_dispatch_drops_total",
			Help: "Envelopes dropped due to a full dispatch channel",
		}),

		DispatchErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_recon_dispatch_errors_total",
			Help: "Envelopes the outbound stream refused",
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_recon_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistRowsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_recon_persist_rows_written_total",
			Help: "Rows written per table",
		}, []string{"table"}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_recon_persist_errors_total",
			Help: "Persistence write errors",
		}, []string{"table"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_recon_persist_retry_total",
			Help: "Persistence batch retries",
		}),

		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_recon_projection_drops_total",
			Help: "Projection updates dropped due to a full channel",
		}),

		ProjectionUpdateDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_recon_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_recon_channel_size",
			Help: "Current items in an internal channel",
		}, []string{"name"}),
	}
}
