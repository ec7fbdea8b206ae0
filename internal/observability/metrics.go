package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for crosslend. Callers receive a
// *Metrics that may be nil; every recording site must nil-check so tests
// can run without touching the default registry.
type Metrics struct {
	// Operations
	OpsApplied  *prometheus.CounterVec
	OpsRejected *prometheus.CounterVec
	OpDuration  *prometheus.HistogramVec
	Simulations *prometheus.CounterVec

	// Relay
	RelaySent            *prometheus.CounterVec
	RelayApplied         *prometheus.CounterVec
	RelayDuplicates      *prometheus.CounterVec
	RelayTimeouts        *prometheus.CounterVec
	RelayPollAttempts    prometheus.Histogram
	RelayDeliveryLatency prometheus.Histogram
	FeeQuotes            prometheus.Counter
	FeeInsufficient      prometheus.Counter

	// Dedup
	DedupLRUSize      prometheus.Gauge
	DedupLRUEvictions prometheus.Counter
	DedupStoreDur     prometheus.Histogram

	// Oracle
	OracleFetches  *prometheus.CounterVec
	OracleStale    *prometheus.CounterVec
	OracleFetchDur *prometheus.HistogramVec

	// Liquidation
	LiquidationsTriggered *prometheus.CounterVec
	LiquidationBonusPaid  *prometheus.CounterVec

	// Persistence
	PersistWrites *prometheus.CounterVec
	PersistErrors *prometheus.CounterVec
	PersistDur    prometheus.Histogram

	// Query API
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	opBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	relayBuckets := []float64{
		0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0,
	}

	return &Metrics{
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crosslend_ops_applied_total",
			Help: "Operations successfully applied",
		}, []string{"operation"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crosslend_ops_rejected_total",
			Help: "Operations rejected (precondition, validation, risk)",
		}, []string{"operation", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crosslend_op_duration_seconds",
			Help:    "Time to execute a single operation, excluding relay wait",
			Buckets: opBuckets,
		}, []string{"operation"}),

		Simulations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crosslend_simulations_total",
			Help: "Read-only simulation calls",
		}, []string{"operation", "outcome"}),

		RelaySent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crosslend_relay_sent_total",
			Help: "Relay messages submitted to the bridge",
		}, []string{"kind"}),

		RelayApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crosslend_relay_applied_total",
			Help: "Relay messages applied on the credit side",
		}, []string{"kind"}),

		RelayDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crosslend_relay_duplicates_total",
			Help: "Duplicate deliveries caught (lru/postgres)",
		}, []string{"kind", "tier"}),

		RelayTimeouts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crosslend_relay_timeouts_total",
			Help: "Delivery polls exhausted without confirmation",
		}, []string{"kind"}),

		RelayPollAttempts: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "crosslend_relay_poll_attempts",
			Help:    "Poll attempts per confirmed delivery",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
		}),

		RelayDeliveryLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "crosslend_relay_delivery_latency_seconds",
			Help:    "Send to confirmed apply",
			Buckets: relayBuckets,
		}),

		FeeQuotes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "crosslend_relay_fee_quotes_total",
			Help: "Bridge fee quotes requested",
		}),

		FeeInsufficient: promauto.NewCounter(prometheus.CounterOpts{
			Name: "crosslend_relay_fee_insufficient_total",
			Help: "Sends rejected for insufficient fee",
		}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crosslend_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "crosslend_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupStoreDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "crosslend_dedup_store_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: opBuckets,
		}),

		OracleFetches: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crosslend_oracle_fetches_total",
			Help: "Price samples fetched",
		}, []string{"feed", "status"}),

		OracleStale: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crosslend_oracle_stale_total",
			Help: "Samples rejected as stale",
		}, []string{"feed"}),

		OracleFetchDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crosslend_oracle_fetch_duration_seconds",
			Help:    "Feed fetch latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"feed"}),

		LiquidationsTriggered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crosslend_liquidations_triggered_total",
			Help: "Orders seized",
		}, []string{"reserve"}),

		LiquidationBonusPaid: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crosslend_liquidation_bonus_paid_total",
			Help: "Liquidation bonus events paid to callers",
		}, []string{"reserve"}),

		PersistWrites: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crosslend_persist_writes_total",
			Help: "Rows written to Postgres",
		}, []string{"table"}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crosslend_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"table"}),

		PersistDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "crosslend_persist_duration_seconds",
			Help:    "Postgres write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crosslend_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crosslend_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// OpApplied records a successful operation. Safe on a nil receiver.
func (m *Metrics) OpApplied(op string) {
	if m == nil {
		return
	}
	m.OpsApplied.WithLabelValues(op).Inc()
}

// OpRejected records a rejected operation. Safe on a nil receiver.
func (m *Metrics) OpRejected(op, reason string) {
	if m == nil {
		return
	}
	m.OpsRejected.WithLabelValues(op, reason).Inc()
}

// ObserveOp records the local execution time of an operation, measured
// from start. Callers record before any relay wait so the histogram
// reflects engine work, not bridge finality. Safe on a nil receiver.
func (m *Metrics) ObserveOp(op string, start time.Time) {
	if m == nil {
		return
	}
	m.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
