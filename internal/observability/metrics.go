package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the vault service.
type Metrics struct {
	// --- Engine ---
	CallsApplied       *prometheus.CounterVec
	CallsRejected      *prometheus.CounterVec
	CallDuration       *prometheus.HistogramVec
	EngineSequence     prometheus.Gauge
	VaultLiquidity     prometheus.Gauge
	PendingCommitments prometheus.Gauge

	// --- Markets ---
	MarketExposure *prometheus.GaugeVec
	PositionsOpen  prometheus.Gauge
	Liquidations   *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	PublishDrops       prometheus.Counter

	// --- Persistence ---
	PersistCallsWritten prometheus.Counter
	PersistBatchSize    prometheus.Histogram
	PersistBatchDur     prometheus.Histogram
	PersistErrors       *prometheus.CounterVec
	PersistRetry        prometheus.Counter
	PersistLastSequence prometheus.Gauge

	// --- Snapshot & Replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayCallsTotal  prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Engine
		CallsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_calls_applied_total",
			Help: "Calls successfully applied by the engine",
		}, []string{"call_type"}),

		CallsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_calls_rejected_total",
			Help: "Calls rejected with a fault",
		}, []string{"call_type", "fault"}),

		CallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_call_apply_duration_seconds",
			Help:    "Time to apply a single call",
			Buckets: latencyBuckets,
		}, []string{"call_type"}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_engine_sequence",
			Help: "Current global sequence number",
		}),

		VaultLiquidity: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_liquidity",
			Help: "Free vault liquidity",
		}),

		PendingCommitments: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_pending_commitments",
			Help: "Opened positions awaiting secret reveal",
		}),

		// Markets
		MarketExposure: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_market_exposure",
			Help: "Open notional per market and side",
		}, []string{"market_id", "side"}),

		PositionsOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_positions_open",
			Help: "Open positions across all owners",
		}),

		Liquidations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_liquidations_total",
			Help: "Positions closed by a non-owner while liquidatable",
		}, []string{"market_id"}),

		// Channel & Backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_publish_drops_total",
			Help: "Records dropped due to full publish channel",
		}),

		// Persistence
		PersistCallsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_calls_written_total",
			Help: "Call records written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_size",
			Help:    "Records per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot & Replay
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayCallsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_replay_calls_total",
			Help: "Calls replayed on startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
