package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for StakeLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreStateHashDur   prometheus.Histogram
	CoreSequence       prometheus.Gauge

	// --- Latency ---
	IngestToApply   *prometheus.HistogramVec
	NATSPullLatency *prometheus.HistogramVec
	PersistBatchDur prometheus.Histogram

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    *prometheus.CounterVec
	PublishDrops       prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Staking pool ---
	ExchangeRate         prometheus.Gauge
	ReserveFactor        prometheus.Gauge
	InsuranceReserve     prometheus.Gauge
	UnstakeQueueLength   prometheus.Gauge
	UnstakeQueueTotal    prometheus.Gauge
	MatchingStakeTotal   prometheus.Gauge
	MatchingUnstakeTotal prometheus.Gauge
	StakedTotal          prometheus.Counter
	UnstakedTotal        *prometheus.CounterVec

	// --- Settlement & drain ---
	SettlementsTotal   prometheus.Counter
	SettlementAmount   *prometheus.CounterVec
	DrainPayouts       prometheus.Counter
	DrainBudgetUnspent prometheus.Histogram
	DrainTransferFails prometheus.Counter

	// --- Relay ---
	RelayInstructions    *prometheus.CounterVec
	RelayPublishFailures *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge
	StateStoreWrites       *prometheus.CounterVec

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics registers on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on reg. Tests pass a fresh prometheus.NewRegistry().
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_core_events_applied_total",
			Help: "Events successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_core_events_rejected_total",
			Help: "Events rejected (dedup, ordering, validation)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stake_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "stake_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "stake_core_sequence",
			Help: "Current global sequence number",
		}),

		// Latency
		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stake_ingest_to_apply_seconds",
			Help:    "Command receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"source"}),

		NATSPullLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stake_nats_pull_latency_seconds",
			Help:    "Time between NATS publish and consumer receipt",
			Buckets: ingestBuckets,
		}, []string{"stream"}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "stake_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		// Channels
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stake_channel_size",
			Help: "Current channel buffer usage",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stake_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stake_channel_utilization",
			Help: "Channel size / capacity",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_projection_drops_total",
			Help: "Core outputs dropped because the projection channel was full",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "stake_publish_drops_total",
			Help: "Outbound records dropped because the publish channel was full",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_idempotency_duplicates_total",
			Help: "Duplicate commands detected",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "stake_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),

		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_event_sequence_gap_total",
			Help: "Source sequence gaps observed",
		}, []string{"partition_kind"}),

		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_event_out_of_order_total",
			Help: "Stale source sequences rejected",
		}, []string{"partition_kind"}),

		// Staking pool
		ExchangeRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "stake_exchange_rate",
			Help: "Base asset per voucher",
		}),

		ReserveFactor: f.NewGauge(prometheus.GaugeOpts{
			Name: "stake_reserve_factor",
			Help: "Fraction of each stake credited to the insurance reserve",
		}),

		InsuranceReserve: f.NewGauge(prometheus.GaugeOpts{
			Name: "stake_insurance_reserve",
			Help: "Insurance reserve balance in base units",
		}),

		UnstakeQueueLength: f.NewGauge(prometheus.GaugeOpts{
			Name: "stake_unstake_queue_length",
			Help: "Deferred unstake payouts waiting for liquidity",
		}),

		UnstakeQueueTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "stake_unstake_queue_amount",
			Help: "Sum of deferred unstake payouts in base units",
		}),

		MatchingStakeTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "stake_matching_stake_amount",
			Help: "Net stake accumulated this era",
		}),

		MatchingUnstakeTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "stake_matching_unstake_amount",
			Help: "Vouchers unstaked this era",
		}),

		StakedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "stake_staked_amount_total",
			Help: "Net base asset staked",
		}),

		UnstakedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_unstaked_amount_total",
			Help: "Base asset owed to unstakers",
		}, []string{"path"}),

		// Settlement & drain
		SettlementsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "stake_settlements_total",
			Help: "Era settlements committed",
		}),

		SettlementAmount: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_settlement_amount_total",
			Help: "Bond, rebond and unbond amounts issued by settlement",
		}, []string{"kind"}),

		DrainPayouts: f.NewCounter(prometheus.CounterOpts{
			Name: "stake_drain_payouts_total",
			Help: "Queued unstakes paid by the idle drain",
		}),

		DrainBudgetUnspent: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "stake_drain_budget_unspent",
			Help:    "Budget returned by each idle drain",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),

		DrainTransferFails: f.NewCounter(prometheus.CounterOpts{
			Name: "stake_drain_transfer_failures_total",
			Help: "Idle drains halted by a failed transfer",
		}),

		// Relay
		RelayInstructions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_relay_instructions_total",
			Help: "Bonding instructions handed to the relay",
		}, []string{"op"}),

		RelayPublishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_relay_publish_failures_total",
			Help: "Bonding instructions the relay could not publish",
		}, []string{"op"}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "stake_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "stake_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "stake_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "stake_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "stake_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		StateStoreWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_state_store_writes_total",
			Help: "State store commits by outcome",
		}, []string{"status"}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "stake_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "stake_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "stake_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "stake_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stake_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
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
