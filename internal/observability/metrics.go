package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the protection engine.
type Metrics struct {
	// --- Core processing ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreJournals         *prometheus.CounterVec
	CoreSequence         prometheus.Gauge

	// --- Capital & tiers ---
	TierCapitalTotal    *prometheus.GaugeVec
	TierCapitalLocked   *prometheus.GaugeVec
	TierUtilization     *prometheus.GaugeVec
	ObligationsActive   *prometheus.GaugeVec
	ObligationsCreated  *prometheus.CounterVec
	ObligationsSettled  *prometheus.CounterVec

	// --- Premiums ---
	PremiumsDistributed *prometheus.CounterVec
	PremiumCarry        *prometheus.GaugeVec
	PlatformFees        prometheus.Counter

	// --- Health & margin calls ---
	HealthSweepDuration  prometheus.Histogram
	ProvidersUnhealthy   *prometheus.GaugeVec
	MarginCallsIssued    *prometheus.CounterVec
	MarginCallsResolved  *prometheus.CounterVec
	MarginCallsActive    prometheus.Gauge

	// --- Liquidation ---
	LiquidationsExecuted *prometheus.CounterVec
	LiquidationSeized    *prometheus.CounterVec
	InsuranceFundBalance prometheus.Gauge

	// --- Safe mode & freezes ---
	SafeMode        prometheus.Gauge
	FrozenProviders prometheus.Gauge
	FrozenTiers     prometheus.Gauge

	// --- Channels & backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	NotifyDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Ingestion ---
	TicksReceived  *prometheus.CounterVec
	TicksDropped   *prometheus.CounterVec
	IngestToApply  *prometheus.HistogramVec

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
		CoreCommandsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "protect_core_commands_applied_total",
			Help: "Commands successfully applied by the core",
		}, []string{"command_type"}),

		CoreCommandsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "protect_core_commands_rejected_total",
			Help: "Commands rejected (dedup, gap, validation, capacity)",
		}, []string{"command_type", "reason"}),

		CoreCommandDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "protect_core_command_apply_duration_seconds",
			Help:    "Time to apply a single command in the core",
			Buckets: latencyBuckets,
		}, []string{"command_type"}),

		CoreJournals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "protect_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "protect_core_sequence",
			Help: "Current global sequence number",
		}),

		TierCapitalTotal: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "protect_tier_capital_total_sats",
			Help: "Deposited capital per tier",
		}, []string{"tier"}),

		TierCapitalLocked: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "protect_tier_capital_locked_sats",
			Help: "Collateral-locked capital per tier",
		}, []string{"tier"}),

		TierUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "protect_tier_utilization_ppm",
			Help: "Locked / total per tier, parts per million",
		}, []string{"tier"}),

		ObligationsActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "protect_obligations_active",
			Help: "Active protection obligations per tier",
		}, []string{"tier"}),

		ObligationsCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "protect_obligations_created_total",
			Help: "Obligations created",
		}, []string{"tier", "policy"}),

		ObligationsSettled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "protect_obligations_settled_total",
			Help: "Obligations settled",
		}, []string{"tier", "outcome"}),

		PremiumsDistributed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "protect_premiums_distributed_sats_total",
			Help: "Premium sats distributed to providers",
		}, []string{"tier"}),

		PremiumCarry: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "protect_premium_carry_sats",
			Help: "Undistributed premium remainder per tier",
		}, []string{"tier"}),

		PlatformFees: promauto.NewCounter(prometheus.CounterOpts{
			Name: "protect_platform_fees_sats_total",
			Help: "Platform fees collected",
		}),

		HealthSweepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "protect_health_sweep_duration_seconds",
			Help:    "Time to re-evaluate all providers on a price tick",
			Buckets: latencyBuckets,
		}),

		ProvidersUnhealthy: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "protect_providers_unhealthy",
			Help: "Providers in warning or under-collateralized state",
		}, []string{"status"}),

		MarginCallsIssued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "protect_margin_calls_issued_total",
			Help: "Margin calls issued",
		}, []string{"severity"}),

		MarginCallsResolved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "protect_margin_calls_resolved_total",
			Help: "Margin calls leaving the active set",
		}, []string{"outcome"}),

		MarginCallsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "protect_margin_calls_active",
			Help: "Currently active margin calls",
		}),

		LiquidationsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "protect_liquidations_executed_total",
			Help: "Liquidation passes executed",
		}, []string{"tier", "kind"}),

		LiquidationSeized: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "protect_liquidation_seized_sats_total",
			Help: "Collateral seized into the insurance fund",
		}, []string{"tier"}),

		InsuranceFundBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "protect_insurance_fund_balance_sats",
			Help: "Current insurance fund balance",
		}),

		SafeMode: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "protect_safe_mode",
			Help: "1 when new obligation creation is suspended on stale prices",
		}),

		FrozenProviders: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "protect_frozen_providers",
			Help: "Providers halted by an invariant violation",
		}),

		FrozenTiers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "protect_frozen_tiers",
			Help: "Tiers halted by an invariant violation",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "protect_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "protect_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "protect_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		NotifyDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "protect_notify_drops_total",
			Help: "Outputs dropped due to full notify channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "protect_persist_backpressure_total",
			Help: "Times the core blocked on the persist channel",
		}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "protect_persist_events_written_total",
			Help: "Event envelopes written to Postgres",
		}),

		PersistJournalsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "protect_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "protect_persist_batch_size",
			Help:    "Outputs per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "protect_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "protect_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "protect_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "protect_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		TicksReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "protect_price_ticks_received_total",
			Help: "Price ticks received from the source",
		}, []string{"asset"}),

		TicksDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "protect_price_ticks_dropped_total",
			Help: "Stale or unparseable price ticks dropped",
		}, []string{"asset", "reason"}),

		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "protect_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: []float64{0.00001, 0.000025, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01},
		}, []string{"command_type"}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "protect_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "protect_query_duration_seconds",
			Help:    "Query API latency",
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
