package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TicksTotal counts indexing ticks by outcome (advanced, noop, failed)
	TicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultwatch_ticks_total",
			Help: "Total number of indexing ticks",
		},
		[]string{"source", "outcome"},
	)

	// TickDuration tracks how long a tick takes end to end
	TickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vaultwatch_tick_duration_seconds",
			Help:    "Indexing tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	// EventsTotal counts decoded events by kind and persistence outcome
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultwatch_events_total",
			Help: "Total number of decoded events by persistence outcome",
		},
		[]string{"source", "kind", "outcome"},
	)

	// DecodeFailuresTotal counts malformed logs for recognized kinds
	DecodeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultwatch_decode_failures_total",
			Help: "Total number of logs that failed to decode",
		},
		[]string{"source"},
	)

	// UnknownLogsTotal counts skipped logs with an unrecognized topic0
	UnknownLogsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultwatch_unknown_logs_total",
			Help: "Total number of logs skipped for an unknown signature",
		},
		[]string{"source"},
	)

	// ChunkHalvingsTotal counts adaptive chunk reductions
	ChunkHalvingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultwatch_chunk_halvings_total",
			Help: "Total number of times a log query range was halved",
		},
		[]string{"source"},
	)

	// RPCCallsTotal tracks RPC calls per provider
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultwatch_rpc_calls_total",
			Help: "Total number of RPC calls",
		},
		[]string{"provider", "method"},
	)

	// RPCErrorsTotal tracks RPC errors per provider and class
	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultwatch_rpc_errors_total",
			Help: "Total number of RPC errors",
		},
		[]string{"provider", "error_type"},
	)

	// RPCLatency tracks RPC call latency
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vaultwatch_rpc_latency_seconds",
			Help:    "RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "method"},
	)

	// ChainLatestBlock tracks the latest block height seen from the provider
	ChainLatestBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vaultwatch_chain_latest_block",
			Help: "Latest block height of the chain",
		},
		[]string{"source"},
	)

	// CheckpointBlock tracks the last fully processed block
	CheckpointBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vaultwatch_checkpoint_block",
			Help: "Last fully processed block",
		},
		[]string{"source"},
	)

	// DeadLetterPending tracks pending failed events
	DeadLetterPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vaultwatch_dead_letter_pending",
			Help: "Number of failed events waiting for replay",
		},
		[]string{"source"},
	)

	// ReplaysTotal counts dead-letter replay attempts by outcome
	ReplaysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultwatch_dead_letter_replays_total",
			Help: "Total number of dead-letter replay attempts",
		},
		[]string{"source", "outcome"},
	)

	// DeadLetterPruned counts resolved and ignored dead letters removed
	DeadLetterPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultwatch_dead_letter_pruned_total",
			Help: "Total number of settled dead letters deleted by retention",
		},
	)

	// DBConnectionPoolUsage is the share of open connections against the pool limit
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vaultwatch_db_connection_pool_usage_percent",
			Help: "Database connection pool usage in percent",
		},
	)
)
