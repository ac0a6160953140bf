package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransfersTotal counts transfers reaching a state
	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_transfers_total",
			Help: "Total number of transfer state transitions",
		},
		[]string{"state"},
	)

	// TransferDuration tracks time from intake to a terminal state
	TransferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_transfer_duration_seconds",
			Help:    "Transfer lifecycle duration in seconds",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"state"},
	)

	// TransactionsSent counts broadcasts to each chain
	TransactionsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_transactions_sent_total",
			Help: "Total number of transactions broadcast",
		},
		[]string{"chain", "kind"},
	)

	// ConfirmationPolls counts status checks by outcome
	ConfirmationPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_confirmation_polls_total",
			Help: "Total number of confirmation status checks",
		},
		[]string{"chain", "outcome"},
	)

	// Reorgs counts transactions that dropped out of the canonical chain
	Reorgs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_reorgs_total",
			Help: "Total number of reorged out transactions",
		},
		[]string{"chain"},
	)

	// NonceAllocations counts nonce allocations by source
	NonceAllocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_nonce_allocations_total",
			Help: "Total number of nonces allocated",
		},
		[]string{"chain", "source"},
	)

	// NonceReleases counts nonce releases by outcome
	NonceReleases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_nonce_releases_total",
			Help: "Total number of nonces released",
		},
		[]string{"chain", "outcome"},
	)

	// TasksProcessed counts handled queue tasks
	TasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_tasks_processed_total",
			Help: "Total number of queue tasks handled",
		},
		[]string{"queue", "result"},
	)

	// TaskDuration tracks handler time per queue
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_task_duration_seconds",
			Help:    "Queue task handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// PendingTransfers tracks non-terminal transfers found by the recovery sweep
	PendingTransfers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_pending_transfers",
			Help: "Number of stale non-terminal transfers at the last sweep",
		},
	)

	// HealthyEndpoints tracks healthy RPC endpoints by chain
	HealthyEndpoints = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_healthy_endpoints",
			Help: "Number of healthy RPC endpoints by chain",
		},
		[]string{"chain"},
	)

	// ErrorsTotal counts errors by type
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)
