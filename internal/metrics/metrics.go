// Package metrics provides Prometheus metrics for delayq.
// It tracks put/take outcomes, storage latencies and per-shard backlog
// so that a stalled consumer or a storage outage is visible on a dashboard.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "delayq"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultEmpty   = "empty"
)

// Queue operation metrics.
var (
	// PutsTotal counts put attempts, labeled by shard and result.
	PutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "puts_total",
			Help:      "Total number of put attempts",
		},
		[]string{"queue", "shard", "result"}, // result: success, failure
	)

	// TakesTotal counts take attempts, labeled by shard and result.
	TakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "takes_total",
			Help:      "Total number of take attempts",
		},
		[]string{"queue", "shard", "result"}, // result: success, failure, empty
	)

	// DeliveryLag measures how long after its due time a message was taken.
	DeliveryLag = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_lag_seconds",
			Help:      "Time between a message's due time and its delivery in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"queue"},
	)
)

// Backlog metrics are updated by the observer.
var (
	// BacklogTotal tracks rows stored per shard.
	BacklogTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backlog_total",
			Help:      "Number of stored messages per shard, -1 when unknown",
		},
		[]string{"queue", "shard"},
	)

	// BacklogDue tracks rows already due per shard.
	BacklogDue = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backlog_due",
			Help:      "Number of due messages per shard, -1 when unknown",
		},
		[]string{"queue", "shard"},
	)
)

// Storage metrics track backend operations.
var (
	// StorageOperationLatency measures latency of storage operations.
	StorageOperationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_latency_seconds",
			Help:      "Latency of storage operations in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"operation"}, // operation: insert, first_due, delete, count_all, count_due
	)

	// StorageOperationsTotal counts storage operations.
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operations_total",
			Help:      "Total number of storage operations",
		},
		[]string{"operation", "status"}, // status: success, failure
	)

	// RowsPurgedTotal counts rows removed by the expiry sweeper.
	RowsPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_purged_total",
			Help:      "Total number of expired rows purged from storage",
		},
	)
)

// Relay metrics track messages moving in and out of the queue.
var (
	// RelayedTotal counts messages forwarded by stream sources and sinks.
	RelayedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_total",
			Help:      "Total number of messages relayed to or from external streams",
		},
		[]string{"direction", "transport", "result"}, // direction: in, out
	)
)
