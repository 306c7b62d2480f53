// Package metrics provides Prometheus instrumentation for the exit engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors for the hot path and the persistence worker.
var (
	TicksProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "multilot_ticks_processed_total",
		Help: "Total price ticks consumed by the risk manager.",
	})

	TickLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "multilot_tick_latency_seconds",
		Help:    "Latency of one tick evaluation across the position cache.",
		Buckets: prometheus.ExponentialBuckets(0.000010, 4, 10),
	})

	ExitsTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "multilot_exits_triggered_total",
		Help: "Exit intents emitted by the risk manager, by reason.",
	}, []string{"reason"})

	ExitResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "multilot_exit_results_total",
		Help: "Terminal exit outcomes, by result.",
	}, []string{"result"})

	ChaseAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "multilot_chase_attempts_total",
		Help: "Price-chasing resubmissions after a cancel report.",
	})

	OrderSubmitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "multilot_order_submit_latency_seconds",
		Help:    "Latency of broker order submission.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})

	LockAcquired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "multilot_exit_lock_acquired_total",
		Help: "Exit lock acquisitions.",
	})

	LockRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "multilot_exit_lock_rejected_total",
		Help: "Exit lock rejections (duplicate exit attempts).",
	})

	LockExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "multilot_exit_lock_expired_total",
		Help: "Exit lock leases reclaimed after expiry. Anomalies.",
	})

	PositionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "multilot_positions_open",
		Help: "Positions currently tracked by the risk cache.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "multilot_persistence_queue_depth",
		Help: "Pending tasks in the async persistence queue.",
	})

	WritesCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "multilot_persistence_coalesced_total",
		Help: "Scheduled updates merged into a pending same-key task.",
	})

	WritesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "multilot_persistence_writes_total",
		Help: "Durable writes applied to the state store.",
	})

	WriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "multilot_persistence_write_failures_total",
		Help: "Durable writes that exhausted their retry budget.",
	})

	RealizedPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "multilot_realized_pnl_points",
		Help: "Cumulative realized PnL in points across exited lots.",
	})

	HeartbeatTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "multilot_heartbeat_timestamp_seconds",
		Help: "Unix timestamp of the last processed tick.",
	})
)
