package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// lease store operation latency - histogram to track p50/p90/p99
	// labels: op (try_acquire/release/validate), backend
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fencelock_store_op_duration_seconds",
			Help:    "time taken by a lease store operation",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"op", "backend"},
	)

	// lease store operation outcomes
	// labels: op, result (granted/denied/renewed/ok/not_found/error)
	StoreOpTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fencelock_store_op_total",
			Help: "total number of lease store operations by result",
		},
		[]string{"op", "result"},
	)

	// compare and swap conflicts retried inside TryAcquire
	// a steady rate here means several processes race for the same lock
	StoreConflictTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fencelock_store_conflict_total",
			Help: "total number of lock record version conflicts",
		},
		[]string{"lock_name"},
	)

	// highest fencing token issued per lock, as seen by this process
	FenceToken = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fencelock_fence_token",
			Help: "latest fencing token observed for a lock",
		},
		[]string{"lock_name"},
	)

	// orchestrator acquisition attempts
	// labels: lock_name, status (granted/denied/error)
	AcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fencelock_acquire_total",
			Help: "total number of lock acquisition attempts",
		},
		[]string{"lock_name", "status"},
	)

	// renewals by status (success/failure)
	// failures ahead of a lease_lost event point at store trouble
	RenewTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fencelock_renew_total",
			Help: "total number of lease renewals",
		},
		[]string{"lock_name", "status"},
	)

	// leases lost while protected work was running
	LeaseLostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fencelock_lease_lost_total",
			Help: "total number of leases lost during protected work",
		},
		[]string{"lock_name"},
	)

	// fencing token regressions, should stay at zero forever
	FenceRegressionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fencelock_fence_regression_total",
			Help: "total number of fencing token regressions detected",
		},
		[]string{"lock_name"},
	)

	// 1 while this process holds the lock
	LockHeld = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fencelock_lock_held",
			Help: "whether this process currently holds the lock (1 = held)",
		},
		[]string{"lock_name"},
	)

	// leases removed by the raft sweeper
	LeaseExpireTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fencelock_lease_expire_total",
			Help: "total number of leases expired by the sweeper",
		},
	)

	// raft leader status - 1 if this node is leader, 0 if follower
	RaftIsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fencelock_raft_is_leader",
			Help: "whether this node is the raft leader (1 = leader, 0 = follower)",
		},
	)

	// raft log index - last index applied to FSM
	RaftAppliedIndex = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fencelock_raft_applied_index",
			Help: "last raft log index applied to the fsm",
		},
	)
)
