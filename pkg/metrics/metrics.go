package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// acquisition counter - successes vs contention failures vs timeouts
	// success rate = success / sum(all statuses)
	AcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "latch_acquire_total",
			Help: "total number of lock acquisition attempts",
		},
		[]string{"status"},
	)

	// time callers spend blocked waiting for a contended lock
	AcquireWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "latch_acquire_wait_duration_seconds",
			Help:    "time spent waiting for a contended lock",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to 2s
		},
	)

	// release counter - should roughly match successful acquisitions over time
	ReleaseTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "latch_release_total",
			Help: "total number of lock releases",
		},
	)

	// administrative force releases, kept separate from normal releases
	// so operator intervention is visible
	ForceReleaseTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "latch_force_release_total",
			Help: "total number of administrative force releases",
		},
	)

	// renewal counter - high rate = healthy long-held leases
	RenewTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "latch_renew_total",
			Help: "total number of lease renewal attempts",
		},
		[]string{"status"},
	)

	// expiration counter - spikes indicate crashed or partitioned holders
	ExpireTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "latch_expire_total",
			Help: "total number of lease expirations",
		},
	)

	// currently held locks - useful for detecting lock leaks
	LocksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "latch_locks_active",
			Help: "current number of held locks",
		},
	)

	// currently queued waiters across all keys
	WaitersQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "latch_waiters_queued",
			Help: "current number of queued waiters",
		},
	)

	// raft leader status - 1 if this node is leader, 0 if follower
	// exactly one node in a cluster should have this = 1
	RaftIsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "latch_raft_is_leader",
			Help: "whether this node is the raft leader (1 = leader, 0 = follower)",
		},
	)

	// service uptime - always 1 when running
	// scrape failure = 0 in prometheus (service down)
	Up = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "latch_up",
			Help: "whether the service is up (always 1 when running)",
		},
	)
)

func init() {
	Up.Set(1)
}
