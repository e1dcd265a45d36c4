package authority

import "sync/atomic"

// process-wide counters, one lifecycle = process uptime
// independent atomics, no cross-key coordination needed
type stats struct {
	locksCreated       atomic.Int64
	acquisitions       atomic.Int64
	releases           atomic.Int64
	renewals           atomic.Int64
	expirations        atomic.Int64
	failedAcquisitions atomic.Int64
	holdTimeTotalMs    atomic.Int64
	holdCount          atomic.Int64
}

// StatsSnapshot is a point-in-time view of the collector plus derived
// table counts.
type StatsSnapshot struct {
	TotalLocks         int     `json:"total_locks"`
	ActiveLocks        int     `json:"active_locks"`
	TotalAcquisitions  int64   `json:"total_acquisitions"`
	TotalReleases      int64   `json:"total_releases"`
	TotalRenewals      int64   `json:"total_renewals"`
	ExpiredLocks       int64   `json:"expired_locks"`
	FailedAcquisitions int64   `json:"failed_acquisitions"`
	AvgHoldTimeMs      float64 `json:"avg_hold_time_ms"`
}

func (s *stats) snapshot(totalLocks, activeLocks int) StatsSnapshot {
	snap := StatsSnapshot{
		TotalLocks:         totalLocks,
		ActiveLocks:        activeLocks,
		TotalAcquisitions:  s.acquisitions.Load(),
		TotalReleases:      s.releases.Load(),
		TotalRenewals:      s.renewals.Load(),
		ExpiredLocks:       s.expirations.Load(),
		FailedAcquisitions: s.failedAcquisitions.Load(),
	}
	if n := s.holdCount.Load(); n > 0 {
		snap.AvgHoldTimeMs = float64(s.holdTimeTotalMs.Load()) / float64(n)
	}
	return snap
}
