package service

import "sync/atomic"

// Stats counts failure reports by outcome
type Stats struct {
	Accepted           atomic.Uint64 // Reports counted by a tracker
	Resubmits          atomic.Uint64 // Reports answered with a resubmission
	Stale              atomic.Uint64 // Reports from a superseded stage attempt
	IdentityMismatches atomic.Uint64 // Reports for another application
	Rejected           atomic.Uint64 // Other invalid reports
}

// StatsSnapshot is a point-in-time copy of Stats
type StatsSnapshot struct {
	Accepted           uint64 `json:"accepted"`
	Resubmits          uint64 `json:"resubmits"`
	Stale              uint64 `json:"stale"`
	IdentityMismatches uint64 `json:"identity_mismatches"`
	Rejected           uint64 `json:"rejected"`
}

// Snapshot returns the current counter values
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Accepted:           s.Accepted.Load(),
		Resubmits:          s.Resubmits.Load(),
		Stale:              s.Stale.Load(),
		IdentityMismatches: s.IdentityMismatches.Load(),
		Rejected:           s.Rejected.Load(),
	}
}
