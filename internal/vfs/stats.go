package vfs

import "sync/atomic"

// Stats holds filesystem counters.
type Stats struct {
	Rebuilds       atomic.Int64
	FailedRebuilds atomic.Int64
	SkippedEntries atomic.Int64
	Lookups        atomic.Int64
	GetAttrs       atomic.Int64
	Reads          atomic.Int64
	BytesRead      atomic.Int64
	ReadDirs       atomic.Int64
	StaleInodes    atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Rebuilds       int64 `json:"rebuilds"`
	FailedRebuilds int64 `json:"failed_rebuilds"`
	SkippedEntries int64 `json:"skipped_entries"`
	Lookups        int64 `json:"lookups"`
	GetAttrs       int64 `json:"getattrs"`
	Reads          int64 `json:"reads"`
	BytesRead      int64 `json:"bytes_read"`
	ReadDirs       int64 `json:"readdirs"`
	StaleInodes    int64 `json:"stale_inodes"`
}

func (s *Stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		Rebuilds:       s.Rebuilds.Load(),
		FailedRebuilds: s.FailedRebuilds.Load(),
		SkippedEntries: s.SkippedEntries.Load(),
		Lookups:        s.Lookups.Load(),
		GetAttrs:       s.GetAttrs.Load(),
		Reads:          s.Reads.Load(),
		BytesRead:      s.BytesRead.Load(),
		ReadDirs:       s.ReadDirs.Load(),
		StaleInodes:    s.StaleInodes.Load(),
	}
}
