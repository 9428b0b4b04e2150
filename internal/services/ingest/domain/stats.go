package domain

import (
	"sync/atomic"
	"time"
)

// Stats tracks run counters. All increments are atomic so every worker can
// share one instance; derived rates live only in Snapshot, never stored
type Stats struct {
	seen      atomic.Int64
	fresh     atomic.Int64
	duplicate atomic.Int64
	errors    atomic.Int64
	cacheHits atomic.Int64
	apiCalls  atomic.Int64

	started time.Time
	now     func() time.Time // seam for tests
}

// NewStats returns a zeroed tracker with its clock started
func NewStats() *Stats {
	s := &Stats{now: time.Now}
	s.started = s.now()
	return s
}

// IncSeen counts one record arriving from a source
func (s *Stats) IncSeen() { s.seen.Add(1) }

// IncNew counts one record accepted as novel
func (s *Stats) IncNew() { s.fresh.Add(1) }

// IncDuplicate counts one record discarded as a confirmed duplicate
func (s *Stats) IncDuplicate() { s.duplicate.Add(1) }

// IncError counts one failed record or fetch
func (s *Stats) IncError() { s.errors.Add(1) }

// IncCacheHit counts one dedup resolution served from the cache
func (s *Stats) IncCacheHit() { s.cacheHits.Add(1) }

// IncAPICall counts one outbound fetch attempt, successful or not
func (s *Stats) IncAPICall() { s.apiCalls.Add(1) }

// Snapshot is a point-in-time read of the counters plus derived rates
type Snapshot struct {
	Seen       int64
	New        int64
	Duplicates int64
	Errors     int64
	CacheHits  int64
	APICalls   int64

	Elapsed          time.Duration
	RecordsPerMinute float64
	DedupEfficiency  float64 // new / (new + duplicates)
}

// Snapshot reads the counters and computes the derived metrics
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		Seen:       s.seen.Load(),
		New:        s.fresh.Load(),
		Duplicates: s.duplicate.Load(),
		Errors:     s.errors.Load(),
		CacheHits:  s.cacheHits.Load(),
		APICalls:   s.apiCalls.Load(),
		Elapsed:    s.now().Sub(s.started),
	}
	if mins := snap.Elapsed.Minutes(); mins > 0 {
		snap.RecordsPerMinute = float64(snap.Seen) / mins
	}
	if total := snap.New + snap.Duplicates; total > 0 {
		snap.DedupEfficiency = float64(snap.New) / float64(total)
	}
	return snap
}
