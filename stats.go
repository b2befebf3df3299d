package dynext

import "sync/atomic"

// Stats is the statistics handle design note "Thread-locals for
// statistics" asks for: a plain struct of counters passed into jobs
// in-place, rather than a package-level global. Safe for concurrent use;
// every field is updated with atomic operations.
type Stats struct {
	JobsSubmitted  atomic.Int64
	JobsCompleted  atomic.Int64
	JobsFailed     atomic.Int64
	MergesRun      atomic.Int64
	Retirements    atomic.Int64
	CompactionRuns atomic.Int64
}

// NewStats returns a zeroed Stats handle.
func NewStats() *Stats { return &Stats{} }
