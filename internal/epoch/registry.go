package epoch

import (
	"sync"
	"sync/atomic"

	"github.com/calvinalkan/dynext/shard"
)

// Registry tracks every epoch that may still have in-flight jobs and
// implements the retirement protocol of spec §4.5: "critical section
// guarded by a shared/exclusive retire lock: when a new epoch becomes
// current, the old one has active := false. Threads that later call
// start_job on the now-current epoch do so under a shared lock; the
// retirement worker takes the exclusive lock, confirms active_jobs == 0,
// erases the epoch from the map, and destroys it."
//
// sync.RWMutex is the shared/exclusive lock: StartJob (a reader) takes the
// shared side, Retire (the one retirement worker) takes the exclusive
// side, so a job can never begin against an epoch mid-erasure.
type Registry[R any, S shard.Shard[R]] struct {
	mu      sync.RWMutex
	epochs  map[uint64]*Epoch[R, S]
	current atomic.Pointer[Epoch[R, S]]
}

// NewRegistry creates a registry whose current epoch is initial.
func NewRegistry[R any, S shard.Shard[R]](initial *Epoch[R, S]) *Registry[R, S] {
	initial.active.Store(true)

	r := &Registry[R, S]{epochs: map[uint64]*Epoch[R, S]{initial.number: initial}}
	r.current.Store(initial)

	return r
}

// Current returns the current epoch.
func (r *Registry[R, S]) Current() *Epoch[R, S] {
	return r.current.Load()
}

// StartJob attempts to register a job against e under the shared lock,
// failing (false) if e has already been erased by Retire. Callers must
// pair a successful StartJob with e.EndJob().
func (r *Registry[R, S]) StartJob(e *Epoch[R, S]) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.epochs[e.number]; !ok {
		return false
	}

	e.StartJob()

	return true
}

// Register adds e to the set of epochs tracked for job accounting without
// touching the current epoch, per spec §4.6 step 1 of "scheduling a
// merge": a cloned epoch is installed in the epoch map before it becomes
// current, so StartJob against it (the merge job itself) succeeds while
// it is still being built.
func (r *Registry[R, S]) Register(e *Epoch[R, S]) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.epochs[e.number] = e
}

// Publish installs newEpoch as current, marks the previous current epoch
// inactive, and registers newEpoch in the map. Returns the epoch that was
// current before this call, so the caller can schedule its retirement.
func (r *Registry[R, S]) Publish(newEpoch *Epoch[R, S]) *Epoch[R, S] {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current.Load()
	old.active.Store(false)

	r.epochs[newEpoch.number] = newEpoch
	newEpoch.active.Store(true)
	r.current.Store(newEpoch)

	return old
}

// RetireIfDrained is the retirement worker of spec §4.5: under the
// exclusive lock, confirms e has no in-flight jobs and, if so, erases it
// from the map. Returns false (without erasing) if jobs are still active;
// callers should AwaitDrained and retry.
func (r *Registry[R, S]) RetireIfDrained(e *Epoch[R, S]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.ActiveJobs() != 0 {
		return false
	}

	delete(r.epochs, e.number)

	return true
}

// Retire blocks until e has no in-flight jobs, then erases it from the
// map. Combines AwaitDrained with RetireIfDrained for the common case
// where the caller doesn't need to do other work while waiting.
func (r *Registry[R, S]) Retire(e *Epoch[R, S]) {
	for {
		e.AwaitDrained()

		if r.RetireIfDrained(e) {
			return
		}
		// A job slipped in between AwaitDrained returning and the
		// exclusive lock being acquired; wait again.
	}
}
