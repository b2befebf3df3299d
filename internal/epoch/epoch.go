// Package epoch implements the epoch and retirement protocol of spec §4.5:
// an epoch owns strong references to one structure version and one or more
// buffers (oldest first), and is retired once every job it spawned has
// finished.
package epoch

import (
	"sync"
	"sync/atomic"

	"github.com/calvinalkan/dynext/internal/dbuffer"
	"github.com/calvinalkan/dynext/internal/xstruct"
	"github.com/calvinalkan/dynext/shard"
)

// Epoch is `{ number, structure, buffers, active_jobs, active,
// merge_in_progress }` from spec §4.5.
type Epoch[R any, S shard.Shard[R]] struct {
	number    uint64
	structure *xstruct.Structure[R, S]

	buffersMu sync.Mutex
	buffers   []*dbuffer.Buffer[R] // oldest first

	activeJobs atomic.Int64

	// drainMu/drainCond back AwaitDrained: activeJobs itself is read
	// lock-free via atomic.Int64, but blocking until it reaches zero needs
	// a condition variable, which Go only offers paired with a Locker.
	drainMu   sync.Mutex
	drainCond *sync.Cond

	active          atomic.Bool
	mergeInProgress atomic.Bool
}

// New creates a detached epoch (not yet known to any Registry) with a
// single initial buffer.
func New[R any, S shard.Shard[R]](number uint64, structure *xstruct.Structure[R, S], initialBuffer *dbuffer.Buffer[R]) *Epoch[R, S] {
	e := &Epoch[R, S]{
		number:    number,
		structure: structure,
		buffers:   []*dbuffer.Buffer[R]{initialBuffer},
	}
	e.drainCond = sync.NewCond(&e.drainMu)

	return e
}

// Number returns the epoch's monotonic version number.
func (e *Epoch[R, S]) Number() uint64 { return e.number }

// Structure returns the structure version this epoch owns.
func (e *Epoch[R, S]) Structure() *xstruct.Structure[R, S] { return e.structure }

// Active reports whether this is (still) the current epoch.
func (e *Epoch[R, S]) Active() bool { return e.active.Load() }

// CurrentBuffer returns the newest (active insert-target) buffer.
func (e *Epoch[R, S]) CurrentBuffer() *dbuffer.Buffer[R] {
	e.buffersMu.Lock()
	defer e.buffersMu.Unlock()

	return e.buffers[len(e.buffers)-1]
}

// Buffers returns a snapshot of the owned buffers, oldest first.
func (e *Epoch[R, S]) Buffers() []*dbuffer.Buffer[R] {
	e.buffersMu.Lock()
	defer e.buffersMu.Unlock()

	return append([]*dbuffer.Buffer[R](nil), e.buffers...)
}

// AddBuffer implements spec §4.5's add_buffer(new, expected_current): a
// mini-CAS over the buffer vector. Appends newBuf iff the current active
// buffer is expectedCurrent; otherwise a racing caller already installed a
// different buffer, and that buffer is returned instead.
func (e *Epoch[R, S]) AddBuffer(newBuf, expectedCurrent *dbuffer.Buffer[R]) (installed *dbuffer.Buffer[R], won bool) {
	e.buffersMu.Lock()
	defer e.buffersMu.Unlock()

	current := e.buffers[len(e.buffers)-1]
	if current != expectedCurrent {
		return current, false
	}

	e.buffers = append(e.buffers, newBuf)

	return newBuf, true
}

// SetBuffers replaces the buffer list wholesale. Used by the façade's
// advance_epoch (spec §4.6 step 2) to carry over every buffer the old
// epoch still held beyond the one just merged — including buffers a
// racing insert added to the old epoch after this epoch was cloned — or
// to install a fresh empty buffer when none remain.
func (e *Epoch[R, S]) SetBuffers(bufs []*dbuffer.Buffer[R]) {
	e.buffersMu.Lock()
	defer e.buffersMu.Unlock()

	e.buffers = bufs
}

// PrepareReconstruction implements spec §4.5's prepare_reconstruction():
// CAS on merge_in_progress. The first caller wins (true) and must run the
// merge; every other concurrent caller (false) should add an empty buffer
// and continue inserting into this epoch instead.
func (e *Epoch[R, S]) PrepareReconstruction() bool {
	return e.mergeInProgress.CompareAndSwap(false, true)
}

// Clone implements spec §4.5's clone(new_number): copies the buffer list
// and shallow-clones the structure (level vector), returning a detached
// epoch — not yet active, not yet known to any Registry.
func (e *Epoch[R, S]) Clone(newNumber uint64) *Epoch[R, S] {
	e.buffersMu.Lock()
	buffersCopy := append([]*dbuffer.Buffer[R](nil), e.buffers...)
	e.buffersMu.Unlock()

	clone := &Epoch[R, S]{
		number:    newNumber,
		structure: e.structure.Clone(),
		buffers:   buffersCopy,
	}
	clone.drainCond = sync.NewCond(&clone.drainMu)

	return clone
}

// StartJob registers one in-flight job against this epoch.
func (e *Epoch[R, S]) StartJob() { e.activeJobs.Add(1) }

// EndJob completes one in-flight job, waking any AwaitDrained waiter if
// this was the last one.
func (e *Epoch[R, S]) EndJob() {
	if e.activeJobs.Add(-1) == 0 {
		e.drainMu.Lock()
		e.drainCond.Broadcast()
		e.drainMu.Unlock()
	}
}

// ActiveJobs returns the current in-flight job count.
func (e *Epoch[R, S]) ActiveJobs() int64 { return e.activeJobs.Load() }

// AwaitDrained blocks until ActiveJobs() reaches zero.
func (e *Epoch[R, S]) AwaitDrained() {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	for e.activeJobs.Load() != 0 {
		e.drainCond.Wait()
	}
}
