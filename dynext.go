// Package dynext turns an arbitrary static, immutable, sorted, in-memory
// shard type into a fully dynamic structure supporting concurrent inserts,
// deletes, and parameterised queries (spec §1). This file implements the
// public façade (C7): construction, Insert, Erase, Drop, and metrics.
// Scheduling a reconstruction lives in merge.go; the query path lives in
// query.go.
package dynext

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/calvinalkan/dynext/internal/dbuffer"
	"github.com/calvinalkan/dynext/internal/epoch"
	"github.com/calvinalkan/dynext/internal/scheduler"
	"github.com/calvinalkan/dynext/internal/xstruct"
	"github.com/calvinalkan/dynext/query"
	"github.com/calvinalkan/dynext/shard"
)

// DynamicExtension is the public handle of spec §6: `new(options) ->
// Handle`. R is the opaque user record type, P the query parameter type,
// S the concrete shard implementation, Q the concrete query
// implementation.
type DynamicExtension[R any, P any, S shard.Shard[R], Q query.Query[R, P, S]] struct {
	cfg Options[R, P, S, Q]

	registry *epoch.Registry[R, S]
	sched    *scheduler.Scheduler

	// transitionMu is spec §5's "epoch_transition_lk": one epoch
	// transition at a time.
	transitionMu sync.Mutex

	// epochCondMu/epochCond back AwaitNextEpoch (spec §5's
	// "epoch-transition condvar").
	epochCondMu sync.Mutex
	epochCond   *sync.Cond

	nextEpochNum atomic.Uint64

	// pendingMerges counts merges registered but not yet resolved
	// (published or abandoned); AwaitNextEpoch blocks while it is
	// nonzero rather than comparing epoch numbers directly, so an
	// abandoned merge (spec §7: "the framework continues to use the
	// prior epoch") can't leave a waiter parked forever on an epoch
	// number that will never become current.
	pendingMerges atomic.Int64

	jobSeq atomic.Int64

	// bufTimestamps assigns each buffer its own monotonic per-buffer
	// insertion-order counter (spec §3: "bits 3..31 = per-buffer
	// insertion timestamp"), keyed by buffer identity since dbuffer.Buffer
	// itself takes the timestamp as a caller-supplied argument rather
	// than tracking one internally.
	bufTimestamps sync.Map // *dbuffer.Buffer[R] -> *atomic.Uint32
}

// New constructs a DynamicExtension, validating the options per spec §4.6
// (in particular, that TAGGING is only paired with the Serial scheduler).
func New[R any, P any, S shard.Shard[R], Q query.Query[R, P, S]](opts Options[R, P, S, Q]) (*DynamicExtension[R, P, S, Q], error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	d := &DynamicExtension[R, P, S, Q]{cfg: opts}
	d.epochCond = sync.NewCond(&d.epochCondMu)
	d.sched = scheduler.New(opts.ThreadCount, opts.MemoryBudget)

	structure := xstruct.New[R, S](xstruct.Config{
		Policy:           opts.LayoutPolicy,
		ScaleFactor:      opts.ScaleFactor,
		BufferHWM:        int(opts.BufferHWM),
		MaxTombstoneProp: opts.MaxDeleteProp,
	}, opts.Factory, opts.Compare)

	initial := epoch.New[R, S](0, structure, d.newBuffer())
	d.registry = epoch.NewRegistry[R, S](initial)

	return d, nil
}

// newBuffer allocates a fresh buffer matching this extension's configured
// capacity/watermarks/comparator, and registers its timestamp counter.
func (d *DynamicExtension[R, P, S, Q]) newBuffer() *dbuffer.Buffer[R] {
	buf := dbuffer.New[R](dbuffer.Options[R]{
		Capacity: d.cfg.BufferCap,
		LWM:      d.cfg.BufferLWM,
		HWM:      d.cfg.BufferHWM,
		Compare:  d.cfg.Compare,
		KeyBytes: d.cfg.KeyBytes,
	})

	d.bufTimestamps.Store(buf, new(atomic.Uint32))

	return buf
}

// nextTimestamp issues the next per-buffer insertion-order value for buf.
func (d *DynamicExtension[R, P, S, Q]) nextTimestamp(buf *dbuffer.Buffer[R]) uint32 {
	v, ok := d.bufTimestamps.Load(buf)
	if !ok {
		// Defensive: every buffer this façade ever hands out is
		// registered in newBuffer; this only trips on a caller bug.
		panic("dynext: timestamp counter missing for buffer")
	}

	return v.(*atomic.Uint32).Add(1)
}

// acquireEpoch implements spec §4.6's "protected acquire current epoch":
// loop until StartJob succeeds against whatever is current, retrying if a
// racing retirement erased the epoch we read between Current() and
// StartJob().
func (d *DynamicExtension[R, P, S, Q]) acquireEpoch() *epoch.Epoch[R, S] {
	for {
		e := d.registry.Current()
		if d.registry.StartJob(e) {
			return e
		}
	}
}

// Insert implements spec §4.6's insert(rec) loop. Always eventually
// succeeds (spec §6: "insert(rec) -> 1").
func (d *DynamicExtension[R, P, S, Q]) Insert(rec R) {
	d.appendRecord(rec, false)
}

// addEmptyBuffer implements spec §4.5's add_buffer mini-CAS: install a
// fresh buffer iff expected is still current; otherwise adopt whatever a
// racer already installed.
func (d *DynamicExtension[R, P, S, Q]) addEmptyBuffer(e *epoch.Epoch[R, S], expected *dbuffer.Buffer[R]) *dbuffer.Buffer[R] {
	fresh := d.newBuffer()

	installed, won := e.AddBuffer(fresh, expected)
	if !won {
		d.bufTimestamps.Delete(fresh) // the buffer we allocated lost the race and is discarded; nothing references it.
	}

	return installed
}

// Erase implements spec §4.6's erase(rec): appends a tombstone under the
// TOMBSTONE policy, or performs a buffer-last tagged delete under TAGGING
// (spec §9's first open question — the buffer-last order matches the
// newest historical revision and is preserved and tested, not "fixed").
// Returns false only under TAGGING when rec was found nowhere (spec §6).
func (d *DynamicExtension[R, P, S, Q]) Erase(rec R) bool {
	if d.cfg.DeletePolicy == Tagging {
		return d.eraseTagged(rec)
	}

	d.eraseTombstone(rec)

	return true
}

func (d *DynamicExtension[R, P, S, Q]) eraseTombstone(rec R) {
	d.appendRecord(rec, true)
}

// appendRecord implements spec §4.6's shared insert/tombstone-erase loop:
// acquire the current epoch, make room in its current buffer if full
// (scheduling or joining a reconstruction as needed), then append. Loops
// because the buffer just acquired may lose a race for its slot (Append
// returns false) or the epoch itself may have been retired mid-acquire.
func (d *DynamicExtension[R, P, S, Q]) appendRecord(rec R, tombstone bool) {
	for {
		e := d.acquireEpoch()
		buf := e.CurrentBuffer()

		if buf.IsFull() {
			if d.cfg.Scheduler == Serial {
				e.EndJob()
				d.scheduleMerge(e, true)

				continue
			}

			if e.PrepareReconstruction() {
				buf = d.addEmptyBuffer(e, buf)
				d.scheduleMerge(e, false)
			} else {
				buf = d.addEmptyBuffer(e, buf)
			}
		}

		ts := d.nextTimestamp(buf)
		ok := buf.Append(rec, tombstone, ts)
		e.EndJob()

		if ok {
			return
		}
	}
}

// eraseTagged scans the structure first, then the buffer last — spec
// §9's "buffer-last" choice — mutating the first matching wrapped record
// in place. Legal only under the Serial scheduler (enforced at
// construction) since it mutates shared state the current epoch's readers
// may be observing concurrently with no cloned copy in flight.
func (d *DynamicExtension[R, P, S, Q]) eraseTagged(rec R) bool {
	e := d.acquireEpoch()
	defer e.EndJob()

	if e.Structure().TaggedDelete(rec) {
		return true
	}

	for _, buf := range e.Buffers() {
		if buf.TaggedDelete(rec) {
			return true
		}
	}

	return false
}

// Drop implements spec §6's drop(Handle): awaits any in-flight epoch then
// shuts the scheduler down, releasing every epoch/buffer/structure this
// extension held. The extension must not be used after Drop returns.
func (d *DynamicExtension[R, P, S, Q]) Drop() {
	d.AwaitNextEpoch()
	d.sched.Shutdown()
}

// RecordCount returns the current epoch's live record count across every
// buffer and shard, net of tombstones: each tombstone still held is
// subtracted once, so an erased record is not counted whether or not a
// merge has cancelled it against its tombstone yet.
func (d *DynamicExtension[R, P, S, Q]) RecordCount() int {
	e := d.acquireEpoch()
	defer e.EndJob()

	st := e.Structure()

	total := st.RecordCount() - st.TombstoneCount()
	for _, buf := range e.Buffers() {
		total += int(buf.RecordCount()) - int(buf.TombstoneCount())
	}

	return total
}

// TombstoneCount returns the current epoch's total tombstone count across
// every buffer and shard.
func (d *DynamicExtension[R, P, S, Q]) TombstoneCount() int {
	e := d.acquireEpoch()
	defer e.EndJob()

	total := e.Structure().TombstoneCount()
	for _, buf := range e.Buffers() {
		total += int(buf.TombstoneCount())
	}

	return total
}

// Height returns the number of internal levels currently allocated.
func (d *DynamicExtension[R, P, S, Q]) Height() int {
	e := d.acquireEpoch()
	defer e.EndJob()

	return e.Structure().Height()
}

// MemoryUsage returns the current epoch's structure memory footprint in
// bytes (buffers are fixed-size and not counted here).
func (d *DynamicExtension[R, P, S, Q]) MemoryUsage() int64 {
	e := d.acquireEpoch()
	defer e.EndJob()

	return e.Structure().MemoryUsage()
}

// AuxMemoryUsage returns the current epoch's auxiliary structure footprint
// (e.g. secondary indexes a shard implementation maintains) in bytes,
// reported separately from MemoryUsage per spec §6.
func (d *DynamicExtension[R, P, S, Q]) AuxMemoryUsage() int64 {
	e := d.acquireEpoch()
	defer e.EndJob()

	return e.Structure().AuxMemoryUsage()
}

// BufferCapacity returns the configured buffer high watermark.
func (d *DynamicExtension[R, P, S, Q]) BufferCapacity() uint64 { return d.cfg.BufferHWM }

// ValidateTombstoneProportion reports whether every populated level of the
// current structure satisfies the configured maximum delete proportion
// (spec §8 invariant 1).
func (d *DynamicExtension[R, P, S, Q]) ValidateTombstoneProportion() bool {
	e := d.acquireEpoch()
	defer e.EndJob()

	return e.Structure().ValidateTombstoneProportion()
}

// AwaitNextEpoch blocks until every merge presently in flight has been
// published or abandoned (spec §5: "blocks on the epoch-transition condvar
// until current_epoch == newest_epoch"). A no-op if no merge is in flight.
func (d *DynamicExtension[R, P, S, Q]) AwaitNextEpoch() {
	d.epochCondMu.Lock()
	defer d.epochCondMu.Unlock()

	for d.pendingMerges.Load() != 0 {
		d.epochCond.Wait()
	}
}

// CreateStaticStructure materialises a single shard from the current
// state (spec §6), for hand-off to a read-only snapshot consumer. If
// await is true, first waits for any in-flight merge to settle so the
// snapshot reflects the freshest published epoch.
func (d *DynamicExtension[R, P, S, Q]) CreateStaticStructure(await bool) S {
	if await {
		d.AwaitNextEpoch()
	}

	e := d.acquireEpoch()
	defer e.EndJob()

	bufs := e.Buffers()
	st := e.Structure()

	shards := make([]S, 0, len(bufs)+st.Height())

	// Newest-first: the newest buffer, then older buffers, then L0..Lh —
	// the same precedence FromShards must honor when cancelling
	// tombstones, mirroring the sorted-merge helper's cursor order
	// (spec §4.4).
	for i := len(bufs) - 1; i >= 0; i-- {
		view := bufs[i].View()
		shards = append(shards, d.cfg.Factory.FromBufferView(view))
		view.Release()
	}

	for lvl := 0; lvl < st.Height(); lvl++ {
		shards = append(shards, st.Level(lvl).Shards()...)
	}

	return d.cfg.Factory.FromShards(shards)
}

func (d *DynamicExtension[R, P, S, Q]) nextJobTimestamp() int64 { return d.jobSeq.Add(1) }

// String aids test failure messages and debugging.
func (d *DynamicExtension[R, P, S, Q]) String() string {
	return fmt.Sprintf("dynext.DynamicExtension{policy=%s delete=%s scheduler=%s}",
		d.cfg.LayoutPolicy, d.cfg.DeletePolicy, d.cfg.Scheduler)
}
