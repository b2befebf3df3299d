// Package level implements the internal level (spec §3/§4.2): an ordered
// set of up to K sealed shards sharing a logical level number.
package level

import (
	"sync"

	"github.com/calvinalkan/dynext/internal/record"
	"github.com/calvinalkan/dynext/shard"
)

// slot holds one shard occupying a level's slot vector. occupied
// distinguishes "empty slot" from "zero value of S" because S may be a
// concrete, non-nilable type.
type slot[R any, S shard.Shard[R]] struct {
	shard    S
	occupied bool
}

// Level is the internal level described in spec §3: "{ level_no, cap,
// shards : Vec<Option<Arc<S>>> (size ≤ cap), pending }".
type Level[R any, S shard.Shard[R]] struct {
	mu sync.RWMutex

	levelNo  int
	capacity int
	slots    []slot[R, S]

	pending    []S
	hasPending bool

	factory shard.Factory[R, S]
	cmp     func(a, b R) int
}

// New creates an empty level at levelNo with room for up to capacity
// shards.
func New[R any, S shard.Shard[R]](levelNo, capacity int, factory shard.Factory[R, S], cmp func(a, b R) int) *Level[R, S] {
	return &Level[R, S]{
		levelNo:  levelNo,
		capacity: capacity,
		slots:    make([]slot[R, S], 0, capacity),
		factory:  factory,
		cmp:      cmp,
	}
}

// LevelNo returns the level's logical number; L0 is the youngest.
func (l *Level[R, S]) LevelNo() int { return l.levelNo }

// Capacity returns the maximum number of shards this level may hold.
func (l *Level[R, S]) Capacity() int { return l.capacity }

// ShardCount returns the number of occupied slots.
func (l *Level[R, S]) ShardCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.slots)
}

// HasPending reports whether a tiered append overflowed into pending and
// is waiting on Finalize.
func (l *Level[R, S]) HasPending() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.hasPending
}

// IsEmpty reports whether the level has no occupied shards.
func (l *Level[R, S]) IsEmpty() bool {
	return l.ShardCount() == 0
}

// Shards returns a snapshot of the occupied shards in slot order (oldest
// index first).
func (l *Level[R, S]) Shards() []S {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]S, len(l.slots))
	for i, s := range l.slots {
		out[i] = s.shard
	}

	return out
}

// RecordCount sums RecordCount() across every occupied shard.
func (l *Level[R, S]) RecordCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := 0
	for _, s := range l.slots {
		total += s.shard.RecordCount()
	}

	return total
}

// TombstoneCount sums TombstoneCount() across every occupied shard.
func (l *Level[R, S]) TombstoneCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := 0
	for _, s := range l.slots {
		total += s.shard.TombstoneCount()
	}

	return total
}

// MemoryUsage sums MemoryUsage() + AuxMemoryUsage() across every occupied
// shard.
func (l *Level[R, S]) MemoryUsage() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total int64
	for _, s := range l.slots {
		total += s.shard.MemoryUsage() + s.shard.AuxMemoryUsage()
	}

	return total
}

// AuxMemoryUsage sums AuxMemoryUsage() alone across every occupied shard,
// for callers that report primary and auxiliary footprint separately
// (spec §6's memory_usage/aux_memory_usage pair).
func (l *Level[R, S]) AuxMemoryUsage() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total int64
	for _, s := range l.slots {
		total += s.shard.AuxMemoryUsage()
	}

	return total
}

// AppendShard pushes s into the next free slot, or — if the level is at
// capacity — stages it onto pending for a later Finalize. Returns true if s
// landed in a real slot, false if it was staged as pending. A level may
// accumulate more than one pending shard before Finalize runs (e.g. a single
// AppendLevel call overflowing on more than one shard); every one of them is
// kept, not just the last.
func (l *Level[R, S]) AppendShard(s S) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.slots) < l.capacity {
		l.slots = append(l.slots, slot[R, S]{shard: s, occupied: true})

		return true
	}

	l.pending = append(l.pending, s)
	l.hasPending = true

	return false
}

// Finalize atomically consolidates every occupied slot plus everything
// staged on pending into a single replacement shard, run back through the
// shard factory's sorted merge (spec §4.2: "a later finalize ... this is
// the tier consolidation used in BSM / leveling"). Routing through
// factory.FromShards instead of just keeping the last pending shard is what
// makes this an actual merge: records and tombstones across every occupied
// shard and every overflowed shard get to cancel against each other, rather
// than the occupied shards being silently dropped. A no-op if nothing is
// pending.
func (l *Level[R, S]) Finalize() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.hasPending {
		return
	}

	all := make([]S, 0, len(l.slots)+len(l.pending))
	for _, sl := range l.slots {
		all = append(all, sl.shard)
	}

	all = append(all, l.pending...)

	l.slots = []slot[R, S]{{shard: l.factory.FromShards(all), occupied: true}}
	l.pending = nil
	l.hasPending = false
}

// ReplaceWithSingleShard discards every occupied shard and installs s as
// the level's sole shard: the "replace target with the merge of (target,
// source)" step, used by ReconstructLeveling and by BSM task execution.
// Source levels are emptied with Reset, not with this method.
func (l *Level[R, S]) ReplaceWithSingleShard(s S) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.slots = []slot[R, S]{{shard: s, occupied: true}}
	l.pending = nil
	l.hasPending = false
}

// Reset empties the level: spec §4.3, "After every task the source level
// is replaced with a fresh empty internal level at its index."
func (l *Level[R, S]) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.slots = l.slots[:0]
	l.pending = nil
	l.hasPending = false
}

// PointLookup scans occupied shards from the highest index down to 0
// (newest-within-level first) looking for a matching wrapped record.
func (l *Level[R, S]) PointLookup(rec R, isFilter bool) (record.Wrapped[R], int, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := len(l.slots) - 1; i >= 0; i-- {
		if w, ok := l.slots[i].shard.PointLookup(rec, isFilter); ok {
			return w, i, true
		}
	}

	var zero record.Wrapped[R]

	return zero, -1, false
}

// TombstoneDominates reports whether a live tombstone for rec exists in
// this level at an index higher than fromIdx (exclusive), implementing the
// "scan shards in the same level with higher index" half of spec §4.2's
// tombstone-scan rule. Pass fromIdx = -1 to scan the whole level.
func (l *Level[R, S]) TombstoneDominates(rec R, fromIdx int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := len(l.slots) - 1; i > fromIdx; i-- {
		if w, ok := l.slots[i].shard.PointLookup(rec, true); ok && w.IsTombstone() {
			return true
		}
	}

	return false
}

// TaggedDelete mutates the first matching wrapped record in-place, scanning
// occupied shards from the highest index down (newest-within-level first),
// delegating to shards that implement shard.TaggedDeletable.
func (l *Level[R, S]) TaggedDelete(rec R) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := len(l.slots) - 1; i >= 0; i-- {
		deletable, ok := any(l.slots[i].shard).(shard.TaggedDeletable[R])
		if !ok {
			continue
		}

		if deletable.TagDelete(rec) {
			return true
		}
	}

	return false
}

// Clone returns a shallow copy of this level: a new Level sharing the same
// shard Arcs, safe to mutate independently of l (per spec §3: internal
// levels are "Shared under reference counting; immutable after
// publication except for tagged deletes in-place").
func (l *Level[R, S]) Clone() *Level[R, S] {
	l.mu.RLock()
	defer l.mu.RUnlock()

	clone := &Level[R, S]{
		levelNo:    l.levelNo,
		capacity:   l.capacity,
		slots:      append([]slot[R, S](nil), l.slots...),
		pending:    append([]S(nil), l.pending...),
		hasPending: l.hasPending,
		factory:    l.factory,
		cmp:        l.cmp,
	}

	return clone
}

// Factory returns the shard factory this level was built with.
func (l *Level[R, S]) Factory() shard.Factory[R, S] { return l.factory }

// AppendLevel appends every shard currently held by other into this level,
// slot by slot, staging any overflow onto pending exactly as AppendShard
// does — including keeping every overflowed shard, not just the last one,
// when other holds more shards than this level has free slots for: spec
// §4.2's append_level(other) operation, the TIERING reconstruction-task
// executor's "append source's shards to target" step.
func (l *Level[R, S]) AppendLevel(other *Level[R, S]) {
	shards := other.Shards()

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, s := range shards {
		if len(l.slots) < l.capacity {
			l.slots = append(l.slots, slot[R, S]{shard: s, occupied: true})

			continue
		}

		l.pending = append(l.pending, s)
		l.hasPending = true
	}
}

// ReconstructTiering implements spec §4.2's reconstruct_tiering(base,
// incoming): append incoming's shards onto this level, then — if that
// overflowed the level's capacity — finalize, which runs every occupied and
// overflowed shard back through the shard factory's sorted merge so records
// and tombstones cancel (spec invariant #3). Tiering still avoids merging on
// every arrival the way leveling does (shards accumulate, unmerged, while
// there's room); it only pays the merge cost once a tier is full, same as
// Finalize always has.
func (l *Level[R, S]) ReconstructTiering(incoming *Level[R, S]) {
	l.AppendLevel(incoming)
	l.Finalize()
}

// ReconstructLeveling implements spec §4.2's reconstruct_leveling(base,
// incoming): merge this level's existing shard (if any) with incoming's
// shard(s) into a single replacement shard via the shard factory.
func (l *Level[R, S]) ReconstructLeveling(incoming *Level[R, S]) {
	existing := l.Shards()
	arriving := incoming.Shards()

	if len(existing) == 0 && len(arriving) == 0 {
		return
	}

	all := make([]S, 0, len(existing)+len(arriving))
	all = append(all, existing...)
	all = append(all, arriving...)

	l.ReplaceWithSingleShard(l.factory.FromShards(all))
}
