// Package xstruct implements the extension structure (spec §3/§4.3): the
// ordered vector of internal levels beneath the mutable buffer, together
// with the reconstruction/compaction planner that decides when and how
// levels merge into each other.
package xstruct

import (
	"fmt"
	"sync"

	"github.com/calvinalkan/dynext/internal/dbuffer"
	"github.com/calvinalkan/dynext/internal/level"
	"github.com/calvinalkan/dynext/shard"
)

// Config bundles the parameters that fix how a Structure sizes and accepts
// reconstructions. Immutable for the lifetime of a Structure.
type Config struct {
	Policy           Policy
	ScaleFactor      int
	BufferHWM        int
	MaxTombstoneProp float64
}

// Structure is "the extension structure" of spec §3: a leveled,
// reference-counted snapshot of the on-disk-equivalent shard layout,
// versioned by epoch. A Structure instance is owned by exactly one Epoch
// (internal/epoch); readers observe it through an immutable Clone, writers
// mutate the live copy under the reconstruction job's exclusive access.
type Structure[R any, S shard.Shard[R]] struct {
	mu sync.RWMutex

	cfg     Config
	levels  []*level.Level[R, S]
	factory shard.Factory[R, S]
	cmp     func(a, b R) int
}

// New creates a Structure with a single, empty L0.
func New[R any, S shard.Shard[R]](cfg Config, factory shard.Factory[R, S], cmp func(a, b R) int) *Structure[R, S] {
	x := &Structure[R, S]{cfg: cfg, factory: factory, cmp: cmp}
	x.levels = []*level.Level[R, S]{x.newLevel(0)}

	return x
}

func (x *Structure[R, S]) newLevel(i int) *level.Level[R, S] {
	return level.New[R, S](i, x.shardCapacityFor(i), x.factory, x.cmp)
}

// levelCapacity returns level i's record capacity: buffer_hwm * s^(i+1)
// (spec §4.3).
func (x *Structure[R, S]) levelCapacity(i int) int {
	c := x.cfg.BufferHWM
	for p := 0; p <= i; p++ {
		c *= x.cfg.ScaleFactor
	}

	return c
}

// shardCapacityFor returns level i's shard-slot capacity: the scale factor
// under TIERING, 1 under LEVELING and BSM.
func (x *Structure[R, S]) shardCapacityFor(i int) int {
	if x.cfg.Policy == Tiering {
		return x.cfg.ScaleFactor
	}

	return 1
}

// growLocked appends one fresh empty level to the vector. Must be called
// with x.mu held for writing.
func (x *Structure[R, S]) growLocked() {
	x.levels = append(x.levels, x.newLevel(len(x.levels)))
}

func (x *Structure[R, S]) emptyLevelState(i int) levelState {
	return levelState{recCnt: 0, recCap: x.levelCapacity(i), shardCnt: 0, shardCap: x.shardCapacityFor(i)}
}

// snapshotStateLocked builds the scratch state vector the planner
// simulates against. Must be called with x.mu held (read or write).
func (x *Structure[R, S]) snapshotStateLocked() []levelState {
	out := make([]levelState, len(x.levels))
	for i, lvl := range x.levels {
		out[i] = levelState{
			recCnt:   lvl.RecordCount(),
			recCap:   x.levelCapacity(i),
			shardCnt: lvl.ShardCount(),
			shardCap: x.shardCapacityFor(i),
		}
	}

	return out
}

func (x *Structure[R, S]) violatesTombstoneBoundLocked(i int) bool {
	c := x.levelCapacity(i)
	if c == 0 {
		return false
	}

	lvl := x.levels[i]

	return float64(lvl.TombstoneCount())/float64(c) > x.cfg.MaxTombstoneProp
}

// Policy returns the structure's layout policy.
func (x *Structure[R, S]) Policy() Policy { return x.cfg.Policy }

// Height returns the number of internal levels currently allocated.
func (x *Structure[R, S]) Height() int {
	x.mu.RLock()
	defer x.mu.RUnlock()

	return len(x.levels)
}

// Level returns the level at index i. Panics if i is out of range; callers
// must check Height() first or only index levels named by a Task.
func (x *Structure[R, S]) Level(i int) *level.Level[R, S] {
	x.mu.RLock()
	defer x.mu.RUnlock()

	return x.levels[i]
}

// RecordCount sums RecordCount() across every level.
func (x *Structure[R, S]) RecordCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()

	total := 0
	for _, lvl := range x.levels {
		total += lvl.RecordCount()
	}

	return total
}

// TombstoneCount sums TombstoneCount() across every level.
func (x *Structure[R, S]) TombstoneCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()

	total := 0
	for _, lvl := range x.levels {
		total += lvl.TombstoneCount()
	}

	return total
}

// MemoryUsage sums MemoryUsage() across every level.
func (x *Structure[R, S]) MemoryUsage() int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var total int64
	for _, lvl := range x.levels {
		total += lvl.MemoryUsage()
	}

	return total
}

// AuxMemoryUsage sums AuxMemoryUsage() across every level, reporting the
// structure's auxiliary footprint (e.g. secondary indexes) separately from
// its primary storage footprint.
func (x *Structure[R, S]) AuxMemoryUsage() int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var total int64
	for _, lvl := range x.levels {
		total += lvl.AuxMemoryUsage()
	}

	return total
}

// PointLookup scans levels from L0 downward (newest-extension-level
// first), returning the level and shard index of the first match found.
func (x *Structure[R, S]) PointLookup(rec R, isFilter bool) (lvlIdx int, shardIdx int, found bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	for i, lvl := range x.levels {
		if _, si, ok := lvl.PointLookup(rec, isFilter); ok {
			return i, si, true
		}
	}

	return -1, -1, false
}

// TombstoneDominates reports whether a tombstone for rec exists at a level
// shallower than fromLevel, or within fromLevel at a shard index higher
// than fromShardIdx — the cross-level half of spec §4.2's tombstone-scan
// rule ("a tombstone at a shallower level, or a higher index within the
// same level, dominates").
func (x *Structure[R, S]) TombstoneDominates(rec R, fromLevel, fromShardIdx int) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.levels[fromLevel].TombstoneDominates(rec, fromShardIdx) {
		return true
	}

	for i := 0; i < fromLevel; i++ {
		if w, _, ok := x.levels[i].PointLookup(rec, true); ok && w.IsTombstone() {
			return true
		}
	}

	return false
}

// TaggedDelete scans levels from L0 downward for a shard implementing
// shard.TaggedDeletable holding rec, mutating the first match in place.
func (x *Structure[R, S]) TaggedDelete(rec R) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()

	for _, lvl := range x.levels {
		if lvl.TaggedDelete(rec) {
			return true
		}
	}

	return false
}

// FlushBuffer installs the records visible through view as L0's newest
// arrival, per spec §4.3: "Flush (flush_buffer(view)) always targets L0.
// Under leveling it merges with L0's shard if present. Under tiering/BSM
// it appends (and finalises if L0 is full)." Callers must have already
// confirmed (via GetReconstructionTasks) that L0 has room; FlushBuffer
// itself does not cascade.
func (x *Structure[R, S]) FlushBuffer(view *dbuffer.View[R]) {
	x.mu.Lock()
	defer x.mu.Unlock()

	l0 := x.levels[0]
	incoming := level.New[R, S](0, 1, x.factory, x.cmp)
	incoming.AppendShard(x.factory.FromBufferView(view))

	switch x.cfg.Policy {
	case Leveling:
		l0.ReconstructLeveling(incoming)
	case Tiering, BSM:
		l0.ReconstructTiering(incoming)
	}
}

// ExecuteTask runs a planned reconstruction: merges task's source levels
// into its target level per the active policy, then resets every source
// level to empty (spec §4.3: "After every task the source level is
// replaced with a fresh empty internal level at its index").
func (x *Structure[R, S]) ExecuteTask(task Task) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if task.Target >= len(x.levels) {
		return fmt.Errorf("xstruct: task target level %d out of range (height %d)", task.Target, len(x.levels))
	}

	target := x.levels[task.Target]

	switch x.cfg.Policy {
	case Leveling:
		if len(task.SourceLevels) != 1 {
			return fmt.Errorf("xstruct: LEVELING task must have exactly one source level, got %d", len(task.SourceLevels))
		}

		target.ReconstructLeveling(x.levels[task.SourceLevels[0]])
	case Tiering:
		if len(task.SourceLevels) != 1 {
			return fmt.Errorf("xstruct: TIERING task must have exactly one source level, got %d", len(task.SourceLevels))
		}

		target.ReconstructTiering(x.levels[task.SourceLevels[0]])
	case BSM:
		all := make([]S, 0)
		for _, idx := range task.SourceLevels {
			all = append(all, x.levels[idx].Shards()...)
		}

		if len(all) > 0 {
			target.ReplaceWithSingleShard(x.factory.FromShards(all))
		}
	default:
		return fmt.Errorf("xstruct: unknown policy %v", x.cfg.Policy)
	}

	for _, idx := range task.SourceLevels {
		x.levels[idx].Reset()
	}

	return nil
}

// ValidateTombstoneProportion reports whether every level currently
// satisfies the configured maximum tombstone proportion.
func (x *Structure[R, S]) ValidateTombstoneProportion() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()

	for i := range x.levels {
		if x.violatesTombstoneBoundLocked(i) {
			return false
		}
	}

	return true
}

// Clone returns a new Structure sharing this one's shard Arcs via
// level.Clone, safe for a new epoch to hold a stable view of while the
// original continues to mutate (spec §3: extension structures are
// versioned by epoch).
func (x *Structure[R, S]) Clone() *Structure[R, S] {
	x.mu.RLock()
	defer x.mu.RUnlock()

	clone := &Structure[R, S]{cfg: x.cfg, factory: x.factory, cmp: x.cmp}
	clone.levels = make([]*level.Level[R, S], len(x.levels))

	for i, lvl := range x.levels {
		clone.levels[i] = lvl.Clone()
	}

	return clone
}
