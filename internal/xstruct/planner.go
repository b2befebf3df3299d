package xstruct

// cascadeTasksLocked implements the general (LEVELING/TIERING/single-source
// BSM) half of spec §4.3's get_reconstruction_tasks / get_compaction_tasks:
//
//  1. Locate the shallowest level b > fromLevel that can accept what would
//     arrive from b-1 (growing the structure with empty levels as needed).
//  2. Walk back from b to fromLevel+1, emitting one task per hop
//     (i-1 -> i). Emitting in this order — deepest hop first — means each
//     task's target is guaranteed empty or within capacity by the time it
//     runs, because the shallower hop that will fill it executes next.
//
// incoming is whatever is arriving at fromLevel from outside the structure
// (the flushed buffer's record count), added to fromLevel's own current
// record count wherever the algorithm reads "level fromLevel's count".
// Pass incoming = 0 for a compaction cascade, where nothing external is
// arriving and fromLevel's own backlog is what must move.
//
// Must be called with the structure's write lock held; it may grow the
// level vector.
func (x *Structure[R, S]) cascadeTasksLocked(scratch []levelState, fromLevel, incoming int) []Task {
	eff := func(i int) int {
		v := scratch[i].recCnt
		if i == fromLevel {
			v += incoming
		}

		return v
	}

	b := fromLevel + 1
	for {
		for b >= len(scratch) {
			x.growLocked()
			scratch = append(scratch, x.emptyLevelState(len(scratch)))
		}

		if canReconstructWith(x.cfg.Policy, scratch[b], eff(b-1)) {
			break
		}

		b++
	}

	tasks := make([]Task, 0, b-fromLevel)

	for i := b; i > fromLevel; i-- {
		recCnt := eff(i - 1)
		if x.cfg.Policy == Leveling {
			recCnt += scratch[i].recCnt
		}

		tasks = append(tasks, Task{SourceLevels: []int{i - 1}, Target: i, RecCnt: recCnt})

		newShardCnt := 1
		if x.cfg.Policy == Tiering {
			newShardCnt = scratch[i].shardCnt + 1
		}

		scratch[i] = levelState{recCnt: recCnt, recCap: scratch[i].recCap, shardCnt: newShardCnt, shardCap: scratch[i].shardCap}
		scratch[i-1] = levelState{recCnt: 0, recCap: scratch[i-1].recCap, shardCnt: 0, shardCap: scratch[i-1].shardCap}
	}

	return tasks
}

// findReconstructionTarget locates the shallowest level at or after start
// with recCnt == 0, accumulating the record count that would land there by
// summing every level from start up to (but not including) the target.
//
// Open question (spec §9, second open question): the reference
// implementation updates state[idx].reccnt — idx being the *previous*
// iteration's index — rather than state[i].reccnt when folding the running
// count back into the scratch vector. Since the scratch vector here is
// discarded after the call (findReconstructionTarget's caller only reads
// the returned target/recCnt), this quirk has no externally observable
// effect in this port — it is preserved verbatim anyway, rather than
// "corrected" to state[i], because the original's intent on this point is
// genuinely unclear and silently diverging from it would hide that.
// TestBSMScratchStateQuirk pins the exact assignment sequence so a future
// deliberate change shows up as a visible diff.
func findReconstructionTarget(scratch []levelState, start, incomingRecCnt int) (target int, recCnt int) {
	idx := start
	recCnt = incomingRecCnt

	for i := start; i < len(scratch); i++ {
		if scratch[i].recCnt == 0 {
			return i, recCnt
		}

		recCnt += scratch[i].recCnt
		scratch[idx].recCnt = recCnt
		idx = i
	}

	return len(scratch), recCnt
}

// bsmTasksLocked implements BSM's multi-source reconstruction: find the
// shallowest empty level at or after start (growing the structure as
// needed) and emit a single task gathering every level in [start, target)
// as sources (spec §4.3: "BSM: gather all source levels listed in the
// task, construct one shard from their concatenation, set it as the sole
// shard of the target, and reset all source levels to empty").
//
// Must be called with the structure's write lock held.
func (x *Structure[R, S]) bsmTasksLocked(scratch []levelState, start, incoming int) []Task {
	for {
		// findReconstructionTarget mutates its argument in place (see its
		// doc comment), so each attempt gets its own fresh copy — reusing a
		// mutated slice across grow-retries would double-count the running
		// total.
		working := append([]levelState(nil), scratch...)

		target, recCnt := findReconstructionTarget(working, start, incoming)
		if target < len(working) {
			sources := make([]int, 0, target-start)
			for i := start; i < target; i++ {
				sources = append(sources, i)
			}

			return []Task{{SourceLevels: sources, Target: target, RecCnt: recCnt}}
		}

		x.growLocked()
		scratch = append(scratch, x.emptyLevelState(len(scratch)))
	}
}

// GetReconstructionTasks plans the cascade of reconstructions needed to
// make room for flushing a buffer holding bufferRecCnt live records, per
// spec §4.3. Returns nil if the buffer fits directly into L0 under the
// active policy.
func (x *Structure[R, S]) GetReconstructionTasks(bufferRecCnt int) []Task {
	x.mu.Lock()
	defer x.mu.Unlock()

	scratch := x.snapshotStateLocked()

	if canReconstructWith(x.cfg.Policy, scratch[0], bufferRecCnt) {
		return nil
	}

	if x.cfg.Policy == BSM {
		return x.bsmTasksLocked(scratch, 0, bufferRecCnt)
	}

	return x.cascadeTasksLocked(scratch, 0, bufferRecCnt)
}

// GetCompactionTasks plans a cascade to relieve the shallowest level whose
// tombstone proportion exceeds the configured bound, per spec §4.5:
// "locate the shallowest level v violating it, then cascade
// reconstructions as above to reduce its tombstone proportion." Returns
// nil if no level currently violates the bound.
func (x *Structure[R, S]) GetCompactionTasks() []Task {
	x.mu.Lock()
	defer x.mu.Unlock()

	scratch := x.snapshotStateLocked()

	for i := range scratch {
		if !x.violatesTombstoneBoundLocked(i) {
			continue
		}

		if x.cfg.Policy == BSM {
			return x.bsmTasksLocked(scratch, i, 0)
		}

		return x.cascadeTasksLocked(scratch, i, 0)
	}

	return nil
}
