package dynext

import (
	"github.com/calvinalkan/dynext/internal/dbuffer"
	"github.com/calvinalkan/dynext/internal/epoch"
	"github.com/calvinalkan/dynext/internal/scheduler"
)

// scheduleMerge implements spec §4.6's "scheduling a merge": clone the
// current epoch, register it (so jobs can start against it even though it
// is not yet current), and submit a reconstruction job to the scheduler.
// If wait is true (the serial-scheduler path, or any caller that needs the
// merge to have settled before proceeding) the job runs synchronously on
// the calling goroutine instead of being handed to the scheduler.
func (d *DynamicExtension[R, P, S, Q]) scheduleMerge(oldEpoch *epoch.Epoch[R, S], wait bool) {
	newNumber := d.nextEpochNum.Add(1)
	newEpoch := oldEpoch.Clone(newNumber)

	d.registry.Register(newEpoch)
	d.pendingMerges.Add(1)

	if !d.registry.StartJob(newEpoch) {
		// Lost to a concurrent retirement of something else entirely;
		// should not happen for a freshly registered epoch, but guard
		// against spinning forever on a job the merge can never run.
		d.resolveMerge()

		return
	}

	d.cfg.Stats.JobsSubmitted.Add(1)

	run := func() { d.runMerge(oldEpoch, newEpoch) }

	if wait {
		run()

		return
	}

	d.sched.Submit(scheduler.Job{
		Timestamp: d.nextJobTimestamp(),
		Size:      int64(newEpoch.Structure().RecordCount()),
		Type:      scheduler.JobMerge,
		Run:       run,
	})
}

// runMerge executes the reconstruction plan against newEpoch's structure
// (spec §4.6 step 1: run every cascading reconstruction task
// GetReconstructionTasks names, flush the just-filled buffer into L0, then keep compacting
// while the tombstone invariant is violated), then hands off to
// advanceEpoch on success. On any task failure, the merge is abandoned and
// the prior epoch remains current (spec §7).
func (d *DynamicExtension[R, P, S, Q]) runMerge(oldEpoch, newEpoch *epoch.Epoch[R, S]) {
	bufs := newEpoch.Buffers()
	flushed := bufs[0]

	view := flushed.View()
	defer view.Release()

	st := newEpoch.Structure()

	for _, task := range st.GetReconstructionTasks(int(flushed.RecordCount())) {
		if err := st.ExecuteTask(task); err != nil {
			d.abandonMerge(newEpoch)

			return
		}
	}

	st.FlushBuffer(view)

	for !st.ValidateTombstoneProportion() {
		tasks := st.GetCompactionTasks()
		if len(tasks) == 0 {
			break
		}

		for _, task := range tasks {
			if err := st.ExecuteTask(task); err != nil {
				d.abandonMerge(newEpoch)

				return
			}
		}

		d.cfg.Stats.CompactionRuns.Add(1)
	}

	if err := flushed.AdvanceHead(flushed.Tail()); err != nil {
		d.abandonMerge(newEpoch)

		return
	}

	d.cfg.Stats.MergesRun.Add(1)
	d.cfg.Stats.JobsCompleted.Add(1)

	d.advanceEpoch(oldEpoch, newEpoch, flushed)
}

// abandonMerge implements the merge-failure path of spec §7: statistics
// record the failure, the half-built epoch is retired without ever being
// published, and the prior epoch continues to serve traffic. EndJob must
// run first: this merge's own job is the only thing still active against
// newEpoch, and Retire blocks until active jobs reach zero.
func (d *DynamicExtension[R, P, S, Q]) abandonMerge(newEpoch *epoch.Epoch[R, S]) {
	newEpoch.EndJob()
	d.cfg.Stats.JobsFailed.Add(1)
	d.registry.Retire(newEpoch)
	d.resolveMerge()
}

// resolveMerge decrements pendingMerges and wakes any AwaitNextEpoch
// waiter, whether the merge that triggered it was published or abandoned.
func (d *DynamicExtension[R, P, S, Q]) resolveMerge() {
	d.pendingMerges.Add(-1)

	d.epochCondMu.Lock()
	d.epochCond.Broadcast()
	d.epochCondMu.Unlock()
}

// advanceEpoch implements spec §4.6 step 2: carry over every buffer the
// old epoch still holds beyond the one just flushed — re-read at
// advance-time, not from newEpoch's stale clone snapshot, since a racing
// insert may have appended an extra buffer onto the old epoch after it was
// cloned — publish newEpoch as current, and retire the old epoch once its
// in-flight readers drain.
func (d *DynamicExtension[R, P, S, Q]) advanceEpoch(oldEpoch, newEpoch *epoch.Epoch[R, S], flushed *dbuffer.Buffer[R]) {
	// This merge's own job against newEpoch ends here: newEpoch is about to
	// become current and must be retireable (active jobs drained to zero)
	// the next time a merge clones and supersedes it.
	newEpoch.EndJob()

	d.transitionMu.Lock()
	defer d.transitionMu.Unlock()

	carryOver := make([]*dbuffer.Buffer[R], 0, len(oldEpoch.Buffers()))
	for _, buf := range oldEpoch.Buffers() {
		if buf != flushed {
			carryOver = append(carryOver, buf)
		}
	}

	if len(carryOver) == 0 {
		carryOver = append(carryOver, d.newBuffer())
	}

	newEpoch.SetBuffers(carryOver)

	old := d.registry.Publish(newEpoch)
	d.resolveMerge()

	d.cfg.Stats.Retirements.Add(1)
	d.registry.Retire(old)
}
