package dynext

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/dynext/internal/dbuffer"
	"github.com/calvinalkan/dynext/internal/epoch"
	"github.com/calvinalkan/dynext/internal/record"
	"github.com/calvinalkan/dynext/internal/scheduler"
	"github.com/calvinalkan/dynext/internal/xstruct"
)

// fanoutTask is one unit of query fan-out: either a shard at (level, idx)
// or a buffer at bufIdx (oldest-first position within the epoch's buffer
// list). Exactly one of shard/bufView is set.
type fanoutTask[R any, S any] struct {
	isBuffer bool

	shard S
	level int
	idx   int

	bufView *dbuffer.View[R]
	bufIdx  int

	local any
}

// Query implements spec §6's `query(params) → Future<Vec<R>>` /
// schedule_query: the protected epoch reference is acquired synchronously
// on the caller's goroutine, then the rest of the work (buffer views,
// local-state preprocessing, fan-out, delete filter, merge) happens on the
// scheduler (or inline, under the serial scheduler).
func (d *DynamicExtension[R, P, S, Q]) Query(params P) *Future[[]R] {
	fut := newFuture[[]R]()
	e := d.acquireEpoch()

	d.cfg.Stats.JobsSubmitted.Add(1)

	run := func() {
		defer e.EndJob()
		defer d.cfg.Stats.JobsCompleted.Add(1)

		fut.resolve(d.runQuery(e, params))
	}

	if d.cfg.Scheduler == Serial {
		run()

		return fut
	}

	d.sched.Submit(scheduler.Job{
		Timestamp: d.nextJobTimestamp(),
		Size:      0,
		Type:      scheduler.JobQuery,
		Run:       run,
	})

	return fut
}

// runQuery implements spec §4.6's query worker body: gather buffer views
// and shards from e's snapshot, build local states, call
// ProcessQueryStates, fan out RunShard/RunBuffer (stopping early if the
// query is EARLY_ABORT and a partial result is already non-empty), apply
// the delete filter, and call Merge.
func (d *DynamicExtension[R, P, S, Q]) runQuery(e *epoch.Epoch[R, S], params P) []R {
	bufs := e.Buffers()
	st := e.Structure()

	tasks := make([]*fanoutTask[R, S], 0, len(bufs)+8)

	for i, buf := range bufs {
		view := buf.View()
		defer view.Release()

		tasks = append(tasks, &fanoutTask[R, S]{isBuffer: true, bufView: view, bufIdx: i})
	}

	for lvl := 0; lvl < st.Height(); lvl++ {
		for idx, s := range st.Level(lvl).Shards() {
			tasks = append(tasks, &fanoutTask[R, S]{shard: s, level: lvl, idx: idx})
		}
	}

	locals := make([]any, len(tasks))

	for i, t := range tasks {
		if t.isBuffer {
			t.local = d.cfg.Query.BufferPreproc(t.bufView, params)
		} else {
			t.local = d.cfg.Query.LocalPreproc(t.shard, params)
		}

		locals[i] = t.local
	}

	d.cfg.Query.ProcessQueryStates(params, locals)

	partials := d.runFanout(tasks, params)

	filtered := d.applyDeleteFilter(st, bufs, tasks, partials)

	return d.cfg.Query.Merge(filtered, params)
}

// runFanout executes RunShard/RunBuffer for every task, honoring
// EarlyAbort: once any partial is non-empty, in-flight and not-yet-started
// tasks are cancelled (spec §4.6 step 4). Always runs concurrently; under
// the serial scheduler flavor this concurrency is purely within one query
// job (the scheduler never runs two jobs at once in that mode, but a
// single job's internal fan-out is unaffected by that restriction).
func (d *DynamicExtension[R, P, S, Q]) runFanout(tasks []*fanoutTask[R, S], params P) [][]record.Wrapped[R] {
	partials := make([][]record.Wrapped[R], len(tasks))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	for i, t := range tasks {
		i, t := i, t

		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}

			var out []record.Wrapped[R]
			if t.isBuffer {
				out = d.cfg.Query.RunBuffer(t.bufView, t.local, params)
			} else {
				out = d.cfg.Query.RunShard(t.shard, t.local, params)
			}

			partials[i] = out

			if d.cfg.Query.EarlyAbort() && len(out) > 0 {
				cancel()
			}

			return nil
		})
	}

	_ = g.Wait()

	return partials
}

// applyDeleteFilter implements spec §4.6's delete filter, applied unless
// the query sets SkipDeleteFilter:
//
//   - TAGGING: discard wrapped records whose tagged-delete bit is set.
//   - TOMBSTONE: for a candidate emitted by shard (level, idx), drop it if
//     any newer shard (same level, higher idx, or a shallower level) holds
//     a matching tombstone, or if any buffer does (every buffer
//     post-dates every shard). For a candidate emitted by buffer i
//     (oldest-first), drop it if any buffer at a higher index holds a
//     matching tombstone.
//
// Under both policies, a wrapped record that is itself a tombstone is
// dropped — it marks an absence, not a value to hand back to the caller.
func (d *DynamicExtension[R, P, S, Q]) applyDeleteFilter(
	st *xstruct.Structure[R, S],
	bufs []*dbuffer.Buffer[R],
	tasks []*fanoutTask[R, S],
	partials [][]record.Wrapped[R],
) [][]record.Wrapped[R] {
	if d.cfg.Query.SkipDeleteFilter() {
		return partials
	}

	out := make([][]record.Wrapped[R], len(partials))

	for i, t := range tasks {
		var kept []record.Wrapped[R]

		for _, w := range partials[i] {
			if w.IsTombstone() {
				continue
			}

			if d.cfg.DeletePolicy == Tagging {
				if w.IsTaggedDeleted() {
					continue
				}

				kept = append(kept, w)

				continue
			}

			if d.isDominated(st, bufs, t, w.Rec) {
				continue
			}

			kept = append(kept, w)
		}

		out[i] = kept
	}

	return out
}

// isDominated reports whether a live candidate from task t is shadowed by
// a newer tombstone, per the ordering rule applyDeleteFilter documents.
func (d *DynamicExtension[R, P, S, Q]) isDominated(
	st *xstruct.Structure[R, S],
	bufs []*dbuffer.Buffer[R],
	t *fanoutTask[R, S],
	rec R,
) bool {
	if t.isBuffer {
		for j := t.bufIdx + 1; j < len(bufs); j++ {
			if bufs[j].CheckTombstone(rec) {
				return true
			}
		}

		return false
	}

	for _, buf := range bufs {
		if buf.CheckTombstone(rec) {
			return true
		}
	}

	return st.TombstoneDominates(rec, t.level, t.idx)
}
