// Package rangequery is a reference query.Query implementation used by
// this module's own test suite: an inclusive range scan `[Low, High]`
// over any shard.Sorted implementation, run against sortedslice.Shard in
// the end-to-end tests.
package rangequery

import (
	"sort"

	"github.com/calvinalkan/dynext/internal/dbuffer"
	"github.com/calvinalkan/dynext/internal/record"
	"github.com/calvinalkan/dynext/query"
	"github.com/calvinalkan/dynext/shard"
)

// Range is the query parameter type: an inclusive [Low, High] bound.
type Range[R any] struct {
	Low, High R
}

// Query implements query.Query[R, Range[R], S] for any S that also
// satisfies shard.Sorted[R] (sortedslice.Shard does). EarlyAbortFlag and
// SkipDeleteFilterFlag let tests exercise both branches of the façade's
// fan-out/delete-filter logic without a second query type.
type Query[R any, S shard.Shard[R]] struct {
	Compare              func(a, b R) int
	EarlyAbortFlag       bool
	SkipDeleteFilterFlag bool
}

var _ query.Query[int, Range[int], shard.Shard[int]] = Query[int, shard.Shard[int]]{}

// EarlyAbort reports the query's EARLY_ABORT configuration.
func (q Query[R, S]) EarlyAbort() bool { return q.EarlyAbortFlag }

// SkipDeleteFilter reports the query's SKIP_DELETE_FILTER configuration.
func (q Query[R, S]) SkipDeleteFilter() bool { return q.SkipDeleteFilterFlag }

// LocalPreproc needs no per-shard state: the range bound is self-contained
// in params.
func (q Query[R, S]) LocalPreproc(S, Range[R]) any { return nil }

// BufferPreproc needs no per-buffer state either.
func (q Query[R, S]) BufferPreproc(*dbuffer.View[R], Range[R]) any { return nil }

// ProcessQueryStates has nothing to precompute globally for a plain range
// scan.
func (q Query[R, S]) ProcessQueryStates(Range[R], []any) {}

// RunShard scans [LowerBound(Low), UpperBound(High)) if s implements
// shard.Sorted; returns nil for a shard that doesn't (nothing to scan
// without bounds).
func (q Query[R, S]) RunShard(s S, _ any, params Range[R]) []record.Wrapped[R] {
	sorted, ok := any(s).(shard.Sorted[R])
	if !ok {
		return nil
	}

	lo := sorted.LowerBound(params.Low)
	hi := sorted.UpperBound(params.High)

	out := make([]record.Wrapped[R], 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, sorted.RecordAt(i))
	}

	return out
}

// RunBuffer linearly scans the buffer view for records within [Low, High];
// buffers aren't sorted (spec §4.1: arrival order, not key order), so no
// binary search is available here.
func (q Query[R, S]) RunBuffer(view *dbuffer.View[R], _ any, params Range[R]) []record.Wrapped[R] {
	var out []record.Wrapped[R]

	for i := 0; i < view.Len(); i++ {
		w := view.At(i)
		if q.Compare(w.Rec, params.Low) >= 0 && q.Compare(w.Rec, params.High) <= 0 {
			out = append(out, w)
		}
	}

	return out
}

// Merge concatenates every partial and sorts the result by key, producing
// the final ascending-order multiset (spec S1's "expected multiset" tests
// rely on stable, ascending output).
func (q Query[R, S]) Merge(partials [][]record.Wrapped[R], _ Range[R]) []R {
	var out []R

	for _, partial := range partials {
		for _, w := range partial {
			out = append(out, w.Rec)
		}
	}

	sort.Slice(out, func(i, j int) bool { return q.Compare(out[i], out[j]) < 0 })

	return out
}
