// Package merge implements the sorted-merge helper (spec §4.4): a
// priority-queue k-way merge over cursors of sorted wrapped records that
// applies tombstone cancellation and tagged-delete filtering while
// materialising a new shard's backing array.
package merge

import (
	"container/heap"
	"sort"

	"github.com/calvinalkan/dynext/internal/dbuffer"
	"github.com/calvinalkan/dynext/internal/rbloom"
	"github.com/calvinalkan/dynext/internal/record"
)

// Options configures a merge. KeyBytes and Bloom are optional; when both
// are set, every tombstone the merge emits is also added to Bloom, so a
// freshly reconstructed shard can carry its own short-circuit filter the
// same way the buffer does.
type Options[R any] struct {
	Compare  func(a, b R) int
	KeyBytes func(R) []byte
	Bloom    *rbloom.Filter
}

// Result is a merge's output: the emitted records in ascending order, and
// how many of them are tombstones.
type Result[R any] struct {
	Records        []record.Wrapped[R]
	TombstoneCount int
}

// cursorHeap is a container/heap.Interface over the current head element
// of each still-active cursor, ordered by user record, with cursor index
// as tiebreak.
type cursorHeap[R any] struct {
	cursors [][]record.Wrapped[R]
	pos     []int
	idxs    []int
	cmp     func(a, b R) int
}

func (h *cursorHeap[R]) Len() int { return len(h.idxs) }

func (h *cursorHeap[R]) Less(i, j int) bool {
	a := h.current(h.idxs[i])
	b := h.current(h.idxs[j])

	if c := h.cmp(a.Rec, b.Rec); c != 0 {
		return c < 0
	}

	// Equal user records: the newest cursor (lower index, since cursors
	// are supplied newest-first) sorts ahead, so the top/next adjacency
	// in KWayMerge lands on the pair rule 1 expects.
	return h.idxs[i] < h.idxs[j]
}

func (h *cursorHeap[R]) Swap(i, j int) { h.idxs[i], h.idxs[j] = h.idxs[j], h.idxs[i] }

func (h *cursorHeap[R]) Push(x any) { h.idxs = append(h.idxs, x.(int)) }

func (h *cursorHeap[R]) Pop() any {
	n := len(h.idxs)
	x := h.idxs[n-1]
	h.idxs = h.idxs[:n-1]

	return x
}

func (h *cursorHeap[R]) current(cursorIdx int) record.Wrapped[R] {
	return h.cursors[cursorIdx][h.pos[cursorIdx]]
}

// advance moves cursorIdx past its current head and, if elements remain,
// pushes it back onto the heap.
func (h *cursorHeap[R]) advance(cursorIdx int) {
	h.pos[cursorIdx]++
	if h.pos[cursorIdx] < len(h.cursors[cursorIdx]) {
		heap.Push(h, cursorIdx)
	}
}

// KWayMerge performs the priority-queue merge of spec §4.4. cursors must
// be supplied newest-first (buffer first, L0 next, …), each already
// sorted ascending by opts.Compare. Per output step, in order:
//
//  1. If the queue's top is a live record and the next entry is a
//     tombstone equal on the user record, both are consumed and neither is
//     emitted (tombstone cancellation — an older tombstone, "older"
//     meaning deeper in the cursor vector, annihilates a newer record).
//  2. Otherwise, if top is tagged-deleted, it is skipped without being
//     counted as a tombstone.
//  3. Otherwise, top is emitted; if it is a tombstone, the tombstone count
//     is bumped and it is added to the bloom filter, if configured.
func KWayMerge[R any](cursors [][]record.Wrapped[R], opts Options[R]) Result[R] {
	h := &cursorHeap[R]{
		cursors: cursors,
		pos:     make([]int, len(cursors)),
		cmp:     opts.Compare,
	}

	for i, c := range cursors {
		if len(c) > 0 {
			h.idxs = append(h.idxs, i)
		}
	}

	heap.Init(h)

	var out []record.Wrapped[R]

	tombstones := 0

	for h.Len() > 0 {
		topIdx := heap.Pop(h).(int)
		top := h.current(topIdx)

		// Advance top's cursor and push its new head back now, before
		// peeking: the record rule 1 must compare top against may come
		// from this same cursor (a shard or buffer holding both a record
		// and its own tombstone), not only from a different one.
		h.advance(topIdx)

		if h.Len() > 0 {
			nextIdx := h.idxs[0]
			next := h.current(nextIdx)

			if opts.Compare(top.Rec, next.Rec) == 0 && !top.IsTombstone() && next.IsTombstone() {
				heap.Pop(h)
				h.advance(nextIdx)

				continue
			}
		}

		if top.IsTaggedDeleted() {
			continue
		}

		out = append(out, top)

		if top.IsTombstone() {
			tombstones++

			if opts.Bloom != nil && opts.KeyBytes != nil {
				opts.Bloom.Add(opts.KeyBytes(top.Rec))
			}
		}
	}

	return Result[R]{Records: out, TombstoneCount: tombstones}
}

// SortedFromView implements spec §4.4's buffer-view-to-sorted-array step:
// copy the (possibly wrapping) view into a contiguous slice, sort it by
// opts.Compare, then run the same cancellation/filter rules as KWayMerge
// with a single cursor — rule 1 only fires if the view held both a record
// and its own tombstone.
func SortedFromView[R any](view *dbuffer.View[R], opts Options[R]) Result[R] {
	buf := make([]record.Wrapped[R], view.Len())
	for i := range buf {
		buf[i] = view.At(i)
	}

	sort.Slice(buf, func(i, j int) bool { return record.Compare(opts.Compare, buf[i], buf[j]) < 0 })

	return KWayMerge([][]record.Wrapped[R]{buf}, opts)
}
