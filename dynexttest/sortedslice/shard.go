// Package sortedslice is a reference shard.Shard implementation used by
// this module's own test suite: every wrapped record held in one
// contiguous, sorted-by-key slice, with binary-search lookups. It exists
// to exercise the dynext core end to end, not as a production index.
package sortedslice

import (
	"sort"

	"github.com/calvinalkan/dynext/internal/dbuffer"
	"github.com/calvinalkan/dynext/internal/merge"
	"github.com/calvinalkan/dynext/internal/record"
	"github.com/calvinalkan/dynext/shard"
)

// Shard is a flat, ascending-sorted array of wrapped records. Zero value is
// not usable; build one via Factory.
type Shard[R any] struct {
	records   []record.Wrapped[R]
	cmp       func(a, b R) int
	recCount  int
	tombCount int
}

var (
	_ shard.Shard[int]          = (*Shard[int])(nil)
	_ shard.Sorted[int]         = (*Shard[int])(nil)
	_ shard.TaggedDeletable[int] = (*Shard[int])(nil)
)

func newShard[R any](recs []record.Wrapped[R], cmp func(a, b R) int) *Shard[R] {
	s := &Shard[R]{records: recs, cmp: cmp}

	for _, w := range recs {
		if w.IsTombstone() {
			s.tombCount++
		} else if !w.IsTaggedDeleted() {
			s.recCount++
		}
	}

	return s
}

// RecordCount returns the number of live, non-tagged-deleted records.
func (s *Shard[R]) RecordCount() int { return s.recCount }

// TombstoneCount returns the number of tombstone entries.
func (s *Shard[R]) TombstoneCount() int { return s.tombCount }

// MemoryUsage approximates the backing array's footprint; good enough for
// a reference/test shard, not a tuned estimate.
func (s *Shard[R]) MemoryUsage() int64 {
	var zero record.Wrapped[R]

	return int64(len(s.records)) * int64(sizeofApprox(zero))
}

// AuxMemoryUsage is always 0: this shard keeps no secondary index.
func (s *Shard[R]) AuxMemoryUsage() int64 { return 0 }

// Len returns the number of wrapped records physically stored.
func (s *Shard[R]) Len() int { return len(s.records) }

// LowerBound returns the index of the first record >= key.
func (s *Shard[R]) LowerBound(key R) int {
	return sort.Search(len(s.records), func(i int) bool { return s.cmp(s.records[i].Rec, key) >= 0 })
}

// UpperBound returns the index of the first record > key.
func (s *Shard[R]) UpperBound(key R) int {
	return sort.Search(len(s.records), func(i int) bool { return s.cmp(s.records[i].Rec, key) > 0 })
}

// RecordAt returns the wrapped record at index i.
func (s *Shard[R]) RecordAt(i int) record.Wrapped[R] { return s.records[i] }

// PointLookup returns the first wrapped record matching rec, if any.
// isFilter is accepted for contract compliance but doesn't change the
// lookup strategy here; both paths are the same binary search.
func (s *Shard[R]) PointLookup(rec R, isFilter bool) (record.Wrapped[R], bool) {
	_ = isFilter

	i := s.LowerBound(rec)
	if i < len(s.records) && s.cmp(s.records[i].Rec, rec) == 0 {
		return s.records[i], true
	}

	var zero record.Wrapped[R]

	return zero, false
}

// TagDelete flips the tagged-delete bit on the first not-yet-deleted
// wrapped record matching rec.
func (s *Shard[R]) TagDelete(rec R) bool {
	i := s.LowerBound(rec)

	for ; i < len(s.records) && s.cmp(s.records[i].Rec, rec) == 0; i++ {
		if !s.records[i].IsTaggedDeleted() {
			s.records[i] = s.records[i].WithTaggedDeleted()
			s.recCount--

			return true
		}
	}

	return false
}

func sizeofApprox[R any](_ record.Wrapped[R]) int { return 32 }

// Factory builds Shard values from buffer views and from other shards,
// implementing shard.Factory[R, *Shard[R]] (spec §6's shard contract).
type Factory[R any] struct {
	Compare  func(a, b R) int
	KeyBytes func(R) []byte // optional; forwarded to the merge helper, but no Bloom is set, so merges build no filter
}

var _ shard.Factory[int, *Shard[int]] = Factory[int]{}

func (f Factory[R]) mergeOpts() merge.Options[R] {
	return merge.Options[R]{Compare: f.Compare, KeyBytes: f.KeyBytes}
}

// FromBufferView sorts and cancels every record visible through view into
// a new Shard (spec §4.4).
func (f Factory[R]) FromBufferView(view *dbuffer.View[R]) *Shard[R] {
	res := merge.SortedFromView(view, f.mergeOpts())

	return newShard(res.Records, f.Compare)
}

// FromShards merges shards (supplied newest-first) via the sorted k-way
// merge helper, applying the same tombstone-cancellation rule as a buffer
// flush.
func (f Factory[R]) FromShards(shards []*Shard[R]) *Shard[R] {
	cursors := make([][]record.Wrapped[R], len(shards))
	for i, s := range shards {
		cursors[i] = s.records
	}

	res := merge.KWayMerge(cursors, f.mergeOpts())

	return newShard(res.Records, f.Compare)
}
