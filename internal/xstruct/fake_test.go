package xstruct

import (
	"sort"

	"github.com/calvinalkan/dynext/internal/dbuffer"
	"github.com/calvinalkan/dynext/internal/record"
)

// fakeShard and fakeFactory are minimal shard.Shard[int]/shard.Factory[int,
// *fakeShard] implementations used only to exercise the planner and
// Structure in isolation.
type fakeShard struct {
	recs []record.Wrapped[int]
}

func intCmp(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (s *fakeShard) RecordCount() int {
	n := 0

	for _, w := range s.recs {
		if !w.IsTombstone() {
			n++
		}
	}

	return n
}

func (s *fakeShard) TombstoneCount() int {
	n := 0

	for _, w := range s.recs {
		if w.IsTombstone() {
			n++
		}
	}

	return n
}

func (s *fakeShard) MemoryUsage() int64    { return int64(len(s.recs) * 8) }
func (s *fakeShard) AuxMemoryUsage() int64 { return 0 }

func (s *fakeShard) PointLookup(rec int, _ bool) (record.Wrapped[int], bool) {
	for _, w := range s.recs {
		if w.Rec == rec {
			return w, true
		}
	}

	var zero record.Wrapped[int]

	return zero, false
}

type fakeFactory struct{}

func (fakeFactory) FromBufferView(view *dbuffer.View[int]) *fakeShard {
	recs := make([]record.Wrapped[int], view.Len())
	for i := range view.Len() {
		recs[i] = view.At(i)
	}

	sort.Slice(recs, func(i, j int) bool { return record.Compare(intCmp, recs[i], recs[j]) < 0 })

	return &fakeShard{recs: recs}
}

func (fakeFactory) FromShards(shards []*fakeShard) *fakeShard {
	var merged []record.Wrapped[int]

	for _, s := range shards {
		merged = append(merged, s.recs...)
	}

	sort.Slice(merged, func(i, j int) bool { return record.Compare(intCmp, merged[i], merged[j]) < 0 })

	return &fakeShard{recs: merged}
}

func newFakeShardN(n int) *fakeShard {
	recs := make([]record.Wrapped[int], n)
	for i := range n {
		recs[i] = record.Live(i, uint32(i))
	}

	return &fakeShard{recs: recs}
}

func newStructure(policy Policy, scaleFactor, bufferHWM int, maxTombstoneProp float64) *Structure[int, *fakeShard] {
	cfg := Config{Policy: policy, ScaleFactor: scaleFactor, BufferHWM: bufferHWM, MaxTombstoneProp: maxTombstoneProp}

	return New[int, *fakeShard](cfg, fakeFactory{}, intCmp)
}
