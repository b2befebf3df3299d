package dynextcfg_test

import (
	"github.com/calvinalkan/dynext/internal/dbuffer"
	"github.com/calvinalkan/dynext/internal/record"
)

// stubShard/stubQuery exist only to instantiate dynext.Options' type
// parameters for Test_Apply_*; nothing in this package exercises their
// behavior.
type stubShard struct{}

func (stubShard) RecordCount() int      { return 0 }
func (stubShard) TombstoneCount() int   { return 0 }
func (stubShard) MemoryUsage() int64    { return 0 }
func (stubShard) AuxMemoryUsage() int64 { return 0 }

func (stubShard) PointLookup(fakeRecord, bool) (record.Wrapped[fakeRecord], bool) {
	return record.Wrapped[fakeRecord]{}, false
}

type stubQuery struct{}

func (stubQuery) EarlyAbort() bool       { return false }
func (stubQuery) SkipDeleteFilter() bool { return false }

func (stubQuery) LocalPreproc(stubShard, int) any                       { return nil }
func (stubQuery) BufferPreproc(*dbuffer.View[fakeRecord], int) any       { return nil }
func (stubQuery) ProcessQueryStates(int, []any)                         {}
func (stubQuery) RunShard(stubShard, any, int) []record.Wrapped[fakeRecord]  { return nil }
func (stubQuery) RunBuffer(*dbuffer.View[fakeRecord], any, int) []record.Wrapped[fakeRecord] {
	return nil
}

func (stubQuery) Merge(partials [][]record.Wrapped[fakeRecord], params int) []fakeRecord {
	return nil
}
