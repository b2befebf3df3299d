package merge_test

import (
	"testing"

	"github.com/calvinalkan/dynext/internal/dbuffer"
	"github.com/calvinalkan/dynext/internal/merge"
	"github.com/calvinalkan/dynext/internal/record"
	"github.com/stretchr/testify/require"
)

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

func userRecs[R any](recs []record.Wrapped[R]) []R {
	out := make([]R, len(recs))
	for i, w := range recs {
		out[i] = w.Rec
	}

	return out
}

func Test_KWayMerge_Interleaves_Sorted_Cursors(t *testing.T) {
	t.Parallel()

	cursors := [][]record.Wrapped[int]{
		{record.Live(2, 0), record.Live(4, 1)},
		{record.Live(1, 0), record.Live(3, 0)},
	}

	res := merge.KWayMerge(cursors, merge.Options[int]{Compare: intCmp})

	require.Equal(t, []int{1, 2, 3, 4}, userRecs(res.Records))
	require.Equal(t, 0, res.TombstoneCount)
}

func Test_KWayMerge_Cancels_Live_Against_Deeper_Tombstone(t *testing.T) {
	t.Parallel()

	// cursor 0 (newer) holds the live record, cursor 1 (deeper, older)
	// holds its tombstone: rule 1 must consume both and emit neither.
	cursors := [][]record.Wrapped[int]{
		{record.Live(5, 1)},
		{record.Tombstone(5, 0)},
	}

	res := merge.KWayMerge(cursors, merge.Options[int]{Compare: intCmp})

	require.Empty(t, res.Records)
	require.Equal(t, 0, res.TombstoneCount, "a cancelled tombstone must not be counted")
}

func Test_KWayMerge_Does_Not_Cancel_Tombstone_Before_Live(t *testing.T) {
	t.Parallel()

	// cursor 0 (newer) holds the tombstone, cursor 1 (deeper, older) holds
	// the live record: this is NOT the pattern rule 1 matches (it requires
	// top=live, next=tombstone), so the tombstone is emitted and the live
	// record is left for rule 3 in the next step.
	cursors := [][]record.Wrapped[int]{
		{record.Tombstone(5, 1)},
		{record.Live(5, 0)},
	}

	res := merge.KWayMerge(cursors, merge.Options[int]{Compare: intCmp})

	require.Len(t, res.Records, 2)
	require.True(t, res.Records[0].IsTombstone())
	require.False(t, res.Records[1].IsTombstone())
	require.Equal(t, 1, res.TombstoneCount)
}

func Test_KWayMerge_Skips_Tagged_Deleted_Without_Counting_As_Tombstone(t *testing.T) {
	t.Parallel()

	cursors := [][]record.Wrapped[int]{
		{record.Live(1, 0).WithTaggedDeleted(), record.Live(2, 0)},
	}

	res := merge.KWayMerge(cursors, merge.Options[int]{Compare: intCmp})

	require.Equal(t, []int{2}, userRecs(res.Records))
	require.Equal(t, 0, res.TombstoneCount)
}

func Test_KWayMerge_Idempotent_Against_Empty_Shard(t *testing.T) {
	t.Parallel()

	cursors := [][]record.Wrapped[int]{
		{record.Live(1, 0), record.Live(2, 0)},
		{},
	}

	res := merge.KWayMerge(cursors, merge.Options[int]{Compare: intCmp})

	require.Equal(t, []int{1, 2}, userRecs(res.Records))
}

func Test_SortedFromView_Sorts_And_Cancels_Self_Contained_Tombstone(t *testing.T) {
	t.Parallel()

	buf := dbuffer.New(dbuffer.Options[int]{Capacity: 4, HWM: 4, LWM: 4, Compare: intCmp})
	buf.Append(3, false, 0)
	buf.Append(1, false, 1)
	buf.Append(3, true, 2)

	res := merge.SortedFromView(buf.View(), merge.Options[int]{Compare: intCmp})

	require.Equal(t, []int{1}, userRecs(res.Records), "3 and its own tombstone must cancel, leaving only 1")
}
