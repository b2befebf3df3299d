package dbuffer_test

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/calvinalkan/dynext/internal/dbuffer"
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

func intKeyBytes(v int) []byte {
	var buf [8]byte

	binary.BigEndian.PutUint64(buf[:], uint64(v)) //nolint:gosec // test fixture, values are small and non-negative.

	return buf[:]
}

func newBuffer(t *testing.T, capacity, hwm uint64) *dbuffer.Buffer[int] {
	t.Helper()

	return dbuffer.New(dbuffer.Options[int]{
		Capacity: capacity,
		LWM:      hwm / 2,
		HWM:      hwm,
		Compare:  intCmp,
		KeyBytes: intKeyBytes,
	})
}

func Test_Append_Succeeds_Until_HWM_Then_Reports_Full(t *testing.T) {
	t.Parallel()

	b := newBuffer(t, 8, 4)

	for i := range 4 {
		require.True(t, b.Append(i, false, uint32(i)))
	}

	require.True(t, b.IsFull())
	require.False(t, b.Append(99, false, 4), "append past hwm must fail silently, not panic")
}

func Test_View_Sees_Exactly_The_Appended_Window(t *testing.T) {
	t.Parallel()

	b := newBuffer(t, 8, 8)

	for i := range 5 {
		require.True(t, b.Append(i*10, false, uint32(i)))
	}

	v := b.View()
	defer v.Release()

	require.Equal(t, 5, v.Len())

	for i := range 5 {
		require.Equal(t, i*10, v.At(i).Rec)
	}
}

func Test_CheckTombstone_Finds_Appended_Tombstone(t *testing.T) {
	t.Parallel()

	b := newBuffer(t, 8, 8)

	require.True(t, b.Append(7, false, 0))
	require.False(t, b.CheckTombstone(7))

	require.True(t, b.Append(7, true, 1))
	require.True(t, b.CheckTombstone(7))
	require.False(t, b.CheckTombstone(8))
}

func Test_TaggedDelete_Marks_First_Matching_Live_Record(t *testing.T) {
	t.Parallel()

	b := newBuffer(t, 8, 8)

	require.True(t, b.Append(3, false, 0))
	require.True(t, b.Append(3, false, 1))

	require.True(t, b.TaggedDelete(3))

	v := b.View()
	defer v.Release()

	require.True(t, v.At(0).IsTaggedDeleted())
	require.False(t, v.At(1).IsTaggedDeleted())

	require.False(t, b.TaggedDelete(404), "tagged delete of a missing record reports false")
}

func Test_AdvanceHead_Rejects_OutOfRange_NewHead(t *testing.T) {
	t.Parallel()

	b := newBuffer(t, 8, 8)

	require.True(t, b.Append(1, false, 0))

	require.Error(t, b.AdvanceHead(0), "new_head must be strictly greater than head")
	require.Error(t, b.AdvanceHead(5), "new_head must not exceed tail")
	require.NoError(t, b.AdvanceHead(1))
	require.Equal(t, uint64(1), b.Head())
}

func Test_AdvanceHead_Rejects_When_OldHead_Still_Referenced(t *testing.T) {
	t.Parallel()

	b := newBuffer(t, 8, 8)

	for i := range 4 {
		require.True(t, b.Append(i, false, uint32(i)))
	}

	v := b.View() // references the head=0 generation

	require.NoError(t, b.AdvanceHead(2)) // head=0 generation now old_head, refcnt=1 via v

	err := b.AdvanceHead(3)
	require.ErrorIs(t, err, dbuffer.ErrOldHeadStillReferenced)

	v.Release() // drops old_head_refcnt to 0

	require.NoError(t, b.AdvanceHead(3))
}

func Test_Release_View_Frees_OldHead_When_Refcount_Drops_To_Zero(t *testing.T) {
	t.Parallel()

	b := newBuffer(t, 8, 8)

	for i := range 4 {
		require.True(t, b.Append(i, false, uint32(i)))
	}

	v := b.View() // references head=0 generation

	require.NoError(t, b.AdvanceHead(2))

	v.Release()

	// A fresh AdvanceHead must now succeed since the old generation has no
	// outstanding references.
	require.NoError(t, b.AdvanceHead(4))
}

func Test_Concurrent_Appends_Never_Lose_Or_Duplicate_A_Slot(t *testing.T) {
	t.Parallel()

	const (
		workers = 8
		perWork = 200
	)

	b := newBuffer(t, workers*perWork, workers*perWork)

	var wg sync.WaitGroup

	wg.Add(workers)

	for w := range workers {
		go func(w int) {
			defer wg.Done()

			for i := range perWork {
				require.True(t, b.Append(w*perWork+i, false, 0))
			}
		}(w)
	}

	wg.Wait()

	require.EqualValues(t, workers*perWork, b.Tail())

	seen := make(map[int]bool, workers*perWork)

	v := b.View()
	defer v.Release()

	for i := range v.Len() {
		rec := v.At(i).Rec
		require.False(t, seen[rec], "record %d observed twice", rec)
		seen[rec] = true
	}

	require.Len(t, seen, workers*perWork)
}
