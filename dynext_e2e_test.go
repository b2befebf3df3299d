package dynext_test

import (
	"encoding/binary"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/dynext"
	"github.com/calvinalkan/dynext/dynexttest/rangequery"
	"github.com/calvinalkan/dynext/dynexttest/sortedslice"
	"github.com/calvinalkan/dynext/internal/xstruct"
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

type ext = dynext.DynamicExtension[int, rangequery.Range[int], *sortedslice.Shard[int], rangequery.Query[int, *sortedslice.Shard[int]]]

func newExt(t *testing.T, configure func(*dynext.Options[int, rangequery.Range[int], *sortedslice.Shard[int], rangequery.Query[int, *sortedslice.Shard[int]]])) *ext {
	t.Helper()

	opts := dynext.DefaultOptions[int, rangequery.Range[int], *sortedslice.Shard[int], rangequery.Query[int, *sortedslice.Shard[int]]]()
	opts.Compare = intCmp
	opts.KeyBytes = intKeyBytes
	opts.Factory = sortedslice.Factory[int]{Compare: intCmp, KeyBytes: intKeyBytes}
	opts.Query = rangequery.Query[int, *sortedslice.Shard[int]]{Compare: intCmp}

	if configure != nil {
		configure(&opts)
	}

	d, err := dynext.New(opts)
	require.NoError(t, err)

	t.Cleanup(d.Drop)

	return d
}

func rangeQuery(t *testing.T, d *ext, low, high int) []int {
	t.Helper()

	return d.Query(rangequery.Range[int]{Low: low, High: high}).Get()
}

// S1 — round-trip insert & query (spec §8).
func Test_S1_RoundTrip_Insert_And_Query(t *testing.T) {
	t.Parallel()

	d := newExt(t, func(o *dynext.Options[int, rangequery.Range[int], *sortedslice.Shard[int], rangequery.Query[int, *sortedslice.Shard[int]]]) {
		o.LayoutPolicy = xstruct.Leveling
		o.BufferHWM = 4
		o.BufferLWM = 1
		o.ScaleFactor = 2
		o.MaxDeleteProp = 0.5
	})

	for _, k := range []int{3, 1, 4, 1, 5, 9, 2, 6, 5, 3, 5} {
		d.Insert(k)
	}

	d.AwaitNextEpoch()

	got := rangeQuery(t, d, 2, 5)
	sort.Ints(got)

	require.Equal(t, []int{2, 3, 3, 4, 5, 5, 5}, got)
}

// S2 — tombstone cancellation (spec §8).
func Test_S2_Tombstone_Cancellation(t *testing.T) {
	t.Parallel()

	d := newExt(t, func(o *dynext.Options[int, rangequery.Range[int], *sortedslice.Shard[int], rangequery.Query[int, *sortedslice.Shard[int]]]) {
		o.LayoutPolicy = xstruct.Tiering
		o.BufferHWM = 2
		o.BufferLWM = 1
		o.ScaleFactor = 2
		o.MaxDeleteProp = 0.5
	})

	for _, k := range []int{1, 2, 3, 4} {
		d.Insert(k)
	}

	d.AwaitNextEpoch()
	require.True(t, d.Erase(2))
	d.AwaitNextEpoch()

	got := rangeQuery(t, d, 1, 4)
	sort.Ints(got)

	require.Equal(t, []int{1, 3, 4}, got)
}

// S3 — tagged delete, serial scheduler only (spec §8).
func Test_S3_Tagged_Delete_Serial_Only(t *testing.T) {
	t.Parallel()

	d := newExt(t, func(o *dynext.Options[int, rangequery.Range[int], *sortedslice.Shard[int], rangequery.Query[int, *sortedslice.Shard[int]]]) {
		o.Scheduler = dynext.Serial
		o.DeletePolicy = dynext.Tagging
		o.BufferHWM = 4
		o.BufferLWM = 1
		o.ScaleFactor = 2
		o.MaxDeleteProp = 0.5
	})

	for k := 1; k <= 10; k++ {
		d.Insert(k)
	}

	require.True(t, d.Erase(5))
	require.Equal(t, 9, d.RecordCount())

	got := rangeQuery(t, d, 1, 10)
	sort.Ints(got)

	require.Equal(t, []int{1, 2, 3, 4, 6, 7, 8, 9, 10}, got)
}

// S3 negative half: TAGGING is rejected outside the Serial scheduler.
func Test_S3_Tagging_Requires_Serial_Scheduler(t *testing.T) {
	t.Parallel()

	opts := dynext.DefaultOptions[int, rangequery.Range[int], *sortedslice.Shard[int], rangequery.Query[int, *sortedslice.Shard[int]]]()
	opts.Compare = intCmp
	opts.Factory = sortedslice.Factory[int]{Compare: intCmp}
	opts.Query = rangequery.Query[int, *sortedslice.Shard[int]]{Compare: intCmp}
	opts.DeletePolicy = dynext.Tagging
	opts.Scheduler = dynext.ConcurrentFIFO

	_, err := dynext.New(opts)
	require.ErrorIs(t, err, dynext.ErrTaggingRequiresSerialScheduler)
}

// S4 — reconstruction does not lose data, at scale (spec §8).
func Test_S4_Reconstruction_Preserves_All_Records_At_Scale(t *testing.T) {
	const n = 10_000

	d := newExt(t, func(o *dynext.Options[int, rangequery.Range[int], *sortedslice.Shard[int], rangequery.Query[int, *sortedslice.Shard[int]]]) {
		o.LayoutPolicy = xstruct.Leveling
		o.BufferHWM = 64
		o.BufferLWM = 16
		o.ScaleFactor = 4
		o.MaxDeleteProp = 0.5
	})

	for k := 0; k < n; k++ {
		d.Insert(k)
	}

	d.AwaitNextEpoch()

	require.GreaterOrEqual(t, d.Height(), 2)
	require.Equal(t, n, d.RecordCount())

	got := rangeQuery(t, d, 0, n-1)
	require.Len(t, got, n)

	sort.Ints(got)

	for k := 0; k < n; k++ {
		require.Equal(t, k, got[k])
	}
}

// S5 — tombstone bound triggers compaction (spec §8).
func Test_S5_Tombstone_Bound_Triggers_Compaction(t *testing.T) {
	const (
		n       = 1000
		erased  = 600
		surplus = n - erased
	)

	d := newExt(t, func(o *dynext.Options[int, rangequery.Range[int], *sortedslice.Shard[int], rangequery.Query[int, *sortedslice.Shard[int]]]) {
		o.LayoutPolicy = xstruct.Tiering
		o.BufferHWM = 32
		o.BufferLWM = 8
		o.ScaleFactor = 4
		o.MaxDeleteProp = 0.3
	})

	for k := 0; k < n; k++ {
		d.Insert(k)
	}

	d.AwaitNextEpoch()

	for k := 0; k < erased; k++ {
		require.True(t, d.Erase(k))
	}

	d.AwaitNextEpoch()

	require.True(t, d.ValidateTombstoneProportion())
	require.Equal(t, surplus, d.RecordCount())
	require.LessOrEqual(t, d.TombstoneCount(), n-surplus)

	got := rangeQuery(t, d, 0, n-1)
	require.Len(t, got, surplus)
}

// S6 — concurrent inserts and queries (spec §8): every query's result is a
// monotonically growing subset of the eventual final set. Disjoint
// per-goroutine key ranges mean no key is ever ambiguous about which
// writer owns it; "monotone subset" is checked against the keys that
// writer has definitely committed by the time a given poll fires, not
// against a full snapshot (queries are inherently racing live inserts).
func Test_S6_Concurrent_Inserts_And_Queries(t *testing.T) {
	const (
		writers  = 8
		perRange = 200
		readers  = 2
	)

	d := newExt(t, func(o *dynext.Options[int, rangequery.Range[int], *sortedslice.Shard[int], rangequery.Query[int, *sortedslice.Shard[int]]]) {
		o.LayoutPolicy = xstruct.Leveling
		o.BufferHWM = 32
		o.BufferLWM = 8
		o.ScaleFactor = 4
		o.MaxDeleteProp = 0.5
	})

	var wg sync.WaitGroup

	stop := make(chan struct{})

	wg.Add(writers)

	for w := 0; w < writers; w++ {
		base := w * perRange

		go func(base int) {
			defer wg.Done()

			for i := 0; i < perRange; i++ {
				d.Insert(base + i)
			}
		}(base)
	}

	// require.* must only be called from the test's own goroutine; reader
	// goroutines instead record the first violation they see and the main
	// goroutine asserts on it after every reader has stopped.
	violations := make(chan string, readers)

	var readersWG sync.WaitGroup

	readersWG.Add(readers)

	for r := 0; r < readers; r++ {
		go func() {
			defer readersWG.Done()

			prev := map[int]bool{}

			for {
				select {
				case <-stop:
					return
				default:
				}

				cur := d.Query(rangequery.Range[int]{Low: 0, High: writers*perRange - 1}).Get()

				curSet := make(map[int]bool, len(cur))
				for _, k := range cur {
					curSet[k] = true
				}

				for k := range prev {
					if !curSet[k] {
						select {
						case violations <- "key observed then disappeared: not monotone":
						default:
						}

						return
					}
				}

				prev = curSet
			}
		}()
	}

	wg.Wait()
	close(stop)
	readersWG.Wait()
	close(violations)

	for v := range violations {
		t.Fatal(v)
	}

	d.AwaitNextEpoch()

	final := rangeQuery(t, d, 0, writers*perRange-1)
	require.Len(t, final, writers*perRange)
}
