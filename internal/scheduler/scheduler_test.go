package scheduler_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/calvinalkan/dynext/internal/scheduler"
	"github.com/stretchr/testify/require"
)

func Test_Submit_Runs_Every_Job(t *testing.T) {
	t.Parallel()

	s := scheduler.New(4, 0)
	defer s.Shutdown()

	const n = 50

	var wg sync.WaitGroup

	var ran atomic.Int32

	wg.Add(n)

	for i := range n {
		s.Submit(scheduler.Job{
			Timestamp: int64(i),
			Type:      scheduler.JobQuery,
			Run: func() {
				defer wg.Done()
				ran.Add(1)
			},
		})
	}

	waitOrTimeout(t, &wg, time.Second)
	require.EqualValues(t, n, ran.Load())
}

func Test_Scheduler_Bounds_Concurrent_Workers(t *testing.T) {
	t.Parallel()

	const limit = 2

	s := scheduler.New(limit, 0)
	defer s.Shutdown()

	var (
		mu      sync.Mutex
		current int
		peak    int
	)

	var wg sync.WaitGroup

	const n = 20

	wg.Add(n)

	for i := range n {
		s.Submit(scheduler.Job{
			Timestamp: int64(i),
			Type:      scheduler.JobMerge,
			Run: func() {
				defer wg.Done()

				mu.Lock()
				current++
				if current > peak {
					peak = current
				}
				mu.Unlock()

				time.Sleep(2 * time.Millisecond)

				mu.Lock()
				current--
				mu.Unlock()
			},
		})
	}

	waitOrTimeout(t, &wg, 2*time.Second)
	require.LessOrEqual(t, peak, limit)
}

func Test_Shutdown_Drains_Already_Queued_Jobs(t *testing.T) {
	t.Parallel()

	s := scheduler.New(1, 0)

	var ran atomic.Int32

	const n = 10

	for i := range n {
		s.Submit(scheduler.Job{
			Timestamp: int64(i),
			Run:       func() { ran.Add(1) },
		})
	}

	s.Shutdown()
	require.EqualValues(t, n, ran.Load())
}

func Test_Submit_After_Shutdown_Is_Noop(t *testing.T) {
	t.Parallel()

	s := scheduler.New(1, 0)
	s.Shutdown()

	var ran atomic.Bool

	s.Submit(scheduler.Job{Run: func() { ran.Store(true) }})

	time.Sleep(20 * time.Millisecond)
	require.False(t, ran.Load())
	require.Equal(t, 0, s.QueueDepth())
}

func Test_MemoryUsage_Tracks_InFlight_Job_Size(t *testing.T) {
	t.Parallel()

	s := scheduler.New(1, 1024)
	defer s.Shutdown()

	require.EqualValues(t, 1024, s.MemoryBudget())
	require.EqualValues(t, 0, s.MemoryUsage())

	inFlight := make(chan struct{})
	release := make(chan struct{})

	s.Submit(scheduler.Job{
		Size: 256,
		Run: func() {
			close(inFlight)
			<-release
		},
	})

	select {
	case <-inFlight:
	case <-time.After(time.Second):
		t.Fatal("job never started")
	}

	require.EqualValues(t, 256, s.MemoryUsage())
	close(release)

	require.Eventually(t, func() bool { return s.MemoryUsage() == 0 }, time.Second, time.Millisecond)
}

func Test_Jobs_Execute_In_Ascending_Timestamp_Order(t *testing.T) {
	t.Parallel()

	// A single worker slot makes execution order deterministic: the
	// dispatcher can only ever hand off one job at a time, so submitting
	// a batch before the worker drains it exercises the heap's ordering.
	s := scheduler.New(1, 0)
	defer s.Shutdown()

	start := make(chan struct{})

	var order []int

	var mu sync.Mutex

	var wg sync.WaitGroup

	timestamps := []int64{5, 1, 3, 2, 4}
	wg.Add(len(timestamps))

	// Hold the single worker slot until every job is queued, so the
	// dispatcher is forced to pick from the full heap rather than
	// racing submissions one at a time. The brief sleep gives the
	// dispatcher time to pop this placeholder and park back in
	// cond.Wait before the batch below is submitted.
	s.Submit(scheduler.Job{Timestamp: -1, Run: func() { <-start }})
	time.Sleep(20 * time.Millisecond)

	for _, ts := range timestamps {
		ts := ts

		s.Submit(scheduler.Job{
			Timestamp: ts,
			Run: func() {
				defer wg.Done()

				mu.Lock()
				order = append(order, int(ts))
				mu.Unlock()
			},
		})
	}

	close(start)
	waitOrTimeout(t, &wg, time.Second)

	require.Equal(t, []int{1, 2, 3, 4, 5}, order)
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()

	done := make(chan struct{})

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for jobs to finish")
	}
}
