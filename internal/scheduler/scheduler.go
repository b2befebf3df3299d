// Package scheduler implements the FIFO priority-queued task executor of
// spec §4.7: reconstruction ("merge") and query jobs are submitted with a
// timestamp and ordered ascending by it, a dedicated dispatcher hands jobs
// to a bounded worker pool, and a second wake-up goroutine nudges the
// dispatcher periodically so it never parks indefinitely on a missed
// signal.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// wakeupInterval is how often the wake-up goroutine broadcasts the
// dispatcher's condvar, per spec §4.7 ("every 10 µs").
const wakeupInterval = 10 * time.Microsecond

// JobType distinguishes reconstruction jobs from query jobs for statistics
// and logging; it has no effect on scheduling order.
type JobType int

const (
	JobMerge JobType = iota
	JobQuery
)

func (t JobType) String() string {
	switch t {
	case JobMerge:
		return "merge"
	case JobQuery:
		return "query"
	default:
		return "unknown"
	}
}

// Job is `{timestamp, size, job_fn, args, type}` from spec §4.7. Run
// closes over whatever the caller needs (epoch, tasks, params); the
// scheduler itself is agnostic to the work being done.
type Job struct {
	Timestamp int64
	Size      int64
	Type      JobType
	Run       func()
}

// jobQueue is a container/heap.Interface min-heap ordered by ascending
// Timestamp, giving FIFO-by-submission-time semantics.
type jobQueue []Job

func (q jobQueue) Len() int            { return len(q) }
func (q jobQueue) Less(i, j int) bool  { return q[i].Timestamp < q[j].Timestamp }
func (q jobQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *jobQueue) Push(x any)         { *q = append(*q, x.(Job)) }
func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]

	return item
}

// Scheduler is the task executor described in spec §4.7. The task queue is
// unbounded (spec §7: "Scheduler overload: the task queue is unbounded; no
// error"); the worker pool is bounded by thread_count via a weighted
// semaphore.
type Scheduler struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    jobQueue
	shutdown bool

	wg  sync.WaitGroup
	sem *semaphore.Weighted

	memoryBudget int64
	memoryUsed   atomic.Int64

	wakeupStop chan struct{}
	wakeupDone chan struct{}
}

// New starts a scheduler with threadCount worker slots. memoryBudget is
// tracked (see MemoryUsage) but not enforced, per spec §4.7. threadCount
// <= 0 is treated as 1 (the serial-scheduler configuration of spec §4.6).
func New(threadCount int, memoryBudget int64) *Scheduler {
	if threadCount <= 0 {
		threadCount = 1
	}

	s := &Scheduler{
		sem:          semaphore.NewWeighted(int64(threadCount)),
		memoryBudget: memoryBudget,
		wakeupStop:   make(chan struct{}),
		wakeupDone:   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	s.wg.Add(1)

	go s.dispatchLoop()
	go s.wakeupLoop()

	return s
}

// Submit pushes a job onto the queue and signals the dispatcher. A no-op
// once Shutdown has been called.
func (s *Scheduler) Submit(job Job) {
	s.mu.Lock()

	if s.shutdown {
		s.mu.Unlock()

		return
	}

	heap.Push(&s.queue, job)
	s.mu.Unlock()

	s.cond.Signal()
}

// QueueDepth returns the number of jobs currently queued (not yet handed
// to a worker).
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.queue.Len()
}

// MemoryUsage returns the aggregate Size of jobs currently executing.
func (s *Scheduler) MemoryUsage() int64 { return s.memoryUsed.Load() }

// MemoryBudget returns the configured budget. It is informational only;
// Submit never rejects a job because of it.
func (s *Scheduler) MemoryBudget() int64 { return s.memoryBudget }

// dispatchLoop waits for a worker slot to free up, then for a job to
// become available, and only then pops the lowest-timestamp job and hands
// it off. Exits once shutdown is requested and the queue has drained.
func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()

	for {
		if err := s.sem.Acquire(context.Background(), 1); err != nil {
			continue
		}

		s.mu.Lock()

		for !s.shutdown && s.queue.Len() == 0 {
			s.cond.Wait()
		}

		if s.shutdown && s.queue.Len() == 0 {
			s.mu.Unlock()
			s.sem.Release(1)

			return
		}

		job := heap.Pop(&s.queue).(Job)
		s.mu.Unlock()

		s.wg.Add(1)

		go s.runJob(job)
	}
}

func (s *Scheduler) runJob(job Job) {
	defer s.wg.Done()
	defer s.sem.Release(1)

	s.memoryUsed.Add(job.Size)
	defer s.memoryUsed.Add(-job.Size)

	job.Run()
}

// wakeupLoop broadcasts the dispatcher's condvar every wakeupInterval, so
// a signal that raced with dispatchLoop entering Wait is never missed
// indefinitely.
func (s *Scheduler) wakeupLoop() {
	ticker := time.NewTicker(wakeupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cond.Broadcast()
		case <-s.wakeupStop:
			close(s.wakeupDone)

			return
		}
	}
}

// Shutdown sets the shutdown flag and blocks until every queued job has
// run and every in-flight worker has returned.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	s.cond.Broadcast()

	close(s.wakeupStop)
	<-s.wakeupDone

	s.wg.Wait()
}
