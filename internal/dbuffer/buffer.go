// Package dbuffer implements the mutable insert buffer (spec §3/§4.1): a
// ring-structured staging area with watermarks that accepts concurrent
// appends and exposes range-stable snapshots ("buffer views") to readers.
package dbuffer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/calvinalkan/dynext/internal/rbloom"
	"github.com/calvinalkan/dynext/internal/record"
)

// Sentinel errors. Capacity exhaustion during Append is not an error (spec
// §7: recovered locally by the caller); these are the "invariant violation"
// class — fatal, indicating a framework bug.
var (
	ErrAdvanceHeadOutOfRange  = errors.New("dbuffer: new head out of range")
	ErrOldHeadStillReferenced = errors.New("dbuffer: old head still referenced")
)

// Buffer is the ring described in spec §3/§4.1. Zero value is not usable;
// construct with New.
type Buffer[R any] struct {
	cap uint64
	lwm uint64
	hwm uint64

	slots []record.Wrapped[R]

	head    atomic.Uint64
	tail    atomic.Uint64
	oldHead atomic.Uint64

	// headMu serializes View/Release/AdvanceHead so the three-step refcount
	// handoff (see AdvanceHead) can't race with a concurrently created
	// view. Append never takes headMu: it only touches tail and a disjoint
	// slot, so it stays on the wait-free fast path spec §4.1 requires.
	headMu        sync.Mutex
	headRefcnt    int64
	oldHeadRefcnt int64

	tombstoneCount atomic.Int64

	bloom    *rbloom.Filter
	keyBytes func(R) []byte
	cmp      func(a, b R) int
}

// Options configures a new Buffer.
type Options[R any] struct {
	Capacity uint64
	LWM      uint64
	HWM      uint64
	Compare  func(a, b R) int
	// KeyBytes projects a record into bytes for the tombstone bloom
	// filter. May be nil, in which case the buffer skips the bloom
	// short-circuit and always falls through to the linear scan.
	KeyBytes func(R) []byte
}

// New allocates a fresh, empty buffer.
func New[R any](opts Options[R]) *Buffer[R] {
	b := &Buffer[R]{
		cap:      opts.Capacity,
		lwm:      opts.LWM,
		hwm:      opts.HWM,
		slots:    make([]record.Wrapped[R], opts.Capacity),
		cmp:      opts.Compare,
		keyBytes: opts.KeyBytes,
	}

	if opts.KeyBytes != nil {
		b.bloom = rbloom.New(uint32(opts.HWM), rbloom.DefaultFalsePositiveRate)
	}

	return b
}

// Capacity returns the buffer's fixed slot count.
func (b *Buffer[R]) Capacity() uint64 { return b.cap }

// HWM returns the high watermark.
func (b *Buffer[R]) HWM() uint64 { return b.hwm }

// LWM returns the low watermark.
func (b *Buffer[R]) LWM() uint64 { return b.lwm }

// Head returns the current logical head (oldest visible position).
func (b *Buffer[R]) Head() uint64 { return b.head.Load() }

// Tail returns the current logical tail (one past the newest record).
func (b *Buffer[R]) Tail() uint64 { return b.tail.Load() }

// RecordCount is the number of live (non-tombstone) records currently
// staged in the buffer.
func (b *Buffer[R]) RecordCount() int64 {
	total := int64(b.tail.Load() - b.head.Load())

	return total - b.tombstoneCount.Load()
}

// TombstoneCount is the number of tombstones currently staged.
func (b *Buffer[R]) TombstoneCount() int64 { return b.tombstoneCount.Load() }

// IsFull reports whether the buffer has reached its high watermark, per
// spec §3: "buffer is full iff (t − h) ≥ hwm".
func (b *Buffer[R]) IsFull() bool {
	return b.tail.Load()-b.head.Load() >= b.hwm
}

// IsPastLWM reports whether the buffer has reached its low watermark,
// which triggers opportunistic (not mandatory) compaction per the
// glossary's definition of "Watermarks".
func (b *Buffer[R]) IsPastLWM() bool {
	return b.tail.Load()-b.head.Load() >= b.lwm
}

// Append reserves the next slot via CAS on tail and writes the wrapped
// record into it. It is wait-free on the non-contended path: a single CAS,
// retried only if another appender wins the race, per spec §4.1.
//
// Returns false (not an error) if the buffer is full; spec §4.1: "append
// failure is silent (returns 0); caller loops after installing a new
// buffer."
func (b *Buffer[R]) Append(rec R, tombstone bool, timestamp uint32) bool {
	for {
		tail := b.tail.Load()
		head := b.head.Load()

		if tail-head >= b.hwm {
			return false
		}

		if b.tail.CompareAndSwap(tail, tail+1) {
			b.slots[tail%b.cap] = record.Wrap(rec, record.NewHeader(tombstone, false, true, timestamp))

			if tombstone {
				b.tombstoneCount.Add(1)

				if b.bloom != nil && b.keyBytes != nil {
					b.bloom.Add(b.keyBytes(rec))
				}
			}

			return true
		}
	}
}

// slotAt reads the wrapped record at logical position pos (must be in
// [oldHead, tail) of some view that is still alive).
func (b *Buffer[R]) slotAt(pos uint64) record.Wrapped[R] {
	return b.slots[pos%b.cap]
}

// View captures the current [head, tail) window and bumps the refcount
// that keeps those slots alive, per spec §4.1 get_buffer_view.
func (b *Buffer[R]) View() *View[R] {
	b.headMu.Lock()
	defer b.headMu.Unlock()

	b.headRefcnt++
	head := b.head.Load()
	tail := b.tail.Load()

	return &View[R]{buf: b, head: head, tail: tail}
}

// CheckTombstone scans [head, tail) for a tombstone matching rec, using
// the bloom filter to short-circuit when the record was definitely never
// deleted in this buffer generation.
func (b *Buffer[R]) CheckTombstone(rec R) bool {
	if b.bloom != nil && b.keyBytes != nil && !b.bloom.MayContain(b.keyBytes(rec)) {
		return false
	}

	head := b.head.Load()
	tail := b.tail.Load()

	for i := head; i < tail; i++ {
		w := b.slotAt(i)
		if w.IsTombstone() && b.cmp(w.Rec, rec) == 0 {
			return true
		}
	}

	return false
}

// TaggedDelete mutates the first matching, not-yet-deleted wrapped record
// in place, setting its tagged-delete bit. Only legal under the TAGGING
// delete policy, which the façade restricts to the serial scheduler so
// this in-place write can't race a concurrent reader of the same slot.
func (b *Buffer[R]) TaggedDelete(rec R) bool {
	head := b.head.Load()
	tail := b.tail.Load()

	for i := head; i < tail; i++ {
		slot := i % b.cap

		w := b.slots[slot]
		if !w.IsTaggedDeleted() && b.cmp(w.Rec, rec) == 0 {
			b.slots[slot] = w.WithTaggedDeleted()

			return true
		}
	}

	return false
}

// AdvanceHead is called exactly once by the reconstruction that consumed
// records up to newHead. It implements the three-step handoff spec §9
// ("Old-head refcount race") requires verbatim:
//
//  1. store 0 into the live head refcount, capturing its previous value;
//  2. move head → old_head (old_head takes the previous head value, head
//     becomes newHead);
//  3. add the captured previous head refcount into old_head_refcount.
//
// headMu serializes this against View/Release so no concurrent view can
// land in between steps and be attributed to the wrong generation — spec
// only requires the ordering above to be observable, and a writer lock is
// the idiomatic Go way to make it observable without a lock-free retry
// dance.
func (b *Buffer[R]) AdvanceHead(newHead uint64) error {
	b.headMu.Lock()
	defer b.headMu.Unlock()

	head := b.head.Load()
	tail := b.tail.Load()

	if !(head < newHead && newHead <= tail) {
		return fmt.Errorf("%w: head=%d new_head=%d tail=%d", ErrAdvanceHeadOutOfRange, head, newHead, tail)
	}

	if b.oldHeadRefcnt != 0 {
		return fmt.Errorf("%w: old_head_refcnt=%d", ErrOldHeadStillReferenced, b.oldHeadRefcnt)
	}

	prevHeadRefcnt := b.headRefcnt
	b.headRefcnt = 0

	b.oldHead.Store(head)
	b.head.Store(newHead)

	b.oldHeadRefcnt += prevHeadRefcnt

	return nil
}

// releaseView decrements the refcount a view was born under. If the view
// was taken under a now-retired head generation and this was the last
// reference to it, old_head is advanced to head, freeing the slots for
// reuse.
func (b *Buffer[R]) releaseView(v *View[R]) {
	b.headMu.Lock()
	defer b.headMu.Unlock()

	if v.head < b.head.Load() {
		b.oldHeadRefcnt--

		if b.oldHeadRefcnt == 0 {
			b.oldHead.Store(b.head.Load())
		}

		return
	}

	b.headRefcnt--
}
