package dbuffer

import (
	"sync/atomic"

	"github.com/calvinalkan/dynext/internal/record"
)

// View is an immutable, range-stable snapshot of a buffer's [head, tail)
// window, per spec §3/§4.1. Views are move-only in spirit: copying a *View
// is meaningless (Release must run exactly once), but since Go has no move
// semantics the guard below makes a double Release harmless instead of a
// double-decrement.
type View[R any] struct {
	buf      *Buffer[R]
	head     uint64
	tail     uint64
	released atomic.Bool
}

// Head returns the logical position of the first visible record.
func (v *View[R]) Head() uint64 { return v.head }

// Tail returns the logical position one past the last visible record.
func (v *View[R]) Tail() uint64 { return v.tail }

// Len is the number of wrapped records visible through this view.
func (v *View[R]) Len() int { return int(v.tail - v.head) }

// At returns the i'th wrapped record visible through this view, 0 <= i <
// Len().
func (v *View[R]) At(i int) record.Wrapped[R] {
	return v.buf.slotAt(v.head + uint64(i))
}

// Release drops the reference this view holds on the buffer's head
// generation. Safe to call more than once; only the first call has an
// effect.
func (v *View[R]) Release() {
	if v.released.CompareAndSwap(false, true) {
		v.buf.releaseView(v)
	}
}
