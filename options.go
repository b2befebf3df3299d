package dynext

import (
	"github.com/calvinalkan/dynext/internal/xstruct"
	"github.com/calvinalkan/dynext/query"
	"github.com/calvinalkan/dynext/shard"
)

// DeletePolicy selects how Erase removes a record (spec §4.6).
type DeletePolicy int

const (
	// Tombstone appends a tombstone wrapped record; the live record is
	// physically removed only when a later reconstruction cancels it
	// against its tombstone.
	Tombstone DeletePolicy = iota
	// Tagging mutates the first matching wrapped record in place. Only
	// legal with the Serial scheduler (spec §4.6).
	Tagging
)

func (p DeletePolicy) String() string {
	switch p {
	case Tombstone:
		return "TOMBSTONE"
	case Tagging:
		return "TAGGING"
	default:
		return "UNKNOWN"
	}
}

// SchedulerFlavor selects the scheduler's concurrency model (spec §4.6).
type SchedulerFlavor int

const (
	// ConcurrentFIFO runs reconstruction/query jobs on a bounded worker
	// pool (internal/scheduler), per spec §4.7.
	ConcurrentFIFO SchedulerFlavor = iota
	// Serial forces one job at a time and is the only flavor TAGGING may
	// be used with.
	Serial
)

func (f SchedulerFlavor) String() string {
	switch f {
	case ConcurrentFIFO:
		return "CONCURRENT_FIFO"
	case Serial:
		return "SERIAL"
	default:
		return "UNKNOWN"
	}
}

// Options configures a DynamicExtension at construction, per spec §4.6.
// Zero value is not usable; start from DefaultOptions, set fields directly
// or apply With* Option functions to it, then pass it to New; see dynextcfg
// for a JSONC overlay of the scalar fields.
type Options[R any, P any, S shard.Shard[R], Q query.Query[R, P, S]] struct {
	BufferHWM     uint64
	BufferLWM     uint64
	BufferCap     uint64 // 0 => 2 * BufferHWM
	ScaleFactor   int
	MaxDeleteProp float64
	MemoryBudget  int64 // 0 => unlimited
	ThreadCount   int
	LayoutPolicy  xstruct.Policy
	DeletePolicy  DeletePolicy
	Scheduler     SchedulerFlavor

	// Compare orders two user records; required.
	Compare func(a, b R) int
	// KeyBytes projects a record into bytes for the tombstone bloom
	// filter. Optional: nil disables the bloom short-circuit.
	KeyBytes func(R) []byte

	// Factory is the shard contract's construction half (spec §6).
	Factory shard.Factory[R, S]
	// Query is the stateless query-trait implementation that
	// DynamicExtension.Query dispatches through.
	Query Q

	Stats *Stats
}

// Option mutates an Options value; returned by the With* constructors
// below.
type Option[R any, P any, S shard.Shard[R], Q query.Query[R, P, S]] func(*Options[R, P, S, Q])

// DefaultOptions returns the zero-value-safe baseline Options: ScaleFactor
// 4, BufferHWM 64, BufferLWM 16, MaxDeleteProp 0.2, LEVELING, TOMBSTONE,
// ConcurrentFIFO, thread count 4. Compare/Factory/Query remain nil/zero
// and must be set.
func DefaultOptions[R any, P any, S shard.Shard[R], Q query.Query[R, P, S]]() Options[R, P, S, Q] {
	return Options[R, P, S, Q]{
		BufferHWM:     64,
		BufferLWM:     16,
		ScaleFactor:   4,
		MaxDeleteProp: 0.2,
		ThreadCount:   4,
		LayoutPolicy:  xstruct.Leveling,
		DeletePolicy:  Tombstone,
		Scheduler:     ConcurrentFIFO,
	}
}

func WithBufferHWM[R any, P any, S shard.Shard[R], Q query.Query[R, P, S]](hwm uint64) Option[R, P, S, Q] {
	return func(o *Options[R, P, S, Q]) { o.BufferHWM = hwm }
}

func WithBufferLWM[R any, P any, S shard.Shard[R], Q query.Query[R, P, S]](lwm uint64) Option[R, P, S, Q] {
	return func(o *Options[R, P, S, Q]) { o.BufferLWM = lwm }
}

func WithBufferCap[R any, P any, S shard.Shard[R], Q query.Query[R, P, S]](cap uint64) Option[R, P, S, Q] {
	return func(o *Options[R, P, S, Q]) { o.BufferCap = cap }
}

func WithScaleFactor[R any, P any, S shard.Shard[R], Q query.Query[R, P, S]](s int) Option[R, P, S, Q] {
	return func(o *Options[R, P, S, Q]) { o.ScaleFactor = s }
}

func WithMaxDeleteProp[R any, P any, S shard.Shard[R], Q query.Query[R, P, S]](tau float64) Option[R, P, S, Q] {
	return func(o *Options[R, P, S, Q]) { o.MaxDeleteProp = tau }
}

func WithMemoryBudget[R any, P any, S shard.Shard[R], Q query.Query[R, P, S]](bytes int64) Option[R, P, S, Q] {
	return func(o *Options[R, P, S, Q]) { o.MemoryBudget = bytes }
}

func WithThreadCount[R any, P any, S shard.Shard[R], Q query.Query[R, P, S]](n int) Option[R, P, S, Q] {
	return func(o *Options[R, P, S, Q]) { o.ThreadCount = n }
}

func WithLayoutPolicy[R any, P any, S shard.Shard[R], Q query.Query[R, P, S]](p xstruct.Policy) Option[R, P, S, Q] {
	return func(o *Options[R, P, S, Q]) { o.LayoutPolicy = p }
}

func WithDeletePolicy[R any, P any, S shard.Shard[R], Q query.Query[R, P, S]](p DeletePolicy) Option[R, P, S, Q] {
	return func(o *Options[R, P, S, Q]) { o.DeletePolicy = p }
}

func WithScheduler[R any, P any, S shard.Shard[R], Q query.Query[R, P, S]](f SchedulerFlavor) Option[R, P, S, Q] {
	return func(o *Options[R, P, S, Q]) { o.Scheduler = f }
}

func WithCompare[R any, P any, S shard.Shard[R], Q query.Query[R, P, S]](cmp func(a, b R) int) Option[R, P, S, Q] {
	return func(o *Options[R, P, S, Q]) { o.Compare = cmp }
}

func WithKeyBytes[R any, P any, S shard.Shard[R], Q query.Query[R, P, S]](kb func(R) []byte) Option[R, P, S, Q] {
	return func(o *Options[R, P, S, Q]) { o.KeyBytes = kb }
}

func WithFactory[R any, P any, S shard.Shard[R], Q query.Query[R, P, S]](f shard.Factory[R, S]) Option[R, P, S, Q] {
	return func(o *Options[R, P, S, Q]) { o.Factory = f }
}

func WithQuery[R any, P any, S shard.Shard[R], Q query.Query[R, P, S]](q Q) Option[R, P, S, Q] {
	return func(o *Options[R, P, S, Q]) { o.Query = q }
}

func WithStats[R any, P any, S shard.Shard[R], Q query.Query[R, P, S]](s *Stats) Option[R, P, S, Q] {
	return func(o *Options[R, P, S, Q]) { o.Stats = s }
}

// validate checks the invariants spec §4.6 names plus the watermark
// ordering spec §3 requires (lwm < hwm <= cap), filling in defaults
// (BufferCap, Stats) along the way.
func (o *Options[R, P, S, Q]) validate() error {
	if o.Compare == nil {
		return ErrMissingCompare
	}

	if o.Factory == nil {
		return ErrMissingFactory
	}

	if o.ScaleFactor < 2 {
		return ErrInvalidScaleFactor
	}

	if o.BufferCap == 0 {
		o.BufferCap = 2 * o.BufferHWM
	}

	if !(o.BufferLWM < o.BufferHWM && o.BufferHWM <= o.BufferCap) {
		return ErrInvalidWatermarks
	}

	if !(o.MaxDeleteProp > 0 && o.MaxDeleteProp < 1) {
		return ErrInvalidMaxDeleteProp
	}

	if o.DeletePolicy == Tagging && o.Scheduler != Serial {
		return ErrTaggingRequiresSerialScheduler
	}

	if o.Stats == nil {
		o.Stats = NewStats()
	}

	if o.Scheduler == Serial {
		o.ThreadCount = 1
	}

	return nil
}
