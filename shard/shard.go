// Package shard defines the contract a concrete shard implementation must
// satisfy to plug into the dynamic extension core (spec §6, "Shard
// contract (consumed)"). The core never implements a shard itself — B-tree,
// ISAM, learned-index, VP-tree, trie, or any other concrete layout is an
// external collaborator's job; this package only names the interface the
// core calls through.
package shard

import (
	"github.com/calvinalkan/dynext/internal/dbuffer"
	"github.com/calvinalkan/dynext/internal/record"
)

// Shard is the minimal contract every shard implementation must satisfy:
// record/tombstone accounting, memory accounting, and point lookup.
type Shard[R any] interface {
	// RecordCount returns the number of live records held by the shard.
	RecordCount() int
	// TombstoneCount returns the number of tombstones held by the shard.
	TombstoneCount() int
	// MemoryUsage returns the shard's primary storage footprint in bytes.
	MemoryUsage() int64
	// AuxMemoryUsage returns the footprint of auxiliary structures (e.g.
	// an internal index) not counted by MemoryUsage, in bytes.
	AuxMemoryUsage() int64
	// PointLookup returns the wrapped record matching rec, if any.
	// isFilter indicates the lookup is being used to test for a dominating
	// tombstone (the delete filter of spec §4.6) rather than to retrieve a
	// user-visible record; shards that maintain a secondary
	// tombstone-only index may use it to pick the faster path.
	PointLookup(rec R, isFilter bool) (record.Wrapped[R], bool)
}

// Sorted is the contract for a shard that additionally preserves total
// order over its records and exposes LowerBound/UpperBound/RecordAt (spec
// §6). The core's planner and sorted-merge helper never call these; a query
// may type-assert for Sorted to scan a shard by key bounds, as
// dynexttest/rangequery does.
type Sorted[R any] interface {
	Shard[R]

	// LowerBound returns the index of the first record >= key.
	LowerBound(key R) int
	// UpperBound returns the index of the first record > key.
	UpperBound(key R) int
	// RecordAt returns the wrapped record at index i, 0 <= i < Len().
	RecordAt(i int) record.Wrapped[R]
	// Len returns the number of wrapped records physically stored,
	// including tombstones (Len() >= RecordCount()).
	Len() int
}

// TaggedDeletable is an optional capability a shard implementation may
// support for the TAGGING delete policy's in-place mutation (spec §4.2:
// "tagged delete (mutates first matching wrapped record in-place)").
// Shards that never run under TAGGING need not implement it.
type TaggedDeletable[R any] interface {
	// TagDelete flips the tagged-delete bit on the first not-yet-deleted
	// wrapped record matching rec, returning true if one was found.
	TagDelete(rec R) bool
}

// Factory is the "trait with no self" spec §9's design notes call for:
// shard construction is a pair of free functions/static methods in the
// original source ("constructible from (i) a single buffer view (ii) a
// vector of shards of the same type"), which map to a stateless interface
// implemented by a zero-value policy type rather than methods on S itself
// (S has no constructors in Go).
type Factory[R any, S Shard[R]] interface {
	// FromBufferView builds a new shard S from every record currently
	// visible through view.
	FromBufferView(view *dbuffer.View[R]) S
	// FromShards builds a new shard S that is the sorted union of shards,
	// applying tombstone cancellation exactly as the sorted-merge helper
	// does for a buffer flush.
	FromShards(shards []S) S
}
