// Package query defines the contract a concrete query implementation must
// satisfy to run against a dynamic extension (spec §6, "Query contract
// (consumed)"). Range queries, point queries, kNN, weighted sampling, and
// every other concrete query are external collaborators; this package only
// names the interface the core dispatches through.
package query

import (
	"github.com/calvinalkan/dynext/internal/dbuffer"
	"github.com/calvinalkan/dynext/internal/record"
	"github.com/calvinalkan/dynext/shard"
)

// Query is the contract described in spec §6. Per-shard/per-buffer local
// preprocessing state is typed as `any` rather than a fourth type
// parameter: spec's "Void* query state" design note asks for a typed
// associated LocalQuery, but Go methods can't introduce new type
// parameters beyond the receiver's, so the local state travels as `any`
// and each concrete Query implementation recovers its own concrete type
// with a type assertion — the same shape a generic visitor callback takes
// throughout the standard library (e.g. sort.Interface's comparisons).
type Query[R any, P any, S shard.Shard[R]] interface {
	// EarlyAbort reports whether the query may stop fanning out as soon as
	// one partial result is non-empty (spec §4.6 step 4).
	EarlyAbort() bool
	// SkipDeleteFilter reports whether the façade's delete filter (spec
	// §4.6) should be skipped for this query's results.
	SkipDeleteFilter() bool

	// LocalPreproc builds shard-local state from params, run once per
	// shard fanned out to.
	LocalPreproc(s S, params P) any
	// BufferPreproc builds buffer-local state from params, run once per
	// buffer fanned out to.
	BufferPreproc(view *dbuffer.View[R], params P) any
	// ProcessQueryStates is the user hook for global preprocessing across
	// every local state gathered so far, run once before shard/buffer
	// execution begins.
	ProcessQueryStates(params P, locals []any)

	// RunShard executes the query against one shard using its local
	// state.
	RunShard(s S, local any, params P) []record.Wrapped[R]
	// RunBuffer executes the query against one buffer view using its
	// local state.
	RunBuffer(view *dbuffer.View[R], local any, params P) []record.Wrapped[R]

	// Merge combines every partial result (one per shard/buffer fanned
	// out to, in the order they were produced) into the final, ordered
	// user-visible result.
	Merge(partials [][]record.Wrapped[R], params P) []R
}
