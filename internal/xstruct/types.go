package xstruct

// Policy selects the layout policy of an extension structure (spec §3).
type Policy int

const (
	// Leveling: each level holds at most one shard; capacity grows
	// geometrically by the scale factor.
	Leveling Policy = iota
	// Tiering: each level holds up to the scale factor shards of growing
	// capacity.
	Tiering
	// BSM (bulk-sorted merge): each level holds at most one shard;
	// reconstruction can consolidate across many levels at once.
	BSM
)

// String implements fmt.Stringer for readable test failures and logs.
func (p Policy) String() string {
	switch p {
	case Leveling:
		return "LEVELING"
	case Tiering:
		return "TIERING"
	case BSM:
		return "BSM"
	default:
		return "UNKNOWN"
	}
}

// levelState is the scratch state vector the planner simulates against
// without mutating real levels, per spec §4.3: "{reccnt, reccap, shardcnt,
// shardcap} per level... The planner operates on copies of this state
// vector to simulate reconstructions."
type levelState struct {
	recCnt   int
	recCap   int
	shardCnt int
	shardCap int
}

// Task is a planned reconstruction: merge the shards held by SourceLevels
// into Target. RecCnt is the planner's estimate of the resulting record
// count, used only to keep the scratch state vector consistent across
// chained tasks — executors recompute the real count from the merged
// shard.
//
// SourceLevels holds exactly one level for LEVELING and TIERING tasks.
// BSM tasks may list several source levels: "gather all source levels
// listed in the task, construct one shard from their concatenation" (spec
// §4.3).
type Task struct {
	SourceLevels []int
	Target       int
	RecCnt       int
}

// canReconstructWith implements the policy-specific reconstruction rule
// (spec §4.3, "can_reconstruct_with"):
//
//	LEVELING: state[i].reccnt + incoming <= state[i].reccap
//	TIERING:  state[i].shardcnt < state[i].shardcap
//	BSM:      state[i].reccnt == 0
func canReconstructWith(policy Policy, st levelState, incoming int) bool {
	switch policy {
	case Leveling:
		return st.recCnt+incoming <= st.recCap
	case Tiering:
		return st.shardCnt < st.shardCap
	case BSM:
		return st.recCnt == 0
	default:
		return false
	}
}
