package mtm

// Generation is an immutable record identifying a period of cluster life
// during which Members may commit transactions. Num is monotonic
// cluster-wide; two distinct generations can never share a Num, enforced
// by the voting rule in the campaign package.
type Generation struct {
	Num        uint64
	Members    NodeMask
	Configured NodeMask
}

// Zero is the generation a node has before it ever switches into one; no
// node can be ONLINE in it.
var Zero = Generation{}

// Equal reports whether g and other identify the same generation.
func (g Generation) Equal(other Generation) bool {
	return g.Num == other.Num && g.Members == other.Members && g.Configured == other.Configured
}

// Valid reports whether g is well-formed: members is a subset of configured.
func (g Generation) Valid() bool {
	return g.Members.Subset(g.Configured)
}

// HasQuorum reports whether Members form a majority of Configured, absent
// the referee escape hatch which callers must check separately.
func (g Generation) HasQuorum() bool {
	return Majority(g.Members, g.Configured)
}

// PersistentState is the crash-safe record the persist package reads and writes.
type PersistentState struct {
	CurrentGen   Generation
	Donors       NodeMask
	LastOnlineIn uint64
	LastVote     Generation
}

// StatusInGen is the derived (never stored) per-generation status.
type StatusInGen int

const (
	// StatusDead means this generation will never admit the node.
	StatusDead StatusInGen = iota
	StatusRecovery
	StatusOnline
)

func (s StatusInGen) String() string {
	switch s {
	case StatusOnline:
		return "ONLINE"
	case StatusRecovery:
		return "RECOVERY"
	default:
		return "DEAD"
	}
}

// UserStatus is the status surfaced to operators and clients.
type UserStatus int

const (
	UserDisabled UserStatus = iota
	UserCatchup
	UserRecovery
	UserIsolated
	UserOnline
)

func (s UserStatus) String() string {
	switch s {
	case UserOnline:
		return "ONLINE"
	case UserIsolated:
		return "ISOLATED"
	case UserRecovery:
		return "RECOVERY"
	case UserCatchup:
		return "CATCHUP"
	default:
		return "DISABLED"
	}
}

// DeriveStatusInGen computes status-in-gen from persistent state alone
// (me is this node's id).
func DeriveStatusInGen(me NodeID, st PersistentState) StatusInGen {
	if st.CurrentGen.Num != 0 && st.LastOnlineIn == st.CurrentGen.Num {
		return StatusOnline
	}
	if st.CurrentGen.Members.Has(me) && st.CurrentGen.HasQuorum() && st.LastVote.Num == st.CurrentGen.Num {
		return StatusRecovery
	}
	return StatusDead
}

// DeriveUserStatus combines status-in-gen with clique coverage and whether
// a recovery stream is currently pulling from a donor: ISOLATED
// when status-in-gen is ONLINE but the clique does not cover
// current_gen.members; a DEAD node with an active recovery stream reads as
// CATCHUP rather than DISABLED.
func DeriveUserStatus(statusInGen StatusInGen, clique NodeMask, currentGenMembers NodeMask, recovering bool) UserStatus {
	switch statusInGen {
	case StatusOnline:
		if currentGenMembers.Subset(clique) {
			return UserOnline
		}
		return UserIsolated
	case StatusRecovery:
		return UserRecovery
	default:
		if recovering {
			return UserCatchup
		}
		return UserDisabled
	}
}
