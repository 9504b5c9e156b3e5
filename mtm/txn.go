package mtm

import (
	"fmt"
)

// TxnStatus is the lifecycle of a distributed transaction.
type TxnStatus int

const (
	InProgress TxnStatus = iota
	Prepared
	PreCommitted
	PreAborted
	Committed
	Aborted
	UnknownStatus
)

func (s TxnStatus) String() string {
	switch s {
	case InProgress:
		return "InProgress"
	case Prepared:
		return "Prepared"
	case PreCommitted:
		return "PreCommitted"
	case PreAborted:
		return "PreAborted"
	case Committed:
		return "Committed"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Ballot is a Paxos ballot term: (counter, proposer_node_id), compared
// lexicographically, counter first.
type Ballot struct {
	Counter  uint64
	Proposer NodeID
}

// Less reports whether b sorts before other.
func (b Ballot) Less(other Ballot) bool {
	if b.Counter != other.Counter {
		return b.Counter < other.Counter
	}
	return b.Proposer < other.Proposer
}

// Zero reports whether b is the zero ballot (never proposed).
func (b Ballot) Zero() bool {
	return b.Counter == 0 && b.Proposer == 0
}

func (b Ballot) String() string {
	return fmt.Sprintf("(%d,%d)", b.Counter, b.Proposer)
}

// GID is a cluster-unique distributed transaction id of the form
// "MTM-<coordinator_node_id>-<coordinator_pid>-<local_counter>", ASCII,
// <=200 bytes.
type GID string

// NewGID formats a gid in the node's canonical layout.
func NewGID(coordinator NodeID, pid int, counter uint64) GID {
	g := GID(fmt.Sprintf("MTM-%d-%d-%d", coordinator, pid, counter))
	if len(g) > 200 {
		panic("gid exceeds 200 bytes")
	}
	return g
}

// DTX is a distributed transaction's state, shared shape for both the
// coordinator's and the participant's/resolver's view; each owner only
// mutates the fields it owns.
type DTX struct {
	GID              GID
	Coordinator      NodeID
	CoordinatorLocal uint64
	Participants     NodeMask
	GenNumAtPrepare  uint64
	Status           TxnStatus
	Proposal         Ballot
	Accepted         Ballot
	AcceptedValue    TxnStatus // PreCommitted or PreAborted, once any ballot has accepted a value
}
