package bus

import "mtmcore/mtm"

// MsgType tags the payload carried by an Envelope so a receiver can
// demux it to the right handler without inspecting the payload itself.
type MsgType string

const (
	MsgHeartbeat        MsgType = "Heartbeat"
	MsgVoteRequest      MsgType = "VoteRequest"
	MsgVoteResponse     MsgType = "VoteResponse"
	MsgTxRequest        MsgType = "TxRequest"
	MsgTxAck            MsgType = "TxAck"
	MsgTxStatusResponse MsgType = "TxStatusResponse"
	MsgTwoARequest      MsgType = "TwoARequest"
	MsgTwoAResponse     MsgType = "TwoAResponse"
	MsgLastTermRequest  MsgType = "LastTermRequest"
	MsgLastTermResponse MsgType = "LastTermResponse"
	MsgLockGraph        MsgType = "LockGraph"
)

// Envelope is the one wire frame every bus message rides in: a type tag
// plus the sender, so a handler can demux without unmarshalling the body
// twice.
type Envelope struct {
	Type MsgType
	From mtm.NodeID
	Body []byte
}

// Heartbeat carries the sender's connectivity and generation view.
// WALPosition is the sender's own replication log position, the bytes
// stand-in used to judge recovery lag (config.MinRecoveryLagBytes,
// config.MaxRecoveryLagBytes).
type Heartbeat struct {
	ConnectedMask mtm.NodeMask
	CurrentGen    mtm.Generation
	Donors        mtm.NodeMask
	LastOnlineIn  uint64
	WALPosition   uint64
}

// VoteRequest proposes a candidate generation.
type VoteRequest struct {
	Gen mtm.Generation
}

// VoteResponse answers a VoteRequest. LastOnlineIn is meaningful only
// when Ok; LastVoteNum is meaningful only when !Ok and the rejection was
// on staleness grounds (zero means "rejected, not stale").
type VoteResponse struct {
	GenNum       uint64
	Ok           bool
	LastOnlineIn uint64
	LastVoteNum  uint64
}

// TxRequestKind enumerates the control messages a coordinator/resolver
// can send a participant about one transaction. TxPrepare/TxPrecommit
// stand in for the replication stream delivering a PREPARE/PRECOMMIT
// record on the normal path (this module has no physical WAL streaming
// of its own); TxCommit/TxAbort stand in for the COMMIT/ABORT logical
// message, sent either by the coordinator on the normal path or by the
// resolver once it has decided an orphan's fate. The resolver's own
// Paxos round rides on LastTermRequest/TwoARequest instead of TxRequest.
type TxRequestKind int

const (
	TxStatus TxRequestKind = iota
	TxPrepare
	TxAbort
	TxCommit
	TxPrecommit
)

// TxRequest asks a participant about, or orders a transition on, gid.
// Participants/GenNum are set by the coordinator on TxPrepare so the
// participant can size its own bookkeeping; Term is the resolver's
// ballot term when resolution is in progress, zero otherwise.
type TxRequest struct {
	GID          mtm.GID
	Kind         TxRequestKind
	Term         mtm.Ballot
	Participants mtm.NodeMask
	GenNum       uint64
}

// TxAck is a participant's reply to a coordinator's TxRequest on the
// normal (non-resolver) path: did the requested transition succeed, and
// what local status resulted.
type TxAck struct {
	GID    mtm.GID
	Kind   TxRequestKind
	OK     bool
	Status mtm.TxnStatus
}

// TxStatusResponse answers a TxRequest{Kind: TxStatus}.
type TxStatusResponse struct {
	GID      mtm.GID
	Status   mtm.TxnStatus
	Proposal mtm.Ballot
	Accepted mtm.Ballot
}

// TwoARequest is the resolver's Paxos 2a order: accept Value under Term
// for GID.
type TwoARequest struct {
	GID   mtm.GID
	Term  mtm.Ballot
	Value mtm.TxnStatus
}

// TwoAResponse is a resolver-round Paxos 2a acknowledgement.
type TwoAResponse struct {
	GID      mtm.GID
	OK       bool
	Status   mtm.TxnStatus
	Accepted mtm.Ballot
}

// LastTermRequest is the resolver's Paxos 1a round for one gid: promise
// not to accept anything older than Term.
type LastTermRequest struct {
	GID  mtm.GID
	Term mtm.Ballot
}

// LastTermResponse is the Paxos 1b reply: OK reports whether Term was
// promised (false if a newer ballot was already promised or accepted);
// AcceptedTerm/AcceptedValue are the highest-numbered accept this
// acceptor already holds for GID, zero-value if none; LocalStatus is
// the acceptor's own view of the branch (e.g. Aborted if it already
// refused the prepare on the normal path), used as the resolver's
// fallback value when no acceptor reports an accepted value.
type LastTermResponse struct {
	GID           mtm.GID
	OK            bool
	AcceptedTerm  mtm.Ballot
	AcceptedValue mtm.TxnStatus
	LocalStatus   mtm.TxnStatus
}

// LockVertex names one waiter/holder in a wait-for graph: a transaction
// id local to the node that is running it.
type LockVertex struct {
	Node mtm.NodeID
	XID  uint64
}

// LockEdge records that Waiter is blocked waiting for a lock Holder
// already holds.
type LockEdge struct {
	Waiter LockVertex
	Holder LockVertex
}

// LockGraph is one node's periodic push of its local wait-for subgraph,
// broadcast so every other node can merge it into a cluster-wide view
// and check for cycles that only span multiple nodes.
type LockGraph struct {
	Edges []LockEdge
}
