// Package participant implements the transaction participant (component
// G): it applies prepares replicated from another node's coordinator,
// answers precommit/commit/abort orders and status polls, and holds the
// acceptor-side state (promised/accepted ballot) the resolver drives
// during orphan recovery.
package participant

import (
	"sync"

	"mtmcore/bus"
	"mtmcore/config"
	"mtmcore/generation"
	"mtmcore/mtm"
	"mtmcore/wal"
)

// record is one transaction branch held on this node as a participant.
type record struct {
	mu            sync.Mutex
	status        mtm.TxnStatus
	coordinator   mtm.NodeID
	promised      mtm.Ballot
	accepted      mtm.Ballot
	acceptedValue mtm.TxnStatus
}

// Manager owns every transaction branch this node is participating in.
type Manager struct {
	me        mtm.NodeID
	mgr       *generation.Manager
	log       *wal.Log
	transport *bus.Transport
	engine    EngineHooks

	mu   sync.Mutex
	txns map[mtm.GID]*record
}

// New constructs a Manager for node me.
func New(me mtm.NodeID, mgr *generation.Manager, log *wal.Log, transport *bus.Transport, engine EngineHooks) *Manager {
	return &Manager{
		me:        me,
		mgr:       mgr,
		log:       log,
		transport: transport,
		engine:    engine,
		txns:      map[mtm.GID]*record{},
	}
}

func (m *Manager) ack(to mtm.NodeID, gid mtm.GID, kind bus.TxRequestKind, ok bool, status mtm.TxnStatus) {
	if err := m.transport.Send(to, bus.MsgTxAck, bus.TxAck{GID: gid, Kind: kind, OK: ok, Status: status}); err != nil {
		config.Warn(false, "participant: ack %s to %d: %v", gid, to, err)
	}
}

// handlePrepare is the normal-path entry point standing in for "a PREPARE
// record arrives on the replication stream": under the preparer side of
// the barrier, it checks the record's generation is still current and
// this node's status-in-gen allows it, then asks the engine to apply and
// locally prepare.
func (m *Manager) handlePrepare(from mtm.NodeID, req bus.TxRequest) {
	m.mgr.Barrier.AcquirePreparer()
	defer m.mgr.Barrier.ReleasePreparer()

	gen, _, _, _, _ := m.mgr.Snapshot()
	statusInGen := m.mgr.StatusInGen()
	if gen.Num != req.GenNum || statusInGen == mtm.StatusDead {
		m.refuse(from, req.GID)
		return
	}
	if err := m.engine.Prepare(req.GID); err != nil {
		m.refuse(from, req.GID)
		return
	}

	m.mu.Lock()
	rec, exists := m.txns[req.GID]
	if !exists {
		rec = &record{acceptedValue: mtm.UnknownStatus}
		m.txns[req.GID] = rec
	}
	m.mu.Unlock()

	rec.mu.Lock()
	rec.status = mtm.Prepared
	rec.coordinator = from
	rec.mu.Unlock()
	m.ack(from, req.GID, bus.TxPrepare, true, mtm.Prepared)
}

// refuse logs the Abort record marking this branch's refusal and replies
// ABORTED to the coordinator.
func (m *Manager) refuse(from mtm.NodeID, gid mtm.GID) {
	if _, err := m.log.Append(wal.NewAbort(gid, from, 0)); err != nil {
		config.Warn(false, "participant: log abort for %s: %v", gid, err)
	}
	m.ack(from, gid, bus.TxPrepare, false, mtm.Aborted)
}

func (m *Manager) handlePrecommit(from mtm.NodeID, req bus.TxRequest) {
	m.mu.Lock()
	rec, ok := m.txns[req.GID]
	m.mu.Unlock()
	if !ok {
		m.ack(from, req.GID, bus.TxPrecommit, false, mtm.UnknownStatus)
		return
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.status == mtm.PreCommitted {
		m.ack(from, req.GID, bus.TxPrecommit, true, mtm.PreCommitted)
		return
	}
	if rec.status != mtm.Prepared {
		m.ack(from, req.GID, bus.TxPrecommit, false, rec.status)
		return
	}
	if err := m.engine.PreCommit(req.GID); err != nil {
		m.ack(from, req.GID, bus.TxPrecommit, false, mtm.Aborted)
		return
	}
	rec.status = mtm.PreCommitted
	m.ack(from, req.GID, bus.TxPrecommit, true, mtm.PreCommitted)
}

// handleFinish carries out a COMMIT/ABORT logical message arriving from
// the coordinator on the normal path.
func (m *Manager) handleFinish(req bus.TxRequest) {
	m.Finalize(req.GID, req.Kind == bus.TxCommit)
}

// Finalize carries out a commit/abort decision for gid, whether it came
// from the coordinator's normal-path logical message or the resolver's
// Paxos round. Idempotent: a gid with no local branch (already finished,
// a redelivery, or never seen by this node at all) is silently ignored.
func (m *Manager) Finalize(gid mtm.GID, commit bool) {
	m.mu.Lock()
	_, ok := m.txns[gid]
	if ok {
		delete(m.txns, gid)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := m.engine.Finish(gid, commit); err != nil {
		config.Warn(false, "participant: finish %s commit=%v: %v", gid, commit, err)
	}
}

// handleStatusPoll answers a resolver's (or operator's) inquiry about
// gid's locally held status and promised/accepted ballots.
func (m *Manager) handleStatusPoll(from mtm.NodeID, req bus.TxRequest) {
	m.mu.Lock()
	rec, ok := m.txns[req.GID]
	m.mu.Unlock()
	if !ok {
		_ = m.transport.Send(from, bus.MsgTxStatusResponse, bus.TxStatusResponse{GID: req.GID, Status: mtm.UnknownStatus})
		return
	}
	rec.mu.Lock()
	resp := bus.TxStatusResponse{GID: req.GID, Status: rec.status, Proposal: rec.promised, Accepted: rec.accepted}
	rec.mu.Unlock()
	_ = m.transport.Send(from, bus.MsgTxStatusResponse, resp)
}

// Promise implements the resolver's phase-1 acceptor step: if proposal is
// strictly newer than anything already promised for gid, promises it and
// returns the highest value accepted so far (if any). A gid this node has
// never heard of is still a valid Paxos acceptor for it — a fresh record
// with status UnknownStatus is vivified so the round can proceed; the
// proposer falls back to a conservative default value when nobody has
// accepted anything.
func (m *Manager) Promise(gid mtm.GID, proposal mtm.Ballot) (ok bool, accepted mtm.Ballot, acceptedValue mtm.TxnStatus, localStatus mtm.TxnStatus) {
	m.mu.Lock()
	rec, exists := m.txns[gid]
	if !exists {
		rec = &record{status: mtm.UnknownStatus, acceptedValue: mtm.UnknownStatus}
		m.txns[gid] = rec
	}
	m.mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.promised.Less(proposal) {
		return false, rec.accepted, rec.acceptedValue, rec.status
	}
	rec.promised = proposal
	return true, rec.accepted, rec.acceptedValue, rec.status
}

// Accept implements the resolver's phase-2 acceptor step: accepts value
// under proposal if proposal is not older than the promised ballot.
func (m *Manager) Accept(gid mtm.GID, proposal mtm.Ballot, value mtm.TxnStatus) bool {
	m.mu.Lock()
	rec, exists := m.txns[gid]
	m.mu.Unlock()
	if !exists {
		return false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if proposal.Less(rec.promised) {
		return false
	}
	rec.promised = proposal
	rec.accepted = proposal
	rec.acceptedValue = value
	return true
}

// handleLastTermRequest answers a resolver's Paxos 1a round for one gid.
func (m *Manager) handleLastTermRequest(from mtm.NodeID, req bus.LastTermRequest) {
	ok, accepted, acceptedValue, localStatus := m.Promise(req.GID, req.Term)
	resp := bus.LastTermResponse{GID: req.GID, OK: ok, AcceptedTerm: accepted, AcceptedValue: acceptedValue, LocalStatus: localStatus}
	_ = m.transport.Send(from, bus.MsgLastTermResponse, resp)
}

// handleTwoARequest answers a resolver's Paxos 2a round for one gid.
func (m *Manager) handleTwoARequest(from mtm.NodeID, req bus.TwoARequest) {
	ok := m.Accept(req.GID, req.Term, req.Value)
	m.mu.Lock()
	rec := m.txns[req.GID]
	m.mu.Unlock()
	status := mtm.UnknownStatus
	if rec != nil {
		rec.mu.Lock()
		status = rec.status
		rec.mu.Unlock()
	}
	_ = m.transport.Send(from, bus.MsgTwoAResponse, bus.TwoAResponse{GID: req.GID, OK: ok, Status: status, Accepted: req.Term})
}

// Orphans returns every locally held gid whose coordinator is not in
// members, for the resolver to begin single-decree Paxos on after a
// generation switch excludes a node.
func (m *Manager) Orphans(members mtm.NodeMask) []mtm.GID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mtm.GID
	for gid, rec := range m.txns {
		rec.mu.Lock()
		orphan := !members.Has(rec.coordinator)
		rec.mu.Unlock()
		if orphan {
			out = append(out, gid)
		}
	}
	return out
}

// AbortOrphans finds every branch whose coordinator sits outside members
// and finalizes it as abort directly, skipping the resolver's Paxos
// round entirely. Used on a referee-granted minority generation switch
// (config.AbortOnMinorityGen): the excluded coordinator can never be
// reached to prove a PreCommitted branch safe to commit, so recovering
// via Paxos would just block until the resolver's own conservative
// default (abort on no accepted value) kicked in anyway. Returns the
// gids it aborted, for logging.
func (m *Manager) AbortOrphans(members mtm.NodeMask) []mtm.GID {
	orphans := m.Orphans(members)
	for _, gid := range orphans {
		m.Finalize(gid, false)
	}
	return orphans
}
