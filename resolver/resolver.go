// Package resolver implements orphan transaction recovery (component H):
// once a generation switch excludes a node, every branch that node was
// coordinating is orphaned on its surviving participants. The resolver
// runs one round of single-decree Paxos per orphan — ballot
// (counter, proposer_node_id), compared lexicographically — to pick a
// final commit/abort decision the whole cluster agrees on, then tells
// every participant to finalize it.
package resolver

import (
	"sync"
	"sync/atomic"
	"time"

	"mtmcore/bus"
	"mtmcore/config"
	"mtmcore/generation"
	"mtmcore/mtm"
	"mtmcore/txn/participant"
)

// Resolver scans node me's own orphaned branches and resolves them.
type Resolver struct {
	me          mtm.NodeID
	mgr         *generation.Manager
	participant *participant.Manager
	transport   *bus.Transport

	counter atomic.Uint64

	stopCh chan struct{}
	wg     sync.WaitGroup

	roundMu sync.Mutex
	current *round
}

// round is the resolver's bookkeeping for one in-flight Paxos phase. Only
// one is ever in flight at a time: the resolver works through its orphan
// list one gid, one phase, at a time, the same simplification the
// campaigner makes for vote tours.
type round struct {
	gid   mtm.GID
	term  mtm.Ballot
	phase int // 1 = prepare/promise, 2 = accept

	mu       sync.Mutex
	promises map[mtm.NodeID]bus.LastTermResponse
	accepts  map[mtm.NodeID]bus.TwoAResponse
	done     chan struct{}
	closed   bool
}

func newRound(gid mtm.GID, term mtm.Ballot, phase int) *round {
	return &round{
		gid:      gid,
		term:     term,
		phase:    phase,
		promises: map[mtm.NodeID]bus.LastTermResponse{},
		accepts:  map[mtm.NodeID]bus.TwoAResponse{},
		done:     make(chan struct{}),
	}
}

func (r *round) close() {
	if !r.closed {
		r.closed = true
		close(r.done)
	}
}

// New constructs a Resolver for node me.
func New(me mtm.NodeID, mgr *generation.Manager, p *participant.Manager, transport *bus.Transport) *Resolver {
	return &Resolver{
		me:          me,
		mgr:         mgr,
		participant: p,
		transport:   transport,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the background scan loop.
func (r *Resolver) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop signals the loop to exit and waits for it.
func (r *Resolver) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Resolver) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(config.ResolverPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.scan()
		}
	}
}

func (r *Resolver) scan() {
	gen, _, _, _, _ := r.mgr.Snapshot()
	for _, gid := range r.participant.Orphans(gen.Members) {
		r.resolve(gid)
	}
}

// resolve runs one full Paxos round for gid: phase 1 picks up any value
// a previous (possibly crashed) resolver already got accepted somewhere,
// phase 2 re-proposes it (or a conservative default) under a fresh
// ballot, and finalize tells every participant the outcome. A round that
// fails to reach quorum in either phase is abandoned; the next scan tick
// retries with a strictly higher ballot.
func (r *Resolver) resolve(gid mtm.GID) {
	members := r.mgr.Members()
	term := mtm.Ballot{Counter: r.counter.Add(1), Proposer: r.me}

	value, ok := r.phase1(gid, term, members)
	if !ok {
		return
	}
	if !r.phase2(gid, term, value, members) {
		return
	}
	r.finalize(gid, value)
}

func (r *Resolver) phase1(gid mtm.GID, term mtm.Ballot, members mtm.NodeMask) (mtm.TxnStatus, bool) {
	rnd := newRound(gid, term, 1)
	r.roundMu.Lock()
	r.current = rnd
	r.roundMu.Unlock()
	defer func() {
		r.roundMu.Lock()
		r.current = nil
		r.roundMu.Unlock()
	}()

	selfOK, selfAccepted, selfValue, selfStatus := r.participant.Promise(gid, term)
	if selfOK {
		rnd.mu.Lock()
		rnd.promises[r.me] = bus.LastTermResponse{GID: gid, OK: true, AcceptedTerm: selfAccepted, AcceptedValue: selfValue, LocalStatus: selfStatus}
		rnd.mu.Unlock()
	}

	r.transport.Broadcast(members.Without(r.me), bus.MsgLastTermRequest, bus.LastTermRequest{GID: gid, Term: term})

	r.waitRound(rnd)

	rnd.mu.Lock()
	defer rnd.mu.Unlock()
	promised := mtm.NodeMask(0)
	var bestTerm mtm.Ballot
	bestValue := mtm.UnknownStatus
	for node, resp := range rnd.promises {
		if !resp.OK {
			continue
		}
		promised = promised.With(node)
		if !resp.AcceptedTerm.Zero() && bestTerm.Less(resp.AcceptedTerm) {
			bestTerm = resp.AcceptedTerm
			bestValue = resp.AcceptedValue
		}
	}
	if !mtm.Majority(promised, members) {
		return mtm.UnknownStatus, false
	}
	if bestValue == mtm.UnknownStatus {
		// Nobody had already accepted a value: recover to abort, the safe
		// default absent evidence the transaction ever reached precommit.
		bestValue = mtm.Aborted
	}
	return bestValue, true
}

func (r *Resolver) phase2(gid mtm.GID, term mtm.Ballot, value mtm.TxnStatus, members mtm.NodeMask) bool {
	rnd := newRound(gid, term, 2)
	r.roundMu.Lock()
	r.current = rnd
	r.roundMu.Unlock()
	defer func() {
		r.roundMu.Lock()
		r.current = nil
		r.roundMu.Unlock()
	}()

	if r.participant.Accept(gid, term, value) {
		rnd.mu.Lock()
		rnd.accepts[r.me] = bus.TwoAResponse{GID: gid, OK: true, Status: value, Accepted: term}
		rnd.mu.Unlock()
	}

	r.transport.Broadcast(members.Without(r.me), bus.MsgTwoARequest, bus.TwoARequest{GID: gid, Term: term, Value: value})

	r.waitRound(rnd)

	rnd.mu.Lock()
	defer rnd.mu.Unlock()
	accepted := mtm.NodeMask(0)
	for node, resp := range rnd.accepts {
		if resp.OK {
			accepted = accepted.With(node)
		}
	}
	return mtm.Majority(accepted, members)
}

func (r *Resolver) waitRound(rnd *round) {
	timer := time.NewTimer(config.ResolverRoundTimeout)
	defer timer.Stop()
	select {
	case <-rnd.done:
	case <-timer.C:
	}
}

// finalize applies the decided value locally and tells every other
// current-generation member to do the same. reachesCommit treats
// PreCommitted the same as Committed: a surviving participant reporting
// PreCommitted proves every voter had already said yes, so committing is
// always safe even though this node never saw the coordinator's own
// decide message.
func (r *Resolver) finalize(gid mtm.GID, value mtm.TxnStatus) {
	commit := reachesCommit(value)
	r.participant.Finalize(gid, commit)

	kind := bus.TxAbort
	if commit {
		kind = bus.TxCommit
	}
	members := r.mgr.Members()
	r.transport.Broadcast(members.Without(r.me), bus.MsgTxRequest, bus.TxRequest{GID: gid, Kind: kind})
}

func reachesCommit(value mtm.TxnStatus) bool {
	return value == mtm.Committed || value == mtm.PreCommitted
}
