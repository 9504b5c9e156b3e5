// Package coordinator implements the transaction coordinator (component
// F): the 3PC state machine run by the node that originates a
// transaction. PrePrepare assigns a gid and a fixed participant set;
// PostPrepare and PreCommit each wait for a quorum of the participants to
// ack over the bus before advancing; Decide issues the local engine's
// COMMIT PREPARED/ROLLBACK PREPARED and tells participants to finish.
package coordinator

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mtmcore/bus"
	"mtmcore/config"
	"mtmcore/generation"
	"mtmcore/mtm"
)

// Coordinator runs transactions originated on node me.
type Coordinator struct {
	me        mtm.NodeID
	pid       int
	mgr       *generation.Manager
	transport *bus.Transport
	engine    EngineHooks

	counter atomic.Uint64

	txMu sync.Mutex
	txns map[mtm.GID]*txnState
}

// txnState is the coordinator's bookkeeping for one in-flight
// transaction, discarded once Submit returns.
type txnState struct {
	gid             mtm.GID
	genNumAtPrepare uint64
	participants    mtm.NodeMask
	started         time.Time

	mu           sync.Mutex
	voted        mtm.NodeMask
	abort        bool
	expectedKind bus.TxRequestKind
	done         chan struct{}
	closed       bool
}

func newTxnState(gid mtm.GID, genNumAtPrepare uint64, participants mtm.NodeMask) *txnState {
	return &txnState{
		gid:             gid,
		genNumAtPrepare: genNumAtPrepare,
		participants:    participants,
		started:         time.Now(),
		expectedKind:    bus.TxPrepare,
		done:            make(chan struct{}),
	}
}

// beginPhase resets the per-phase accumulator ahead of a new wait,
// called by Submit between PostPrepare and PreCommit. Submit is the only
// caller, always after the previous phase's done channel has already
// fired, so there is no concurrent writer to race with the swap.
func (tx *txnState) beginPhase(kind bus.TxRequestKind) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.voted = 0
	tx.abort = false
	tx.expectedKind = kind
	tx.done = make(chan struct{})
	tx.closed = false
}

func (tx *txnState) closeLocked() {
	if !tx.closed {
		tx.closed = true
		close(tx.done)
	}
}

// New constructs a Coordinator for node me. pid is this backend's local
// process/session id, folded into every gid this coordinator mints.
func New(me mtm.NodeID, pid int, mgr *generation.Manager, transport *bus.Transport, engine EngineHooks) *Coordinator {
	return &Coordinator{
		me:        me,
		pid:       pid,
		mgr:       mgr,
		transport: transport,
		engine:    engine,
		txns:      map[mtm.GID]*txnState{},
	}
}

// Submit runs one transaction through PrePrepare/PostPrepare/PreCommit/
// Decide, returning nil on commit or the reason it aborted.
func (c *Coordinator) Submit() error {
	genNum, participants, gid, err := c.prePrepare()
	if err != nil {
		return err
	}

	tx := newTxnState(gid, genNum, participants)
	c.txMu.Lock()
	c.txns[gid] = tx
	c.txMu.Unlock()
	defer c.forget(gid)

	commit := false
	defer func() {
		// Release the barrier before the engine does its (possibly slow)
		// COMMIT PREPARED/ROLLBACK PREPARED I/O, so a waiting gen switcher
		// isn't held up by it.
		c.mgr.Barrier.ReleasePreparer()
		if ferr := c.engine.FinishPrepared(gid, commit); ferr != nil {
			config.Warn(false, "coordinator: finish prepared %s commit=%v: %v", gid, commit, ferr)
		}
	}()

	if err := c.waitQuorum(tx); err != nil {
		c.broadcastFinish(tx, false)
		return err
	}

	tx.beginPhase(bus.TxPrecommit)
	c.transport.Broadcast(participants, bus.MsgTxRequest, bus.TxRequest{GID: gid, Kind: bus.TxPrecommit})
	if err := c.waitQuorum(tx); err != nil {
		c.broadcastFinish(tx, false)
		return err
	}

	commit = true
	c.broadcastFinish(tx, true)
	return nil
}

func (c *Coordinator) forget(gid mtm.GID) {
	c.txMu.Lock()
	delete(c.txns, gid)
	c.txMu.Unlock()
}

// prePrepare acquires the preparer side of the barrier (held until Submit's
// final defer), refuses if the node isn't ONLINE, mints a gid, fixes the
// participant set from the current generation, issues the local engine
// PREPARE, and delivers the prepare to every participant over the bus —
// standing in for the replication stream, since this module doesn't
// implement physical WAL streaming itself.
func (c *Coordinator) prePrepare() (genNum uint64, participants mtm.NodeMask, gid mtm.GID, err error) {
	c.mgr.Barrier.AcquirePreparer()

	if c.mgr.StatusInGen() != mtm.StatusOnline {
		c.mgr.Barrier.ReleasePreparer()
		return 0, 0, "", mtm.ErrNodeNotOnline
	}

	gen, _, _, _, _ := c.mgr.Snapshot()
	participants = gen.Members.Without(c.me)
	gid = mtm.NewGID(c.me, c.pid, c.counter.Add(1))

	if perr := c.engine.PrepareLocal(gid); perr != nil {
		c.mgr.Barrier.ReleasePreparer()
		return 0, 0, "", fmt.Errorf("coordinator: local prepare: %w", perr)
	}

	c.transport.Broadcast(participants, bus.MsgTxRequest, bus.TxRequest{
		GID: gid, Kind: bus.TxPrepare, Participants: gen.Members, GenNum: gen.Num,
	})
	return gen.Num, participants, gid, nil
}

// waitQuorum blocks until tx's current phase accumulates a quorum of acks,
// a participant refuses, the phase deadline passes, or a gen switch
// invalidates the fixed participant set.
func (c *Coordinator) waitQuorum(tx *txnState) error {
	timer := time.NewTimer(c.phaseTimeout(tx.started))
	defer timer.Stop()
	select {
	case <-tx.done:
	case <-timer.C:
		return mtm.ErrPrepareTimeout
	}

	tx.mu.Lock()
	aborted := tx.abort
	tx.mu.Unlock()
	if aborted {
		return mtm.ErrRemoteAbort
	}
	if !c.genStillValid(tx) {
		return mtm.ErrGenerationChanged
	}
	return nil
}

// phaseTimeout implements max(min_2pc_timeout, prepare_wall_time * ratio%),
// approximating prepare_wall_time as elapsed time since this transaction's
// PrePrepare, since this module has no separate accounting of the
// backend's pre-prepare execution time.
func (c *Coordinator) phaseTimeout(started time.Time) time.Duration {
	scaled := time.Since(started) * time.Duration(config.Max2PCRatio) / 100
	if scaled < config.Min2PCTimeout {
		return config.Min2PCTimeout
	}
	return scaled
}

// genStillValid reports whether the current generation still matches the
// one this transaction's fixed participant set was computed against.
func (c *Coordinator) genStillValid(tx *txnState) bool {
	gen, _, _, _, _ := c.mgr.Snapshot()
	return gen.Num == tx.genNumAtPrepare && gen.Members == tx.participants.With(c.me)
}

func (c *Coordinator) broadcastFinish(tx *txnState, commit bool) {
	kind := bus.TxAbort
	if commit {
		kind = bus.TxCommit
	}
	c.transport.Broadcast(tx.participants, bus.MsgTxRequest, bus.TxRequest{GID: tx.gid, Kind: kind})
}

// handleTxAck applies an incoming participant ack to the matching
// in-flight transaction's current phase, ignoring acks for a phase this
// transaction has already moved past.
func (c *Coordinator) handleTxAck(from mtm.NodeID, ack bus.TxAck) {
	c.txMu.Lock()
	tx := c.txns[ack.GID]
	c.txMu.Unlock()
	if tx == nil {
		return
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed || ack.Kind != tx.expectedKind {
		return
	}
	if !ack.OK {
		tx.abort = true
		tx.closeLocked()
		return
	}
	tx.voted = tx.voted.With(from)
	required := tx.participants.Intersect(c.currentMembers())
	if required.Subset(tx.voted) {
		tx.closeLocked()
	}
}

func (c *Coordinator) currentMembers() mtm.NodeMask {
	gen, _, _, _, _ := c.mgr.Snapshot()
	return gen.Members
}
