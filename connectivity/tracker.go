// Package connectivity implements the connectivity tracker: it maintains
// the bidirectional-connectivity matrix fed by heartbeats and computes the
// current maximum clique.
package connectivity

import (
	"sync"
	"time"

	"mtmcore/config"
	"mtmcore/mtm"
)

// PeerInfo is the gossiped state carried on a heartbeat, forwarded to the
// Generation Manager by whoever owns the bus receive loop.
type PeerInfo struct {
	ConnectedMask mtm.NodeMask
	CurrentGen    mtm.Generation
	Donors        mtm.NodeMask
	LastOnlineIn  uint64
	WALPosition   uint64
}

type peerDir struct{ recv, send bool }

// Tracker owns matrix[1..N] and my_connected_mask under one lock; reads
// and updates are both short-lived, so a single RWMutex is enough.
type Tracker struct {
	mu sync.RWMutex

	me         mtm.NodeID
	matrix     map[mtm.NodeID]mtm.NodeMask
	others     map[mtm.NodeID]uint64 // others_last_online_in
	othersWAL  map[mtm.NodeID]uint64 // others' self-reported WALPosition
	heartbeats map[mtm.NodeID]time.Time
	dirs       map[mtm.NodeID]*peerDir

	// wake is notified (non-blocking) whenever connected_mask or any
	// matrix row changes, so the Campaigner can re-evaluate.
	wake chan struct{}
}

// New creates a Tracker for node me.
func New(me mtm.NodeID) *Tracker {
	return &Tracker{
		me:         me,
		matrix:     map[mtm.NodeID]mtm.NodeMask{me: mtm.Mask(me)},
		others:     map[mtm.NodeID]uint64{},
		othersWAL:  map[mtm.NodeID]uint64{},
		heartbeats: map[mtm.NodeID]time.Time{},
		dirs:       map[mtm.NodeID]*peerDir{},
		wake:       make(chan struct{}, 1),
	}
}

// Wake returns the channel the Campaigner selects on for connectivity
// changes.
func (t *Tracker) Wake() <-chan struct{} { return t.wake }

func (t *Tracker) notify() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Tracker) dirFor(peer mtm.NodeID) *peerDir {
	d, ok := t.dirs[peer]
	if !ok {
		d = &peerDir{}
		t.dirs[peer] = d
	}
	return d
}

func (t *Tracker) recomputeMyMaskLocked() {
	mask := mtm.Mask(t.me)
	for id, d := range t.dirs {
		if d.recv && d.send {
			mask = mask.With(id)
		}
	}
	t.matrix[t.me] = mask
}

// ReceiverConnected marks that this node can currently receive from peer.
func (t *Tracker) ReceiverConnected(peer mtm.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirFor(peer).recv = true
	t.recomputeMyMaskLocked()
	t.notify()
}

// ReceiverDisconnected marks that this node can no longer receive from peer.
func (t *Tracker) ReceiverDisconnected(peer mtm.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirFor(peer).recv = false
	t.recomputeMyMaskLocked()
	t.notify()
}

// SenderConnected marks that this node can currently send to peer.
func (t *Tracker) SenderConnected(peer mtm.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirFor(peer).send = true
	t.recomputeMyMaskLocked()
	t.notify()
}

// SenderDisconnected marks that this node can no longer send to peer.
func (t *Tracker) SenderDisconnected(peer mtm.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirFor(peer).send = false
	t.recomputeMyMaskLocked()
	t.notify()
}

// Heartbeat updates matrix[peer] and others_last_online_in[peer] from a
// received heartbeat. Gen/donors forwarding to the
// Generation Manager is the caller's job (the bus receive loop), kept
// outside this lock.
//
// A peer reporting WALPosition more than config.MaxRecoveryLagBytes
// behind our own last-known position has its slot dropped: we stop
// counting it as a recovery donor candidate (others/othersWAL entries
// removed) on the assumption it has fallen too far behind to realistically
// catch up, the same call a donor makes when it gives up retaining WAL
// for a disabled peer.
func (t *Tracker) Heartbeat(peer mtm.NodeID, info PeerInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.matrix[peer] = info.ConnectedMask

	// lag > 0 means peer is behind our own position, < 0 that it is ahead.
	// Only a peer behind us is ever dropped; a heartbeat counts as recent
	// "caught up" evidence when the gap in either direction is within
	// config.MinRecoveryLagBytes.
	lag := int64(t.othersWAL[t.me]) - int64(info.WALPosition)
	if lag > config.MaxRecoveryLagBytes {
		delete(t.others, peer)
		delete(t.othersWAL, peer)
		delete(t.heartbeats, peer)
		t.notify()
		return
	}

	t.others[peer] = info.LastOnlineIn
	t.othersWAL[peer] = info.WALPosition
	if lag <= config.MinRecoveryLagBytes && -lag <= config.MinRecoveryLagBytes {
		t.heartbeats[peer] = time.Now()
	}
	t.notify()
}

// SelfWALPosition records this node's own WAL position, so Heartbeat can
// judge incoming peers' lag relative to it. The Campaigner calls this
// each time it sends its own heartbeats.
func (t *Tracker) SelfWALPosition(pos uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.othersWAL[t.me] = pos
}

// RecoveryFreshness reports whether donor is both within
// config.MinRecoveryLagBytes of our own WAL position and has reported as
// much recently (within 5x the heartbeat send interval) — the
// freshness gate a non-member requires before proposing itself a member.
func (t *Tracker) RecoveryFreshness(donor mtm.NodeID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	last, ok := t.heartbeats[donor]
	if !ok {
		return false
	}
	return time.Since(last) <= 5*config.HeartbeatSendTimeout
}

// ConnectedMask returns this node's own connected mask.
func (t *Tracker) ConnectedMask() mtm.NodeMask {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.matrix[t.me]
}

// OthersLastOnlineIn returns a snapshot of every peer's last reported
// last_online_in, used by the Campaigner to pick a catchup donor.
func (t *Tracker) OthersLastOnlineIn() map[mtm.NodeID]uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[mtm.NodeID]uint64, len(t.others))
	for k, v := range t.others {
		out[k] = v
	}
	return out
}

// snapshotMatrix copies the matrix under lock, for Clique to work lock-free.
func (t *Tracker) snapshotMatrix() map[mtm.NodeID]mtm.NodeMask {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[mtm.NodeID]mtm.NodeMask, len(t.matrix))
	for k, v := range t.matrix {
		out[k] = v
	}
	return out
}
