// Package generation implements the generation manager: it owns the only
// write path to persistent state, performs generation switches and
// status-in-gen calculation, and enforces the prepare barrier.
package generation

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"mtmcore/mtm"
	"mtmcore/persist"
	"mtmcore/wal"
	"mtmcore/config"
)

// Manager owns current_gen, donors, last_online_in, last_vote and the
// prepare barrier for one node. gen_lock and vote_lock are separate
// reader-writer locks, always acquired gen_lock before vote_lock; Barrier
// is the custom two-counter primitive shared with applying workers.
type Manager struct {
	me    mtm.NodeID
	store *persist.Store
	log   *wal.Log

	Barrier *Barrier

	genMu         sync.RWMutex
	current       mtm.Generation
	donors        mtm.NodeMask
	lastOnlineIn  uint64
	mode          ReceiveMode
	recoveryDonor mtm.NodeID

	voteMu         sync.RWMutex
	lastVote       mtm.Generation
	tourInProgress bool

	// currentGenNumFast is kept in sync with current.Num under genMu and
	// read atomically elsewhere, giving callers the lock-free fast path
	// CurrentGenNum needs: a lock-free atomic read.
	currentGenNumFast atomic.Uint64

	// wakeCampaigner is notified whenever a gen switch classifies this
	// node DEAD and forces DISABLED — the Campaigner selects on it.
	wakeCampaigner chan struct{}
}

// New constructs a Manager for node me, backed by store for persistence
// and log for the ParallelSafe record emitted on a donor gen switch.
func New(me mtm.NodeID, store *persist.Store, log *wal.Log) *Manager {
	return &Manager{
		me:             me,
		store:          store,
		log:            log,
		Barrier:        NewBarrier(),
		wakeCampaigner: make(chan struct{}, 1),
	}
}

// WakeCampaigner returns the channel the Campaigner selects on.
func (m *Manager) WakeCampaigner() <-chan struct{} { return m.wakeCampaigner }

func (m *Manager) notifyCampaigner() {
	select {
	case m.wakeCampaigner <- struct{}{}:
	default:
	}
}

// Bootstrap loads persistent state (if any) and initializes in-memory
// fields from it. Callers must do this once before serving any traffic.
func (m *Manager) Bootstrap() error {
	st, err := m.store.Load()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	m.genMu.Lock()
	m.current = st.CurrentGen
	m.donors = st.Donors
	m.lastOnlineIn = st.LastOnlineIn
	m.currentGenNumFast.Store(st.CurrentGen.Num)
	m.genMu.Unlock()

	m.voteMu.Lock()
	m.lastVote = st.LastVote
	m.voteMu.Unlock()
	return nil
}

// CurrentGenNum is the lock-free fast path for the hot prepare-time check.
func (m *Manager) CurrentGenNum() uint64 {
	return m.currentGenNumFast.Load()
}

// snapshotLocked must be called with genMu held (read or write).
func (m *Manager) snapshotLocked() snapshot {
	return snapshot{
		current:       m.current,
		donors:        m.donors,
		lastOnlineIn:  m.lastOnlineIn,
		mode:          m.mode,
		recoveryDonor: m.recoveryDonor,
	}
}

// Snapshot returns a consistent read of the gen-lock-guarded fields.
func (m *Manager) Snapshot() (mtm.Generation, mtm.NodeMask, uint64, ReceiveMode, mtm.NodeID) {
	m.genMu.RLock()
	defer m.genMu.RUnlock()
	s := m.snapshotLocked()
	return s.current, s.donors, s.lastOnlineIn, s.mode, s.recoveryDonor
}

// LastVote returns the highest generation this node has voted yes for.
func (m *Manager) LastVote() mtm.Generation {
	m.voteMu.RLock()
	defer m.voteMu.RUnlock()
	return m.lastVote
}

// TourInProgress reports whether the Campaigner currently holds vote_lock
// for a tour.
func (m *Manager) TourInProgress() bool {
	m.voteMu.RLock()
	defer m.voteMu.RUnlock()
	return m.tourInProgress
}

// persistGenLocked and persistVoteLocked save the current combination of
// gen-lock and vote-lock fields. Callers must hold the lock guarding the
// fields they're about to mutate (genMu for persistGenLocked, voteMu for
// persistVoteLocked); each takes a read lock on the other one to build a
// consistent record.
func (m *Manager) persistGenLocked() error {
	m.voteMu.RLock()
	lastVote := m.lastVote
	m.voteMu.RUnlock()
	return m.store.Save(mtm.PersistentState{
		CurrentGen:   m.current,
		Donors:       m.donors,
		LastOnlineIn: m.lastOnlineIn,
		LastVote:     lastVote,
	})
}

func (m *Manager) persistVoteLocked() error {
	m.genMu.RLock()
	cur := m.current
	donors := m.donors
	lastOnlineIn := m.lastOnlineIn
	m.genMu.RUnlock()
	return m.store.Save(mtm.PersistentState{
		CurrentGen:   cur,
		Donors:       donors,
		LastOnlineIn: lastOnlineIn,
		LastVote:     m.lastVote,
	})
}

// StatusInGen returns ONLINE/RECOVERY/DEAD for the current generation.
func (m *Manager) StatusInGen() mtm.StatusInGen {
	m.genMu.RLock()
	cur, lastOnlineIn := m.current, m.lastOnlineIn
	m.genMu.RUnlock()
	lastVote := m.LastVote()
	return mtm.DeriveStatusInGen(m.me, mtm.PersistentState{
		CurrentGen:   cur,
		LastOnlineIn: lastOnlineIn,
		LastVote:     lastVote,
	})
}

// CurrentStatus returns the user-facing status, combining status-in-gen
// with clique coverage and whether a recovery stream is active.
func (m *Manager) CurrentStatus(clique mtm.NodeMask) mtm.UserStatus {
	statusInGen := m.StatusInGen()
	m.genMu.RLock()
	members := m.current.Members
	recovering := m.mode == ModeRecovery
	m.genMu.RUnlock()
	return mtm.DeriveUserStatus(statusInGen, clique, members, recovering)
}

// ForceDisabled sets receive mode DISABLED without a generation switch,
// for the case where this node is DEAD in its current generation and
// sees no majority of configured nodes connected either —
// there is nothing to switch into, but the node still must stop
// expecting to reach ONLINE until connectivity improves.
func (m *Manager) ForceDisabled() {
	m.genMu.Lock()
	defer m.genMu.Unlock()
	if m.mode == ModeDisabled {
		return
	}
	m.mode = ModeDisabled
	config.GPrintf("node %d: no majority visible, receive mode DISABLED", m.me)
}

// ConsiderGenSwitch runs the gen switch protocol under the exclusive
// generation lock and the holder side of the prepare barrier. It returns
// false without error if proposed is not newer than current, so re-delivery
// of an already-applied generation is a safe no-op.
func (m *Manager) ConsiderGenSwitch(proposed mtm.Generation, proposedDonors mtm.NodeMask) (bool, error) {
	m.Barrier.AcquireHolder()
	defer m.Barrier.ReleaseHolder()

	m.genMu.Lock()
	defer m.genMu.Unlock()

	if proposed.Num <= m.current.Num {
		return false, nil // already applied, re-delivery is a no-op
	}
	if !proposed.Valid() {
		return false, fmt.Errorf("generation: invalid proposed generation %+v", proposed)
	}

	// Bump last_vote if this switch implies a promise we hadn't already
	// made: switching into a generation is an implicit vote for it.
	m.voteMu.Lock()
	if m.lastVote.Num < proposed.Num {
		m.lastVote = proposed
	}
	m.voteMu.Unlock()

	// Step 3: commit.
	m.current = proposed
	m.donors = proposedDonors
	m.currentGenNumFast.Store(proposed.Num)

	// Step 4: classify.
	notMember := !proposed.Members.Has(m.me)
	noQuorum := !proposed.HasQuorum()
	lastVote := m.LastVote()
	votedPast := lastVote.Num > proposed.Num

	switch {
	case notMember || noQuorum || votedPast:
		m.mode = ModeDisabled
		if err := m.persistGenLocked(); err != nil {
			return true, err
		}
		config.GPrintf("node %d: gen %d classified DEAD, receive mode DISABLED", m.me, proposed.Num)
		m.notifyCampaigner()
	case proposedDonors.Has(m.me):
		rec := wal.NewParallelSafe(proposed, proposedDonors)
		if _, err := m.log.Append(rec); err != nil {
			return true, fmt.Errorf("generation: emit ParallelSafe: %w", err)
		}
		m.lastOnlineIn = proposed.Num
		if err := m.persistGenLocked(); err != nil {
			return true, err
		}
		m.mode = ModeNormal
		config.GPrintf("node %d: switched to gen %d as donor, mode NORMAL", m.me, proposed.Num)
	default:
		if err := m.persistGenLocked(); err != nil {
			return true, err
		}
		donorList := proposedDonors.Nodes()
		if len(donorList) == 0 {
			return true, fmt.Errorf("generation: gen %d has no donors", proposed.Num)
		}
		m.recoveryDonor = donorList[0]
		m.mode = ModeRecovery
		config.GPrintf("node %d: switched to gen %d as non-donor, recovering from %d", m.me, proposed.Num, m.recoveryDonor)
	}
	return true, nil
}

// ParallelSafeOutcome tells the replication stream dispatcher what to do
// after HandleParallelSafe.
type ParallelSafeOutcome int

const (
	// OutcomeNone: no state changed, no action required.
	OutcomeNone ParallelSafeOutcome = iota
	// OutcomeBecameOnline: the node switched receive mode to NORMAL.
	OutcomeBecameOnline
	// OutcomeReapplyInRecovery: the record arrived on a normal stream
	// while still in RECOVERY for this exact generation; the caller must
	// reconnect on the recovery stream.
	OutcomeReapplyInRecovery
)

// HandleParallelSafe is invoked when an applier reads a ParallelSafe
// record for gen on a stream that is either the recovery stream
// (isRecoveryStream=true) or a normal per-origin stream
// (isRecoveryStream=false).
func (m *Manager) HandleParallelSafe(gen mtm.Generation, donors mtm.NodeMask, isRecoveryStream bool) (ParallelSafeOutcome, error) {
	if _, err := m.ConsiderGenSwitch(gen, donors); err != nil {
		return OutcomeNone, err
	}

	m.genMu.Lock()
	defer m.genMu.Unlock()

	if m.current.Num != gen.Num || m.mode != ModeRecovery {
		return OutcomeNone, nil
	}

	if isRecoveryStream {
		m.lastOnlineIn = gen.Num
		if err := m.persistGenLocked(); err != nil {
			return OutcomeNone, err
		}
		m.mode = ModeNormal
		config.GPrintf("node %d: crossed ParallelSafe watermark for gen %d, now NORMAL", m.me, gen.Num)
		return OutcomeBecameOnline, nil
	}
	// Out-of-order: a normal-stream record arrived while still RECOVERY.
	return OutcomeReapplyInRecovery, nil
}

// PromiseVote implements the vote handler's reply logic for an incoming
// VoteRequest{gen}. It reads the current generation under the shared gen
// lock, releases it, then decides under the exclusive vote lock.
//
// Returns (ok, lastOnlineIn, lastVoteNum). When ok is true, lastOnlineIn
// is meaningful (the value the proposer accumulates to choose donors).
// When ok is false, lastVoteNum is meaningful only if it is nonzero staleness
// (voter has moved past the proposal); a zero lastVoteNum with ok=false
// means "rejected on grounds other than staleness".
func (m *Manager) PromiseVote(gen mtm.Generation, sender mtm.NodeID) (ok bool, lastOnlineIn uint64, lastVoteNum uint64) {
	m.genMu.RLock()
	cur := m.current
	lastOnlineIn = m.lastOnlineIn
	m.genMu.RUnlock()

	m.voteMu.Lock()
	defer m.voteMu.Unlock()

	if m.lastVote.Equal(gen) {
		return true, lastOnlineIn, 0
	}
	if m.lastVote.Num >= gen.Num {
		return false, 0, m.lastVote.Num
	}
	// Sanity checks: proposer may only add itself; candidates subset of
	// clique is checked by the caller (needs the connectivity snapshot,
	// which this package doesn't own); configured must match.
	if !gen.Members.Without(sender).Subset(cur.Members) {
		return false, 0, 0
	}
	if gen.Configured != cur.Configured {
		return false, 0, 0
	}
	m.lastVote = gen
	if err := m.persistVoteLocked(); err != nil {
		config.Warn(false, "generation: persist vote failed: %v", err)
		return false, 0, 0
	}
	return true, lastOnlineIn, 0
}

// CastLastVote proposes a new generation by voting for ourselves.
func (m *Manager) CastLastVote(candidates mtm.NodeMask, configured mtm.NodeMask) (mtm.Generation, error) {
	m.voteMu.Lock()
	defer m.voteMu.Unlock()
	gen := mtm.Generation{Num: m.lastVote.Num + 1, Members: candidates, Configured: configured}
	m.lastVote = gen
	m.tourInProgress = true
	if err := m.persistVoteLocked(); err != nil {
		return gen, err
	}
	return gen, nil
}

// BumpLastVoteNum bumps our last_vote.num (with empty members/configured)
// when a reply showed a higher one, so we don't keep proposing a stale
// number.
func (m *Manager) BumpLastVoteNum(num uint64) error {
	m.voteMu.Lock()
	defer m.voteMu.Unlock()
	if num <= m.lastVote.Num {
		return nil
	}
	m.lastVote = mtm.Generation{Num: num}
	return m.persistVoteLocked()
}

// EndTour clears tourInProgress at the end of a campaign round.
func (m *Manager) EndTour() {
	m.voteMu.Lock()
	m.tourInProgress = false
	m.voteMu.Unlock()
}

// Members/Configured/Donors/Me are narrow read accessors for callers
// (campaign, txn/coordinator) that only need one field.
func (m *Manager) Members() mtm.NodeMask {
	m.genMu.RLock()
	defer m.genMu.RUnlock()
	return m.current.Members
}

func (m *Manager) Configured() mtm.NodeMask {
	m.genMu.RLock()
	defer m.genMu.RUnlock()
	return m.current.Configured
}

// WALPosition returns this node's own replication log position, the
// logical stand-in this module uses for "bytes replicated" absent a
// physical WAL stream (the same substitution bus.TxRequestKind documents
// for PREPARE/PRECOMMIT/COMMIT records). Compared against a donor's own
// reported WALPosition, the difference stands in for recovery lag.
func (m *Manager) WALPosition() uint64 {
	return m.log.LastIndex()
}

func (m *Manager) Me() mtm.NodeID { return m.me }
