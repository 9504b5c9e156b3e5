package campaign

import (
	"mtmcore/generation"
	"mtmcore/mtm"
)

// decision is the outcome of one campaignMyself evaluation.
type decision struct {
	propose    bool
	candidates mtm.NodeMask
}

// campaignMyself implements the Campaigner's per-tick policy: decide
// whether this node should propose a new generation, and if so with
// which candidate members. refereeApproved is true only when an external
// referee has just broken an exact even connectivity split in our
// favor (component J); it substitutes for clique actually outnumbering
// the other side in the top-level quorum gate below. recoveryDonorFresh
// is true when the recovery donor's last WAL report was both close
// enough (config.MinRecoveryLagBytes) and recent enough (within 5x the
// heartbeat interval) to trust.
func campaignMyself(me mtm.NodeID, mgr *generation.Manager, clique, connected mtm.NodeMask, othersLastOnlineIn map[mtm.NodeID]uint64, refereeApproved, recoveryDonorFresh bool) decision {
	cur, donors, lastOnlineIn, mode, _ := mgr.Snapshot()
	configured := mgr.Configured()
	statusInGen := mgr.StatusInGen()
	lastVote := mgr.LastVote()

	if !((mtm.Majority(clique, configured) || refereeApproved) && clique.Has(me)) {
		if statusInGen == mtm.StatusDead {
			if mtm.Majority(connected, configured) {
				// A majority is visible but not mutually connected enough
				// to form a clique covering us; nothing to propose this
				// round, just note the best catchup donor for operators.
				_ = pickCatchupDonor(connected, othersLastOnlineIn)
			} else {
				mgr.ForceDisabled()
			}
		}
		return decision{}
	}

	candidates := cur.Members.Intersect(clique).With(me)

	if !mtm.Majority(candidates, configured) && cur.Members.Has(me) {
		return decision{} // minority candidate set, already a member: skip
	}

	if candidates == cur.Members {
		if statusInGen != mtm.StatusDead || lastVote.Num == cur.Num {
			return decision{} // already as good as the current generation
		}
	}

	if !cur.Members.Has(me) {
		// Not yet a member: only propose once recovery is caught up —
		// our own last_online_in must be at least as fresh as every
		// donor's reported last_online_in, and the recovery donor must
		// have reported "caught up" recently (config.MinRecoveryLagBytes
		// of WAL position, within 5x the heartbeat interval).
		maxDonorOnline := uint64(0)
		for _, d := range donors.Nodes() {
			if v := othersLastOnlineIn[d]; v > maxDonorOnline {
				maxDonorOnline = v
			}
		}
		if mode != generation.ModeRecovery || lastOnlineIn < maxDonorOnline || !recoveryDonorFresh {
			return decision{}
		}
	}

	return decision{propose: true, candidates: candidates}
}

// pickCatchupDonor returns the connected peer with the highest reported
// last_online_in, a receive-side hint only — it never mutates state.
func pickCatchupDonor(connected mtm.NodeMask, othersLastOnlineIn map[mtm.NodeID]uint64) mtm.NodeID {
	var best mtm.NodeID
	var bestOnline uint64
	for _, id := range connected.Nodes() {
		if v := othersLastOnlineIn[id]; v >= bestOnline {
			best, bestOnline = id, v
		}
	}
	return best
}
