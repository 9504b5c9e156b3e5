package campaign

import (
	"mtmcore/bus"
	"mtmcore/config"
	"mtmcore/mtm"
)

// handleVoteRequest implements the sanity-checked promise logic for an
// incoming VoteRequest, replying over the bus. The exact-match and
// staleness checks must run first and unconditionally: an idempotent
// retry of an already-granted vote must always get the same Ok reply
// back regardless of what our clique looks like now, and a stale
// proposal must always get its LastVoteNum echoed so the proposer knows
// to bump, even if its members also fail the clique check below. Only a
// genuinely fresh proposal (neither an exact match nor stale) falls
// through to the clique-subset check — candidates must lie within our
// clique, which generation doesn't have the connectivity state to check
// itself — as the final sanity gate before PromiseVote is allowed to
// grant and persist it.
func (c *Campaigner) handleVoteRequest(from mtm.NodeID, req bus.VoteRequest) {
	last := c.mgr.LastVote()
	fresh := !last.Equal(req.Gen) && last.Num < req.Gen.Num
	if fresh && !req.Gen.Members.Subset(c.tracker.Clique()) {
		c.replyVote(from, bus.VoteResponse{GenNum: req.Gen.Num, Ok: false})
		return
	}

	ok, lastOnlineIn, lastVoteNum := c.mgr.PromiseVote(req.Gen, from)
	c.replyVote(from, bus.VoteResponse{
		GenNum:       req.Gen.Num,
		Ok:           ok,
		LastOnlineIn: lastOnlineIn,
		LastVoteNum:  lastVoteNum,
	})
}

func (c *Campaigner) replyVote(to mtm.NodeID, resp bus.VoteResponse) {
	if err := c.transport.Send(to, bus.MsgVoteResponse, resp); err != nil {
		config.Warn(false, "campaign: reply vote to %d: %v", to, err)
	}
}
