package resolver

import (
	"mtmcore/bus"
	"mtmcore/config"
	"mtmcore/mtm"
)

// HandleEnvelope implements bus.Handler for the two reply types a
// resolver's own Paxos round collects. Requests the other direction
// (LastTermRequest/TwoARequest, this node acting as acceptor) are
// answered by package participant, not here.
func (r *Resolver) HandleEnvelope(env bus.Envelope) {
	switch env.Type {
	case bus.MsgLastTermResponse:
		var resp bus.LastTermResponse
		if err := bus.Decode(env, &resp); err != nil {
			config.Warn(false, "resolver: decode last-term response: %v", err)
			return
		}
		r.handleLastTermResponse(env.From, resp)
	case bus.MsgTwoAResponse:
		var resp bus.TwoAResponse
		if err := bus.Decode(env, &resp); err != nil {
			config.Warn(false, "resolver: decode 2a response: %v", err)
			return
		}
		r.handleTwoAResponse(env.From, resp)
	}
}

func (r *Resolver) handleLastTermResponse(from mtm.NodeID, resp bus.LastTermResponse) {
	r.roundMu.Lock()
	rnd := r.current
	r.roundMu.Unlock()
	if rnd == nil || rnd.phase != 1 || rnd.gid != resp.GID {
		return
	}

	rnd.mu.Lock()
	defer rnd.mu.Unlock()
	if rnd.closed {
		return
	}
	rnd.promises[from] = resp
	if r.quorumReached(rnd) {
		rnd.close()
	}
}

func (r *Resolver) handleTwoAResponse(from mtm.NodeID, resp bus.TwoAResponse) {
	r.roundMu.Lock()
	rnd := r.current
	r.roundMu.Unlock()
	if rnd == nil || rnd.phase != 2 || rnd.gid != resp.GID {
		return
	}

	rnd.mu.Lock()
	defer rnd.mu.Unlock()
	if rnd.closed {
		return
	}
	rnd.accepts[from] = resp
	if r.quorumReached(rnd) {
		rnd.close()
	}
}

// quorumReached must be called with rnd.mu held.
func (r *Resolver) quorumReached(rnd *round) bool {
	members := r.mgr.Members()
	switch rnd.phase {
	case 1:
		mask := mtm.NodeMask(0)
		for node, resp := range rnd.promises {
			if resp.OK {
				mask = mask.With(node)
			}
		}
		return mtm.Majority(mask, members)
	default:
		mask := mtm.NodeMask(0)
		for node, resp := range rnd.accepts {
			if resp.OK {
				mask = mask.With(node)
			}
		}
		return mtm.Majority(mask, members)
	}
}
