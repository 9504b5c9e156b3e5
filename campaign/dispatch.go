package campaign

import (
	"mtmcore/bus"
	"mtmcore/config"
	"mtmcore/connectivity"
)

// HandleEnvelope implements bus.Handler for the connectivity/generation/
// campaign triad: Heartbeat feeds the Tracker and forwards the sender's
// generation view to the Generation Manager; VoteRequest/VoteResponse
// drive the vote handler and the in-flight tour.
func (c *Campaigner) HandleEnvelope(env bus.Envelope) {
	switch env.Type {
	case bus.MsgHeartbeat:
		var hb bus.Heartbeat
		if err := bus.Decode(env, &hb); err != nil {
			config.Warn(false, "campaign: decode heartbeat: %v", err)
			return
		}
		c.tracker.Heartbeat(env.From, connectivity.PeerInfo{
			ConnectedMask: hb.ConnectedMask,
			CurrentGen:    hb.CurrentGen,
			Donors:        hb.Donors,
			LastOnlineIn:  hb.LastOnlineIn,
			WALPosition:   hb.WALPosition,
		})
		if _, err := c.mgr.ConsiderGenSwitch(hb.CurrentGen, hb.Donors); err != nil {
			config.Warn(false, "campaign: gen switch from heartbeat of %d: %v", env.From, err)
		}
	case bus.MsgVoteRequest:
		var req bus.VoteRequest
		if err := bus.Decode(env, &req); err != nil {
			config.Warn(false, "campaign: decode vote request: %v", err)
			return
		}
		c.handleVoteRequest(env.From, req)
	case bus.MsgVoteResponse:
		var resp bus.VoteResponse
		if err := bus.Decode(env, &resp); err != nil {
			config.Warn(false, "campaign: decode vote response: %v", err)
			return
		}
		c.HandleVoteResponse(env.From, resp)
	}
}
