package participant

import (
	"mtmcore/bus"
	"mtmcore/config"
)

// HandleEnvelope implements bus.Handler for the TxRequest messages a
// coordinator sends about one transaction branch, plus the resolver's
// Paxos 1a/2a rounds this node answers as an acceptor.
func (m *Manager) HandleEnvelope(env bus.Envelope) {
	switch env.Type {
	case bus.MsgTxRequest:
		var req bus.TxRequest
		if err := bus.Decode(env, &req); err != nil {
			config.Warn(false, "participant: decode tx request: %v", err)
			return
		}
		switch req.Kind {
		case bus.TxPrepare:
			m.handlePrepare(env.From, req)
		case bus.TxPrecommit:
			m.handlePrecommit(env.From, req)
		case bus.TxCommit, bus.TxAbort:
			m.handleFinish(req)
		case bus.TxStatus:
			m.handleStatusPoll(env.From, req)
		}
	case bus.MsgLastTermRequest:
		var req bus.LastTermRequest
		if err := bus.Decode(env, &req); err != nil {
			config.Warn(false, "participant: decode last-term request: %v", err)
			return
		}
		m.handleLastTermRequest(env.From, req)
	case bus.MsgTwoARequest:
		var req bus.TwoARequest
		if err := bus.Decode(env, &req); err != nil {
			config.Warn(false, "participant: decode 2a request: %v", err)
			return
		}
		m.handleTwoARequest(env.From, req)
	}
}
