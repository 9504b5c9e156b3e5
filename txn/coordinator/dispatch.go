package coordinator

import (
	"mtmcore/bus"
	"mtmcore/config"
)

// HandleEnvelope implements bus.Handler for the one message type the
// coordinator receives: a participant's ack to a TxRequest it sent.
func (c *Coordinator) HandleEnvelope(env bus.Envelope) {
	if env.Type != bus.MsgTxAck {
		return
	}
	var ack bus.TxAck
	if err := bus.Decode(env, &ack); err != nil {
		config.Warn(false, "coordinator: decode tx ack: %v", err)
		return
	}
	c.handleTxAck(env.From, ack)
}
