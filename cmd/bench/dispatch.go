package main

import "mtmcore/bus"

// fanout routes incoming envelopes to whichever simulated node component
// owns that MsgType, the same seam cmd/mtmnode uses to let one transport
// serve several independently-built handlers. Duplicated here rather than
// imported: cmd/bench and cmd/mtmnode are separate main packages, and the
// type is small enough that a shared internal package would be more
// machinery than the duplication it avoids.
type fanout struct {
	byType map[bus.MsgType]bus.Handler
}

func newFanout() *fanout {
	return &fanout{byType: map[bus.MsgType]bus.Handler{}}
}

func (f *fanout) route(handler bus.Handler, types ...bus.MsgType) {
	for _, t := range types {
		f.byType[t] = handler
	}
}

func (f *fanout) HandleEnvelope(env bus.Envelope) {
	if h, ok := f.byType[env.Type]; ok {
		h.HandleEnvelope(env)
	}
}
