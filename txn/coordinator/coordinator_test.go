package coordinator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mtmcore/bus"
	"mtmcore/generation"
	"mtmcore/mtm"
	"mtmcore/persist"
	"mtmcore/wal"
)

type fakeEngine struct {
	mu       sync.Mutex
	prepared []mtm.GID
	finished map[mtm.GID]bool
}

func (e *fakeEngine) PrepareLocal(gid mtm.GID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prepared = append(e.prepared, gid)
	return nil
}

func (e *fakeEngine) FinishPrepared(gid mtm.GID, commit bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished == nil {
		e.finished = map[mtm.GID]bool{}
	}
	e.finished[gid] = commit
	return nil
}

func (e *fakeEngine) decision(gid mtm.GID) (bool, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	commit, ok := e.finished[gid]
	return commit, ok
}

// relayHandler lets a Transport be constructed before the Coordinator that
// will ultimately handle its envelopes exists, by indirecting through a
// pointer set after the fact.
type relayHandler struct {
	target bus.Handler
}

func (r *relayHandler) HandleEnvelope(env bus.Envelope) {
	if r.target != nil {
		r.target.HandleEnvelope(env)
	}
}

// participantStub answers every TxRequest it sees with a TxAck, OK
// according to the stub's configured verdict; it never answers TxCommit/
// TxAbort since those are fire-and-forget in the real protocol too.
type participantStub struct {
	tr *bus.Transport
	ok bool
}

func (p *participantStub) HandleEnvelope(env bus.Envelope) {
	if env.Type != bus.MsgTxRequest {
		return
	}
	var req bus.TxRequest
	if err := bus.Decode(env, &req); err != nil {
		return
	}
	if req.Kind == bus.TxCommit || req.Kind == bus.TxAbort {
		return
	}
	_ = p.tr.Send(env.From, bus.MsgTxAck, bus.TxAck{GID: req.GID, Kind: req.Kind, OK: p.ok, Status: mtm.InProgress})
}

func newTestManager(t *testing.T, me mtm.NodeID) *generation.Manager {
	t.Helper()
	store := persist.Open(t.TempDir())
	log, err := wal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	m := generation.New(me, store, log)
	require.NoError(t, m.Bootstrap())
	return m
}

// harness wires one coordinator transport to len(verdicts) participant
// stub transports over real loopback TCP connections.
type harness struct {
	coordTr *bus.Transport
	relay   *relayHandler
	peerTrs []*bus.Transport
}

func newHarness(t *testing.T, coordAddr string, peerAddrs []string, verdicts []bool) *harness {
	t.Helper()

	var peers []bus.Peer
	for i, addr := range peerAddrs {
		peers = append(peers, bus.Peer{Node: mtm.NodeID(i + 2), Addr: addr})
	}

	relay := &relayHandler{}
	coordTr, err := bus.NewTransport(1, coordAddr, peers, relay)
	require.NoError(t, err)
	go coordTr.Run()

	h := &harness{coordTr: coordTr, relay: relay}
	for i, addr := range peerAddrs {
		stub := &participantStub{ok: verdicts[i]}
		tr, err := bus.NewTransport(mtm.NodeID(i+2), addr, []bus.Peer{{Node: 1, Addr: coordAddr}}, stub)
		require.NoError(t, err)
		stub.tr = tr
		h.peerTrs = append(h.peerTrs, tr)
		go tr.Run()
	}

	t.Cleanup(func() {
		h.coordTr.Close()
		for _, tr := range h.peerTrs {
			tr.Close()
		}
	})
	return h
}

func TestSubmitCommitsOnQuorum(t *testing.T) {
	mgr := newTestManager(t, 1)
	members := mtm.MaskOf(1, 2, 3)
	gen := mtm.Generation{Num: 1, Members: members, Configured: members}
	_, err := mgr.ConsiderGenSwitch(gen, members)
	require.NoError(t, err)

	h := newHarness(t, "127.0.0.1:19301", []string{"127.0.0.1:19302", "127.0.0.1:19303"}, []bool{true, true})
	engine := &fakeEngine{}
	c := New(1, 4242, mgr, h.coordTr, engine)
	h.relay.target = c

	done := make(chan error, 1)
	go func() { done <- c.Submit() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("submit never returned")
	}

	require.Len(t, engine.prepared, 1)
	commit, ok := engine.decision(engine.prepared[0])
	require.True(t, ok)
	require.True(t, commit)
}

func TestSubmitAbortsOnRemoteRefusal(t *testing.T) {
	mgr := newTestManager(t, 1)
	members := mtm.MaskOf(1, 2, 3)
	gen := mtm.Generation{Num: 1, Members: members, Configured: members}
	_, err := mgr.ConsiderGenSwitch(gen, members)
	require.NoError(t, err)

	h := newHarness(t, "127.0.0.1:19311", []string{"127.0.0.1:19312", "127.0.0.1:19313"}, []bool{true, false})
	engine := &fakeEngine{}
	c := New(1, 4343, mgr, h.coordTr, engine)
	h.relay.target = c

	done := make(chan error, 1)
	go func() { done <- c.Submit() }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, mtm.ErrRemoteAbort)
	case <-time.After(3 * time.Second):
		t.Fatal("submit never returned")
	}

	require.Len(t, engine.prepared, 1)
	commit, ok := engine.decision(engine.prepared[0])
	require.True(t, ok)
	require.False(t, commit)
}

func TestSubmitRefusesWhenNotOnline(t *testing.T) {
	mgr := newTestManager(t, 1) // never switched into any generation
	h := newHarness(t, "127.0.0.1:19321", nil, nil)
	engine := &fakeEngine{}
	c := New(1, 1, mgr, h.coordTr, engine)
	h.relay.target = c

	err := c.Submit()
	require.ErrorIs(t, err, mtm.ErrNodeNotOnline)
	require.Empty(t, engine.prepared)
}
