package participant

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
	mu              sync.Mutex
	prepared        []mtm.GID
	precommitted    []mtm.GID
	finished        map[mtm.GID]bool
	failPrepare     bool
	failPreCommit   bool
}

func (e *fakeEngine) Prepare(gid mtm.GID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failPrepare {
		return errTest
	}
	e.prepared = append(e.prepared, gid)
	return nil
}

func (e *fakeEngine) PreCommit(gid mtm.GID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failPreCommit {
		return errTest
	}
	e.precommitted = append(e.precommitted, gid)
	return nil
}

func (e *fakeEngine) Finish(gid mtm.GID, commit bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished == nil {
		e.finished = map[mtm.GID]bool{}
	}
	e.finished[gid] = commit
	return nil
}

type testErr string

func (e testErr) Error() string { return string(e) }

const errTest = testErr("engine refused")

type recordingHandler struct {
	mu  sync.Mutex
	got []bus.Envelope
}

func (h *recordingHandler) HandleEnvelope(env bus.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.got = append(h.got, env)
}

func (h *recordingHandler) wait(t *testing.T) bus.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		if len(h.got) > 0 {
			env := h.got[0]
			h.mu.Unlock()
			return env
		}
		h.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no envelope arrived")
	return bus.Envelope{}
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

func newHarness(t *testing.T, participantAddr, coordAddr string) (*Manager, *fakeEngine, *recordingHandler) {
	t.Helper()
	genMgr := newTestManager(t, 1)
	log, err := wal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	coordHandler := &recordingHandler{}
	coordTr, err := bus.NewTransport(2, coordAddr, []bus.Peer{{Node: 1, Addr: participantAddr}}, coordHandler)
	require.NoError(t, err)
	go coordTr.Run()
	t.Cleanup(func() { coordTr.Close() })

	engine := &fakeEngine{}
	partTr, err := bus.NewTransport(1, participantAddr, []bus.Peer{{Node: 2, Addr: coordAddr}}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { partTr.Close() })

	m := New(1, genMgr, log, partTr, engine)
	return m, engine, coordHandler
}

func TestHandlePrepareAcceptsWhenOnline(t *testing.T) {
	m, engine, coordHandler := newHarness(t, "127.0.0.1:19401", "127.0.0.1:19402")
	members := mtm.MaskOf(1, 2, 3)
	gen := mtm.Generation{Num: 1, Members: members, Configured: members}
	_, err := m.mgr.ConsiderGenSwitch(gen, members)
	require.NoError(t, err)

	m.handlePrepare(2, bus.TxRequest{GID: "MTM-2-1-1", GenNum: 1})

	env := coordHandler.wait(t)
	require.Equal(t, bus.MsgTxAck, env.Type)
	var ack bus.TxAck
	require.NoError(t, bus.Decode(env, &ack))
	require.True(t, ack.OK)
	require.Equal(t, mtm.Prepared, ack.Status)
	require.Len(t, engine.prepared, 1)
}

func TestHandlePrepareRefusesOnGenMismatch(t *testing.T) {
	m, engine, coordHandler := newHarness(t, "127.0.0.1:19403", "127.0.0.1:19404")
	members := mtm.MaskOf(1, 2, 3)
	gen := mtm.Generation{Num: 1, Members: members, Configured: members}
	_, err := m.mgr.ConsiderGenSwitch(gen, members)
	require.NoError(t, err)

	m.handlePrepare(2, bus.TxRequest{GID: "MTM-2-1-1", GenNum: 99})

	env := coordHandler.wait(t)
	var ack bus.TxAck
	require.NoError(t, bus.Decode(env, &ack))
	require.False(t, ack.OK)
	require.Empty(t, engine.prepared)
}

func TestPrecommitThenCommitClearsBranch(t *testing.T) {
	m, engine, _ := newHarness(t, "127.0.0.1:19405", "127.0.0.1:19406")
	members := mtm.MaskOf(1, 2, 3)
	gen := mtm.Generation{Num: 1, Members: members, Configured: members}
	_, err := m.mgr.ConsiderGenSwitch(gen, members)
	require.NoError(t, err)

	gid := mtm.GID("MTM-2-1-1")
	m.handlePrepare(2, bus.TxRequest{GID: gid, GenNum: 1})
	m.handlePrecommit(2, bus.TxRequest{GID: gid, Kind: bus.TxPrecommit})
	require.Len(t, engine.precommitted, 1)

	m.handleFinish(bus.TxRequest{GID: gid, Kind: bus.TxCommit})
	require.True(t, engine.finished[gid])
	require.Empty(t, m.Orphans(members))
}

func TestPromiseAndAcceptAcceptorRoundTrip(t *testing.T) {
	m, _, _ := newHarness(t, "127.0.0.1:19407", "127.0.0.1:19408")
	members := mtm.MaskOf(1, 2, 3)
	gen := mtm.Generation{Num: 1, Members: members, Configured: members}
	_, err := m.mgr.ConsiderGenSwitch(gen, members)
	require.NoError(t, err)

	gid := mtm.GID("MTM-2-1-1")
	m.handlePrepare(2, bus.TxRequest{GID: gid, GenNum: 1})

	b1 := mtm.Ballot{Counter: 1, Proposer: 3}
	ok, accepted, acceptedValue, status := m.Promise(gid, b1)
	require.True(t, ok)
	require.True(t, accepted.Zero())
	require.Equal(t, mtm.UnknownStatus, acceptedValue)
	require.Equal(t, mtm.Prepared, status)

	require.True(t, m.Accept(gid, b1, mtm.PreAborted))

	b0 := mtm.Ballot{Counter: 1, Proposer: 1} // lower proposer, same counter: stale
	ok, _, _, _ = m.Promise(gid, b0)
	require.False(t, ok)
}

func TestOrphansFiltersByCoordinatorMembership(t *testing.T) {
	m, _, _ := newHarness(t, "127.0.0.1:19409", "127.0.0.1:19410")
	members := mtm.MaskOf(1, 2, 3)
	gen := mtm.Generation{Num: 1, Members: members, Configured: members}
	_, err := m.mgr.ConsiderGenSwitch(gen, members)
	require.NoError(t, err)

	gid := mtm.GID("MTM-2-1-1")
	m.handlePrepare(2, bus.TxRequest{GID: gid, GenNum: 1})

	require.Empty(t, m.Orphans(mtm.MaskOf(1, 2, 3)))
	require.Equal(t, []mtm.GID{gid}, m.Orphans(mtm.MaskOf(1, 3)))
}
