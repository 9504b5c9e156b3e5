package deadlock

import (
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/magiconair/properties/assert"
	"github.com/stretchr/testify/require"

	"mtmcore/bus"
	"mtmcore/config"
	"mtmcore/generation"
	"mtmcore/mtm"
	"mtmcore/persist"
	"mtmcore/wal"
)

type fakeSource struct {
	mu    sync.Mutex
	edges []bus.LockEdge
}

func (f *fakeSource) LocalWaitForEdges() []bus.LockEdge {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.edges
}

func (f *fakeSource) set(edges []bus.LockEdge) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edges = edges
}

type relayHandler struct {
	target bus.Handler
}

func (r *relayHandler) HandleEnvelope(env bus.Envelope) {
	if r.target != nil {
		r.target.HandleEnvelope(env)
	}
}

func newTestManager(t *testing.T, me mtm.NodeID) *generation.Manager {
	t.Helper()
	store := persist.Open(t.TempDir())
	log, err := wal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	m := generation.New(me, store, log)
	require.NoError(t, m.Bootstrap())
	members := mtm.MaskOf(1, 2)
	gen := mtm.Generation{Num: 1, Members: members, Configured: members}
	_, err = m.ConsiderGenSwitch(gen, members)
	require.NoError(t, err)
	return m
}

func TestPublishLogsAndBroadcastsLocalGraph(t *testing.T) {
	genMgr := newTestManager(t, 1)

	relay := &relayHandler{}
	tr, err := bus.NewTransport(1, "127.0.0.1:19601", []bus.Peer{{Node: 2, Addr: "127.0.0.1:19602"}}, relay)
	require.NoError(t, err)
	go tr.Run()
	t.Cleanup(func() { tr.Close() })

	peerRelay := &relayHandler{}
	peerTr, err := bus.NewTransport(2, "127.0.0.1:19602", []bus.Peer{{Node: 1, Addr: "127.0.0.1:19601"}}, peerRelay)
	require.NoError(t, err)
	go peerTr.Run()
	t.Cleanup(func() { peerTr.Close() })

	var mu sync.Mutex
	var got *bus.LockGraph
	peerRelay.target = handlerFunc(func(env bus.Envelope) {
		if env.Type != bus.MsgLockGraph {
			return
		}
		var msg bus.LockGraph
		require.NoError(t, bus.Decode(env, &msg))
		mu.Lock()
		got = &msg
		mu.Unlock()
	})

	log, err := wal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	source := &fakeSource{}
	source.set([]bus.LockEdge{{Waiter: bus.LockVertex{Node: 1, XID: 10}, Holder: bus.LockVertex{Node: 1, XID: 11}}})

	d := New(1, genMgr, log, tr, source, nil)
	relay.target = d
	d.publish()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := got != nil
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	require.Len(t, got.Edges, 1)
	require.Equal(t, uint64(10), got.Edges[0].Waiter.XID)

	require.EqualValues(t, 1, log.LastIndex())
	rec, err := log.Read(1)
	require.NoError(t, err)
	require.Equal(t, wal.TypeLockGraph, rec.Type)
	payload, err := wal.DecodeLockGraph(rec)
	require.NoError(t, err)
	require.NotEmpty(t, payload.Graph)
}

type handlerFunc func(bus.Envelope)

func (f handlerFunc) HandleEnvelope(env bus.Envelope) { f(env) }

func TestSuspectDetectsCrossNodeCycle(t *testing.T) {
	genMgr := newTestManager(t, 1)
	log, err := wal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	relay := &relayHandler{}
	tr, err := bus.NewTransport(1, "127.0.0.1:19611", nil, relay)
	require.NoError(t, err)
	go tr.Run()
	t.Cleanup(func() { tr.Close() })

	source := &fakeSource{}
	source.set([]bus.LockEdge{{Waiter: bus.LockVertex{Node: 1, XID: 10}, Holder: bus.LockVertex{Node: 2, XID: 20}}})

	d := New(1, genMgr, log, tr, source, nil)
	relay.target = d
	d.publish()

	require.False(t, d.Suspect(10), "no cycle until the peer's half of the wait-for loop arrives")

	d.HandleEnvelope(bus.Envelope{
		Type: bus.MsgLockGraph,
		From: 2,
		Body: mustMarshal(t, bus.LockGraph{Edges: []bus.LockEdge{
			{Waiter: bus.LockVertex{Node: 2, XID: 20}, Holder: bus.LockVertex{Node: 1, XID: 10}},
		}}),
	})

	require.True(t, d.Suspect(10))
	require.False(t, d.Suspect(99), "an xid with no wait-for edges at all is never suspect")

	// A direct value check alongside testify, exercising both assertion
	// styles in the same test.
	assert.Equal(t, d.Suspect(10), true)
	assert.Equal(t, d.Suspect(99), false)
}

func TestSuspectTreatsStalledApplyPoolAsCycleEvidence(t *testing.T) {
	genMgr := newTestManager(t, 1)
	log, err := wal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	relay := &relayHandler{}
	tr, err := bus.NewTransport(1, "127.0.0.1:19621", nil, relay)
	require.NoError(t, err)
	go tr.Run()
	t.Cleanup(func() { tr.Close() })

	pool := wal.NewApplyPool(1, 1)
	t.Cleanup(pool.Stop)

	orig := config.DeadlockStallTimeout
	config.DeadlockStallTimeout = 10 * time.Millisecond
	t.Cleanup(func() { config.DeadlockStallTimeout = orig })

	d := New(1, genMgr, log, tr, &fakeSource{}, pool)
	relay.target = d

	time.Sleep(20 * time.Millisecond)
	require.True(t, d.Suspect(1), "a stalled pool is cycle evidence even with an empty graph")
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
