package deadlock

import (
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/goccy/go-json"

	"mtmcore/bus"
	"mtmcore/config"
	"mtmcore/generation"
	"mtmcore/mtm"
	"mtmcore/wal"
)

// Detector runs node me's periodic wait-for subgraph exchange and answers
// cycle queries against the merged cluster-wide graph.
type Detector struct {
	me        mtm.NodeID
	mgr       *generation.Manager
	log       *wal.Log
	transport *bus.Transport
	source    LockGraphSource
	pool      *wal.ApplyPool // optional; nil in tests that don't exercise stall detection

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	selfEdges []bus.LockEdge
	peerEdges map[mtm.NodeID][]bus.LockEdge
}

// New constructs a Detector for node me. pool may be nil if the caller
// does not want a stalled apply pool treated as deadlock evidence.
func New(me mtm.NodeID, mgr *generation.Manager, log *wal.Log, transport *bus.Transport, source LockGraphSource, pool *wal.ApplyPool) *Detector {
	return &Detector{
		me:        me,
		mgr:       mgr,
		log:       log,
		transport: transport,
		source:    source,
		pool:      pool,
		stopCh:    make(chan struct{}),
		peerEdges: map[mtm.NodeID][]bus.LockEdge{},
	}
}

// Start launches the background publish loop.
func (d *Detector) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop signals the loop to exit and waits for it.
func (d *Detector) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Detector) run() {
	defer d.wg.Done()
	ticker := time.NewTicker(config.DeadlockDetectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.publish()
		}
	}
}

// publish samples the local lock manager, logs the subgraph to the
// replication stream, and broadcasts it to every other configured node.
func (d *Detector) publish() {
	edges := d.source.LocalWaitForEdges()

	d.mu.Lock()
	d.selfEdges = edges
	d.mu.Unlock()

	raw, err := json.Marshal(bus.LockGraph{Edges: edges})
	if err != nil {
		config.Warn(false, "deadlock: encode local graph: %v", err)
		return
	}
	if _, err := d.log.Append(wal.NewLockGraph(raw)); err != nil {
		config.Warn(false, "deadlock: log local graph: %v", err)
	}

	d.transport.Broadcast(d.mgr.Configured().Without(d.me), bus.MsgLockGraph, bus.LockGraph{Edges: edges})
}

// HandleEnvelope implements bus.Handler for a peer's periodic LockGraph
// push, merging it into this node's view of the cluster.
func (d *Detector) HandleEnvelope(env bus.Envelope) {
	if env.Type != bus.MsgLockGraph {
		return
	}
	var msg bus.LockGraph
	if err := bus.Decode(env, &msg); err != nil {
		config.Warn(false, "deadlock: decode lock graph: %v", err)
		return
	}
	d.mu.Lock()
	d.peerEdges[env.From] = msg.Edges
	d.mu.Unlock()
}

// merged returns the current cluster-wide adjacency: waiter -> the
// holders it is blocked on, across this node's own subgraph and every
// peer's last-received push.
func (d *Detector) merged() map[bus.LockVertex][]bus.LockVertex {
	d.mu.Lock()
	defer d.mu.Unlock()
	graph := map[bus.LockVertex][]bus.LockVertex{}
	add := func(edges []bus.LockEdge) {
		for _, e := range edges {
			graph[e.Waiter] = append(graph[e.Waiter], e.Holder)
		}
	}
	add(d.selfEdges)
	for _, edges := range d.peerEdges {
		add(edges)
	}
	return graph
}

// Suspect reports whether xid (a local transaction on this node) is part
// of a deadlock cycle, given the most recently merged wait-for graph. A
// stalled apply worker pool is itself treated as cycle evidence: if
// replication apply has made no progress for DeadlockStallTimeout, a
// cross-node cycle is the leading explanation even before the graph
// catches up to it.
func (d *Detector) Suspect(xid uint64) bool {
	if d.pool != nil && d.pool.Stalled(config.DeadlockStallTimeout) {
		return true
	}
	root := bus.LockVertex{Node: d.me, XID: xid}
	return hasCycleFrom(d.merged(), root)
}

// hasCycleFrom reports whether following wait-for edges from root ever
// leads back to root.
func hasCycleFrom(graph map[bus.LockVertex][]bus.LockVertex, root bus.LockVertex) bool {
	visited := mapset.NewThreadUnsafeSet[bus.LockVertex]()
	var walk func(v bus.LockVertex) bool
	walk = func(v bus.LockVertex) bool {
		for _, next := range graph[v] {
			if next == root {
				return true
			}
			if visited.Contains(next) {
				continue
			}
			visited.Add(next)
			if walk(next) {
				return true
			}
		}
		return false
	}
	return walk(root)
}
