// Package deadlock implements cluster-wide deadlock detection (component
// I): each node periodically samples its own lock manager's wait-for
// edges, logs them to its replication stream, and broadcasts them so
// every node can merge the cluster into one graph and check for cycles
// that only close across more than one node — the case a single node's
// local lock manager can never see on its own.
package deadlock

import "mtmcore/bus"

// LockGraphSource is what the detector needs from the local lock manager
// to build its subgraph. This module has no real SQL engine locks of its
// own; a pgx-backed implementation lives in package engine the same way
// EngineHooks does for txn/participant, and tests here use a fake.
type LockGraphSource interface {
	// LocalWaitForEdges returns the current snapshot of local wait-for
	// edges: one per backend blocked waiting on a lock another local
	// backend already holds.
	LocalWaitForEdges() []bus.LockEdge
}
