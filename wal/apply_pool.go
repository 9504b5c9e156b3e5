package wal

import (
	"sync"
	"sync/atomic"
	"time"

	"mtmcore/mtm"
)

// ApplyWork is one unit dispatched to the pool: apply one incoming
// replication record from Origin.
type ApplyWork struct {
	Origin mtm.NodeID
	Apply  func()
}

// ApplyPool is a fixed pool of background workers draining a dispatch
// queue, modeled on the original multimaster's bgwpool.c (one pool per
// node, workers parked on the queue when idle. When config.PreserveCommitOrder
// is set, the caller should route all work for a given origin to the same
// worker index (via WorkerFor) so commit order from that origin survives a
// recovery/normal stream switch (see the commit-order decision in DESIGN.md); this pool
// itself only tracks per-worker activity, routing is the caller's choice.
type ApplyPool struct {
	queues   []chan ApplyWork
	n        int
	lastDone int64 // unix nano of the last work item finished, for stall detection
	wg       sync.WaitGroup
	stopCh   chan struct{}
}

// NewApplyPool starts n workers, each with its own bounded queue.
func NewApplyPool(n int, queueDepth int) *ApplyPool {
	p := &ApplyPool{
		queues: make([]chan ApplyWork, n),
		n:      n,
		stopCh: make(chan struct{}),
	}
	atomic.StoreInt64(&p.lastDone, time.Now().UnixNano())
	for i := 0; i < n; i++ {
		p.queues[i] = make(chan ApplyWork, queueDepth)
		p.wg.Add(1)
		go p.worker(p.queues[i])
	}
	return p
}

func (p *ApplyPool) worker(q chan ApplyWork) {
	defer p.wg.Done()
	for {
		select {
		case w := <-q:
			w.Apply()
			atomic.StoreInt64(&p.lastDone, time.Now().UnixNano())
		case <-p.stopCh:
			// Drain the current record before exiting.
			select {
			case w := <-q:
				w.Apply()
			default:
			}
			return
		}
	}
}

// WorkerFor picks a stable worker index for origin, so
// config.PreserveCommitOrder callers can pin an origin to one worker.
func (p *ApplyPool) WorkerFor(origin mtm.NodeID) int {
	return int(origin) % p.n
}

// Submit dispatches w to the given worker index.
func (p *ApplyPool) Submit(workerIdx int, w ApplyWork) {
	p.queues[workerIdx%p.n] <- w
}

// Stalled reports whether the pool has made no progress for longer than
// threshold. A stalled pool with no progress for longer than the deadlock
// detection window is itself treated as evidence of a cycle, even without
// a closed loop in the wait-for graph.
func (p *ApplyPool) Stalled(threshold time.Duration) bool {
	last := time.Unix(0, atomic.LoadInt64(&p.lastDone))
	return time.Since(last) > threshold
}

// Stop signals every worker to drain and exit, and waits for them.
func (p *ApplyPool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}
