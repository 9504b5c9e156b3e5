package main

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// info is one finished Submit() call's outcome: a commit/abort-only
// result, since this module's 3PC has no per-participant shard boundary
// to report separate phase timings for.
type info struct {
	latency time.Duration
	commit  bool
}

// stat accumulates info records from every client goroutine under one
// lock and reports percentile latencies and a commit rate.
type stat struct {
	mu      sync.Mutex
	records []info
}

func newStat() *stat {
	return &stat{}
}

func (s *stat) record(i info) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, i)
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func (s *stat) report(elapsed time.Duration) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := len(s.records)
	committed := 0
	latencies := make([]time.Duration, 0, total)
	for _, r := range s.records {
		if r.commit {
			committed++
		}
		latencies = append(latencies, r.latency)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	throughput := float64(total) / elapsed.Seconds()
	return fmt.Sprintf(
		"submitted:%d committed:%d aborted:%d throughput:%.1f txn/s p50:%s p90:%s p99:%s",
		total, committed, total-committed, throughput,
		percentile(latencies, 0.50), percentile(latencies, 0.90), percentile(latencies, 0.99),
	)
}
