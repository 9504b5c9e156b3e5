// Command bench drives a simulated cluster with concurrent clients
// submitting transactions through txn/coordinator, reporting throughput
// and latency percentiles. Submit() takes no arguments and there is no
// shard-keyed data to skew against, so a Zipfian generator instead picks
// which simulated node originates each client's next transaction.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/pingcap/go-ycsb/pkg/generator"

	"mtmcore/config"
)

var (
	nodeCount  int
	clientsPer int
	duration   time.Duration
	basePort   int
	dataRoot   string
	pgConn     string
	skew       float64
	debug      bool
)

func init() {
	flag.IntVar(&nodeCount, "nodes", 3, "number of simulated cluster nodes")
	flag.IntVar(&clientsPer, "clients", 4, "concurrent client goroutines per node")
	flag.DurationVar(&duration, "duration", 10*time.Second, "how long to drive load")
	flag.IntVar(&basePort, "base-port", 15433, "first loopback port simulated nodes listen on")
	flag.StringVar(&dataRoot, "data", "./benchdata", "root directory for simulated nodes' persistent state")
	flag.StringVar(&pgConn, "pg", "postgres://localhost:5432/postgres", "libpq connection string shared by every simulated node's engine")
	flag.Float64Var(&skew, "skew", 0.5, "Zipfian skew (0 uniform, closer to 1 hotter) for which node originates each transaction")
	flag.BoolVar(&debug, "debug", false, "enable debug/warning logging")
}

func run() int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	nodes, err := bootCluster(ctx, nodeCount, basePort, dataRoot, pgConn)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bench: boot cluster: %v\n", err)
		return 1
	}
	defer func() {
		for _, n := range nodes {
			n.close()
		}
	}()

	s := newStat()
	stopCh := make(chan struct{})
	done := make(chan struct{})

	total := nodeCount * clientsPer
	for i := 0; i < total; i++ {
		go func(seed int) {
			defer func() { done <- struct{}{} }()
			r := rand.New(rand.NewSource(int64(seed)*11 + 31))
			zip := generator.NewZipfianWithRange(0, int64(nodeCount-1), skew)
			for {
				select {
				case <-stopCh:
					return
				default:
				}
				origin := nodes[int(zip.Next(r))]
				started := time.Now()
				err := origin.coordinator.Submit()
				s.record(info{latency: time.Since(started), commit: err == nil})
			}
		}(i)
	}

	time.Sleep(duration)
	close(stopCh)
	for i := 0; i < total; i++ {
		<-done
	}

	fmt.Println(s.report(duration))
	return 0
}

func main() {
	flag.Parse()
	if debug {
		config.ShowDebugInfo = true
		config.ShowWarnings = true
	}
	os.Exit(run())
}
