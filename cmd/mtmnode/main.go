// Command mtmnode runs one symmetric replication node: every mtmnode
// instance runs the full stack, coordinating transactions it originates,
// participating in every other node's, campaigning for generations,
// resolving orphans, and watching for deadlocks, since every node in
// this cluster plays all of those roles at once.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"mtmcore/bus"
	"mtmcore/campaign"
	"mtmcore/config"
	"mtmcore/connectivity"
	"mtmcore/deadlock"
	"mtmcore/engine"
	"mtmcore/generation"
	"mtmcore/mtm"
	"mtmcore/persist"
	"mtmcore/referee"
	"mtmcore/resolver"
	"mtmcore/txn/coordinator"
	"mtmcore/txn/participant"
	"mtmcore/wal"
)

var (
	nodeID       int
	listenAddr   string
	peersFlag    string
	membersFlag  string
	dataDir      string
	pgConnString string
	refereeAddr  string
	refereeCache string
	applyWorkers int
	applyQueue   int
	debug        bool
)

func init() {
	flag.IntVar(&nodeID, "id", 0, "this node's id (1-64)")
	flag.StringVar(&listenAddr, "listen", "127.0.0.1:5433", "address this node's bus listens on")
	flag.StringVar(&peersFlag, "peers", "", "comma-separated id@addr list of every other configured node")
	flag.StringVar(&membersFlag, "members", "", "comma-separated node ids forming the cluster on first boot (ignored once persistent state exists)")
	flag.StringVar(&dataDir, "data", "./mtmdata", "directory for this node's persistent state and replication log")
	flag.StringVar(&pgConnString, "pg", "postgres://localhost:5432/postgres", "libpq connection string for the local engine")
	flag.StringVar(&refereeAddr, "referee", "", "external referee gRPC address, empty disables it")
	flag.StringVar(&refereeCache, "referee-cache", "", "referee decision cache backing store (mongodb://... or empty for a local file)")
	flag.IntVar(&applyWorkers, "apply-workers", 4, "size of the apply worker pool watched for deadlock stalls")
	flag.IntVar(&applyQueue, "apply-queue", 64, "per-worker queue depth of the apply worker pool")
	flag.BoolVar(&debug, "debug", false, "enable debug/warning/test logging")
}

func parsePeers(s string) ([]bus.Peer, error) {
	if s == "" {
		return nil, nil
	}
	var peers []bus.Peer
	for _, part := range strings.Split(s, ",") {
		at := strings.SplitN(part, "@", 2)
		if len(at) != 2 {
			return nil, fmt.Errorf("malformed peer entry %q, want id@addr", part)
		}
		id, err := strconv.Atoi(at[0])
		if err != nil {
			return nil, fmt.Errorf("malformed peer id in %q: %w", part, err)
		}
		peers = append(peers, bus.Peer{Node: mtm.NodeID(id), Addr: at[1]})
	}
	return peers, nil
}

func parseMembers(s string) (mtm.NodeMask, error) {
	mask := mtm.NodeMask(0)
	if s == "" {
		return mask, nil
	}
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return 0, fmt.Errorf("malformed member id in %q: %w", part, err)
		}
		mask = mask.With(mtm.NodeID(id))
	}
	return mask, nil
}

func main() {
	flag.Parse()

	if debug {
		config.ShowDebugInfo = true
		config.ShowWarnings = true
		config.ShowTestInfo = true
	}
	config.RefereeConnString = refereeAddr
	config.RefereeCacheConnString = refereeCache

	me := mtm.NodeID(nodeID)
	if me == 0 {
		fmt.Fprintln(os.Stderr, "mtmnode: -id is required")
		os.Exit(1)
	}

	peers, err := parsePeers(peersFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mtmnode: %v\n", err)
		os.Exit(1)
	}
	bootMembers, err := parseMembers(membersFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mtmnode: %v\n", err)
		os.Exit(1)
	}

	stateDir := filepath.Join(dataDir, "state")
	walDir := filepath.Join(dataDir, "wal")
	for _, d := range []string{stateDir, walDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "mtmnode: create %s: %v\n", d, err)
			os.Exit(1)
		}
	}

	store := persist.Open(stateDir)
	log, err := wal.Open(walDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mtmnode: open wal: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	mgr := generation.New(me, store, log)
	if err := mgr.Bootstrap(); err != nil {
		fmt.Fprintf(os.Stderr, "mtmnode: bootstrap: %v\n", err)
		os.Exit(1)
	}
	if mgr.CurrentGenNum() == 0 {
		if bootMembers == 0 {
			fmt.Fprintln(os.Stderr, "mtmnode: no persistent state found and -members not given; pass -members to bootstrap a fresh cluster")
			os.Exit(1)
		}
		seed := mtm.Generation{Num: 1, Members: bootMembers, Configured: bootMembers}
		if _, err := mgr.ConsiderGenSwitch(seed, bootMembers); err != nil {
			fmt.Fprintf(os.Stderr, "mtmnode: seed initial generation: %v\n", err)
			os.Exit(1)
		}
	}

	tracker := connectivity.New(me)
	pool := wal.NewApplyPool(applyWorkers, applyQueue)
	defer pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	eng, err := engine.Open(ctx, me, pgConnString, nil)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mtmnode: open engine: %v\n", err)
		os.Exit(1)
	}
	defer eng.Close()

	fo := newFanout()
	transport, err := bus.NewTransport(me, listenAddr, peers, fo)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mtmnode: open transport: %v\n", err)
		os.Exit(1)
	}
	defer transport.Close()

	camp := campaign.New(me, mgr, tracker, transport)
	if refereeAddr != "" {
		camp.SetReferee(referee.New(me, refereeAddr, stateDir))
	}
	part := participant.New(me, mgr, log, transport, eng)
	camp.SetParticipant(part)
	coord := coordinator.New(me, os.Getpid(), mgr, transport, eng)
	res := resolver.New(me, mgr, part, transport)
	dl := deadlock.New(me, mgr, log, transport, eng, pool)

	fo.route(camp, bus.MsgHeartbeat, bus.MsgVoteRequest, bus.MsgVoteResponse)
	fo.route(part, bus.MsgTxRequest, bus.MsgLastTermRequest, bus.MsgTwoARequest)
	fo.route(coord, bus.MsgTxAck)
	fo.route(res, bus.MsgLastTermResponse, bus.MsgTwoAResponse)
	fo.route(dl, bus.MsgLockGraph)

	go transport.Run()
	camp.Start()
	res.Start()
	dl.Start()
	defer camp.Stop()
	defer res.Stop()
	defer dl.Stop()

	config.GPrintf("mtmnode %d: listening on %s, configured %v", me, listenAddr, mgr.Configured())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	config.GPrintf("mtmnode %d: shutting down", me)
}
