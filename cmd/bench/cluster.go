package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"mtmcore/bus"
	"mtmcore/engine"
	"mtmcore/generation"
	"mtmcore/mtm"
	"mtmcore/persist"
	"mtmcore/txn/coordinator"
	"mtmcore/txn/participant"
	"mtmcore/wal"
)

// node is one simulated cluster member running in this process: its own
// generation manager, replication log, bus transport and engine
// connection, wired the same way cmd/mtmnode wires a real one. Every
// node in this benchmark shares the single Postgres instance named by
// -pg (distinct gids keep their PREPARE TRANSACTION entries from
// colliding) rather than one instance per node — a benchmarking
// simplification recorded in DESIGN.md, not how a real deployment runs.
type node struct {
	id          mtm.NodeID
	mgr         *generation.Manager
	transport   *bus.Transport
	coordinator *coordinator.Coordinator
	participant *participant.Manager
	engine      *engine.Engine
}

func (n *node) close() {
	n.transport.Close()
	n.engine.Close()
}

// bootCluster starts n nodes numbered 1..n on consecutive loopback ports
// starting at basePort, all configured as one generation from the first
// boot: since every node computes the identical deterministic seed
// generation independently, no campaigning round is needed to agree on
// it, so this harness skips package campaign entirely and focuses
// purely on steady-state 3PC throughput.
func bootCluster(ctx context.Context, n int, basePort int, dataRoot, pgConnString string) ([]*node, error) {
	members := mtm.NodeMask(0)
	for i := 1; i <= n; i++ {
		members = members.With(mtm.NodeID(i))
	}

	addrs := make(map[mtm.NodeID]string, n)
	for i := 1; i <= n; i++ {
		addrs[mtm.NodeID(i)] = fmt.Sprintf("127.0.0.1:%d", basePort+i)
	}

	nodes := make([]*node, 0, n)
	for i := 1; i <= n; i++ {
		me := mtm.NodeID(i)
		dir := filepath.Join(dataRoot, fmt.Sprintf("node%d", i))
		stateDir, walDir := filepath.Join(dir, "state"), filepath.Join(dir, "wal")
		if err := os.MkdirAll(stateDir, 0o755); err != nil {
			return nil, fmt.Errorf("bench: mkdir %s: %w", stateDir, err)
		}
		if err := os.MkdirAll(walDir, 0o755); err != nil {
			return nil, fmt.Errorf("bench: mkdir %s: %w", walDir, err)
		}

		store := persist.Open(stateDir)
		log, err := wal.Open(walDir)
		if err != nil {
			return nil, fmt.Errorf("bench: open wal for node %d: %w", i, err)
		}

		mgr := generation.New(me, store, log)
		if err := mgr.Bootstrap(); err != nil {
			return nil, fmt.Errorf("bench: bootstrap node %d: %w", i, err)
		}
		if mgr.CurrentGenNum() == 0 {
			seed := mtm.Generation{Num: 1, Members: members, Configured: members}
			if _, err := mgr.ConsiderGenSwitch(seed, members); err != nil {
				return nil, fmt.Errorf("bench: seed generation for node %d: %w", i, err)
			}
		}

		eng, err := engine.Open(ctx, me, pgConnString, nil)
		if err != nil {
			return nil, fmt.Errorf("bench: open engine for node %d: %w", i, err)
		}

		var peers []bus.Peer
		for id, addr := range addrs {
			if id != me {
				peers = append(peers, bus.Peer{Node: id, Addr: addr})
			}
		}
		fo := newFanout()
		transport, err := bus.NewTransport(me, addrs[me], peers, fo)
		if err != nil {
			return nil, fmt.Errorf("bench: open transport for node %d: %w", i, err)
		}

		part := participant.New(me, mgr, log, transport, eng)
		coord := coordinator.New(me, i, mgr, transport, eng)
		fo.route(part, bus.MsgTxRequest, bus.MsgLastTermRequest, bus.MsgTwoARequest)
		fo.route(coord, bus.MsgTxAck)
		go transport.Run()

		nodes = append(nodes, &node{
			id: me, mgr: mgr, transport: transport,
			coordinator: coord, participant: part, engine: eng,
		})
	}
	return nodes, nil
}
