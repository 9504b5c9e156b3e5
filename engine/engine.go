// Package engine is the pgx-backed implementation of the two narrow
// EngineHooks interfaces txn/coordinator and txn/participant depend on:
// it carries a branch through Postgres's own two-phase commit primitives
// (PREPARE TRANSACTION / COMMIT PREPARED / ROLLBACK PREPARED), grounded
// on storage/postgres.go's SQLDB (pgxpool.Pool, BeginTx, mustExec-style
// error handling).
package engine

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"golang.org/x/sync/errgroup"

	"mtmcore/bus"
	"mtmcore/mtm"
)

// WriteSetApplier applies one branch's replicated write set against tx
// before it is prepared. This module has no user-backend SQL of its own
// to replay, so the default Engine uses a no-op applier; a real
// deployment supplies one that replays the logical records the
// replication stream delivered for gid.
type WriteSetApplier interface {
	Apply(ctx context.Context, tx pgx.Tx, gid mtm.GID) error
}

type noopApplier struct{}

func (noopApplier) Apply(context.Context, pgx.Tx, mtm.GID) error { return nil }

// Engine issues Postgres's native two-phase commit statements over a
// connection pool.
type Engine struct {
	me      mtm.NodeID
	pool    *pgxpool.Pool
	applier WriteSetApplier
}

// Open connects to connString (a libpq-style "postgres://..." URL) and
// returns an Engine. A nil applier defaults to a no-op. me is stamped
// onto every LockVertex LocalWaitForEdges reports, since pg_locks only
// knows about this node's own backends.
func Open(ctx context.Context, me mtm.NodeID, connString string, applier WriteSetApplier) (*Engine, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("engine: parse config: %w", err)
	}
	pool, err := pgxpool.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("engine: connect: %w", err)
	}
	if applier == nil {
		applier = noopApplier{}
	}
	return &Engine{me: me, pool: pool, applier: applier}, nil
}

// Close releases the underlying connection pool.
func (e *Engine) Close() {
	e.pool.Close()
}

func gidName(gid mtm.GID) string {
	return string(gid)
}

// Prepare implements txn/participant's EngineHooks: apply gid's write set
// inside a fresh transaction and issue PREPARE TRANSACTION. PREPARE
// TRANSACTION detaches the transaction from this session entirely — there
// is no later Commit/Rollback call on tx itself, only COMMIT
// PREPARED/ROLLBACK PREPARED against the gid.
func (e *Engine) Prepare(gid mtm.GID) error {
	ctx := context.Background()
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("engine: begin %s: %w", gid, err)
	}
	if err := e.applier.Apply(ctx, tx, gid); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("engine: apply write set %s: %w", gid, err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("PREPARE TRANSACTION '%s'", gidName(gid))); err != nil {
		return fmt.Errorf("engine: prepare %s: %w", gid, err)
	}
	return nil
}

// PrepareLocal implements txn/coordinator's EngineHooks: the origin
// node's own branch goes through the identical Prepare path, since a
// coordinator is also a participant in its own transaction.
func (e *Engine) PrepareLocal(gid mtm.GID) error {
	return e.Prepare(gid)
}

// PreCommit implements txn/participant's EngineHooks: confirms gid's
// prepared transaction is still visible in pg_prepared_xacts before
// acknowledging readiness to commit, the one durable signal Postgres
// itself exposes for a branch surviving between PREPARE and COMMIT
// PREPARED.
func (e *Engine) PreCommit(gid mtm.GID) error {
	ctx := context.Background()
	var count int
	err := e.pool.QueryRow(ctx, "select count(*) from pg_prepared_xacts where gid = $1", gidName(gid)).Scan(&count)
	if err != nil {
		return fmt.Errorf("engine: precommit check %s: %w", gid, err)
	}
	if count == 0 {
		return fmt.Errorf("engine: %s not found in pg_prepared_xacts", gid)
	}
	return nil
}

// Finish implements txn/participant's EngineHooks; FinishPrepared is the
// coordinator-side alias of the same operation.
func (e *Engine) Finish(gid mtm.GID, commit bool) error {
	ctx := context.Background()
	verb := "ROLLBACK"
	if commit {
		verb = "COMMIT"
	}
	if _, err := e.pool.Exec(ctx, fmt.Sprintf("%s PREPARED '%s'", verb, gidName(gid))); err != nil {
		return fmt.Errorf("engine: %s prepared %s: %w", verb, gid, err)
	}
	return nil
}

// FinishPrepared implements txn/coordinator's EngineHooks.
func (e *Engine) FinishPrepared(gid mtm.GID, commit bool) error {
	return e.Finish(gid, commit)
}

// RecoverPrepared lists every transaction this node's Postgres instance
// still has prepared after a restart — gids a crash may have left
// dangling between PREPARE and COMMIT/ROLLBACK PREPARED, which the
// resolver needs to fold into its orphan scan on boot even though no
// in-memory branch record survived the crash to make Orphans report them.
func (e *Engine) RecoverPrepared(ctx context.Context) ([]mtm.GID, error) {
	rows, err := e.pool.Query(ctx, "select gid from pg_prepared_xacts")
	if err != nil {
		return nil, fmt.Errorf("engine: list prepared xacts: %w", err)
	}
	defer rows.Close()

	var gids []mtm.GID
	for rows.Next() {
		var gid string
		if err := rows.Scan(&gid); err != nil {
			return nil, fmt.Errorf("engine: scan prepared xact: %w", err)
		}
		gids = append(gids, mtm.GID(gid))
	}
	return gids, rows.Err()
}

// LocalWaitForEdges implements deadlock.LockGraphSource: it joins
// pg_locks against itself on the blocked lock target to find every
// backend waiting on a lock another local backend already holds, the
// standard self-join Postgres itself documents for "what is blocking
// what" (pg_locks has no blocked_by column of its own). The backend pid
// stands in for bus.LockVertex's XID field: this module has no access to
// a waiting backend's real transaction id until it starts one, while
// pg_locks always has a pid for anything actually holding or waiting on
// a lock.
func (e *Engine) LocalWaitForEdges() []bus.LockEdge {
	ctx := context.Background()
	rows, err := e.pool.Query(ctx, `
		select waiting.pid, blocking.pid
		from pg_locks waiting
		join pg_locks blocking
			on waiting.locktype = blocking.locktype
			and waiting.database is not distinct from blocking.database
			and waiting.relation is not distinct from blocking.relation
			and waiting.page is not distinct from blocking.page
			and waiting.tuple is not distinct from blocking.tuple
			and waiting.transactionid is not distinct from blocking.transactionid
			and waiting.pid != blocking.pid
		where not waiting.granted and blocking.granted`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var edges []bus.LockEdge
	for rows.Next() {
		var waiterPID, holderPID int32
		if err := rows.Scan(&waiterPID, &holderPID); err != nil {
			return edges
		}
		edges = append(edges, bus.LockEdge{
			Waiter: bus.LockVertex{Node: e.me, XID: uint64(waiterPID)},
			Holder: bus.LockVertex{Node: e.me, XID: uint64(holderPID)},
		})
	}
	return edges
}

// FinishMany applies every decision in decisions concurrently: unlike the
// resolver's own Paxos broadcast (asynchronous, reply-by-callback), each
// COMMIT/ROLLBACK PREPARED here is a single blocking pgx round trip with
// its own result to collect, the shape errgroup actually fits.
func (e *Engine) FinishMany(ctx context.Context, decisions map[mtm.GID]bool) error {
	g, ctx := errgroup.WithContext(ctx)
	for gid, commit := range decisions {
		gid, commit := gid, commit
		g.Go(func() error {
			verb := "ROLLBACK"
			if commit {
				verb = "COMMIT"
			}
			_, err := e.pool.Exec(ctx, fmt.Sprintf("%s PREPARED '%s'", verb, gidName(gid)))
			if err != nil {
				return fmt.Errorf("engine: %s prepared %s: %w", verb, gid, err)
			}
			return nil
		})
	}
	return g.Wait()
}
