package coordinator

import "mtmcore/mtm"

// EngineHooks is what the coordinator needs from the local database engine
// to carry a distributed transaction through the native two-phase commit
// primitives. A pgx-backed implementation lives in package engine; tests in
// this package use a fake.
type EngineHooks interface {
	// PrepareLocal issues PREPARE TRANSACTION for gid against the caller's
	// current local transaction. This is the origin's own vote, implicitly
	// yes once the engine calls PrePrepare at all — a non-nil error means
	// the local engine itself refused (constraint violation, deadlock).
	PrepareLocal(gid mtm.GID) error
	// FinishPrepared issues COMMIT PREPARED when commit is true, or
	// ROLLBACK PREPARED otherwise, for gid.
	FinishPrepared(gid mtm.GID, commit bool) error
}
