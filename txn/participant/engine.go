package participant

import "mtmcore/mtm"

// EngineHooks is what the participant needs from the local database engine
// to apply a replicated transaction and carry it through the native
// two-phase commit primitives. A pgx-backed implementation lives in
// package engine; tests in this package use a fake.
type EngineHooks interface {
	// Prepare applies gid's replicated write set against a fresh local
	// transaction and issues PREPARE TRANSACTION. A non-nil error means the
	// local apply or prepare itself failed and the branch must be refused.
	Prepare(gid mtm.GID) error
	// PreCommit advances gid's already-prepared local transaction to the
	// pre-committed state.
	PreCommit(gid mtm.GID) error
	// Finish issues COMMIT PREPARED when commit is true, or ROLLBACK
	// PREPARED otherwise, for gid.
	Finish(gid mtm.GID, commit bool) error
}
