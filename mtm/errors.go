package mtm

import "errors"

// Error taxonomy. Per-transaction errors surface to the
// originating backend as one of these; infrastructure errors either
// self-heal via a gen change or disable the node (handled by the owning
// component, not here).
var (
	ErrNodeNotOnline     = errors.New("mtm: node is not ONLINE in its current generation")
	ErrGenerationChanged = errors.New("mtm: generation changed during transaction wait")
	ErrPrepareTimeout    = errors.New("mtm: prepare/precommit wait timed out")
	ErrRemoteAbort       = errors.New("mtm: a participant refused the transaction")
	ErrCorruptedState    = errors.New("mtm: persistent state failed checksum validation")
	ErrNonRecoverable    = errors.New("mtm: apply-side unrecoverable error, node disabled")
)
