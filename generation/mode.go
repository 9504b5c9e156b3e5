package generation

import "mtmcore/mtm"

// ReceiveMode is the local receive-side disposition toward the
// replication stream, set on every gen switch.
type ReceiveMode int

const (
	// ModeDisabled: this generation can never admit the node; no stream
	// is consumed.
	ModeDisabled ReceiveMode = iota
	// ModeNormal: the node is a donor of CurrentGen, consuming the
	// per-origin streams directly.
	ModeNormal
	// ModeRecovery: the node is not a donor; it is replaying the
	// recovery stream from RecoveryDonor.
	ModeRecovery
)

func (m ReceiveMode) String() string {
	switch m {
	case ModeNormal:
		return "NORMAL"
	case ModeRecovery:
		return "RECOVERY"
	default:
		return "DISABLED"
	}
}

// snapshot is an internal, lock-free copy of the mutable gen-lock-guarded
// fields, taken under RLock for callers that need a consistent read.
type snapshot struct {
	current       mtm.Generation
	donors        mtm.NodeMask
	lastOnlineIn  uint64
	mode          ReceiveMode
	recoveryDonor mtm.NodeID
}
