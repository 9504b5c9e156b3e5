// Package config collects every tunable and debug toggle for the node in
// one place rather than scattering them through the call sites that use
// them.
package config

import "time"

// Debugging / tracing toggles.
var (
	ShowDebugInfo  = false
	ShowWarnings   = ShowDebugInfo
	ShowTestInfo   = ShowDebugInfo
	ShowGenChanges = true
	LogToFile      = false
)

// Cluster sizing.
const (
	// NMax bounds node_id so a membership set fits one 64-bit word.
	NMax = 64
)

// Timing knobs for heartbeats, 2PC bounds, recovery lag, and retry jitter.
var (
	HeartbeatSendTimeout = 300 * time.Millisecond
	HeartbeatRecvTimeout = 1500 * time.Millisecond
	Min2PCTimeout        = 2 * time.Second
	Max2PCRatio          = 300 // percent
	// MaxRecoveryLagBytes is the WAL-position gap (bytes) beyond which a
	// peer's recovery slot is dropped: connectivity.Tracker stops
	// tracking it as a catchup donor candidate.
	MaxRecoveryLagBytes int64 = 64 << 20
	// MinRecoveryLagBytes is the WAL-position gap (bytes) within which a
	// recovering peer's last heartbeat counts as "caught up" for
	// connectivity.Tracker.RecoveryFreshness.
	MinRecoveryLagBytes int64 = 1 << 20
	TransSpillThreshold int64 = 8 << 20
	// RefereeConnString is the external referee's gRPC address (host:port).
	// Empty disables the referee entirely: an even split is never broken.
	RefereeConnString = ""
	// RefereeCacheConnString selects the referee decision cache's backing
	// store: a "mongodb://" URI routes it to a Mongo collection, anything
	// else (including empty) uses a local file under the data directory.
	RefereeCacheConnString = ""
	PreserveCommitOrder  = false

	// CampaignJitterMax bounds the campaigner's randomized retry delay.
	CampaignJitterMax = 3 * time.Second
	// VoteTourTimeout bounds how long a campaigner waits for VoteResponses
	// before giving up on the current tour.
	VoteTourTimeout = 2 * time.Second
	// CrashFailureTimeout is not read by any component; the coordinator's
	// phase deadline comes from Min2PCTimeout and Max2PCRatio.
	CrashFailureTimeout = 5 * time.Second
	// DeadlockDetectionInterval is how often local wait-for subgraphs are
	// exchanged and merged.
	DeadlockDetectionInterval = 500 * time.Millisecond
	// DeadlockStallTimeout is how long the apply worker pool may go
	// without progress before it is itself treated as cycle evidence.
	DeadlockStallTimeout = 2 * time.Second
	// ResolverPollInterval is how often the resolver scans for newly
	// orphaned transaction branches.
	ResolverPollInterval = 1 * time.Second
	// ResolverRoundTimeout bounds how long one Paxos phase (prepare or
	// accept) waits for a quorum of acceptor replies.
	ResolverRoundTimeout = 2 * time.Second
)

// Policy knobs resolving ambiguous cluster-wide behavior choices — see DESIGN.md.
var (
	AbortOnMinorityGen     = true
	ConcurrentDDLViaCommit = false
)

// Persistent-state file layout.
const (
	StateFileMagic   uint32 = 0xC6068767
	StateFileVersion uint32 = 1
)

// ControlFileName is the file name of the bootstrap marker that
// persist.WriteControlFile creates and persist.ReadControlFile reads.
const ControlFileName = "mtm.control"
