// Package wal implements the logical record log: the single-byte-tag
// records a node emits into its replication stream (ParallelSafe,
// Snapshot, Abort, LockGraph, SequenceNext, BroadcastTable, DDL markers),
// backed by github.com/tidwall/wal the same way log_manager.go backs its
// txn-state log.
package wal

import (
	"mtmcore/mtm"

	"github.com/goccy/go-json"
)

// RecordType is the single-byte type tag identifying a record's payload.
type RecordType byte

const (
	TypeParallelSafe    RecordType = 'P'
	TypeSnapshot        RecordType = 'S'
	TypeAbort           RecordType = 'A'
	TypeLockGraph       RecordType = 'L'
	TypeSequenceNext    RecordType = 'N'
	TypeBroadcastTable  RecordType = 'B'
	TypeDDLTransactional RecordType = 'D'
	TypeDDLConcurrent   RecordType = 'C'
	TypeDDLEnd          RecordType = 'E'
)

// ParallelSafePayload is emitted at gen switch on donors: the watermark
// past which a donor has forwarded every prepare of every generation
// earlier than Gen.
type ParallelSafePayload struct {
	GenNum     uint64
	Members    mtm.NodeMask
	Configured mtm.NodeMask
	Donors     mtm.NodeMask
}

// SnapshotPayload is emitted once per read-committed snapshot acquisition
// during a distributed transaction.
type SnapshotPayload struct {
	CSN uint64
}

// AbortPayload is emitted by a participant that refused a prepare.
type AbortPayload struct {
	GID        mtm.GID
	OriginNode mtm.NodeID
	OriginLSN  uint64
}

// LockGraphPayload carries one node's local wait-for subgraph, opaque to
// everyone but the deadlock package.
type LockGraphPayload struct {
	Graph []byte
}

// SequenceNextPayload tracks a monotonic sequence's next value.
type SequenceNextPayload struct {
	SeqID uint64
	Next  uint64
}

// BroadcastTablePayload is a bulk table-copy directive.
type BroadcastTablePayload struct {
	SourceOID  uint64
	TargetMask mtm.NodeMask
}

// DDLPayload carries the SQL text plus a GUC prelude for D/C/E markers.
type DDLPayload struct {
	SQL       string
	GUCPrelude string
}

// Record is one logged entry: a type tag plus its JSON-encoded payload.
// The LSN is the tidwall/wal index Log.Append assigns; Log frames the
// type tag and payload length itself.
type Record struct {
	Type    RecordType
	Payload []byte
}

func encode(t RecordType, payload interface{}) Record {
	b, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return Record{Type: t, Payload: b}
}

// NewParallelSafe builds a ParallelSafe record.
func NewParallelSafe(gen mtm.Generation, donors mtm.NodeMask) Record {
	return encode(TypeParallelSafe, ParallelSafePayload{
		GenNum: gen.Num, Members: gen.Members, Configured: gen.Configured, Donors: donors,
	})
}

// DecodeParallelSafe extracts the payload of a ParallelSafe record.
func DecodeParallelSafe(r Record) (ParallelSafePayload, error) {
	var p ParallelSafePayload
	err := json.Unmarshal(r.Payload, &p)
	return p, err
}

// NewAbort builds an Abort record.
func NewAbort(gid mtm.GID, origin mtm.NodeID, lsn uint64) Record {
	return encode(TypeAbort, AbortPayload{GID: gid, OriginNode: origin, OriginLSN: lsn})
}

// NewLockGraph builds a LockGraph record. graph is the deadlock
// package's own wire encoding of its local wait-for subgraph, opaque
// here.
func NewLockGraph(graph []byte) Record {
	return encode(TypeLockGraph, LockGraphPayload{Graph: graph})
}

// DecodeLockGraph extracts the payload of a LockGraph record.
func DecodeLockGraph(r Record) (LockGraphPayload, error) {
	var p LockGraphPayload
	err := json.Unmarshal(r.Payload, &p)
	return p, err
}
