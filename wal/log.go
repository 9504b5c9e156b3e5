package wal

import (
	"encoding/binary"
	"fmt"
	"sync"

	twal "github.com/tidwall/wal"
)

// Log is an append-only logical record log for one node, riding on
// tidwall/wal the way LogManager rides it for txn-state transitions; here
// it carries the full logical replication record set rather than just
// txn state.
type Log struct {
	mu  sync.Mutex
	lsn uint64
	log *twal.Log
}

// Open opens (or creates) the log rooted at dir.
func Open(dir string) (*Log, error) {
	l, err := twal.Open(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("wal: open: %w", err)
	}
	last, err := l.LastIndex()
	if err != nil {
		return nil, fmt.Errorf("wal: last index: %w", err)
	}
	return &Log{log: l, lsn: last}, nil
}

// Append writes rec as the next entry and returns its LSN.
func (l *Log) Append(rec Record) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lsn++
	raw := frame(rec)
	if err := l.log.Write(l.lsn, raw); err != nil {
		l.lsn--
		return 0, fmt.Errorf("wal: write: %w", err)
	}
	return l.lsn, nil
}

// Read returns the record at lsn.
func (l *Log) Read(lsn uint64) (Record, error) {
	raw, err := l.log.Read(lsn)
	if err != nil {
		return Record{}, fmt.Errorf("wal: read: %w", err)
	}
	return unframe(raw)
}

// LastIndex returns the most recently written LSN.
func (l *Log) LastIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lsn
}

// Close releases the underlying log file.
func (l *Log) Close() error {
	return l.log.Close()
}

func frame(rec Record) []byte {
	buf := make([]byte, 1+4+len(rec.Payload))
	buf[0] = byte(rec.Type)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(rec.Payload)))
	copy(buf[5:], rec.Payload)
	return buf
}

func unframe(raw []byte) (Record, error) {
	if len(raw) < 5 {
		return Record{}, fmt.Errorf("wal: short record frame")
	}
	n := binary.BigEndian.Uint32(raw[1:5])
	if int(n) != len(raw)-5 {
		return Record{}, fmt.Errorf("wal: frame length mismatch")
	}
	return Record{Type: RecordType(raw[0]), Payload: raw[5:]}, nil
}
