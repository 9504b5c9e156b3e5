// Package persist implements the crash-safe persistent state store: a
// single fixed-layout binary record written via temp-file + fsync + atomic
// rename + directory fsync, never leaving a partial write visible.
//
// The record has a fixed field order and CRC32C placement, so it is
// hand-packed with encoding/binary rather than routed through the JSON
// codec the rest of the repo uses (goccy/go-json)
// — a general-purpose serializer would not reproduce this exact byte layout.
package persist

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"mtmcore/config"
	"mtmcore/mtm"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

const recordLen = 4 + 4 + 4 + 8*8 // magic + crc + version + 8 u64 fields

// Store owns the single persistent-state file for one node. It is the
// only writer; callers must serialize calls to Save under the Generation
// Manager's gen_lock: Save always runs inside that critical section.
type Store struct {
	dir  string
	path string
}

// Open returns a Store rooted at dir/state.bin. It does not load state;
// call Load explicitly so a missing file is distinguishable from an empty
// cluster bootstrap at the caller's discretion.
func Open(dir string) *Store {
	return &Store{dir: dir, path: filepath.Join(dir, "state.bin")}
}

// Save atomically persists st. It writes to a temp file in the same
// directory, fsyncs the file, renames over the canonical path, then
// fsyncs the directory — so a crash can never observe a partial write.
func (s *Store) Save(st mtm.PersistentState) error {
	buf := encode(st)
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("persist: open temp file: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("persist: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("persist: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("persist: close temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("persist: rename: %w", err)
	}
	dir, err := os.Open(s.dir)
	if err != nil {
		return fmt.Errorf("persist: open dir: %w", err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("persist: fsync dir: %w", err)
	}
	return nil
}

// Load reads and validates the persistent state file. A checksum mismatch
// or bad magic/version returns mtm.ErrCorruptedState: the node must refuse
// to operate until an operator resolves it.
func (s *Store) Load() (mtm.PersistentState, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return mtm.PersistentState{}, os.ErrNotExist
	}
	if err != nil {
		return mtm.PersistentState{}, fmt.Errorf("persist: read: %w", err)
	}
	st, err := decode(raw)
	if err != nil {
		return mtm.PersistentState{}, err
	}
	return st, nil
}

func encode(st mtm.PersistentState) []byte {
	body := make([]byte, recordLen-8) // everything after magic+crc
	binary.BigEndian.PutUint32(body[0:4], config.StateFileVersion)
	binary.BigEndian.PutUint64(body[4:12], st.CurrentGen.Num)
	binary.BigEndian.PutUint64(body[12:20], uint64(st.CurrentGen.Members))
	binary.BigEndian.PutUint64(body[20:28], uint64(st.CurrentGen.Configured))
	binary.BigEndian.PutUint64(body[28:36], uint64(st.Donors))
	binary.BigEndian.PutUint64(body[36:44], st.LastOnlineIn)
	binary.BigEndian.PutUint64(body[44:52], st.LastVote.Num)
	binary.BigEndian.PutUint64(body[52:60], uint64(st.LastVote.Members))
	binary.BigEndian.PutUint64(body[60:68], uint64(st.LastVote.Configured))

	crc := crc32.Checksum(body, crc32cTable)

	buf := make([]byte, recordLen)
	binary.BigEndian.PutUint32(buf[0:4], config.StateFileMagic)
	binary.BigEndian.PutUint32(buf[4:8], crc)
	copy(buf[8:], body)
	return buf
}

func decode(raw []byte) (mtm.PersistentState, error) {
	if len(raw) != recordLen {
		return mtm.PersistentState{}, fmt.Errorf("%w: wrong length %d", mtm.ErrCorruptedState, len(raw))
	}
	gotMagic := binary.BigEndian.Uint32(raw[0:4])
	if gotMagic != config.StateFileMagic {
		return mtm.PersistentState{}, fmt.Errorf("%w: bad magic", mtm.ErrCorruptedState)
	}
	gotCRC := binary.BigEndian.Uint32(raw[4:8])
	body := raw[8:]
	wantCRC := crc32.Checksum(body, crc32cTable)
	if gotCRC != wantCRC {
		return mtm.PersistentState{}, fmt.Errorf("%w: crc mismatch", mtm.ErrCorruptedState)
	}
	version := binary.BigEndian.Uint32(body[0:4])
	if version != config.StateFileVersion {
		return mtm.PersistentState{}, fmt.Errorf("%w: unsupported version %d", mtm.ErrCorruptedState, version)
	}
	st := mtm.PersistentState{
		CurrentGen: mtm.Generation{
			Num:        binary.BigEndian.Uint64(body[4:12]),
			Members:    mtm.NodeMask(binary.BigEndian.Uint64(body[12:20])),
			Configured: mtm.NodeMask(binary.BigEndian.Uint64(body[20:28])),
		},
		Donors:       mtm.NodeMask(binary.BigEndian.Uint64(body[28:36])),
		LastOnlineIn: binary.BigEndian.Uint64(body[36:44]),
		LastVote: mtm.Generation{
			Num:        binary.BigEndian.Uint64(body[44:52]),
			Members:    mtm.NodeMask(binary.BigEndian.Uint64(body[52:60])),
			Configured: mtm.NodeMask(binary.BigEndian.Uint64(body[60:68])),
		},
	}
	return st, nil
}
