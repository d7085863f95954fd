package graphstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// DeltaRecord is one decoded delta-log entry (spec.md §6).
type DeltaRecord struct {
	TxnID    uint64
	OpIndex  uint32
	Op       uint8
	Src      uint64
	Dst      uint64
}

// encodeDelta builds the 12-byte header + payload + CRC32 framing for one
// delta-log record (spec.md §6: payload is u64 txn_id, u32 op_index, u8
// op, u64 src, u64 dst).
func encodeDelta(rec DeltaRecord) []byte {
	payload := make([]byte, 8+4+1+8+8)
	binary.LittleEndian.PutUint64(payload[0:8], rec.TxnID)
	binary.LittleEndian.PutUint32(payload[8:12], rec.OpIndex)
	payload[12] = rec.Op
	binary.LittleEndian.PutUint64(payload[13:21], rec.Src)
	binary.LittleEndian.PutUint64(payload[21:29], rec.Dst)

	hdr := make([]byte, deltaHeaderLen)
	binary.LittleEndian.PutUint32(hdr[0:4], deltaLogMagic)
	hdr[4] = deltaLogKind
	hdr[5] = deltaLogVersion
	binary.LittleEndian.PutUint16(hdr[6:8], 0)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(payload)))

	out := append(hdr, payload...)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc32.ChecksumIEEE(payload))
	return append(out, crcBuf[:]...)
}

func decodeDelta(r io.Reader) (*DeltaRecord, error) {
	hdr := make([]byte, deltaHeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != deltaLogMagic {
		return nil, fmt.Errorf("graphstore: bad delta-log magic")
	}
	length := binary.LittleEndian.Uint32(hdr[8:12])
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return nil, err
	}
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(crcBuf[:]) {
		return nil, errCRCMismatch
	}
	if len(payload) < 29 {
		return nil, fmt.Errorf("graphstore: truncated delta-log payload")
	}
	return &DeltaRecord{
		TxnID:   binary.LittleEndian.Uint64(payload[0:8]),
		OpIndex: binary.LittleEndian.Uint32(payload[8:12]),
		Op:      payload[12],
		Src:     binary.LittleEndian.Uint64(payload[13:21]),
		Dst:     binary.LittleEndian.Uint64(payload[21:29]),
	}, nil
}

// DeltaIndex is the in-memory per-partition overlay on top of a base CSR
// segment: adds appended by source node, and a tombstone set hiding base
// or delta edges (spec.md §3 "Graph store entities").
type DeltaIndex struct {
	mu         sync.RWMutex
	adds       map[uint64][]uint64
	tombstones map[[2]uint64]bool
	records    int
	tombRecords int
}

func newDeltaIndex() *DeltaIndex {
	return &DeltaIndex{adds: make(map[uint64][]uint64), tombstones: make(map[[2]uint64]bool)}
}

func (idx *DeltaIndex) apply(rec DeltaRecord) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.records++
	key := [2]uint64{rec.Src, rec.Dst}
	switch rec.Op {
	case OpAdd:
		// A re-add after a delete resurrects the edge: records are applied
		// in log order, so the later add clears the earlier tombstone.
		delete(idx.tombstones, key)
		idx.adds[rec.Src] = append(idx.adds[rec.Src], rec.Dst)
	case OpDelete:
		idx.tombstones[key] = true
		idx.tombRecords++
	}
}

// AddsFor returns the delta-added neighbors of src not hidden by a
// tombstone.
func (idx *DeltaIndex) AddsFor(src uint64) []uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []uint64
	for _, dst := range idx.adds[src] {
		if !idx.tombstones[[2]uint64{src, dst}] {
			out = append(out, dst)
		}
	}
	return out
}

// IsTombstoned reports whether (src,dst) has been deleted.
func (idx *DeltaIndex) IsTombstoned(src, dst uint64) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.tombstones[[2]uint64{src, dst}]
}

// Stats returns the total delta record count and tombstone count, used by
// the GC trigger check (spec.md §4.9).
func (idx *DeltaIndex) Stats() (records, tombstones int) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.records, idx.tombRecords
}

// DeltaLog is the on-disk append-only per-partition edge delta log, with
// idempotent replay guarded by a (txn_id, op_index) seen-set.
type DeltaLog struct {
	mu   sync.Mutex
	path string
	file *os.File
	seen map[[2]uint64]bool
}

// OpenDeltaLog opens (creating if absent) the delta log at path, pre-
// reading it to build the seen-set recovery needs for idempotent replay.
func OpenDeltaLog(path string) (*DeltaLog, *DeltaIndex, error) {
	idx := newDeltaIndex()
	seen := make(map[[2]uint64]bool)

	if f, err := os.Open(path); err == nil {
		for {
			rec, err := decodeDelta(f)
			if err == io.EOF {
				break
			}
			if err != nil {
				f.Close()
				return nil, nil, err
			}
			seen[[2]uint64{rec.TxnID, uint64(rec.OpIndex)}] = true
			idx.apply(*rec)
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return nil, nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return &DeltaLog{path: path, file: f, seen: seen}, idx, nil
}

// Append persists one delta-log record if (txn_id, op_index) has not
// already been applied, then updates idx in memory.
func (l *DeltaLog) Append(rec DeltaRecord, idx *DeltaIndex) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := [2]uint64{rec.TxnID, uint64(rec.OpIndex)}
	if l.seen[key] {
		return nil
	}
	if _, err := l.file.Write(encodeDelta(rec)); err != nil {
		return err
	}
	l.seen[key] = true
	idx.apply(rec)
	return nil
}

// Close closes the underlying file.
func (l *DeltaLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
