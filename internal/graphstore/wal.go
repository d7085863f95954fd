package graphstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NodeOp is one node-dictionary mutation carried inside a WAL Data record.
type NodeOp struct {
	Op       uint8
	Label    string
	Key      string
	HasID    bool
	NodeID   uint64
}

// EdgeOp is one edge mutation carried inside a WAL Data record.
type EdgeOp struct {
	Op        uint8
	Partition uint32
	Src       uint64
	Dst       uint64
	EtypeID   uint16
}

// WALRecord is one decoded record from a WAL file.
type WALRecord struct {
	Kind          uint8
	TxnID         uint64
	SnapshotEpoch uint64 // Begin
	CommitEpoch   uint64 // Commit
	Nodes         []NodeOp
	Edges         []EdgeOp
}

func encodeWALHeader(kind uint8, payloadLen int) []byte {
	buf := make([]byte, walHeaderLen)
	binary.LittleEndian.PutUint32(buf[0:4], walMagic)
	buf[4] = kind
	buf[5] = walVersion
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(payloadLen))
	return buf
}

func encodeBeginPayload(txnID, snapshotEpoch uint64) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], txnID)
	binary.LittleEndian.PutUint64(buf[8:16], snapshotEpoch)
	return buf
}

func encodeCommitPayload(txnID, commitEpoch uint64) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], txnID)
	binary.LittleEndian.PutUint64(buf[8:16], commitEpoch)
	return buf
}

func encodeAbortPayload(txnID uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, txnID)
	return buf
}

func encodeDataPayload(txnID uint64, nodes []NodeOp, edges []EdgeOp) []byte {
	var buf bytes.Buffer
	var hdr [16]byte
	binary.LittleEndian.PutUint64(hdr[0:8], txnID)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(nodes)))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(edges)))
	buf.Write(hdr[:])
	for _, n := range nodes {
		buf.WriteByte(n.Op)
		writeU16(&buf, uint16(len(n.Label)))
		buf.WriteString(n.Label)
		writeU16(&buf, uint16(len(n.Key)))
		buf.WriteString(n.Key)
		if n.HasID {
			buf.WriteByte(1)
			writeU64(&buf, n.NodeID)
		} else {
			buf.WriteByte(0)
		}
	}
	for _, e := range edges {
		buf.WriteByte(e.Op)
		writeU32(&buf, e.Partition)
		writeU64(&buf, e.Src)
		writeU64(&buf, e.Dst)
		writeU16(&buf, e.EtypeID)
	}
	return buf.Bytes()
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

// decodeWALRecord reads one framed record (header, payload, trailing
// CRC32) from r, returning io.EOF cleanly at a file boundary.
func decodeWALRecord(r io.Reader) (*WALRecord, error) {
	hdr := make([]byte, walHeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	magic := binary.LittleEndian.Uint32(hdr[0:4])
	if magic != walMagic {
		return nil, errBadWALMagic
	}
	kind := hdr[4]
	length := binary.LittleEndian.Uint32(hdr[8:12])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("graphstore: reading WAL payload: %w", err)
	}
	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return nil, fmt.Errorf("graphstore: reading WAL crc: %w", err)
	}
	want := binary.LittleEndian.Uint32(crcBuf[:])
	if crc32.ChecksumIEEE(payload) != want {
		return nil, errCRCMismatch
	}

	rec := &WALRecord{Kind: kind}
	switch kind {
	case walKindBegin:
		if len(payload) < 16 {
			return nil, fmt.Errorf("graphstore: truncated Begin payload")
		}
		rec.TxnID = binary.LittleEndian.Uint64(payload[0:8])
		rec.SnapshotEpoch = binary.LittleEndian.Uint64(payload[8:16])
	case walKindCommit:
		if len(payload) < 16 {
			return nil, fmt.Errorf("graphstore: truncated Commit payload")
		}
		rec.TxnID = binary.LittleEndian.Uint64(payload[0:8])
		rec.CommitEpoch = binary.LittleEndian.Uint64(payload[8:16])
	case walKindAbort:
		if len(payload) < 8 {
			return nil, fmt.Errorf("graphstore: truncated Abort payload")
		}
		rec.TxnID = binary.LittleEndian.Uint64(payload[0:8])
	case walKindData:
		nodes, edges, txnID, err := decodeDataPayload(payload)
		if err != nil {
			return nil, err
		}
		rec.TxnID, rec.Nodes, rec.Edges = txnID, nodes, edges
	default:
		return nil, errUnknownWALKind
	}
	return rec, nil
}

func decodeDataPayload(payload []byte) ([]NodeOp, []EdgeOp, uint64, error) {
	if len(payload) < 16 {
		return nil, nil, 0, fmt.Errorf("graphstore: truncated Data payload")
	}
	txnID := binary.LittleEndian.Uint64(payload[0:8])
	nNodes := binary.LittleEndian.Uint32(payload[8:12])
	nEdges := binary.LittleEndian.Uint32(payload[12:16])
	off := 16

	nodes := make([]NodeOp, 0, nNodes)
	for i := uint32(0); i < nNodes; i++ {
		if off+1+2 > len(payload) {
			return nil, nil, 0, fmt.Errorf("graphstore: truncated node op")
		}
		op := payload[off]
		off++
		labelLen := int(binary.LittleEndian.Uint16(payload[off : off+2]))
		off += 2
		if off+labelLen > len(payload) {
			return nil, nil, 0, fmt.Errorf("graphstore: truncated node label")
		}
		label := string(payload[off : off+labelLen])
		off += labelLen
		if off+2 > len(payload) {
			return nil, nil, 0, fmt.Errorf("graphstore: truncated node key length")
		}
		keyLen := int(binary.LittleEndian.Uint16(payload[off : off+2]))
		off += 2
		if off+keyLen > len(payload) {
			return nil, nil, 0, fmt.Errorf("graphstore: truncated node key")
		}
		key := string(payload[off : off+keyLen])
		off += keyLen
		if off+1 > len(payload) {
			return nil, nil, 0, fmt.Errorf("graphstore: truncated node has_id")
		}
		hasID := payload[off] == 1
		off++
		var nodeID uint64
		if hasID {
			if off+8 > len(payload) {
				return nil, nil, 0, fmt.Errorf("graphstore: truncated node id")
			}
			nodeID = binary.LittleEndian.Uint64(payload[off : off+8])
			off += 8
		}
		nodes = append(nodes, NodeOp{Op: op, Label: label, Key: key, HasID: hasID, NodeID: nodeID})
	}

	edges := make([]EdgeOp, 0, nEdges)
	for i := uint32(0); i < nEdges; i++ {
		if off+1+4+8+8+2 > len(payload) {
			return nil, nil, 0, fmt.Errorf("graphstore: truncated edge op")
		}
		op := payload[off]
		off++
		part := binary.LittleEndian.Uint32(payload[off : off+4])
		off += 4
		src := binary.LittleEndian.Uint64(payload[off : off+8])
		off += 8
		dst := binary.LittleEndian.Uint64(payload[off : off+8])
		off += 8
		etype := binary.LittleEndian.Uint16(payload[off : off+2])
		off += 2
		edges = append(edges, EdgeOp{Op: op, Partition: part, Src: src, Dst: dst, EtypeID: etype})
	}
	return nodes, edges, txnID, nil
}

// WAL is the append-only log for one graph handle: group-commits Commit
// records within a configurable window and rolls the active file past a
// size threshold (spec.md §4.9's write path).
type WAL struct {
	dir          string
	mu           sync.Mutex
	cond         *sync.Cond
	file         *os.File
	size         int64
	rollSize     int64
	commitWindow time.Duration
	pendingSyncs int
	lastSyncErr  error
	syncRound    int
	batchID      string
}

const defaultWALRollSize = 64 << 20 // 64 MiB

// OpenWAL opens (creating if absent) dir/wal/current.lg as the active WAL
// file for appends.
func OpenWAL(dir string, commitWindow time.Duration) (*WAL, error) {
	walDir := filepath.Join(dir, "wal")
	if err := os.MkdirAll(walDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(walDir, "current.lg")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	w := &WAL{
		dir:          walDir,
		file:         f,
		size:         info.Size(),
		rollSize:     defaultWALRollSize,
		commitWindow: commitWindow,
	}
	w.cond = sync.NewCond(&w.mu)
	return w, nil
}

func (w *WAL) appendLocked(kind uint8, payload []byte) error {
	rec := append(encodeWALHeader(kind, len(payload)), payload...)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc32.ChecksumIEEE(payload))
	rec = append(rec, crcBuf[:]...)
	n, err := w.file.Write(rec)
	w.size += int64(n)
	return err
}

// AppendBegin writes an un-synced Begin record.
func (w *WAL) AppendBegin(txnID, snapshotEpoch uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(walKindBegin, encodeBeginPayload(txnID, snapshotEpoch))
}

// AppendData writes an un-synced Data record.
func (w *WAL) AppendData(txnID uint64, nodes []NodeOp, edges []EdgeOp) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(walKindData, encodeDataPayload(txnID, nodes, edges))
}

// AppendAbort writes an un-synced Abort record.
func (w *WAL) AppendAbort(txnID uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(walKindAbort, encodeAbortPayload(txnID))
}

// Commit writes a Commit record and group-commits: the first commit to
// arrive in a round opens the batch and, after sleeping out the window to
// let others join, performs the fsync itself and wakes everyone else who
// joined; every later arrival in that round just blocks on the batch's
// condition variable until the leader's Broadcast fires, rather than each
// racing the mutex on its own timer (spec.md §4.9).
func (w *WAL) Commit(txnID, commitEpoch uint64) error {
	w.mu.Lock()
	if err := w.appendLocked(walKindCommit, encodeCommitPayload(txnID, commitEpoch)); err != nil {
		w.mu.Unlock()
		return err
	}
	myRound := w.syncRound
	leader := w.pendingSyncs == 0
	if leader {
		w.batchID = uuid.NewString()
	}
	w.pendingSyncs++
	w.mu.Unlock()

	if !leader {
		w.mu.Lock()
		defer w.mu.Unlock()
		for myRound == w.syncRound {
			w.cond.Wait()
		}
		return w.lastSyncErr
	}

	time.Sleep(w.commitWindow)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSyncErr = w.file.Sync()
	w.syncRound++
	w.pendingSyncs = 0
	w.cond.Broadcast()
	if err := w.maybeRoll(); err != nil {
		return err
	}
	return w.lastSyncErr
}

// LastBatchID returns the group-commit batch id most recently assigned:
// every Commit call that lands in the same fsync round shares one id, so
// callers correlating commit latency across concurrent transactions can
// tell which writes settled together.
func (w *WAL) LastBatchID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.batchID
}

func (w *WAL) maybeRoll() error {
	if w.size < w.rollSize {
		return nil
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	rolled := filepath.Join(w.dir, fmt.Sprintf("wal.%d.lg", time.Now().UnixMilli()))
	if err := os.Rename(filepath.Join(w.dir, "current.lg"), rolled); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(w.dir, "current.lg"), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	w.size = 0
	return nil
}

// Close flushes and closes the active WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// ReadAllWAL reads every *.lg file under dir/wal in sorted (rolled-then-
// current) order and decodes every record it finds.
func ReadAllWAL(dir string) ([]WALRecord, error) {
	walDir := filepath.Join(dir, "wal")
	entries, err := os.ReadDir(walDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sortRolledThenCurrent(names)

	var out []WALRecord
	for _, name := range names {
		f, err := os.Open(filepath.Join(walDir, name))
		if err != nil {
			return nil, err
		}
		for {
			rec, err := decodeWALRecord(f)
			if err == io.EOF {
				break
			}
			if err != nil {
				f.Close()
				return nil, err
			}
			out = append(out, *rec)
		}
		f.Close()
	}
	return out, nil
}

// sortRolledThenCurrent orders rolled wal.<epoch_ms>.lg files by their
// embedded timestamp ahead of current.lg, so replay sees records in the
// order they were originally written.
func sortRolledThenCurrent(names []string) {
	less := func(a, b string) bool {
		if a == "current.lg" {
			return false
		}
		if b == "current.lg" {
			return true
		}
		return a < b
	}
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && less(names[j], names[j-1]); j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
}
