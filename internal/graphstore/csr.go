package graphstore

import (
	"encoding/binary"
	"fmt"
	"os"

	"clarium.evalgo.org/internal/clariumerr"
)

// AdjSegment is one immutable CSR adjacency file, read fully into memory.
// The spec calls for memory-mapped access; no mmap library is a dependency
// of this module, so ReadAdjSegment reads the whole file and decodes its
// row_ptr and cols arrays into in-memory slices instead.
type AdjSegment struct {
	Nodes   uint64
	Edges   uint64
	RowPtr  []uint64
	Cols    []uint64
}

// ReadAdjSegment loads and validates one adjacency segment file: magic,
// row_ptr monotonicity, and the `row_ptr[nodes] == edges` terminal
// invariant (spec.md §4.9/§6/§7).
func ReadAdjSegment(path string) (*AdjSegment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, clariumerr.NotFound("adjacency segment not found at %s", path)
		}
		return nil, clariumerr.IO(err, "reading adjacency segment %s", path)
	}
	if len(data) < adjHeaderLen {
		return nil, clariumerr.Corrupt("adjacency segment %s too short for header", path)
	}
	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != adjMagic {
		return nil, clariumerr.Corrupt("invalid adj magic in %s", path)
	}
	nodes := binary.LittleEndian.Uint64(data[8:16])
	edges := binary.LittleEndian.Uint64(data[16:24])
	rowPtrOff := binary.LittleEndian.Uint64(data[24:32])
	colsOff := binary.LittleEndian.Uint64(data[32:40])

	rowPtrLen := nodes + 1
	need := rowPtrOff + rowPtrLen*8
	if uint64(len(data)) < need {
		return nil, clariumerr.Corrupt("adjacency segment %s truncated row_ptr array", path)
	}
	rowPtr := make([]uint64, rowPtrLen)
	for i := uint64(0); i < rowPtrLen; i++ {
		off := rowPtrOff + i*8
		rowPtr[i] = binary.LittleEndian.Uint64(data[off : off+8])
		if i > 0 && rowPtr[i] < rowPtr[i-1] {
			return nil, clariumerr.Corrupt("row_ptr not monotonic at idx %d", i)
		}
	}
	if rowPtr[nodes] != edges {
		return nil, clariumerr.Corrupt("row_ptr not monotonic at idx %d", nodes)
	}

	need = colsOff + edges*8
	if uint64(len(data)) < need {
		return nil, clariumerr.Corrupt("adjacency segment %s truncated cols array", path)
	}
	cols := make([]uint64, edges)
	for i := uint64(0); i < edges; i++ {
		off := colsOff + i*8
		cols[i] = binary.LittleEndian.Uint64(data[off : off+8])
	}

	return &AdjSegment{Nodes: nodes, Edges: edges, RowPtr: rowPtr, Cols: cols}, nil
}

// Neighbors returns the base-segment out-neighbors of node, or nil if node
// is out of range.
func (s *AdjSegment) Neighbors(node uint64) []uint64 {
	if s == nil || node >= s.Nodes {
		return nil
	}
	start, end := s.RowPtr[node], s.RowPtr[node+1]
	return s.Cols[start:end]
}

// WriteAdjSegment serializes a CSR segment (already-built row_ptr/cols
// arrays, produced in node-id order) to path.
func WriteAdjSegment(path string, rowPtr, cols []uint64) error {
	nodes := uint64(len(rowPtr) - 1)
	edges := uint64(len(cols))
	if len(rowPtr) == 0 || rowPtr[len(rowPtr)-1] != edges {
		return fmt.Errorf("graphstore: row_ptr terminal value must equal edge count")
	}

	rowPtrOff := uint64(adjHeaderLen)
	colsOff := rowPtrOff + uint64(len(rowPtr))*8

	buf := make([]byte, colsOff+edges*8)
	binary.LittleEndian.PutUint32(buf[0:4], adjMagic)
	binary.LittleEndian.PutUint16(buf[4:6], adjVersion)
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	binary.LittleEndian.PutUint64(buf[8:16], nodes)
	binary.LittleEndian.PutUint64(buf[16:24], edges)
	binary.LittleEndian.PutUint64(buf[24:32], rowPtrOff)
	binary.LittleEndian.PutUint64(buf[32:40], colsOff)

	for i, v := range rowPtr {
		off := rowPtrOff + uint64(i)*8
		binary.LittleEndian.PutUint64(buf[off:off+8], v)
	}
	for i, v := range cols {
		off := colsOff + uint64(i)*8
		binary.LittleEndian.PutUint64(buf[off:off+8], v)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(buf); err != nil {
		return err
	}
	return f.Sync()
}

// PartitionOf returns the partition index a node belongs to under the only
// supported partitioning strategy, "hash_mod" (spec.md §6).
func PartitionOf(nodeID uint64, partitions int) int {
	return int(nodeID % uint64(partitions))
}
