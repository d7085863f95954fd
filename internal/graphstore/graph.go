package graphstore

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"clarium.evalgo.org/config"
	"clarium.evalgo.org/internal/clariumerr"
)

// Partition bundles one partition's base CSR segment (reloaded on
// compaction) with its delta log and in-memory delta index.
type Partition struct {
	Base      *AdjSegment
	Delta     *DeltaIndex
	Log       *DeltaLog
	seq       int
}

// Graph is one open `<name>.gstore` handle: manifest, node dictionary, and
// per-partition base+delta state, plus the WAL for new writes. Per
// spec.md §5, a handle has a single writer but may be read concurrently.
type Graph struct {
	dir      string
	mu       sync.RWMutex
	manifest *Manifest
	dict     *Dict
	parts    []*Partition
	wal      *WAL
	nextTxn  uint64
	epoch    uint64

	recoveries int64
	commits    int64
	bfsCalls   int64

	redisMirror *redisStatusMirror
}

// Open loads dir/meta/manifest.json, the node dictionary, every
// partition's latest adjacency segment and delta log, then runs recovery
// to replay any WAL records not yet persisted to a delta log (spec.md
// §4.9 "Opening a graph").
func Open(dir string) (*Graph, error) {
	m, err := LoadManifest(dir)
	if err != nil {
		return nil, err
	}

	walRecords, err := ReadAllWAL(dir)
	if err != nil {
		return nil, err
	}

	dict, err := LoadDict(dir, m, bucketCommittedNodes(walRecords))
	if err != nil {
		return nil, err
	}

	committedEdges := bucketCommittedEdges(walRecords)

	g := &Graph{dir: dir, manifest: m, dict: dict, epoch: m.Epoch, redisMirror: newRedisStatusMirror(dir)}

	// Seed the transaction counter past every txn id the WAL has seen, so a
	// reopened graph never reuses an id the delta logs' seen-sets already
	// contain (a reused (txn_id, op_index) pair would be dropped as a
	// duplicate on append).
	for _, r := range walRecords {
		if r.TxnID >= g.nextTxn {
			g.nextTxn = r.TxnID + 1
		}
	}

	recovered := false
	for pi := 0; pi < m.Partitions; pi++ {
		var base *AdjSegment
		var pm PartitionManifest
		if pi < len(m.Edges.Partitions) {
			pm = m.Edges.Partitions[pi]
			if seg := pm.LatestAdjSegment(); seg != "" {
				base, err = ReadAdjSegment(filepath.Join(dir, "edges", seg))
				if err != nil {
					return nil, err
				}
			}
		}
		logPath := pm.DeltaLog
		if logPath == "" {
			logPath = filepath.Join(dir, "edges", fmt.Sprintf("part%d.delta.log", pi))
		} else {
			logPath = filepath.Join(dir, "edges", logPath)
		}
		log, idx, err := OpenDeltaLog(logPath)
		if err != nil {
			return nil, err
		}

		if applied, err := recoverPartition(log, idx, uint32(pi), committedEdges); err != nil {
			return nil, err
		} else if applied > 0 {
			recovered = true
		}

		g.parts = append(g.parts, &Partition{Base: base, Delta: idx, Log: log, seq: latestSeq(pm)})
	}
	if recovered {
		atomic.AddInt64(&g.recoveries, 1)
		g.redisMirror.incr("recoveries")
	}

	windowMS := config.NewEnvConfig("CLARIUM_GRAPH").GetInt("COMMIT_WINDOW_MS", 3)
	wal, err := OpenWAL(dir, time.Duration(windowMS)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	g.wal = wal
	return g, nil
}

func latestSeq(pm PartitionManifest) int {
	seg := pm.LatestAdjSegment()
	if seg == "" {
		return 0
	}
	var part, seq int
	fmt.Sscanf(filepath.Base(seg), "adj.P%d.seg.%d", &part, &seq)
	return seq
}


// Txn buffers node and edge operations for one transaction (spec.md
// §4.9's write path).
type Txn struct {
	g     *Graph
	id    uint64
	nodes []NodeOp
	edges []EdgeOp
}

// Begin starts a transaction, allocating node ids on demand for any
// AddNode call made against it.
func (g *Graph) Begin() *Txn {
	g.mu.Lock()
	id := g.nextTxn
	g.nextTxn++
	g.mu.Unlock()
	return &Txn{g: g, id: id}
}

// AddNode buffers a node upsert, allocating a fresh dense id.
func (t *Txn) AddNode(label, key string) uint64 {
	id := t.g.dict.Allocate()
	t.nodes = append(t.nodes, NodeOp{Op: OpAdd, Label: label, Key: key, HasID: true, NodeID: id})
	return id
}

// DeleteNode buffers a node deletion.
func (t *Txn) DeleteNode(label, key string) {
	t.nodes = append(t.nodes, NodeOp{Op: OpDelete, Label: label, Key: key})
}

// AddEdge buffers an edge addition, assigning its partition by
// `partition_id(src) = src mod manifest.partitions`.
func (t *Txn) AddEdge(src, dst uint64, etypeID uint16) {
	part := uint32(PartitionOf(src, t.g.manifest.Partitions))
	t.edges = append(t.edges, EdgeOp{Op: OpAdd, Partition: part, Src: src, Dst: dst, EtypeID: etypeID})
}

// DeleteEdge buffers an edge tombstone.
func (t *Txn) DeleteEdge(src, dst uint64, etypeID uint16) {
	part := uint32(PartitionOf(src, t.g.manifest.Partitions))
	t.edges = append(t.edges, EdgeOp{Op: OpDelete, Partition: part, Src: src, Dst: dst, EtypeID: etypeID})
}

// Commit appends Begin/Data/Commit WAL records, waits for durability, then
// persists each edge op to its partition's delta log and updates the
// in-memory node dictionary (spec.md §4.9's write path).
func (t *Txn) Commit() error {
	g := t.g
	snapshotEpoch := atomic.LoadUint64(&g.epoch)
	if err := g.wal.AppendBegin(t.id, snapshotEpoch); err != nil {
		return clariumerr.IO(err, "appending WAL Begin for txn %d", t.id)
	}
	if len(t.nodes) > 0 || len(t.edges) > 0 {
		if err := g.wal.AppendData(t.id, t.nodes, t.edges); err != nil {
			return clariumerr.IO(err, "appending WAL Data for txn %d", t.id)
		}
	}
	commitEpoch := atomic.LoadUint64(&g.epoch)
	if err := g.wal.Commit(t.id, commitEpoch); err != nil {
		return clariumerr.IO(err, "committing WAL for txn %d", t.id)
	}
	atomic.AddInt64(&g.commits, 1)
	g.redisMirror.incr("commits")

	opIndex := uint32(0)
	for _, e := range t.edges {
		part := g.parts[e.Partition]
		rec := DeltaRecord{TxnID: t.id, OpIndex: opIndex, Op: e.Op, Src: e.Src, Dst: e.Dst}
		if err := part.Log.Append(rec, part.Delta); err != nil {
			return clariumerr.IO(err, "appending delta log for partition %d", e.Partition)
		}
		opIndex++
	}
	for _, n := range t.nodes {
		g.dict.Apply(NodeDelta{Op: n.Op, Label: n.Label, Key: n.Key, ID: n.NodeID})
	}
	return nil
}

// Abort writes an Abort record and discards all buffered operations.
func (t *Txn) Abort() error {
	return t.g.wal.AppendAbort(t.id)
}

// Status mirrors `SHOW GRAPH STATUS`'s observability counters (spec.md
// §4.9).
type Status struct {
	Epoch        uint64
	Partitions   int
	Recoveries   int64
	Commits      int64
	BFSCalls     int64
	LastBatchID  string
}

func (g *Graph) Status() Status {
	s := Status{
		Epoch:       atomic.LoadUint64(&g.epoch),
		Partitions:  g.manifest.Partitions,
		Recoveries:  atomic.LoadInt64(&g.recoveries),
		Commits:     atomic.LoadInt64(&g.commits),
		BFSCalls:    atomic.LoadInt64(&g.bfsCalls),
		LastBatchID: g.wal.LastBatchID(),
	}
	return g.redisMirror.merge(s)
}

// Close closes the WAL, every partition's delta log, and the redis status
// mirror if one was configured.
func (g *Graph) Close() error {
	var firstErr error
	if err := g.wal.Close(); err != nil {
		firstErr = err
	}
	for _, p := range g.parts {
		if err := p.Log.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := g.redisMirror.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
