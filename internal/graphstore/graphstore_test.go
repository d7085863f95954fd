package graphstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustReadFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func mustWriteFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func newTestGraph(t *testing.T) (*Graph, string) {
	t.Helper()
	dir := t.TempDir()
	m := &Manifest{Engine: "graphstore", Epoch: 0, Partitions: 2, Partitioning: "hash_mod"}
	require.NoError(t, Rotate(dir, m))

	g, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g, dir
}

func TestManifestValidateRejectsBadEngine(t *testing.T) {
	dir := t.TempDir()
	m := &Manifest{Engine: "wat", Partitions: 1}
	err := m.Validate(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine")
}

func TestManifestRotateThenLoad(t *testing.T) {
	dir := t.TempDir()
	m := &Manifest{Engine: "graphstore", Epoch: 1, Partitions: 3, Partitioning: "hash_mod"}
	require.NoError(t, Rotate(dir, m))

	loaded, err := LoadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), loaded.Epoch)
	assert.Equal(t, 3, loaded.Partitions)
}

func TestLoadManifestMissingReturnsNotFound(t *testing.T) {
	_, err := LoadManifest(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifest not found")
}

func TestAdjSegmentRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "adj.P0.seg.1")
	rowPtr := []uint64{0, 2, 2, 3}
	cols := []uint64{1, 2, 0}
	require.NoError(t, WriteAdjSegment(path, rowPtr, cols))

	seg, err := ReadAdjSegment(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seg.Nodes)
	assert.Equal(t, uint64(3), seg.Edges)
	assert.Equal(t, []uint64{1, 2}, seg.Neighbors(0))
	assert.Empty(t, seg.Neighbors(1))
	assert.Equal(t, []uint64{0}, seg.Neighbors(2))
}

func TestAdjSegmentRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.seg")
	require.NoError(t, WriteAdjSegment(path, []uint64{0}, nil))

	data := mustReadFile(t, path)
	data[0] = 0xFF
	mustWriteFile(t, path, data)

	_, err := ReadAdjSegment(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid adj magic")
}

func TestDeltaLogIdempotentReplay(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "part0.delta.log")

	log, idx, err := OpenDeltaLog(logPath)
	require.NoError(t, err)
	rec := DeltaRecord{TxnID: 1, OpIndex: 0, Op: OpAdd, Src: 10, Dst: 20}
	require.NoError(t, log.Append(rec, idx))
	require.NoError(t, log.Append(rec, idx)) // duplicate, must be a no-op
	require.NoError(t, log.Close())

	_, idx2, err := OpenDeltaLog(logPath)
	require.NoError(t, err)
	records, _ := idx2.Stats()
	assert.Equal(t, 1, records, "idempotent replay must not double-apply a duplicate record")
	assert.Equal(t, []uint64{20}, idx2.AddsFor(10))
}

func TestGraphCommitAndBFS(t *testing.T) {
	g, _ := newTestGraph(t)

	txn := g.Begin()
	a := txn.AddNode("person", "alice")
	b := txn.AddNode("person", "bob")
	c := txn.AddNode("person", "carol")
	txn.AddEdge(a, b, 0)
	txn.AddEdge(b, c, 0)
	require.NoError(t, txn.Commit())

	out, err := g.BFS("person:alice", 2)
	require.NoError(t, err)
	require.Equal(t, 2, out.NumRows())
	assert.Equal(t, "person:bob", out.Columns[0].Values[0].Str)
	assert.Equal(t, int64(1), out.Columns[2].Values[0].I64)
	assert.Equal(t, "person:carol", out.Columns[0].Values[1].Str)
	assert.Equal(t, int64(2), out.Columns[2].Values[1].I64)
}

func TestGraphBFSRespectsTombstone(t *testing.T) {
	g, _ := newTestGraph(t)

	txn := g.Begin()
	a := txn.AddNode("person", "alice")
	b := txn.AddNode("person", "bob")
	txn.AddEdge(a, b, 0)
	require.NoError(t, txn.Commit())

	txn2 := g.Begin()
	txn2.DeleteEdge(a, b, 0)
	require.NoError(t, txn2.Commit())

	out, err := g.BFS("person:alice", 1)
	require.NoError(t, err)
	assert.Equal(t, 0, out.NumRows())
}

func TestCompactionMergesBaseAndDelta(t *testing.T) {
	g, dir := newTestGraph(t)

	txn := g.Begin()
	a := txn.AddNode("person", "alice")
	b := txn.AddNode("person", "bob")
	txn.AddEdge(a, b, 0)
	require.NoError(t, txn.Commit())

	require.NoError(t, g.CompactPartition(int(PartitionOf(a, g.manifest.Partitions))))

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	out, err := reopened.BFS("person:alice", 1)
	require.NoError(t, err)
	require.Equal(t, 1, out.NumRows())
	assert.Equal(t, "person:bob", out.Columns[0].Values[0].Str)
}

func TestGCTriggersCompactionAndBumpsEpoch(t *testing.T) {
	g, dir := newTestGraph(t)

	txn := g.Begin()
	a := txn.AddNode("tool", "planner")
	b := txn.AddNode("tool", "executor")
	txn.AddEdge(a, b, 0)
	require.NoError(t, txn.Commit())

	t.Setenv("CLARIUM_GRAPH_GC_MAX_DELTA_RECORDS", "1")
	compacted, err := g.GC(ThresholdsFromEnv())
	require.NoError(t, err)
	require.NotEmpty(t, compacted)

	assert.GreaterOrEqual(t, g.Status().Epoch, uint64(1), "compaction bumps the manifest epoch")
	_, statErr := os.Stat(filepath.Join(dir, "edges", "adj.P000.seg.1"))
	assert.NoError(t, statErr, "compaction writes a fresh sequence-numbered segment")

	out, err := g.BFS("tool:planner", 1)
	require.NoError(t, err)
	require.Equal(t, 1, out.NumRows())
	assert.Equal(t, "tool:executor", out.Columns[0].Values[0].Str)
}

func TestGCScanWalksEveryStoreUnderRoot(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "clarium", "public", "know.gstore")
	m := &Manifest{Engine: "graphstore", Epoch: 0, Partitions: 1, Partitioning: "hash_mod"}
	require.NoError(t, Rotate(dir, m))

	g, err := Open(dir)
	require.NoError(t, err)
	txn := g.Begin()
	a := txn.AddNode("tool", "planner")
	b := txn.AddNode("tool", "executor")
	txn.AddEdge(a, b, 0)
	require.NoError(t, txn.Commit())
	require.NoError(t, g.Close())

	t.Setenv("CLARIUM_GRAPH_GC_MAX_DELTA_RECORDS", "1")
	compacted, errs := GCScan(root, ThresholdsFromEnv())
	assert.Empty(t, errs)
	assert.Contains(t, compacted, dir)
}

func TestNeedsCompactionThresholds(t *testing.T) {
	g, _ := newTestGraph(t)
	txn := g.Begin()
	a := txn.AddNode("person", "alice")
	b := txn.AddNode("person", "bob")
	txn.AddEdge(a, b, 0)
	require.NoError(t, txn.Commit())

	assert.False(t, g.NeedsCompaction(int(PartitionOf(a, g.manifest.Partitions)), GCThresholds{MaxDeltaRecords: 10000, TombstoneRatioPPM: 300000}))
	assert.True(t, g.NeedsCompaction(int(PartitionOf(a, g.manifest.Partitions)), GCThresholds{MaxDeltaRecords: 1, TombstoneRatioPPM: 300000}))
}
