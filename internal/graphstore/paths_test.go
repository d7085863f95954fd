package graphstore

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphPathsEnumeratesEveryWalk(t *testing.T) {
	g, _ := newTestGraph(t)

	txn := g.Begin()
	a := txn.AddNode("person", "alice")
	b := txn.AddNode("person", "bob")
	c := txn.AddNode("person", "carol")
	txn.AddEdge(a, b, 0)
	txn.AddEdge(a, c, 0)
	txn.AddEdge(b, c, 0)
	require.NoError(t, txn.Commit())

	out, err := g.Paths("person:alice", 2)
	require.NoError(t, err)

	paths := map[string][]string{}
	for r := 0; r < out.NumRows(); r++ {
		id := out.Columns[0].Values[r].Str
		paths[id] = append(paths[id], out.Columns[2].Values[r].Str)
	}
	// alice (solo), alice->bob, alice->carol, alice->bob->carol
	assert.Len(t, paths, 4)
	found := map[string]bool{}
	for _, nodes := range paths {
		found[nodeChain(nodes)] = true
	}
	assert.True(t, found["person:alice"])
	assert.True(t, found["person:alice,person:bob"])
	assert.True(t, found["person:alice,person:carol"])
	assert.True(t, found["person:alice,person:bob,person:carol"])
}

func nodeChain(nodes []string) string {
	out := ""
	for i, n := range nodes {
		if i > 0 {
			out += ","
		}
		out += n
	}
	return out
}

func TestGraphPathsUnknownStartIsNotFound(t *testing.T) {
	g, _ := newTestGraph(t)
	_, err := g.Paths("person:nobody", 1)
	require.Error(t, err)
}

func TestRedisStatusMirrorMergesAcrossProcesses(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	t.Setenv("CLARIUM_GRAPH_REDIS_ADDR", mr.Addr())

	dir := t.TempDir()
	m := &Manifest{Engine: "graphstore", Epoch: 0, Partitions: 1, Partitioning: "hash_mod"}
	require.NoError(t, Rotate(dir, m))

	g, err := Open(dir)
	require.NoError(t, err)
	defer g.Close()

	txn := g.Begin()
	a := txn.AddNode("person", "alice")
	txn.AddNode("person", "bob")
	_ = a
	require.NoError(t, txn.Commit())

	status := g.Status()
	assert.Equal(t, int64(1), status.Commits)

	// A second handle against the same redis key space observes the first
	// handle's commit even though it has its own, otherwise-zero counters.
	g2, err := Open(dir)
	require.NoError(t, err)
	defer g2.Close()
	status2 := g2.Status()
	assert.Equal(t, int64(1), status2.Commits)
}
