package graphstore

import (
	"fmt"
	"sync/atomic"

	"clarium.evalgo.org/internal/clariumerr"
	"clarium.evalgo.org/internal/dataframe"
)

type bfsQueueItem struct {
	node uint64
	prev uint64
	hop  int
}

// BFS implements the graph_neighbors read path (spec.md §4.9 C13): resolve
// start via the dictionary, then expand breadth-first up to maxHops,
// merging each visited node's base-CSR neighbors with its partition's
// delta-add neighbors and excluding anything tombstoned. Rows are emitted
// as {node_id, prev_id, hop}, preferring the dictionary key over the raw
// numeric id.
func (g *Graph) BFS(start string, maxHops int) (*dataframe.Dataframe, error) {
	atomic.AddInt64(&g.bfsCalls, 1)
	g.redisMirror.incr("bfs_calls")
	g.mu.RLock()
	defer g.mu.RUnlock()

	startID, ok := g.dict.Lookup(start)
	if !ok {
		return nil, clariumerr.NotFound("graph_neighbors: start node %q not found", start)
	}

	visited := map[uint64]bool{startID: true}
	queue := []bfsQueueItem{}
	for _, n := range g.neighborsOf(startID) {
		if !visited[n] {
			visited[n] = true
			queue = append(queue, bfsQueueItem{node: n, prev: startID, hop: 1})
		}
	}

	var nodeIDs, prevIDs []string
	var hops []int64

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		nodeIDs = append(nodeIDs, g.displayID(item.node))
		prevIDs = append(prevIDs, g.displayID(item.prev))
		hops = append(hops, int64(item.hop))

		if item.hop >= maxHops {
			continue
		}
		for _, n := range g.neighborsOf(item.node) {
			if !visited[n] {
				visited[n] = true
				queue = append(queue, bfsQueueItem{node: n, prev: item.node, hop: item.hop + 1})
			}
		}
	}

	df := dataframe.New([]string{"node_id", "prev_id", "hop"},
		[]dataframe.Kind{dataframe.KindString, dataframe.KindString, dataframe.KindI64})
	nodeVals := make([]dataframe.Value, len(nodeIDs))
	prevVals := make([]dataframe.Value, len(prevIDs))
	hopVals := make([]dataframe.Value, len(hops))
	for i := range nodeIDs {
		nodeVals[i] = dataframe.Str(nodeIDs[i])
		prevVals[i] = dataframe.Str(prevIDs[i])
		hopVals[i] = dataframe.I64(hops[i])
	}
	df.Columns[0].Values = nodeVals
	df.Columns[1].Values = prevVals
	df.Columns[2].Values = hopVals
	return df, nil
}

// neighborsOf merges base-CSR neighbors with delta-add neighbors for node,
// excluding tombstoned edges, switching to node's own partition per
// spec.md's "When visiting a node, switch to its partition's segments."
func (g *Graph) neighborsOf(node uint64) []uint64 {
	part := g.parts[PartitionOf(node, g.manifest.Partitions)]
	var out []uint64
	for _, dst := range part.Base.Neighbors(node) {
		if !part.Delta.IsTombstoned(node, dst) {
			out = append(out, dst)
		}
	}
	out = append(out, part.Delta.AddsFor(node)...)
	return out
}

func (g *Graph) displayID(id uint64) string {
	if key, ok := g.dict.KeyFor(id); ok {
		return key
	}
	return fmt.Sprintf("%d", id)
}
