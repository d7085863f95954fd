package graphstore

import (
	"github.com/google/uuid"

	"clarium.evalgo.org/internal/clariumerr"
	"clarium.evalgo.org/internal/dataframe"
)

// maxPathsFanout bounds how many distinct paths one Paths call enumerates;
// once the count is reached the whole walk stops, so a densely connected
// start node can't make one `graph_paths` call emit an unbounded row count.
const maxPathsFanout = 10000

// Paths implements the graph_paths read path (spec.md §4.9 C13) as a
// bounded-depth DFS, distinct from BFS's single-shortest-tree shape: every
// root-to-node walk up to maxHops is emitted as its own path, tagged with a
// path_id so a caller can reconstruct each walk by grouping rows, rather
// than BFS's single parent per node.
func (g *Graph) Paths(start string, maxHops int) (*dataframe.Dataframe, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	startID, ok := g.dict.Lookup(start)
	if !ok {
		return nil, clariumerr.NotFound("graph_paths: start node %q not found", start)
	}

	df := dataframe.New([]string{"path_id", "hop", "node_id"},
		[]dataframe.Kind{dataframe.KindString, dataframe.KindI64, dataframe.KindString})

	emitted := 0
	var walk func(path []uint64, onStack map[uint64]bool)
	walk = func(path []uint64, onStack map[uint64]bool) {
		if emitted >= maxPathsFanout {
			return
		}
		pathID := uuid.NewString()
		for hop, node := range path {
			df.Columns[0].Values = append(df.Columns[0].Values, dataframe.Str(pathID))
			df.Columns[1].Values = append(df.Columns[1].Values, dataframe.I64(int64(hop)))
			df.Columns[2].Values = append(df.Columns[2].Values, dataframe.Str(g.displayID(node)))
		}
		emitted++

		if len(path)-1 >= maxHops {
			return
		}
		cur := path[len(path)-1]
		for _, n := range g.neighborsOf(cur) {
			if onStack[n] || emitted >= maxPathsFanout {
				continue
			}
			onStack[n] = true
			walk(append(path, n), onStack)
			delete(onStack, n)
		}
	}

	walk([]uint64{startID}, map[uint64]bool{startID: true})
	return df, nil
}
