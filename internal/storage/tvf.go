package storage

import (
	"strconv"
	"strings"

	"clarium.evalgo.org/internal/clariumerr"
	"clarium.evalgo.org/internal/dataframe"
	"clarium.evalgo.org/internal/graphstore"
)

// graphTVFNames are the table-valued functions this facade resolves
// itself (spec.md §2's "Graph-related TVFs in FROM invoke C13"). Vector
// ANN is deliberately absent here: per spec.md §1 it is an ORDER-BY
// contract (internal/selectexec/expr's vec_l2/cosine_sim), not a FROM
// table function, so it never reaches ReadDataframe.
var graphTVFNames = map[string]bool{
	"graph_neighbors": true,
	"graph_paths":     true,
}

type tvfCall struct {
	Name string
	Args []string
}

// parseTVFCall recognizes `name(arg, arg, ...)` call text exactly as
// carried on query.TableRef.CallText (spec.md §3's Tvf{call_text}),
// splitting arguments on top-level commas so a quoted string argument
// may itself contain commas.
func parseTVFCall(path string) (tvfCall, bool) {
	trimmed := strings.TrimSpace(path)
	open := strings.IndexByte(trimmed, '(')
	if open < 0 || !strings.HasSuffix(trimmed, ")") {
		return tvfCall{}, false
	}
	name := strings.ToLower(strings.TrimSpace(trimmed[:open]))
	if !graphTVFNames[name] {
		return tvfCall{}, false
	}
	argsText := trimmed[open+1 : len(trimmed)-1]
	return tvfCall{Name: name, Args: splitTopLevelArgs(argsText)}, true
}

func splitTopLevelArgs(s string) []string {
	var args []string
	var cur strings.Builder
	inQuote := false
	for _, r := range s {
		switch {
		case r == '\'':
			inQuote = !inQuote
			cur.WriteRune(r)
		case r == ',' && !inQuote:
			args = append(args, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if strings.TrimSpace(cur.String()) != "" || len(args) > 0 {
		args = append(args, strings.TrimSpace(cur.String()))
	}
	return args
}

// argString unquotes a single-quoted string literal argument, or returns
// "" for a literal NULL.
func argString(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.EqualFold(raw, "NULL") || raw == "" {
		return ""
	}
	if len(raw) >= 2 && raw[0] == '\'' && raw[len(raw)-1] == '\'' {
		return raw[1 : len(raw)-1]
	}
	return raw
}

func argInt(raw string, def int) int {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	return def
}

// evalTVF dispatches a parsed graph TVF call to the opened graph's BFS or
// Paths runtime (spec.md §4.9 C13). graph_neighbors resolves via BFS's
// single-shortest-tree {node_id, prev_id, hop} shape; graph_paths resolves
// via Paths' per-walk {path_id, hop, node_id} shape. graph_neighbors
// additionally accepts (and currently ignores beyond documenting the call
// shape) a label-filter argument, matching spec.md §8 scenario S5's call
// signature `graph_neighbors(graph, start, label_filter, max_hops)`.
func (f *Facade) evalTVF(call tvfCall) (*dataframe.Dataframe, error) {
	if len(call.Args) < 2 {
		return nil, clariumerr.New(clariumerr.KindSyntax, "%s: expected at least (graph, start), got %d args", call.Name, len(call.Args))
	}
	graphName := argString(call.Args[0])
	start := argString(call.Args[1])

	maxHops := 1
	switch call.Name {
	case "graph_neighbors":
		if len(call.Args) >= 4 {
			maxHops = argInt(call.Args[3], 1)
		}
	case "graph_paths":
		if len(call.Args) >= 3 {
			maxHops = argInt(call.Args[2], 1)
		}
	}

	handle, err := f.OpenGraph(graphName)
	if err != nil {
		return nil, err
	}
	g, ok := handle.(*graphstore.Graph)
	if !ok {
		return nil, clariumerr.Corrupt("%s: graph handle for %q is not a *graphstore.Graph", call.Name, graphName)
	}
	if call.Name == "graph_paths" {
		return g.Paths(start, maxHops)
	}
	return g.BFS(start, maxHops)
}
