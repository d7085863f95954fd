// Package sliceplan evaluates a BY SLICE composition tree (spec.md §4.8,
// a C7 subcomponent): sources of dated intervals combined by UNION/INTERSECT
// into a flat, ordered list of (start, end, labels) slices.
package sliceplan

import (
	"fmt"
	"sort"

	"clarium.evalgo.org/internal/dataframe"
	"clarium.evalgo.org/internal/datacontext"
	"clarium.evalgo.org/internal/query"
	"clarium.evalgo.org/internal/selectexec/expr"
)

// Slice is one resolved (start, end, labels) interval.
type Slice struct {
	Start  int64 // unix millis
	End    int64
	Labels map[string]dataframe.Value
}

// SourceLoader resolves a named slice source table into its raw interval
// rows. Injected by the caller (internal/selectexec) so this package does
// not need to know about the storage facade.
type SourceLoader func(ctx *datacontext.DataContext, tableName string) (*dataframe.Dataframe, error)

// Evaluate walks plan's root node, producing the flat ordered slice list the
// BY SLICE stage filters the input dataframe by.
func Evaluate(ctx *datacontext.DataContext, plan *query.BySlicePlan, load SourceLoader) ([]Slice, error) {
	return evalNode(ctx, &plan.Root, load)
}

func evalNode(ctx *datacontext.DataContext, node *query.SliceNode, load SourceLoader) ([]Slice, error) {
	switch node.Kind {
	case query.SliceNodeSource:
		return evalSource(ctx, node, load)
	case query.SliceNodeCombine:
		left, err := evalNode(ctx, node.Left, load)
		if err != nil {
			return nil, err
		}
		right, err := evalNode(ctx, node.Right, load)
		if err != nil {
			return nil, err
		}
		switch node.Op {
		case query.SliceUnion:
			return union(left, right), nil
		case query.SliceIntersect:
			return intersect(left, right), nil
		default:
			return nil, fmt.Errorf("sliceplan: unknown combine op")
		}
	default:
		return nil, fmt.Errorf("sliceplan: unknown slice node kind")
	}
}

func evalSource(ctx *datacontext.DataContext, node *query.SliceNode, load SourceLoader) ([]Slice, error) {
	var rows []Slice
	if len(node.ManualRows) > 0 {
		for _, r := range node.ManualRows {
			rows = append(rows, Slice{Start: r.Start, End: r.End, Labels: copyLabels(r.Labels)})
		}
	} else if node.SourceTable != "" {
		df, err := load(ctx, node.SourceTable)
		if err != nil {
			return nil, err
		}
		rows, err = rowsFromFrame(df, node.LabelCols)
		if err != nil {
			return nil, err
		}
	}

	if hasWhere(node.Where) {
		filtered, err := filterRows(ctx, rows, node.Where)
		if err != nil {
			return nil, err
		}
		return filtered, nil
	}
	return rows, nil
}

// hasWhere reports whether a slice source declared an optional WHERE/FILTER
// clause, distinguishing it from the zero-value Expr left by an unset
// SliceNode.Where.
func hasWhere(e query.Expr) bool {
	return e.Kind != query.ExprColumn || e.ColumnName != ""
}

func rowsFromFrame(df *dataframe.Dataframe, labelCols []string) ([]Slice, error) {
	startIdx, err := expr.ResolveColumn(df, "_start_date")
	if err != nil {
		return nil, fmt.Errorf("sliceplan: source table missing _start_date: %w", err)
	}
	endIdx, err := expr.ResolveColumn(df, "_end_date")
	if err != nil {
		return nil, fmt.Errorf("sliceplan: source table missing _end_date: %w", err)
	}

	labelIdx := make(map[string]int, len(labelCols))
	for _, lc := range labelCols {
		idx, err := expr.ResolveColumn(df, lc)
		if err != nil {
			return nil, fmt.Errorf("sliceplan: label column %q not found: %w", lc, err)
		}
		labelIdx[lc] = idx
	}

	out := make([]Slice, df.NumRows())
	for i := range out {
		labels := make(map[string]dataframe.Value, len(labelCols))
		for _, lc := range labelCols {
			labels[lc] = df.Columns[labelIdx[lc]].Values[i]
		}
		out[i] = Slice{
			Start:  millisOf(df.Columns[startIdx].Values[i]),
			End:    millisOf(df.Columns[endIdx].Values[i]),
			Labels: labels,
		}
	}
	return out, nil
}

func millisOf(v dataframe.Value) int64 {
	if v.Kind == dataframe.KindDatetime || v.Kind == dataframe.KindDate || v.Kind == dataframe.KindTime {
		return v.Time.UnixMilli()
	}
	f, _ := v.AsF64()
	return int64(f)
}

func filterRows(ctx *datacontext.DataContext, rows []Slice, where query.Expr) ([]Slice, error) {
	names := make([]string, 0, 8)
	for _, r := range rows {
		for k := range r.Labels {
			names = append(names, k)
		}
		break
	}
	sort.Strings(names)

	df := dataframe.New(append([]string{"_start_date", "_end_date"}, names...),
		make([]dataframe.Kind, 2+len(names)))
	for i := range df.Columns {
		df.Columns[i].Values = make([]dataframe.Value, len(rows))
	}
	for i, r := range rows {
		df.Columns[0].Values[i] = dataframe.I64(r.Start)
		df.Columns[1].Values[i] = dataframe.I64(r.End)
		for j, n := range names {
			df.Columns[2+j].Values[i] = r.Labels[n]
		}
	}

	mask, err := expr.EvalMask(ctx, df, where)
	if err != nil {
		return nil, err
	}
	out := rows[:0:0]
	for i, keep := range mask {
		if keep {
			out = append(out, rows[i])
		}
	}
	return out, nil
}

func copyLabels(m map[string]dataframe.Value) map[string]dataframe.Value {
	out := make(map[string]dataframe.Value, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// union coalesces overlapping/adjacent intervals from left and right into
// maximal merged intervals. Label propagation: left labels win when
// non-null; a null/empty left label falls back to a non-null right label;
// otherwise the left (possibly still null) label is kept (§4.8).
func union(left, right []Slice) []Slice {
	all := append(append([]Slice(nil), left...), right...)
	sort.Slice(all, func(i, j int) bool { return all[i].Start < all[j].Start })
	if len(all) == 0 {
		return nil
	}

	out := []Slice{all[0]}
	for _, s := range all[1:] {
		last := &out[len(out)-1]
		if s.Start <= last.End {
			if s.End > last.End {
				last.End = s.End
			}
			last.Labels = mergeLabelsLHSWins(last.Labels, s.Labels)
		} else {
			out = append(out, s)
		}
	}
	return out
}

func mergeLabelsLHSWins(lhs, rhs map[string]dataframe.Value) map[string]dataframe.Value {
	out := copyLabels(lhs)
	for k, rv := range rhs {
		lv, ok := out[k]
		if !ok || lv.IsNull() || (lv.Kind == dataframe.KindString && lv.Str == "") {
			if !rv.IsNull() {
				out[k] = rv
				continue
			}
		}
		if !ok {
			out[k] = rv
		}
	}
	return out
}

// intersect emits overlaps only between left and right, taking non-null
// right labels over left empty/null labels, otherwise keeping left (§4.8).
func intersect(left, right []Slice) []Slice {
	var out []Slice
	for _, l := range left {
		for _, r := range right {
			start := maxInt64(l.Start, r.Start)
			end := minInt64(l.End, r.End)
			if start < end {
				out = append(out, Slice{
					Start:  start,
					End:    end,
					Labels: mergeLabelsRHSOverEmpty(l.Labels, r.Labels),
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func mergeLabelsRHSOverEmpty(lhs, rhs map[string]dataframe.Value) map[string]dataframe.Value {
	out := copyLabels(lhs)
	for k, rv := range rhs {
		lv, ok := out[k]
		if !ok || lv.IsNull() || (lv.Kind == dataframe.KindString && lv.Str == "") {
			out[k] = rv
		}
	}
	return out
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
