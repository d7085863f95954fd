package selectexec

import (
	"sort"

	"clarium.evalgo.org/internal/dataframe"
	"clarium.evalgo.org/internal/datacontext"
	"clarium.evalgo.org/internal/query"
	"clarium.evalgo.org/internal/selectexec/expr"
)

// runOrderLimit implements stage (e): sort the projection by ORDER BY items
// (column name or full expression) and apply LIMIT. The temporary order-by
// columns added solely to satisfy sorting are dropped later, by
// finalizeOutput.
func runOrderLimit(ctx *datacontext.DataContext, q *query.Query, in *dataframe.Dataframe) (*dataframe.Dataframe, error) {
	out := in
	if len(q.OrderBy) > 0 {
		sorted, err := sortFrame(ctx, in, q.OrderBy)
		if err != nil {
			return nil, err
		}
		out = sorted
	}

	if q.Limit != nil {
		n := int(*q.Limit)
		if n < out.NumRows() {
			idx := make([]int, n)
			for i := range idx {
				idx[i] = i
			}
			out = out.Take(idx)
		}
	}

	ctx.SetStageColumns(datacontext.StageOrderLimit, columnNames(out))
	return out, nil
}

func sortFrame(ctx *datacontext.DataContext, df *dataframe.Dataframe, items []query.OrderItem) (*dataframe.Dataframe, error) {
	keys := make([][]dataframe.Value, df.NumRows())
	for r := range keys {
		keys[r] = make([]dataframe.Value, len(items))
	}
	for i, oi := range items {
		var idx int
		var err error
		if oi.Expr.Kind == query.ExprColumn {
			idx, err = expr.ResolveColumn(df, oi.Expr.ColumnName)
		}
		if oi.Expr.Kind != query.ExprColumn || err != nil {
			for r := 0; r < df.NumRows(); r++ {
				v, evalErr := expr.Eval(ctx, expr.Row{DF: df, Idx: r}, oi.Expr)
				if evalErr != nil {
					return nil, evalErr
				}
				keys[r][i] = v
			}
			continue
		}
		for r := 0; r < df.NumRows(); r++ {
			keys[r][i] = df.Columns[idx].Values[r]
		}
	}

	order := make([]int, df.NumRows())
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ra, rb := order[a], order[b]
		for i, oi := range items {
			l, r := keys[ra][i], keys[rb][i]
			if l.Equal(r) {
				continue
			}
			if oi.Asc {
				return l.Less(r)
			}
			return r.Less(l)
		}
		return false
	})
	return df.Take(order), nil
}
