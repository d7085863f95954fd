// Package selectexec implements the six-stage SELECT execution pipeline
// (spec.md §4.7, C7): FROM/WHERE, BY/GROUP BY/SLICE, ROLLING, PROJECT
// SELECT, ORDER/LIMIT, and HAVING, each pure over its input dataframe and
// the shared DataContext. Subpackages expr (row-wise expression
// evaluation), subquery (correlated-subquery substitution), and sliceplan
// (BY SLICE composition) are leaves this package wires together; neither
// imports back into selectexec, which is what lets subquery substitution
// re-run the whole pipeline via an injected RunFunc without a cycle.
package selectexec

import (
	"sync/atomic"

	"clarium.evalgo.org/internal/dataframe"
	"clarium.evalgo.org/internal/datacontext"
	"clarium.evalgo.org/internal/query"
)

// strictProjection governs whether the temporary columns added solely to
// satisfy ORDER BY are dropped from the final output. On by default; callers
// that want the extra columns (e.g. for debugging distance scores) can turn
// it off process-wide.
var strictProjection atomic.Bool

func init() { strictProjection.Store(true) }

// SetStrictProjection toggles the process-wide strict projection mode.
func SetStrictProjection(v bool) { strictProjection.Store(v) }

// StrictProjection reports the current mode.
func StrictProjection() bool { return strictProjection.Load() }

// Run executes q against ctx, materializing any WITH CTEs first, then
// driving the six stages in order.
func Run(ctx *datacontext.DataContext, q *query.Query) (*dataframe.Dataframe, error) {
	for _, cte := range q.WithCTEs {
		if _, ok := ctx.CTETables[cte.Name]; ok {
			continue
		}
		materialized, err := Run(ctx.NewChild(), cte.Query)
		if err != nil {
			return nil, err
		}
		ctx.CTETables[cte.Name] = materialized
	}

	stageA, err := runFromWhere(ctx, q)
	if err != nil {
		return nil, err
	}

	stageBC, agg, err := runByGroupSlice(ctx, q, stageA)
	if err != nil {
		return nil, err
	}

	stageC, err := runRolling(ctx, q, stageBC)
	if err != nil {
		return nil, err
	}
	if q.RollingWindow != nil {
		agg.ran = true
	}

	stageD, err := runProjectSelect(ctx, q, stageC, agg)
	if err != nil {
		return nil, err
	}

	stageE, err := runOrderLimit(ctx, q, stageD)
	if err != nil {
		return nil, err
	}

	stageF, err := runHaving(ctx, q, stageE)
	if err != nil {
		return nil, err
	}

	return finalizeOutput(ctx, stageF), nil
}

// finalizeOutput drops the temporary order-by columns added solely to
// satisfy ORDER BY, returning exactly the columns stage (d) registered as
// the query's visible output (§3's ProjectSelectOutputColumns invariant).
func finalizeOutput(ctx *datacontext.DataContext, df *dataframe.Dataframe) *dataframe.Dataframe {
	if !StrictProjection() {
		return df
	}
	keep := make(map[string]bool, len(ctx.StageColumns[datacontext.StageHaving]))
	for _, name := range ctx.StageColumns[datacontext.StageHaving] {
		if !ctx.TempOrderByColumns[name] {
			keep[name] = true
		}
	}
	var drop []string
	for _, c := range df.Columns {
		if !keep[c.Name] {
			drop = append(drop, c.Name)
		}
	}
	df.DropColumns(drop...)
	return df
}
