// Package subquery implements correlated-subquery literal substitution
// (spec.md §4.6, C8): rewriting an inner query's outer-scope column
// references into literals drawn from the current outer row, then running
// the rewritten query to answer EXISTS/ANY/ALL predicates.
package subquery

import (
	"strings"

	"clarium.evalgo.org/internal/dataframe"
	"clarium.evalgo.org/internal/datacontext"
	"clarium.evalgo.org/internal/query"
	"clarium.evalgo.org/internal/selectexec/expr"
)

// RunFunc executes a (possibly rewritten) query against ctx, returning its
// result dataframe. Supplied by the top-level pipeline rather than called
// directly, so this package never imports its own caller.
type RunFunc func(ctx *datacontext.DataContext, q *query.Query) (*dataframe.Dataframe, error)

// Substitute rewrites inner so every column reference that resolves to the
// outer row (rather than to one of inner's own aliases) becomes a literal,
// per §4.6 steps 1-3. outerDF/outerRowIdx identify the current outer row.
func Substitute(ctx *datacontext.DataContext, inner *query.Query, outerDF *dataframe.Dataframe, outerRowIdx int) *query.Query {
	innerAliases := innerAliasSet(inner)
	rewritten := *inner
	rewritten.Where = rewriteExpr(ctx, innerAliases, outerDF, outerRowIdx, inner.Where)
	rewritten.Select = make([]query.SelectItem, len(inner.Select))
	for i, item := range inner.Select {
		rewritten.Select[i] = query.SelectItem{
			Expr:  rewriteExpr(ctx, innerAliases, outerDF, outerRowIdx, item.Expr),
			Alias: item.Alias,
		}
	}
	return &rewritten
}

func innerAliasSet(q *query.Query) map[string]bool {
	aliases := make(map[string]bool)
	if q.From != nil {
		aliases[q.From.EffectiveName()] = true
		aliases[q.From.Name] = true
	}
	for _, j := range q.Joins {
		aliases[j.Ref.EffectiveName()] = true
		aliases[j.Ref.Name] = true
	}
	return aliases
}

// rewriteExpr walks e, replacing any column reference step 3b identifies as
// outer-scoped with a literal read from outerDF's outerRowIdx row.
func rewriteExpr(ctx *datacontext.DataContext, innerAliases map[string]bool, outerDF *dataframe.Dataframe, outerRowIdx int, e query.Expr) query.Expr {
	switch e.Kind {
	case query.ExprColumn:
		qualifier, unqualified := splitQualifier(e.ColumnName)
		if qualifier != "" {
			if innerAliases[qualifier] {
				return e // step 3a: stays as-is
			}
			if ctx.IsOuterAlias(qualifier) {
				if lit, ok := literalFromRow(outerDF, outerRowIdx, unqualified); ok {
					return lit
				}
			}
			return e
		}
		// Unqualified: resolve against the outer dataframe if possible.
		if idx, err := expr.ResolveColumn(outerDF, e.ColumnName); err == nil {
			return query.Lit(outerDF.Columns[idx].Values[outerRowIdx])
		}
		return e

	case query.ExprBinary:
		out := e
		l := rewriteExpr(ctx, innerAliases, outerDF, outerRowIdx, *e.Left)
		r := rewriteExpr(ctx, innerAliases, outerDF, outerRowIdx, *e.Right)
		out.Left, out.Right = &l, &r
		return out

	case query.ExprUnary:
		out := e
		operand := rewriteExpr(ctx, innerAliases, outerDF, outerRowIdx, *e.Operand)
		out.Operand = &operand
		return out

	case query.ExprFuncCall:
		out := e
		out.Args = make([]query.Expr, len(e.Args))
		for i, a := range e.Args {
			out.Args[i] = rewriteExpr(ctx, innerAliases, outerDF, outerRowIdx, a)
		}
		return out

	case query.ExprCase:
		out := e
		out.WhenThen = make([]query.WhenThen, len(e.WhenThen))
		for i, wt := range e.WhenThen {
			out.WhenThen[i] = query.WhenThen{
				When: rewriteExpr(ctx, innerAliases, outerDF, outerRowIdx, wt.When),
				Then: rewriteExpr(ctx, innerAliases, outerDF, outerRowIdx, wt.Then),
			}
		}
		if e.Else != nil {
			elseExpr := rewriteExpr(ctx, innerAliases, outerDF, outerRowIdx, *e.Else)
			out.Else = &elseExpr
		}
		return out

	case query.ExprCast, query.ExprExtract:
		out := e
		operand := rewriteExpr(ctx, innerAliases, outerDF, outerRowIdx, *e.Operand)
		out.Operand = &operand
		return out

	default:
		return e // literals, EXISTS/ANY/ALL, star, window funcs: unchanged
	}
}

func splitQualifier(name string) (qualifier, unqualified string) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

func literalFromRow(df *dataframe.Dataframe, rowIdx int, name string) (query.Expr, bool) {
	idx, err := expr.ResolveColumn(df, name)
	if err != nil {
		return query.Expr{}, false
	}
	return query.Lit(df.Columns[idx].Values[rowIdx]), true
}

// EvaluateExists runs inner (already substituted for one outer row) via run
// and reports whether it returned any rows, honoring NOT EXISTS's negation.
func EvaluateExists(ctx *datacontext.DataContext, inner *query.Query, negated bool, run RunFunc) (bool, error) {
	child := ctx.NewChild()
	result, err := run(child, inner)
	if err != nil {
		return false, err
	}
	exists := result.NumRows() > 0
	if negated {
		return !exists, nil
	}
	return exists, nil
}

// EvaluateAnyAll runs inner (already substituted for one outer row) and
// compares lhs against every row's first non-"_time" column using cmp,
// implementing §4.6 step 5's ANY/ALL semantics: ALL over an empty set is
// true, ANY over an empty set is false.
func EvaluateAnyAll(ctx *datacontext.DataContext, inner *query.Query, lhs dataframe.Value, all bool, cmp func(lhs, rhs dataframe.Value) bool, run RunFunc) (bool, error) {
	child := ctx.NewChild()
	result, err := run(child, inner)
	if err != nil {
		return false, err
	}

	col := firstComparableColumn(result)
	if col == nil {
		return all, nil
	}

	for _, rhs := range col.Values {
		if all {
			if rhs.IsNull() || !cmp(lhs, rhs) {
				return false, nil
			}
		} else {
			if !rhs.IsNull() && cmp(lhs, rhs) {
				return true, nil
			}
		}
	}
	return all, nil
}

func firstComparableColumn(df *dataframe.Dataframe) *dataframe.Column {
	for _, c := range df.Columns {
		if c.Name != "_time" {
			return c
		}
	}
	if len(df.Columns) > 0 {
		return df.Columns[0]
	}
	return nil
}
