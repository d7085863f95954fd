package subquery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clarium.evalgo.org/internal/dataframe"
	"clarium.evalgo.org/internal/datacontext"
	"clarium.evalgo.org/internal/query"
	"clarium.evalgo.org/internal/registry"
)

func testCtx() *datacontext.DataContext {
	reg := registry.New()
	snap := reg.Snapshot()
	ts := time.Unix(1700000000, 0)
	ctx := datacontext.New(nil, snap, datacontext.VMHandle{}, nil, "clarium", "public", "alice", "alice", ts, ts)
	ctx.RegisterSource(query.TableRef{Kind: query.TableRefTable, Name: "orders", Alias: "o"})
	return ctx
}

func outerFrame() *dataframe.Dataframe {
	df := dataframe.New([]string{"o.id", "o.customer_id"}, []dataframe.Kind{dataframe.KindI64, dataframe.KindI64})
	df.Columns[0].Values = []dataframe.Value{dataframe.I64(1)}
	df.Columns[1].Values = []dataframe.Value{dataframe.I64(42)}
	return df
}

func TestSubstituteReplacesOuterColumnWithLiteral(t *testing.T) {
	ctx := testCtx()
	outer := outerFrame()

	inner := &query.Query{
		From: &query.TableRef{Kind: query.TableRefTable, Name: "line_items", Alias: "li"},
		Where: query.Expr{
			Kind:  query.ExprBinary,
			BinOp: query.OpEq,
			Left:  exprPtr(query.Col("li.order_id")),
			Right: exprPtr(query.Col("o.id")),
		},
	}

	rewritten := Substitute(ctx.NewChild(), inner, outer, 0)
	require.Equal(t, query.ExprLiteral, rewritten.Where.Right.Kind)
	assert.Equal(t, int64(1), rewritten.Where.Right.Literal.I64)
	assert.Equal(t, query.ExprColumn, rewritten.Where.Left.Kind, "inner alias reference must survive untouched")
}

func TestSubstituteResolvesUnqualifiedOuterColumn(t *testing.T) {
	ctx := testCtx()
	outer := outerFrame()

	inner := &query.Query{
		From: &query.TableRef{Kind: query.TableRefTable, Name: "line_items", Alias: "li"},
		Where: query.Expr{
			Kind:  query.ExprBinary,
			BinOp: query.OpEq,
			Left:  exprPtr(query.Col("li.customer_id")),
			Right: exprPtr(query.Col("customer_id")),
		},
	}

	rewritten := Substitute(ctx.NewChild(), inner, outer, 0)
	require.Equal(t, query.ExprLiteral, rewritten.Where.Right.Kind)
	assert.Equal(t, int64(42), rewritten.Where.Right.Literal.I64)
}

func TestEvaluateExistsTrueWhenInnerHasRows(t *testing.T) {
	ctx := testCtx()
	inner := &query.Query{}
	run := func(ctx *datacontext.DataContext, q *query.Query) (*dataframe.Dataframe, error) {
		df := dataframe.New([]string{"x"}, []dataframe.Kind{dataframe.KindI64})
		df.Columns[0].Values = []dataframe.Value{dataframe.I64(1)}
		return df, nil
	}

	ok, err := EvaluateExists(ctx, inner, false, run)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateExistsNegatedWhenEmpty(t *testing.T) {
	ctx := testCtx()
	inner := &query.Query{}
	run := func(ctx *datacontext.DataContext, q *query.Query) (*dataframe.Dataframe, error) {
		return dataframe.New([]string{"x"}, []dataframe.Kind{dataframe.KindI64}), nil
	}

	ok, err := EvaluateExists(ctx, inner, true, run)
	require.NoError(t, err)
	assert.True(t, ok, "NOT EXISTS over an empty inner result must be true")
}

func TestEvaluateAnyAllEmptySetSemantics(t *testing.T) {
	ctx := testCtx()
	inner := &query.Query{}
	run := func(ctx *datacontext.DataContext, q *query.Query) (*dataframe.Dataframe, error) {
		return dataframe.New([]string{"x"}, []dataframe.Kind{dataframe.KindI64}), nil
	}
	cmp := func(l, r dataframe.Value) bool { return l.Equal(r) }

	allResult, err := EvaluateAnyAll(ctx, inner, dataframe.I64(5), true, cmp, run)
	require.NoError(t, err)
	assert.True(t, allResult, "ALL over an empty set is true")

	anyResult, err := EvaluateAnyAll(ctx, inner, dataframe.I64(5), false, cmp, run)
	require.NoError(t, err)
	assert.False(t, anyResult, "ANY over an empty set is false")
}

func TestEvaluateAnyAllComparesRows(t *testing.T) {
	ctx := testCtx()
	inner := &query.Query{}
	run := func(ctx *datacontext.DataContext, q *query.Query) (*dataframe.Dataframe, error) {
		df := dataframe.New([]string{"price"}, []dataframe.Kind{dataframe.KindI64})
		df.Columns[0].Values = []dataframe.Value{dataframe.I64(10), dataframe.I64(20)}
		return df, nil
	}
	gt := func(l, r dataframe.Value) bool { return r.Less(l) }

	anyResult, err := EvaluateAnyAll(ctx, inner, dataframe.I64(15), false, gt, run)
	require.NoError(t, err)
	assert.True(t, anyResult)

	allResult, err := EvaluateAnyAll(ctx, inner, dataframe.I64(15), true, gt, run)
	require.NoError(t, err)
	assert.False(t, allResult)
}

func exprPtr(e query.Expr) *query.Expr { return &e }
