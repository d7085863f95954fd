package selectexec

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
	return datacontext.New(nil, snap, datacontext.VMHandle{}, nil, "clarium", "public", "alice", "alice", ts, ts)
}

func seedTable(ctx *datacontext.DataContext, name string, df *dataframe.Dataframe) {
	ctx.CTETables[name] = df
}

func ordersFrame() *dataframe.Dataframe {
	df := dataframe.New([]string{"id", "customer_id", "amount"},
		[]dataframe.Kind{dataframe.KindI64, dataframe.KindI64, dataframe.KindF64})
	df.Columns[0].Values = []dataframe.Value{dataframe.I64(1), dataframe.I64(2), dataframe.I64(3)}
	df.Columns[1].Values = []dataframe.Value{dataframe.I64(10), dataframe.I64(10), dataframe.I64(20)}
	df.Columns[2].Values = []dataframe.Value{dataframe.F64(5), dataframe.F64(7), dataframe.F64(3)}
	return df
}

func TestRunNoFromYieldsOneRow(t *testing.T) {
	ctx := testCtx()
	q := &query.Query{
		Select: []query.SelectItem{{Expr: query.Lit(dataframe.I64(42)), Alias: "answer"}},
	}
	out, err := Run(ctx, q)
	require.NoError(t, err)
	require.Equal(t, 1, out.NumRows())
	assert.Equal(t, int64(42), out.Columns[0].Values[0].I64)
}

func TestRunWhereFiltersRows(t *testing.T) {
	ctx := testCtx()
	seedTable(ctx, "orders", ordersFrame())

	q := &query.Query{
		Select: []query.SelectItem{{Expr: query.Col("o.id")}},
		From:   &query.TableRef{Kind: query.TableRefTable, Name: "orders", Alias: "o"},
		Where: query.Expr{
			Kind:  query.ExprBinary,
			BinOp: query.OpGt,
			Left:  ptrE(query.Col("o.amount")),
			Right: ptrE(query.Lit(dataframe.F64(4))),
		},
	}
	out, err := Run(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 2, out.NumRows())
}

func TestRunOrderByAndLimit(t *testing.T) {
	ctx := testCtx()
	seedTable(ctx, "orders", ordersFrame())

	limit := int64(1)
	q := &query.Query{
		Select:  []query.SelectItem{{Expr: query.Col("o.id")}},
		From:    &query.TableRef{Kind: query.TableRefTable, Name: "orders", Alias: "o"},
		OrderBy: []query.OrderItem{{Expr: query.Col("o.amount"), Asc: false}},
		Limit:   &limit,
	}
	out, err := Run(ctx, q)
	require.NoError(t, err)
	require.Equal(t, 1, out.NumRows())
	assert.Equal(t, int64(2), out.Columns[0].Values[0].I64)
}

func TestRunGroupByAggregates(t *testing.T) {
	ctx := testCtx()
	seedTable(ctx, "orders", ordersFrame())

	q := &query.Query{
		Select: []query.SelectItem{
			{Expr: query.Col("o.customer_id")},
			{Expr: query.Call("SUM", query.Col("o.amount")), Alias: "total"},
		},
		From:    &query.TableRef{Kind: query.TableRefTable, Name: "orders", Alias: "o"},
		GroupBy: []query.GroupByItem{{Expr: query.Col("o.customer_id")}},
	}
	out, err := Run(ctx, q)
	require.NoError(t, err)
	require.Equal(t, 2, out.NumRows())

	idx := out.ColumnIndex("total")
	require.GreaterOrEqual(t, idx, 0)
}

func TestRunHavingWithoutAggregationErrors(t *testing.T) {
	ctx := testCtx()
	seedTable(ctx, "orders", ordersFrame())

	q := &query.Query{
		Select: []query.SelectItem{{Expr: query.Col("o.id")}},
		From:   &query.TableRef{Kind: query.TableRefTable, Name: "orders", Alias: "o"},
		Having: query.Expr{Kind: query.ExprBinary, BinOp: query.OpGt, Left: ptrE(query.Col("id")), Right: ptrE(query.Lit(dataframe.I64(1)))},
	}
	_, err := Run(ctx, q)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HAVING is only supported with aggregate queries")
}

func TestRunExistsSubquery(t *testing.T) {
	ctx := testCtx()
	seedTable(ctx, "orders", ordersFrame())
	lineItems := dataframe.New([]string{"order_id"}, []dataframe.Kind{dataframe.KindI64})
	lineItems.Columns[0].Values = []dataframe.Value{dataframe.I64(1)}
	seedTable(ctx, "line_items", lineItems)

	inner := &query.Query{
		Select: []query.SelectItem{{Expr: query.Col("li.order_id")}},
		From:   &query.TableRef{Kind: query.TableRefTable, Name: "line_items", Alias: "li"},
		Where: query.Expr{
			Kind:  query.ExprBinary,
			BinOp: query.OpEq,
			Left:  ptrE(query.Col("li.order_id")),
			Right: ptrE(query.Col("o.id")),
		},
	}
	q := &query.Query{
		Select: []query.SelectItem{{Expr: query.Col("o.id")}},
		From:   &query.TableRef{Kind: query.TableRefTable, Name: "orders", Alias: "o"},
		Where:  query.Expr{Kind: query.ExprExists, Subquery: inner},
	}
	out, err := Run(ctx, q)
	require.NoError(t, err)
	require.Equal(t, 1, out.NumRows())
	assert.Equal(t, int64(1), out.Columns[0].Values[0].I64)
}

func timeSeriesFrame() *dataframe.Dataframe {
	df := dataframe.New([]string{"_time", "v"}, []dataframe.Kind{dataframe.KindI64, dataframe.KindF64})
	df.Columns[0].Values = []dataframe.Value{dataframe.I64(0), dataframe.I64(1000), dataframe.I64(2000)}
	df.Columns[1].Values = []dataframe.Value{dataframe.F64(1), dataframe.F64(2), dataframe.F64(3)}
	return df
}

func TestRunByWindowBucketsAndSums(t *testing.T) {
	ctx := testCtx()
	seedTable(ctx, "readings", timeSeriesFrame())

	q := &query.Query{
		Select: []query.SelectItem{
			{Expr: query.Col("_time")},
			{Expr: query.Call("SUM", query.Col("v"))},
		},
		From:     &query.TableRef{Kind: query.TableRefTable, Name: "readings"},
		ByWindow: &query.ByWindow{Width: 1000},
	}
	out, err := Run(ctx, q)
	require.NoError(t, err)
	require.Equal(t, 3, out.NumRows())

	timeCol, ok := out.Column("_time")
	require.True(t, ok)
	sumCol, ok := out.Column("SUM(v)")
	require.True(t, ok)
	for i, want := range []int64{0, 1000, 2000} {
		assert.Equal(t, want, timeCol.Values[i].I64)
	}
	for i, want := range []float64{1, 2, 3} {
		assert.Equal(t, want, sumCol.Values[i].F64)
	}
}

func TestRunBySliceGradientUsesDeclaredBounds(t *testing.T) {
	ctx := testCtx()
	df := dataframe.New([]string{"_time", "v"}, []dataframe.Kind{dataframe.KindI64, dataframe.KindF64})
	df.Columns[0].Values = []dataframe.Value{dataframe.I64(100), dataframe.I64(300)}
	df.Columns[1].Values = []dataframe.Value{dataframe.F64(1), dataframe.F64(5)}
	seedTable(ctx, "readings", df)

	q := &query.Query{
		Select: []query.SelectItem{
			{Expr: query.Call("GRADIENT", query.Col("v")), Alias: "slope"},
		},
		From: &query.TableRef{Kind: query.TableRefTable, Name: "readings"},
		BySlices: &query.BySlicePlan{Root: query.SliceNode{
			Kind:       query.SliceNodeSource,
			ManualRows: []query.ManualSliceRow{{Start: 0, End: 1000}},
		}},
	}
	out, err := Run(ctx, q)
	require.NoError(t, err)
	require.Equal(t, 1, out.NumRows())

	slope, ok := out.Column("slope")
	require.True(t, ok)
	// denominator is the slice's declared end − start (1000), not the
	// matching rows' own 200ms span.
	assert.InDelta(t, (5.0-1.0)/1000.0, slope.Values[0].F64, 1e-9)
}

func TestRunByWindowStdevSingleSampleIsNull(t *testing.T) {
	ctx := testCtx()
	seedTable(ctx, "readings", timeSeriesFrame())

	q := &query.Query{
		Select: []query.SelectItem{
			{Expr: query.Col("_time")},
			{Expr: query.Call("STDEV", query.Col("v"))},
		},
		From:     &query.TableRef{Kind: query.TableRefTable, Name: "readings"},
		ByWindow: &query.ByWindow{Width: 1000},
	}
	out, err := Run(ctx, q)
	require.NoError(t, err)
	require.Equal(t, 3, out.NumRows())

	sd, ok := out.Column("STDEV(v)")
	require.True(t, ok)
	for i := range sd.Values {
		assert.True(t, sd.Values[i].IsNull(), "a one-sample bucket has no sample deviation")
	}
}

func TestRunEquiJoinPreservesBothKeyColumns(t *testing.T) {
	ctx := testCtx()
	seedTable(ctx, "orders", ordersFrame())
	customers := dataframe.New([]string{"cid", "name"}, []dataframe.Kind{dataframe.KindI64, dataframe.KindString})
	customers.Columns[0].Values = []dataframe.Value{dataframe.I64(10), dataframe.I64(20)}
	customers.Columns[1].Values = []dataframe.Value{dataframe.Str("ada"), dataframe.Str("bob")}
	seedTable(ctx, "customers", customers)

	q := &query.Query{
		Select: []query.SelectItem{
			{Expr: query.Col("o.customer_id")},
			{Expr: query.Col("c.cid")},
		},
		From: &query.TableRef{Kind: query.TableRefTable, Name: "orders", Alias: "o"},
		Joins: []query.Join{{
			Kind: query.JoinInner,
			Ref:  query.TableRef{Kind: query.TableRefTable, Name: "customers", Alias: "c"},
			On: query.Expr{
				Kind:  query.ExprBinary,
				BinOp: query.OpEq,
				Left:  ptrE(query.Col("o.customer_id")),
				Right: ptrE(query.Col("c.cid")),
			},
		}},
	}
	out, err := Run(ctx, q)
	require.NoError(t, err)
	require.Equal(t, 3, out.NumRows())

	lhs, ok := out.Column("o.customer_id")
	require.True(t, ok)
	rhs, ok := out.Column("c.cid")
	require.True(t, ok)
	for i := range lhs.Values {
		assert.True(t, lhs.Values[i].Equal(rhs.Values[i]), "join keys must be equal row-wise")
	}
}

func TestRunSelectStarAddsUnqualifiedAliases(t *testing.T) {
	ctx := testCtx()
	seedTable(ctx, "orders", ordersFrame())

	q := &query.Query{
		Select: []query.SelectItem{{Expr: query.Expr{Kind: query.ExprStar}}},
		From:   &query.TableRef{Kind: query.TableRefTable, Name: "orders", Alias: "o"},
	}
	out, err := Run(ctx, q)
	require.NoError(t, err)

	_, qualified := out.Column("o.id")
	assert.True(t, qualified)
	_, unqualified := out.Column("id")
	assert.True(t, unqualified, "a unique base name gets an unqualified alias")
}

func TestRunRollingRejectsUnsupportedAggregate(t *testing.T) {
	ctx := testCtx()
	seedTable(ctx, "readings", timeSeriesFrame())

	q := &query.Query{
		Select: []query.SelectItem{
			{Expr: query.Call("MIN", query.Col("v"))},
		},
		From:          &query.TableRef{Kind: query.TableRefTable, Name: "readings"},
		RollingWindow: &query.RollingWindow{Width: 2000},
	}
	_, err := Run(ctx, q)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ROLLING BY currently supports AVG, SUM, COUNT, and STDEV only")
}

func TestRunRollingSumSlidesWindow(t *testing.T) {
	ctx := testCtx()
	seedTable(ctx, "readings", timeSeriesFrame())

	q := &query.Query{
		Select: []query.SelectItem{
			{Expr: query.Call("SUM", query.Col("v"))},
		},
		From:          &query.TableRef{Kind: query.TableRefTable, Name: "readings"},
		RollingWindow: &query.RollingWindow{Width: 2000},
	}
	out, err := Run(ctx, q)
	require.NoError(t, err)
	require.Equal(t, 3, out.NumRows())

	sums, ok := out.Column("SUM(v)")
	require.True(t, ok)
	assert.Equal(t, 1.0, sums.Values[0].F64)
	assert.Equal(t, 3.0, sums.Values[1].F64) // rows at t=0 and t=1000
	assert.Equal(t, 5.0, sums.Values[2].F64) // rows at t=1000 and t=2000
}

func TestRunOrderByVectorDistanceKeepsSourceColumnOutOfOutput(t *testing.T) {
	ctx := testCtx()
	vecs := dataframe.New([]string{"id", "vec"}, []dataframe.Kind{dataframe.KindI64, dataframe.KindString})
	vecs.Columns[0].Values = []dataframe.Value{dataframe.I64(1), dataframe.I64(2)}
	vecs.Columns[1].Values = []dataframe.Value{dataframe.Str("5,0"), dataframe.Str("1,0")}
	seedTable(ctx, "embeddings", vecs)

	limit := int64(1)
	q := &query.Query{
		Select: []query.SelectItem{{Expr: query.Col("t.id")}},
		From:   &query.TableRef{Kind: query.TableRefTable, Name: "embeddings", Alias: "t"},
		OrderBy: []query.OrderItem{{
			Expr: query.Call("VEC_L2", query.Col("t.vec"), query.Lit(dataframe.Str("1,0"))),
			Asc:  true,
			Hint: query.HintANN,
		}},
		Limit: &limit,
	}
	out, err := Run(ctx, q)
	require.NoError(t, err)
	require.Equal(t, 1, out.NumRows())
	assert.Equal(t, int64(2), out.Columns[0].Values[0].I64, "row closest under L2 sorts first")

	_, hasVec := out.Column("t.vec")
	assert.False(t, hasVec, "the ORDER BY source column is dropped from strict-mode output")
}

func ptrE(e query.Expr) *query.Expr { return &e }
