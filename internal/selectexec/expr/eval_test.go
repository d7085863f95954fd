package expr

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

func oneRowDF() (*dataframe.Dataframe, Row) {
	df := dataframe.New([]string{"a", "b", "name"}, []dataframe.Kind{dataframe.KindI64, dataframe.KindI64, dataframe.KindString})
	df.Columns[0].Values = []dataframe.Value{dataframe.I64(3)}
	df.Columns[1].Values = []dataframe.Value{dataframe.I64(4)}
	df.Columns[2].Values = []dataframe.Value{dataframe.Str("clarium")}
	return df, Row{DF: df, Idx: 0}
}

func TestEvalColumnAndLiteral(t *testing.T) {
	ctx := testCtx()
	df, row := oneRowDF()
	_ = df

	v, err := Eval(ctx, row, query.Col("a"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), v.I64)

	v, err = Eval(ctx, row, query.Lit(dataframe.I64(9)))
	require.NoError(t, err)
	assert.Equal(t, int64(9), v.I64)
}

func TestEvalArithmetic(t *testing.T) {
	ctx := testCtx()
	_, row := oneRowDF()

	e := query.Expr{Kind: query.ExprBinary, BinOp: query.OpAdd, Left: ptr(query.Col("a")), Right: ptr(query.Col("b"))}
	v, err := Eval(ctx, row, e)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v.I64)
}

func TestEvalComparisonAndLogical(t *testing.T) {
	ctx := testCtx()
	_, row := oneRowDF()

	gt := query.Expr{Kind: query.ExprBinary, BinOp: query.OpGt, Left: ptr(query.Col("b")), Right: ptr(query.Col("a"))}
	v, err := Eval(ctx, row, gt)
	require.NoError(t, err)
	assert.True(t, v.Bool)

	and := query.Expr{Kind: query.ExprBinary, BinOp: query.OpAnd, Left: ptr(gt), Right: ptr(query.Lit(dataframe.Bool(false)))}
	v, err = Eval(ctx, row, and)
	require.NoError(t, err)
	assert.False(t, v.Bool)
}

func TestEvalLike(t *testing.T) {
	ctx := testCtx()
	_, row := oneRowDF()

	like := query.Expr{Kind: query.ExprBinary, BinOp: query.OpLike, Left: ptr(query.Col("name")), Right: ptr(query.Lit(dataframe.Str("clar%")))}
	v, err := Eval(ctx, row, like)
	require.NoError(t, err)
	assert.True(t, v.Bool)
}

func TestEvalCaseAndCoalesce(t *testing.T) {
	ctx := testCtx()
	_, row := oneRowDF()

	c := query.Expr{
		Kind: query.ExprCase,
		WhenThen: []query.WhenThen{
			{When: query.Expr{Kind: query.ExprBinary, BinOp: query.OpGt, Left: ptr(query.Col("a")), Right: ptr(query.Lit(dataframe.I64(100)))}, Then: query.Lit(dataframe.Str("big"))},
		},
		Else: ptr(query.Lit(dataframe.Str("small"))),
	}
	v, err := Eval(ctx, row, c)
	require.NoError(t, err)
	assert.Equal(t, "small", v.Str)

	coalesce := query.Call("COALESCE", query.Lit(dataframe.Null(dataframe.KindString)), query.Lit(dataframe.Str("fallback")))
	v, err = Eval(ctx, row, coalesce)
	require.NoError(t, err)
	assert.Equal(t, "fallback", v.Str)
}

func TestEvalSubstrPythonSlicing(t *testing.T) {
	ctx := testCtx()
	_, row := oneRowDF()

	call := query.Call("SUBSTR", query.Col("name"), query.Lit(dataframe.I64(-4)))
	v, err := Eval(ctx, row, call)
	require.NoError(t, err)
	assert.Equal(t, "rium", v.Str)
}

func TestEvalVecFunctions(t *testing.T) {
	ctx := testCtx()
	_, row := oneRowDF()

	l2 := query.Call("VEC_L2", query.Lit(dataframe.Str("0,0")), query.Lit(dataframe.Str("3,4")))
	v, err := Eval(ctx, row, l2)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, v.F64, 1e-9)

	sim := query.Call("COSINE_SIM", query.Lit(dataframe.Str("1,0")), query.Lit(dataframe.Str("1,0")))
	v, err = Eval(ctx, row, sim)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, v.F64, 1e-9)
}

func TestEvalMaskFiltersRows(t *testing.T) {
	ctx := testCtx()
	df := dataframe.New([]string{"a"}, []dataframe.Kind{dataframe.KindI64})
	df.Columns[0].Values = []dataframe.Value{dataframe.I64(1), dataframe.I64(2), dataframe.I64(3)}

	pred := query.Expr{Kind: query.ExprBinary, BinOp: query.OpGte, Left: ptr(query.Col("a")), Right: ptr(query.Lit(dataframe.I64(2)))}
	mask, err := EvalMask(ctx, df, pred)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true, true}, mask)
}

func TestExtractFields(t *testing.T) {
	ts := time.Date(2024, time.March, 5, 10, 30, 0, 0, time.UTC)
	v, err := Extract(dataframe.DateTime(ts), "YEAR")
	require.NoError(t, err)
	assert.Equal(t, int64(2024), v.I64)

	v, err = Extract(dataframe.DateTime(ts), "MONTH")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v.I64)
}

func TestCastConversions(t *testing.T) {
	v, err := Cast(dataframe.Str("42"), dataframe.KindI64)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v.I64)

	v, err = Cast(dataframe.I64(7), dataframe.KindString)
	require.NoError(t, err)
	assert.Equal(t, "7", v.Str)

	_, err = Cast(dataframe.Str("not-a-bool"), dataframe.KindBool)
	assert.Error(t, err)
}

func TestResolveColumnAmbiguous(t *testing.T) {
	df := dataframe.New([]string{"orders.id", "customers.id"}, []dataframe.Kind{dataframe.KindI64, dataframe.KindI64})
	_, err := ResolveColumn(df, "id")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Ambiguous column 'id'")
}

func ptr(e query.Expr) *query.Expr { return &e }
