package sliceplan

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

func manualNode(rows ...query.ManualSliceRow) *query.SliceNode {
	return &query.SliceNode{Kind: query.SliceNodeSource, ManualRows: rows}
}

func row(start, end int64, labels map[string]dataframe.Value) query.ManualSliceRow {
	return query.ManualSliceRow{Start: start, End: end, Labels: labels}
}

func TestUnionCoalescesOverlappingIntervals(t *testing.T) {
	ctx := testCtx()
	plan := &query.BySlicePlan{Root: query.SliceNode{
		Kind: query.SliceNodeCombine,
		Op:   query.SliceUnion,
		Left: manualNode(row(0, 100, nil)),
		Right: manualNode(row(50, 150, nil)),
	}}

	out, err := Evaluate(ctx, plan, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(0), out[0].Start)
	assert.Equal(t, int64(150), out[0].End)
}

func TestUnionKeepsDisjointIntervalsSeparate(t *testing.T) {
	ctx := testCtx()
	plan := &query.BySlicePlan{Root: query.SliceNode{
		Kind: query.SliceNodeCombine,
		Op:   query.SliceUnion,
		Left: manualNode(row(0, 10, nil)),
		Right: manualNode(row(20, 30, nil)),
	}}

	out, err := Evaluate(ctx, plan, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
}

func TestUnionLabelPropagationLHSWinsOnNonNull(t *testing.T) {
	ctx := testCtx()
	plan := &query.BySlicePlan{Root: query.SliceNode{
		Kind: query.SliceNodeCombine,
		Op:   query.SliceUnion,
		Left: manualNode(row(0, 100, map[string]dataframe.Value{"region": dataframe.Str("west")})),
		Right: manualNode(row(50, 150, map[string]dataframe.Value{"region": dataframe.Str("east")})),
	}}

	out, err := Evaluate(ctx, plan, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "west", out[0].Labels["region"].Str)
}

func TestUnionLabelPropagationRHSWinsWhenLHSNull(t *testing.T) {
	ctx := testCtx()
	plan := &query.BySlicePlan{Root: query.SliceNode{
		Kind: query.SliceNodeCombine,
		Op:   query.SliceUnion,
		Left: manualNode(row(0, 100, map[string]dataframe.Value{"region": dataframe.Null(dataframe.KindString)})),
		Right: manualNode(row(50, 150, map[string]dataframe.Value{"region": dataframe.Str("east")})),
	}}

	out, err := Evaluate(ctx, plan, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "east", out[0].Labels["region"].Str)
}

func TestIntersectEmitsOverlapOnly(t *testing.T) {
	ctx := testCtx()
	plan := &query.BySlicePlan{Root: query.SliceNode{
		Kind: query.SliceNodeCombine,
		Op:   query.SliceIntersect,
		Left: manualNode(row(0, 100, nil)),
		Right: manualNode(row(50, 150, nil)),
	}}

	out, err := Evaluate(ctx, plan, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(50), out[0].Start)
	assert.Equal(t, int64(100), out[0].End)
}

func TestIntersectNoOverlapProducesNothing(t *testing.T) {
	ctx := testCtx()
	plan := &query.BySlicePlan{Root: query.SliceNode{
		Kind: query.SliceNodeCombine,
		Op:   query.SliceIntersect,
		Left: manualNode(row(0, 10, nil)),
		Right: manualNode(row(20, 30, nil)),
	}}

	out, err := Evaluate(ctx, plan, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}
