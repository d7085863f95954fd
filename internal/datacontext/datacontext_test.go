package datacontext

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clarium.evalgo.org/internal/query"
	"clarium.evalgo.org/internal/registry"
)

func newTestCtx() *DataContext {
	reg := registry.New()
	snap := reg.Snapshot()
	ts := time.Unix(1700000000, 0)
	return New(nil, snap, VMHandle{LaneID: 0}, nil, "clarium", "public", "alice", "alice", ts, ts)
}

func TestRegisterSourceTracksAliasOrName(t *testing.T) {
	ctx := newTestCtx()
	ctx.RegisterSource(query.TableRef{Kind: query.TableRefTable, Name: "orders", Alias: "o"})
	ctx.RegisterSource(query.TableRef{Kind: query.TableRefTable, Name: "customers"})

	assert.Equal(t, "orders", ctx.AliasToName["o"])
	assert.Equal(t, "customers", ctx.AliasToName["customers"])
	require.Len(t, ctx.Sources, 2)
}

func TestNewChildAccumulatesParentSources(t *testing.T) {
	ctx := newTestCtx()
	ctx.RegisterSource(query.TableRef{Kind: query.TableRefTable, Name: "orders", Alias: "o"})

	child := ctx.NewChild()
	assert.Len(t, child.ParentSources, 1)
	assert.True(t, child.IsOuterAlias("o"))
	assert.False(t, child.IsInnerAlias("o"))

	child.RegisterSource(query.TableRef{Kind: query.TableRefTable, Name: "line_items", Alias: "li"})
	assert.True(t, child.IsInnerAlias("li"))

	grandchild := child.NewChild()
	assert.Len(t, grandchild.ParentSources, 2, "grandchild must see both ancestor levels' sources")
}

func TestNewChildInheritsQueryGlobalState(t *testing.T) {
	ctx := newTestCtx()
	child := ctx.NewChild()

	assert.Same(t, ctx.ScriptRegistry, child.ScriptRegistry)
	assert.Equal(t, ctx.CurrentUser, child.CurrentUser)
	assert.Equal(t, ctx.TransactionTimestamp, child.TransactionTimestamp)
	assert.Equal(t, ctx.QueryLua, child.QueryLua)
}

func TestProjectSelectOutputColumnsDropsTempOrderBy(t *testing.T) {
	ctx := newTestCtx()
	ctx.SetStageColumns(StageProjectSelect, []string{"id", "name", "__order_by_1"})
	ctx.MarkTempOrderByColumn("__order_by_1")

	assert.Equal(t, []string{"id", "name"}, ctx.ProjectSelectOutputColumns())
}

func TestFieldImplementsContextAccessorKeys(t *testing.T) {
	ctx := newTestCtx()

	v, ok := ctx.Field("current_user")
	require.True(t, ok)
	assert.Equal(t, "alice", v)

	_, ok = ctx.Field("not_a_real_key")
	assert.False(t, ok)
}

func TestAmbiguousColumnError(t *testing.T) {
	err := AmbiguousColumnError("id", []string{"orders.id", "customers.id"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Ambiguous column 'id'")
}
