package luavm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	"clarium.evalgo.org/internal/bytecode"
	"clarium.evalgo.org/internal/dataframe"
	"clarium.evalgo.org/internal/registry"
)

func testCache() *Cache {
	bc := bytecode.New(nil)
	resolver := &registry.Resolver{}
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return NewCache(bc, resolver, HostABI(false), log)
}

func TestStampChangesOnSourceEdit(t *testing.T) {
	r := registry.New()
	r.Load("double", "function double(x) return x*2 end")
	s1 := r.Snapshot()

	r.Load("double", "function double(x) return x*3 end")
	s2 := r.Snapshot()

	assert.NotEqual(t, Stamp(s1), Stamp(s2))
}

func TestStampStableForUnchangedSnapshot(t *testing.T) {
	r := registry.New()
	r.Load("f", "return 1")
	s := r.Snapshot()
	assert.Equal(t, Stamp(s), Stamp(s))
}

func TestCacheRebuildsOnlyOnDrift(t *testing.T) {
	r := registry.New()
	r.Load("f", "function f(x) return x end")
	c := testCache()

	s1 := r.Snapshot()
	L1, err := c.Get(0, s1)
	require.NoError(t, err)

	L2, err := c.Get(0, s1) // same snapshot, same lane
	require.NoError(t, err)
	assert.Same(t, L1, L2, "expected same VM instance when stamp has not drifted")

	r.Load("f", "function f(x) return x+1 end")
	s2 := r.Snapshot()
	L3, err := c.Get(0, s2)
	require.NoError(t, err)
	assert.NotSame(t, L1, L3, "expected a rebuilt VM after registry drift")
}

func TestCacheSkipsBrokenScriptButLoadsRest(t *testing.T) {
	r := registry.New()
	r.Load("broken", "function broken( return end")
	r.Load("good", "function good(x) return x end")
	c := testCache()

	L, err := c.Get(0, r.Snapshot())
	require.NoError(t, err)

	df := dataframe.New([]string{"x"}, []dataframe.Kind{dataframe.KindI64})
	df.Columns[0].Values = []dataframe.Value{dataframe.I64(5)}

	_, _, projErr := ProjectScalar(L, "good", "y", dataframe.KindI64, df, []string{"x"}, Deps{})
	require.NoError(t, projErr)

	_, _, brokenErr := ProjectScalar(L, "broken", "y", dataframe.KindI64, df, []string{"x"}, Deps{})
	assert.Error(t, brokenErr, "broken script must not have been installed as a global")
}

func TestProjectScalarAppliesFunctionPerRow(t *testing.T) {
	r := registry.New()
	r.Load("double", "function double(x) return x*2 end")
	c := testCache()
	L, err := c.Get(0, r.Snapshot())
	require.NoError(t, err)

	df := dataframe.New([]string{"x"}, []dataframe.Kind{dataframe.KindI64})
	df.Columns[0].Values = []dataframe.Value{dataframe.I64(1), dataframe.I64(2), dataframe.I64(3)}

	col, extra, err := ProjectScalar(L, "double", "y", dataframe.KindI64, df, []string{"x"}, Deps{})
	require.NoError(t, err)
	assert.Empty(t, extra)
	require.Len(t, col.Values, 3)
	assert.Equal(t, int64(2), col.Values[0].I64)
	assert.Equal(t, int64(4), col.Values[1].I64)
	assert.Equal(t, int64(6), col.Values[2].I64)
}

func TestProjectScalarZeroArgBroadcastsOnce(t *testing.T) {
	r := registry.New()
	r.Load("pi_const", "calls = 0\nfunction pi_const() calls = calls + 1 return 3 end")
	c := testCache()
	L, err := c.Get(0, r.Snapshot())
	require.NoError(t, err)

	df := dataframe.New([]string{"x"}, []dataframe.Kind{dataframe.KindI64})
	df.Columns[0].Values = []dataframe.Value{dataframe.I64(1), dataframe.I64(2), dataframe.I64(3)}

	col, _, err := ProjectScalar(L, "pi_const", "y", dataframe.KindI64, df, nil, Deps{})
	require.NoError(t, err)
	for _, v := range col.Values {
		assert.Equal(t, int64(3), v.I64)
	}
	// the zero-arg function must have been evaluated exactly once, not 3 times
	calls := L.GetGlobal("calls")
	assert.Equal(t, "1", calls.String())
}

func TestProjectScalarMultiReturnExpandsColumns(t *testing.T) {
	r := registry.New()
	r.Load("divmod", "function divmod(a, b) return math.floor(a / b), a % b end")
	c := testCache()
	L, err := c.Get(0, r.Snapshot())
	require.NoError(t, err)

	df := dataframe.New([]string{"a", "b"}, []dataframe.Kind{dataframe.KindI64, dataframe.KindI64})
	df.Columns[0].Values = []dataframe.Value{dataframe.I64(7)}
	df.Columns[1].Values = []dataframe.Value{dataframe.I64(2)}

	_, extra, err := ProjectScalar(L, "divmod", "r", dataframe.KindI64, df, []string{"a", "b"}, Deps{})
	require.NoError(t, err)
	require.Len(t, extra, 1)
	assert.Equal(t, "r_2", extra[0].Name)
}

func TestProjectScalarNullOnErrorSwitch(t *testing.T) {
	r := registry.New()
	r.Load("boom", "function boom(x) error('kaboom') end")
	c := testCache()
	L, err := c.Get(0, r.Snapshot())
	require.NoError(t, err)

	df := dataframe.New([]string{"x"}, []dataframe.Kind{dataframe.KindI64})
	df.Columns[0].Values = []dataframe.Value{dataframe.I64(1)}

	SetNullOnError(false)
	_, _, err = ProjectScalar(L, "boom", "y", dataframe.KindI64, df, []string{"x"}, Deps{})
	assert.Error(t, err)

	SetNullOnError(true)
	defer SetNullOnError(false)
	col, _, err := ProjectScalar(L, "boom", "y", dataframe.KindI64, df, []string{"x"}, Deps{})
	require.NoError(t, err)
	assert.True(t, col.Values[0].IsNull())
}

func TestAggregateGroupSumsOverColumn(t *testing.T) {
	r := registry.New()
	r.Load("my_sum", `
function my_sum(xs)
  local total = 0
  for i = 1, #xs do total = total + xs[i] end
  return total
end`)
	c := testCache()
	L, err := c.Get(0, r.Snapshot())
	require.NoError(t, err)

	group := []dataframe.Value{dataframe.I64(1), dataframe.I64(2), dataframe.I64(3)}
	result, err := AggregateGroup(L, "my_sum", dataframe.KindI64, [][]dataframe.Value{group}, Deps{})
	require.NoError(t, err)
	assert.Equal(t, int64(6), result.I64)
}

func TestGetContextAccessor(t *testing.T) {
	r := registry.New()
	r.Load("whoami", "function whoami() return get_context('current_user') end")
	c := testCache()
	L, err := c.Get(0, r.Snapshot())
	require.NoError(t, err)

	BindContext(L, stubContext{"current_user": "alice"})
	defer UnbindContext(L)

	df := dataframe.New([]string{"x"}, []dataframe.Kind{dataframe.KindI64})
	df.Columns[0].Values = []dataframe.Value{dataframe.I64(1)}
	col, _, err := ProjectScalar(L, "whoami", "u", dataframe.KindString, df, nil, Deps{})
	require.NoError(t, err)
	assert.Equal(t, "alice", col.Values[0].Str)
}

type stubContext map[string]string

func (s stubContext) Field(key string) (string, bool) {
	v, ok := s[key]
	return v, ok
}

// TestWithLuaFunctionResolvesFromDiskOnMiss covers §4.2/§4.4's on-demand
// disk-load fallback: a name the registry (and thus the lane's already-
// built VM) has never heard of, but that exists as a .lua file under a
// registered script root, is resolved and injected rather than failing
// immediately.
func TestWithLuaFunctionResolvesFromDiskOnMiss(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "triple.lua"), []byte("function triple(x) return x*3 end"), 0o644))

	resolver := &registry.Resolver{}
	resolver.AddRoot(dir)
	bc := bytecode.New(nil)
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	c := NewCache(bc, resolver, HostABI(false), log)

	L, err := c.Get(0, registry.New().Snapshot()) // empty registry: "triple" is on disk only
	require.NoError(t, err)

	deps := c.DepsFor(registry.New().Snapshot())
	df := dataframe.New([]string{"x"}, []dataframe.Kind{dataframe.KindI64})
	df.Columns[0].Values = []dataframe.Value{dataframe.I64(4)}

	col, _, err := ProjectScalar(L, "triple", "y", dataframe.KindI64, df, []string{"x"}, deps)
	require.NoError(t, err)
	assert.Equal(t, int64(12), col.Values[0].I64)

	// a second call reuses the now-injected global rather than re-resolving.
	col2, _, err := ProjectScalar(L, "TRIPLE", "y", dataframe.KindI64, df, []string{"x"}, deps)
	require.NoError(t, err)
	assert.Equal(t, int64(12), col2.Values[0].I64)
}

// TestWithLuaFunctionMissingReportsCandidatesAndSnapshot covers §4.2/§4.4's
// diagnostic error: when every fallback fails, the error names every
// candidate path tried and summarizes the bound registry snapshot.
func TestWithLuaFunctionMissingReportsCandidatesAndSnapshot(t *testing.T) {
	dir := t.TempDir()
	resolver := &registry.Resolver{}
	resolver.AddRoot(dir)

	r := registry.New()
	r.Load("known", "function known() return 1 end")

	err := WithLuaFunction(lua.NewState(), "nope", Deps{Snapshot: r.Snapshot(), Resolver: resolver}, func(*lua.LFunction) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), filepath.Join(dir, "nope.lua"))
	assert.Contains(t, err.Error(), "known")
}
