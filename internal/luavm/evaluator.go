package luavm

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"

	"clarium.evalgo.org/internal/bytecode"
	"clarium.evalgo.org/internal/dataframe"
	"clarium.evalgo.org/internal/registry"
)

// nullOnError is the process-wide switch from spec.md §4.5/§6: when set, a
// UDF call that errors yields NULL for that row/group instead of aborting
// the statement.
var nullOnError atomic.Bool

// SetNullOnError toggles the process switch. Mirrors "SET NULL_ON_ERROR ON"
// style session pragmas.
func SetNullOnError(v bool) { nullOnError.Store(v) }

// NullOnError reports the current switch state.
func NullOnError() bool { return nullOnError.Load() }

// Deps bundles the §4.2/§4.4 fallback-resolution dependencies
// WithLuaFunction's miss path needs beyond the VM itself: the query-scoped
// registry snapshot (for a script the registry knows about but this lane's
// VM does not yet have loaded), the on-demand disk resolver, and the
// bytecode cache/ABI used to compile whichever source either of those
// yields. A caller with nothing to fall back on (e.g. a bare VM in a test)
// passes the zero Deps{}.
type Deps struct {
	Snapshot *registry.Snapshot
	Resolver *registry.Resolver
	BCCache  *bytecode.Cache
	ABI      bytecode.ABI
}

// WithLuaFunction resolves name to a callable global inside L and invokes
// fn with it, implementing the full §4.4 dispatch contract:
//  1. look up name (lowercased) in L's global table;
//  2. on miss, inject it from deps.Snapshot if the registry already has
//     source for it (the lane's VM build may have skipped a script that
//     failed to compile, or raced a registry update);
//  3. on miss, attempt an on-demand disk load via deps.Resolver across
//     every registered script root and inject that;
//  4. on miss, fail with a diagnostic listing every candidate path tried
//     plus a registry snapshot summary, per §4.2/§7.
//
// A resolved miss is injected into L only, never written back into
// deps.Snapshot: spec.md §3's invariant that a query's bound registry
// snapshot is never mutated during execution holds regardless of which
// path found the source.
func WithLuaFunction(L *lua.LState, name string, deps Deps, fn func(*lua.LFunction) error) error {
	normalized := strings.ToLower(name)

	if f, ok := L.GetGlobal(normalized).(*lua.LFunction); ok {
		return fn(f)
	}

	if deps.Snapshot != nil {
		if entry, ok := deps.Snapshot.Get(normalized); ok {
			if f, err := injectSource(L, deps, normalized, entry.Source); err == nil {
				return fn(f)
			}
		}
	}

	if deps.Resolver != nil {
		if source, _, err := deps.Resolver.Load(normalized); err == nil {
			if f, err := injectSource(L, deps, normalized, source); err == nil {
				return fn(f)
			}
		}
	}

	return missingFunctionError(name, deps)
}

// injectSource compiles (or reuses a cached compile of) source under name
// and installs it as a global inside L, for WithLuaFunction's miss path.
func injectSource(L *lua.LState, deps Deps, name, source string) (*lua.LFunction, error) {
	if deps.BCCache == nil {
		return nil, fmt.Errorf("luavm: no bytecode cache bound for on-demand load of %q", name)
	}
	key := bytecode.Key{ABI: deps.ABI, NormalizedName: name, ContentHash: bytecode.ContentHash(deps.ABI, source)}
	bc, err := deps.BCCache.GetOrCompile(key, source, CompileFunc)
	if err != nil {
		return nil, err
	}
	return loadIntoState(L, key, name, bc)
}

// missingFunctionError reports every candidate path the on-demand resolver
// tried plus a summary of the bound registry snapshot, per §4.2's "Failure
// returns a precise error listing each candidate path tried" and §4.4's
// "fail with a diagnostic listing every candidate path and a registry
// snapshot summary."
func missingFunctionError(name string, deps Deps) error {
	var tried []string
	if deps.Resolver != nil {
		tried = deps.Resolver.CandidatePaths(strings.ToLower(name))
	}
	summary := "no registry snapshot bound"
	if deps.Snapshot != nil {
		summary = fmt.Sprintf("registry snapshot has %d function(s): %v", len(deps.Snapshot.Entries), deps.Snapshot.SortedNames())
	}
	return fmt.Errorf("luavm: %q is not a loaded script function; tried %v; %s", name, tried, summary)
}

// valueToLua converts a dataframe.Value into the LValue gopher-lua scripts
// see as an argument.
func valueToLua(v dataframe.Value) lua.LValue {
	if v.IsNull() {
		return lua.LNil
	}
	switch v.Kind {
	case dataframe.KindBool:
		return lua.LBool(v.Bool)
	case dataframe.KindI64:
		return lua.LNumber(v.I64)
	case dataframe.KindF64:
		return lua.LNumber(v.F64)
	case dataframe.KindString:
		return lua.LString(v.Str)
	case dataframe.KindBytes:
		return lua.LString(string(v.Bytes))
	case dataframe.KindDate, dataframe.KindTime, dataframe.KindDatetime:
		return lua.LNumber(v.Time.UnixMilli())
	case dataframe.KindDuration:
		return lua.LNumber(float64(v.Dur))
	default:
		return lua.LString(v.AsString())
	}
}

// luaToValue converts a script return value back into a dataframe.Value of
// the requested kind, falling back to best-effort kind inference when
// wantKind is dataframe.KindNull (no declared return type).
func luaToValue(lv lua.LValue, wantKind dataframe.Kind) dataframe.Value {
	if lv == lua.LNil || lv == nil {
		return dataframe.Null(wantKind)
	}
	switch t := lv.(type) {
	case lua.LBool:
		return dataframe.Bool(bool(t))
	case lua.LNumber:
		f := float64(t)
		switch wantKind {
		case dataframe.KindI64:
			return dataframe.I64(int64(f))
		case dataframe.KindDatetime, dataframe.KindDate, dataframe.KindTime:
			return dataframe.DateTime(time.UnixMilli(int64(f)))
		case dataframe.KindDuration:
			return dataframe.Duration(time.Duration(int64(f)))
		default:
			return dataframe.F64(f)
		}
	case lua.LString:
		return dataframe.Str(string(t))
	case *lua.LTable:
		var items []dataframe.Value
		t.ForEach(func(_, v lua.LValue) {
			items = append(items, luaToValue(v, dataframe.KindNull))
		})
		return dataframe.List(items)
	default:
		return dataframe.Str(lv.String())
	}
}

// callResult is one resolved UDF invocation: the primary return value plus
// any additional returns (multi-return scalar UDFs expand into
// "<alias>_<i>" columns per spec.md §6).
type callResult struct {
	primary dataframe.Value
	extra   []dataframe.Value
	err     error
}

// call invokes a loaded scalar function with args, collecting up to
// maxReturns values. On a Lua-side error it never panics the caller: the
// error is captured into callResult.err, left to the caller to turn into a
// NULL (if NullOnError()) or a propagated statement failure.
func call(L *lua.LState, fn *lua.LFunction, args []dataframe.Value, wantKind dataframe.Kind, maxReturns int) callResult {
	luaArgs := make([]lua.LValue, len(args))
	for i, a := range args {
		luaArgs[i] = valueToLua(a)
	}

	base := L.GetTop()
	err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    lua.MultRet,
		Protect: true,
	}, luaArgs...)
	if err != nil {
		return callResult{err: fmt.Errorf("luavm: call failed: %w", err)}
	}

	got := L.GetTop() - base
	if got > maxReturns {
		got = maxReturns
	}
	if got <= 0 {
		L.SetTop(base)
		return callResult{primary: dataframe.Null(wantKind)}
	}

	res := make([]lua.LValue, got)
	for i := 0; i < got; i++ {
		res[i] = L.Get(base + 1 + i)
	}
	L.SetTop(base)

	out := callResult{primary: luaToValue(res[0], wantKind)}
	for i := 1; i < len(res); i++ {
		out.extra = append(out.extra, luaToValue(res[i], dataframe.KindNull))
	}
	return out
}

// CallScalar invokes a single loaded scalar function once with args,
// honoring the null-on-error switch. It is the building block ProjectScalar
// uses internally, exported for callers (e.g. internal/selectexec/expr)
// that evaluate a UDF call as one node inside a larger expression tree
// rather than as a whole-column projection.
func CallScalar(L *lua.LState, name string, wantKind dataframe.Kind, args []dataframe.Value, deps Deps) (dataframe.Value, []dataframe.Value, error) {
	var fn *lua.LFunction
	if err := WithLuaFunction(L, name, deps, func(f *lua.LFunction) error { fn = f; return nil }); err != nil {
		return dataframe.Null(wantKind), nil, err
	}
	r := call(L, fn, args, wantKind, 8)
	if r.err != nil {
		if NullOnError() {
			return dataframe.Null(wantKind), nil, nil
		}
		return dataframe.Null(wantKind), nil, fmt.Errorf("luavm: scalar %q: %w", name, r.err)
	}
	return r.primary, r.extra, nil
}

// ProjectScalar evaluates a scalar UDF over every row of df, reading argCols
// as positional arguments and writing the primary result into a new column
// named alias. Extra return values (multi-return UDFs) populate additional
// columns named "<alias>_2", "<alias>_3", and so on, per spec.md §6.
//
// A zero-argument call (argCols empty) is evaluated once and broadcast to
// every row, matching the "zero-arg eager literal evaluation" rule: such a
// UDF is a constant for the statement, not a per-row call.
func ProjectScalar(L *lua.LState, name string, alias string, wantKind dataframe.Kind, df *dataframe.Dataframe, argCols []string, deps Deps) (*dataframe.Column, []*dataframe.Column, error) {
	n := df.NumRows()
	primary := &dataframe.Column{Name: alias, Type: wantKind, Values: make([]dataframe.Value, n)}
	var extraCols []*dataframe.Column

	argIdx := make([]int, len(argCols))
	for i, c := range argCols {
		idx := df.ColumnIndex(c)
		if idx < 0 {
			return nil, nil, fmt.Errorf("luavm: ProjectScalar: unknown argument column %q", c)
		}
		argIdx[i] = idx
	}

	var fn *lua.LFunction
	if err := WithLuaFunction(L, name, deps, func(f *lua.LFunction) error { fn = f; return nil }); err != nil {
		return nil, nil, err
	}

	eval := func(row int) (callResult, error) {
		args := make([]dataframe.Value, len(argIdx))
		for i, ci := range argIdx {
			args[i] = df.Columns[ci].Values[row]
		}
		r := call(L, fn, args, wantKind, 8)
		if r.err != nil {
			if NullOnError() {
				return callResult{primary: dataframe.Null(wantKind)}, nil
			}
			return callResult{}, fmt.Errorf("luavm: scalar %q row %d: %w", name, row, r.err)
		}
		return r, nil
	}

	if len(argIdx) == 0 {
		r, err := eval(0)
		if err != nil {
			return nil, nil, err
		}
		for i := 0; i < n; i++ {
			primary.Values[i] = r.primary
		}
		extraCols = makeExtraColumns(alias, r.extra, n, func(i int) []dataframe.Value {
			vals := make([]dataframe.Value, n)
			for j := range vals {
				vals[j] = r.extra[i]
			}
			return vals
		})
		return primary, extraCols, nil
	}

	var extras [][]dataframe.Value
	for i := 0; i < n; i++ {
		r, err := eval(i)
		if err != nil {
			return nil, nil, err
		}
		primary.Values[i] = r.primary
		if extras == nil && len(r.extra) > 0 {
			extras = make([][]dataframe.Value, len(r.extra))
			for k := range extras {
				extras[k] = make([]dataframe.Value, n)
			}
		}
		for k, v := range r.extra {
			extras[k][i] = v
		}
	}
	for i, col := range extras {
		extraCols = append(extraCols, &dataframe.Column{
			Name:   fmt.Sprintf("%s_%d", alias, i+2),
			Type:   dataframe.KindNull,
			Values: col,
		})
	}
	return primary, extraCols, nil
}

func makeExtraColumns(alias string, extra []dataframe.Value, n int, build func(i int) []dataframe.Value) []*dataframe.Column {
	if len(extra) == 0 {
		return nil
	}
	out := make([]*dataframe.Column, len(extra))
	for i := range extra {
		out[i] = &dataframe.Column{
			Name:   fmt.Sprintf("%s_%d", alias, i+2),
			Type:   dataframe.KindNull,
			Values: build(i),
		}
	}
	return out
}

// AggregateGroup evaluates an aggregate UDF over one group's argument
// column values, passing each argument column as a Lua array table. This
// matches the convention the embedded scripts use for built-in-shaped
// aggregates (e.g. QUANTILE, STDEV): a single call per group receiving the
// full column slice(s), not an init/step/final protocol.
func AggregateGroup(L *lua.LState, name string, wantKind dataframe.Kind, groupArgs [][]dataframe.Value, deps Deps) (dataframe.Value, error) {
	var fn *lua.LFunction
	if err := WithLuaFunction(L, name, deps, func(f *lua.LFunction) error { fn = f; return nil }); err != nil {
		return dataframe.Null(wantKind), err
	}

	luaArgs := make([]lua.LValue, len(groupArgs))
	for i, col := range groupArgs {
		tbl := L.NewTable()
		for _, v := range col {
			tbl.Append(valueToLua(v))
		}
		luaArgs[i] = tbl
	}

	base := L.GetTop()
	err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, luaArgs...)
	if err != nil {
		if NullOnError() {
			return dataframe.Null(wantKind), nil
		}
		return dataframe.Null(wantKind), fmt.Errorf("luavm: aggregate %q: %w", name, err)
	}
	if L.GetTop() <= base {
		return dataframe.Null(wantKind), nil
	}
	ret := L.Get(base + 1)
	L.SetTop(base)
	return luaToValue(ret, wantKind), nil
}
