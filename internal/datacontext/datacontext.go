// Package datacontext implements the query-scoped state shared across every
// stage of the SELECT execution pipeline (spec.md §3's DataContext / C6):
// registered sources, per-stage column visibility, the bound script
// registry snapshot, the prepared-VM handle, and storage facade access.
package datacontext

import (
	"fmt"
	"strconv"
	"time"

	lua "github.com/yuin/gopher-lua"

	"clarium.evalgo.org/internal/dataframe"
	"clarium.evalgo.org/internal/luavm"
	"clarium.evalgo.org/internal/query"
	"clarium.evalgo.org/internal/registry"
)

// Stage names one of the six SELECT pipeline stages (§4.7), used as the key
// into StageColumns/StageUserColumns.
type Stage int

const (
	StageFromWhere Stage = iota
	StageByGroupSlice
	StageRolling
	StageProjectSelect
	StageOrderLimit
	StageHaving
)

func (s Stage) String() string {
	switch s {
	case StageFromWhere:
		return "from_where"
	case StageByGroupSlice:
		return "by_group_slice"
	case StageRolling:
		return "rolling"
	case StageProjectSelect:
		return "project_select"
	case StageOrderLimit:
		return "order_limit"
	case StageHaving:
		return "having"
	default:
		return "unknown_stage"
	}
}

// Store is the subset of the storage facade (internal/storage, C1) the
// SELECT pipeline needs. Defined here rather than imported, so datacontext
// does not import internal/storage (and storage has no reason to know
// about query execution either).
type Store interface {
	ReadDataframe(path string) (*dataframe.Dataframe, error)
	OpenGraph(name string) (interface{}, error)
}

// VMHandle is the subset of the prepared-VM cache (internal/luavm, C4) a
// DataContext needs to carry: which lane this query executes on, bound once
// at query start.
type VMHandle struct {
	LaneID int
}

// DataContext carries per-query, per-recursion-level state (spec.md §3).
type DataContext struct {
	Sources       []query.TableRef
	ParentSources []query.TableRef
	AliasToName   map[string]string

	CurrentDatabase string
	CurrentSchema   string
	CurrentUser     string
	SessionUser     string

	TransactionTimestamp time.Time
	StatementTimestamp   time.Time

	StageColumns     map[Stage][]string
	StageUserColumns map[Stage][]string

	ScriptRegistry *registry.Snapshot
	QueryLua       VMHandle
	LuaVM          *lua.LState  // the VM instance backing QueryLua's lane, bound for this query's duration
	VMCache        *luavm.Cache // the lane cache LuaVM was drawn from; backs UDFDeps' on-demand miss path
	Store          Store

	CTETables          map[string]*dataframe.Dataframe
	TempOrderByColumns map[string]bool
}

// New constructs a fresh top-level DataContext. transactionTS/statementTS
// are fixed once at query start, per spec.md §3, so callers pass them in
// rather than this package reading the clock itself (and so the same
// values can be reused by subquery children via NewChild).
func New(store Store, reg *registry.Snapshot, lane VMHandle, vm *lua.LState, currentDatabase, currentSchema, currentUser, sessionUser string, transactionTS, statementTS time.Time) *DataContext {
	return &DataContext{
		AliasToName:          make(map[string]string),
		CurrentDatabase:      currentDatabase,
		CurrentSchema:        currentSchema,
		CurrentUser:          currentUser,
		SessionUser:          sessionUser,
		TransactionTimestamp: transactionTS,
		StatementTimestamp:   statementTS,
		StageColumns:         make(map[Stage][]string),
		StageUserColumns:     make(map[Stage][]string),
		ScriptRegistry:       reg,
		QueryLua:             lane,
		LuaVM:                vm,
		Store:                store,
		CTETables:            make(map[string]*dataframe.Dataframe),
		TempOrderByColumns:   make(map[string]bool),
	}
}

// BindVMCache attaches the lane cache LuaVM was drawn from, so UDFDeps can
// fall back to an on-demand disk load (§4.2/§4.4) when a call resolves to a
// name this lane's VM build skipped or never had. Separate from New's
// constructor args since most tests bind a bare *lua.LState with no cache
// behind it at all.
func (ctx *DataContext) BindVMCache(c *luavm.Cache) { ctx.VMCache = c }

// UDFDeps bundles this context's registry snapshot with its VM cache's
// resolver/bytecode-cache/ABI into the Deps luavm.WithLuaFunction's miss
// path needs. When no VMCache is bound it returns Deps carrying only the
// snapshot: no resolver and no bytecode cache, so the miss path cannot
// load or compile a script that is absent from the VM.
func (ctx *DataContext) UDFDeps() luavm.Deps {
	if ctx.VMCache == nil {
		return luavm.Deps{Snapshot: ctx.ScriptRegistry}
	}
	return ctx.VMCache.DepsFor(ctx.ScriptRegistry)
}

// NewChild builds the ctx for one level of subquery recursion (§4.6): the
// child's ParentSources is the parent's own Sources appended onto the
// parent's ParentSources, preserving the invariant "parent_sources ⊇ every
// ancestor's sources". Everything else query-global (registry snapshot, VM
// lane, store handle, session identity, fixed timestamps) is inherited
// unchanged.
func (ctx *DataContext) NewChild() *DataContext {
	parents := make([]query.TableRef, 0, len(ctx.ParentSources)+len(ctx.Sources))
	parents = append(parents, ctx.ParentSources...)
	parents = append(parents, ctx.Sources...)

	return &DataContext{
		ParentSources:        parents,
		AliasToName:          make(map[string]string),
		CurrentDatabase:      ctx.CurrentDatabase,
		CurrentSchema:        ctx.CurrentSchema,
		CurrentUser:          ctx.CurrentUser,
		SessionUser:          ctx.SessionUser,
		TransactionTimestamp: ctx.TransactionTimestamp,
		StatementTimestamp:   ctx.StatementTimestamp,
		StageColumns:         make(map[Stage][]string),
		StageUserColumns:     make(map[Stage][]string),
		ScriptRegistry:       ctx.ScriptRegistry,
		QueryLua:             ctx.QueryLua,
		LuaVM:                ctx.LuaVM,
		VMCache:              ctx.VMCache,
		Store:                ctx.Store,
		CTETables:            ctx.CTETables,
		TempOrderByColumns:   make(map[string]bool),
	}
}

// RegisterSource adds a FROM/JOIN table reference, recording its alias (or
// canonical name, if unaliased) in AliasToName.
func (ctx *DataContext) RegisterSource(ref query.TableRef) {
	ctx.Sources = append(ctx.Sources, ref)
	name := ref.EffectiveName()
	if ref.Alias != "" {
		ctx.AliasToName[ref.Alias] = ref.Name
	} else {
		ctx.AliasToName[name] = ref.Name
	}
}

// IsOuterAlias reports whether alias names a source from an enclosing query
// level (ctx.ParentSources), used by correlated-subquery substitution
// (§4.6 step 3b) to decide whether a qualifier refers outward.
func (ctx *DataContext) IsOuterAlias(alias string) bool {
	for _, s := range ctx.ParentSources {
		if s.EffectiveName() == alias || s.Name == alias {
			return true
		}
	}
	return false
}

// IsInnerAlias reports whether alias names one of this level's own sources.
func (ctx *DataContext) IsInnerAlias(alias string) bool {
	for _, s := range ctx.Sources {
		if s.EffectiveName() == alias || s.Name == alias {
			return true
		}
	}
	return false
}

// SetStageColumns records the column set visible after a stage has
// materialized (§3 invariant: StageColumns[ProjectSelect] is the output
// schema visible to ORDER BY/HAVING, minus TempOrderByColumns).
func (ctx *DataContext) SetStageColumns(stage Stage, cols []string) {
	ctx.StageColumns[stage] = cols
}

// SetStageUserColumns records which of a stage's columns were introduced by
// user expressions/UDFs rather than originating from a table.
func (ctx *DataContext) SetStageUserColumns(stage Stage, cols []string) {
	ctx.StageUserColumns[stage] = cols
}

// ProjectSelectOutputColumns returns the final output schema: the
// ProjectSelect stage's columns with any TempOrderByColumns removed, per
// the §3 invariant.
func (ctx *DataContext) ProjectSelectOutputColumns() []string {
	cols := ctx.StageColumns[StageProjectSelect]
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if !ctx.TempOrderByColumns[c] {
			out = append(out, c)
		}
	}
	return out
}

// MarkTempOrderByColumn records a column added to the projection solely to
// satisfy ORDER BY, so it can be dropped from the final output.
func (ctx *DataContext) MarkTempOrderByColumn(name string) {
	ctx.TempOrderByColumns[name] = true
}

// AmbiguousColumnError reports an unqualified reference that matches more
// than one source, per the §3 invariant on join-prefixed column names.
func AmbiguousColumnError(name string, matches []string) error {
	return fmt.Errorf("Ambiguous column '%s'; qualify with table alias (matches %v)", name, matches)
}

// Field implements internal/luavm.ContextFields, backing the get_context(key)
// builtin every prepared VM exposes (§4.5).
func (ctx *DataContext) Field(key string) (string, bool) {
	switch key {
	case "current_database":
		return ctx.CurrentDatabase, true
	case "current_schema":
		return ctx.CurrentSchema, true
	case "current_user":
		return ctx.CurrentUser, true
	case "session_user":
		return ctx.SessionUser, true
	case "transaction_timestamp":
		return strconv.FormatInt(ctx.TransactionTimestamp.Unix(), 10), true
	case "statement_timestamp":
		return strconv.FormatInt(ctx.StatementTimestamp.Unix(), 10), true
	default:
		return "", false
	}
}
