// Package query defines the abstract query tree consumed by the SELECT
// execution pipeline. Per spec.md §1/§6 the SQL lexer and clause-splitter
// are external collaborators — this package is the stable contract the
// parser is assumed to populate, matching the Rust original's
// server/query/query_common.rs tree.
package query

import "clarium.evalgo.org/internal/dataframe"

// IntoMode controls how an INTO target receives rows from a SELECT.
type IntoMode int

const (
	IntoAppend IntoMode = iota
	IntoReplace
)

// OrderHint is the optional algorithmic hint attached to an ORDER BY item,
// used by vector-distance ordering (spec.md §4.7e).
type OrderHint int

const (
	HintNone OrderHint = iota
	HintANN
	HintExact
)

// TableRef is one of Table, Subquery, or Tvf (spec.md §3).
type TableRef struct {
	Kind     TableRefKind
	Name     string // Table: qualified name. Tvf: function name.
	Alias    string // Subquery: required. Table/Tvf: optional.
	Subquery *Query // only set when Kind == TableRefSubquery
	CallText string // only set when Kind == TableRefTvf: raw call text for re-display
	CallArgs []Expr // parsed TVF call arguments
}

type TableRefKind int

const (
	TableRefTable TableRefKind = iota
	TableRefSubquery
	TableRefTvf
)

// EffectiveName returns the alias if present, else the table/function name,
// per the "effective name" rule in the GLOSSARY.
func (t TableRef) EffectiveName() string {
	if t.Alias != "" {
		return t.Alias
	}
	return t.Name
}

// JoinKind enumerates the join types this pipeline understands (§4.7a).
type JoinKind int

const (
	JoinInner JoinKind = iota
	JoinLeft
	JoinRight
	JoinFull
)

// Join is one JOIN clause.
type Join struct {
	Kind JoinKind
	Ref  TableRef
	On   Expr
}

// SelectItem is one SELECT-list entry: an expression plus an optional
// user-supplied alias.
type SelectItem struct {
	Expr  Expr
	Alias string
}

// OrderItem is one ORDER BY entry.
type OrderItem struct {
	Expr Expr
	Asc  bool
	Hint OrderHint
}

// GroupByItem is one GROUP BY entry, with the optional NOTNULL pre-filter
// flag from spec.md §4.7b.
type GroupByItem struct {
	Expr    Expr
	NotNull bool
}

// IntoTarget names a table to receive SELECT output.
type IntoTarget struct {
	Name string
	Mode IntoMode
}

// CTE is one WITH-clause entry.
type CTE struct {
	Name  string
	Query *Query
}

// Query is the immutable abstract tree described in spec.md §3.
type Query struct {
	Select        []SelectItem
	From          *TableRef
	Joins         []Join
	Where         Expr
	GroupBy       []GroupByItem
	ByWindow      *ByWindow
	BySlices      *BySlicePlan
	RollingWindow *RollingWindow
	Having        Expr
	OrderBy       []OrderItem
	Limit         *int64
	Into          *IntoTarget
	WithCTEs      []CTE

	// OriginalSQL preserves the source text for diagnostics, subquery
	// logging, and view round-trip (spec.md §3/§6).
	OriginalSQL string
}

// ByWindow is a `BY <duration>` time-bucket clause (spec.md §4.7b).
type ByWindow struct {
	Width Duration
}

// RollingWindow is a `ROLLING BY <duration>` clause (spec.md §4.7c).
type RollingWindow struct {
	Width Duration
}

// Duration is a parsed time-bucket/rolling width in milliseconds, the unit
// of the _time values it is compared against, already resolved by the
// (external) parser.
type Duration int64

// BySlicePlan is the root of a `BY SLICE` composition tree (spec.md §4.8).
// It is defined alongside Query because it is a query-tree leaf, but its
// evaluation lives in internal/selectexec/sliceplan.
type BySlicePlan struct {
	Root SliceNode
}

// SliceNode is one node of a slice plan: a table/manual/nested source, or a
// UNION/INTERSECT combinator.
type SliceNode struct {
	Kind SliceNodeKind

	// SliceNodeSource fields.
	SourceTable string
	ManualRows  []ManualSliceRow
	LabelCols   []string // declared via LABELS(...)
	Where       Expr

	// SliceNodeCombine fields.
	Op    SliceCombineOp
	Left  *SliceNode
	Right *SliceNode
}

type SliceNodeKind int

const (
	SliceNodeSource SliceNodeKind = iota
	SliceNodeCombine
)

type SliceCombineOp int

const (
	SliceUnion SliceCombineOp = iota
	SliceIntersect
)

// ManualSliceRow is one row of a manually-specified slice list:
// `(start, end, label:=value, ...)`.
type ManualSliceRow struct {
	Start  int64 // unix millis
	End    int64
	Labels map[string]dataframe.Value
}
