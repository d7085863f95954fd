package query

import "clarium.evalgo.org/internal/dataframe"

// ExprKind discriminates the Expr union.
type ExprKind int

const (
	ExprColumn ExprKind = iota
	ExprLiteral
	ExprBinary
	ExprUnary
	ExprFuncCall
	ExprCase
	ExprCast
	ExprExtract
	ExprExists
	ExprAnySubquery
	ExprAllSubquery
	ExprWindowFunc
	ExprStar          // SELECT *
	ExprQualifiedStar // qualifier.*
)

// BinaryOp enumerates the binary operators the evaluator recognizes.
type BinaryOp int

const (
	OpEq BinaryOp = iota
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte
	OpAnd
	OpOr
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpLike
	OpConcat
)

// UnaryOp enumerates the unary operators (NOT, IS NULL, IS NOT NULL, -).
type UnaryOp int

const (
	OpNot UnaryOp = iota
	OpIsNull
	OpIsNotNull
	OpNeg
)

// Expr is the expression tree used in SELECT items, WHERE, HAVING, GROUP BY,
// and ORDER BY. It is a plain tagged struct (not an interface) so it can be
// deep-copied trivially during correlated-subquery literal substitution
// (spec.md §4.6).
type Expr struct {
	Kind ExprKind

	// ExprColumn
	ColumnName string // as written, possibly qualified ("alias.col")

	// ExprLiteral
	Literal dataframe.Value

	// ExprBinary
	BinOp BinaryOp
	Left  *Expr
	Right *Expr

	// ExprUnary
	UnOp    UnaryOp
	Operand *Expr

	// ExprFuncCall (also covers aggregate and scalar UDF calls)
	FuncName string
	Args     []Expr

	// ExprCase
	WhenThen []WhenThen
	Else     *Expr

	// ExprCast
	CastTo dataframe.Kind

	// ExprExtract
	ExtractField string // EPOCH|YEAR|MONTH|DAY|HOUR|MINUTE|SECOND

	// ExprExists / ExprAnySubquery / ExprAllSubquery
	Subquery *Query
	Negated  bool // NOT EXISTS

	// ExprWindowFunc (ROW_NUMBER, etc.)
	WindowFuncName string
	PartitionBy    []Expr
	WindowOrderBy  []OrderItem

	// ExprQualifiedStar
	Qualifier string

	// RawText preserves the original textual form for ORDER BY's
	// conservative vector-distance scan (spec.md §4.7d) and for derived
	// function-name labeling.
	RawText string
}

// WhenThen is one branch of a CASE expression.
type WhenThen struct {
	When Expr
	Then Expr
}

// Col is a convenience constructor for an unqualified/qualified column
// reference expression.
func Col(name string) Expr { return Expr{Kind: ExprColumn, ColumnName: name} }

// Lit wraps a literal value as an expression.
func Lit(v dataframe.Value) Expr { return Expr{Kind: ExprLiteral, Literal: v} }

// Call builds a function-call expression (aggregate, scalar builtin, or UDF).
func Call(name string, args ...Expr) Expr {
	return Expr{Kind: ExprFuncCall, FuncName: name, Args: args}
}

// IsAggregateName reports whether a function name is one of the built-in
// aggregates recognized by the BY/GROUP BY stage (spec.md §4.7b). UDF
// aggregates are not in this list: their aggregate-ness is deferred to
// registry metadata lookup, per spec.md's "whose UDF-aggregate-ness is
// deferred to evaluation".
func IsAggregateName(name string) bool {
	switch name {
	case "AVG", "SUM", "MIN", "MAX", "COUNT", "FIRST", "LAST",
		"STDEV", "DELTA", "HEIGHT", "GRADIENT", "QUANTILE", "ARRAY_AGG":
		return true
	default:
		return false
	}
}
