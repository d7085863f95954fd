// Package expr evaluates the query.Expr tree row-by-row against a
// dataframe, implementing the built-in scalar functions, CASE/COALESCE/
// EXTRACT/CAST, string slicing/concatenation, and scalar-UDF dispatch
// described in spec.md §4.7d. Correlated-subquery expression kinds
// (EXISTS/ANY/ALL) are intentionally not handled here: the WHERE/HAVING
// stages intercept those before reaching this evaluator, since resolving
// them requires re-running the pipeline itself (internal/selectexec/
// subquery), which would make this package depend on its own caller.
package expr

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"clarium.evalgo.org/internal/dataframe"
	"clarium.evalgo.org/internal/datacontext"
	"clarium.evalgo.org/internal/luavm"
	"clarium.evalgo.org/internal/query"
)

// Row is a positional view into one dataframe row, letting Eval resolve
// column references without copying the whole dataframe per call.
type Row struct {
	DF  *dataframe.Dataframe
	Idx int
}

func (r Row) value(colIdx int) dataframe.Value {
	return r.DF.Columns[colIdx].Values[r.Idx]
}

// ResolveColumn finds the dataframe column index a (possibly qualified)
// name refers to: exact match first, then unique suffix match, matching the
// resolution order spec.md §4.6/§4.7 describe for identifier lookup.
func ResolveColumn(df *dataframe.Dataframe, name string) (int, error) {
	if i := df.ColumnIndex(name); i >= 0 {
		return i, nil
	}
	matches := df.SuffixMatches(name)
	if len(matches) == 1 {
		return matches[0], nil
	}
	if len(matches) > 1 {
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = df.Columns[m].Name
		}
		return -1, datacontext.AmbiguousColumnError(name, names)
	}
	return -1, fmt.Errorf("column %q not found", name)
}

// Eval evaluates e against one row of df. ctx supplies the bound UDF VM for
// ExprFuncCall names that are not built-ins.
func Eval(ctx *datacontext.DataContext, row Row, e query.Expr) (dataframe.Value, error) {
	switch e.Kind {
	case query.ExprLiteral:
		return e.Literal, nil

	case query.ExprColumn:
		idx, err := ResolveColumn(row.DF, e.ColumnName)
		if err != nil {
			return dataframe.Value{}, err
		}
		return row.value(idx), nil

	case query.ExprBinary:
		return evalBinary(ctx, row, e)

	case query.ExprUnary:
		return evalUnary(ctx, row, e)

	case query.ExprFuncCall:
		return evalFuncCall(ctx, row, e)

	case query.ExprCase:
		return evalCase(ctx, row, e)

	case query.ExprCast:
		v, err := Eval(ctx, row, *e.Operand)
		if err != nil {
			return dataframe.Value{}, err
		}
		return Cast(v, e.CastTo)

	case query.ExprExtract:
		v, err := Eval(ctx, row, *e.Operand)
		if err != nil {
			return dataframe.Value{}, err
		}
		return Extract(v, e.ExtractField)

	default:
		return dataframe.Value{}, fmt.Errorf("expr: unsupported expression kind %v in generic evaluator", e.Kind)
	}
}

// EvalMask evaluates e as a boolean predicate over every row of df,
// producing the mask used by WHERE/HAVING filtering.
func EvalMask(ctx *datacontext.DataContext, df *dataframe.Dataframe, e query.Expr) ([]bool, error) {
	mask := make([]bool, df.NumRows())
	for i := 0; i < df.NumRows(); i++ {
		v, err := Eval(ctx, Row{DF: df, Idx: i}, e)
		if err != nil {
			return nil, err
		}
		mask[i] = !v.IsNull() && v.Kind == dataframe.KindBool && v.Bool
	}
	return mask, nil
}

func evalBinary(ctx *datacontext.DataContext, row Row, e query.Expr) (dataframe.Value, error) {
	switch e.BinOp {
	case query.OpAnd, query.OpOr:
		l, err := Eval(ctx, row, *e.Left)
		if err != nil {
			return dataframe.Value{}, err
		}
		if e.BinOp == query.OpAnd && (l.IsNull() || !l.Bool) {
			return dataframe.Bool(false), nil
		}
		if e.BinOp == query.OpOr && !l.IsNull() && l.Bool {
			return dataframe.Bool(true), nil
		}
		r, err := Eval(ctx, row, *e.Right)
		if err != nil {
			return dataframe.Value{}, err
		}
		return dataframe.Bool(!r.IsNull() && r.Bool), nil
	}

	l, err := Eval(ctx, row, *e.Left)
	if err != nil {
		return dataframe.Value{}, err
	}
	r, err := Eval(ctx, row, *e.Right)
	if err != nil {
		return dataframe.Value{}, err
	}

	switch e.BinOp {
	case query.OpEq:
		return dataframe.Bool(l.Equal(r)), nil
	case query.OpNeq:
		return dataframe.Bool(!l.Equal(r)), nil
	case query.OpLt:
		return dataframe.Bool(l.Less(r)), nil
	case query.OpLte:
		return dataframe.Bool(l.Less(r) || l.Equal(r)), nil
	case query.OpGt:
		return dataframe.Bool(r.Less(l)), nil
	case query.OpGte:
		return dataframe.Bool(r.Less(l) || l.Equal(r)), nil
	case query.OpAdd, query.OpSub, query.OpMul, query.OpDiv:
		return evalArith(e.BinOp, l, r)
	case query.OpConcat:
		return dataframe.Str(l.AsString() + r.AsString()), nil
	case query.OpLike:
		return evalLike(l, r)
	default:
		return dataframe.Value{}, fmt.Errorf("expr: unknown binary operator")
	}
}

func evalArith(op query.BinaryOp, l, r dataframe.Value) (dataframe.Value, error) {
	if l.IsNull() || r.IsNull() {
		return dataframe.Null(dataframe.KindF64), nil
	}
	lf, lok := l.AsF64()
	rf, rok := r.AsF64()
	if !lok || !rok {
		return dataframe.Value{}, fmt.Errorf("expr: arithmetic requires numeric operands")
	}
	var out float64
	switch op {
	case query.OpAdd:
		out = lf + rf
	case query.OpSub:
		out = lf - rf
	case query.OpMul:
		out = lf * rf
	case query.OpDiv:
		if rf == 0 {
			return dataframe.Null(dataframe.KindF64), nil
		}
		out = lf / rf
	}
	if l.Kind == dataframe.KindI64 && r.Kind == dataframe.KindI64 && op != query.OpDiv {
		return dataframe.I64(int64(out)), nil
	}
	return dataframe.F64(out), nil
}

// likeCache avoids recompiling the same SQL LIKE pattern on every row.
var (
	likeCacheMu sync.RWMutex
	likeCache   = map[string]*regexp.Regexp{}
)

func compileLike(pattern string) (*regexp.Regexp, error) {
	likeCacheMu.RLock()
	re, ok := likeCache[pattern]
	likeCacheMu.RUnlock()
	if ok {
		return re, nil
	}
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("expr: invalid LIKE pattern %q: %w", pattern, err)
	}
	likeCacheMu.Lock()
	likeCache[pattern] = re
	likeCacheMu.Unlock()
	return re, nil
}

func evalLike(l, r dataframe.Value) (dataframe.Value, error) {
	if l.IsNull() || r.IsNull() {
		return dataframe.Null(dataframe.KindBool), nil
	}
	re, err := compileLike(r.AsString())
	if err != nil {
		return dataframe.Value{}, err
	}
	return dataframe.Bool(re.MatchString(l.AsString())), nil
}

func evalUnary(ctx *datacontext.DataContext, row Row, e query.Expr) (dataframe.Value, error) {
	v, err := Eval(ctx, row, *e.Operand)
	if err != nil {
		return dataframe.Value{}, err
	}
	switch e.UnOp {
	case query.OpNot:
		if v.IsNull() {
			return dataframe.Null(dataframe.KindBool), nil
		}
		return dataframe.Bool(!v.Bool), nil
	case query.OpIsNull:
		return dataframe.Bool(v.IsNull()), nil
	case query.OpIsNotNull:
		return dataframe.Bool(!v.IsNull()), nil
	case query.OpNeg:
		if v.IsNull() {
			return dataframe.Null(dataframe.KindF64), nil
		}
		f, ok := v.AsF64()
		if !ok {
			return dataframe.Value{}, fmt.Errorf("expr: cannot negate non-numeric value")
		}
		if v.Kind == dataframe.KindI64 {
			return dataframe.I64(-int64(f)), nil
		}
		return dataframe.F64(-f), nil
	default:
		return dataframe.Value{}, fmt.Errorf("expr: unknown unary operator")
	}
}

func evalCase(ctx *datacontext.DataContext, row Row, e query.Expr) (dataframe.Value, error) {
	for _, wt := range e.WhenThen {
		cond, err := Eval(ctx, row, wt.When)
		if err != nil {
			return dataframe.Value{}, err
		}
		if !cond.IsNull() && cond.Kind == dataframe.KindBool && cond.Bool {
			return Eval(ctx, row, wt.Then)
		}
	}
	if e.Else != nil {
		return Eval(ctx, row, *e.Else)
	}
	return dataframe.Null(dataframe.KindNull), nil
}

func evalFuncCall(ctx *datacontext.DataContext, row Row, e query.Expr) (dataframe.Value, error) {
	args := make([]dataframe.Value, len(e.Args))
	for i, a := range e.Args {
		v, err := Eval(ctx, row, a)
		if err != nil {
			return dataframe.Value{}, err
		}
		args[i] = v
	}

	switch strings.ToUpper(e.FuncName) {
	case "UPPER":
		return dataframe.Str(strings.ToUpper(args[0].AsString())), nil
	case "LOWER":
		return dataframe.Str(strings.ToLower(args[0].AsString())), nil
	case "COALESCE":
		for _, a := range args {
			if !a.IsNull() {
				return a, nil
			}
		}
		return dataframe.Null(dataframe.KindNull), nil
	case "SUBSTR", "SUBSTRING":
		return pySlice(args)
	case "VEC_L2":
		return vecL2(args)
	case "COSINE_SIM":
		return cosineSim(args)
	default:
		return evalUDF(ctx, e.FuncName, args)
	}
}

func evalUDF(ctx *datacontext.DataContext, name string, args []dataframe.Value) (dataframe.Value, error) {
	if ctx == nil || ctx.LuaVM == nil {
		return dataframe.Value{}, fmt.Errorf("expr: no script VM bound for UDF %q", name)
	}
	wantKind := dataframe.KindNull
	if ctx.ScriptRegistry != nil {
		if entry, ok := ctx.ScriptRegistry.Get(name); ok && len(entry.Meta.Returns) > 0 {
			wantKind = kindFromTypeName(entry.Meta.Returns[0])
		}
	}
	primary, _, err := luavm.CallScalar(ctx.LuaVM, name, wantKind, args, ctx.UDFDeps())
	return primary, err
}

func kindFromTypeName(t string) dataframe.Kind {
	switch strings.ToLower(t) {
	case "i64", "int", "integer":
		return dataframe.KindI64
	case "f64", "float", "double":
		return dataframe.KindF64
	case "bool", "boolean":
		return dataframe.KindBool
	case "string", "text":
		return dataframe.KindString
	case "bytes":
		return dataframe.KindBytes
	case "datetime":
		return dataframe.KindDatetime
	case "duration":
		return dataframe.KindDuration
	default:
		return dataframe.KindNull
	}
}

// Extract implements EXTRACT(field FROM x) for EPOCH/YEAR/MONTH/DAY/HOUR/
// MINUTE/SECOND, per spec.md §4.7d.
func Extract(v dataframe.Value, field string) (dataframe.Value, error) {
	if v.IsNull() {
		return dataframe.Null(dataframe.KindF64), nil
	}
	t := v.Time
	switch strings.ToUpper(field) {
	case "EPOCH":
		return dataframe.F64(float64(t.UnixMilli()) / 1000.0), nil
	case "YEAR":
		return dataframe.I64(int64(t.Year())), nil
	case "MONTH":
		return dataframe.I64(int64(t.Month())), nil
	case "DAY":
		return dataframe.I64(int64(t.Day())), nil
	case "HOUR":
		return dataframe.I64(int64(t.Hour())), nil
	case "MINUTE":
		return dataframe.I64(int64(t.Minute())), nil
	case "SECOND":
		return dataframe.I64(int64(t.Second())), nil
	default:
		return dataframe.Value{}, fmt.Errorf("expr: unknown EXTRACT field %q", field)
	}
}

// Cast implements CAST/:: per spec.md §4.7d's target type list, covering
// the numeric/string/bool/temporal conversions the expression evaluator is
// responsible for (bytea/uuid/json/regclass are storage-layer concerns
// handled where those values originate, not by this generic evaluator).
func Cast(v dataframe.Value, to dataframe.Kind) (dataframe.Value, error) {
	if v.IsNull() {
		return dataframe.Null(to), nil
	}
	switch to {
	case dataframe.KindString:
		return dataframe.Str(v.AsString()), nil
	case dataframe.KindI64:
		f, ok := v.AsF64()
		if !ok {
			return dataframe.Value{}, fmt.Errorf("expr: cannot cast %q to i64", v.AsString())
		}
		return dataframe.I64(int64(f)), nil
	case dataframe.KindF64:
		f, ok := v.AsF64()
		if !ok {
			return dataframe.Value{}, fmt.Errorf("expr: cannot cast %q to f64", v.AsString())
		}
		return dataframe.F64(f), nil
	case dataframe.KindBool:
		switch strings.ToLower(v.AsString()) {
		case "true", "t", "1":
			return dataframe.Bool(true), nil
		case "false", "f", "0":
			return dataframe.Bool(false), nil
		default:
			return dataframe.Value{}, fmt.Errorf("expr: cannot cast %q to bool", v.AsString())
		}
	case dataframe.KindDatetime:
		if v.Kind == dataframe.KindDatetime {
			return v, nil
		}
		t, err := time.Parse(time.RFC3339, v.AsString())
		if err != nil {
			return dataframe.Value{}, fmt.Errorf("expr: cannot cast %q to datetime: %w", v.AsString(), err)
		}
		return dataframe.DateTime(t), nil
	default:
		return dataframe.Value{}, fmt.Errorf("expr: unsupported CAST target %v", to)
	}
}

// pySlice implements Python-style string slicing (negative indices, negative
// step) for SUBSTR(str, start[, stop[, step]]), spec.md §4.7d.
func pySlice(args []dataframe.Value) (dataframe.Value, error) {
	if len(args) == 0 || args[0].IsNull() {
		return dataframe.Null(dataframe.KindString), nil
	}
	s := []rune(args[0].AsString())
	n := len(s)

	start, stop, step := 0, n, 1
	if len(args) > 1 {
		f, _ := args[1].AsF64()
		start = int(f)
	}
	if len(args) > 2 {
		f, _ := args[2].AsF64()
		stop = int(f)
	}
	if len(args) > 3 {
		f, _ := args[3].AsF64()
		step = int(f)
		if step == 0 {
			return dataframe.Value{}, fmt.Errorf("expr: slice step cannot be 0")
		}
	}
	start, stop = normalizeSliceIndex(start, n), normalizeSliceIndex(stop, n)

	var out []rune
	if step > 0 {
		for i := start; i < stop && i < n; i += step {
			if i >= 0 {
				out = append(out, s[i])
			}
		}
	} else {
		for i := start; i > stop && i >= 0; i += step {
			if i < n {
				out = append(out, s[i])
			}
		}
	}
	return dataframe.Str(string(out)), nil
}

func normalizeSliceIndex(i, n int) int {
	if i < 0 {
		i += n
	}
	if i < 0 {
		i = 0
	}
	if i > n {
		i = n
	}
	return i
}

// vecL2 implements the Euclidean-distance ANN helper from spec.md §4.7d's
// vector-ordering extension, reading the vector column as a comma-separated
// list of floats.
func vecL2(args []dataframe.Value) (dataframe.Value, error) {
	a, b, err := parseVecPair(args)
	if err != nil {
		return dataframe.Value{}, err
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return dataframe.F64(math.Sqrt(sum)), nil
}

// cosineSim implements the cosine-similarity ANN helper.
func cosineSim(args []dataframe.Value) (dataframe.Value, error) {
	a, b, err := parseVecPair(args)
	if err != nil {
		return dataframe.Value{}, err
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return dataframe.F64(0), nil
	}
	return dataframe.F64(dot / (math.Sqrt(na) * math.Sqrt(nb))), nil
}

func parseVecPair(args []dataframe.Value) ([]float64, []float64, error) {
	if len(args) != 2 {
		return nil, nil, fmt.Errorf("expr: vector function requires exactly 2 arguments")
	}
	a, err := parseVec(args[0])
	if err != nil {
		return nil, nil, err
	}
	b, err := parseVec(args[1])
	if err != nil {
		return nil, nil, err
	}
	if len(a) != len(b) {
		return nil, nil, fmt.Errorf("expr: vector dimension mismatch: %d vs %d", len(a), len(b))
	}
	return a, b, nil
}

func parseVec(v dataframe.Value) ([]float64, error) {
	if v.Kind == dataframe.KindList {
		out := make([]float64, len(v.List))
		for i, item := range v.List {
			f, ok := item.AsF64()
			if !ok {
				return nil, fmt.Errorf("expr: non-numeric vector component %q", item.AsString())
			}
			out[i] = f
		}
		return out, nil
	}
	parts := strings.Split(v.AsString(), ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("expr: invalid vector component %q: %w", p, err)
		}
		out = append(out, f)
	}
	return out, nil
}
