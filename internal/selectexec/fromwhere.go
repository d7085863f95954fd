package selectexec

import (
	"fmt"
	"strings"

	"clarium.evalgo.org/internal/dataframe"
	"clarium.evalgo.org/internal/datacontext"
	"clarium.evalgo.org/internal/query"
	"clarium.evalgo.org/internal/selectexec/expr"
	"clarium.evalgo.org/internal/selectexec/subquery"
)

// builtinFuncNames are the scalar functions internal/selectexec/expr handles
// natively; any other ExprFuncCall name must resolve against the script
// registry or stage (a) fails fast per spec.md §4.7a.
var builtinFuncNames = map[string]bool{
	"UPPER": true, "LOWER": true, "COALESCE": true,
	"SUBSTR": true, "SUBSTRING": true,
	"VEC_L2": true, "COSINE_SIM": true,
}

// runFromWhere implements stage (a): load FROM/JOIN sources, resolve WHERE,
// and register the columns visible to later stages.
func runFromWhere(ctx *datacontext.DataContext, q *query.Query) (*dataframe.Dataframe, error) {
	if q.From == nil {
		unit := unitDataframe()
		ctx.SetStageColumns(datacontext.StageFromWhere, columnNames(unit))
		return unit, nil
	}

	base, err := loadSource(ctx, *q.From)
	if err != nil {
		return nil, err
	}
	effective := q.From.EffectiveName()
	base.QualifyNames(effective)
	addRowID(base, effective)
	ctx.RegisterSource(*q.From)

	result := base
	for _, j := range q.Joins {
		right, err := loadSource(ctx, j.Ref)
		if err != nil {
			return nil, err
		}
		rightEffective := j.Ref.EffectiveName()
		right.QualifyNames(rightEffective)
		addRowID(right, rightEffective)
		ctx.RegisterSource(j.Ref)

		result, err = applyJoin(ctx, result, right, j)
		if err != nil {
			return nil, err
		}
	}

	if err := validateUDFPresence(ctx, q.Where, "WHERE"); err != nil {
		return nil, err
	}
	mask, err := evalBooleanMask(ctx, result, q.Where)
	if err != nil {
		return nil, err
	}
	result = result.Filter(mask)

	ctx.SetStageColumns(datacontext.StageFromWhere, columnNames(result))
	return result, nil
}

// unitDataframe synthesizes the single-row frame used so constant-expression
// SELECTs with no FROM clause still yield one row (§4.7a).
func unitDataframe() *dataframe.Dataframe {
	df := dataframe.New([]string{"__unit"}, []dataframe.Kind{dataframe.KindBool})
	df.Columns[0].Values = []dataframe.Value{dataframe.Bool(true)}
	return df
}

func addRowID(df *dataframe.Dataframe, effective string) {
	n := df.NumRows()
	vals := make([]dataframe.Value, n)
	for i := range vals {
		vals[i] = dataframe.I64(int64(i))
	}
	df.Columns = append(df.Columns, &dataframe.Column{
		Name:   "__row_id." + effective,
		Type:   dataframe.KindI64,
		Values: vals,
	})
}

func loadSource(ctx *datacontext.DataContext, ref query.TableRef) (*dataframe.Dataframe, error) {
	switch ref.Kind {
	case query.TableRefTable:
		if df, ok := ctx.CTETables[ref.Name]; ok {
			return df.Clone(), nil
		}
		if ctx.Store == nil {
			return nil, fmt.Errorf("selectexec: no storage facade bound to load table %q", ref.Name)
		}
		return ctx.Store.ReadDataframe(ref.Name)
	case query.TableRefSubquery:
		return Run(ctx.NewChild(), ref.Subquery)
	case query.TableRefTvf:
		if ctx.Store == nil {
			return nil, fmt.Errorf("selectexec: no storage facade bound to evaluate TVF %q", ref.Name)
		}
		return ctx.Store.ReadDataframe(ref.CallText)
	default:
		return nil, fmt.Errorf("selectexec: unknown table reference kind")
	}
}

// applyJoin implements the equi-join-peel-then-fallback strategy of §4.7a:
// try to find a single top-level `lhs.col = rhs.col` conjunct (AND-combined
// with the rest), hash-join on it, then filter by the remainder; otherwise
// fall back to a cartesian product + predicate for INNER/LEFT, and reject
// RIGHT/FULL outright.
func applyJoin(ctx *datacontext.DataContext, left, right *dataframe.Dataframe, j query.Join) (*dataframe.Dataframe, error) {
	conjuncts := splitAnd(j.On)
	eqIdx, leftCol, rightCol, ok := peelEquiJoin(left, right, conjuncts)

	var joined *dataframe.Dataframe
	var remainder []query.Expr
	if ok {
		var err error
		joined, err = hashJoin(left, right, leftCol, rightCol, j.Kind)
		if err != nil {
			return nil, err
		}
		remainder = append(append([]query.Expr(nil), conjuncts[:eqIdx]...), conjuncts[eqIdx+1:]...)
	} else {
		if j.Kind == query.JoinRight || j.Kind == query.JoinFull {
			return nil, fmt.Errorf("RIGHT/FULL JOIN with pure non-equi conditions requires at least one equality in ON clause")
		}
		var err error
		joined, err = cartesianJoin(left, right, j.Kind)
		if err != nil {
			return nil, err
		}
		remainder = conjuncts
	}

	if len(remainder) == 0 {
		return joined, nil
	}
	combined := remainder[0]
	for _, c := range remainder[1:] {
		combined = query.Expr{Kind: query.ExprBinary, BinOp: query.OpAnd, Left: ptrExpr(combined), Right: ptrExpr(c)}
	}
	mask, err := evalBooleanMask(ctx, joined, combined)
	if err != nil {
		return nil, err
	}
	return joined.Filter(mask), nil
}

func ptrExpr(e query.Expr) *query.Expr { return &e }

func splitAnd(e query.Expr) []query.Expr {
	if e.Kind == query.ExprBinary && e.BinOp == query.OpAnd {
		return append(splitAnd(*e.Left), splitAnd(*e.Right)...)
	}
	if isZeroExpr(e) {
		return nil
	}
	return []query.Expr{e}
}

func isZeroExpr(e query.Expr) bool {
	return e.Kind == query.ExprColumn && e.ColumnName == ""
}

// peelEquiJoin looks for a conjunct `a = b` where one side resolves uniquely
// against left's columns and the other against right's, trying both
// key-to-table assignments.
func peelEquiJoin(left, right *dataframe.Dataframe, conjuncts []query.Expr) (idx int, leftCol, rightCol string, ok bool) {
	for i, c := range conjuncts {
		if c.Kind != query.ExprBinary || c.BinOp != query.OpEq {
			continue
		}
		if c.Left.Kind != query.ExprColumn || c.Right.Kind != query.ExprColumn {
			continue
		}
		if left.ColumnIndex(c.Left.ColumnName) >= 0 && right.ColumnIndex(c.Right.ColumnName) >= 0 {
			return i, c.Left.ColumnName, c.Right.ColumnName, true
		}
		if left.ColumnIndex(c.Right.ColumnName) >= 0 && right.ColumnIndex(c.Left.ColumnName) >= 0 {
			return i, c.Right.ColumnName, c.Left.ColumnName, true
		}
	}
	return 0, "", "", false
}

func hashJoin(left, right *dataframe.Dataframe, leftCol, rightCol string, kind query.JoinKind) (*dataframe.Dataframe, error) {
	li := left.ColumnIndex(leftCol)
	ri := right.ColumnIndex(rightCol)

	buckets := make(map[string][]int, right.NumRows())
	for i, v := range right.Columns[ri].Values {
		buckets[v.AsString()] = append(buckets[v.AsString()], i)
	}

	var leftIdx, rightIdx []int
	matchedRight := make([]bool, right.NumRows())
	for i, v := range left.Columns[li].Values {
		matches := buckets[v.AsString()]
		if len(matches) == 0 {
			if kind == query.JoinLeft || kind == query.JoinFull {
				leftIdx = append(leftIdx, i)
				rightIdx = append(rightIdx, -1)
			}
			continue
		}
		for _, ri2 := range matches {
			leftIdx = append(leftIdx, i)
			rightIdx = append(rightIdx, ri2)
			matchedRight[ri2] = true
		}
	}
	if kind == query.JoinRight || kind == query.JoinFull {
		for j, matched := range matchedRight {
			if !matched {
				leftIdx = append(leftIdx, -1)
				rightIdx = append(rightIdx, j)
			}
		}
	}

	out := combineRows(left, right, leftIdx, rightIdx)
	// Recreate each side's key column where the probe left it null: the
	// unmatched side never touched those positions, but both key columns are
	// preserved after an equi-join (§4.7a), equal row-wise wherever both
	// sides matched.
	recreateJoinKey(out, rightCol, leftCol)
	recreateJoinKey(out, leftCol, rightCol)
	return out, nil
}

func cartesianJoin(left, right *dataframe.Dataframe, kind query.JoinKind) (*dataframe.Dataframe, error) {
	var leftIdx, rightIdx []int
	for i := 0; i < left.NumRows(); i++ {
		for j := 0; j < right.NumRows(); j++ {
			leftIdx = append(leftIdx, i)
			rightIdx = append(rightIdx, j)
		}
	}
	return combineRows(left, right, leftIdx, rightIdx), nil
}

func combineRows(left, right *dataframe.Dataframe, leftIdx, rightIdx []int) *dataframe.Dataframe {
	out := &dataframe.Dataframe{Columns: make([]*dataframe.Column, 0, len(left.Columns)+len(right.Columns))}
	for _, c := range left.Columns {
		vals := make([]dataframe.Value, len(leftIdx))
		for k, i := range leftIdx {
			if i < 0 {
				vals[k] = dataframe.Null(c.Type)
			} else {
				vals[k] = c.Values[i]
			}
		}
		out.Columns = append(out.Columns, &dataframe.Column{Name: c.Name, Type: c.Type, Values: vals})
	}
	for _, c := range right.Columns {
		vals := make([]dataframe.Value, len(rightIdx))
		for k, i := range rightIdx {
			if i < 0 {
				vals[k] = dataframe.Null(c.Type)
			} else {
				vals[k] = c.Values[i]
			}
		}
		out.Columns = append(out.Columns, &dataframe.Column{Name: c.Name, Type: c.Type, Values: vals})
	}
	return out
}

func recreateJoinKey(out *dataframe.Dataframe, targetCol, sourceCol string) {
	idx := out.ColumnIndex(targetCol)
	if idx < 0 {
		return
	}
	srcIdx := out.ColumnIndex(sourceCol)
	if srcIdx < 0 {
		return
	}
	for i, v := range out.Columns[idx].Values {
		if v.IsNull() {
			out.Columns[idx].Values[i] = out.Columns[srcIdx].Values[i]
		}
	}
}

// validateUDFPresence walks e for ExprFuncCall nodes that are neither
// built-ins nor aggregates, failing fast if the registry does not know
// them, per §4.7a's "UDF '<n>' not found in <clause> clause" diagnostic.
func validateUDFPresence(ctx *datacontext.DataContext, e query.Expr, clause string) error {
	for _, name := range collectFuncNames(e) {
		if builtinFuncNames[name] || query.IsAggregateName(strings.ToUpper(name)) {
			continue
		}
		if ctx.ScriptRegistry == nil {
			return fmt.Errorf("UDF %q not found in %s clause", name, clause)
		}
		if _, ok := ctx.ScriptRegistry.Get(name); !ok {
			return fmt.Errorf("UDF %q not found in %s clause", name, clause)
		}
	}
	return nil
}

func collectFuncNames(e query.Expr) []string {
	var out []string
	var walk func(e query.Expr)
	walk = func(e query.Expr) {
		switch e.Kind {
		case query.ExprFuncCall:
			out = append(out, strings.ToUpper(e.FuncName))
			for _, a := range e.Args {
				walk(a)
			}
		case query.ExprBinary:
			walk(*e.Left)
			walk(*e.Right)
		case query.ExprUnary:
			walk(*e.Operand)
		case query.ExprCase:
			for _, wt := range e.WhenThen {
				walk(wt.When)
				walk(wt.Then)
			}
			if e.Else != nil {
				walk(*e.Else)
			}
		case query.ExprCast, query.ExprExtract:
			walk(*e.Operand)
		}
	}
	if !isZeroExpr(e) {
		walk(e)
	}
	return out
}

// evalBooleanMask implements the abstract boolean-mask evaluator: simple
// predicates delegate to expr.EvalMask, EXISTS/ANY/ALL are handled row by
// row via correlated-subquery substitution (§4.6).
func evalBooleanMask(ctx *datacontext.DataContext, df *dataframe.Dataframe, e query.Expr) ([]bool, error) {
	if isZeroExpr(e) {
		mask := make([]bool, df.NumRows())
		for i := range mask {
			mask[i] = true
		}
		return mask, nil
	}
	if !containsSubqueryPredicate(e) {
		return expr.EvalMask(ctx, df, e)
	}

	mask := make([]bool, df.NumRows())
	for i := 0; i < df.NumRows(); i++ {
		v, err := evalRowWithSubqueries(ctx, df, i, e)
		if err != nil {
			return nil, err
		}
		mask[i] = !v.IsNull() && v.Kind == dataframe.KindBool && v.Bool
	}
	return mask, nil
}

func containsSubqueryPredicate(e query.Expr) bool {
	if isZeroExpr(e) {
		return false
	}
	switch e.Kind {
	case query.ExprExists, query.ExprAnySubquery, query.ExprAllSubquery:
		return true
	case query.ExprBinary:
		return containsSubqueryPredicate(*e.Left) || containsSubqueryPredicate(*e.Right)
	case query.ExprUnary:
		return containsSubqueryPredicate(*e.Operand)
	case query.ExprCase:
		for _, wt := range e.WhenThen {
			if containsSubqueryPredicate(wt.When) || containsSubqueryPredicate(wt.Then) {
				return true
			}
		}
		if e.Else != nil {
			return containsSubqueryPredicate(*e.Else)
		}
		return false
	default:
		return false
	}
}

// evalRowWithSubqueries resolves e against one outer row, intercepting
// EXISTS/ANY/ALL nodes via internal/selectexec/subquery and delegating
// everything else to expr.Eval.
func evalRowWithSubqueries(ctx *datacontext.DataContext, df *dataframe.Dataframe, rowIdx int, e query.Expr) (dataframe.Value, error) {
	switch e.Kind {
	case query.ExprExists:
		// Substitution classifies outer vs inner references through the
		// child's ParentSources, which is where this level's own sources
		// land (§4.6 step 2: outer aliases are sources + parent_sources).
		rewritten := subquery.Substitute(ctx.NewChild(), e.Subquery, df, rowIdx)
		ok, err := subquery.EvaluateExists(ctx, rewritten, e.Negated, Run)
		return dataframe.Bool(ok), err

	case query.ExprAnySubquery, query.ExprAllSubquery:
		lhs, err := expr.Eval(ctx, expr.Row{DF: df, Idx: rowIdx}, *e.Left)
		if err != nil {
			return dataframe.Value{}, err
		}
		rewritten := subquery.Substitute(ctx.NewChild(), e.Subquery, df, rowIdx)
		all := e.Kind == query.ExprAllSubquery
		cmp := comparatorFor(e.BinOp)
		ok, err := subquery.EvaluateAnyAll(ctx, rewritten, lhs, all, cmp, Run)
		return dataframe.Bool(ok), err

	case query.ExprBinary:
		if e.BinOp == query.OpAnd || e.BinOp == query.OpOr {
			l, err := evalRowWithSubqueries(ctx, df, rowIdx, *e.Left)
			if err != nil {
				return dataframe.Value{}, err
			}
			if e.BinOp == query.OpAnd && (l.IsNull() || !l.Bool) {
				return dataframe.Bool(false), nil
			}
			if e.BinOp == query.OpOr && !l.IsNull() && l.Bool {
				return dataframe.Bool(true), nil
			}
			r, err := evalRowWithSubqueries(ctx, df, rowIdx, *e.Right)
			if err != nil {
				return dataframe.Value{}, err
			}
			return dataframe.Bool(!r.IsNull() && r.Bool), nil
		}
		return expr.Eval(ctx, expr.Row{DF: df, Idx: rowIdx}, e)

	default:
		return expr.Eval(ctx, expr.Row{DF: df, Idx: rowIdx}, e)
	}
}

func comparatorFor(op query.BinaryOp) func(l, r dataframe.Value) bool {
	switch op {
	case query.OpEq:
		return func(l, r dataframe.Value) bool { return l.Equal(r) }
	case query.OpNeq:
		return func(l, r dataframe.Value) bool { return !l.Equal(r) }
	case query.OpLt:
		return func(l, r dataframe.Value) bool { return l.Less(r) }
	case query.OpLte:
		return func(l, r dataframe.Value) bool { return l.Less(r) || l.Equal(r) }
	case query.OpGt:
		return func(l, r dataframe.Value) bool { return r.Less(l) }
	case query.OpGte:
		return func(l, r dataframe.Value) bool { return r.Less(l) || l.Equal(r) }
	default:
		return func(l, r dataframe.Value) bool { return l.Equal(r) }
	}
}

func columnNames(df *dataframe.Dataframe) []string {
	out := make([]string, len(df.Columns))
	for i, c := range df.Columns {
		out[i] = c.Name
	}
	return out
}
