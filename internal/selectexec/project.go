package selectexec

import (
	"fmt"
	"sort"
	"strings"

	"clarium.evalgo.org/internal/dataframe"
	"clarium.evalgo.org/internal/datacontext"
	"clarium.evalgo.org/internal/luavm"
	"clarium.evalgo.org/internal/query"
	"clarium.evalgo.org/internal/selectexec/expr"
)

// runProjectSelect implements stage (d). When agg.ran is true, an earlier
// stage already computed the aggregate/grouped columns under their
// function-form names; this stage only renames them to user aliases. When
// false, it evaluates every SELECT item (including wildcard expansion)
// against the row-level input frame.
func runProjectSelect(ctx *datacontext.DataContext, q *query.Query, in *dataframe.Dataframe, agg aggregated) (*dataframe.Dataframe, error) {
	var out *dataframe.Dataframe
	var err error
	if agg.ran {
		out, err = renameAggregatedColumns(q, in)
	} else {
		out, err = projectRowWise(ctx, q, in)
	}
	if err != nil {
		return nil, err
	}

	if !hasAggregation(q) && !isZeroExpr(q.Having) {
		return nil, fmt.Errorf("HAVING is only supported with aggregate queries")
	}

	if err := addOrderByColumns(ctx, q, in, out); err != nil {
		return nil, err
	}

	ctx.SetStageColumns(datacontext.StageProjectSelect, columnNames(out))
	return out, nil
}

func hasAggregation(q *query.Query) bool {
	return q.ByWindow != nil || len(q.GroupBy) > 0 || q.BySlices != nil
}

// renameAggregatedColumns renames the function-form columns an earlier
// stage produced ("AVG(v)", or a UDF aggregate's own name) to each SELECT
// item's user alias, per §4.7d's "do not recompute" branch.
func renameAggregatedColumns(q *query.Query, in *dataframe.Dataframe) (*dataframe.Dataframe, error) {
	out := in.Clone()
	for _, item := range q.Select {
		if item.Alias == "" {
			continue
		}
		funcName := selectItemName(item)
		if out.ColumnIndex(funcName) >= 0 && funcName != item.Alias {
			if err := out.RenameColumn(funcName, item.Alias); err != nil {
				return nil, err
			}
			continue
		}
		// multi-return UDF aggregate: rename "<func>_i" to "<alias>_i".
		for i := 2; ; i++ {
			src := fmt.Sprintf("%s_%d", funcName, i)
			if out.ColumnIndex(src) < 0 {
				break
			}
			dst := fmt.Sprintf("%s_%d", item.Alias, i)
			if err := out.RenameColumn(src, dst); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// projectRowWise implements the non-aggregated branch of stage (d):
// wildcard expansion, built-in scalar functions, CASE/CAST/EXTRACT,
// string slicing/concat, and UDF scalar calls.
func projectRowWise(ctx *datacontext.DataContext, q *query.Query, in *dataframe.Dataframe) (*dataframe.Dataframe, error) {
	out := &dataframe.Dataframe{}
	seenNames := make(map[string]bool)

	addColumn := func(col *dataframe.Column) error {
		name := col.Name
		for seenNames[name] {
			name = name + "_dup"
		}
		seenNames[name] = true
		col.Name = name
		return out.AppendColumn(col)
	}

	for _, item := range q.Select {
		switch item.Expr.Kind {
		case query.ExprStar:
			if err := expandStar(in, addColumn); err != nil {
				return nil, err
			}
		case query.ExprQualifiedStar:
			if err := expandQualifiedStar(in, item.Expr.Qualifier, addColumn); err != nil {
				return nil, err
			}
		case query.ExprWindowFunc:
			col, err := projectWindowFunc(ctx, in, item)
			if err != nil {
				return nil, err
			}
			if err := addColumn(col); err != nil {
				return nil, err
			}
		default:
			col, extra, err := projectItem(ctx, in, item)
			if err != nil {
				return nil, err
			}
			if col == nil {
				continue
			}
			if err := addColumn(col); err != nil {
				return nil, err
			}
			for _, e := range extra {
				if err := addColumn(e); err != nil {
					return nil, err
				}
			}
		}
	}
	return out, nil
}

func expandStar(in *dataframe.Dataframe, add func(*dataframe.Column) error) error {
	seenUnqualified := make(map[string]int)
	for _, c := range in.Columns {
		seenUnqualified[lastSegmentOf(c.Name)]++
	}
	for _, c := range in.Columns {
		if strings.HasPrefix(c.Name, "__row_id.") {
			continue
		}
		vals := append([]dataframe.Value(nil), c.Values...)
		if err := add(&dataframe.Column{Name: c.Name, Type: c.Type, Values: vals}); err != nil {
			return err
		}
		suffix := lastSegmentOf(c.Name)
		if suffix != c.Name && seenUnqualified[suffix] == 1 {
			vals2 := append([]dataframe.Value(nil), c.Values...)
			if err := add(&dataframe.Column{Name: suffix, Type: c.Type, Values: vals2}); err != nil {
				return err
			}
		}
	}
	return nil
}

func expandQualifiedStar(in *dataframe.Dataframe, qualifier string, add func(*dataframe.Column) error) error {
	prefix := qualifier + "."
	matches := 0
	for _, c := range in.Columns {
		if strings.HasPrefix(c.Name, prefix) {
			matches++
		}
	}
	if matches == 0 {
		return fmt.Errorf("Unknown qualifier '%s' for wildcard", qualifier)
	}
	suffixCount := make(map[string]int)
	for _, c := range in.Columns {
		if strings.HasPrefix(c.Name, prefix) {
			suffixCount[lastSegmentOf(c.Name)]++
		}
	}
	for _, c := range in.Columns {
		if !strings.HasPrefix(c.Name, prefix) {
			continue
		}
		vals := append([]dataframe.Value(nil), c.Values...)
		if err := add(&dataframe.Column{Name: c.Name, Type: c.Type, Values: vals}); err != nil {
			return err
		}
		suffix := lastSegmentOf(c.Name)
		if suffix == "_time" {
			continue
		}
		if suffixCount[suffix] == 1 {
			vals2 := append([]dataframe.Value(nil), c.Values...)
			if err := add(&dataframe.Column{Name: suffix, Type: c.Type, Values: vals2}); err != nil {
				return err
			}
		}
	}
	return nil
}

func projectItem(ctx *datacontext.DataContext, in *dataframe.Dataframe, item query.SelectItem) (*dataframe.Column, []*dataframe.Column, error) {
	name := selectItemName(item)

	if item.Expr.Kind == query.ExprFuncCall && !builtinFuncNames[strings.ToUpper(item.Expr.FuncName)] &&
		!query.IsAggregateName(strings.ToUpper(item.Expr.FuncName)) && isUDFAggregate(ctx, item.Expr.FuncName) {
		if ctx.LuaVM == nil {
			return nil, nil, fmt.Errorf("selectexec: no script VM bound for UDF %q", item.Expr.FuncName)
		}
		argCols := make([]string, len(item.Expr.Args))
		allColumns := true
		for i, a := range item.Expr.Args {
			if a.Kind != query.ExprColumn {
				allColumns = false
				break
			}
			argCols[i] = a.ColumnName
		}
		if allColumns {
			wantKind := dataframe.KindNull
			if entry, ok := ctx.ScriptRegistry.Get(item.Expr.FuncName); ok && len(entry.Meta.Returns) > 0 {
				wantKind = kindFromRegistryType(entry.Meta.Returns[0])
			}
			primary, extra, err := luavm.ProjectScalar(ctx.LuaVM, item.Expr.FuncName, name, wantKind, in, argCols, ctx.UDFDeps())
			if err != nil {
				return nil, nil, err
			}
			return primary, extra, nil
		}
	}

	col, err := projectGenericExpr(ctx, in, item, name)
	return col, nil, err
}

// projectWindowFunc implements ROW_NUMBER() OVER (PARTITION BY ... ORDER
// BY ...): the frame is sorted once per window item (partition keys first,
// then the window's ORDER BY items), row numbers are assigned per partition
// in that order, and the resulting column is written back in the original
// row order (§4.7d).
func projectWindowFunc(ctx *datacontext.DataContext, in *dataframe.Dataframe, item query.SelectItem) (*dataframe.Column, error) {
	if !strings.EqualFold(item.Expr.WindowFuncName, "ROW_NUMBER") {
		return nil, fmt.Errorf("selectexec: unsupported window function %q", item.Expr.WindowFuncName)
	}
	n := in.NumRows()

	partKeys := make([]string, n)
	for r := 0; r < n; r++ {
		var sb strings.Builder
		for _, pe := range item.Expr.PartitionBy {
			v, err := expr.Eval(ctx, expr.Row{DF: in, Idx: r}, pe)
			if err != nil {
				return nil, err
			}
			sb.WriteString(v.AsString())
			sb.WriteByte('\x1f')
		}
		partKeys[r] = sb.String()
	}

	orderVals := make([][]dataframe.Value, n)
	for r := 0; r < n; r++ {
		orderVals[r] = make([]dataframe.Value, len(item.Expr.WindowOrderBy))
		for i, oi := range item.Expr.WindowOrderBy {
			v, err := expr.Eval(ctx, expr.Row{DF: in, Idx: r}, oi.Expr)
			if err != nil {
				return nil, err
			}
			orderVals[r][i] = v
		}
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ra, rb := order[a], order[b]
		if partKeys[ra] != partKeys[rb] {
			return partKeys[ra] < partKeys[rb]
		}
		for i, oi := range item.Expr.WindowOrderBy {
			l, r := orderVals[ra][i], orderVals[rb][i]
			if l.Equal(r) {
				continue
			}
			if oi.Asc {
				return l.Less(r)
			}
			return r.Less(l)
		}
		return false
	})

	name := item.Alias
	if name == "" {
		name = "ROW_NUMBER()"
	}
	vals := make([]dataframe.Value, n)
	counters := make(map[string]int64)
	for _, idx := range order {
		counters[partKeys[idx]]++
		vals[idx] = dataframe.I64(counters[partKeys[idx]])
	}
	return &dataframe.Column{Name: name, Type: dataframe.KindI64, Values: vals}, nil
}

func kindFromRegistryType(t string) dataframe.Kind {
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

func projectGenericExpr(ctx *datacontext.DataContext, in *dataframe.Dataframe, item query.SelectItem, name string) (*dataframe.Column, error) {
	n := in.NumRows()
	vals := make([]dataframe.Value, n)
	kind := dataframe.KindNull
	for i := 0; i < n; i++ {
		v, err := expr.Eval(ctx, expr.Row{DF: in, Idx: i}, item.Expr)
		if err != nil {
			return nil, err
		}
		vals[i] = v
		if !v.IsNull() {
			kind = v.Kind
		}
	}
	return &dataframe.Column{Name: name, Type: kind, Values: vals}, nil
}

// addOrderByColumns makes every column an ORDER BY item needs resolvable
// against the projection: a plain column item missing from the output is
// copied over from the pre-projection frame under its resolved name, and an
// expression item has each column it references (including the conservative
// textual scan for vector-distance calls, §4.7d) copied the same way. All
// appended columns are marked temporary so finalizeOutput can drop them.
func addOrderByColumns(ctx *datacontext.DataContext, q *query.Query, in, out *dataframe.Dataframe) error {
	appendFromInput := func(name string) error {
		if _, err := expr.ResolveColumn(out, name); err == nil {
			return nil
		}
		idx, err := expr.ResolveColumn(in, name)
		if err != nil {
			return err
		}
		src := in.Columns[idx]
		if out.ColumnIndex(src.Name) >= 0 {
			return nil
		}
		vals := append([]dataframe.Value(nil), src.Values...)
		if err := out.AppendColumn(&dataframe.Column{Name: src.Name, Type: src.Type, Values: vals}); err != nil {
			return err
		}
		ctx.MarkTempOrderByColumn(src.Name)
		return nil
	}

	for _, oi := range q.OrderBy {
		if oi.Expr.Kind == query.ExprColumn {
			if err := appendFromInput(oi.Expr.ColumnName); err != nil {
				return err
			}
			continue
		}
		for _, ref := range collectColumnRefs(oi.Expr) {
			if err := appendFromInput(ref); err != nil {
				return err
			}
		}
	}
	return nil
}

// collectColumnRefs walks e for every column reference it evaluates.
func collectColumnRefs(e query.Expr) []string {
	var out []string
	var walk func(e query.Expr)
	walk = func(e query.Expr) {
		switch e.Kind {
		case query.ExprColumn:
			out = append(out, e.ColumnName)
		case query.ExprBinary:
			walk(*e.Left)
			walk(*e.Right)
		case query.ExprUnary, query.ExprCast, query.ExprExtract:
			walk(*e.Operand)
		case query.ExprFuncCall:
			for _, a := range e.Args {
				walk(a)
			}
		case query.ExprCase:
			for _, wt := range e.WhenThen {
				walk(wt.When)
				walk(wt.Then)
			}
			if e.Else != nil {
				walk(*e.Else)
			}
		}
	}
	walk(e)
	return out
}
