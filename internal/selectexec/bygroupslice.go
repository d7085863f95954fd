package selectexec

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"clarium.evalgo.org/internal/dataframe"
	"clarium.evalgo.org/internal/datacontext"
	"clarium.evalgo.org/internal/luavm"
	"clarium.evalgo.org/internal/query"
	"clarium.evalgo.org/internal/selectexec/expr"
	"clarium.evalgo.org/internal/selectexec/sliceplan"
)

// aggregated marks select items that ran during stage (b)/(c) so stage (d)
// does not recompute them, only renames.
type aggregated struct {
	ran bool
}

// runByGroupSlice implements stage (b): BY window, GROUP BY, and BY SLICE
// are mutually exclusive; absent all three this is a passthrough.
func runByGroupSlice(ctx *datacontext.DataContext, q *query.Query, in *dataframe.Dataframe) (*dataframe.Dataframe, aggregated, error) {
	switch {
	case q.ByWindow != nil:
		out, err := runByWindow(ctx, q, in)
		return out, aggregated{ran: true}, err
	case len(q.GroupBy) > 0:
		out, err := runGroupBy(ctx, q, in)
		return out, aggregated{ran: true}, err
	case q.BySlices != nil:
		out, err := runBySlice(ctx, q, in)
		return out, aggregated{ran: true}, err
	default:
		ctx.SetStageColumns(datacontext.StageByGroupSlice, columnNames(in))
		return in, aggregated{}, nil
	}
}

func timeColumnIndex(df *dataframe.Dataframe) (int, error) {
	if i := df.ColumnIndex("_time"); i >= 0 {
		return i, nil
	}
	for _, i := range df.SuffixMatches("_time") {
		return i, nil
	}
	return -1, fmt.Errorf("selectexec: no _time column available for BY/ROLLING")
}

// runByWindow implements the `BY <duration>` time-bucket aggregation (§4.7b).
func runByWindow(ctx *datacontext.DataContext, q *query.Query, in *dataframe.Dataframe) (*dataframe.Dataframe, error) {
	if err := validateAggregateUDFs(ctx, q, "BY"); err != nil {
		return nil, err
	}
	timeIdx, err := timeColumnIndex(in)
	if err != nil {
		return nil, err
	}
	width := int64(q.ByWindow.Width)
	if width <= 0 {
		return nil, fmt.Errorf("selectexec: BY window width must be positive")
	}

	buckets := make(map[int64][]int)
	var order []int64
	for i, v := range in.Columns[timeIdx].Values {
		ms := millisOfValue(v)
		bucket := ms / width * width
		if _, seen := buckets[bucket]; !seen {
			order = append(order, bucket)
		}
		buckets[bucket] = append(buckets[bucket], i)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	out, err := buildAggregateFrame(ctx, q, in, order, func(b int64) []int { return buckets[b] }, nil, func(b int64) dataframe.Value {
		return dataframe.I64(b)
	}, "_time")
	if err != nil {
		return nil, err
	}
	ctx.SetStageColumns(datacontext.StageByGroupSlice, columnNames(out))
	return out, nil
}

func millisOfValue(v dataframe.Value) int64 {
	if v.Kind == dataframe.KindDatetime || v.Kind == dataframe.KindDate || v.Kind == dataframe.KindTime {
		return v.Time.UnixMilli()
	}
	f, _ := v.AsF64()
	return int64(f)
}

// runGroupBy implements GROUP BY with NOTNULL pre-filtering, §4.7b's
// last-segment column renaming, and UDF-aggregate post-processing.
func runGroupBy(ctx *datacontext.DataContext, q *query.Query, in *dataframe.Dataframe) (*dataframe.Dataframe, error) {
	keyIdx := make([]int, len(q.GroupBy))
	for i, g := range q.GroupBy {
		if g.Expr.Kind != query.ExprColumn {
			return nil, fmt.Errorf("selectexec: GROUP BY only supports column references in this evaluator")
		}
		idx, err := expr.ResolveColumn(in, g.Expr.ColumnName)
		if err != nil {
			return nil, err
		}
		keyIdx[i] = idx
	}

	if err := validateGroupBySelect(ctx, q, in, keyIdx); err != nil {
		return nil, err
	}

	frame := in
	for i, g := range q.GroupBy {
		if !g.NotNull {
			continue
		}
		mask := make([]bool, frame.NumRows())
		for r, v := range frame.Columns[keyIdx[i]].Values {
			mask[r] = !v.IsNull()
		}
		frame = frame.Filter(mask)
	}

	groups := make(map[string][]int)
	var order []string
	keyValues := make(map[string][]dataframe.Value)
	for r := 0; r < frame.NumRows(); r++ {
		var sb strings.Builder
		vals := make([]dataframe.Value, len(keyIdx))
		for i, ci := range keyIdx {
			vals[i] = frame.Columns[ci].Values[r]
			sb.WriteString(vals[i].AsString())
			sb.WriteByte('\x1f')
		}
		k := sb.String()
		if _, seen := groups[k]; !seen {
			order = append(order, k)
			keyValues[k] = vals
		}
		groups[k] = append(groups[k], r)
	}

	timeIdx, hasTime := -1, false
	if i, err := timeColumnIndex(frame); err == nil {
		timeIdx, hasTime = i, true
	}

	out, err := buildAggregateFrameKeyed(ctx, q, frame, order, func(k string) []int { return groups[k] }, keyIdx, q.GroupBy, keyValues, timeIdx, hasTime)
	if err != nil {
		return nil, err
	}

	for _, idx := range keyIdx {
		renameToSuffix(out, frame.Columns[idx].Name)
	}

	ctx.SetStageColumns(datacontext.StageByGroupSlice, columnNames(out))
	return out, nil
}

// renameToSuffix renames colName in out to its last path segment. If that
// name is already taken, the qualified name is left in place rather than
// silently overwriting an unrelated column (§4.7b's uniqueness fallback
// degrades to a no-op here since a freshly aggregated frame has no other
// candidate columns to rename onto).
func renameToSuffix(df *dataframe.Dataframe, colName string) {
	if df.ColumnIndex(colName) < 0 {
		return
	}
	suffix := lastSegmentOf(colName)
	if df.ColumnIndex(suffix) < 0 {
		_ = df.RenameColumn(colName, suffix)
	}
}

func lastSegmentOf(name string) string {
	idx := strings.LastIndexAny(name, "./\\")
	if idx < 0 {
		return name
	}
	return name[idx+1:]
}

// runBySlice implements BY SLICE: evaluate the slice plan, then run a
// reduced aggregate set analytically over each slice's matching rows
// (§4.7b).
func runBySlice(ctx *datacontext.DataContext, q *query.Query, in *dataframe.Dataframe) (*dataframe.Dataframe, error) {
	timeIdx, err := timeColumnIndex(in)
	if err != nil {
		return nil, err
	}

	loader := func(ctx *datacontext.DataContext, table string) (*dataframe.Dataframe, error) {
		return loadSource(ctx, query.TableRef{Kind: query.TableRefTable, Name: table})
	}
	slices, err := sliceplan.Evaluate(ctx, q.BySlices, loader)
	if err != nil {
		return nil, err
	}

	groupsByOrder := make([][]int, len(slices))
	for r := 0; r < in.NumRows(); r++ {
		ms := millisOfValue(in.Columns[timeIdx].Values[r])
		for si, s := range slices {
			if ms >= s.Start && ms < s.End {
				groupsByOrder[si] = append(groupsByOrder[si], r)
			}
		}
	}

	order := make([]int64, len(slices))
	for i := range slices {
		order[i] = int64(i)
	}

	out, err := buildAggregateFrame(ctx, q, in, order, func(i int64) []int { return groupsByOrder[i] }, func(i int64) *sliceBounds {
		return &sliceBounds{start: slices[i].Start, end: slices[i].End}
	}, func(i int64) dataframe.Value {
		return dataframe.I64(slices[i].Start)
	}, "_time")
	if err != nil {
		return nil, err
	}

	var labelNames []string
	for _, s := range slices {
		for k := range s.Labels {
			found := false
			for _, n := range labelNames {
				if n == k {
					found = true
					break
				}
			}
			if !found {
				labelNames = append(labelNames, k)
			}
		}
	}
	sort.Strings(labelNames)
	for _, ln := range labelNames {
		vals := make([]dataframe.Value, len(slices))
		for i, s := range slices {
			if v, ok := s.Labels[ln]; ok {
				vals[i] = v
			} else {
				vals[i] = dataframe.Null(dataframe.KindString)
			}
		}
		if err := out.AppendColumn(&dataframe.Column{Name: ln, Type: dataframe.KindString, Values: vals}); err != nil {
			return nil, err
		}
	}

	ctx.SetStageColumns(datacontext.StageByGroupSlice, columnNames(out))
	return out, nil
}

// sliceBounds carries a slice's declared [start, end) boundary so GRADIENT
// can use `end − start` as its denominator under BY SLICE (§4.8). BY window
// and GROUP BY pass no bounds and fall back to the rows' own _time span.
type sliceBounds struct {
	start, end int64
}

// buildAggregateFrame is the BY window / BY SLICE shared driver: keyed by a
// single bucket/slice ordinal rather than an arbitrary GROUP BY tuple.
// boundsFor may be nil (BY window); BY SLICE supplies each slice's declared
// boundary for GRADIENT's denominator.
func buildAggregateFrame(ctx *datacontext.DataContext, q *query.Query, in *dataframe.Dataframe, order []int64, rowsFor func(int64) []int, boundsFor func(int64) *sliceBounds, keyValue func(int64) dataframe.Value, keyColName string) (*dataframe.Dataframe, error) {
	n := len(order)
	out := &dataframe.Dataframe{}
	keyVals := make([]dataframe.Value, n)
	for i, k := range order {
		keyVals[i] = keyValue(k)
	}
	out.Columns = append(out.Columns, &dataframe.Column{Name: keyColName, Type: dataframe.KindI64, Values: keyVals})

	for _, item := range q.Select {
		col, err := buildSelectColumn(ctx, in, item, order, rowsFor, boundsFor)
		if err != nil {
			return nil, err
		}
		// A plain `SELECT _time` item resolves to the bucket key emitted
		// above; the key column already carries the bucketed value.
		if col != nil && out.ColumnIndex(col.Name) < 0 {
			if err := out.AppendColumn(col); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// buildAggregateFrameKeyed is GROUP BY's driver: the key is the GROUP BY
// tuple itself (emitted verbatim, pre-rename) plus the required
// _start_time/_end_time columns.
func buildAggregateFrameKeyed(ctx *datacontext.DataContext, q *query.Query, in *dataframe.Dataframe, order []string, rowsFor func(string) []int, keyIdx []int, groupBy []query.GroupByItem, keyValues map[string][]dataframe.Value, timeIdx int, hasTime bool) (*dataframe.Dataframe, error) {
	n := len(order)
	out := &dataframe.Dataframe{}

	for ki, idx := range keyIdx {
		vals := make([]dataframe.Value, n)
		for i, k := range order {
			vals[i] = keyValues[k][ki]
		}
		out.Columns = append(out.Columns, &dataframe.Column{Name: in.Columns[idx].Name, Type: in.Columns[idx].Type, Values: vals})
	}

	if hasTime {
		startVals := make([]dataframe.Value, n)
		endVals := make([]dataframe.Value, n)
		for i, k := range order {
			rows := rowsFor(k)
			var minV, maxV dataframe.Value
			for j, r := range rows {
				v := in.Columns[timeIdx].Values[r]
				if j == 0 || v.Less(minV) {
					minV = v
				}
				if j == 0 || maxV.Less(v) {
					maxV = v
				}
			}
			startVals[i], endVals[i] = minV, maxV
		}
		out.Columns = append(out.Columns,
			&dataframe.Column{Name: "_start_time", Type: in.Columns[timeIdx].Type, Values: startVals},
			&dataframe.Column{Name: "_end_time", Type: in.Columns[timeIdx].Type, Values: endVals},
		)
	}

	intOrder := make([]int, n)
	for i := range order {
		intOrder[i] = i
	}
	rowsForInt := func(i int) []int { return rowsFor(order[i]) }

	for _, item := range q.Select {
		if item.Expr.Kind == query.ExprColumn {
			if isGroupKeyColumn(item.Expr.ColumnName, in, keyIdx) {
				continue // already emitted above
			}
		}
		col, err := buildSelectColumnInt(ctx, in, item, intOrder, rowsForInt, nil)
		if err != nil {
			return nil, err
		}
		if col != nil {
			if err := out.AppendColumn(col); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// validateAggregateUDFs fails fast when a SELECT item calls a function that
// is neither a built-in aggregate nor a registered script, per §7's
// "UDF '<n>' not found in <clause>" where clause is GROUP BY or BY.
func validateAggregateUDFs(ctx *datacontext.DataContext, q *query.Query, clause string) error {
	for _, item := range q.Select {
		e := item.Expr
		if e.Kind != query.ExprFuncCall {
			continue
		}
		if query.IsAggregateName(strings.ToUpper(e.FuncName)) || builtinFuncNames[strings.ToUpper(e.FuncName)] {
			continue
		}
		if !isUDFAggregate(ctx, e.FuncName) {
			return fmt.Errorf("UDF %q not found in %s clause", e.FuncName, clause)
		}
	}
	return nil
}

// validateGroupBySelect enforces §4.7b's grouping constraints: every
// non-aggregate SELECT item must be a group key (or _time), every function
// call must be an aggregate or a registered UDF aggregate, and any other
// expression form is rejected outright.
func validateGroupBySelect(ctx *datacontext.DataContext, q *query.Query, in *dataframe.Dataframe, keyIdx []int) error {
	for _, item := range q.Select {
		e := item.Expr
		switch e.Kind {
		case query.ExprColumn:
			if lastSegmentOf(e.ColumnName) == "_time" || isGroupKeyColumn(e.ColumnName, in, keyIdx) {
				continue
			}
			return fmt.Errorf("Column %q must appear in GROUP BY or be aggregated", e.ColumnName)
		case query.ExprFuncCall:
			if query.IsAggregateName(strings.ToUpper(e.FuncName)) || isUDFAggregate(ctx, e.FuncName) {
				continue
			}
			return fmt.Errorf("UDF %q not found in GROUP BY clause", e.FuncName)
		case query.ExprStar, query.ExprQualifiedStar:
			return fmt.Errorf("Non-aggregate expressions are not supported with GROUP BY")
		default:
			return fmt.Errorf("Non-aggregate expressions are not supported with GROUP BY")
		}
	}
	return nil
}

func isGroupKeyColumn(name string, in *dataframe.Dataframe, keyIdx []int) bool {
	idx, err := expr.ResolveColumn(in, name)
	if err != nil {
		return false
	}
	for _, ki := range keyIdx {
		if ki == idx {
			return true
		}
	}
	return false
}

func buildSelectColumn(ctx *datacontext.DataContext, in *dataframe.Dataframe, item query.SelectItem, order []int64, rowsFor func(int64) []int, boundsFor func(int64) *sliceBounds) (*dataframe.Column, error) {
	intOrder := make([]int, len(order))
	for i := range order {
		intOrder[i] = i
	}
	var bounds func(int) *sliceBounds
	if boundsFor != nil {
		bounds = func(i int) *sliceBounds { return boundsFor(order[i]) }
	}
	return buildSelectColumnInt(ctx, in, item, intOrder, func(i int) []int { return rowsFor(order[i]) }, bounds)
}

// buildSelectColumnInt evaluates one SELECT item over every group, dispatching
// aggregate function calls to evalBuiltinAggregate/UDF aggregates and
// non-aggregate items to "take the first value per group" (§4.7b). bounds may
// be nil; when set it yields the slice's declared boundary for that group.
func buildSelectColumnInt(ctx *datacontext.DataContext, in *dataframe.Dataframe, item query.SelectItem, order []int, rowsFor func(int) []int, bounds func(int) *sliceBounds) (*dataframe.Column, error) {
	n := len(order)
	name := selectItemName(item)

	if item.Expr.Kind == query.ExprFuncCall && (query.IsAggregateName(strings.ToUpper(item.Expr.FuncName)) || isUDFAggregate(ctx, item.Expr.FuncName)) {
		isBuiltin := query.IsAggregateName(strings.ToUpper(item.Expr.FuncName))
		vals := make([]dataframe.Value, n)
		var wantKind dataframe.Kind
		for i := range order {
			rows := rowsFor(i)
			var v dataframe.Value
			var err error
			if isBuiltin {
				var b *sliceBounds
				if bounds != nil {
					b = bounds(i)
				}
				v, err = evalBuiltinAggregate(in, item.Expr, rows, b)
			} else {
				v, err = evalUDFAggregate(ctx, in, item.Expr, rows, &wantKind)
			}
			if err != nil {
				return nil, err
			}
			vals[i] = v
		}
		kind := dataframe.KindF64
		if len(vals) > 0 {
			kind = vals[0].Kind
		}
		return &dataframe.Column{Name: name, Type: kind, Values: vals}, nil
	}

	if item.Expr.Kind == query.ExprColumn {
		idx, err := expr.ResolveColumn(in, item.Expr.ColumnName)
		if err != nil {
			return nil, nil // deferred: not resolvable pre-aggregation, skip
		}
		vals := make([]dataframe.Value, n)
		for i := range order {
			rows := rowsFor(i)
			if len(rows) > 0 {
				vals[i] = in.Columns[idx].Values[rows[0]]
			} else {
				vals[i] = dataframe.Null(in.Columns[idx].Type)
			}
		}
		return &dataframe.Column{Name: name, Type: in.Columns[idx].Type, Values: vals}, nil
	}

	return nil, nil
}

func selectItemName(item query.SelectItem) string {
	if item.Alias != "" {
		return item.Alias
	}
	if item.Expr.RawText != "" {
		return item.Expr.RawText
	}
	if item.Expr.Kind == query.ExprFuncCall {
		args := make([]string, len(item.Expr.Args))
		for i, a := range item.Expr.Args {
			if a.Kind == query.ExprColumn {
				args[i] = a.ColumnName
			}
		}
		return fmt.Sprintf("%s(%s)", item.Expr.FuncName, strings.Join(args, ","))
	}
	if item.Expr.Kind == query.ExprColumn {
		return item.Expr.ColumnName
	}
	return "Unnamed"
}

func isUDFAggregate(ctx *datacontext.DataContext, name string) bool {
	if ctx.ScriptRegistry == nil {
		return false
	}
	_, ok := ctx.ScriptRegistry.Get(name)
	return ok
}

func evalUDFAggregate(ctx *datacontext.DataContext, in *dataframe.Dataframe, call query.Expr, rows []int, wantKind *dataframe.Kind) (dataframe.Value, error) {
	if ctx.LuaVM == nil {
		return dataframe.Value{}, fmt.Errorf("selectexec: no script VM bound for UDF aggregate %q", call.FuncName)
	}
	groupArgs := make([][]dataframe.Value, len(call.Args))
	for ai, arg := range call.Args {
		if arg.Kind != query.ExprColumn {
			return dataframe.Value{}, fmt.Errorf("selectexec: UDF aggregate %q argument %d must be a column", call.FuncName, ai)
		}
		idx, err := expr.ResolveColumn(in, arg.ColumnName)
		if err != nil {
			return dataframe.Value{}, err
		}
		vals := make([]dataframe.Value, len(rows))
		for i, r := range rows {
			vals[i] = in.Columns[idx].Values[r]
		}
		groupArgs[ai] = vals
	}
	return luavm.AggregateGroup(ctx.LuaVM, call.FuncName, *wantKind, groupArgs, ctx.UDFDeps())
}

// evalBuiltinAggregate implements AVG/SUM/MIN/MAX/COUNT/FIRST/LAST/STDEV/
// DELTA/HEIGHT/GRADIENT/QUANTILE/ARRAY_AGG over one group (§4.7b).
func evalBuiltinAggregate(in *dataframe.Dataframe, call query.Expr, rows []int, bounds *sliceBounds) (dataframe.Value, error) {
	name := strings.ToUpper(call.FuncName)
	if name == "COUNT" && (len(call.Args) == 0 || call.Args[0].Kind == query.ExprStar) {
		return dataframe.I64(int64(len(rows))), nil
	}
	if len(call.Args) == 0 {
		return dataframe.Value{}, fmt.Errorf("selectexec: aggregate %q requires an argument", name)
	}
	if call.Args[0].Kind != query.ExprColumn {
		return dataframe.Value{}, fmt.Errorf("selectexec: aggregate %q argument must be a column reference", name)
	}
	idx, err := expr.ResolveColumn(in, call.Args[0].ColumnName)
	if err != nil {
		return dataframe.Value{}, err
	}

	vals := make([]dataframe.Value, len(rows))
	for i, r := range rows {
		vals[i] = in.Columns[idx].Values[r]
	}

	switch name {
	case "COUNT":
		c := 0
		for _, v := range vals {
			if !v.IsNull() {
				c++
			}
		}
		return dataframe.I64(int64(c)), nil
	case "FIRST":
		if len(vals) == 0 {
			return dataframe.Null(in.Columns[idx].Type), nil
		}
		return vals[0], nil
	case "LAST":
		if len(vals) == 0 {
			return dataframe.Null(in.Columns[idx].Type), nil
		}
		return vals[len(vals)-1], nil
	case "ARRAY_AGG":
		items := make([]dataframe.Value, len(vals))
		for i, v := range vals {
			items[i] = dataframe.Str(v.AsString())
		}
		return dataframe.List(items), nil
	}

	nums := numericValues(vals)
	switch name {
	case "SUM":
		return dataframe.F64(sum(nums)), nil
	case "AVG":
		if len(nums) == 0 {
			return dataframe.Null(dataframe.KindF64), nil
		}
		return dataframe.F64(sum(nums) / float64(len(nums))), nil
	case "MIN":
		if len(nums) == 0 {
			return dataframe.Null(dataframe.KindF64), nil
		}
		m := nums[0]
		for _, v := range nums[1:] {
			if v < m {
				m = v
			}
		}
		return dataframe.F64(m), nil
	case "MAX":
		if len(nums) == 0 {
			return dataframe.Null(dataframe.KindF64), nil
		}
		m := nums[0]
		for _, v := range nums[1:] {
			if v > m {
				m = v
			}
		}
		return dataframe.F64(m), nil
	case "STDEV":
		sd, ok := stdev(nums)
		if !ok {
			return dataframe.Null(dataframe.KindF64), nil
		}
		return dataframe.F64(sd), nil
	case "DELTA":
		if len(nums) == 0 {
			return dataframe.Null(dataframe.KindF64), nil
		}
		return dataframe.F64(nums[len(nums)-1] - nums[0]), nil
	case "HEIGHT":
		if len(nums) == 0 {
			return dataframe.Null(dataframe.KindF64), nil
		}
		min, max := nums[0], nums[0]
		for _, v := range nums[1:] {
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
		return dataframe.F64(max - min), nil
	case "GRADIENT":
		return gradient(in, rows, nums, bounds)
	case "QUANTILE":
		return quantile(nums, call)
	default:
		return dataframe.Value{}, fmt.Errorf("selectexec: unknown aggregate %q", name)
	}
}

func numericValues(vals []dataframe.Value) []float64 {
	out := make([]float64, 0, len(vals))
	for _, v := range vals {
		if v.IsNull() {
			continue
		}
		if f, ok := v.AsF64(); ok {
			out = append(out, f)
		}
	}
	return out
}

func sum(nums []float64) float64 {
	var s float64
	for _, n := range nums {
		s += n
	}
	return s
}

// stdev computes the sample standard deviation (1 degree of freedom). ok is
// false with fewer than two samples: the aggregate emits null then, matching
// ROLLING's own under-populated-window rule (§4.7c).
func stdev(nums []float64) (sd float64, ok bool) {
	if len(nums) < 2 {
		return 0, false
	}
	mean := sum(nums) / float64(len(nums))
	var ss float64
	for _, n := range nums {
		d := n - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(nums)-1)), true
}

// gradient computes (last−first)/denominator. Under BY SLICE the denominator
// is the slice's declared `end − start` (§4.8); under BY window it is the
// matching rows' own time_max − time_min span.
func gradient(in *dataframe.Dataframe, rows []int, nums []float64, bounds *sliceBounds) (dataframe.Value, error) {
	if len(nums) == 0 {
		return dataframe.Null(dataframe.KindF64), nil
	}
	if bounds != nil {
		denom := float64(bounds.end - bounds.start)
		if denom == 0 {
			return dataframe.Null(dataframe.KindF64), nil
		}
		return dataframe.F64((nums[len(nums)-1] - nums[0]) / denom), nil
	}
	timeIdx, err := timeColumnIndex(in)
	if err != nil {
		return dataframe.Null(dataframe.KindF64), nil
	}
	tMin, tMax := math.MaxFloat64, -math.MaxFloat64
	for _, r := range rows {
		t := float64(millisOfValue(in.Columns[timeIdx].Values[r]))
		if t < tMin {
			tMin = t
		}
		if t > tMax {
			tMax = t
		}
	}
	if tMax == tMin {
		return dataframe.Null(dataframe.KindF64), nil
	}
	return dataframe.F64((nums[len(nums)-1] - nums[0]) / (tMax - tMin)), nil
}

func quantile(nums []float64, call query.Expr) (dataframe.Value, error) {
	if len(nums) == 0 {
		return dataframe.Null(dataframe.KindF64), nil
	}
	cutoff := 50.0
	if len(call.Args) > 1 && call.Args[1].Kind == query.ExprLiteral {
		if f, ok := call.Args[1].Literal.AsF64(); ok {
			cutoff = f
		}
	}
	if cutoff < 0 || cutoff > 100 {
		return dataframe.Value{}, fmt.Errorf("selectexec: QUANTILE cutoff must be in [0,100]")
	}
	sorted := append([]float64(nil), nums...)
	sort.Float64s(sorted)
	idx := int(math.Round(cutoff / 100 * float64(len(sorted)-1)))
	return dataframe.F64(sorted[idx]), nil
}
