package selectexec

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"clarium.evalgo.org/internal/dataframe"
	"clarium.evalgo.org/internal/datacontext"
	"clarium.evalgo.org/internal/query"
	"clarium.evalgo.org/internal/selectexec/expr"
)

// rollingAllowed is the restricted aggregate set ROLLING supports (§4.7c);
// any other function name in a ROLLING query's SELECT list is a hard error.
var rollingAllowed = map[string]bool{"AVG": true, "SUM": true, "COUNT": true, "STDEV": true}

// runRolling implements stage (c): a sliding two-pointer window over
// _time-sorted rows, maintaining running sum/sum-of-squares incrementally.
func runRolling(ctx *datacontext.DataContext, q *query.Query, in *dataframe.Dataframe) (*dataframe.Dataframe, error) {
	if q.RollingWindow == nil {
		ctx.SetStageColumns(datacontext.StageRolling, columnNames(in))
		return in, nil
	}
	if len(q.GroupBy) > 0 {
		return nil, fmt.Errorf("ROLLING BY cannot be used with GROUP BY")
	}

	for _, item := range q.Select {
		if item.Expr.Kind != query.ExprFuncCall {
			continue
		}
		name := strings.ToUpper(item.Expr.FuncName)
		if name == "UPPER" || name == "LOWER" {
			return nil, fmt.Errorf("String functions are not supported with ROLLING BY window")
		}
		if !query.IsAggregateName(name) {
			continue
		}
		if !rollingAllowed[name] {
			return nil, fmt.Errorf("ROLLING BY currently supports AVG, SUM, COUNT, and STDEV only")
		}
		if len(item.Expr.Args) > 0 && item.Expr.Args[0].Kind != query.ExprColumn {
			return nil, fmt.Errorf("ROLLING BY currently supports only simple columns inside aggregate functions")
		}
	}

	timeIdx, err := timeColumnIndex(in)
	if err != nil {
		return nil, err
	}

	n := in.NumRows()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		return in.Columns[timeIdx].Values[order[i]].Less(in.Columns[timeIdx].Values[order[j]])
	})
	sorted := in.Take(order)

	width := int64(q.RollingWindow.Width)
	times := make([]int64, n)
	for i, v := range sorted.Columns[timeIdx].Values {
		times[i] = millisOfValue(v)
	}

	out := &dataframe.Dataframe{Columns: []*dataframe.Column{
		{Name: "_time", Type: sorted.Columns[timeIdx].Type, Values: append([]dataframe.Value(nil), sorted.Columns[timeIdx].Values...)},
	}}

	for _, item := range q.Select {
		if item.Expr.Kind != query.ExprFuncCall || !query.IsAggregateName(strings.ToUpper(item.Expr.FuncName)) {
			continue
		}
		col, err := rollingColumn(sorted, item, times, width)
		if err != nil {
			return nil, err
		}
		if err := out.AppendColumn(col); err != nil {
			return nil, err
		}
	}

	ctx.SetStageColumns(datacontext.StageRolling, columnNames(out))
	return out, nil
}

func rollingColumn(in *dataframe.Dataframe, item query.SelectItem, times []int64, width int64) (*dataframe.Column, error) {
	name := strings.ToUpper(item.Expr.FuncName)
	n := len(times)
	vals := make([]dataframe.Value, n)

	if name == "COUNT" && (len(item.Expr.Args) == 0 || item.Expr.Args[0].Kind == query.ExprStar) {
		lo := 0
		for i := 0; i < n; i++ {
			for times[lo] < times[i]-width+1 {
				lo++
			}
			vals[i] = dataframe.I64(int64(i - lo + 1))
		}
		return &dataframe.Column{Name: selectItemName(item), Type: dataframe.KindI64, Values: vals}, nil
	}

	idx, err := expr.ResolveColumn(in, item.Expr.Args[0].ColumnName)
	if err != nil {
		return nil, err
	}
	if t := in.Columns[idx].Type; t != dataframe.KindI64 && t != dataframe.KindF64 {
		return nil, fmt.Errorf("ROLLING BY supports only numeric columns for aggregations")
	}
	nums := make([]float64, n)
	for i, v := range in.Columns[idx].Values {
		f, _ := v.AsF64()
		nums[i] = f
	}

	var runningSum, runningSumSq float64
	lo := 0
	for i := 0; i < n; i++ {
		runningSum += nums[i]
		runningSumSq += nums[i] * nums[i]
		for times[lo] < times[i]-width+1 {
			runningSum -= nums[lo]
			runningSumSq -= nums[lo] * nums[lo]
			lo++
		}
		count := i - lo + 1
		switch name {
		case "SUM":
			vals[i] = dataframe.F64(runningSum)
		case "AVG":
			vals[i] = dataframe.F64(runningSum / float64(count))
		case "COUNT":
			vals[i] = dataframe.I64(int64(count))
		case "STDEV":
			if count < 2 {
				vals[i] = dataframe.Null(dataframe.KindF64)
				continue
			}
			mean := runningSum / float64(count)
			variance := runningSumSq/float64(count) - mean*mean
			if variance < 0 {
				variance = 0
			}
			vals[i] = dataframe.F64(math.Sqrt(variance * float64(count) / float64(count-1)))
		}
	}
	return &dataframe.Column{Name: selectItemName(item), Type: dataframe.KindF64, Values: vals}, nil
}
