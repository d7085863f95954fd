package selectexec

import (
	"fmt"

	"clarium.evalgo.org/internal/dataframe"
	"clarium.evalgo.org/internal/datacontext"
	"clarium.evalgo.org/internal/query"
)

// runHaving implements stage (f): HAVING resolves exclusively against final
// SELECT output labels (no suffix matching), validates referenced UDFs
// exist, and filters by the resulting boolean mask.
func runHaving(ctx *datacontext.DataContext, q *query.Query, in *dataframe.Dataframe) (*dataframe.Dataframe, error) {
	if isZeroExpr(q.Having) {
		ctx.SetStageColumns(datacontext.StageHaving, columnNames(in))
		return in, nil
	}

	if err := validateHavingColumns(in, q.Having); err != nil {
		return nil, err
	}
	if err := validateUDFPresence(ctx, q.Having, "HAVING"); err != nil {
		return nil, err
	}

	mask, err := evalBooleanMask(ctx, in, q.Having)
	if err != nil {
		return nil, err
	}
	out := in.Filter(mask)
	ctx.SetStageColumns(datacontext.StageHaving, columnNames(out))
	return out, nil
}

// validateHavingColumns walks e, failing if any column reference is not an
// exact match against in's columns (§4.7f: "no suffix matching").
func validateHavingColumns(in *dataframe.Dataframe, e query.Expr) error {
	if isZeroExpr(e) {
		return nil
	}
	switch e.Kind {
	case query.ExprColumn:
		if in.ColumnIndex(e.ColumnName) < 0 {
			return fmt.Errorf("selectexec: HAVING references unknown column %q", e.ColumnName)
		}
	case query.ExprBinary:
		if err := validateHavingColumns(in, *e.Left); err != nil {
			return err
		}
		return validateHavingColumns(in, *e.Right)
	case query.ExprUnary:
		return validateHavingColumns(in, *e.Operand)
	case query.ExprFuncCall:
		for _, a := range e.Args {
			if err := validateHavingColumns(in, a); err != nil {
				return err
			}
		}
	case query.ExprCase:
		for _, wt := range e.WhenThen {
			if err := validateHavingColumns(in, wt.When); err != nil {
				return err
			}
			if err := validateHavingColumns(in, wt.Then); err != nil {
				return err
			}
		}
		if e.Else != nil {
			return validateHavingColumns(in, *e.Else)
		}
	case query.ExprCast, query.ExprExtract:
		return validateHavingColumns(in, *e.Operand)
	}
	return nil
}
