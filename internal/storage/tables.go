package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"clarium.evalgo.org/internal/clariumerr"
	"clarium.evalgo.org/internal/dataframe"
)

// splitQualified turns a normalized "db/schema/table" (or bare "table")
// path into a pgx.Identifier. The leading "db" segment names the
// clarium database, not a distinct postgres catalog, so it is dropped:
// every relational/time table of one Facade lives in one postgres
// database, scoped by schema.
func splitQualified(path string) pgx.Identifier {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch len(parts) {
	case 1:
		return pgx.Identifier{"public", parts[0]}
	case 2:
		return pgx.Identifier{parts[0], parts[1]}
	default:
		// db/schema/table: keep schema+table, the db segment is this
		// Facade's single backing database.
		return pgx.Identifier{parts[len(parts)-2], parts[len(parts)-1]}
	}
}

// readTable loads every row/column of name via a plain `SELECT *`,
// mapping pgx's decoded Go values back into dataframe Values by the
// column's reported OID (spec.md §4.1 "read a dataframe by path").
// Time tables (isTime) are additionally ordered by `_time` ascending so
// BY-window/ROLLING stages receive already-sorted input.
func (f *Facade) readTable(name string, isTime bool) (*dataframe.Dataframe, error) {
	ident := splitQualified(name)
	sql := fmt.Sprintf("SELECT * FROM %s", ident.Sanitize())
	if isTime {
		sql += " ORDER BY _time ASC"
	}

	ctx := context.Background()
	rows, err := f.pool.Query(ctx, sql)
	if err != nil {
		return nil, clariumerr.IO(err, "reading table %s", name)
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	names := make([]string, len(fds))
	kinds := make([]dataframe.Kind, len(fds))
	for i, fd := range fds {
		names[i] = fd.Name
		kinds[i] = kindForOID(fd.DataTypeOID)
	}
	df := dataframe.New(names, kinds)

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, clariumerr.IO(err, "scanning row of table %s", name)
		}
		for i, v := range vals {
			df.Columns[i].Values = append(df.Columns[i].Values, pgValueToDF(v, kinds[i]))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, clariumerr.IO(err, "iterating table %s", name)
	}
	return df, nil
}

// writeTable replaces (truncate=true) or appends to name's contents,
// creating the backing table on first write with a schema derived from
// df's column kinds.
func (f *Facade) writeTable(name string, df *dataframe.Dataframe, isTime, truncate bool) error {
	ident := splitQualified(name)
	ctx := context.Background()

	if err := f.ensureTable(ctx, ident, df, isTime); err != nil {
		return err
	}
	if truncate {
		if _, err := f.pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s", ident.Sanitize())); err != nil {
			return clariumerr.IO(err, "truncating table %s", name)
		}
	}
	if df.NumRows() == 0 {
		return nil
	}

	colNames := make([]string, len(df.Columns))
	for i, c := range df.Columns {
		colNames[i] = c.Name
	}
	rows := make([][]any, df.NumRows())
	for r := 0; r < df.NumRows(); r++ {
		row := make([]any, len(df.Columns))
		for ci, c := range df.Columns {
			row[ci] = dfValueToPG(c.Values[r])
		}
		rows[r] = row
	}

	_, err := f.pool.CopyFrom(ctx, ident, colNames, pgx.CopyFromRows(rows))
	if err != nil {
		return clariumerr.IO(err, "appending rows to table %s", name)
	}
	return nil
}

// ensureTable CREATE TABLE IF NOT EXISTS's name with columns typed from
// df's own kinds, so the facade can serve as a schema-on-write store for
// tables it has never seen before.
func (f *Facade) ensureTable(ctx context.Context, ident pgx.Identifier, df *dataframe.Dataframe, isTime bool) error {
	if len(ident) > 1 {
		if _, err := f.pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgx.Identifier{ident[0]}.Sanitize())); err != nil {
			return clariumerr.IO(err, "creating schema %s", ident[0])
		}
	}

	cols := make([]string, len(df.Columns))
	for i, c := range df.Columns {
		cols[i] = fmt.Sprintf("%s %s", pgx.Identifier{c.Name}.Sanitize(), pgTypeFor(c.Type))
	}
	sql := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", ident.Sanitize(), strings.Join(cols, ", "))
	if _, err := f.pool.Exec(ctx, sql); err != nil {
		return clariumerr.IO(err, "creating table %s", ident.Sanitize())
	}
	if isTime {
		idxName := strings.Join(ident, "_") + "_time_idx"
		idxSQL := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (_time)", pgx.Identifier{idxName}.Sanitize(), ident.Sanitize())
		if _, err := f.pool.Exec(ctx, idxSQL); err != nil {
			return clariumerr.IO(err, "indexing time table %s", ident.Sanitize())
		}
	}
	return nil
}

func pgTypeFor(k dataframe.Kind) string {
	switch k {
	case dataframe.KindBool:
		return "boolean"
	case dataframe.KindI64:
		return "bigint"
	case dataframe.KindF64:
		return "double precision"
	case dataframe.KindString:
		return "text"
	case dataframe.KindBytes:
		return "bytea"
	case dataframe.KindDate:
		return "date"
	case dataframe.KindTime:
		return "time"
	case dataframe.KindDatetime:
		return "timestamptz"
	case dataframe.KindDuration:
		return "bigint"
	case dataframe.KindList:
		return "jsonb"
	default:
		return "text"
	}
}

// kindForOID maps the subset of postgres OIDs the facade's own
// ensureTable ever emits (plus the common numeric/text/time family a
// pre-existing table may use) onto dataframe.Kind.
func kindForOID(oid uint32) dataframe.Kind {
	switch oid {
	case 16: // bool
		return dataframe.KindBool
	case 20, 21, 23: // int8, int2, int4
		return dataframe.KindI64
	case 700, 701, 1700: // float4, float8, numeric
		return dataframe.KindF64
	case 17: // bytea
		return dataframe.KindBytes
	case 1082: // date
		return dataframe.KindDate
	case 1083, 1266: // time, timetz
		return dataframe.KindTime
	case 1114, 1184: // timestamp, timestamptz
		return dataframe.KindDatetime
	default:
		return dataframe.KindString
	}
}

func pgValueToDF(v any, kind dataframe.Kind) dataframe.Value {
	if v == nil {
		return dataframe.Null(kind)
	}
	switch t := v.(type) {
	case bool:
		return dataframe.Bool(t)
	case int16:
		return dataframe.I64(int64(t))
	case int32:
		return dataframe.I64(int64(t))
	case int64:
		return dataframe.I64(t)
	case float32:
		return dataframe.F64(float64(t))
	case float64:
		return dataframe.F64(t)
	case string:
		return dataframe.Str(t)
	case []byte:
		return dataframe.Bytes(t)
	case time.Time:
		return dataframe.DateTime(t)
	default:
		return dataframe.Str(fmt.Sprintf("%v", t))
	}
}

func dfValueToPG(v dataframe.Value) any {
	if v.IsNull() {
		return nil
	}
	switch v.Kind {
	case dataframe.KindBool:
		return v.Bool
	case dataframe.KindI64:
		return v.I64
	case dataframe.KindF64:
		return v.F64
	case dataframe.KindString:
		return v.Str
	case dataframe.KindBytes:
		return v.Bytes
	case dataframe.KindDatetime:
		return v.Time
	case dataframe.KindDuration:
		return int64(v.Dur)
	case dataframe.KindList:
		parts := make([]string, len(v.List))
		for i, item := range v.List {
			parts[i] = item.AsString()
		}
		return strconv.Quote(strings.Join(parts, ","))
	default:
		return v.AsString()
	}
}
