package dataframe

import (
	"fmt"
	"strings"
)

// Column is a named, typed, positional list of cells. Column names are
// unique within one Dataframe but may carry a qualifier prefix
// ("alias.col" or "db/schema/table.col") to preserve join provenance, per
// spec.md §3's "Column names ... may be fully qualified".
type Column struct {
	Name   string
	Type   Kind
	Values []Value
}

// Len returns the number of rows in the column.
func (c *Column) Len() int { return len(c.Values) }

// Dataframe is an ordered list of named columns. Rows are positional: row i
// of every column belongs to the same logical row.
type Dataframe struct {
	Columns []*Column
}

// New builds an empty dataframe with the given column names/types.
func New(names []string, types []Kind) *Dataframe {
	cols := make([]*Column, len(names))
	for i, n := range names {
		cols[i] = &Column{Name: n, Type: types[i]}
	}
	return &Dataframe{Columns: cols}
}

// NumRows returns the row count, 0 for a dataframe with no columns.
func (df *Dataframe) NumRows() int {
	if len(df.Columns) == 0 {
		return 0
	}
	return df.Columns[0].Len()
}

// ColumnIndex returns the index of the column with an exact name match, or
// -1. Exact match is tried before any suffix-matching fallback used by
// identifier resolution (spec.md §4.6/§4.7).
func (df *Dataframe) ColumnIndex(name string) int {
	for i, c := range df.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// SuffixMatches returns the indices of every column whose name, split on
// '.', '/', or '\\', ends with the given unqualified suffix. Used by the
// GROUP BY rename step (§4.7b) and by "Ambiguous column" diagnostics (§7).
func (df *Dataframe) SuffixMatches(suffix string) []int {
	var out []int
	for i, c := range df.Columns {
		if lastSegment(c.Name) == suffix {
			out = append(out, i)
		}
	}
	return out
}

// lastSegment returns the portion of a qualified name after the last
// '.', '/', or '\\' separator.
func lastSegment(name string) string {
	idx := strings.LastIndexAny(name, "./\\")
	if idx < 0 {
		return name
	}
	return name[idx+1:]
}

// Column fetches a column by exact name, returning (nil, false) on miss.
func (df *Dataframe) Column(name string) (*Column, bool) {
	i := df.ColumnIndex(name)
	if i < 0 {
		return nil, false
	}
	return df.Columns[i], true
}

// AppendColumn adds a new column. It is an error for the name to collide
// with an existing column.
func (df *Dataframe) AppendColumn(col *Column) error {
	if df.ColumnIndex(col.Name) >= 0 {
		return fmt.Errorf("dataframe: duplicate column %q", col.Name)
	}
	if df.NumRows() > 0 && col.Len() != df.NumRows() && col.Len() != 0 {
		return fmt.Errorf("dataframe: column %q has %d rows, frame has %d", col.Name, col.Len(), df.NumRows())
	}
	df.Columns = append(df.Columns, col)
	return nil
}

// DropColumns removes columns by name, ignoring names that are absent. Used
// to drop spec.md §3's temp_order_by_columns after ORDER BY in strict mode.
func (df *Dataframe) DropColumns(names ...string) {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	kept := df.Columns[:0]
	for _, c := range df.Columns {
		if !drop[c.Name] {
			kept = append(kept, c)
		}
	}
	df.Columns = kept
}

// RenameColumn renames a column in place, failing if the new name already
// exists under a different column.
func (df *Dataframe) RenameColumn(oldName, newName string) error {
	if oldName == newName {
		return nil
	}
	if existing := df.ColumnIndex(newName); existing >= 0 && df.Columns[existing].Name != oldName {
		return fmt.Errorf("dataframe: cannot rename %q to %q: already exists", oldName, newName)
	}
	i := df.ColumnIndex(oldName)
	if i < 0 {
		return fmt.Errorf("dataframe: column %q not found", oldName)
	}
	df.Columns[i].Name = newName
	return nil
}

// Row materializes row i as a name->Value map, mainly for UDF argument
// packaging (§4.5) and correlated-subquery literal substitution (§4.6).
func (df *Dataframe) Row(i int) map[string]Value {
	out := make(map[string]Value, len(df.Columns))
	for _, c := range df.Columns {
		if i < len(c.Values) {
			out[c.Name] = c.Values[i]
		} else {
			out[c.Name] = Null(c.Type)
		}
	}
	return out
}

// Clone performs a deep-enough copy that downstream stages can rename,
// reorder, and reassemble columns without mutating an ancestor's base
// (spec.md §9 "Dataframe columns as first-class values with ownership").
func (df *Dataframe) Clone() *Dataframe {
	cols := make([]*Column, len(df.Columns))
	for i, c := range df.Columns {
		vals := make([]Value, len(c.Values))
		copy(vals, c.Values)
		cols[i] = &Column{Name: c.Name, Type: c.Type, Values: vals}
	}
	return &Dataframe{Columns: cols}
}

// Select projects a subset of columns (by exact name) into a fresh frame,
// preserving order of `names`.
func (df *Dataframe) Select(names []string) (*Dataframe, error) {
	out := &Dataframe{Columns: make([]*Column, 0, len(names))}
	for _, n := range names {
		c, ok := df.Column(n)
		if !ok {
			return nil, fmt.Errorf("dataframe: column %q not found", n)
		}
		vals := make([]Value, len(c.Values))
		copy(vals, c.Values)
		out.Columns = append(out.Columns, &Column{Name: n, Type: c.Type, Values: vals})
	}
	return out, nil
}

// Filter returns a new dataframe containing only rows where mask[i] is
// true. Used by the boolean-mask evaluator in WHERE/HAVING (§4.7a/f).
func (df *Dataframe) Filter(mask []bool) *Dataframe {
	out := df.Clone()
	for _, c := range out.Columns {
		kept := c.Values[:0:0]
		for i, v := range c.Values {
			if i < len(mask) && mask[i] {
				kept = append(kept, v)
			}
		}
		c.Values = kept
	}
	return out
}

// Take reorders/selects rows by index list, as used by ORDER BY (§4.7e) and
// hash-join probing (§4.7a).
func (df *Dataframe) Take(indices []int) *Dataframe {
	out := &Dataframe{Columns: make([]*Column, len(df.Columns))}
	for ci, c := range df.Columns {
		vals := make([]Value, len(indices))
		for i, idx := range indices {
			if idx >= 0 && idx < len(c.Values) {
				vals[i] = c.Values[idx]
			} else {
				vals[i] = Null(c.Type)
			}
		}
		out.Columns[ci] = &Column{Name: c.Name, Type: c.Type, Values: vals}
	}
	return out
}

// QualifyNames prefixes every column name with "<effective>." unless it is
// already qualified, matching the join-loading rule in spec.md §3
// ("Column names added to a dataframe by joining are prefixed with the
// source's effective name").
func (df *Dataframe) QualifyNames(effective string) {
	for _, c := range df.Columns {
		if !strings.Contains(c.Name, ".") {
			c.Name = effective + "." + c.Name
		}
	}
}
