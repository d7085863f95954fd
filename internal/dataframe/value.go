// Package dataframe implements the in-memory columnar value model shared by
// every stage of the SELECT execution pipeline: a Dataframe is an ordered
// list of named, typed Columns, and a Value is a single nullable cell drawn
// from the scalar type lattice described in spec.md §3.
package dataframe

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the scalar type of a Value/Column.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindI64
	KindF64
	KindString
	KindBytes
	KindDate
	KindTime
	KindDatetime
	KindDuration
	KindList
)

// String renders a Kind the way error messages and CAST targets expect.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindI64:
		return "i64"
	case KindF64:
		return "f64"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindDate:
		return "date"
	case KindTime:
		return "time"
	case KindDatetime:
		return "datetime"
	case KindDuration:
		return "duration"
	case KindList:
		return "list"
	default:
		return "unknown"
	}
}

// Value is a single cell. Null is tracked explicitly so a zero Value of any
// Kind can still represent SQL NULL — callers must check IsNull before
// trusting the typed accessor fields.
type Value struct {
	Kind  Kind
	Null  bool
	Bool  bool
	I64   int64
	F64   float64
	Str   string
	Bytes []byte
	Time  time.Time
	Dur   time.Duration
	List  []Value
}

// Null returns the null value of the given kind.
func Null(k Kind) Value { return Value{Kind: k, Null: true} }

func I64(v int64) Value    { return Value{Kind: KindI64, I64: v} }
func F64(v float64) Value  { return Value{Kind: KindF64, F64: v} }
func Str(v string) Value   { return Value{Kind: KindString, Str: v} }
func Bool(v bool) Value    { return Value{Kind: KindBool, Bool: v} }
func Bytes(v []byte) Value { return Value{Kind: KindBytes, Bytes: v} }
func DateTime(t time.Time) Value {
	return Value{Kind: KindDatetime, Time: t}
}
func Duration(d time.Duration) Value { return Value{Kind: KindDuration, Dur: d} }
func List(items []Value) Value       { return Value{Kind: KindList, List: items} }

// IsNull reports whether this cell is SQL NULL, regardless of Kind.
func (v Value) IsNull() bool { return v.Null }

// AsF64 coerces the value to float64 using the ordered-comparison coercion
// rules from spec.md §4.6 ("Ordered comparisons coerce operands to f64").
func (v Value) AsF64() (float64, bool) {
	if v.Null {
		return 0, false
	}
	switch v.Kind {
	case KindF64:
		return v.F64, true
	case KindI64:
		return float64(v.I64), true
	case KindBool:
		if v.Bool {
			return 1, true
		}
		return 0, true
	case KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case KindDatetime:
		return float64(v.Time.UnixMilli()), true
	case KindDuration:
		return float64(v.Dur), true
	default:
		return 0, false
	}
}

// AsString renders the value the way string concatenation (§4.7d) expects:
// numeric-to-string cleanup drops a trailing ".0" for integral floats.
func (v Value) AsString() string {
	if v.Null {
		return ""
	}
	switch v.Kind {
	case KindString:
		return v.Str
	case KindI64:
		return strconv.FormatInt(v.I64, 10)
	case KindF64:
		s := strconv.FormatFloat(v.F64, 'f', -1, 64)
		if strings.HasSuffix(s, ".0") {
			s = strings.TrimSuffix(s, ".0")
		}
		return s
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindBytes:
		return string(v.Bytes)
	case KindDatetime:
		return v.Time.Format(time.RFC3339)
	case KindDuration:
		return v.Dur.String()
	case KindList:
		parts := make([]string, len(v.List))
		for i, item := range v.List {
			parts[i] = item.AsString()
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		return ""
	}
}

// Equal implements the equality used by GROUP BY keys, join hashing, and
// tombstone/seen-set membership tests.
func (v Value) Equal(o Value) bool {
	if v.Null || o.Null {
		return v.Null == o.Null
	}
	if v.Kind == KindI64 && o.Kind == KindI64 {
		return v.I64 == o.I64
	}
	// Equality with a numeric literal coerces both sides to f64 (§4.6).
	if isNumericKind(v.Kind) && isNumericKind(o.Kind) {
		lf, lok := v.AsF64()
		rf, rok := o.AsF64()
		return lok && rok && lf == rf
	}
	return v.AsString() == o.AsString()
}

func isNumericKind(k Kind) bool { return k == KindI64 || k == KindF64 || k == KindBool }

// Less implements the ordering used by ORDER BY, compaction's monotonicity
// checks, and ANY/ALL comparisons: lexical for strings, numeric otherwise.
func (v Value) Less(o Value) bool {
	if v.Kind == KindString || o.Kind == KindString {
		return v.AsString() < o.AsString()
	}
	lf, lok := v.AsF64()
	rf, rok := o.AsF64()
	if lok && rok {
		return lf < rf
	}
	return v.AsString() < o.AsString()
}

func (v Value) String() string {
	if v.Null {
		return "<null>"
	}
	return fmt.Sprintf("%s(%s)", v.Kind, v.AsString())
}
