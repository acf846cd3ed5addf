// Package record holds the dynamic row shape produced by the conversion engine.
//
// Category schemas are only known at runtime, so a Row is an ordered list of
// column/value pairs instead of a fixed struct. Column order follows the
// engine's result metadata and is preserved when the row is serialized.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Kind tags the dynamic type held by a Value
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindJSON // nested structs, lists and maps, kept as encoded JSON
)

// Value is a tagged scalar
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	raw  json.RawMessage
}

// Null returns the SQL NULL value
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a boolean
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int wraps an integer
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float wraps a floating point number
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String wraps text
func String(s string) Value { return Value{kind: KindString, s: s} }

// Raw wraps an already encoded JSON value, such as a nested list or struct
func Raw(r json.RawMessage) Value { return Value{kind: KindJSON, raw: r} }

// Kind returns the value's tag
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is SQL NULL
func (v Value) IsNull() bool { return v.kind == KindNull }

// Interface returns the value as a plain Go value (nil for NULL)
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindJSON:
		return v.raw
	default:
		return nil
	}
}

// MarshalJSON encodes the value. Non-finite floats have no JSON form and are
// written as null.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindBool:
		return strconv.AppendBool(nil, v.b), nil
	case KindInt:
		return strconv.AppendInt(nil, v.i, 10), nil
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return []byte("null"), nil
		}
		return json.Marshal(v.f)
	case KindString:
		return json.Marshal(v.s)
	case KindJSON:
		if len(v.raw) == 0 {
			return []byte("null"), nil
		}
		return v.raw, nil
	default:
		return []byte("null"), nil
	}
}

// FromScan converts a value scanned from database/sql into a tagged Value
func FromScan(src any) Value {
	switch t := src.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case int:
		return Int(int64(t))
	case int8:
		return Int(int64(t))
	case int16:
		return Int(int64(t))
	case int32:
		return Int(int64(t))
	case int64:
		return Int(t)
	case uint8:
		return Int(int64(t))
	case uint16:
		return Int(int64(t))
	case uint32:
		return Int(int64(t))
	case uint64:
		if t > math.MaxInt64 {
			return String(strconv.FormatUint(t, 10))
		}
		return Int(int64(t))
	case float32:
		return Float(float64(t))
	case float64:
		return Float(t)
	case string:
		return String(t)
	case []byte:
		return String(string(t))
	case time.Time:
		return String(t.Format(time.RFC3339Nano))
	case fmt.Stringer:
		return String(t.String())
	default:
		encoded, err := json.Marshal(t)
		if err != nil {
			return String(fmt.Sprintf("%v", t))
		}
		return Raw(encoded)
	}
}

// Field is one column of a row
type Field struct {
	Name  string
	Value Value
}

// Row is an ordered mapping from column name to value
type Row []Field

// NewRow zips column names and scanned values into a Row
func NewRow(columns []string, values []any) Row {
	row := make(Row, len(columns))
	for i, col := range columns {
		var v any
		if i < len(values) {
			v = values[i]
		}
		row[i] = Field{Name: col, Value: FromScan(v)}
	}
	return row
}

// Get returns the value for a column
func (r Row) Get(name string) (Value, bool) {
	for _, f := range r {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// MarshalJSON writes the row as a JSON object in column order
func (r Row) MarshalJSON() ([]byte, error) {
	return r.AppendJSON(nil, false)
}

// AppendJSON appends the encoded row to dst. With omitNull, NULL columns are
// left out of the object.
func (r Row) AppendJSON(dst []byte, omitNull bool) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(dst)
	buf.WriteByte('{')
	first := true
	for _, f := range r {
		if omitNull && f.Value.IsNull() {
			continue
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false

		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		val, err := f.Value.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", f.Name, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
