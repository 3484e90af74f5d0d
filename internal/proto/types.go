// Package proto defines the wire types of the probing protocol: element
// types, tagged scalar values, columnar pages, framed requests and
// responses, and the error categories surfaced at the wire boundary.
package proto

import (
	"fmt"
	"time"
)

// ElementType identifies the type of a column element.
type ElementType uint8

const (
	TypeNil ElementType = iota
	TypeBool
	TypeI8
	TypeI16
	TypeI32
	TypeI64
	TypeU8
	TypeU16
	TypeU32
	TypeU64
	TypeF32
	TypeF64
	TypeStr
	TypeBytes
	// TypeTimestamp is a nanosecond unix timestamp carried as int64.
	TypeTimestamp
)

// String returns the lowercase name used in schema descriptors.
func (t ElementType) String() string {
	switch t {
	case TypeNil:
		return "nil"
	case TypeBool:
		return "bool"
	case TypeI8:
		return "i8"
	case TypeI16:
		return "i16"
	case TypeI32:
		return "i32"
	case TypeI64:
		return "i64"
	case TypeU8:
		return "u8"
	case TypeU16:
		return "u16"
	case TypeU32:
		return "u32"
	case TypeU64:
		return "u64"
	case TypeF32:
		return "f32"
	case TypeF64:
		return "f64"
	case TypeStr:
		return "str"
	case TypeBytes:
		return "bytes"
	case TypeTimestamp:
		return "timestamp"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Value is a single tagged scalar.
type Value struct {
	Type  ElementType
	Bool  bool
	Int   int64
	Uint  uint64
	Float float64
	Str   string
	Bytes []byte
}

// Nil is the null value.
var Nil = Value{Type: TypeNil}

func BoolValue(v bool) Value     { return Value{Type: TypeBool, Bool: v} }
func IntValue(v int64) Value     { return Value{Type: TypeI64, Int: v} }
func UintValue(v uint64) Value   { return Value{Type: TypeU64, Uint: v} }
func FloatValue(v float64) Value { return Value{Type: TypeF64, Float: v} }
func StrValue(v string) Value    { return Value{Type: TypeStr, Str: v} }
func BytesValue(v []byte) Value  { return Value{Type: TypeBytes, Bytes: v} }
func TimestampValue(t int64) Value {
	return Value{Type: TypeTimestamp, Int: t}
}

// TimestampOf converts a time.Time to a timestamp value.
func TimestampOf(t time.Time) Value { return TimestampValue(t.UnixNano()) }

// Display renders the value for human consumption.
func (v Value) Display() string {
	switch v.Type {
	case TypeNil:
		return "nil"
	case TypeBool:
		return fmt.Sprintf("%t", v.Bool)
	case TypeI8, TypeI16, TypeI32, TypeI64:
		return fmt.Sprintf("%d", v.Int)
	case TypeU8, TypeU16, TypeU32, TypeU64:
		return fmt.Sprintf("%d", v.Uint)
	case TypeF32, TypeF64:
		return fmt.Sprintf("%g", v.Float)
	case TypeStr:
		return v.Str
	case TypeBytes:
		return fmt.Sprintf("%d bytes", len(v.Bytes))
	case TypeTimestamp:
		return time.Unix(0, v.Int).UTC().Format(time.RFC3339Nano)
	}
	return "?"
}

// Field is one column of a schema descriptor.
type Field struct {
	Name string
	Type ElementType
}

// Schema is an ordered list of typed columns.
type Schema struct {
	Fields []Field
}

// Index returns the position of the named field, or -1.
func (s Schema) Index(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Column is a typed slice of values. Signed integers of every width share
// the Int slice, unsigned the Uint slice; the declared Type controls the
// encoded width on the wire.
type Column struct {
	Type  ElementType
	Bool  []bool
	Int   []int64
	Uint  []uint64
	Float []float64
	Str   []string
	Bytes [][]byte
}

// NewColumn returns an empty column of the given type.
func NewColumn(t ElementType) *Column { return &Column{Type: t} }

// Len returns the number of elements.
func (c *Column) Len() int {
	switch c.Type {
	case TypeBool:
		return len(c.Bool)
	case TypeI8, TypeI16, TypeI32, TypeI64, TypeTimestamp:
		return len(c.Int)
	case TypeU8, TypeU16, TypeU32, TypeU64:
		return len(c.Uint)
	case TypeF32, TypeF64:
		return len(c.Float)
	case TypeStr:
		return len(c.Str)
	case TypeBytes:
		return len(c.Bytes)
	}
	return 0
}

// Append adds a value to the column. The value type must match the column
// type family.
func (c *Column) Append(v Value) error {
	switch c.Type {
	case TypeBool:
		c.Bool = append(c.Bool, v.Bool)
	case TypeI8, TypeI16, TypeI32, TypeI64, TypeTimestamp:
		c.Int = append(c.Int, v.Int)
	case TypeU8, TypeU16, TypeU32, TypeU64:
		c.Uint = append(c.Uint, v.Uint)
	case TypeF32, TypeF64:
		c.Float = append(c.Float, v.Float)
	case TypeStr:
		c.Str = append(c.Str, v.Str)
	case TypeBytes:
		c.Bytes = append(c.Bytes, v.Bytes)
	default:
		return fmt.Errorf("append to column of type %s", c.Type)
	}
	return nil
}

// Value returns the i-th element as a tagged scalar.
func (c *Column) Value(i int) Value {
	switch c.Type {
	case TypeBool:
		return Value{Type: c.Type, Bool: c.Bool[i]}
	case TypeI8, TypeI16, TypeI32, TypeI64, TypeTimestamp:
		return Value{Type: c.Type, Int: c.Int[i]}
	case TypeU8, TypeU16, TypeU32, TypeU64:
		return Value{Type: c.Type, Uint: c.Uint[i]}
	case TypeF32, TypeF64:
		return Value{Type: c.Type, Float: c.Float[i]}
	case TypeStr:
		return Value{Type: c.Type, Str: c.Str[i]}
	case TypeBytes:
		return Value{Type: c.Type, Bytes: c.Bytes[i]}
	}
	return Nil
}

// Page is a batch of equal-length columns.
type Page struct {
	Columns []*Column
}

// Rows returns the page row count (the length of the first column).
func (p *Page) Rows() int {
	if len(p.Columns) == 0 {
		return 0
	}
	return p.Columns[0].Len()
}

// Validate checks that all columns have equal length.
func (p *Page) Validate() error {
	n := p.Rows()
	for i, c := range p.Columns {
		if c.Len() != n {
			return fmt.Errorf("column %d has %d rows, want %d", i, c.Len(), n)
		}
	}
	return nil
}
