// Package value holds the tagged values stored in property tables and
// carried by signal updates. A Value is a non-empty homogeneous vector of
// one primitive type; the tag is derived from the Go type on construction.
package value

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/libmapper/libmapper/timetag"
)

// Type is the one-byte type code, shared with the wire encoding.
type Type byte

const (
	Unknown Type = 0

	// object references
	Device    Type = 0x01
	SignalIn  Type = 0x02
	SignalOut Type = 0x04
	Signal    Type = SignalIn | SignalOut
	MapIn     Type = 0x08
	MapOut    Type = 0x10
	Map       Type = MapIn | MapOut
	Object    Type = Device | Signal | Map
	List      Type = '@'
	Graph     Type = 'A'

	// primitives
	Bool     Type = 'b'
	TypeCode Type = 'c'
	Float64  Type = 'd'
	Float32  Type = 'f'
	Int64    Type = 'h'
	Int32    Type = 'i'
	String   Type = 's'
	Time     Type = 't'
	Pointer  Type = 'v'
	Null     Type = 'N'
)

var (
	ErrEmpty         = errors.New("mapper: empty value")
	ErrHeterogeneous = errors.New("mapper: heterogeneous vector")
	ErrUnsupported   = errors.New("mapper: unsupported value type")
	ErrConversion    = errors.New("mapper: value conversion not possible")
	ErrRange         = errors.New("mapper: integer out of range")
)

func (t Type) IsNumeric() bool {
	switch t {
	case Int32, Int64, Float32, Float64:
		return true
	}
	return false
}

func (t Type) IsInteger() bool {
	return t == Int32 || t == Int64
}

// IsReference reports whether values of this type hold object ids.
func (t Type) IsReference() bool {
	return t == List || (t != 0 && t&^Object == 0)
}

func (t Type) String() string {
	switch t {
	case Device:
		return "device"
	case SignalIn:
		return "input signal"
	case SignalOut:
		return "output signal"
	case Signal:
		return "signal"
	case MapIn:
		return "incoming map"
	case MapOut:
		return "outgoing map"
	case Map:
		return "map"
	case Object:
		return "object"
	case List:
		return "list"
	case Graph:
		return "graph"
	case Unknown:
		return "unknown"
	}
	if t >= 0x20 && t < 0x7f {
		return string(rune(t))
	}
	return fmt.Sprintf("0x%02x", byte(t))
}

// Value is a closed tagged union. The zero Value is "no value".
type Value struct {
	typ  Type
	data any
}

func Bools(v ...bool) Value { return mk(Bool, v) }
func Int32s(v ...int32) Value { return mk(Int32, v) }
func Int64s(v ...int64) Value { return mk(Int64, v) }
func Float32s(v ...float32) Value { return mk(Float32, v) }
func Float64s(v ...float64) Value { return mk(Float64, v) }
func Strings(v ...string) Value { return mk(String, v) }
func Types(v ...Type) Value { return mk(TypeCode, v) }
func Times(v ...timetag.Time) Value { return mk(Time, v) }
func Pointers(v ...any) Value { return mk(Pointer, v) }
func Refs(t Type, ids ...uint64) Value { return mk(t, ids) }
func Float(f float64) Value { return Float64s(f) }
func Str(s string) Value { return Strings(s) }
func Int(i int32) Value { return Int32s(i) }

func mk[T any](t Type, v []T) Value {
	if len(v) == 0 {
		return Value{}
	}
	cp := make([]T, len(v))
	copy(cp, v)
	return Value{typ: t, data: cp}
}

// Of builds a Value from a Go value, deriving the tag from its type.
// Slices must be non-empty; []any must hold elements of one type.
func Of(x any) (Value, error) {
	switch v := x.(type) {
	case nil:
		return Value{}, ErrEmpty
	case Value:
		if v.IsNil() {
			return Value{}, ErrEmpty
		}
		return v, nil
	case bool:
		return Bools(v), nil
	case int32:
		return Int32s(v), nil
	case int:
		if v < math.MinInt32 || v > math.MaxInt32 {
			return Value{}, ErrRange
		}
		return Int32s(int32(v)), nil
	case int64:
		return Int64s(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return Value{}, ErrRange
		}
		return Int64s(int64(v)), nil
	case float32:
		return Float32s(v), nil
	case float64:
		return Float64s(v), nil
	case string:
		return Strings(v), nil
	case Type:
		return Types(v), nil
	case timetag.Time:
		return Times(v), nil
	case []bool:
		return nonEmpty(Bools(v...))
	case []int32:
		return nonEmpty(Int32s(v...))
	case []int:
		out := make([]int32, len(v))
		for i, e := range v {
			if e < math.MinInt32 || e > math.MaxInt32 {
				return Value{}, ErrRange
			}
			out[i] = int32(e)
		}
		return nonEmpty(Int32s(out...))
	case []int64:
		return nonEmpty(Int64s(v...))
	case []float32:
		return nonEmpty(Float32s(v...))
	case []float64:
		return nonEmpty(Float64s(v...))
	case []string:
		return nonEmpty(Strings(v...))
	case []Type:
		return nonEmpty(Types(v...))
	case []timetag.Time:
		return nonEmpty(Times(v...))
	case []any:
		return ofList(v)
	}
	return Value{}, ErrUnsupported
}

func nonEmpty(v Value) (Value, error) {
	if v.IsNil() {
		return v, ErrEmpty
	}
	return v, nil
}

func ofList(list []any) (Value, error) {
	if len(list) == 0 {
		return Value{}, ErrEmpty
	}
	first, err := Of(list[0])
	if err != nil {
		return Value{}, err
	}
	if first.Len() != 1 {
		return Value{}, ErrUnsupported
	}
	out := first
	for _, e := range list[1:] {
		next, err := Of(e)
		if err != nil {
			return Value{}, err
		}
		if next.typ != first.typ || next.Len() != 1 {
			return Value{}, ErrHeterogeneous
		}
		out = out.append(next)
	}
	return out, nil
}

func (v Value) append(o Value) Value {
	switch d := v.data.(type) {
	case []bool:
		v.data = append(d, o.data.([]bool)...)
	case []int32:
		v.data = append(d, o.data.([]int32)...)
	case []int64:
		v.data = append(d, o.data.([]int64)...)
	case []float32:
		v.data = append(d, o.data.([]float32)...)
	case []float64:
		v.data = append(d, o.data.([]float64)...)
	case []string:
		v.data = append(d, o.data.([]string)...)
	case []Type:
		v.data = append(d, o.data.([]Type)...)
	case []timetag.Time:
		v.data = append(d, o.data.([]timetag.Time)...)
	}
	return v
}

func (v Value) Type() Type { return v.typ }
func (v Value) IsNil() bool { return v.typ == Unknown || v.data == nil }

func (v Value) Len() int {
	switch d := v.data.(type) {
	case []bool:
		return len(d)
	case []int32:
		return len(d)
	case []int64:
		return len(d)
	case []float32:
		return len(d)
	case []float64:
		return len(d)
	case []string:
		return len(d)
	case []Type:
		return len(d)
	case []timetag.Time:
		return len(d)
	case []any:
		return len(d)
	case []uint64:
		return len(d)
	}
	return 0
}

// Elems returns the backing slice when T matches the value's element type.
// The slice is shared; callers must not modify it.
func Elems[T any](v Value) ([]T, bool) {
	s, ok := v.data.([]T)
	return s, ok
}

// Number returns element i of a numeric value as float64.
func (v Value) Number(i int) (float64, bool) {
	switch d := v.data.(type) {
	case []int32:
		if i < len(d) {
			return float64(d[i]), true
		}
	case []int64:
		if i < len(d) {
			return float64(d[i]), true
		}
	case []float32:
		if i < len(d) {
			return float64(d[i]), true
		}
	case []float64:
		if i < len(d) {
			return d[i], true
		}
	}
	return 0, false
}

func (v Value) integer(i int) (int64, bool) {
	switch d := v.data.(type) {
	case []int32:
		return int64(d[i]), true
	case []int64:
		return d[i], true
	}
	return 0, false
}

// AsString returns the first element of a string value.
func (v Value) AsString() (string, bool) {
	if s, ok := v.data.([]string); ok {
		return s[0], true
	}
	return "", false
}

func (v Value) AsBool() (bool, bool) {
	if b, ok := v.data.([]bool); ok {
		return b[0], true
	}
	if n, ok := v.Number(0); ok {
		return n != 0, true
	}
	return false, false
}

func (v Value) AsInt64() (int64, bool) {
	if v.typ.IsInteger() {
		return v.integer(0)
	}
	if f, ok := v.Number(0); ok {
		return int64(f), true
	}
	return 0, false
}

func (v Value) AsType() (Type, bool) {
	if t, ok := v.data.([]Type); ok {
		return t[0], true
	}
	return Unknown, false
}

func (v Value) AsTime() (timetag.Time, bool) {
	if t, ok := v.data.([]timetag.Time); ok {
		return t[0], true
	}
	return timetag.Time{}, false
}

// Refs returns the object ids of a reference value.
func (v Value) Refs() []uint64 {
	if ids, ok := v.data.([]uint64); ok {
		return ids
	}
	return nil
}

// Convert returns v as type t. Numeric types convert between each other
// and booleans; other conversions only succeed as the identity.
func (v Value) Convert(t Type) (Value, error) {
	if v.typ == t {
		return v, nil
	}
	n := v.Len()
	if n == 0 {
		return Value{}, ErrEmpty
	}
	if !t.IsNumeric() && t != Bool {
		return Value{}, ErrConversion
	}
	if v.typ.IsInteger() && t.IsInteger() {
		return v.convertInteger(t), nil
	}
	f := make([]float64, n)
	for i := range f {
		switch d := v.data.(type) {
		case []bool:
			if d[i] {
				f[i] = 1
			}
		default:
			x, ok := v.Number(i)
			if !ok {
				return Value{}, ErrConversion
			}
			f[i] = x
		}
	}
	return FromFloats(t, f)
}

// convertInteger widens or narrows between the integer types without a
// float64 round trip. Narrowing wraps like a Go conversion.
func (v Value) convertInteger(t Type) Value {
	n := v.Len()
	if t == Int64 {
		out := make([]int64, n)
		for i := range out {
			out[i], _ = v.integer(i)
		}
		return Value{typ: t, data: out}
	}
	out := make([]int32, n)
	for i := range out {
		x, _ := v.integer(i)
		out[i] = int32(x)
	}
	return Value{typ: t, data: out}
}

// FromFloats builds a numeric or boolean value of type t from float64 elements.
func FromFloats(t Type, f []float64) (Value, error) {
	if len(f) == 0 {
		return Value{}, ErrEmpty
	}
	switch t {
	case Float64:
		return Float64s(f...), nil
	case Float32:
		out := make([]float32, len(f))
		for i, x := range f {
			out[i] = float32(x)
		}
		return Value{typ: t, data: out}, nil
	case Int32:
		out := make([]int32, len(f))
		for i, x := range f {
			out[i] = int32(x)
		}
		return Value{typ: t, data: out}, nil
	case Int64:
		out := make([]int64, len(f))
		for i, x := range f {
			out[i] = int64(x)
		}
		return Value{typ: t, data: out}, nil
	case Bool:
		out := make([]bool, len(f))
		for i, x := range f {
			out[i] = x != 0
		}
		return Value{typ: t, data: out}, nil
	}
	return Value{}, ErrConversion
}

// Equal reports element-wise equality including the tag.
func Equal(a, b Value) bool {
	if a.typ != b.typ || a.Len() != b.Len() {
		return false
	}
	for i := 0; i < a.Len(); i++ {
		if c, ok := compareElem(a, i, b, i, false); !ok || c != 0 {
			return false
		}
	}
	return true
}

func (v Value) String() string {
	if v.IsNil() {
		return "nil"
	}
	n := v.Len()
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = v.elemString(i)
	}
	if n == 1 {
		return parts[0]
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (v Value) elemString(i int) string {
	switch d := v.data.(type) {
	case []bool:
		return strconv.FormatBool(d[i])
	case []int32:
		return strconv.FormatInt(int64(d[i]), 10)
	case []int64:
		return strconv.FormatInt(d[i], 10)
	case []float32:
		return strconv.FormatFloat(float64(d[i]), 'g', -1, 32)
	case []float64:
		return strconv.FormatFloat(d[i], 'g', -1, 64)
	case []string:
		return strconv.Quote(d[i])
	case []Type:
		return d[i].String()
	case []timetag.Time:
		return d[i].String()
	case []any:
		return fmt.Sprintf("%p", d[i])
	case []uint64:
		return fmt.Sprintf("#%x", d[i])
	}
	return "?"
}
