package value

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/libmapper/libmapper/timetag"
)

var (
	ErrMalformed   = errors.New("mapper: malformed value encoding")
	ErrNotPortable = errors.New("mapper: value can not leave the process")
)

// AppendBinary appends the tag/length/payload triple: one type code byte,
// the element count as uvarint, then the elements little-endian.
// Strings are uvarint length-prefixed.
func AppendBinary(buf []byte, v Value) ([]byte, error) {
	if v.IsNil() {
		return buf, ErrEmpty
	}
	if _, local := v.data.([]any); local {
		return buf, ErrNotPortable
	}
	buf = append(buf, byte(v.typ))
	buf = binary.AppendUvarint(buf, uint64(v.Len()))
	switch d := v.data.(type) {
	case []bool:
		for _, b := range d {
			if b {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		}
	case []int32:
		for _, x := range d {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(x))
		}
	case []int64:
		for _, x := range d {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(x))
		}
	case []float32:
		for _, x := range d {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(x))
		}
	case []float64:
		for _, x := range d {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(x))
		}
	case []string:
		for _, s := range d {
			buf = binary.AppendUvarint(buf, uint64(len(s)))
			buf = append(buf, s...)
		}
	case []Type:
		for _, t := range d {
			buf = append(buf, byte(t))
		}
	case []timetag.Time:
		for _, t := range d {
			buf = binary.LittleEndian.AppendUint64(buf, t.Uint64())
		}
	case []uint64:
		for _, id := range d {
			buf = binary.LittleEndian.AppendUint64(buf, id)
		}
	}
	return buf, nil
}

// Encode is AppendBinary into a fresh buffer.
func Encode(v Value) ([]byte, error) {
	return AppendBinary(nil, v)
}

// ParseBinary decodes one value, returning the bytes after it.
func ParseBinary(data []byte) (v Value, rest []byte, err error) {
	if len(data) < 2 {
		return Value{}, data, ErrMalformed
	}
	t := Type(data[0])
	n, sz := binary.Uvarint(data[1:])
	if sz <= 0 || n == 0 {
		return Value{}, data, ErrMalformed
	}
	body := data[1+sz:]
	// every element takes at least one byte
	if n > uint64(len(body)) {
		return Value{}, data, ErrMalformed
	}
	cnt := int(n)
	fixed := func(width int) ([]byte, bool) {
		if cnt*width > len(body) {
			return nil, false
		}
		return body[:cnt*width], true
	}
	switch t {
	case Bool:
		p, ok := fixed(1)
		if !ok {
			return Value{}, data, ErrMalformed
		}
		out := make([]bool, cnt)
		for i := range out {
			out[i] = p[i] != 0
		}
		v, rest = Value{typ: t, data: out}, body[cnt:]
	case TypeCode:
		p, ok := fixed(1)
		if !ok {
			return Value{}, data, ErrMalformed
		}
		out := make([]Type, cnt)
		for i := range out {
			out[i] = Type(p[i])
		}
		v, rest = Value{typ: t, data: out}, body[cnt:]
	case Int32, Float32:
		p, ok := fixed(4)
		if !ok {
			return Value{}, data, ErrMalformed
		}
		if t == Int32 {
			out := make([]int32, cnt)
			for i := range out {
				out[i] = int32(binary.LittleEndian.Uint32(p[i*4:]))
			}
			v = Value{typ: t, data: out}
		} else {
			out := make([]float32, cnt)
			for i := range out {
				out[i] = math.Float32frombits(binary.LittleEndian.Uint32(p[i*4:]))
			}
			v = Value{typ: t, data: out}
		}
		rest = body[cnt*4:]
	case Int64, Float64, Time, List, Device, SignalIn, SignalOut, Signal, MapIn, MapOut, Map, Object:
		p, ok := fixed(8)
		if !ok {
			return Value{}, data, ErrMalformed
		}
		switch t {
		case Int64:
			out := make([]int64, cnt)
			for i := range out {
				out[i] = int64(binary.LittleEndian.Uint64(p[i*8:]))
			}
			v = Value{typ: t, data: out}
		case Float64:
			out := make([]float64, cnt)
			for i := range out {
				out[i] = math.Float64frombits(binary.LittleEndian.Uint64(p[i*8:]))
			}
			v = Value{typ: t, data: out}
		case Time:
			out := make([]timetag.Time, cnt)
			for i := range out {
				out[i] = timetag.FromUint64(binary.LittleEndian.Uint64(p[i*8:]))
			}
			v = Value{typ: t, data: out}
		default:
			out := make([]uint64, cnt)
			for i := range out {
				out[i] = binary.LittleEndian.Uint64(p[i*8:])
			}
			v = Value{typ: t, data: out}
		}
		rest = body[cnt*8:]
	case String:
		out := make([]string, cnt)
		p := body
		for i := range out {
			l, lsz := binary.Uvarint(p)
			if lsz <= 0 || l > uint64(len(p)-lsz) {
				return Value{}, data, ErrMalformed
			}
			out[i] = string(p[lsz : lsz+int(l)])
			p = p[lsz+int(l):]
		}
		v, rest = Value{typ: t, data: out}, p
	default:
		return Value{}, data, ErrMalformed
	}
	return v, rest, nil
}
