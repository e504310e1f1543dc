package query

import (
	"github.com/libmapper/libmapper/value"
)

// Op is a comparison operator, optionally combined with a quantifier
// (All, Any, None) applied across the elements of a vector property.
type Op uint8

const (
	NotExists Op = 0x01
	Equal     Op = 0x02
	Exists    Op = 0x03
	Greater   Op = 0x04
	GreaterEq Op = 0x05
	Less      Op = 0x06
	LessEq    Op = 0x07
	NotEqual  Op = 0x08

	All  Op = 0x10
	Any  Op = 0x20
	None Op = 0x40

	baseMask  Op = 0x0F
	quantMask Op = All | Any | None
)

func (op Op) String() string {
	var s string
	switch op & baseMask {
	case NotExists:
		s = "!exists"
	case Equal, 0:
		s = "=="
	case Exists:
		s = "exists"
	case Greater:
		s = ">"
	case GreaterEq:
		s = ">="
	case Less:
		s = "<"
	case LessEq:
		s = "<="
	case NotEqual:
		s = "!="
	default:
		s = "?"
	}
	switch op & quantMask {
	case All:
		s = "all " + s
	case Any:
		s = "any " + s
	case None:
		s = "none " + s
	}
	return s
}

// ParseOp reads the textual form of a base operator.
func ParseOp(s string) (Op, bool) {
	switch s {
	case "==", "=":
		return Equal, true
	case "!=":
		return NotEqual, true
	case ">":
		return Greater, true
	case ">=":
		return GreaterEq, true
	case "<":
		return Less, true
	case "<=":
		return LessEq, true
	case "exists":
		return Exists, true
	case "!exists":
		return NotExists, true
	}
	return 0, false
}

func holds(base Op, c int) bool {
	switch base {
	case Equal, 0:
		return c == 0
	case NotEqual:
		return c != 0
	case Greater:
		return c > 0
	case GreaterEq:
		return c >= 0
	case Less:
		return c < 0
	case LessEq:
		return c <= 0
	}
	return false
}

// Match evaluates op between a property (found reports whether the
// object has it at all) and the filter value v.
//
// Without a quantifier both sides must have the same length and compare
// lexicographically. With one, a scalar v is compared against every
// element of prop, a vector v element-wise.
func Match(prop value.Value, found bool, op Op, v value.Value) bool {
	base, quant := op&baseMask, op&quantMask
	switch base {
	case NotExists:
		return !found
	case Exists:
		return found
	}
	if !found || prop.IsNil() || v.IsNil() {
		return false
	}
	n := prop.Len()
	if quant == 0 {
		if n != v.Len() {
			return false
		}
		c := 0
		for i := 0; i < n && c == 0; i++ {
			var ok bool
			if c, ok = value.CompareAt(prop, i, v, i); !ok {
				return false
			}
		}
		return holds(base, c)
	}
	if v.Len() != 1 && v.Len() != n {
		return false
	}
	hits := 0
	for i := 0; i < n; i++ {
		j := i
		if v.Len() == 1 {
			j = 0
		}
		c, ok := value.CompareAt(prop, i, v, j)
		if !ok {
			return false
		}
		if holds(base, c) {
			hits++
		}
	}
	switch quant {
	case All:
		return hits == n
	case Any:
		return hits > 0
	case None:
		return hits == 0
	}
	return false
}
