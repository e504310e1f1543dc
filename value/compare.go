package value

import (
	"reflect"
	"strings"

	"github.com/cespare/xxhash"
	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/libmapper/libmapper/timetag"
)

const globCacheSize = 512

type compiledGlob struct {
	pattern string
	g       glob.Glob
}

var globs = mustGlobCache()

func mustGlobCache() *lru.Cache[uint64, compiledGlob] {
	c, err := lru.New[uint64, compiledGlob](globCacheSize)
	if err != nil {
		panic(err)
	}
	return c
}

// HasWildcard reports whether s would be treated as a pattern.
func HasWildcard(s string) bool {
	return strings.ContainsRune(s, '*')
}

// Glob matches s against a pattern in which '*' matches any run of
// characters, including '/'. No other character is special.
func Glob(pattern, s string) bool {
	if !HasWildcard(pattern) {
		return pattern == s
	}
	key := xxhash.Sum64String(pattern)
	cg, ok := globs.Get(key)
	if !ok || cg.pattern != pattern {
		g, err := glob.Compile(quoteLiterals(pattern))
		if err != nil {
			return false
		}
		cg = compiledGlob{pattern: pattern, g: g}
		globs.Add(key, cg)
	}
	return cg.g.Match(s)
}

// quoteLiterals escapes everything between the '*' wildcards.
func quoteLiterals(pattern string) string {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = glob.QuoteMeta(p)
	}
	return strings.Join(parts, "*")
}

// CompareAt compares element i of a with element j of b. Numeric types
// compare across widths; strings in b may be glob patterns, a match
// comparing equal. ok is false when the elements are not comparable.
func CompareAt(a Value, i int, b Value, j int) (c int, ok bool) {
	if i < 0 || i >= a.Len() || j < 0 || j >= b.Len() {
		return 0, false
	}
	return compareElem(a, i, b, j, true)
}

func compareElem(a Value, i int, b Value, j int, patterns bool) (int, bool) {
	if a.typ.IsNumeric() && b.typ.IsNumeric() {
		if a.typ.IsInteger() && b.typ.IsInteger() {
			x, _ := a.integer(i)
			y, _ := b.integer(j)
			return cmp3(x < y, x > y), true
		}
		x, _ := a.Number(i)
		y, _ := b.Number(j)
		return cmp3(x < y, x > y), true
	}
	if a.typ != b.typ {
		return 0, false
	}
	switch d := a.data.(type) {
	case []bool:
		x, y := d[i], b.data.([]bool)[j]
		return cmp3(!x && y, x && !y), true
	case []string:
		x, y := d[i], b.data.([]string)[j]
		if patterns && HasWildcard(y) {
			if Glob(y, x) {
				return 0, true
			}
		}
		return strings.Compare(x, y), true
	case []Type:
		x, y := d[i], b.data.([]Type)[j]
		return cmp3(x < y, x > y), true
	case []uint64:
		x, y := d[i], b.data.([]uint64)[j]
		return cmp3(x < y, x > y), true
	case []timetag.Time:
		return d[i].Compare(b.data.([]timetag.Time)[j]), true
	case []any:
		if samePointer(d[i], b.data.([]any)[j]) {
			return 0, true
		}
		return 1, true
	}
	return 0, false
}

// samePointer compares pointer payloads by identity. Reference kinds
// compare by address; other values only when their type is comparable.
func samePointer(x, y any) bool {
	if x == nil || y == nil {
		return x == nil && y == nil
	}
	vx, vy := reflect.ValueOf(x), reflect.ValueOf(y)
	if vx.Type() != vy.Type() {
		return false
	}
	switch vx.Kind() {
	case reflect.Pointer, reflect.UnsafePointer, reflect.Chan, reflect.Func, reflect.Map:
		return vx.Pointer() == vy.Pointer()
	case reflect.Slice:
		return vx.Pointer() == vy.Pointer() && vx.Len() == vy.Len()
	}
	if !vx.Type().Comparable() {
		return false
	}
	return x == y
}

func cmp3(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	}
	return 0
}
