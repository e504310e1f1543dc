// Package query implements snapshot lists of graph objects with property
// filters and set algebra.
package query

import (
	"errors"
	"iter"

	"github.com/libmapper/libmapper/props"
	"github.com/libmapper/libmapper/value"
)

var ErrIndex = errors.New("mapper: list index out of range")

// Entry is anything a List can hold: an identified object with properties.
type Entry interface {
	ID() uint64
	Property(k props.Key) (value.Value, bool)
}

// List is a forward-only cursor over a snapshot taken at construction.
// Filters and set operations never modify their operands; they return a
// new List over the elements not yet consumed.
type List[T Entry] struct {
	items []T
	pos   int
}

// New snapshots items; later changes to the slice are not seen.
func New[T Entry](items []T) *List[T] {
	cp := make([]T, len(items))
	copy(cp, items)
	return &List[T]{items: cp}
}

func (l *List[T]) rest() []T {
	if l == nil {
		return nil
	}
	return l.items[l.pos:]
}

// Len is the number of elements not yet consumed.
func (l *List[T]) Len() int {
	return len(l.rest())
}

// Next consumes and returns the next element.
func (l *List[T]) Next() (item T, ok bool) {
	if l == nil || l.pos >= len(l.items) {
		return
	}
	item = l.items[l.pos]
	l.pos++
	return item, true
}

// Index returns the i-th remaining element; negative i counts from the end.
func (l *List[T]) Index(i int) (item T, err error) {
	rest := l.rest()
	if i < 0 {
		i += len(rest)
	}
	if i < 0 || i >= len(rest) {
		return item, ErrIndex
	}
	return rest[i], nil
}

// Slice copies out the remaining elements without consuming them.
func (l *List[T]) Slice() []T {
	rest := l.rest()
	out := make([]T, len(rest))
	copy(out, rest)
	return out
}

// All ranges over the remaining elements, consuming them.
func (l *List[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			item, ok := l.Next()
			if !ok || !yield(item) {
				return
			}
		}
	}
}

// Filter keeps the elements whose property k satisfies op against v.
// Filtering on a property nobody has yields an empty list, except for
// NotExists.
func (l *List[T]) Filter(k props.Key, v value.Value, op Op) *List[T] {
	var out []T
	for _, item := range l.rest() {
		pv, found := item.Property(k)
		if Match(pv, found, op, v) {
			out = append(out, item)
		}
	}
	return &List[T]{items: out}
}

// Where keeps the elements for which keep returns true.
func (l *List[T]) Where(keep func(T) bool) *List[T] {
	var out []T
	for _, item := range l.rest() {
		if keep(item) {
			out = append(out, item)
		}
	}
	return &List[T]{items: out}
}

func ids[T Entry](items []T) map[uint64]struct{} {
	set := make(map[uint64]struct{}, len(items))
	for _, item := range items {
		set[item.ID()] = struct{}{}
	}
	return set
}

// Join is the union: l's elements, then those of o that l lacks.
func (l *List[T]) Join(o *List[T]) *List[T] {
	out := append([]T(nil), l.rest()...)
	seen := ids(out)
	for _, item := range o.rest() {
		if _, dup := seen[item.ID()]; !dup {
			seen[item.ID()] = struct{}{}
			out = append(out, item)
		}
	}
	return &List[T]{items: out}
}

// Intersect keeps l's elements also present in o.
func (l *List[T]) Intersect(o *List[T]) *List[T] {
	other := ids(o.rest())
	var out []T
	for _, item := range l.rest() {
		if _, ok := other[item.ID()]; ok {
			out = append(out, item)
		}
	}
	return &List[T]{items: out}
}

// Subtract keeps l's elements absent from o.
func (l *List[T]) Subtract(o *List[T]) *List[T] {
	other := ids(o.rest())
	var out []T
	for _, item := range l.rest() {
		if _, ok := other[item.ID()]; !ok {
			out = append(out, item)
		}
	}
	return &List[T]{items: out}
}
