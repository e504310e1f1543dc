package props

import (
	"errors"
	"sort"

	"github.com/libmapper/libmapper/value"
)

var (
	ErrReserved     = errors.New("mapper: property index is reserved")
	ErrUnknownKey   = errors.New("mapper: unknown property key")
	ErrReadOnly     = errors.New("mapper: property is read-only")
	ErrTypeMismatch = errors.New("mapper: property type mismatch")
	ErrLength       = errors.New("mapper: property length mismatch")
)

// Access restricts what the public API may do with a record.
type Access uint8

const (
	Modifiable Access = 0
	// ReadOnly records are only written by their owner through Define.
	ReadOnly Access = 1
)

// fixed properties can not be changed through the public API once set.
var fixed = map[Prop]bool{
	ID:        true,
	Type:      true,
	Length:    true,
	Direction: true,
	Device:    true,
	IsLocal:   true,
}

type Record struct {
	Prop    Prop
	Key     string
	Value   value.Value
	Publish bool
	Access  Access
}

// Change is one staged mutation handed out by Push.
type Change struct {
	Record
	Removed bool
}

type staged struct {
	Record
	removed bool
}

// Table is a property store with a committed view and a staged overlay.
// Reads see the overlay; Push folds it into the committed view. A Table is
// not safe for concurrent use; its owner serialises access.
type Table struct {
	committed map[string]Record
	staged    map[string]staged
	order     []string
}

func NewTable() *Table {
	return &Table{
		committed: make(map[string]Record),
		staged:    make(map[string]staged),
	}
}

func validKey(k Key) (Prop, string, error) {
	p, key := k.resolve()
	switch {
	case p == Data:
		return p, key, ErrReserved
	case p == Unknown || !p.IsSymbolic() || key == "":
		return p, key, ErrUnknownKey
	}
	return p, key, nil
}

func (t *Table) lookup(key string) (Record, bool) {
	if s, ok := t.staged[key]; ok {
		if s.removed {
			return Record{}, false
		}
		return s.Record, true
	}
	rec, ok := t.committed[key]
	return rec, ok
}

// Get returns the most recently staged value, pushed or not.
func (t *Table) Get(k Key) (value.Value, bool) {
	rec, ok := t.Lookup(k)
	return rec.Value, ok
}

func (t *Table) Lookup(k Key) (Record, bool) {
	_, key, err := validKey(k)
	if err != nil {
		return Record{}, false
	}
	return t.lookup(key)
}

// checkValue coerces v to the fixed type of p, if any.
func checkValue(p Prop, v value.Value) (value.Value, error) {
	if v.IsNil() {
		return v, value.ErrEmpty
	}
	info, ok := infos[p]
	if !ok {
		return v, nil
	}
	if info.Type != 0 && v.Type() != info.Type {
		if !info.Type.IsNumeric() || !v.Type().IsNumeric() {
			return v, ErrTypeMismatch
		}
		cv, err := v.Convert(info.Type)
		if err != nil {
			return v, ErrTypeMismatch
		}
		v = cv
	}
	if info.Len != 0 && v.Len() != info.Len {
		return v, ErrLength
	}
	return v, nil
}

// Set stages v under k. With publish false the change stays local.
// On error the table is unchanged.
func (t *Table) Set(k Key, v value.Value, publish bool) error {
	p, key, err := validKey(k)
	if err != nil {
		return err
	}
	if cur, ok := t.lookup(key); ok && cur.Access&ReadOnly != 0 {
		return ErrReadOnly
	}
	if rec, ok := t.committed[key]; ok && rec.Access&ReadOnly != 0 {
		return ErrReadOnly
	}
	if v, err = checkValue(p, v); err != nil {
		return err
	}
	if _, exists := t.lookup(key); !exists {
		t.order = nil
	}
	t.staged[key] = staged{Record: Record{Prop: p, Key: key, Value: v, Publish: publish}}
	return nil
}

// Define writes straight into the committed view, bypassing access checks.
// Owners use it for the properties they maintain themselves.
func (t *Table) Define(k Key, v value.Value, access Access, publish bool) error {
	p, key, err := validKey(k)
	if err != nil {
		return err
	}
	if v, err = checkValue(p, v); err != nil {
		return err
	}
	if _, ok := t.committed[key]; !ok {
		t.order = nil
	}
	delete(t.staged, key)
	t.committed[key] = Record{Prop: p, Key: key, Value: v, Publish: publish, Access: access}
	return nil
}

// Remove stages the deletion of k. Removing an absent key is a no-op.
func (t *Table) Remove(k Key) error {
	_, key, err := validKey(k)
	if err != nil {
		return err
	}
	cur, ok := t.lookup(key)
	if !ok {
		return nil
	}
	if cur.Access&ReadOnly != 0 {
		return ErrReadOnly
	}
	if _, inCommitted := t.committed[key]; !inCommitted {
		delete(t.staged, key)
	} else {
		t.staged[key] = staged{Record: cur, removed: true}
	}
	t.order = nil
	return nil
}

// Dirty reports whether anything is staged.
func (t *Table) Dirty() bool {
	return len(t.staged) > 0
}

// Pending lists staged changes that would be published, without committing.
func (t *Table) Pending() []Change {
	var out []Change
	for _, key := range sortedKeys(t.staged) {
		s := t.staged[key]
		if !s.Publish {
			continue
		}
		out = append(out, Change{Record: s.Record, Removed: s.removed})
	}
	return out
}

// Push commits the staged overlay and returns the publishable part of it.
func (t *Table) Push() []Change {
	out := t.Pending()
	for key, s := range t.staged {
		if s.removed {
			delete(t.committed, key)
		} else {
			t.committed[key] = s.Record
		}
	}
	clear(t.staged)
	t.order = nil
	return out
}

// Apply takes a remote value for a property, last writer wins. Records
// the caller marked ReadOnly keep that flag. Reports whether anything changed.
func (t *Table) Apply(k Key, v value.Value) (bool, error) {
	p, key, err := validKey(k)
	if err != nil {
		return false, err
	}
	if v, err = checkValue(p, v); err != nil {
		return false, err
	}
	cur, ok := t.committed[key]
	if ok && value.Equal(cur.Value, v) {
		return false, nil
	}
	if !ok {
		t.order = nil
	}
	cur.Prop, cur.Key, cur.Value, cur.Publish = p, key, v, true
	if fixed[p] {
		cur.Access |= ReadOnly
	}
	t.committed[key] = cur
	return true, nil
}

// ApplyRemove drops a remote-deleted property.
func (t *Table) ApplyRemove(k Key) bool {
	_, key, err := validKey(k)
	if err != nil {
		return false
	}
	if _, ok := t.committed[key]; !ok {
		return false
	}
	delete(t.committed, key)
	t.order = nil
	return true
}

// Len counts properties; with staged it includes the staged overlay.
func (t *Table) Len(staged bool) int {
	if !staged {
		return len(t.committed)
	}
	return len(t.keys())
}

// At returns the record at position i of the merged view. Positions are
// stable until the key set changes.
func (t *Table) At(i int) (Record, bool) {
	keys := t.keys()
	if i < 0 || i >= len(keys) {
		return Record{}, false
	}
	return t.lookup(keys[i])
}

// Records returns the merged view in position order.
func (t *Table) Records() []Record {
	keys := t.keys()
	out := make([]Record, 0, len(keys))
	for _, key := range keys {
		if rec, ok := t.lookup(key); ok {
			out = append(out, rec)
		}
	}
	return out
}

// Published returns the committed records that may leave the process.
func (t *Table) Published() []Record {
	out := make([]Record, 0, len(t.committed))
	for _, key := range sortedKeys(t.committed) {
		if rec := t.committed[key]; rec.Publish {
			out = append(out, rec)
		}
	}
	return out
}

func (t *Table) keys() []string {
	if t.order != nil {
		return t.order
	}
	keys := make([]string, 0, len(t.committed)+len(t.staged))
	for key := range t.committed {
		if s, ok := t.staged[key]; ok && s.removed {
			continue
		}
		keys = append(keys, key)
	}
	for key, s := range t.staged {
		if _, ok := t.committed[key]; !ok && !s.removed {
			keys = append(keys, key)
		}
	}
	sortProps(keys)
	t.order = keys
	return keys
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sortProps(keys)
	return keys
}

// sortProps orders symbolic keys by index, then extra keys by name.
func sortProps(keys []string) {
	sort.Slice(keys, func(i, j int) bool {
		pi, pj := Lookup(keys[i]), Lookup(keys[j])
		if pi != pj {
			return pi < pj
		}
		return keys[i] < keys[j]
	})
}
