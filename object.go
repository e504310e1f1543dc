// Package libmapper is a distributed object model for named, typed data
// streams. Devices own signals, maps connect signals, and every process
// keeps an eventually consistent Graph of all of them.
//
// A Graph is driven by its caller: nothing happens between calls to
// Poll. Property changes are staged on an object until Push.
package libmapper

import (
	"sort"

	"github.com/libmapper/libmapper/props"
	"github.com/libmapper/libmapper/query"
	"github.com/libmapper/libmapper/value"
)

// Object types, usable as masks.
const (
	TypeDevice    = value.Device
	TypeSignalIn  = value.SignalIn
	TypeSignalOut = value.SignalOut
	TypeSignal    = value.Signal
	TypeMap       = value.Map
	TypeObject    = value.Object
)

// Status is the lifecycle status of a directory entry.
type Status uint8

const (
	StatusUndefined Status = 0x00
	StatusExpired   Status = 0x01
	StatusStaged    Status = 0x02
	StatusReady     Status = 0x3E
	StatusActive    Status = 0x7E
	StatusReserved  Status = 0x80
)

func (s Status) String() string {
	switch s {
	case StatusExpired:
		return "expired"
	case StatusStaged:
		return "staged"
	case StatusReady:
		return "ready"
	case StatusActive:
		return "active"
	case StatusReserved:
		return "reserved"
	}
	return "undefined"
}

// Object is the common face of devices, signals and maps.
type Object interface {
	ID() uint64
	Type() value.Type
	Graph() *Graph
	IsLocal() bool
	Status() Status

	// Property is Get without staging concerns; it makes objects
	// filterable in lists.
	Property(k props.Key) (value.Value, bool)
	Get(k props.Key) (value.Value, bool)
	GetIndex(i int) (props.Record, bool)
	Set(k props.Key, v value.Value, publish bool) error
	SetAny(key string, v any, publish bool) error
	Remove(k props.Key) error
	NumProperties(staged bool) int
	Push() error

	SetData(data any)
	Data() any

	base() *object
}

// List is a snapshot list of objects; see package query.
type List = query.List[Object]

type object struct {
	graph  *Graph
	id     uint64
	typ    value.Type
	local  bool
	status Status
	table  *props.Table
	data   any

	version int32
	freed   bool
	// warm marks a remote object loaded from the archive that has not
	// been announced since.
	warm bool
}

func newObject(g *Graph, typ value.Type, local bool) object {
	o := object{graph: g, typ: typ, local: local, status: StatusStaged, table: props.NewTable()}
	o.table.Define(props.ByProp(props.IsLocal), value.Bools(local), props.ReadOnly, false)
	return o
}

func (o *object) base() *object { return o }
func (o *object) Graph() *Graph { return o.graph }
func (o *object) IsLocal() bool { return o.local }

func (o *object) ID() uint64 {
	o.graph.mu.Lock()
	defer o.graph.mu.Unlock()
	return o.id
}

func (o *object) Type() value.Type {
	return o.typ
}

func (o *object) Status() Status {
	o.graph.mu.Lock()
	defer o.graph.mu.Unlock()
	return o.status
}

func (o *object) Property(k props.Key) (value.Value, bool) {
	return o.Get(k)
}

// Get returns the most recently staged value of a property.
func (o *object) Get(k props.Key) (value.Value, bool) {
	o.graph.mu.Lock()
	defer o.graph.mu.Unlock()
	return o.table.Get(k)
}

// GetIndex reads by position in the merged property view.
func (o *object) GetIndex(i int) (props.Record, bool) {
	o.graph.mu.Lock()
	defer o.graph.mu.Unlock()
	return o.table.At(i)
}

func (o *object) Set(k props.Key, v value.Value, publish bool) error {
	o.graph.mu.Lock()
	defer o.graph.mu.Unlock()
	if o.freed {
		return ErrFreed
	}
	return o.table.Set(k, v, publish)
}

// SetAny derives the value tag from a Go value.
func (o *object) SetAny(key string, x any, publish bool) error {
	v, err := value.Of(x)
	if err != nil {
		return err
	}
	return o.Set(props.ByName(key), v, publish)
}

func (o *object) Remove(k props.Key) error {
	o.graph.mu.Lock()
	defer o.graph.mu.Unlock()
	if o.freed {
		return ErrFreed
	}
	return o.table.Remove(k)
}

func (o *object) NumProperties(staged bool) int {
	o.graph.mu.Lock()
	defer o.graph.mu.Unlock()
	return o.table.Len(staged)
}

// SetData attaches caller state that never leaves the process.
func (o *object) SetData(data any) {
	o.graph.mu.Lock()
	o.data = data
	o.graph.mu.Unlock()
}

func (o *object) Data() any {
	o.graph.mu.Lock()
	defer o.graph.mu.Unlock()
	return o.data
}

// define sets an owner-maintained property.
func (o *object) define(p props.Prop, v value.Value) {
	access := props.Modifiable
	switch p {
	case props.ID, props.Type, props.Length, props.Direction, props.Device, props.IsLocal, props.Version:
		access = props.ReadOnly
	}
	if err := o.table.Define(props.ByProp(p), v, access, p != props.IsLocal); err != nil {
		o.graph.log.Warn("property not defined", "prop", p.String(), "err", err)
	}
}

func (o *object) setID(id uint64) {
	o.id = id
	o.define(props.ID, value.Int64s(int64(id)))
}

// nextVersion bumps the version stamped on the next announcement.
func (o *object) nextVersion() {
	o.version++
	o.define(props.Version, value.Int32s(o.version))
}

func typeLabel(t value.Type) string {
	switch {
	case t == TypeDevice:
		return "device"
	case t&TypeSignal != 0:
		return "signal"
	case t&TypeMap != 0:
		return "map"
	}
	return "object"
}

// newList snapshots objs in id order.
func newList(objs []Object) *List {
	sort.Slice(objs, func(i, j int) bool { return objs[i].base().id < objs[j].base().id })
	return query.New(objs)
}
