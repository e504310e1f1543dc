// Package props implements the property table attached to every object:
// symbolic properties with fixed types, free-form extra keys, staged
// mutation and publication.
package props

import (
	"fmt"
	"strings"

	"github.com/libmapper/libmapper/value"
)

// Prop is a symbolic property index. Symbolic indices are multiples of
// 0x100; anything with a non-zero low byte is a positional index.
type Prop uint16

const (
	Unknown    Prop = 0x0000
	Bundle     Prop = 0x0100
	Data       Prop = 0x0200
	Device     Prop = 0x0300
	Direction  Prop = 0x0400
	Ephemeral  Prop = 0x0500
	Expr       Prop = 0x0600
	Host       Prop = 0x0700
	ID         Prop = 0x0800
	IsLocal    Prop = 0x0A00
	Jitter     Prop = 0x0B00
	Length     Prop = 0x0C00
	LibVersion Prop = 0x0D00
	Linked     Prop = 0x0E00
	Max        Prop = 0x0F00
	Min        Prop = 0x1000
	Muted      Prop = 0x1100
	Name       Prop = 0x1200
	NumInst    Prop = 0x1300
	NumMaps    Prop = 0x1400
	NumMapsIn  Prop = 0x1500
	NumMapsOut Prop = 0x1600
	NumSigsIn  Prop = 0x1700
	NumSigsOut Prop = 0x1800
	Ordinal    Prop = 0x1900
	Period     Prop = 0x1A00
	Port       Prop = 0x1B00
	ProcessLoc Prop = 0x1C00
	Protocol   Prop = 0x1D00
	Rate       Prop = 0x1E00
	Scope      Prop = 0x1F00
	Signal     Prop = 0x2000
	Slot       Prop = 0x2100
	Status     Prop = 0x2200
	Steal      Prop = 0x2300
	Synced     Prop = 0x2400
	Type       Prop = 0x2500
	Unit       Prop = 0x2600
	UseInst    Prop = 0x2700
	Version    Prop = 0x2800
	Extra      Prop = 0x2900
)

// Info describes a symbolic property. Len 0 means variable length;
// Type 0 means any type (min/max follow their signal).
type Info struct {
	Key  string
	Len  int
	Type value.Type
}

var infos = map[Prop]Info{
	Bundle:     {"@bundle", 1, value.Int32},
	Data:       {"@data", 1, value.Pointer},
	Device:     {"@device", 1, value.Device},
	Direction:  {"@direction", 1, value.Int32},
	Ephemeral:  {"@ephemeral", 1, value.Bool},
	Expr:       {"@expr", 1, value.String},
	Host:       {"@host", 1, value.String},
	ID:         {"@id", 1, value.Int64},
	IsLocal:    {"@is_local", 1, value.Bool},
	Jitter:     {"@jitter", 1, value.Float32},
	Length:     {"@length", 1, value.Int32},
	LibVersion: {"@lib_version", 1, value.String},
	Linked:     {"@linked", 0, value.Device},
	Max:        {"@max", 0, 0},
	Min:        {"@min", 0, 0},
	Muted:      {"@muted", 1, value.Bool},
	Name:       {"@name", 1, value.String},
	NumInst:    {"@num_inst", 1, value.Int32},
	NumMaps:    {"@num_maps", 2, value.Int32},
	NumMapsIn:  {"@num_maps_in", 1, value.Int32},
	NumMapsOut: {"@num_maps_out", 1, value.Int32},
	NumSigsIn:  {"@num_sigs_in", 1, value.Int32},
	NumSigsOut: {"@num_sigs_out", 1, value.Int32},
	Ordinal:    {"@ordinal", 1, value.Int32},
	Period:     {"@period", 1, value.Float32},
	Port:       {"@port", 1, value.Int32},
	ProcessLoc: {"@process_loc", 1, value.Int32},
	Protocol:   {"@protocol", 1, value.Int32},
	Rate:       {"@rate", 1, value.Float32},
	Scope:      {"@scope", 0, value.Device},
	Signal:     {"@signal", 0, value.Signal},
	Slot:       {"@slot", 0, value.Int32},
	Status:     {"@status", 1, value.Int32},
	Steal:      {"@steal", 1, value.Int32},
	Synced:     {"@synced", 1, value.Time},
	Type:       {"@type", 1, value.TypeCode},
	Unit:       {"@unit", 1, value.String},
	UseInst:    {"@use_inst", 1, value.Bool},
	Version:    {"@version", 1, value.Int32},
}

var byKey = func() map[string]Prop {
	m := make(map[string]Prop, len(infos)+3)
	for p, info := range infos {
		m[info.Key[1:]] = p
	}
	m["expression"] = Expr
	m["maximum"] = Max
	m["minimum"] = Min
	return m
}()

// Lookup resolves a key, with or without the '@' prefix, to its symbolic
// index. Unrecognised keys are Extra.
func Lookup(key string) Prop {
	if p, ok := byKey[strings.TrimPrefix(key, "@")]; ok {
		return p
	}
	return Extra
}

func (p Prop) Info() (Info, bool) {
	info, ok := infos[p]
	return info, ok
}

// Key returns the canonical key; empty for Extra and Unknown.
func (p Prop) Key() string {
	return infos[p].Key
}

// IsSymbolic reports whether p is a symbolic index rather than a position.
func (p Prop) IsSymbolic() bool {
	return p&0xFF == 0
}

func (p Prop) String() string {
	if info, ok := infos[p]; ok {
		return info.Key
	}
	switch p {
	case Extra:
		return "@extra"
	case Unknown:
		return "@unknown"
	}
	return fmt.Sprintf("#%d", uint16(p))
}

// Key addresses a property by symbolic index or by name. A name that
// matches a symbolic property resolves to it.
type Key struct {
	Prop Prop
	Name string
}

func ByProp(p Prop) Key { return Key{Prop: p} }
func ByName(name string) Key { return Key{Prop: Lookup(name), Name: name} }

// resolve returns the symbolic index and the storage key.
func (k Key) resolve() (Prop, string) {
	p := k.Prop
	if p == Unknown && k.Name != "" {
		p = Lookup(k.Name)
	}
	if p == Extra {
		return p, k.Name
	}
	return p, infos[p].Key
}

func (k Key) String() string {
	p, name := k.resolve()
	if p == Extra {
		return name
	}
	return p.String()
}
