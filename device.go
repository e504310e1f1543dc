package libmapper

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cespare/xxhash"
	"github.com/google/uuid"

	"github.com/libmapper/libmapper/props"
	"github.com/libmapper/libmapper/timetag"
	"github.com/libmapper/libmapper/value"
)

const LibVersion = "2.4.0"

// Device is a named endpoint owning signals. A local device negotiates a
// graph-unique "name.ordinal" before it becomes ready; until then it is
// not in the directory.
type Device struct {
	object

	prefix  string
	name    string
	ordinal int
	nonce   uint64
	ready   bool
	probed  timetag.Time
	signals []*Signal
	nextSig uint64

	ownGraph  bool
	queueing  bool
	queueTime timetag.Time
	held      []*message
}

func validName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "/ \t\n")
}

// NewDevice creates a local device. With a nil graph the device gets a
// private one with default options.
func NewDevice(name string, g *Graph) (*Device, error) {
	if !validName(name) {
		return nil, ErrBadName
	}
	own := g == nil
	if own {
		g = NewGraph(Options{})
	}
	u := uuid.New()
	d := &Device{
		object:   newObject(g, TypeDevice, true),
		prefix:   name,
		ordinal:  1,
		nonce:    binary.BigEndian.Uint64(u[8:]),
		nextSig:  1,
		ownGraph: own,
	}
	err := g.do(func() error {
		g.devices = append(g.devices, d)
		d.probe(g.clock.Now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) probe(now timetag.Time) {
	d.name = fmt.Sprintf("%s.%d", d.prefix, d.ordinal)
	d.probed = now
	d.graph.send(&message{kind: kindProbe, name: d.name, nonce: d.nonce})
}

// nameTaken reports whether another device already holds name, or is
// probing for it with precedence over d.
func (d *Device) nameTaken(name string) bool {
	for _, o := range d.graph.devices {
		if o == d || o.name != name {
			continue
		}
		if o.ready || o.nonce < d.nonce {
			return true
		}
	}
	if o, ok := d.graph.deviceByName(name); ok && o != d {
		return true
	}
	return false
}

// bump moves to the next free ordinal and probes again.
func (d *Device) bump(now timetag.Time) {
	d.graph.log.InfoCtx(d.graph.ctx, "name collision", "name", d.name)
	for {
		d.ordinal++
		if !d.nameTaken(fmt.Sprintf("%s.%d", d.prefix, d.ordinal)) {
			break
		}
	}
	d.probe(now)
}

func (d *Device) tick(now timetag.Time) {
	if d.ready || d.freed {
		return
	}
	if d.nameTaken(d.name) {
		d.bump(now)
		return
	}
	if now.Sub(d.probed).Duration() >= d.graph.opts.ProbeWait {
		d.becomeReady()
	}
}

func deviceID(name string) uint64 {
	return xxhash.Sum64String(name) &^ 0xFFFFFFFF
}

func (d *Device) becomeReady() {
	g := d.graph
	d.ready = true
	d.status = StatusReady
	d.setID(deviceID(d.name))
	if other, ok := g.lookup(d.id); ok {
		g.log.WarnCtx(g.ctx, "device id collision", "name", d.name, "other", other.base().id)
	}
	host := g.opts.Interface
	if host == "" {
		host, _ = os.Hostname()
	}
	d.define(props.Name, value.Str(d.name))
	d.define(props.Ordinal, value.Int32s(int32(d.ordinal)))
	d.define(props.LibVersion, value.Str(LibVersion))
	if host != "" {
		d.define(props.Host, value.Str(host))
	}
	if g.opts.Port != 0 {
		d.define(props.Port, value.Int32s(int32(g.opts.Port)))
	}
	d.countSignals()
	d.table.Push()
	d.nextVersion()
	g.insert(d)
	g.announce(d)
	for _, s := range d.signals {
		s.attach()
		g.insert(s)
		g.announce(s)
	}
	g.log.InfoCtx(g.ctx, "device ready", "name", d.name, "id", d.id)
}

func (d *Device) countSignals() {
	var in, out int32
	for _, s := range d.signals {
		if s.dir == DirIncoming {
			in++
		} else {
			out++
		}
	}
	d.define(props.NumSigsIn, value.Int32s(in))
	d.define(props.NumSigsOut, value.Int32s(out))
}

// Name is the negotiated "name.ordinal"; while probing it is the
// current candidate.
func (d *Device) Name() string {
	d.graph.mu.Lock()
	defer d.graph.mu.Unlock()
	return d.name
}

func (d *Device) Ordinal() int {
	d.graph.mu.Lock()
	defer d.graph.mu.Unlock()
	return d.ordinal
}

func (d *Device) Ready() bool {
	d.graph.mu.Lock()
	defer d.graph.mu.Unlock()
	return d.ready || !d.local
}

// Poll polls the device's graph.
func (d *Device) Poll(timeout time.Duration) (int, error) {
	return d.graph.Poll(timeout)
}

func (d *Device) Push() error {
	return d.graph.do(func() error {
		if d.freed {
			return ErrFreed
		}
		d.graph.pushObject(d)
		return nil
	})
}

func (d *Device) signal(name string) (*Signal, bool) {
	for _, s := range d.signals {
		if s.name == name {
			return s, true
		}
	}
	return nil, false
}

func (d *Device) Signal(name string) (*Signal, bool) {
	d.graph.mu.Lock()
	defer d.graph.mu.Unlock()
	return d.signal(name)
}

// Signals lists the device's signals in direction dir.
func (d *Device) Signals(dir Direction) *List {
	d.graph.mu.Lock()
	defer d.graph.mu.Unlock()
	var out []Object
	for _, s := range d.signals {
		if s.dir&dir != 0 {
			out = append(out, s)
		}
	}
	return newList(out)
}

// Maps lists maps touching the device's signals.
func (d *Device) Maps(dir Direction) *List {
	d.graph.mu.Lock()
	defer d.graph.mu.Unlock()
	seen := make(map[*Map]bool)
	var out []Object
	for _, s := range d.signals {
		for _, m := range s.maps(dir) {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return newList(out)
}

// StartQueue holds outbound updates from this device, stamped with t,
// until SendQueue. A zero t means now.
func (d *Device) StartQueue(t timetag.Time) timetag.Time {
	d.graph.mu.Lock()
	defer d.graph.mu.Unlock()
	if t.IsZero() {
		t = d.graph.clock.Now()
	}
	d.queueing = true
	d.queueTime = t
	return t
}

func (d *Device) SendQueue(t timetag.Time) error {
	return d.graph.do(func() error {
		if !d.queueing || (!t.IsZero() && t != d.queueTime) {
			return nil
		}
		for _, m := range d.held {
			d.graph.send(m)
		}
		d.held = nil
		d.queueing = false
		return nil
	})
}

// now is the timetag for updates made by this device.
func (d *Device) now() timetag.Time {
	if d.queueing {
		return d.queueTime
	}
	return d.graph.clock.Now()
}

// Free withdraws the device: its maps are released, its signals and the
// device itself are removed from every peer.
func (d *Device) Free() error {
	g := d.graph
	err := g.do(func() error {
		if d.freed {
			return ErrFreed
		}
		for _, s := range append([]*Signal(nil), d.signals...) {
			g.withdrawSignal(s)
		}
		if d.ready {
			g.send(&message{kind: kindRemove, id: d.id})
		}
		g.removeDevice(d, EventRemoved)
		d.freed = true
		for i, o := range g.devices {
			if o == d {
				g.devices = append(g.devices[:i], g.devices[i+1:]...)
				break
			}
		}
		return nil
	})
	if err == nil && d.ownGraph {
		err = g.Free()
	}
	return err
}

func (g *Graph) removeDevice(d *Device, ev Event) {
	for _, s := range append([]*Signal(nil), d.signals...) {
		g.removeSignal(s, ev)
	}
	g.delete(d, ev)
}

func (g *Graph) applyProbe(m *message) {
	now := g.clock.Now()
	for _, d := range g.devices {
		if d.name != m.name || d.nonce == m.nonce {
			continue
		}
		switch {
		case d.ready:
			g.announce(d)
		case m.nonce < d.nonce:
			d.bump(now)
		default:
			g.send(&message{kind: kindProbe, name: d.name, nonce: d.nonce})
		}
	}
}

func (g *Graph) applyDevice(m *message, rec []byte, warm bool) (string, error) {
	nameV, _ := propOf(m, props.Name)
	name, ok := nameV.AsString()
	if !ok || !validName(strings.SplitN(name, ".", 2)[0]) {
		return "malformed", ErrBadName
	}
	if err := checkProps(m); err != nil {
		return "invalid", err
	}
	now := g.clock.Now()
	for _, d := range g.devices {
		if !d.ready && d.name == name {
			d.bump(now)
		}
	}
	e := g.entries[m.id]
	if e != nil {
		if _, isDev := e.obj.(*Device); !isDev {
			return "collision", nil
		}
		if e.obj.base().local && e.obj.(*Device).name == name {
			g.log.WarnCtx(g.ctx, "device name announced by another graph", "name", name)
		}
	}
	fresh, reason := g.freshness(e, m)
	if !fresh {
		return reason, nil
	}
	if e == nil {
		d := &Device{object: newObject(g, TypeDevice, false), name: name}
		d.id = m.id
		replaceProps(&d.object, m)
		d.load(m)
		d.warm = warm
		if !warm {
			d.status = StatusReady
		}
		g.insert(d)
	} else {
		d := e.obj.(*Device)
		if replaceProps(&d.object, m) {
			d.load(m)
			g.emit(d, EventModified)
		}
	}
	g.archivePut(m.id, rec)
	return "", nil
}

func (d *Device) load(m *message) {
	d.version = versionOf(m)
	if v, ok := d.table.Get(props.ByProp(props.Name)); ok {
		d.name, _ = v.AsString()
	}
	if v, ok := d.table.Get(props.ByProp(props.Ordinal)); ok {
		o, _ := v.AsInt64()
		d.ordinal = int(o)
	}
}
