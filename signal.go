package libmapper

import (
	"github.com/libmapper/libmapper/instance"
	"github.com/libmapper/libmapper/props"
	"github.com/libmapper/libmapper/timetag"
	"github.com/libmapper/libmapper/value"
)

// Direction of a signal, also used as a mask when listing.
type Direction int32

const (
	DirUndefined Direction = 0
	DirIncoming  Direction = 1
	DirOutgoing  Direction = 2
	DirAny       Direction = DirIncoming | DirOutgoing
)

func (d Direction) String() string {
	switch d {
	case DirIncoming:
		return "incoming"
	case DirOutgoing:
		return "outgoing"
	case DirAny:
		return "any"
	}
	return "undefined"
}

// SignalHandler receives instance events of a local signal. For Update
// v and t are the new value and its timetag.
type SignalHandler func(sig *Signal, ev instance.Event, inst uint64, v value.Value, t timetag.Time)

// Signal is a typed vector stream owned by one device. Its type and
// length never change after creation.
type Signal struct {
	object

	dev     *Device
	name    string
	counter uint64
	dir     Direction
	vtype   value.Type
	length  int
	useInst bool

	insts       *instance.Manager
	handler     SignalHandler
	events      instance.Event
	dispatching bool
	acks        map[uint64]int

	inMaps  []*Map
	outMaps []*Map

	unit      string
	min, max  value.Value
	numInst   int
	ephemeral bool
	stealing  instance.Stealing
}

type SignalOpt interface {
	Apply(*Signal)
}

type SignalUnitOpt struct {
	Unit string
}

func (opt *SignalUnitOpt) Apply(s *Signal) {
	s.unit = opt.Unit
}

type SignalBoundsOpt struct {
	Min, Max value.Value
}

func (opt *SignalBoundsOpt) Apply(s *Signal) {
	s.min, s.max = opt.Min, opt.Max
}

// SignalInstancesOpt turns on instances with Num reserved slots.
type SignalInstancesOpt struct {
	Num       int
	Ephemeral bool
	Stealing  instance.Stealing
}

func (opt *SignalInstancesOpt) Apply(s *Signal) {
	s.useInst = true
	s.numInst = max(opt.Num, 1)
	s.ephemeral = opt.Ephemeral
	s.stealing = opt.Stealing
}

type SignalHandlerOpt struct {
	Handler SignalHandler
	Events  instance.Event
}

func (opt *SignalHandlerOpt) Apply(s *Signal) {
	s.handler, s.events = opt.Handler, opt.Events
}

func signalType(dir Direction) value.Type {
	if dir == DirIncoming {
		return TypeSignalIn
	}
	return TypeSignalOut
}

// AddSignal creates a local signal. Valid types are Int32, Float32 and
// Float64.
func (d *Device) AddSignal(dir Direction, name string, length int, typ value.Type, opts ...SignalOpt) (*Signal, error) {
	if dir != DirIncoming && dir != DirOutgoing {
		return nil, ErrBadDirection
	}
	if !validName(name) {
		return nil, ErrBadName
	}
	switch typ {
	case value.Int32, value.Float32, value.Float64:
	default:
		return nil, ErrBadType
	}
	if length < 1 || length > 0xFFFF {
		return nil, ErrBadLength
	}
	g := d.graph
	var s *Signal
	err := g.do(func() error {
		if d.freed {
			return ErrFreed
		}
		if _, exists := d.signal(name); exists {
			return ErrNameTaken
		}
		s = &Signal{
			object:  newObject(g, signalType(dir), true),
			dev:     d,
			name:    name,
			counter: d.nextSig,
			dir:     dir,
			vtype:   typ,
			length:  length,
			numInst: 1,
			acks:    make(map[uint64]int),
		}
		for _, o := range opts {
			o.Apply(s)
		}
		d.nextSig++
		s.insts = instance.NewManager(instance.Config{Max: s.numInst, Stealing: s.stealing, Ephemeral: s.ephemeral})
		s.insts.SetHandler(s.onInstance, instance.AllEvents)
		s.insts.Reserve(s.numInst)
		s.defineAll()
		d.signals = append(d.signals, s)
		if d.ready {
			s.attach()
			g.insert(s)
			g.announce(s)
			d.countSignals()
			d.nextVersion()
			g.announce(d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Signal) defineAll() {
	s.define(props.Name, value.Str(s.name))
	s.define(props.Direction, value.Int32s(int32(s.dir)))
	s.define(props.Length, value.Int32s(int32(s.length)))
	s.define(props.Type, value.Types(s.vtype))
	s.define(props.NumInst, value.Int32s(int32(s.numInst)))
	s.define(props.UseInst, value.Bools(s.useInst))
	s.define(props.Ephemeral, value.Bools(s.ephemeral))
	s.define(props.Steal, value.Int32s(int32(s.stealing)))
	if s.unit != "" {
		s.define(props.Unit, value.Str(s.unit))
	}
	for _, b := range []struct {
		p props.Prop
		v value.Value
	}{{props.Min, s.min}, {props.Max, s.max}} {
		if b.v.IsNil() {
			continue
		}
		if cv, err := s.coerceProp(props.ByProp(b.p), b.v); err == nil {
			s.define(b.p, cv)
		} else {
			s.graph.log.Warn("signal bound ignored", "signal", s.name, "prop", b.p.String(), "err", err)
		}
	}
}

// attach derives the id once the device id is settled.
func (s *Signal) attach() {
	s.setID(s.dev.id | s.counter)
	s.define(props.Device, value.Refs(value.Device, s.dev.id))
	s.table.Push()
	s.nextVersion()
	s.status = StatusReady
}

func (s *Signal) Name() string {
	s.graph.mu.Lock()
	defer s.graph.mu.Unlock()
	return s.name
}
func (s *Signal) Device() *Device { return s.dev }
func (s *Signal) Direction() Direction { return s.dir }
func (s *Signal) ValueType() value.Type { return s.vtype }
func (s *Signal) Length() int { return s.length }

// Path is "device/signal".
func (s *Signal) Path() string {
	return s.dev.Name() + "/" + s.name
}

func (s *Signal) UseInstances() bool {
	s.graph.mu.Lock()
	defer s.graph.mu.Unlock()
	return s.useInst
}

func (s *Signal) SetHandler(h SignalHandler, events instance.Event) {
	s.graph.mu.Lock()
	defer s.graph.mu.Unlock()
	s.handler, s.events = h, events
}

// coerceProp fits bounds to the signal's type and length; other keys
// pass through.
func (s *Signal) coerceProp(k props.Key, v value.Value) (value.Value, error) {
	p := k.Prop
	if p == props.Unknown {
		p = props.Lookup(k.Name)
	}
	if p != props.Min && p != props.Max {
		return v, nil
	}
	cv, err := v.Convert(s.vtype)
	if err != nil {
		return v, props.ErrTypeMismatch
	}
	if cv.Len() != s.length {
		return v, props.ErrLength
	}
	return cv, nil
}

func (s *Signal) set(k props.Key, v value.Value, publish bool) error {
	cv, err := s.coerceProp(k, v)
	if err != nil {
		return err
	}
	return s.table.Set(k, cv, publish)
}

// Set stages a property; bounds are converted to the signal type.
func (s *Signal) Set(k props.Key, v value.Value, publish bool) error {
	s.graph.mu.Lock()
	defer s.graph.mu.Unlock()
	if s.freed {
		return ErrFreed
	}
	return s.set(k, v, publish)
}

func (s *Signal) SetAny(key string, x any, publish bool) error {
	v, err := value.Of(x)
	if err != nil {
		return err
	}
	return s.Set(props.ByName(key), v, publish)
}

// configure applies committed instance settings to the manager.
func (s *Signal) configure() {
	if s.insts == nil {
		return
	}
	if v, ok := s.table.Get(props.ByProp(props.NumInst)); ok {
		if n, ok := v.AsInt64(); ok && int(n) != s.insts.Max() {
			s.insts.SetMax(int(n))
			s.numInst = s.insts.Max()
			if s.useInst {
				s.insts.Reserve(s.numInst - s.insts.Count(instance.Live))
			}
		}
	}
	if v, ok := s.table.Get(props.ByProp(props.Steal)); ok {
		if n, ok := v.AsInt64(); ok {
			s.insts.SetStealing(instance.Stealing(n))
		}
	}
	if v, ok := s.table.Get(props.ByProp(props.Ephemeral)); ok {
		if b, ok := v.AsBool(); ok {
			s.insts.SetEphemeral(b)
		}
	}
}

func (s *Signal) Push() error {
	return s.graph.do(func() error {
		if s.freed {
			return ErrFreed
		}
		s.configure()
		s.graph.pushObject(s)
		return nil
	})
}

func (s *Signal) coerce(v value.Value) (value.Value, error) {
	if v.IsNil() {
		return v, value.ErrEmpty
	}
	cv, err := v.Convert(s.vtype)
	if err != nil {
		return v, err
	}
	if cv.Len() != s.length {
		return v, ErrBadLength
	}
	return cv, nil
}

// SetValue updates an instance (0 for signals without instances) and
// sends the update through every active outgoing map. Setting a remote
// signal sends the update to its owner.
func (s *Signal) SetValue(inst uint64, v value.Value) error {
	return s.graph.do(func() error {
		if s.freed {
			return ErrFreed
		}
		v, err := s.coerce(v)
		if err != nil {
			return err
		}
		if !s.local {
			s.graph.send(&message{kind: kindUpdate, id: s.id, inst: inst, time: s.graph.clock.Now(), val: v, from: s.dev.id})
			return nil
		}
		if !s.useInst {
			inst = 0
		}
		t := s.dev.now()
		if err := s.insts.Update(inst, v, t); err != nil {
			return err
		}
		s.propagate(inst, v, t)
		return nil
	})
}

// Value returns the current value of an instance of a local signal.
func (s *Signal) Value(inst uint64) (value.Value, timetag.Time, bool) {
	s.graph.mu.Lock()
	defer s.graph.mu.Unlock()
	if s.insts == nil || !s.local {
		return value.Value{}, timetag.Time{}, false
	}
	if !s.useInst {
		inst = 0
	}
	return s.insts.Value(inst)
}

func (s *Signal) onInstance(ev instance.Event, inst instance.Instance) {
	if ev == instance.Overflow {
		InstanceOverflows.WithLabelValues(s.insts.Stealing().String()).Inc()
		s.graph.log.DebugCtx(s.graph.ctx, "instance overflow", "signal", s.name, "instance", inst.ID)
		if inst.Status == instance.Released {
			s.releaseFlows(inst.ID, inst.Released)
		}
	}
	if ev == instance.Update && !s.dispatching {
		return
	}
	if s.handler == nil || s.events&ev == 0 {
		return
	}
	h := s.handler
	s.graph.later(func() { h(s, ev, inst.ID, inst.Value, inst.Time) })
}

func (s *Signal) propagate(inst uint64, v value.Value, t timetag.Time) {
	for _, m := range s.outMaps {
		if m.flowing() {
			m.send(m.sourceIndex(s), s, inst, v, t)
		}
	}
}

// deliver applies an inbound update to a local signal.
func (s *Signal) deliver(inst uint64, v value.Value, t timetag.Time) (string, error) {
	v, err := s.coerce(v)
	if err != nil {
		return "type", err
	}
	if !s.useInst {
		inst = 0
	}
	s.dispatching = true
	err = s.insts.Update(inst, v, t)
	s.dispatching = false
	switch err {
	case nil:
	case instance.ErrStale:
		return "stale", err
	case instance.ErrOverflow:
		return "overflow", err
	default:
		return "instance", err
	}
	s.propagate(inst, v, t)
	return "", nil
}

func (s *Signal) maps(dir Direction) []*Map {
	var out []*Map
	if dir&DirIncoming != 0 {
		out = append(out, s.inMaps...)
	}
	if dir&DirOutgoing != 0 {
		out = append(out, s.outMaps...)
	}
	return out
}

// Maps lists maps with this signal as destination (DirIncoming) or
// source (DirOutgoing).
func (s *Signal) Maps(dir Direction) *List {
	s.graph.mu.Lock()
	defer s.graph.mu.Unlock()
	ms := s.maps(dir)
	out := make([]Object, len(ms))
	for i, m := range ms {
		out[i] = m
	}
	return newList(out)
}

func (s *Signal) withInstances(fn func(*instance.Manager) error) error {
	return s.graph.do(func() error {
		if s.freed {
			return ErrFreed
		}
		if !s.local || s.insts == nil {
			return ErrNotLocal
		}
		return fn(s.insts)
	})
}

// ReserveInstances reserves explicit ids, or count fresh ones. It stops
// at the instance limit and returns how many were reserved.
func (s *Signal) ReserveInstances(count int, ids ...uint64) (n int) {
	s.withInstances(func(m *instance.Manager) error {
		n = m.Reserve(count, ids...)
		return nil
	})
	return
}

func (s *Signal) ActivateInstance(id uint64) error {
	return s.withInstances(func(m *instance.Manager) error {
		return m.Activate(id, s.dev.now())
	})
}

// ReleaseInstance releases an instance and tells every mapped peer. The
// slot is reclaimed once each downstream peer acknowledges or after
// the release timeout.
func (s *Signal) ReleaseInstance(id uint64) error {
	return s.withInstances(func(m *instance.Manager) error {
		if _, ok := m.Get(id); !ok {
			return instance.ErrUnknown
		}
		t := s.dev.now()
		if !m.Release(id, t) {
			return nil
		}
		s.releaseFlows(id, t)
		return nil
	})
}

// releaseFlows sends a released instance along every instanced map.
func (s *Signal) releaseFlows(id uint64, t timetag.Time) {
	waiting := 0
	for _, m := range s.outMaps {
		if m.flowing() && m.useInst {
			s.graph.route(s.dev, m.dst, &message{kind: kindRelease, id: m.dst.id, inst: id, time: t, from: s.id})
			waiting++
		}
	}
	for _, m := range s.inMaps {
		if !m.flowing() || !m.useInst {
			continue
		}
		for _, src := range m.srcs {
			s.graph.route(s.dev, src, &message{kind: kindRelease, id: src.id, inst: id, time: t, from: s.id, upstream: true})
		}
	}
	if waiting == 0 {
		s.insts.Reclaim(id)
		return
	}
	s.acks[id] += waiting
}

func (s *Signal) RemoveInstance(id uint64) bool {
	ok := false
	s.withInstances(func(m *instance.Manager) error {
		ok = m.Remove(id)
		delete(s.acks, id)
		return nil
	})
	return ok
}

func (s *Signal) Instance(id uint64) (inst instance.Instance, ok bool) {
	s.withInstances(func(m *instance.Manager) error {
		inst, ok = m.Get(id)
		return nil
	})
	return
}

func (s *Signal) NumInstances(mask instance.Status) (n int) {
	s.withInstances(func(m *instance.Manager) error {
		n = m.Count(mask)
		return nil
	})
	return
}

// InstanceID returns the idx-th instance id among those in mask.
func (s *Signal) InstanceID(idx int, mask instance.Status) (id uint64, ok bool) {
	s.withInstances(func(m *instance.Manager) error {
		id, ok = m.At(idx, mask)
		return nil
	})
	return
}

func (s *Signal) OldestInstance() (id uint64, ok bool) {
	s.withInstances(func(m *instance.Manager) error {
		id, ok = m.Oldest()
		return nil
	})
	return
}

func (s *Signal) NewestInstance() (id uint64, ok bool) {
	s.withInstances(func(m *instance.Manager) error {
		id, ok = m.Newest()
		return nil
	})
	return
}

func (s *Signal) SetInstanceData(id uint64, data any) bool {
	ok := false
	s.withInstances(func(m *instance.Manager) error {
		ok = m.SetData(id, data)
		return nil
	})
	return ok
}

func (s *Signal) InstanceData(id uint64) (data any) {
	s.withInstances(func(m *instance.Manager) error {
		data = m.Data(id)
		return nil
	})
	return
}

func (s *Signal) sweep(now timetag.Time) {
	if s.insts == nil {
		return
	}
	for _, id := range s.insts.Sweep(now, s.graph.opts.ReleaseTimeout) {
		delete(s.acks, id)
	}
}

// route sends a message addressed to signal to, short-circuiting when
// the target is local and holding it while from has a queue open.
func (g *Graph) route(from *Device, to *Signal, m *message) {
	if to.local {
		m.origin = g.session
		g.loopback = append(g.loopback, m)
		return
	}
	if from != nil && from.queueing {
		from.held = append(from.held, m)
		return
	}
	g.send(m)
}

func (g *Graph) localSignal(id uint64) (*Signal, string) {
	obj, ok := g.lookup(id)
	if !ok {
		return nil, "unknown_signal"
	}
	s, ok := obj.(*Signal)
	if !ok {
		return nil, "unknown_signal"
	}
	if !s.local {
		return nil, "not_local"
	}
	return s, ""
}

func (g *Graph) applyUpdate(m *message) (string, error) {
	s, reason := g.localSignal(m.id)
	if s == nil {
		if reason == "not_local" {
			return "", nil
		}
		return reason, nil
	}
	if m.mapID != 0 {
		obj, ok := g.lookup(m.mapID)
		mp, isMap := obj.(*Map)
		if !ok || !isMap || mp.dst != s {
			return "unknown_map", nil
		}
		return mp.receive(m)
	}
	return s.deliver(m.inst, m.val, m.time)
}

func (g *Graph) applyRelease(m *message) string {
	s, reason := g.localSignal(m.id)
	if s == nil {
		if reason == "not_local" {
			return ""
		}
		return reason
	}
	if m.upstream {
		s.insts.Emit(instance.RelDownstream, m.inst)
		return ""
	}
	s.insts.Emit(instance.RelUpstream, m.inst)
	if s.insts.Release(m.inst, m.time) {
		s.insts.Reclaim(m.inst)
	}
	if obj, ok := g.lookup(m.from); ok {
		if src, isSig := obj.(*Signal); isSig {
			g.route(s.dev, src, &message{kind: kindAck, id: src.id, inst: m.inst, time: m.time})
		}
	}
	return ""
}

func (g *Graph) applyAck(m *message) string {
	s, reason := g.localSignal(m.id)
	if s == nil {
		if reason == "not_local" {
			return ""
		}
		return reason
	}
	if s.acks[m.inst] == 0 {
		return ""
	}
	s.acks[m.inst]--
	if s.acks[m.inst] == 0 {
		delete(s.acks, m.inst)
		s.insts.Reclaim(m.inst)
	}
	return ""
}

func (g *Graph) applySignal(m *message, rec []byte, warm bool) (string, error) {
	nameV, _ := propOf(m, props.Name)
	name, ok := nameV.AsString()
	if !ok || !validName(name) {
		return "malformed", ErrBadName
	}
	devV, _ := propOf(m, props.Device)
	devIDs := devV.Refs()
	dirV, _ := propOf(m, props.Direction)
	dir, _ := dirV.AsInt64()
	typV, _ := propOf(m, props.Type)
	typ, _ := typV.AsType()
	lenV, _ := propOf(m, props.Length)
	length, _ := lenV.AsInt64()
	if len(devIDs) != 1 || (dir != int64(DirIncoming) && dir != int64(DirOutgoing)) || !typ.IsNumeric() || length < 1 {
		return "malformed", ErrMalformed
	}
	obj, ok := g.lookup(devIDs[0])
	dev, isDev := obj.(*Device)
	if !ok || !isDev {
		return "unknown_device", nil
	}
	styp := signalType(Direction(dir))
	if g.opts.Subscribe&styp == 0 {
		return "", nil
	}
	if err := checkProps(m); err != nil {
		return "invalid", err
	}
	e := g.entries[m.id]
	if e != nil {
		s, isSig := e.obj.(*Signal)
		if !isSig {
			return "collision", nil
		}
		if !s.local && (s.vtype != typ || s.length != int(length) || s.dir != Direction(dir)) {
			return "immutable", nil
		}
	}
	fresh, reason := g.freshness(e, m)
	if !fresh {
		return reason, nil
	}
	if e == nil {
		s := &Signal{
			object: newObject(g, styp, false),
			dev:    dev,
			name:   name,
			dir:    Direction(dir),
			vtype:  typ,
			length: int(length),
		}
		s.id = m.id
		replaceProps(&s.object, m)
		s.version = versionOf(m)
		if v, ok := s.table.Get(props.ByProp(props.UseInst)); ok {
			s.useInst, _ = v.AsBool()
		}
		s.warm = warm
		if !warm {
			s.status = StatusReady
		}
		dev.signals = append(dev.signals, s)
		g.insert(s)
	} else {
		s := e.obj.(*Signal)
		if replaceProps(&s.object, m) {
			s.version = versionOf(m)
			s.name = name
			g.emit(s, EventModified)
		}
	}
	g.archivePut(m.id, rec)
	return "", nil
}

// withdrawSignal tells peers a local signal is going away.
func (g *Graph) withdrawSignal(s *Signal) {
	for _, m := range s.maps(DirAny) {
		m.withdraw()
	}
	if s.id != 0 && s.dev.ready {
		g.send(&message{kind: kindRemove, id: s.id})
	}
}

func (g *Graph) removeSignal(s *Signal, ev Event) {
	for _, m := range s.maps(DirAny) {
		g.removeMap(m, ev)
	}
	for i, o := range s.dev.signals {
		if o == s {
			s.dev.signals = append(s.dev.signals[:i], s.dev.signals[i+1:]...)
			break
		}
	}
	g.delete(s, ev)
	s.freed = true
}

// RemoveSignal withdraws and removes a local signal.
func (d *Device) RemoveSignal(s *Signal) error {
	return d.graph.do(func() error {
		if s.freed {
			return ErrFreed
		}
		if s.dev != d || !s.local {
			return ErrNotLocal
		}
		d.graph.withdrawSignal(s)
		d.graph.removeSignal(s, EventRemoved)
		if d.ready {
			d.countSignals()
			d.nextVersion()
			d.graph.announce(d)
		}
		return nil
	})
}
