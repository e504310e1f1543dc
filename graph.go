package libmapper

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/libmapper/libmapper/expr"
	"github.com/libmapper/libmapper/props"
	"github.com/libmapper/libmapper/protocol"
	"github.com/libmapper/libmapper/query"
	"github.com/libmapper/libmapper/store"
	"github.com/libmapper/libmapper/timetag"
	"github.com/libmapper/libmapper/transport"
	"github.com/libmapper/libmapper/utils"
	"github.com/libmapper/libmapper/value"
)

// Event is a directory transition reported to graph callbacks.
type Event uint8

const (
	EventNew Event = iota + 1
	EventModified
	EventRemoved
	EventExpired
)

func (e Event) String() string {
	switch e {
	case EventNew:
		return "new"
	case EventModified:
		return "modified"
	case EventRemoved:
		return "removed"
	case EventExpired:
		return "expired"
	}
	return "unknown"
}

type Handler func(g *Graph, obj Object, ev Event)

type CallbackID uint64

type callback struct {
	id    CallbackID
	types value.Type
	h     Handler
}

type entry struct {
	obj  Object
	seen timetag.Time
}

// Graph is one participant's view of every device, signal and map it
// knows about, local or remote. All methods are safe for concurrent use;
// callbacks run on the caller's goroutine with the graph unlocked.
type Graph struct {
	mu sync.Mutex

	opts    Options
	log     utils.Logger
	clock   timetag.Clock
	tr      transport.Transport
	engine  expr.Engine
	archive *store.Archive
	session uuid.UUID
	ctx     context.Context
	cancel  context.CancelFunc

	entries    map[uint64]*entry
	devices    []*Device
	unresolved []*Map
	callbacks  []callback
	nextCB     CallbackID

	events   []func()
	outbox   protocol.Records
	loopback []*message
	lastBeat timetag.Time
	closed   bool
}

// NewGraph creates a graph. With an Archive configured, the last known
// remote objects are loaded as staged entries.
func NewGraph(opts Options) *Graph {
	opts.SetDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	g := &Graph{
		opts:    opts,
		log:     opts.Logger,
		clock:   opts.Clock,
		tr:      opts.Transport,
		engine:  opts.Engine,
		archive: opts.Archive,
		session: uuid.Must(uuid.NewV7()),
		entries: make(map[uint64]*entry),
	}
	g.ctx = utils.WithDefaultArgs(ctx, "graph", g.session.String())
	g.cancel = cancel
	if g.archive != nil {
		g.warmStart()
	}
	return g
}

func (g *Graph) Options() Options {
	return g.opts
}

// Session identifies this graph on the transport.
func (g *Graph) Session() string {
	return g.session.String()
}

func (g *Graph) Now() timetag.Time {
	return g.clock.Now()
}

// AddCallback registers h for directory events on objects whose type is
// in types.
func (g *Graph) AddCallback(types value.Type, h Handler) CallbackID {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextCB++
	g.callbacks = append(g.callbacks, callback{id: g.nextCB, types: types, h: h})
	return g.nextCB
}

func (g *Graph) RemoveCallback(id CallbackID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, cb := range g.callbacks {
		if cb.id == id {
			g.callbacks = append(g.callbacks[:i], g.callbacks[i+1:]...)
			return true
		}
	}
	return false
}

func (g *Graph) emit(obj Object, ev Event) {
	GraphEvents.WithLabelValues(typeLabel(obj.Type()), ev.String()).Inc()
	for _, cb := range g.callbacks {
		if cb.types&obj.Type() == 0 {
			continue
		}
		h := cb.h
		g.later(func() { h(g, obj, ev) })
	}
}

// later queues f to run once the graph is unlocked.
func (g *Graph) later(f func()) {
	g.events = append(g.events, f)
}

func (g *Graph) dispatch() {
	for {
		g.mu.Lock()
		evs := g.events
		g.events = nil
		g.mu.Unlock()
		if len(evs) == 0 {
			return
		}
		for _, f := range evs {
			f()
		}
	}
}

// do runs fn locked, sends what it queued and dispatches its events.
func (g *Graph) do(fn func() error) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrFreed
	}
	err := fn()
	g.flush()
	g.mu.Unlock()
	g.dispatch()
	return err
}

func (g *Graph) send(m *message) {
	m.origin = g.session
	g.outbox = append(g.outbox, encode(m))
}

func (g *Graph) flush() {
	if len(g.outbox) == 0 {
		return
	}
	if err := g.tr.Send(g.ctx, g.outbox); err != nil {
		g.log.WarnCtx(g.ctx, "send failed", "records", len(g.outbox), "err", err)
	}
	g.outbox = nil
}

// Poll processes inbound records for up to timeout, runs timers and
// dispatches callbacks. It returns the number of records handled.
func (g *Graph) Poll(timeout time.Duration) (n int, err error) {
	if err = g.do(func() error { n += g.tick(); return nil }); err != nil {
		return 0, err
	}
	deadline := time.Now().Add(timeout)
	for {
		remaining := max(time.Until(deadline), 0)
		recs, err := g.tr.Receive(g.ctx, remaining)
		if err != nil {
			return n, err
		}
		if len(recs) > 0 {
			g.do(func() error {
				for _, rec := range recs {
					g.handle(rec)
				}
				return nil
			})
			n += len(recs)
			continue
		}
		if remaining == 0 {
			break
		}
		if g.ctx.Err() != nil {
			return n, ErrFreed
		}
	}
	g.do(func() error { n += g.tick(); return nil })
	return n, nil
}

// tick runs everything time driven and returns the loopback records handled.
func (g *Graph) tick() int {
	now := g.clock.Now()
	n := g.runLoopback()
	for _, d := range g.devices {
		d.tick(now)
	}
	if g.lastBeat.IsZero() || now.Sub(g.lastBeat).Duration() >= g.opts.HeartbeatInterval {
		g.lastBeat = now
		g.heartbeat()
	}
	g.expire(now)
	g.resolveMaps()
	for _, d := range g.devices {
		for _, s := range d.signals {
			s.sweep(now)
		}
	}
	return n
}

func (g *Graph) runLoopback() int {
	msgs := g.loopback
	g.loopback = nil
	for _, m := range msgs {
		g.apply(m, nil)
	}
	return len(msgs)
}

func (g *Graph) heartbeat() {
	for _, d := range g.devices {
		if !d.ready {
			continue
		}
		g.announce(d)
		for _, s := range d.signals {
			g.announce(s)
		}
	}
	for _, e := range g.entries {
		m, ok := e.obj.(*Map)
		if !ok {
			continue
		}
		switch {
		case m.local && m.state >= MapReady && m.state <= MapMuted:
			g.announce(m)
		case !m.local && m.state == MapNegotiating:
			m.request(actionCreate)
		}
	}
}

func (g *Graph) drop(kind byte, reason string, err error) {
	DroppedRecords.WithLabelValues(kindLabel(kind), reason).Inc()
	g.log.DebugCtx(g.ctx, "record dropped", "kind", kindLabel(kind), "reason", reason, "err", err)
}

func (g *Graph) handle(rec []byte) {
	m, err := decode(rec)
	if err != nil {
		kind := byte(0)
		if len(rec) > 0 {
			kind = protocol.Lit(rec)
		}
		g.drop(kind, "malformed", err)
		g.log.WarnCtx(g.ctx, "malformed record", "len", len(rec), "err", err)
		return
	}
	if m.origin == g.session {
		return
	}
	ReceivedRecords.WithLabelValues(kindLabel(m.kind)).Inc()
	g.apply(m, rec)
}

func (g *Graph) apply(m *message, rec []byte) {
	var reason string
	var err error
	switch m.kind {
	case kindProbe:
		g.applyProbe(m)
	case kindDevice:
		reason, err = g.applyDevice(m, rec, false)
	case kindSignal:
		reason, err = g.applySignal(m, rec, false)
	case kindMap:
		reason, err = g.applyMap(m, rec, false)
	case kindRemove:
		reason = g.applyRemove(m)
	case kindModify:
		reason, err = g.applyModify(m)
	case kindRequest:
		reason, err = g.applyRequest(m)
	case kindUpdate:
		reason, err = g.applyUpdate(m)
	case kindRelease:
		reason = g.applyRelease(m)
	case kindAck:
		reason = g.applyAck(m)
	}
	if reason != "" {
		g.drop(m.kind, reason, err)
	}
}

// lookup returns the directory object for id.
func (g *Graph) lookup(id uint64) (Object, bool) {
	e, ok := g.entries[id]
	if !ok {
		return nil, false
	}
	return e.obj, true
}

func (g *Graph) insert(obj Object) {
	o := obj.base()
	g.entries[o.id] = &entry{obj: obj, seen: g.clock.Now()}
	DirectorySize.WithLabelValues(typeLabel(o.typ)).Inc()
	g.emit(obj, EventNew)
}

func (g *Graph) delete(obj Object, ev Event) {
	o := obj.base()
	if _, ok := g.entries[o.id]; !ok {
		return
	}
	delete(g.entries, o.id)
	o.freed = true
	if ev == EventExpired {
		o.status = StatusExpired
	}
	DirectorySize.WithLabelValues(typeLabel(o.typ)).Dec()
	if g.archive != nil && !o.local {
		if err := g.archive.Delete(o.id); err != nil {
			g.log.WarnCtx(g.ctx, "archive delete failed", "id", o.id, "err", err)
		}
	}
	// nobody was told about an object that never came back
	if o.warm {
		return
	}
	g.emit(obj, ev)
}

// rekey moves a directory entry to a new id.
func (g *Graph) rekey(obj Object, id uint64) {
	o := obj.base()
	if e, ok := g.entries[o.id]; ok && e.obj == obj {
		delete(g.entries, o.id)
		g.entries[id] = e
	}
	o.setID(id)
}

func (g *Graph) archivePut(id uint64, rec []byte) {
	if g.archive == nil || rec == nil {
		return
	}
	if err := g.archive.Put(id, rec); err != nil {
		g.log.WarnCtx(g.ctx, "archive put failed", "id", id, "err", err)
	}
}

func (g *Graph) warmStart() {
	var msgs []struct {
		m   *message
		rec []byte
	}
	err := g.archive.Load(func(id uint64, rec []byte) error {
		m, err := decode(rec)
		if err != nil {
			g.log.Warn("archived record unreadable", "id", id, "err", err)
			return nil
		}
		msgs = append(msgs, struct {
			m   *message
			rec []byte
		}{m, rec})
		return nil
	})
	if err != nil {
		g.log.Error("warm start failed", "err", err)
		return
	}
	rank := map[byte]int{kindDevice: 0, kindSignal: 1, kindMap: 2}
	sort.SliceStable(msgs, func(i, j int) bool { return rank[msgs[i].m.kind] < rank[msgs[j].m.kind] })
	for _, x := range msgs {
		switch x.m.kind {
		case kindDevice:
			g.applyDevice(x.m, nil, true)
		case kindSignal:
			g.applySignal(x.m, nil, true)
		case kindMap:
			g.applyMap(x.m, nil, true)
		}
	}
	g.events = nil
}

func versionOf(m *message) int32 {
	for _, p := range m.props {
		if props.Lookup(p.key) == props.Version {
			if v, ok := p.val.AsInt64(); ok {
				return int32(v)
			}
		}
	}
	return 0
}

func propOf(m *message, p props.Prop) (value.Value, bool) {
	for _, wp := range m.props {
		if props.Lookup(wp.key) == p {
			return wp.val, true
		}
	}
	return value.Value{}, false
}

// checkProps validates every property of m against a scratch table so a
// bad one rejects the whole record.
func checkProps(m *message) error {
	scratch := props.NewTable()
	for _, p := range m.props {
		if _, err := scratch.Apply(props.ByName(p.key), p.val); err != nil {
			return err
		}
	}
	return nil
}

// replaceProps installs the full published state carried by m. It
// reports whether anything changed.
func replaceProps(o *object, m *message) bool {
	changed := false
	seen := make(map[string]bool, len(m.props))
	for _, p := range m.props {
		k := props.ByName(p.key)
		if c, err := o.table.Apply(k, p.val); err == nil && c {
			changed = true
		}
		if rec, ok := o.table.Lookup(k); ok {
			seen[rec.Key] = true
		}
	}
	for _, rec := range o.table.Published() {
		if !seen[rec.Key] && o.table.ApplyRemove(props.ByName(rec.Key)) {
			changed = true
		}
	}
	return changed
}

// freshness sorts an incoming announcement against the known entry.
// Stale or duplicate records only refresh the lease. The first live
// announcement of an archived object reports it as new.
func (g *Graph) freshness(e *entry, m *message) (fresh bool, reason string) {
	if e == nil {
		return true, ""
	}
	o := e.obj.base()
	if o.local {
		return false, "local"
	}
	e.seen = g.clock.Now()
	if o.warm {
		o.warm = false
		if o.typ != TypeMap {
			o.status = StatusReady
		}
		g.emit(e.obj, EventNew)
	}
	v := versionOf(m)
	switch {
	case v < o.version:
		return false, "stale"
	case v == o.version && o.version != 0:
		return false, ""
	}
	return true, ""
}

func (g *Graph) applyRemove(m *message) string {
	obj, ok := g.lookup(m.id)
	if !ok {
		return ""
	}
	if obj.base().local {
		return "local"
	}
	g.removeObject(obj, EventRemoved)
	return ""
}

func (g *Graph) removeObject(obj Object, ev Event) {
	switch o := obj.(type) {
	case *Device:
		g.removeDevice(o, ev)
	case *Signal:
		g.removeSignal(o, ev)
	case *Map:
		g.removeMap(o, ev)
	}
}

func (g *Graph) expire(now timetag.Time) {
	var gone []Object
	for _, e := range g.entries {
		o := e.obj.base()
		switch obj := e.obj.(type) {
		case *Device:
			if !o.local && now.Sub(e.seen).Duration() >= g.opts.ExpireTimeout {
				gone = append(gone, obj)
			}
		case *Map:
			if obj.state == MapReleased && now.Sub(obj.releasedAt).Duration() >= g.opts.ReleaseTimeout {
				gone = append(gone, obj)
			}
		}
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i].base().id < gone[j].base().id })
	for _, obj := range gone {
		g.log.InfoCtx(g.ctx, "expired", "type", typeLabel(obj.Type()), "id", obj.base().id)
		g.removeObject(obj, EventExpired)
	}
}

func (g *Graph) objects(types value.Type, keep func(Object) bool) *List {
	var out []Object
	for _, e := range g.entries {
		if e.obj.Type()&types == 0 {
			continue
		}
		if keep != nil && !keep(e.obj) {
			continue
		}
		out = append(out, e.obj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].base().id < out[j].base().id })
	return query.New(out)
}

// Objects lists every known object whose type is in types.
func (g *Graph) Objects(types value.Type) *List {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.objects(types, nil)
}

func (g *Graph) Devices() *List { return g.Objects(TypeDevice) }
func (g *Graph) Signals() *List { return g.Objects(TypeSignal) }
func (g *Graph) Maps() *List { return g.Objects(TypeMap) }

func (g *Graph) Object(id uint64) (Object, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lookup(id)
}

// DeviceByName finds a device by its full "name.ordinal" name.
func (g *Graph) DeviceByName(name string) (*Device, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.deviceByName(name)
}

func (g *Graph) deviceByName(name string) (*Device, bool) {
	for _, e := range g.entries {
		if d, ok := e.obj.(*Device); ok && d.name == name {
			return d, true
		}
	}
	return nil, false
}

// SignalByPath finds a signal by "device/signal".
func (g *Graph) SignalByPath(path string) (*Signal, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.signalByPath(path)
}

func (g *Graph) signalByPath(path string) (*Signal, bool) {
	dev, sig, ok := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	if !ok {
		return nil, false
	}
	d, ok := g.deviceByName(dev)
	if !ok {
		return nil, false
	}
	return d.signal(sig)
}

// Free releases every local device, then the transport if the graph
// opened it.
func (g *Graph) Free() error {
	g.mu.Lock()
	devs := append([]*Device(nil), g.devices...)
	g.mu.Unlock()
	var errs []error
	for _, d := range devs {
		if err := d.Free(); err != nil && !errors.Is(err, ErrFreed) {
			errs = append(errs, err)
		}
	}
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cancel()
	if g.opts.ownTransport {
		errs = append(errs, g.tr.Close())
	}
	return errors.Join(errs...)
}

func published(o *object) []wireProp {
	recs := o.table.Published()
	out := make([]wireProp, 0, len(recs))
	for _, rec := range recs {
		out = append(out, wireProp{key: rec.Key, val: rec.Value})
	}
	return out
}

// announce broadcasts the full published state of a local object.
func (g *Graph) announce(obj Object) {
	o := obj.base()
	m := &message{id: o.id, props: published(o)}
	switch x := obj.(type) {
	case *Device:
		m.kind = kindDevice
	case *Signal:
		m.kind = kindSignal
	case *Map:
		m.kind = kindMap
		m.srcs, m.dst = x.endpointIDs()
	}
	g.send(m)
}

// pushObject publishes staged properties. A local object re-announces
// itself; changes to a remote one go to its owner.
func (g *Graph) pushObject(obj Object) {
	o := obj.base()
	if !o.table.Dirty() {
		return
	}
	changes := o.table.Push()
	if o.local {
		o.nextVersion()
		if o.status != StatusStaged {
			g.announce(obj)
			g.emit(obj, EventModified)
		}
		return
	}
	m := &message{kind: kindModify, id: o.id}
	for _, c := range changes {
		if c.Removed {
			m.removed = append(m.removed, c.Key)
		} else {
			m.props = append(m.props, wireProp{key: c.Key, val: c.Value})
		}
	}
	if len(m.props) > 0 || len(m.removed) > 0 {
		g.send(m)
	}
}

// applyModify takes property changes for a local device or signal from
// a peer. They go straight to the committed table so whatever the owner
// has staged stays unpublished. Read-only keys reject the whole request.
func (g *Graph) applyModify(m *message) (string, error) {
	obj, ok := g.lookup(m.id)
	if !ok {
		return "unknown_object", nil
	}
	o := obj.base()
	if !o.local {
		return "", nil
	}
	if _, isMap := obj.(*Map); isMap {
		return "malformed", nil
	}
	keys := make([]string, 0, len(m.props)+len(m.removed))
	for _, p := range m.props {
		keys = append(keys, p.key)
	}
	keys = append(keys, m.removed...)
	for _, key := range keys {
		if rec, ok := o.table.Lookup(props.ByName(key)); ok && rec.Access&props.ReadOnly != 0 {
			return "read_only", props.ErrReadOnly
		}
	}
	if err := checkProps(m); err != nil {
		return "invalid", err
	}
	sig, isSig := obj.(*Signal)
	vals := make([]value.Value, len(m.props))
	for i, p := range m.props {
		vals[i] = p.val
		if isSig {
			v, err := sig.coerceProp(props.ByName(p.key), p.val)
			if err != nil {
				return "invalid", err
			}
			vals[i] = v
		}
	}
	changed := false
	for i, p := range m.props {
		c, err := o.table.Apply(props.ByName(p.key), vals[i])
		if err != nil {
			g.log.WarnCtx(g.ctx, "modify skipped property", "key", p.key, "err", err)
			continue
		}
		changed = changed || c
	}
	for _, key := range m.removed {
		if o.table.ApplyRemove(props.ByName(key)) {
			changed = true
		}
	}
	if !changed {
		return "", nil
	}
	if isSig {
		sig.configure()
	}
	o.nextVersion()
	if o.status != StatusStaged {
		g.announce(obj)
		g.emit(obj, EventModified)
	}
	return "", nil
}
