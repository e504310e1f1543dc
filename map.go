package libmapper

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"slices"
	"strings"

	"github.com/cespare/xxhash"

	"github.com/libmapper/libmapper/expr"
	"github.com/libmapper/libmapper/props"
	"github.com/libmapper/libmapper/timetag"
	"github.com/libmapper/libmapper/value"
)

const maxSources = 8

// MapState is the lifecycle of a map. Data flows only in MapReady and
// MapActive.
type MapState uint8

const (
	MapStaged MapState = iota
	MapNegotiating
	MapReady
	MapActive
	MapMuted
	MapReleased
	MapExpired
)

func (s MapState) String() string {
	switch s {
	case MapStaged:
		return "staged"
	case MapNegotiating:
		return "negotiating"
	case MapReady:
		return "ready"
	case MapActive:
		return "active"
	case MapMuted:
		return "muted"
	case MapReleased:
		return "released"
	}
	return "expired"
}

// Location is where a map's expression runs.
type Location int32

const (
	LocUndefined   Location = 0
	LocSource      Location = 1
	LocDestination Location = 2
)

// Map connects one or more source signals to one destination signal.
// The graph holding the destination signal owns the map; everyone else
// negotiates with it through requests.
type Map struct {
	object

	srcs     []*Signal
	dst      *Signal
	srcNames []string
	dstName  string

	state      MapState
	expr       string
	prog       expr.Program
	progSrc    string
	muted      bool
	useInst    bool
	loc        Location
	scope      []uint64
	pushed     bool
	releasedAt timetag.Time

	// last value per source, keyed by destination instance
	history map[uint64][]value.Value
}

func mapID(srcs []uint64, dst uint64) uint64 {
	ids := slices.Clone(srcs)
	slices.Sort(ids)
	buf := make([]byte, 0, 8*(len(ids)+1))
	for _, id := range ids {
		buf = binary.BigEndian.AppendUint64(buf, id)
	}
	buf = binary.BigEndian.AppendUint64(buf, dst)
	return xxhash.Sum64(buf)
}

func newMap(g *Graph) *Map {
	return &Map{
		object:  newObject(g, TypeMap, false),
		expr:    expr.DefaultExpr,
		history: make(map[uint64][]value.Value),
	}
}

// NewMap stages a map from srcs to dst. It does nothing on the network
// until Push. A map over the same endpoints is returned if one exists.
func (g *Graph) NewMap(srcs []*Signal, dst *Signal) (*Map, error) {
	if len(srcs) == 0 || dst == nil {
		return nil, ErrNoEndpoints
	}
	if len(srcs) > maxSources {
		return nil, ErrTooManySource
	}
	var m *Map
	err := g.do(func() error {
		for _, s := range append([]*Signal{dst}, srcs...) {
			if s == nil {
				return ErrNoEndpoints
			}
			if s.graph != g {
				return ErrUnknownSignal
			}
			if s.freed {
				return ErrFreed
			}
		}
		if dst.dir != DirIncoming {
			return ErrBadDirection
		}
		for _, s := range srcs {
			if s == dst {
				return ErrMapLoop
			}
			if s.dir != DirOutgoing {
				return ErrBadDirection
			}
		}
		if existing := g.findMap(srcs, dst); existing != nil {
			m = existing
			return nil
		}
		m = newMap(g)
		m.srcs = slices.Clone(srcs)
		m.dst = dst
		g.unresolved = append(g.unresolved, m)
		m.resolve()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// NewMapFromNames stages a map between "device/signal" paths. The
// endpoints are looked up on every poll until all of them exist.
func (g *Graph) NewMapFromNames(expression string, dst string, srcs ...string) (*Map, error) {
	if len(srcs) == 0 || dst == "" {
		return nil, ErrNoEndpoints
	}
	if len(srcs) > maxSources {
		return nil, ErrTooManySource
	}
	for _, p := range append([]string{dst}, srcs...) {
		if dev, sig, ok := strings.Cut(strings.TrimPrefix(p, "/"), "/"); !ok || dev == "" || !validName(sig) {
			return nil, ErrBadName
		}
		if p == dst && slices.Contains(srcs, p) {
			return nil, ErrMapLoop
		}
	}
	var m *Map
	err := g.do(func() error {
		m = newMap(g)
		m.srcNames = slices.Clone(srcs)
		m.dstName = dst
		if expression != "" {
			if err := m.table.Set(props.ByProp(props.Expr), value.Str(expression), true); err != nil {
				return err
			}
		}
		g.unresolved = append(g.unresolved, m)
		m.resolve()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// NewMapFromString stages a map described by an expression in which
// %y stands for the destination and each %x for a source. The tokens
// bind sigs in order of appearance and are rewritten to y, x or x0..xN.
func (g *Graph) NewMapFromString(expression string, sigs ...*Signal) (*Map, error) {
	var (
		dst   *Signal
		srcs  []*Signal
		parts []string
		lit   strings.Builder
	)
	next := 0
	for i := 0; i < len(expression); i++ {
		c := expression[i]
		if c != '%' || i+1 == len(expression) || (expression[i+1] != 'x' && expression[i+1] != 'y') {
			lit.WriteByte(c)
			continue
		}
		if next == len(sigs) {
			return nil, ErrMapTokens
		}
		i++
		parts = append(parts, lit.String(), expression[i:i+1])
		lit.Reset()
		if expression[i] == 'y' {
			if dst != nil {
				return nil, ErrMapTokens
			}
			dst = sigs[next]
		} else {
			srcs = append(srcs, sigs[next])
		}
		next++
	}
	if next != len(sigs) {
		return nil, ErrMapTokens
	}
	if dst == nil || len(srcs) == 0 {
		return nil, ErrNoEndpoints
	}
	var out strings.Builder
	k := 0
	for i := 0; i < len(parts); i += 2 {
		out.WriteString(parts[i])
		switch {
		case parts[i+1] == "y":
			out.WriteByte('y')
		case len(srcs) == 1:
			out.WriteByte('x')
		default:
			fmt.Fprintf(&out, "x%d", k)
			k++
		}
	}
	out.WriteString(lit.String())

	m, err := g.NewMap(srcs, dst)
	if err != nil {
		return nil, err
	}
	if err := m.SetExpr(out.String()); err != nil {
		return nil, err
	}
	return m, nil
}

func (g *Graph) findMap(srcs []*Signal, dst *Signal) *Map {
	for _, m := range dst.inMaps {
		if len(m.srcs) != len(srcs) {
			continue
		}
		same := true
		for _, s := range srcs {
			if !slices.Contains(m.srcs, s) {
				same = false
				break
			}
		}
		if same && m.state < MapReleased {
			return m
		}
	}
	return nil
}

// resolve fills in endpoints and, once every endpoint has an id, puts the
// map in the directory. It reports whether the map is resolved.
func (m *Map) resolve() bool {
	g := m.graph
	if m.id != 0 || m.freed {
		return true
	}
	if m.dst == nil {
		dst, ok := g.signalByPath(m.dstName)
		if !ok {
			return false
		}
		srcs := make([]*Signal, len(m.srcNames))
		for i, name := range m.srcNames {
			if srcs[i], ok = g.signalByPath(name); !ok {
				return false
			}
		}
		m.srcs, m.dst = srcs, dst
	}
	for _, s := range append([]*Signal{m.dst}, m.srcs...) {
		if s.freed {
			g.dropUnresolved(m)
			m.freed = true
			return false
		}
		if s.id == 0 {
			return false
		}
	}
	g.dropUnresolved(m)
	if other := g.findMap(m.srcs, m.dst); other != nil {
		g.log.WarnCtx(g.ctx, "duplicate map dropped", "id", other.id)
		m.freed = true
		m.state = MapReleased
		return false
	}
	m.local = m.dst.local
	m.define(props.IsLocal, value.Bools(m.local))
	srcs, dst := m.endpointIDs()
	m.setID(mapID(srcs, dst))
	if m.useInst = m.dst.useInst; !m.useInst {
		for _, s := range m.srcs {
			m.useInst = m.useInst || s.useInst
		}
	}
	m.loc = LocDestination
	if len(m.srcs) == 1 {
		m.loc = LocSource
	}
	m.scope = m.scope[:0]
	for _, s := range m.srcs {
		if !slices.Contains(m.scope, s.dev.id) {
			m.scope = append(m.scope, s.dev.id)
		}
	}
	m.preset(props.UseInst, value.Bools(m.useInst))
	m.preset(props.ProcessLoc, value.Int32s(int32(m.loc)))
	m.preset(props.Scope, value.Refs(value.Device, m.scope...))
	m.preset(props.Muted, value.Bools(false))
	m.preset(props.Expr, value.Str(m.expr))
	m.attach()
	g.insert(m)
	if m.pushed {
		m.commit()
	}
	return true
}

// preset defines p unless the caller already staged a value for it.
func (m *Map) preset(p props.Prop, v value.Value) {
	if _, ok := m.table.Get(props.ByProp(p)); !ok {
		m.define(p, v)
	}
}

func (g *Graph) dropUnresolved(m *Map) {
	if i := slices.Index(g.unresolved, m); i >= 0 {
		g.unresolved = slices.Delete(g.unresolved, i, i+1)
	}
}

// resolveMaps retries unresolved maps and owned maps waiting for their
// devices.
func (g *Graph) resolveMaps() {
	for _, m := range slices.Clone(g.unresolved) {
		m.resolve()
	}
	var waiting []*Map
	for _, e := range g.entries {
		if m, ok := e.obj.(*Map); ok && m.local && m.pushed && m.state == MapStaged {
			waiting = append(waiting, m)
		}
	}
	slices.SortFunc(waiting, func(a, b *Map) int { return cmp.Compare(a.id, b.id) })
	for _, m := range waiting {
		m.tryEstablish()
	}
}

func (m *Map) endpointIDs() (srcs []uint64, dst uint64) {
	srcs = make([]uint64, len(m.srcs))
	for i, s := range m.srcs {
		srcs[i] = s.id
	}
	if m.dst != nil {
		dst = m.dst.id
	}
	return
}

func (m *Map) attach() {
	for _, s := range m.srcs {
		s.outMaps = append(s.outMaps, m)
	}
	m.dst.inMaps = append(m.dst.inMaps, m)
}

func (m *Map) detach() {
	for _, s := range m.srcs {
		if i := slices.Index(s.outMaps, m); i >= 0 {
			s.outMaps = slices.Delete(s.outMaps, i, i+1)
		}
	}
	if m.dst != nil {
		if i := slices.Index(m.dst.inMaps, m); i >= 0 {
			m.dst.inMaps = slices.Delete(m.dst.inMaps, i, i+1)
		}
	}
}

// Push commits staged properties. The first Push of a staged map starts
// establishing it.
func (m *Map) Push() error {
	return m.graph.do(func() error {
		if m.freed || m.state >= MapReleased {
			return ErrMapReleased
		}
		m.pushed = true
		if m.id == 0 {
			return nil
		}
		m.commit()
		return nil
	})
}

func (m *Map) commit() {
	g := m.graph
	if m.local {
		m.table.Push()
		m.load()
		switch {
		case m.state == MapStaged:
			m.tryEstablish()
		case m.state >= MapReady && m.state <= MapMuted:
			m.nextVersion()
			g.announce(m)
			g.emit(m, EventModified)
		}
		return
	}
	changes := m.table.Push()
	if m.state == MapStaged {
		m.load()
		m.state = MapNegotiating
		m.request(actionCreate)
		return
	}
	var ps []wireProp
	for _, c := range changes {
		if !c.Removed && c.Publish {
			ps = append(ps, wireProp{key: c.Key, val: c.Value})
		}
	}
	if len(ps) > 0 {
		m.request(actionModify, ps...)
	}
}

func deviceReady(d *Device) bool {
	if d.local {
		return d.ready
	}
	return d.status != StatusStaged && !d.freed
}

// tryEstablish makes an owned map ready once every endpoint device is.
func (m *Map) tryEstablish() {
	g := m.graph
	if !deviceReady(m.dst.dev) {
		return
	}
	for _, s := range m.srcs {
		if !deviceReady(s.dev) {
			return
		}
	}
	m.state = MapReady
	if m.muted {
		m.state = MapMuted
	}
	m.status = StatusReady
	if _, err := m.compile(); err != nil {
		g.log.WarnCtx(g.ctx, "map expression rejected", "id", m.id, "expr", m.expr, "err", err)
	}
	m.nextVersion()
	g.announce(m)
	g.emit(m, EventModified)
}

// request asks the owner to create, modify or release the map. A create
// carries the full published state.
func (m *Map) request(action byte, ps ...wireProp) {
	srcs, dst := m.endpointIDs()
	if action == actionCreate && len(ps) == 0 {
		ps = published(&m.object)
	}
	m.graph.send(&message{kind: kindRequest, action: action, srcs: srcs, dst: dst, props: ps})
}

// modifiable lists the keys peers may change on a map they do not own.
func modifiable(key string) bool {
	switch props.Lookup(key) {
	case props.Expr, props.Muted, props.UseInst, props.ProcessLoc, props.Scope, props.Extra:
		return true
	}
	return false
}

func (g *Graph) applyRequest(msg *message) (string, error) {
	id := mapID(msg.srcs, msg.dst)
	obj, ok := g.lookup(msg.dst)
	dst, isSig := obj.(*Signal)
	if !ok || !isSig {
		return "unknown_signal", nil
	}
	if !dst.local {
		return "", nil
	}
	var m *Map
	if e, ok := g.entries[id]; ok {
		if m, ok = e.obj.(*Map); !ok {
			return "collision", nil
		}
	}
	switch msg.action {
	case actionCreate:
		if m != nil {
			if m.state >= MapReady && m.state <= MapMuted {
				g.announce(m)
			}
			return "", nil
		}
		srcs := make([]*Signal, len(msg.srcs))
		for i, sid := range msg.srcs {
			obj, ok := g.lookup(sid)
			if srcs[i], isSig = obj.(*Signal); !ok || !isSig {
				return "unknown_signal", nil
			}
			if srcs[i].dir != DirOutgoing {
				return "malformed", ErrBadDirection
			}
		}
		if dst.dir != DirIncoming {
			return "malformed", ErrBadDirection
		}
		m = newMap(g)
		m.srcs, m.dst = srcs, dst
		g.unresolved = append(g.unresolved, m)
		if !m.resolve() {
			return "unresolved", nil
		}
		m.takeRequest(msg.props)
		m.pushed = true
		m.commit()
	case actionModify:
		if m == nil || !m.local {
			return "unknown_map", nil
		}
		if m.takeRequest(msg.props) {
			m.load()
			if m.state >= MapReady && m.state <= MapMuted {
				m.nextVersion()
				g.announce(m)
				g.emit(m, EventModified)
			}
		}
	case actionRelease:
		if m == nil || !m.local {
			return "", nil
		}
		g.send(&message{kind: kindRemove, id: m.id})
		g.removeMap(m, EventRemoved)
	}
	return "", nil
}

// takeRequest applies the peer-modifiable properties of a request.
func (m *Map) takeRequest(ps []wireProp) bool {
	changed := false
	for _, p := range ps {
		if !modifiable(p.key) {
			continue
		}
		k := props.ByName(p.key)
		if cur, ok := m.table.Get(k); ok && value.Equal(cur, p.val) {
			continue
		}
		if err := m.table.Set(k, p.val, true); err != nil {
			m.graph.log.WarnCtx(m.graph.ctx, "map request skipped property", "key", p.key, "err", err)
			continue
		}
		changed = true
	}
	m.table.Push()
	return changed
}

func (g *Graph) applyMap(msg *message, rec []byte, warm bool) (string, error) {
	if len(msg.srcs) > maxSources {
		return "malformed", ErrTooManySource
	}
	if msg.id != mapID(msg.srcs, msg.dst) {
		return "malformed", ErrMalformed
	}
	obj, ok := g.lookup(msg.dst)
	dst, isSig := obj.(*Signal)
	if !ok || !isSig {
		return "unknown_signal", nil
	}
	srcs := make([]*Signal, len(msg.srcs))
	involved := dst.local
	for i, sid := range msg.srcs {
		obj, ok := g.lookup(sid)
		if srcs[i], isSig = obj.(*Signal); !ok || !isSig {
			return "unknown_signal", nil
		}
		involved = involved || srcs[i].local
	}
	if dst.dir != DirIncoming {
		return "malformed", ErrBadDirection
	}
	for _, src := range srcs {
		if src.dir != DirOutgoing {
			return "malformed", ErrBadDirection
		}
	}
	if !involved && g.opts.Subscribe&TypeMap == 0 {
		return "", nil
	}
	if err := checkProps(msg); err != nil {
		return "invalid", err
	}
	e := g.entries[msg.id]
	if e != nil {
		if _, isMap := e.obj.(*Map); !isMap {
			return "collision", nil
		}
	}
	fresh, reason := g.freshness(e, msg)
	if !fresh {
		return reason, nil
	}
	if e == nil {
		m := newMap(g)
		m.id = msg.id
		m.srcs, m.dst = srcs, dst
		replaceProps(&m.object, msg)
		m.version = versionOf(msg)
		m.load()
		m.attach()
		m.warm = warm
		if !warm {
			m.state = MapReady
			if m.muted {
				m.state = MapMuted
			}
			m.status = StatusReady
		}
		g.insert(m)
	} else {
		m := e.obj.(*Map)
		if m.state >= MapReleased {
			return "released", nil
		}
		changed := replaceProps(&m.object, msg)
		m.version = versionOf(msg)
		if m.state < MapReady {
			m.state = MapReady
			m.status = StatusReady
			changed = true
		}
		m.load()
		if changed {
			g.emit(m, EventModified)
		}
	}
	g.archivePut(msg.id, rec)
	return "", nil
}

// load syncs the map's fields from its committed properties.
func (m *Map) load() {
	if v, ok := m.table.Get(props.ByProp(props.Expr)); ok {
		m.expr, _ = v.AsString()
	}
	if v, ok := m.table.Get(props.ByProp(props.Muted)); ok {
		m.muted, _ = v.AsBool()
	}
	if v, ok := m.table.Get(props.ByProp(props.UseInst)); ok {
		m.useInst, _ = v.AsBool()
	}
	if v, ok := m.table.Get(props.ByProp(props.ProcessLoc)); ok {
		if l, ok := v.AsInt64(); ok && (Location(l) == LocSource || Location(l) == LocDestination) {
			m.loc = Location(l)
		}
	}
	if v, ok := m.table.Get(props.ByProp(props.Scope)); ok {
		m.scope = slices.Clone(v.Refs())
	} else {
		m.scope = nil
	}
	switch {
	case m.muted && (m.state == MapReady || m.state == MapActive):
		m.state = MapMuted
	case !m.muted && m.state == MapMuted:
		m.state = MapReady
	}
}

func (m *Map) flowing() bool {
	return m.state == MapReady || m.state == MapActive
}

func (m *Map) markActive() {
	if m.state == MapReady {
		m.state = MapActive
		m.status = StatusActive
	}
}

func (m *Map) sourceIndex(s *Signal) int {
	return slices.Index(m.srcs, s)
}

func (m *Map) inScope(dev uint64) bool {
	return len(m.scope) == 0 || slices.Contains(m.scope, dev)
}

func (m *Map) compile() (expr.Program, error) {
	if m.prog != nil && m.progSrc == m.expr {
		return m.prog, nil
	}
	prog, err := m.graph.engine.Compile(m.expr, len(m.srcs))
	if err != nil {
		return nil, err
	}
	m.prog, m.progSrc = prog, m.expr
	return prog, nil
}

func (m *Map) eval(vals []value.Value) (value.Value, error) {
	prog, err := m.compile()
	if err != nil {
		return value.Value{}, err
	}
	return prog.Eval(vals, m.dst.vtype, m.dst.length)
}

// send carries one source update toward the destination. A single
// source map processed at the source is evaluated before it leaves.
func (m *Map) send(idx int, src *Signal, inst uint64, v value.Value, t timetag.Time) {
	g := m.graph
	if idx < 0 {
		return
	}
	if m.useInst {
		if !m.inScope(src.dev.id) {
			return
		}
	} else {
		inst = 0
	}
	m.markActive()
	if m.loc == LocSource && len(m.srcs) == 1 {
		out, err := m.eval([]value.Value{v})
		if err != nil {
			g.drop(kindUpdate, "expr", err)
			return
		}
		g.route(src.dev, m.dst, &message{kind: kindUpdate, id: m.dst.id, inst: inst, time: t, val: out, from: src.id})
		return
	}
	g.route(src.dev, m.dst, &message{kind: kindUpdate, id: m.dst.id, inst: inst, time: t, val: v, mapID: m.id, index: idx, from: src.id})
}

// receive evaluates once every source of the destination instance has
// a value.
func (m *Map) receive(msg *message) (string, error) {
	if !m.flowing() {
		return "inactive", nil
	}
	if msg.index < 0 || msg.index >= len(m.srcs) {
		return "malformed", ErrMalformed
	}
	inst := msg.inst
	if !m.useInst {
		inst = 0
	}
	hist := m.history[inst]
	if hist == nil {
		hist = make([]value.Value, len(m.srcs))
		m.history[inst] = hist
	}
	hist[msg.index] = msg.val
	for _, v := range hist {
		if v.IsNil() {
			return "", nil
		}
	}
	out, err := m.eval(hist)
	if err != nil {
		return "expr", err
	}
	m.markActive()
	return m.dst.deliver(inst, out, msg.time)
}

// withdraw is called when a local endpoint goes away.
func (m *Map) withdraw() {
	switch {
	case m.id == 0:
	case m.local:
		if m.state >= MapReady && m.state <= MapMuted {
			m.graph.send(&message{kind: kindRemove, id: m.id})
		}
	case m.state >= MapNegotiating && m.state <= MapMuted:
		m.request(actionRelease)
	}
}

// Release removes the map. The owner removes it everywhere; anyone else
// asks the owner and keeps the map released until the owner confirms or
// the release timeout passes.
func (m *Map) Release() error {
	g := m.graph
	return g.do(func() error {
		if m.freed || m.state >= MapReleased {
			return ErrMapReleased
		}
		switch {
		case m.id == 0:
			g.dropUnresolved(m)
			m.freed = true
			m.state = MapReleased
		case m.local:
			if m.state >= MapReady {
				g.send(&message{kind: kindRemove, id: m.id})
			}
			g.removeMap(m, EventRemoved)
		case m.state == MapStaged:
			g.removeMap(m, EventRemoved)
		default:
			m.state = MapReleased
			m.releasedAt = g.clock.Now()
			m.request(actionRelease)
			g.emit(m, EventModified)
		}
		return nil
	})
}

func (g *Graph) removeMap(m *Map, ev Event) {
	m.detach()
	g.dropUnresolved(m)
	if ev == EventExpired {
		m.state = MapExpired
	} else {
		m.state = MapReleased
	}
	m.history = nil
	g.delete(m, ev)
	m.freed = true
}

// Sources returns the source signals, nil while unresolved.
func (m *Map) Sources() []*Signal {
	m.graph.mu.Lock()
	defer m.graph.mu.Unlock()
	return slices.Clone(m.srcs)
}

func (m *Map) Destination() *Signal {
	m.graph.mu.Lock()
	defer m.graph.mu.Unlock()
	return m.dst
}

// SignalIndex is the position of sig among the sources, or -1.
func (m *Map) SignalIndex(sig *Signal) int {
	m.graph.mu.Lock()
	defer m.graph.mu.Unlock()
	return m.sourceIndex(sig)
}

func (m *Map) State() MapState {
	m.graph.mu.Lock()
	defer m.graph.mu.Unlock()
	return m.state
}

// Ready reports whether the map is established, muted or not.
func (m *Map) Ready() bool {
	s := m.State()
	return s >= MapReady && s <= MapMuted
}

func (m *Map) staged(p props.Prop) (value.Value, bool) {
	m.graph.mu.Lock()
	defer m.graph.mu.Unlock()
	return m.table.Get(props.ByProp(p))
}

func (m *Map) Expr() string {
	if v, ok := m.staged(props.Expr); ok {
		s, _ := v.AsString()
		return s
	}
	return expr.DefaultExpr
}

func (m *Map) SetExpr(e string) error {
	return m.Set(props.ByProp(props.Expr), value.Str(e), true)
}

func (m *Map) Muted() bool {
	v, ok := m.staged(props.Muted)
	b, _ := v.AsBool()
	return ok && b
}

func (m *Map) SetMuted(muted bool) error {
	return m.Set(props.ByProp(props.Muted), value.Bools(muted), true)
}

func (m *Map) UseInstances() bool {
	v, ok := m.staged(props.UseInst)
	b, _ := v.AsBool()
	return ok && b
}

func (m *Map) ProcessLocation() Location {
	v, ok := m.staged(props.ProcessLoc)
	if !ok {
		return LocUndefined
	}
	l, _ := v.AsInt64()
	return Location(l)
}

func (m *Map) SetProcessLocation(l Location) error {
	if l != LocSource && l != LocDestination {
		return props.ErrTypeMismatch
	}
	return m.Set(props.ByProp(props.ProcessLoc), value.Int32s(int32(l)), true)
}

// Scope returns the staged ids of devices whose instances may use the map.
func (m *Map) Scope() []uint64 {
	v, _ := m.staged(props.Scope)
	return slices.Clone(v.Refs())
}

func (m *Map) AddScope(dev *Device) error {
	return m.editScope(func(ids []uint64) []uint64 {
		if slices.Contains(ids, dev.id) {
			return ids
		}
		return append(ids, dev.id)
	})
}

func (m *Map) RemoveScope(dev *Device) error {
	return m.editScope(func(ids []uint64) []uint64 {
		return slices.DeleteFunc(ids, func(id uint64) bool { return id == dev.id })
	})
}

func (m *Map) editScope(fn func([]uint64) []uint64) error {
	m.graph.mu.Lock()
	defer m.graph.mu.Unlock()
	if m.freed {
		return ErrFreed
	}
	k := props.ByProp(props.Scope)
	cur, _ := m.table.Get(k)
	ids := fn(slices.Clone(cur.Refs()))
	if len(ids) == 0 {
		return m.table.Remove(k)
	}
	return m.table.Set(k, value.Refs(value.Device, ids...), true)
}
