package libmapper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libmapper/libmapper/props"
	"github.com/libmapper/libmapper/value"
)

type mapRig struct {
	n      *testNet
	ga, gb *Graph
	a, b   *Device
	out    *Signal
	in     *Signal
}

// newMapRig puts device A with outgoing "out" and device B with incoming
// "in" on two graphs, both ready.
func newMapRig(t *testing.T, typ value.Type) *mapRig {
	r := &mapRig{n: newTestNet()}
	r.ga, r.gb = r.n.graph(t), r.n.graph(t)
	var err error
	r.a, err = NewDevice("A", r.ga)
	require.NoError(t, err)
	r.b, err = NewDevice("B", r.gb)
	require.NoError(t, err)
	r.out, err = r.a.AddSignal(DirOutgoing, "out", 1, typ)
	require.NoError(t, err)
	r.in, err = r.b.AddSignal(DirIncoming, "in", 1, typ)
	require.NoError(t, err)
	r.n.ready(t, r.ga, r.gb)
	return r
}

func (r *mapRig) settle(t *testing.T) {
	r.n.settle(t, r.ga, r.gb)
}

func TestMapCarriesExpressionAcrossGraphs(t *testing.T) {
	r := newMapRig(t, value.Float32)

	remoteIn, ok := r.ga.SignalByPath("B.1/in")
	require.True(t, ok)
	m, err := r.ga.NewMap([]*Signal{r.out}, remoteIn)
	require.NoError(t, err)
	require.NoError(t, m.SetExpr("y=x+1"))
	assert.Equal(t, MapStaged, m.State())
	require.NoError(t, m.Push())
	assert.Equal(t, MapNegotiating, m.State())
	r.settle(t)

	require.True(t, m.Ready())
	assert.False(t, m.IsLocal())
	owned, ok := r.gb.Object(m.ID())
	require.True(t, ok)
	assert.True(t, owned.IsLocal())
	assert.Equal(t, "y=x+1", owned.(*Map).Expr())

	require.NoError(t, r.out.SetValue(0, value.Float32s(5)))
	stamp := r.n.clock.Now()
	r.settle(t)

	v, tt, ok := r.in.Value(0)
	require.True(t, ok)
	assert.True(t, value.Equal(value.Float32s(6), v))
	assert.Equal(t, stamp, tt)
	assert.Equal(t, MapActive, m.State())
}

func TestMapFromFormatString(t *testing.T) {
	r := newMapRig(t, value.Float32)
	remoteIn, ok := r.ga.SignalByPath("B.1/in")
	require.True(t, ok)

	m, err := r.ga.NewMapFromString("%y=(%x+100)*2", remoteIn, r.out)
	require.NoError(t, err)
	assert.Equal(t, "y=(x+100)*2", m.Expr())
	require.NoError(t, m.Push())
	r.settle(t)
	require.True(t, m.Ready())

	require.NoError(t, r.out.SetValue(0, value.Float32s(5)))
	r.settle(t)
	v, _, ok := r.in.Value(0)
	require.True(t, ok)
	assert.True(t, value.Equal(value.Float32s(210), v))

	_, err = r.ga.NewMapFromString("%y=%x", remoteIn)
	assert.ErrorIs(t, err, ErrMapTokens)
	_, err = r.ga.NewMapFromString("%y=%x", remoteIn, r.out, r.out)
	assert.ErrorIs(t, err, ErrMapTokens)
	_, err = r.ga.NewMapFromString("%y=%y", remoteIn, remoteIn)
	assert.ErrorIs(t, err, ErrMapTokens)
	_, err = r.ga.NewMapFromString("y=1")
	assert.ErrorIs(t, err, ErrNoEndpoints)
}

func TestMapFromFormatStringNumbersSources(t *testing.T) {
	n := newTestNet()
	g := n.graph(t)
	d, err := NewDevice("fmt", g)
	require.NoError(t, err)
	a, err := d.AddSignal(DirOutgoing, "a", 1, value.Int32)
	require.NoError(t, err)
	b, err := d.AddSignal(DirOutgoing, "b", 1, value.Int32)
	require.NoError(t, err)
	sum, err := d.AddSignal(DirIncoming, "sum", 1, value.Int32)
	require.NoError(t, err)

	m, err := g.NewMapFromString("%y=%x-%x*2", sum, a, b)
	require.NoError(t, err)
	assert.Equal(t, "y=x0-x1*2", m.Expr())
	assert.Equal(t, 1, m.SignalIndex(b))
}

func TestMapOwnedByDestinationGraph(t *testing.T) {
	r := newMapRig(t, value.Int32)
	var log eventLog
	r.ga.AddCallback(TypeMap, log.handler)

	remoteOut, ok := r.gb.SignalByPath("A.1/out")
	require.True(t, ok)
	m, err := r.gb.NewMap([]*Signal{remoteOut}, r.in)
	require.NoError(t, err)
	assert.True(t, m.IsLocal())
	require.NoError(t, m.SetExpr("y=x*10"))
	require.NoError(t, m.Push())
	r.settle(t)
	require.True(t, m.Ready())

	mirror, ok := r.ga.Object(m.ID())
	require.True(t, ok)
	assert.Equal(t, []Event{EventNew}, log.of(m.ID()))
	assert.Equal(t, 1, r.out.Maps(DirOutgoing).Len())
	assert.Equal(t, "y=x*10", mirror.(*Map).Expr())

	require.NoError(t, r.out.SetValue(0, value.Int32s(4)))
	r.settle(t)
	v, _, ok := r.in.Value(0)
	require.True(t, ok)
	assert.True(t, value.Equal(value.Int32s(40), v))
}

func TestMapModifiedByNonOwner(t *testing.T) {
	r := newMapRig(t, value.Float64)
	remoteIn, _ := r.ga.SignalByPath("B.1/in")
	m, err := r.ga.NewMap([]*Signal{r.out}, remoteIn)
	require.NoError(t, err)
	require.NoError(t, m.Push())
	r.settle(t)
	require.True(t, m.Ready())

	require.NoError(t, m.SetExpr("y=x-1"))
	require.NoError(t, m.Push())
	r.settle(t)
	owned, _ := r.gb.Object(m.ID())
	assert.Equal(t, "y=x-1", owned.(*Map).Expr())

	require.NoError(t, r.out.SetValue(0, value.Float(2.5)))
	r.settle(t)
	v, _, ok := r.in.Value(0)
	require.True(t, ok)
	assert.True(t, value.Equal(value.Float64s(1.5), v))
}

func TestMutedMapStopsFlow(t *testing.T) {
	r := newMapRig(t, value.Int32)
	remoteIn, _ := r.ga.SignalByPath("B.1/in")
	m, err := r.ga.NewMap([]*Signal{r.out}, remoteIn)
	require.NoError(t, err)
	require.NoError(t, m.Push())
	r.settle(t)

	require.NoError(t, m.SetMuted(true))
	require.NoError(t, m.Push())
	r.settle(t)
	assert.Equal(t, MapMuted, m.State())
	assert.True(t, m.Ready())

	require.NoError(t, r.out.SetValue(0, value.Int32s(1)))
	r.settle(t)
	_, _, ok := r.in.Value(0)
	assert.False(t, ok)

	require.NoError(t, m.SetMuted(false))
	require.NoError(t, m.Push())
	r.settle(t)
	require.NoError(t, r.out.SetValue(0, value.Int32s(2)))
	r.settle(t)
	v, _, ok := r.in.Value(0)
	require.True(t, ok)
	assert.True(t, value.Equal(value.Int32s(2), v))
}

func TestMapReleaseByNonOwner(t *testing.T) {
	r := newMapRig(t, value.Float32)
	var log eventLog
	r.gb.AddCallback(TypeMap, log.handler)
	remoteIn, _ := r.ga.SignalByPath("B.1/in")
	m, err := r.ga.NewMap([]*Signal{r.out}, remoteIn)
	require.NoError(t, err)
	require.NoError(t, m.Push())
	r.settle(t)
	id := m.ID()

	require.NoError(t, m.Release())
	assert.Equal(t, MapReleased, m.State())
	assert.ErrorIs(t, m.Release(), ErrMapReleased)
	assert.ErrorIs(t, m.Push(), ErrMapReleased)
	r.settle(t)

	assert.Equal(t, 0, r.ga.Maps().Len())
	assert.Equal(t, 0, r.gb.Maps().Len())
	assert.Equal(t, 0, r.in.Maps(DirIncoming).Len())
	assert.Equal(t, 0, r.out.Maps(DirOutgoing).Len())
	assert.Equal(t, []Event{EventNew, EventModified, EventRemoved}, log.of(id))

	require.NoError(t, r.out.SetValue(0, value.Float32s(1)))
	r.settle(t)
	_, _, ok := r.in.Value(0)
	assert.False(t, ok)
}

func TestReleasedMapExpiresWithoutOwner(t *testing.T) {
	r := newMapRig(t, value.Float32)
	remoteIn, _ := r.ga.SignalByPath("B.1/in")
	m, err := r.ga.NewMap([]*Signal{r.out}, remoteIn)
	require.NoError(t, err)
	require.NoError(t, m.Push())
	r.settle(t)

	require.NoError(t, m.Release())
	r.n.settle(t, r.ga)
	assert.Equal(t, 1, r.ga.Maps().Len())

	r.n.clock.Advance(6 * time.Second)
	r.n.settle(t, r.ga)
	assert.Equal(t, 0, r.ga.Maps().Len())
	assert.Equal(t, MapExpired, m.State())
}

func TestFreeingEndpointRemovesMap(t *testing.T) {
	r := newMapRig(t, value.Float32)
	remoteIn, _ := r.ga.SignalByPath("B.1/in")
	m, err := r.ga.NewMap([]*Signal{r.out}, remoteIn)
	require.NoError(t, err)
	require.NoError(t, m.Push())
	r.settle(t)
	require.Equal(t, 1, r.gb.Maps().Len())

	require.NoError(t, r.a.Free())
	r.settle(t)
	assert.Equal(t, 0, r.ga.Maps().Len())
	assert.Equal(t, 0, r.gb.Maps().Len())
	assert.Equal(t, 0, r.in.Maps(DirAny).Len())
}

func TestMapFromNamesWaitsForEndpoints(t *testing.T) {
	n := newTestNet()
	ga := n.graph(t)
	a, err := NewDevice("A", ga)
	require.NoError(t, err)
	_, err = a.AddSignal(DirOutgoing, "out", 1, value.Float32)
	require.NoError(t, err)
	n.ready(t, ga)

	m, err := ga.NewMapFromNames("y=x*2", "B.1/in", "A.1/out")
	require.NoError(t, err)
	require.NoError(t, m.Push())
	for i := 0; i < 3; i++ {
		n.clock.Advance(time.Second)
		n.settle(t, ga)
	}
	assert.Equal(t, MapStaged, m.State())
	assert.Nil(t, m.Destination())
	assert.Equal(t, 0, ga.Maps().Len())

	gb := n.graph(t)
	b, err := NewDevice("B", gb)
	require.NoError(t, err)
	in, err := b.AddSignal(DirIncoming, "in", 1, value.Float32)
	require.NoError(t, err)
	n.ready(t, ga, gb)
	// gb learns about A from its next heartbeat
	n.clock.Advance(2 * time.Second)
	n.settle(t, ga, gb)

	require.True(t, m.Ready())
	assert.Equal(t, "y=x*2", m.Expr())
	require.NoError(t, a.signals[0].SetValue(0, value.Float32s(4)))
	n.settle(t, ga, gb)
	v, _, ok := in.Value(0)
	require.True(t, ok)
	assert.True(t, value.Equal(value.Float32s(8), v))
}

func TestNewMapValidation(t *testing.T) {
	n := newTestNet()
	g := n.graph(t)
	d, err := NewDevice("v", g)
	require.NoError(t, err)
	out, err := d.AddSignal(DirOutgoing, "out", 1, value.Float32)
	require.NoError(t, err)
	in, err := d.AddSignal(DirIncoming, "in", 1, value.Float32)
	require.NoError(t, err)

	_, err = g.NewMap(nil, in)
	assert.ErrorIs(t, err, ErrNoEndpoints)
	_, err = g.NewMap([]*Signal{in}, in)
	assert.ErrorIs(t, err, ErrMapLoop)
	_, err = g.NewMap([]*Signal{out}, out)
	assert.ErrorIs(t, err, ErrBadDirection)
	srcs := make([]*Signal, maxSources+1)
	for i := range srcs {
		srcs[i] = out
	}
	_, err = g.NewMap(srcs, in)
	assert.ErrorIs(t, err, ErrTooManySource)
	_, err = g.NewMapFromNames("", "v.1/in", "v.1/in")
	assert.ErrorIs(t, err, ErrMapLoop)
	_, err = g.NewMapFromNames("", "nodevice", "v.1/out")
	assert.ErrorIs(t, err, ErrBadName)

	in2, err := d.AddSignal(DirIncoming, "in2", 1, value.Float32)
	require.NoError(t, err)
	_, err = g.NewMap([]*Signal{in}, in2)
	assert.ErrorIs(t, err, ErrBadDirection)

	other := n.graph(t)
	_, err = other.NewMap([]*Signal{out}, in)
	assert.ErrorIs(t, err, ErrUnknownSignal)
}

func TestAnnouncedMapMustRunOutToIn(t *testing.T) {
	n := newTestNet()
	g := n.graph(t)
	d, err := NewDevice("dir", g)
	require.NoError(t, err)
	in, err := d.AddSignal(DirIncoming, "in", 1, value.Float32)
	require.NoError(t, err)
	in2, err := d.AddSignal(DirIncoming, "in2", 1, value.Float32)
	require.NoError(t, err)

	srcs := []uint64{in.ID()}
	msg := &message{kind: kindMap, id: mapID(srcs, in2.ID()), srcs: srcs, dst: in2.ID()}
	var reason string
	require.NoError(t, g.do(func() error {
		reason, err = g.applyMap(msg, nil, false)
		return nil
	}))
	assert.Equal(t, "malformed", reason)
	assert.ErrorIs(t, err, ErrBadDirection)
	assert.Equal(t, 0, g.Maps().Len())
}

func TestLocalMapWithTwoSources(t *testing.T) {
	n := newTestNet()
	g := n.graph(t)
	d, err := NewDevice("mix", g)
	require.NoError(t, err)
	x0, err := d.AddSignal(DirOutgoing, "a", 1, value.Int32)
	require.NoError(t, err)
	x1, err := d.AddSignal(DirOutgoing, "b", 1, value.Int32)
	require.NoError(t, err)
	sum, err := d.AddSignal(DirIncoming, "sum", 1, value.Int32)
	require.NoError(t, err)

	m, err := g.NewMap([]*Signal{x0, x1}, sum)
	require.NoError(t, err)
	require.NoError(t, m.SetExpr("y=x0+x1"))
	require.NoError(t, m.Push())
	assert.Equal(t, MapStaged, m.State())
	n.ready(t, g)

	require.True(t, m.Ready())
	assert.Equal(t, LocDestination, m.ProcessLocation())
	assert.Equal(t, 1, m.SignalIndex(x1))
	assert.Equal(t, -1, m.SignalIndex(sum))
	same, err := g.NewMap([]*Signal{x1, x0}, sum)
	require.NoError(t, err)
	assert.Same(t, m, same)

	require.NoError(t, x0.SetValue(0, value.Int32s(3)))
	n.settle(t, g)
	_, _, ok := sum.Value(0)
	assert.False(t, ok)

	require.NoError(t, x1.SetValue(0, value.Int32s(4)))
	n.settle(t, g)
	v, _, ok := sum.Value(0)
	require.True(t, ok)
	assert.True(t, value.Equal(value.Int32s(7), v))
}

func TestMapScope(t *testing.T) {
	n := newTestNet()
	g := n.graph(t)
	src, err := NewDevice("src", g)
	require.NoError(t, err)
	dst, err := NewDevice("dst", g)
	require.NoError(t, err)
	out, err := src.AddSignal(DirOutgoing, "x", 1, value.Float32, &SignalInstancesOpt{Num: 2})
	require.NoError(t, err)
	in, err := dst.AddSignal(DirIncoming, "x", 1, value.Float32, &SignalInstancesOpt{Num: 2})
	require.NoError(t, err)
	n.ready(t, g)

	m, err := g.NewMap([]*Signal{out}, in)
	require.NoError(t, err)
	assert.Equal(t, []uint64{src.ID()}, m.Scope())
	require.NoError(t, m.RemoveScope(src))
	require.NoError(t, m.AddScope(dst))
	assert.Equal(t, []uint64{dst.ID()}, m.Scope())
	require.NoError(t, m.Push())

	require.NoError(t, out.SetValue(1, value.Float32s(1)))
	n.settle(t, g)
	_, _, ok := in.Value(1)
	assert.False(t, ok)

	require.NoError(t, m.AddScope(src))
	require.NoError(t, m.Push())
	require.NoError(t, out.SetValue(1, value.Float32s(2)))
	n.settle(t, g)
	v, _, ok := in.Value(1)
	require.True(t, ok)
	assert.True(t, value.Equal(value.Float32s(2), v))

	scope, ok := m.Get(props.ByProp(props.Scope))
	require.True(t, ok)
	assert.ElementsMatch(t, []uint64{src.ID(), dst.ID()}, scope.Refs())
}
