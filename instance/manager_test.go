package instance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libmapper/libmapper/timetag"
	"github.com/libmapper/libmapper/value"
)

type recorded struct {
	ev Event
	id uint64
}

func recorder(m *Manager) *[]recorded {
	var evs []recorded
	m.SetHandler(func(ev Event, inst Instance) {
		evs = append(evs, recorded{ev, inst.ID})
	}, AllEvents)
	return &evs
}

func tt(sec float64) timetag.Time { return timetag.FromFloat(sec) }

func TestReserveStopsAtMax(t *testing.T) {
	m := NewManager(Config{Max: 3})
	assert.Equal(t, 3, m.Reserve(5))
	assert.Equal(t, 3, m.Count(Reserved))
	assert.Equal(t, []uint64{0, 1, 2}, m.IDs(Reserved))
	assert.Equal(t, 0, m.Reserve(1))
}

func TestReserveExplicitIDsThenFresh(t *testing.T) {
	m := NewManager(Config{Max: 8})
	assert.Equal(t, 2, m.Reserve(0, 10, 4))
	assert.Equal(t, 0, m.Reserve(0, 10))
	assert.Equal(t, 2, m.Reserve(2))
	assert.Equal(t, []uint64{4, 10, 11, 12}, m.IDs(Reserved))
}

func TestUpdatePromotesReserved(t *testing.T) {
	m := NewManager(Config{Max: 2})
	evs := recorder(m)
	m.Reserve(2)
	require.NoError(t, m.Update(1, value.Float32s(3), tt(1)))

	v, at, ok := m.Value(1)
	assert.True(t, ok)
	assert.True(t, value.Equal(value.Float32s(3), v))
	assert.Equal(t, tt(1), at)
	assert.Equal(t, 1, m.Count(Active))
	assert.Equal(t, []recorded{{Update, 1}}, *evs)
}

func TestEphemeralSynthesizesNew(t *testing.T) {
	m := NewManager(Config{Max: 4, Ephemeral: true})
	evs := recorder(m)
	require.NoError(t, m.Update(42, value.Int(1), tt(1)))
	require.NoError(t, m.Update(42, value.Int(2), tt(2)))
	assert.Equal(t, []recorded{{InstNew, 42}, {Update, 42}, {Update, 42}}, *evs)
}

func TestOlderUpdateIsDropped(t *testing.T) {
	m := NewManager(Config{Max: 1})
	require.NoError(t, m.Update(0, value.Int(1), tt(5)))
	assert.ErrorIs(t, m.Update(0, value.Int(2), tt(4)), ErrStale)
	v, at, _ := m.Value(0)
	assert.True(t, value.Equal(value.Int(1), v))
	assert.Equal(t, tt(5), at)
	require.NoError(t, m.Update(0, value.Int(3), tt(5)))
}

func TestOverflowNoneDrops(t *testing.T) {
	m := NewManager(Config{Max: 2, Ephemeral: true})
	require.NoError(t, m.Update(1, value.Int(1), tt(1)))
	require.NoError(t, m.Update(2, value.Int(1), tt(2)))
	evs := recorder(m)
	assert.ErrorIs(t, m.Update(3, value.Int(1), tt(3)), ErrOverflow)
	assert.Equal(t, []recorded{{Overflow, 3}}, *evs)
	assert.Equal(t, []uint64{1, 2}, m.IDs(Live))
}

func TestStealOldest(t *testing.T) {
	m := NewManager(Config{Max: 3, Stealing: StealOldest})
	require.NoError(t, m.Update(5, value.Int(1), tt(2)))
	require.NoError(t, m.Update(6, value.Int(1), tt(1)))
	require.NoError(t, m.Update(7, value.Int(1), tt(3)))
	evs := recorder(m)

	require.NoError(t, m.Update(8, value.Int(1), tt(4)))
	assert.Equal(t, []recorded{{Overflow, 6}, {Update, 8}}, *evs)
	assert.Equal(t, []uint64{5, 7, 8}, m.IDs(Live))
	assert.Equal(t, []uint64{6}, m.IDs(Released))
}

func TestStealOldestTieBreaksLowestID(t *testing.T) {
	m := NewManager(Config{Max: 3, Stealing: StealOldest})
	require.NoError(t, m.Update(9, value.Int(1), tt(1)))
	require.NoError(t, m.Update(3, value.Int(1), tt(1)))
	require.NoError(t, m.Update(4, value.Int(1), tt(1)))

	require.NoError(t, m.Update(10, value.Int(1), tt(2)))
	assert.Equal(t, []uint64{4, 9, 10}, m.IDs(Live))
}

func TestStealNewest(t *testing.T) {
	m := NewManager(Config{Max: 2, Stealing: StealNewest})
	require.NoError(t, m.Update(1, value.Int(1), tt(1)))
	require.NoError(t, m.Update(2, value.Int(1), tt(2)))
	require.NoError(t, m.Update(3, value.Int(1), tt(3)))
	assert.Equal(t, []uint64{1, 3}, m.IDs(Live))

	id, ok := m.Newest()
	assert.True(t, ok)
	assert.Equal(t, uint64(3), id)
	id, _ = m.Oldest()
	assert.Equal(t, uint64(1), id)
}

func TestUnseenIDUsesReservedSlot(t *testing.T) {
	m := NewManager(Config{Max: 2})
	m.Reserve(2)
	require.NoError(t, m.Update(100, value.Int(1), tt(1)))
	assert.Equal(t, []uint64{1, 100}, m.IDs(Live))
	assert.Equal(t, []uint64{1}, m.IDs(Reserved))
}

func TestReleaseAndReclaim(t *testing.T) {
	m := NewManager(Config{Max: 2, Ephemeral: true})
	require.NoError(t, m.Update(7, value.Int(1), tt(1)))
	assert.True(t, m.Release(7, tt(2)))
	assert.False(t, m.IsActive(7))
	assert.Equal(t, 1, m.Count(Released))
	assert.False(t, m.Release(7, tt(2)))

	assert.True(t, m.Reclaim(7))
	_, ok := m.Get(7)
	assert.False(t, ok)
	assert.False(t, m.Reclaim(7))
}

func TestReleasedSlotIsReusable(t *testing.T) {
	m := NewManager(Config{Max: 1, Ephemeral: true})
	require.NoError(t, m.Update(1, value.Int(1), tt(1)))
	m.Release(1, tt(2))
	require.NoError(t, m.Update(2, value.Int(1), tt(3)))
	assert.Equal(t, []uint64{2}, m.IDs(Live))
}

func TestSweepExpiresReleased(t *testing.T) {
	m := NewManager(Config{Max: 4, Ephemeral: true})
	require.NoError(t, m.Update(1, value.Int(1), tt(1)))
	require.NoError(t, m.Update(2, value.Int(1), tt(1)))
	m.Release(1, tt(10))
	m.Release(2, tt(12))

	assert.Empty(t, m.Sweep(tt(11), 2*time.Second))
	assert.Equal(t, []uint64{1}, m.Sweep(tt(12), 2*time.Second))
	assert.Equal(t, []uint64{2}, m.Sweep(tt(20), 2*time.Second))
	assert.Equal(t, 0, m.Count(Any))
}

func TestReleaseReservedReturnsSlot(t *testing.T) {
	m := NewManager(Config{Max: 1})
	m.Reserve(1)
	assert.False(t, m.Release(0, tt(1)))
	assert.Equal(t, 0, m.Count(Any))
	assert.Equal(t, 1, m.Reserve(1))
	assert.Equal(t, []uint64{1}, m.IDs(Reserved))
}

func TestActivateAndData(t *testing.T) {
	m := NewManager(Config{Max: 2, Ephemeral: true})
	evs := recorder(m)
	require.NoError(t, m.Activate(3, tt(1)))
	assert.True(t, m.IsActive(3))
	_, _, ok := m.Value(3)
	assert.False(t, ok)
	assert.Equal(t, []recorded{{InstNew, 3}}, *evs)

	assert.True(t, m.SetData(3, "payload"))
	assert.Equal(t, "payload", m.Data(3))
	assert.False(t, m.SetData(99, "x"))

	id, ok := m.At(0, Staged)
	assert.True(t, ok)
	assert.Equal(t, uint64(3), id)
	assert.True(t, m.Remove(3))
	assert.Nil(t, m.Data(3))
}

func TestParseStealing(t *testing.T) {
	for _, s := range []Stealing{StealNone, StealOldest, StealNewest} {
		got, ok := ParseStealing(s.String())
		assert.True(t, ok)
		assert.Equal(t, s, got)
	}
	_, ok := ParseStealing("random")
	assert.False(t, ok)
}
