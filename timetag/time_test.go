package timetag

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAddCarries(t *testing.T) {
	a := Time{Sec: 1, Frac: 0xC0000000}
	b := Time{Sec: 2, Frac: 0x80000000}
	sum := a.Add(b)
	assert.Equal(t, uint32(4), sum.Sec)
	assert.Equal(t, uint32(0x40000000), sum.Frac)
	assert.InDelta(t, 4.25, sum.Float(), 1e-9)
}

func TestSubClampsAtZero(t *testing.T) {
	a := Time{Sec: 5, Frac: 0}
	b := Time{Sec: 3, Frac: 0x80000000}
	assert.InDelta(t, 1.5, a.Sub(b).Float(), 1e-9)
	assert.True(t, b.Sub(a).IsZero())
	assert.True(t, a.Sub(a).IsZero())
}

func TestFloatConversions(t *testing.T) {
	for _, f := range []float64{0, 0.5, 1.25, 12345.000976, 3.9e9} {
		assert.InDelta(t, f, FromFloat(f).Float(), 1e-6)
	}
	assert.True(t, FromFloat(-3).IsZero())

	base := FromFloat(10)
	assert.InDelta(t, 7.5, base.AddFloat(-2.5).Float(), 1e-9)
	assert.True(t, base.AddFloat(-20).IsZero())
	assert.InDelta(t, 25.0, base.Mul(2.5).Float(), 1e-9)
}

func TestCompare(t *testing.T) {
	a := Time{Sec: 1, Frac: 10}
	b := Time{Sec: 1, Frac: 11}
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(a))
	assert.True(t, a.Before(b))
	assert.True(t, b.After(a))
	assert.True(t, Immediate.Before(a))
	assert.Equal(t, a, FromUint64(a.Uint64()))
}

func TestWallClockRoundTrip(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 250_000_000, time.UTC)
	tt := FromTime(now)
	assert.WithinDuration(t, now, tt.Time(), time.Microsecond)
	assert.Equal(t, 1500*time.Millisecond, FromFloat(1.5).Duration())
}

func TestClocks(t *testing.T) {
	sc := NewSystemClock()
	a := sc.Now()
	time.Sleep(2 * time.Millisecond)
	b := sc.Now()
	assert.True(t, b.After(a))

	mc := NewManualClock(FromFloat(100))
	mc.Advance(250 * time.Millisecond)
	assert.InDelta(t, 100.25, mc.Now().Float(), 1e-6)
	mc.Set(FromFloat(50))
	assert.InDelta(t, 100.25, mc.Now().Float(), 1e-6)
}
