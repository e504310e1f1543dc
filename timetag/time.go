// Package timetag implements NTP-style 32.32 fixed-point timestamps used to
// order signal updates and graph events.
package timetag

import (
	"fmt"
	"math"
	"time"
)

// Time is seconds since the NTP epoch (1900-01-01) plus a binary fraction
// of a second.
type Time struct {
	Sec  uint32
	Frac uint32
}

const (
	fracScale = 1 << 32
	// seconds between 1900-01-01 and 1970-01-01
	unixOffset = 2208988800
)

// Immediate is the "as soon as possible" timetag; it sorts before any real time.
var Immediate = Time{Sec: 0, Frac: 1}

func FromUint64(u uint64) Time {
	return Time{Sec: uint32(u >> 32), Frac: uint32(u)}
}

func (t Time) Uint64() uint64 {
	return uint64(t.Sec)<<32 | uint64(t.Frac)
}

// FromFloat converts seconds to a Time; negative input yields the zero Time.
func FromFloat(sec float64) Time {
	if !(sec > 0) {
		return Time{}
	}
	if sec >= math.MaxUint32+1 {
		return Time{Sec: math.MaxUint32, Frac: math.MaxUint32}
	}
	whole := math.Floor(sec)
	return Time{Sec: uint32(whole), Frac: uint32((sec - whole) * fracScale)}
}

// FromTime converts a wall-clock time into NTP representation.
func FromTime(tm time.Time) Time {
	ns := tm.UnixNano()
	sec := ns/1e9 + unixOffset
	rem := ns % 1e9
	if rem < 0 {
		rem += 1e9
		sec--
	}
	if sec < 0 {
		return Time{}
	}
	return Time{Sec: uint32(sec), Frac: uint32((uint64(rem) << 32) / 1e9)}
}

// Time converts back to wall-clock time.
func (t Time) Time() time.Time {
	ns := (uint64(t.Frac) * 1e9) >> 32
	return time.Unix(int64(t.Sec)-unixOffset, int64(ns))
}

func (t Time) Float() float64 {
	return float64(t.Sec) + float64(t.Frac)/fracScale
}

func (t Time) IsZero() bool {
	return t.Sec == 0 && t.Frac == 0
}

// Add sums two timetags; fraction overflow carries into seconds.
func (t Time) Add(o Time) Time {
	return FromUint64(t.Uint64() + o.Uint64())
}

// Sub returns t-o, clamped to zero when o is later than t.
func (t Time) Sub(o Time) Time {
	a, b := t.Uint64(), o.Uint64()
	if b >= a {
		return Time{}
	}
	return FromUint64(a - b)
}

// AddFloat shifts t by sec seconds, which may be negative.
func (t Time) AddFloat(sec float64) Time {
	if sec >= 0 {
		return t.Add(FromFloat(sec))
	}
	return t.Sub(FromFloat(-sec))
}

func (t Time) AddDuration(d time.Duration) Time {
	return t.AddFloat(d.Seconds())
}

// Mul scales t by m.
func (t Time) Mul(m float64) Time {
	return FromFloat(t.Float() * m)
}

// Compare returns -1, 0 or +1.
func (t Time) Compare(o Time) int {
	a, b := t.Uint64(), o.Uint64()
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (t Time) Before(o Time) bool { return t.Uint64() < o.Uint64() }
func (t Time) After(o Time) bool { return t.Uint64() > o.Uint64() }

// Duration interprets t as an interval.
func (t Time) Duration() time.Duration {
	return time.Duration(t.Sec)*time.Second + time.Duration((uint64(t.Frac)*1e9)>>32)
}

func (t Time) String() string {
	return fmt.Sprintf("%d.%08x", t.Sec, t.Frac)
}
