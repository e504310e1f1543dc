package utils

import "sync"

// AvgVal is an exponentially weighted moving average. The first sample
// seeds it; each later one moves it by alpha of the difference.
type AvgVal struct {
	mu     sync.Mutex
	alpha  float64
	v      float64
	seeded bool
}

func NewAvgVal(alpha float64) *AvgVal {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	return &AvgVal{alpha: alpha}
}

func (a *AvgVal) Add(val float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.seeded {
		a.v, a.seeded = val, true
		return
	}
	a.v += a.alpha * (val - a.v)
}

// Val is zero until the first sample.
func (a *AvgVal) Val() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}
