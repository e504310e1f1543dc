package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAvgVal(t *testing.T) {
	a := NewAvgVal(0.5)
	assert.Zero(t, a.Val())
	a.Add(10)
	assert.Equal(t, 10.0, a.Val())
	a.Add(20)
	assert.Equal(t, 15.0, a.Val())
	a.Add(15)
	assert.Equal(t, 15.0, a.Val())

	d := NewAvgVal(0)
	d.Add(100)
	d.Add(0)
	assert.InDelta(t, 80.0, d.Val(), 1e-9)
}
