package control

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewSwitched(t *testing.T) {
	assert := assert.New(t)

	c, err := NewSwitched(1.0/12500.0, 6)
	assert.NoError(err)
	assert.NotNil(c)
	assert.Equal(1.0/12500.0, c.Period())
	assert.Equal(6, c.Channels())

	c, err = NewSwitched(0, 6)
	assert.Nil(c)
	assert.Error(err)

	c, err = NewSwitched(1.0, 0)
	assert.Nil(c)
	assert.Error(err)
}

func TestSwitchedImpulseResponse(t *testing.T) {
	assert := assert.New(t)

	c, err := NewSwitched(1.0, 3)
	assert.NoError(err)

	d := c.ImpulseResponse(1, 0.5)
	assert.Equal(3, d.Len())
	assert.Equal(0.0, d.AtVec(0))
	assert.Equal(1.0, d.AtVec(1))
	assert.Equal(0.0, d.AtVec(2))

	// outside the period the response is zero
	assert.Equal(0.0, c.ImpulseResponse(1, 1.5).AtVec(1))
	assert.Equal(0.0, c.ImpulseResponse(1, -0.5).AtVec(1))
}

func TestWaveform(t *testing.T) {
	assert := assert.New(t)

	c, err := NewWaveform(1.0, 2, func(m int, t float64) float64 {
		return math.Exp(-t)
	})
	assert.NoError(err)
	assert.NotNil(c)

	d := c.ImpulseResponse(0, 0.5)
	assert.InDelta(math.Exp(-0.5), d.AtVec(0), 1e-12)
	assert.Equal(0.0, d.AtVec(1))

	c, err = NewWaveform(1.0, 2, nil)
	assert.Nil(c)
	assert.Error(err)
}
