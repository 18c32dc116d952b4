// Package control describes the digital control of a control-bounded
// converter at the boundary the estimator needs: the clock period and the
// DAC waveform each control channel injects back into the analog system.
package control

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// DigitalControl is a read-only descriptor of the digital control.
type DigitalControl interface {
	// Period returns the control clock period T.
	Period() float64
	// Channels returns the number of control channels M.
	Channels() int
	// ImpulseResponse returns the M-dimensional DAC contribution of
	// channel m evaluated at offset t within one clock period.
	ImpulseResponse(m int, t float64) mat.Vector
}

// Switched is a digital control whose DAC holds a constant unit level on the
// decided channel for the full clock period (an analog switch, NRZ waveform).
type Switched struct {
	period   float64
	channels int
}

// NewSwitched creates a new Switched control and returns it.
// It returns error if period is not positive or channels is less than one.
func NewSwitched(period float64, channels int) (*Switched, error) {
	if period <= 0 {
		return nil, fmt.Errorf("invalid control period: %v", period)
	}

	if channels < 1 {
		return nil, fmt.Errorf("invalid number of control channels: %d", channels)
	}

	return &Switched{
		period:   period,
		channels: channels,
	}, nil
}

// Period returns the control clock period.
func (c *Switched) Period() float64 { return c.period }

// Channels returns the number of control channels.
func (c *Switched) Channels() int { return c.channels }

// ImpulseResponse returns a unit rectangular waveform on channel m.
func (c *Switched) ImpulseResponse(m int, t float64) mat.Vector {
	d := mat.NewVecDense(c.channels, nil)
	if t >= 0 && t < c.period {
		d.SetVec(m, 1)
	}

	return d
}

// Waveform is a digital control with a caller-supplied per-channel DAC
// waveform.
type Waveform struct {
	period   float64
	channels int
	fn       func(m int, t float64) float64
}

// NewWaveform creates a digital control whose channel m injects fn(m, t) at
// offset t within one clock period.
func NewWaveform(period float64, channels int, fn func(m int, t float64) float64) (*Waveform, error) {
	if period <= 0 {
		return nil, fmt.Errorf("invalid control period: %v", period)
	}

	if channels < 1 {
		return nil, fmt.Errorf("invalid number of control channels: %d", channels)
	}

	if fn == nil {
		return nil, fmt.Errorf("invalid waveform function")
	}

	return &Waveform{
		period:   period,
		channels: channels,
		fn:       fn,
	}, nil
}

// Period returns the control clock period.
func (c *Waveform) Period() float64 { return c.period }

// Channels returns the number of control channels.
func (c *Waveform) Channels() int { return c.channels }

// ImpulseResponse evaluates the waveform of channel m at offset t.
func (c *Waveform) ImpulseResponse(m int, t float64) mat.Vector {
	d := mat.NewVecDense(c.channels, nil)
	if t >= 0 && t < c.period {
		d.SetVec(m, c.fn(m, t))
	}

	return d
}
