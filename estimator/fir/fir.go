// Package fir implements the truncated FIR convolver.
//
// The estimate is a pure two-sided convolution: taps h[l], l = -K1..K2-1,
// with h[l] = WT Ab^l Bb on the lookahead side and h[l] = -WT Af^(-l-1) Bf on
// the lookback side, applied to a sliding window of the last K1+K2
// sign-mapped control samples. No recursive state survives between steps, so
// truncating both tails independently is valid under the contractivity of Af
// and Ab.
package fir

import (
	"errors"
	"fmt"
	"io"

	"github.com/ideco/cbadc"
	"github.com/ideco/cbadc/control"
	"github.com/ideco/cbadc/estimator"
	"github.com/ideco/cbadc/system"
	"gonum.org/v1/gonum/mat"
)

// Convolver is a truncated FIR estimator.
// It must not be driven by more than one caller concurrently.
type Convolver struct {
	*estimator.Analyzer

	k1, k2, k3 int
	m, l       int
	ts         float64

	// h holds the two-sided taps in window order: h[0..K1-1] lookback,
	// h[K1..K3-1] lookahead, each L x M
	h []*mat.Dense

	src    cbadc.ControlSource
	window *estimator.Window

	downsample int
	lag        int

	iteration uint64
	emitted   uint64
	max       uint64

	eof  bool
	diag cbadc.DiagnosticSink
}

// New creates a truncated FIR convolver for the given analog system, digital
// control and configuration.
// Midpoint timing is not implemented for this variant and is rejected rather
// than silently ignored.
func New(sys *system.AnalogSystem, ctl control.DigitalControl, cfg estimator.Config) (*Convolver, error) {
	if cfg.K1 < 0 {
		return nil, fmt.Errorf("%w: K1 must be a non-negative integer, got %d", cbadc.ErrConfiguration, cfg.K1)
	}

	if cfg.K2 < 1 {
		return nil, fmt.Errorf("%w: K2 must be a positive integer, got %d", cbadc.ErrConfiguration, cfg.K2)
	}

	if cfg.Downsample < 0 {
		return nil, fmt.Errorf("%w: downsample must be a positive integer, got %d", cbadc.ErrConfiguration, cfg.Downsample)
	}

	if cfg.MidPoint {
		return nil, fmt.Errorf("%w: FIR convolver does not implement midpoint timing", cbadc.ErrUnsupported)
	}

	coeff, err := estimator.NewCoefficients(sys, ctl, cfg)
	if err != nil {
		return nil, err
	}

	a, err := estimator.NewAnalyzer(sys, cfg.Eta2)
	if err != nil {
		return nil, err
	}

	downsample := cfg.Downsample
	if downsample == 0 {
		downsample = 1
	}

	k3 := cfg.K1 + cfg.K2
	window, err := estimator.NewFullWindow(k3, sys.CtrlDim())
	if err != nil {
		return nil, err
	}

	return &Convolver{
		Analyzer:   a,
		k1:         cfg.K1,
		k2:         cfg.K2,
		k3:         k3,
		m:          sys.CtrlDim(),
		l:          sys.InputDim(),
		ts:         coeff.Ts,
		h:          taps(coeff, cfg.K1, cfg.K2),
		window:     window,
		downsample: downsample,
		lag:        cfg.K2 - 1,
		max:        cfg.MaxEstimates,
		diag:       cfg.Diagnostics,
	}, nil
}

// taps returns the two-sided tap array in window order.
func taps(coeff *estimator.Coefficients, k1, k2 int) []*mat.Dense {
	h := make([]*mat.Dense, k1+k2)

	// lookback: h[k1-1] = -WT Bf, h[k1-2] = -WT Af Bf, ...
	power := &mat.Dense{}
	power.CloneFrom(coeff.Bf)
	for k := k1 - 1; k >= 0; k-- {
		h[k] = &mat.Dense{}
		h[k].Mul(coeff.WT, power)
		h[k].Scale(-1, h[k])
		power.Mul(coeff.Af, power)
	}

	// lookahead: h[k1+j] = WT Ab^j Bb
	power.CloneFrom(coeff.Bb)
	for k := k1; k < k1+k2; k++ {
		h[k] = &mat.Dense{}
		h[k].Mul(coeff.WT, power)
		power.Mul(coeff.Ab, power)
	}

	return h
}

// Connect attaches the upstream control signal source.
func (c *Convolver) Connect(src cbadc.ControlSource) { c.src = src }

// Lookback returns the lookback size K1.
func (c *Convolver) Lookback() int { return c.k1 }

// Lookahead returns the lookahead size K2.
func (c *Convolver) Lookahead() int { return c.k2 }

// Taps returns the two-sided tap matrices in window order.
func (c *Convolver) Taps() []*mat.Dense { return c.h }

// Lag returns the current estimation lag in samples. Warm-up shifts the lag
// by K1+K2 as the discarded outputs advance the stream.
func (c *Convolver) Lag() int { return c.lag }

// WarmUp consumes and discards the first K1+K2 outputs, which reference a
// window still padded with neutral samples.
func (c *Convolver) WarmUp() error {
	for i := 0; i < c.k3; i++ {
		if _, err := c.next(); err != nil {
			return err
		}
	}
	c.lag += c.k3

	return nil
}

// Next returns the next estimate as an L-dimensional vector. io.EOF reports
// upstream termination: the convolver holds no drainable batch state, so
// completion is immediate.
func (c *Convolver) Next() (mat.Vector, error) {
	if c.max > 0 && c.emitted >= c.max {
		return nil, io.EOF
	}

	est, err := c.next()
	if err != nil {
		return nil, err
	}
	c.emitted++

	return est, nil
}

// next consumes input samples until one downsampled output is due.
func (c *Convolver) next() (mat.Vector, error) {
	if c.src == nil {
		return nil, fmt.Errorf("%w: no control signal source attached", cbadc.ErrBufferState)
	}

	for {
		if c.eof {
			return nil, io.EOF
		}

		sample, err := c.src.Next()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			c.eof = true
			if c.diag != nil {
				c.diag("end of control signal stream")
			}
			return nil, io.EOF
		default:
			return nil, err
		}

		c.iteration++

		if err := c.window.Slide(sample); err != nil {
			return nil, err
		}

		if (c.iteration-1)%uint64(c.downsample) != 0 {
			continue
		}

		est := mat.NewVecDense(c.l, nil)
		contrib := mat.NewVecDense(c.l, nil)
		for k := 0; k < c.k3; k++ {
			contrib.MulVec(c.h[k], c.window.At(k))
			est.AddVec(est, contrib)
		}

		return est, nil
	}
}

// String implements the Stringer interface.
func (c *Convolver) String() string {
	return fmt.Sprintf("TruncatedFIRConvolver{K1=%d, K2=%d, Ts=%v, Downsample=%d, Lag=%d}",
		c.k1, c.k2, c.ts, c.downsample, c.lag)
}
