// Package iir implements the truncated IIR smoother.
//
// A single N-dimensional forward recursive state carries the lookback
// contribution, while the lookahead is truncated to the last K2 samples
// convolved with the precomputed taps h[l] = WT Ab^l Bb. The truncation is
// valid because Ab is contractive, so neglected terms decay geometrically
// with K2.
package iir

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

// Smoother is a truncated IIR smoother.
// It must not be driven by more than one caller concurrently.
type Smoother struct {
	*estimator.Analyzer

	coeff *estimator.Coefficients

	k2      int
	n, m, l int

	// h holds the lookahead taps, h[l] = WT Ab^l Bb, each L x M
	h []*mat.Dense

	src    cbadc.ControlSource
	window *estimator.Window
	mean   *mat.VecDense

	downsample int
	lag        int

	iteration uint64
	emitted   uint64
	max       uint64

	eof  bool
	diag cbadc.DiagnosticSink
}

// New creates a truncated IIR smoother for the given analog system, digital
// control and configuration. K1 is ignored by this variant.
func New(sys *system.AnalogSystem, ctl control.DigitalControl, cfg estimator.Config) (*Smoother, error) {
	if cfg.K2 < 0 {
		return nil, fmt.Errorf("%w: K2 must be a non-negative integer, got %d", cbadc.ErrConfiguration, cfg.K2)
	}

	if cfg.Downsample < 0 {
		return nil, fmt.Errorf("%w: downsample must be a positive integer, got %d", cbadc.ErrConfiguration, cfg.Downsample)
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

	var window *estimator.Window
	if cfg.K2 > 0 {
		window, err = estimator.NewFullWindow(cfg.K2, sys.CtrlDim())
		if err != nil {
			return nil, err
		}
	}

	return &Smoother{
		Analyzer:   a,
		coeff:      coeff,
		k2:         cfg.K2,
		n:          sys.StateDim(),
		m:          sys.CtrlDim(),
		l:          sys.InputDim(),
		h:          lookaheadTaps(coeff, cfg.K2),
		window:     window,
		mean:       mat.NewVecDense(sys.StateDim(), nil),
		downsample: downsample,
		lag:        cfg.K2 - 1,
		max:        cfg.MaxEstimates,
		diag:       cfg.Diagnostics,
	}, nil
}

// lookaheadTaps returns h[l] = WT Ab^l Bb for l = 0..k2-1.
func lookaheadTaps(coeff *estimator.Coefficients, k2 int) []*mat.Dense {
	h := make([]*mat.Dense, k2)
	power := &mat.Dense{}
	power.CloneFrom(coeff.Bb)
	for l := 0; l < k2; l++ {
		h[l] = &mat.Dense{}
		h[l].Mul(coeff.WT, power)
		power.Mul(coeff.Ab, power)
	}

	return h
}

// Connect attaches the upstream control signal source.
func (s *Smoother) Connect(src cbadc.ControlSource) { s.src = src }

// Lookahead returns the lookahead size K2.
func (s *Smoother) Lookahead() int { return s.k2 }

// Taps returns the lookahead tap matrices h[0..K2-1].
func (s *Smoother) Taps() []*mat.Dense { return s.h }

// Lag returns the current estimation lag in samples. Warm-up shifts the lag
// by K2 as the discarded outputs advance the stream.
func (s *Smoother) Lag() int { return s.lag }

// WarmUp consumes and discards the first K2 outputs, which reference a
// not-yet-full lookahead window.
func (s *Smoother) WarmUp() error {
	for i := 0; i < s.k2; i++ {
		if _, err := s.next(); err != nil {
			return err
		}
	}
	s.lag += s.k2

	return nil
}

// Next returns the next estimate as an L-dimensional vector. io.EOF reports
// upstream termination: the IIR smoother holds no drainable batch state, so
// completion is immediate.
func (s *Smoother) Next() (mat.Vector, error) {
	if s.max > 0 && s.emitted >= s.max {
		return nil, io.EOF
	}

	est, err := s.next()
	if err != nil {
		return nil, err
	}
	s.emitted++

	return est, nil
}

// next consumes input samples until one downsampled output is due.
func (s *Smoother) next() (mat.Vector, error) {
	if s.src == nil {
		return nil, fmt.Errorf("%w: no control signal source attached", cbadc.ErrBufferState)
	}

	tmp := mat.NewVecDense(s.n, nil)
	for {
		if s.eof {
			return nil, io.EOF
		}

		sample, err := s.src.Next()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			s.eof = true
			if s.diag != nil {
				s.diag("end of control signal stream")
			}
			return nil, io.EOF
		default:
			return nil, err
		}

		s.iteration++

		// lookback contribution from the state before this update
		est := mat.NewVecDense(s.l, nil)
		est.MulVec(s.coeff.WT, s.mean)
		est.ScaleVec(-1, est)

		var oldest mat.Vector
		if s.window != nil {
			if err := s.window.Slide(sample); err != nil {
				return nil, err
			}
			oldest = s.window.At(0)
		} else {
			// no lookahead: the state consumes the fresh sample directly
			mapped := mat.NewVecDense(s.m, nil)
			for i := 0; i < s.m; i++ {
				mapped.SetVec(i, 2*sample.AtVec(i)-1)
			}
			oldest = mapped
		}

		tmp.MulVec(s.coeff.Af, s.mean)
		s.mean.MulVec(s.coeff.Bf, oldest)
		s.mean.AddVec(tmp, s.mean)

		if (s.iteration-1)%uint64(s.downsample) != 0 {
			continue
		}

		// lookahead contribution
		contrib := mat.NewVecDense(s.l, nil)
		for l := 0; l < s.k2; l++ {
			contrib.MulVec(s.h[l], s.window.At(l))
			est.AddVec(est, contrib)
		}

		return est, nil
	}
}

// String implements the Stringer interface.
func (s *Smoother) String() string {
	return fmt.Sprintf("TruncatedIIRSmoother{K2=%d, Ts=%v, Downsample=%d, Lag=%d}",
		s.k2, s.coeff.Ts, s.downsample, s.lag)
}
