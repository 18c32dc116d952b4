// Package batch implements the two-filter fixed-lag batch smoother.
//
// The smoother consumes control samples in batches of K1 with a lookahead of
// K2: once K3 = K1 + K2 samples are buffered, a backward sweep over the K2
// lookahead samples establishes the boundary condition, a forward sweep
// carries the forward mean across the K1 in-batch samples and a final
// backward sweep emits the K1 estimates in time order. The forward state at
// the batch boundary seeds the next batch, and the lookahead tail becomes
// the head of the next cycle.
package batch

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

// Smoother is a batch two-filter fixed-lag smoother.
// It must not be driven by more than one caller concurrently.
type Smoother struct {
	*estimator.Analyzer

	coeff *estimator.Coefficients

	k1, k2, k3 int
	l, m       int

	src    cbadc.ControlSource
	window *estimator.Window

	// fwd carries the forward mean across batch boundaries
	fwd       *mat.VecDense
	estimates []*mat.VecDense
	ptr       int

	emitted uint64
	max     uint64

	eof  bool
	diag cbadc.DiagnosticSink
}

// New creates a batch smoother for the given analog system, digital control
// and configuration, deriving the filter coefficients along the way.
// It returns error if the configuration is invalid for this variant or the
// coefficient derivation fails.
func New(sys *system.AnalogSystem, ctl control.DigitalControl, cfg estimator.Config) (*Smoother, error) {
	if cfg.K1 < 1 {
		return nil, fmt.Errorf("%w: K1 must be a positive integer, got %d", cbadc.ErrConfiguration, cfg.K1)
	}

	if cfg.K2 < 0 {
		return nil, fmt.Errorf("%w: K2 must be a non-negative integer, got %d", cbadc.ErrConfiguration, cfg.K2)
	}

	if cfg.Downsample > 1 {
		return nil, fmt.Errorf("%w: batch smoother does not implement downsampling", cbadc.ErrUnsupported)
	}

	coeff, err := estimator.NewCoefficients(sys, ctl, cfg)
	if err != nil {
		return nil, err
	}

	return fromCoefficients(sys, coeff, cfg)
}

// NewFromCoefficients creates a batch smoother reusing an already computed
// coefficient set. The coefficients are read-only and may back any number of
// smoothers.
func NewFromCoefficients(sys *system.AnalogSystem, coeff *estimator.Coefficients, cfg estimator.Config) (*Smoother, error) {
	if coeff == nil {
		return nil, fmt.Errorf("%w: missing filter coefficients", cbadc.ErrConfiguration)
	}

	if cfg.K1 < 1 {
		return nil, fmt.Errorf("%w: K1 must be a positive integer, got %d", cbadc.ErrConfiguration, cfg.K1)
	}

	if cfg.K2 < 0 {
		return nil, fmt.Errorf("%w: K2 must be a non-negative integer, got %d", cbadc.ErrConfiguration, cfg.K2)
	}

	if cfg.Downsample > 1 {
		return nil, fmt.Errorf("%w: batch smoother does not implement downsampling", cbadc.ErrUnsupported)
	}

	return fromCoefficients(sys, coeff, cfg)
}

func fromCoefficients(sys *system.AnalogSystem, coeff *estimator.Coefficients, cfg estimator.Config) (*Smoother, error) {
	a, err := estimator.NewAnalyzer(sys, cfg.Eta2)
	if err != nil {
		return nil, err
	}

	k3 := cfg.K1 + cfg.K2
	window, err := estimator.NewWindow(k3, sys.CtrlDim())
	if err != nil {
		return nil, err
	}

	estimates := make([]*mat.VecDense, cfg.K1)
	for i := range estimates {
		estimates[i] = mat.NewVecDense(sys.InputDim(), nil)
	}

	return &Smoother{
		Analyzer:  a,
		coeff:     coeff,
		k1:        cfg.K1,
		k2:        cfg.K2,
		k3:        k3,
		l:         sys.InputDim(),
		m:         sys.CtrlDim(),
		window:    window,
		fwd:       mat.NewVecDense(sys.StateDim(), nil),
		estimates: estimates,
		ptr:       cfg.K1,
		max:       cfg.MaxEstimates,
		diag:      cfg.Diagnostics,
	}, nil
}

// Connect attaches the upstream control signal source.
func (s *Smoother) Connect(src cbadc.ControlSource) { s.src = src }

// Lag returns the fixed estimation lag in samples: each estimate refers to
// the input K1+K2-1 samples before the most recently consumed one.
func (s *Smoother) Lag() int { return s.k1 + s.k2 - 1 }

// Next returns the next estimate as an L-dimensional vector. It pulls from
// the attached source as needed; io.EOF reports graceful completion once the
// upstream terminated and all computable estimates have been drained.
func (s *Smoother) Next() (mat.Vector, error) {
	if s.src == nil {
		return nil, fmt.Errorf("%w: no control signal source attached", cbadc.ErrBufferState)
	}

	for {
		if s.max > 0 && s.emitted >= s.max {
			return nil, io.EOF
		}

		if s.ptr < s.k1 {
			// copy out: the batch buffer is overwritten by the next cycle
			est := mat.NewVecDense(s.l, nil)
			est.CopyVec(s.estimates[s.ptr])
			s.ptr++
			s.emitted++
			return est, nil
		}

		if s.eof {
			return nil, io.EOF
		}

		if err := s.fill(); err != nil {
			return nil, err
		}

		if err := s.compute(); err != nil {
			return nil, err
		}
		s.ptr = 0
	}
}

// fill pulls control samples until the window holds K3 of them. Upstream
// termination pads the remainder with zero samples so the final partial
// batch still completes.
func (s *Smoother) fill() error {
	pad := mat.NewVecDense(s.m, nil)
	for !s.window.Full() {
		sample, err := s.src.Next()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			if !s.eof {
				s.eof = true
				if s.diag != nil {
					s.diag("end of control signal stream: padding final batch with zero samples")
				}
			}
			sample = pad
		default:
			return err
		}

		if err := s.window.Push(sample); err != nil {
			return err
		}
	}

	return nil
}

// compute runs one batch cycle over the full window, filling the estimate
// buffer with K1 estimates and advancing the window by K1 samples.
func (s *Smoother) compute() error {
	n, _ := s.coeff.Af.Dims()

	// lookahead sweep establishes the backward boundary condition
	back := mat.NewVecDense(n, nil)
	tmp := mat.NewVecDense(n, nil)
	for k := s.k3 - 1; k >= s.k1; k-- {
		tmp.MulVec(s.coeff.Ab, back)
		back.MulVec(s.coeff.Bb, s.window.At(k))
		back.AddVec(tmp, back)
	}

	// forward sweep carries the mean across the in-batch samples
	means := make([]*mat.VecDense, s.k1+1)
	means[0] = mat.NewVecDense(n, nil)
	means[0].CopyVec(s.fwd)
	for k := 0; k < s.k1; k++ {
		next := mat.NewVecDense(n, nil)
		next.MulVec(s.coeff.Af, means[k])
		tmp.MulVec(s.coeff.Bf, s.window.At(k))
		next.AddVec(next, tmp)
		means[k+1] = next
	}
	s.fwd.CopyVec(means[s.k1])

	// backward sweep emits estimates in time order
	for k := s.k1 - 1; k >= 0; k-- {
		tmp.MulVec(s.coeff.Ab, back)
		back.MulVec(s.coeff.Bb, s.window.At(k))
		back.AddVec(tmp, back)

		diff := mat.NewVecDense(n, nil)
		diff.SubVec(back, means[k])
		s.estimates[k].MulVec(s.coeff.WT, diff)
	}

	// the lookahead tail becomes the head of the next cycle
	return s.window.Advance(s.k1)
}

// String implements the Stringer interface.
func (s *Smoother) String() string {
	return fmt.Sprintf("BatchSmoother{K1=%d, K2=%d, Ts=%v, Lag=%d}", s.k1, s.k2, s.coeff.Ts, s.Lag())
}
