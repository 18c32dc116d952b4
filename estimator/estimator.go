// Package estimator derives the time-invariant filter coefficients shared by
// every estimation variant of a control-bounded converter and provides the
// common configuration, sample buffering and frequency-domain diagnostics.
//
// The coefficients realize the two-filter fixed-lag smoother
//
//	m_f[k+1] = Af m_f[k] + Bf s[k]
//	m_b[k]   = Ab m_b[k+1] + Bb s[k]
//	u^[k]    = WT (m_b[k] - m_f[k])
//
// where Af, Ab follow from the forward and backward continuous algebraic
// Riccati equations of the analog system and Bf, Bb from integrating the
// digital control's DAC waveform through the stabilized dynamics.
package estimator

import (
	"fmt"

	"github.com/milosgajdos/matrix"

	"github.com/ideco/cbadc"
	"github.com/ideco/cbadc/care"
	"github.com/ideco/cbadc/control"
	"github.com/ideco/cbadc/linalg"
	"github.com/ideco/cbadc/ode"
	"github.com/ideco/cbadc/system"
	"gonum.org/v1/gonum/mat"
)

// ivpTolerance bounds the local error of each Runge-Kutta step when
// integrating the control gain matrices over one period.
const ivpTolerance = 1e-12

// Config collects the estimator parameters shared across variants.
type Config struct {
	// Eta2 is the bandwidth parameter; larger values narrow the estimator
	// bandwidth. Must be positive.
	Eta2 float64
	// K1 is the batch (lookback) size.
	K1 int
	// K2 is the lookahead size.
	K2 int
	// Ts overrides the sampling period; zero selects the digital control
	// clock period.
	Ts float64
	// MidPoint centers estimates on interval midpoints instead of control
	// update instants.
	MidPoint bool
	// Downsample emits only every Downsample-th estimate; zero means one.
	Downsample int
	// MaxEstimates caps the number of emitted estimates; zero means
	// unbounded.
	MaxEstimates uint64
	// EigenCutoff is the conditioning cutoff used when inverting
	// eigenvector matrices in the parallel variant; zero selects 1e-20.
	EigenCutoff float64
	// Diagnostics receives non-fatal estimator events. Nil discards them.
	Diagnostics cbadc.DiagnosticSink
}

// Coefficients is the immutable filter coefficient set. Once computed it can
// back any number of independent streaming sessions.
type Coefficients struct {
	// Af and Ab are the N x N forward/backward state transition matrices
	// over one sampling interval.
	Af, Ab *mat.Dense
	// Bf and Bb are the N x M forward/backward control gain matrices.
	Bf, Bb *mat.Dense
	// WT is the L x N output projection.
	WT *mat.Dense
	// Ts is the sampling period the coefficients were derived for.
	Ts float64
}

// NewCoefficients derives the filter coefficient set for the given analog
// system, digital control and configuration.
// It returns error if the configuration is invalid or any of the Riccati
// solves fails; no partial coefficient set is ever returned.
func NewCoefficients(sys *system.AnalogSystem, ctl control.DigitalControl, cfg Config) (*Coefficients, error) {
	if sys == nil || ctl == nil {
		return nil, fmt.Errorf("%w: missing analog system or digital control", cbadc.ErrConfiguration)
	}

	if cfg.Eta2 <= 0 {
		return nil, fmt.Errorf("%w: eta2 must be positive, got %v", cbadc.ErrConfiguration, cfg.Eta2)
	}

	if sys.CtrlDim() != ctl.Channels() {
		return nil, fmt.Errorf("%w: control channel mismatch: %d != %d",
			cbadc.ErrConfiguration, sys.CtrlDim(), ctl.Channels())
	}

	ts := cfg.Ts
	if ts == 0 {
		ts = ctl.Period()
	}
	if ts <= 0 {
		return nil, fmt.Errorf("%w: sampling period must be positive, got %v", cbadc.ErrConfiguration, ts)
	}

	cs := care.DefaultSettings()
	cs.Diagnostics = cfg.Diagnostics

	// forward and backward Riccati solves
	at := &mat.Dense{}
	at.CloneFrom(sys.A.T())
	ctt := &mat.Dense{}
	ctt.CloneFrom(sys.CT.T())

	q := &mat.Dense{}
	q.Mul(sys.B, sys.B.T())

	r, err := matrix.NewDenseValIdentity(sys.OutputDim(), cfg.Eta2)
	if err != nil {
		return nil, err
	}

	vf, err := care.Solve(at, ctt, q, r, cs)
	if err != nil {
		return nil, fmt.Errorf("forward Riccati solve failed: %w", err)
	}

	negAT := &mat.Dense{}
	negAT.Scale(-1, at)
	vb, err := care.Solve(negAT, ctt, q, r, cs)
	if err != nil {
		return nil, fmt.Errorf("backward Riccati solve failed: %w", err)
	}

	// generator matrices Gf = A - Vf CCT/eta2, Gb = A + Vb CCT/eta2
	cct := &mat.Dense{}
	cct.Mul(sys.CT.T(), sys.CT)

	gf := &mat.Dense{}
	gf.Mul(vf, cct)
	gf.Scale(1/cfg.Eta2, gf)
	gf.Sub(sys.A, gf)

	gb := &mat.Dense{}
	gb.Mul(vb, cct)
	gb.Scale(1/cfg.Eta2, gb)
	gb.Add(sys.A, gb)

	af := &mat.Dense{}
	af.Scale(ts, gf)
	af.Exp(af)

	ab := &mat.Dense{}
	ab.Scale(-ts, gb)
	ab.Exp(ab)

	bf, bb, err := controlGains(sys, ctl, gf, gb, ts, cfg.MidPoint)
	if err != nil {
		return nil, err
	}

	// WT = solve(Vf + Vb, B)^T
	vsum := &mat.Dense{}
	vsum.Add(vf, vb)
	w := &mat.Dense{}
	if err := w.Solve(vsum, sys.B); err != nil {
		// a condition warning still carries the solution; Vf+Vb grows
		// extremely ill-conditioned for narrow bandwidths
		if _, ok := err.(mat.Condition); !ok {
			return nil, fmt.Errorf("%w: output projection solve failed: %v", cbadc.ErrNumerical, err)
		}
		if cfg.Diagnostics != nil {
			cfg.Diagnostics(fmt.Sprintf("output projection solve is ill-conditioned: %v", err))
		}
	}
	wt := &mat.Dense{}
	wt.CloneFrom(w.T())

	for _, a := range []*mat.Dense{af, ab} {
		radius, err := linalg.SpectralRadius(a)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", cbadc.ErrNumerical, err)
		}
		if radius >= 1 {
			return nil, fmt.Errorf("%w: state transition spectral radius %v >= 1; degenerate analog system and bandwidth combination",
				cbadc.ErrNumerical, radius)
		}
	}

	return &Coefficients{
		Af: af,
		Ab: ab,
		Bf: bf,
		Bb: bb,
		WT: wt,
		Ts: ts,
	}, nil
}

// controlGains integrates the forced systems x' = Gf x + Gamma d_m(t) and
// x' = -Gb x + Gamma d_m(t) over one period (two half periods with a
// composing half interval transition when midpoint timing is requested).
func controlGains(sys *system.AnalogSystem, ctl control.DigitalControl, gf, gb *mat.Dense, ts float64, midPoint bool) (bf, bb *mat.Dense, err error) {
	n := sys.StateDim()
	m := sys.CtrlDim()

	negGb := &mat.Dense{}
	negGb.Scale(-1, gb)

	horizon := ts
	if midPoint {
		horizon = ts / 2
	}

	rk := ode.NewFehlberg45()
	bf = mat.NewDense(n, m, nil)
	bb = mat.NewDense(n, m, nil)
	forcing := mat.NewVecDense(n, nil)

	for ch := 0; ch < m; ch++ {
		ch := ch

		fwd := func(t float64, x mat.Vector, dst *mat.VecDense) {
			dst.MulVec(gf, x)
			forcing.MulVec(sys.Gamma, ctl.ImpulseResponse(ch, t))
			dst.AddVec(dst, forcing)
		}
		x := mat.NewVecDense(n, nil)
		if err := rk.Integrate(fwd, 0, horizon, ivpTolerance, x); err != nil {
			return nil, nil, fmt.Errorf("%w: forward control gain integration failed: %v", cbadc.ErrNumerical, err)
		}
		for i := 0; i < n; i++ {
			bf.Set(i, ch, x.AtVec(i))
		}

		bwd := func(t float64, x mat.Vector, dst *mat.VecDense) {
			dst.MulVec(negGb, x)
			forcing.MulVec(sys.Gamma, ctl.ImpulseResponse(ch, t))
			dst.AddVec(dst, forcing)
		}
		y := mat.NewVecDense(n, nil)
		if err := rk.Integrate(bwd, 0, horizon, ivpTolerance, y); err != nil {
			return nil, nil, fmt.Errorf("%w: backward control gain integration failed: %v", cbadc.ErrNumerical, err)
		}
		for i := 0; i < n; i++ {
			bb.Set(i, ch, -y.AtVec(i))
		}
	}

	if midPoint {
		eye, err := matrix.NewDenseValIdentity(n, 1.0)
		if err != nil {
			return nil, nil, err
		}

		half := &mat.Dense{}
		half.Scale(ts/2, gf)
		half.Exp(half)
		half.Add(eye, half)
		bf.Mul(half, bf)

		half.Reset()
		half.Scale(ts/2, gb)
		half.Exp(half)
		half.Add(eye, half)
		bb.Mul(half, bb)
	}

	return bf, bb, nil
}

// String implements the Stringer interface.
func (c *Coefficients) String() string {
	return fmt.Sprintf("Coefficients{Ts=%v\nAf=%v\nAb=%v\nBf=%v\nBb=%v\nWT=%v\n}",
		c.Ts,
		mat.Formatted(c.Af, mat.Prefix("   ")),
		mat.Formatted(c.Ab, mat.Prefix("   ")),
		mat.Formatted(c.Bf, mat.Prefix("   ")),
		mat.Formatted(c.Bb, mat.Prefix("   ")),
		mat.Formatted(c.WT, mat.Prefix("   ")))
}
