// Package system describes the linear analog system of a control-bounded
// converter:
//
//	x'(t) = A x(t) + B u(t) + Gamma s(t)
//	y(t)  = CT x(t)
//	s~(t) = GammaT x(t)
//
// where x is the N-dimensional state, u the L signal inputs, s the M control
// contributions and s~ the M~ control observations.
package system

import (
	"fmt"

	"github.com/ideco/cbadc/linalg"
	"gonum.org/v1/gonum/mat"
)

// AnalogSystem is a read-only descriptor of the analog system. The matrices
// are fixed at construction and must not be mutated afterwards.
type AnalogSystem struct {
	// A is the N x N state matrix
	A *mat.Dense
	// B is the N x L input matrix
	B *mat.Dense
	// CT is the N~ x N output matrix
	CT *mat.Dense
	// Gamma is the N x M control injection matrix
	Gamma *mat.Dense
	// GammaT is the M~ x N control observation matrix
	GammaT *mat.Dense

	n, m, l, nTilde, mTilde int
}

// New creates a new AnalogSystem and returns it.
// It returns error if the matrix dimensions are mutually inconsistent.
func New(a, b, ct, gamma, gammaT *mat.Dense) (*AnalogSystem, error) {
	n, cols := a.Dims()
	if n != cols {
		return nil, fmt.Errorf("invalid state matrix dimensions: [%d x %d]", n, cols)
	}

	rows, l := b.Dims()
	if rows != n {
		return nil, fmt.Errorf("invalid input matrix dimensions: [%d x %d]", rows, l)
	}

	nTilde, cols := ct.Dims()
	if cols != n {
		return nil, fmt.Errorf("invalid output matrix dimensions: [%d x %d]", nTilde, cols)
	}

	rows, m := gamma.Dims()
	if rows != n {
		return nil, fmt.Errorf("invalid control injection matrix dimensions: [%d x %d]", rows, m)
	}

	mTilde, cols := gammaT.Dims()
	if cols != n {
		return nil, fmt.Errorf("invalid control observation matrix dimensions: [%d x %d]", mTilde, cols)
	}

	return &AnalogSystem{
		A:      a,
		B:      b,
		CT:     ct,
		Gamma:  gamma,
		GammaT: gammaT,
		n:      n,
		m:      m,
		l:      l,
		nTilde: nTilde,
		mTilde: mTilde,
	}, nil
}

// NewChainOfIntegrators creates an analog system made of n cascaded
// integrators with per-stage gain beta, a single signal input into the first
// stage, observation of the last stage and local control of every stage.
func NewChainOfIntegrators(n int, beta float64) (*AnalogSystem, error) {
	if n < 1 {
		return nil, fmt.Errorf("invalid chain length: %d", n)
	}

	a := mat.NewDense(n, n, nil)
	for row := 1; row < n; row++ {
		a.Set(row, row-1, beta)
	}

	b := mat.NewDense(n, 1, nil)
	b.Set(0, 0, beta)

	ct := mat.NewDense(1, n, nil)
	ct.Set(0, n-1, 1)

	gamma := mat.NewDense(n, n, nil)
	gammaT := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		gamma.Set(i, i, -beta)
		gammaT.Set(i, i, 1)
	}

	return New(a, b, ct, gamma, gammaT)
}

// StateDim returns the number of states N.
func (s *AnalogSystem) StateDim() int { return s.n }

// CtrlDim returns the number of control channels M.
func (s *AnalogSystem) CtrlDim() int { return s.m }

// InputDim returns the number of signal inputs L.
func (s *AnalogSystem) InputDim() int { return s.l }

// OutputDim returns the number of observations N~.
func (s *AnalogSystem) OutputDim() int { return s.nTilde }

// CtrlObsDim returns the number of control observations M~.
func (s *AnalogSystem) CtrlObsDim() int { return s.mTilde }

// TransferFunctionMatrix evaluates the analog transfer function matrix
// G(omega) = CT (i*omega*I - A)^-1 B at the given angular frequency and
// returns its real and imaginary parts, each of shape N~ x L.
func (s *AnalogSystem) TransferFunctionMatrix(omega float64) (gr, gi *mat.Dense, err error) {
	// i*omega*I - A
	ar := &mat.Dense{}
	ar.Scale(-1, s.A)
	ai := mat.NewDense(s.n, s.n, nil)
	for i := 0; i < s.n; i++ {
		ai.Set(i, i, omega)
	}

	xr, xi, err := linalg.SolveComplex(ar, ai, s.B, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("transfer function evaluation failed: %v", err)
	}

	gr, gi = &mat.Dense{}, &mat.Dense{}
	gr.Mul(s.CT, xr)
	gi.Mul(s.CT, xi)

	return gr, gi, nil
}
