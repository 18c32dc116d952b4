// Package care solves the continuous algebraic Riccati equation
//
//	A^T V + V A - V B R^-1 B^T V + Q = 0
//
// for its stabilizing symmetric solution V. The primary method extracts the
// stable invariant subspace of the associated Hamiltonian matrix. When that
// fails for ill-conditioned inputs, a damped fixed-point iteration with a
// bounded time budget takes over.
package care

import (
	"fmt"
	"math"
	"time"

	"github.com/milosgajdos/matrix"

	"github.com/ideco/cbadc"
	"github.com/ideco/cbadc/linalg"
	"gonum.org/v1/gonum/mat"
)

// Settings tunes the solver. The fallback constants are empirically chosen;
// treat them as tunables, not requirements.
type Settings struct {
	// Tau is the fallback iteration step length.
	Tau float64
	// RelTol and AbsTol terminate the fallback once successive iterates
	// satisfy |V - Vprev| <= AbsTol + RelTol*|Vprev| entrywise.
	RelTol, AbsTol float64
	// Deadline bounds the fallback wall-clock time.
	Deadline time.Duration
	// ResidualTol is the relative residual above which a direct solution
	// is rejected and the fallback engaged.
	ResidualTol float64
	// Diagnostics receives solver events. Nil discards them.
	Diagnostics cbadc.DiagnosticSink
}

// DefaultSettings returns the solver defaults.
func DefaultSettings() Settings {
	return Settings{
		Tau:         1e-5,
		RelTol:      1e-5,
		AbsTol:      1e-8,
		Deadline:    10 * time.Minute,
		ResidualTol: 1e-6,
	}
}

// Solve returns the stabilizing symmetric solution of the continuous
// algebraic Riccati equation defined by a, b, q and r.
// It returns error if neither the direct method nor the bounded fallback
// produces a solution.
func Solve(a, b, q, r mat.Matrix, s Settings) (*mat.Dense, error) {
	brb, err := gainTerm(b, r)
	if err != nil {
		return nil, err
	}

	resTol := s.ResidualTol
	if resTol <= 0 {
		resTol = DefaultSettings().ResidualTol
	}

	v, err := direct(a, brb, q, resTol)
	if err == nil {
		return v, nil
	}

	if s.Diagnostics != nil {
		s.Diagnostics(fmt.Sprintf("care: direct solve failed (%v), starting fixed-point fallback", err))
	}

	return BruteForce(a, b, q, r, s)
}

// BruteForce runs the damped fixed-point iteration
//
//	V <- V + tau*(A V + (A V)^T + Q - V B R^-1 B^T V)
//
// from the identity until successive iterates converge, or fails with a
// numerical error once the deadline elapses.
func BruteForce(a, b, q, r mat.Matrix, s Settings) (*mat.Dense, error) {
	def := DefaultSettings()
	if s.Tau <= 0 {
		s.Tau = def.Tau
	}
	if s.RelTol <= 0 {
		s.RelTol = def.RelTol
	}
	if s.AbsTol <= 0 {
		s.AbsTol = def.AbsTol
	}
	if s.Deadline <= 0 {
		s.Deadline = def.Deadline
	}

	brb, err := gainTerm(b, r)
	if err != nil {
		return nil, err
	}

	n, _ := a.Dims()
	v, err := matrix.NewDenseValIdentity(n, 1.0)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(s.Deadline)
	prev := mat.NewDense(n, n, nil)
	av := &mat.Dense{}
	quad := &mat.Dense{}
	step := &mat.Dense{}

	for !converged(v, prev, s.RelTol, s.AbsTol) {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: fixed-point Riccati iteration ran out of time", cbadc.ErrNumerical)
		}

		prev.Copy(v)

		// A V + (A V)^T + Q - V BRB V
		av.Mul(a, v)
		step.Add(av, av.T())
		step.Add(step, q)
		quad.Mul(v, brb)
		quad.Mul(quad, v)
		step.Sub(step, quad)

		step.Scale(s.Tau, step)
		v.Add(v, step)

		if linalg.HasNaNOrInf(v) {
			return nil, fmt.Errorf("%w: fixed-point Riccati iteration diverged", cbadc.ErrNumerical)
		}
	}

	return v, nil
}

// direct solves the equation through the eigendecomposition of the
// Hamiltonian [[A, -BRB], [-Q, -A^T]].
func direct(a mat.Matrix, brb, q mat.Matrix, resTol float64) (*mat.Dense, error) {
	n, _ := a.Dims()

	negBRB := &mat.Dense{}
	negBRB.Scale(-1, brb)
	negQ := &mat.Dense{}
	negQ.Scale(-1, q)
	negAT := &mat.Dense{}
	negAT.Scale(-1, a.T())

	top, bottom, h := &mat.Dense{}, &mat.Dense{}, &mat.Dense{}
	top.Augment(a, negBRB)
	bottom.Augment(negQ, negAT)
	h.Stack(top, bottom)

	var eig mat.Eigen
	if ok := eig.Factorize(h, mat.EigenRight); !ok {
		return nil, fmt.Errorf("hamiltonian eigendecomposition failed")
	}

	vals := eig.Values(nil)
	vecs := &mat.CDense{}
	eig.VectorsTo(vecs)

	// real basis of the stable invariant subspace: real eigenvectors enter
	// directly, conjugate pairs contribute their real and imaginary parts
	basis := mat.NewDense(2*n, n, nil)
	col := 0
	for j := 0; j < 2*n && col < n; j++ {
		if real(vals[j]) >= 0 || imag(vals[j]) < 0 {
			continue
		}
		for i := 0; i < 2*n; i++ {
			basis.Set(i, col, real(vecs.At(i, j)))
		}
		col++
		if imag(vals[j]) > 0 {
			if col == n {
				return nil, fmt.Errorf("stable subspace dimension mismatch")
			}
			for i := 0; i < 2*n; i++ {
				basis.Set(i, col, imag(vecs.At(i, j)))
			}
			col++
		}
	}
	if col != n {
		return nil, fmt.Errorf("stable subspace has dimension %d, want %d", col, n)
	}

	x1 := basis.Slice(0, n, 0, n)
	x2 := basis.Slice(n, 2*n, 0, n)

	// V X1 = X2  =>  X1^T V^T = X2^T
	vt := &mat.Dense{}
	if err := vt.Solve(x1.T(), x2.T()); err != nil {
		return nil, fmt.Errorf("stable subspace is singular: %v", err)
	}

	v := &mat.Dense{}
	v.CloneFrom(vt.T())
	symmetrize(v)

	if linalg.HasNaNOrInf(v) {
		return nil, fmt.Errorf("direct solution is not finite")
	}

	if res := residual(a, brb, q, v); res > resTol*(1+mat.Norm(q, 2)) {
		return nil, fmt.Errorf("residual %e too large", res)
	}

	return v, nil
}

// gainTerm computes B R^-1 B^T.
func gainTerm(b, r mat.Matrix) (*mat.Dense, error) {
	rInv := &mat.Dense{}
	if err := rInv.Inverse(r); err != nil {
		return nil, fmt.Errorf("%w: weighting matrix is singular: %v", cbadc.ErrNumerical, err)
	}

	bri := &mat.Dense{}
	bri.Mul(b, rInv)

	brb := &mat.Dense{}
	brb.Mul(bri, b.T())

	return brb, nil
}

// residual returns ||A^T V + V A - V BRB V + Q||.
func residual(a mat.Matrix, brb, q mat.Matrix, v *mat.Dense) float64 {
	res := &mat.Dense{}
	res.Mul(a.T(), v)

	va := &mat.Dense{}
	va.Mul(v, a)
	res.Add(res, va)

	quad := &mat.Dense{}
	quad.Mul(v, brb)
	quad.Mul(quad, v)
	res.Sub(res, quad)
	res.Add(res, q)

	return mat.Norm(res, 2)
}

func symmetrize(v *mat.Dense) {
	n, _ := v.Dims()
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			s := 0.5 * (v.At(i, j) + v.At(j, i))
			v.Set(i, j, s)
			v.Set(j, i, s)
		}
	}
}

func converged(v, prev *mat.Dense, rtol, atol float64) bool {
	n, c := v.Dims()
	for i := 0; i < n; i++ {
		for j := 0; j < c; j++ {
			if math.Abs(v.At(i, j)-prev.At(i, j)) > atol+rtol*math.Abs(prev.At(i, j)) {
				return false
			}
		}
	}

	return true
}
