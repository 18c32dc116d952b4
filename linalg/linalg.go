// Package linalg provides the small set of linear-algebra helpers the
// estimator needs that gonum does not ship: spectral radius, a conditioned
// pseudo-inverse and complex-valued solves realized through the standard
// [[Re,-Im],[Im,Re]] real embedding.
package linalg

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"
)

// SpectralRadius returns the largest eigenvalue magnitude of a.
func SpectralRadius(a mat.Matrix) (float64, error) {
	var eig mat.Eigen
	if ok := eig.Factorize(a, mat.EigenNone); !ok {
		return 0, fmt.Errorf("eigenvalue factorization failed")
	}

	radius := 0.0
	for _, v := range eig.Values(nil) {
		if r := cmplx.Abs(v); r > radius {
			radius = r
		}
	}

	return radius, nil
}

// Pinv returns the Moore-Penrose pseudo-inverse of a. Singular values below
// rcond times the largest singular value are treated as zero.
// SVD is used instead of an LU solve as it remains well defined for
// (almost) singular matrices.
func Pinv(a mat.Matrix, rcond float64) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, fmt.Errorf("SVD factorization failed")
	}

	u, v := &mat.Dense{}, &mat.Dense{}
	svd.UTo(u)
	svd.VTo(v)

	vals := svd.Values(nil)
	cutoff := 0.0
	if len(vals) > 0 {
		cutoff = rcond * vals[0]
	}
	for i, s := range vals {
		if s > cutoff {
			vals[i] = 1.0 / s
		} else {
			vals[i] = 0.0
		}
	}

	pinv := &mat.Dense{}
	pinv.Mul(v, mat.NewDiagDense(len(vals), vals))
	pinv.Mul(pinv, u.T())

	return pinv, nil
}

// SolveComplex solves (ar + i*ai) * x = (br + i*bi) and returns the real and
// imaginary parts of x. A nil ai or bi is treated as zero.
func SolveComplex(ar, ai, br, bi *mat.Dense) (xr, xi *mat.Dense, err error) {
	n, _ := ar.Dims()
	rows, cols := br.Dims()
	if rows != n {
		return nil, nil, fmt.Errorf("mismatched dimensions: %d != %d", rows, n)
	}

	e := embed(ar, ai)

	rhs := mat.NewDense(2*n, cols, nil)
	rhs.Slice(0, n, 0, cols).(*mat.Dense).Copy(br)
	if bi != nil {
		rhs.Slice(n, 2*n, 0, cols).(*mat.Dense).Copy(bi)
	}

	x := &mat.Dense{}
	if err := x.Solve(e, rhs); err != nil {
		return nil, nil, fmt.Errorf("complex solve failed: %v", err)
	}

	xr, xi = &mat.Dense{}, &mat.Dense{}
	xr.CloneFrom(x.Slice(0, n, 0, cols))
	xi.CloneFrom(x.Slice(n, 2*n, 0, cols))

	return xr, xi, nil
}

// PinvComplex returns the conditioned pseudo-inverse of the complex matrix a.
// The embedding is a *-isomorphism, so the pseudo-inverse of the embedded
// matrix is the embedding of the complex pseudo-inverse.
func PinvComplex(a *mat.CDense, rcond float64) (*mat.CDense, error) {
	rows, cols := a.Dims()

	ar := mat.NewDense(rows, cols, nil)
	ai := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := a.At(i, j)
			ar.Set(i, j, real(v))
			ai.Set(i, j, imag(v))
		}
	}

	pinv, err := Pinv(embed(ar, ai), rcond)
	if err != nil {
		return nil, err
	}

	out := mat.NewCDense(cols, rows, nil)
	for i := 0; i < cols; i++ {
		for j := 0; j < rows; j++ {
			out.Set(i, j, complex(pinv.At(i, j), pinv.At(cols+i, j)))
		}
	}

	return out, nil
}

// MulComplex multiplies (ar + i*ai) by (br + i*bi). A nil imaginary part is
// treated as zero.
func MulComplex(ar, ai, br, bi *mat.Dense) (cr, ci *mat.Dense) {
	cr, ci = &mat.Dense{}, &mat.Dense{}

	cr.Mul(ar, br)
	if ai != nil && bi != nil {
		t := &mat.Dense{}
		t.Mul(ai, bi)
		cr.Sub(cr, t)
	}

	ra, _ := ar.Dims()
	_, cb := br.Dims()
	ci.ReuseAs(ra, cb)
	if bi != nil {
		ci.Mul(ar, bi)
	}
	if ai != nil {
		t := &mat.Dense{}
		t.Mul(ai, br)
		if bi != nil {
			ci.Add(ci, t)
		} else {
			ci.Copy(t)
		}
	}

	return cr, ci
}

// HasNaNOrInf reports whether any entry of a is NaN or infinite.
func HasNaNOrInf(a mat.Matrix) bool {
	rows, cols := a.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if v := a.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return true
			}
		}
	}

	return false
}

// embed maps the complex matrix ar + i*ai onto its real representation
// [[ar, -ai], [ai, ar]].
func embed(ar, ai *mat.Dense) *mat.Dense {
	rows, cols := ar.Dims()
	e := mat.NewDense(2*rows, 2*cols, nil)

	e.Slice(0, rows, 0, cols).(*mat.Dense).Copy(ar)
	e.Slice(rows, 2*rows, cols, 2*cols).(*mat.Dense).Copy(ar)
	if ai != nil {
		ul := e.Slice(0, rows, cols, 2*cols).(*mat.Dense)
		ul.Scale(-1, ai)
		e.Slice(rows, 2*rows, 0, cols).(*mat.Dense).Copy(ai)
	}

	return e
}
