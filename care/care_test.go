package care

import (
	"math"
	"testing"
	"time"

	"github.com/ideco/cbadc"
	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func TestSolveScalar(t *testing.T) {
	assert := assert.New(t)

	// -2V - V^2 + 1 = 0  =>  V = sqrt(2) - 1
	a := mat.NewDense(1, 1, []float64{-1})
	b := mat.NewDense(1, 1, []float64{1})
	q := mat.NewDense(1, 1, []float64{1})
	r := mat.NewDense(1, 1, []float64{1})

	v, err := Solve(a, b, q, r, DefaultSettings())
	assert.NoError(err)
	assert.InDelta(math.Sqrt2-1, v.At(0, 0), 1e-9)
}

func TestSolveDoubleIntegrator(t *testing.T) {
	assert := assert.New(t)

	// classic double integrator: V = [[sqrt(3), 1], [1, sqrt(3)]]
	a := mat.NewDense(2, 2, []float64{0, 1, 0, 0})
	b := mat.NewDense(2, 1, []float64{0, 1})
	q := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	r := mat.NewDense(1, 1, []float64{1})

	v, err := Solve(a, b, q, r, DefaultSettings())
	assert.NoError(err)

	s3 := math.Sqrt(3)
	assert.InDelta(s3, v.At(0, 0), 1e-9)
	assert.InDelta(1.0, v.At(0, 1), 1e-9)
	assert.InDelta(1.0, v.At(1, 0), 1e-9)
	assert.InDelta(s3, v.At(1, 1), 1e-9)

	// the solution must be symmetric and finite
	assert.Equal(v.At(0, 1), v.At(1, 0))
}

func TestSolveNonSquareInput(t *testing.T) {
	assert := assert.New(t)

	// tall B with fewer weighting dimensions than states, the shape every
	// estimator coefficient solve passes in
	a := mat.NewDense(3, 3, []float64{0, 1, 0, 0, 0, 1, 0, 0, 0})
	b := mat.NewDense(3, 1, []float64{0, 0, 1})
	q := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	r := mat.NewDense(1, 1, []float64{2})

	var v *mat.Dense
	var err error
	assert.NotPanics(func() {
		v, err = Solve(a, b, q, r, DefaultSettings())
	})
	assert.NoError(err)
	assert.NotNil(v)

	// A^T V + V A - V B R^-1 B^T V + Q = 0
	res := &mat.Dense{}
	res.Mul(a.T(), v)
	va := &mat.Dense{}
	va.Mul(v, a)
	res.Add(res, va)

	bri := &mat.Dense{}
	bri.Mul(b, b.T())
	bri.Scale(0.5, bri)
	quad := &mat.Dense{}
	quad.Mul(v, bri)
	quad.Mul(quad, v)
	res.Sub(res, quad)
	res.Add(res, q)

	assert.InDelta(0, mat.Norm(res, 2), 1e-8)
}

func TestSolveSingularWeighting(t *testing.T) {
	assert := assert.New(t)

	a := mat.NewDense(1, 1, []float64{-1})
	b := mat.NewDense(1, 1, []float64{1})
	q := mat.NewDense(1, 1, []float64{1})
	r := mat.NewDense(1, 1, []float64{0})

	v, err := Solve(a, b, q, r, DefaultSettings())
	assert.Nil(v)
	assert.ErrorIs(err, cbadc.ErrNumerical)
}

func TestBruteForce(t *testing.T) {
	assert := assert.New(t)

	a := mat.NewDense(1, 1, []float64{-1})
	b := mat.NewDense(1, 1, []float64{1})
	q := mat.NewDense(1, 1, []float64{1})
	r := mat.NewDense(1, 1, []float64{1})

	s := DefaultSettings()
	s.Tau = 1e-4
	s.RelTol = 1e-7
	s.AbsTol = 1e-12
	s.Deadline = time.Minute

	v, err := BruteForce(a, b, q, r, s)
	assert.NoError(err)
	assert.InDelta(math.Sqrt2-1, v.At(0, 0), 1e-3)
}

func TestBruteForceDeadline(t *testing.T) {
	assert := assert.New(t)

	a := mat.NewDense(1, 1, []float64{-1})
	b := mat.NewDense(1, 1, []float64{1})
	q := mat.NewDense(1, 1, []float64{1})
	r := mat.NewDense(1, 1, []float64{1})

	s := DefaultSettings()
	s.Deadline = time.Nanosecond

	v, err := BruteForce(a, b, q, r, s)
	assert.Nil(v)
	assert.ErrorIs(err, cbadc.ErrNumerical)
}
