// Package ode integrates ordinary differential equations with explicit
// Runge-Kutta methods described by their Butcher tableaus. The coefficient
// solver uses it to integrate forced linear systems over one control period.
package ode

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Derivative evaluates dst = f(t, x).
type Derivative func(t float64, x mat.Vector, dst *mat.VecDense)

// butcherTableau describes an explicit Runge-Kutta method. Two weight rows
// form an embedded pair used for local error estimation.
type butcherTableau struct {
	stages  int
	nodes   []float64
	weights [][]float64
	rkMat   [][]float64
}

// RungeKutta is an explicit Runge-Kutta integrator.
type RungeKutta struct {
	tableau butcherTableau
}

// NewRK4 returns the classic fourth order Runge-Kutta method.
func NewRK4() *RungeKutta {
	return &RungeKutta{tableau: butcherTableau{
		stages:  4,
		nodes:   []float64{0, 1. / 2., 1. / 2., 1},
		weights: [][]float64{{1. / 6., 1. / 3., 1. / 3., 1. / 6.}},
		rkMat: [][]float64{
			nil,
			{1. / 2.},
			{0, 1. / 2.},
			{0, 0, 1.},
		},
	}}
}

// NewFehlberg45 returns the Runge-Kutta-Fehlberg 4(5) embedded pair.
func NewFehlberg45() *RungeKutta {
	return &RungeKutta{tableau: butcherTableau{
		stages: 6,
		nodes:  []float64{0, 1. / 4., 3. / 8., 12. / 13., 1., 1. / 2.},
		weights: [][]float64{
			{16. / 135., 0, 6656. / 12825., 28561. / 56430., -9. / 50., 2. / 55.},
			{25. / 216., 0, 1408. / 2565., 2197. / 4104., -1. / 5., 0},
		},
		rkMat: [][]float64{
			nil,
			{1. / 4.},
			{3. / 32., 9. / 32.},
			{1932. / 2197., -7200. / 2197., 7296. / 2197.},
			{439. / 216., -8., 3680. / 513., -845. / 4104.},
			{-8. / 27., 2, -3544. / 2565., 1859. / 4104., -11. / 40.},
		},
	}}
}

// Step advances x from t0 to t1 in a single step and returns the local error
// estimate, or nil when the tableau has no embedded pair.
func (rk *RungeKutta) Step(f Derivative, t0, t1 float64, x *mat.VecDense) *mat.VecDense {
	n := x.Len()
	h := t1 - t0

	k := make([]*mat.VecDense, rk.tableau.stages)
	stage := mat.NewVecDense(n, nil)
	for i := range k {
		stage.CopyVec(x)
		for j, a := range rk.tableau.rkMat[i] {
			if a != 0 {
				stage.AddScaledVec(stage, h*a, k[j])
			}
		}
		k[i] = mat.NewVecDense(n, nil)
		f(t0+h*rk.tableau.nodes[i], stage, k[i])
	}

	var errEst *mat.VecDense
	if len(rk.tableau.weights) == 2 {
		errEst = mat.NewVecDense(n, nil)
	}
	for i, ki := range k {
		x.AddScaledVec(x, h*rk.tableau.weights[0][i], ki)
		if errEst != nil {
			errEst.AddScaledVec(errEst, h*(rk.tableau.weights[0][i]-rk.tableau.weights[1][i]), ki)
		}
	}

	return errEst
}

// Integrate advances x from t0 to t1, halving the step until the local error
// estimate stays below tol. It returns error if the step control fails to
// converge within its iteration budget.
func (rk *RungeKutta) Integrate(f Derivative, t0, t1, tol float64, x *mat.VecDense) error {
	if len(rk.tableau.weights) < 2 {
		return fmt.Errorf("method has no embedded error estimate")
	}

	const maxIterations = 100000

	tnow := t0
	trial := mat.NewVecDense(x.Len(), nil)
	count := 0

	for tnow < t1 {
		tnext := t1
		for {
			trial.CopyVec(x)
			errEst := rk.Step(f, tnow, tnext, trial)

			local := 0.0
			for i := 0; i < errEst.Len(); i++ {
				local += math.Abs(errEst.AtVec(i))
			}
			if local < tol {
				break
			}

			tnext = tnow + (tnext-tnow)/2.0

			count++
			if count >= maxIterations {
				return fmt.Errorf("adaptive step control failed to converge")
			}
		}
		x.CopyVec(trial)
		tnow = tnext
	}

	return nil
}
