package estimator

import (
	"fmt"
	"math"

	"github.com/milosgajdos/matrix"

	"github.com/ideco/cbadc"
	"github.com/ideco/cbadc/linalg"
	"github.com/ideco/cbadc/system"
	"gonum.org/v1/gonum/mat"
)

// Analyzer evaluates the noise and signal transfer functions implied by an
// analog system and bandwidth parameter. Every estimation variant embeds one
// so the frequency response of a configured estimator can be inspected
// without running it.
type Analyzer struct {
	sys  *system.AnalogSystem
	eta2 float64
}

// NewAnalyzer creates a transfer function analyzer and returns it.
func NewAnalyzer(sys *system.AnalogSystem, eta2 float64) (*Analyzer, error) {
	if sys == nil {
		return nil, fmt.Errorf("%w: missing analog system", cbadc.ErrConfiguration)
	}

	if eta2 <= 0 {
		return nil, fmt.Errorf("%w: eta2 must be positive, got %v", cbadc.ErrConfiguration, eta2)
	}

	return &Analyzer{sys: sys, eta2: eta2}, nil
}

// ntf evaluates G^H (G G^H + eta2 I)^-1 at one angular frequency, returning
// the real and imaginary parts of the L x N~ result.
func (a *Analyzer) ntf(omega float64) (nr, ni *mat.Dense, err error) {
	gr, gi, err := a.sys.TransferFunctionMatrix(omega)
	if err != nil {
		return nil, nil, err
	}

	// G^H
	ghr := &mat.Dense{}
	ghr.CloneFrom(gr.T())
	ghi := &mat.Dense{}
	ghi.CloneFrom(gi.T())
	ghi.Scale(-1, ghi)

	gghr, gghi := linalg.MulComplex(gr, gi, ghr, ghi)

	reg, err := matrix.NewDenseValIdentity(a.sys.OutputDim(), a.eta2)
	if err != nil {
		return nil, nil, err
	}
	gghr.Add(gghr, reg)

	eye, err := matrix.NewDenseValIdentity(a.sys.OutputDim(), 1.0)
	if err != nil {
		return nil, nil, err
	}

	invr, invi, err := linalg.SolveComplex(gghr, gghi, eye, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: transfer function regularized inverse failed at omega=%v: %v",
			cbadc.ErrNumerical, omega, err)
	}

	nr, ni = linalg.MulComplex(ghr, ghi, invr, invi)

	return nr, ni, nil
}

// NoiseTransferFunction evaluates the noise transfer function magnitude at
// each angular frequency. Element (i, j) of the k-th returned matrix is the
// magnitude of the transfer from control observation j to estimate channel i
// at omega[k].
func (a *Analyzer) NoiseTransferFunction(omega []float64) ([]*mat.Dense, error) {
	if len(omega) == 0 {
		return nil, fmt.Errorf("%w: no frequencies given", cbadc.ErrConfiguration)
	}

	out := make([]*mat.Dense, len(omega))
	for k, w := range omega {
		nr, ni, err := a.ntf(w)
		if err != nil {
			return nil, err
		}

		rows, cols := nr.Dims()
		mag := mat.NewDense(rows, cols, nil)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				mag.Set(i, j, math.Hypot(nr.At(i, j), ni.At(i, j)))
			}
		}
		out[k] = mag
	}

	return out, nil
}

// SignalTransferFunction evaluates the signal transfer function magnitude at
// each angular frequency. Element (i, k) of the returned L x len(omega)
// matrix is the magnitude of the transfer from input i to estimate i at
// omega[k].
func (a *Analyzer) SignalTransferFunction(omega []float64) (*mat.Dense, error) {
	if len(omega) == 0 {
		return nil, fmt.Errorf("%w: no frequencies given", cbadc.ErrConfiguration)
	}

	l := a.sys.InputDim()
	out := mat.NewDense(l, len(omega), nil)
	for k, w := range omega {
		nr, ni, err := a.ntf(w)
		if err != nil {
			return nil, err
		}

		gr, gi, err := a.sys.TransferFunctionMatrix(w)
		if err != nil {
			return nil, err
		}

		sr, si := linalg.MulComplex(nr, ni, gr, gi)
		for i := 0; i < l; i++ {
			out.Set(i, k, math.Hypot(sr.At(i, i), si.At(i, i)))
		}
	}

	return out, nil
}
