// Package parallel implements the diagonalized batch smoother.
//
// The coupled forward/backward recursions of the batch smoother are
// diagonalized through eigendecomposition of Af and Ab into N scalar complex
// modes with eigenvector-transformed gains and output weights. Every mode
// runs an independent scalar recursion over the same batch structure; the
// estimate is the real part of the per-mode contributions summed. The output
// matches the batch smoother to numerical tolerance since diagonalization is
// an exact algebraic transform of the same recursion.
package parallel

import (
	"errors"
	"fmt"
	"io"

	"github.com/ideco/cbadc"
	"github.com/ideco/cbadc/control"
	"github.com/ideco/cbadc/estimator"
	"github.com/ideco/cbadc/linalg"
	"github.com/ideco/cbadc/system"
	"gonum.org/v1/gonum/mat"
)

// defaultEigenCutoff conditions the eigenvector pseudo-inverse.
const defaultEigenCutoff = 1e-20

// Smoother is a diagonalized batch two-filter fixed-lag smoother.
// It must not be driven by more than one caller concurrently.
type Smoother struct {
	*estimator.Analyzer

	k1, k2, k3 int
	n, m, l    int
	ts         float64

	// per-mode recursion coefficients
	fa, ba []complex128   // eigenvalues of Af, Ab
	fb, bb [][]complex128 // eigenvector-transformed control gains, N x M
	fw, bw [][]complex128 // eigenvector-transformed output weights, L x N

	src    cbadc.ControlSource
	window *estimator.Window

	// mean carries the per-mode forward recursion across batches
	mean      []complex128
	estimates []*mat.VecDense
	ptr       int

	emitted uint64
	max     uint64

	eof  bool
	diag cbadc.DiagnosticSink
}

// New creates a parallel smoother for the given analog system, digital
// control and configuration.
// It returns error if the configuration is invalid for this variant, the
// coefficient derivation fails or either eigendecomposition is defective
// beyond the conditioning cutoff.
func New(sys *system.AnalogSystem, ctl control.DigitalControl, cfg estimator.Config) (*Smoother, error) {
	if cfg.K1 < 1 {
		return nil, fmt.Errorf("%w: K1 must be a positive integer, got %d", cbadc.ErrConfiguration, cfg.K1)
	}

	if cfg.K2 < 0 {
		return nil, fmt.Errorf("%w: K2 must be a non-negative integer, got %d", cbadc.ErrConfiguration, cfg.K2)
	}

	if cfg.Downsample > 1 {
		return nil, fmt.Errorf("%w: parallel smoother does not implement downsampling", cbadc.ErrUnsupported)
	}

	coeff, err := estimator.NewCoefficients(sys, ctl, cfg)
	if err != nil {
		return nil, err
	}

	a, err := estimator.NewAnalyzer(sys, cfg.Eta2)
	if err != nil {
		return nil, err
	}

	cutoff := cfg.EigenCutoff
	if cutoff == 0 {
		cutoff = defaultEigenCutoff
	}

	n := sys.StateDim()
	m := sys.CtrlDim()
	l := sys.InputDim()

	fa, qf, err := eigendecompose(coeff.Af)
	if err != nil {
		return nil, fmt.Errorf("%w: forward diagonalization failed: %v", cbadc.ErrNumerical, err)
	}

	ba, qb, err := eigendecompose(coeff.Ab)
	if err != nil {
		return nil, fmt.Errorf("%w: backward diagonalization failed: %v", cbadc.ErrNumerical, err)
	}

	qfInv, err := linalg.PinvComplex(qf, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: forward eigenvector inversion failed: %v", cbadc.ErrNumerical, err)
	}

	qbInv, err := linalg.PinvComplex(qb, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: backward eigenvector inversion failed: %v", cbadc.ErrNumerical, err)
	}

	k3 := cfg.K1 + cfg.K2
	window, err := estimator.NewWindow(k3, m)
	if err != nil {
		return nil, err
	}

	estimates := make([]*mat.VecDense, cfg.K1)
	for i := range estimates {
		estimates[i] = mat.NewVecDense(l, nil)
	}

	s := &Smoother{
		Analyzer:  a,
		k1:        cfg.K1,
		k2:        cfg.K2,
		k3:        k3,
		n:         n,
		m:         m,
		l:         l,
		ts:        coeff.Ts,
		fa:        fa,
		ba:        ba,
		fb:        mulCRows(qfInv, coeff.Bf, n, m),
		bb:        mulCRows(qbInv, coeff.Bb, n, m),
		fw:        mulRCols(coeff.WT, qf, l, n, -1),
		bw:        mulRCols(coeff.WT, qb, l, n, +1),
		window:    window,
		mean:      make([]complex128, n),
		estimates: estimates,
		ptr:       cfg.K1,
		max:       cfg.MaxEstimates,
		diag:      cfg.Diagnostics,
	}

	return s, nil
}

// eigendecompose returns the eigenvalues and right eigenvector matrix of a.
func eigendecompose(a *mat.Dense) ([]complex128, *mat.CDense, error) {
	var eig mat.Eigen
	if ok := eig.Factorize(a, mat.EigenRight); !ok {
		return nil, nil, fmt.Errorf("eigendecomposition failed")
	}

	vals := eig.Values(nil)
	vecs := &mat.CDense{}
	eig.VectorsTo(vecs)

	return vals, vecs, nil
}

// mulCRows multiplies the complex rows x cols matrix a by the real matrix b.
func mulCRows(a *mat.CDense, b *mat.Dense, rows, cols int) [][]complex128 {
	out := make([][]complex128, rows)
	br, _ := b.Dims()
	for i := 0; i < rows; i++ {
		out[i] = make([]complex128, cols)
		for j := 0; j < cols; j++ {
			var acc complex128
			for k := 0; k < br; k++ {
				acc += a.At(i, k) * complex(b.At(k, j), 0)
			}
			out[i][j] = acc
		}
	}

	return out
}

// mulRCols multiplies the real rows x n matrix a by the complex n x n matrix
// b, scaling by sign.
func mulRCols(a *mat.Dense, b *mat.CDense, rows, n int, sign float64) [][]complex128 {
	out := make([][]complex128, rows)
	for i := 0; i < rows; i++ {
		out[i] = make([]complex128, n)
		for j := 0; j < n; j++ {
			var acc complex128
			for k := 0; k < n; k++ {
				acc += complex(sign*a.At(i, k), 0) * b.At(k, j)
			}
			out[i][j] = acc
		}
	}

	return out
}

// Connect attaches the upstream control signal source.
func (s *Smoother) Connect(src cbadc.ControlSource) { s.src = src }

// Lag returns the fixed estimation lag in samples.
func (s *Smoother) Lag() int { return s.k1 + s.k2 - 1 }

// Next returns the next estimate as an L-dimensional vector. io.EOF reports
// graceful completion once the upstream terminated and every computable
// estimate has been drained.
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

// compute runs every scalar mode over the batch window, accumulating the
// per-mode forward and backward contributions into the estimate buffer.
func (s *Smoother) compute() error {
	for k := range s.estimates {
		s.estimates[k].Zero()
	}

	for n := 0; n < s.n; n++ {
		// forward recursion: the contribution uses the mode state before
		// consuming the sample, matching the batch smoother
		mean := s.mean[n]
		for k := 0; k < s.k1; k++ {
			for l := 0; l < s.l; l++ {
				s.estimates[k].SetVec(l, s.estimates[k].AtVec(l)+real(s.fw[l][n]*mean))
			}
			mean = s.fa[n] * mean
			sample := s.window.At(k)
			for m := 0; m < s.m; m++ {
				mean += complex(sample.AtVec(m), 0) * s.fb[n][m]
			}
		}
		s.mean[n] = mean

		// backward recursion over the full window including lookahead
		mean = 0
		for k := s.k3 - 1; k >= 0; k-- {
			mean = s.ba[n] * mean
			sample := s.window.At(k)
			for m := 0; m < s.m; m++ {
				mean += complex(sample.AtVec(m), 0) * s.bb[n][m]
			}
			if k < s.k1 {
				for l := 0; l < s.l; l++ {
					s.estimates[k].SetVec(l, s.estimates[k].AtVec(l)+real(s.bw[l][n]*mean))
				}
			}
		}
	}

	return s.window.Advance(s.k1)
}

// String implements the Stringer interface.
func (s *Smoother) String() string {
	return fmt.Sprintf("ParallelSmoother{K1=%d, K2=%d, Ts=%v, Modes=%d, Lag=%d}",
		s.k1, s.k2, s.ts, s.n, s.Lag())
}
