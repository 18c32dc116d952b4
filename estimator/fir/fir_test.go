package fir

import (
	"errors"
	"io"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ideco/cbadc"
	"github.com/ideco/cbadc/control"
	"github.com/ideco/cbadc/estimator"
	"github.com/ideco/cbadc/estimator/batch"
	"github.com/ideco/cbadc/estimator/iir"
	"github.com/ideco/cbadc/signal"
	"github.com/ideco/cbadc/system"
	"gonum.org/v1/gonum/mat"
)

var (
	sys *system.AnalogSystem
	ctl control.DigitalControl
	cfg estimator.Config
)

func setup() {
	var err error
	sys, err = system.NewChainOfIntegrators(6, 6250)
	if err != nil {
		panic(err)
	}

	ctl, err = control.NewSwitched(1.0/12500.0, 6)
	if err != nil {
		panic(err)
	}

	cfg = estimator.Config{Eta2: 1e7, K1: 5, K2: 1}
}

func TestMain(m *testing.M) {
	setup()
	os.Exit(m.Run())
}

func randomSamples(n int, seed uint64) [][]float64 {
	src, err := signal.NewRandomBits(6, 0.5, seed)
	if err != nil {
		panic(err)
	}

	samples := make([][]float64, n)
	for i := range samples {
		v, err := src.Next()
		if err != nil {
			panic(err)
		}
		samples[i] = make([]float64, v.Len())
		for j := 0; j < v.Len(); j++ {
			samples[i][j] = v.AtVec(j)
		}
	}

	return samples
}

func TestNew(t *testing.T) {
	assert := assert.New(t)

	c, err := New(sys, ctl, cfg)
	assert.NotNil(c)
	assert.NoError(err)
	assert.Equal(5, c.Lookback())
	assert.Equal(1, c.Lookahead())
	assert.Equal(0, c.Lag())
	assert.Len(c.Taps(), 6)

	// zero lookback is a pure lookahead convolver
	c, err = New(sys, ctl, estimator.Config{Eta2: 1e7, K1: 0, K2: 4})
	assert.NotNil(c)
	assert.NoError(err)

	c, err = New(sys, ctl, estimator.Config{Eta2: 1e7, K1: -1, K2: 1})
	assert.Nil(c)
	assert.True(errors.Is(err, cbadc.ErrConfiguration))

	c, err = New(sys, ctl, estimator.Config{Eta2: 1e7, K1: 5, K2: 0})
	assert.Nil(c)
	assert.True(errors.Is(err, cbadc.ErrConfiguration))

	c, err = New(sys, ctl, estimator.Config{Eta2: 1e7, K1: 5, K2: 1, MidPoint: true})
	assert.Nil(c)
	assert.True(errors.Is(err, cbadc.ErrUnsupported))
}

func TestNextNoSource(t *testing.T) {
	assert := assert.New(t)

	c, err := New(sys, ctl, cfg)
	assert.NoError(err)

	est, err := c.Next()
	assert.Nil(est)
	assert.True(errors.Is(err, cbadc.ErrBufferState))
}

func TestElevenSampleScenario(t *testing.T) {
	assert := assert.New(t)

	// six-state chain of integrators, eleven pseudo-random samples with a
	// declared seed: both variants yield exactly eleven finite scalars, and
	// the convolver tracks the batch smoother within the tail it truncates
	samples := randomSamples(11, 42)

	capCfg := cfg
	capCfg.MaxEstimates = 11
	b, err := batch.New(sys, ctl, capCfg)
	assert.NoError(err)
	srcB, _ := signal.NewSlice(samples)
	b.Connect(srcB)

	c, err := New(sys, ctl, cfg)
	assert.NoError(err)
	srcC, _ := signal.NewSlice(samples)
	c.Connect(srcC)

	// per-sample bound on the truncation error: the absolute sum of every
	// tap outside the K1=5, K2=1 window
	wide, err := New(sys, ctl, estimator.Config{Eta2: 1e7, K1: 60, K2: 60})
	assert.NoError(err)
	h := wide.Taps()
	bound := 0.0
	for k := range h {
		if k >= 55 && k < 61 {
			continue
		}
		for m := 0; m < 6; m++ {
			bound += math.Abs(h[k].At(0, m))
		}
	}

	for i := 0; i < 11; i++ {
		vb, err := b.Next()
		assert.NoError(err)
		vc, err := c.Next()
		assert.NoError(err)

		assert.False(math.IsNaN(vb.AtVec(0)))
		assert.False(math.IsInf(vb.AtVec(0), 0))
		assert.False(math.IsNaN(vc.AtVec(0)))
		assert.False(math.IsInf(vc.AtVec(0), 0))
		assert.InDelta(vb.AtVec(0), vc.AtVec(0), bound)
	}

	_, err = c.Next()
	assert.Equal(io.EOF, err)
}

func TestBatchAgreement(t *testing.T) {
	assert := assert.New(t)

	// with a window wide enough for both truncated tails to decay away the
	// convolver reproduces the batch smoother essentially exactly
	samples := randomSamples(600, 42)
	wideCfg := estimator.Config{Eta2: 1e7, K1: 256, K2: 256}

	b, err := batch.New(sys, ctl, wideCfg)
	assert.NoError(err)
	srcB, _ := signal.NewSlice(samples)
	b.Connect(srcB)

	c, err := New(sys, ctl, wideCfg)
	assert.NoError(err)
	srcC, _ := signal.NewSlice(samples)
	c.Connect(srcC)

	// convolver output t estimates input index t-K2+1
	fir := make([]float64, 600)
	for i := range fir {
		v, err := c.Next()
		assert.NoError(err)
		fir[i] = v.AtVec(0)
	}

	for i := 0; i < 88; i++ {
		vb, err := b.Next()
		assert.NoError(err)
		assert.InDelta(vb.AtVec(0), fir[i+255], 1e-6)
	}
}

func TestIIRAgreement(t *testing.T) {
	assert := assert.New(t)

	// while every nonzero lookback term still fits inside the FIR window
	// the two truncated variants compute the same estimate
	samples := randomSamples(12, 13)

	c, err := New(sys, ctl, estimator.Config{Eta2: 1e7, K1: 8, K2: 4})
	assert.NoError(err)
	s, err := iir.New(sys, ctl, estimator.Config{Eta2: 1e7, K2: 4})
	assert.NoError(err)

	srcC, _ := signal.NewSlice(samples)
	srcS, _ := signal.NewSlice(samples)
	c.Connect(srcC)
	s.Connect(srcS)

	for i := 0; i < 12; i++ {
		vc, err := c.Next()
		assert.NoError(err)
		vs, err := s.Next()
		assert.NoError(err)
		assert.InDelta(vs.AtVec(0), vc.AtVec(0), 1e-12)
	}
}

func TestDownsample(t *testing.T) {
	assert := assert.New(t)

	c, err := New(sys, ctl, estimator.Config{Eta2: 1e7, K1: 5, K2: 1, Downsample: 3})
	assert.NoError(err)

	src, err := signal.NewSlice(randomSamples(12, 21))
	assert.NoError(err)
	c.Connect(src)

	count := 0
	for {
		_, err := c.Next()
		if err == io.EOF {
			break
		}
		assert.NoError(err)
		count++
	}
	assert.Equal(4, count)
}

func TestTapDecay(t *testing.T) {
	assert := assert.New(t)

	c, err := New(sys, ctl, estimator.Config{Eta2: 1e7, K1: 12, K2: 12})
	assert.NoError(err)

	h := c.Taps()
	// contractivity: both tails decay away from the estimate position
	assert.Greater(mat.Norm(h[11], 2), mat.Norm(h[0], 2))
	assert.Greater(mat.Norm(h[12], 2), mat.Norm(h[23], 2))
}

func TestLagReporting(t *testing.T) {
	assert := assert.New(t)

	c, err := New(sys, ctl, cfg)
	assert.NoError(err)
	assert.Equal(0, c.Lag())

	// zeros with a single all-ones impulse at index 12
	src, err := signal.NewFunc(func(k int) mat.Vector {
		if k >= 30 {
			return nil
		}
		v := mat.NewVecDense(6, nil)
		if k == 12 {
			for i := 0; i < 6; i++ {
				v.SetVec(i, 1)
			}
		}
		return v
	})
	assert.NoError(err)
	c.Connect(src)

	assert.NoError(c.WarmUp())
	assert.Equal(6, c.Lag())

	var out []float64
	for {
		v, err := c.Next()
		if err == io.EOF {
			break
		}
		assert.NoError(err)
		out = append(out, v.AtVec(0))
	}

	// peak deviation from the all-zero baseline lands where the impulse
	// meets the largest tap
	base := out[0]
	peak, peakIdx := 0.0, -1
	for i, v := range out {
		if d := math.Abs(v - base); d > peak {
			peak, peakIdx = d, i
		}
	}

	h := c.Taps()
	largest, largestIdx := 0.0, -1
	for k, tap := range h {
		sum := 0.0
		for m := 0; m < 6; m++ {
			sum += tap.At(0, m)
		}
		if a := math.Abs(sum); a > largest {
			largest, largestIdx = a, k
		}
	}

	// output i holds the impulse at window position 11-i
	assert.Equal(11-largestIdx, peakIdx)
}

func TestString(t *testing.T) {
	assert := assert.New(t)

	c, err := New(sys, ctl, cfg)
	assert.NoError(err)
	assert.Contains(c.String(), "TruncatedFIRConvolver")
}
