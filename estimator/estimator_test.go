package estimator

import (
	"errors"
	"math"
	"math/cmplx"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ideco/cbadc"
	"github.com/ideco/cbadc/control"
	"github.com/ideco/cbadc/linalg"
	"github.com/ideco/cbadc/system"
	"gonum.org/v1/gonum/mat"
)

var (
	sys *system.AnalogSystem
	ctl control.DigitalControl
	cfg Config
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

	cfg = Config{Eta2: 1e7, K1: 5, K2: 1}
}

func TestMain(m *testing.M) {
	setup()
	os.Exit(m.Run())
}

func TestNewCoefficients(t *testing.T) {
	assert := assert.New(t)

	c, err := NewCoefficients(sys, ctl, cfg)
	assert.NotNil(c)
	assert.NoError(err)

	assert.InDelta(1.0/12500.0, c.Ts, 1e-15)

	// WT is L x N, Bf/Bb are N x M
	rows, cols := c.WT.Dims()
	assert.Equal(1, rows)
	assert.Equal(6, cols)

	for _, b := range []*mat.Dense{c.Bf, c.Bb} {
		rows, cols = b.Dims()
		assert.Equal(6, rows)
		assert.Equal(6, cols)
	}

	rows, cols = c.Af.Dims()
	assert.Equal(6, rows)
	assert.Equal(6, cols)
}

func TestCoefficientsStability(t *testing.T) {
	assert := assert.New(t)

	// every eigenvalue of Af and Ab stays strictly inside the unit circle
	for _, eta2 := range []float64{1e3, 1e7, 1e12} {
		c, err := NewCoefficients(sys, ctl, Config{Eta2: eta2})
		assert.NoError(err)

		for _, a := range []*mat.Dense{c.Af, c.Ab} {
			var eig mat.Eigen
			ok := eig.Factorize(a, mat.EigenNone)
			assert.True(ok)

			for _, v := range eig.Values(nil) {
				assert.Less(cmplx.Abs(v), 1.0)
			}
		}
	}
}

func TestNewCoefficientsInvalidConfig(t *testing.T) {
	assert := assert.New(t)

	c, err := NewCoefficients(nil, ctl, cfg)
	assert.Nil(c)
	assert.True(errors.Is(err, cbadc.ErrConfiguration))

	c, err = NewCoefficients(sys, ctl, Config{Eta2: 0})
	assert.Nil(c)
	assert.True(errors.Is(err, cbadc.ErrConfiguration))

	c, err = NewCoefficients(sys, ctl, Config{Eta2: -1})
	assert.Nil(c)
	assert.True(errors.Is(err, cbadc.ErrConfiguration))

	c, err = NewCoefficients(sys, ctl, Config{Eta2: 1e7, Ts: -1})
	assert.Nil(c)
	assert.True(errors.Is(err, cbadc.ErrConfiguration))

	// channel count mismatch
	narrow, err := control.NewSwitched(1.0/12500.0, 2)
	assert.NoError(err)
	c, err = NewCoefficients(sys, narrow, cfg)
	assert.Nil(c)
	assert.True(errors.Is(err, cbadc.ErrConfiguration))
}

func TestNewCoefficientsNarrowBandwidth(t *testing.T) {
	assert := assert.New(t)

	// Vf+Vb is near-singular for very narrow bandwidths: the output
	// projection solve must warn, not abort
	var events []string
	c, err := NewCoefficients(sys, ctl, Config{
		Eta2:        1e12,
		Diagnostics: func(event string) { events = append(events, event) },
	})
	assert.NotNil(c)
	assert.NoError(err)
	assert.False(linalg.HasNaNOrInf(c.WT))
	assert.NotEmpty(events)
}

func TestNewCoefficientsMidPoint(t *testing.T) {
	assert := assert.New(t)

	c, err := NewCoefficients(sys, ctl, Config{Eta2: 1e7, MidPoint: true})
	assert.NotNil(c)
	assert.NoError(err)

	plain, err := NewCoefficients(sys, ctl, Config{Eta2: 1e7})
	assert.NoError(err)

	// midpoint timing changes the control gains but not the transitions
	assert.True(mat.EqualApprox(c.Af, plain.Af, 1e-12))
	assert.False(mat.EqualApprox(c.Bf, plain.Bf, 1e-12))
}

func TestWindow(t *testing.T) {
	assert := assert.New(t)

	w, err := NewWindow(3, 2)
	assert.NoError(err)
	assert.Equal(0, w.Len())
	assert.Equal(3, w.Cap())
	assert.False(w.Full())

	// bits remap to +-1 levels
	assert.NoError(w.Push(mat.NewVecDense(2, []float64{1, 0})))
	assert.InDelta(1, w.At(0).AtVec(0), 1e-15)
	assert.InDelta(-1, w.At(0).AtVec(1), 1e-15)

	assert.NoError(w.Push(mat.NewVecDense(2, []float64{0, 1})))
	assert.NoError(w.Push(mat.NewVecDense(2, []float64{1, 1})))
	assert.True(w.Full())

	err = w.Push(mat.NewVecDense(2, []float64{0, 0}))
	assert.True(errors.Is(err, cbadc.ErrBufferState))

	assert.NoError(w.Advance(2))
	assert.Equal(1, w.Len())
	assert.InDelta(1, w.At(0).AtVec(0), 1e-15)
	assert.InDelta(1, w.At(0).AtVec(1), 1e-15)

	// wrap around
	assert.NoError(w.Push(mat.NewVecDense(2, []float64{0, 1})))
	assert.InDelta(-1, w.At(1).AtVec(0), 1e-15)

	err = w.Advance(5)
	assert.True(errors.Is(err, cbadc.ErrBufferState))

	err = w.Push(mat.NewVecDense(3, nil))
	assert.True(errors.Is(err, cbadc.ErrBufferState))
}

func TestNewFullWindow(t *testing.T) {
	assert := assert.New(t)

	w, err := NewFullWindow(4, 3)
	assert.NoError(err)
	assert.True(w.Full())

	// prefilled samples are neutral, not remapped bits
	for i := 0; i < w.Len(); i++ {
		for j := 0; j < 3; j++ {
			assert.InDelta(0, w.At(i).AtVec(j), 1e-15)
		}
	}

	// sliding keeps the window full and remaps the new sample
	assert.NoError(w.Slide(mat.NewVecDense(3, []float64{1, 0, 1})))
	assert.True(w.Full())
	assert.InDelta(0, w.At(0).AtVec(0), 1e-15)
	assert.InDelta(1, w.At(3).AtVec(0), 1e-15)
	assert.InDelta(-1, w.At(3).AtVec(1), 1e-15)

	w, err = NewFullWindow(0, 3)
	assert.Nil(w)
	assert.True(errors.Is(err, cbadc.ErrConfiguration))
}

func TestAnalyzer(t *testing.T) {
	assert := assert.New(t)

	a, err := NewAnalyzer(sys, 1e7)
	assert.NotNil(a)
	assert.NoError(err)

	omega := []float64{2 * math.Pi * 10, 2 * math.Pi * 100, 2 * math.Pi * 1000}

	ntf, err := a.NoiseTransferFunction(omega)
	assert.NoError(err)
	assert.Equal(len(omega), len(ntf))
	for _, m := range ntf {
		rows, cols := m.Dims()
		assert.Equal(1, rows)
		assert.Equal(6, cols)
	}

	stf, err := a.SignalTransferFunction(omega)
	assert.NoError(err)
	rows, cols := stf.Dims()
	assert.Equal(1, rows)
	assert.Equal(len(omega), cols)

	// in-band the signal passes at close to unit magnitude
	assert.InDelta(1.0, stf.At(0, 0), 1e-3)

	a, err = NewAnalyzer(sys, 0)
	assert.Nil(a)
	assert.True(errors.Is(err, cbadc.ErrConfiguration))

	a, _ = NewAnalyzer(sys, 1e7)
	_, err = a.NoiseTransferFunction(nil)
	assert.True(errors.Is(err, cbadc.ErrConfiguration))
}
