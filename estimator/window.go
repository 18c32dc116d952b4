package estimator

import (
	"fmt"

	"github.com/ideco/cbadc"
	"gonum.org/v1/gonum/mat"
)

// Window is a fixed-capacity ring buffer of control signal samples. Samples
// are pushed as raw bits in {0, 1} and stored remapped to {-1, +1}, the level
// the filter recursions consume.
type Window struct {
	buf   []*mat.VecDense
	head  int
	count int
	m     int
}

// NewWindow creates an empty window holding up to capacity samples of m
// control channels each.
func NewWindow(capacity, m int) (*Window, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: window capacity must be at least 1, got %d", cbadc.ErrConfiguration, capacity)
	}

	if m < 1 {
		return nil, fmt.Errorf("%w: invalid number of control channels: %d", cbadc.ErrConfiguration, m)
	}

	buf := make([]*mat.VecDense, capacity)
	for i := range buf {
		buf[i] = mat.NewVecDense(m, nil)
	}

	return &Window{buf: buf, m: m}, nil
}

// NewFullWindow creates a window prefilled to capacity with neutral samples:
// the stored level is 0, contributing nothing to any inner product until
// real samples displace it.
func NewFullWindow(capacity, m int) (*Window, error) {
	w, err := NewWindow(capacity, m)
	if err != nil {
		return nil, err
	}
	w.count = capacity

	return w, nil
}

// Slide discards the oldest sample and appends one raw control sample,
// remapping each bit v to 2v-1. The window must be full.
func (w *Window) Slide(s mat.Vector) error {
	if !w.Full() {
		return fmt.Errorf("%w: sliding a non-full window", cbadc.ErrBufferState)
	}

	if err := w.Advance(1); err != nil {
		return err
	}

	return w.Push(s)
}

// Push appends one raw control sample, remapping each bit v to 2v-1.
// It returns error when the window is already full.
func (w *Window) Push(s mat.Vector) error {
	if w.count == len(w.buf) {
		return fmt.Errorf("%w: window full", cbadc.ErrBufferState)
	}

	if s.Len() != w.m {
		return fmt.Errorf("%w: control sample dimension mismatch: %d != %d", cbadc.ErrBufferState, s.Len(), w.m)
	}

	slot := w.buf[(w.head+w.count)%len(w.buf)]
	for i := 0; i < w.m; i++ {
		slot.SetVec(i, 2*s.AtVec(i)-1)
	}
	w.count++

	return nil
}

// At returns the stored sample at logical index i, where 0 is the oldest
// sample currently held.
func (w *Window) At(i int) mat.Vector {
	if i < 0 || i >= w.count {
		panic(fmt.Sprintf("window index %d out of range [0, %d)", i, w.count))
	}

	return w.buf[(w.head+i)%len(w.buf)]
}

// Advance discards the n oldest samples.
func (w *Window) Advance(n int) error {
	if n < 0 || n > w.count {
		return fmt.Errorf("%w: cannot advance %d of %d held samples", cbadc.ErrBufferState, n, w.count)
	}

	w.head = (w.head + n) % len(w.buf)
	w.count -= n

	return nil
}

// Len returns the number of samples currently held.
func (w *Window) Len() int { return w.count }

// Cap returns the window capacity.
func (w *Window) Cap() int { return len(w.buf) }

// Full reports whether the window holds capacity samples.
func (w *Window) Full() bool { return w.count == len(w.buf) }
