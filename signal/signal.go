// Package signal provides control signal sources: in-memory slices, callback
// generators and pseudo-random bit streams for exercising estimators.
package signal

import (
	"fmt"
	"io"

	"golang.org/x/exp/rand"

	"github.com/ideco/cbadc"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Slice replays a finite in-memory control signal sequence and reports io.EOF
// once exhausted.
type Slice struct {
	samples []*mat.VecDense
	pos     int
}

// NewSlice creates a slice source from a sequence of raw bit vectors. Every
// sample must have the same dimension.
func NewSlice(samples [][]float64) (*Slice, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("empty control signal sequence")
	}

	m := len(samples[0])
	if m == 0 {
		return nil, fmt.Errorf("empty control signal sample")
	}

	vecs := make([]*mat.VecDense, len(samples))
	for i, s := range samples {
		if len(s) != m {
			return nil, fmt.Errorf("inconsistent control signal dimension at sample %d: %d != %d", i, len(s), m)
		}
		vecs[i] = mat.NewVecDense(m, append([]float64(nil), s...))
	}

	return &Slice{samples: vecs}, nil
}

// Next returns the next sample or io.EOF once the sequence is exhausted.
func (s *Slice) Next() (mat.Vector, error) {
	if s.pos >= len(s.samples) {
		return nil, io.EOF
	}

	v := s.samples[s.pos]
	s.pos++

	return v, nil
}

// Reset rewinds the source to the first sample.
func (s *Slice) Reset() { s.pos = 0 }

// Len returns the total number of samples.
func (s *Slice) Len() int { return len(s.samples) }

// Func adapts a callback into a control signal source. The callback receives
// the zero-based sample index; returning nil signals end of stream.
type Func struct {
	fn  func(k int) mat.Vector
	pos int
}

// NewFunc creates a callback source.
func NewFunc(fn func(k int) mat.Vector) (*Func, error) {
	if fn == nil {
		return nil, fmt.Errorf("invalid control signal function")
	}

	return &Func{fn: fn}, nil
}

// Next evaluates the callback at the next index or reports io.EOF if the
// callback returned nil.
func (f *Func) Next() (mat.Vector, error) {
	v := f.fn(f.pos)
	if v == nil {
		return nil, io.EOF
	}
	f.pos++

	return v, nil
}

// RandomBits is an unbounded stream of pseudo-random control bits with a
// fixed per-channel one probability. The stream is deterministic for a given
// seed.
type RandomBits struct {
	dist distuv.Bernoulli
	m    int
}

// NewRandomBits creates a random bit source over m channels with probability
// p of emitting a one, seeded with seed.
func NewRandomBits(m int, p float64, seed uint64) (*RandomBits, error) {
	if m < 1 {
		return nil, fmt.Errorf("invalid number of control channels: %d", m)
	}

	if p < 0 || p > 1 {
		return nil, fmt.Errorf("invalid bit probability: %v", p)
	}

	return &RandomBits{
		dist: distuv.Bernoulli{P: p, Src: rand.NewSource(seed)},
		m:    m,
	}, nil
}

// Next returns the next random bit vector; it never reports io.EOF.
func (r *RandomBits) Next() (mat.Vector, error) {
	v := mat.NewVecDense(r.m, nil)
	for i := 0; i < r.m; i++ {
		v.SetVec(i, r.dist.Rand())
	}

	return v, nil
}

// Limit caps an inner source at n samples, converting an unbounded stream
// into a finite one.
type Limit struct {
	src    cbadc.ControlSource
	n, pos int
}

// NewLimit wraps src so that at most n samples are produced.
func NewLimit(src cbadc.ControlSource, n int) (*Limit, error) {
	if src == nil {
		return nil, fmt.Errorf("missing control signal source")
	}

	if n < 0 {
		return nil, fmt.Errorf("invalid sample limit: %d", n)
	}

	return &Limit{src: src, n: n}, nil
}

// Next returns the next sample of the wrapped source or io.EOF once n
// samples have been produced.
func (l *Limit) Next() (mat.Vector, error) {
	if l.pos >= l.n {
		return nil, io.EOF
	}
	l.pos++

	return l.src.Next()
}
