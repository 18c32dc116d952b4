// Package cbadc reconstructs the input signal of a control-bounded
// analog-to-digital converter from the binary control decisions emitted by
// its digital control loop.
package cbadc

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

// ControlSource is a pull-based source of control decisions.
type ControlSource interface {
	// Next returns the next M-dimensional control vector with binary {0,1}
	// components. It returns io.EOF once the stream is exhausted.
	Next() (mat.Vector, error)
}

// Estimator is a streaming input-signal estimator. It pulls control samples
// from a connected ControlSource on demand and yields L-dimensional input
// estimates at a fixed, queryable lag.
type Estimator interface {
	// Connect attaches the control-signal source the estimator pulls from.
	Connect(ControlSource)
	// Next returns the next input estimate. It returns io.EOF once the
	// source is exhausted and all buffered estimates have been drained.
	Next() (mat.Vector, error)
	// Lag returns the fixed index offset between a consumed control sample
	// and the estimate that finalizes it.
	Lag() int
}

// DiagnosticSink receives non-fatal diagnostic events from an estimator
// instance, e.g. a Riccati solver falling back to iteration or an upstream
// source ending mid-batch. A nil sink discards events.
type DiagnosticSink func(event string)

var (
	// ErrConfiguration is returned when construction parameters are invalid.
	ErrConfiguration = errors.New("cbadc: invalid configuration")

	// ErrNumerical is returned when a numerical procedure fails to converge
	// within its budget.
	ErrNumerical = errors.New("cbadc: numerical failure")

	// ErrBufferState is returned on buffer misuse: pushing into a full
	// sample window or pulling estimates before a source is connected.
	ErrBufferState = errors.New("cbadc: invalid buffer state")

	// ErrUnsupported is returned when a requested feature is not
	// implemented by the chosen estimator variant.
	ErrUnsupported = errors.New("cbadc: unsupported configuration")
)
