package inference

import (
	"errors"
	"fmt"

	"mosaic/internal/accel"
	"mosaic/internal/tensor"
)

// ErrExecutorClosed is returned by an Executor once the shutdown sentinel
// has been pushed
var ErrExecutorClosed = errors.New("executor closed")

// Kind tells the interpreter runtime what a model produces
type Kind string

const (
	KindDetection      Kind = "detection"
	KindSegmentation   Kind = "segmentation"
	KindClassification Kind = "classification"
	KindSegment        Kind = "segment"
)

// Model identifies a compiled model to load
type Model struct {
	Path string
	Kind Kind
	// Segment and Segments are set for one partition of a pipelined model
	Segment  int
	Segments int
}

// SegmentPath names partition i of n of a pipelined model
func SegmentPath(base string, i, n int) string {
	return fmt.Sprintf("%s_segment_%d_of_%d_edgetpu.tflite", base, i, n)
}

// Interpreter runs one model bound to one device. Invoke is synchronous.
type Interpreter interface {
	InputShape() tensor.Shape
	Invoke(inputs []tensor.Tensor) ([]tensor.Tensor, error)
	Close() error
}

// Loader is the interpreter runtime: it loads a model and binds it to a
// device context
type Loader interface {
	Load(m Model, dev *accel.Device) (Interpreter, error)
}

// LoaderFunc adapts a function to Loader
type LoaderFunc func(m Model, dev *accel.Device) (Interpreter, error)

// Load implements Loader
func (f LoaderFunc) Load(m Model, dev *accel.Device) (Interpreter, error) {
	return f(m, dev)
}

// Executor runs a chain of model segments. Results come out of Pop in the
// order frames went into Push. Pushing an empty tensor set is the shutdown
// sentinel; Pop reports false once it has passed through.
//
// Input buffers come from InputAllocator and are freed by the executor once
// consumed. Buffers returned by Pop come from OutputAllocator and must be
// freed by the caller.
type Executor interface {
	InputAllocator() tensor.Allocator
	OutputAllocator() tensor.Allocator
	Push(inputs []tensor.Tensor) error
	Pop() ([]tensor.Tensor, bool)
}

// ExecutorFactory builds an executor over loaded segments. input is the
// allocator frames are copied into.
type ExecutorFactory func(segments []Interpreter, input tensor.Allocator) (Executor, error)
