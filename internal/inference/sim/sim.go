// Package sim is a deterministic stand-in for the accelerator interpreter
// runtime. Outputs are derived from the input pixels so that results are
// reproducible in tests and in demo runs without hardware.
package sim

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mosaic/internal/accel"
	"mosaic/internal/inference"
	"mosaic/internal/tensor"
)

// DefaultShapes are the input shapes reported per model kind
var DefaultShapes = map[inference.Kind]tensor.Shape{
	inference.KindDetection:      {Batch: 1, Height: 300, Width: 300, Channels: 3},
	inference.KindSegmentation:   {Batch: 1, Height: 257, Width: 257, Channels: 3},
	inference.KindClassification: {Batch: 1, Height: 224, Width: 224, Channels: 3},
	inference.KindSegment:        {Batch: 1, Height: 512, Width: 512, Channels: 3},
}

// Classes is the width of the simulated classification output
const Classes = 8

// Loader loads simulated interpreters
type Loader struct {
	// Shapes overrides DefaultShapes per kind
	Shapes map[inference.Kind]tensor.Shape
	// Latency is added to every Invoke
	Latency time.Duration

	mu      sync.Mutex
	loaded  []*Interpreter
	invokes atomic.Int64
}

// NewLoader creates a loader with default shapes
func NewLoader() *Loader {
	return &Loader{}
}

// Load implements inference.Loader
func (l *Loader) Load(m inference.Model, dev *accel.Device) (inference.Interpreter, error) {
	if dev == nil {
		return nil, fmt.Errorf("load %s: no device", m.Path)
	}
	shape, ok := l.Shapes[m.Kind]
	if !ok {
		if shape, ok = DefaultShapes[m.Kind]; !ok {
			return nil, fmt.Errorf("load %s: unsupported model kind %q", m.Path, m.Kind)
		}
	}
	interp := &Interpreter{model: m, device: dev, shape: shape, latency: l.Latency, invokes: &l.invokes}

	l.mu.Lock()
	l.loaded = append(l.loaded, interp)
	l.mu.Unlock()
	return interp, nil
}

// Loaded returns every interpreter loaded so far
func (l *Loader) Loaded() []*Interpreter {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Interpreter(nil), l.loaded...)
}

// Invokes returns the total number of Invoke calls across interpreters
func (l *Loader) Invokes() int64 {
	return l.invokes.Load()
}

// Interpreter is one simulated model bound to one device
type Interpreter struct {
	model   inference.Model
	device  *accel.Device
	shape   tensor.Shape
	latency time.Duration
	invokes *atomic.Int64

	failWith atomic.Pointer[error]
	closed   atomic.Bool
}

// Model returns the loaded model
func (i *Interpreter) Model() inference.Model { return i.model }

// Device returns the device the model is bound to
func (i *Interpreter) Device() *accel.Device { return i.device }

// Closed reports whether Close was called
func (i *Interpreter) Closed() bool { return i.closed.Load() }

// FailWith makes every later Invoke return err
func (i *Interpreter) FailWith(err error) { i.failWith.Store(&err) }

// InputShape implements inference.Interpreter
func (i *Interpreter) InputShape() tensor.Shape { return i.shape }

// Close implements inference.Interpreter
func (i *Interpreter) Close() error {
	i.closed.Store(true)
	return nil
}

// Invoke implements inference.Interpreter
func (i *Interpreter) Invoke(inputs []tensor.Tensor) ([]tensor.Tensor, error) {
	if errp := i.failWith.Load(); errp != nil {
		return nil, *errp
	}
	if len(inputs) == 0 || inputs[0].Buffer == nil {
		return nil, fmt.Errorf("invoke %s: missing input tensor", i.model.Path)
	}
	if i.latency > 0 {
		time.Sleep(i.latency)
	}
	i.invokes.Add(1)

	data := inputs[0].Buffer.Bytes()
	switch i.model.Kind {
	case inference.KindDetection:
		return detections(brightness(data)), nil
	case inference.KindSegmentation:
		return []tensor.Tensor{mask(data, i.shape)}, nil
	case inference.KindClassification:
		return []tensor.Tensor{scores(brightness(data))}, nil
	case inference.KindSegment:
		if i.model.Segment < i.model.Segments-1 {
			return []tensor.Tensor{tensor.FromUint8s("activation", append([]byte(nil), data...), tensor.Quantization{})}, nil
		}
		return detections(brightness(data)), nil
	}
	return nil, fmt.Errorf("invoke %s: unsupported kind %q", i.model.Path, i.model.Kind)
}

// brightness is the mean byte value scaled to [0,1]
func brightness(data []byte) float32 {
	if len(data) == 0 {
		return 0
	}
	var sum uint64
	for _, b := range data {
		sum += uint64(b)
	}
	return float32(sum) / float32(len(data)) / 255
}

// detections reports class 0 with score b in the upper-left quadrant and
// class 2 with score 1-b in the lower-right, as boxes in y1,x1,y2,x2 order
func detections(b float32) []tensor.Tensor {
	return []tensor.Tensor{
		tensor.FromFloat32s("boxes", []float32{
			0.1, 0.1, 0.5, 0.5,
			0.5, 0.5, 0.95, 0.95,
		}),
		tensor.FromFloat32s("classes", []float32{0, 2}),
		tensor.FromFloat32s("scores", []float32{b, 1 - b}),
		tensor.FromFloat32s("count", []float32{2}),
	}
}

// mask classifies each pixel by its red channel in steps of 16
func mask(data []byte, shape tensor.Shape) tensor.Tensor {
	n := shape.Width * shape.Height
	vals := make([]int64, n)
	for p := 0; p < n && p*shape.Channels < len(data); p++ {
		vals[p] = int64(data[p*shape.Channels] / 16)
	}
	return tensor.FromInt64s("mask", vals)
}

// scores peaks at the class selected by brightness
func scores(b float32) tensor.Tensor {
	vals := make([]float32, Classes)
	top := min(int(b*Classes), Classes-1)
	for c := range vals {
		vals[c] = 0.05
	}
	vals[top] = 0.65
	return tensor.FromFloat32s("scores", vals)
}
