package inference

import (
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"mosaic/internal/accel"
	"mosaic/internal/decode"
	"mosaic/internal/tensor"
)

// Type tags an inference unit variant
type Type string

const (
	TypeNone           Type = "none"
	TypeDetection      Type = "detection"
	TypeSegmentation   Type = "segmentation"
	TypeClassification Type = "classification"
	TypePipelined      Type = "pipelined"
	TypeManufacturing  Type = "manufacturing"
)

// Valid reports whether t names a known variant
func (t Type) Valid() bool {
	switch t {
	case TypeNone, TypeDetection, TypeSegmentation, TypeClassification, TypePipelined, TypeManufacturing:
		return true
	}
	return false
}

// Frame is a packed RGB888 image handed over by the media pipeline
type Frame struct {
	Width  int
	Height int
	// Stride is the row pitch in bytes; zero means Width*3
	Stride int
	Pixels []byte
}

// Empty reports whether the frame carries no pixels
func (f *Frame) Empty() bool {
	return f == nil || len(f.Pixels) == 0
}

// CopyTo copies the frame into an input tensor of the given shape row by
// row, dropping stride padding. Rows or columns beyond either side are left
// untouched.
func (f *Frame) CopyTo(dst []byte, shape tensor.Shape) {
	stride := f.Stride
	if stride == 0 {
		stride = f.Width * 3
	}
	rowBytes := min(f.Width, shape.Width) * shape.Channels
	dstPitch := shape.Width * shape.Channels
	for y := 0; y < min(f.Height, shape.Height); y++ {
		src := y * stride
		if src >= len(f.Pixels) {
			return
		}
		copy(dst[y*dstPitch:y*dstPitch+rowBytes], f.Pixels[src:min(src+rowBytes, len(f.Pixels))])
	}
}

// Result is what a unit publishes for one frame
type Result struct {
	Detections []decode.Detection     `json:"detections,omitempty"`
	Mask       []uint8                `json:"mask,omitempty"`
	MaskWidth  int                    `json:"mask_width,omitempty"`
	MaskHeight int                    `json:"mask_height,omitempty"`
	Class      *decode.Classification `json:"class,omitempty"`
}

// FatalHandler is called when a unit hits an unrecoverable error outside of
// a caller's control, such as inside a consumer goroutine
type FatalHandler func(unit string, err error)

// ExitOnFatal logs the error at fatal level, terminating the process
func ExitOnFatal(log *logrus.Entry) FatalHandler {
	return func(unit string, err error) {
		log.WithField("unit", unit).WithError(err).Fatal("inference unit failed")
	}
}

// Unit is the capability every inference variant provides
type Unit interface {
	Name() string
	Type() Type
	// Description is the model file name and the number of devices it runs on
	Description() string
	InputShape() tensor.Shape
	Devices() []*accel.Device
	// Interpret runs inference on a frame. A nil result means nothing was
	// produced for this frame.
	Interpret(frame *Frame) (*Result, error)
	// Decode turns raw output tensors into a result
	Decode(outputs []tensor.Tensor) (*Result, error)
	// InitializePipeline starts any background machinery. Units without
	// any treat it as a no-op.
	InitializePipeline(input tensor.Allocator) error
	// Close releases the unit. It must be called before the unit is dropped.
	Close() error
}

// Options configures a unit
type Options struct {
	Name      string
	Model     string
	Labels    decode.Labels
	Object    int
	Threshold float32
	Devices   []*accel.Device
	Loader    Loader
	Log       *logrus.Entry
	Fatal     FatalHandler
}

func (o *Options) logger() *logrus.Entry {
	if o.Log == nil {
		o.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return o.Log
}

type base struct {
	name    string
	typ     Type
	model   string
	devices []*accel.Device
	input   tensor.Shape
	log     *logrus.Entry
}

func newBase(typ Type, o *Options) base {
	return base{
		name:    o.Name,
		typ:     typ,
		model:   o.Model,
		devices: o.Devices,
		log:     o.logger().WithFields(logrus.Fields{"unit": o.Name, "type": string(typ)}),
	}
}

func (b *base) Name() string { return b.name }
func (b *base) Type() Type { return b.typ }
func (b *base) InputShape() tensor.Shape { return b.input }
func (b *base) Devices() []*accel.Device { return b.devices }

func (b *base) Description() string {
	return fmt.Sprintf("%s\non %d TPU(s)", filepath.Base(b.model), len(b.devices))
}

func (b *base) InitializePipeline(tensor.Allocator) error { return nil }

// single is a unit backed by one interpreter on one device
type single struct {
	base
	interp Interpreter
}

func newSingle(typ Type, kind Kind, o *Options) (single, error) {
	s := single{base: newBase(typ, o)}
	if len(o.Devices) == 0 {
		return s, fmt.Errorf("%s unit %q: no device assigned", typ, o.Name)
	}
	interp, err := o.Loader.Load(Model{Path: o.Model, Kind: kind}, o.Devices[0])
	if err != nil {
		return s, fmt.Errorf("load model %s: %w", o.Model, err)
	}
	s.interp = interp
	s.input = interp.InputShape()
	s.log.Infof("loaded %s on %s", filepath.Base(o.Model), o.Devices[0])
	return s, nil
}

func (s *single) invoke(frame *Frame) ([]tensor.Tensor, error) {
	buf := make([]byte, s.input.Bytes())
	frame.CopyTo(buf, s.input)
	out, err := s.interp.Invoke([]tensor.Tensor{tensor.FromUint8s("input", buf, tensor.Quantization{})})
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", s.name, err)
	}
	return out, nil
}

func (s *single) Close() error {
	if s.interp == nil {
		return nil
	}
	return s.interp.Close()
}
