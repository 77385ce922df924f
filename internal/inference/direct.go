package inference

import (
	"fmt"

	"mosaic/internal/decode"
	"mosaic/internal/tensor"
)

// DetectionUnit runs an object detector on a single device, decoding inline
// with the caller
type DetectionUnit struct {
	single
	decoder decode.Detector
}

// NewDetection loads a detection model on the first assigned device
func NewDetection(o Options) (*DetectionUnit, error) {
	s, err := newSingle(TypeDetection, KindDetection, &o)
	if err != nil {
		return nil, err
	}
	return &DetectionUnit{
		single:  s,
		decoder: decode.Detector{Labels: o.Labels, Threshold: o.Threshold, Object: o.Object},
	}, nil
}

// Interpret implements Unit
func (u *DetectionUnit) Interpret(frame *Frame) (*Result, error) {
	if frame.Empty() {
		return nil, nil
	}
	out, err := u.invoke(frame)
	if err != nil {
		return nil, err
	}
	return u.Decode(out)
}

// Decode implements Unit
func (u *DetectionUnit) Decode(outputs []tensor.Tensor) (*Result, error) {
	dets, err := u.decoder.Decode(outputs)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", u.name, err)
	}
	return &Result{Detections: dets}, nil
}

// ManufacturingObject is the label a manufacturing unit detects unless
// configured otherwise
const ManufacturingObject = "person"

// ManufacturingUnit is a person detector with a keep-out zone the renderer
// tests detections against
type ManufacturingUnit struct {
	*DetectionUnit
	keepOut Polygon
}

// NewManufacturing loads the detector and attaches the keep-out polygon
func NewManufacturing(o Options, keepOut Polygon) (*ManufacturingUnit, error) {
	det, err := NewDetection(o)
	if err != nil {
		return nil, err
	}
	det.typ = TypeManufacturing
	det.log = det.log.WithField("type", string(TypeManufacturing))
	return &ManufacturingUnit{DetectionUnit: det, keepOut: keepOut}, nil
}

// KeepOut returns the keep-out polygon in normalized coordinates
func (u *ManufacturingUnit) KeepOut() Polygon {
	return u.keepOut
}

// SegmentationUnit produces a per-pixel class mask
type SegmentationUnit struct {
	single
}

// NewSegmentation loads a segmentation model on the first assigned device
func NewSegmentation(o Options) (*SegmentationUnit, error) {
	s, err := newSingle(TypeSegmentation, KindSegmentation, &o)
	if err != nil {
		return nil, err
	}
	return &SegmentationUnit{single: s}, nil
}

// Interpret implements Unit. The result always carries the mask, which is
// empty when the model produced nothing usable.
func (u *SegmentationUnit) Interpret(frame *Frame) (*Result, error) {
	if frame.Empty() {
		return nil, nil
	}
	out, err := u.invoke(frame)
	if err != nil {
		return nil, err
	}
	return u.Decode(out)
}

// Decode implements Unit
func (u *SegmentationUnit) Decode(outputs []tensor.Tensor) (*Result, error) {
	res := &Result{MaskWidth: u.input.Width, MaskHeight: u.input.Height}
	if len(outputs) > 0 {
		res.Mask = decode.Mask(outputs[0], u.input.Width, u.input.Height)
	}
	return res, nil
}

// ClassificationUnit reports the top-1 class of a frame
type ClassificationUnit struct {
	single
	classifier decode.Classifier
}

// NewClassification loads a classifier on the first assigned device. The
// device may be shared with another unit.
func NewClassification(o Options) (*ClassificationUnit, error) {
	s, err := newSingle(TypeClassification, KindClassification, &o)
	if err != nil {
		return nil, err
	}
	return &ClassificationUnit{
		single:     s,
		classifier: decode.Classifier{Labels: o.Labels, Threshold: o.Threshold},
	}, nil
}

// Interpret implements Unit
func (u *ClassificationUnit) Interpret(frame *Frame) (*Result, error) {
	if frame.Empty() {
		return nil, nil
	}
	out, err := u.invoke(frame)
	if err != nil {
		return nil, err
	}
	return u.Decode(out)
}

// Decode implements Unit
func (u *ClassificationUnit) Decode(outputs []tensor.Tensor) (*Result, error) {
	res := &Result{}
	if len(outputs) == 0 {
		return res, nil
	}
	if c, ok := u.classifier.Top1(outputs[0]); ok {
		res.Class = &c
	}
	return res, nil
}

// NoneUnit shows a stream without running inference
type NoneUnit struct {
	base
}

// NewNone creates a unit that never infers
func NewNone(o Options) *NoneUnit {
	return &NoneUnit{base: newBase(TypeNone, &o)}
}

// Description implements Unit
func (u *NoneUnit) Description() string { return "no inference" }

// Interpret implements Unit
func (u *NoneUnit) Interpret(*Frame) (*Result, error) { return nil, nil }

// Decode implements Unit
func (u *NoneUnit) Decode([]tensor.Tensor) (*Result, error) { return nil, nil }

// Close implements Unit
func (u *NoneUnit) Close() error { return nil }

var (
	_ Unit = (*DetectionUnit)(nil)
	_ Unit = (*ManufacturingUnit)(nil)
	_ Unit = (*SegmentationUnit)(nil)
	_ Unit = (*ClassificationUnit)(nil)
	_ Unit = (*NoneUnit)(nil)
	_ Unit = (*PipelinedUnit)(nil)
)
