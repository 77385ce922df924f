package tensor

import (
	"encoding/binary"
	"math"
)

// Type is the element type of a tensor
type Type int

const (
	Float32 Type = iota
	Int64
	UInt8
)

func (t Type) String() string {
	switch t {
	case Float32:
		return "float32"
	case Int64:
		return "int64"
	case UInt8:
		return "uint8"
	default:
		return "unknown"
	}
}

// Size returns the byte width of one element
func (t Type) Size() int {
	switch t {
	case Float32:
		return 4
	case Int64:
		return 8
	case UInt8:
		return 1
	default:
		return 0
	}
}

// Shape describes an image-like input tensor (NHWC)
type Shape struct {
	Batch    int `json:"batch"`
	Height   int `json:"height"`
	Width    int `json:"width"`
	Channels int `json:"channels"`
}

// Bytes returns the tensor size in bytes for uint8 elements
func (s Shape) Bytes() int {
	b := s.Batch
	if b == 0 {
		b = 1
	}
	return b * s.Height * s.Width * s.Channels
}

// Quantization holds affine dequantization parameters for uint8 tensors
type Quantization struct {
	Scale     float32
	ZeroPoint int32
}

// Tensor is a typed view over a buffer. Data is little-endian.
type Tensor struct {
	Name   string
	Type   Type
	Quant  Quantization
	Buffer Buffer
}

// Len returns the number of elements
func (t Tensor) Len() int {
	if t.Buffer == nil || t.Type.Size() == 0 {
		return 0
	}
	return len(t.Buffer.Bytes()) / t.Type.Size()
}

// Float32s decodes the tensor as float32 values.
// ok is false if the tensor holds another type.
func (t Tensor) Float32s() (vals []float32, ok bool) {
	if t.Type != Float32 {
		return nil, false
	}
	n := t.Len()
	data := t.Buffer.Bytes()
	vals = make([]float32, n)
	for i := range vals {
		vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vals, true
}

// Int64s decodes the tensor as int64 values
func (t Tensor) Int64s() (vals []int64, ok bool) {
	if t.Type != Int64 {
		return nil, false
	}
	n := t.Len()
	data := t.Buffer.Bytes()
	vals = make([]int64, n)
	for i := range vals {
		vals[i] = int64(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return vals, true
}

// Dequantized returns float values for float32 or quantized uint8 tensors
func (t Tensor) Dequantized() ([]float32, bool) {
	switch t.Type {
	case Float32:
		return t.Float32s()
	case UInt8:
		data := t.Buffer.Bytes()
		vals := make([]float32, len(data))
		for i, b := range data {
			vals[i] = t.Quant.Scale * float32(int32(b)-t.Quant.ZeroPoint)
		}
		return vals, true
	default:
		return nil, false
	}
}

// FromFloat32s builds a float32 tensor backed by a heap buffer
func FromFloat32s(name string, vals []float32) Tensor {
	data := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return Tensor{Name: name, Type: Float32, Buffer: Bytes(data)}
}

// FromInt64s builds an int64 tensor backed by a heap buffer
func FromInt64s(name string, vals []int64) Tensor {
	data := make([]byte, len(vals)*8)
	for i, v := range vals {
		binary.LittleEndian.PutUint64(data[i*8:], uint64(v))
	}
	return Tensor{Name: name, Type: Int64, Buffer: Bytes(data)}
}

// FromUint8s builds a uint8 tensor
func FromUint8s(name string, vals []byte, q Quantization) Tensor {
	return Tensor{Name: name, Type: UInt8, Quant: q, Buffer: Bytes(vals)}
}
