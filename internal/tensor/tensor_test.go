package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloat32sRejectsOtherTypes(t *testing.T) {
	_, ok := FromInt64s("mask", []int64{1, 2}).Float32s()
	assert.False(t, ok)

	vals, ok := FromFloat32s("scores", []float32{0.25, -1.5}).Float32s()
	require.True(t, ok)
	assert.Equal(t, []float32{0.25, -1.5}, vals)
}

func TestDequantizedUint8(t *testing.T) {
	tn := FromUint8s("scores", []byte{0, 128, 255}, Quantization{Scale: 1.0 / 255, ZeroPoint: 0})
	vals, ok := tn.Dequantized()
	require.True(t, ok)
	assert.InDelta(t, 0.0, vals[0], 1e-6)
	assert.InDelta(t, 128.0/255, vals[1], 1e-6)
	assert.InDelta(t, 1.0, vals[2], 1e-6)
}

func TestHeapAllocatorCountsLiveBuffers(t *testing.T) {
	a := NewHeapAllocator()
	b1 := a.Alloc(16)
	b2 := a.Alloc(8)
	assert.Len(t, b1.Bytes(), 16)
	assert.EqualValues(t, 2, a.Live())

	a.Free(b1)
	a.Free(b1)
	a.Free(Bytes(make([]byte, 4)))
	assert.EqualValues(t, 1, a.Live())

	a.Free(b2)
	assert.EqualValues(t, 0, a.Live())
	assert.EqualValues(t, 2, a.Allocs())
}

func TestShapeBytes(t *testing.T) {
	assert.Equal(t, 300*300*3, Shape{Height: 300, Width: 300, Channels: 3}.Bytes())
	assert.Equal(t, 2*4*4*3, Shape{Batch: 2, Height: 4, Width: 4, Channels: 3}.Bytes())
}
