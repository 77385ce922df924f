package tensor

import "sync/atomic"

// Buffer is a block of memory handed between the inference units and an
// executor
type Buffer interface {
	Bytes() []byte
}

// Allocator hands out and reclaims buffers. Executors take one for their
// input side and one for their output side.
type Allocator interface {
	Alloc(size int) Buffer
	Free(b Buffer)
}

// Bytes is a plain heap buffer
type Bytes []byte

// Bytes implements Buffer
func (b Bytes) Bytes() []byte { return b }

// HeapAllocator allocates plain heap buffers and counts live ones
type HeapAllocator struct {
	live   atomic.Int64
	allocs atomic.Int64
}

// NewHeapAllocator creates a heap allocator
func NewHeapAllocator() *HeapAllocator {
	return &HeapAllocator{}
}

type heapBuffer struct {
	data  []byte
	freed atomic.Bool
}

func (b *heapBuffer) Bytes() []byte { return b.data }

// Alloc implements Allocator
func (a *HeapAllocator) Alloc(size int) Buffer {
	a.live.Add(1)
	a.allocs.Add(1)
	return &heapBuffer{data: make([]byte, size)}
}

// Free implements Allocator. Freeing a buffer twice, or one this allocator
// did not hand out, is ignored.
func (a *HeapAllocator) Free(b Buffer) {
	hb, ok := b.(*heapBuffer)
	if !ok || !hb.freed.CompareAndSwap(false, true) {
		return
	}
	a.live.Add(-1)
}

// Live returns the number of allocated buffers not yet freed
func (a *HeapAllocator) Live() int64 {
	return a.live.Load()
}

// Allocs returns the total number of allocations made
func (a *HeapAllocator) Allocs() int64 {
	return a.allocs.Load()
}

var _ Allocator = (*HeapAllocator)(nil)
