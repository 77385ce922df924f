// Package segment runs a partitioned model as a chain of stages, one
// goroutine per segment, each segment bound to its own device.
package segment

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"mosaic/internal/inference"
	"mosaic/internal/tensor"
)

// ErrClosed is returned by Push after the shutdown sentinel
var ErrClosed = inference.ErrExecutorClosed

// StageDepth is the number of items buffered between two stages
const StageDepth = 1

type item struct {
	tensors []tensor.Tensor
}

// Chain is a FIFO executor: frames leave in the order they were pushed
// regardless of per-stage latency.
type Chain struct {
	segments []inference.Interpreter
	input    tensor.Allocator
	output   tensor.Allocator
	log      *logrus.Entry

	mu     sync.Mutex
	closed bool
	head   chan item
	out    chan item
	wg     sync.WaitGroup
}

// New starts one stage per segment. input is the allocator pushed buffers
// come from; it frees them once the first segment has consumed them.
func New(segments []inference.Interpreter, input tensor.Allocator, log *logrus.Entry) (*Chain, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("segment chain: no segments")
	}
	if input == nil {
		return nil, fmt.Errorf("segment chain: no input allocator")
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	c := &Chain{
		segments: segments,
		input:    input,
		output:   tensor.NewHeapAllocator(),
		log:      log.WithField("component", "segment"),
		head:     make(chan item, StageDepth),
	}

	in := c.head
	for i, seg := range segments {
		next := make(chan item, StageDepth)
		c.wg.Add(1)
		go c.stage(i, seg, in, next)
		in = next
	}
	c.out = in
	return c, nil
}

// Factory adapts New to inference.ExecutorFactory
func Factory(log *logrus.Entry) inference.ExecutorFactory {
	return func(segments []inference.Interpreter, input tensor.Allocator) (inference.Executor, error) {
		return New(segments, input, log)
	}
}

func (c *Chain) stage(i int, seg inference.Interpreter, in <-chan item, next chan<- item) {
	defer c.wg.Done()
	defer close(next)

	last := i == len(c.segments)-1
	for it := range in {
		outs, err := seg.Invoke(it.tensors)
		if i == 0 {
			for _, t := range it.tensors {
				c.input.Free(t.Buffer)
			}
		}
		if err != nil {
			c.log.WithError(err).Errorf("segment %d failed", i)
			outs = nil
		}
		if last {
			outs = c.copyOut(outs)
		}
		next <- item{tensors: outs}
	}
}

// copyOut moves the final segment's tensors into output buffers the caller
// frees through OutputAllocator
func (c *Chain) copyOut(outs []tensor.Tensor) []tensor.Tensor {
	res := make([]tensor.Tensor, len(outs))
	for i, t := range outs {
		var data []byte
		if t.Buffer != nil {
			data = t.Buffer.Bytes()
		}
		b := c.output.Alloc(len(data))
		copy(b.Bytes(), data)
		res[i] = tensor.Tensor{Name: t.Name, Type: t.Type, Quant: t.Quant, Buffer: b}
	}
	return res
}

// InputAllocator implements inference.Executor
func (c *Chain) InputAllocator() tensor.Allocator { return c.input }

// OutputAllocator implements inference.Executor
func (c *Chain) OutputAllocator() tensor.Allocator { return c.output }

// Push queues a frame. An empty tensor set closes the chain once every
// frame ahead of it has drained.
func (c *Chain) Push(inputs []tensor.Tensor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if len(inputs) == 0 {
		c.closed = true
		close(c.head)
		return nil
	}
	c.head <- item{tensors: inputs}
	return nil
}

// Pop blocks for the next result; ok is false once the chain has closed
func (c *Chain) Pop() ([]tensor.Tensor, bool) {
	it, ok := <-c.out
	if !ok {
		return nil, false
	}
	return it.tensors, true
}

// Wait blocks until every stage goroutine has exited
func (c *Chain) Wait() {
	c.wg.Wait()
}

var _ inference.Executor = (*Chain)(nil)
