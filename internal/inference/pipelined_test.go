package inference_test

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mosaic/internal/accel"
	"mosaic/internal/decode"
	"mosaic/internal/inference"
	"mosaic/internal/inference/sim"
	"mosaic/internal/segment"
	"mosaic/internal/tensor"
)

var tiny = tensor.Shape{Batch: 1, Height: 4, Width: 4, Channels: 3}

func frameOf(v byte) *inference.Frame {
	return &inference.Frame{Width: 4, Height: 4, Pixels: bytes.Repeat([]byte{v}, 4*4*3)}
}

type fatals struct {
	mu   sync.Mutex
	errs []error
}

func (f *fatals) handle(_ string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func (f *fatals) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.errs)
}

// gatedExecutor completes one Pop per permit
type gatedExecutor struct {
	in, out *tensor.HeapAllocator
	queue   chan []tensor.Tensor
	permits chan struct{}
	outputs func() []tensor.Tensor

	mu       sync.Mutex
	closed   bool
	released bool
	pops     int
}

func newGatedExecutor(in tensor.Allocator) *gatedExecutor {
	return &gatedExecutor{
		in:      in.(*tensor.HeapAllocator),
		out:     tensor.NewHeapAllocator(),
		queue:   make(chan []tensor.Tensor, 64),
		permits: make(chan struct{}, 64),
		outputs: func() []tensor.Tensor {
			return []tensor.Tensor{
				tensor.FromFloat32s("boxes", []float32{0, 0, 1, 1}),
				tensor.FromFloat32s("classes", []float32{0}),
				tensor.FromFloat32s("scores", []float32{0.9}),
				tensor.FromFloat32s("count", []float32{1}),
			}
		},
	}
}

func (g *gatedExecutor) InputAllocator() tensor.Allocator { return g.in }
func (g *gatedExecutor) OutputAllocator() tensor.Allocator { return g.out }

func (g *gatedExecutor) Push(inputs []tensor.Tensor) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return inference.ErrExecutorClosed
	}
	if len(inputs) == 0 {
		g.closed = true
		close(g.queue)
		return nil
	}
	for _, t := range inputs {
		g.in.Free(t.Buffer)
	}
	g.queue <- g.outputs()
	return nil
}

func (g *gatedExecutor) Pop() ([]tensor.Tensor, bool) {
	outs, ok := <-g.queue
	if !ok {
		return nil, false
	}
	<-g.permits
	g.mu.Lock()
	g.pops++
	g.mu.Unlock()
	return outs, true
}

func (g *gatedExecutor) release(n int) {
	for i := 0; i < n; i++ {
		g.permits <- struct{}{}
	}
}

func (g *gatedExecutor) releaseAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.released {
		g.released = true
		close(g.permits)
	}
}

func (g *gatedExecutor) popCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pops
}

// countingExecutor tracks how many frames sit between Push and Pop
type countingExecutor struct {
	inference.Executor

	mu       sync.Mutex
	inFlight int
	peak     int
}

func (c *countingExecutor) Push(inputs []tensor.Tensor) error {
	if len(inputs) == 0 {
		return c.Executor.Push(inputs)
	}
	c.mu.Lock()
	c.inFlight++
	c.peak = max(c.peak, c.inFlight)
	c.mu.Unlock()

	err := c.Executor.Push(inputs)
	if err != nil {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}
	return err
}

func (c *countingExecutor) Pop() ([]tensor.Tensor, bool) {
	outs, ok := c.Executor.Pop()
	if ok {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}
	return outs, ok
}

func (c *countingExecutor) maxInFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peak
}

func newPipelined(t *testing.T, f *fatals, factory inference.ExecutorFactory) (*inference.PipelinedUnit, *sim.Loader) {
	t.Helper()
	pool := accel.NewPool(accel.NewSimSDK(8), nil)
	devs, err := pool.Allocate(inference.DefaultSegments)
	require.NoError(t, err)

	loader := sim.NewLoader()
	loader.Shapes = map[inference.Kind]tensor.Shape{inference.KindSegment: tiny}

	u, err := inference.NewPipelined(inference.Options{
		Name:      "pipelined",
		Model:     "models/efficientdet_lite3_512_ptq",
		Labels:    decode.Labels{0: "car"},
		Object:    decode.AnyObject,
		Threshold: 0.5,
		Devices:   devs,
		Loader:    loader,
		Fatal:     f.handle,
	}, inference.DefaultMaxInFlight, factory)
	require.NoError(t, err)
	return u, loader
}

func TestPipelinedLoadsOneSegmentPerDevice(t *testing.T) {
	u, loader := newPipelined(t, &fatals{}, segment.Factory(nil))
	defer u.Close()

	loaded := loader.Loaded()
	require.Len(t, loaded, 4)
	for i, interp := range loaded {
		assert.Equal(t, inference.SegmentPath("models/efficientdet_lite3_512_ptq", i, 4), interp.Model().Path)
		assert.Equal(t, i, interp.Device().Index)
	}
	assert.Equal(t, "efficientdet_lite3_512_ptq\non 4 TPU(s)", u.Description())
	assert.Equal(t, inference.TypePipelined, u.Type())
}

func TestPipelinedSubmitBlocksAtBound(t *testing.T) {
	var exec *gatedExecutor
	u, _ := newPipelined(t, &fatals{}, func(_ []inference.Interpreter, in tensor.Allocator) (inference.Executor, error) {
		exec = newGatedExecutor(in)
		return exec, nil
	})
	require.NoError(t, u.InitializePipeline(tensor.NewHeapAllocator()))
	defer func() {
		exec.releaseAll()
		u.Close()
	}()

	for i := 0; i < inference.DefaultMaxInFlight; i++ {
		_, ok := u.Submit(frameOf(10))
		require.True(t, ok)
	}
	assert.Equal(t, inference.DefaultMaxInFlight, u.InFlight())

	returned := make(chan struct{})
	go func() {
		u.Submit(frameOf(10))
		close(returned)
	}()

	select {
	case <-returned:
		t.Fatal("fifth submit returned before any pop")
	case <-time.After(50 * time.Millisecond):
	}

	exec.release(1)
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("fifth submit still blocked after a pop")
	}

	assert.Equal(t, 1, exec.popCount())
	assert.Equal(t, inference.DefaultMaxInFlight, u.InFlight())
}

func TestPipelinedBoundHoldsAcrossProducers(t *testing.T) {
	const producers, frames = 8, 50

	build := segment.Factory(nil)
	var exec *countingExecutor
	u, _ := newPipelined(t, &fatals{}, func(segments []inference.Interpreter, in tensor.Allocator) (inference.Executor, error) {
		e, err := build(segments, in)
		if err != nil {
			return nil, err
		}
		exec = &countingExecutor{Executor: e}
		return exec, nil
	})
	in := tensor.NewHeapAllocator()
	require.NoError(t, u.InitializePipeline(in))

	stop := make(chan struct{})
	sampled := make(chan int)
	go func() {
		peak := 0
		for {
			select {
			case <-stop:
				sampled <- peak
				return
			default:
				peak = max(peak, u.InFlight())
			}
		}
	}()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < frames; i++ {
				_, ok := u.Submit(frameOf(byte(p*frames + i)))
				assert.True(t, ok)
			}
		}(p)
	}
	wg.Wait()
	close(stop)

	assert.LessOrEqual(t, <-sampled, inference.DefaultMaxInFlight)
	assert.LessOrEqual(t, exec.maxInFlight(), inference.DefaultMaxInFlight)
	assert.Positive(t, exec.maxInFlight())

	closed := make(chan struct{})
	for i := 0; i < 2; i++ {
		go func() {
			assert.NoError(t, u.Close())
			closed <- struct{}{}
		}()
	}
	for i := 0; i < 2; i++ {
		select {
		case <-closed:
		case <-time.After(2 * time.Second):
			t.Fatal("concurrent close deadlocked")
		}
	}
	assert.EqualValues(t, 0, in.Live())
}

func TestPipelinedPublishesLatestResult(t *testing.T) {
	u, _ := newPipelined(t, &fatals{}, segment.Factory(nil))
	in := tensor.NewHeapAllocator()
	require.NoError(t, u.InitializePipeline(in))

	_, ok := u.Submit(frameOf(204))
	require.True(t, ok)
	require.Eventually(t, func() bool { return len(u.Latest()) == 1 }, 2*time.Second, time.Millisecond)

	latest := u.Latest()
	assert.Equal(t, "car", latest[0].Label)
	assert.InDelta(t, 0.8, latest[0].Score, 1e-3)

	// a dark frame flips the simulated detector to class 2, which has no label
	_, ok = u.Submit(frameOf(0))
	require.True(t, ok)
	require.Eventually(t, func() bool {
		l := u.Latest()
		return len(l) == 1 && l[0].Label == "2"
	}, 2*time.Second, time.Millisecond)

	dets, ok := u.Submit(frameOf(0))
	require.True(t, ok)
	require.Len(t, dets, 1)
	assert.Equal(t, "2", dets[0].Label)

	require.NoError(t, u.Close())
	assert.EqualValues(t, 0, in.Live())
}

func TestPipelinedSubmitWhenNotRunning(t *testing.T) {
	u, _ := newPipelined(t, &fatals{}, segment.Factory(nil))

	_, ok := u.Submit(frameOf(1))
	assert.False(t, ok, "submit before initialization")

	require.NoError(t, u.InitializePipeline(tensor.NewHeapAllocator()))
	require.NoError(t, u.Close())

	_, ok = u.Submit(frameOf(1))
	assert.False(t, ok, "submit after close")

	res, err := u.Interpret(frameOf(1))
	assert.NoError(t, err)
	assert.Nil(t, res)
}

func TestPipelinedCloseIsIdempotent(t *testing.T) {
	u, loader := newPipelined(t, &fatals{}, segment.Factory(nil))
	require.NoError(t, u.InitializePipeline(tensor.NewHeapAllocator()))

	done := make(chan struct{})
	go func() {
		u.Close()
		u.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close deadlocked")
	}
	assert.False(t, u.Running())
	for _, interp := range loader.Loaded() {
		assert.True(t, interp.Closed())
	}
}

func TestPipelinedCloseWithoutInitialization(t *testing.T) {
	u, _ := newPipelined(t, &fatals{}, segment.Factory(nil))
	assert.NoError(t, u.Close())
	assert.NoError(t, u.Close())
}

func TestPipelinedCloseWakesBlockedSubmitter(t *testing.T) {
	var exec *gatedExecutor
	u, _ := newPipelined(t, &fatals{}, func(_ []inference.Interpreter, in tensor.Allocator) (inference.Executor, error) {
		exec = newGatedExecutor(in)
		return exec, nil
	})
	require.NoError(t, u.InitializePipeline(tensor.NewHeapAllocator()))

	for i := 0; i < inference.DefaultMaxInFlight; i++ {
		u.Submit(frameOf(1))
	}
	result := make(chan bool)
	go func() {
		_, ok := u.Submit(frameOf(1))
		result <- ok
	}()
	time.Sleep(20 * time.Millisecond)

	closed := make(chan error)
	go func() { closed <- u.Close() }()

	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked submitter not woken by close")
	}

	exec.releaseAll()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return after the executor drained")
	}
}

func TestPipelinedOutputCountMismatchIsFatal(t *testing.T) {
	f := &fatals{}
	var exec *gatedExecutor
	u, _ := newPipelined(t, f, func(_ []inference.Interpreter, in tensor.Allocator) (inference.Executor, error) {
		exec = newGatedExecutor(in)
		exec.outputs = func() []tensor.Tensor {
			return []tensor.Tensor{tensor.FromFloat32s("boxes", []float32{0, 0, 1, 1})}
		}
		return exec, nil
	})
	require.NoError(t, u.InitializePipeline(tensor.NewHeapAllocator()))
	exec.releaseAll()

	u.Submit(frameOf(1))
	require.Eventually(t, func() bool { return f.count() == 1 }, 2*time.Second, time.Millisecond)
	assert.ErrorIs(t, f.errs[0], decode.ErrOutputCount)
	assert.Empty(t, u.Latest())
	require.NoError(t, u.Close())
}

func TestPipelinedRejectsBadBound(t *testing.T) {
	_, err := inference.NewPipelined(inference.Options{Name: "p"}, 0, segment.Factory(nil))
	assert.Error(t, err)
}
