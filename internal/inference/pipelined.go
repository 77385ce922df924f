package inference

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"

	"mosaic/internal/decode"
	"mosaic/internal/tensor"
)

// DefaultMaxInFlight bounds the frames queued inside a pipelined executor
const DefaultMaxInFlight = 4

// DefaultSegments is the number of devices a pipelined model spans
const DefaultSegments = 4

// PipelinedUnit spreads a detection model over several devices. Frames are
// pushed into an executor without waiting for their own result; a consumer
// goroutine drains completed results and keeps the latest one.
type PipelinedUnit struct {
	base
	segments    []Interpreter
	newExecutor ExecutorFactory
	decoder     decode.Detector
	bound       int
	fatal       FatalHandler

	mu       sync.Mutex
	cond     *sync.Cond
	exec     Executor
	running  bool
	inFlight int
	latest   []decode.Detection
	done     chan struct{}

	initOnce  sync.Once
	closeOnce sync.Once
}

// NewPipelined loads one model segment per assigned device. o.Model is the
// segment base path. bound is the maximum number of frames in flight.
func NewPipelined(o Options, bound int, newExecutor ExecutorFactory) (*PipelinedUnit, error) {
	if bound < 1 {
		return nil, fmt.Errorf("pipelined unit %q: bound must be positive, got %d", o.Name, bound)
	}
	if len(o.Devices) == 0 {
		return nil, fmt.Errorf("pipelined unit %q: no device assigned", o.Name)
	}
	if newExecutor == nil {
		return nil, fmt.Errorf("pipelined unit %q: no executor", o.Name)
	}

	u := &PipelinedUnit{
		base:        newBase(TypePipelined, &o),
		newExecutor: newExecutor,
		decoder:     decode.Detector{Labels: o.Labels, Threshold: o.Threshold, Object: o.Object},
		bound:       bound,
		fatal:       o.Fatal,
	}
	u.cond = sync.NewCond(&u.mu)
	if u.fatal == nil {
		u.fatal = ExitOnFatal(u.log)
	}

	n := len(o.Devices)
	for i, dev := range o.Devices {
		path := SegmentPath(o.Model, i, n)
		interp, err := o.Loader.Load(Model{Path: path, Kind: KindSegment, Segment: i, Segments: n}, dev)
		if err != nil {
			for _, s := range u.segments {
				s.Close()
			}
			return nil, fmt.Errorf("load segment %s: %w", path, err)
		}
		u.segments = append(u.segments, interp)
		u.log.Debugf("segment %s on %s", filepath.Base(path), dev)
	}
	u.input = u.segments[0].InputShape()
	return u, nil
}

// InitializePipeline creates the executor and starts the consumer. Only the
// first call has any effect.
func (u *PipelinedUnit) InitializePipeline(input tensor.Allocator) error {
	var err error
	u.initOnce.Do(func() {
		var exec Executor
		exec, err = u.newExecutor(u.segments, input)
		if err != nil {
			err = fmt.Errorf("start pipeline %s: %w", u.name, err)
			return
		}

		u.mu.Lock()
		u.exec = exec
		u.running = true
		u.done = make(chan struct{})
		done := u.done
		u.mu.Unlock()

		go u.consume(exec, done)
		u.log.Infof("pipeline started over %d segment(s), max %d in flight", len(u.segments), u.bound)
	})
	return err
}

// Submit pushes a frame and returns the most recently completed result,
// which belongs to an earlier frame. The caller blocks while bound frames
// are already in flight. ok is false when the unit is not running.
func (u *PipelinedUnit) Submit(frame *Frame) (dets []decode.Detection, ok bool) {
	if frame.Empty() {
		return nil, false
	}

	u.mu.Lock()
	for u.running && u.inFlight >= u.bound {
		u.cond.Wait()
	}
	if !u.running {
		u.mu.Unlock()
		return nil, false
	}
	u.inFlight++
	exec := u.exec
	u.mu.Unlock()

	alloc := exec.InputAllocator()
	buf := alloc.Alloc(u.input.Bytes())
	frame.CopyTo(buf.Bytes(), u.input)
	in := []tensor.Tensor{{Name: "input", Type: tensor.UInt8, Buffer: buf}}

	if err := exec.Push(in); err != nil {
		alloc.Free(buf)
		u.mu.Lock()
		u.inFlight--
		u.cond.Broadcast()
		running := u.running
		u.mu.Unlock()

		if running && !errors.Is(err, ErrExecutorClosed) {
			u.fatal(u.name, fmt.Errorf("push frame: %w", err))
		}
		return nil, false
	}

	u.mu.Lock()
	dets = slices.Clone(u.latest)
	u.mu.Unlock()
	return dets, true
}

func (u *PipelinedUnit) consume(exec Executor, done chan struct{}) {
	defer close(done)
	out := exec.OutputAllocator()

	for {
		outputs, ok := exec.Pop()
		if !ok {
			return
		}

		u.mu.Lock()
		if !u.running {
			// drain up to the shutdown sentinel
			u.mu.Unlock()
			release(out, outputs)
			continue
		}
		u.inFlight--
		u.cond.Broadcast()
		u.mu.Unlock()

		dets, err := u.decoder.Decode(outputs)
		if err != nil {
			release(out, outputs)
			u.fatal(u.name, err)
			continue
		}

		u.mu.Lock()
		u.latest = dets
		u.mu.Unlock()

		release(out, outputs)
	}
}

func release(alloc tensor.Allocator, outputs []tensor.Tensor) {
	for _, t := range outputs {
		if t.Buffer != nil {
			alloc.Free(t.Buffer)
		}
	}
}

// Interpret implements Unit
func (u *PipelinedUnit) Interpret(frame *Frame) (*Result, error) {
	dets, ok := u.Submit(frame)
	if !ok {
		return nil, nil
	}
	return &Result{Detections: dets}, nil
}

// Decode implements Unit
func (u *PipelinedUnit) Decode(outputs []tensor.Tensor) (*Result, error) {
	dets, err := u.decoder.Decode(outputs)
	if err != nil {
		return nil, err
	}
	return &Result{Detections: dets}, nil
}

// Latest returns a copy of the most recently published detections
func (u *PipelinedUnit) Latest() []decode.Detection {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.Clone(u.latest)
}

// InFlight returns the number of frames pushed but not yet popped
func (u *PipelinedUnit) InFlight() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.inFlight
}

// Running reports whether the consumer is accepting frames
func (u *PipelinedUnit) Running() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.running
}

// Close stops accepting frames, wakes blocked submitters, pushes the
// shutdown sentinel and waits for the consumer to exit. It is safe to call
// more than once.
func (u *PipelinedUnit) Close() error {
	var errs []error
	u.closeOnce.Do(func() {
		u.mu.Lock()
		u.running = false
		u.cond.Broadcast()
		exec, done := u.exec, u.done
		u.mu.Unlock()

		if exec != nil {
			if err := exec.Push(nil); err != nil && !errors.Is(err, ErrExecutorClosed) {
				errs = append(errs, fmt.Errorf("push shutdown sentinel: %w", err))
			}
			<-done
			u.log.Info("pipeline stopped")
		}

		for _, s := range u.segments {
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
