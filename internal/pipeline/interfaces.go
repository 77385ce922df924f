package pipeline

import (
	"mosaic/internal/inference"
)

// Admission decides per frame whether a stream's unit runs
type Admission interface {
	ShouldInfer(stream int) bool
}

// ResultHandler receives results published on the event bus
type ResultHandler interface {
	OnResult(result *Result)
}

// ResultHandlerFunc adapts a function to ResultHandler
type ResultHandlerFunc func(result *Result)

// OnResult implements ResultHandler
func (f ResultHandlerFunc) OnResult(result *Result) { f(result) }

// FrameSink accepts frames for one pad of a stream. Sources call it from
// their own goroutine.
type FrameSink interface {
	OnFrame(pad int, frame *inference.Frame)
}

// StreamManager assembles and owns every stream
type StreamManager interface {
	// Stream returns the named stream or nil
	Stream(name string) *Stream

	// Streams returns every stream in tile order
	Streams() []*Stream

	// Stats returns per-stream statistics in tile order
	Stats() []Stats

	// SubscribeResults registers a handler for published results
	SubscribeResults(handler ResultHandler) func()

	// Close shuts down every unit
	Close() error
}
