package pipeline

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mosaic/internal/decode"
	"mosaic/internal/inference"
	"mosaic/internal/tensor"
	"mosaic/internal/view"
)

// Pads of a dual-model stream
const (
	PadDetect   = 0
	PadClassify = 1
)

// Stream binds a frame source to its unit and mosaic tile. A dual-model
// stream also carries a classifier that runs on the crop of the best
// detection.
type Stream struct {
	id         string
	name       string
	tiles      []int
	unit       inference.Unit
	classifier inference.Unit
	admission  Admission
	layout     view.Layout
	bus        *EventBus
	fatal      inference.FatalHandler
	log        *logrus.Entry

	seq atomic.Uint64

	mu         sync.RWMutex
	latest     []*Result // per pad
	fullscreen []bool
	crop       image.Rectangle

	statsMu sync.Mutex
	stats   Stats
	totalMs float64
}

// StreamOptions configures a stream
type StreamOptions struct {
	Name       string
	Unit       inference.Unit
	Classifier inference.Unit
	Admission  Admission
	Layout     view.Layout
	Bus        *EventBus
	Fatal      inference.FatalHandler
	Log        *logrus.Entry
}

// NewStream creates a stream. Tiles are assigned when it is linked to the
// view controller.
func NewStream(o StreamOptions) *Stream {
	pads := 1
	if o.Classifier != nil {
		pads = 2
	}
	if o.Log == nil {
		o.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Stream{
		id:         uuid.NewString(),
		name:       o.Name,
		unit:       o.Unit,
		classifier: o.Classifier,
		admission:  o.Admission,
		layout:     o.Layout,
		bus:        o.Bus,
		fatal:      o.Fatal,
		log:        o.Log.WithField("stream", o.Name),
		latest:     make([]*Result, pads),
		fullscreen: make([]bool, pads),
	}
	if s.fatal == nil {
		s.fatal = inference.ExitOnFatal(s.log)
	}
	s.stats = Stats{StreamID: s.id, Stream: s.name, Unit: o.Unit.Type()}
	return s
}

// ID returns the stream's unique id
func (s *Stream) ID() string { return s.id }

// Name returns the configured stream name
func (s *Stream) Name() string { return s.name }

// Pads returns the number of tiles the stream occupies
func (s *Stream) Pads() int { return len(s.latest) }

// Tiles returns the mosaic tiles assigned to the stream's pads
func (s *Stream) Tiles() []int { return s.tiles }

// Unit returns the stream's primary unit
func (s *Stream) Unit() inference.Unit { return s.unit }

// Classifier returns the dual-model classifier, or nil
func (s *Stream) Classifier() inference.Unit { return s.classifier }

// InputShape returns the frame shape pad expects. Units without a model
// take tile-sized frames.
func (s *Stream) InputShape(pad int) tensor.Shape {
	unit := s.unit
	if pad == PadClassify && s.classifier != nil {
		unit = s.classifier
	}
	shape := unit.InputShape()
	if shape.Width == 0 || shape.Height == 0 {
		shape = tensor.Shape{Batch: 1, Height: s.layout.TileHeight, Width: s.layout.TileWidth, Channels: 3}
	}
	return shape
}

func (s *Stream) setTiles(tiles []int) { s.tiles = tiles }

// OnFrame runs the admitted inference for a frame arriving on pad. Missing
// frames and frames of non-admitted streams are dropped.
func (s *Stream) OnFrame(pad int, frame *inference.Frame) {
	if pad < 0 || pad >= s.Pads() {
		return
	}
	s.count(func(st *Stats) { st.Frames++ })
	if frame.Empty() {
		return
	}
	if len(s.tiles) > 0 && !s.admission.ShouldInfer(s.tiles[0]) {
		s.count(func(st *Stats) { st.Skipped++ })
		return
	}
	s.count(func(st *Stats) { st.Admitted++ })

	unit := s.unit
	if pad == PadClassify {
		unit = s.classifier
	}

	start := time.Now()
	res, err := unit.Interpret(frame)
	if err != nil {
		s.fatal(unit.Name(), err)
		return
	}
	if res == nil {
		return
	}
	elapsed := time.Since(start)
	s.recordInference(elapsed)

	if s.classifier != nil && pad == PadDetect {
		s.updateCrop(res.Detections, frame.Width, frame.Height)
	}
	s.publish(pad, unit, res, elapsed)
}

func (s *Stream) publish(pad int, unit inference.Unit, res *inference.Result, elapsed time.Duration) {
	out := &Result{
		StreamID:    s.id,
		Stream:      s.name,
		Seq:         s.seq.Add(1),
		Timestamp:   time.Now(),
		Unit:        unit.Type(),
		Description: unit.Description(),
		Detections:  res.Detections,
		Mask:        res.Mask,
		MaskWidth:   res.MaskWidth,
		MaskHeight:  res.MaskHeight,
		Class:       res.Class,
		InferenceMs: float64(elapsed.Microseconds()) / 1000,
	}
	if pad < len(s.tiles) {
		out.Tile = s.tiles[pad]
	}
	if m, ok := unit.(*inference.ManufacturingUnit); ok {
		out.KeepOut = m.KeepOut()
	}

	s.mu.Lock()
	s.latest[pad] = out
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(out)
	}
}

// updateCrop points the classifier at the highest scoring detection. With
// nothing detected the crop covers the whole frame.
func (s *Stream) updateCrop(dets []decode.Detection, width, height int) {
	crop := image.Rect(0, 0, width, height)
	if len(dets) > 0 {
		best := dets[0]
		for _, d := range dets[1:] {
			if d.Score > best.Score {
				best = d
			}
		}
		crop = image.Rect(
			int(best.Box.X1*float32(width)),
			int(best.Box.Y1*float32(height)),
			int(best.Box.X2*float32(width)),
			int(best.Box.Y2*float32(height)),
		).Intersect(crop)
	}

	s.mu.Lock()
	s.crop = crop
	s.mu.Unlock()
}

// Crop returns the region of the detector frame the classifier should see
func (s *Stream) Crop() image.Rectangle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.crop
}

// Latest returns the most recent result published on pad, or nil
func (s *Stream) Latest(pad int) *Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if pad < 0 || pad >= len(s.latest) {
		return nil
	}
	return s.latest[pad]
}

// SetFullscreenFraming implements view.Framer
func (s *Stream) SetFullscreenFraming(pad int) {
	s.setFraming(pad, true)
}

// SetTiledFraming implements view.Framer
func (s *Stream) SetTiledFraming(pad int) {
	s.setFraming(pad, false)
}

func (s *Stream) setFraming(pad int, full bool) {
	s.mu.Lock()
	if pad >= 0 && pad < len(s.fullscreen) {
		s.fullscreen[pad] = full
	}
	s.mu.Unlock()
	s.log.Debugf("pad %d framing %v", pad, s.Framing(pad))
}

// Framing returns the output size the media pipeline should scale pad to
func (s *Stream) Framing(pad int) image.Point {
	s.mu.RLock()
	full := pad >= 0 && pad < len(s.fullscreen) && s.fullscreen[pad]
	s.mu.RUnlock()

	if full {
		return s.layout.Bounds().Size()
	}
	return image.Pt(s.layout.TileWidth, s.layout.TileHeight)
}

func (s *Stream) count(fn func(*Stats)) {
	s.statsMu.Lock()
	fn(&s.stats)
	s.statsMu.Unlock()
}

func (s *Stream) recordInference(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.Inferences++
	s.totalMs += ms
	s.stats.LastInferenceMs = ms
	s.stats.AvgInferenceMs = s.totalMs / float64(s.stats.Inferences)
	s.stats.UpdatedAt = time.Now()
}

// Stats returns a snapshot of the stream's counters
func (s *Stream) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Close releases the stream's units
func (s *Stream) Close() error {
	var errs []error
	if s.classifier != nil {
		if err := s.classifier.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close classifier: %w", err))
		}
	}
	if err := s.unit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close unit: %w", err))
	}
	return errors.Join(errs...)
}

var (
	_ view.Framer = (*Stream)(nil)
	_ FrameSink   = (*Stream)(nil)
)
