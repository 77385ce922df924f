package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"mosaic/internal/config"
	"mosaic/internal/inference"
	"mosaic/internal/tensor"
	"mosaic/internal/view"
)

// Manager assembles streams from configuration and owns them for the life
// of the process
type Manager struct {
	streamsCfg []config.StreamConfig
	global     config.InferenceConfig
	factory    *inference.Factory
	controller *view.Controller
	bus        *EventBus
	input      tensor.Allocator
	fatal      inference.FatalHandler
	log        *logrus.Entry

	mu      sync.RWMutex
	streams []*Stream
	byName  map[string]*Stream
	closed  bool
}

// NewManager creates a manager. input backs the frames pushed into
// pipelined units.
func NewManager(cfg *config.Config, factory *inference.Factory, controller *view.Controller, bus *EventBus, input tensor.Allocator, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if input == nil {
		input = tensor.NewHeapAllocator()
	}
	return &Manager{
		streamsCfg: cfg.Streams,
		global:     cfg.Inference,
		factory:    factory,
		controller: controller,
		bus:        bus,
		input:      input,
		fatal:      factory.Fatal,
		log:        log.WithField("component", "pipeline"),
		byName:     make(map[string]*Stream),
	}
}

// Assemble creates every unit, links the streams to the mosaic in config
// order and then starts pipelined units. Devices are all allocated before
// any consumer goroutine starts. On error everything built so far is
// closed.
func (m *Manager) Assemble() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.streams) > 0 {
		return fmt.Errorf("streams already assembled")
	}

	for _, sc := range m.streamsCfg {
		s, err := m.build(sc)
		if err != nil {
			m.closeLocked()
			return fmt.Errorf("stream %q: %w", sc.Name, err)
		}
		m.streams = append(m.streams, s)
		m.byName[s.name] = s
	}

	for _, s := range m.streams {
		if err := s.unit.InitializePipeline(m.input); err != nil {
			m.closeLocked()
			return fmt.Errorf("stream %q: %w", s.name, err)
		}
	}

	m.log.Infof("assembled %d stream(s) on %d tile(s)", len(m.streams), m.controller.Streams())
	return nil
}

func (m *Manager) build(sc config.StreamConfig) (*Stream, error) {
	unit, err := m.factory.Create(sc.Unit.Spec(sc.Name, m.global))
	if err != nil {
		return nil, err
	}

	var classifier inference.Unit
	if sc.Classifier != nil {
		classifier, err = m.factory.CreateShared(sc.Classifier.Spec(sc.Name+"-classifier", m.global), unit)
		if err != nil {
			unit.Close()
			return nil, err
		}
	}

	s := NewStream(StreamOptions{
		Name:       sc.Name,
		Unit:       unit,
		Classifier: classifier,
		Admission:  m.controller,
		Layout:     m.controller.Layout(),
		Bus:        m.bus,
		Fatal:      m.fatal,
		Log:        m.log,
	})
	tiles, err := m.controller.Link(s, s.Pads())
	if err != nil {
		s.Close()
		return nil, err
	}
	s.setTiles(tiles)

	m.log.WithFields(logrus.Fields{
		"stream": sc.Name,
		"unit":   unit.Type(),
		"tiles":  tiles,
	}).Infof("created stream (%s)", unit.Description())
	return s, nil
}

// Stream implements StreamManager
func (m *Manager) Stream(name string) *Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byName[name]
}

// Streams implements StreamManager
func (m *Manager) Streams() []*Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Stream(nil), m.streams...)
}

// Stats implements StreamManager
func (m *Manager) Stats() []Stats {
	streams := m.Streams()
	stats := make([]Stats, len(streams))
	for i, s := range streams {
		stats[i] = s.Stats()
	}
	return stats
}

// SubscribeResults implements StreamManager
func (m *Manager) SubscribeResults(handler ResultHandler) func() {
	return m.bus.Subscribe(handler)
}

// Close shuts every stream down in reverse assembly order
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked()
}

func (m *Manager) closeLocked() error {
	if m.closed {
		return nil
	}
	var errs []error
	for i := len(m.streams) - 1; i >= 0; i-- {
		if err := m.streams[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stream %q: %w", m.streams[i].name, err))
		}
	}
	if len(m.streams) > 0 {
		m.closed = true
		m.log.Info("closed all streams")
	}
	return errors.Join(errs...)
}

var _ StreamManager = (*Manager)(nil)
