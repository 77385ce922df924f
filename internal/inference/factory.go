package inference

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"mosaic/internal/accel"
	"mosaic/internal/decode"
)

// Spec selects and configures a unit variant
type Spec struct {
	Name      string
	Type      Type
	Model     string
	Labels    string
	Object    string
	Threshold float32
	// Devices is the number of accelerators to allocate; zero picks the
	// variant's default
	Devices     int
	KeepOut     string
	MaxInFlight int
}

// DeviceCount returns how many devices the spec needs from the pool
func (s Spec) DeviceCount() int {
	switch {
	case s.Type == TypeNone:
		return 0
	case s.Devices > 0:
		return s.Devices
	case s.Type == TypePipelined:
		return DefaultSegments
	default:
		return 1
	}
}

// Factory builds units from specs, allocating their devices from the pool
type Factory struct {
	Pool        *accel.Pool
	Loader      Loader
	NewExecutor ExecutorFactory
	Log         *logrus.Entry
	Fatal       FatalHandler
}

// Create allocates devices for the spec and builds the unit
func (f *Factory) Create(s Spec) (Unit, error) {
	if !s.Type.Valid() {
		return nil, fmt.Errorf("unit %q: unknown type %q", s.Name, s.Type)
	}
	if s.Type == TypeNone {
		return NewNone(Options{Name: s.Name, Log: f.Log}), nil
	}

	devices, err := f.Pool.Allocate(s.DeviceCount())
	if err != nil {
		return nil, fmt.Errorf("unit %q: %w", s.Name, err)
	}
	return f.build(s, devices)
}

// CreateShared builds a unit on the devices already owned by another unit
func (f *Factory) CreateShared(s Spec, with Unit) (Unit, error) {
	if !s.Type.Valid() || s.Type == TypeNone || s.Type == TypePipelined {
		return nil, fmt.Errorf("unit %q: type %q cannot share devices", s.Name, s.Type)
	}
	devices := with.Devices()
	if len(devices) == 0 {
		return nil, fmt.Errorf("unit %q: %s owns no device to share", s.Name, with.Name())
	}
	return f.build(s, devices[:1])
}

func (f *Factory) build(s Spec, devices []*accel.Device) (Unit, error) {
	opts := Options{
		Name:      s.Name,
		Model:     s.Model,
		Threshold: s.Threshold,
		Object:    decode.AnyObject,
		Devices:   devices,
		Loader:    f.Loader,
		Log:       f.Log,
		Fatal:     f.Fatal,
	}
	object := s.Object
	if s.Type == TypeManufacturing {
		if s.Labels == "" {
			return nil, fmt.Errorf("unit %q: manufacturing unit needs a labels file", s.Name)
		}
		if object == "" {
			object = ManufacturingObject
		}
	}
	if s.Labels != "" {
		labels, err := decode.LoadLabels(s.Labels)
		if err != nil {
			return nil, fmt.Errorf("unit %q: %w", s.Name, err)
		}
		opts.Labels = labels
		if opts.Object, err = labels.ObjectID(object); err != nil {
			return nil, fmt.Errorf("unit %q: %w", s.Name, err)
		}
	} else if s.Object != "" && s.Object != decode.AnyObjectName {
		return nil, fmt.Errorf("unit %q: object %q needs a labels file", s.Name, s.Object)
	}

	switch s.Type {
	case TypeDetection:
		return NewDetection(opts)
	case TypeSegmentation:
		return NewSegmentation(opts)
	case TypeClassification:
		return NewClassification(opts)
	case TypeManufacturing:
		poly, err := LoadPolygon(s.KeepOut)
		if err != nil {
			return nil, fmt.Errorf("unit %q: %w", s.Name, err)
		}
		return NewManufacturing(opts, poly)
	case TypePipelined:
		bound := s.MaxInFlight
		if bound == 0 {
			bound = DefaultMaxInFlight
		}
		return NewPipelined(opts, bound, f.NewExecutor)
	}
	return nil, fmt.Errorf("unit %q: unsupported type %q", s.Name, s.Type)
}
