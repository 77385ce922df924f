package accel

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrInsufficientDevices is returned when an allocation would exceed the pool
var ErrInsufficientDevices = errors.New("insufficient accelerator devices")

// DeviceType identifies the bus an accelerator is attached to
type DeviceType string

const (
	DeviceTypePCI DeviceType = "pci"
	DeviceTypeUSB DeviceType = "usb"
)

// Record is an enumerated, not yet opened, device
type Record struct {
	Type DeviceType `json:"type"`
	Path string     `json:"path"`
}

// Handle is an open device context
type Handle interface {
	Close() error
}

// SDK is the accelerator runtime used to discover and open devices
type SDK interface {
	EnumerateDevices() ([]Record, error)
	OpenDevice(t DeviceType, path string) (Handle, error)
}

// Device is an opened accelerator owned by exactly one inference unit
type Device struct {
	Index  int
	Record Record
	Handle Handle
}

func (d *Device) String() string {
	return fmt.Sprintf("%s:%s", d.Record.Type, d.Record.Path)
}

// Pool hands out contiguous, non-overlapping slices of the enumerated
// devices. Devices are never returned to the pool.
//
// Allocation is expected to happen while streams are assembled, before any
// inference goroutine is started.
type Pool struct {
	sdk SDK
	log *logrus.Entry

	enumerate sync.Once
	records   []Record
	enumErr   error

	mu       sync.Mutex
	nextFree int
}

// NewPool creates a pool over the given SDK. Enumeration is deferred to the
// first Allocate call.
func NewPool(sdk SDK, log *logrus.Entry) *Pool {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pool{sdk: sdk, log: log.WithField("component", "pool")}
}

func (p *Pool) load() error {
	p.enumerate.Do(func() {
		p.records, p.enumErr = p.sdk.EnumerateDevices()
		if p.enumErr != nil {
			p.enumErr = fmt.Errorf("enumerate devices: %w", p.enumErr)
			return
		}
		p.log.Infof("found %d accelerator device(s)", len(p.records))
	})
	return p.enumErr
}

// Allocate opens the next count devices. On failure no device is consumed
// and the cursor does not move.
func (p *Pool) Allocate(count int) ([]*Device, error) {
	if count < 0 {
		return nil, fmt.Errorf("allocate %d devices: negative count", count)
	}
	if err := p.load(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.nextFree+count > len(p.records) {
		return nil, fmt.Errorf("%w: requested %d, %d of %d remaining",
			ErrInsufficientDevices, count, len(p.records)-p.nextFree, len(p.records))
	}

	devices := make([]*Device, 0, count)
	for i := p.nextFree; i < p.nextFree+count; i++ {
		rec := p.records[i]
		h, err := p.sdk.OpenDevice(rec.Type, rec.Path)
		if err != nil {
			for _, d := range devices {
				d.Handle.Close()
			}
			return nil, fmt.Errorf("open device %s:%s: %w", rec.Type, rec.Path, err)
		}
		devices = append(devices, &Device{Index: i, Record: rec, Handle: h})
	}
	p.nextFree += count

	p.log.Debugf("allocated %d device(s), %d remaining", count, len(p.records)-p.nextFree)
	return devices, nil
}

// Size returns the number of enumerated devices
func (p *Pool) Size() (int, error) {
	if err := p.load(); err != nil {
		return 0, err
	}
	return len(p.records), nil
}

// Remaining returns the number of devices not yet allocated
func (p *Pool) Remaining() (int, error) {
	if err := p.load(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records) - p.nextFree, nil
}

var (
	processPool     *Pool
	processPoolOnce sync.Once
)

// Init installs the process-wide pool. Only the first call has any effect;
// later calls return the pool created by the first one.
func Init(sdk SDK, log *logrus.Entry) *Pool {
	processPoolOnce.Do(func() {
		processPool = NewPool(sdk, log)
	})
	return processPool
}

// Default returns the process-wide pool, or nil before Init
func Default() *Pool {
	return processPool
}
