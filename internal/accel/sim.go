package accel

import (
	"fmt"
	"sync/atomic"
)

// SimSDK reports a fixed number of simulated devices
type SimSDK struct {
	Count int
	Type  DeviceType

	enumerations atomic.Int32
	opened       atomic.Int32
}

// NewSimSDK creates a simulated SDK with count PCI devices
func NewSimSDK(count int) *SimSDK {
	return &SimSDK{Count: count, Type: DeviceTypePCI}
}

// EnumerateDevices implements SDK
func (s *SimSDK) EnumerateDevices() ([]Record, error) {
	s.enumerations.Add(1)
	records := make([]Record, s.Count)
	for i := range records {
		records[i] = Record{Type: s.Type, Path: fmt.Sprintf("/dev/apex_%d", i)}
	}
	return records, nil
}

// OpenDevice implements SDK
func (s *SimSDK) OpenDevice(t DeviceType, path string) (Handle, error) {
	s.opened.Add(1)
	return simHandle{}, nil
}

// Enumerations returns how many times the device list was read
func (s *SimSDK) Enumerations() int {
	return int(s.enumerations.Load())
}

// Opened returns how many devices were opened
func (s *SimSDK) Opened() int {
	return int(s.opened.Load())
}

type simHandle struct{}

func (simHandle) Close() error { return nil }
