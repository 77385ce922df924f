package accel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateBumpsThroughPool(t *testing.T) {
	sdk := NewSimSDK(8)
	pool := NewPool(sdk, nil)

	seen := map[string]bool{}
	for _, n := range []int{4, 1, 1, 1, 1} {
		devs, err := pool.Allocate(n)
		require.NoError(t, err)
		require.Len(t, devs, n)
		for _, d := range devs {
			assert.False(t, seen[d.Record.Path], "device %s assigned twice", d)
			seen[d.Record.Path] = true
		}
	}

	_, err := pool.Allocate(1)
	assert.ErrorIs(t, err, ErrInsufficientDevices)

	remaining, err := pool.Remaining()
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
	assert.Equal(t, 8, sdk.Opened())
}

func TestAllocateEnumeratesOnce(t *testing.T) {
	sdk := NewSimSDK(4)
	pool := NewPool(sdk, nil)

	assert.Equal(t, 0, sdk.Enumerations())
	for i := 0; i < 4; i++ {
		_, err := pool.Allocate(1)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, sdk.Enumerations())
}

func TestFailedAllocationKeepsCursor(t *testing.T) {
	pool := NewPool(NewSimSDK(3), nil)

	_, err := pool.Allocate(2)
	require.NoError(t, err)

	_, err = pool.Allocate(2)
	require.ErrorIs(t, err, ErrInsufficientDevices)

	devs, err := pool.Allocate(1)
	require.NoError(t, err)
	assert.Equal(t, 2, devs[0].Index)
}

func TestAllocateZeroAndNegative(t *testing.T) {
	pool := NewPool(NewSimSDK(1), nil)

	devs, err := pool.Allocate(0)
	require.NoError(t, err)
	assert.Empty(t, devs)

	_, err = pool.Allocate(-1)
	assert.Error(t, err)
}

type failingSDK struct {
	enumErr error
	openErr error
	closed  int
}

func (f *failingSDK) EnumerateDevices() ([]Record, error) {
	if f.enumErr != nil {
		return nil, f.enumErr
	}
	return []Record{{Type: DeviceTypeUSB, Path: "a"}, {Type: DeviceTypeUSB, Path: "b"}}, nil
}

func (f *failingSDK) OpenDevice(t DeviceType, path string) (Handle, error) {
	if path == "b" && f.openErr != nil {
		return nil, f.openErr
	}
	return closeCounter{f}, nil
}

type closeCounter struct{ f *failingSDK }

func (c closeCounter) Close() error { c.f.closed++; return nil }

func TestEnumerationFailureIsReported(t *testing.T) {
	boom := errors.New("no driver")
	pool := NewPool(&failingSDK{enumErr: boom}, nil)

	_, err := pool.Allocate(1)
	assert.ErrorIs(t, err, boom)
	_, err = pool.Size()
	assert.ErrorIs(t, err, boom)
}

func TestOpenFailureReleasesPartialSlice(t *testing.T) {
	sdk := &failingSDK{openErr: errors.New("busy")}
	pool := NewPool(sdk, nil)

	_, err := pool.Allocate(2)
	require.Error(t, err)
	assert.Equal(t, 1, sdk.closed)

	remaining, err := pool.Remaining()
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)
}

func TestInitReturnsFirstPool(t *testing.T) {
	first := Init(NewSimSDK(2), nil)
	second := Init(NewSimSDK(10), nil)
	assert.Same(t, first, second)
	assert.Same(t, first, Default())
}
