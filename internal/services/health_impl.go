package services

import (
	"context"
	"errors"
)

// ErrNotReady is returned by Readyz before streams are assembled or after
// shutdown started
var ErrNotReady = errors.New("not ready")

// HealthImplementation implements the health service
type HealthImplementation struct {
	ready func() bool
}

// NewHealthService creates a health service. ready may be nil.
func NewHealthService(ready func() bool) *HealthImplementation {
	return &HealthImplementation{ready: ready}
}

// Healthz implements the liveness probe
func (h *HealthImplementation) Healthz(ctx context.Context) error {
	return nil
}

// Readyz implements the readiness probe
func (h *HealthImplementation) Readyz(ctx context.Context) error {
	if h.ready != nil && !h.ready() {
		return ErrNotReady
	}
	return nil
}
