package services

import (
	"context"

	"mosaic/internal/database"
	"mosaic/internal/view"
)

// ViewStatus is the current view and where every tile is drawn
type ViewStatus struct {
	State      view.State       `json:"state"`
	Placements []view.Placement `json:"placements"`
}

// ViewImplementation exposes the admission controller
type ViewImplementation struct {
	controller *view.Controller
	db         *database.Database
}

// NewViewService creates a view service. db may be nil, in which case no
// events are listed.
func NewViewService(controller *view.Controller, db *database.Database) *ViewImplementation {
	return &ViewImplementation{controller: controller, db: db}
}

// Get returns the current view
func (v *ViewImplementation) Get(ctx context.Context) (*ViewStatus, error) {
	status := &ViewStatus{State: v.controller.State()}
	for i := 0; i < v.controller.Streams(); i++ {
		status.Placements = append(status.Placements, v.controller.Placement(i))
	}
	return status, nil
}

// PressKey applies a navigation key and returns the resulting view
func (v *ViewImplementation) PressKey(ctx context.Context, key string) (*ViewStatus, error) {
	if key == "" {
		return nil, &BadRequestError{Message: "key required"}
	}
	v.controller.HandleKeyString(key)
	return v.Get(ctx)
}

// Events lists recent view transitions, newest first
func (v *ViewImplementation) Events(ctx context.Context, limit int) ([]*database.ViewEventRecord, error) {
	if v.db == nil {
		return []*database.ViewEventRecord{}, nil
	}
	events, err := v.db.ListViewEvents(ctx, limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []*database.ViewEventRecord{}
	}
	return events, nil
}
