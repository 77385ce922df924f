package services

import (
	"context"
	"fmt"

	"mosaic/internal/inference"
	"mosaic/internal/pipeline"
)

// StreamInfo describes one assembled stream
type StreamInfo struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Unit        inference.Type `json:"unit"`
	Description string         `json:"description"`
	Tiles       []int          `json:"tiles"`
	Devices     []string       `json:"devices"`
	Stats       pipeline.Stats `json:"stats"`
}

// StreamImplementation exposes assembled streams
type StreamImplementation struct {
	manager pipeline.StreamManager
}

// NewStreamService creates a stream service
func NewStreamService(manager pipeline.StreamManager) *StreamImplementation {
	return &StreamImplementation{manager: manager}
}

// List returns every stream in tile order
func (s *StreamImplementation) List(ctx context.Context) ([]*StreamInfo, error) {
	streams := s.manager.Streams()
	infos := make([]*StreamInfo, 0, len(streams))
	for _, st := range streams {
		unit := st.Unit()
		info := &StreamInfo{
			ID:          st.ID(),
			Name:        st.Name(),
			Unit:        unit.Type(),
			Description: unit.Description(),
			Tiles:       st.Tiles(),
			Devices:     []string{},
			Stats:       st.Stats(),
		}
		for _, d := range unit.Devices() {
			info.Devices = append(info.Devices, d.String())
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Latest returns the newest result of a stream's detection pad
func (s *StreamImplementation) Latest(ctx context.Context, name string) (*pipeline.Result, error) {
	st := s.manager.Stream(name)
	if st == nil {
		return nil, &NotFoundError{Message: fmt.Sprintf("stream %q not found", name)}
	}
	res := st.Latest(pipeline.PadDetect)
	if res == nil {
		return nil, &NotFoundError{Message: fmt.Sprintf("stream %q has no result yet", name)}
	}
	return res, nil
}
