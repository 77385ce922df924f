package pipeline

import (
	"time"

	"mosaic/internal/decode"
	"mosaic/internal/inference"
)

// Result is what a stream publishes after running inference on a frame
type Result struct {
	StreamID    string                 `json:"stream_id"`
	Stream      string                 `json:"stream"`
	Tile        int                    `json:"tile"`
	Seq         uint64                 `json:"seq"`
	Timestamp   time.Time              `json:"timestamp"`
	Unit        inference.Type         `json:"unit"`
	Description string                 `json:"description"`
	Detections  []decode.Detection     `json:"detections,omitempty"`
	Mask        []uint8                `json:"mask,omitempty"`
	MaskWidth   int                    `json:"mask_width,omitempty"`
	MaskHeight  int                    `json:"mask_height,omitempty"`
	Class       *decode.Classification `json:"class,omitempty"`
	KeepOut     inference.Polygon      `json:"keep_out,omitempty"`
	InferenceMs float64                `json:"inference_ms"`
}

// Stats are per-stream counters
type Stats struct {
	StreamID        string         `json:"stream_id"`
	Stream          string         `json:"stream"`
	Unit            inference.Type `json:"unit"`
	Frames          uint64         `json:"frames"`
	Admitted        uint64         `json:"admitted"`
	Skipped         uint64         `json:"skipped"`
	Inferences      uint64         `json:"inferences"`
	LastInferenceMs float64        `json:"last_inference_ms"`
	AvgInferenceMs  float64        `json:"avg_inference_ms"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
