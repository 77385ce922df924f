package decode

import (
	"errors"
	"fmt"
	"math"

	"mosaic/internal/tensor"
)

// DetectionOutputs is the number of tensors a detection model produces:
// boxes, class ids, scores and count.
const DetectionOutputs = 4

// ErrOutputCount is returned when a detection model produced the wrong
// number of output tensors
var ErrOutputCount = errors.New("unexpected detection output count")

// Box is a normalized bounding box
type Box struct {
	X1 float32 `json:"x1"`
	Y1 float32 `json:"y1"`
	X2 float32 `json:"x2"`
	Y2 float32 `json:"y2"`
}

// Detection is one labeled, scored box
type Detection struct {
	ID    int     `json:"id"`
	Label string  `json:"label"`
	Score float32 `json:"score"`
	Box   Box     `json:"box"`
}

// Classification is a top-1 class
type Classification struct {
	ID    int     `json:"id"`
	Label string  `json:"label"`
	Score float32 `json:"score"`
}

// Detector turns SSD-style postprocessed outputs into detections
type Detector struct {
	Labels    Labels
	Threshold float32
	// Object keeps only candidates with this class id; AnyObject keeps all
	Object int
}

// Decode parses the four output tensors. A tensor that is not float32
// yields an empty result. The error is reserved for a wrong tensor count.
func (d *Detector) Decode(outputs []tensor.Tensor) ([]Detection, error) {
	if len(outputs) != DetectionOutputs {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrOutputCount, len(outputs), DetectionOutputs)
	}

	raw := make([][]float32, DetectionOutputs)
	for i, t := range outputs {
		vals, ok := t.Float32s()
		if !ok {
			return nil, nil
		}
		raw[i] = vals
	}
	boxes, ids, scores, count := raw[0], raw[1], raw[2], raw[3]
	if len(count) == 0 {
		return nil, nil
	}

	n := int(math.Round(float64(count[0])))
	n = min(n, len(ids), len(scores), len(boxes)/4)

	var results []Detection
	for i := 0; i < n; i++ {
		id := int(math.Round(float64(ids[i])))
		if d.Object != AnyObject && id != d.Object {
			continue
		}
		score := scores[i]
		if score <= d.Threshold {
			continue
		}
		// boxes are laid out y1, x1, y2, x2
		b := boxes[4*i : 4*i+4]
		results = append(results, Detection{
			ID:    id,
			Label: d.Labels.Name(id),
			Score: score,
			Box: Box{
				Y1: max(b[0], 0),
				X1: max(b[1], 0),
				Y2: min(b[2], 1),
				X2: min(b[3], 1),
			},
		})
	}
	return results, nil
}

// Mask narrows a dense int64 class map to 8-bit ids in row-major order.
// A non-int64 tensor yields an empty mask.
func Mask(out tensor.Tensor, width, height int) []uint8 {
	vals, ok := out.Int64s()
	if !ok {
		return nil
	}
	n := min(width*height, len(vals))
	if n <= 0 {
		return nil
	}
	mask := make([]uint8, n)
	for i := range mask {
		mask[i] = uint8(vals[i])
	}
	return mask
}

// Classifier picks the top-1 class from a score tensor
type Classifier struct {
	Labels    Labels
	Threshold float32
}

// Top1 returns the best class scoring at least the threshold
func (c *Classifier) Top1(out tensor.Tensor) (Classification, bool) {
	scores, ok := out.Dequantized()
	if !ok || len(scores) == 0 {
		return Classification{}, false
	}
	best := 0
	for i, s := range scores {
		if s > scores[best] {
			best = i
		}
	}
	if scores[best] < c.Threshold {
		return Classification{}, false
	}
	return Classification{ID: best, Label: c.Labels.Name(best), Score: scores[best]}, true
}
