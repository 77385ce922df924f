// Package media feeds streams with frames. It stands in for the capture
// and scaling half of a media pipeline: sources produce images, the feeder
// scales them to each pad's input shape and hands them to the stream.
package media

import (
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/image/draw"

	"mosaic/internal/inference"
	"mosaic/internal/tensor"
)

// Source produces the next image of a stream
type Source interface {
	Next() (image.Image, error)
}

// Target is a stream fed by a source
type Target interface {
	Name() string
	Pads() int
	InputShape(pad int) tensor.Shape
	Crop() image.Rectangle
	OnFrame(pad int, frame *inference.Frame)
}

// Synthetic draws a moving gradient
type Synthetic struct {
	Width  int
	Height int
	frame  int
}

// NewSynthetic creates a synthetic source of the given size
func NewSynthetic(width, height int) *Synthetic {
	return &Synthetic{Width: width, Height: height}
}

// Next implements Source
func (s *Synthetic) Next() (image.Image, error) {
	img := image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
	shift := s.frame * 4
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8((x + shift) * 255 / max(s.Width, 1)),
				G: uint8(y * 255 / max(s.Height, 1)),
				B: uint8(shift),
				A: 255,
			})
		}
	}
	s.frame++
	return img, nil
}

// Still repeats one decoded image
type Still struct {
	img image.Image
}

// NewStill decodes a JPEG or PNG file
func NewStill(path string) (*Still, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image %s: %w", path, err)
	}
	return &Still{img: img}, nil
}

// Next implements Source
func (s *Still) Next() (image.Image, error) {
	return s.img, nil
}

// ToFrame scales the src region of img into a packed RGB frame of shape
func ToFrame(img image.Image, src image.Rectangle, shape tensor.Shape) *inference.Frame {
	dst := image.NewRGBA(image.Rect(0, 0, shape.Width, shape.Height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, src, draw.Src, nil)

	n := shape.Width * shape.Height
	pixels := make([]byte, n*3)
	for i := 0; i < n; i++ {
		copy(pixels[i*3:i*3+3], dst.Pix[i*4:i*4+3])
	}
	return &inference.Frame{Width: shape.Width, Height: shape.Height, Pixels: pixels}
}

// Feed hands one image to every pad of target. The classifier pad of a
// dual-model stream gets the detector's current crop.
func Feed(target Target, img image.Image) {
	bounds := img.Bounds()
	detect := target.InputShape(0)
	target.OnFrame(0, ToFrame(img, bounds, detect))

	if target.Pads() < 2 {
		return
	}
	crop := target.Crop()
	if crop.Empty() {
		crop = image.Rect(0, 0, detect.Width, detect.Height)
	}
	// crop is in detector frame coordinates
	sx := float64(bounds.Dx()) / float64(detect.Width)
	sy := float64(bounds.Dy()) / float64(detect.Height)
	region := image.Rect(
		bounds.Min.X+int(float64(crop.Min.X)*sx),
		bounds.Min.Y+int(float64(crop.Min.Y)*sy),
		bounds.Min.X+int(float64(crop.Max.X)*sx),
		bounds.Min.Y+int(float64(crop.Max.Y)*sy),
	).Intersect(bounds)
	if region.Empty() {
		region = bounds
	}
	target.OnFrame(1, ToFrame(img, region, target.InputShape(1)))
}

// Run feeds target at fps until ctx is done. A slow target slows the
// source down rather than queueing frames.
func Run(ctx context.Context, src Source, target Target, fps int, log *logrus.Entry) error {
	if fps <= 0 {
		fps = 30
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	log.WithField("stream", target.Name()).Infof("feeding at %d fps", fps)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			img, err := src.Next()
			if err != nil {
				return fmt.Errorf("source %s: %w", target.Name(), err)
			}
			Feed(target, img)
		}
	}
}
