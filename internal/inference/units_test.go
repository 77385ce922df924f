package inference_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mosaic/internal/accel"
	"mosaic/internal/decode"
	"mosaic/internal/inference"
	"mosaic/internal/inference/sim"
	"mosaic/internal/segment"
	"mosaic/internal/tensor"
)

func tinyLoader() *sim.Loader {
	l := sim.NewLoader()
	l.Shapes = map[inference.Kind]tensor.Shape{
		inference.KindDetection:      tiny,
		inference.KindSegmentation:   tiny,
		inference.KindClassification: tiny,
		inference.KindSegment:        tiny,
	}
	return l
}

func oneDevice(t *testing.T) []*accel.Device {
	t.Helper()
	devs, err := accel.NewPool(accel.NewSimSDK(1), nil).Allocate(1)
	require.NoError(t, err)
	return devs
}

func TestDetectionUnit(t *testing.T) {
	u, err := inference.NewDetection(inference.Options{
		Name:      "cam0",
		Model:     "models/ssd_mobilenet_v2_coco_quant_postprocess_edgetpu.tflite",
		Labels:    decode.Labels{0: "person", 2: "car"},
		Object:    decode.AnyObject,
		Threshold: 0.5,
		Devices:   oneDevice(t),
		Loader:    tinyLoader(),
	})
	require.NoError(t, err)
	defer u.Close()

	assert.Equal(t, "ssd_mobilenet_v2_coco_quant_postprocess_edgetpu.tflite\non 1 TPU(s)", u.Description())
	assert.Equal(t, tiny, u.InputShape())

	res, err := u.Interpret(frameOf(204))
	require.NoError(t, err)
	require.Len(t, res.Detections, 1)
	assert.Equal(t, "person", res.Detections[0].Label)
	assert.Equal(t, decode.Box{X1: 0.1, Y1: 0.1, X2: 0.5, Y2: 0.5}, res.Detections[0].Box)

	res, err = u.Interpret(frameOf(0))
	require.NoError(t, err)
	require.Len(t, res.Detections, 1)
	assert.Equal(t, "car", res.Detections[0].Label)

	res, err = u.Interpret(nil)
	assert.NoError(t, err)
	assert.Nil(t, res)
}

func TestDetectionUnitObjectFilter(t *testing.T) {
	u, err := inference.NewDetection(inference.Options{
		Name:      "cam0",
		Model:     "det.tflite",
		Object:    2,
		Threshold: 0.5,
		Devices:   oneDevice(t),
		Loader:    tinyLoader(),
	})
	require.NoError(t, err)

	res, err := u.Interpret(frameOf(204))
	require.NoError(t, err)
	assert.Empty(t, res.Detections)
}

func TestDetectionUnitInvokeFailure(t *testing.T) {
	loader := tinyLoader()
	u, err := inference.NewDetection(inference.Options{
		Name: "cam0", Model: "det.tflite", Object: decode.AnyObject, Devices: oneDevice(t), Loader: loader,
	})
	require.NoError(t, err)

	boom := errors.New("device timeout")
	loader.Loaded()[0].FailWith(boom)
	_, err = u.Interpret(frameOf(1))
	assert.ErrorIs(t, err, boom)
}

func TestSegmentationUnit(t *testing.T) {
	u, err := inference.NewSegmentation(inference.Options{
		Name: "cam1", Model: "deeplabv3.tflite", Devices: oneDevice(t), Loader: tinyLoader(),
	})
	require.NoError(t, err)

	res, err := u.Interpret(frameOf(48))
	require.NoError(t, err)
	require.Len(t, res.Mask, 16)
	assert.Equal(t, 4, res.MaskWidth)
	for _, c := range res.Mask {
		assert.Equal(t, uint8(3), c)
	}

	res, err = u.Decode([]tensor.Tensor{tensor.FromFloat32s("mask", []float32{1})})
	require.NoError(t, err)
	assert.Empty(t, res.Mask)
}

func TestClassificationUnitSharesDevice(t *testing.T) {
	devs := oneDevice(t)
	loader := tinyLoader()
	det, err := inference.NewDetection(inference.Options{
		Name: "birds", Model: "det.tflite", Object: decode.AnyObject, Devices: devs, Loader: loader,
	})
	require.NoError(t, err)

	cls, err := inference.NewClassification(inference.Options{
		Name: "birds-classify", Model: "inat_bird.tflite", Threshold: 0.5,
		Labels: decode.Labels{6: "robin"}, Devices: det.Devices(), Loader: loader,
	})
	require.NoError(t, err)
	assert.Same(t, det.Devices()[0], cls.Devices()[0])

	res, err := cls.Interpret(frameOf(204))
	require.NoError(t, err)
	require.NotNil(t, res.Class)
	assert.Equal(t, "robin", res.Class.Label)

	cls2, err := inference.NewClassification(inference.Options{
		Name: "strict", Model: "inat_bird.tflite", Threshold: 0.9, Devices: devs, Loader: loader,
	})
	require.NoError(t, err)
	res, err = cls2.Interpret(frameOf(204))
	require.NoError(t, err)
	assert.Nil(t, res.Class)
}

func TestNoneUnit(t *testing.T) {
	u := inference.NewNone(inference.Options{Name: "plain"})
	res, err := u.Interpret(frameOf(1))
	assert.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, inference.TypeNone, u.Type())
	assert.Empty(t, u.Devices())
	assert.NoError(t, u.InitializePipeline(nil))
}

func TestFrameCopyToDropsStride(t *testing.T) {
	f := &inference.Frame{
		Width:  2,
		Height: 2,
		Stride: 8,
		Pixels: []byte{
			1, 1, 1, 2, 2, 2, 9, 9,
			3, 3, 3, 4, 4, 4, 9, 9,
		},
	}
	dst := make([]byte, 12)
	f.CopyTo(dst, tensor.Shape{Height: 2, Width: 2, Channels: 3})
	assert.Equal(t, []byte{1, 1, 1, 2, 2, 2, 3, 3, 3, 4, 4, 4}, dst)
}

func TestParsePolygon(t *testing.T) {
	poly, err := inference.ParsePolygon(strings.NewReader("x,y\n0.1,0.2\n0.5, 0.2\n0.5,0.9\n"))
	require.NoError(t, err)
	assert.Equal(t, inference.Polygon{{X: 0.1, Y: 0.2}, {X: 0.5, Y: 0.2}, {X: 0.5, Y: 0.9}}, poly)

	_, err = inference.ParsePolygon(strings.NewReader("x,y\n0.1,0.2\n"))
	assert.Error(t, err)
	_, err = inference.ParsePolygon(strings.NewReader("x,y\na,0.2\n0,0\n1,1\n"))
	assert.Error(t, err)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFactoryAllocatesFromPool(t *testing.T) {
	labels := writeFile(t, "coco_labels.txt", "0 person\n2 car\n")
	keepOut := writeFile(t, "keepout_points.csv", "x,y\n0,0\n1,0\n1,1\n")

	f := &inference.Factory{
		Pool:        accel.NewPool(accel.NewSimSDK(6), nil),
		Loader:      tinyLoader(),
		NewExecutor: segment.Factory(nil),
	}

	p, err := f.Create(inference.Spec{Name: "p", Type: inference.TypePipelined, Model: "models/efficientdet", Labels: labels, Object: "car", Threshold: 0.5})
	require.NoError(t, err)
	defer p.Close()
	assert.Len(t, p.Devices(), 4)

	m, err := f.Create(inference.Spec{Name: "m", Type: inference.TypeManufacturing, Model: "det.tflite", Labels: labels, Object: "person", KeepOut: keepOut})
	require.NoError(t, err)
	require.IsType(t, &inference.ManufacturingUnit{}, m)
	assert.Equal(t, inference.TypeManufacturing, m.Type())
	assert.Len(t, m.(*inference.ManufacturingUnit).KeepOut(), 3)

	d, err := f.Create(inference.Spec{Name: "d", Type: inference.TypeDetection, Model: "det.tflite"})
	require.NoError(t, err)

	c, err := f.CreateShared(inference.Spec{Name: "c", Type: inference.TypeClassification, Model: "cls.tflite"}, d)
	require.NoError(t, err)
	assert.Same(t, d.Devices()[0], c.Devices()[0])

	_, err = f.Create(inference.Spec{Name: "extra", Type: inference.TypeDetection, Model: "det.tflite"})
	assert.ErrorIs(t, err, accel.ErrInsufficientDevices)

	n, err := f.Create(inference.Spec{Name: "n", Type: inference.TypeNone})
	require.NoError(t, err)
	assert.Equal(t, inference.TypeNone, n.Type())
}

func TestFactoryStartupErrors(t *testing.T) {
	labels := writeFile(t, "labels.txt", "0 person\n")
	keepOut := writeFile(t, "keepout_points.csv", "x,y\n0,0\n1,0\n1,1\n")
	f := &inference.Factory{Pool: accel.NewPool(accel.NewSimSDK(8), nil), Loader: tinyLoader()}

	tests := []struct {
		name string
		spec inference.Spec
	}{
		{"unknown type", inference.Spec{Name: "x", Type: "thermal"}},
		{"missing labels", inference.Spec{Name: "x", Type: inference.TypeDetection, Labels: "/nonexistent/labels.txt"}},
		{"unknown object", inference.Spec{Name: "x", Type: inference.TypeDetection, Labels: labels, Object: "boat"}},
		{"object without labels", inference.Spec{Name: "x", Type: inference.TypeDetection, Object: "car"}},
		{"missing keep-out", inference.Spec{Name: "x", Type: inference.TypeManufacturing, Labels: labels, KeepOut: "/nonexistent.csv"}},
		{"manufacturing without labels", inference.Spec{Name: "x", Type: inference.TypeManufacturing, KeepOut: keepOut}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Create(tt.spec)
			assert.Error(t, err)
		})
	}
}
