package remote

import (
	"encoding/base64"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"mosaic/internal/accel"
	"mosaic/internal/inference"
	"mosaic/internal/tensor"
)

// Wire messages are structpb.Struct values so the service needs no
// generated code. Tensor data travels as base64 strings.

func encodeTensors(ts []tensor.Tensor) *structpb.ListValue {
	list := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(ts))}
	for _, t := range ts {
		var data []byte
		if t.Buffer != nil {
			data = t.Buffer.Bytes()
		}
		list.Values = append(list.Values, structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"name":       structpb.NewStringValue(t.Name),
			"type":       structpb.NewNumberValue(float64(t.Type)),
			"scale":      structpb.NewNumberValue(float64(t.Quant.Scale)),
			"zero_point": structpb.NewNumberValue(float64(t.Quant.ZeroPoint)),
			"data":       structpb.NewStringValue(base64.StdEncoding.EncodeToString(data)),
		}}))
	}
	return list
}

// decodeTensors copies tensor data into buffers from alloc
func decodeTensors(list *structpb.ListValue, alloc tensor.Allocator) ([]tensor.Tensor, error) {
	if list == nil {
		return nil, nil
	}
	ts := make([]tensor.Tensor, 0, len(list.Values))
	for i, v := range list.Values {
		s := v.GetStructValue()
		if s == nil {
			return nil, fmt.Errorf("tensor %d: not an object", i)
		}
		data, err := base64.StdEncoding.DecodeString(s.Fields["data"].GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("tensor %d: %w", i, err)
		}
		buf := alloc.Alloc(len(data))
		copy(buf.Bytes(), data)
		ts = append(ts, tensor.Tensor{
			Name: s.Fields["name"].GetStringValue(),
			Type: tensor.Type(s.Fields["type"].GetNumberValue()),
			Quant: tensor.Quantization{
				Scale:     float32(s.Fields["scale"].GetNumberValue()),
				ZeroPoint: int32(s.Fields["zero_point"].GetNumberValue()),
			},
			Buffer: buf,
		})
	}
	return ts, nil
}

func encodeLoad(m inference.Model, dev *accel.Device) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"path":        structpb.NewStringValue(m.Path),
		"kind":        structpb.NewStringValue(string(m.Kind)),
		"segment":     structpb.NewNumberValue(float64(m.Segment)),
		"segments":    structpb.NewNumberValue(float64(m.Segments)),
		"device":      structpb.NewNumberValue(float64(dev.Index)),
		"device_type": structpb.NewStringValue(string(dev.Record.Type)),
		"device_path": structpb.NewStringValue(dev.Record.Path),
	}}
}

func decodeLoad(s *structpb.Struct) (inference.Model, *accel.Device) {
	f := s.GetFields()
	m := inference.Model{
		Path:     f["path"].GetStringValue(),
		Kind:     inference.Kind(f["kind"].GetStringValue()),
		Segment:  int(f["segment"].GetNumberValue()),
		Segments: int(f["segments"].GetNumberValue()),
	}
	dev := &accel.Device{
		Index: int(f["device"].GetNumberValue()),
		Record: accel.Record{
			Type: accel.DeviceType(f["device_type"].GetStringValue()),
			Path: f["device_path"].GetStringValue(),
		},
	}
	return m, dev
}

func encodeShape(handle string, s tensor.Shape) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"handle":   structpb.NewStringValue(handle),
		"batch":    structpb.NewNumberValue(float64(s.Batch)),
		"height":   structpb.NewNumberValue(float64(s.Height)),
		"width":    structpb.NewNumberValue(float64(s.Width)),
		"channels": structpb.NewNumberValue(float64(s.Channels)),
	}}
}

func decodeShape(s *structpb.Struct) (string, tensor.Shape) {
	f := s.GetFields()
	return f["handle"].GetStringValue(), tensor.Shape{
		Batch:    int(f["batch"].GetNumberValue()),
		Height:   int(f["height"].GetNumberValue()),
		Width:    int(f["width"].GetNumberValue()),
		Channels: int(f["channels"].GetNumberValue()),
	}
}
