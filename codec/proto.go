package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Proto implements Codec using Protocol Buffers serialization.
//
// Item handling:
//   - If the item implements proto.Message, it's encoded directly
//   - Otherwise, it's converted to structpb.Value (supports JSON-like values)
//     through its JSON form
//
// For best performance, use proto.Message types for items.
type Proto struct{}

// Marshal serializes v to Protocol Buffer bytes
func (c Proto) Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		data, err := proto.Marshal(m)
		if err != nil {
			return nil, errors.Join(ErrEncodeFailure, err)
		}
		return data, nil
	}

	generic, err := toGeneric(v)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	val, err := structpb.NewValue(generic)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	data, err := proto.Marshal(val)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Unmarshal deserializes Protocol Buffer bytes into v
func (c Proto) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		if err := proto.Unmarshal(data, m); err != nil {
			return errors.Join(ErrDecodeFailure, err)
		}
		return nil
	}

	var val structpb.Value
	if err := proto.Unmarshal(data, &val); err != nil {
		return errors.Join(ErrDecodeFailure, err)
	}
	raw, err := protojson.Marshal(&val)
	if err != nil {
		return errors.Join(ErrDecodeFailure, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Join(ErrDecodeFailure, err)
	}
	return nil
}

// ContentType returns the MIME type for Protocol Buffers
func (c Proto) ContentType() string {
	return "application/x-protobuf"
}

// Name returns the codec identifier
func (c Proto) Name() string {
	return "proto"
}

// toGeneric converts v to the map/slice/scalar form structpb accepts.
func toGeneric(v any) (any, error) {
	switch v.(type) {
	case nil, bool, string, float64, int, int64, map[string]any, []any:
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("to json: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Compile-time check
var _ Codec = Proto{}
