// Package codec provides item serialization for range sources.
//
// Sources that store items outside the process (Redis streams, Kafka
// topics, NATS subjects) encode them with a Codec on write and decode them
// on fetch.
//
// Supported formats:
//   - JSON (default, human-readable)
//   - MessagePack (binary, compact)
//   - Protocol Buffers (binary, schema-based)
package codec

import (
	"errors"
)

// Codec errors
var (
	ErrEncodeFailure = errors.New("failed to encode item")
	ErrDecodeFailure = errors.New("failed to decode item")
)

// Codec handles item serialization.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Marshal serializes v to bytes.
	// Returns ErrEncodeFailure if serialization fails.
	Marshal(v any) ([]byte, error)

	// Unmarshal deserializes data into the value pointed to by v.
	// Returns ErrDecodeFailure if deserialization fails.
	Unmarshal(data []byte, v any) error

	// ContentType returns the MIME type for this codec (e.g., "application/json").
	ContentType() string

	// Name returns a short identifier for this codec (e.g., "json", "msgpack", "proto").
	Name() string
}

// Default returns the default codec (JSON)
func Default() Codec {
	return JSON{}
}

// ByName returns the codec registered under name.
func ByName(name string) (Codec, bool) {
	switch name {
	case JSON{}.Name():
		return JSON{}, true
	case MsgPack{}.Name():
		return MsgPack{}, true
	case Proto{}.Name():
		return Proto{}, true
	}
	return nil, false
}
