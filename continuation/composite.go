package continuation

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/rbaliyan/crossfeed/partition"
)

// CompositeVersion is the current version of the composite payload.
var CompositeVersion = V1

// RangeToken is one (range, state) pair of a composite payload. State is the
// backend's opaque continuation for the range, kept as raw JSON.
type RangeToken struct {
	Range partition.Range `json:"Range"`
	State json.RawMessage `json:"State"`
}

// Composite is the resumable state of a drain across many ranges, in
// priority order.
//
// Wire format:
//
//	{"Version":"1.0","Ranges":[{"Range":{"id":"0","min":"","max":"FF"},"State":"a1"}]}
//
// A bare JSON array of range tokens, written before the payload carried a
// version, is accepted as the same content.
type Composite struct {
	Version Version      `json:"Version"`
	Ranges  []RangeToken `json:"Ranges"`
}

// IsComposite reports whether raw looks like a composite payload rather than
// a version wrapper, i.e. it is an object with a Ranges field or a bare array.
func IsComposite(raw []byte) bool {
	data := bytes.TrimSpace(raw)
	if len(data) == 0 {
		return false
	}
	if data[0] == '[' {
		return true
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return false
	}
	_, ok := fields["Ranges"]
	return ok
}

// EncodeComposite renders the ranges as a versioned composite payload.
func EncodeComposite(ranges []RangeToken) ([]byte, error) {
	out := make([]RangeToken, len(ranges))
	for i, r := range ranges {
		if len(r.State) == 0 {
			r.State = json.RawMessage("null")
		}
		out[i] = r
	}
	return json.Marshal(Composite{Version: CompositeVersion, Ranges: out})
}

// DecodeComposite parses a composite payload. Payloads newer than
// CompositeVersion return a *FutureTokenError; anything else that does not
// parse returns a *MalformedTokenError.
func DecodeComposite(raw []byte) (Composite, error) {
	data := bytes.TrimSpace(raw)
	if len(data) == 0 || !json.Valid(data) {
		return Composite{}, malformed(string(raw), errors.New("not JSON"))
	}

	if data[0] == '[' {
		var ranges []RangeToken
		if err := json.Unmarshal(data, &ranges); err != nil {
			return Composite{}, malformed(string(raw), err)
		}
		return Composite{Version: V0, Ranges: ranges}, validate(string(raw), ranges)
	}

	var c Composite
	if err := json.Unmarshal(data, &c); err != nil {
		return Composite{}, malformed(string(raw), err)
	}
	if c.Version.Compare(CompositeVersion) > 0 {
		return Composite{}, &FutureTokenError{Version: c.Version}
	}
	if c.Ranges == nil {
		return Composite{}, malformed(string(raw), errors.New("missing Ranges"))
	}
	return c, validate(string(raw), c.Ranges)
}

func validate(raw string, ranges []RangeToken) error {
	for _, r := range ranges {
		if r.Range.ID == "" {
			return malformed(raw, errors.New("range without id"))
		}
		if r.Range.IsEmpty() {
			return malformed(raw, errors.New("empty range "+r.Range.ID))
		}
	}
	return nil
}
