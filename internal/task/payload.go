package task

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Payload is an opaque JSON value carried through the scheduler unchanged.
// Handlers decode it into whatever shape their task type expects.
type Payload []byte

// NewPayload encodes v. A nil value yields an empty payload.
func NewPayload(v any) (Payload, error) {
	if v == nil {
		return nil, nil
	}
	if p, ok := v.(Payload); ok {
		return p.Clone(), nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return Payload(raw).Clone(), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return Payload(data), nil
}

// MustPayload is NewPayload for values known to encode.
func MustPayload(v any) Payload {
	p, err := NewPayload(v)
	if err != nil {
		panic(err)
	}
	return p
}

// Empty reports whether the payload carries no value.
func (p Payload) Empty() bool {
	trimmed := bytes.TrimSpace(p)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (p Payload) Decode(v any) error {
	if p.Empty() {
		return nil
	}
	if err := json.Unmarshal(p, v); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return nil
}

// Map decodes the payload as a JSON object.
func (p Payload) Map() (map[string]any, error) {
	m := map[string]any{}
	if err := p.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

// Clone returns an independent copy.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	return append(Payload(nil), p...)
}

func (p Payload) String() string {
	if p.Empty() {
		return "null"
	}
	return string(p)
}

// MarshalJSON emits the raw value, or null when empty.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.Empty() {
		return []byte("null"), nil
	}
	return p, nil
}

// UnmarshalJSON stores the raw value.
func (p *Payload) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*p = nil
		return nil
	}
	*p = append((*p)[:0], data...)
	return nil
}
