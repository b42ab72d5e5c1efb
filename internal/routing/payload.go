// ABOUTME: Schema-agnostic message body shared by requests and responses
// ABOUTME: Keeps the raw bytes alongside a decoded JSON value for plugins to inspect

package routing

import (
	"encoding/json"
	"fmt"
)

// Payload is an immutable message body. Raw holds the bytes as received or
// produced, Value holds the decoded form: a JSON value when the bytes parse as
// JSON, the raw text otherwise.
type Payload struct {
	raw   []byte
	value any
}

// NewPayload wraps raw bytes. JSON input is decoded into maps, slices and
// scalars; anything else is kept as a string value.
func NewPayload(raw []byte) Payload {
	buf := make([]byte, len(raw))
	copy(buf, raw)

	var v any
	if len(buf) > 0 && json.Unmarshal(buf, &v) == nil {
		return Payload{raw: buf, value: v}
	}
	return Payload{raw: buf, value: string(buf)}
}

// NewPayloadValue encodes a structured value as JSON.
func NewPayloadValue(v any) (Payload, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("encoding payload: %w", err)
	}
	return NewPayload(raw), nil
}

// Bytes returns the raw bytes.
func (p Payload) Bytes() []byte {
	return p.raw
}

// Value returns the decoded value.
func (p Payload) Value() any {
	return p.value
}

// IsEmpty reports whether the payload carries no bytes.
func (p Payload) IsEmpty() bool {
	return len(p.raw) == 0
}

// Map returns the payload as a JSON object, if it is one.
func (p Payload) Map() (map[string]any, bool) {
	m, ok := p.value.(map[string]any)
	return m, ok
}

// Field looks up a top-level field of an object payload.
func (p Payload) Field(name string) (any, bool) {
	m, ok := p.Map()
	if !ok {
		return nil, false
	}
	v, ok := m[name]
	return v, ok
}

// String returns a top-level field formatted as a string. Numbers and
// booleans are formatted with fmt; missing fields and nulls yield "".
func (p Payload) String(name string) string {
	v, ok := p.Field(name)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
