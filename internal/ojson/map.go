// Package ojson provides an order-preserving JSON object. An identical
// logical object must always hash to the same digest, but Go's
// map[string]any randomizes iteration order, which would make
// re-hashing the same object non-deterministic. Map stores field
// insertion order alongside the values and both decodes and encodes
// JSON objects preserving it.
package ojson

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Map is an insertion-ordered JSON object. The zero value is not usable;
// construct with NewMap.
type Map struct {
	keys []string
	vals map[string]any
}

// NewMap returns an empty ordered object.
func NewMap() *Map {
	return &Map{vals: make(map[string]any)}
}

// Set inserts or updates key. Updating an existing key keeps its original
// position; a new key is appended to the end, matching how the flattener
// builds objects field-by-field in source order.
func (m *Map) Set(key string, val any) {
	if _, exists := m.vals[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = val
}

// Get returns the value for key and whether it was present.
func (m *Map) Get(key string) (any, bool) {
	v, ok := m.vals[key]
	return v, ok
}

// Delete removes key, if present.
func (m *Map) Delete(key string) {
	if _, ok := m.vals[key]; !ok {
		return
	}
	delete(m.vals, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the object's fields in insertion order. The caller must
// not mutate the returned slice.
func (m *Map) Keys() []string {
	return m.keys
}

// Len returns the number of fields.
func (m *Map) Len() int {
	return len(m.keys)
}

// MarshalJSON renders the object with fields in insertion order.
func (m *Map) MarshalJSON() ([]byte, error) {
	if m == nil || len(m.keys) == 0 {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := Marshal(m.vals[k])
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, preserving field order. Nested
// objects decode as *Map, nested arrays as []any, numbers as
// json.Number (never float64, to avoid precision loss in digests).
func (m *Map) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != '{' {
		return fmt.Errorf("ojson: expected object, got %v", tok)
	}

	m.keys = nil
	m.vals = make(map[string]any)

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("ojson: expected string key, got %v", keyTok)
		}
		val, err := decodeValue(dec)
		if err != nil {
			return err
		}
		m.Set(key, val)
	}

	// Consume the closing '}'.
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

// decodeValue decodes a single JSON value from dec, recursing into
// objects (as *Map) and arrays (as []any) to preserve object field
// order at every depth.
func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := NewMap()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("ojson: expected string key, got %v", keyTok)
				}
				val, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				obj.Set(key, val)
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return nil, err
			}
			return obj, nil
		case '[':
			var arr []any
			for dec.More() {
				val, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, val)
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return nil, err
			}
			if arr == nil {
				arr = []any{}
			}
			return arr, nil
		default:
			return nil, fmt.Errorf("ojson: unexpected delimiter %v", t)
		}
	default:
		return tok, nil
	}
}

// Marshal serializes an arbitrary decoded value (string, bool, nil,
// json.Number, []any, or *Map), recursing to keep nested object field
// order intact. Plain map[string]any values are rejected — callers must
// build objects via *Map so ordering is never left to chance.
func Marshal(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return []byte("null"), nil
	case *Map:
		return val.MarshalJSON()
	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := Marshal(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]any:
		return nil, fmt.Errorf("ojson: plain map[string]any is not orderable, use *Map")
	default:
		return json.Marshal(val)
	}
}

// Parse decodes a full JSON document into the ojson value representation
// (string/bool/json.Number/nil/[]any/*Map), preserving object field
// order throughout.
func Parse(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return nil, err
	}
	return v, nil
}
