package vectorstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Metadata is a flat key/value map that remembers insertion order.
//
// Values are strings, numbers or booleans. Marshaling writes keys in the
// order they were first set; unmarshaling keeps the document order and
// decodes numbers as json.Number so their text survives a round trip.
// A nil *Metadata behaves as an empty map for reads.
type Metadata struct {
	pairs *orderedmap.OrderedMap[string, any]
}

// NewMetadata returns an empty Metadata.
func NewMetadata() *Metadata {
	return &Metadata{pairs: orderedmap.New[string, any]()}
}

// MetadataOf builds Metadata from alternating key/value arguments.
// A trailing key without a value is ignored.
func MetadataOf(kv ...any) *Metadata {
	m := NewMetadata()
	for i := 0; i+1 < len(kv); i += 2 {
		m.Set(fmt.Sprint(kv[i]), kv[i+1])
	}
	return m
}

// Set stores value under key. Re-setting a key keeps its original position.
func (m *Metadata) Set(key string, value any) *Metadata {
	if m.pairs == nil {
		m.pairs = orderedmap.New[string, any]()
	}
	m.pairs.Set(key, normalizeValue(value))
	return m
}

// Delete removes key.
func (m *Metadata) Delete(key string) {
	if m == nil || m.pairs == nil {
		return
	}
	m.pairs.Delete(key)
}

// Get returns the raw value stored under key.
func (m *Metadata) Get(key string) (any, bool) {
	if m == nil || m.pairs == nil {
		return nil, false
	}
	return m.pairs.Get(key)
}

// GetString returns the natural text form of the value under key.
func (m *Metadata) GetString(key string) string {
	v, ok := m.Get(key)
	if !ok {
		return ""
	}
	return valueString(v)
}

// Keys returns the keys in insertion order.
func (m *Metadata) Keys() []string {
	if m == nil || m.pairs == nil {
		return nil
	}
	out := make([]string, 0, m.pairs.Len())
	for p := m.pairs.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Key)
	}
	return out
}

// Len returns the number of keys.
func (m *Metadata) Len() int {
	if m == nil || m.pairs == nil {
		return 0
	}
	return m.pairs.Len()
}

// Clone returns a copy that shares no state with m.
func (m *Metadata) Clone() *Metadata {
	c := NewMetadata()
	m.each(func(k string, v any) { c.Set(k, v) })
	return c
}

// StringMap flattens the metadata to strings, the shape index backends store.
func (m *Metadata) StringMap() map[string]string {
	out := make(map[string]string, m.Len())
	m.each(func(k string, v any) { out[k] = valueString(v) })
	return out
}

// Map returns the values keyed by name. Order is lost.
func (m *Metadata) Map() map[string]any {
	out := make(map[string]any, m.Len())
	m.each(func(k string, v any) { out[k] = v })
	return out
}

// Matches reports whether every filter equals the text form of the
// corresponding value.
func (m *Metadata) Matches(filters map[string]string) bool {
	for k, want := range filters {
		v, ok := m.Get(k)
		if !ok || valueString(v) != want {
			return false
		}
	}
	return true
}

// Validate reports a nested object or array value. Metadata is flat.
func (m *Metadata) Validate() error {
	var err error
	m.each(func(k string, v any) {
		if err == nil && !isScalar(v) {
			err = fmt.Errorf("%w: metadata %q must be a string, number or boolean", ErrInvalidInput, k)
		}
	})
	return err
}

func (m *Metadata) each(fn func(string, any)) {
	if m == nil || m.pairs == nil {
		return
	}
	for p := m.pairs.Oldest(); p != nil; p = p.Next() {
		fn(p.Key, p.Value)
	}
}

// MarshalJSON writes the object with keys in insertion order.
func (m *Metadata) MarshalJSON() ([]byte, error) {
	if m.Len() == 0 {
		return []byte("{}"), nil
	}
	return m.pairs.MarshalJSON()
}

// UnmarshalJSON reads a flat JSON object preserving document key order.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	m.pairs = orderedmap.New[string, any]()

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] != '{' {
		return fmt.Errorf("%w: metadata must be a JSON object", ErrInvalidInput)
	}

	raw := orderedmap.New[string, json.RawMessage]()
	if err := raw.UnmarshalJSON(trimmed); err != nil {
		return fmt.Errorf("%w: decoding metadata: %v", ErrInvalidInput, err)
	}
	for p := raw.Oldest(); p != nil; p = p.Next() {
		dec := json.NewDecoder(bytes.NewReader(p.Value))
		dec.UseNumber()
		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("decoding metadata %q: %w", p.Key, err)
		}
		if !isScalar(value) {
			return fmt.Errorf("%w: metadata %q must be a string, number or boolean", ErrInvalidInput, p.Key)
		}
		m.Set(p.Key, value)
	}
	return nil
}

// String returns the JSON form.
func (m *Metadata) String() string {
	b, err := m.MarshalJSON()
	if err != nil {
		return "{}"
	}
	return string(b)
}

// ParseMetadata decodes a JSON object. Empty input yields empty metadata.
func ParseMetadata(s string) (*Metadata, error) {
	m := NewMetadata()
	if err := m.UnmarshalJSON([]byte(s)); err != nil {
		return nil, err
	}
	return m, nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return false
	}
	return true
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case nil, string, bool, json.Number, float64, float32, map[string]any, []any:
		return t
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case uint:
		return uint64(t)
	case uint8:
		return uint64(t)
	case uint16:
		return uint64(t)
	case uint32:
		return uint64(t)
	case uint64:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func valueString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	default:
		return fmt.Sprint(t)
	}
}
