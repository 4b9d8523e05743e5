// Package docval implements the dynamic JSON document type used for the
// opaque option and metadata blobs that pass between callers and the
// external download engine. Shapes are engine-driven and extensible, so the
// orchestration layer validates only the handful of fields it reads.
package docval

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Doc is an ordered-by-serialization key/value document equivalent to a JSON
// object. A nil Doc reads as empty.
type Doc map[string]any

// Clone returns a deep copy of the document. Nested objects and arrays are
// copied; scalar values are shared (they are immutable).
func (d Doc) Clone() Doc {
	if d == nil {
		return nil
	}
	out := make(Doc, len(d))
	for k, v := range d {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies a JSON-safe value.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Doc(t).Clone()
	case Doc:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Merge applies patch over base and returns the result; neither input is
// mutated. A key explicitly present in patch with a nil value deletes that
// key; keys absent from patch keep their base value.
func Merge(base, patch Doc) Doc {
	out := base.Clone()
	if out == nil {
		out = make(Doc, len(patch))
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = CloneValue(v)
	}
	return out
}

// Has reports whether the key is present, regardless of its value.
func (d Doc) Has(key string) bool {
	_, ok := d[key]
	return ok
}

// String returns the value at key as a string.
func (d Doc) String(key string) (string, bool) {
	v, ok := d[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// StringOr returns the value at key as a string, or def when missing.
func (d Doc) StringOr(key, def string) string {
	if s, ok := d.String(key); ok {
		return s
	}
	return def
}

// Float returns the value at key as a float64, coercing from any JSON
// numeric representation and numeric strings.
func (d Doc) Float(key string) (float64, bool) {
	v, ok := d[key]
	if !ok || v == nil {
		return 0, false
	}
	return AsFloat(v)
}

// Int returns the value at key as an int64, truncating fractional parts.
func (d Doc) Int(key string) (int64, bool) {
	f, ok := d.Float(key)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(f), true
}

// Bool returns the value at key as a bool.
func (d Doc) Bool(key string) (bool, bool) {
	v, ok := d[key]
	if !ok || v == nil {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Sub returns the nested document at key.
func (d Doc) Sub(key string) (Doc, bool) {
	v, ok := d[key]
	if !ok || v == nil {
		return nil, false
	}
	switch t := v.(type) {
	case Doc:
		return t, true
	case map[string]any:
		return Doc(t), true
	default:
		return nil, false
	}
}

// Slice returns the array at key.
func (d Doc) Slice(key string) ([]any, bool) {
	v, ok := d[key]
	if !ok || v == nil {
		return nil, false
	}
	s, ok := v.([]any)
	return s, ok
}

// FirstString returns the first non-empty string found among keys.
func (d Doc) FirstString(keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := d.String(k); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// AsFloat coerces a JSON-safe scalar to float64.
func AsFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// AsInt coerces a JSON-safe scalar to int64.
func AsInt(v any) (int64, bool) {
	f, ok := AsFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(f), true
}

// FromJSON parses a JSON object into a Doc.
func FromJSON(data []byte) (Doc, error) {
	var d Doc
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return d, nil
}

// ToJSON serializes the document.
func (d Doc) ToJSON() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return data, nil
}
