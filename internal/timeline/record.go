package timeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
)

// ErrNotObject is returned when a log line is valid JSON but not an object.
var ErrNotObject = errors.New("timeline: record is not a JSON object")

// Record is one raw audit record. Numbers are kept as json.Number.
type Record map[string]any

// ParseRecord decodes one log line.
func ParseRecord(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return Record(obj), nil
}

// Text returns the value at key rendered as a string, or "" when the value is
// absent, null, empty, false or zero.
func (r Record) Text(key string) string {
	return textOf(r[key])
}

// FirstText returns the first non-empty Text among keys.
func (r Record) FirstText(keys ...string) string {
	for _, k := range keys {
		if s := r.Text(k); s != "" {
			return s
		}
	}
	return ""
}

// Int returns the value at key as an integer if it is numeric.
func (r Record) Int(key string) (int64, bool) {
	return intOf(r[key])
}

// Float returns the value at key as a float if it is numeric.
func (r Record) Float(key string) (float64, bool) {
	switch v := r[key].(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Object returns the nested object at key, or nil.
func (r Record) Object(key string) Record {
	if m, ok := r[key].(map[string]any); ok {
		return Record(m)
	}
	if m, ok := r[key].(Record); ok {
		return m
	}
	return nil
}

// List returns the array at key, or nil.
func (r Record) List(key string) []any {
	l, _ := r[key].([]any)
	return l
}

// TurnIndex returns the record's explicit non-negative turn_index, else fallback.
func (r Record) TurnIndex(fallback int) int {
	if n, ok := r.Int("turn_index"); ok && n >= 0 {
		return int(n)
	}
	if s, ok := r["turn_index"].(string); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}

// StringMap returns a string-to-string view of the object at key, dropping
// non-string values.
func (r Record) StringMap(key string) map[string]string {
	out := map[string]string{}
	for k, v := range r.Object(key) {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// Without returns a shallow copy omitting keys.
func (r Record) Without(keys ...string) map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

func textOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		if f, err := t.Float64(); err == nil && f == 0 {
			return ""
		}
		return t.String()
	case float64:
		if t == 0 {
			return ""
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		if t == 0 {
			return ""
		}
		return strconv.Itoa(t)
	case bool:
		if !t {
			return ""
		}
		return "True"
	default:
		return ""
	}
}

func intOf(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		if f, err := t.Float64(); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
			return int64(f), true
		}
	case float64:
		return int64(t), true
	case int:
		return int64(t), true
	case int64:
		return t, true
	}
	return 0, false
}
