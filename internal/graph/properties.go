package graph

import (
	"encoding/json"
	"fmt"
)

// Properties holds arbitrary scalar/array values attached to a node or edge.
// Persisted as JSON; encoding/json writes map keys sorted, so the stored
// order is stable across writes.
type Properties map[string]any

// String returns the value at key if it is a string
func (p Properties) String(key string) string {
	if p == nil {
		return ""
	}
	s, _ := p[key].(string)
	return s
}

// Float returns the value at key as float64, accepting any numeric type
func (p Properties) Float(key string) (float64, bool) {
	if p == nil {
		return 0, false
	}
	switch v := p[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// Bool returns the value at key if it is a bool
func (p Properties) Bool(key string) bool {
	if p == nil {
		return false
	}
	b, _ := p[key].(bool)
	return b
}

// Strings returns the value at key as a string slice. Values read back from
// JSON arrive as []any and are converted.
func (p Properties) Strings(key string) []string {
	if p == nil {
		return nil
	}
	switch v := p[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Merge returns a copy of p with every key of other set on top.
func (p Properties) Merge(other Properties) Properties {
	out := make(Properties, len(p)+len(other))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

func encodeProperties(p Properties) (string, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode properties: %w", err)
	}
	return string(data), nil
}

func decodeProperties(raw string) Properties {
	if raw == "" || raw == "{}" {
		return Properties{}
	}
	var p Properties
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Properties{}
	}
	return p
}
