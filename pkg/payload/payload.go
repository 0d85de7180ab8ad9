// Package payload decodes MQTT payloads into either structured JSON or a raw
// string, and extracts numeric fields for charting and rules.
package payload

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Kind tags which variant a Value holds
type Kind int

const (
	// KindRaw is any payload that is not valid JSON
	KindRaw Kind = iota
	// KindJSON is a payload that decoded as JSON
	KindJSON
)

func (k Kind) String() string {
	if k == KindJSON {
		return "json"
	}
	return "raw"
}

// Value is a decoded payload. Raw always holds the original text; JSON is
// only set for KindJSON.
type Value struct {
	Kind Kind
	Raw  string
	JSON any
}

// Decode attempts a structured decode and falls back to the raw variant
func Decode(raw string) Value {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Value{Kind: KindRaw, Raw: raw}
	}

	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return Value{Kind: KindRaw, Raw: raw}
	}
	return Value{Kind: KindJSON, Raw: raw, JSON: v}
}

// Valid reports whether raw is a single well-formed JSON document
func Valid(raw string) bool {
	return Decode(raw).Kind == KindJSON
}

// Field returns the numeric value at a dotted path such as "sensor.temp".
// An empty path addresses a bare numeric payload.
func (v Value) Field(path string) (float64, bool) {
	if v.Kind != KindJSON {
		if path != "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Raw), 64)
		return f, err == nil
	}

	cur := v.JSON
	if path != "" {
		for _, part := range strings.Split(path, ".") {
			obj, ok := cur.(map[string]any)
			if !ok {
				return 0, false
			}
			if cur, ok = obj[part]; !ok {
				return 0, false
			}
		}
	}
	return number(cur)
}

// NumericFields flattens every numeric leaf of a JSON object into dotted
// paths. Arrays are not descended into.
func (v Value) NumericFields() map[string]float64 {
	out := make(map[string]float64)
	if v.Kind != KindJSON {
		if f, ok := v.Field(""); ok {
			out[""] = f
		}
		return out
	}
	collect(out, "", v.JSON)
	return out
}

// FieldNames returns the sorted numeric field paths
func (v Value) FieldNames() []string {
	fields := v.NumericFields()
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Pretty returns indented JSON, or the raw text for non-JSON payloads
func (v Value) Pretty() string {
	if v.Kind != KindJSON {
		return v.Raw
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(strings.TrimSpace(v.Raw)), "", "  "); err != nil {
		return v.Raw
	}
	return buf.String()
}

func collect(out map[string]float64, prefix string, node any) {
	switch n := node.(type) {
	case map[string]any:
		for k, child := range n {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			collect(out, key, child)
		}
	default:
		if f, ok := number(n); ok {
			out[prefix] = f
		}
	}
}

func number(node any) (float64, bool) {
	n, ok := node.(json.Number)
	if !ok {
		return 0, false
	}
	f, err := n.Float64()
	return f, err == nil
}
