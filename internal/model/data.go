package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// Data is the structured payload attached to associations, proposals and
// slots. Values are limited to strings, integers, booleans, arrays and
// nested objects so the canonical form is stable.
//
// Data always serializes to canonical JSON: keys sorted by UTF-16 code
// units, NFC normalized strings, no HTML escaping. Two payloads are equal
// iff their canonical forms are byte-equal.
type Data map[string]any

// NormalizeText trims and NFC normalizes free text.
func NormalizeText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// MarshalJSON implements json.Marshaler with the canonical form.
func (d Data) MarshalJSON() ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return marshalCanonical(map[string]any(d))
}

// UnmarshalJSON decodes integers as int64 and rejects floats.
func (d *Data) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	if raw == nil {
		*d = nil
		return nil
	}
	v, err := normalizeValue(raw)
	if err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	*d = Data(v.(map[string]any))
	return nil
}

// Canonical returns the canonical JSON text, "" for empty data.
func (d Data) Canonical() (string, error) {
	if len(d) == 0 {
		return "", nil
	}
	b, err := d.MarshalJSON()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Equal compares two payloads through their canonical form.
func (d Data) Equal(o Data) bool {
	a, errA := d.Canonical()
	b, errB := o.Canonical()
	return errA == nil && errB == nil && a == b
}

// ParseData decodes a canonical text produced by Canonical.
func ParseData(s string) (Data, error) {
	if s == "" {
		return nil, nil
	}
	var d Data
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return nil, err
	}
	return d, nil
}

func normalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null is forbidden in data")
	case string:
		return norm.NFC.String(val), nil
	case bool:
		return val, nil
	case int:
		return int64(val), nil
	case int64:
		return val, nil
	case json.Number:
		i, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("only integers are allowed in data, got %s", val)
		}
		return i, nil
	case float32, float64:
		return nil, fmt.Errorf("floats are forbidden in data: %v", val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			n, err := normalizeValue(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			n, err := normalizeValue(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			out[norm.NFC.String(k)] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported data type %T", v)
	}
}

func marshalCanonical(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null is forbidden in data")
	case string:
		return marshalCanonicalString(val)
	case bool:
		if val {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case int:
		return []byte(fmt.Sprintf("%d", val)), nil
	case int64:
		return []byte(fmt.Sprintf("%d", val)), nil
	case json.Number:
		i, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("only integers are allowed in data, got %s", val)
		}
		return []byte(fmt.Sprintf("%d", i)), nil
	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalCanonical(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]any:
		return marshalCanonicalObject(val)
	case Data:
		return marshalCanonicalObject(map[string]any(val))
	case float32, float64:
		return nil, fmt.Errorf("floats are forbidden in data: %v", val)
	default:
		return nil, fmt.Errorf("unsupported data type %T", v)
	}
}

func marshalCanonicalObject(obj map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return compareUTF16(keys[i], keys[j]) < 0
	})

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := marshalCanonicalString(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := marshalCanonical(obj[k])
		if err != nil {
			return nil, fmt.Errorf("[%q]: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalCanonicalString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// compareUTF16 orders strings by UTF-16 code units.
func compareUTF16(a, b string) int {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			if ua[i] < ub[i] {
				return -1
			}
			return 1
		}
	}
	return len(ua) - len(ub)
}
