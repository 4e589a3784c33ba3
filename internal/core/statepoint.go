package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"unicode/utf8"
)

// Statepoint is one concrete parameter assignment: parameter name to a single
// JSON-representable value.
//
// Two statepoints are equal iff their canonical encodings are equal; the order
// in which keys were inserted never matters.
type Statepoint map[string]any

// NewStatepoint zips names and values into a Statepoint.
func NewStatepoint(names []string, values []any) Statepoint {
	sp := make(Statepoint, len(names))
	for i, name := range names {
		if i < len(values) {
			sp[name] = values[i]
		}
	}
	return sp
}

// Normalize returns a copy of sp whose values are restricted to the JSON data
// model: nil, bool, string, json.Number, []any and map[string]any.
//
// Anything else (structs, pointers, channels, NaN, invalid UTF-8, ...) yields a
// SchemaError.
func (sp Statepoint) Normalize() (Statepoint, error) {
	out := make(Statepoint, len(sp))
	for k, v := range sp {
		if !utf8.ValidString(k) {
			return nil, &SchemaError{Field: strconv.Quote(k), Msg: errInvalidUTF8.Error()}
		}
		nv, err := normalizeValue(v)
		if err != nil {
			return nil, &SchemaError{Field: k, Msg: err.Error()}
		}
		out[k] = nv
	}
	return out, nil
}

// Validate reports whether every value is JSON-representable.
func (sp Statepoint) Validate() error {
	_, err := sp.Normalize()
	return err
}

// Canonical returns the canonical JSON encoding of the statepoint.
//
// Canonical form:
//   - object keys sorted lexicographically at every depth
//   - no insignificant whitespace
//   - numbers rendered by value: integral values without a fraction or exponent
//     (so 1, 1.0 and 1e0 encode identically), others in shortest round-trip form
func (sp Statepoint) Canonical() ([]byte, error) {
	norm, err := sp.Normalize()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, map[string]any(norm)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Equal reports whether sp and other describe the same assignment.
func (sp Statepoint) Equal(other Statepoint) bool {
	a, err := sp.Canonical()
	if err != nil {
		return false
	}
	b, err := other.Canonical()
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// MarshalJSON encodes the statepoint canonically.
func (sp Statepoint) MarshalJSON() ([]byte, error) {
	if sp == nil {
		return []byte("null"), nil
	}
	return sp.Canonical()
}

// UnmarshalJSON decodes a statepoint preserving exact number text.
func (sp *Statepoint) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return err
	}
	*sp = Statepoint(m)
	return nil
}

// Has reports whether the parameter is present.
func (sp Statepoint) Has(name string) bool {
	_, ok := sp[name]
	return ok
}

// StringValue returns the named parameter as a string.
func (sp Statepoint) StringValue(name string) (string, error) {
	v, ok := sp[name]
	if !ok {
		return "", Schemaf(name, "missing parameter")
	}
	s, ok := v.(string)
	if !ok {
		return "", Schemaf(name, "expected string, got %T", v)
	}
	return s, nil
}

// BoolValue returns the named parameter as a bool.
func (sp Statepoint) BoolValue(name string) (bool, error) {
	v, ok := sp[name]
	if !ok {
		return false, Schemaf(name, "missing parameter")
	}
	b, ok := v.(bool)
	if !ok {
		return false, Schemaf(name, "expected bool, got %T", v)
	}
	return b, nil
}

// FloatValue returns the named parameter as a float64.
func (sp Statepoint) FloatValue(name string) (float64, error) {
	v, ok := sp[name]
	if !ok {
		return 0, Schemaf(name, "missing parameter")
	}
	nv, err := normalizeValue(v)
	if err != nil {
		return 0, Schemaf(name, "%v", err)
	}
	n, ok := nv.(json.Number)
	if !ok {
		return 0, Schemaf(name, "expected number, got %T", v)
	}
	f, err := n.Float64()
	if err != nil {
		return 0, Schemaf(name, "%v", err)
	}
	return f, nil
}

// OptionalFloat returns the named parameter as a float64, or (0, false) when it
// is absent or null.
func (sp Statepoint) OptionalFloat(name string) (float64, bool, error) {
	if v, ok := sp[name]; !ok || v == nil {
		return 0, false, nil
	}
	f, err := sp.FloatValue(name)
	return f, err == nil, err
}

// IntValue returns the named parameter as an int64. Integral floats such as 1e6 are
// accepted.
func (sp Statepoint) IntValue(name string) (int64, error) {
	f, err := sp.FloatValue(name)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, Schemaf(name, "expected integral value, got %v", f)
	}
	return int64(f), nil
}

// errInvalidUTF8 rejects strings the canonical encoding would silently rewrite.
var errInvalidUTF8 = fmt.Errorf("string is not valid UTF-8")

func normalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return x, nil
	case string:
		if !utf8.ValidString(x) {
			return nil, errInvalidUTF8
		}
		return x, nil
	case json.Number:
		return canonicalNumber(x)
	case float64:
		return floatNumber(x)
	case float32:
		return floatNumber(float64(x))
	case int:
		return json.Number(strconv.FormatInt(int64(x), 10)), nil
	case int8:
		return json.Number(strconv.FormatInt(int64(x), 10)), nil
	case int16:
		return json.Number(strconv.FormatInt(int64(x), 10)), nil
	case int32:
		return json.Number(strconv.FormatInt(int64(x), 10)), nil
	case int64:
		return json.Number(strconv.FormatInt(x, 10)), nil
	case uint:
		return canonicalNumber(json.Number(strconv.FormatUint(uint64(x), 10)))
	case uint8:
		return json.Number(strconv.FormatUint(uint64(x), 10)), nil
	case uint16:
		return json.Number(strconv.FormatUint(uint64(x), 10)), nil
	case uint32:
		return json.Number(strconv.FormatUint(uint64(x), 10)), nil
	case uint64:
		return canonicalNumber(json.Number(strconv.FormatUint(x, 10)))
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			ne, err := normalizeValue(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = ne
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			if !utf8.ValidString(k) {
				return nil, fmt.Errorf("key %q: %w", k, errInvalidUTF8)
			}
			ne, err := normalizeValue(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = ne
		}
		return out, nil
	case Statepoint:
		return normalizeValue(map[string]any(x))
	}

	// Typed slices and string-keyed maps, e.g. []float64 or map[string]string.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			ne, err := normalizeValue(rv.Index(i).Interface())
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = ne
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("map keys must be strings, got %s", rv.Type().Key())
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			if !utf8.ValidString(k) {
				return nil, fmt.Errorf("key %q: %w", k, errInvalidUTF8)
			}
			ne, err := normalizeValue(iter.Value().Interface())
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = ne
		}
		return out, nil
	}
	return nil, fmt.Errorf("value of type %T is not JSON-representable", v)
}

func canonicalNumber(n json.Number) (any, error) {
	if i, err := strconv.ParseInt(string(n), 10, 64); err == nil {
		return json.Number(strconv.FormatInt(i, 10)), nil
	}
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q", string(n))
	}
	return floatNumber(f)
}

func floatNumber(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("number %v is not JSON-representable", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e21 {
		if f == 0 {
			// Collapse -0 onto 0.
			return json.Number("0"), nil
		}
		return json.Number(strconv.FormatFloat(f, 'f', -1, 64)), nil
	}
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64)), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(string(x))
	case string:
		b, err := json.Marshal(x)
		if err != nil {
			return err
		}
		buf.Write(b)
	case []any:
		buf.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, x[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unexpected normalized value %T", v)
	}
	return nil
}
