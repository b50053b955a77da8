// Package canonjson produces deterministic JSON encodings: object keys
// sorted recursively, no insignificant whitespace. Two semantically equal
// values always canonicalize to the same bytes, which is what signing and
// hashing (internal/action, internal/attestation, internal/audit) rely on.
package canonjson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonicalize encodes v as canonical JSON: map keys sorted lexicographically at
// every level, arrays preserved in order, numbers re-emitted exactly as
// decoded (no float round-tripping through a Go numeric type).
//
// v is first round-tripped through encoding/json into generic Go values
// (map[string]interface{}, []interface{}, json.Number, ...) so struct field
// ordering and tags are normalised the same way regardless of the input's
// static type.
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonjson: marshal input: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonjson: decode for canonicalisation: %w", err)
	}

	buf, err := appendValue(nil, generic)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// CanonicalizeString is Canonicalize followed by a string conversion.
func CanonicalizeString(v interface{}) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func appendValue(buf []byte, v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		if val {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case json.Number:
		return append(buf, val.String()...), nil
	case string:
		return appendString(buf, val), nil
	case []interface{}:
		return appendArray(buf, val)
	case map[string]interface{}:
		return appendObject(buf, val)
	default:
		return nil, fmt.Errorf("canonjson: unsupported value type %T", v)
	}
}

func appendArray(buf []byte, arr []interface{}) ([]byte, error) {
	buf = append(buf, '[')
	for i, elem := range arr {
		if i > 0 {
			buf = append(buf, ',')
		}
		var err error
		buf, err = appendValue(buf, elem)
		if err != nil {
			return nil, err
		}
	}
	buf = append(buf, ']')
	return buf, nil
}

func appendObject(buf []byte, obj map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = appendString(buf, k)
		buf = append(buf, ':')
		var err error
		buf, err = appendValue(buf, obj[k])
		if err != nil {
			return nil, err
		}
	}
	buf = append(buf, '}')
	return buf, nil
}

// appendString writes v as a JSON string literal using encoding/json's own
// escaping rules, so canonical output stays valid JSON for every input.
func appendString(buf []byte, v string) []byte {
	quoted, _ := json.Marshal(v)
	return append(buf, quoted...)
}
