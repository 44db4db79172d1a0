// Package json centralizes the JSON codec used across corerpc.
//
// Isolating the call site behind this package, rather than calling
// encoding/json directly, means the backing implementation can be swapped
// without touching call sites; it is backed by
// github.com/segmentio/encoding/json, which is API-compatible with
// encoding/json but noticeably faster for the message shapes the wire
// protocol produces (small, flat, string-heavy objects).
package json

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"

	"github.com/segmentio/encoding/json"
)

func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	rest, err := json.Parse(data, v, json.DontMatchCaseInsensitiveStructFields)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(rest)) > 0 {
		return fmt.Errorf("json: invalid trailing data after top-level value")
	}
	return nil
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return json.MarshalIndent(v, prefix, indent)
}

// RawMessage re-exports the codec's raw-message type so callers never need
// to import encoding/json alongside this package.
type RawMessage = json.RawMessage

// FieldInfo describes how a struct field participates in JSON encoding,
// following the same tag rules encoding/json itself applies.
type FieldInfo struct {
	// Name is the field's JSON object key: the tag name if one is given,
	// otherwise the Go field name.
	Name string
	// Omit is true if the field is excluded from JSON entirely, either
	// because it's unexported or tagged with `json:"-"`.
	Omit bool
	// Settings holds the comma-separated options that followed the name
	// in the tag (e.g. "omitempty", "omitzero"), true for each present.
	Settings map[string]bool
}

// FieldJSONInfo computes the FieldInfo for a struct field, for callers
// (such as schema inference) that need to mirror encoding/json's own
// field-name and omission rules without re-marshaling a value.
func FieldJSONInfo(field reflect.StructField) FieldInfo {
	info := FieldInfo{Name: field.Name, Settings: map[string]bool{}}
	if field.PkgPath != "" && !field.Anonymous {
		info.Omit = true
		return info
	}
	tag, ok := field.Tag.Lookup("json")
	if !ok {
		return info
	}
	if tag == "-" {
		info.Omit = true
		return info
	}
	parts := strings.Split(tag, ",")
	if parts[0] != "" {
		info.Name = parts[0]
	}
	for _, opt := range parts[1:] {
		if opt != "" {
			info.Settings[opt] = true
		}
	}
	return info
}
