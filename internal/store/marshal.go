package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// marshalObject converts a JSON object to TEXT for storage. Keys are sorted
// and HTML escaping is disabled so equal values always store as equal text.
func marshalObject(obj map[string]any) (string, error) {
	if obj == nil {
		return "{}", nil
	}
	return marshalText(obj)
}

func marshalStrings(list []string) (string, error) {
	if list == nil {
		return "[]", nil
	}
	return marshalText(list)
}

func marshalText(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

// unmarshalObject parses TEXT into a JSON object. Numbers decode as
// json.Number to avoid float64 precision loss.
func unmarshalObject(data string) (map[string]any, error) {
	obj := map[string]any{}
	if data == "" || data == "{}" {
		return obj, nil
	}
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("unmarshal object: %w", err)
	}
	return obj, nil
}

func unmarshalStrings(data string) ([]string, error) {
	list := []string{}
	if data == "" || data == "[]" {
		return list, nil
	}
	if err := json.Unmarshal([]byte(data), &list); err != nil {
		return nil, fmt.Errorf("unmarshal strings: %w", err)
	}
	return list, nil
}
