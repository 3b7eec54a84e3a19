package gateway

import (
	"encoding/json"
	"strconv"
	"strings"
)

// field walks nested JSON objects and returns the value at path as a
// string. An object found where a string was expected yields its "id".
func field(m map[string]any, path ...string) string {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = obj[key]
	}
	switch v := cur.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case map[string]any:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}
	return ""
}

// object returns the nested JSON object at path, or nil.
func object(m map[string]any, path ...string) map[string]any {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[key]
	}
	obj, _ := cur.(map[string]any)
	return obj
}

// customFromValue accepts custom data given either as an object or as a
// JSON-encoded string.
func customFromValue(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case string:
		t = strings.TrimSpace(t)
		if t == "" {
			return nil
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(t), &out); err != nil {
			return nil
		}
		return out
	}
	return nil
}
