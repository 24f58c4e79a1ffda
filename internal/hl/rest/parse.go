package rest

import (
	"encoding/json"
	"strconv"
	"strings"
)

func toMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func toSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

func indexedMap(items []any, idx int) (map[string]any, bool) {
	if idx < 0 || idx >= len(items) {
		return nil, false
	}
	return toMap(items[idx])
}

func stringFromMap(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := stringFromAny(m[key]); s != "" {
			return s
		}
	}
	return ""
}

func stringFromAny(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return ""
	}
}

func floatFromMap(m map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		if f, ok := floatFromAny(m[key]); ok {
			return f, true
		}
	}
	return 0, false
}

func floatFromAny(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func int64FromAny(v any) (int64, bool) {
	switch val := v.(type) {
	case json.Number:
		n, err := val.Int64()
		if err == nil {
			return n, true
		}
		f, err := val.Float64()
		return int64(f), err == nil
	case float64:
		return int64(val), true
	case int:
		return int64(val), true
	case int64:
		return val, true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
