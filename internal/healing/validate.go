package healing

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Validate checks raw against the shape and returns the decoded value.
// An empty list is returned without error only when AllowEmpty is set.
func (s Shape) Validate(raw json.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, newMismatch(FailEmpty, raw, "result is null")
	}

	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil, newMismatch(FailShape, raw, "result is not JSON: %v", err)
	}

	switch s.Kind {
	case KindString:
		str, ok := v.(string)
		if !ok {
			return nil, newMismatch(FailShape, raw, "want string, got %s", jsonType(v))
		}
		if strings.TrimSpace(str) == "" {
			return nil, newMismatch(FailEmpty, raw, "string is blank")
		}
		if strings.Contains(str, "<") && strings.Contains(str, ">") {
			return nil, newMismatch(FailShape, raw, "string looks like markup")
		}
		return str, nil

	case KindFloat:
		f, ok := toFloat(v)
		if !ok {
			return nil, newMismatch(FailShape, raw, "want number, got %s", jsonType(v))
		}
		lo, hi := s.Min, s.Max
		if lo == 0 && hi == 0 {
			hi = 10
		}
		if f <= lo || f > hi {
			return nil, newMismatch(FailShape, raw, "%v outside (%v, %v]", f, lo, hi)
		}
		return f, nil

	case KindList:
		list, ok := v.([]any)
		if !ok {
			return nil, newMismatch(FailShape, raw, "want list, got %s", jsonType(v))
		}
		if len(list) == 0 {
			if s.AllowEmpty {
				return list, nil
			}
			return nil, newMismatch(FailEmpty, raw, "list is empty")
		}
		want := s.MinItems
		if want <= 0 {
			want = 1
		}
		if len(list) < want {
			return nil, newMismatch(FailShape, raw, "list has %d items, want at least %d", len(list), want)
		}
		if len(s.Fields) > 0 {
			for i, item := range list {
				obj, ok := item.(map[string]any)
				if !ok {
					return nil, newMismatch(FailShape, raw, "item %d is %s, want object", i, jsonType(item))
				}
				if f := missingField(obj, s.Fields); f != "" {
					return nil, newMismatch(FailShape, raw, "item %d missing %q", i, f)
				}
			}
		}
		return list, nil

	case KindObject:
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, newMismatch(FailShape, raw, "want object, got %s", jsonType(v))
		}
		if f := missingField(obj, s.Fields); f != "" {
			return nil, newMismatch(FailShape, raw, "object missing %q", f)
		}
		return obj, nil

	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, newMismatch(FailShape, raw, "want bool, got %s", jsonType(v))
		}
		return b, nil
	}

	return v, nil
}

func missingField(obj map[string]any, fields []string) string {
	for _, f := range fields {
		val, ok := obj[f]
		if !ok || val == nil {
			return f
		}
		if s, isStr := val.(string); isStr && strings.TrimSpace(s) == "" {
			return f
		}
	}
	return ""
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "bool"
	case []any:
		return "list"
	case map[string]any:
		return "object"
	}
	return "unknown"
}
