package ngsild

import (
	"fmt"
	"strings"

	"github.com/sosanzma/SPADE-FIWARE-Artifacts/errors"
)

// Render fills a JSON template with values from a payload. String values of
// the exact form "{key}" are replaced with payload[key], or nil when the key
// is absent. All other values pass through unchanged. Rendering is recursive
// over nested objects and arrays and idempotent on an already-rendered
// document.
func Render(template map[string]any, payload map[string]any) (map[string]any, error) {
	if template == nil {
		return nil, errors.WrapInvalid(errors.ErrMalformedTemplate, "ngsild", "Render",
			"template is nil")
	}

	rendered, err := renderValue(template, payload)
	if err != nil {
		return nil, err
	}

	out, ok := rendered.(map[string]any)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrMalformedTemplate, "ngsild", "Render",
			"template root is not an object")
	}
	return out, nil
}

func renderValue(value any, payload map[string]any) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, inner := range v {
			rendered, err := renderValue(inner, payload)
			if err != nil {
				return nil, errors.WrapInvalid(err, "ngsild", "Render",
					fmt.Sprintf("render key %q", key))
			}
			out[key] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			rendered, err := renderValue(inner, payload)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	case string:
		if key, ok := placeholderKey(v); ok {
			return payload[key], nil
		}
		return v, nil
	default:
		return v, nil
	}
}

// placeholderKey extracts the key from a "{key}" placeholder. Strings that
// merely contain braces are not placeholders.
func placeholderKey(s string) (string, bool) {
	if len(s) < 3 || s[0] != '{' || s[len(s)-1] != '}' {
		return "", false
	}
	key := s[1 : len(s)-1]
	if key == "" || strings.ContainsAny(key, "{}") {
		return "", false
	}
	return key, true
}
