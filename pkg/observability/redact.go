package observability

import "strings"

// RedactedValue replaces any attribute value stored under a sensitive key.
const RedactedValue = "[REDACTED]"

// Key-name substrings that mark a value as sensitive. Matching is
// case-insensitive and applies at every nesting level.
var sensitiveKeyMarkers = []string{
	"secret",
	"token",
	"password",
	"api_key",
	"credential",
	"auth",
	"authorization",
	"bearer",
}

// SensitiveKey reports whether a key name marks its value for redaction.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range sensitiveKeyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Redact walks the attribute map and replaces every value held under a
// sensitive key with the sentinel. Key names stay visible and the nesting
// structure is preserved; the input map is never mutated. Values under a
// sensitive key are dropped wholesale, nested maps included.
func Redact(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if SensitiveKey(k) {
			out[k] = RedactedValue
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Redact(val)
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			if SensitiveKey(k) {
				out[k] = RedactedValue
			} else {
				out[k] = s
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(val))
		for i, item := range val {
			out[i] = Redact(item)
		}
		return out
	default:
		return v
	}
}
