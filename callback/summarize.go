package callback

import (
	"encoding/json"
	"fmt"
	"strings"
)

const maxLoggedString = 64

var sensitiveKeys = []string{"token", "secret", "password", "authorization", "apikey", "api_key"}

// Summarize reduces a JSON body to a log-safe shape: sensitive keys are
// masked, long strings and large arrays are replaced with type markers.
func Summarize(body []byte) any {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Sprintf("<%d bytes, not json>", len(body))
	}
	return summarize(v, 0)
}

func summarize(v any, depth int) any {
	if depth > 4 {
		return "<nested>"
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if isSensitive(k) {
				out[k] = "<redacted>"
				continue
			}
			out[k] = summarize(val, depth+1)
		}
		return out
	case []any:
		if len(t) > 5 {
			return fmt.Sprintf("<array len=%d>", len(t))
		}
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = summarize(val, depth+1)
		}
		return out
	case string:
		if len(t) > maxLoggedString {
			return fmt.Sprintf("<string len=%d>", len(t))
		}
		return t
	default:
		return t
	}
}

func isSensitive(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}
