package gemini

import (
	"encoding/json"
	"strings"
)

// The decoded stream is deeply nested untyped JSON. Fields are addressed
// positionally; nestedValue walks one fixed index path, and the
// collectors below scan subtrees for string leaves of interest,
// recursing into strings that themselves parse as JSON.

// nestedValue follows a path of list indexes and object keys through an
// untyped JSON value. Negative indexes address from the end. Returns nil
// when the path does not apply.
func nestedValue(data any, path ...any) any {
	current := data
	for _, key := range path {
		switch k := key.(type) {
		case int:
			list, ok := current.([]any)
			if !ok {
				return nil
			}
			idx := k
			if idx < 0 {
				idx += len(list)
			}
			if idx < 0 || idx >= len(list) {
				return nil
			}
			current = list[idx]
		case string:
			obj, ok := current.(map[string]any)
			if !ok {
				return nil
			}
			v, ok := obj[k]
			if !ok {
				return nil
			}
			current = v
		default:
			return nil
		}
	}
	return current
}

func nestedString(data any, path ...any) string {
	s, _ := nestedValue(data, path...).(string)
	return s
}

func nestedList(data any, path ...any) []any {
	l, _ := nestedValue(data, path...).([]any)
	return l
}

// collectMediaURLs gathers http(s) string leaves that carry a known media
// path or extension marker, walking arrays, objects, and embedded JSON
// strings.
func collectMediaURLs(node any) []string {
	var urls []string
	seen := map[string]bool{}

	var walk func(n any, depth int)
	walk = func(n any, depth int) {
		if depth > 12 {
			return
		}
		switch v := n.(type) {
		case []any:
			for _, item := range v {
				walk(item, depth+1)
			}
		case map[string]any:
			for _, item := range v {
				walk(item, depth+1)
			}
		case string:
			if strings.HasPrefix(v, "http") && isMediaURL(v) {
				if !seen[v] {
					seen[v] = true
					urls = append(urls, v)
				}
				return
			}
			// Providers embed JSON-in-a-string one level down.
			trimmed := strings.TrimSpace(v)
			if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
				var inner any
				if err := json.Unmarshal([]byte(trimmed), &inner); err == nil {
					walk(inner, depth+1)
				}
			}
		}
	}
	walk(node, 0)
	return urls
}

var mediaURLMarkers = []string{
	"googleusercontent.com/image",
	"googleusercontent.com/gg/",
	"/download/",
	".png",
	".jpg",
	".jpeg",
	".webp",
	".mp4",
	".webm",
}

func isMediaURL(url string) bool {
	lower := strings.ToLower(url)
	for _, marker := range mediaURLMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func jsonUnmarshal(s string, v *any) error {
	return json.Unmarshal([]byte(s), v)
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
