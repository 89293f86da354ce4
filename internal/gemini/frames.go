package gemini

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// The StreamGenerate body is a concatenation of `<length>\n<json>`
// segments. The length counts UTF-16 code units of the payload that
// follows the digits (the newline included), not bytes and not runes:
// characters outside the Basic Multilingual Plane count as two units.

var frameLengthPattern = regexp.MustCompile(`^(\d+)\n`)

// decodeFrames walks the length-prefixed segments, accumulating the JSON
// values they carry. A segment holding a JSON array contributes its
// elements; a bare value is appended as-is. Returns the decoded values
// and the unconsumed tail.
func decodeFrames(content string) ([]any, string) {
	var frames []any
	pos := 0

	for pos < len(content) {
		for pos < len(content) {
			r, size := utf8.DecodeRuneInString(content[pos:])
			if !unicode.IsSpace(r) {
				break
			}
			pos += size
		}
		if pos >= len(content) {
			break
		}

		m := frameLengthPattern.FindStringSubmatch(content[pos:])
		if m == nil {
			break
		}
		units, err := strconv.Atoi(m[1])
		if err != nil {
			break
		}

		// The counted region starts right after the digits, so the
		// newline itself consumes the first unit.
		start := pos + len(m[1])
		byteLen, found := utf16Prefix(content[start:], units)
		if found < units {
			break
		}

		end := start + byteLen
		chunk := strings.TrimSpace(content[start:end])
		pos = end
		if chunk == "" {
			continue
		}

		var parsed any
		if err := json.Unmarshal([]byte(chunk), &parsed); err != nil {
			continue
		}
		if list, ok := parsed.([]any); ok {
			frames = append(frames, list...)
		} else {
			frames = append(frames, parsed)
		}
	}

	return frames, content[pos:]
}

// utf16Prefix returns the byte length of the longest prefix of s holding
// at most the requested number of UTF-16 code units, plus the units
// actually found. A surrogate pair never splits: if the next rune would
// overshoot, the walk stops short.
func utf16Prefix(s string, units int) (byteLen, found int) {
	i := 0
	for i < len(s) && found < units {
		r, size := utf8.DecodeRuneInString(s[i:])
		u := 1
		if r > 0xFFFF {
			u = 2
		}
		if found+u > units {
			break
		}
		found += u
		i += size
	}
	return i, found
}

// decodeStreamParts strips the anti-JSON prefix and decodes the frame
// sequence, falling back to a permissive line-by-line parse when zero
// frames were recovered.
func decodeStreamParts(body string) []any {
	content := strings.TrimPrefix(body, ")]}'")
	content = strings.TrimLeft(content, " \t\r\n")

	parts, _ := decodeFrames(content)
	if len(parts) > 0 {
		return parts
	}

	var fallback []any
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || isDigits(line) {
			continue
		}
		var parsed any
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			continue
		}
		if list, ok := parsed.([]any); ok {
			fallback = append(fallback, list...)
		} else {
			fallback = append(fallback, parsed)
		}
	}
	return fallback
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
