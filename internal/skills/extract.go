package skills

import (
	"encoding/json"
	"strings"
)

// ExtractJSONArray returns the first balanced [...] in text that parses as
// JSON. Brackets inside JSON strings are ignored. ok is false when text holds
// no such array.
func ExtractJSONArray(text string) (raw string, ok bool) {
	return extractBalanced(text, '[', ']')
}

// ExtractJSONObject is ExtractJSONArray for {...}.
func ExtractJSONObject(text string) (raw string, ok bool) {
	return extractBalanced(text, '{', '}')
}

func extractBalanced(text string, open, close byte) (string, bool) {
	for start := strings.IndexByte(text, open); start >= 0; {
		if end, found := matchClose(text, start, open, close); found {
			candidate := text[start : end+1]
			if json.Valid([]byte(candidate)) {
				return candidate, true
			}
		}
		next := strings.IndexByte(text[start+1:], open)
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// matchClose returns the index of the delimiter closing the one at start.
func matchClose(text string, start int, open, close byte) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
