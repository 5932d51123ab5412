// Package extract recovers structured JSON from free-form model output.
package extract

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Strategy tries to pull a JSON document out of raw text.
type Strategy func(raw string) (json.RawMessage, bool)

// Chain tries strategies in order and stops at the first success.
type Chain []Strategy

// DefaultChain parses the whole response, then a fenced code block, then the
// first balanced object.
var DefaultChain = Chain{Direct, Fenced, Balanced}

// Extract returns the first successful result, or false when every strategy fails.
func (c Chain) Extract(raw string) (json.RawMessage, bool) {
	for _, s := range c {
		if out, ok := s(raw); ok {
			return out, true
		}
	}
	return nil, false
}

// Decode extracts JSON from raw and unmarshals it into v.
func (c Chain) Decode(raw string, v any) bool {
	msg, ok := c.Extract(raw)
	if !ok {
		return false
	}
	return json.Unmarshal(msg, v) == nil
}

// Direct accepts the trimmed response when it is valid JSON as a whole.
func Direct(raw string) (json.RawMessage, bool) {
	s := strings.TrimSpace(raw)
	if s == "" || !json.Valid([]byte(s)) {
		return nil, false
	}
	return json.RawMessage(s), true
}

var codeBlockRe = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)\\s*```")

// Fenced accepts the first fenced code block whose body is valid JSON.
func Fenced(raw string) (json.RawMessage, bool) {
	for _, m := range codeBlockRe.FindAllStringSubmatch(raw, -1) {
		if body := strings.TrimSpace(m[1]); json.Valid([]byte(body)) {
			return json.RawMessage(body), true
		}
	}
	return nil, false
}

// Balanced scans for the first '{' whose matching '}' closes a valid object,
// honoring string literals and escapes.
func Balanced(raw string) (json.RawMessage, bool) {
	for start := strings.IndexByte(raw, '{'); start >= 0; {
		if end := matchBrace(raw, start); end > 0 {
			if cand := raw[start : end+1]; json.Valid([]byte(cand)) {
				return json.RawMessage(cand), true
			}
		}
		next := strings.IndexByte(raw[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, false
}

func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// Truncate shortens s to n bytes, appending "..." when cut.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
