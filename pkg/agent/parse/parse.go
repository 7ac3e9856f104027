// Package parse extracts structured decisions from free-text model output.
// Models wrap JSON in markdown fences, prepend prose, leave trailing commas
// and use single quotes; every stage here tolerates one more class of damage
// than the last.
package parse

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Extract attempts to recover a JSON object from raw model output. It returns
// false only when every stage fails.
//
// Stages, in order: strip a leading markdown fence, parse directly when the
// text starts with '{', scan for the first balanced brace span (recursing
// into the remainder when that span is not valid JSON), and finally a
// best-effort repair pass.
func Extract(raw string) (map[string]any, bool) {
	text := stripFence(strings.TrimSpace(raw))
	if text == "" {
		return nil, false
	}

	if strings.HasPrefix(text, "{") {
		if obj, ok := tryParse(text); ok {
			return obj, true
		}
	}

	if obj, ok := scanBraces(text); ok {
		return obj, true
	}

	if obj, ok := tryParse(repair(text)); ok {
		return obj, true
	}
	return nil, false
}

// stripFence removes a single wrapping markdown code fence, tolerating a
// language tag after the opening backticks.
func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	trimmed := strings.TrimPrefix(text, "```")
	if idx := strings.IndexAny(trimmed, "\n{"); idx >= 0 {
		head := trimmed[:idx]
		if isFenceTag(head) {
			trimmed = trimmed[idx:]
		}
	}
	trimmed = strings.TrimSpace(trimmed)
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

func isFenceTag(s string) bool {
	s = strings.TrimSpace(s)
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

func tryParse(text string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// scanBraces finds the first balanced {...} span, respecting string and
// escape state. If the span fails to parse, the scan recurses into the text
// after it, which handles prose containing stray braces before the JSON.
func scanBraces(text string) (map[string]any, bool) {
	start := -1
	depth := 0
	inString := false
	escape := false

	for i, r := range text {
		if start == -1 {
			if r == '{' {
				start = i
				depth = 1
				inString = false
				escape = false
			}
			continue
		}
		if inString {
			if escape {
				escape = false
				continue
			}
			switch r {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				span := text[start : i+1]
				if obj, ok := tryParse(span); ok {
					return obj, true
				}
				if obj, ok := tryParse(repair(span)); ok {
					return obj, true
				}
				return scanBraces(text[i+1:])
			}
		}
	}
	return nil, false
}

var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

// repair applies the last-resort fixes: trailing commas before closing
// brackets, single quotes normalized to double quotes, and truncation at the
// last closing brace.
func repair(text string) string {
	fixed := trailingCommaRe.ReplaceAllString(text, "$1")
	if !strings.Contains(fixed, `"`) && strings.Contains(fixed, `'`) {
		fixed = strings.ReplaceAll(fixed, `'`, `"`)
	}
	if idx := strings.LastIndex(fixed, "}"); idx >= 0 {
		fixed = fixed[:idx+1]
	}
	if idx := strings.Index(fixed, "{"); idx > 0 {
		fixed = fixed[idx:]
	}
	return fixed
}
