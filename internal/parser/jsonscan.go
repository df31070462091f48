package parser

import (
	"encoding/json"
	"strings"
)

// ScanObject finds the balanced JSON object that opens at text[start] and
// returns the index one past its closing brace. Braces inside string literals
// do not count, and a backslash escapes the next character inside a string.
// It returns false if text[start] is not '{' or the object never closes.
func ScanObject(text string, start int) (int, bool) {
	if start < 0 || start >= len(text) || text[start] != '{' {
		return 0, false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
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
				return i + 1, true
			}
		}
	}
	return 0, false
}

// candidate is a balanced, syntactically valid JSON object found in text.
type candidate struct {
	raw    string
	fields map[string]any
}

// findCandidates returns every top-level balanced object in text that
// decodes as a JSON object, in order of appearance. Objects nested inside an
// earlier candidate are not reported separately.
func findCandidates(text string) []candidate {
	var out []candidate
	pos := 0
	for pos < len(text) {
		idx := strings.IndexByte(text[pos:], '{')
		if idx < 0 {
			break
		}
		start := pos + idx
		end, ok := ScanObject(text, start)
		if !ok {
			// Unbalanced: try the next brace.
			pos = start + 1
			continue
		}
		raw := text[start:end]
		var fields map[string]any
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			// Not JSON (e.g. a template placeholder); an inner brace may
			// still start a valid object.
			pos = start + 1
			continue
		}
		out = append(out, candidate{raw: raw, fields: fields})
		pos = end
	}
	return out
}

// pickCandidate chooses the payload among candidates: the last one that
// carries every required field, else the first valid one. Engine chatter
// earlier in the stream may itself look like JSON, which is why the last
// conforming object wins.
func pickCandidate(cands []candidate, required []string) *candidate {
	if len(cands) == 0 {
		return nil
	}
	for i := len(cands) - 1; i >= 0; i-- {
		if hasAll(cands[i].fields, required) {
			return &cands[i]
		}
	}
	return &cands[0]
}

func hasAll(fields map[string]any, required []string) bool {
	for _, k := range required {
		if _, ok := fields[k]; !ok {
			return false
		}
	}
	return true
}

// ExtractJSON locates the payload object in engine output. The segment after
// the last engine-output marker in raw is searched first; if it yields
// nothing the cleaned text is searched as a whole.
func ExtractJSON(raw, cleaned string, required []string) (map[string]any, bool) {
	if tail, ok := afterLastMarker(raw); ok {
		if c := pickCandidate(findCandidates(tail), required); c != nil {
			return c.fields, true
		}
	}
	if c := pickCandidate(findCandidates(cleaned), required); c != nil {
		return c.fields, true
	}
	return nil, false
}
