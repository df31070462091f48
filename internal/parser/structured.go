package parser

import (
	"regexp"
	"strconv"
	"strings"
)

// sectionHeaderRe matches a "Label:" line that opens a section. Both ASCII
// and full-width colons are accepted.
var sectionHeaderRe = regexp.MustCompile(`(?m)^([^：:\n]+)[：:][ \t]*$`)

// bulletFieldRe matches bulleted "label: value" lines.
var bulletFieldRe = regexp.MustCompile(`(?m)^[-・■□◆◇*][ \t]*([^：:\n]+)[：:][ \t]*(.+)$`)

// listItemRe strips a bullet or ordinal prefix from a list line.
var listItemRe = regexp.MustCompile(`^(?:[-・■□◆◇*•]|\d+[.)])\s*`)

// scorePatterns are tried in order; the first in-range match wins.
var scorePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:総合)?(?:評価)?スコア\s*[：:]\s*(\d+(?:\.\d+)?)`),
	regexp.MustCompile(`(?i)score\s*[：:]\s*(\d+(?:\.\d+)?)`),
	regexp.MustCompile(`(\d+(?:\.\d+)?)\s*/\s*10(?:\.0)?\b`),
}

// notReadyPatterns are checked before readyPatterns so that "not ready for
// implementation" is not read as an affirmative verdict.
var notReadyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`実装に移れ(ない|ません)`),
	regexp.MustCompile(`実装(は)?(不可能|できない|できません)`),
	regexp.MustCompile(`(?i)not\s+(yet\s+)?ready\s+for\s+implementation`),
	regexp.MustCompile(`(?i)cannot\s+proceed\s+with\s+implementation`),
}

var readyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`実装に移れ(る|ます)`),
	regexp.MustCompile(`実装可能`),
	regexp.MustCompile(`(?i)ready\s+for\s+implementation`),
	regexp.MustCompile(`(?i)can\s+proceed\s+with\s+implementation`),
}

// sectionAliases maps the canonical section name to the labels engines use
// for it, English labels compared case-insensitively.
var sectionAliases = map[string][]string{
	"summary":         {"summary", "総評", "概要", "要約"},
	"conclusion":      {"conclusion", "結論"},
	"rationale":       {"rationale", "根拠"},
	"analysis":        {"analysis", "分析", "現状分析"},
	"recommendations": {"recommendations", "推奨事項", "改善提案"},
	"strengths":       {"strengths", "良い点", "強み"},
	"issues":          {"issues", "問題点", "課題"},
	"improvements":    {"improvements", "改善点"},
}

// Structured holds the fields recovered from free-form text.
type Structured struct {
	Score    *float64
	Ready    *bool
	Sections map[string]string
}

// Empty reports whether no recognized field was recovered. Unrecognized
// labels alone do not count, so stray "Note:" lines in an error dump cannot
// turn into a defaulted evaluation.
func (s *Structured) Empty() bool {
	if s.Score != nil || s.Ready != nil {
		return false
	}
	for name := range sectionAliases {
		if _, ok := s.Section(name); ok {
			return false
		}
	}
	return true
}

// Section returns the text of the canonical section name, if any alias of it
// was found.
func (s *Structured) Section(name string) (string, bool) {
	for _, alias := range sectionAliases[name] {
		for label, text := range s.Sections {
			if strings.EqualFold(label, alias) && text != "" {
				return text, true
			}
		}
	}
	return "", false
}

// ExtractStructured scans text for labeled sections, bullet fields, a score,
// and an implementation-readiness verdict.
func ExtractStructured(text string) *Structured {
	s := &Structured{Sections: extractSections(text)}

	for _, re := range scorePatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil || v < 0 || v > 10 {
			continue
		}
		s.Score = &v
		break
	}

	if matchesAny(notReadyPatterns, text) {
		f := false
		s.Ready = &f
	} else if matchesAny(readyPatterns, text) {
		t := true
		s.Ready = &t
	}
	return s
}

func matchesAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// extractSections collects "Label:" blocks (text up to the next header) and
// bulleted "label: value" lines. Header sections take precedence over bullets
// with the same label.
func extractSections(text string) map[string]string {
	sections := make(map[string]string)

	headers := sectionHeaderRe.FindAllStringSubmatchIndex(text, -1)
	for i, h := range headers {
		name := strings.TrimSpace(text[h[2]:h[3]])
		name = strings.TrimLeft(name, "#*- ")
		name = strings.TrimRight(name, "* ")
		if name == "" {
			continue
		}
		end := len(text)
		if i+1 < len(headers) {
			end = headers[i+1][0]
		}
		sections[name] = strings.TrimSpace(text[h[1]:end])
	}

	for _, m := range bulletFieldRe.FindAllStringSubmatch(text, -1) {
		key := strings.TrimSpace(m[1])
		if _, exists := sections[key]; exists {
			continue
		}
		sections[key] = strings.TrimSpace(m[2])
	}
	return sections
}

// splitItems turns a section body into list items, one per non-empty line,
// with bullet or ordinal prefixes removed.
func splitItems(body string) []string {
	var items []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(listItemRe.ReplaceAllString(strings.TrimSpace(line), ""))
		if line != "" {
			items = append(items, line)
		}
	}
	return items
}
