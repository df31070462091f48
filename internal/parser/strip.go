package parser

import (
	"regexp"
	"strings"
)

// Codex exec output looks like:
//
//	[2025-09-01T10:00:00] OpenAI Codex v0.23.0 (research preview)
//	--------
//	workdir: /repo
//	model: gpt-5
//	provider: openai
//	approval: never
//	sandbox: read-only
//	reasoning effort: medium
//	--------
//	[2025-09-01T10:00:00] User instructions:
//	<the echoed prompt>
//	[2025-09-01T10:00:05] thinking
//	...
//	[2025-09-01T10:00:20] codex
//	<the answer>
//	[2025-09-01T10:00:21] tokens used: 1234
//
// Newer releases drop the timestamps and print the segment labels ("codex",
// "thinking", "user") on lines of their own.

// segmentHeaderRe matches a timestamped segment header and captures its label.
var segmentHeaderRe = regexp.MustCompile(`^\[\d{4}-\d{2}-\d{2}[T ][0-9:.]+Z?\]\s?(.*)$`)

// bannerRuleRe matches the dashed rule that opens and closes the banner block.
var bannerRuleRe = regexp.MustCompile(`^-{4,}\s*$`)

// bannerKeyRe matches the configuration echo lines inside the banner block.
var bannerKeyRe = regexp.MustCompile(`^(workdir|model|provider|approval|sandbox|reasoning effort|reasoning summaries|session id):\s`)

// tokensUsedRe matches the token accounting trailer.
var tokensUsedRe = regexp.MustCompile(`^tokens used:\s*[\d,]+\s*$`)

// bareMarkers are segment labels printed on a line of their own.
var bareMarkers = map[string]bool{
	"codex":    true,
	"thinking": true,
	"user":     true,
	"exec":     true,
}

// promptEchoLabels start a segment that repeats our own prompt back.
var promptEchoLabels = map[string]bool{
	"User instructions:": true,
	"user":               true,
}

// StripMetadata removes engine banner and bookkeeping lines, returning the
// remaining text. It is deliberately conservative: "key: value" lines are only
// dropped inside the dashed banner block, so payload lines such as
// "model: looks reasonable" survive elsewhere.
func StripMetadata(output string) string {
	lines := strings.Split(strings.ReplaceAll(output, "\r\n", "\n"), "\n")
	kept := make([]string, 0, len(lines))

	inBanner := false
	inPromptEcho := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if bannerRuleRe.MatchString(trimmed) {
			inBanner = !inBanner
			continue
		}
		if inBanner {
			if bannerKeyRe.MatchString(trimmed) || trimmed == "" {
				continue
			}
			// An unexpected line means this was not a banner after all.
			inBanner = false
		}

		if m := segmentHeaderRe.FindStringSubmatch(trimmed); m != nil {
			label := strings.TrimSpace(m[1])
			inPromptEcho = promptEchoLabels[label]
			continue
		}
		if bareMarkers[trimmed] {
			inPromptEcho = promptEchoLabels[trimmed]
			continue
		}
		if inPromptEcho {
			continue
		}
		if tokensUsedRe.MatchString(trimmed) || strings.HasPrefix(trimmed, "Reading prompt from stdin") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// engineOutputMarkers delimit the final answer segment in raw output.
var engineOutputMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?m)\] codex\n`),
	regexp.MustCompile(`(?m)^codex\n`),
}

// afterLastMarker returns the text following the last engine-output marker,
// or false if no marker is present.
func afterLastMarker(output string) (string, bool) {
	output = strings.ReplaceAll(output, "\r\n", "\n")
	best := -1
	for _, re := range engineOutputMarkers {
		locs := re.FindAllStringIndex(output, -1)
		if len(locs) == 0 {
			continue
		}
		if end := locs[len(locs)-1][1]; end > best {
			best = end
		}
	}
	if best < 0 {
		return "", false
	}
	return output[best:], true
}
