package format

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/timvw/loopsmith/internal/cache"
	"github.com/timvw/loopsmith/internal/model"
	"github.com/timvw/loopsmith/internal/retry"
)

func statusText(s model.Status) string {
	switch s {
	case model.StatusExcellent:
		return "Excellent"
	case model.StatusGood:
		return "Good"
	case model.StatusNeedsImprovement:
		return "Needs Improvement"
	case model.StatusPoor:
		return "Poor"
	}
	return "Unknown"
}

func passText(pass bool) string {
	if pass {
		return "Pass"
	}
	return "Fail"
}

func score(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func fromCache(resp *model.EvaluationResponse) bool {
	return resp.Metadata.ModelUsed == cache.ModelUsed
}

func renderMarkdown(resp *model.EvaluationResponse, target float64) string {
	var b strings.Builder
	b.WriteString("# Document Evaluation Result\n\n")
	if fromCache(resp) {
		b.WriteString("**Retrieved from cache** *(evaluation time: 0ms)*\n\n")
	}
	fmt.Fprintf(&b, "## Evaluation: %s (%s)\n\n", passText(resp.Pass), statusText(resp.Status))
	fmt.Fprintf(&b, "**Score: %s/10**", score(resp.Score))
	if !resp.Pass {
		fmt.Fprintf(&b, " (target: %s)", score(target))
	}
	b.WriteString("\n\n")
	if resp.Summary != "" {
		fmt.Fprintf(&b, "**Summary:** %s\n\n", resp.Summary)
	}
	b.WriteString("---\n\n")

	if d := resp.Details; d != nil {
		writeList(&b, "Strengths", d.Strengths)
		writeList(&b, "Issues", d.Issues)
		writeList(&b, "Improvements", d.Improvements)
		if len(d.ContextSpecific) > 0 {
			if raw, err := json.MarshalIndent(d.ContextSpecific, "", "  "); err == nil {
				fmt.Fprintf(&b, "## Additional Information\n```json\n%s\n```\n\n", raw)
			}
		}
	}
	writeList(&b, "Suggestions", resp.Suggestions)
	if len(resp.RubricScores) > 0 {
		b.WriteString("## Rubric Scores\n")
		for _, k := range slices.Sorted(maps.Keys(resp.RubricScores)) {
			fmt.Fprintf(&b, "- %s: %s\n", k, score(resp.RubricScores[k]))
		}
		b.WriteString("\n")
	}

	b.WriteString("---\n\n## Next Steps\n\n")
	if resp.Pass {
		b.WriteString("The document has reached the target quality.\n")
		b.WriteString("Address any remaining issues, then move on to implementation.\n")
	} else {
		b.WriteString("Revisions are needed.\n")
		b.WriteString("- Revise the document using the findings above.\n")
		b.WriteString("- Evaluate it again after each revision until it reaches the target.\n")
	}
	writeFooter(&b, resp)
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "## %s\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
	b.WriteString("\n")
}

func writeFooter(b *strings.Builder, resp *model.EvaluationResponse) {
	m := resp.Metadata
	parts := []string{"engine: " + m.ModelUsed}
	if m.ParsingMethod != "" {
		parts = append(parts, "parsing: "+m.ParsingMethod)
	}
	if m.Attempts > 1 {
		parts = append(parts, fmt.Sprintf("attempts: %d", m.Attempts))
	}
	parts = append(parts, fmt.Sprintf("time: %.0fms", m.EvaluationTime))
	fmt.Fprintf(b, "\n*%s*\n", strings.Join(parts, " · "))
}

func renderMarkdownError(err error, code string) string {
	var b strings.Builder
	b.WriteString("# Evaluation Error\n\n")
	b.WriteString("An error occurred during document evaluation.\n\n")
	fmt.Fprintf(&b, "**Error Code**: `%s`\n\n", code)
	if n := retry.Attempts(err); n > 1 {
		fmt.Fprintf(&b, "**Attempts**: %d\n\n", n)
	}
	fmt.Fprintf(&b, "---\n\n### Error Message\n```\n%s\n```\n\n", err.Error())

	hints := Hints(code)
	if len(hints) == 0 {
		return b.String()
	}
	b.WriteString("### Recommended Solutions\n\n")
	for i, h := range hints {
		fmt.Fprintf(&b, "%d. **%s**\n", i+1, h.Title)
		if h.Detail != "" {
			fmt.Fprintf(&b, "   %s\n", h.Detail)
		}
		if h.Command != "" {
			fmt.Fprintf(&b, "   ```bash\n   %s\n   ```\n", h.Command)
		}
		b.WriteString("\n")
	}
	return b.String()
}
