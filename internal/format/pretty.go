package format

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/timvw/loopsmith/internal/model"
	"github.com/timvw/loopsmith/internal/retry"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	passStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10")) // green
	failStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))  // red
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))            // yellow
	headerStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	summaryStyle = lipgloss.NewStyle().Width(80).PaddingLeft(2)
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("8")).Padding(0, 1)
)

func statusStyle(s model.Status) lipgloss.Style {
	switch s {
	case model.StatusExcellent, model.StatusGood:
		return passStyle
	case model.StatusNeedsImprovement:
		return warnStyle
	}
	return failStyle
}

func renderPretty(resp *model.EvaluationResponse, target float64) string {
	verdict := failStyle.Render("FAIL")
	if resp.Pass {
		verdict = passStyle.Render("PASS")
	}
	headline := fmt.Sprintf("%s  %s/10  %s",
		verdict,
		titleStyle.Render(score(resp.Score)),
		statusStyle(resp.Status).Render(statusText(resp.Status)))
	if !resp.Pass {
		headline += dimStyle.Render(fmt.Sprintf("  (target %s)", score(target)))
	}
	if fromCache(resp) {
		headline += dimStyle.Render("  [cached]")
	}

	var b strings.Builder
	b.WriteString(boxStyle.Render(headline))
	b.WriteString("\n")
	if resp.Summary != "" {
		b.WriteString(summaryStyle.Render(resp.Summary))
		b.WriteString("\n")
	}
	if d := resp.Details; d != nil {
		writePrettyList(&b, "Strengths", d.Strengths, passStyle)
		writePrettyList(&b, "Issues", d.Issues, failStyle)
		writePrettyList(&b, "Improvements", d.Improvements, warnStyle)
	}
	writePrettyList(&b, "Suggestions", resp.Suggestions, warnStyle)

	m := resp.Metadata
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("%s · %s · %d attempt(s) · %.0fms",
		m.ModelUsed, m.ParsingMethod, max(m.Attempts, 1), m.EvaluationTime)))
	b.WriteString("\n")
	return b.String()
}

func writePrettyList(b *strings.Builder, title string, items []string, bullet lipgloss.Style) {
	if len(items) == 0 {
		return
	}
	b.WriteString("\n")
	b.WriteString(headerStyle.Render(title))
	b.WriteString("\n")
	for _, it := range items {
		fmt.Fprintf(b, "  %s %s\n", bullet.Render("•"), it)
	}
}

func renderPrettyError(err error, code string) string {
	var b strings.Builder
	head := failStyle.Render("ERROR") + "  " + titleStyle.Render(code)
	if n := retry.Attempts(err); n > 1 {
		head += dimStyle.Render(fmt.Sprintf("  after %d attempts", n))
	}
	b.WriteString(boxStyle.Render(head))
	b.WriteString("\n")
	b.WriteString(summaryStyle.Render(err.Error()))
	b.WriteString("\n")
	for i, h := range Hints(code) {
		fmt.Fprintf(&b, "\n  %d. %s", i+1, headerStyle.Render(h.Title))
		if h.Detail != "" {
			fmt.Fprintf(&b, "\n     %s", h.Detail)
		}
		if h.Command != "" {
			fmt.Fprintf(&b, "\n     %s", dimStyle.Render("$ "+h.Command))
		}
		b.WriteString("\n")
	}
	return b.String()
}
