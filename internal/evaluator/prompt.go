package evaluator

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/timvw/loopsmith/internal/model"
)

//go:embed prompts/evaluation_en.md
var englishTemplate string

//go:embed prompts/evaluation_ja.md
var japaneseTemplate string

// Template is the prompt sent to the engine, before placeholder substitution.
type Template struct {
	// Text is the raw template content. It is part of the cache fingerprint.
	Text string
	// Source is "embedded:<language>" or the file the template was read from.
	Source string
}

// LoadTemplate reads the template at path, or returns the embedded default
// for language ("en" or "ja") when path is empty.
func LoadTemplate(path, language string) (*Template, error) {
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load prompt template: %w", err)
		}
		if strings.TrimSpace(string(b)) == "" {
			return nil, fmt.Errorf("load prompt template: %s is empty", path)
		}
		return &Template{Text: string(b), Source: path}, nil
	}
	switch language {
	case "", "en":
		return &Template{Text: englishTemplate, Source: "embedded:en"}, nil
	case "ja":
		return &Template{Text: japaneseTemplate, Source: "embedded:ja"}, nil
	default:
		return nil, fmt.Errorf("load prompt template: unknown language %q (want en or ja)", language)
	}
}

// PromptVars are the values substituted into a template.
type PromptVars struct {
	DocumentPath    string
	DocumentContent string
	TargetScore     float64
	// Rubric must already be normalized.
	Rubric      *model.Rubric
	ProjectPath string
	Mode        model.Mode
}

// Render substitutes every {{placeholder}} in the template. Unknown
// placeholders are left as they are.
func (t *Template) Render(v PromptVars) string {
	docPath := v.DocumentPath
	if docPath == "" {
		docPath = "(inline content)"
	}
	project := v.ProjectPath
	if project == "" {
		project = "(current directory)"
	}
	mode := v.Mode
	if mode == "" {
		mode = model.ModeFlexible
	}
	r := strings.NewReplacer(
		"{{document_path}}", docPath,
		"{{document_content}}", v.DocumentContent,
		"{{target_score}}", strconv.FormatFloat(v.TargetScore, 'f', -1, 64),
		"{{rubric}}", formatRubric(v.Rubric),
		"{{project_path}}", project,
		"{{evaluation_mode}}", string(mode),
	)
	return r.Replace(t.Text)
}

func formatRubric(r *model.Rubric) string {
	if r == nil {
		return "equal (use your judgment)"
	}
	pct := func(w float64) string { return strconv.FormatFloat(w*100, 'f', 0, 64) + "%" }
	return fmt.Sprintf("completeness %s, accuracy %s, clarity %s, usability %s",
		pct(r.Completeness), pct(r.Accuracy), pct(r.Clarity), pct(r.Usability))
}
