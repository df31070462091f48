package evaluator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timvw/loopsmith/internal/model"
)

func TestLoadTemplate_Embedded(t *testing.T) {
	for _, lang := range []string{"", "en", "ja"} {
		t.Run("lang="+lang, func(t *testing.T) {
			tmpl, err := LoadTemplate("", lang)
			require.NoError(t, err)
			assert.Contains(t, tmpl.Text, "{{document_content}}")
			assert.Contains(t, tmpl.Text, "{{target_score}}")
			assert.Contains(t, tmpl.Source, "embedded:")
		})
	}
}

func TestLoadTemplate_UnknownLanguage(t *testing.T) {
	_, err := LoadTemplate("", "fr")
	assert.Error(t, err)
}

func TestLoadTemplate_Override(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.md")
	require.NoError(t, os.WriteFile(path, []byte("Rate {{document_path}}"), 0o644))

	tmpl, err := LoadTemplate(path, "ja")
	require.NoError(t, err)
	assert.Equal(t, "Rate {{document_path}}", tmpl.Text)
	assert.Equal(t, path, tmpl.Source)
}

func TestLoadTemplate_OverrideErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadTemplate(filepath.Join(dir, "missing.md"), "")
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.md")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0o644))
	_, err = LoadTemplate(empty, "")
	assert.Error(t, err)
}

func TestRender_SubstitutesEveryPlaceholder(t *testing.T) {
	tmpl := &Template{Text: "{{document_path}}|{{document_content}}|{{target_score}}|{{rubric}}|{{project_path}}|{{evaluation_mode}}|{{unknown}}"}
	got := tmpl.Render(PromptVars{
		DocumentPath:    "/docs/design.md",
		DocumentContent: "# Title",
		TargetScore:     7.5,
		Rubric:          &model.Rubric{Completeness: 0.4, Accuracy: 0.3, Clarity: 0.2, Usability: 0.1},
		ProjectPath:     "/repo",
		Mode:            model.ModeStrict,
	})
	assert.Equal(t,
		"/docs/design.md|# Title|7.5|completeness 40%, accuracy 30%, clarity 20%, usability 10%|/repo|strict|{{unknown}}",
		got)
}

func TestRender_Defaults(t *testing.T) {
	tmpl := &Template{Text: "{{document_path}}|{{rubric}}|{{project_path}}|{{evaluation_mode}}|{{target_score}}"}
	got := tmpl.Render(PromptVars{TargetScore: 8})
	assert.Equal(t, "(inline content)|equal (use your judgment)|(current directory)|flexible|8", got)
}

func TestRender_DoesNotExpandPlaceholdersInsideContent(t *testing.T) {
	tmpl := &Template{Text: "{{document_content}} {{target_score}}"}
	got := tmpl.Render(PromptVars{DocumentContent: "literal {{target_score}}", TargetScore: 9})
	assert.Equal(t, "literal {{target_score}} 9", got)
}
