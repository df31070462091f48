package parser

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanObject(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{
			name: "flat object",
			text: `noise {"score": 9} trailing`,
			want: `{"score": 9}`,
		},
		{
			name: "nested objects",
			text: `x {"a": {"b": {"c": 1}}, "d": 2} y`,
			want: `{"a": {"b": {"c": 1}}, "d": 2}`,
		},
		{
			name: "braces inside strings",
			text: `{"summary": "use {braces} and }} freely", "score": 1} tail }`,
			want: `{"summary": "use {braces} and }} freely", "score": 1}`,
		},
		{
			name: "escaped quotes inside strings",
			text: `{"summary": "he said \"{not a brace}\"", "n": 2}}`,
			want: `{"summary": "he said \"{not a brace}\"", "n": 2}`,
		},
		{
			name: "escaped backslash before closing quote",
			text: `{"path": "C:\\dir\\", "x": "}"} more`,
			want: `{"path": "C:\\dir\\", "x": "}"}`,
		},
		{
			name: "multibyte text around and inside",
			text: "結果は {\"summary\": \"良い{点}\", \"score\": 8} です",
			want: "{\"summary\": \"良い{点}\", \"score\": 8}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := strings.IndexByte(tt.text, '{')
			end, ok := ScanObject(tt.text, start)
			require.True(t, ok)
			got := tt.text[start:end]
			assert.Equal(t, tt.want, got)
			assert.True(t, json.Valid([]byte(got)), "extracted object must be valid JSON")
		})
	}
}

func TestScanObject_Unbalanced(t *testing.T) {
	_, ok := ScanObject(`{"a": {"b": 1}`, 0)
	assert.False(t, ok)

	_, ok = ScanObject(`{"a": "unterminated}`, 0)
	assert.False(t, ok)

	_, ok = ScanObject(`no brace here`, 0)
	assert.False(t, ok)

	_, ok = ScanObject(`{}`, 5)
	assert.False(t, ok)
}

// Any valid object embedded in arbitrary text must be recovered exactly.
func TestScanObject_EmbeddedInNoise(t *testing.T) {
	objects := []map[string]any{
		{"score": 7.5, "summary": "contains { and } and \" quotes"},
		{"details": map[string]any{"issues": []any{"a}", "{b"}}, "pass": false},
		{"nested": map[string]any{"deeper": map[string]any{"deepest": "\\"}}},
	}
	prefixes := []string{"", "log line: ok\n", "progress 50%\n[step] done\n"}
	suffixes := []string{"", "\n}", "\ntrailing {", " } ] )"}

	for _, obj := range objects {
		encoded, err := json.Marshal(obj)
		require.NoError(t, err)
		for _, pre := range prefixes {
			for _, suf := range suffixes {
				text := pre + string(encoded) + suf
				start := strings.IndexByte(text, '{')
				end, ok := ScanObject(text, start)
				require.True(t, ok, "text: %q", text)
				assert.Equal(t, string(encoded), text[start:end])
			}
		}
	}
}

func TestFindCandidates(t *testing.T) {
	text := `template {{document_path}} then {"a": 1} and {"score": 2} and {broken`
	cands := findCandidates(text)
	require.Len(t, cands, 2)
	assert.Equal(t, `{"a": 1}`, cands[0].raw)
	assert.Equal(t, `{"score": 2}`, cands[1].raw)
}

func TestExtractJSON_PrefersLastConformingCandidate(t *testing.T) {
	text := `thinking about {"score": 3, "draft": true}
chatter {"step": "read file"}
final {"score": 8.5, "pass": true}
footer {"note": "done"}`

	fields, ok := ExtractJSON(text, text, []string{"score", "pass"})
	require.True(t, ok)
	assert.Equal(t, 8.5, fields["score"])

	fields, ok = ExtractJSON(text, text, []string{"score"})
	require.True(t, ok)
	assert.Equal(t, 8.5, fields["score"])
}

func TestExtractJSON_FallsBackToFirstValidObject(t *testing.T) {
	text := `{"verdict": "ok"} then {"other": 1}`
	fields, ok := ExtractJSON(text, text, []string{"score"})
	require.True(t, ok)
	assert.Equal(t, "ok", fields["verdict"])
}

func TestExtractJSON_MarkerSegmentFirst(t *testing.T) {
	raw := `[2025-09-01T10:00:00] User instructions:
Respond with {"score": number, "pass": boolean}
Example: {"score": 1, "pass": false}
[2025-09-01T10:00:20] codex
{"score": 9.1, "pass": true}
[2025-09-01T10:00:21] tokens used: 1200`

	fields, ok := ExtractJSON(raw, StripMetadata(raw), DefaultRequiredFields)
	require.True(t, ok)
	assert.Equal(t, 9.1, fields["score"])
}

func TestExtractJSON_MarkerWithoutJSONFallsBackToCleaned(t *testing.T) {
	raw := `{"score": 6, "pass": false}
[2025-09-01T10:00:20] codex
No JSON in the final answer.`

	fields, ok := ExtractJSON(raw, StripMetadata(raw), DefaultRequiredFields)
	require.True(t, ok)
	assert.Equal(t, 6.0, fields["score"])
}

func TestExtractJSON_None(t *testing.T) {
	_, ok := ExtractJSON("plain text only", "plain text only", DefaultRequiredFields)
	assert.False(t, ok)
}
