package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractStructured_Score(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		want  float64
		found bool
	}{
		{name: "japanese label", text: "スコア: 6.5", want: 6.5, found: true},
		{name: "japanese full label with full-width colon", text: "総合評価スコア：7", want: 7, found: true},
		{name: "english label", text: "Overall Score: 8.25", want: 8.25, found: true},
		{name: "out of ten", text: "I would rate this 9/10.", want: 9, found: true},
		{name: "out of ten with spaces", text: "rating 4.5 / 10", want: 4.5, found: true},
		{name: "label wins over ratio", text: "score: 3\nelsewhere 9/10", want: 3, found: true},
		{name: "out of range skipped", text: "score: 42\nthen 6/10", want: 6, found: true},
		{name: "no score", text: "nothing numeric here", found: false},
		{name: "json key is not a label", text: `{"score":9.2}`, found: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := ExtractStructured(tt.text)
			if !tt.found {
				assert.Nil(t, st.Score)
				return
			}
			require.NotNil(t, st.Score)
			assert.Equal(t, tt.want, *st.Score)
		})
	}
}

func TestExtractStructured_Readiness(t *testing.T) {
	tests := []struct {
		name string
		text string
		want *bool
	}{
		{name: "japanese affirmative", text: "この設計は実装に移れます。", want: boolPtr(true)},
		{name: "japanese possible", text: "結論として実装可能です", want: boolPtr(true)},
		{name: "english ready", text: "The document is Ready for Implementation.", want: boolPtr(true)},
		{name: "english proceed", text: "We can proceed with implementation.", want: boolPtr(true)},
		{name: "english negative", text: "It is not ready for implementation yet.", want: boolPtr(false)},
		{name: "japanese negative", text: "現状では実装に移れません。", want: boolPtr(false)},
		{name: "japanese impossible", text: "実装不可能な箇所がある", want: boolPtr(false)},
		{name: "no verdict", text: "just commentary", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := ExtractStructured(tt.text)
			if tt.want == nil {
				assert.Nil(t, st.Ready)
				return
			}
			require.NotNil(t, st.Ready)
			assert.Equal(t, *tt.want, *st.Ready)
		})
	}
}

func TestExtractStructured_Sections(t *testing.T) {
	text := `## Summary:
Well structured design with minor gaps.

結論:
実装に移れます。

Strengths:
- clear data model
- explicit error taxonomy

Issues:
1. retry policy unspecified
2) cache key omits template

- Rationale: the API surface is small
- Summary: bullet must not override header`

	st := ExtractStructured(text)

	summary, ok := st.Section("summary")
	require.True(t, ok)
	assert.Equal(t, "Well structured design with minor gaps.", summary)

	conclusion, ok := st.Section("conclusion")
	require.True(t, ok)
	assert.Equal(t, "実装に移れます。", conclusion)

	rationale, ok := st.Section("rationale")
	require.True(t, ok)
	assert.Equal(t, "the API surface is small", rationale)

	strengths, ok := st.Section("strengths")
	require.True(t, ok)
	assert.Equal(t, []string{"clear data model", "explicit error taxonomy"}, splitItems(strengths))

	issues, ok := st.Section("issues")
	require.True(t, ok)
	items := splitItems(issues)
	require.GreaterOrEqual(t, len(items), 2)
	assert.Equal(t, "retry policy unspecified", items[0])
	assert.Equal(t, "cache key omits template", items[1])

	require.NotNil(t, st.Ready)
	assert.True(t, *st.Ready)
	assert.False(t, st.Empty())
}

func TestExtractStructured_Empty(t *testing.T) {
	st := ExtractStructured("Error:\nsomething went wrong\nNote: retry later")
	assert.True(t, st.Empty(), "unrecognized labels alone are not a payload")
}

func boolPtr(b bool) *bool { return &b }
