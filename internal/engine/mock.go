package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// MockConfig configures the mock engine.
type MockConfig struct {
	// Latency is simulated before answering.
	Latency time.Duration
}

// Mock scores a document with a structural heuristic instead of a model.
// It answers in the same transcript shape as the Codex CLI so the full
// parsing pipeline runs.
type Mock struct {
	latency time.Duration
}

// NewMock creates a mock engine.
func NewMock(cfg MockConfig) *Mock {
	return &Mock{latency: cfg.Latency}
}

// Name returns "mock".
func (m *Mock) Name() string { return "mock" }

// Model returns "mock-evaluator".
func (m *Mock) Model() string { return "mock-evaluator" }

// Run scores inv.Document, or the prompt when no document text was given.
func (m *Mock) Run(ctx context.Context, inv Invocation) (*Output, error) {
	start := time.Now()
	if m.latency > 0 {
		t := time.NewTimer(m.latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("mock: %w", ctx.Err())
		}
	}

	doc := inv.Document
	if doc == "" {
		doc = inv.Prompt
	}
	payload, err := json.Marshal(mockEvaluate(doc))
	if err != nil {
		return nil, &Error{Kind: KindRequest, Engine: m.Name(), Err: err}
	}

	ts := time.Now().UTC().Format("2006-01-02T15:04:05")
	stdout := fmt.Sprintf("[%s] mock evaluator\n[%s] codex\n%s\n[%s] tokens used: 0\n", ts, ts, payload, ts)
	return &Output{Stdout: stdout, Duration: time.Since(start)}, nil
}

type mockResult struct {
	Score   float64        `json:"score"`
	Summary string         `json:"summary"`
	Details map[string]any `json:"details"`
}

func mockEvaluate(doc string) mockResult {
	lines := strings.Split(doc, "\n")
	headings := 0
	listItems := 0
	for _, l := range lines {
		t := strings.TrimSpace(l)
		switch {
		case strings.HasPrefix(t, "#"):
			headings++
		case strings.HasPrefix(t, "- "), strings.HasPrefix(t, "* "):
			listItems++
		}
	}
	hasCode := strings.Contains(doc, "```")

	score := math.Min(float64(len(doc))/1000, 4)
	strengths := []string{}
	issues := []string{}
	improvements := []string{}

	if headings > 0 {
		score += 2
		strengths = append(strengths, "clear section structure")
	} else {
		issues = append(issues, "structure is unclear")
		improvements = append(improvements, "organize the document into headed sections")
	}
	if headings >= 3 {
		score++
	}
	if hasCode {
		score += 2
		strengths = append(strengths, "includes code examples")
	} else {
		issues = append(issues, "no code examples")
		improvements = append(improvements, "add implementation examples")
	}
	if listItems > 0 {
		score++
	}
	if len(doc) < 500 {
		issues = append(issues, "content is too thin")
		improvements = append(improvements, "add more detailed explanation")
	}
	score = math.Round(math.Min(score, 10)*10) / 10

	return mockResult{
		Score:   score,
		Summary: fmt.Sprintf("Mock evaluation completed. Score: %.1f/10", score),
		Details: map[string]any{
			"strengths":    strengths,
			"issues":       issues,
			"improvements": improvements,
			"context_specific": map[string]any{
				"mock_evaluation": true,
				"content_length":  len(doc),
			},
		},
	}
}
