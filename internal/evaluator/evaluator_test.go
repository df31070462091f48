package evaluator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timvw/loopsmith/internal/cache"
	"github.com/timvw/loopsmith/internal/engine"
	"github.com/timvw/loopsmith/internal/model"
	"github.com/timvw/loopsmith/internal/parser"
	"github.com/timvw/loopsmith/internal/retry"
)

// reply is one scripted engine result.
type reply struct {
	stdout string
	err    error
}

// fakeEngine replays scripted replies in order; the last one repeats.
type fakeEngine struct {
	mu      sync.Mutex
	replies []reply
	calls   int
	invs    []engine.Invocation
}

func (f *fakeEngine) Name() string  { return "fake" }
func (f *fakeEngine) Model() string { return "fake-model" }

func (f *fakeEngine) Run(_ context.Context, inv engine.Invocation) (*engine.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := min(f.calls, len(f.replies)-1)
	f.calls++
	f.invs = append(f.invs, inv)
	r := f.replies[i]
	if r.err != nil {
		return nil, r.err
	}
	return &engine.Output{Stdout: r.stdout}, nil
}

func (f *fakeEngine) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newEvaluator(t *testing.T, eng engine.Engine, store cache.Store, cfg Config) *Evaluator {
	t.Helper()
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	ev, err := New(eng, store, cfg)
	require.NoError(t, err)
	return ev
}

func timeoutErr() error {
	return &engine.Error{Kind: engine.KindTimeout, Engine: "fake", Timeout: time.Second}
}

// --- Scenarios ---

func TestEvaluate_JSONAmidNoise(t *testing.T) {
	eng := &fakeEngine{replies: []reply{{stdout: "noise...\n{\"score\":9.2,\"pass\":true}\nmore noise"}}}
	ev := newEvaluator(t, eng, nil, Config{})

	resp, err := ev.Evaluate(context.Background(), model.EvaluationRequest{Content: "# Design"})
	require.NoError(t, err)

	assert.Equal(t, 9.2, resp.Score)
	assert.True(t, resp.Pass)
	assert.Equal(t, model.StatusExcellent, resp.Status)
	assert.Equal(t, "json", resp.Metadata.ParsingMethod)
	assert.Equal(t, "fake-model", resp.Metadata.ModelUsed)
	assert.Equal(t, model.SchemaVersion, resp.Metadata.SchemaVersion)
	assert.Equal(t, 1, resp.Metadata.Attempts)
	assert.NotEmpty(t, resp.Metadata.EvaluationID)
}

func TestEvaluate_StructuredTextFallback(t *testing.T) {
	out := "総評:\n設計は概ね妥当です。\n\nスコア: 6.5\n結論: 実装に移れます"
	eng := &fakeEngine{replies: []reply{{stdout: out}}}
	ev := newEvaluator(t, eng, nil, Config{})

	resp, err := ev.Evaluate(context.Background(), model.EvaluationRequest{Content: "# 設計書"})
	require.NoError(t, err)

	assert.Equal(t, 6.5, resp.Score)
	assert.Equal(t, model.StatusGood, resp.Status)
	assert.False(t, resp.Pass, "6.5 is below the default target of 8")
	assert.Equal(t, "structured_text", resp.Metadata.ParsingMethod)
	assert.Equal(t, true, resp.Extra["ready_for_implementation"])
}

func TestEvaluate_TimeoutExhaustsRetries(t *testing.T) {
	eng := &fakeEngine{replies: []reply{{err: timeoutErr()}}}
	ev := newEvaluator(t, eng, nil, Config{MaxRetries: 2})

	_, err := ev.Evaluate(context.Background(), model.EvaluationRequest{Content: "doc"})
	require.Error(t, err)

	var ex *retry.ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, ex.Attempts)
	assert.ErrorIs(t, err, engine.ErrProcessTimeout)
	kind, ok := engine.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, engine.KindTimeout, kind)
	assert.Equal(t, 3, eng.Calls())
}

func TestEvaluate_CacheHit(t *testing.T) {
	eng := &fakeEngine{replies: []reply{{stdout: `{"score": 8.5, "summary": "solid"}`}}}
	store := cache.NewMemory(time.Hour, 10)
	ev := newEvaluator(t, eng, store, Config{})
	req := model.EvaluationRequest{Content: "# Design", TargetScore: 8}

	first, err := ev.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "fake-model", first.Metadata.ModelUsed)

	second, err := ev.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, eng.Calls(), "second call must not invoke the engine")
	assert.Zero(t, second.Metadata.EvaluationTime)
	assert.Equal(t, cache.ModelUsed, second.Metadata.ModelUsed)
	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, first.Summary, second.Summary)
	assert.Equal(t, first.Metadata.EvaluationID, second.Metadata.EvaluationID)
}

// --- Retry behavior ---

func TestEvaluate_RecoversAfterTransientFailures(t *testing.T) {
	eng := &fakeEngine{replies: []reply{
		{err: &engine.Error{Kind: engine.KindNonZeroExit, Engine: "fake", ExitCode: 1}},
		{stdout: "no payload here"},
		{stdout: `{"score": 7}`},
	}}
	ev := newEvaluator(t, eng, nil, Config{MaxRetries: 2})

	resp, err := ev.Evaluate(context.Background(), model.EvaluationRequest{Content: "doc"})
	require.NoError(t, err)
	assert.Equal(t, 7.0, resp.Score)
	assert.Equal(t, 3, resp.Metadata.Attempts)
}

func TestEvaluate_TerminalErrorIsNotRetried(t *testing.T) {
	eng := &fakeEngine{replies: []reply{{err: &engine.Error{Kind: engine.KindNotFound, Engine: "fake"}}}}
	ev := newEvaluator(t, eng, nil, Config{MaxRetries: 5})

	_, err := ev.Evaluate(context.Background(), model.EvaluationRequest{Content: "doc"})
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrEngineNotFound)
	var ex *retry.ExhaustedError
	assert.False(t, errors.As(err, &ex))
	assert.Equal(t, 1, eng.Calls())
}

func TestEvaluate_StrictModeRetriesUntilJSON(t *testing.T) {
	eng := &fakeEngine{replies: []reply{
		{stdout: "score: 9"},
		{stdout: `{"score": 9}`},
	}}
	ev := newEvaluator(t, eng, nil, Config{MaxRetries: 1})

	resp, err := ev.Evaluate(context.Background(), model.EvaluationRequest{Content: "doc", Mode: model.ModeStrict})
	require.NoError(t, err)
	assert.Equal(t, "json", resp.Metadata.ParsingMethod)
	assert.Equal(t, 2, resp.Metadata.Attempts)
}

func TestEvaluate_ParseFailureExhausts(t *testing.T) {
	eng := &fakeEngine{replies: []reply{{stdout: "nothing useful"}}}
	ev := newEvaluator(t, eng, nil, Config{MaxRetries: 1})

	_, err := ev.Evaluate(context.Background(), model.EvaluationRequest{Content: "doc"})
	var pf *parser.ParseFailure
	require.ErrorAs(t, err, &pf)
	assert.ErrorIs(t, err, parser.ErrNoPayload)
	assert.Equal(t, 2, retry.Attempts(err))
}

func TestEvaluate_ZeroRetriesMeansOneAttempt(t *testing.T) {
	eng := &fakeEngine{replies: []reply{{err: timeoutErr()}}}
	ev := newEvaluator(t, eng, nil, Config{})

	_, err := ev.Evaluate(context.Background(), model.EvaluationRequest{Content: "doc"})
	require.Error(t, err)
	assert.Equal(t, 1, eng.Calls())
	assert.Equal(t, 1, retry.Attempts(err))
}

// --- Requests ---

func TestEvaluate_InvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		req  model.EvaluationRequest
	}{
		{"no document", model.EvaluationRequest{}},
		{"target out of range", model.EvaluationRequest{Content: "doc", TargetScore: 11}},
		{"zero rubric", model.EvaluationRequest{Content: "doc", Rubric: &model.Rubric{}}},
		{"unknown mode", model.EvaluationRequest{Content: "doc", Mode: "lenient"}},
		{"missing file", model.EvaluationRequest{DocumentPath: filepath.Join(t.TempDir(), "absent.md")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{replies: []reply{{stdout: `{"score": 9}`}}}
			ev := newEvaluator(t, eng, nil, Config{})
			_, err := ev.Evaluate(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Zero(t, eng.Calls(), "engine must not run for an invalid request")
		})
	}
}

func TestEvaluate_ReadsDocumentFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "design.md")
	require.NoError(t, os.WriteFile(path, []byte("# Payment API\nretry policy"), 0o644))

	eng := &fakeEngine{replies: []reply{{stdout: `{"score": 8}`}}}
	ev := newEvaluator(t, eng, nil, Config{Timeout: time.Minute, MaxBuffer: 4096})

	_, err := ev.Evaluate(context.Background(), model.EvaluationRequest{DocumentPath: path, ProjectPath: dir})
	require.NoError(t, err)

	require.Len(t, eng.invs, 1)
	inv := eng.invs[0]
	assert.Contains(t, inv.Prompt, "# Payment API")
	assert.Contains(t, inv.Prompt, path)
	assert.Equal(t, "# Payment API\nretry policy", inv.Document)
	assert.Equal(t, dir, inv.WorkDir)
	assert.Equal(t, time.Minute, inv.Timeout)
	assert.Equal(t, 4096, inv.MaxBuffer)
}

func TestEvaluate_PassUsesRequestTarget(t *testing.T) {
	eng := &fakeEngine{replies: []reply{{stdout: `{"score": 7}`}}}
	ev := newEvaluator(t, eng, nil, Config{})

	resp, err := ev.Evaluate(context.Background(), model.EvaluationRequest{Content: "doc", TargetScore: 6.5})
	require.NoError(t, err)
	assert.True(t, resp.Pass)
}

func TestEvaluate_CacheKeyDependsOnParameters(t *testing.T) {
	eng := &fakeEngine{replies: []reply{{stdout: `{"score": 8}`}}}
	ev := newEvaluator(t, eng, cache.NewMemory(time.Hour, 10), Config{})
	ctx := context.Background()

	for _, req := range []model.EvaluationRequest{
		{Content: "doc"},
		{Content: "doc", TargetScore: 7},
		{Content: "doc v2"},
		{Content: "doc", Mode: model.ModeStrict},
		{Content: "doc", Rubric: &model.Rubric{Completeness: 1, Accuracy: 1}},
	} {
		_, err := ev.Evaluate(ctx, req)
		require.NoError(t, err)
	}
	assert.Equal(t, 5, eng.Calls())
}

func TestEvaluate_TemplateChangeMissesCache(t *testing.T) {
	store := cache.NewMemory(time.Hour, 10)
	eng := &fakeEngine{replies: []reply{{stdout: `{"score": 8}`}}}
	req := model.EvaluationRequest{Content: "doc"}

	en := newEvaluator(t, eng, store, Config{})
	_, err := en.Evaluate(context.Background(), req)
	require.NoError(t, err)

	ja, err := LoadTemplate("", "ja")
	require.NoError(t, err)
	other := newEvaluator(t, eng, store, Config{Template: ja})
	_, err = other.Evaluate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 2, eng.Calls())
}

func TestEvaluate_ConcurrentCallsShareCache(t *testing.T) {
	eng := &fakeEngine{replies: []reply{{stdout: `{"score": 8}`}}}
	ev := newEvaluator(t, eng, cache.NewMemory(time.Hour, 10), Config{})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ev.Evaluate(context.Background(), model.EvaluationRequest{Content: "doc"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, eng.Calls(), 1)
	assert.LessOrEqual(t, eng.Calls(), 8)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil, Config{})
	assert.Error(t, err)
	_, err = New(&fakeEngine{}, nil, Config{TargetScore: 12})
	assert.Error(t, err)
	_, err = New(&fakeEngine{}, nil, Config{RetryDelay: -time.Second})
	assert.Error(t, err)
	_, err = New(&fakeEngine{}, nil, Config{MaxRetries: -1})
	assert.Error(t, err)
}

// --- Codex subprocess end to end ---

// writeScript creates an executable shell script standing in for the codex
// binary.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts need a unix shell")
	}
	path := filepath.Join(t.TempDir(), "codex")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestEvaluate_CodexSubprocess(t *testing.T) {
	bin := writeScript(t, `cat > /dev/null
printf '[2025-09-01T10:00:00] codex\nnoise...\n{"score":9.2,"pass":true}\nmore noise\n'`)
	eng := engine.NewCodex(engine.CodexConfig{Binary: bin})
	ev := newEvaluator(t, eng, nil, Config{Timeout: 10 * time.Second})

	resp, err := ev.Evaluate(context.Background(), model.EvaluationRequest{Content: "# Design"})
	require.NoError(t, err)
	assert.Equal(t, 9.2, resp.Score)
	assert.Equal(t, model.StatusExcellent, resp.Status)
	assert.Equal(t, "codex", resp.Metadata.ModelUsed)
}

func TestEvaluate_CodexTimeoutExhaustsRetries(t *testing.T) {
	bin := writeScript(t, "exec sleep 30")
	eng := engine.NewCodex(engine.CodexConfig{Binary: bin, Grace: 100 * time.Millisecond})
	ev := newEvaluator(t, eng, nil, Config{Timeout: 200 * time.Millisecond, MaxRetries: 2})

	start := time.Now()
	_, err := ev.Evaluate(context.Background(), model.EvaluationRequest{Content: "doc"})
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrProcessTimeout)
	assert.Equal(t, 3, retry.Attempts(err))
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.True(t, strings.Contains(err.Error(), "timed out"), err.Error())
}

// --- API engine ---

func TestEvaluate_APIEngineTimeoutIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	eng := engine.NewAnthropic(engine.AnthropicConfig{BaseURL: srv.URL, APIKey: "test", Model: "claude-sonnet-4-5"})
	ev := newEvaluator(t, eng, nil, Config{Timeout: 50 * time.Millisecond, MaxRetries: 2})

	_, err := ev.Evaluate(context.Background(), model.EvaluationRequest{Content: "doc"})
	require.Error(t, err)

	var ex *retry.ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, ex.Attempts)
	assert.ErrorIs(t, err, engine.ErrProcessTimeout)
	assert.Equal(t, int32(3), calls.Load())
}
