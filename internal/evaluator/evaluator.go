// Package evaluator runs a document through an evaluation engine and returns
// a normalized response.
//
// One Evaluate call validates the request, renders the prompt, looks the
// request up in the result cache, then invokes the engine under the retry
// policy, parsing each attempt's output. A successful response is stored in
// the cache before it is returned. The engine decides the score; Go code
// only extracts and normalizes what the engine said.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/timvw/loopsmith/internal/cache"
	"github.com/timvw/loopsmith/internal/engine"
	"github.com/timvw/loopsmith/internal/model"
	lotel "github.com/timvw/loopsmith/internal/otel"
	"github.com/timvw/loopsmith/internal/parser"
	"github.com/timvw/loopsmith/internal/retry"
)

// ErrInvalidRequest is returned before any engine invocation when a request
// fails validation or its document cannot be read.
var ErrInvalidRequest = errors.New("invalid evaluation request")

// Defaults applied by New to zero Config fields.
const (
	DefaultTimeout    = 5 * time.Minute
	DefaultRetryDelay = time.Second
)

var tracer = otel.Tracer("loopsmith/evaluator")

// Config holds the evaluator settings. They are read once by New.
type Config struct {
	// TargetScore is used when a request does not set one.
	TargetScore float64
	// Timeout bounds each engine invocation.
	Timeout   time.Duration
	MaxBuffer int
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	RetryDelay time.Duration
	// Mode is used when a request does not set one.
	Mode model.Mode
	// Template defaults to the embedded English template.
	Template *Template

	Logger  *slog.Logger
	Metrics *lotel.Metrics
}

// Evaluator evaluates documents. It is safe for concurrent use when its
// cache store is.
type Evaluator struct {
	cfg    Config
	engine engine.Engine
	cache  cache.Store
	logger *slog.Logger
}

// New creates an Evaluator. A nil store disables caching.
func New(eng engine.Engine, store cache.Store, cfg Config) (*Evaluator, error) {
	if eng == nil {
		return nil, errors.New("evaluator: engine is required")
	}
	if cfg.TargetScore <= 0 {
		cfg.TargetScore = model.DefaultTargetScore
	}
	if cfg.TargetScore > 10 {
		return nil, fmt.Errorf("evaluator: target score %v out of range 0-10", cfg.TargetScore)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = engine.DefaultMaxBuffer
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("evaluator: max retries must be >= 0, got %d", cfg.MaxRetries)
	}
	switch {
	case cfg.RetryDelay == 0:
		cfg.RetryDelay = DefaultRetryDelay
	case cfg.RetryDelay < 0:
		return nil, fmt.Errorf("evaluator: retry delay must be >= 0, got %v", cfg.RetryDelay)
	}
	if cfg.Mode == "" {
		cfg.Mode = model.ModeFlexible
	}
	if cfg.Template == nil {
		t, err := LoadTemplate("", "en")
		if err != nil {
			return nil, err
		}
		cfg.Template = t
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		cfg:    cfg,
		engine: eng,
		cache:  store,
		logger: logger.With("component", "evaluator", "engine", eng.Name()),
	}, nil
}

// Engine returns the engine evaluations run on.
func (e *Evaluator) Engine() engine.Engine { return e.engine }

// prepared is a validated request with every default resolved.
type prepared struct {
	label       string
	docPath     string
	content     string
	target      float64
	rubric      *model.Rubric
	mode        model.Mode
	projectPath string
	prompt      string
	fingerprint string
}

// Evaluate evaluates one document.
//
// Errors from the attempts are returned wrapped; use errors.As with
// *engine.Error, *parser.ParseFailure or *retry.ExhaustedError, or errors.Is
// with the engine sentinels, to classify them.
func (e *Evaluator) Evaluate(ctx context.Context, req model.EvaluationRequest) (*model.EvaluationResponse, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "evaluate", trace.WithAttributes(
		attribute.String("loopsmith.engine", e.engine.Name()),
		attribute.String("loopsmith.model", e.engine.Model()),
	))
	defer span.End()

	p, err := e.prepare(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("loopsmith.document", p.label),
		attribute.Float64("loopsmith.target_score", p.target),
		attribute.String("loopsmith.mode", string(p.mode)),
	)
	logger := e.logger.With("document", p.label)

	if resp := e.lookup(ctx, logger, p.fingerprint); resp != nil {
		span.SetAttributes(attribute.Bool("loopsmith.cache_hit", true))
		e.cfg.Metrics.RecordEvaluation(ctx, e.engine.Name(), lotel.OutcomeCache, time.Since(start))
		logger.Info("evaluation served from cache", "score", resp.Score)
		return resp, nil
	}
	span.SetAttributes(attribute.Bool("loopsmith.cache_hit", false))

	attempts := 0
	policy := retry.Policy{
		MaxRetries: e.cfg.MaxRetries,
		BaseDelay:  e.cfg.RetryDelay,
		Logger:     logger,
		OnRetry: func(attempt int, delay time.Duration, cause error) {
			kind := failureKind(cause)
			span.AddEvent("retry", trace.WithAttributes(
				attribute.Int("loopsmith.attempt", attempt+1),
				attribute.String("error.kind", kind),
			))
			e.cfg.Metrics.RecordRetry(ctx, e.engine.Name(), kind)
		},
	}
	res, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) (*parser.Result, error) {
		attempts = attempt + 1
		return e.attempt(ctx, logger, p)
	})
	if err != nil {
		n := max(retry.Attempts(err), attempts)
		span.SetAttributes(attribute.Int("loopsmith.attempts", n))
		span.RecordError(err)
		span.SetStatus(codes.Error, failureKind(err))
		e.cfg.Metrics.RecordEvaluation(ctx, e.engine.Name(), lotel.OutcomeError, time.Since(start))
		logger.Error("evaluation failed", "attempts", n, "error", err)
		return nil, fmt.Errorf("evaluate %s: %w", p.label, err)
	}

	elapsed := time.Since(start)
	resp := Normalize(res, p.target, elapsed, e.engine.Model())
	resp.Metadata.EvaluationID = uuid.NewString()
	resp.Metadata.Attempts = attempts

	if e.cache != nil {
		if err := e.cache.Put(ctx, p.fingerprint, resp); err != nil {
			logger.Warn("store result in cache", "error", err)
		}
	}

	span.SetAttributes(
		attribute.Int("loopsmith.attempts", attempts),
		attribute.Float64("loopsmith.score", resp.Score),
		attribute.Bool("loopsmith.pass", resp.Pass),
		attribute.String("loopsmith.parsing_method", resp.Metadata.ParsingMethod),
	)
	e.cfg.Metrics.RecordEvaluation(ctx, e.engine.Name(), lotel.OutcomeEngine, elapsed)
	logger.Info("evaluation complete",
		"score", resp.Score,
		"pass", resp.Pass,
		"status", resp.Status,
		"parsing_method", resp.Metadata.ParsingMethod,
		"attempts", attempts,
		"duration", elapsed.Round(time.Millisecond))
	return resp, nil
}

// prepare validates req and resolves its defaults.
func (e *Evaluator) prepare(req model.EvaluationRequest) (*prepared, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	p := &prepared{
		content:     req.Content,
		target:      req.TargetScore,
		mode:        req.Mode,
		projectPath: req.ProjectPath,
		label:       "inline content",
	}
	if req.DocumentPath != "" {
		abs, err := filepath.Abs(req.DocumentPath)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve document path: %w", ErrInvalidRequest, err)
		}
		p.docPath = abs
		p.label = req.DocumentPath
	}
	if p.content == "" {
		b, err := os.ReadFile(p.docPath)
		if err != nil {
			return nil, fmt.Errorf("%w: read document: %w", ErrInvalidRequest, err)
		}
		p.content = string(b)
	}
	if p.target == 0 {
		p.target = e.cfg.TargetScore
	}
	if p.mode == "" {
		p.mode = e.cfg.Mode
	}
	if req.Rubric != nil {
		r, err := req.Rubric.Normalize()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		p.rubric = &r
	}

	p.prompt = e.cfg.Template.Render(PromptVars{
		DocumentPath:    p.docPath,
		DocumentContent: p.content,
		TargetScore:     p.target,
		Rubric:          p.rubric,
		ProjectPath:     p.projectPath,
		Mode:            p.mode,
	})
	p.fingerprint = cache.Fingerprint(cache.FingerprintInput{
		Content:     p.content,
		TargetScore: p.target,
		Timeout:     e.cfg.Timeout,
		Template:    e.cfg.Template.Text,
		Rubric:      p.rubric,
		Mode:        p.mode,
		ProjectPath: p.projectPath,
		Engine:      e.engine.Name() + "/" + e.engine.Model(),
	})
	return p, nil
}

// lookup returns a fresh cached response, or nil. Cache errors are logged
// and treated as misses.
func (e *Evaluator) lookup(ctx context.Context, logger *slog.Logger, key string) *model.EvaluationResponse {
	if e.cache == nil {
		return nil
	}
	resp, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		logger.Warn("cache lookup failed, evaluating", "error", err)
	}
	if !ok {
		e.cfg.Metrics.RecordCacheMiss(ctx)
		return nil
	}
	e.cfg.Metrics.RecordCacheHit(ctx)
	return resp
}

// attempt runs the engine once and parses its output.
func (e *Evaluator) attempt(ctx context.Context, logger *slog.Logger, p *prepared) (*parser.Result, error) {
	e.cfg.Metrics.RecordAttempt(ctx, e.engine.Name())
	out, err := e.engine.Run(ctx, engine.Invocation{
		Prompt:    p.prompt,
		Document:  p.content,
		WorkDir:   p.projectPath,
		Timeout:   e.cfg.Timeout,
		MaxBuffer: e.cfg.MaxBuffer,
	})
	if err != nil {
		return nil, err
	}
	if out.Usage != nil {
		e.cfg.Metrics.RecordTokens(ctx, e.engine.Name(), e.engine.Model(), out.Usage.InputTokens, out.Usage.OutputTokens)
	}
	if out.Truncated {
		logger.Warn("engine output was truncated, parsing what was kept", "max_buffer", e.cfg.MaxBuffer)
	}
	res, err := parser.Parse(out.Stdout, parser.Options{Mode: p.mode, Logger: logger})
	if err != nil {
		var pf *parser.ParseFailure
		if errors.As(err, &pf) {
			logger.Debug("unparseable engine output", "excerpt", pf.Excerpt)
		}
		return nil, err
	}
	return res, nil
}

// failureKind names an attempt error for logs, spans and metrics.
func failureKind(err error) string {
	if k, ok := engine.KindOf(err); ok {
		return string(k)
	}
	var pf *parser.ParseFailure
	switch {
	case errors.As(err, &pf):
		return "parse_failure"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	}
	return "unknown"
}
