package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "loopsmith"

// Outcomes recorded on evaluations.total.
const (
	OutcomeEngine = "engine"
	OutcomeCache  = "cache"
	OutcomeError  = "error"
)

// Metrics holds the metric instruments. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// Partitioned by engine and outcome.
	Evaluations metric.Int64Counter
	// One per engine invocation, retries included.
	Attempts metric.Int64Counter
	// Partitioned by the failure kind that triggered the retry.
	Retries metric.Int64Counter

	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter

	Duration metric.Float64Histogram

	InputTokens  metric.Int64Counter
	OutputTokens metric.Int64Counter
}

// NewMetrics creates the instruments on the global MeterProvider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.Evaluations, err = meter.Int64Counter("evaluations.total",
		metric.WithDescription("Completed evaluations partitioned by engine and outcome (engine, cache, error)"))
	if err != nil {
		return nil, err
	}

	m.Attempts, err = meter.Int64Counter("evaluations.attempts",
		metric.WithDescription("Engine invocations, retries included"))
	if err != nil {
		return nil, err
	}

	m.Retries, err = meter.Int64Counter("evaluations.retries",
		metric.WithDescription("Retries partitioned by the failure kind that caused them"))
	if err != nil {
		return nil, err
	}

	m.CacheHits, err = meter.Int64Counter("result_cache.hits",
		metric.WithDescription("Evaluations served from the result cache"))
	if err != nil {
		return nil, err
	}

	m.CacheMisses, err = meter.Int64Counter("result_cache.misses",
		metric.WithDescription("Result cache lookups that found no fresh entry"))
	if err != nil {
		return nil, err
	}

	m.Duration, err = meter.Float64Histogram("evaluations.duration",
		metric.WithDescription("Wall-clock evaluation time, retries included"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	m.InputTokens, err = meter.Int64Counter("llm.tokens.input",
		metric.WithDescription("LLM input tokens consumed by API engines"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	m.OutputTokens, err = meter.Int64Counter("llm.tokens.output",
		metric.WithDescription("LLM output tokens produced by API engines"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordEvaluation records a finished evaluation and its duration.
func (m *Metrics) RecordEvaluation(ctx context.Context, engine, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("engine", engine),
		attribute.String("evaluation.outcome", outcome),
	)
	m.Evaluations.Add(ctx, 1, attrs)
	m.Duration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
}

// RecordAttempt records one engine invocation.
func (m *Metrics) RecordAttempt(ctx context.Context, engine string) {
	if m == nil {
		return
	}
	m.Attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("engine", engine)))
}

// RecordRetry records a retry caused by a failure of the given kind.
func (m *Metrics) RecordRetry(ctx context.Context, engine, kind string) {
	if m == nil {
		return
	}
	m.Retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("engine", engine),
		attribute.String("error.kind", kind),
	))
}

// RecordCacheHit records a result cache hit.
func (m *Metrics) RecordCacheHit(ctx context.Context) {
	if m == nil {
		return
	}
	m.CacheHits.Add(ctx, 1)
}

// RecordCacheMiss records a result cache miss.
func (m *Metrics) RecordCacheMiss(ctx context.Context) {
	if m == nil {
		return
	}
	m.CacheMisses.Add(ctx, 1)
}

// RecordTokens records API engine token usage.
func (m *Metrics) RecordTokens(ctx context.Context, engine, model string, input, output int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("gen_ai.system", engine),
		attribute.String("gen_ai.request.model", model),
	)
	m.InputTokens.Add(ctx, input, attrs)
	m.OutputTokens.Add(ctx, output, attrs)
}
