package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// systemPrompt frames the API engines as reviewers; the evaluation prompt
// itself carries the rubric and the output format.
const systemPrompt = "You are a meticulous reviewer of technical design documents. " +
	"Follow the output format requested in the user message exactly."

const defaultMaxTokens = 4096

// withTimeout derives the per-call context for an API engine.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// classifyAPIError maps an SDK error to an *Error. status is the HTTP status
// code when the SDK exposed one, else 0.
func classifyAPIError(engine string, parent context.Context, err error, status int, timeout time.Duration) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Engine: engine, Err: err, Timeout: timeout}
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return &Error{Kind: KindUnavailable, Engine: engine, Err: err}
	}
	return &Error{Kind: KindRequest, Engine: engine, Err: err}
}

// startGenAISpan starts a span following the OTel GenAI conventions.
func startGenAISpan(ctx context.Context, provider, model string, maxTokens int64, prompt string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "chat "+model,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("gen_ai.operation.name", "chat"),
			attribute.String("gen_ai.provider.name", provider),
			attribute.String("gen_ai.request.model", model),
			attribute.Int64("gen_ai.request.max_tokens", maxTokens),
		),
	)
	inputMessages := []map[string]string{
		{"role": "system", "content": systemPrompt},
		{"role": "user", "content": prompt},
	}
	if inputJSON, err := json.Marshal(inputMessages); err == nil {
		span.SetAttributes(attribute.String("gen_ai.input.messages", string(inputJSON)))
	}
	return ctx, span
}

func recordGenAIOutput(span trace.Span, text string) {
	outputMessages := []map[string]string{
		{"role": "assistant", "content": text},
	}
	if outputJSON, err := json.Marshal(outputMessages); err == nil {
		span.SetAttributes(attribute.String("gen_ai.output.messages", string(outputJSON)))
	}
}
