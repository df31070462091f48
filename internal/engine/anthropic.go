package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
)

// Anthropic runs evaluations through the Anthropic Messages API.
// Works with both direct Anthropic API and Azure AI Foundry.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// AnthropicConfig holds configuration for the Anthropic engine.
type AnthropicConfig struct {
	// BaseURL is the API endpoint (e.g., "https://resource.services.ai.azure.com/anthropic/v1").
	BaseURL string
	// APIKey is the API key.
	APIKey string
	// Model is the model name (e.g., "claude-sonnet-4-5").
	Model string
	// MaxTokens is the maximum number of output tokens.
	MaxTokens int64
	// ExtraHeaders are additional HTTP headers (e.g., "api-key" for Azure).
	ExtraHeaders map[string]string
}

// NewAnthropic creates an Anthropic engine.
func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	var opts []option.RequestOption
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	for k, v := range cfg.ExtraHeaders {
		opts = append(opts, option.WithHeader(k, v))
	}
	// Retries are owned by the evaluator's retry policy.
	opts = append(opts, option.WithMaxRetries(0))

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: maxTokens,
	}
}

// Name returns "anthropic".
func (e *Anthropic) Name() string { return "anthropic" }

// Model returns the model name.
func (e *Anthropic) Model() string { return e.model }

// Run sends the prompt as a single user message and returns the text blocks
// of the reply as Stdout.
func (e *Anthropic) Run(ctx context.Context, inv Invocation) (*Output, error) {
	parent := ctx
	ctx, span := startGenAISpan(ctx, e.Name(), e.model, e.maxTokens, inv.Prompt)
	defer span.End()
	ctx, cancel := withTimeout(ctx, inv.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(e.model),
		MaxTokens: e.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(inv.Prompt)),
		},
	})
	if err != nil {
		span.SetAttributes(attribute.String("error.type", "api_error"))
		var apiErr *anthropic.Error
		status := 0
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return nil, classifyAPIError(e.Name(), parent, fmt.Errorf("anthropic API call failed: %w", err), status, inv.Timeout)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		span.SetAttributes(attribute.String("error.type", "empty_response"))
		return nil, &Error{Kind: KindRequest, Engine: e.Name(), Err: fmt.Errorf("anthropic API returned empty response")}
	}
	text := sb.String()

	span.SetAttributes(
		attribute.String("gen_ai.response.model", string(resp.Model)),
		attribute.Int64("gen_ai.usage.input_tokens", resp.Usage.InputTokens),
		attribute.Int64("gen_ai.usage.output_tokens", resp.Usage.OutputTokens),
	)
	if string(resp.StopReason) != "" {
		span.SetAttributes(attribute.StringSlice("gen_ai.response.finish_reasons", []string{string(resp.StopReason)}))
	}
	recordGenAIOutput(span, text)

	return &Output{
		Stdout:   text,
		Duration: time.Since(start),
		Usage:    &Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
	}, nil
}
