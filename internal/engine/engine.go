// Package engine runs an external evaluation engine and returns its raw text.
//
// The default engine is the Codex CLI, run as a subprocess with the prompt on
// stdin. The Anthropic and OpenAI engines call the provider APIs directly and
// the mock engine scores documents with a local heuristic. Every engine
// returns unparsed text; turning it into a result is the parser's job.
package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
)

// DefaultMaxBuffer bounds captured stdout when an Invocation sets none.
const DefaultMaxBuffer = 20 * 1024 * 1024

// Invocation is one engine call.
type Invocation struct {
	// Prompt is the full rendered evaluation prompt.
	Prompt string
	// Document is the document text when the caller has it. Engines that
	// read the file themselves ignore it.
	Document string
	// WorkDir is the directory the engine runs in. Empty means the current
	// working directory.
	WorkDir string
	// Timeout is the hard wall-clock limit. Zero disables it.
	Timeout time.Duration
	// MaxBuffer bounds captured stdout in bytes.
	MaxBuffer int
}

// Output is what an engine produced.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Truncated is set when stdout exceeded MaxBuffer and the excess was dropped.
	Truncated bool
	Duration  time.Duration
	// Usage is set by engines that report token consumption.
	Usage *Usage
}

// Usage is the token consumption of one API call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Engine runs one evaluation prompt.
type Engine interface {
	// Name returns the engine kind (e.g., "codex", "anthropic").
	Name() string

	// Model returns the identifier recorded as metadata.model_used.
	Model() string

	// Run executes the prompt. Errors are *Error values classified by Kind.
	Run(ctx context.Context, inv Invocation) (*Output, error)
}

var tracer = otel.Tracer("loopsmith/engine")
