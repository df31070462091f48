// Package format renders evaluation responses and errors for the terminal.
package format

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/timvw/loopsmith/internal/engine"
	"github.com/timvw/loopsmith/internal/evaluator"
	"github.com/timvw/loopsmith/internal/model"
	"github.com/timvw/loopsmith/internal/parser"
	"github.com/timvw/loopsmith/internal/retry"
)

// Format is an output format.
type Format string

const (
	Markdown Format = "markdown"
	JSON     Format = "json"
	Pretty   Format = "pretty"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case Markdown, JSON, Pretty:
		return Format(s), nil
	}
	return "", fmt.Errorf("unknown output format %q (supported: markdown, json, pretty)", s)
}

// Error codes reported by Error.
const (
	CodeInvalidRequest = "invalid_request"
	CodeParseFailure   = "parse_failure"
	CodeCanceled       = "canceled"
	CodeUnknown        = "evaluation_failed"
)

// Formatter renders responses and errors in one format.
type Formatter struct {
	format Format
}

// New creates a Formatter.
func New(f Format) *Formatter {
	return &Formatter{format: f}
}

// Format returns the format f renders.
func (f *Formatter) Format() Format { return f.format }

// Response renders resp. target is the threshold the document was judged
// against; it is shown when the document failed.
func (f *Formatter) Response(resp *model.EvaluationResponse, target float64) (string, error) {
	switch f.format {
	case JSON:
		b, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode response: %w", err)
		}
		return string(b) + "\n", nil
	case Pretty:
		return renderPretty(resp, target), nil
	default:
		return renderMarkdown(resp, target), nil
	}
}

// errorBody is the JSON shape of a rendered error.
type errorBody struct {
	Error    bool   `json:"error"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Attempts int    `json:"attempts,omitempty"`
	Hints    []Hint `json:"hints,omitempty"`
}

// Error renders err with remediation hints for its code.
func (f *Formatter) Error(err error) (string, error) {
	code := ErrorCode(err)
	switch f.format {
	case JSON:
		b, mErr := json.MarshalIndent(errorBody{
			Error:    true,
			Code:     code,
			Message:  err.Error(),
			Attempts: attempts(err),
			Hints:    Hints(code),
		}, "", "  ")
		if mErr != nil {
			return "", fmt.Errorf("encode error: %w", mErr)
		}
		return string(b) + "\n", nil
	case Pretty:
		return renderPrettyError(err, code), nil
	default:
		return renderMarkdownError(err, code), nil
	}
}

// ErrorCode classifies err: the engine failure kind when there is one,
// otherwise the evaluator or parser failure it wraps.
func ErrorCode(err error) string {
	if k, ok := engine.KindOf(err); ok {
		return string(k)
	}
	var pf *parser.ParseFailure
	switch {
	case errors.Is(err, evaluator.ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.As(err, &pf):
		return CodeParseFailure
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	}
	return CodeUnknown
}

// attempts reports the attempt count for exhausted retries, else 0.
func attempts(err error) int {
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		return ex.Attempts
	}
	return 0
}

// Hint is one remediation step.
type Hint struct {
	Title   string `json:"title"`
	Detail  string `json:"detail,omitempty"`
	Command string `json:"command,omitempty"`
}

// Hints returns remediation steps for an error code. Every code ends with
// the generic retry hint.
func Hints(code string) []Hint {
	var hints []Hint
	switch code {
	case string(engine.KindTimeout):
		hints = append(hints,
			Hint{Title: "Split the document", Detail: "Evaluate large documents one chapter at a time."},
			Hint{Title: "Raise the timeout", Detail: "The maximum is 30 minutes.", Command: "export LOOPSMITH_TIMEOUT=10m"},
		)
	case string(engine.KindNotFound):
		hints = append(hints,
			Hint{Title: "Check the Codex CLI installation", Command: "codex --version"},
			Hint{Title: "Point loopsmith at the binary", Command: "export LOOPSMITH_ENGINE_BINARY=/path/to/codex"},
		)
	case string(engine.KindUnavailable):
		hints = append(hints,
			Hint{Title: "Check the API key", Detail: "Set LOOPSMITH_API_KEY or the provider's own variable."},
			Hint{Title: "Check the model name", Detail: "The model must exist and be enabled for the key."},
		)
	case string(engine.KindNonZeroExit), string(engine.KindSpawn):
		hints = append(hints,
			Hint{Title: "Run the engine by hand", Detail: "The stderr excerpt above usually names the cause.", Command: "codex exec --skip-git-repo-check"},
		)
	case CodeParseFailure:
		hints = append(hints,
			Hint{Title: "Use flexible parsing", Detail: "Strict mode needs a JSON object in the engine output.", Command: "loopsmith evaluate --mode flexible <file>"},
			Hint{Title: "Check the prompt template", Detail: "A custom template must ask for a JSON answer with a score."},
		)
	case CodeInvalidRequest:
		hints = append(hints,
			Hint{Title: "Check the request", Detail: "The document must exist and the target score must be within 0-10."},
		)
	case CodeCanceled:
		return nil
	}
	return append(hints, Hint{Title: "Retry", Detail: "Wait a moment and run the evaluation again."})
}
