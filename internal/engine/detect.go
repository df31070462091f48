package engine

import (
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
)

// DefaultBinary returns the Codex executable name for the host OS.
func DefaultBinary() string {
	if runtime.GOOS == "windows" {
		return "codex.cmd"
	}
	return "codex"
}

// LookPath resolves binary on PATH. It reports a KindNotFound *Error when
// the binary is missing, so callers can fail before the first attempt.
func LookPath(binary string) (string, error) {
	if binary == "" {
		binary = DefaultBinary()
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return "", &Error{Kind: KindNotFound, Engine: "codex", Err: err}
	}
	return path, nil
}

// Config selects and configures an engine.
type Config struct {
	// Name is "codex", "anthropic", "openai" or "mock".
	Name string
	// Binary is the Codex executable.
	Binary string
	// Model is the model name. Required for the API engines.
	Model string
	// BaseURL overrides the API endpoint.
	BaseURL string
	// APIKey is the API key. Empty falls back to the SDK's environment lookup.
	APIKey string
	// MaxTokens bounds API responses.
	MaxTokens int64
	// ExtraHeaders are additional HTTP headers for the API engines.
	ExtraHeaders map[string]string
	Logger       *slog.Logger
}

// New creates the engine named in cfg.
func New(cfg Config) (Engine, error) {
	switch cfg.Name {
	case "", "codex":
		return NewCodex(CodexConfig{Binary: cfg.Binary, Model: cfg.Model, Logger: cfg.Logger}), nil
	case "anthropic":
		if cfg.Model == "" {
			return nil, fmt.Errorf("model is required for the anthropic engine")
		}
		return NewAnthropic(AnthropicConfig{
			BaseURL:      cfg.BaseURL,
			APIKey:       cfg.APIKey,
			Model:        cfg.Model,
			MaxTokens:    cfg.MaxTokens,
			ExtraHeaders: cfg.ExtraHeaders,
		}), nil
	case "openai":
		if cfg.Model == "" {
			return nil, fmt.Errorf("model is required for the openai engine")
		}
		return NewOpenAI(OpenAIConfig{
			BaseURL:      cfg.BaseURL,
			APIKey:       cfg.APIKey,
			Model:        cfg.Model,
			MaxTokens:    cfg.MaxTokens,
			ExtraHeaders: cfg.ExtraHeaders,
		}), nil
	case "mock":
		return NewMock(MockConfig{}), nil
	default:
		return nil, fmt.Errorf("unknown engine: %q (supported: codex, anthropic, openai, mock)", cfg.Name)
	}
}
