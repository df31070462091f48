package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/timvw/loopsmith/internal/cache"
	"github.com/timvw/loopsmith/internal/config"
	"github.com/timvw/loopsmith/internal/engine"
	"github.com/timvw/loopsmith/internal/evaluator"
	"github.com/timvw/loopsmith/internal/model"
	telem "github.com/timvw/loopsmith/internal/otel"
)

var (
	// Global flags. Each one overrides the loaded configuration when set.
	flagEngine    string
	flagBinary    string
	flagModel     string
	flagBaseURL   string
	flagAPIKey    string
	flagTimeout   string
	flagFormat    string
	flagLogLevel  string
	flagNoCache   bool
	flagVerbose   bool
	flagLanguage  string
	flagPromptTpl string
)

// cfg is the resolved configuration, set before any subcommand runs.
var cfg *config.Config

// logger is the root logger, set together with cfg.
var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

// tel is the telemetry pipeline; nil until initialized.
var tel *telem.Telemetry

var rootCmd = &cobra.Command{
	Use:   "loopsmith",
	Short: "Evaluate documents with an external AI engine until they are ready to implement",
	Long: `loopsmith asks an evaluation engine (the Codex CLI by default) to judge a
technical document and turns its free-form answer into a typed result:
a 0-10 score, a pass/fail verdict against a target score, and itemized
strengths, issues and improvements.

The engine decides the score. loopsmith runs it with a hard timeout,
retries transient failures with exponential backoff, caches results by
content fingerprint, and extracts the answer from JSON or labeled text.

Configuration is loaded from .loopsmith.yaml, ~/.config/loopsmith/config.yaml,
.env and LOOPSMITH_* environment variables. Flags override all of them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup(cmd)
	},
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if tel != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if sErr := tel.Shutdown(shutdownCtx); sErr != nil {
			logger.Warn("flush telemetry", "error", sErr)
		}
		cancel()
	}
	if err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.msg != "" {
				logger.Warn(ee.msg)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// exitError ends the process with a specific status after output has
// already been written.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagEngine, "engine", "", "evaluation engine: codex, anthropic, openai, mock")
	pf.StringVar(&flagBinary, "engine-binary", "", "codex executable (default: codex, codex.cmd on Windows)")
	pf.StringVar(&flagModel, "model", "", "model name (required for anthropic and openai)")
	pf.StringVar(&flagBaseURL, "base-url", "", "override the API base URL")
	pf.StringVar(&flagAPIKey, "api-key", "", "override the API key")
	pf.StringVar(&flagTimeout, "timeout", "", "per-attempt engine timeout, e.g. 5m or 300000 (ms); max 30m")
	pf.StringVarP(&flagFormat, "format", "f", "", "output format: markdown, json, pretty")
	pf.StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.BoolVar(&flagNoCache, "no-cache", false, "disable the result cache")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "shorthand for --log-level debug")
	pf.StringVar(&flagLanguage, "language", "", "built-in prompt language: en, ja")
	pf.StringVar(&flagPromptTpl, "prompt", "", "prompt template file overriding the built-in one")
}

// setup loads configuration, applies flag overrides and installs the logger
// and telemetry.
func setup(cmd *cobra.Command) error {
	loaded, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	applyFlags(cmd, loaded)
	if err := loaded.Resolve(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	cfg = loaded

	logger = newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	if cfg.ConfigFile != "" {
		logger.Info("loaded config", "file", cfg.ConfigFile)
	}
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	telem.Version = Version
	t, err := telem.Init(cmd.Context(), telem.Config{
		Endpoint: cfg.OTELEndpoint,
		Headers:  cfg.OTELHeaders,
	})
	if err != nil {
		logger.Warn("otel init failed, continuing without telemetry", "error", err)
		return nil
	}
	tel = t
	return nil
}

// applyFlags overrides c with every flag the user set.
func applyFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	set := func(name string, dst *string, v string) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	set("engine", &c.Engine, flagEngine)
	set("engine-binary", &c.EngineBinary, flagBinary)
	set("model", &c.Model, flagModel)
	set("base-url", &c.BaseURL, flagBaseURL)
	set("api-key", &c.APIKey, flagAPIKey)
	set("format", &c.OutputFormat, flagFormat)
	set("log-level", &c.LogLevel, flagLogLevel)
	set("language", &c.Language, flagLanguage)
	set("prompt", &c.PromptPath, flagPromptTpl)
	if flagVerbose {
		c.LogLevel = "debug"
	}
	if flagNoCache {
		off := false
		c.CacheEnabled = &off
	}
	if flags.Changed("timeout") {
		c.Timeout = flagTimeout
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// metrics returns the metric instruments, or nil without telemetry.
func metrics() *telem.Metrics {
	if tel == nil {
		return nil
	}
	return tel.Metrics
}

// newEngine creates the configured engine.
func newEngine() (engine.Engine, error) {
	return engine.New(engine.Config{
		Name:         cfg.Engine,
		Binary:       cfg.EngineBinary,
		Model:        cfg.Model,
		BaseURL:      cfg.BaseURL,
		APIKey:       cfg.APIKey,
		MaxTokens:    cfg.MaxTokens,
		ExtraHeaders: cfg.APIHeaders(),
		Logger:       logger,
	})
}

// newStore creates the configured result cache. It returns a nil store when
// caching is off; the close function is always safe to call.
func newStore(ctx context.Context) (cache.Store, func(), error) {
	if !cfg.CacheOn() {
		return nil, func() {}, nil
	}
	switch cfg.CacheBackend {
	case "redis":
		r, err := cache.NewRedis(ctx, cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			TTL:      cfg.CacheTTLDuration,
			Capacity: cfg.CacheCapacity,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	default:
		return cache.NewMemory(cfg.CacheTTLDuration, cfg.CacheCapacity, cache.WithLogger(logger)), func() {}, nil
	}
}

// newEvaluator wires the engine, cache and prompt template into an Evaluator.
func newEvaluator(ctx context.Context) (*evaluator.Evaluator, func(), error) {
	eng, err := newEngine()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Engine == "codex" {
		if _, err := engine.LookPath(eng.(*engine.Codex).Binary()); err != nil {
			return nil, nil, err
		}
	}
	tmpl, err := evaluator.LoadTemplate(cfg.PromptPath, cfg.Language)
	if err != nil {
		return nil, nil, err
	}
	store, closeStore, err := newStore(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("result cache: %w", err)
	}
	ev, err := evaluator.New(eng, store, evaluator.Config{
		TargetScore: cfg.TargetScore,
		Timeout:     cfg.TimeoutDuration,
		MaxBuffer:   cfg.MaxBuffer,
		MaxRetries:  cfg.Retries(),
		RetryDelay:  cfg.RetryDelayDuration,
		Mode:        model.Mode(cfg.EvaluationMode),
		Template:    tmpl,
		Logger:      logger,
		Metrics:     metrics(),
	})
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	logger.Debug("evaluator ready",
		"engine", eng.Name(),
		"model", eng.Model(),
		"template", tmpl.Source,
		"timeout", cfg.TimeoutDuration,
		"cache", cfg.CacheOn())
	return ev, closeStore, nil
}
