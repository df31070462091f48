// Package config loads loopsmith configuration from file and environment.
//
// Precedence (highest to lowest):
//  1. Environment variables (LOOPSMITH_*, then the legacy CODEX_* and
//     unprefixed names)
//  2. .env in the current directory
//  3. Config file
//  4. Built-in defaults
//
// Config file search order:
//  1. $LOOPSMITH_CONFIG
//  2. .loopsmith.yaml in current directory
//  3. ~/.config/loopsmith/config.yaml
//
// Durations accept Go syntax ("90s", "5m") or bare milliseconds ("300000").
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// MaxTimeout is the ceiling for the engine timeout. Longer values are
// clamped with a warning.
const MaxTimeout = 30 * time.Minute

// Config holds all loopsmith configuration.
type Config struct {
	// Engine settings
	Engine       string `yaml:"engine"`        // codex, anthropic, openai, mock
	EngineBinary string `yaml:"engine_binary"` // codex executable (default: codex, codex.cmd on Windows)
	Model        string `yaml:"model"`
	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"api_key"`
	MaxTokens    int64  `yaml:"max_tokens"`

	// Invocation and retries
	Timeout    string `yaml:"timeout"`
	MaxBuffer  int    `yaml:"max_buffer"`
	MaxRetries *int   `yaml:"max_retries"`
	RetryDelay string `yaml:"retry_delay"`

	// Evaluation
	TargetScore    float64 `yaml:"target_score"`
	EvaluationMode string  `yaml:"evaluation_mode"` // flexible, strict
	Language       string  `yaml:"language"`        // en, ja
	PromptPath     string  `yaml:"prompt_path"`
	Parallel       int     `yaml:"parallel"`

	// Result cache
	CacheEnabled  *bool  `yaml:"cache_enabled"`
	CacheTTL      string `yaml:"cache_ttl"` // "0", "off" or "disable" turn caching off
	CacheCapacity int    `yaml:"cache_capacity"`
	CacheBackend  string `yaml:"cache_backend"` // memory, redis
	RedisAddr     string `yaml:"redis_addr"`

	// Output and logging
	OutputFormat string `yaml:"output_format"` // markdown, json, pretty
	LogLevel     string `yaml:"log_level"`

	// OTEL
	OTELEndpoint string `yaml:"otel_endpoint"`
	OTELHeaders  string `yaml:"otel_headers"` // Comma-separated key=value pairs

	// Parsed values (not from YAML, set after loading)
	TimeoutDuration    time.Duration `yaml:"-"`
	RetryDelayDuration time.Duration `yaml:"-"`
	CacheTTLDuration   time.Duration `yaml:"-"`

	// ConfigFile is the path to the config file that was loaded (empty if none).
	ConfigFile string `yaml:"-"`
	// Warnings are problems that were corrected while loading, reported
	// once a logger exists.
	Warnings []string `yaml:"-"`
}

// Defaults returns a Config with all default values.
func Defaults() *Config {
	retries := 2
	enabled := true
	return &Config{
		Engine:         "codex",
		MaxTokens:      4096,
		Timeout:        "5m",
		MaxBuffer:      20 * 1024 * 1024,
		MaxRetries:     &retries,
		RetryDelay:     "1s",
		TargetScore:    8.0,
		EvaluationMode: "flexible",
		Language:       "en",
		Parallel:       4,
		CacheEnabled:   &enabled,
		CacheTTL:       "1h",
		CacheCapacity:  100,
		CacheBackend:   "memory",
		OutputFormat:   "markdown",
		LogLevel:       "warn",
	}
}

// Load reads configuration from file, .env and environment variables.
func Load() (*Config, error) {
	cfg := Defaults()

	path, data, err := findConfigFile()
	switch {
	case err == nil:
		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
		cfg.ConfigFile = path
		mergeFile(cfg, &fileCfg)
	case !errors.Is(err, errNoConfigFile):
		return nil, err
	}

	dotenv, err := readDotenv(".env")
	if err != nil {
		return nil, err
	}
	env := func(keys ...string) string {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				return v
			}
		}
		for _, k := range keys {
			if v := dotenv[k]; v != "" {
				return v
			}
		}
		return ""
	}
	if err := mergeEnv(cfg, env); err != nil {
		return nil, err
	}

	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var errNoConfigFile = errors.New("no config file found")

// findConfigFile searches for a config file and returns its path and contents.
// An explicit LOOPSMITH_CONFIG that cannot be read is an error.
func findConfigFile() (string, []byte, error) {
	if path := os.Getenv("LOOPSMITH_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", nil, fmt.Errorf("reading config file: %w", err)
		}
		return path, data, nil
	}

	if data, err := os.ReadFile(".loopsmith.yaml"); err == nil {
		return ".loopsmith.yaml", data, nil
	}

	if home, err := os.UserHomeDir(); err == nil {
		path := filepath.Join(home, ".config", "loopsmith", "config.yaml")
		if data, err := os.ReadFile(path); err == nil {
			return path, data, nil
		}
	}

	return "", nil, errNoConfigFile
}

// readDotenv parses a .env file without exporting it into the process
// environment. A missing file yields an empty map.
func readDotenv(path string) (map[string]string, error) {
	vars, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return vars, nil
}

// mergeFile applies non-zero file values onto cfg.
func mergeFile(cfg *Config, file *Config) {
	setString(&cfg.Engine, file.Engine)
	setString(&cfg.EngineBinary, file.EngineBinary)
	setString(&cfg.Model, file.Model)
	setString(&cfg.BaseURL, file.BaseURL)
	setString(&cfg.APIKey, file.APIKey)
	if file.MaxTokens > 0 {
		cfg.MaxTokens = file.MaxTokens
	}
	setString(&cfg.Timeout, file.Timeout)
	if file.MaxBuffer > 0 {
		cfg.MaxBuffer = file.MaxBuffer
	}
	if file.MaxRetries != nil {
		cfg.MaxRetries = file.MaxRetries
	}
	setString(&cfg.RetryDelay, file.RetryDelay)
	if file.TargetScore > 0 {
		cfg.TargetScore = file.TargetScore
	}
	setString(&cfg.EvaluationMode, file.EvaluationMode)
	setString(&cfg.Language, file.Language)
	setString(&cfg.PromptPath, file.PromptPath)
	if file.Parallel > 0 {
		cfg.Parallel = file.Parallel
	}
	if file.CacheEnabled != nil {
		cfg.CacheEnabled = file.CacheEnabled
	}
	setString(&cfg.CacheTTL, file.CacheTTL)
	if file.CacheCapacity > 0 {
		cfg.CacheCapacity = file.CacheCapacity
	}
	setString(&cfg.CacheBackend, file.CacheBackend)
	setString(&cfg.RedisAddr, file.RedisAddr)
	setString(&cfg.OutputFormat, file.OutputFormat)
	setString(&cfg.LogLevel, file.LogLevel)
	setString(&cfg.OTELEndpoint, file.OTELEndpoint)
	setString(&cfg.OTELHeaders, file.OTELHeaders)
}

// mergeEnv applies environment variables onto cfg. Env always wins.
func mergeEnv(cfg *Config, env func(keys ...string) string) error {
	setString(&cfg.Engine, env("LOOPSMITH_ENGINE"))
	if v := env("USE_MOCK_EVALUATOR"); v != "" {
		mock, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid USE_MOCK_EVALUATOR %q: %w", v, err)
		}
		if mock {
			cfg.Engine = "mock"
		}
	}
	setString(&cfg.EngineBinary, env("LOOPSMITH_ENGINE_BINARY", "CODEX_BINARY"))
	setString(&cfg.Model, env("LOOPSMITH_MODEL"))
	setString(&cfg.BaseURL, env("LOOPSMITH_BASE_URL"))
	setString(&cfg.APIKey, env("LOOPSMITH_API_KEY"))
	if v := env("LOOPSMITH_MAX_TOKENS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid LOOPSMITH_MAX_TOKENS %q", v)
		}
		cfg.MaxTokens = n
	}

	setString(&cfg.Timeout, env("LOOPSMITH_TIMEOUT", "CODEX_TIMEOUT"))
	if v := env("LOOPSMITH_MAX_BUFFER", "CODEX_MAX_BUFFER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid max buffer %q: want a positive byte count", v)
		}
		cfg.MaxBuffer = n
	}
	if v := env("LOOPSMITH_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid LOOPSMITH_MAX_RETRIES %q: want an integer >= 0", v)
		}
		cfg.MaxRetries = &n
	}
	setString(&cfg.RetryDelay, env("LOOPSMITH_RETRY_DELAY"))

	if v := env("LOOPSMITH_TARGET_SCORE", "TARGET_SCORE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid target score %q: %w", v, err)
		}
		cfg.TargetScore = f
	}
	setString(&cfg.EvaluationMode, env("LOOPSMITH_EVALUATION_MODE", "EVALUATION_MODE"))
	setString(&cfg.Language, env("LOOPSMITH_LANGUAGE"))
	setString(&cfg.PromptPath, env("LOOPSMITH_PROMPT_PATH", "EVALUATION_PROMPT_PATH"))
	if v := env("LOOPSMITH_PARALLEL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid LOOPSMITH_PARALLEL %q", v)
		}
		cfg.Parallel = n
	}

	if v := env("LOOPSMITH_CACHE_ENABLED", "CODEX_CACHE_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid cache enabled flag %q: %w", v, err)
		}
		cfg.CacheEnabled = &b
	}
	setString(&cfg.CacheTTL, env("LOOPSMITH_CACHE_TTL", "CODEX_CACHE_TTL"))
	if v := env("LOOPSMITH_CACHE_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid LOOPSMITH_CACHE_CAPACITY %q", v)
		}
		cfg.CacheCapacity = n
	}
	setString(&cfg.CacheBackend, env("LOOPSMITH_CACHE_BACKEND"))
	setString(&cfg.RedisAddr, env("LOOPSMITH_REDIS_ADDR"))

	setString(&cfg.OutputFormat, env("LOOPSMITH_OUTPUT_FORMAT", "OUTPUT_FORMAT"))
	setString(&cfg.LogLevel, env("LOOPSMITH_LOG_LEVEL"))
	setString(&cfg.OTELEndpoint, env("LOOPSMITH_OTEL_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"))
	setString(&cfg.OTELHeaders, env("LOOPSMITH_OTEL_HEADERS", "OTEL_EXPORTER_OTLP_HEADERS"))

	// API key fallbacks
	if cfg.APIKey == "" {
		switch cfg.Engine {
		case "anthropic":
			cfg.APIKey = env("AZURE_OPENAI_API_KEY", "ANTHROPIC_API_KEY")
		case "openai":
			cfg.APIKey = env("AZURE_OPENAI_API_KEY", "OPENAI_API_KEY")
		}
	}

	// Azure base URL fallback
	if cfg.BaseURL == "" {
		if rn := env("AZURE_RESOURCE_NAME"); rn != "" {
			switch cfg.Engine {
			case "anthropic":
				// The SDK appends v1/messages.
				cfg.BaseURL = fmt.Sprintf("https://%s.services.ai.azure.com/anthropic/", rn)
			case "openai":
				cfg.BaseURL = fmt.Sprintf("https://%s.openai.azure.com/openai/v1", rn)
			}
		}
	}
	return nil
}

// Resolve parses durations and checks enumerated values. Load calls it;
// call it again after changing fields.
func (c *Config) Resolve() error {
	c.Warnings = nil
	var err error
	c.TimeoutDuration, err = parseDuration(c.Timeout)
	if err != nil {
		return fmt.Errorf("invalid timeout %q: %w", c.Timeout, err)
	}
	if c.TimeoutDuration <= 0 {
		return fmt.Errorf("invalid timeout %q: must be positive", c.Timeout)
	}
	if c.TimeoutDuration > MaxTimeout {
		c.Warnings = append(c.Warnings, fmt.Sprintf(
			"timeout %s exceeds the %s maximum, using %s", c.TimeoutDuration, MaxTimeout, MaxTimeout))
		c.TimeoutDuration = MaxTimeout
	}

	c.RetryDelayDuration, err = parseDuration(c.RetryDelay)
	if err != nil {
		return fmt.Errorf("invalid retry delay %q: %w", c.RetryDelay, err)
	}
	if c.MaxRetries != nil && *c.MaxRetries < 0 {
		return fmt.Errorf("invalid max_retries %d: want an integer >= 0", *c.MaxRetries)
	}

	c.CacheTTLDuration, err = parseDurationOrDisable(c.CacheTTL, time.Hour)
	if err != nil {
		return fmt.Errorf("invalid cache TTL %q: %w", c.CacheTTL, err)
	}

	if c.TargetScore < 0 || c.TargetScore > 10 {
		return fmt.Errorf("invalid target score %v: must be within 0-10", c.TargetScore)
	}

	checks := []struct {
		name, value string
		allowed     []string
	}{
		{"engine", c.Engine, []string{"codex", "anthropic", "openai", "mock"}},
		{"evaluation_mode", c.EvaluationMode, []string{"flexible", "strict"}},
		{"language", c.Language, []string{"en", "ja"}},
		{"cache_backend", c.CacheBackend, []string{"memory", "redis"}},
		{"output_format", c.OutputFormat, []string{"markdown", "json", "pretty"}},
		{"log_level", c.LogLevel, []string{"debug", "info", "warn", "error"}},
	}
	for _, ch := range checks {
		if !slices.Contains(ch.allowed, ch.value) {
			return fmt.Errorf("invalid %s %q (supported: %s)", ch.name, ch.value, strings.Join(ch.allowed, ", "))
		}
	}
	if c.CacheBackend == "redis" && c.RedisAddr == "" {
		return errors.New("cache_backend redis requires redis_addr")
	}
	return nil
}

// CacheOn reports whether results should be cached.
func (c *Config) CacheOn() bool {
	return (c.CacheEnabled == nil || *c.CacheEnabled) && c.CacheTTLDuration > 0
}

// Retries returns the configured retry count.
func (c *Config) Retries() int {
	if c.MaxRetries == nil {
		return 2
	}
	return *c.MaxRetries
}

// APIHeaders returns the extra HTTP headers the API engines need. Azure
// endpoints expect the key in an "api-key" header as well.
func (c *Config) APIHeaders() map[string]string {
	headers := map[string]string{}
	if c.APIKey != "" && IsAzureEndpoint(c.BaseURL) {
		headers["api-key"] = c.APIKey
	}
	return headers
}

// parseDuration parses a Go duration or a bare number of milliseconds.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("negative duration")
		}
		if ms > math.MaxInt64/int64(time.Millisecond) {
			return time.Duration(math.MaxInt64), nil
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration")
	}
	return d, nil
}

// parseDurationOrDisable parses a duration string. "0", "off", "disable" return 0.
// Empty string returns the fallback value.
func parseDurationOrDisable(s string, fallback time.Duration) (time.Duration, error) {
	switch strings.TrimSpace(s) {
	case "":
		return fallback, nil
	case "0", "off", "disable":
		return 0, nil
	}
	return parseDuration(s)
}

// IsAzureEndpoint returns true if the URL is an Azure endpoint.
func IsAzureEndpoint(url string) bool {
	return strings.Contains(url, ".azure.com") || strings.Contains(url, ".azure.us")
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
