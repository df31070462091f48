package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultGrace is the wait between SIGTERM and SIGKILL on timeout.
	DefaultGrace = 5 * time.Second

	stderrLimit   = 1 << 20
	stderrExcerpt = 500
)

// codexArgs select non-interactive, approval-free execution.
var codexArgs = []string{
	"exec",
	"--dangerously-bypass-approvals-and-sandbox",
	"--skip-git-repo-check",
}

// CodexConfig holds configuration for the Codex CLI engine.
type CodexConfig struct {
	// Binary is the executable name or path. Empty uses DefaultBinary().
	Binary string
	// Model is passed as --model when set.
	Model string
	// Args replaces the default argument list. Used by tests.
	Args []string
	// Env is appended to the inherited environment.
	Env []string
	// Grace overrides DefaultGrace.
	Grace time.Duration
	Logger *slog.Logger
}

// Codex runs the Codex CLI as a subprocess.
type Codex struct {
	binary string
	model  string
	args   []string
	env    []string
	grace  time.Duration
	logger *slog.Logger
}

// NewCodex creates a Codex engine.
func NewCodex(cfg CodexConfig) *Codex {
	binary := cfg.Binary
	if binary == "" {
		binary = DefaultBinary()
	}
	args := cfg.Args
	if args == nil {
		args = append([]string(nil), codexArgs...)
		if cfg.Model != "" {
			args = append(args, "--model", cfg.Model)
		}
	}
	grace := cfg.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Codex{
		binary: binary,
		model:  cfg.Model,
		args:   args,
		env:    cfg.Env,
		grace:  grace,
		logger: logger.With("component", "engine", "engine", "codex"),
	}
}

// Name returns "codex".
func (c *Codex) Name() string { return "codex" }

// Binary returns the executable the engine spawns.
func (c *Codex) Binary() string { return c.binary }

// Model returns the configured model, or "codex" when the CLI default is used.
func (c *Codex) Model() string {
	if c.model != "" {
		return c.model
	}
	return "codex"
}

// Run spawns the CLI, writes the prompt to stdin and waits for it to exit.
//
// On timeout the process group receives SIGTERM, then SIGKILL after the
// grace window. Run returns the timeout error right away; the escalation and
// any late output are handled in the background and never reach the caller.
func (c *Codex) Run(ctx context.Context, inv Invocation) (*Output, error) {
	workDir := inv.WorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, &Error{Kind: KindSpawn, Engine: c.Name(), Err: fmt.Errorf("resolve working directory: %w", err)}
		}
		workDir = wd
	}
	maxBuffer := inv.MaxBuffer
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}

	ctx, span := tracer.Start(ctx, "exec "+c.Name(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("process.executable.name", c.binary),
			attribute.String("process.working_directory", workDir),
			attribute.Int64("loopsmith.timeout_ms", inv.Timeout.Milliseconds()),
			attribute.Int("loopsmith.prompt_bytes", len(inv.Prompt)),
		),
	)
	defer span.End()

	cmd := exec.Command(c.binary, c.args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), "CODEX_WORKSPACE_PATH="+workDir)
	cmd.Env = append(cmd.Env, c.env...)
	cmd.Stdin = strings.NewReader(inv.Prompt)
	stdout := newBoundedBuffer(maxBuffer)
	stderr := newBoundedBuffer(stderrLimit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Bounds Wait when a grandchild keeps the output pipes open.
	cmd.WaitDelay = c.grace
	setProcessGroup(cmd)

	c.logger.Debug("starting engine", "binary", c.binary, "dir", workDir, "timeout", inv.Timeout)
	start := time.Now()
	if err := cmd.Start(); err != nil {
		e := c.spawnError(err)
		span.RecordError(e)
		span.SetStatus(codes.Error, string(e.Kind))
		return nil, e
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var expired <-chan time.Time
	if inv.Timeout > 0 {
		timer := time.NewTimer(inv.Timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case waitErr := <-done:
		out := &Output{
			Stdout:    stdout.String(),
			Stderr:    stderr.String(),
			ExitCode:  cmd.ProcessState.ExitCode(),
			Truncated: stdout.Dropped() > 0,
			Duration:  time.Since(start),
		}
		span.SetAttributes(
			attribute.Int("process.exit.code", out.ExitCode),
			attribute.Int("loopsmith.stdout_bytes", len(out.Stdout)),
		)
		if out.Truncated {
			c.logger.Warn("engine output exceeded buffer, excess discarded",
				"max_buffer", maxBuffer, "dropped_bytes", stdout.Dropped())
			span.SetAttributes(attribute.Bool("loopsmith.stdout_truncated", true))
		}
		if err := c.exitError(waitErr, out); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(err.Kind))
			return out, err
		}
		c.logger.Debug("engine finished", "duration", out.Duration, "stdout_bytes", len(out.Stdout))
		return out, nil

	case <-expired:
		c.logger.Error("engine timed out, terminating process group",
			"timeout", inv.Timeout, "pid", cmd.Process.Pid)
		c.terminate(cmd, done)
		e := &Error{Kind: KindTimeout, Engine: c.Name(), Timeout: inv.Timeout}
		span.RecordError(e)
		span.SetStatus(codes.Error, string(e.Kind))
		return nil, e

	case <-ctx.Done():
		c.logger.Warn("context done, terminating engine", "error", ctx.Err())
		c.terminate(cmd, done)
		span.SetStatus(codes.Error, "cancelled")
		return nil, fmt.Errorf("%s: %w", c.Name(), ctx.Err())
	}
}

// terminate sends SIGTERM to the process group and escalates to SIGKILL if
// the process has not exited within the grace window. It does not block.
func (c *Codex) terminate(cmd *exec.Cmd, done <-chan error) {
	if err := terminateGroup(cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		c.logger.Warn("terminate engine", "error", err)
	}
	go func() {
		grace := time.NewTimer(c.grace)
		defer grace.Stop()
		select {
		case <-done:
			return
		case <-grace.C:
		}
		c.logger.Warn("engine ignored SIGTERM, killing process group", "grace", c.grace)
		if err := killGroup(cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
			c.logger.Error("kill engine", "error", err)
		}
		<-done
	}()
}

func (c *Codex) spawnError(err error) *Error {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) && pathErr.Op == "chdir" {
		return &Error{Kind: KindSpawn, Engine: c.Name(), Err: err}
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return &Error{Kind: KindNotFound, Engine: c.Name(), Err: fmt.Errorf("%s: %w", c.binary, err)}
	}
	return &Error{Kind: KindSpawn, Engine: c.Name(), Err: err}
}

func (c *Codex) exitError(waitErr error, out *Output) *Error {
	if waitErr == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return &Error{
			Kind:     KindNonZeroExit,
			Engine:   c.Name(),
			Err:      waitErr,
			ExitCode: exitErr.ExitCode(),
			Stderr:   truncate(strings.TrimSpace(out.Stderr), stderrExcerpt),
		}
	}
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		// Exited cleanly, but a descendant held the pipes open past WaitDelay.
		c.logger.Warn("engine output pipes held open after exit", "error", waitErr)
		return nil
	}
	return &Error{Kind: KindSpawn, Engine: c.Name(), Err: waitErr}
}
