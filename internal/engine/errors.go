package engine

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// Kind classifies engine failures.
type Kind string

const (
	KindNotFound    Kind = "engine_not_found"
	KindTimeout     Kind = "process_timeout"
	KindSpawn       Kind = "process_spawn_error"
	KindNonZeroExit Kind = "non_zero_exit"
	KindRequest     Kind = "engine_request_error"
	KindUnavailable Kind = "engine_unavailable"
)

// Sentinels matched with errors.Is against an *Error of the same kind.
var (
	ErrEngineNotFound = errors.New("engine binary not found")
	ErrProcessTimeout = errors.New("engine timed out")
	ErrProcessSpawn   = errors.New("engine failed to start")
	ErrNonZeroExit    = errors.New("engine exited with non-zero status")
	ErrRequest        = errors.New("engine request failed")
	ErrUnavailable    = errors.New("engine unavailable")
)

var kindSentinels = map[Kind]error{
	KindNotFound:    ErrEngineNotFound,
	KindTimeout:     ErrProcessTimeout,
	KindSpawn:       ErrProcessSpawn,
	KindNonZeroExit: ErrNonZeroExit,
	KindRequest:     ErrRequest,
	KindUnavailable: ErrUnavailable,
}

// Retryable reports whether failures of this kind are transient.
func (k Kind) Retryable() bool {
	switch k {
	case KindNotFound, KindUnavailable:
		return false
	}
	return true
}

// Error is a classified engine failure.
type Error struct {
	Kind   Kind
	Engine string
	// Err is the underlying cause, if any.
	Err error

	// ExitCode is set for KindNonZeroExit.
	ExitCode int
	// Stderr is a bounded excerpt of the engine's stderr.
	Stderr string
	// Timeout is set for KindTimeout.
	Timeout time.Duration
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("%s: timed out after %s", e.Engine, e.Timeout)
	case KindNonZeroExit:
		if e.Stderr != "" {
			return fmt.Sprintf("%s: exited with code %d: %s", e.Engine, e.ExitCode, e.Stderr)
		}
		return fmt.Sprintf("%s: exited with code %d", e.Engine, e.ExitCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Engine, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Engine, e.Kind)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := kindSentinels[e.Kind]; ok {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Retryable reports whether another attempt could succeed.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
