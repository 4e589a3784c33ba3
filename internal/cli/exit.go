package cli

import (
	"context"
	"errors"
	"fmt"

	"polyflow/internal/core"
)

const (
	ExitSuccess = 0
	// ExitJobFailure means at least one job ended INTERRUPTED.
	ExitJobFailure        = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
	ExitNotFound          = 5
	ExitConcurrentRun     = 6
)

// InvocationError is a usage error: bad flags, missing arguments.
type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// ConfigError wraps failures to load configuration or inputs.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// jobFailureError reports interrupted jobs after everything else succeeded.
type jobFailureError struct {
	n int
}

func (e *jobFailureError) Error() string {
	return fmt.Sprintf("%d job(s) interrupted", e.n)
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	var jf *jobFailureError
	var cfgErr *ConfigError
	switch {
	case errors.As(err, &jf), errors.Is(err, context.Canceled):
		return ExitJobFailure
	case errors.Is(err, core.ErrSchema), errors.As(err, &cfgErr):
		return ExitConfigError
	case errors.Is(err, core.ErrNotFound):
		return ExitNotFound
	case errors.Is(err, core.ErrConcurrentRun):
		return ExitConcurrentRun
	default:
		return ExitInternalError
	}
}
