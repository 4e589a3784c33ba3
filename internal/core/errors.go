package core

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel kinds for errors.Is matching across the taxonomy.
var (
	ErrSchema        = errors.New("schema error")
	ErrNotFound      = errors.New("job not found")
	ErrConcurrentRun = errors.New("concurrent run")
	ErrStageFailure  = errors.New("stage failure")
)

// SchemaError reports a malformed parameter schema, statepoint, or an unknown
// named component. It is fatal for bulk initialization and is raised before any
// workspace is touched.
type SchemaError struct {
	// Field is the parameter name the problem refers to, if any.
	Field string
	Msg   string
	Cause error
}

func (e *SchemaError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", ErrSchema, e.Field, e.Msg)
	}
	return fmt.Sprintf("%s: %s", ErrSchema, e.Msg)
}

func (e *SchemaError) Unwrap() error { return e.Cause }

func (e *SchemaError) Is(target error) bool { return target == ErrSchema }

// Schemaf builds a SchemaError for a single field.
func Schemaf(field, format string, args ...any) error {
	return &SchemaError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError is returned by any operation addressing a job identifier that
// has no workspace. No state is mutated when it is returned.
type NotFoundError struct {
	ID JobID
}

func (e *NotFoundError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", ErrNotFound, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConcurrentRunError is returned when a run is attempted on a job whose lease
// is already held. The losing run performs no document writes.
type ConcurrentRunError struct {
	ID JobID
	// Holder describes the current lease owner when it could be determined.
	Holder string
}

func (e *ConcurrentRunError) Error() string {
	if e == nil {
		return ""
	}
	if e.Holder != "" {
		return fmt.Sprintf("%s: job %s is held by %s", ErrConcurrentRun, e.ID, e.Holder)
	}
	return fmt.Sprintf("%s: job %s is already running", ErrConcurrentRun, e.ID)
}

func (e *ConcurrentRunError) Is(target error) bool { return target == ErrConcurrentRun }

// Stage names the staged phases of a job's execution.
type Stage string

const (
	// StageSetup covers building or reloading the reusable configuration.
	StageSetup Stage = "setup"
	// StageA is the bounded equilibration (shrink) phase.
	StageA Stage = "stage_a"
	// StageB is the main production phase.
	StageB Stage = "stage_b"
)

// StageFailure is any error raised during staged execution, including
// cancellation. It is absorbed at the per-job run boundary and converted into a
// checkpoint write plus a document update.
type StageFailure struct {
	ID       JobID
	Stage    Stage
	Timestep int64
	Cause    error
}

func (e *StageFailure) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: job %s %s at timestep %d: %v", ErrStageFailure, e.ID, e.Stage, e.Timestep, e.Cause)
}

func (e *StageFailure) Unwrap() error { return e.Cause }

func (e *StageFailure) Is(target error) bool { return target == ErrStageFailure }

// Cancelled reports whether the failure was caused by context cancellation or
// deadline expiry.
func (e *StageFailure) Cancelled() bool {
	if e == nil {
		return false
	}
	return isContextError(e.Cause)
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
