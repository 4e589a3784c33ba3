package workspace

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"polyflow/internal/core"
)

type RunMode string

const (
	RunModeFresh  RunMode = "fresh"
	RunModeResume RunMode = "resume"
)

type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusComplete    RunStatus = "complete"
	RunStatusInterrupted RunStatus = "interrupted"
	// RunStatusError marks a run that ended on a storage or schema error
	// rather than a stage failure.
	RunStatusError RunStatus = "error"
)

// Run is the persistent metadata of one engine invocation on a job.
type Run struct {
	RunID         string     `json:"run_id"`
	JobID         core.JobID `json:"job_id"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time"`
	Mode          RunMode    `json:"mode"`
	RetryCount    int        `json:"retry_count"`
	Status        RunStatus  `json:"status"`
	PreviousRunID *string    `json:"previous_run_id"`
	// StartTS and EndTS are the progress counter at entry and exit.
	StartTS int64  `json:"start_ts"`
	EndTS   int64  `json:"end_ts"`
	Holder  string `json:"holder"`
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if _, err := core.ParseJobID(string(r.JobID)); err != nil {
		errs = append(errs, fmt.Errorf("job_id: %w", err))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	switch r.Mode {
	case RunModeFresh, RunModeResume:
		// ok
	default:
		errs = append(errs, fmt.Errorf("invalid mode %q", r.Mode))
	}
	if r.RetryCount < 0 {
		errs = append(errs, errors.New("retry_count must be >= 0"))
	}
	switch r.Status {
	case RunStatusRunning:
		if r.EndTime != nil {
			errs = append(errs, errors.New("end_time must be null while running"))
		}
	case RunStatusComplete, RunStatusInterrupted, RunStatusError:
		if r.EndTime == nil {
			errs = append(errs, fmt.Errorf("end_time is required for status %q", r.Status))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	if r.PreviousRunID != nil && strings.TrimSpace(*r.PreviousRunID) == "" {
		errs = append(errs, errors.New("previous_run_id must not be empty when provided"))
	}
	if r.EndTS < r.StartTS && r.Status != RunStatusRunning {
		errs = append(errs, errors.New("end_ts must be >= start_ts"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

type FailureClass string

const (
	FailureClassSchema    FailureClass = "schema"
	FailureClassStage     FailureClass = "stage"
	FailureClassCancelled FailureClass = "cancelled"
	FailureClassSystem    FailureClass = "system"
)

// Failure is the recorded termination reason of the job's last failed run.
type Failure struct {
	RunID        string       `json:"run_id"`
	FailureClass FailureClass `json:"failure_class"`
	Stage        *core.Stage  `json:"stage,omitempty"`
	Timestep     int64        `json:"timestep"`
	ErrorCode    string       `json:"error_code"`
	ErrorMessage string       `json:"error_message"`
	Resumable    bool         `json:"resumable"`
	Time         time.Time    `json:"time"`
}

func (f Failure) Validate() error {
	var errs []error
	if strings.TrimSpace(f.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	switch f.FailureClass {
	case FailureClassSchema, FailureClassStage, FailureClassCancelled, FailureClassSystem:
		// ok
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if f.Stage != nil && strings.TrimSpace(string(*f.Stage)) == "" {
		errs = append(errs, errors.New("stage must not be empty when provided"))
	}
	if strings.TrimSpace(f.ErrorCode) == "" {
		errs = append(errs, errors.New("error_code is required"))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	if f.Time.IsZero() {
		errs = append(errs, errors.New("time is required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
