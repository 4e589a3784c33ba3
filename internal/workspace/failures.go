package workspace

import (
	"errors"
	"time"

	"polyflow/internal/core"
)

// FailureFromError classifies err into a Failure record for runID.
func FailureFromError(runID string, err error, now time.Time) (Failure, error) {
	if err == nil {
		return Failure{}, errors.New("nil error")
	}

	var sf *core.StageFailure
	if errors.As(err, &sf) && sf != nil {
		stage := sf.Stage
		f := Failure{
			RunID:        runID,
			FailureClass: FailureClassStage,
			Stage:        &stage,
			Timestep:     sf.Timestep,
			ErrorCode:    "StageFailure",
			ErrorMessage: messageOf(sf.Cause, sf),
			Resumable:    true,
			Time:         now,
		}
		if sf.Cancelled() {
			f.FailureClass = FailureClassCancelled
			f.ErrorCode = "Cancelled"
		}
		return f, nil
	}

	var se *core.SchemaError
	if errors.As(err, &se) && se != nil {
		return Failure{
			RunID:        runID,
			FailureClass: FailureClassSchema,
			ErrorCode:    "SchemaError",
			ErrorMessage: se.Error(),
			Resumable:    false,
			Time:         now,
		}, nil
	}

	// Unknown error: classify as system failure.
	return Failure{
		RunID:        runID,
		FailureClass: FailureClassSystem,
		ErrorCode:    "UnknownError",
		ErrorMessage: messageOf(err, err),
		Resumable:    true,
		Time:         now,
	}, nil
}

func messageOf(cause, fallback error) string {
	if cause != nil && cause.Error() != "" {
		return cause.Error()
	}
	return fallback.Error()
}
