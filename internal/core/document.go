package core

import (
	"errors"
	"fmt"
)

// DocumentSchemaVersion is the current on-disk version of Document.
const DocumentSchemaVersion = 1

// Document is the small mutable record persisted per job.
//
// Schema constraints (version 1): explicit fields only; unknown keys are
// rejected on read so a typo can never silently create a new key.
//
// Invariants:
//   - Done == true implies the terminal checkpoint artifact exists and loads.
//   - LastTS never decreases across successive runs.
//   - StageBSteps never decreases within one trajectory; it restarts at 0
//     only when the job is rebuilt from scratch.
//   - Reference quantities and TargetBox are written at most once.
type Document struct {
	SchemaVersion int `json:"schema_version"`

	Done   bool  `json:"done"`
	LastTS int64 `json:"last_ts"`

	RefDistance *float64    `json:"ref_distance"`
	RefMass     *float64    `json:"ref_mass"`
	RefEnergy   *float64    `json:"ref_energy"`
	TargetBox   *[3]float64 `json:"target_box"`

	// StageBSteps counts the main-phase steps contained in the restart
	// checkpoint, so a resumed job runs exactly the remaining ones.
	StageBSteps int64 `json:"stage_b_steps"`

	// Runs counts finished engine invocations, successful or not.
	Runs      int    `json:"runs"`
	LastRunID string `json:"last_run_id"`
}

// DefaultDocument returns the document every new job starts with.
func DefaultDocument() Document {
	return Document{SchemaVersion: DocumentSchemaVersion}
}

func (d Document) Validate() error {
	var errs []error
	if d.SchemaVersion != DocumentSchemaVersion {
		errs = append(errs, fmt.Errorf("unsupported schema_version %d", d.SchemaVersion))
	}
	if d.LastTS < 0 {
		errs = append(errs, errors.New("last_ts must be >= 0"))
	}
	if d.Runs < 0 {
		errs = append(errs, errors.New("runs must be >= 0"))
	}
	if d.StageBSteps < 0 {
		errs = append(errs, errors.New("stage_b_steps must be >= 0"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// HasReference reports whether the engine-computed reference quantities are set.
func (d Document) HasReference() bool {
	return d.RefDistance != nil && d.RefMass != nil && d.RefEnergy != nil && d.TargetBox != nil
}

// DocumentUpdate is a partial update. Nil fields are left untouched.
type DocumentUpdate struct {
	Done   *bool
	LastTS *int64

	RefDistance *float64
	RefMass     *float64
	RefEnergy   *float64
	TargetBox   *[3]float64
	StageBSteps *int64
	// ResetStageB zeroes StageBSteps before StageBSteps is applied. It is set
	// when a job starts a new trajectory from scratch.
	ResetStageB bool

	IncrementRuns bool
	LastRunID     *string
}

// Apply returns d with u applied.
//
// Rules:
//   - LastTS and StageBSteps take the maximum of the current and proposed values.
//   - ResetStageB is applied first, so a reset followed by a value sets it.
//   - Done may go from false to true, never back.
//   - Write-once fields keep their first value.
func (d Document) Apply(u DocumentUpdate) (Document, error) {
	out := d
	if u.Done != nil {
		if d.Done && !*u.Done {
			return d, errors.New("done cannot be cleared once set")
		}
		out.Done = *u.Done
	}
	if u.LastTS != nil {
		if *u.LastTS < 0 {
			return d, fmt.Errorf("last_ts must be >= 0 (got %d)", *u.LastTS)
		}
		if *u.LastTS > out.LastTS {
			out.LastTS = *u.LastTS
		}
	}
	if out.RefDistance == nil && u.RefDistance != nil {
		out.RefDistance = Float64(*u.RefDistance)
	}
	if out.RefMass == nil && u.RefMass != nil {
		out.RefMass = Float64(*u.RefMass)
	}
	if out.RefEnergy == nil && u.RefEnergy != nil {
		out.RefEnergy = Float64(*u.RefEnergy)
	}
	if out.TargetBox == nil && u.TargetBox != nil {
		box := *u.TargetBox
		out.TargetBox = &box
	}
	if u.ResetStageB {
		out.StageBSteps = 0
	}
	if u.StageBSteps != nil {
		if *u.StageBSteps < 0 {
			return d, fmt.Errorf("stage_b_steps must be >= 0 (got %d)", *u.StageBSteps)
		}
		out.StageBSteps = max(out.StageBSteps, *u.StageBSteps)
	}
	if u.IncrementRuns {
		out.Runs++
	}
	if u.LastRunID != nil {
		out.LastRunID = *u.LastRunID
	}
	return out, nil
}

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }
