package engine

import (
	"context"

	"polyflow/internal/core"
)

// Workspace artifact names the engine manages.
const (
	// ArtifactRestart is the designated resume checkpoint. Its presence alone
	// decides resume over fresh start.
	ArtifactRestart = "restart.ckpt"
	// ArtifactStageA is written after Stage A whether or not it succeeded.
	ArtifactStageA = "end_shrink.ckpt"
	// ArtifactConfig holds the reusable configuration built on a fresh start.
	ArtifactConfig = "config.bin"
	// ArtifactLog is the procedure's thermodynamic log.
	ArtifactLog = "sim_data.txt"
)

// State is an opaque simulation snapshot.
type State interface {
	// Timestep is the progress counter of the snapshot.
	Timestep() int64
}

// Reference holds the scaling quantities computed when a job is first built.
// They are recorded in the job document once and reused on every resume.
type Reference struct {
	Distance  float64
	Mass      float64
	Energy    float64
	TargetBox [3]float64
}

// Setup is the result of building a job from scratch.
type Setup struct {
	State     State
	Config    any
	Reference Reference
}

// StageRequest describes one bounded stage run.
type StageRequest struct {
	Stage      core.Stage
	Steps      int64
	Statepoint core.Statepoint
	Reference  Reference
	// LogPath is where the procedure appends its log, if it keeps one.
	LogPath string
}

// Procedure is the simulation collaborator the engine drives.
//
// RunStage must return the most recent state it reached even when it fails,
// so the engine can checkpoint partial progress. Cancellation of ctx must
// make RunStage return promptly with ctx's error.
type Procedure interface {
	Build(ctx context.Context, sp core.Statepoint) (*Setup, error)
	RunStage(ctx context.Context, req StageRequest, state State, cfg any) (State, error)

	SaveCheckpoint(state State, path string) error
	LoadCheckpoint(path string) (State, error)
	SaveConfig(cfg any, path string) error
	LoadConfig(path string) (any, error)
}
