// Package engine runs one job's staged procedure with checkpoint-resume
// semantics.
//
// A run is driven by a single trigger, Engine.Run. It leases the job, decides
// between a fresh start and a resume from the restart checkpoint, runs
// Stage A then Stage B, and writes progress back to the job document.
//
// Failure boundary: every error raised by the procedure during a stage,
// including cancellation, is absorbed into a *core.StageFailure. The engine
// then writes a best-effort restart checkpoint, records the last progress
// counter and a failure record, and returns a nil error with an INTERRUPTED
// outcome. Storage errors are never absorbed; they are returned. A run whose
// lease is lost stops without writing anything further and returns an error
// wrapping lease.ErrLost.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"polyflow/internal/core"
	"polyflow/internal/lease"
	"polyflow/internal/logging"
	"polyflow/internal/metrics"
	"polyflow/internal/trace"
	"polyflow/internal/workspace"
)

// Config holds the statepoint keys the engine reads its stage lengths from.
type Config struct {
	StageAStepsKey string
	StageBStepsKey string
}

// DefaultConfig reads Stage A length from "shrink_steps" and Stage B length
// from "n_steps".
func DefaultConfig() Config {
	return Config{StageAStepsKey: "shrink_steps", StageBStepsKey: "n_steps"}
}

// Options carries the engine's optional collaborators.
type Options struct {
	// Locker defaults to a file lease inside the job workspace.
	Locker  lease.Locker
	Sink    trace.Sink
	Metrics metrics.Collector
	Logger  logging.Logger
	// Now defaults to time.Now.
	Now func() time.Time
	// HolderPrefix is prepended to the run ID in lease owner metadata.
	HolderPrefix string
}

// Engine executes jobs from one store.
type Engine struct {
	store   *workspace.Store
	proc    Procedure
	cfg     Config
	locker  lease.Locker
	sink    trace.Sink
	metrics metrics.Collector
	log     logging.Logger
	now     func() time.Time
	holder  string
}

func New(store *workspace.Store, proc Procedure, cfg Config, opts Options) (*Engine, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if proc == nil {
		return nil, errors.New("procedure is required")
	}
	if strings.TrimSpace(cfg.StageAStepsKey) == "" || strings.TrimSpace(cfg.StageBStepsKey) == "" {
		return nil, errors.New("stage step keys are required")
	}
	e := &Engine{
		store:   store,
		proc:    proc,
		cfg:     cfg,
		locker:  opts.Locker,
		sink:    opts.Sink,
		metrics: metrics.OrNop(opts.Metrics),
		log:     logging.OrNop(opts.Logger),
		now:     opts.Now,
		holder:  opts.HolderPrefix,
	}
	if e.locker == nil {
		e.locker = lease.NewFileLocker(store.WorkspaceRoot())
	}
	if e.sink == nil {
		e.sink = trace.NopSink{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.holder == "" {
		host, _ := os.Hostname()
		e.holder = fmt.Sprintf("%s/%d", host, os.Getpid())
	}
	return e, nil
}

// Outcome reports how a run ended.
type Outcome struct {
	JobID core.JobID
	// RunID is empty when the job was already done and nothing ran.
	RunID    string
	Mode     workspace.RunMode
	Phase    Phase
	Path     []Phase
	Timestep int64
	Document core.Document
	// AlreadyDone is set when the job was complete before this call.
	AlreadyDone bool
	// Failure is set for INTERRUPTED outcomes.
	Failure *core.StageFailure
}

// Run executes job id once.
//
// Errors:
//   - *core.NotFoundError: no workspace for id; nothing written.
//   - *core.ConcurrentRunError: the job is leased by another run; nothing written.
//   - lease.ErrLost: the lease expired or was broken mid-run; the run stopped
//     and wrote nothing after that point.
//   - *core.SchemaError: the statepoint cannot be built; the document is unchanged.
//   - anything else: a storage failure; the document is never left claiming
//     done without a loadable checkpoint, and last_ts never goes backwards.
//
// Stage failures are reported through Outcome with a nil error.
func (e *Engine) Run(ctx context.Context, id core.JobID) (Outcome, error) {
	ws, err := e.store.Open(id)
	if err != nil {
		return Outcome{}, err
	}
	sp, err := e.store.Statepoint(id)
	if err != nil {
		return Outcome{}, err
	}
	stepsA, err := stepCount(sp, e.cfg.StageAStepsKey)
	if err != nil {
		return Outcome{}, err
	}
	stepsB, err := stepCount(sp, e.cfg.StageBStepsKey)
	if err != nil {
		return Outcome{}, err
	}

	runID := uuid.NewString()
	log := e.log.With("job", id.Short(), "run", runID)

	held, err := e.locker.Acquire(ctx, id, e.holder+"/"+runID)
	if err != nil {
		if errors.Is(err, core.ErrConcurrentRun) {
			e.metrics.RecordLeaseConflict()
			trace.SafeRecord(e.sink, trace.Event{Kind: trace.EventLeaseRejected, JobID: string(id)})
			log.Warn("run rejected", "error", err)
		}
		return Outcome{}, err
	}
	defer func() {
		if rerr := held.Release(context.WithoutCancel(ctx)); rerr != nil {
			log.Error("release lease", "error", rerr)
		}
	}()

	// A lost lease cancels the run; nothing is written to the job after that.
	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)
	go func() {
		select {
		case <-held.Lost():
			log.Error("run lease lost, stopping")
			cancelRun(lease.ErrLost)
		case <-runCtx.Done():
		}
	}()

	doc, err := e.store.Read(id)
	if err != nil {
		return Outcome{}, err
	}
	if doc.Done {
		log.Info("job already sampled")
		return Outcome{JobID: id, Phase: PhaseComplete, Timestep: doc.LastTS, Document: doc, AlreadyDone: true}, nil
	}

	resume, err := ws.Exists(ArtifactRestart)
	if err != nil {
		return Outcome{}, fmt.Errorf("check restart checkpoint: %w", err)
	}
	mode := workspace.RunModeFresh
	if resume {
		mode = workspace.RunModeResume
	}

	r := &run{
		e:      e,
		ws:     ws,
		sp:     sp,
		doc:    doc,
		stepsA: stepsA,
		stepsB: stepsB,
		log:    log,
		phases: newPhaseMachine(id, e.sink, log),
		record: workspace.Run{
			RunID:      runID,
			JobID:      id,
			StartTime:  e.now().UTC(),
			Mode:       mode,
			RetryCount: doc.Runs,
			Status:     workspace.RunStatusRunning,
			StartTS:    doc.LastTS,
			Holder:     held.Holder(),
		},
	}
	if doc.LastRunID != "" {
		r.record.PreviousRunID = core.String(doc.LastRunID)
	}
	if err := e.store.SaveRun(r.record); err != nil {
		return Outcome{}, err
	}

	out, err := r.execute(runCtx)
	if err != nil {
		if ferr := r.finish(workspace.RunStatusError, r.doc.LastTS); ferr != nil {
			log.Error("save run record", "error", ferr)
		}
		e.metrics.RecordRun("ERROR", string(mode))
		log.Error("run failed", "error", err)
		return Outcome{}, err
	}
	e.metrics.RecordRun(string(out.Phase), string(mode))
	e.metrics.SetProgress(id, out.Timestep)
	return out, nil
}

func stepCount(sp core.Statepoint, key string) (int64, error) {
	n, err := sp.IntValue(key)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, core.Schemaf(key, "must be >= 0, got %d", n)
	}
	return n, nil
}

// run is the state of one invocation.
type run struct {
	e      *Engine
	ws     *workspace.Workspace
	sp     core.Statepoint
	doc    core.Document
	stepsA int64
	stepsB int64
	log    logging.Logger
	phases *phaseMachine
	record workspace.Run
}

func (r *run) execute(ctx context.Context) (Outcome, error) {
	var (
		state State
		cfg   any
		ref   Reference
	)

	if r.record.Mode == workspace.RunModeResume {
		if err := r.phases.Transition(PhaseResuming); err != nil {
			return Outcome{}, err
		}
		var err error
		if state, err = r.e.proc.LoadCheckpoint(r.ws.Path(ArtifactRestart)); err != nil {
			return Outcome{}, fmt.Errorf("load %s: %w", ArtifactRestart, err)
		}
		if cfg, err = r.e.proc.LoadConfig(r.ws.Path(ArtifactConfig)); err != nil {
			return Outcome{}, fmt.Errorf("load %s: %w", ArtifactConfig, err)
		}
		if !r.doc.HasReference() {
			return Outcome{}, fmt.Errorf("job %s has a restart checkpoint but no reference quantities", r.ws.ID)
		}
		ref = Reference{
			Distance:  *r.doc.RefDistance,
			Mass:      *r.doc.RefMass,
			Energy:    *r.doc.RefEnergy,
			TargetBox: *r.doc.TargetBox,
		}
		r.log.Info("resuming", "timestep", state.Timestep())
	} else {
		if err := r.phases.Transition(PhaseFresh); err != nil {
			return Outcome{}, err
		}
		setup, err := r.build(ctx)
		if err != nil {
			if lerr := r.leaseHeld(ctx, err); lerr != nil {
				return Outcome{}, lerr
			}
			var se *core.SchemaError
			if errors.As(err, &se) {
				return Outcome{}, err
			}
			return r.fail(core.StageSetup, nil, 0, err)
		}
		state, cfg = setup.State, setup.Config
		if err := r.leaseHeld(ctx, nil); err != nil {
			return Outcome{}, err
		}
		if err := r.e.proc.SaveConfig(cfg, r.ws.Path(ArtifactConfig)); err != nil {
			return Outcome{}, fmt.Errorf("save %s: %w", ArtifactConfig, err)
		}
		box := setup.Reference.TargetBox
		if r.doc, err = r.e.store.Write(r.ws.ID, core.DocumentUpdate{
			RefDistance: core.Float64(setup.Reference.Distance),
			RefMass:     core.Float64(setup.Reference.Mass),
			RefEnergy:   core.Float64(setup.Reference.Energy),
			TargetBox:   &box,
			// Main-phase progress belongs to the trajectory being replaced.
			ResetStageB: r.doc.StageBSteps > 0,
		}); err != nil {
			return Outcome{}, err
		}
		// Write-once: a rebuilt job keeps its first reference quantities.
		ref = Reference{
			Distance:  *r.doc.RefDistance,
			Mass:      *r.doc.RefMass,
			Energy:    *r.doc.RefEnergy,
			TargetBox: *r.doc.TargetBox,
		}
	}

	// Stage A.
	if err := r.phases.Transition(PhaseStageA); err != nil {
		return Outcome{}, err
	}
	state, stageErr := r.runStage(ctx, core.StageA, r.stepsA, ref, state, cfg)
	if err := r.leaseHeld(ctx, stageErr); err != nil {
		return Outcome{}, err
	}
	if err := r.e.proc.SaveCheckpoint(state, r.ws.Path(ArtifactStageA)); err != nil {
		if stageErr == nil {
			return Outcome{}, fmt.Errorf("save %s: %w", ArtifactStageA, err)
		}
		r.log.Warn("stage A checkpoint not written", "error", err)
	} else {
		r.recordCheckpoint(core.StageA, ArtifactStageA)
	}
	if stageErr != nil {
		return r.fail(core.StageA, state, 0, stageErr)
	}
	var err error
	if r.doc, err = r.e.store.Write(r.ws.ID, core.DocumentUpdate{LastTS: core.Int64(state.Timestep())}); err != nil {
		return Outcome{}, err
	}

	// Stage B runs whatever main-phase steps earlier runs did not finish.
	if err := r.phases.Transition(PhaseStageB); err != nil {
		return Outcome{}, err
	}
	remaining := max(0, r.stepsB-r.doc.StageBSteps)
	entryTS := state.Timestep()
	state, stageErr = r.runStage(ctx, core.StageB, remaining, ref, state, cfg)
	if err := r.leaseHeld(ctx, stageErr); err != nil {
		return Outcome{}, err
	}
	if stageErr != nil {
		return r.fail(core.StageB, state, state.Timestep()-entryTS, stageErr)
	}

	final := state.Timestep()
	if err := r.saveRestart(state); err != nil {
		return Outcome{}, err
	}
	// Only after the terminal checkpoint is known to load may done be set.
	if err := r.verifyRestart(final); err != nil {
		return Outcome{}, err
	}
	if r.doc, err = r.e.store.Write(r.ws.ID, core.DocumentUpdate{
		Done:          core.Bool(true),
		LastTS:        core.Int64(final),
		StageBSteps:   core.Int64(r.doc.StageBSteps + final - entryTS),
		IncrementRuns: true,
		LastRunID:     core.String(r.record.RunID),
	}); err != nil {
		return Outcome{}, err
	}
	if err := r.e.store.ClearFailure(r.ws.ID); err != nil {
		return Outcome{}, err
	}
	if err := r.phases.Transition(PhaseComplete); err != nil {
		return Outcome{}, err
	}
	if err := r.finish(workspace.RunStatusComplete, final); err != nil {
		return Outcome{}, err
	}
	return r.outcome(PhaseComplete, final, nil), nil
}

func (r *run) build(ctx context.Context) (setup *Setup, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("build panicked: %v", p)
		}
	}()
	setup, err = r.e.proc.Build(ctx, r.sp)
	if err == nil && (setup == nil || setup.State == nil) {
		err = errors.New("build returned no initial state")
	}
	return setup, err
}

// runStage runs one stage, converting panics into errors. The returned state
// is never nil: when the procedure reports none, the input state is kept.
func (r *run) runStage(ctx context.Context, stage core.Stage, steps int64, ref Reference, in State, cfg any) (out State, err error) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s panicked: %v", stage, p)
		}
		if out == nil {
			out = in
		}
		r.e.metrics.ObserveStage(stage, time.Since(start), err == nil)
	}()
	if err := ctx.Err(); err != nil {
		return in, err
	}
	req := StageRequest{
		Stage:      stage,
		Steps:      steps,
		Statepoint: r.sp,
		Reference:  ref,
		LogPath:    r.ws.Path(ArtifactLog),
	}
	r.log.Info("stage start", "stage", string(stage), "steps", steps, "timestep", in.Timestep())
	return r.e.proc.RunStage(ctx, req, in, cfg)
}

func (r *run) saveRestart(state State) error {
	if err := r.e.proc.SaveCheckpoint(state, r.ws.Path(ArtifactRestart)); err != nil {
		return fmt.Errorf("save %s: %w", ArtifactRestart, err)
	}
	r.recordCheckpoint("", ArtifactRestart)
	return nil
}

func (r *run) verifyRestart(want int64) error {
	loaded, err := r.e.proc.LoadCheckpoint(r.ws.Path(ArtifactRestart))
	if err != nil {
		return fmt.Errorf("verify %s: %w", ArtifactRestart, err)
	}
	if loaded.Timestep() != want {
		return fmt.Errorf("verify %s: timestep %d, want %d", ArtifactRestart, loaded.Timestep(), want)
	}
	return nil
}

// fail is the single boundary handler for stage errors. stageBDone is the
// number of main-phase steps this run completed before failing.
func (r *run) fail(stage core.Stage, state State, stageBDone int64, cause error) (Outcome, error) {
	ts := r.doc.LastTS
	if state != nil {
		ts = state.Timestep()
	}
	sf := &core.StageFailure{ID: r.ws.ID, Stage: stage, Timestep: ts, Cause: cause}
	r.log.Warn("stage failed", "stage", string(stage), "timestep", ts, "cancelled", sf.Cancelled(), "error", cause)

	reason := "Error"
	if sf.Cancelled() {
		reason = "Cancelled"
	}
	trace.SafeRecord(r.e.sink, trace.Event{Kind: trace.EventStageFailed, JobID: string(r.ws.ID), Stage: string(stage), Reason: reason})

	// Best effort: the failure is recorded even when no checkpoint can be.
	saved := false
	if state != nil {
		if err := r.saveRestart(state); err != nil {
			r.log.Error("restart checkpoint not written", "error", err)
		} else {
			saved = true
		}
	}

	// Progress is credited only when the checkpoint holding it is on disk;
	// otherwise the next run starts from whatever checkpoint already exists.
	u := core.DocumentUpdate{
		IncrementRuns: true,
		LastRunID:     core.String(r.record.RunID),
	}
	if saved {
		u.LastTS = core.Int64(ts)
		u.StageBSteps = core.Int64(r.doc.StageBSteps + stageBDone)
	}
	var err error
	if r.doc, err = r.e.store.Write(r.ws.ID, u); err != nil {
		return Outcome{}, err
	}
	rec, err := workspace.FailureFromError(r.record.RunID, sf, r.e.now().UTC())
	if err != nil {
		return Outcome{}, err
	}
	if err := r.e.store.SaveFailure(r.ws.ID, rec); err != nil {
		return Outcome{}, err
	}
	if err := r.phases.Transition(PhaseInterrupted); err != nil {
		return Outcome{}, err
	}
	if err := r.finish(workspace.RunStatusInterrupted, r.doc.LastTS); err != nil {
		return Outcome{}, err
	}
	return r.outcome(PhaseInterrupted, r.doc.LastTS, sf), nil
}

// leaseHeld returns an error wrapping lease.ErrLost when the run's lease was
// lost, either as reported by stageErr or as the cancellation cause of ctx.
func (r *run) leaseHeld(ctx context.Context, stageErr error) error {
	if !lease.IsLost(ctx, stageErr) {
		return nil
	}
	return fmt.Errorf("job %s: %w", r.ws.ID, lease.ErrLost)
}

func (r *run) recordCheckpoint(stage core.Stage, artifact string) {
	trace.SafeRecord(r.e.sink, trace.Event{
		Kind:      trace.EventCheckpointWritten,
		JobID:     string(r.ws.ID),
		Stage:     string(stage),
		Artifacts: []string{artifact},
	})
}

func (r *run) finish(status workspace.RunStatus, endTS int64) error {
	if r.record.Status != workspace.RunStatusRunning {
		return nil
	}
	end := r.e.now().UTC()
	r.record.EndTime = &end
	r.record.Status = status
	r.record.EndTS = max(endTS, r.record.StartTS)
	return r.e.store.SaveRun(r.record)
}

func (r *run) outcome(phase Phase, ts int64, sf *core.StageFailure) Outcome {
	return Outcome{
		JobID:    r.ws.ID,
		RunID:    r.record.RunID,
		Mode:     r.record.Mode,
		Phase:    phase,
		Path:     r.phases.Path(),
		Timestep: ts,
		Document: r.doc,
		Failure:  sf,
	}
}
