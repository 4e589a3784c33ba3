package project

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polyflow/internal/core"
	"polyflow/internal/engine"
	"polyflow/internal/fsutil"
	"polyflow/internal/labels"
	"polyflow/internal/lease"
	"polyflow/internal/space"
)

func smallSchema() space.Schema {
	s := space.DefaultSchema()
	s.Set("n_compounds", 8)
	s.Set("shrink_steps", 50)
	s.Set("shrink_period", 10)
	s.Set("n_steps", 60)
	s.Set("log_write_freq", 20)
	s.Set("kT", 6.0, 6.5)
	s.Set("molecule", "PPS", "PEEK")
	return s
}

func openProject(t *testing.T, opts Options) *Project {
	t.Helper()
	p, err := Open(t.TempDir(), opts)
	require.NoError(t, err)
	return p
}

func TestInit_CreatesOneWorkspacePerStatepointAndIsIdempotent(t *testing.T) {
	p := openProject(t, Options{Concurrency: 2})
	ctx := context.Background()

	res, err := p.Init(ctx, smallSchema())
	require.NoError(t, err)
	assert.Len(t, res.IDs, 4)
	assert.Equal(t, 4, res.Created)
	assert.Zero(t, res.Existing)

	ids, err := p.Store().ListIDs()
	require.NoError(t, err)
	assert.Len(t, ids, 4)

	again, err := p.Init(ctx, smallSchema())
	require.NoError(t, err)
	assert.Equal(t, res.IDs, again.IDs)
	assert.Zero(t, again.Created)
	assert.Equal(t, 4, again.Existing)

	m, err := p.Store().ReadManifest()
	require.NoError(t, err)
	assert.Equal(t, res.IDs, m.Order)
}

func TestInit_UnknownComponentWritesNothing(t *testing.T) {
	p := openProject(t, Options{})
	s := smallSchema()
	s.Set("molecule", "PPS", "NYLON")

	_, err := p.Init(context.Background(), s)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrSchema)
	assert.Contains(t, err.Error(), "NYLON")

	ids, err := p.Store().ListIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
	_, statErr := os.Stat(p.Store().ManifestPath())
	assert.True(t, os.IsNotExist(statErr))
}

func TestInit_EmptyValueListYieldsEmptySweep(t *testing.T) {
	p := openProject(t, Options{})
	s := smallSchema()
	s.Set("kT")

	res, err := p.Init(context.Background(), s)
	require.NoError(t, err)
	assert.Empty(t, res.IDs)
}

func TestRunAll_EndToEndWithReferenceSimulation(t *testing.T) {
	p := openProject(t, Options{})
	ctx := context.Background()
	res, err := p.Init(ctx, smallSchema())
	require.NoError(t, err)

	sweep, err := p.RunAll(ctx, RunAllOptions{Parallel: 2})
	require.NoError(t, err)
	assert.Len(t, sweep.Completed, 4)
	assert.Empty(t, sweep.Interrupted)

	report, err := p.Status(nil)
	require.NoError(t, err)
	sampled, ok := report.Get("sampled")
	require.True(t, ok)
	assert.Equal(t, 4, sampled.True)

	info, err := p.Show(res.IDs[0])
	require.NoError(t, err)
	assert.True(t, info.Document.Done)
	assert.Equal(t, int64(110), info.Document.LastTS)
	assert.Len(t, info.Runs, 1)
	assert.Nil(t, info.Failure)

	ws, err := p.Store().Open(res.IDs[0])
	require.NoError(t, err)
	for _, name := range []string{engine.ArtifactRestart, engine.ArtifactStageA, engine.ArtifactConfig, engine.ArtifactLog} {
		ok, err := ws.Exists(name)
		require.NoError(t, err)
		assert.True(t, ok, name)
	}

	pending, err := p.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
	again, err := p.RunAll(ctx, RunAllOptions{})
	require.NoError(t, err)
	assert.Empty(t, again.Completed)
}

func TestResolveID(t *testing.T) {
	p := openProject(t, Options{})
	res, err := p.Init(context.Background(), smallSchema())
	require.NoError(t, err)
	id := res.IDs[0]

	got, err := p.ResolveID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, got)

	got, err = p.ResolveID(id.String()[:12])
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = p.ResolveID("zzzz")
	assert.ErrorIs(t, err, core.ErrNotFound)

	other, err := core.ComputeJobID(core.Statepoint{"absent": true})
	require.NoError(t, err)
	_, err = p.ResolveID(other.String())
	assert.ErrorIs(t, err, core.ErrNotFound)
}

// counterProcedure advances a plain counter and fails any statepoint with
// "fail": true during Stage B.
type counterProcedure struct{}

type counter struct {
	N int64 `json:"n"`
}

func (c *counter) Timestep() int64 { return c.N }

func (counterProcedure) Build(context.Context, core.Statepoint) (*engine.Setup, error) {
	return &engine.Setup{State: &counter{}, Config: map[string]any{}, Reference: engine.Reference{Distance: 1, Mass: 1, Energy: 1, TargetBox: [3]float64{1, 1, 1}}}, nil
}

func (counterProcedure) RunStage(_ context.Context, req engine.StageRequest, st engine.State, _ any) (engine.State, error) {
	if fail, _ := req.Statepoint["fail"].(bool); fail && req.Stage == core.StageB {
		return st, errors.New("diverged")
	}
	return &counter{N: st.Timestep() + req.Steps}, nil
}

func (counterProcedure) SaveCheckpoint(st engine.State, path string) error {
	return fsutil.WriteJSONAtomic(path, &counter{N: st.Timestep()})
}

func (counterProcedure) LoadCheckpoint(path string) (engine.State, error) {
	var c counter
	if err := fsutil.ReadJSONStrict(path, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (counterProcedure) SaveConfig(cfg any, path string) error { return fsutil.WriteJSONAtomic(path, cfg) }

func (counterProcedure) LoadConfig(path string) (any, error) {
	var m map[string]any
	if err := fsutil.ReadJSONStrict(path, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func TestRunAll_ContinuesPastFailuresAndConflicts(t *testing.T) {
	p := openProject(t, Options{Procedure: counterProcedure{}})
	ctx := context.Background()

	var s space.Schema
	s.Set("shrink_steps", 5)
	s.Set("n_steps", 10)
	s.Set("fail", false, true)
	s.Set("replica", 0, 1)
	res, err := p.Init(ctx, s)
	require.NoError(t, err)
	require.Len(t, res.IDs, 4)

	// res.IDs[0] is fail=false, replica=0; hold its lease elsewhere.
	held, err := lease.NewFileLocker(p.Store().WorkspaceRoot()).Acquire(ctx, res.IDs[0], "other-host/1")
	require.NoError(t, err)

	sweep, err := p.RunAll(ctx, RunAllOptions{})
	require.NoError(t, err)
	assert.Equal(t, []core.JobID{res.IDs[0]}, sweep.Conflicts)
	assert.Len(t, sweep.Completed, 1)
	assert.Len(t, sweep.Interrupted, 2)

	report, err := p.Status([]labels.Label{labels.Sampled, labels.Interrupted})
	require.NoError(t, err)
	interrupted, _ := report.Get("interrupted")
	assert.Equal(t, 2, interrupted.True)

	require.NoError(t, held.Release(ctx))
	sweep, err = p.RunAll(ctx, RunAllOptions{IDs: []core.JobID{res.IDs[0]}})
	require.NoError(t, err)
	assert.Equal(t, []core.JobID{res.IDs[0]}, sweep.Completed)
}

func TestRunAll_CancelledContextStops(t *testing.T) {
	p := openProject(t, Options{Procedure: counterProcedure{}})
	var s space.Schema
	s.Set("shrink_steps", 1)
	s.Set("n_steps", 1)
	s.Set("replica", 0, 1, 2)
	_, err := p.Init(context.Background(), s)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sweep, err := p.RunAll(ctx, RunAllOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sweep.Completed)
}

// gatedProcedure holds statepoints with "slow": true in Stage A until
// released, and makes every checkpoint load wait until such a job started.
type gatedProcedure struct {
	counterProcedure
	started chan struct{}
	release chan struct{}
	once    *sync.Once
}

func (g gatedProcedure) RunStage(ctx context.Context, req engine.StageRequest, st engine.State, cfg any) (engine.State, error) {
	if slow, _ := req.Statepoint["slow"].(bool); slow && req.Stage == core.StageA {
		g.once.Do(func() { close(g.started) })
		select {
		case <-g.release:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
	return g.counterProcedure.RunStage(ctx, req, st, cfg)
}

func (g gatedProcedure) LoadCheckpoint(path string) (engine.State, error) {
	<-g.started
	return g.counterProcedure.LoadCheckpoint(path)
}

func TestRunAll_StorageErrorLeavesRunningJobsAlone(t *testing.T) {
	proc := gatedProcedure{started: make(chan struct{}), release: make(chan struct{}), once: &sync.Once{}}
	p := openProject(t, Options{Procedure: proc})
	ctx := context.Background()

	var s space.Schema
	s.Set("shrink_steps", 5)
	s.Set("n_steps", 10)
	s.Set("slow", false, true)
	res, err := p.Init(ctx, s)
	require.NoError(t, err)
	broken, healthy := res.IDs[0], res.IDs[1]

	ws, err := p.Store().Open(broken)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(ws.Path(engine.ArtifactRestart), []byte("garbage"), 0o644))

	go func() {
		<-proc.started
		time.Sleep(200 * time.Millisecond)
		close(proc.release)
	}()

	sweep, err := p.RunAll(ctx, RunAllOptions{Parallel: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), broken.Short())
	assert.Equal(t, []core.JobID{healthy}, sweep.Completed)
	assert.Empty(t, sweep.Interrupted)

	doc, err := p.Store().Read(healthy)
	require.NoError(t, err)
	assert.True(t, doc.Done)
	assert.Equal(t, 1, doc.Runs)
	_, recorded, err := p.Store().LoadFailure(healthy)
	require.NoError(t, err)
	assert.False(t, recorded)
}
