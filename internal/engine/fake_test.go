package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"

	"polyflow/internal/core"
	"polyflow/internal/fsutil"
	"polyflow/internal/lease"
)

type fakeState struct {
	TS int64 `json:"ts"`
}

func (s *fakeState) Timestep() int64 { return s.TS }

type fakeConfig struct {
	Version string `json:"version"`
}

// plannedFailure makes the next RunStage call for Stage fail after After steps.
type plannedFailure struct {
	Stage core.Stage
	After int64
	Panic bool
}

// fakeProcedure advances the counter by the requested steps and can be
// scripted to fail, block or reject the statepoint.
type fakeProcedure struct {
	mu       sync.Mutex
	builds   int
	loads    int
	failures []plannedFailure
	buildErr error
	requests []StageRequest
	// restartSaveErrs is how many restart checkpoint writes fail next.
	restartSaveErrs int

	// When set, Stage A signals started and waits for release or cancellation.
	started chan struct{}
	release chan struct{}
}

var _ Procedure = (*fakeProcedure)(nil)

func (p *fakeProcedure) Build(_ context.Context, _ core.Statepoint) (*Setup, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.builds++
	if p.buildErr != nil {
		return nil, p.buildErr
	}
	return &Setup{
		State:     &fakeState{},
		Config:    &fakeConfig{Version: "v1"},
		Reference: Reference{Distance: 0.35, Mass: 32.06, Energy: 1.05, TargetBox: [3]float64{4, 4, 4}},
	}, nil
}

func (p *fakeProcedure) RunStage(ctx context.Context, req StageRequest, state State, cfg any) (State, error) {
	if _, ok := cfg.(*fakeConfig); !ok {
		return state, errors.New("missing config")
	}
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var planned *plannedFailure
	if len(p.failures) > 0 && p.failures[0].Stage == req.Stage {
		f := p.failures[0]
		p.failures = p.failures[1:]
		planned = &f
	}
	started, release := p.started, p.release
	p.mu.Unlock()

	ts := state.Timestep()
	if req.Stage == core.StageA && started != nil {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
			return &fakeState{TS: ts}, ctx.Err()
		}
	}
	if planned != nil {
		if planned.Panic {
			panic("integrator exploded")
		}
		return &fakeState{TS: ts + planned.After}, errors.New("simulation blew up")
	}
	return &fakeState{TS: ts + req.Steps}, nil
}

func (p *fakeProcedure) SaveCheckpoint(state State, path string) error {
	p.mu.Lock()
	if filepath.Base(path) == ArtifactRestart && p.restartSaveErrs > 0 {
		p.restartSaveErrs--
		p.mu.Unlock()
		return errors.New("disk full")
	}
	p.mu.Unlock()
	return fsutil.WriteJSONAtomic(path, &fakeState{TS: state.Timestep()})
}

func (p *fakeProcedure) LoadCheckpoint(path string) (State, error) {
	var s fakeState
	if err := fsutil.ReadJSONStrict(path, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *fakeProcedure) SaveConfig(cfg any, path string) error {
	return fsutil.WriteJSONAtomic(path, cfg)
}

func (p *fakeProcedure) LoadConfig(path string) (any, error) {
	p.mu.Lock()
	p.loads++
	p.mu.Unlock()
	var c fakeConfig
	if err := fsutil.ReadJSONStrict(path, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *fakeProcedure) counts() (builds, loads int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.builds, p.loads
}

// fakeLocker hands out leases that never conflict and report loss when lost
// is closed.
type fakeLocker struct {
	lost chan struct{}
}

func (l *fakeLocker) Acquire(_ context.Context, _ core.JobID, holder string) (lease.Lease, error) {
	return &fakeLease{holder: holder, lost: l.lost}, nil
}

func (l *fakeLocker) Break(context.Context, core.JobID) error { return nil }

type fakeLease struct {
	holder string
	lost   chan struct{}
}

func (f *fakeLease) Holder() string                { return f.holder }
func (f *fakeLease) Release(context.Context) error { return nil }
func (f *fakeLease) Lost() <-chan struct{}         { return f.lost }
