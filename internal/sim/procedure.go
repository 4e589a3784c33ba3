// Package sim is the reference simulation procedure: a coarse-grained bead
// model of a polymer melt, packed at low density, shrunk to the target
// density (Stage A) and sampled under a Langevin thermostat (Stage B).
package sim

import (
	"context"
	"fmt"
	"math"

	"polyflow/internal/core"
	"polyflow/internal/engine"
	"polyflow/internal/logging"
	"polyflow/internal/registry"
)

const (
	avogadro = 6.02214076e23
	// nmPerCm converts a cube root of cm^3 to nm.
	nmPerCm = 1e7
)

// Procedure implements engine.Procedure.
type Procedure struct {
	catalog *registry.Catalog
	log     logging.Logger
}

var _ engine.Procedure = (*Procedure)(nil)

// New returns a procedure resolving components from catalog. A nil catalog
// means registry.DefaultCatalog.
func New(catalog *registry.Catalog, log logging.Logger) *Procedure {
	if catalog == nil {
		catalog = registry.DefaultCatalog()
	}
	return &Procedure{catalog: catalog, log: logging.OrNop(log)}
}

// Build creates the initial state for sp. Unknown component names and bad
// parameters yield a *core.SchemaError.
func (p *Procedure) Build(ctx context.Context, sp core.Statepoint) (*engine.Setup, error) {
	params, err := ParamsFromStatepoint(sp)
	if err != nil {
		return nil, err
	}
	comps, err := p.catalog.Resolve(sp)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ref := engine.Reference{
		Distance: comps.Molecule.Sigma * comps.Forcefield.SigmaScale,
		Mass:     comps.Molecule.BeadMass(params.RemoveHydrogens),
		Energy:   comps.Forcefield.Epsilon,
	}
	target := targetBox(params.NCompounds, ref.Mass, params.Density) / ref.Distance
	ref.TargetBox = [3]float64{target, target, target}

	cfg := &Config{
		Params:     params,
		Molecule:   comps.Molecule.Name,
		Forcefield: comps.Forcefield.Name,
		System:     comps.System.Name,
		Charged:    comps.Forcefield.Charged && !params.RemoveCharges,
		NBeads:     params.NCompounds,
		TargetBox:  target,
		InitialBox: target * comps.System.Expansion,
		RCut:       params.RCut,
	}

	rng := newRNG(params.Seed, 0)
	st := &State{
		Box: cfg.InitialBox,
		Pos: comps.System.Place(cfg.NBeads, cfg.InitialBox, rng),
		Vel: make([][3]float64, cfg.NBeads),
	}
	if len(st.Pos) != cfg.NBeads {
		return nil, fmt.Errorf("system %s placed %d of %d beads", comps.System.Name, len(st.Pos), cfg.NBeads)
	}
	sd := math.Sqrt(params.ShrinkKT)
	for i := range st.Vel {
		for d := 0; d < 3; d++ {
			st.Vel[i][d] = sd * rng.NormFloat64()
		}
	}

	p.log.Debug("system built",
		"molecule", cfg.Molecule, "forcefield", cfg.Forcefield, "system", cfg.System,
		"beads", cfg.NBeads, "target_box", target, "initial_box", cfg.InitialBox)
	return &engine.Setup{State: st, Config: cfg, Reference: ref}, nil
}

// targetBox returns the cubic box edge in nm holding n beads of the given mass
// (amu) at density (g/cm^3).
func targetBox(n int, beadMass, density float64) float64 {
	grams := float64(n) * beadMass / avogadro
	return math.Cbrt(grams/density) * nmPerCm
}

// RunStage advances state by req.Steps. Stage A shrinks the box linearly to
// the target at shrink_kT; when the box is already at the target it only
// thermostats. Stage B samples at kT in a fixed box.
//
// On error the returned state holds the progress made before the error.
func (p *Procedure) RunStage(ctx context.Context, req engine.StageRequest, state engine.State, cfg any) (engine.State, error) {
	st, ok := state.(*State)
	if !ok {
		return state, fmt.Errorf("unexpected state type %T", state)
	}
	c, ok := cfg.(*Config)
	if !ok {
		return state, fmt.Errorf("unexpected config type %T", cfg)
	}
	next := st.clone()
	if req.Steps <= 0 {
		return next, nil
	}

	it := &integrator{
		cfg:     c,
		rng:     newRNG(c.Params.Seed, st.Step),
		logFreq: c.Params.LogWriteFreq,
	}
	switch req.Stage {
	case core.StageA:
		it.kT = c.Params.ShrinkKT
		if next.Box != c.TargetBox {
			it.shrinkFrom = next.Box
			it.shrinkTo = c.TargetBox
			it.shrinkSteps = req.Steps
			it.shrinkPeriod = max(1, c.Params.ShrinkPeriod)
		}
	case core.StageB:
		it.kT = c.Params.KT
	default:
		return next, fmt.Errorf("unknown stage %q", req.Stage)
	}

	if req.LogPath != "" && it.logFreq > 0 {
		l, err := openDataLog(req.LogPath)
		if err != nil {
			return next, fmt.Errorf("open data log: %w", err)
		}
		it.log = l
	}
	err := it.run(ctx, next, req.Steps)
	if cerr := it.log.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close data log: %w", cerr)
	}
	return next, err
}

// SaveCheckpoint writes state to path atomically.
func (p *Procedure) SaveCheckpoint(state engine.State, path string) error {
	st, ok := state.(*State)
	if !ok {
		return fmt.Errorf("unexpected state type %T", state)
	}
	return writeFile(path, kindState, st)
}

// LoadCheckpoint reads a state written by SaveCheckpoint, verifying its
// checksum.
func (p *Procedure) LoadCheckpoint(path string) (engine.State, error) {
	var st State
	if err := readFile(path, kindState, &st); err != nil {
		return nil, err
	}
	if len(st.Pos) != len(st.Vel) || st.Box <= 0 {
		return nil, fmt.Errorf("%s: %w: inconsistent state", path, ErrCorrupt)
	}
	return &st, nil
}

func (p *Procedure) SaveConfig(cfg any, path string) error {
	c, ok := cfg.(*Config)
	if !ok {
		return fmt.Errorf("unexpected config type %T", cfg)
	}
	return writeFile(path, kindConfig, c)
}

func (p *Procedure) LoadConfig(path string) (any, error) {
	var c Config
	if err := readFile(path, kindConfig, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
