package sim

import "slices"

// State is the dynamic part of a simulation: the particle configuration at a
// given timestep in a cubic periodic box. Lengths are in reference units.
type State struct {
	Step int64
	Box  float64
	Pos  [][3]float64
	Vel  [][3]float64
}

// Timestep implements engine.State.
func (s *State) Timestep() int64 { return s.Step }

func (s *State) clone() *State {
	return &State{
		Step: s.Step,
		Box:  s.Box,
		Pos:  slices.Clone(s.Pos),
		Vel:  slices.Clone(s.Vel),
	}
}

// Config is the static part of a simulation, fixed when a job is first built
// and persisted so a resumed run never rebuilds it.
type Config struct {
	Params Params

	Molecule   string
	Forcefield string
	System     string
	// Charged records whether the forcefield carried partial charges that were
	// kept. Beads are neutral in this model; the flag is informational.
	Charged bool

	NBeads int
	// Lengths below are in units of the reference distance.
	TargetBox  float64
	InitialBox float64
	RCut       float64
}
