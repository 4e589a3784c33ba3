package sim

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
)

// ctxCheckInterval is how many steps run between cancellation checks.
const ctxCheckInterval = 1024

// minPairR2 caps the pair force for overlapping beads from a random packing.
const minPairR2 = 0.64

// ErrDiverged is returned when the integrator produces non-finite values.
var ErrDiverged = errors.New("integration diverged")

// integrator advances a state with Langevin dynamics in reduced units
// (bead mass, bead diameter and well depth are all 1).
type integrator struct {
	cfg *Config
	kT  float64
	rng *rand.Rand

	// Box shrink, active when shrinkSteps > 0.
	shrinkFrom   float64
	shrinkTo     float64
	shrinkSteps  int64
	shrinkPeriod int64

	log     *dataLog
	logFreq int64

	force [][3]float64
}

// newRNG returns the stream for a stage starting at step. The same seed and
// starting timestep always reproduce the same trajectory.
func newRNG(seed uint64, step int64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, uint64(step)))
}

// run advances st by steps. On error st holds the last completed step.
func (it *integrator) run(ctx context.Context, st *State, steps int64) error {
	it.force = make([][3]float64, len(st.Pos))
	pe := it.computeForces(st)

	for i := int64(1); i <= steps; i++ {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if it.shrinkSteps > 0 && (i%it.shrinkPeriod == 0 || i == steps) {
			box := it.shrinkTo
			if i < it.shrinkSteps {
				box = it.shrinkFrom + (it.shrinkTo-it.shrinkFrom)*float64(i)/float64(it.shrinkSteps)
			}
			it.resize(st, box)
		}
		pe = it.step(st)
		st.Step++
		if math.IsNaN(pe) || math.IsInf(pe, 0) {
			return fmt.Errorf("%w at timestep %d", ErrDiverged, st.Step)
		}
		if it.log != nil && it.logFreq > 0 && st.Step%it.logFreq == 0 {
			if err := it.log.write(st, pe); err != nil {
				return err
			}
		}
	}
	return ctx.Err()
}

// step performs one Euler-Maruyama Langevin step and returns the potential
// energy at the new positions.
func (it *integrator) step(st *State) float64 {
	dt := it.cfg.Params.DT
	gamma := 1 / it.cfg.Params.TauKT
	noise := math.Sqrt(2 * gamma * it.kT * dt)
	for i := range st.Pos {
		for d := 0; d < 3; d++ {
			v := st.Vel[i][d]
			v += dt*it.force[i][d] - gamma*v*dt + noise*it.rng.NormFloat64()
			st.Vel[i][d] = v
			st.Pos[i][d] = wrap(st.Pos[i][d]+v*dt, st.Box)
		}
	}
	return it.computeForces(st)
}

// computeForces fills it.force with truncated Lennard-Jones pair forces under
// the minimum image convention and returns the potential energy.
func (it *integrator) computeForces(st *State) float64 {
	for i := range it.force {
		it.force[i] = [3]float64{}
	}
	rc2 := it.cfg.RCut * it.cfg.RCut
	var pe float64
	for i := 0; i < len(st.Pos); i++ {
		for j := i + 1; j < len(st.Pos); j++ {
			var dr [3]float64
			var r2 float64
			for d := 0; d < 3; d++ {
				x := st.Pos[i][d] - st.Pos[j][d]
				x -= st.Box * math.Round(x/st.Box)
				dr[d] = x
				r2 += x * x
			}
			if r2 >= rc2 {
				continue
			}
			r2 = math.Max(r2, minPairR2)
			inv6 := 1 / (r2 * r2 * r2)
			pe += 4 * (inv6*inv6 - inv6)
			f := 24 * (2*inv6*inv6 - inv6) / r2
			for d := 0; d < 3; d++ {
				it.force[i][d] += f * dr[d]
				it.force[j][d] -= f * dr[d]
			}
		}
	}
	return pe
}

func (it *integrator) resize(st *State, box float64) {
	if box == st.Box {
		return
	}
	scale := box / st.Box
	for i := range st.Pos {
		for d := 0; d < 3; d++ {
			st.Pos[i][d] *= scale
		}
	}
	st.Box = box
}

func wrap(x, box float64) float64 {
	return x - box*math.Round(x/box)
}

func kinetic(st *State) float64 {
	var ke float64
	for _, v := range st.Vel {
		ke += 0.5 * (v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	}
	return ke
}

// dataLog appends tab-separated thermodynamic rows to a text file.
type dataLog struct {
	f *os.File
	w *bufio.Writer
}

func openDataLog(path string) (*dataLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	l := &dataLog{f: f, w: bufio.NewWriter(f)}
	if info.Size() == 0 {
		if _, err := l.w.WriteString("timestep\tkinetic_energy\tpotential_energy\tbox\n"); err != nil {
			f.Close()
			return nil, err
		}
	}
	return l, nil
}

func (l *dataLog) write(st *State, pe float64) error {
	_, err := fmt.Fprintf(l.w, "%d\t%.6g\t%.6g\t%.6g\n", st.Step, kinetic(st), pe, st.Box)
	return err
}

func (l *dataLog) Close() error {
	if l == nil {
		return nil
	}
	ferr := l.w.Flush()
	if err := l.f.Close(); ferr == nil {
		ferr = err
	}
	return ferr
}
