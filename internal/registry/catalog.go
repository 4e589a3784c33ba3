package registry

import (
	"math"
	"math/rand/v2"

	"github.com/hashicorp/go-multierror"

	"polyflow/internal/core"
)

// Statepoint parameters naming components.
const (
	FieldMolecule   = "molecule"
	FieldForcefield = "forcefield"
	FieldSystem     = "system"
)

// DefaultSystem is used when a statepoint does not name a system.
const DefaultSystem = "Pack"

// Molecule describes one repeat unit, coarse-grained to a single bead.
type Molecule struct {
	Name string
	// Mass is the all-atom mass in amu; HeavyMass excludes hydrogens.
	Mass      float64
	HeavyMass float64
	// Sigma is the bead diameter in nm.
	Sigma float64
}

// BeadMass returns the bead mass in amu.
func (m Molecule) BeadMass(removeHydrogens bool) float64 {
	if removeHydrogens {
		return m.HeavyMass
	}
	return m.Mass
}

// Forcefield scales the bead interaction.
type Forcefield struct {
	Name string
	// Epsilon is the pair well depth in kJ/mol.
	Epsilon    float64
	SigmaScale float64
	Charged    bool
}

// Placer lays out n beads in a cubic box of side length box.
type Placer func(n int, box float64, rng *rand.Rand) [][3]float64

// System decides the initial configuration of a job.
type System struct {
	Name string
	// Expansion is the ratio of the initial to the target box length.
	Expansion float64
	Place     Placer
}

// Components is the resolved set of named components for one statepoint.
type Components struct {
	Molecule   Molecule
	Forcefield Forcefield
	System     System
}

// Catalog bundles the three registries.
type Catalog struct {
	Molecules   *Registry[Molecule]
	Forcefields *Registry[Forcefield]
	Systems     *Registry[System]
}

// DefaultCatalog returns the built-in components.
func DefaultCatalog() *Catalog {
	molecules := New[Molecule](FieldMolecule).
		Register("PPS", Molecule{Name: "PPS", Mass: 108.16, HeavyMass: 104.13, Sigma: 0.35}).
		Register("PEEK", Molecule{Name: "PEEK", Mass: 288.30, HeavyMass: 276.21, Sigma: 0.38}).
		Register("PEKK", Molecule{Name: "PEKK", Mass: 300.31, HeavyMass: 288.22, Sigma: 0.38})

	forcefields := New[Forcefield](FieldForcefield).
		Register("PPS_OPLS_AA", Forcefield{Name: "PPS_OPLS_AA", Epsilon: 0.25, SigmaScale: 1.0, Charged: true}).
		Register("GAFF", Forcefield{Name: "GAFF", Epsilon: 0.36, SigmaScale: 0.97, Charged: true})

	systems := New[System](FieldSystem).
		Register("Pack", System{Name: "Pack", Expansion: 2.0, Place: placeRandom}).
		Register("Lattice", System{Name: "Lattice", Expansion: 1.5, Place: placeLattice})

	return &Catalog{Molecules: molecules, Forcefields: forcefields, Systems: systems}
}

// Resolve looks up every component sp names. All problems are reported at
// once in a single *core.SchemaError.
func (c *Catalog) Resolve(sp core.Statepoint) (Components, error) {
	var (
		out    Components
		result *multierror.Error
	)

	if name, err := sp.StringValue(FieldMolecule); err != nil {
		result = multierror.Append(result, err)
	} else if out.Molecule, err = c.Molecules.Lookup(name); err != nil {
		result = multierror.Append(result, err)
	}

	if name, err := sp.StringValue(FieldForcefield); err != nil {
		result = multierror.Append(result, err)
	} else if out.Forcefield, err = c.Forcefields.Lookup(name); err != nil {
		result = multierror.Append(result, err)
	}

	systemName := DefaultSystem
	if sp.Has(FieldSystem) {
		name, err := sp.StringValue(FieldSystem)
		if err != nil {
			result = multierror.Append(result, err)
		}
		systemName = name
	}
	if systemName != "" {
		var err error
		if out.System, err = c.Systems.Lookup(systemName); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if result.ErrorOrNil() != nil {
		if len(result.Errors) == 1 {
			return Components{}, result.Errors[0]
		}
		return Components{}, &core.SchemaError{Msg: result.Error(), Cause: result}
	}
	return out, nil
}

// Check validates the component names of sp without returning them.
func (c *Catalog) Check(sp core.Statepoint) error {
	_, err := c.Resolve(sp)
	return err
}

func placeRandom(n int, box float64, rng *rand.Rand) [][3]float64 {
	pos := make([][3]float64, n)
	for i := range pos {
		for d := 0; d < 3; d++ {
			pos[i][d] = (rng.Float64() - 0.5) * box
		}
	}
	return pos
}

func placeLattice(n int, box float64, _ *rand.Rand) [][3]float64 {
	side := int(math.Ceil(math.Cbrt(float64(n))))
	if side == 0 {
		return nil
	}
	spacing := box / float64(side)
	pos := make([][3]float64, 0, n)
	for i := 0; i < side && len(pos) < n; i++ {
		for j := 0; j < side && len(pos) < n; j++ {
			for k := 0; k < side && len(pos) < n; k++ {
				pos = append(pos, [3]float64{
					(float64(i)+0.5)*spacing - box/2,
					(float64(j)+0.5)*spacing - box/2,
					(float64(k)+0.5)*spacing - box/2,
				})
			}
		}
	}
	return pos
}
