package registry

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polyflow/internal/core"
)

func TestRegistry_LookupAndUnknownName(t *testing.T) {
	r := New[int]("widget").Register("a", 1).Register("b", 2)

	v, err := r.Lookup("b")
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = r.Lookup("c")
	var se *core.SchemaError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "widget", se.Field)
	assert.Contains(t, se.Msg, "a, b")

	assert.Panics(t, func() { r.Register("a", 3) })
}

func TestCatalogResolve(t *testing.T) {
	c := DefaultCatalog()

	comp, err := c.Resolve(core.Statepoint{"molecule": "PPS", "forcefield": "PPS_OPLS_AA"})
	require.NoError(t, err)
	assert.Equal(t, "PPS", comp.Molecule.Name)
	assert.Equal(t, DefaultSystem, comp.System.Name)

	comp, err = c.Resolve(core.Statepoint{"molecule": "PEEK", "forcefield": "GAFF", "system": "Lattice"})
	require.NoError(t, err)
	assert.Equal(t, "Lattice", comp.System.Name)
	assert.Less(t, comp.Molecule.BeadMass(true), comp.Molecule.BeadMass(false))
}

func TestCatalogResolve_ReportsEveryUnknownName(t *testing.T) {
	err := DefaultCatalog().Check(core.Statepoint{"molecule": "NYLON", "forcefield": "UFF", "system": 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrSchema)
	assert.Contains(t, err.Error(), "NYLON")
	assert.Contains(t, err.Error(), "UFF")
	assert.Contains(t, err.Error(), "system")

	err = DefaultCatalog().Check(core.Statepoint{"forcefield": "GAFF"})
	var se *core.SchemaError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, FieldMolecule, se.Field)
}

func TestPlacers(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for _, name := range []string{"Pack", "Lattice"} {
		sys, err := DefaultCatalog().Systems.Lookup(name)
		require.NoError(t, err)
		pos := sys.Place(27, 6, rng)
		require.Len(t, pos, 27, name)
		for _, p := range pos {
			for d := 0; d < 3; d++ {
				assert.LessOrEqual(t, p[d], 3.0)
				assert.GreaterOrEqual(t, p[d], -3.0)
			}
		}
	}
}
