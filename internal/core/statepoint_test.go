package core

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatepointCanonical_SortsKeysAndNormalizesNumbers(t *testing.T) {
	sp := Statepoint{
		"b":      2.0,
		"a":      "x",
		"nested": map[string]any{"z": 1.5, "y": []any{1e3, nil, true}},
	}
	got, err := sp.Canonical()
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":2,"nested":{"y":[1000,null,true],"z":1.5}}`, string(got))
}

func TestStatepointEqual(t *testing.T) {
	a := Statepoint{"x": 1, "y": "PPS"}
	b := Statepoint{"y": "PPS", "x": 1.0}
	c := Statepoint{"y": "PPS", "x": 2}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestStatepointValidate_RejectsNonJSONValues(t *testing.T) {
	cases := map[string]any{
		"channel": make(chan int),
		"func":    func() {},
		"pointer": new(int),
		"intmap":  map[int]string{1: "a"},
	}
	for name, v := range cases {
		t.Run(name, func(t *testing.T) {
			err := Statepoint{"v": v}.Validate()
			require.Error(t, err)

			var se *SchemaError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, "v", se.Field)
		})
	}
}

func TestStatepointValidate_RejectsInvalidUTF8(t *testing.T) {
	cases := map[string]Statepoint{
		"value":       {"molecule": "PP\xffS"},
		"key":         {"mol\xfeecule": "PPS"},
		"nested":      {"v": []any{map[string]any{"a": "\xc3\x28"}}},
		"nested key":  {"v": map[string]any{"\xff": 1}},
		"typed map":   {"v": map[string]string{"a\xff": "b"}},
		"typed slice": {"v": []string{"ok", "\xed\xa0\x80"}},
	}
	for name, sp := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ComputeJobID(sp)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrSchema)
			assert.Contains(t, err.Error(), "UTF-8")
		})
	}

	_, err := ComputeJobID(Statepoint{"molecule": "Polyéthylène ☃"})
	assert.NoError(t, err)
}

func TestStatepointAccessors(t *testing.T) {
	var sp Statepoint
	require.NoError(t, json.Unmarshal([]byte(`{"molecule":"PPS","n_steps":1e7,"dt":0.0003,"remove_hydrogens":true,"tau_P":null}`), &sp))

	s, err := sp.StringValue("molecule")
	require.NoError(t, err)
	assert.Equal(t, "PPS", s)

	n, err := sp.IntValue("n_steps")
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), n)

	f, err := sp.FloatValue("dt")
	require.NoError(t, err)
	assert.InDelta(t, 0.0003, f, 1e-12)

	b, err := sp.BoolValue("remove_hydrogens")
	require.NoError(t, err)
	assert.True(t, b)

	_, ok, err := sp.OptionalFloat("tau_P")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = sp.IntValue("dt")
	assert.ErrorIs(t, err, ErrSchema)
	_, err = sp.StringValue("missing")
	assert.ErrorIs(t, err, ErrSchema)
}
