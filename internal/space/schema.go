// Package space expands a declared parameter grid into the full set of
// statepoints.
package space

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"polyflow/internal/core"
)

// Parameter is one named axis of the sweep with its candidate values in
// declaration order.
type Parameter struct {
	Name   string
	Values []any
}

// Schema is an ordered list of parameters. Order is significant: it fixes the
// enumeration order of Expand.
type Schema struct {
	Parameters []Parameter
}

// Names returns the parameter names in declaration order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Parameters))
	for i, p := range s.Parameters {
		names[i] = p.Name
	}
	return names
}

// Size is the number of statepoints Expand will produce.
func (s Schema) Size() int {
	if len(s.Parameters) == 0 {
		return 0
	}
	n := 1
	for _, p := range s.Parameters {
		n *= len(p.Values)
	}
	return n
}

// Set appends a parameter, or replaces the values of an existing one in place.
func (s *Schema) Set(name string, values ...any) {
	for i := range s.Parameters {
		if s.Parameters[i].Name == name {
			s.Parameters[i].Values = values
			return
		}
	}
	s.Parameters = append(s.Parameters, Parameter{Name: name, Values: values})
}

// Validate reports every structural problem at once as a *core.SchemaError.
//
// An empty value list is valid: it yields an empty sweep.
func (s Schema) Validate() error {
	var result *multierror.Error
	if len(s.Parameters) == 0 {
		result = multierror.Append(result, core.Schemaf("", "schema declares no parameters"))
	}
	seen := make(map[string]struct{}, len(s.Parameters))
	for i, p := range s.Parameters {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			result = multierror.Append(result, core.Schemaf(fmt.Sprintf("parameters[%d]", i), "name is required"))
			continue
		}
		if name != p.Name {
			result = multierror.Append(result, core.Schemaf(p.Name, "name must not have surrounding whitespace"))
		}
		if _, dup := seen[p.Name]; dup {
			result = multierror.Append(result, core.Schemaf(p.Name, "duplicate parameter"))
		}
		seen[p.Name] = struct{}{}
		for j, v := range p.Values {
			if err := (core.Statepoint{p.Name: v}).Validate(); err != nil {
				result = multierror.Append(result, core.Schemaf(fmt.Sprintf("%s[%d]", p.Name, j), "%v", err))
			}
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return &core.SchemaError{Msg: err.Error(), Cause: err}
	}
	return nil
}

// LoadSchema reads a YAML mapping of parameter name to value list. Mapping
// order is preserved. A scalar value is shorthand for a one-element list.
func LoadSchema(r io.Reader) (Schema, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return Schema{}, core.Schemaf("", "empty schema document")
		}
		return Schema{}, &core.SchemaError{Msg: "invalid YAML", Cause: err}
	}
	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) == 1 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return Schema{}, core.Schemaf("", "schema must be a mapping of parameter name to values (line %d)", root.Line)
	}

	var s Schema
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		if key.Kind != yaml.ScalarNode {
			return Schema{}, core.Schemaf("", "parameter name must be a scalar (line %d)", key.Line)
		}
		var values []any
		if val.Kind == yaml.SequenceNode {
			values = make([]any, 0, len(val.Content))
			for _, item := range val.Content {
				var v any
				if err := item.Decode(&v); err != nil {
					return Schema{}, &core.SchemaError{Field: key.Value, Msg: fmt.Sprintf("line %d", item.Line), Cause: err}
				}
				values = append(values, v)
			}
		} else {
			var v any
			if err := val.Decode(&v); err != nil {
				return Schema{}, &core.SchemaError{Field: key.Value, Msg: fmt.Sprintf("line %d", val.Line), Cause: err}
			}
			values = []any{v}
		}
		s.Parameters = append(s.Parameters, Parameter{Name: key.Value, Values: values})
	}
	if err := s.Validate(); err != nil {
		return Schema{}, err
	}
	return s, nil
}

// LoadSchemaFile is LoadSchema over a file.
func LoadSchemaFile(path string) (Schema, error) {
	f, err := os.Open(path)
	if err != nil {
		return Schema{}, fmt.Errorf("open schema: %w", err)
	}
	defer f.Close()
	return LoadSchema(f)
}

// DefaultSchema is the reference single-point sweep: one PPS system under the
// OPLS-AA forcefield, shrunk and then sampled at kT 6.5.
func DefaultSchema() Schema {
	var s Schema
	// System generation.
	s.Set("molecule", "PPS")
	s.Set("density", 1.1)
	s.Set("n_compounds", 40)
	s.Set("system", "Pack")
	s.Set("system_kwargs", nil)
	s.Set("forcefield", "PPS_OPLS_AA")
	s.Set("remove_hydrogens", true)
	s.Set("remove_charges", false)
	// Simulation.
	s.Set("tau_kt", 0.1)
	s.Set("tau_P", nil)
	s.Set("dt", 0.0003)
	s.Set("r_cut", 2.5)
	s.Set("sim_seed", 42)
	s.Set("shrink_steps", 1e6)
	s.Set("shrink_period", 100)
	s.Set("shrink_kT", 6.5)
	s.Set("pressure", nil)
	s.Set("kT", 6.5)
	s.Set("n_steps", 1e7)
	s.Set("log_write_freq", 1e4)
	return s
}
