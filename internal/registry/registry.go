// Package registry resolves the component names a statepoint declares
// (molecule, forcefield, system) against closed sets of known entries.
//
// Unknown names are a *core.SchemaError raised at build time, never a lookup
// failure halfway through a run.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"polyflow/internal/core"
)

// Registry maps a closed set of names to entries of one kind.
type Registry[T any] struct {
	field   string
	entries map[string]T
}

// New returns an empty registry whose lookups report errors against field.
func New[T any](field string) *Registry[T] {
	return &Registry[T]{field: field, entries: make(map[string]T)}
}

// Register adds an entry. Registering a name twice is a programming error.
func (r *Registry[T]) Register(name string, v T) *Registry[T] {
	if strings.TrimSpace(name) == "" {
		panic("registry: empty name")
	}
	if _, dup := r.entries[name]; dup {
		panic(fmt.Sprintf("registry: duplicate %s %q", r.field, name))
	}
	r.entries[name] = v
	return r
}

// Lookup returns the entry registered under name.
func (r *Registry[T]) Lookup(name string) (T, error) {
	v, ok := r.entries[name]
	if !ok {
		var zero T
		return zero, core.Schemaf(r.field, "unknown %s %q (known: %s)", r.field, name, strings.Join(r.Names(), ", "))
	}
	return v, nil
}

// Names returns the registered names, sorted.
func (r *Registry[T]) Names() []string {
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Field is the statepoint parameter this registry resolves.
func (r *Registry[T]) Field() string { return r.field }
