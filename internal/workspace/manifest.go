package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"polyflow/internal/core"
	"polyflow/internal/fsutil"
)

// Manifest is the persisted record of every statepoint in the sweep. It is
// derived data; the per-job documents are authoritative.
type Manifest struct {
	// Order lists job identifiers in generation order.
	Order       []core.JobID                    `json:"order"`
	Statepoints map[core.JobID]core.Statepoint `json:"statepoints"`
}

// ManifestPath is where WriteManifest persists the sweep.
func (s *Store) ManifestPath() string {
	return filepath.Join(s.root, manifestFileName)
}

// WriteManifest records points in the sweep manifest. Entries already present
// are kept, so the manifest only ever grows.
func (s *Store) WriteManifest(points []core.Statepoint) (Manifest, error) {
	m, err := s.ReadManifest()
	if err != nil {
		return Manifest{}, err
	}
	for _, sp := range points {
		id, err := core.ComputeJobID(sp)
		if err != nil {
			return Manifest{}, err
		}
		if _, ok := m.Statepoints[id]; ok {
			continue
		}
		norm, err := sp.Normalize()
		if err != nil {
			return Manifest{}, err
		}
		m.Order = append(m.Order, id)
		m.Statepoints[id] = norm
	}
	if err := fsutil.WriteJSONAtomic(s.ManifestPath(), m); err != nil {
		return Manifest{}, fmt.Errorf("write manifest: %w", err)
	}
	return m, nil
}

// ReadManifest loads the sweep manifest. A missing manifest reads as empty.
func (s *Store) ReadManifest() (Manifest, error) {
	m := Manifest{Statepoints: map[core.JobID]core.Statepoint{}}
	err := fsutil.ReadJSONStrict(s.ManifestPath(), &m)
	if errors.Is(err, fs.ErrNotExist) {
		return Manifest{Statepoints: map[core.JobID]core.Statepoint{}}, nil
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	if m.Statepoints == nil {
		m.Statepoints = map[core.JobID]core.Statepoint{}
	}
	if len(m.Order) != len(m.Statepoints) {
		return Manifest{}, fmt.Errorf("read manifest: %d ids in order, %d statepoints", len(m.Order), len(m.Statepoints))
	}
	return m, nil
}
