// Package workspace is the job identity and state store.
//
// Layout under the project root:
//
//	<root>/statepoints.json             sweep manifest
//	<root>/workspace/<jobid>/
//	    statepoint.json                 canonical statepoint, immutable
//	    document.json                   job document
//	    failure.json                    last failure record, if any
//	    runs/<run-id>.json              one record per engine invocation
//	    ...                             engine artifacts
//
// All writes are atomic and durable. Document writes for one job are
// serialized in-process by a per-job mutex; across processes the run lease
// guarantees a single writer.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"polyflow/internal/core"
	"polyflow/internal/fsutil"
	"polyflow/internal/logging"
)

const (
	workspaceDirName = "workspace"
	manifestFileName = "statepoints.json"

	statepointFileName = "statepoint.json"
	documentFileName   = "document.json"
	failureFileName    = "failure.json"
	runsDirName        = "runs"
)

// Workspace is the per-job namespace for the document and artifacts.
type Workspace struct {
	ID  core.JobID
	Dir string
}

// Path returns the absolute path of a named artifact inside the workspace.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// Exists reports whether the named artifact is present.
func (w *Workspace) Exists(name string) (bool, error) {
	return fsutil.Exists(w.Path(name))
}

// Store persists workspaces under a project root.
type Store struct {
	root  string
	log   logging.Logger
	locks *xsync.Map[core.JobID, *sync.Mutex]
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Store) { s.log = logging.OrNop(l) }
}

func NewStore(root string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("project root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	s := &Store{
		root:  abs,
		log:   logging.NewNop(),
		locks: xsync.NewMap[core.JobID, *sync.Mutex](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root is the project root directory.
func (s *Store) Root() string { return s.root }

// WorkspaceRoot is the directory that holds one subdirectory per job.
func (s *Store) WorkspaceRoot() string {
	return filepath.Join(s.root, workspaceDirName)
}

func (s *Store) jobDir(id core.JobID) string {
	return filepath.Join(s.WorkspaceRoot(), string(id))
}

func (s *Store) lockFor(id core.JobID) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return mu
}

// IdentifierOf returns the job identifier of sp. It touches no state.
func (s *Store) IdentifierOf(sp core.Statepoint) (core.JobID, error) {
	return core.ComputeJobID(sp)
}

// Initialize creates the workspace for sp if it does not exist yet and gives
// it the default document. An existing document is never modified.
//
// created reports whether this call wrote the document.
func (s *Store) Initialize(sp core.Statepoint) (core.JobID, bool, error) {
	canonical, err := sp.Canonical()
	if err != nil {
		return "", false, err
	}
	id, err := core.ComputeJobID(sp)
	if err != nil {
		return "", false, err
	}

	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	dir := s.jobDir(id)
	if err := fsutil.EnsureDirDurable(dir, 0o755); err != nil {
		return "", false, fmt.Errorf("ensure workspace %s: %w", id, err)
	}

	spPath := filepath.Join(dir, statepointFileName)
	wrote, err := fsutil.WriteFileExclusive(spPath, append(canonical, '\n'), 0o444)
	if err != nil {
		return "", false, fmt.Errorf("write statepoint %s: %w", id, err)
	}
	if !wrote {
		existing, err := s.readStatepoint(id)
		if err != nil {
			return "", false, err
		}
		if !existing.Equal(sp) {
			return "", false, fmt.Errorf("workspace %s holds a different statepoint", id)
		}
	}

	docData, err := fsutil.MarshalStable(core.DefaultDocument())
	if err != nil {
		return "", false, fmt.Errorf("marshal document: %w", err)
	}
	created, err := fsutil.WriteFileExclusive(filepath.Join(dir, documentFileName), docData, 0o644)
	if err != nil {
		return "", false, fmt.Errorf("write document %s: %w", id, err)
	}
	if created {
		s.log.Debug("workspace initialized", "job", id.Short())
	}
	return id, created, nil
}

// Open returns the workspace for id, or *core.NotFoundError.
func (s *Store) Open(id core.JobID) (*Workspace, error) {
	if _, err := core.ParseJobID(string(id)); err != nil {
		return nil, &core.NotFoundError{ID: id}
	}
	dir := s.jobDir(id)
	ok, err := fsutil.Exists(filepath.Join(dir, statepointFileName))
	if err != nil {
		return nil, fmt.Errorf("open workspace %s: %w", id, err)
	}
	if !ok {
		return nil, &core.NotFoundError{ID: id}
	}
	return &Workspace{ID: id, Dir: dir}, nil
}

// Statepoint returns the statepoint stored in the job's workspace.
func (s *Store) Statepoint(id core.JobID) (core.Statepoint, error) {
	if _, err := s.Open(id); err != nil {
		return nil, err
	}
	return s.readStatepoint(id)
}

func (s *Store) readStatepoint(id core.JobID) (core.Statepoint, error) {
	var sp core.Statepoint
	if err := fsutil.ReadJSONStrict(filepath.Join(s.jobDir(id), statepointFileName), &sp); err != nil {
		return nil, fmt.Errorf("read statepoint %s: %w", id, err)
	}
	return sp, nil
}

// Read returns the job document. A workspace whose document was never
// written reads as the default document.
func (s *Store) Read(id core.JobID) (core.Document, error) {
	if _, err := s.Open(id); err != nil {
		return core.Document{}, err
	}
	return s.readDocument(id)
}

func (s *Store) readDocument(id core.JobID) (core.Document, error) {
	var doc core.Document
	err := fsutil.ReadJSONStrict(filepath.Join(s.jobDir(id), documentFileName), &doc)
	if errors.Is(err, fs.ErrNotExist) {
		return core.DefaultDocument(), nil
	}
	if err != nil {
		return core.Document{}, fmt.Errorf("read document %s: %w", id, err)
	}
	if err := doc.Validate(); err != nil {
		return core.Document{}, fmt.Errorf("invalid document on disk for %s: %w", id, err)
	}
	return doc, nil
}

// Write applies u to the job document and persists the result atomically.
// It returns the document as written.
func (s *Store) Write(id core.JobID, u core.DocumentUpdate) (core.Document, error) {
	if _, err := s.Open(id); err != nil {
		return core.Document{}, err
	}

	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	cur, err := s.readDocument(id)
	if err != nil {
		return core.Document{}, err
	}
	next, err := cur.Apply(u)
	if err != nil {
		return core.Document{}, fmt.Errorf("update document %s: %w", id, err)
	}
	if err := next.Validate(); err != nil {
		return core.Document{}, fmt.Errorf("update document %s: %w", id, err)
	}
	if err := fsutil.WriteJSONAtomic(filepath.Join(s.jobDir(id), documentFileName), next); err != nil {
		return core.Document{}, fmt.Errorf("write document %s: %w", id, err)
	}
	return next, nil
}

// ListIDs returns every job identifier with a workspace.
//
// Determinism: the returned slice is sorted lexicographically.
func (s *Store) ListIDs() ([]core.JobID, error) {
	entries, err := os.ReadDir(s.WorkspaceRoot())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]core.JobID, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := core.ParseJobID(e.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
