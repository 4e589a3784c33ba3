package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"polyflow/internal/core"
	"polyflow/internal/fsutil"
)

// LockFileName is the marker created inside a job workspace while leased.
const LockFileName = ".lock"

// FileLocker leases a job by creating a marker file in its workspace. It is
// exclusive for every process sharing the filesystem.
type FileLocker struct {
	root string
}

var _ Locker = (*FileLocker)(nil)

// NewFileLocker leases jobs whose workspaces live directly under root.
func NewFileLocker(root string) *FileLocker {
	return &FileLocker{root: root}
}

func (l *FileLocker) path(id core.JobID) string {
	return filepath.Join(l.root, string(id), LockFileName)
}

func (l *FileLocker) Acquire(ctx context.Context, id core.JobID, holder string) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(l.root, string(id))); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &core.NotFoundError{ID: id}
		}
		return nil, err
	}

	owner := newOwner(holder)
	data, err := fsutil.MarshalStable(owner)
	if err != nil {
		return nil, err
	}
	path := l.path(id)
	created, err := fsutil.WriteFileExclusive(path, data, 0o644)
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", id, err)
	}
	if !created {
		conflict := &core.ConcurrentRunError{ID: id}
		if cur, err := readOwner(path); err == nil {
			conflict.Holder = cur.String()
		}
		return nil, conflict
	}
	return &fileLease{path: path, owner: owner}, nil
}

func (l *FileLocker) Break(_ context.Context, id core.JobID) error {
	return fsutil.RemoveDurable(l.path(id))
}

func readOwner(path string) (Owner, error) {
	var o Owner
	data, err := os.ReadFile(path)
	if err != nil {
		return Owner{}, err
	}
	if err := json.Unmarshal(data, &o); err != nil {
		return Owner{}, err
	}
	return o, nil
}

type fileLease struct {
	path  string
	owner Owner

	once sync.Once
	err  error
}

func (f *fileLease) Holder() string { return f.owner.Holder }

// Lost never fires: a marker file is only removed by its owner or by an
// explicit Break.
func (f *fileLease) Lost() <-chan struct{} { return nil }

func (f *fileLease) Release(context.Context) error {
	f.once.Do(func() {
		cur, err := readOwner(f.path)
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		// Only remove the marker if it is still ours; it may have been
		// broken and re-acquired by someone else.
		if err == nil && (cur.Holder != f.owner.Holder || !cur.AcquiredAt.Equal(f.owner.AcquiredAt)) {
			return
		}
		f.err = fsutil.RemoveDurable(f.path)
	})
	return f.err
}
