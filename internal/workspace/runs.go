package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"polyflow/internal/core"
	"polyflow/internal/fsutil"
)

func (s *Store) runsDir(id core.JobID) string {
	return filepath.Join(s.jobDir(id), runsDirName)
}

func (s *Store) runPath(id core.JobID, runID string) string {
	return filepath.Join(s.runsDir(id), runID+".json")
}

func (s *Store) failurePath(id core.JobID) string {
	return filepath.Join(s.jobDir(id), failureFileName)
}

func (s *Store) SaveRun(run Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	if _, err := s.Open(run.JobID); err != nil {
		return err
	}
	if err := fsutil.EnsureDirDurable(s.runsDir(run.JobID), 0o755); err != nil {
		return fmt.Errorf("ensure runs dir: %w", err)
	}
	if err := fsutil.WriteJSONAtomic(s.runPath(run.JobID, run.RunID), run); err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

func (s *Store) LoadRun(id core.JobID, runID string) (Run, error) {
	var run Run
	if strings.TrimSpace(runID) == "" {
		return Run{}, errors.New("runID is required")
	}
	if _, err := s.Open(id); err != nil {
		return Run{}, err
	}
	if err := fsutil.ReadJSONStrict(s.runPath(id, runID), &run); err != nil {
		return Run{}, err
	}
	if err := run.Validate(); err != nil {
		return Run{}, fmt.Errorf("invalid run on disk: %w", err)
	}
	return run, nil
}

// ListRuns returns the job's run records ordered by start time.
func (s *Store) ListRuns(id core.JobID) ([]Run, error) {
	if _, err := s.Open(id); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.runsDir(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	runs := make([]Run, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		run, err := s.LoadRun(id, strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].StartTime.Equal(runs[j].StartTime) {
			return runs[i].RunID < runs[j].RunID
		}
		return runs[i].StartTime.Before(runs[j].StartTime)
	})
	return runs, nil
}

func (s *Store) SaveFailure(id core.JobID, failure Failure) error {
	if err := failure.Validate(); err != nil {
		return fmt.Errorf("invalid failure: %w", err)
	}
	if _, err := s.Open(id); err != nil {
		return err
	}
	if err := fsutil.WriteJSONAtomic(s.failurePath(id), failure); err != nil {
		return fmt.Errorf("write failure: %w", err)
	}
	return nil
}

// LoadFailure returns the last recorded failure. ok is false when none is
// recorded.
func (s *Store) LoadFailure(id core.JobID) (f Failure, ok bool, err error) {
	if _, err := s.Open(id); err != nil {
		return Failure{}, false, err
	}
	err = fsutil.ReadJSONStrict(s.failurePath(id), &f)
	if errors.Is(err, fs.ErrNotExist) {
		return Failure{}, false, nil
	}
	if err != nil {
		return Failure{}, false, err
	}
	if err := f.Validate(); err != nil {
		return Failure{}, false, fmt.Errorf("invalid failure on disk: %w", err)
	}
	return f, true, nil
}

// ClearFailure removes the failure record, if any.
func (s *Store) ClearFailure(id core.JobID) error {
	if _, err := s.Open(id); err != nil {
		return err
	}
	return fsutil.RemoveDurable(s.failurePath(id))
}
