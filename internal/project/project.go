// Package project ties the workspace store, the run engine and the reference
// simulation together behind the operations the CLI and the worker expose.
package project

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"polyflow/internal/core"
	"polyflow/internal/engine"
	"polyflow/internal/labels"
	"polyflow/internal/logging"
	"polyflow/internal/metrics"
	"polyflow/internal/registry"
	"polyflow/internal/sim"
	"polyflow/internal/space"
	"polyflow/internal/workspace"
)

// DefaultConcurrency bounds parallel workspace initialization.
const DefaultConcurrency = 8

type Options struct {
	Catalog *registry.Catalog
	// Procedure defaults to the reference simulation.
	Procedure engine.Procedure
	// Check validates each statepoint before any workspace is written. It
	// defaults to the reference simulation's parameter and component checks
	// when Procedure is nil, and to no check otherwise.
	Check func(core.Statepoint) error
	// Engine options; Metrics and Logger below are filled in when unset.
	Engine      engine.Options
	Metrics     metrics.Collector
	Logger      logging.Logger
	Concurrency int
}

type Project struct {
	store       *workspace.Store
	engine      *engine.Engine
	check       func(core.Statepoint) error
	metrics     metrics.Collector
	log         logging.Logger
	concurrency int
}

// Open returns the project rooted at root, creating nothing until Init.
func Open(root string, opts Options) (*Project, error) {
	log := logging.OrNop(opts.Logger)
	m := metrics.OrNop(opts.Metrics)

	store, err := workspace.NewStore(root, workspace.WithLogger(log))
	if err != nil {
		return nil, err
	}

	catalog := opts.Catalog
	if catalog == nil {
		catalog = registry.DefaultCatalog()
	}
	proc, check := opts.Procedure, opts.Check
	if proc == nil {
		proc = sim.New(catalog, log)
		if check == nil {
			check = func(sp core.Statepoint) error {
				if err := catalog.Check(sp); err != nil {
					return err
				}
				_, err := sim.ParamsFromStatepoint(sp)
				return err
			}
		}
	}

	eopts := opts.Engine
	if eopts.Metrics == nil {
		eopts.Metrics = m
	}
	if eopts.Logger == nil {
		eopts.Logger = log
	}
	eng, err := engine.New(store, proc, engine.DefaultConfig(), eopts)
	if err != nil {
		return nil, err
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Project{
		store:       store,
		engine:      eng,
		check:       check,
		metrics:     m,
		log:         log,
		concurrency: concurrency,
	}, nil
}

func (p *Project) Store() *workspace.Store { return p.store }

// IDs lists every initialized job, sorted.
func (p *Project) IDs() ([]core.JobID, error) { return p.store.ListIDs() }

// InitResult summarizes an Init call.
type InitResult struct {
	// IDs are in generation order.
	IDs      []core.JobID
	Created  int
	Existing int
}

// Init validates schema, expands it and initializes one workspace per
// statepoint. Validation happens before anything is written: a
// *core.SchemaError leaves the project untouched. Init is idempotent.
func (p *Project) Init(ctx context.Context, schema space.Schema) (InitResult, error) {
	if err := schema.Validate(); err != nil {
		return InitResult{}, err
	}
	_, points := space.Expand(schema)
	if err := p.checkAll(points); err != nil {
		return InitResult{}, err
	}

	ids := make([]core.JobID, len(points))
	var created atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, sp := range points {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			id, wrote, err := p.store.Initialize(sp)
			if err != nil {
				return err
			}
			ids[i] = id
			if wrote {
				created.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return InitResult{}, err
	}

	if _, err := p.store.WriteManifest(points); err != nil {
		return InitResult{}, err
	}

	res := InitResult{IDs: ids, Created: int(created.Load())}
	res.Existing = len(ids) - res.Created
	p.metrics.RecordInitialized(res.Created, res.Existing)
	p.log.Info("project initialized", "jobs", len(ids), "created", res.Created, "existing", res.Existing)
	return res, nil
}

// checkAll reports each distinct problem once, however many statepoints
// share it.
func (p *Project) checkAll(points []core.Statepoint) error {
	if p.check == nil {
		return nil
	}
	var (
		result *multierror.Error
		seen   = map[string]struct{}{}
	)
	for _, sp := range points {
		err := p.check(sp)
		if err == nil {
			continue
		}
		if _, dup := seen[err.Error()]; dup {
			continue
		}
		seen[err.Error()] = struct{}{}
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		if len(result.Errors) == 1 {
			return result.Errors[0]
		}
		return &core.SchemaError{Msg: err.Error(), Cause: err}
	}
	return nil
}

// Run executes one job. See engine.Engine.Run.
func (p *Project) Run(ctx context.Context, id core.JobID) (engine.Outcome, error) {
	return p.engine.Run(ctx, id)
}

// ResolveID accepts a full identifier or an unambiguous prefix of one.
func (p *Project) ResolveID(s string) (core.JobID, error) {
	s = strings.TrimSpace(s)
	if id, err := core.ParseJobID(s); err == nil {
		if _, err := p.store.Open(id); err != nil {
			return "", err
		}
		return id, nil
	}
	if s == "" {
		return "", &core.NotFoundError{ID: core.JobID(s)}
	}
	ids, err := p.store.ListIDs()
	if err != nil {
		return "", err
	}
	var matches []core.JobID
	for _, id := range ids {
		if strings.HasPrefix(string(id), s) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return "", &core.NotFoundError{ID: core.JobID(s)}
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("job prefix %q is ambiguous (%d matches)", s, len(matches))
	}
}

// JobInfo is everything known about one job.
type JobInfo struct {
	ID         core.JobID         `json:"id"`
	Statepoint core.Statepoint    `json:"statepoint"`
	Document   core.Document      `json:"document"`
	Failure    *workspace.Failure `json:"failure,omitempty"`
	Runs       []workspace.Run    `json:"runs"`
}

// Show returns the statepoint, document, run history and last failure of id.
func (p *Project) Show(id core.JobID) (JobInfo, error) {
	sp, err := p.store.Statepoint(id)
	if err != nil {
		return JobInfo{}, err
	}
	doc, err := p.store.Read(id)
	if err != nil {
		return JobInfo{}, err
	}
	runs, err := p.store.ListRuns(id)
	if err != nil {
		return JobInfo{}, err
	}
	info := JobInfo{ID: id, Statepoint: sp, Document: doc, Runs: runs}
	f, ok, err := p.store.LoadFailure(id)
	if err != nil {
		return JobInfo{}, err
	}
	if ok {
		info.Failure = &f
	}
	return info, nil
}

// Status classifies every job with ls, or labels.Standard when ls is empty.
func (p *Project) Status(ls []labels.Label) (labels.Report, error) {
	if len(ls) == 0 {
		ls = labels.Standard()
	}
	ids, err := p.store.ListIDs()
	if err != nil {
		return labels.Report{}, err
	}
	docs := make([]core.Document, 0, len(ids))
	for _, id := range ids {
		doc, err := p.store.Read(id)
		if err != nil {
			return labels.Report{}, err
		}
		docs = append(docs, doc)
	}
	return labels.Classify(ls, docs), nil
}

// Pending lists jobs whose document is not done, sorted.
func (p *Project) Pending() ([]core.JobID, error) {
	ids, err := p.store.ListIDs()
	if err != nil {
		return nil, err
	}
	var out []core.JobID
	for _, id := range ids {
		doc, err := p.store.Read(id)
		if err != nil {
			return nil, err
		}
		if !doc.Done {
			out = append(out, id)
		}
	}
	return out, nil
}

// SweepResult groups jobs by how their run ended.
type SweepResult struct {
	Completed   []core.JobID
	Interrupted []core.JobID
	// Conflicts were leased by another run and skipped.
	Conflicts []core.JobID
	// Rejected had statepoints the procedure could not build.
	Rejected []core.JobID
}

func (r *SweepResult) sort() {
	for _, s := range [][]core.JobID{r.Completed, r.Interrupted, r.Conflicts, r.Rejected} {
		sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	}
}

// RunAllOptions selects jobs for RunAll.
type RunAllOptions struct {
	// IDs defaults to every pending job.
	IDs []core.JobID
	// Parallel is the number of jobs run at once; values below 1 mean 1.
	Parallel int
}

// RunAll runs jobs until every selected one was attempted. Stage failures,
// lease conflicts and unbuildable statepoints are recorded and skipped. The
// first storage error stops new jobs from being launched and is returned with
// the partial result; jobs already running finish undisturbed. Cancelling ctx
// interrupts running jobs and stops the sweep.
func (p *Project) RunAll(ctx context.Context, opts RunAllOptions) (SweepResult, error) {
	ids := opts.IDs
	if ids == nil {
		var err error
		if ids, err = p.Pending(); err != nil {
			return SweepResult{}, err
		}
	}

	var (
		res  SweepResult
		mu   sync.Mutex
		g    errgroup.Group
		stop atomic.Bool
	)
	g.SetLimit(max(1, opts.Parallel))
	for _, id := range ids {
		if ctx.Err() != nil || stop.Load() {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil || stop.Load() {
				return nil
			}
			out, err := p.engine.Run(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && out.Failure != nil:
				res.Interrupted = append(res.Interrupted, id)
			case err == nil:
				res.Completed = append(res.Completed, id)
			case errors.Is(err, core.ErrConcurrentRun):
				res.Conflicts = append(res.Conflicts, id)
			case errors.Is(err, core.ErrSchema):
				p.log.Warn("job rejected", "job", id.Short(), "error", err)
				res.Rejected = append(res.Rejected, id)
			default:
				stop.Store(true)
				return fmt.Errorf("run %s: %w", id.Short(), err)
			}
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	res.sort()
	p.log.Info("sweep finished",
		"completed", len(res.Completed), "interrupted", len(res.Interrupted),
		"conflicts", len(res.Conflicts), "rejected", len(res.Rejected))
	return res, err
}
