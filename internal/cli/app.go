package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"polyflow/internal/config"
	"polyflow/internal/engine"
	"polyflow/internal/lease"
	"polyflow/internal/logging"
	"polyflow/internal/metrics"
	"polyflow/internal/project"
	"polyflow/internal/trace"
)

// app holds what every subcommand shares once flags and config are loaded.
type app struct {
	stdout io.Writer
	stderr io.Writer

	cfg      *config.Config
	log      logging.Logger
	registry *prometheus.Registry
	metrics  metrics.Collector

	nc      *nats.Conn
	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.log != nil {
			a.log.Debug("close", "error", err)
		}
	}
	a.closers = nil
}

// locker returns the configured lease backend.
func (a *app) locker(ctx context.Context, workspaceRoot string) (lease.Locker, error) {
	switch a.cfg.Lease.Backend {
	case config.LeaseNATS:
		if a.nc == nil {
			nc, err := nats.Connect(a.cfg.Lease.NATSURL, nats.Name("polyflow"))
			if err != nil {
				return nil, fmt.Errorf("connect nats: %w", err)
			}
			a.nc = nc
			a.closers = append(a.closers, func() error { nc.Close(); return nil })
		}
		js, err := jetstream.New(a.nc)
		if err != nil {
			return nil, fmt.Errorf("jetstream: %w", err)
		}
		return lease.NewKVLocker(ctx, js, a.cfg.Lease.Bucket, a.cfg.Lease.TTL, a.log)
	default:
		return lease.NewFileLocker(workspaceRoot), nil
	}
}

// openProject opens the configured project. sink may be nil.
func (a *app) openProject(ctx context.Context, sink trace.Sink) (*project.Project, error) {
	opts := project.Options{
		Metrics:     a.metrics,
		Logger:      a.log,
		Concurrency: a.cfg.Concurrency,
		Engine:      engine.Options{Sink: sink},
	}
	// The engine defaults to file leases under the project's workspace root.
	if a.cfg.Lease.Backend != config.LeaseFile {
		locker, err := a.locker(ctx, "")
		if err != nil {
			return nil, err
		}
		opts.Engine.Locker = locker
	}
	return project.Open(a.cfg.Root, opts)
}
