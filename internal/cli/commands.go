package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"polyflow/internal/core"
	"polyflow/internal/engine"
	"polyflow/internal/fsutil"
	"polyflow/internal/project"
	"polyflow/internal/queue"
	"polyflow/internal/space"
	"polyflow/internal/statusapi"
	"polyflow/internal/trace"
)

func newInitCommand(a *app) *cobra.Command {
	var (
		schemaPath string
		listIDs    bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize one workspace per statepoint of the sweep",
		Args:  wrapArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			schema := space.DefaultSchema()
			if schemaPath != "" {
				s, err := space.LoadSchemaFile(schemaPath)
				if err != nil {
					if errors.Is(err, fs.ErrNotExist) {
						return &ConfigError{Err: err}
					}
					return err
				}
				schema = s
			}
			p, err := a.openProject(cmd.Context(), nil)
			if err != nil {
				return err
			}
			res, err := p.Init(cmd.Context(), schema)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "initialized %d job(s): %d created, %d existing\n", len(res.IDs), res.Created, res.Existing)
			if listIDs {
				for _, id := range res.IDs {
					fmt.Fprintln(a.stdout, id)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&schemaPath, "schema", "", "YAML parameter schema (default: built-in single-point sweep)")
	cmd.Flags().BoolVar(&listIDs, "list", false, "print the job identifiers")
	return cmd
}

func newRunCommand(a *app) *cobra.Command {
	var (
		all       bool
		parallel  int
		tracePath string
	)
	cmd := &cobra.Command{
		Use:   "run [id...]",
		Short: "Run jobs, resuming from their restart checkpoint when present",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return invalidInvocationf("run needs either job ids or --all")
			}
			if parallel < 1 {
				return invalidInvocationf("--parallel must be >= 1")
			}
			ctx := cmd.Context()

			var rec *trace.Recorder
			var sink trace.Sink
			if tracePath != "" {
				rec = trace.NewRecorder()
				sink = rec
			}
			p, err := a.openProject(ctx, sink)
			if err != nil {
				return err
			}
			defer func() {
				if rec != nil {
					if werr := writeTrace(rec, a.cfg.Root, tracePath); werr != nil {
						a.log.Error("write trace", "error", werr)
					}
				}
			}()

			if all {
				res, err := p.RunAll(ctx, project.RunAllOptions{Parallel: parallel})
				fmt.Fprintf(a.stdout, "completed %d, interrupted %d, conflicts %d, rejected %d\n",
					len(res.Completed), len(res.Interrupted), len(res.Conflicts), len(res.Rejected))
				if err != nil {
					return err
				}
				if n := len(res.Interrupted); n > 0 {
					return &jobFailureError{n: n}
				}
				return nil
			}

			ids := make([]core.JobID, 0, len(args))
			for _, arg := range args {
				id, err := p.ResolveID(arg)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			interrupted := 0
			for _, id := range ids {
				out, err := p.Run(ctx, id)
				if err != nil {
					return err
				}
				printOutcome(a, out)
				if out.Failure != nil {
					interrupted++
				}
			}
			if interrupted > 0 {
				return &jobFailureError{n: interrupted}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "run every job that is not yet sampled")
	cmd.Flags().IntVar(&parallel, "parallel", 1, "jobs run at once with --all")
	cmd.Flags().StringVar(&tracePath, "trace", "", "write the execution trace as JSON to this path")
	return cmd
}

func printOutcome(a *app, out engine.Outcome) {
	switch {
	case out.AlreadyDone:
		fmt.Fprintf(a.stdout, "%s already sampled (last_ts %d)\n", out.JobID.Short(), out.Timestep)
	case out.Failure != nil:
		fmt.Fprintf(a.stdout, "%s %s at timestep %d: %v\n", out.JobID.Short(), out.Phase, out.Timestep, out.Failure.Cause)
	default:
		fmt.Fprintf(a.stdout, "%s %s (%s) last_ts %d\n", out.JobID.Short(), out.Phase, out.Mode, out.Timestep)
	}
}

func writeTrace(rec *trace.Recorder, root, path string) error {
	sweepID, err := filepath.Abs(root)
	if err != nil {
		sweepID = root
	}
	data, err := rec.Trace(sweepID).CanonicalJSON()
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0o644)
}

func newStatusCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize job labels across the sweep",
		Args:  wrapArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.openProject(cmd.Context(), nil)
			if err != nil {
				return err
			}
			report, err := p.Status(nil)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(a, report)
			}
			return report.WriteText(a.stdout)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func newShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a job's statepoint, document, runs and last failure",
		Args:  wrapArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.openProject(cmd.Context(), nil)
			if err != nil {
				return err
			}
			id, err := p.ResolveID(args[0])
			if err != nil {
				return err
			}
			info, err := p.Show(id)
			if err != nil {
				return err
			}
			return writeJSON(a, info)
		},
	}
}

func writeJSON(a *app, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.stdout, string(data))
	return err
}

func (a *app) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: a.cfg.Queue.RedisAddr, DB: a.cfg.Queue.RedisDB}
}

func newEnqueueCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue [id...]",
		Short: "Queue jobs for workers; defaults to every job not yet sampled",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.openProject(cmd.Context(), nil)
			if err != nil {
				return err
			}
			var ids []core.JobID
			if len(args) == 0 {
				if ids, err = p.Pending(); err != nil {
					return err
				}
			}
			for _, arg := range args {
				id, err := p.ResolveID(arg)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}

			client := asynq.NewClient(a.redisOpt())
			defer client.Close()
			d := queue.NewDispatcher(client, a.cfg.Queue.Name, a.cfg.Queue.MaxRetry, a.log)
			res, err := d.Enqueue(cmd.Context(), ids)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "enqueued %d job(s), %d already queued\n", res.Enqueued, res.Duplicate)
			return nil
		},
	}
}

func newWorkerCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process queued runs until interrupted",
		Args:  wrapArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			p, err := a.openProject(ctx, nil)
			if err != nil {
				return err
			}
			srv := asynq.NewServer(a.redisOpt(),
				queue.ServerConfig(a.cfg.Queue.Name, a.cfg.Queue.Concurrency, a.cfg.Log.Level, a.log))
			if err := srv.Start(queue.NewServeMux(queue.NewHandler(p, a.log))); err != nil {
				return fmt.Errorf("start worker: %w", err)
			}
			a.log.Info("worker started", "queue", a.cfg.Queue.Name, "concurrency", a.cfg.Queue.Concurrency)
			<-ctx.Done()
			srv.Shutdown()
			return nil
		},
	}
}

func newServeCommand(a *app, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only status API",
		Args:  wrapArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			p, err := a.openProject(ctx, nil)
			if err != nil {
				return err
			}
			srv := statusapi.New(p, a.registry, a.log)
			go func() {
				<-ctx.Done()
				_ = srv.Shutdown()
			}()
			a.log.Info("status api listening", "addr", a.cfg.HTTP.Addr)
			return srv.Listen(a.cfg.HTTP.Addr)
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	_ = v.BindPFlag("http.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func newUnlockCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <id>",
		Short: "Remove a stale run lease left by a crashed process",
		Args:  wrapArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := a.openProject(ctx, nil)
			if err != nil {
				return err
			}
			id, err := p.ResolveID(args[0])
			if err != nil {
				return err
			}
			locker, err := a.locker(ctx, p.Store().WorkspaceRoot())
			if err != nil {
				return err
			}
			if err := locker.Break(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "unlocked %s\n", id.Short())
			return nil
		},
	}
}
