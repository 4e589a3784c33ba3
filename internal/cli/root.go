package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"polyflow/internal/config"
	"polyflow/internal/logging"
	"polyflow/internal/metrics"
)

// CLIResult is what a CLI invocation produced.
type CLIResult struct {
	ExitCode int
}

// Run executes the CLI with args (excluding argv[0]) and returns the exit
// code plus the error that determined it.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) (res CLIResult, err error) {
	root, a := newRootCommand(stdout, stderr)
	defer a.close()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			res.ExitCode = ExitInternalError
			fmt.Fprintln(stderr, "error:", err)
		}
	}()

	root.SetArgs(args)
	err = root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
	}
	return CLIResult{ExitCode: ExitCode(err)}, err
}

func newRootCommand(stdout, stderr io.Writer) (*cobra.Command, *app) {
	a := &app{stdout: stdout, stderr: stderr}
	v := viper.New()
	var cfgPath string

	root := &cobra.Command{
		Use:           "polyflow",
		Short:         "Run parameter sweeps of staged simulations with checkpoint-resume",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          wrapArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWith(v, cfgPath)
			if err != nil {
				return &ConfigError{Err: err}
			}
			zl, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return &ConfigError{Err: err}
			}
			a.cfg = cfg
			a.log = zl
			a.closers = append(a.closers, func() error { _ = zl.Sync(); return nil })
			a.registry = prometheus.NewRegistry()
			a.metrics = metrics.NewPrometheus(a.registry, "polyflow")
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return invalidInvocationf("%v", err)
	})

	flags := root.PersistentFlags()
	flags.StringVar(&cfgPath, "config", "", "config file (default ./polyflow.yaml when present)")
	flags.String("root", ".", "project directory")
	flags.String("log-level", "info", "log level: debug|info|warn|error")
	flags.String("log-format", "console", "log format: console|json")
	_ = v.BindPFlag("root", flags.Lookup("root"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log.format", flags.Lookup("log-format"))

	root.AddCommand(
		newInitCommand(a),
		newRunCommand(a),
		newStatusCommand(a),
		newShowCommand(a),
		newEnqueueCommand(a),
		newWorkerCommand(a),
		newServeCommand(a, v),
		newUnlockCommand(a),
	)
	return root, a
}

// wrapArgs turns positional-argument errors into invocation errors.
func wrapArgs(fn cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := fn(cmd, args); err != nil {
			return invalidInvocationf("%v", err)
		}
		return nil
	}
}
