package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-dbruntime/pkg/config"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/logging"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/pool"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/runtime"
)

type globalOptions struct {
	configPath string
}

// pingReport is what the ping command prints.
type pingReport struct {
	Version   string                 `yaml:"version"`
	Databases []runtime.HealthStatus `yaml:"databases"`
	Pools     []pool.Stats           `yaml:"pools,omitempty"`
}

func newRootCommand(stdout io.Writer) *cobra.Command {
	opts := &globalOptions{}
	rc := &cobra.Command{
		Use:          "dbruntime",
		Short:        "Inspect and probe the databases configured for the runtime",
		Version:      Version,
		SilenceUsage: true,
	}
	rc.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultConfigPath, "Configuration file to read from.")

	rc.AddCommand(newPingCommand(opts, stdout))
	rc.AddCommand(newConfigCommand(opts, stdout))
	return rc
}

func newPingCommand(opts *globalOptions, stdout io.Writer) *cobra.Command {
	var timeout time.Duration
	ccmd := &cobra.Command{
		Use:   "ping",
		Short: "Open, validate and release one connection per configured database",
		Long: `
Builds the runtime from the configuration file, pings every configured database
concurrently and prints a YAML report. Exits non-zero when any database fails.
`,
		RunE: func(c *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(c.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return runPing(ctx, opts.configPath, stdout)
		},
	}
	ccmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout for probing every database")
	return ccmd
}

func runPing(ctx context.Context, configPath string, stdout io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	rt, err := runtime.New(cfg, logger, runtime.Options{})
	if err != nil {
		return fmt.Errorf("failed to build database runtime: %w", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("Failed to close database runtime", logging.Error(err))
		}
	}()

	statuses, pingErr := rt.Ping(ctx)
	if pingErr != nil {
		logger.Error("Some databases are unreachable", logging.Error(pingErr))
	}

	out, err := yaml.Marshal(pingReport{
		Version:   Version,
		Databases: statuses,
		Pools:     rt.Pool.AllStats(),
	})
	if err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}
	if _, err := stdout.Write(out); err != nil {
		return err
	}

	if pingErr != nil {
		return fmt.Errorf("%d of %d databases unreachable", countUnhealthy(statuses), len(statuses))
	}
	return nil
}

func countUnhealthy(statuses []runtime.HealthStatus) int {
	n := 0
	for _, s := range statuses {
		if !s.Healthy() {
			n++
		}
	}
	return n
}

func newConfigCommand(opts *globalOptions, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with credentials redacted",
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = stdout.Write(out)
			return err
		},
	}
}
