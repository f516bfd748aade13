// Package runtime assembles the database runtime from configuration: providers,
// settings, aliases, pool, retry policy, transaction coordinator, monitor and
// manager.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-dbruntime/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/adapters/datasource/mssql"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/adapters/datasource/mysql"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/adapters/datasource/postgres"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/adapters/datasource/sqlite"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/alias"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/config"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/logging"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/manager"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/monitor"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/pool"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/retry"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/settings"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/txn"
)

// DefaultPingConcurrency bounds how many databases Ping probes at once.
const DefaultPingConcurrency = 4

// Options overrides parts of the assembly. The zero value registers every
// built-in provider and a private Prometheus registry.
type Options struct {
	// Providers replaces the built-in provider registry.
	Providers *datasource.Registry
	// Registerer receives the monitor's collectors. Nil creates a new registry.
	Registerer prometheus.Registerer
}

// Runtime is the assembled set of components. Fields are read-only after New.
type Runtime struct {
	Config      *config.Config
	Providers   *datasource.Registry
	Settings    *settings.Registry
	Aliases     *alias.Resolver
	Pool        *pool.Pool
	Retry       *retry.Policy
	Coordinator *txn.Coordinator
	Manager     *manager.Manager

	// Monitor and Metrics are nil when metrics are disabled.
	Monitor *monitor.Monitor
	Metrics *prometheus.Registry

	logger *zap.Logger
}

// NewProviderRegistry returns a registry with every built-in provider.
func NewProviderRegistry() *datasource.Registry {
	r := datasource.NewRegistry()
	postgres.Register(r)
	mssql.Register(r)
	mysql.Register(r)
	sqlite.Register(r)
	return r
}

// New builds a Runtime from cfg. Configured databases must use a registered
// provider, and configured aliases must point at configured databases.
func New(cfg *config.Config, logger *zap.Logger, opts Options) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("runtime: configuration is required")
	}
	logger = logging.OrNop(logger)

	providers := opts.Providers
	if providers == nil {
		providers = NewProviderRegistry()
	}
	for _, db := range cfg.Databases {
		if !providers.IsRegistered(db.Provider) {
			return nil, fmt.Errorf("database %q: provider %q: %w", db.Name, db.Provider, apperrors.ErrUnknownProvider)
		}
	}

	settingsRegistry, err := settings.FromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build connection settings: %w", err)
	}

	aliases := alias.NewResolver(settingsRegistry.Default(), settingsRegistry.Names(), logger)
	for a, target := range cfg.Aliases {
		if !settingsRegistry.Has(target) {
			return nil, fmt.Errorf("alias %q: target database %q is not configured", a, target)
		}
		if err := aliases.Register(a, target); err != nil {
			return nil, fmt.Errorf("alias %q: %w", a, err)
		}
	}

	rt := &Runtime{
		Config:    cfg,
		Providers: providers,
		Settings:  settingsRegistry,
		Aliases:   aliases,
		logger:    logger.Named("runtime"),
	}

	poolOpts := pool.OptionsFromConfig(cfg.Pool)
	var registerer prometheus.Registerer
	if !cfg.Metrics.Disabled {
		registerer = opts.Registerer
		if registerer == nil {
			rt.Metrics = prometheus.NewRegistry()
			registerer = rt.Metrics
		}
		rt.Monitor = monitor.New(cfg.Metrics.Namespace, registerer, logger)
		poolOpts.Observer = rt.Monitor
	}

	rt.Pool = pool.New(settingsRegistry, providers, poolOpts, logger)
	if registerer != nil {
		if err := registerer.Register(monitor.NewPoolCollector(cfg.Metrics.Namespace, rt.Pool)); err != nil {
			_ = rt.Pool.Close()
			return nil, fmt.Errorf("failed to register pool collector: %w", err)
		}
	}

	rt.Retry = retry.FromConfig(cfg.Retry, logger.Named("retry"))
	rt.Coordinator = txn.NewCoordinator(logger)

	rt.Manager, err = manager.New(manager.Dependencies{
		Settings:    settingsRegistry,
		Providers:   providers,
		Aliases:     aliases,
		Pool:        rt.Pool,
		Coordinator: rt.Coordinator,
		Retry:       rt.Retry,
	}, logger)
	if err != nil {
		_ = rt.Pool.Close()
		return nil, err
	}

	rt.logger.Info("database runtime ready",
		zap.Strings("databases", settingsRegistry.Names()),
		zap.String("default", settingsRegistry.Default()),
		zap.Bool("metrics", rt.Monitor != nil),
	)
	return rt, nil
}

// HealthStatus is the outcome of probing one database.
type HealthStatus struct {
	Database string        `json:"database" yaml:"database"`
	Provider string        `json:"provider" yaml:"provider"`
	Latency  time.Duration `json:"latency" yaml:"latency"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// Healthy reports whether the probe succeeded.
func (h HealthStatus) Healthy() bool {
	return h.Error == ""
}

// Ping acquires a connection to every configured database, pings it and
// releases it. Results are in database name order. The error combines every
// failed probe.
func (r *Runtime) Ping(ctx context.Context) ([]HealthStatus, error) {
	all := r.Settings.All()
	results := make([]HealthStatus, len(all))
	failures := make([]error, len(all))

	var g errgroup.Group
	g.SetLimit(DefaultPingConcurrency)
	for i, s := range all {
		g.Go(func() error {
			start := time.Now()
			err := r.ping(ctx, s.Name)
			results[i] = HealthStatus{Database: s.Name, Provider: s.Provider, Latency: time.Since(start)}
			if err != nil {
				results[i].Error = logging.SanitizeError(err)
				failures[i] = fmt.Errorf("database %q: %w", s.Name, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return results, multierr.Combine(failures...)
}

func (r *Runtime) ping(ctx context.Context, name string) error {
	pc, err := r.Pool.Acquire(ctx, name)
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Pool.Release(pc); err != nil {
			r.logger.Warn("failed to release connection after ping",
				zap.String("database", name),
				logging.Error(err),
			)
		}
	}()
	return pc.Ping(ctx)
}

// Close shuts the pool down and logs a final usage snapshot.
func (r *Runtime) Close() error {
	if r.Monitor != nil {
		r.Monitor.LogSnapshot()
	}
	return r.Pool.Close()
}
