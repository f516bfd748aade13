// Package manager is the entry point applications use: it resolves the ambient
// or named database, lends connections from the pool, applies the retry policy
// and ties connections to the ambient transaction session.
package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dbruntime/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/alias"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/logging"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/pool"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/retry"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/scope"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/settings"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/txn"
)

// Dependencies wires a Manager. Settings, Providers, Aliases and Pool are
// required; Coordinator and Retry default when nil.
type Dependencies struct {
	Settings    *settings.Registry
	Providers   *datasource.Registry
	Aliases     *alias.Resolver
	Pool        *pool.Pool
	Coordinator *txn.Coordinator
	Retry       *retry.Policy
}

// Manager hands out connections for the database selected by the ambient scope
// or by name.
type Manager struct {
	settings    *settings.Registry
	providers   *datasource.Registry
	aliases     *alias.Resolver
	pool        *pool.Pool
	coordinator *txn.Coordinator
	retry       *retry.Policy
	logger      *zap.Logger
}

func New(deps Dependencies, logger *zap.Logger) (*Manager, error) {
	if deps.Settings == nil || deps.Providers == nil || deps.Aliases == nil || deps.Pool == nil {
		return nil, errors.New("manager: settings, providers, aliases and pool are required")
	}
	logger = logging.OrNop(logger).Named("manager")

	coordinator := deps.Coordinator
	if coordinator == nil {
		coordinator = txn.NewCoordinator(logger)
	}
	policy := deps.Retry
	if policy == nil {
		policy = retry.DefaultPolicy().WithLogger(logger)
	}

	return &Manager{
		settings:    deps.Settings,
		providers:   deps.Providers,
		aliases:     deps.Aliases,
		pool:        deps.Pool,
		coordinator: coordinator,
		retry:       policy,
		logger:      logger,
	}, nil
}

// Resolve maps a name or alias to its canonical logical database name. The
// ambient default sentinel resolves to the default database.
func (m *Manager) Resolve(nameOrAlias string) string {
	return m.aliases.Resolve(nameOrAlias)
}

// CurrentDatabase is the canonical name of the database selected by ctx.
func (m *Manager) CurrentDatabase(ctx context.Context) string {
	return m.Resolve(scope.Current(ctx))
}

// CurrentFactory returns the connector for the ambient database. A database
// without settings or provider fails with apperrors.ErrNoProviderConfigured.
func (m *Manager) CurrentFactory(ctx context.Context) (datasource.Connector, error) {
	name := m.CurrentDatabase(ctx)
	s, err := m.settings.Get(name)
	if err != nil || strings.TrimSpace(s.Provider) == "" {
		return nil, fmt.Errorf("database %q: %w: %w", name,
			apperrors.ErrNoProviderConfigured, apperrors.ErrConfigurationNotFound)
	}
	connector, err := m.providers.Lookup(s.Provider)
	if err != nil {
		return nil, fmt.Errorf("database %q: %w", s.Name, err)
	}
	return connector, nil
}

// CurrentConnectionString returns the connection string of the ambient
// database. A database without one fails with apperrors.ErrNoConnectionConfigured.
func (m *Manager) CurrentConnectionString(ctx context.Context) (string, error) {
	name := m.CurrentDatabase(ctx)
	s, err := m.settings.Get(name)
	if err != nil || strings.TrimSpace(s.ConnectionString) == "" {
		return "", fmt.Errorf("database %q: %w: %w", name,
			apperrors.ErrNoConnectionConfigured, apperrors.ErrConfigurationNotFound)
	}
	return s.ConnectionString, nil
}

// ExecuteWith runs fn with name as the ambient database. The previous database
// is current again once fn returns, whatever the outcome.
func (m *Manager) ExecuteWith(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return scope.Run(ctx, m.Resolve(name), fn)
}

// ExecuteWithResult is ExecuteWith for functions that return a value.
func ExecuteWithResult[T any](ctx context.Context, m *Manager, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := m.ExecuteWith(ctx, name, func(ctx context.Context) error {
		r, err := fn(ctx)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// Acquire lends a connection to the ambient database.
func (m *Manager) Acquire(ctx context.Context) (*pool.PooledConnection, error) {
	return m.AcquireNamed(ctx, scope.Current(ctx))
}

// AcquireNamed lends a connection to the named database. Inside an active
// transaction session the connection is enlisted and kept by the session: later
// acquires of the same database get it again, and it returns to the pool when
// the session commits or rolls back.
func (m *Manager) AcquireNamed(ctx context.Context, nameOrAlias string) (*pool.PooledConnection, error) {
	name := m.Resolve(nameOrAlias)
	if session, active := txn.Active(ctx); active {
		return m.acquireForSession(ctx, session, name)
	}
	return m.pool.Acquire(ctx, name)
}

func (m *Manager) acquireForSession(ctx context.Context, session *txn.Session, name string) (*pool.PooledConnection, error) {
	key := strings.ToLower(name)
	if held, ok := session.Held(key); ok {
		return held.(*pool.PooledConnection), nil
	}

	pc, err := m.pool.Acquire(ctx, name)
	if err != nil {
		return nil, err
	}
	held, err := session.Hold(ctx, key, pc, func() { m.releaseToPool(pc) })
	if err != nil {
		m.releaseToPool(pc)
		return nil, err
	}
	if held != txn.Conn(pc) {
		// Another flow of the session stored a connection first.
		m.releaseToPool(pc)
	}
	return held.(*pool.PooledConnection), nil
}

// Release returns a connection to the pool. Connections kept by the ambient
// transaction session are left alone; the session releases them when it ends.
func (m *Manager) Release(ctx context.Context, pc *pool.PooledConnection) error {
	if session, ok := txn.Current(ctx); ok && session.Holds(pc) {
		return nil
	}
	return m.pool.Release(pc)
}

func (m *Manager) releaseToPool(pc *pool.PooledConnection) {
	if err := m.pool.Release(pc); err != nil {
		m.logger.Warn("failed to release session connection",
			zap.String("conn_id", pc.ID()),
			logging.Error(err),
		)
	}
}

// WithConnection lends a connection to the ambient database for fn and releases
// it afterwards. Transient failures are retried with a fresh connection under
// the retry policy, except inside a transaction session where a failed statement
// has already doomed the transaction.
func (m *Manager) WithConnection(ctx context.Context, fn func(ctx context.Context, conn *pool.PooledConnection) error) error {
	attempt := func(ctx context.Context) error {
		pc, err := m.Acquire(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if err := m.Release(ctx, pc); err != nil {
				m.logger.Warn("failed to release connection",
					zap.String("conn_id", pc.ID()),
					logging.Error(err),
				)
			}
		}()
		return fn(ctx, pc)
	}

	if _, active := txn.Active(ctx); active {
		return attempt(ctx)
	}
	return m.retry.Execute(ctx, attempt)
}

// InTransaction runs fn inside a new transaction session at iso. Connections
// acquired through the manager during fn are enlisted. The session commits when
// fn returns nil and rolls back otherwise, including on panic.
func (m *Manager) InTransaction(ctx context.Context, iso datasource.IsolationLevel, fn func(ctx context.Context) error) (err error) {
	ctx, session, err := m.coordinator.Begin(ctx, iso)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			m.rollback(ctx, session)
			panic(r)
		}
	}()

	if err := fn(ctx); err != nil {
		m.rollback(ctx, session)
		return err
	}
	return session.Commit(ctx)
}

func (m *Manager) rollback(ctx context.Context, session *txn.Session) {
	if err := session.Rollback(ctx); err != nil {
		m.logger.Warn("rollback failed",
			zap.String("session_id", session.ID()),
			logging.Error(err),
		)
	}
}

// Settings exposes the connection settings registry.
func (m *Manager) Settings() *settings.Registry {
	return m.settings
}

// Aliases exposes the alias resolver.
func (m *Manager) Aliases() *alias.Resolver {
	return m.aliases
}

// Pool exposes the connection pool.
func (m *Manager) Pool() *pool.Pool {
	return m.pool
}

// Coordinator exposes the transaction coordinator.
func (m *Manager) Coordinator() *txn.Coordinator {
	return m.coordinator
}
