// Package pool lends bounded, validated connections per logical database.
package pool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ekaya-inc/ekaya-dbruntime/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/config"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/logging"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/settings"
)

const (
	DefaultValidationTimeout = 5 * time.Second
	DefaultEvictionInterval  = 1 * time.Minute
	DefaultMaxIdleTime       = 5 * time.Minute
)

// Options tunes a Pool. Zero EvictionInterval disables background eviction,
// zero MaxIdleTime keeps idle connections regardless of age and zero MaxIdle
// lets each database keep up to its MaxPoolSize connections idle.
type Options struct {
	ValidationTimeout time.Duration
	EvictionInterval  time.Duration
	MaxIdleTime       time.Duration
	MaxIdle           int
	Observer          Observer
}

// DefaultOptions returns the options used when no configuration is supplied.
func DefaultOptions() Options {
	return Options{
		ValidationTimeout: DefaultValidationTimeout,
		EvictionInterval:  DefaultEvictionInterval,
		MaxIdleTime:       DefaultMaxIdleTime,
	}
}

// OptionsFromConfig maps the pool section of the configuration onto Options.
func OptionsFromConfig(cfg config.PoolConfig) Options {
	return Options{
		ValidationTimeout: cfg.ValidationTimeout,
		EvictionInterval:  cfg.EvictionInterval,
		MaxIdleTime:       cfg.MaxIdleTime,
		MaxIdle:           cfg.MaxIdleConns,
	}
}

// Pool manages one bounded set of physical connections per logical database.
//
// A semaphore sized to the database's MaxPoolSize admits holders; each holder
// owns at most one connection, so the number of open connections never exceeds
// MaxPoolSize. Idle connections hold no permit.
type Pool struct {
	settings  *settings.Registry
	providers *datasource.Registry
	opts      Options
	observer  Observer
	logger    *zap.Logger

	mu       sync.Mutex
	dbs      map[string]*dbPool // key: lowercase logical name
	closed   bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

type dbPool struct {
	name      string
	settings  settings.ConnectionSettings
	connector datasource.Connector
	sem       *semaphore.Weighted
	idleCap   int
	logger    *zap.Logger

	mu        sync.Mutex
	idle      []*PooledConnection // most recently returned last
	lent      map[*PooledConnection]struct{}
	closed    bool
	open      int
	opened    int64
	discarded int64
	acquires  int64
	waits     int64
	waitTotal time.Duration
}

// New creates a pool over the registered settings and providers. When
// opts.EvictionInterval is positive a background goroutine re-validates idle
// connections until Close is called.
func New(settingsRegistry *settings.Registry, providers *datasource.Registry, opts Options, logger *zap.Logger) *Pool {
	if opts.ValidationTimeout <= 0 {
		opts.ValidationTimeout = DefaultValidationTimeout
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	p := &Pool{
		settings:  settingsRegistry,
		providers: providers,
		opts:      opts,
		observer:  observer,
		logger:    logging.OrNop(logger).Named("pool"),
		dbs:       make(map[string]*dbPool),
		stopChan:  make(chan struct{}),
	}

	if opts.EvictionInterval > 0 {
		p.wg.Add(1)
		go p.evictIdleConnections()
	}
	return p
}

// database returns the per-database state, creating it on first use.
func (p *Pool) database(name string) (*dbPool, error) {
	key := lowerKey(name)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, apperrors.ErrPoolClosed
	}
	if db, ok := p.dbs[key]; ok {
		return db, nil
	}

	s, err := p.settings.Require(name)
	if err != nil {
		return nil, err
	}
	connector, err := p.providers.Lookup(s.Provider)
	if err != nil {
		return nil, fmt.Errorf("database %q: %w", s.Name, err)
	}

	db := &dbPool{
		name:      s.Name,
		settings:  s,
		connector: connector,
		sem:       semaphore.NewWeighted(int64(s.MaxPoolSize)),
		idleCap:   s.MaxPoolSize,
		logger:    p.logger.With(zap.String("database", s.Name)),
		lent:      make(map[*PooledConnection]struct{}),
	}
	if p.opts.MaxIdle > 0 && p.opts.MaxIdle < db.idleCap {
		db.idleCap = p.opts.MaxIdle
	}
	p.dbs[key] = db
	return db, nil
}

func lowerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Acquire lends a connection to the named database, blocking while MaxPoolSize
// connections are lent. The wait ends early when ctx is done.
func (p *Pool) Acquire(ctx context.Context, name string) (*PooledConnection, error) {
	db, err := p.database(name)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	waited := false
	if !db.sem.TryAcquire(1) {
		waited = true
		p.observer.OnWait(db.name)
		db.logger.Debug("pool exhausted, waiting for a connection",
			zap.Int("max_pool_size", db.settings.MaxPoolSize))
		if err := db.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("acquire connection to %q: %w", db.name, err)
		}
	}
	wait := time.Since(start)

	pc, err := p.checkout(ctx, db)
	if err != nil {
		db.sem.Release(1)
		return nil, err
	}

	db.mu.Lock()
	db.lent[pc] = struct{}{}
	db.acquires++
	if waited {
		db.waits++
		db.waitTotal += wait
	}
	db.mu.Unlock()

	pc.mu.Lock()
	pc.acquiredAt = time.Now()
	pc.mu.Unlock()

	p.observer.OnAcquire(db.name, pc.id, wait)
	return pc, nil
}

// checkout pops idle connections until one passes validation, and opens a new
// connection when none is idle. The caller holds a permit.
func (p *Pool) checkout(ctx context.Context, db *dbPool) (*PooledConnection, error) {
	for {
		db.mu.Lock()
		if db.closed {
			db.mu.Unlock()
			return nil, apperrors.ErrPoolClosed
		}
		n := len(db.idle)
		if n == 0 {
			db.mu.Unlock()
			return p.open(ctx, db)
		}
		pc := db.idle[n-1]
		db.idle[n-1] = nil
		db.idle = db.idle[:n-1]
		db.mu.Unlock()

		if err := p.validate(ctx, pc); err != nil {
			p.discard(pc, "validation failed")
			if ctx.Err() != nil {
				return nil, fmt.Errorf("acquire connection to %q: %w", db.name, ctx.Err())
			}
			continue
		}
		return pc, nil
	}
}

// open creates a new pooled connection. The caller holds a permit.
func (p *Pool) open(ctx context.Context, db *dbPool) (*PooledConnection, error) {
	start := time.Now()
	conn, err := p.dial(ctx, db)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	pc := &PooledConnection{
		id:            uuid.NewString(),
		db:            db,
		pool:          p,
		createdAt:     now,
		conn:          conn,
		lastValidated: now,
	}
	pc.state.Store(int32(StateOpen))

	p.observer.OnOpen(db.name, pc.id, time.Since(start))
	db.logger.Debug("opened connection", zap.String("conn_id", pc.id))
	return pc, nil
}

// dial opens a physical connection and counts it against the database.
func (p *Pool) dial(ctx context.Context, db *dbPool) (datasource.Conn, error) {
	conn, err := db.connector.Open(ctx, db.settings.ConnectionString)
	if err != nil {
		p.observer.OnError(db.name, "", err)
		db.logger.Error("failed to open connection",
			logging.ConnString("connection_string", db.settings.ConnectionString),
			logging.Error(err),
		)
		return nil, fmt.Errorf("database %q: %w: %w", db.name, apperrors.ErrConnectionOpenFailed, err)
	}

	db.mu.Lock()
	db.open++
	db.opened++
	db.mu.Unlock()
	return conn, nil
}

// validate runs the liveness probe bounded by ValidationTimeout.
func (p *Pool) validate(ctx context.Context, pc *PooledConnection) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.ValidationTimeout)
	defer cancel()

	if err := pc.Conn().Ping(ctx); err != nil {
		p.observer.OnError(pc.db.name, pc.id, err)
		pc.db.logger.Debug("connection failed validation",
			zap.String("conn_id", pc.id),
			logging.Error(err),
		)
		return err
	}

	pc.mu.Lock()
	pc.lastValidated = time.Now()
	pc.mu.Unlock()
	return nil
}

// Release returns a lent connection. Connections that are not open, fail to roll
// back or fail validation are discarded, as are healthy ones when the idle set is
// full. Releasing a connection this pool has not lent fails with
// apperrors.ErrConnectionNotLent.
func (p *Pool) Release(pc *PooledConnection) error {
	if pc == nil || pc.pool != p {
		return apperrors.ErrConnectionNotLent
	}
	db := pc.db

	db.mu.Lock()
	if _, ok := db.lent[pc]; !ok {
		db.mu.Unlock()
		return fmt.Errorf("release connection %s: %w", pc.id, apperrors.ErrConnectionNotLent)
	}
	delete(db.lent, pc)
	db.mu.Unlock()
	defer db.sem.Release(1)

	pc.mu.Lock()
	held := time.Since(pc.acquiredAt)
	pc.mu.Unlock()
	p.observer.OnRelease(db.name, pc.id, held)

	if state := pc.State(); state != StateOpen {
		p.discard(pc, "released "+state.String())
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.ValidationTimeout)
	defer cancel()

	if pc.Conn().InTransaction() {
		if err := pc.Conn().Rollback(ctx); err != nil {
			db.logger.Warn("failed to roll back in-flight transaction on release",
				zap.String("conn_id", pc.id),
				logging.Error(err),
			)
			p.discard(pc, "rollback failed")
			return nil
		}
		db.logger.Debug("rolled back in-flight transaction on release", zap.String("conn_id", pc.id))
	}

	if err := p.validate(ctx, pc); err != nil {
		p.discard(pc, "validation failed")
		return nil
	}

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		p.discard(pc, "pool closed")
		return nil
	}
	if len(db.idle) >= db.idleCap {
		db.mu.Unlock()
		p.discard(pc, "idle set full")
		return nil
	}
	pc.mu.Lock()
	pc.idleSince = time.Now()
	pc.mu.Unlock()
	db.idle = append(db.idle, pc)
	db.mu.Unlock()
	return nil
}

// discard closes a connection that is not coming back to the idle set.
func (p *Pool) discard(pc *PooledConnection, reason string) {
	pc.state.CompareAndSwap(int32(StateOpen), int32(StateClosed))
	_ = p.closeConn(pc, reason)

	pc.db.mu.Lock()
	pc.db.discarded++
	pc.db.mu.Unlock()
	p.observer.OnDiscard(pc.db.name, pc.id, reason)
}

// closeConn closes the physical connection once. Close failures are logged and
// returned for the holder, never surfaced by pool operations.
func (p *Pool) closeConn(pc *PooledConnection, reason string) error {
	pc.mu.Lock()
	if pc.physClosed {
		pc.mu.Unlock()
		return nil
	}
	pc.physClosed = true
	conn := pc.conn
	pc.mu.Unlock()

	pc.db.mu.Lock()
	pc.db.open--
	pc.db.mu.Unlock()

	err := conn.Close()
	if err != nil {
		pc.db.logger.Warn("error closing connection",
			zap.String("conn_id", pc.id),
			zap.String("reason", reason),
			logging.Error(err),
		)
		return err
	}
	pc.db.logger.Debug("closed connection",
		zap.String("conn_id", pc.id),
		zap.String("reason", reason),
	)
	return nil
}

// Warmup opens up to n connections to the named database and parks them idle.
// n is capped at the database's MaxPoolSize.
func (p *Pool) Warmup(ctx context.Context, name string, n int) error {
	db, err := p.database(name)
	if err != nil {
		return err
	}
	if n > db.settings.MaxPoolSize {
		n = db.settings.MaxPoolSize
	}

	lent := make([]*PooledConnection, 0, n)
	defer func() {
		for _, pc := range lent {
			_ = p.Release(pc)
		}
	}()
	for i := 0; i < n; i++ {
		pc, err := p.Acquire(ctx, name)
		if err != nil {
			return fmt.Errorf("warm up %q: %w", db.name, err)
		}
		lent = append(lent, pc)
	}
	db.logger.Info("warmed up connections", zap.Int("count", n))
	return nil
}

// Close stops eviction and closes every idle connection. Connections still lent
// are closed when released. Later Acquire calls fail with apperrors.ErrPoolClosed.
// Safe to call multiple times.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopChan)
	dbs := make([]*dbPool, 0, len(p.dbs))
	for _, db := range p.dbs {
		dbs = append(dbs, db)
	}
	p.mu.Unlock()

	p.wg.Wait()

	closedCount := 0
	for _, db := range dbs {
		db.mu.Lock()
		db.closed = true
		idle := db.idle
		db.idle = nil
		db.mu.Unlock()

		for _, pc := range idle {
			p.discard(pc, "pool closed")
			closedCount++
		}
	}

	p.logger.Info("connection pool closed", zap.Int("closed_idle", closedCount))
	return nil
}
