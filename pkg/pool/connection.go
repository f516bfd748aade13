package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ekaya-inc/ekaya-dbruntime/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/apperrors"
)

// ErrConnectionClosed is returned by operations on a connection its holder closed.
var ErrConnectionClosed = errors.New("connection closed")

// State is the lifecycle state of a pooled connection.
type State int32

const (
	StateOpen State = iota
	StateClosed
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateBroken:
		return "broken"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// PooledConnection is a physical connection lent by a Pool. It has exactly one
// holder at a time and must be handed back with Pool.Release.
type PooledConnection struct {
	id        string
	db        *dbPool
	pool      *Pool
	createdAt time.Time

	state atomic.Int32

	mu            sync.Mutex
	conn          datasource.Conn
	physClosed    bool
	lastValidated time.Time
	idleSince     time.Time
	acquiredAt    time.Time
}

// ID uniquely identifies the connection for logs and diagnostics.
func (c *PooledConnection) ID() string {
	return c.id
}

// Database is the logical database the connection belongs to.
func (c *PooledConnection) Database() string {
	return c.db.name
}

// Provider is the provider type of the underlying connection.
func (c *PooledConnection) Provider() string {
	return c.db.connector.Type()
}

func (c *PooledConnection) State() State {
	return State(c.state.Load())
}

// LastValidated is when the connection last passed a liveness probe.
func (c *PooledConnection) LastValidated() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastValidated
}

// CreatedAt is when the physical connection was opened.
func (c *PooledConnection) CreatedAt() time.Time {
	return c.createdAt
}

// Conn returns the driver connection for work not covered by the passthroughs.
// The caller must not close it.
func (c *PooledConnection) Conn() datasource.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// MarkBroken flags the connection so Release discards it.
func (c *PooledConnection) MarkBroken() {
	c.state.Store(int32(StateBroken))
}

// Close closes the physical connection while the holder keeps the lease. The
// connection is discarded on release unless EnsureOpen reopens it first.
func (c *PooledConnection) Close() error {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosed)) {
		return nil
	}
	return c.pool.closeConn(c, "closed by holder")
}

// EnsureOpen reopens a connection its holder closed. Broken connections stay
// broken and fail with apperrors.ErrConnectionBroken.
func (c *PooledConnection) EnsureOpen(ctx context.Context) error {
	switch c.State() {
	case StateOpen:
		return nil
	case StateBroken:
		return fmt.Errorf("connection %s: %w", c.id, apperrors.ErrConnectionBroken)
	}

	conn, err := c.pool.dial(ctx, c.db)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.physClosed = false
	c.lastValidated = time.Now()
	c.mu.Unlock()
	c.state.Store(int32(StateOpen))
	return nil
}

func (c *PooledConnection) Ping(ctx context.Context) error {
	conn, err := c.live()
	if err != nil {
		return err
	}
	return c.observe(conn.Ping(ctx))
}

func (c *PooledConnection) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	conn, err := c.live()
	if err != nil {
		return 0, err
	}
	n, err := conn.Exec(ctx, query, args...)
	return n, c.observe(err)
}

func (c *PooledConnection) Query(ctx context.Context, query string, args ...any) (*datasource.QueryResult, error) {
	conn, err := c.live()
	if err != nil {
		return nil, err
	}
	result, err := conn.Query(ctx, query, args...)
	return result, c.observe(err)
}

func (c *PooledConnection) BeginTx(ctx context.Context, iso datasource.IsolationLevel) error {
	conn, err := c.live()
	if err != nil {
		return err
	}
	return c.observe(conn.BeginTx(ctx, iso))
}

func (c *PooledConnection) Commit(ctx context.Context) error {
	conn, err := c.live()
	if err != nil {
		return err
	}
	return c.observe(conn.Commit(ctx))
}

func (c *PooledConnection) Rollback(ctx context.Context) error {
	conn, err := c.live()
	if err != nil {
		return err
	}
	return c.observe(conn.Rollback(ctx))
}

func (c *PooledConnection) InTransaction() bool {
	conn, err := c.live()
	return err == nil && conn.InTransaction()
}

func (c *PooledConnection) live() (datasource.Conn, error) {
	if c.State() == StateClosed {
		return nil, fmt.Errorf("connection %s: %w", c.id, ErrConnectionClosed)
	}
	return c.Conn(), nil
}

// observe reports err and marks the connection broken when the driver says the
// connection itself is unusable.
func (c *PooledConnection) observe(err error) error {
	if err == nil {
		return nil
	}
	c.pool.observer.OnError(c.db.name, c.id, err)
	if IsConnectionError(err) {
		c.MarkBroken()
	}
	return err
}

// IsConnectionError reports whether err means the physical connection can no
// longer be used.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, apperrors.ErrConnectionBroken) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
