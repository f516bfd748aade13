package testhelpers

import (
	"context"
	"database/sql/driver"
	"sync"

	"github.com/ekaya-inc/ekaya-dbruntime/pkg/adapters/datasource"
)

// FakeConnector is an in-memory datasource.Connector that counts physical
// connections and lets tests inject failures.
type FakeConnector struct {
	mu       sync.Mutex
	dbType   string
	openErr  error
	opened   int
	closed   int
	maxOpen  int
	conns    []*FakeConn
	lastConn string
}

// NewFakeConnector returns a connector reporting dbType as its provider type.
func NewFakeConnector(dbType string) *FakeConnector {
	return &FakeConnector{dbType: dbType}
}

// NewFakeRegistry returns a registry with a fake connector registered as "fake".
func NewFakeRegistry() (*datasource.Registry, *FakeConnector) {
	connector := NewFakeConnector("fake")
	r := datasource.NewRegistry()
	r.Register(datasource.Registration{
		Info:      datasource.ProviderInfo{Type: "fake", DisplayName: "Fake", Aliases: []string{"test"}},
		Connector: connector,
	})
	return r, connector
}

func (f *FakeConnector) Open(ctx context.Context, connString string) (datasource.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opened++
	if open := f.opened - f.closed; open > f.maxOpen {
		f.maxOpen = open
	}
	conn := &FakeConn{connector: f, Seq: f.opened, ConnString: connString}
	f.conns = append(f.conns, conn)
	f.lastConn = connString
	return conn, nil
}

func (f *FakeConnector) Type() string {
	return f.dbType
}

// SetOpenError makes subsequent Open calls fail with err (nil to clear).
func (f *FakeConnector) SetOpenError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

// Opened is the number of physical connections ever opened.
func (f *FakeConnector) Opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

// Closed is the number of physical connections closed.
func (f *FakeConnector) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// OpenNow is the number of physical connections currently open.
func (f *FakeConnector) OpenNow() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened - f.closed
}

// MaxOpen is the high-water mark of simultaneously open connections.
func (f *FakeConnector) MaxOpen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxOpen
}

// Conns returns every connection opened so far, in open order.
func (f *FakeConnector) Conns() []*FakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeConn, len(f.conns))
	copy(out, f.conns)
	return out
}

// LastConnString is the connection string passed to the latest successful Open.
func (f *FakeConnector) LastConnString() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastConn
}

// FakeConn is a scriptable datasource.Conn.
type FakeConn struct {
	mu         sync.Mutex
	connector  *FakeConnector
	Seq        int
	ConnString string

	closed      bool
	inTx        bool
	pingErr     error
	execErr     error
	beginErr    error
	commitErr   error
	rollbackErr error

	pings     int
	commits   int
	rollbacks int
	execs     []string
	isoLevels []datasource.IsolationLevel
}

func (c *FakeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	if c.closed {
		return driver.ErrBadConn
	}
	return c.pingErr
}

func (c *FakeConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, driver.ErrBadConn
	}
	c.execs = append(c.execs, query)
	if c.execErr != nil {
		return 0, c.execErr
	}
	return 1, nil
}

func (c *FakeConn) Query(ctx context.Context, query string, args ...any) (*datasource.QueryResult, error) {
	if _, err := c.Exec(ctx, query, args...); err != nil {
		return nil, err
	}
	return &datasource.QueryResult{
		Columns:  []datasource.ColumnInfo{{Name: "query", Type: "TEXT"}},
		Rows:     []map[string]any{{"query": query}},
		RowCount: 1,
	}, nil
}

func (c *FakeConn) BeginTx(ctx context.Context, iso datasource.IsolationLevel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return driver.ErrBadConn
	}
	if c.inTx {
		return datasource.ErrTxInProgress
	}
	if c.beginErr != nil {
		return c.beginErr
	}
	c.inTx = true
	c.isoLevels = append(c.isoLevels, iso)
	return nil
}

func (c *FakeConn) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inTx {
		return datasource.ErrNoTx
	}
	c.inTx = false
	if c.commitErr != nil {
		return c.commitErr
	}
	c.commits++
	return nil
}

func (c *FakeConn) Rollback(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inTx {
		return datasource.ErrNoTx
	}
	c.inTx = false
	if c.rollbackErr != nil {
		return c.rollbackErr
	}
	c.rollbacks++
	return nil
}

func (c *FakeConn) InTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inTx
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.inTx = false
	c.mu.Unlock()

	c.connector.mu.Lock()
	c.connector.closed++
	c.connector.mu.Unlock()
	return nil
}

func (c *FakeConn) Type() string {
	return c.connector.Type()
}

// SetPingError makes Ping fail with err (nil to clear).
func (c *FakeConn) SetPingError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

// SetExecError makes Exec and Query fail with err (nil to clear).
func (c *FakeConn) SetExecError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execErr = err
}

// SetBeginError makes BeginTx fail with err (nil to clear).
func (c *FakeConn) SetBeginError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beginErr = err
}

// SetCommitError makes Commit fail with err (nil to clear).
func (c *FakeConn) SetCommitError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commitErr = err
}

// SetRollbackError makes Rollback fail with err (nil to clear).
func (c *FakeConn) SetRollbackError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollbackErr = err
}

// IsClosed reports whether Close has been called.
func (c *FakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Pings is the number of Ping calls.
func (c *FakeConn) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

// Commits is the number of successful commits.
func (c *FakeConn) Commits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commits
}

// Rollbacks is the number of successful rollbacks.
func (c *FakeConn) Rollbacks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollbacks
}

// Execs returns the statements run through Exec and Query.
func (c *FakeConn) Execs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.execs))
	copy(out, c.execs)
	return out
}

// IsolationLevels returns the isolation level of every transaction begun.
func (c *FakeConn) IsolationLevels() []datasource.IsolationLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]datasource.IsolationLevel, len(c.isoLevels))
	copy(out, c.isoLevels)
	return out
}

var (
	_ datasource.Connector = (*FakeConnector)(nil)
	_ datasource.Conn      = (*FakeConn)(nil)
)
