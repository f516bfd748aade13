package datasource

import (
	"context"
	"errors"
)

var (
	// ErrTxInProgress is returned by BeginTx when the connection already has an open transaction.
	ErrTxInProgress = errors.New("transaction already in progress on connection")

	// ErrNoTx is returned by Commit and Rollback when no transaction is open.
	ErrNoTx = errors.New("no transaction in progress on connection")
)

// Conn is one physical database connection.
// A Conn is used by a single holder at a time; implementations need not be
// safe for concurrent use beyond Close.
type Conn interface {
	// Ping performs a cheap round-trip to verify the connection is usable.
	Ping(ctx context.Context) error

	// Exec runs a statement and returns the number of affected rows.
	// Runs inside the open transaction when there is one.
	Exec(ctx context.Context, query string, args ...any) (int64, error)

	// Query runs a statement and collects every returned row.
	Query(ctx context.Context, query string, args ...any) (*QueryResult, error)

	// BeginTx opens a native transaction at the given isolation level.
	BeginTx(ctx context.Context, iso IsolationLevel) error

	// Commit commits the open transaction.
	Commit(ctx context.Context) error

	// Rollback aborts the open transaction.
	Rollback(ctx context.Context) error

	// InTransaction reports whether a transaction is open.
	InTransaction() bool

	// Close releases the physical connection. An open transaction is rolled back.
	Close() error

	// Type returns the provider type, e.g. "postgres".
	Type() string
}

// Connector opens physical connections for one provider type.
type Connector interface {
	// Open dials a new physical connection using connString.
	Open(ctx context.Context, connString string) (Conn, error)

	// Type returns the provider type the connector serves.
	Type() string
}

// ColumnInfo describes a result column with database-agnostic type information.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"` // Database type name (e.g., "TEXT", "INT4", "VARCHAR")
}

// QueryResult holds the rows returned by Conn.Query.
type QueryResult struct {
	Columns  []ColumnInfo     `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`
}
