package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/multierr"
)

// SQLConn implements Conn on top of database/sql for drivers that only ship a
// database/sql driver (SQL Server, MySQL, SQLite).
// Each SQLConn owns a *sql.DB capped at one connection and pins that
// connection, so pooling stays with the runtime rather than database/sql.
type SQLConn struct {
	mu     sync.Mutex
	db     *sql.DB
	conn   *sql.Conn
	tx     *sql.Tx
	dbType string
}

// OpenSQL opens a single pinned connection through a database/sql driver.
func OpenSQL(ctx context.Context, driverName, dsn, dbType string) (*SQLConn, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s connection: %w", dbType, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to %s: %w", dbType, err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("connection test failed: %w", err)
	}
	return NewSQLConn(db, conn, dbType), nil
}

// NewSQLConn wraps an already pinned connection. db may be nil when the caller
// owns the *sql.DB.
func NewSQLConn(db *sql.DB, conn *sql.Conn, dbType string) *SQLConn {
	return &SQLConn{db: db, conn: conn, dbType: dbType}
}

func (c *SQLConn) Ping(ctx context.Context) error {
	return c.conn.PingContext(ctx)
}

func (c *SQLConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if tx := c.currentTx(); tx != nil {
		res, err = tx.ExecContext(ctx, query, args...)
	} else {
		res, err = c.conn.ExecContext(ctx, query, args...)
	}
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		// Some drivers cannot report affected rows; the statement itself succeeded.
		return 0, nil
	}
	return affected, nil
}

func (c *SQLConn) Query(ctx context.Context, query string, args ...any) (*QueryResult, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if tx := c.currentTx(); tx != nil {
		rows, err = tx.QueryContext(ctx, query, args...)
	} else {
		rows, err = c.conn.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectRows(rows)
}

func collectRows(rows *sql.Rows) (*QueryResult, error) {
	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to get column types: %w", err)
	}

	columns := make([]ColumnInfo, len(columnTypes))
	for i, ct := range columnTypes {
		columns[i] = ColumnInfo{
			Name: ct.Name(),
			Type: strings.ToUpper(ct.DatabaseTypeName()),
		}
	}

	resultRows := make([]map[string]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		rowMap := make(map[string]any, len(columns))
		for i, col := range columns {
			val := values[i]
			if b, ok := val.([]byte); ok && isTextType(col.Type) {
				val = string(b)
			}
			rowMap[col.Name] = val
		}
		resultRows = append(resultRows, rowMap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return &QueryResult{
		Columns:  columns,
		Rows:     resultRows,
		RowCount: len(resultRows),
	}, nil
}

// isTextType reports whether a driver type name holds character data that
// drivers hand back as []byte.
func isTextType(typeName string) bool {
	switch typeName {
	case "CHAR", "NCHAR", "VARCHAR", "NVARCHAR", "TEXT", "NTEXT", "TINYTEXT", "MEDIUMTEXT", "LONGTEXT", "":
		return true
	}
	return false
}

func (c *SQLConn) BeginTx(ctx context.Context, iso IsolationLevel) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tx != nil {
		return ErrTxInProgress
	}
	tx, err := c.conn.BeginTx(ctx, &sql.TxOptions{Isolation: iso.SQLLevel()})
	if err != nil {
		return fmt.Errorf("begin %s transaction: %w", iso, err)
	}
	c.tx = tx
	return nil
}

func (c *SQLConn) Commit(ctx context.Context) error {
	tx, err := c.takeTx()
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (c *SQLConn) Rollback(ctx context.Context) error {
	tx, err := c.takeTx()
	if err != nil {
		return err
	}
	return tx.Rollback()
}

func (c *SQLConn) InTransaction() bool {
	return c.currentTx() != nil
}

// Close rolls back any open transaction and closes the pinned connection.
func (c *SQLConn) Close() error {
	var err error
	if tx, txErr := c.takeTx(); txErr == nil {
		err = multierr.Append(err, tx.Rollback())
	}
	err = multierr.Append(err, c.conn.Close())
	if c.db != nil {
		err = multierr.Append(err, c.db.Close())
	}
	return err
}

func (c *SQLConn) Type() string {
	return c.dbType
}

func (c *SQLConn) currentTx() *sql.Tx {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tx
}

// takeTx detaches the open transaction; the connection is out of the
// transaction whether or not the following Commit/Rollback succeeds.
func (c *SQLConn) takeTx() (*sql.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		return nil, ErrNoTx
	}
	tx := c.tx
	c.tx = nil
	return tx, nil
}

// Ensure SQLConn implements Conn at compile time.
var _ Conn = (*SQLConn)(nil)
