package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/ekaya-dbruntime/pkg/adapters/datasource"
)

// Type is the provider identifier used in configuration.
const Type = "postgres"

// closeTimeout bounds the graceful terminate message sent on Close.
const closeTimeout = 5 * time.Second

// Conn is one pgx connection. pgx is used natively rather than through
// database/sql so transaction options and error types stay intact.
type Conn struct {
	mu   sync.Mutex
	conn *pgx.Conn
	tx   pgx.Tx
}

// Open dials PostgreSQL. Accepts URL ("postgres://...") and keyword/value connection strings.
func Open(ctx context.Context, connString string) (datasource.Conn, error) {
	cfg, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return &Conn{conn: conn}, nil
}

func (c *Conn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *Conn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	if tx := c.currentTx(); tx != nil {
		tag, err = tx.Exec(ctx, query, args...)
	} else {
		tag, err = c.conn.Exec(ctx, query, args...)
	}
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c *Conn) Query(ctx context.Context, query string, args ...any) (*datasource.QueryResult, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if tx := c.currentTx(); tx != nil {
		rows, err = tx.Query(ctx, query, args...)
	} else {
		rows, err = c.conn.Query(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	columns := make([]datasource.ColumnInfo, len(fieldDescs))
	for i, fd := range fieldDescs {
		columns[i] = datasource.ColumnInfo{
			Name: fd.Name,
			Type: c.typeName(fd.DataTypeOID),
		}
	}

	resultRows := make([]map[string]any, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row values: %w", err)
		}

		rowMap := make(map[string]any, len(columns))
		for i, col := range columns {
			rowMap[col.Name] = values[i]
		}
		resultRows = append(resultRows, rowMap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return &datasource.QueryResult{
		Columns:  columns,
		Rows:     resultRows,
		RowCount: len(resultRows),
	}, nil
}

func (c *Conn) typeName(oid uint32) string {
	if t, ok := c.conn.TypeMap().TypeForOID(oid); ok {
		return strings.ToUpper(t.Name)
	}
	return "UNKNOWN"
}

func (c *Conn) BeginTx(ctx context.Context, iso datasource.IsolationLevel) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tx != nil {
		return datasource.ErrTxInProgress
	}
	tx, err := c.conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: isoLevel(iso)})
	if err != nil {
		return fmt.Errorf("begin %s transaction: %w", iso, err)
	}
	c.tx = tx
	return nil
}

// isoLevel maps isolation levels onto PostgreSQL. PostgreSQL's repeatable read
// is snapshot isolation, so Snapshot maps there.
func isoLevel(iso datasource.IsolationLevel) pgx.TxIsoLevel {
	switch iso {
	case datasource.IsolationReadUncommitted:
		return pgx.ReadUncommitted
	case datasource.IsolationReadCommitted:
		return pgx.ReadCommitted
	case datasource.IsolationRepeatableRead, datasource.IsolationSnapshot:
		return pgx.RepeatableRead
	case datasource.IsolationSerializable:
		return pgx.Serializable
	default:
		return ""
	}
}

func (c *Conn) Commit(ctx context.Context) error {
	tx, err := c.takeTx()
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (c *Conn) Rollback(ctx context.Context) error {
	tx, err := c.takeTx()
	if err != nil {
		return err
	}
	return tx.Rollback(ctx)
}

func (c *Conn) InTransaction() bool {
	return c.currentTx() != nil
}

// Close terminates the connection. The server rolls back any open transaction.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.tx = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return c.conn.Close(ctx)
}

func (c *Conn) Type() string {
	return Type
}

func (c *Conn) currentTx() pgx.Tx {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tx
}

func (c *Conn) takeTx() (pgx.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		return nil, datasource.ErrNoTx
	}
	tx := c.tx
	c.tx = nil
	return tx, nil
}

// Ensure Conn implements datasource.Conn at compile time.
var _ datasource.Conn = (*Conn)(nil)
