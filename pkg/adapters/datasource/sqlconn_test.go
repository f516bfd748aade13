package datasource_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-dbruntime/pkg/adapters/datasource"
)

func newMockConn(t *testing.T) (*datasource.SQLConn, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	conn, err := db.Conn(context.Background())
	require.NoError(t, err)

	return datasource.NewSQLConn(db, conn, "mock"), mock
}

func TestSQLConn_Exec(t *testing.T) {
	c, mock := newMockConn(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE orders SET status").
		WithArgs("shipped", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	affected, err := c.Exec(ctx, "UPDATE orders SET status = ? WHERE customer_id = ?", "shipped", int64(7))
	require.NoError(t, err)
	assert.Equal(t, int64(3), affected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLConn_Query(t *testing.T) {
	c, mock := newMockConn(t)
	ctx := context.Background()

	rows := sqlmock.NewRowsWithColumnDefinition(
		sqlmock.NewColumn("id").OfType("INT", int64(0)),
		sqlmock.NewColumn("name").OfType("VARCHAR", ""),
	).
		AddRow(int64(1), []byte("alice")).
		AddRow(int64(2), []byte("bob"))
	mock.ExpectQuery("SELECT id, name FROM customers").WillReturnRows(rows)

	result, err := c.Query(ctx, "SELECT id, name FROM customers")
	require.NoError(t, err)
	require.Len(t, result.Columns, 2)
	assert.Equal(t, "id", result.Columns[0].Name)
	assert.Equal(t, "VARCHAR", result.Columns[1].Type)
	assert.Equal(t, 2, result.RowCount)
	assert.Equal(t, "alice", result.Rows[0]["name"])
	assert.Equal(t, int64(2), result.Rows[1]["id"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLConn_TransactionLifecycle(t *testing.T) {
	c, mock := newMockConn(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO audit").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, c.BeginTx(ctx, datasource.IsolationReadCommitted))
	assert.True(t, c.InTransaction())
	assert.ErrorIs(t, c.BeginTx(ctx, datasource.IsolationReadCommitted), datasource.ErrTxInProgress)

	_, err := c.Exec(ctx, "INSERT INTO audit (event) VALUES ('login')")
	require.NoError(t, err)

	require.NoError(t, c.Commit(ctx))
	assert.False(t, c.InTransaction())
	assert.ErrorIs(t, c.Commit(ctx), datasource.ErrNoTx)
	assert.ErrorIs(t, c.Rollback(ctx), datasource.ErrNoTx)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLConn_FailedCommitLeavesTransaction(t *testing.T) {
	c, mock := newMockConn(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

	require.NoError(t, c.BeginTx(ctx, datasource.IsolationSerializable))
	require.Error(t, c.Commit(ctx))
	assert.False(t, c.InTransaction())
}

func TestSQLConn_Ping(t *testing.T) {
	c, mock := newMockConn(t)
	ctx := context.Background()

	mock.ExpectPing()
	require.NoError(t, c.Ping(ctx))

	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	assert.ErrorIs(t, c.Ping(ctx), sql.ErrConnDone)
}

func TestSQLConn_CloseRollsBackOpenTransaction(t *testing.T) {
	c, mock := newMockConn(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectClose()

	require.NoError(t, c.BeginTx(ctx, datasource.IsolationDefault))
	require.NoError(t, c.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}
