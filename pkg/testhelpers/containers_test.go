//go:build integration

package testhelpers

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestPostgresTestDB_Connection(t *testing.T) {
	testDB := GetTestDB(t)

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, testDB.ConnStr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close(ctx)

	var dbName string
	if err := conn.QueryRow(ctx, "SELECT current_database()").Scan(&dbName); err != nil {
		t.Fatalf("failed to read current database: %v", err)
	}
	if dbName != "runtime_test" {
		t.Errorf("expected runtime_test, got %s", dbName)
	}
}
