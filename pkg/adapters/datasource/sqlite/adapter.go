package sqlite

import (
	"context"

	_ "modernc.org/sqlite" // pure Go SQLite driver, registers "sqlite"

	"github.com/ekaya-inc/ekaya-dbruntime/pkg/adapters/datasource"
)

// Type is the provider identifier used in configuration.
const Type = "sqlite"

// Open opens a SQLite database file (or "file::memory:"). Each connection to an
// unshared in-memory database sees its own empty database.
func Open(ctx context.Context, connString string) (datasource.Conn, error) {
	conn, err := datasource.OpenSQL(ctx, "sqlite", connString, Type)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
