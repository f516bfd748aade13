package mysql

import (
	"context"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/ekaya-inc/ekaya-dbruntime/pkg/adapters/datasource"
)

// Type is the provider identifier used in configuration.
const Type = "mysql"

// Open dials MySQL/MariaDB using a go-sql-driver DSN (user:pass@tcp(host:3306)/db).
func Open(ctx context.Context, connString string) (datasource.Conn, error) {
	dsn, err := normalizeDSN(connString)
	if err != nil {
		return nil, err
	}
	conn, err := datasource.OpenSQL(ctx, "mysql", dsn, Type)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// normalizeDSN validates the DSN and turns on parseTime so temporal columns
// come back as time.Time rather than []byte.
func normalizeDSN(connString string) (string, error) {
	cfg, err := mysql.ParseDSN(connString)
	if err != nil {
		return "", fmt.Errorf("failed to parse connection string: %w", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}
