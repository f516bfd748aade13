package mysql

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-dbruntime/pkg/adapters/datasource"
)

func TestNormalizeDSN(t *testing.T) {
	dsn, err := normalizeDSN("app:secret@tcp(127.0.0.1:3306)/audit")
	require.NoError(t, err)
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "tcp(127.0.0.1:3306)/audit")
}

func TestNormalizeDSN_Invalid(t *testing.T) {
	_, err := normalizeDSN("postgres://not-a-mysql-dsn")
	require.Error(t, err)
}

func TestOpen_InvalidDSN(t *testing.T) {
	_, err := Open(context.Background(), "postgres://not-a-mysql-dsn")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse connection string")
}

func TestRegister(t *testing.T) {
	r := datasource.NewRegistry()
	Register(r)
	connector, err := r.Lookup("MariaDB")
	require.NoError(t, err)
	assert.Equal(t, Type, connector.Type())
}
