package mssql

import (
	"context"
	"strings"

	_ "github.com/microsoft/go-mssqldb"         // SQL Server driver
	_ "github.com/microsoft/go-mssqldb/azuread" // Azure AD support

	"github.com/ekaya-inc/ekaya-dbruntime/pkg/adapters/datasource"
)

// Type is the provider identifier used in configuration.
const Type = "mssql"

const (
	sqlAuthDriver = "sqlserver"
	azureADDriver = "azuresql"
)

// Open dials SQL Server. Connection strings carrying a fedauth parameter
// (service principal, managed identity, access token) go through the Azure AD driver.
func Open(ctx context.Context, connString string) (datasource.Conn, error) {
	conn, err := datasource.OpenSQL(ctx, driverFor(connString), connString, Type)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func driverFor(connString string) string {
	if strings.Contains(strings.ToLower(connString), "fedauth=") {
		return azureADDriver
	}
	return sqlAuthDriver
}
