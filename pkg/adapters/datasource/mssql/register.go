package mssql

import (
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/adapters/datasource"
)

// Register adds the SQL Server provider to r.
func Register(r *datasource.Registry) {
	r.Register(datasource.Registration{
		Info: datasource.ProviderInfo{
			Type:        Type,
			DisplayName: "Microsoft SQL Server",
			Aliases:     []string{"sqlserver", "azuresql", "system.data.sqlclient"},
		},
		Connector: datasource.NewConnector(Type, Open),
	})
}
