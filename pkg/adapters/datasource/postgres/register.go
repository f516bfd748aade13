package postgres

import (
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/adapters/datasource"
)

// Register adds the PostgreSQL provider to r.
func Register(r *datasource.Registry) {
	r.Register(datasource.Registration{
		Info: datasource.ProviderInfo{
			Type:        Type,
			DisplayName: "PostgreSQL",
			Aliases:     []string{"postgresql", "pgx", "npgsql"},
		},
		Connector: datasource.NewConnector(Type, Open),
	})
}
