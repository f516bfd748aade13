package sqlite

import (
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/adapters/datasource"
)

// Register adds the SQLite provider to r.
func Register(r *datasource.Registry) {
	r.Register(datasource.Registration{
		Info: datasource.ProviderInfo{
			Type:        Type,
			DisplayName: "SQLite",
			Aliases:     []string{"sqlite3"},
		},
		Connector: datasource.NewConnector(Type, Open),
	})
}
