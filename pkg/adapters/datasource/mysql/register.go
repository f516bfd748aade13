package mysql

import (
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/adapters/datasource"
)

// Register adds the MySQL provider to r.
func Register(r *datasource.Registry) {
	r.Register(datasource.Registration{
		Info: datasource.ProviderInfo{
			Type:        Type,
			DisplayName: "MySQL",
			Aliases:     []string{"mariadb", "mysql.data.mysqlclient"},
		},
		Connector: datasource.NewConnector(Type, Open),
	})
}
