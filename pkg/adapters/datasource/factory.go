package datasource

import "context"

// OpenFunc opens a physical connection from a connection string.
type OpenFunc func(ctx context.Context, connString string) (Conn, error)

type funcConnector struct {
	dbType string
	open   OpenFunc
}

// NewConnector adapts an OpenFunc into a Connector for the given provider type.
func NewConnector(dbType string, open OpenFunc) Connector {
	return &funcConnector{dbType: dbType, open: open}
}

func (c *funcConnector) Open(ctx context.Context, connString string) (Conn, error) {
	return c.open(ctx, connString)
}

func (c *funcConnector) Type() string {
	return c.dbType
}

// Ensure funcConnector implements Connector at compile time.
var _ Connector = (*funcConnector)(nil)
