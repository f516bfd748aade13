package datasource

import (
	"database/sql"
	"fmt"
	"strings"
)

// IsolationLevel is the transaction isolation requested for a session.
type IsolationLevel int

const (
	IsolationDefault IsolationLevel = iota
	IsolationReadUncommitted
	IsolationReadCommitted
	IsolationRepeatableRead
	IsolationSerializable
	IsolationSnapshot
)

var isolationNames = map[IsolationLevel]string{
	IsolationDefault:         "default",
	IsolationReadUncommitted: "read_uncommitted",
	IsolationReadCommitted:   "read_committed",
	IsolationRepeatableRead:  "repeatable_read",
	IsolationSerializable:    "serializable",
	IsolationSnapshot:        "snapshot",
}

func (l IsolationLevel) String() string {
	if name, ok := isolationNames[l]; ok {
		return name
	}
	return fmt.Sprintf("isolation(%d)", int(l))
}

// SQLLevel maps the level onto database/sql's isolation levels.
func (l IsolationLevel) SQLLevel() sql.IsolationLevel {
	switch l {
	case IsolationReadUncommitted:
		return sql.LevelReadUncommitted
	case IsolationReadCommitted:
		return sql.LevelReadCommitted
	case IsolationRepeatableRead:
		return sql.LevelRepeatableRead
	case IsolationSerializable:
		return sql.LevelSerializable
	case IsolationSnapshot:
		return sql.LevelSnapshot
	default:
		return sql.LevelDefault
	}
}

// ParseIsolationLevel accepts names like "read committed", "READ_COMMITTED" or "serializable".
// An empty string parses as IsolationDefault.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.NewReplacer(" ", "_", "-", "_").Replace(normalized)
	if normalized == "" {
		return IsolationDefault, nil
	}
	for level, name := range isolationNames {
		if name == normalized {
			return level, nil
		}
	}
	return IsolationDefault, fmt.Errorf("unknown isolation level %q", s)
}
