package apperrors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrConfigurationNotFound    = errors.New("database configuration not found")
	ErrConnectionOpenFailed     = errors.New("failed to open database connection")
	ErrNoProviderConfigured     = errors.New("no provider configured for database")
	ErrNoConnectionConfigured   = errors.New("no connection string configured for database")
	ErrUnknownProvider          = errors.New("unknown database provider")
	ErrPoolClosed               = errors.New("connection pool is closed")
	ErrConnectionNotLent        = errors.New("connection is not currently lent by this pool")
	ErrConnectionBroken         = errors.New("connection is broken")
	ErrTransactionAlreadyActive = errors.New("a transaction session is already active in this context")
	ErrNoActiveTransaction      = errors.New("no active transaction session")
)

// PartialCommitError reports a commit that succeeded on some enlisted connections
// and failed on others. No compensation is attempted; the caller decides how to
// reconcile the committed side.
type PartialCommitError struct {
	SessionID  string
	Committed  []string
	Failed     map[string]error
	RolledBack []string
}

func (e *PartialCommitError) Error() string {
	failed := make([]string, 0, len(e.Failed))
	for id, err := range e.Failed {
		failed = append(failed, fmt.Sprintf("%s: %v", id, err))
	}
	sort.Strings(failed)
	msg := fmt.Sprintf("partial commit in session %s: committed [%s], failed [%s]",
		e.SessionID, strings.Join(e.Committed, ", "), strings.Join(failed, "; "))
	if len(e.RolledBack) > 0 {
		msg += fmt.Sprintf(", rolled back [%s]", strings.Join(e.RolledBack, ", "))
	}
	return msg
}

// Unwrap exposes the per-connection failures to errors.Is / errors.As.
func (e *PartialCommitError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}

// IsPartialCommit reports whether err carries a *PartialCommitError.
func IsPartialCommit(err error) bool {
	var pce *PartialCommitError
	return errors.As(err, &pce)
}
