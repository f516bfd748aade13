package retry

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"reflect"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	mssql "github.com/microsoft/go-mssqldb"

	"github.com/ekaya-inc/ekaya-dbruntime/pkg/apperrors"
)

// Outcome is the retry classification of a failure.
type Outcome int

const (
	// Permanent failures surface immediately.
	Permanent Outcome = iota
	// Transient failures are retried while attempts remain.
	Transient
)

func (o Outcome) String() string {
	if o == Transient {
		return "transient"
	}
	return "permanent"
}

// Classifier maps a failure to an Outcome.
type Classifier func(err error) Outcome

// RetryableError is an interface for errors that explicitly declare their retryability.
type RetryableError interface {
	error
	IsRetryable() bool
}

// PostgreSQL SQLSTATE codes worth retrying. Class 08 (connection exception) is
// matched by prefix.
var postgresTransientCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57014": true, // query_canceled (statement timeout)
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
	"53300": true, // too_many_connections
}

// SQL Server error numbers worth retrying, including the Azure SQL transient set.
var mssqlTransientNumbers = map[int32]bool{
	-2:    true, // client timeout
	233:   true, // connection closed by server
	1205:  true, // deadlock victim
	1222:  true, // lock request time out
	4060:  true, // cannot open database (failover)
	4221:  true, // login to read-secondary failed (replica catching up)
	10053: true, // transport-level error
	10054: true, // connection reset by peer
	10060: true, // network timeout
	10928: true, // resource limit reached
	10929: true, // resource limit reached
	40143: true, // service error processing request
	40197: true, // service error processing request
	40501: true, // service busy
	40613: true, // database unavailable
	49918: true, // not enough resources
	49919: true, // too many create/update operations
	49920: true, // too many operations
}

// MySQL server error numbers worth retrying.
var mysqlTransientNumbers = map[uint16]bool{
	1040: true, // too many connections
	1053: true, // server shutdown in progress
	1205: true, // lock wait timeout
	1213: true, // deadlock
	1158: true, // network read error
	1159: true, // network read timeout
	1160: true, // network write error
	1161: true, // network write timeout
	2006: true, // server has gone away
	2013: true, // lost connection during query
}

// SQLite primary result codes worth retrying.
const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

// Runtime type names containing one of these markers are treated as transient.
var transientTypeMarkers = []string{"Transient", "Timeout", "Deadlock"}

// Message fragments some drivers return without a typed error.
var transientMessagePatterns = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"i/o timeout",
	"deadlock",
}

// DefaultClassifier recognizes timeouts, broken connections, the transient
// error codes of the supported drivers, errors that declare IsRetryable or
// Temporary, and error types whose name marks them transient. Everything else
// is Permanent so unknown failure modes fail fast.
func DefaultClassifier(err error) Outcome {
	if err == nil {
		return Permanent
	}
	// Caller cancellation is never retried.
	if errors.Is(err, context.Canceled) {
		return Permanent
	}
	if isTransient(err) {
		return Transient
	}
	return Permanent
}

func isTransient(err error) bool {
	// An explicit declaration anywhere in the chain beats every other rule, so
	// MarkPermanent over a transient sentinel stays permanent.
	var retryable interface{ IsRetryable() bool }
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, apperrors.ErrConnectionBroken) {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return postgresTransientCodes[pgErr.Code] || strings.HasPrefix(pgErr.Code, "08")
	}

	var msErr mssql.Error
	if errors.As(err, &msErr) {
		return mssqlTransientNumbers[msErr.Number]
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return mysqlTransientNumbers[myErr.Number]
	}

	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		primary := coded.Code() & 0xff
		if primary == sqliteBusy || primary == sqliteLocked {
			return true
		}
	}

	if chainHasTransientTypeName(err) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientMessagePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func chainHasTransientTypeName(err error) bool {
	if err == nil {
		return false
	}
	name := reflect.TypeOf(err).String()
	for _, marker := range transientTypeMarkers {
		if strings.Contains(name, marker) {
			return true
		}
	}
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return chainHasTransientTypeName(u.Unwrap())
	case interface{ Unwrap() []error }:
		for _, inner := range u.Unwrap() {
			if chainHasTransientTypeName(inner) {
				return true
			}
		}
	}
	return false
}

type transientError struct {
	err error
}

func (e *transientError) Error() string     { return e.err.Error() }
func (e *transientError) Unwrap() error     { return e.err }
func (e *transientError) IsRetryable() bool { return true }

// MarkTransient wraps err so DefaultClassifier retries it.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string     { return e.err.Error() }
func (e *permanentError) Unwrap() error     { return e.err }
func (e *permanentError) IsRetryable() bool { return false }

// MarkPermanent wraps err so DefaultClassifier never retries it.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
