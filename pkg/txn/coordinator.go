// Package txn coordinates one transaction across every connection enlisted in
// it. Commit is sequential and best effort: there is no two-phase protocol, so a
// failure after some connections committed is reported as a partial commit and
// left for the caller to reconcile.
package txn

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dbruntime/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/logging"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateActive State = iota
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Conn is a connection that can take part in a session. *pool.PooledConnection
// implements it.
type Conn interface {
	ID() string
	EnsureOpen(ctx context.Context) error
	BeginTx(ctx context.Context, iso datasource.IsolationLevel) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type contextKey struct{}

// Coordinator opens sessions and routes enlistment to the session in the context.
type Coordinator struct {
	logger *zap.Logger
}

func NewCoordinator(logger *zap.Logger) *Coordinator {
	return &Coordinator{logger: logging.OrNop(logger).Named("txn")}
}

// Session is one transaction spanning the connections enlisted in it.
type Session struct {
	id     string
	iso    datasource.IsolationLevel
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	enlisted []Conn
	ids      map[string]bool

	// held maps a key (the database) to the connection the session keeps for it
	// until it ends. heldIDs outlives the session so late releases are recognised.
	held    map[string]heldConn
	heldIDs map[string]bool
}

type heldConn struct {
	conn    Conn
	release func()
}

// Current returns the session carried by ctx, active or not.
func Current(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(contextKey{}).(*Session)
	return s, ok && s != nil
}

// Active returns the session carried by ctx when it is still active.
func Active(ctx context.Context) (*Session, bool) {
	s, ok := Current(ctx)
	if !ok || s.State() != StateActive {
		return nil, false
	}
	return s, true
}

// Begin starts a session and returns a context carrying it. A context that
// already carries an active session fails with apperrors.ErrTransactionAlreadyActive.
func (c *Coordinator) Begin(ctx context.Context, iso datasource.IsolationLevel) (context.Context, *Session, error) {
	if existing, ok := Active(ctx); ok {
		return ctx, nil, fmt.Errorf("begin: session %s: %w", existing.id, apperrors.ErrTransactionAlreadyActive)
	}

	s := &Session{
		id:      uuid.NewString(),
		iso:     iso,
		state:   StateActive,
		ids:     make(map[string]bool),
		held:    make(map[string]heldConn),
		heldIDs: make(map[string]bool),
	}
	s.logger = c.logger.With(zap.String("session_id", s.id))
	s.logger.Debug("transaction session started", zap.Stringer("isolation", iso))
	return context.WithValue(ctx, contextKey{}, s), s, nil
}

// Enlist adds conn to the active session in ctx. Without an active session it
// logs a warning and does nothing.
func (c *Coordinator) Enlist(ctx context.Context, conn Conn) error {
	s, ok := Active(ctx)
	if !ok {
		c.logger.Warn("enlist requested without an active transaction session",
			zap.String("conn_id", conn.ID()))
		return nil
	}
	return s.Enlist(ctx, conn)
}

// Commit commits s. See Session.Commit.
func (c *Coordinator) Commit(ctx context.Context, s *Session) error {
	if s == nil {
		return apperrors.ErrNoActiveTransaction
	}
	return s.Commit(ctx)
}

// Rollback rolls back s. See Session.Rollback.
func (c *Coordinator) Rollback(ctx context.Context, s *Session) error {
	if s == nil {
		return apperrors.ErrNoActiveTransaction
	}
	return s.Rollback(ctx)
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) IsolationLevel() datasource.IsolationLevel {
	return s.iso
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Enlisted returns the IDs of the enlisted connections in enlistment order.
func (s *Session) Enlisted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.enlisted))
	for i, conn := range s.enlisted {
		out[i] = conn.ID()
	}
	return out
}

// Enlist opens conn if its holder closed it and begins a transaction on it at
// the session's isolation level. Enlisting the same connection twice is a no-op.
func (s *Session) Enlist(ctx context.Context, conn Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return fmt.Errorf("enlist in session %s (%s): %w", s.id, s.state, apperrors.ErrNoActiveTransaction)
	}
	if s.ids[conn.ID()] {
		return nil
	}

	if err := conn.EnsureOpen(ctx); err != nil {
		return fmt.Errorf("enlist connection %s: %w", conn.ID(), err)
	}
	if err := conn.BeginTx(ctx, s.iso); err != nil {
		return fmt.Errorf("enlist connection %s: %w", conn.ID(), err)
	}

	s.enlisted = append(s.enlisted, conn)
	s.ids[conn.ID()] = true
	s.logger.Debug("connection enlisted",
		zap.String("conn_id", conn.ID()),
		zap.Int("enlisted", len(s.enlisted)),
	)
	return nil
}

// Held returns the connection the active session keeps for key.
func (s *Session) Held(key string) (Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return nil, false
	}
	h, ok := s.held[key]
	return h.conn, ok
}

// Holds reports whether conn is, or was, kept by the session. The holder must
// not release such a connection itself: the session calls its release function
// once it commits or rolls back.
func (s *Session) Holds(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heldIDs[conn.ID()]
}

// Hold enlists conn and keeps it for key until the session ends, then calls
// release. When another connection was stored for key in the meantime that one
// is returned and conn is left to the caller, with a transaction begun on it.
// The session lock is not held while conn begins its transaction.
func (s *Session) Hold(ctx context.Context, key string, conn Conn, release func()) (Conn, error) {
	if held, ok := s.Held(key); ok {
		return held, nil
	}

	if err := conn.EnsureOpen(ctx); err != nil {
		return nil, fmt.Errorf("enlist connection %s: %w", conn.ID(), err)
	}
	if err := conn.BeginTx(ctx, s.iso); err != nil {
		return nil, fmt.Errorf("enlist connection %s: %w", conn.ID(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return nil, fmt.Errorf("enlist in session %s (%s): %w", s.id, s.state, apperrors.ErrNoActiveTransaction)
	}
	if h, ok := s.held[key]; ok {
		return h.conn, nil
	}

	s.enlisted = append(s.enlisted, conn)
	s.ids[conn.ID()] = true
	s.held[key] = heldConn{conn: conn, release: release}
	s.heldIDs[conn.ID()] = true
	s.logger.Debug("connection enlisted",
		zap.String("conn_id", conn.ID()),
		zap.String("key", key),
		zap.Int("enlisted", len(s.enlisted)),
	)
	return conn, nil
}

// Commit commits every enlisted connection in enlistment order. When one fails
// the rest are rolled back. If any connection had already committed the result
// is an *apperrors.PartialCommitError; nothing is compensated. Held connections
// are released afterwards, whatever the outcome.
func (s *Session) Commit(ctx context.Context) error {
	var held []heldConn
	defer func() { releaseHeld(held) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return fmt.Errorf("commit session %s (%s): %w", s.id, s.state, apperrors.ErrNoActiveTransaction)
	}
	conns := s.enlisted
	held = s.finish()

	var committed []string
	for i, conn := range conns {
		err := conn.Commit(ctx)
		if err == nil {
			committed = append(committed, conn.ID())
			continue
		}

		rolledBack := s.rollbackAll(ctx, conns[i+1:])
		if len(committed) == 0 {
			s.state = StateRolledBack
			s.logger.Warn("transaction commit failed, session rolled back",
				zap.String("conn_id", conn.ID()),
				logging.Error(err),
			)
			return fmt.Errorf("commit session %s: connection %s: %w", s.id, conn.ID(), err)
		}

		s.state = StateCommitted
		pce := &apperrors.PartialCommitError{
			SessionID:  s.id,
			Committed:  committed,
			Failed:     map[string]error{conn.ID(): err},
			RolledBack: rolledBack,
		}
		s.logger.Error("partial commit",
			zap.Strings("committed", committed),
			zap.String("failed_conn_id", conn.ID()),
			zap.Strings("rolled_back", rolledBack),
			logging.Error(err),
		)
		return pce
	}

	s.state = StateCommitted
	s.logger.Debug("transaction committed", zap.Int("connections", len(conns)))
	return nil
}

// Rollback rolls back every enlisted connection. All connections are attempted;
// failures are combined in the returned error. Held connections are released
// afterwards.
func (s *Session) Rollback(ctx context.Context) error {
	var held []heldConn
	defer func() { releaseHeld(held) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return fmt.Errorf("rollback session %s (%s): %w", s.id, s.state, apperrors.ErrNoActiveTransaction)
	}
	conns := s.enlisted
	held = s.finish()
	s.state = StateRolledBack

	var errs error
	for _, conn := range conns {
		if err := conn.Rollback(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("connection %s: %w", conn.ID(), err))
		}
	}
	if errs != nil {
		s.logger.Warn("transaction rollback incomplete", logging.Error(errs))
		return fmt.Errorf("rollback session %s: %w", s.id, errs)
	}
	s.logger.Debug("transaction rolled back", zap.Int("connections", len(conns)))
	return nil
}

// rollbackAll rolls back conns after a failed commit and returns the IDs that
// rolled back cleanly. Failures are logged; the commit error is what surfaces.
func (s *Session) rollbackAll(ctx context.Context, conns []Conn) []string {
	var rolledBack []string
	for _, conn := range conns {
		if err := conn.Rollback(ctx); err != nil {
			s.logger.Warn("rollback after failed commit failed",
				zap.String("conn_id", conn.ID()),
				logging.Error(err),
			)
			continue
		}
		rolledBack = append(rolledBack, conn.ID())
	}
	return rolledBack
}

// finish clears the enlisted set and hands back the held connections in
// enlistment order. Caller must hold s.mu.
func (s *Session) finish() []heldConn {
	var held []heldConn
	for _, conn := range s.enlisted {
		for key, h := range s.held {
			if h.conn == conn {
				held = append(held, h)
				delete(s.held, key)
				break
			}
		}
	}
	s.enlisted = nil
	s.ids = make(map[string]bool)
	return held
}

// releaseHeld runs outside s.mu; release functions may block on the pool.
func releaseHeld(held []heldConn) {
	for _, h := range held {
		if h.release != nil {
			h.release()
		}
	}
}
