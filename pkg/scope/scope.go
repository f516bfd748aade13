// Package scope carries the ambient "current database" through context.Context.
//
// Scopes are immutable frames chained through the context, so entering a scope
// never changes what the enclosing context reports and goroutines inherit the
// value that was current when they were handed the context.
package scope

import (
	"context"
	"sync/atomic"
)

// DefaultDatabase is reported when no scope has been entered.
const DefaultDatabase = "Default"

type contextKey string

const frameKey contextKey = "databaseScope"

type frame struct {
	name   string
	parent *frame
	closed atomic.Bool
}

// Scope is a handle on an entered database scope.
//
// Restoration is structural: the enclosing context never changes, so the
// previous database is current again as soon as the caller goes back to it.
// Close marks the scope as ended and does not alter what the inner context
// reports, because goroutines handed that context keep the value they
// inherited. Use Ended to detect a context that outlived its scope.
type Scope struct {
	f      *frame
	parent context.Context
	ctx    context.Context
}

// Enter returns a context in which Current reports name, nested inside the
// scope of ctx.
func Enter(ctx context.Context, name string) (context.Context, *Scope) {
	return enter(ctx, &frame{name: name, parent: frameFrom(ctx)})
}

// EnterNew returns a context in which Current reports name, detached from any
// enclosing scope. Used to start independent units of work such as background jobs.
func EnterNew(ctx context.Context, name string) (context.Context, *Scope) {
	return enter(ctx, &frame{name: name})
}

func enter(ctx context.Context, f *frame) (context.Context, *Scope) {
	inner := context.WithValue(ctx, frameKey, f)
	return inner, &Scope{f: f, parent: ctx, ctx: inner}
}

// Run executes fn inside a scope for name. The scope is closed when fn returns
// or panics.
func Run(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	inner, s := Enter(ctx, name)
	defer s.Close()
	return fn(inner)
}

// Current returns the ambient database name, or DefaultDatabase.
func Current(ctx context.Context) string {
	if f := frameFrom(ctx); f != nil {
		return f.name
	}
	return DefaultDatabase
}

// Ended reports whether the innermost scope visible from ctx has been closed.
// A context without a scope never ends.
func Ended(ctx context.Context) bool {
	f := frameFrom(ctx)
	return f != nil && f.closed.Load()
}

// IsSet reports whether any scope has been entered in ctx.
func IsSet(ctx context.Context) bool {
	return frameFrom(ctx) != nil
}

// Stack returns the scope names visible from ctx, outermost first.
// A detached scope starts a new stack.
func Stack(ctx context.Context) []string {
	var names []string
	for f := frameFrom(ctx); f != nil; f = f.parent {
		names = append(names, f.name)
	}
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return names
}

// Depth returns the number of nested scopes visible from ctx.
func Depth(ctx context.Context) int {
	depth := 0
	for f := frameFrom(ctx); f != nil; f = f.parent {
		depth++
	}
	return depth
}

func frameFrom(ctx context.Context) *frame {
	if ctx == nil {
		return nil
	}
	f, _ := ctx.Value(frameKey).(*frame)
	return f
}

// Name returns the database name the scope selected.
func (s *Scope) Name() string {
	return s.f.name
}

// Context returns the context inside the scope.
func (s *Scope) Context() context.Context {
	return s.ctx
}

// Parent returns the context the scope was entered from; it reports the
// previous ambient database.
func (s *Scope) Parent() context.Context {
	return s.parent
}

// Close ends the scope. Safe to call more than once; the first call reports true.
func (s *Scope) Close() bool {
	return s.f.closed.CompareAndSwap(false, true)
}

// Closed reports whether Close has been called.
func (s *Scope) Closed() bool {
	return s.f.closed.Load()
}
