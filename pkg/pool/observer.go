package pool

import "time"

// Observer receives connection lifecycle events. Implementations must be safe for
// concurrent use and must not block; they run on the caller's goroutine.
type Observer interface {
	OnOpen(database, connID string, took time.Duration)
	OnAcquire(database, connID string, waited time.Duration)
	OnRelease(database, connID string, held time.Duration)
	OnDiscard(database, connID, reason string)
	OnError(database, connID string, err error)
	OnWait(database string)
}

type nopObserver struct{}

func (nopObserver) OnOpen(string, string, time.Duration)    {}
func (nopObserver) OnAcquire(string, string, time.Duration) {}
func (nopObserver) OnRelease(string, string, time.Duration) {}
func (nopObserver) OnDiscard(string, string, string)        {}
func (nopObserver) OnError(string, string, error)           {}
func (nopObserver) OnWait(string)                           {}
