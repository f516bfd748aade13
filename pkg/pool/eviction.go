package pool

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// evictIdleConnections runs periodically to re-validate idle connections.
// Runs in a background goroutine until stopChan is closed.
func (p *Pool) evictIdleConnections() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Evict()
		case <-p.stopChan:
			return
		}
	}
}

// Evict re-validates every idle connection once, closing those that fail the
// probe or have been idle longer than MaxIdleTime. It returns the number closed.
// The background eviction loop calls it on every tick.
func (p *Pool) Evict() int {
	p.mu.Lock()
	dbs := make([]*dbPool, 0, len(p.dbs))
	for _, db := range p.dbs {
		dbs = append(dbs, db)
	}
	p.mu.Unlock()

	total := 0
	for _, db := range dbs {
		total += p.evictDatabase(db)
	}
	return total
}

// evictDatabase checks the idle connections of one database oldest first. Each
// check holds an admission permit so a connection under validation still counts
// against MaxPoolSize; when the pool is fully lent the pass stops early.
func (p *Pool) evictDatabase(db *dbPool) int {
	db.mu.Lock()
	pending := len(db.idle)
	db.mu.Unlock()

	evicted := 0
	for i := 0; i < pending; i++ {
		if !db.sem.TryAcquire(1) {
			break
		}

		db.mu.Lock()
		if db.closed || len(db.idle) == 0 {
			db.mu.Unlock()
			db.sem.Release(1)
			break
		}
		pc := db.idle[0]
		db.idle[0] = nil
		db.idle = db.idle[1:]
		db.mu.Unlock()

		if reason, stale := p.stale(pc); stale {
			p.discard(pc, reason)
			evicted++
		} else {
			db.mu.Lock()
			if db.closed || len(db.idle) >= db.idleCap {
				db.mu.Unlock()
				p.discard(pc, "idle set full")
				evicted++
			} else {
				db.idle = append(db.idle, pc)
				db.mu.Unlock()
			}
		}
		db.sem.Release(1)
	}

	if evicted > 0 {
		db.logger.Info("evicted idle connections", zap.Int("count", evicted))
	}
	return evicted
}

func (p *Pool) stale(pc *PooledConnection) (string, bool) {
	pc.mu.Lock()
	idleFor := time.Since(pc.idleSince)
	pc.mu.Unlock()

	if p.opts.MaxIdleTime > 0 && idleFor > p.opts.MaxIdleTime {
		return "idle timeout", true
	}
	if err := p.validate(context.Background(), pc); err != nil {
		return "validation failed", true
	}
	return "", false
}
