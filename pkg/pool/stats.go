package pool

import (
	"sort"
	"time"
)

// Stats is a point-in-time snapshot of one database's pool.
type Stats struct {
	Database     string        `json:"database" yaml:"database"`
	MaxPoolSize  int           `json:"max_pool_size" yaml:"max_pool_size"`
	Open         int           `json:"open" yaml:"open"`
	Idle         int           `json:"idle" yaml:"idle"`
	InUse        int           `json:"in_use" yaml:"in_use"`
	Acquires     int64         `json:"acquires" yaml:"acquires"`
	Waits        int64         `json:"waits" yaml:"waits"`
	WaitDuration time.Duration `json:"wait_duration" yaml:"wait_duration"`
	Opened       int64         `json:"opened" yaml:"opened"`
	Discarded    int64         `json:"discarded" yaml:"discarded"`
}

// Stats returns the snapshot for the named database. Databases that have not
// been used yet report only their configured size.
func (p *Pool) Stats(name string) (Stats, error) {
	s, err := p.settings.Get(name)
	if err != nil {
		return Stats{}, err
	}

	p.mu.Lock()
	db, ok := p.dbs[lowerKey(s.Name)]
	p.mu.Unlock()
	if !ok {
		return Stats{Database: s.Name, MaxPoolSize: s.MaxPoolSize}, nil
	}
	return db.stats(), nil
}

// AllStats returns snapshots for every database the pool has served, sorted by name.
func (p *Pool) AllStats() []Stats {
	p.mu.Lock()
	dbs := make([]*dbPool, 0, len(p.dbs))
	for _, db := range p.dbs {
		dbs = append(dbs, db)
	}
	p.mu.Unlock()

	out := make([]Stats, 0, len(dbs))
	for _, db := range dbs {
		out = append(out, db.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Database < out[j].Database })
	return out
}

func (db *dbPool) stats() Stats {
	db.mu.Lock()
	defer db.mu.Unlock()
	return Stats{
		Database:     db.name,
		MaxPoolSize:  db.settings.MaxPoolSize,
		Open:         db.open,
		Idle:         len(db.idle),
		InUse:        len(db.lent),
		Acquires:     db.acquires,
		Waits:        db.waits,
		WaitDuration: db.waitTotal,
		Opened:       db.opened,
		Discarded:    db.discarded,
	}
}
