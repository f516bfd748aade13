// Package monitor records connection usage for diagnostics and exports it as
// Prometheus metrics. Nothing in the runtime depends on it for correctness.
package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dbruntime/pkg/logging"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/pool"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "dbruntime"

// ConnectionUsage is the usage record of one physical connection.
type ConnectionUsage struct {
	ID           string        `json:"id"`
	Database     string        `json:"database"`
	OpenedAt     time.Time     `json:"opened_at"`
	Acquisitions int64         `json:"acquisitions"`
	LastAcquired time.Time     `json:"last_acquired"`
	TotalHeld    time.Duration `json:"total_held"`
	Errors       int64         `json:"errors"`
	LastError    string        `json:"last_error,omitempty"`
}

// DatabaseUsage aggregates usage for one logical database, including connections
// that have since been discarded.
type DatabaseUsage struct {
	Database  string            `json:"database"`
	Opened    int64             `json:"opened"`
	Discarded map[string]int64  `json:"discarded"`
	Errors    int64             `json:"errors"`
	OpenFails int64             `json:"open_failures"`
	Waits     int64             `json:"waits"`
	Active    []ConnectionUsage `json:"active"`
}

// Monitor implements pool.Observer.
type Monitor struct {
	logger *zap.Logger

	mu          sync.Mutex
	connections map[string]*ConnectionUsage // key: connection ID
	databases   map[string]*DatabaseUsage

	opened      *prometheus.CounterVec
	acquired    *prometheus.CounterVec
	discarded   *prometheus.CounterVec
	errors      *prometheus.CounterVec
	waits       *prometheus.CounterVec
	inUse       *prometheus.GaugeVec
	openLatency *prometheus.HistogramVec
	waitTime    *prometheus.HistogramVec
	holdTime    *prometheus.HistogramVec
}

// New creates a monitor whose collectors are registered with reg. A nil reg keeps
// the collectors unregistered, which still records usage snapshots.
func New(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Monitor {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	factory := promauto.With(reg)

	m := &Monitor{
		logger:      logging.OrNop(logger).Named("monitor"),
		connections: make(map[string]*ConnectionUsage),
		databases:   make(map[string]*DatabaseUsage),
	}

	m.opened = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_opened_total",
			Help:      "Total number of physical connections opened",
		},
		[]string{"database"},
	)

	m.acquired = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_acquired_total",
			Help:      "Total number of connections lent by the pool",
		},
		[]string{"database"},
	)

	m.discarded = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_discarded_total",
			Help:      "Total number of connections closed instead of returned to the idle set",
		},
		[]string{"database", "reason"},
	)

	m.errors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Total number of errors reported by connections",
		},
		[]string{"database"},
	)

	m.waits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_waits_total",
			Help:      "Total number of acquires that waited for a free connection",
		},
		[]string{"database"},
	)

	m.inUse = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_in_use",
			Help:      "Number of connections currently lent",
		},
		[]string{"database"},
	)

	m.openLatency = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_open_duration_seconds",
			Help:      "Time to open a physical connection",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database"},
	)

	m.waitTime = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pool_acquire_wait_seconds",
			Help:      "Time spent waiting for pool admission",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"database"},
	)

	m.holdTime = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_hold_seconds",
			Help:      "Time a connection was held before release",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database"},
	)

	return m
}

// database returns the aggregate for name. Caller must hold m.mu.
func (m *Monitor) database(name string) *DatabaseUsage {
	d, ok := m.databases[name]
	if !ok {
		d = &DatabaseUsage{Database: name, Discarded: make(map[string]int64)}
		m.databases[name] = d
	}
	return d
}

func (m *Monitor) OnOpen(database, connID string, took time.Duration) {
	m.opened.WithLabelValues(database).Inc()
	m.openLatency.WithLabelValues(database).Observe(took.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.database(database).Opened++
	m.connections[connID] = &ConnectionUsage{ID: connID, Database: database, OpenedAt: time.Now()}
}

func (m *Monitor) OnAcquire(database, connID string, waited time.Duration) {
	m.acquired.WithLabelValues(database).Inc()
	m.inUse.WithLabelValues(database).Inc()
	m.waitTime.WithLabelValues(database).Observe(waited.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.connections[connID]; ok {
		u.Acquisitions++
		u.LastAcquired = time.Now()
	}
}

func (m *Monitor) OnRelease(database, connID string, held time.Duration) {
	m.inUse.WithLabelValues(database).Dec()
	m.holdTime.WithLabelValues(database).Observe(held.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.connections[connID]; ok {
		u.TotalHeld += held
	}
}

func (m *Monitor) OnDiscard(database, connID, reason string) {
	m.discarded.WithLabelValues(database, reason).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.database(database).Discarded[reason]++
	delete(m.connections, connID)
}

// OnError records a failure. An empty connID means opening a connection failed.
func (m *Monitor) OnError(database, connID string, err error) {
	m.errors.WithLabelValues(database).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.database(database)
	d.Errors++
	if connID == "" {
		d.OpenFails++
		return
	}
	if u, ok := m.connections[connID]; ok {
		u.Errors++
		u.LastError = logging.SanitizeError(err)
	}
}

func (m *Monitor) OnWait(database string) {
	m.waits.WithLabelValues(database).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.database(database).Waits++
}

// Connection returns the usage record of a live connection.
func (m *Monitor) Connection(connID string) (ConnectionUsage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.connections[connID]
	if !ok {
		return ConnectionUsage{}, false
	}
	return *u, true
}

// Snapshot returns the usage of every database seen so far, sorted by name.
func (m *Monitor) Snapshot() []DatabaseUsage {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := make(map[string][]ConnectionUsage)
	for _, u := range m.connections {
		active[u.Database] = append(active[u.Database], *u)
	}

	out := make([]DatabaseUsage, 0, len(m.databases))
	for name, d := range m.databases {
		cp := *d
		cp.Discarded = make(map[string]int64, len(d.Discarded))
		for k, v := range d.Discarded {
			cp.Discarded[k] = v
		}
		cp.Active = active[name]
		sort.Slice(cp.Active, func(i, j int) bool { return cp.Active[i].OpenedAt.Before(cp.Active[j].OpenedAt) })
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Database < out[j].Database })
	return out
}

// LogSnapshot writes the current usage to the logger at info level.
func (m *Monitor) LogSnapshot() {
	for _, d := range m.Snapshot() {
		m.logger.Info("connection usage",
			zap.String("database", d.Database),
			zap.Int64("opened", d.Opened),
			zap.Int("active", len(d.Active)),
			zap.Int64("errors", d.Errors),
			zap.Int64("open_failures", d.OpenFails),
			zap.Int64("waits", d.Waits),
			zap.Any("discarded", d.Discarded),
		)
	}
}

var _ pool.Observer = (*Monitor)(nil)
