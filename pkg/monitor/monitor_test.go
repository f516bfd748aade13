package monitor

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/ekaya-dbruntime/pkg/pool"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/settings"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/testhelpers"
)

func newMonitoredPool(t *testing.T, m *Monitor) (*pool.Pool, *testhelpers.FakeConnector) {
	t.Helper()
	providers, connector := testhelpers.NewFakeRegistry()
	reg, err := settings.NewRegistry("orders", settings.ConnectionSettings{
		Name: "orders", Provider: "fake", ConnectionString: "fake://orders", MaxPoolSize: 2,
	})
	require.NoError(t, err)

	p := pool.New(reg, providers, pool.Options{Observer: m}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = p.Close() })
	return p, connector
}

func TestMonitor_RecordsPoolActivity(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New("test", registry, zaptest.NewLogger(t))
	p, _ := newMonitoredPool(t, m)
	ctx := context.Background()

	pc, err := p.Acquire(ctx, "orders")
	require.NoError(t, err)

	usage, ok := m.Connection(pc.ID())
	require.True(t, ok)
	assert.Equal(t, "orders", usage.Database)
	assert.Equal(t, int64(1), usage.Acquisitions)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.inUse.WithLabelValues("orders")))

	require.NoError(t, p.Release(pc))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.inUse.WithLabelValues("orders")))

	pc, err = p.Acquire(ctx, "orders")
	require.NoError(t, err)
	_, err = pc.Exec(ctx, "SELECT 1")
	require.NoError(t, err)
	pc.Conn().(*testhelpers.FakeConn).SetExecError(driver.ErrBadConn)
	_, err = pc.Exec(ctx, "SELECT 1")
	require.Error(t, err)

	usage, ok = m.Connection(pc.ID())
	require.True(t, ok)
	assert.Equal(t, int64(2), usage.Acquisitions)
	assert.Equal(t, int64(1), usage.Errors)
	assert.Contains(t, usage.LastError, "bad connection")

	require.NoError(t, p.Release(pc))
	_, ok = m.Connection(pc.ID())
	assert.False(t, ok, "discarded connections leave the active set")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.opened.WithLabelValues("orders")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.acquired.WithLabelValues("orders")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.discarded.WithLabelValues("orders", "released broken")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.errors.WithLabelValues("orders")))

	snapshot := m.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "orders", snapshot[0].Database)
	assert.Equal(t, int64(1), snapshot[0].Opened)
	assert.Equal(t, map[string]int64{"released broken": 1}, snapshot[0].Discarded)
	assert.Empty(t, snapshot[0].Active)

	m.LogSnapshot()
}

func TestMonitor_OpenFailures(t *testing.T) {
	m := New("", nil, nil)
	p, connector := newMonitoredPool(t, m)
	connector.SetOpenError(errors.New("password authentication failed for user \"app\""))

	_, err := p.Acquire(context.Background(), "orders")
	require.Error(t, err)

	snapshot := m.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, int64(1), snapshot[0].OpenFails)
	assert.Equal(t, int64(1), snapshot[0].Errors)
}

func TestMonitor_Waits(t *testing.T) {
	m := New("test", nil, nil)
	m.OnWait("orders")
	m.OnWait("orders")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.waits.WithLabelValues("orders")))
	assert.Equal(t, int64(2), m.Snapshot()[0].Waits)
}

func TestMonitor_RegistersCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New("dbruntime", registry, nil)
	m.OnOpen("orders", "c1", 10*time.Millisecond)

	families, err := registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "dbruntime_connections_opened_total")
	assert.Contains(t, names, "dbruntime_connection_open_duration_seconds")

	assert.Panics(t, func() { New("dbruntime", registry, nil) }, "duplicate registration")
}

func TestPoolCollector(t *testing.T) {
	p, _ := newMonitoredPool(t, New("test", nil, nil))
	require.NoError(t, p.Warmup(context.Background(), "orders", 2))

	collector := NewPoolCollector("test", p)
	expected := `
# HELP test_pool_idle_connections Number of connections waiting in the idle set
# TYPE test_pool_idle_connections gauge
test_pool_idle_connections{database="orders"} 2
# HELP test_pool_max_connections Configured maximum pool size
# TYPE test_pool_max_connections gauge
test_pool_max_connections{database="orders"} 2
# HELP test_pool_open_connections Number of physical connections currently open
# TYPE test_pool_open_connections gauge
test_pool_open_connections{database="orders"} 2
`
	require.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected)))
}
