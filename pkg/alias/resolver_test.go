package alias

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestResolver(t *testing.T) *Resolver {
	return NewResolver("Orders",
		[]string{"Orders", "ReportingDB", "app_logs", "AuditTrail", "orders_replica", "staging_orders"},
		zaptest.NewLogger(t))
}

func TestResolve_DefaultAliases(t *testing.T) {
	r := newTestResolver(t)
	for _, a := range []string{"main", "MAIN", "default", "Primary", " primary "} {
		assert.Equal(t, "Orders", r.Resolve(a), a)
	}
}

func TestResolve_OwnNames(t *testing.T) {
	r := newTestResolver(t)
	assert.Equal(t, "ReportingDB", r.Resolve("reportingdb"))
	assert.Equal(t, "Orders", r.Resolve("ORDERS"))
}

func TestResolve_Heuristics(t *testing.T) {
	r := newTestResolver(t)

	tests := map[string]string{
		"reports":   "ReportingDB",
		"reporting": "ReportingDB",
		"logs":      "app_logs",
		"logging":   "app_logs",
		"audit":     "AuditTrail",
		"replica":   "orders_replica",
		"readonly":  "orders_replica",
		"staging":   "staging_orders",
	}
	for alias, expected := range tests {
		assert.Equal(t, expected, r.Resolve(alias), alias)
	}
}

func TestResolve_HeuristicsMatchWholeWords(t *testing.T) {
	r := NewResolver("catalog", []string{"catalog", "blog", "instagram_feed", "login_service", "AuditLog", "nightly-staging"}, nil)

	assert.Equal(t, "AuditLog", r.Resolve("logs"))
	assert.Equal(t, "AuditLog", r.Resolve("logging"))
	assert.Equal(t, "AuditLog", r.Resolve("audit"))
	assert.Equal(t, "nightly-staging", r.Resolve("staging"))

	r = NewResolver("catalog", []string{"catalog", "blog", "instagram_feed", "login_service"}, nil)
	assert.Equal(t, "logs", r.Resolve("logs"))
	assert.Equal(t, "staging", r.Resolve("staging"))
	assert.NotContains(t, r.Aliases(), "logs")
	assert.NotContains(t, r.Aliases(), "staging")
}

func TestSplitWords(t *testing.T) {
	tests := map[string][]string{
		"audit_log":       {"audit", "log"},
		"AuditLog":        {"audit", "log"},
		"ReportingDB":     {"reporting", "db"},
		"nightly-staging": {"nightly", "staging"},
		"catalog":         {"catalog"},
		"orders.v2":       {"orders", "v2"},
	}
	for name, want := range tests {
		got := splitWords(name)
		assert.Len(t, got, len(want), name)
		for _, w := range want {
			assert.True(t, got[w], "%s: %s", name, w)
		}
	}
}

func TestResolve_UnknownReturnsInput(t *testing.T) {
	r := newTestResolver(t)
	assert.Equal(t, "unregistered-name", r.Resolve("unregistered-name"))
	assert.Equal(t, "", r.Resolve(""))
}

func TestResolve_RegisteredNameBeatsHeuristic(t *testing.T) {
	r := NewResolver("orders", []string{"reporting_archive", "reports"}, nil)
	assert.Equal(t, "reports", r.Resolve("reports"))
	assert.Equal(t, "reporting_archive", r.Resolve("reporting"))
	assert.Equal(t, "reporting_archive", r.Resolve("archive"))
}

func TestResolve_NoDefaultDatabase(t *testing.T) {
	r := NewResolver("", nil, nil)
	assert.Equal(t, "main", r.Resolve("main"))
	assert.Empty(t, r.Aliases())
}

func TestRegister(t *testing.T) {
	r := newTestResolver(t)

	require.NoError(t, r.Register("Sales", "Orders"))
	assert.Equal(t, "Orders", r.Resolve("sales"))
	assert.True(t, r.IsExplicit("SALES"))
	assert.False(t, r.IsExplicit("reports"))

	// explicit registration overrides a heuristic
	require.NoError(t, r.Register("reports", "Orders"))
	assert.Equal(t, "Orders", r.Resolve("reports"))

	// a database's own name stays reachable
	err := r.Register("reportingdb", "Orders")
	require.Error(t, err)
	assert.Equal(t, "ReportingDB", r.Resolve("reportingdb"))
	require.NoError(t, r.Register("REPORTINGDB", "ReportingDB"))

	assert.Error(t, r.Register("", "Orders"))
	assert.Error(t, r.Register("x", " "))
}

func TestAliases_Snapshot(t *testing.T) {
	r := newTestResolver(t)
	before := len(r.Aliases())

	snapshot := r.Aliases()
	snapshot["mutated"] = "x"
	assert.Len(t, r.Aliases(), before, "snapshot must not alias internal state")

	require.NoError(t, r.Register("mutated", "Orders"))
	assert.Len(t, r.Aliases(), before+1, "map only grows")
}

func TestResolver_Concurrent(t *testing.T) {
	r := newTestResolver(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			alias := fmt.Sprintf("alias-%d", i)
			assert.NoError(t, r.Register(alias, "Orders"))
			assert.Equal(t, "Orders", r.Resolve(alias))
			assert.Equal(t, "Orders", r.Resolve("main"))
		}(i)
	}
	wg.Wait()
}
