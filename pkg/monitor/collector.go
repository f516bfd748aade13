package monitor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ekaya-inc/ekaya-dbruntime/pkg/pool"
)

// StatsSource is the part of pool.Pool the collector reads.
type StatsSource interface {
	AllStats() []pool.Stats
}

// PoolCollector exports pool snapshots as gauges at scrape time.
type PoolCollector struct {
	source StatsSource

	open    *prometheus.Desc
	idle    *prometheus.Desc
	maxSize *prometheus.Desc
}

// NewPoolCollector returns a collector over source. Register it with a
// prometheus.Registerer.
func NewPoolCollector(namespace string, source StatsSource) *PoolCollector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	labels := []string{"database"}
	return &PoolCollector{
		source: source,
		open: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "open_connections"),
			"Number of physical connections currently open",
			labels, nil,
		),
		idle: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "idle_connections"),
			"Number of connections waiting in the idle set",
			labels, nil,
		),
		maxSize: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "max_connections"),
			"Configured maximum pool size",
			labels, nil,
		),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.open
	ch <- c.idle
	ch <- c.maxSize
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.source.AllStats() {
		ch <- prometheus.MustNewConstMetric(c.open, prometheus.GaugeValue, float64(s.Open), s.Database)
		ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.Idle), s.Database)
		ch <- prometheus.MustNewConstMetric(c.maxSize, prometheus.GaugeValue, float64(s.MaxPoolSize), s.Database)
	}
}

var _ prometheus.Collector = (*PoolCollector)(nil)
