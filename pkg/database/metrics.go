package database

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStats is the subset of *pgxpool.Stat exported as metrics.
type PoolStats interface {
	AcquiredConns() int32
	IdleConns() int32
	TotalConns() int32
	MaxConns() int32
	EmptyAcquireCount() int64
	CanceledAcquireCount() int64
}

var _ PoolStats = (*pgxpool.Stat)(nil)

// PoolStatsCollector exports connection pool gauges on every scrape.
type PoolStatsCollector struct {
	stat func() PoolStats

	acquired *prometheus.Desc
	idle     *prometheus.Desc
	total    *prometheus.Desc
	max      *prometheus.Desc
	waited   *prometheus.Desc
	canceled *prometheus.Desc
}

// NewPoolStatsCollector reads stats from the pool on each Collect.
func NewPoolStatsCollector(pool *pgxpool.Pool) *PoolStatsCollector {
	return newPoolStatsCollector(func() PoolStats { return pool.Stat() })
}

func newPoolStatsCollector(stat func() PoolStats) *PoolStatsCollector {
	return &PoolStatsCollector{
		stat:     stat,
		acquired: prometheus.NewDesc("checkout_db_pool_acquired_connections", "Connections currently in use", nil, nil),
		idle:     prometheus.NewDesc("checkout_db_pool_idle_connections", "Idle connections", nil, nil),
		total:    prometheus.NewDesc("checkout_db_pool_total_connections", "Open connections", nil, nil),
		max:      prometheus.NewDesc("checkout_db_pool_max_connections", "Pool size limit", nil, nil),
		waited:   prometheus.NewDesc("checkout_db_pool_empty_acquire_total", "Acquires that had to wait for a connection", nil, nil),
		canceled: prometheus.NewDesc("checkout_db_pool_canceled_acquire_total", "Acquires cancelled by their context", nil, nil),
	}
}

func (c *PoolStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.acquired
	ch <- c.idle
	ch <- c.total
	ch <- c.max
	ch <- c.waited
	ch <- c.canceled
}

func (c *PoolStatsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stat()
	ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.GaugeValue, float64(s.AcquiredConns()))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.IdleConns()))
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(s.TotalConns()))
	ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(s.MaxConns()))
	ch <- prometheus.MustNewConstMetric(c.waited, prometheus.CounterValue, float64(s.EmptyAcquireCount()))
	ch <- prometheus.MustNewConstMetric(c.canceled, prometheus.CounterValue, float64(s.CanceledAcquireCount()))
}
