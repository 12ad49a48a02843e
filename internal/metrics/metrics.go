// Package metrics holds the Prometheus collectors for the replication engine.
//
// A nil *Metrics is valid and records nothing, so every component can accept
// one without checking.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ringside"

// Metrics holds all collectors for the replication engine.
type Metrics struct {
	// Cache metrics
	CacheHitsTotal      *prometheus.CounterVec
	CacheMissesTotal    *prometheus.CounterVec
	CacheExpiredTotal   *prometheus.CounterVec
	CacheEvictionsTotal *prometheus.CounterVec

	// Write metrics
	WritesTotal    *prometheus.CounterVec
	ConflictsTotal *prometheus.CounterVec

	// Sync metrics
	SyncRunsTotal     *prometheus.CounterVec
	SyncRowsTotal     *prometheus.CounterVec
	SyncConflicts     *prometheus.CounterVec
	SyncDuration      *prometheus.HistogramVec
	NotificationTotal *prometheus.CounterVec

	// Connection metrics
	ActiveTransactions prometheus.Gauge
	AdmissionWait      prometheus.Histogram
	RecoveriesTotal    prometheus.Counter
}

// New creates all collectors and registers them with reg.
// Pass prometheus.NewRegistry() in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	tableLabel := []string{"table"}

	return &Metrics{
		CacheHitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of row reads served from the local cache",
		}, tableLabel),
		CacheMissesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of row reads that found no live row",
		}, tableLabel),
		CacheExpiredTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "expired_total",
			Help:      "Total number of rows removed by TTL expiration",
		}, tableLabel),
		CacheEvictionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Total number of rows removed by size-based eviction",
		}, tableLabel),
		WritesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rows",
			Name:      "writes_total",
			Help:      "Total number of row writes by kind",
		}, []string{"table", "kind"}),
		ConflictsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rows",
			Name:      "version_conflicts_total",
			Help:      "Total number of writes rejected for a stale expected version",
		}, tableLabel),
		SyncRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Total number of sync runs by outcome",
		}, []string{"table", "outcome"}),
		SyncRowsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "rows_total",
			Help:      "Total number of rows written by sync",
		}, tableLabel),
		SyncConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "conflicts_resolved_total",
			Help:      "Total number of local/remote conflicts resolved during sync",
		}, tableLabel),
		SyncDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Histogram of sync durations",
			Buckets:   prometheus.DefBuckets,
		}, tableLabel),
		NotificationTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscriptions",
			Name:      "notifications_total",
			Help:      "Total number of debounced snapshot broadcasts",
		}, tableLabel),
		ActiveTransactions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "active_transactions",
			Help:      "Number of transactions currently tracked on the shared connection",
		}),
		AdmissionWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "admission_wait_seconds",
			Help:      "Time callers spent in the connection admission queue",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8), // 1ms to ~16s
		}),
		RecoveriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "recoveries_total",
			Help:      "Total number of delete-and-recreate recovery attempts",
		}),
	}
}

// CacheHit records a live row read.
func (m *Metrics) CacheHit(table string) {
	if m == nil {
		return
	}
	m.CacheHitsTotal.WithLabelValues(table).Inc()
}

// CacheMiss records a read that returned nothing.
func (m *Metrics) CacheMiss(table string) {
	if m == nil {
		return
	}
	m.CacheMissesTotal.WithLabelValues(table).Inc()
}

// Expired records rows removed by TTL.
func (m *Metrics) Expired(table string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheExpiredTotal.WithLabelValues(table).Add(float64(n))
}

// Evicted records rows removed by eviction.
func (m *Metrics) Evicted(table string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheEvictionsTotal.WithLabelValues(table).Add(float64(n))
}

// Write records a row write of the given kind ("set", "batch", "delete").
func (m *Metrics) Write(table, kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.WritesTotal.WithLabelValues(table, kind).Add(float64(n))
}

// VersionConflict records a rejected optimistic write.
func (m *Metrics) VersionConflict(table string) {
	if m == nil {
		return
	}
	m.ConflictsTotal.WithLabelValues(table).Inc()
}

// SyncFinished records the outcome of a sync run.
func (m *Metrics) SyncFinished(table string, ok bool, rows, conflicts int, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	m.SyncRunsTotal.WithLabelValues(table, outcome).Inc()
	m.SyncRowsTotal.WithLabelValues(table).Add(float64(rows))
	m.SyncConflicts.WithLabelValues(table).Add(float64(conflicts))
	m.SyncDuration.WithLabelValues(table).Observe(d.Seconds())
}

// Notified records one snapshot broadcast.
func (m *Metrics) Notified(table string) {
	if m == nil {
		return
	}
	m.NotificationTotal.WithLabelValues(table).Inc()
}

// SetActiveTransactions updates the tracked transaction gauge.
func (m *Metrics) SetActiveTransactions(n int) {
	if m == nil {
		return
	}
	m.ActiveTransactions.Set(float64(n))
}

// AdmissionWaited records time spent waiting for admission.
func (m *Metrics) AdmissionWaited(d time.Duration) {
	if m == nil {
		return
	}
	m.AdmissionWait.Observe(d.Seconds())
}

// Recovered records a recovery attempt.
func (m *Metrics) Recovered() {
	if m == nil {
		return
	}
	m.RecoveriesTotal.Inc()
}
