package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a store. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// Write transaction metrics
	CommitsTotal          prometheus.Counter
	RollbacksTotal        *prometheus.CounterVec
	CommitDuration        prometheus.Histogram
	WriteWaitDuration     prometheus.Histogram
	WriteQueueDepth       prometheus.Gauge
	HeadVersion           prometheus.Gauge
	ActiveVersions        prometheus.Gauge
	ReclaimedEntriesTotal prometheus.Counter
	ReclaimDuration       prometheus.Histogram

	// Commit log metrics
	CommitLogAppendsTotal   prometheus.Counter
	CommitLogAppendDuration prometheus.Histogram
	CommitLogMutationsTotal prometheus.Counter

	// Notification metrics
	NotificationsTotal      *prometheus.CounterVec
	SubscriptionsActive     prometheus.Gauge
	SubscriptionOverflows   prometheus.Counter
	DispatchDuration        prometheus.Histogram
	DispatchedVersionsTotal prometheus.Counter

	// Backlink cache metrics
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	CacheEvictionsTotal prometheus.Counter
	CacheEntries        prometheus.Gauge

	// System metrics
	MemoryUsageBytes prometheus.Gauge
	GoroutinesTotal  prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg. A nil reg uses
// the default registerer.
func NewMetrics(storeName string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	labels := prometheus.Labels{"store": storeName}

	return &Metrics{
		CommitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "livestore",
			Subsystem:   "txn",
			Name:        "commits_total",
			Help:        "Total number of committed write transactions",
			ConstLabels: labels,
		}),
		RollbacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "livestore",
			Subsystem:   "txn",
			Name:        "rollbacks_total",
			Help:        "Total number of rolled back write transactions by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
		CommitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "livestore",
			Subsystem:   "txn",
			Name:        "commit_duration_seconds",
			Help:        "Histogram of commit durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		WriteWaitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "livestore",
			Subsystem:   "txn",
			Name:        "wait_duration_seconds",
			Help:        "Histogram of time spent waiting for the writer slot",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		WriteQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "livestore",
			Subsystem:   "txn",
			Name:        "queue_depth",
			Help:        "Number of writes waiting for the writer slot",
			ConstLabels: labels,
		}),
		HeadVersion: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "livestore",
			Subsystem:   "mvcc",
			Name:        "head_version",
			Help:        "Latest published version",
			ConstLabels: labels,
		}),
		ActiveVersions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "livestore",
			Subsystem:   "mvcc",
			Name:        "active_versions",
			Help:        "Number of distinct pinned versions plus head",
			ConstLabels: labels,
		}),
		ReclaimedEntriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "livestore",
			Subsystem:   "mvcc",
			Name:        "reclaimed_entries_total",
			Help:        "Total number of version chain entries reclaimed",
			ConstLabels: labels,
		}),
		ReclaimDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "livestore",
			Subsystem:   "mvcc",
			Name:        "reclaim_duration_seconds",
			Help:        "Histogram of reclamation pass durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),

		CommitLogAppendsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "livestore",
			Subsystem:   "commitlog",
			Name:        "appends_total",
			Help:        "Total number of commit log appends",
			ConstLabels: labels,
		}),
		CommitLogAppendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "livestore",
			Subsystem:   "commitlog",
			Name:        "append_duration_seconds",
			Help:        "Histogram of commit log append durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 15),
		}),
		CommitLogMutationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "livestore",
			Subsystem:   "commitlog",
			Name:        "mutations_total",
			Help:        "Total number of object mutations appended to the commit log",
			ConstLabels: labels,
		}),

		NotificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "livestore",
			Subsystem:   "notifier",
			Name:        "notifications_total",
			Help:        "Total number of delivered change events by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		SubscriptionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "livestore",
			Subsystem:   "notifier",
			Name:        "subscriptions_active",
			Help:        "Number of registered subscriptions",
			ConstLabels: labels,
		}),
		SubscriptionOverflows: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "livestore",
			Subsystem:   "notifier",
			Name:        "overflows_total",
			Help:        "Total number of subscriptions cancelled for backpressure",
			ConstLabels: labels,
		}),
		DispatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "livestore",
			Subsystem:   "notifier",
			Name:        "dispatch_duration_seconds",
			Help:        "Histogram of per-version dispatch durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		DispatchedVersionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "livestore",
			Subsystem:   "notifier",
			Name:        "versions_total",
			Help:        "Total number of versions processed by the dispatcher",
			ConstLabels: labels,
		}),

		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "livestore",
			Subsystem:   "backlinks",
			Name:        "cache_hits_total",
			Help:        "Total number of backlink cache hits",
			ConstLabels: labels,
		}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "livestore",
			Subsystem:   "backlinks",
			Name:        "cache_misses_total",
			Help:        "Total number of backlink cache misses",
			ConstLabels: labels,
		}),
		CacheEvictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "livestore",
			Subsystem:   "backlinks",
			Name:        "cache_evictions_total",
			Help:        "Total number of backlink cache evictions",
			ConstLabels: labels,
		}),
		CacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "livestore",
			Subsystem:   "backlinks",
			Name:        "cache_entries",
			Help:        "Number of cached backlink sets",
			ConstLabels: labels,
		}),

		MemoryUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "livestore",
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Current memory usage in bytes",
			ConstLabels: labels,
		}),
		GoroutinesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "livestore",
			Subsystem:   "system",
			Name:        "goroutines_total",
			Help:        "Current number of goroutines",
			ConstLabels: labels,
		}),
	}
}

// RecordCommit records a published version
func (m *Metrics) RecordCommit(duration float64, version uint64) {
	if m == nil {
		return
	}
	m.CommitsTotal.Inc()
	m.CommitDuration.Observe(duration)
	m.HeadVersion.Set(float64(version))
}

// RecordRollback records a discarded transaction
func (m *Metrics) RecordRollback(reason string) {
	if m == nil {
		return
	}
	m.RollbacksTotal.WithLabelValues(reason).Inc()
}

// RecordWriteWait records the time a write spent queued
func (m *Metrics) RecordWriteWait(duration float64) {
	if m == nil {
		return
	}
	m.WriteWaitDuration.Observe(duration)
}

// UpdateWriteQueueDepth adds delta to the queued writes gauge
func (m *Metrics) UpdateWriteQueueDepth(delta float64) {
	if m == nil {
		return
	}
	m.WriteQueueDepth.Add(delta)
}

// UpdateActiveVersions updates the active versions gauge
func (m *Metrics) UpdateActiveVersions(n int) {
	if m == nil {
		return
	}
	m.ActiveVersions.Set(float64(n))
}

// RecordReclaim records a reclamation pass
func (m *Metrics) RecordReclaim(duration float64, entries int) {
	if m == nil {
		return
	}
	m.ReclaimDuration.Observe(duration)
	m.ReclaimedEntriesTotal.Add(float64(entries))
}

// RecordCommitLogAppend records a commit log append
func (m *Metrics) RecordCommitLogAppend(duration float64, mutations int) {
	if m == nil {
		return
	}
	m.CommitLogAppendsTotal.Inc()
	m.CommitLogAppendDuration.Observe(duration)
	m.CommitLogMutationsTotal.Add(float64(mutations))
}

// RecordNotification records a delivered change event
func (m *Metrics) RecordNotification(kind string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(kind).Inc()
}

// UpdateSubscriptions adds delta to the active subscriptions gauge
func (m *Metrics) UpdateSubscriptions(delta float64) {
	if m == nil {
		return
	}
	m.SubscriptionsActive.Add(delta)
}

// RecordOverflow records a subscription cancelled for backpressure
func (m *Metrics) RecordOverflow() {
	if m == nil {
		return
	}
	m.SubscriptionOverflows.Inc()
}

// RecordDispatch records one processed version
func (m *Metrics) RecordDispatch(duration float64) {
	if m == nil {
		return
	}
	m.DispatchedVersionsTotal.Inc()
	m.DispatchDuration.Observe(duration)
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.CacheMissesTotal.Inc()
}

// RecordCacheEviction records a cache eviction
func (m *Metrics) RecordCacheEviction() {
	if m == nil {
		return
	}
	m.CacheEvictionsTotal.Inc()
}

// UpdateCacheEntries updates the cache size gauge
func (m *Metrics) UpdateCacheEntries(entries int) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(entries))
}

// UpdateSystemStats updates system resource metrics
func (m *Metrics) UpdateSystemStats(memoryBytes int64, goroutines int) {
	if m == nil {
		return
	}
	m.MemoryUsageBytes.Set(float64(memoryBytes))
	m.GoroutinesTotal.Set(float64(goroutines))
}
