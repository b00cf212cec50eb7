package infra

import (
	"sync/atomic"
	"time"

	"circuit_go/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds pipeline counters. Hot paths only touch atomics; the
// Prometheus view is built on scrape by MetricsCollector.
type Metrics struct {
	// Ingest
	quotesAccepted atomic.Uint64
	quotesRejected atomic.Uint64
	appendErrors   atomic.Uint64

	// Append latency
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Business date resolution, indexed by tier-1
	resolutions [4]atomic.Uint64

	// Archival
	archiveRuns    atomic.Uint64
	archiveCreated atomic.Uint64
	archiveUpdated atomic.Uint64
	archiveSkipped atomic.Uint64
	archiveFailed  atomic.Uint64

	// Gauges
	feedConnections atomic.Int32
	lastArchiveUnix atomic.Int64
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordAccepted records a stored snapshot and how long the append took.
func (m *Metrics) RecordAccepted(latencyNs int64) {
	m.quotesAccepted.Add(1)
	m.latencySumNs.Add(latencyNs)
	m.latencyCount.Add(1)
}

// RecordRejected records a quote refused before sequencing.
func (m *Metrics) RecordRejected() {
	m.quotesRejected.Add(1)
}

// RecordAppendError records a failed durable append.
func (m *Metrics) RecordAppendError() {
	m.appendErrors.Add(1)
}

// RecordResolution counts one business date resolution at tier.
func (m *Metrics) RecordResolution(tier domain.Tier) {
	if tier < domain.TierPrimaryFeed || tier > domain.TierHardFallback {
		return
	}
	m.resolutions[tier-1].Add(1)
}

// RecordArchive folds one archive pass into the counters.
func (m *Metrics) RecordArchive(res domain.ArchiveResult) {
	m.archiveRuns.Add(1)
	m.archiveCreated.Add(uint64(res.Created))
	m.archiveUpdated.Add(uint64(res.Updated))
	m.archiveSkipped.Add(uint64(res.Skipped))
	m.archiveFailed.Add(uint64(len(res.Failures)))
	if !res.FinishedAt.IsZero() {
		m.lastArchiveUnix.Store(res.FinishedAt.Unix())
	}
}

// IncrementConnections increments open feed connections by 1.
func (m *Metrics) IncrementConnections() {
	m.feedConnections.Add(1)
}

// DecrementConnections decrements open feed connections by 1.
func (m *Metrics) DecrementConnections() {
	m.feedConnections.Add(-1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	QuotesAccepted  uint64
	QuotesRejected  uint64
	AppendErrors    uint64
	AvgLatencyNs    int64
	Resolutions     [4]uint64
	ArchiveRuns     uint64
	ArchiveCreated  uint64
	ArchiveUpdated  uint64
	ArchiveSkipped  uint64
	ArchiveFailed   uint64
	FeedConnections int32
	LastArchive     time.Time
	Timestamp       time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	snap := MetricsSnapshot{
		QuotesAccepted:  m.quotesAccepted.Load(),
		QuotesRejected:  m.quotesRejected.Load(),
		AppendErrors:    m.appendErrors.Load(),
		AvgLatencyNs:    avgLatency,
		ArchiveRuns:     m.archiveRuns.Load(),
		ArchiveCreated:  m.archiveCreated.Load(),
		ArchiveUpdated:  m.archiveUpdated.Load(),
		ArchiveSkipped:  m.archiveSkipped.Load(),
		ArchiveFailed:   m.archiveFailed.Load(),
		FeedConnections: m.feedConnections.Load(),
		Timestamp:       time.Now(),
	}
	for i := range m.resolutions {
		snap.Resolutions[i] = m.resolutions[i].Load()
	}
	if ts := m.lastArchiveUnix.Load(); ts > 0 {
		snap.LastArchive = time.Unix(ts, 0).UTC()
	}
	return snap
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.quotesAccepted.Store(0)
	m.quotesRejected.Store(0)
	m.appendErrors.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	for i := range m.resolutions {
		m.resolutions[i].Store(0)
	}
	m.archiveRuns.Store(0)
	m.archiveCreated.Store(0)
	m.archiveUpdated.Store(0)
	m.archiveSkipped.Store(0)
	m.archiveFailed.Store(0)
	m.feedConnections.Store(0)
	m.lastArchiveUnix.Store(0)
}

// ======================================================================================
// Prometheus
// ======================================================================================

const metricsNamespace = "circuit"

// MetricsCollector exposes a Metrics instance as Prometheus metrics.
type MetricsCollector struct {
	m *Metrics

	quotes      *prometheus.Desc
	appendErrs  *prometheus.Desc
	avgLatency  *prometheus.Desc
	resolutions *prometheus.Desc
	archiveRuns *prometheus.Desc
	archived    *prometheus.Desc
	connections *prometheus.Desc
	lastArchive *prometheus.Desc
}

// NewMetricsCollector wraps m. A nil m uses GlobalMetrics.
func NewMetricsCollector(m *Metrics) *MetricsCollector {
	if m == nil {
		m = GlobalMetrics
	}
	fq := func(name string) string { return prometheus.BuildFQName(metricsNamespace, "", name) }
	return &MetricsCollector{
		m:           m,
		quotes:      prometheus.NewDesc(fq("quotes_total"), "Quotes seen by the sequencer, by outcome.", []string{"outcome"}, nil),
		appendErrs:  prometheus.NewDesc(fq("append_errors_total"), "Snapshot appends that failed to persist.", nil, nil),
		avgLatency:  prometheus.NewDesc(fq("append_latency_avg_seconds"), "Average snapshot append latency.", nil, nil),
		resolutions: prometheus.NewDesc(fq("business_date_resolutions_total"), "Business date resolutions, by tier.", []string{"tier"}, nil),
		archiveRuns: prometheus.NewDesc(fq("archive_runs_total"), "Archive passes executed.", nil, nil),
		archived:    prometheus.NewDesc(fq("archive_contracts_total"), "Contracts handled by archive passes, by outcome.", []string{"outcome"}, nil),
		connections: prometheus.NewDesc(fq("feed_connections"), "Open upstream feed connections.", nil, nil),
		lastArchive: prometheus.NewDesc(fq("last_archive_timestamp_seconds"), "Unix time the last archive pass finished.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.quotes
	ch <- c.appendErrs
	ch <- c.avgLatency
	ch <- c.resolutions
	ch <- c.archiveRuns
	ch <- c.archived
	ch <- c.connections
	ch <- c.lastArchive
}

// Collect implements prometheus.Collector.
func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.quotes, prometheus.CounterValue, float64(s.QuotesAccepted), "accepted")
	ch <- prometheus.MustNewConstMetric(c.quotes, prometheus.CounterValue, float64(s.QuotesRejected), "rejected")
	ch <- prometheus.MustNewConstMetric(c.appendErrs, prometheus.CounterValue, float64(s.AppendErrors))
	ch <- prometheus.MustNewConstMetric(c.avgLatency, prometheus.GaugeValue, time.Duration(s.AvgLatencyNs).Seconds())

	for i, n := range s.Resolutions {
		tier := domain.Tier(i + 1)
		ch <- prometheus.MustNewConstMetric(c.resolutions, prometheus.CounterValue, float64(n), tier.String())
	}

	ch <- prometheus.MustNewConstMetric(c.archiveRuns, prometheus.CounterValue, float64(s.ArchiveRuns))
	ch <- prometheus.MustNewConstMetric(c.archived, prometheus.CounterValue, float64(s.ArchiveCreated), "created")
	ch <- prometheus.MustNewConstMetric(c.archived, prometheus.CounterValue, float64(s.ArchiveUpdated), "updated")
	ch <- prometheus.MustNewConstMetric(c.archived, prometheus.CounterValue, float64(s.ArchiveSkipped), "skipped")
	ch <- prometheus.MustNewConstMetric(c.archived, prometheus.CounterValue, float64(s.ArchiveFailed), "failed")
	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(s.FeedConnections))

	var last float64
	if !s.LastArchive.IsZero() {
		last = float64(s.LastArchive.Unix())
	}
	ch <- prometheus.MustNewConstMetric(c.lastArchive, prometheus.GaugeValue, last)
}

// NewRegistry returns a registry carrying m plus the Go runtime and process
// collectors.
func NewRegistry(m *Metrics) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewMetricsCollector(m),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
