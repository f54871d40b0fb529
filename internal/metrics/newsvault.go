package metrics

import (
	"time"
)

// NewsvaultMetrics holds all newsvault-specific metrics.
type NewsvaultMetrics struct {
	registry *Registry

	// Counters
	SegmentsRetrievedTotal   *Counter
	SegmentsFailedTotal      *Counter
	BytesRetrievedTotal      *Counter
	DirectAttemptsTotal      *Counter
	RedundancyAttemptsTotal  *Counter
	FingerprintAttemptsTotal *Counter
	HashMismatchesTotal      *Counter
	ArticlesPostedTotal      *Counter
	PublishJobsTotal         *Counter
	PublishFailuresTotal     *Counter
	IndexRunsTotal           *Counter
	CacheHitsTotal           *Counter

	// Gauges
	ActivePublishJobs *Gauge
	QueueDepth        *Gauge
	KnownServers      *Gauge
	UptimeSeconds     *Gauge

	// Histograms
	RetrievalDuration  *Histogram
	UploadDuration     *Histogram
	IndexBuildDuration *Histogram
	SegmentSizeBytes   *Histogram
}

// startTime records when metrics were initialized.
var startTime = time.Now()

// NewNewsvaultMetrics creates and registers all newsvault metrics.
func NewNewsvaultMetrics(registry *Registry) *NewsvaultMetrics {
	if registry == nil {
		registry = Default()
	}

	m := &NewsvaultMetrics{
		registry: registry,

		// Counters
		SegmentsRetrievedTotal: registry.RegisterCounter(
			"segments_retrieved_total",
			"Total number of segments retrieved and verified",
		),
		SegmentsFailedTotal: registry.RegisterCounter(
			"segments_failed_total",
			"Total number of segments whose strategies were all exhausted",
		),
		BytesRetrievedTotal: registry.RegisterCounter(
			"bytes_retrieved_total",
			"Total bytes of verified segment data retrieved",
		),
		DirectAttemptsTotal: registry.RegisterCounter(
			"direct_attempts_total",
			"Total direct-reference retrieval attempts",
		),
		RedundancyAttemptsTotal: registry.RegisterCounter(
			"redundancy_attempts_total",
			"Total redundancy-recovery retrieval attempts",
		),
		FingerprintAttemptsTotal: registry.RegisterCounter(
			"fingerprint_attempts_total",
			"Total fingerprint-search retrieval attempts",
		),
		HashMismatchesTotal: registry.RegisterCounter(
			"hash_mismatches_total",
			"Total fetched articles rejected by the segment hash gate",
		),
		ArticlesPostedTotal: registry.RegisterCounter(
			"articles_posted_total",
			"Total articles posted to the transport",
		),
		PublishJobsTotal: registry.RegisterCounter(
			"publish_jobs_total",
			"Total publish jobs started",
		),
		PublishFailuresTotal: registry.RegisterCounter(
			"publish_failures_total",
			"Total publish jobs that ended in the failed state",
		),
		IndexRunsTotal: registry.RegisterCounter(
			"index_runs_total",
			"Total completed folder index runs",
		),
		CacheHitsTotal: registry.RegisterCounter(
			"cache_hits_total",
			"Total segment retrievals served from cache",
		),

		// Gauges
		ActivePublishJobs: registry.RegisterGauge(
			"active_publish_jobs",
			"Number of publish jobs currently preparing or uploading",
		),
		QueueDepth: registry.RegisterGauge(
			"queue_depth",
			"Segments waiting in the batch retrieval queue",
		),
		KnownServers: registry.RegisterGauge(
			"known_servers",
			"Number of registered upstream servers",
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Seconds since metrics were initialized",
		),

		// Histograms
		RetrievalDuration: registry.RegisterHistogram(
			"retrieval_duration_seconds",
			"End-to-end duration of single segment retrievals",
			DurationBuckets,
		),
		UploadDuration: registry.RegisterHistogram(
			"upload_duration_seconds",
			"Duration of article posts",
			DurationBuckets,
		),
		IndexBuildDuration: registry.RegisterHistogram(
			"index_build_duration_seconds",
			"Duration of manifest builds including encryption",
			DurationBuckets,
		),
		SegmentSizeBytes: registry.RegisterHistogram(
			"segment_size_bytes",
			"Sizes of verified retrieved segments",
			SizeBuckets,
		),
	}

	return m
}

// UpdateUptime refreshes the uptime gauge.
func (m *NewsvaultMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}

// Registry returns the underlying registry.
func (m *NewsvaultMetrics) Registry() *Registry {
	return m.registry
}
