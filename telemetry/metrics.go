package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// CycleBuckets for distribution cycles (scan + filter + publish + mark)
	CycleBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

	// BatchSizeBuckets for records per cycle or per trigger
	BatchSizeBuckets = []float64{0, 1, 10, 50, 100, 500, 1000, 5000, 10000, 50000}
)

// Distribution Metrics
var (
	// CyclesTotal counts distribution cycles by result (success, noop, source_unavailable,
	// filter_failed, publish_failed, mark_failed, checkpoint_failed)
	CyclesTotal CounterVec = noopCounterVec{}

	// CycleDurationSeconds measures a full cycle
	CycleDurationSeconds Histogram = NoopStat{}

	// CycleBatchSize measures records scanned per cycle
	CycleBatchSize Histogram = NoopStat{}

	// RecordsTotal counts records per distribution stage (scanned, filtered_out, published, marked,
	// undecodable)
	RecordsTotal CounterVec = noopCounterVec{}

	// WatermarkMS tracks the persisted watermark (unix ms)
	WatermarkMS Gauge = NoopStat{}

	// ConsecutiveFailures tracks failed cycles since the last success
	ConsecutiveFailures Gauge = NoopStat{}
)

// Ingestion Metrics
var (
	// IngestFilesTotal counts raw files by result (ingested, failed)
	IngestFilesTotal CounterVec = noopCounterVec{}

	// IngestAlertsTotal counts raw alerts by outcome (stored, cut, invalid)
	IngestAlertsTotal CounterVec = noopCounterVec{}
)

// Correlation Metrics
var (
	// NoticesTotal counts notices received
	NoticesTotal Counter = NoopStat{}

	// ActiveNotices tracks notices currently held in the cache
	ActiveNotices Gauge = NoopStat{}

	// MatchesTotal counts alert/notice matches published
	MatchesTotal Counter = NoopStat{}
)

// Streaming Metrics
var (
	// JobRunning tracks whether a job is running (1) or not (0)
	JobRunning GaugeVec = noopGaugeVec{}

	// JobBatchesTotal counts micro-batches by job and result (success, failed)
	JobBatchesTotal CounterVec = noopCounterVec{}
)

// Store Metrics
var (
	// StoreRecords tracks record counts by status (new, distributed)
	StoreRecords GaugeVec = noopGaugeVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	CyclesTotal = NewCounterVec(
		"distribution_cycles_total",
		"Distribution cycles by result",
		[]string{"result"},
	)
	CycleDurationSeconds = NewHistogram(
		"distribution_cycle_duration_seconds",
		"Distribution cycle duration in seconds",
		CycleBuckets,
	)
	CycleBatchSize = NewHistogram(
		"distribution_cycle_batch_size",
		"Records scanned per distribution cycle",
		BatchSizeBuckets,
	)
	RecordsTotal = NewCounterVec(
		"distribution_records_total",
		"Records by distribution stage",
		[]string{"stage"},
	)
	WatermarkMS = NewGauge(
		"distribution_watermark_ms",
		"Persisted distribution watermark in unix milliseconds",
	)
	ConsecutiveFailures = NewGauge(
		"distribution_consecutive_failures",
		"Failed cycles since the last successful one",
	)

	IngestFilesTotal = NewCounterVec(
		"ingest_files_total",
		"Raw alert files by result",
		[]string{"result"},
	)
	IngestAlertsTotal = NewCounterVec(
		"ingest_alerts_total",
		"Raw alerts by outcome",
		[]string{"outcome"},
	)

	NoticesTotal = NewCounter(
		"correlation_notices_total",
		"Notices received by the correlation job",
	)
	ActiveNotices = NewGauge(
		"correlation_active_notices",
		"Notices currently held for matching",
	)
	MatchesTotal = NewCounter(
		"correlation_matches_total",
		"Alert and notice matches published",
	)

	JobRunning = NewGaugeVec(
		"job_running",
		"Whether a streaming job is running",
		[]string{"job"},
	)
	JobBatchesTotal = NewCounterVec(
		"job_batches_total",
		"Micro-batches by job and result",
		[]string{"job", "result"},
	)

	StoreRecords = NewGaugeVec(
		"store_records",
		"Science store records by status",
		[]string{"status"},
	)
}
