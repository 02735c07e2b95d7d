package telemetry

var (
	// FlushBuckets for deferred listener flush latency (in-process callbacks)
	FlushBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1}

	// BatchSizeBuckets for number of events delivered per deferred flush
	BatchSizeBuckets = []float64{1, 2, 5, 10, 25, 50, 100, 250, 1000}
)

// Dispatch Metrics
var (
	// EventsTotal counts notified events by kind (insert, update, delete)
	EventsTotal CounterVec = noopCounterVec{}

	// ImmediateFailuresTotal counts immediate listener errors that aborted a write
	ImmediateFailuresTotal Counter = NoopStat{}

	// DeferredFlushesTotal counts deferred listener calls by outcome (committed, rolled_back)
	DeferredFlushesTotal CounterVec = noopCounterVec{}

	// DeferredFlushFailuresTotal counts deferred listener calls that returned an error or panicked
	DeferredFlushFailuresTotal Counter = NoopStat{}

	// FlushBatchSize measures events delivered per deferred listener call
	FlushBatchSize Histogram = NoopStat{}

	// FlushDurationSeconds measures the time spent flushing one transaction
	FlushDurationSeconds HistogramVec = noopHistogramVec{}

	// ActiveTransactions tracks transactions between begin and resolve
	ActiveTransactions Gauge = NoopStat{}

	// TxnTotal counts resolved transactions by result (committed, rolled_back)
	TxnTotal CounterVec = noopCounterVec{}
)

// Publisher Metrics
var (
	// PublishedTotal counts messages handed to sinks by sink and result (success, failed)
	PublishedTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Called by InitializeTelemetry().
func InitMetrics() {
	EventsTotal = NewCounterVec(
		"events_total",
		"Total change events notified by kind",
		[]string{"kind"},
	)
	ImmediateFailuresTotal = NewCounter(
		"immediate_failures_total",
		"Immediate listener failures that aborted a write",
	)
	DeferredFlushesTotal = NewCounterVec(
		"deferred_flushes_total",
		"Deferred listener invocations by transaction outcome",
		[]string{"outcome"},
	)
	DeferredFlushFailuresTotal = NewCounter(
		"deferred_flush_failures_total",
		"Deferred listener invocations that failed",
	)
	FlushBatchSize = NewHistogramWithBuckets(
		"flush_batch_size",
		"Events delivered per deferred listener invocation",
		BatchSizeBuckets,
	)
	FlushDurationSeconds = NewHistogramVec(
		"flush_duration_seconds",
		"Time spent flushing deferred listeners per transaction",
		[]string{"outcome"},
		FlushBuckets,
	)
	ActiveTransactions = NewGauge(
		"active_transactions",
		"Number of transactions between begin and resolve",
	)
	TxnTotal = NewCounterVec(
		"txn_total",
		"Resolved transactions by result",
		[]string{"result"},
	)
	PublishedTotal = NewCounterVec(
		"published_total",
		"Messages handed to sinks by sink and result",
		[]string{"sink", "result"},
	)
}
