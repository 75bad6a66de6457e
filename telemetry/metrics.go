package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Histogram bucket definitions
var (
	// AllocSizeBuckets spans 8 bytes to 128MiB in powers of four
	AllocSizeBuckets = prometheus.ExponentialBuckets(8, 4, 12)

	// CollectBuckets for forced collections and segment release
	CollectBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}
)

// Segment and memory metrics, sampled from Allocator.Stats
var (
	// SegmentsLive tracks segments currently owned by a thread or abandoned
	SegmentsLive Gauge = NoopStat{}

	// SegmentsAbandoned tracks segments waiting on the abandoned stack
	SegmentsAbandoned Gauge = NoopStat{}

	// SegmentsCached tracks freed segments parked in the segment cache
	SegmentsCached Gauge = NoopStat{}

	// ThreadsLive tracks allocator threads that have not called Done
	ThreadsLive Gauge = NoopStat{}

	// ReservedBytes tracks address space reserved from the OS
	ReservedBytes Gauge = NoopStat{}

	// CommittedBytes tracks memory committed from the OS
	CommittedBytes Gauge = NoopStat{}

	// OSCallsTotal counts OS memory calls by op (alloc, free, commit, decommit)
	OSCallsTotal CounterVec = noopCounterVec{}

	// SegmentEventsTotal counts segment lifecycle events by event (allocated, freed, reclaimed)
	SegmentEventsTotal CounterVec = noopCounterVec{}

	// AllocatorMessagesTotal counts reported allocator messages by level (error, warning)
	AllocatorMessagesTotal CounterVec = noopCounterVec{}
)

// Workload metrics, updated inline by the stress driver
var (
	// AllocationsTotal counts allocations by size class (small, medium, large, huge)
	AllocationsTotal CounterVec = noopCounterVec{}

	// AllocationFailuresTotal counts allocations that returned nil
	AllocationFailuresTotal Counter = NoopStat{}

	// FreesTotal counts frees by path (local, cross_thread)
	FreesTotal CounterVec = noopCounterVec{}

	// AllocationSizeBytes measures requested allocation sizes
	AllocationSizeBytes Histogram = NoopStat{}

	// ThreadRestartsTotal counts worker threads ended and replaced
	ThreadRestartsTotal Counter = NoopStat{}

	// EncodedRecordsTotal counts msgpack records written to native buffers
	EncodedRecordsTotal Counter = NoopStat{}

	// CollectDurationSeconds measures forced collections by trigger (admin, shutdown)
	CollectDurationSeconds HistogramVec = noopHistogramVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	SegmentsLive = NewGauge(
		"segments",
		"Number of live segments",
	)
	SegmentsAbandoned = NewGauge(
		"segments_abandoned",
		"Number of segments on the abandoned stack",
	)
	SegmentsCached = NewGauge(
		"segments_cached",
		"Number of freed segments held in the segment cache",
	)
	ThreadsLive = NewGauge(
		"threads",
		"Number of live allocator threads",
	)
	ReservedBytes = NewGauge(
		"reserved_bytes",
		"Address space reserved from the OS in bytes",
	)
	CommittedBytes = NewGauge(
		"committed_bytes",
		"Memory committed from the OS in bytes",
	)
	OSCallsTotal = NewCounterVec(
		"os_calls_total",
		"OS memory calls by operation",
		[]string{"op"},
	)
	SegmentEventsTotal = NewCounterVec(
		"segment_events_total",
		"Segment lifecycle events",
		[]string{"event"},
	)
	AllocatorMessagesTotal = NewCounterVec(
		"messages_total",
		"Allocator error and warning reports",
		[]string{"level"},
	)

	AllocationsTotal = NewCounterVec(
		"allocations_total",
		"Workload allocations by size class",
		[]string{"class"},
	)
	AllocationFailuresTotal = NewCounter(
		"allocation_failures_total",
		"Workload allocations that returned nil",
	)
	FreesTotal = NewCounterVec(
		"frees_total",
		"Workload frees by path",
		[]string{"path"},
	)
	AllocationSizeBytes = NewHistogramWithBuckets(
		"allocation_size_bytes",
		"Requested allocation size in bytes",
		AllocSizeBuckets,
	)
	ThreadRestartsTotal = NewCounter(
		"thread_restarts_total",
		"Worker threads ended and replaced",
	)
	EncodedRecordsTotal = NewCounter(
		"encoded_records_total",
		"msgpack records encoded into allocator memory",
	)
	CollectDurationSeconds = NewHistogramVec(
		"collect_duration_seconds",
		"Forced collection duration in seconds",
		[]string{"trigger"},
		CollectBuckets,
	)
}
