package telemetry

import (
	"sync"
	"time"

	"github.com/maxpert/mialloc/pkg/mimalloc"
)

// StatsProvider is the part of the allocator the collector samples
type StatsProvider interface {
	Stats() mimalloc.Stats
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup

	// last holds the previous sample so monotonic stats feed counters as deltas
	last mimalloc.Stats
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider StatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			// Final sample so short runs still report
			mc.collect()
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	st := mc.provider.Stats()
	UpdateAllocatorStats(st, mc.last)
	mc.last = st
}

// UpdateAllocatorStats publishes one sample. Gauges take the current value,
// counters advance by the difference to prev.
func UpdateAllocatorStats(st, prev mimalloc.Stats) {
	SegmentsLive.Set(float64(st.SegmentsAllocated - st.SegmentsFreed))
	SegmentsAbandoned.Set(float64(st.SegmentsAbandoned))
	SegmentsCached.Set(float64(st.SegmentsCached))
	ThreadsLive.Set(float64(st.Threads))
	ReservedBytes.Set(float64(st.Provider.ReservedBytes))
	CommittedBytes.Set(float64(st.Provider.CommittedBytes))

	addDelta(OSCallsTotal.With("alloc"), st.Provider.AllocCalls, prev.Provider.AllocCalls)
	addDelta(OSCallsTotal.With("free"), st.Provider.FreeCalls, prev.Provider.FreeCalls)
	addDelta(OSCallsTotal.With("commit"), st.Provider.CommitCalls, prev.Provider.CommitCalls)
	addDelta(OSCallsTotal.With("decommit"), st.Provider.DecommitCalls, prev.Provider.DecommitCalls)

	addDelta(SegmentEventsTotal.With("allocated"), st.SegmentsAllocated, prev.SegmentsAllocated)
	addDelta(SegmentEventsTotal.With("freed"), st.SegmentsFreed, prev.SegmentsFreed)
	addDelta(SegmentEventsTotal.With("reclaimed"), st.SegmentsReclaimed, prev.SegmentsReclaimed)

	addDelta(AllocatorMessagesTotal.With("error"), st.Errors, prev.Errors)
	addDelta(AllocatorMessagesTotal.With("warning"), st.Warnings, prev.Warnings)
}

func addDelta(c Counter, cur, prev int64) {
	if d := cur - prev; d > 0 {
		c.Add(float64(d))
	}
}
