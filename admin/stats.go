package admin

import (
	"cmp"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/maxpert/mialloc/pkg/mimalloc"
	"github.com/maxpert/mialloc/telemetry"
)

// threadSummary aggregates the segments owned by one thread
type threadSummary struct {
	Thread   uint64 `json:"thread"`
	Segments int    `json:"segments"`
	Bytes    uint64 `json:"bytes"`
	Huge     int    `json:"huge"`
}

// segmentView is the JSON shape of a segment listing entry
type segmentView struct {
	Handle uint32 `json:"handle"`
	Base   string `json:"base"`
	Size   uint64 `json:"size"`
	Kind   string `json:"kind"`
	Thread uint64 `json:"thread"`
}

// handleStats returns allocator counters
func (h *AdminHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	st := h.alloc.Stats()

	response := map[string]interface{}{
		"stats":          st,
		"segments_live":  st.SegmentsAllocated - st.SegmentsFreed,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	}

	writeJSONResponse(w, response, false, "")
}

// handleHealth reports whether the allocator has logged errors
func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := h.alloc.Stats()

	response := map[string]interface{}{
		"healthy": st.Errors == 0,
		"stats": map[string]interface{}{
			"errors":   st.Errors,
			"warnings": st.Warnings,
			"threads":  st.Threads,
		},
	}

	writeJSONResponse(w, response, false, "")
}

// handleOptions returns the resolved allocator options by name
func (h *AdminHandlers) handleOptions(w http.ResponseWriter, r *http.Request) {
	opts := h.alloc.Options()

	response := make(map[string]int64, len(mimalloc.OptionNames))
	for _, name := range mimalloc.OptionNames {
		response[string(name)] = opts.Get(name)
	}

	writeJSONResponse(w, response, false, "")
}

// handleThreads groups live segments by owning thread. Thread 0 holds the
// abandoned segments.
func (h *AdminHandlers) handleThreads(w http.ResponseWriter, r *http.Request) {
	byThread := make(map[uint64]*threadSummary)
	for _, seg := range h.alloc.Segments() {
		s, ok := byThread[seg.Thread]
		if !ok {
			s = &threadSummary{Thread: seg.Thread}
			byThread[seg.Thread] = s
		}
		s.Segments++
		s.Bytes += seg.Size
		if seg.Kind == "huge" {
			s.Huge++
		}
	}

	result := make([]threadSummary, 0, len(byThread))
	for _, s := range byThread {
		result = append(result, *s)
	}
	slices.SortFunc(result, func(a, b threadSummary) int { return cmp.Compare(a.Thread, b.Thread) })

	writeJSONResponse(w, result, false, "")
}

// handleSegments lists live segments ordered by handle, paginated with
// limit and from
func (h *AdminHandlers) handleSegments(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	from, err := parseFrom(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	segs := h.alloc.Segments()
	slices.SortFunc(segs, func(a, b mimalloc.SegmentInfo) int { return cmp.Compare(a.Handle, b.Handle) })

	result := make([]segmentView, 0, limit)
	hasMore := false
	for _, seg := range segs {
		if seg.Handle <= from {
			continue
		}
		if len(result) == limit {
			hasMore = true
			break
		}
		result = append(result, segmentView{
			Handle: seg.Handle,
			Base:   formatAddress(seg.Base),
			Size:   seg.Size,
			Kind:   seg.Kind,
			Thread: seg.Thread,
		})
	}

	lastKey := ""
	if hasMore {
		lastKey = strconv.FormatUint(uint64(result[len(result)-1].Handle), 10)
	}
	writeJSONResponse(w, result, hasMore, lastKey)
}

// handleCollect reclaims abandoned segments and releases the segment cache
func (h *AdminHandlers) handleCollect(w http.ResponseWriter, r *http.Request) {
	before := h.alloc.Stats()
	start := time.Now()
	h.alloc.Collect()
	elapsed := time.Since(start)
	telemetry.CollectDurationSeconds.With("admin").Observe(elapsed.Seconds())
	after := h.alloc.Stats()

	response := map[string]interface{}{
		"duration_ms":     elapsed.Milliseconds(),
		"segments_freed":  after.SegmentsFreed - before.SegmentsFreed,
		"os_frees":        after.Provider.FreeCalls - before.Provider.FreeCalls,
		"abandoned":       after.SegmentsAbandoned,
		"committed_bytes": after.Provider.CommittedBytes,
	}

	writeJSONResponse(w, response, false, "")
}
