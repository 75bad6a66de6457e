package mimalloc

// Thread holds the allocation state of one logical thread: its heaps and
// the free spans of the segments it owns. A Thread must only be used by one
// goroutine at a time; blocks may be freed from any Thread.
type Thread struct {
	id    uint64
	alloc *Allocator

	heapBacking *Heap
	heaps       *Heap

	spans [segmentBinMax + 1]spanQueue

	count       int64
	peakCount   int64
	currentSize int64
	peakSize    int64

	done bool
}

// ThreadStats is a snapshot of the segments owned by a thread.
type ThreadStats struct {
	ID           uint64 `json:"id" msgpack:"id"`
	Heaps        int    `json:"heaps" msgpack:"heaps"`
	Pages        int    `json:"pages" msgpack:"pages"`
	Segments     int64  `json:"segments" msgpack:"segments"`
	PeakSegments int64  `json:"peak_segments" msgpack:"peak_segments"`
	Bytes        int64  `json:"bytes" msgpack:"bytes"`
	PeakBytes    int64  `json:"peak_bytes" msgpack:"peak_bytes"`
}

// NewThread starts a thread on the allocator.
func (a *Allocator) NewThread() *Thread {
	t := &Thread{
		id:    a.nextThreadID.Add(1),
		alloc: a,
	}
	a.threadCount.Add(1)
	t.heapBacking = newHeap(t, false)
	a.threads.Store(t.id, t)
	a.verboseEvent().Uint64("thread", t.id).Msg("thread started")
	return t
}

// ID returns the thread id; ids are never reused within an allocator.
func (t *Thread) ID() uint64 { return t.id }

// Heap returns the backing heap.
func (t *Thread) Heap() *Heap { return t.heapBacking }

// NewHeap creates an extra heap. It never reclaims abandoned segments, which
// makes Destroy safe on it.
func (t *Thread) NewHeap() *Heap { return newHeap(t, true) }

// Malloc allocates from the backing heap.
func (t *Thread) Malloc(size uintptr) uintptr { return t.heapBacking.Malloc(size) }

// Zalloc allocates zeroed memory from the backing heap.
func (t *Thread) Zalloc(size uintptr) uintptr { return t.heapBacking.Zalloc(size) }

// Calloc allocates count*size zeroed bytes from the backing heap.
func (t *Thread) Calloc(count, size uintptr) uintptr { return t.heapBacking.Calloc(count, size) }

// Realloc resizes p using the backing heap.
func (t *Thread) Realloc(p, size uintptr) uintptr { return t.heapBacking.Realloc(p, size) }

// MallocAligned allocates aligned memory from the backing heap.
func (t *Thread) MallocAligned(size, alignment uintptr) uintptr {
	return t.heapBacking.MallocAligned(size, alignment)
}

// Free releases p; it may have been allocated by any thread of the allocator.
func (t *Thread) Free(p uintptr) { t.alloc.free(t, p) }

// UsableSize returns the usable size of the block at p.
func (t *Thread) UsableSize(p uintptr) uintptr { return t.alloc.usableSize(p) }

// Collect collects every heap of the thread.
func (t *Thread) Collect(force bool) {
	for h := t.heaps; h != nil; h = h.next {
		h.Collect(force)
	}
}

// Stats returns the thread counters. Call it from the goroutine using t.
func (t *Thread) Stats() ThreadStats {
	st := ThreadStats{
		ID:           t.id,
		Segments:     t.count,
		PeakSegments: t.peakCount,
		Bytes:        t.currentSize,
		PeakBytes:    t.peakSize,
	}
	for h := t.heaps; h != nil; h = h.next {
		st.Heaps++
		st.Pages += h.pageCount
	}
	return st
}

// Done ends the thread. Extra heaps are merged into the backing heap, empty
// pages are freed and segments that still hold live blocks are abandoned for
// other threads to reclaim.
func (t *Thread) Done() {
	if t.done {
		return
	}
	t.done = true
	for h := t.heaps; h != nil; {
		next := h.next
		if h != t.heapBacking {
			h.Delete()
		}
		h = next
	}
	t.heapBacking.Delete()
	t.alloc.threadCount.Add(-1)
	t.alloc.threads.Delete(t.id)
	t.alloc.verboseEvent().Uint64("thread", t.id).Int64("peak_segments", t.peakCount).Msg("thread done")
}

// reclaimAll takes over every abandoned segment.
func (t *Thread) reclaimAll(h *Heap) {
	a := t.alloc
	for seg := a.abandoned.pop(); seg != nil; seg = a.abandoned.pop() {
		seg.reclaim(t, h, 0)
	}
}

// decommitSegments runs pending decommits of every segment the thread owns.
func (t *Thread) decommitSegments() {
	segmentRegistry.Range(func(_ uint32, seg *Segment) bool {
		if seg.alloc == t.alloc && seg.threadID.Load() == t.id {
			seg.delayedDecommit(true)
		}
		return true
	})
}
