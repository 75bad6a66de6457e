package mimalloc

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

type allocStats struct {
	segmentsAllocated atomic.Int64
	segmentsFreed     atomic.Int64
	segmentsReclaimed atomic.Int64
	segmentBytes      atomic.Int64
}

// Allocator owns the process level state: options, the OS provider, the
// abandoned segment stack and the segment cache. Threads allocate through
// their own Thread; the Allocator methods borrow one from a pool.
type Allocator struct {
	opts     Options
	provider *accountingProvider

	abandoned abandonedStack
	cache     *segmentCache

	threads      *xsync.MapOf[uint64, *Thread]
	nextThreadID atomic.Uint64
	threadCount  atomic.Int64
	pool         chan *Thread

	stats        allocStats
	errorCount   atomic.Int64
	warningCount atomic.Int64
	closed       atomic.Bool
}

// Stats is a snapshot of allocator wide counters.
type Stats struct {
	Provider          ProviderStats `json:"provider" msgpack:"provider"`
	SegmentsAllocated int64         `json:"segments_allocated" msgpack:"segments_allocated"`
	SegmentsFreed     int64         `json:"segments_freed" msgpack:"segments_freed"`
	SegmentsReclaimed int64         `json:"segments_reclaimed" msgpack:"segments_reclaimed"`
	SegmentsAbandoned int64         `json:"segments_abandoned" msgpack:"segments_abandoned"`
	SegmentsCached    int           `json:"segments_cached" msgpack:"segments_cached"`
	SegmentBytes      int64         `json:"segment_bytes" msgpack:"segment_bytes"`
	Threads           int64         `json:"threads" msgpack:"threads"`
	Errors            int64         `json:"errors" msgpack:"errors"`
	Warnings          int64         `json:"warnings" msgpack:"warnings"`
}

// SegmentInfo describes a live segment.
type SegmentInfo struct {
	Handle uint32  `json:"handle" msgpack:"handle"`
	Base   uint64  `json:"base" msgpack:"base"`
	Size   uint64  `json:"size" msgpack:"size"`
	Kind   string  `json:"kind" msgpack:"kind"`
	Thread uint64  `json:"thread" msgpack:"thread"`
}

// New creates an allocator. A nil provider maps memory from the OS.
func New(opts Options, provider Provider) (*Allocator, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid allocator options: %w", err)
	}
	if provider == nil {
		provider = NewOSProvider()
	}
	segmentMapInit()
	a := &Allocator{
		opts:     opts,
		provider: newAccountingProvider(provider),
		threads:  xsync.NewMapOf[uint64, *Thread](),
		pool:     make(chan *Thread, runtime.GOMAXPROCS(0)*2),
	}
	a.cache = newSegmentCache(a)
	return a, nil
}

// Options returns a copy of the allocator options.
func (a *Allocator) Options() Options { return a.opts }

// acquire borrows a pooled thread or starts a new one.
func (a *Allocator) acquire() *Thread {
	select {
	case t := <-a.pool:
		return t
	default:
		return a.NewThread()
	}
}

func (a *Allocator) release(t *Thread) {
	if a.closed.Load() {
		t.Done()
		return
	}
	select {
	case a.pool <- t:
	default:
		t.Done()
	}
}

// Malloc allocates size bytes on a pooled thread.
func (a *Allocator) Malloc(size uintptr) uintptr {
	t := a.acquire()
	defer a.release(t)
	return t.Malloc(size)
}

// Zalloc allocates size zeroed bytes on a pooled thread.
func (a *Allocator) Zalloc(size uintptr) uintptr {
	t := a.acquire()
	defer a.release(t)
	return t.Zalloc(size)
}

// Calloc allocates count*size zeroed bytes on a pooled thread.
func (a *Allocator) Calloc(count, size uintptr) uintptr {
	t := a.acquire()
	defer a.release(t)
	return t.Calloc(count, size)
}

// Realloc resizes p on a pooled thread.
func (a *Allocator) Realloc(p, size uintptr) uintptr {
	t := a.acquire()
	defer a.release(t)
	return t.Realloc(p, size)
}

// MallocAligned allocates aligned memory on a pooled thread.
func (a *Allocator) MallocAligned(size, alignment uintptr) uintptr {
	t := a.acquire()
	defer a.release(t)
	return t.MallocAligned(size, alignment)
}

// Free releases p. Null is a no-op.
func (a *Allocator) Free(p uintptr) {
	if p == 0 {
		return
	}
	t := a.acquire()
	defer a.release(t)
	a.free(t, p)
}

// UsableSize returns the usable size of the block at p, or 0 for pointers
// the allocator does not own.
func (a *Allocator) UsableSize(p uintptr) uintptr { return a.usableSize(p) }

func (a *Allocator) usableSize(p uintptr) uintptr {
	seg := segmentOf(p)
	if seg == nil || seg.alloc != a {
		return 0
	}
	page := seg.pageOf(p)
	if !page.isUsed() || p < page.start {
		return 0
	}
	return page.usableSize(p)
}

// free releases p on behalf of t. Pages owned by t are freed locally,
// everything else through the atomic thread free lists.
func (a *Allocator) free(t *Thread, p uintptr) {
	if p == 0 {
		return
	}
	seg := segmentOf(p)
	if seg == nil || seg.alloc != a {
		a.invalidFree(p, "pointer was not allocated here")
		return
	}
	page := seg.pageOf(p)
	if !page.isUsed() || p < page.start || p >= page.start+page.areaSize {
		a.invalidFree(p, "pointer is not inside a used page")
		return
	}
	block := p
	if page.hasAligned {
		block = page.blockOf(p)
	} else if page.debug && !page.isInPage(p) {
		a.invalidFree(p, "pointer is not at a block boundary")
		return
	}
	if t != nil && seg.threadID.Load() == t.id {
		page.heap().freeLocal(page, block)
		return
	}
	page.freeMT(block)
}

// invalidFree aborts in debug mode and is otherwise reported and ignored.
func (a *Allocator) invalidFree(p uintptr, msg string) {
	if a.opts.Debug {
		fatal(ErrInvalidFree, msg, p)
	}
	a.warningEvent().Err(ErrInvalidFree).Str("addr", fmt.Sprintf("%#x", p)).Msg(msg)
}

// Contains reports whether p points into a live segment of the allocator.
func (a *Allocator) Contains(p uintptr) bool {
	seg := segmentOf(p)
	return seg != nil && seg.alloc == a
}

// Collect releases cached segments and reclaims abandoned segments, freeing
// the ones that became empty. Segments that still hold live blocks are
// abandoned again.
func (a *Allocator) Collect() {
	if a.abandoned.Len() > 0 {
		t := a.NewThread()
		t.heapBacking.collect(collectForce)
		t.Done()
	}
	a.cache.purge()
}

// Stats returns a snapshot of the allocator counters.
func (a *Allocator) Stats() Stats {
	return Stats{
		Provider:          a.provider.stats(),
		SegmentsAllocated: a.stats.segmentsAllocated.Load(),
		SegmentsFreed:     a.stats.segmentsFreed.Load(),
		SegmentsReclaimed: a.stats.segmentsReclaimed.Load(),
		SegmentsAbandoned: a.abandoned.Len(),
		SegmentsCached:    a.cache.len(),
		SegmentBytes:      a.stats.segmentBytes.Load(),
		Threads:           a.threadCount.Load(),
		Errors:            a.errorCount.Load(),
		Warnings:          a.warningCount.Load(),
	}
}

// Segments lists the live segments of the allocator.
func (a *Allocator) Segments() []SegmentInfo {
	var out []SegmentInfo
	segmentRegistry.Range(func(handle uint32, seg *Segment) bool {
		if seg.alloc == a {
			out = append(out, SegmentInfo{
				Handle: handle,
				Base:   uint64(seg.base),
				Size:   uint64(seg.size),
				Kind:   seg.kind.String(),
				Thread: seg.threadID.Load(),
			})
		}
		return true
	})
	return out
}

// Close ends the pooled threads and releases cached segments. With
// destroy_on_exit every segment is returned to the OS, live blocks included.
func (a *Allocator) Close() {
	if !a.closed.CompareAndSwap(false, true) {
		return
	}
	for drained := false; !drained; {
		select {
		case t := <-a.pool:
			t.Done()
		default:
			drained = true
		}
	}
	a.cache.purge()
	if !a.opts.DestroyOnExit {
		return
	}
	// the abandoned segments are unmapped below
	a.abandoned.reset()
	segmentRegistry.Range(func(_ uint32, seg *Segment) bool {
		if seg.alloc == a {
			unregisterSegment(seg)
			a.provider.free(seg.base, seg.size, seg.committedBytes())
		}
		return true
	})
	a.verboseEvent().Int64("threads", a.threadCount.Load()).Msg("allocator destroyed")
}
