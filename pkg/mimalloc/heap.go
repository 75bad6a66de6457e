package mimalloc

import (
	"math/bits"
	"math/rand/v2"
	"sync/atomic"
)

// maxAllocSize bounds a single request; anything above overflows the
// address space this allocator manages.
const maxAllocSize = maxAddress / 2

// emptyPage is the placeholder in every unused direct index entry. It never
// has a free block, so the fast path falls through to the generic one.
var emptyPage Page

type collectMode int

const (
	collectNormal collectMode = iota
	collectForce
	collectAbandon
)

// Heap is a set of page queues, one per size class, owned by a single
// Thread. Only the owning Thread allocates from a heap; other threads reach
// its pages through the atomic free lists.
type Heap struct {
	tld               *Thread
	pagesFreeDirect   [pagesDirect]*Page
	pages             [binFull + 1]pageQueue
	threadDelayedFree atomic.Uintptr
	threadID          uint64
	cookie            uint64
	keys              [2]uintptr
	rng               *rand.Rand
	pageCount         int
	pageRetiredMin    int
	pageRetiredMax    int
	next              *Heap
	noReclaim         bool
}

func newHeap(t *Thread, noReclaim bool) *Heap {
	h := &Heap{
		tld:       t,
		threadID:  t.id,
		noReclaim: noReclaim,
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	h.resetPages()
	h.cookie = h.rng.Uint64() | 1
	if t.alloc.opts.EncodeFreelist {
		h.keys = [2]uintptr{h.randomNext(), h.randomNext()}
	}
	h.next = t.heaps
	t.heaps = h
	return h
}

func (h *Heap) randomNext() uintptr { return uintptr(h.rng.Uint64()) }

func (h *Heap) resetPages() {
	for i := range h.pagesFreeDirect {
		h.pagesFreeDirect[i] = &emptyPage
	}
	for i := range h.pages {
		h.pages[i] = pageQueue{blockSize: binSizes[i]}
	}
	h.pageCount = 0
	h.pageRetiredMin = binFull
	h.pageRetiredMax = 0
}

// Thread returns the owner of the heap.
func (h *Heap) Thread() *Thread { return h.tld }

// PageCount returns the number of pages in the heap queues.
func (h *Heap) PageCount() int { return h.pageCount }

func (h *Heap) isBacking() bool { return h.tld.heapBacking == h }

// Malloc allocates size bytes, or returns 0 when out of memory.
func (h *Heap) Malloc(size uintptr) uintptr { return h.malloc(size, false) }

// Zalloc allocates size zeroed bytes.
func (h *Heap) Zalloc(size uintptr) uintptr { return h.malloc(size, true) }

// Calloc allocates count*size zeroed bytes.
func (h *Heap) Calloc(count, size uintptr) uintptr {
	hi, total := bits.Mul64(uint64(count), uint64(size))
	if hi != 0 {
		h.tld.alloc.errorEvent(ErrOverflow).Uint64("count", uint64(count)).Uint64("size", uint64(size)).
			Msg("allocation request is too large")
		return 0
	}
	return h.malloc(uintptr(total), true)
}

func (h *Heap) malloc(size uintptr, zero bool) uintptr {
	if size <= SmallSizeMax {
		if block := h.pagesFreeDirect[wsizeFromSize(size)].allocateBlock(zero); block != 0 {
			return block
		}
	}
	return h.mallocGeneric(size, zero)
}

// mallocGeneric is the slow path: it settles deferred frees, drops expired
// retired pages and then finds or creates a page with room.
func (h *Heap) mallocGeneric(size uintptr, zero bool) uintptr {
	a := h.tld.alloc
	if size > maxAllocSize {
		a.errorEvent(ErrOverflow).Uint64("size", uint64(size)).Msg("allocation request is too large")
		return 0
	}
	h.delayedFree(false)
	h.collectRetired(false)
	page := h.findPage(size)
	if page == nil {
		// first time out of memory; collect everything and try once more
		h.collect(collectForce)
		page = h.findPage(size)
	}
	if page == nil {
		a.errorEvent(ErrOutOfMemory).Uint64("size", uint64(size)).Msg("unable to allocate memory")
		return 0
	}
	return page.allocateBlock(zero)
}

func (h *Heap) findPage(size uintptr) *Page {
	if size > mediumObjSizeMax {
		return h.largeOrHugePage(size)
	}
	return h.findFreePage(size)
}

// findFreePage returns a page of the size class with a free block. The first
// page of the queue is tried before walking the rest.
func (h *Heap) findFreePage(size uintptr) *Page {
	pq := h.pageQueueFor(size)
	if page := pq.first; page != nil {
		page.freeCollect(false)
		if page.immediateAvailable() {
			page.retireExpire = 0
			return page
		}
	}
	return h.queueFindFree(pq, true)
}

// queueFindFree walks pq for a page with room, moving full pages to the full
// queue on the way, and allocates a fresh page when none is left.
func (h *Heap) queueFindFree(pq *pageQueue, firstTry bool) *Page {
	var page *Page
	for p := pq.first; p != nil; {
		next := p.next
		p.freeCollect(false)
		if p.immediateAvailable() {
			page = p
			break
		}
		if p.capacity < p.reserved {
			p.extendFree()
			page = p
			break
		}
		h.pageToFull(p, pq)
		p = next
	}
	if page == nil {
		page = h.freshPage(pq, pq.blockSize)
		if page == nil && firstTry {
			// a reclaimed segment may have put pages with room in pq
			return h.queueFindFree(pq, false)
		}
		if page == nil {
			return nil
		}
	}
	page.retireExpire = 0
	return page
}

// largeOrHugePage allocates a dedicated page for a single large block.
func (h *Heap) largeOrHugePage(size uintptr) *Page {
	blockSize := goodAllocSize(size)
	pq := &h.pages[binHuge]
	h.sweepHuge(pq)
	page := h.freshPage(pq, blockSize)
	if page == nil {
		return nil
	}
	if blockSize > largeObjSizeMax {
		h.tld.alloc.verboseEvent().Uint64("size", uint64(blockSize)).Msg("huge page allocated")
	}
	return page
}

// sweepHuge frees large pages emptied by other threads.
func (h *Heap) sweepHuge(pq *pageQueue) {
	for page := pq.first; page != nil; {
		next := page.next
		if page.threadFree() != 0 {
			page.freeCollect(false)
			if page.allFree() {
				h.pageFree(page, pq)
			}
		}
		page = next
	}
}

func (h *Heap) freshPage(pq *pageQueue, blockSize uintptr) *Page {
	page := h.tld.segmentPageAlloc(h, blockSize)
	if page == nil {
		return nil
	}
	page.init(h, blockSize)
	h.queuePush(pq, page)
	return page
}

// pageReclaim adds a page of a reclaimed segment to the heap.
func (h *Heap) pageReclaim(page *Page) {
	h.queuePush(h.pageQueueFor(page.blockSize), page)
}

// pageToFull moves a page without free blocks to the full queue. Other
// threads then free into the heap's delayed list so the page comes back as
// soon as a block is released.
func (h *Heap) pageToFull(page *Page, pq *pageQueue) {
	page.useDelayedFree(useDelayedFree, false)
	if page.inFull {
		return
	}
	h.queueEnqueueFrom(&h.pages[binFull], pq, page)
	// a free may have landed before the delayed mode was set
	page.freeCollect(false)
}

// pageUnfull moves a page from the full queue back to its size class.
func (h *Heap) pageUnfull(page *Page) {
	if !page.inFull {
		return
	}
	h.queueEnqueueFrom(h.pageQueueFor(page.blockSize), &h.pages[binFull], page)
	page.useDelayedFree(noDelayedFree, false)
}

// pageRetire is called when the last block of a page is freed. A page that is
// alone in its size class stays around for a few generic allocations since it
// would likely be allocated again right away.
func (h *Heap) pageRetire(page *Page) {
	page.hasAligned = false
	pq := h.pageQueueOf(page)
	if page.blockSize <= maxRetireSize && !pq.isSpecial() && pq.first == page && pq.last == page {
		if page.blockSize <= smallObjSizeMax {
			page.retireExpire = 1 + retireCycles
		} else {
			page.retireExpire = 1 + retireCycles/4
		}
		bin := binOf(page.blockSize)
		h.pageRetiredMin = min(h.pageRetiredMin, bin)
		h.pageRetiredMax = max(h.pageRetiredMax, bin)
		return
	}
	h.pageFree(page, pq)
}

// collectRetired frees retired pages whose countdown ran out, or all of them
// when forced.
func (h *Heap) collectRetired(force bool) {
	lo, hi := binFull, 0
	for bin := h.pageRetiredMin; bin <= h.pageRetiredMax; bin++ {
		pq := &h.pages[bin]
		page := pq.first
		if page == nil || page.retireExpire == 0 {
			continue
		}
		if !page.allFree() {
			page.retireExpire = 0
			continue
		}
		page.retireExpire--
		if force || page.retireExpire == 0 {
			h.pageFree(page, pq)
			continue
		}
		lo = min(lo, bin)
		hi = max(hi, bin)
	}
	h.pageRetiredMin, h.pageRetiredMax = lo, hi
}

// pageFree removes an empty page from the heap and returns its span.
func (h *Heap) pageFree(page *Page, pq *pageQueue) {
	page.hasAligned = false
	h.queueRemove(pq, page)
	page.setHeap(nil)
	h.tld.pageFree(page)
}

// pageAbandon removes a page with live blocks from the heap. Its delayed mode
// must already be neverDelayedFree.
func (h *Heap) pageAbandon(page *Page, pq *pageQueue) {
	page.setHeap(nil)
	h.queueRemove(pq, page)
	h.tld.pageAbandon(page)
}

// freeLocal frees a block on a page owned by the calling thread.
func (h *Heap) freeLocal(page *Page, block uintptr) {
	if page.debug && page.isDoubleFree(block) {
		h.tld.alloc.errorEvent(ErrInvalidFree).Uint64("block", uint64(block)).Msg("double free detected")
		return
	}
	page.blockSetNext(block, page.localFree)
	page.localFree = block
	page.used--
	if page.used == 0 {
		h.pageRetire(page)
	} else if page.inFull {
		h.pageUnfull(page)
	}
}

// freeMT frees a block of a page owned by another thread. The block goes on
// the page's thread free list, or on the owning heap's delayed list when the
// page sits in the full queue.
func (pg *Page) freeMT(block uintptr) {
	var tf uintptr
	var delayed bool
	for {
		tf = pg.xthreadFree.Load()
		delayed = tfDelayed(tf) == useDelayedFree
		var tfx uintptr
		if delayed {
			tfx = tfMake(tfBlock(tf), delayedFreeing)
		} else {
			pg.blockSetNext(block, tfBlock(tf))
			tfx = tfMake(block, tfDelayed(tf))
		}
		if pg.xthreadFree.CompareAndSwap(tf, tfx) {
			break
		}
	}
	if !delayed {
		return
	}
	if h := pg.heap(); h != nil {
		for {
			dfree := h.threadDelayedFree.Load()
			h.blockSetNext(block, dfree)
			if h.threadDelayedFree.CompareAndSwap(dfree, block) {
				break
			}
		}
	}
	for {
		tf = pg.xthreadFree.Load()
		if pg.xthreadFree.CompareAndSwap(tf, tfMake(tfBlock(tf), noDelayedFree)) {
			break
		}
	}
}

// freeDelayedBlock frees a block from the delayed list. It fails when the
// page is still in delayedFreeing.
func (h *Heap) freeDelayedBlock(block uintptr) bool {
	seg := segmentOf(block)
	if seg == nil {
		return true
	}
	page := seg.pageOf(block)
	if !page.tryUseDelayedFree(useDelayedFree, false) {
		return false
	}
	page.freeCollect(false)
	if ph := page.heap(); ph != nil {
		ph.freeLocal(page, block)
	}
	return true
}

// delayedFree frees the blocks on the delayed list. With all set it loops
// until every block is freed.
func (h *Heap) delayedFree(all bool) {
	for {
		var block uintptr
		for {
			block = h.threadDelayedFree.Load()
			if block == 0 || h.threadDelayedFree.CompareAndSwap(block, 0) {
				break
			}
		}
		allFreed := true
		for block != 0 {
			next := h.blockNext(block)
			if !h.freeDelayedBlock(block) {
				allFreed = false
				for {
					dfree := h.threadDelayedFree.Load()
					h.blockSetNext(block, dfree)
					if h.threadDelayedFree.CompareAndSwap(dfree, block) {
						break
					}
				}
			}
			block = next
		}
		if !all || allFreed {
			return
		}
	}
}

// forEachPage visits every page in the heap. fn may remove the page.
func (h *Heap) forEachPage(fn func(pq *pageQueue, page *Page)) {
	for i := range h.pages {
		pq := &h.pages[i]
		for page := pq.first; page != nil; {
			next := page.next
			fn(pq, page)
			page = next
		}
	}
}

// Collect frees retired and empty pages. With force, pending decommits of the
// thread's segments are done as well and the backing heap reclaims every
// abandoned segment.
func (h *Heap) Collect(force bool) {
	if force {
		h.collect(collectForce)
	} else {
		h.collect(collectNormal)
	}
}

func (h *Heap) collect(mode collectMode) {
	t := h.tld
	if mode == collectForce && h.isBacking() && !h.noReclaim {
		t.reclaimAll(h)
	}
	if mode == collectAbandon {
		// no thread may use the delayed list of a heap that goes away
		h.forEachPage(func(_ *pageQueue, page *Page) {
			page.useDelayedFree(neverDelayedFree, false)
		})
	}
	h.delayedFree(true)
	h.collectRetired(mode >= collectForce)
	h.forEachPage(func(pq *pageQueue, page *Page) {
		page.freeCollect(mode >= collectForce)
		switch {
		case page.allFree():
			h.pageFree(page, pq)
		case mode == collectAbandon:
			h.pageAbandon(page, pq)
		}
	})
	if mode >= collectForce {
		t.decommitSegments()
	}
	t.alloc.verboseEvent().Uint64("thread", t.id).Int("mode", int(mode)).Int("pages", h.pageCount).Msg("heap collected")
}

// absorb moves every page of from into h.
func (h *Heap) absorb(from *Heap) {
	if from.pageCount == 0 {
		return
	}
	from.delayedFree(false)
	// retired pages keep their countdown
	h.pageRetiredMin = min(h.pageRetiredMin, from.pageRetiredMin)
	h.pageRetiredMax = max(h.pageRetiredMax, from.pageRetiredMax)
	for i := range h.pages {
		n := h.queueAppend(&h.pages[i], &from.pages[i])
		h.pageCount += n
		from.pageCount -= n
	}
	// the pages point at h now, so what is left on from's list frees into h
	from.delayedFree(true)
	from.resetPages()
}

// Delete releases the heap. Live blocks move to the backing heap of the
// thread; deleting the backing heap abandons its pages.
func (h *Heap) Delete() {
	if h.isBacking() {
		h.collect(collectAbandon)
	} else {
		h.tld.heapBacking.absorb(h)
	}
	h.unlink()
}

// Destroy frees every page of a heap at once, live blocks included. Heaps
// that may hold reclaimed pages of other threads are deleted instead.
func (h *Heap) Destroy() {
	if !h.noReclaim || h.isBacking() {
		h.Delete()
		return
	}
	h.forEachPage(func(_ *pageQueue, page *Page) {
		page.useDelayedFree(neverDelayedFree, false)
		page.used = 0
		page.next, page.prev = nil, nil
		page.setHeap(nil)
		h.tld.pageFree(page)
	})
	h.threadDelayedFree.Store(0)
	h.resetPages()
	h.unlink()
}

func (h *Heap) unlink() {
	t := h.tld
	if h.isBacking() {
		return
	}
	var prev *Heap
	for cur := t.heaps; cur != nil; cur = cur.next {
		if cur == h {
			if prev == nil {
				t.heaps = h.next
			} else {
				prev.next = h.next
			}
			break
		}
		prev = cur
	}
	h.next = nil
}

// Free releases p, which may belong to any heap of any thread.
func (h *Heap) Free(p uintptr) { h.tld.alloc.free(h.tld, p) }

// Contains reports whether p was allocated from this heap.
func (h *Heap) Contains(p uintptr) bool {
	seg := segmentOf(p)
	if seg == nil || seg.alloc != h.tld.alloc {
		return false
	}
	page := seg.pageOf(p)
	return page.isUsed() && page.heap() == h
}

// Realloc resizes p. The block is kept when the new size uses at least half
// of it; otherwise the data moves to a new block.
func (h *Heap) Realloc(p, newSize uintptr) uintptr {
	if p == 0 {
		return h.Malloc(newSize)
	}
	size := h.tld.alloc.usableSize(p)
	if newSize <= size && newSize >= size/2 && newSize > 0 {
		return p
	}
	np := h.Malloc(newSize)
	if np == 0 {
		return 0
	}
	if size > 0 {
		memcopy(np, p, min(size, newSize))
	}
	h.Free(p)
	return np
}

// MallocAligned allocates size bytes at an address that is a multiple of
// alignment, which must be a power of two.
func (h *Heap) MallocAligned(size, alignment uintptr) uintptr {
	a := h.tld.alloc
	if alignment == 0 || alignment&(alignment-1) != 0 || alignment > largeObjSizeMax {
		a.errorEvent(ErrInvalidAlignment).Uint64("alignment", uint64(alignment)).Msg("invalid alignment")
		return 0
	}
	if alignment <= wordSize {
		return h.Malloc(size)
	}
	// blocks of up to maxAlignGuarantee bytes are aligned to their size
	if size <= maxAlignGuarantee && alignment <= maxAlignGuarantee {
		p := h.Malloc(alignUp(size, alignment))
		if p == 0 || p%alignment == 0 {
			return p
		}
		h.Free(p)
	}
	if size > maxAllocSize-alignment {
		a.errorEvent(ErrOverflow).Uint64("size", uint64(size)).Msg("allocation request is too large")
		return 0
	}
	p := h.Malloc(size + alignment - 1)
	if p == 0 {
		return 0
	}
	aligned := alignUp(p, alignment)
	if aligned != p {
		segmentOf(p).pageOf(p).hasAligned = true
	}
	return aligned
}
