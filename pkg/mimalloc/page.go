package mimalloc

import (
	"runtime"
	"sync/atomic"
)

// delayedMode is kept in the low two bits of Page.xthreadFree.
type delayedMode uintptr

const (
	useDelayedFree   delayedMode = 0 // push frees on the owning heap's delayed list
	delayedFreeing   delayedMode = 1 // a thread is pushing on the heap's delayed list
	noDelayedFree    delayedMode = 2 // push frees on the page's thread free list
	neverDelayedFree delayedMode = 3 // like noDelayedFree, and never reset
)

func tfBlock(tf uintptr) uintptr { return tf &^ 3 }
func tfDelayed(tf uintptr) delayedMode { return delayedMode(tf & 3) }
func tfMake(block uintptr, d delayedMode) uintptr { return block | uintptr(d) }

// Page is a slice of a segment. The first slice of a span describes the
// span: a page of equally sized blocks when blockSize > 0, or a free span when
// blockSize == 0. Interior slices only carry sliceOffset back to the first.
type Page struct {
	segment     *Segment
	sliceIndex  int
	sliceCount  int
	sliceOffset int

	isReset     bool
	isCommitted bool
	isZeroInit  bool

	capacity uint32
	reserved uint32
	used     uint32

	inFull       bool
	hasAligned   bool
	isZero       bool
	retireExpire uint8

	free      uintptr
	localFree uintptr
	keys      [2]uintptr
	debug     bool

	blockSize uintptr
	start     uintptr
	areaSize  uintptr

	xthreadFree atomic.Uintptr
	xheap       atomic.Pointer[Heap]

	next *Page
	prev *Page
}

// BlockSize returns the size of each block on the page.
func (pg *Page) BlockSize() uintptr { return pg.blockSize }

// Used returns the number of blocks in use, including blocks on the thread
// free list that have not been collected yet.
func (pg *Page) Used() uint32 { return pg.used }

// Reserved returns the number of blocks that fit on the page.
func (pg *Page) Reserved() uint32 { return pg.reserved }

// Capacity returns the number of blocks initialised so far.
func (pg *Page) Capacity() uint32 { return pg.capacity }

func (pg *Page) heap() *Heap { return pg.xheap.Load() }
func (pg *Page) setHeap(h *Heap) { pg.xheap.Store(h) }
func (pg *Page) isUsed() bool { return pg.blockSize > 0 }
func (pg *Page) allFree() bool { return pg.used == 0 }
func (pg *Page) isHuge() bool { return pg.segment.kind == segmentHuge }
func (pg *Page) threadFree() uintptr {
	return tfBlock(pg.xthreadFree.Load())
}

func (pg *Page) immediateAvailable() bool { return pg.free != 0 }

func (pg *Page) hasAnyAvailable() bool {
	return pg.used < pg.reserved || pg.threadFree() != 0
}

func (pg *Page) usableBlockSize() uintptr { return pg.blockSize - paddingSize }

// allocateBlock pops a block off the free list, or returns 0 when the page
// has no immediately available block.
func (pg *Page) allocateBlock(zero bool) uintptr {
	block := pg.free
	if block == 0 {
		pg.freeCollect(false)
		if block = pg.free; block == 0 {
			return 0
		}
	}
	pg.free = pg.blockNext(block)
	pg.used++
	if zero {
		if pg.isZero {
			storeWord(block, 0)
		} else {
			memzero(block, pg.usableBlockSize())
		}
	} else if pg.debug && !pg.isZero && !pg.isHuge() {
		memset(block, pg.usableBlockSize(), debugUninit)
	}
	return block
}

// tryUseDelayedFree switches the delayed mode. It fails when another thread
// keeps the page in delayedFreeing for too long.
func (pg *Page) tryUseDelayedFree(delay delayedMode, overrideNever bool) bool {
	yields := 0
	for {
		tf := pg.xthreadFree.Load()
		old := tfDelayed(tf)
		switch {
		case old == delayedFreeing:
			if yields >= 4 {
				return false
			}
			yields++
			runtime.Gosched()
			continue
		case delay == old:
			return true
		case !overrideNever && old == neverDelayedFree:
			return true
		}
		if pg.xthreadFree.CompareAndSwap(tf, tfMake(tfBlock(tf), delay)) {
			return true
		}
	}
}

func (pg *Page) useDelayedFree(delay delayedMode, overrideNever bool) {
	for !pg.tryUseDelayedFree(delay, overrideNever) {
		runtime.Gosched()
	}
}

// threadFreeCollect moves the cross-thread list onto the local free list.
func (pg *Page) threadFreeCollect(a *Allocator) {
	var head uintptr
	for {
		tf := pg.xthreadFree.Load()
		head = tfBlock(tf)
		if pg.xthreadFree.CompareAndSwap(tf, tfMake(0, tfDelayed(tf))) {
			break
		}
	}
	if head == 0 {
		return
	}
	// find the tail and count; more blocks than capacity means a cycle
	maxCount := pg.capacity
	count := uint32(1)
	tail := head
	for {
		next := pg.blockNext(tail)
		if next == 0 || count > maxCount {
			break
		}
		count++
		tail = next
	}
	if count > maxCount {
		a.errorEvent(ErrCorruptFreeList).Uint32("count", count).Msg("corrupted thread-free list")
		return
	}
	pg.blockSetNext(tail, pg.localFree)
	pg.localFree = head
	pg.used -= count
}

// freeCollect merges the thread free list and the local free list into the
// free list. Without force the local list is only taken when free is empty.
func (pg *Page) freeCollect(force bool) {
	if force || pg.threadFree() != 0 {
		pg.threadFreeCollect(pg.segment.alloc)
	}
	if pg.localFree == 0 {
		return
	}
	if pg.free == 0 {
		pg.free = pg.localFree
		pg.localFree = 0
		pg.isZero = false
	} else if force {
		tail := pg.localFree
		for next := pg.blockNext(tail); next != 0; next = pg.blockNext(tail) {
			tail = next
		}
		pg.blockSetNext(tail, pg.free)
		pg.free = pg.localFree
		pg.localFree = 0
		pg.isZero = false
	}
}

// Collect merges every pending free list of the page into its free list.
func (pg *Page) Collect() { pg.freeCollect(true) }

// FreeCount walks the free list and returns its length.
func (pg *Page) FreeCount() int {
	n := 0
	for b := pg.free; b != 0; b = pg.blockNext(b) {
		n++
	}
	return n
}

func (pg *Page) blockAt(i uintptr) uintptr {
	return pg.start + i*pg.blockSize
}

// extendFree initialises more blocks of the reserved area, at most 4KiB or
// minExtend blocks at a time so large pages are touched lazily.
func (pg *Page) extendFree() {
	if pg.free != 0 || pg.capacity >= pg.reserved {
		return
	}
	bsize := pg.blockSize
	extend := uintptr(pg.reserved - pg.capacity)
	maxExtend := uintptr(minExtend)
	if bsize < maxExtendSize {
		maxExtend = maxExtendSize / bsize
	}
	if maxExtend < minExtend {
		maxExtend = minExtend
	}
	if extend > maxExtend {
		extend = maxExtend
	}
	first := pg.blockAt(uintptr(pg.capacity))
	last := pg.blockAt(uintptr(pg.capacity) + extend - 1)
	for block := first; block < last; block += bsize {
		pg.blockSetNext(block, block+bsize)
	}
	pg.blockSetNext(last, pg.free)
	pg.free = first
	pg.capacity += uint32(extend)
}

// init prepares a freshly allocated span to serve blocks of blockSize.
func (pg *Page) init(heap *Heap, blockSize uintptr) {
	seg := pg.segment
	pg.setHeap(heap)
	start, size := seg.pageStart(pg, blockSize)
	pg.start = start
	pg.areaSize = size
	pg.blockSize = blockSize
	pg.reserved = uint32(size / blockSize)
	if seg.alloc.opts.EncodeFreelist {
		pg.keys[0] = heap.randomNext()
		pg.keys[1] = heap.randomNext()
	} else {
		pg.keys = [2]uintptr{}
	}
	pg.debug = seg.alloc.opts.Debug
	pg.isZero = pg.isZeroInit
	pg.xthreadFree.Store(tfMake(0, noDelayedFree))
	pg.extendFree()
}

// blockOf returns the start of the block containing p.
func (pg *Page) blockOf(p uintptr) uintptr {
	return pg.start + ((p-pg.start)/pg.blockSize)*pg.blockSize
}

// usableSize returns the bytes usable from p to the end of its block.
func (pg *Page) usableSize(p uintptr) uintptr {
	if pg.hasAligned {
		return pg.usableBlockSize() - (p - pg.blockOf(p))
	}
	return pg.usableBlockSize()
}

// isDoubleFree reports whether block is already on one of the page lists.
// Only used when the debug option is set; it walks every list.
func (pg *Page) isDoubleFree(block uintptr) bool {
	next := decodePtr(pg.start|1, loadWord(block), &pg.keys)
	if next != 0 && !pg.isInPage(next) {
		// link does not look like ours, so the block is most likely in use
		return false
	}
	contains := func(list uintptr) bool {
		for b := list; b != 0; b = decodePtr(pg.start|1, loadWord(b), &pg.keys) {
			if b == block {
				return true
			}
		}
		return false
	}
	return contains(pg.free) || contains(pg.localFree) || contains(pg.threadFree())
}

// reset clears all page state after its span is released.
func (pg *Page) reset() {
	pg.capacity, pg.reserved, pg.used = 0, 0, 0
	pg.inFull, pg.hasAligned, pg.isZero = false, false, false
	pg.isZeroInit = false
	pg.retireExpire = 0
	pg.free, pg.localFree = 0, 0
	pg.keys = [2]uintptr{}
	pg.start, pg.areaSize = 0, 0
	pg.xthreadFree.Store(0)
	pg.xheap.Store(nil)
	pg.next, pg.prev = nil, nil
}
