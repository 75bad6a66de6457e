package mimalloc

// pageQueue is a doubly linked list of pages with the same block size.
type pageQueue struct {
	first     *Page
	last      *Page
	blockSize uintptr
}

func (pq *pageQueue) isFull() bool { return pq.blockSize == binSizes[binFull] }
func (pq *pageQueue) isSpecial() bool {
	return pq.blockSize > mediumObjSizeMax
}

// pageQueueFor returns the queue a page of blockSize belongs in.
func (h *Heap) pageQueueFor(blockSize uintptr) *pageQueue {
	return &h.pages[binOf(blockSize)]
}

// pageQueueOf returns the queue page is currently linked in.
func (h *Heap) pageQueueOf(page *Page) *pageQueue {
	if page.inFull {
		return &h.pages[binFull]
	}
	return h.pageQueueFor(page.blockSize)
}

// queueFirstUpdate points the direct index entries covered by pq at its first
// page, or at the empty page when pq is empty.
func (h *Heap) queueFirstUpdate(pq *pageQueue) {
	size := pq.blockSize
	if size > SmallSizeMax {
		return
	}
	page := pq.first
	if page == nil {
		page = &emptyPage
	}
	idx := wsizeFromSize(size)
	if h.pagesFreeDirect[idx] == page {
		return
	}
	var start uintptr
	if idx > 1 {
		// several word sizes can share a bin; walk back to the previous bin
		bin := binOf(size)
		prev := bin - 1
		for prev > 0 && bin == binOf(h.pages[prev].blockSize) {
			prev--
		}
		start = 1 + wsizeFromSize(h.pages[prev].blockSize)
		if start > idx {
			start = idx
		}
	}
	for sz := start; sz <= idx; sz++ {
		h.pagesFreeDirect[sz] = page
	}
}

func (h *Heap) queueRemove(pq *pageQueue, page *Page) {
	if page.prev != nil {
		page.prev.next = page.next
	}
	if page.next != nil {
		page.next.prev = page.prev
	}
	if page == pq.last {
		pq.last = page.prev
	}
	if page == pq.first {
		pq.first = page.next
		h.queueFirstUpdate(pq)
	}
	h.pageCount--
	page.next = nil
	page.prev = nil
	page.inFull = false
}

func (h *Heap) queuePush(pq *pageQueue, page *Page) {
	page.inFull = pq.isFull()
	page.next = pq.first
	page.prev = nil
	if pq.first != nil {
		pq.first.prev = page
		pq.first = page
	} else {
		pq.first = page
		pq.last = page
	}
	h.queueFirstUpdate(pq)
	h.pageCount++
}

// queueEnqueueFrom moves page from one queue to the end of another.
func (h *Heap) queueEnqueueFrom(to, from *pageQueue, page *Page) {
	if page.prev != nil {
		page.prev.next = page.next
	}
	if page.next != nil {
		page.next.prev = page.prev
	}
	if page == from.last {
		from.last = page.prev
	}
	if page == from.first {
		from.first = page.next
		h.queueFirstUpdate(from)
	}
	page.prev = to.last
	page.next = nil
	if to.last != nil {
		to.last.next = page
		to.last = page
	} else {
		to.first = page
		to.last = page
		h.queueFirstUpdate(to)
	}
	page.inFull = to.isFull()
}

// queueAppend moves every page of from onto the end of pq and hands them to h.
func (h *Heap) queueAppend(pq, from *pageQueue) int {
	if from.first == nil {
		return 0
	}
	count := 0
	for page := from.first; page != nil; page = page.next {
		page.setHeap(h)
		// spins until any in-flight delayed free on the old heap finishes
		page.useDelayedFree(useDelayedFree, false)
		count++
	}
	if pq.last == nil {
		pq.first = from.first
		pq.last = from.last
		h.queueFirstUpdate(pq)
	} else {
		pq.last.next = from.first
		from.first.prev = pq.last
		pq.last = from.last
	}
	return count
}

// spanQueue holds free spans of a thread, binned by slice count.
type spanQueue struct {
	first *Page
	last  *Page
}

func (sq *spanQueue) push(slice *Page) {
	slice.prev = nil
	slice.next = sq.first
	sq.first = slice
	if slice.next != nil {
		slice.next.prev = slice
	} else {
		sq.last = slice
	}
	slice.blockSize = 0
}

// delete unlinks slice. A span that is not linked (prev and next nil and not
// the head) is left alone, which happens for spans of abandoned segments.
func (sq *spanQueue) delete(slice *Page) {
	if slice.prev != nil {
		slice.prev.next = slice.next
	}
	if slice.next != nil {
		slice.next.prev = slice.prev
	}
	if slice == sq.last {
		sq.last = slice.prev
	}
	if slice == sq.first {
		sq.first = slice.next
	}
	slice.next = nil
	slice.prev = nil
	slice.blockSize = 1
}
