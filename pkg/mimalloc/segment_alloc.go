package mimalloc

// calculateSlices returns the slice count of a segment hosting required bytes
// (0 for a regular segment) and the number of leading info slices.
func calculateSlices(required uintptr) (segmentSlices, infoSlices int) {
	isize := alignUp(alignUp(segmentHeaderLen, osPageSize), sliceSize)
	infoSlices = int(isize / sliceSize)
	size := segmentSize
	if required > 0 {
		size = alignUp(required+isize, sliceSize)
	}
	return int(size / sliceSize), infoSlices
}

// segmentAlloc gets a segment from the cache or the provider, commits its
// info slices, registers it in the segment map and initialises its spans.
// For a huge segment (required > 0) the single page is returned as well.
func (t *Thread) segmentAlloc(required uintptr) (*Segment, *Page) {
	a := t.alloc
	segmentSlices, infoSlices := calculateSlices(required)
	size := uintptr(segmentSlices) * sliceSize

	// the first segments of a thread are committed lazily to keep short-lived
	// threads cheap
	eagerDelay := a.threadCount.Load() > 1 && t.count < a.opts.EagerCommitDelay
	eager := !eagerDelay && a.opts.EagerCommit
	commit := eager || required > 0

	var (
		region     Region
		commitMask CommitMask
		dirtyMask  CommitMask
	)
	cached := false
	if required == 0 {
		if entry := a.cache.pop(); entry != nil {
			region = entry.region
			commitMask = entry.commitMask
			dirtyMask = entry.commitMask
			cached = true
		}
	}
	if !cached {
		r, err := a.provider.AllocAligned(size, segmentAlign, 0, commit)
		if err != nil {
			a.errorEvent(ErrOutOfMemory).Uint64("size", uint64(size)).Msg("unable to allocate segment")
			return nil, nil
		}
		region = r
		if region.Committed {
			commitMask = FullCommitMask()
		}
		if !region.Zero {
			dirtyMask = FullCommitMask()
		}
	}

	commitNeeded := int(divideUp(uintptr(infoSlices)*sliceSize, commitSize))
	neededMask := NewCommitMask(0, commitNeeded)
	if !commitMask.AllSet(&neededMask) {
		if _, err := a.provider.Commit(region.Base, uintptr(commitNeeded)*commitSize); err != nil {
			a.errorEvent(ErrCommitFailed).Uint64("size", uint64(size)).Msg("unable to commit segment info")
			a.provider.free(region.Base, size, commitMask.CommittedSize(segmentSize))
			return nil, nil
		}
		commitMask.Set(&neededMask)
	}

	seg := &Segment{
		alloc:          a,
		base:           region.Base,
		size:           size,
		kind:           segmentNormal,
		memID:          region.MemID,
		memIsPinned:    region.Pinned,
		memIsLarge:     region.Large,
		memIsCommitted: commitMask.IsFull(),
		commitMask:     commitMask,
		dirtyMask:      dirtyMask,
		segmentSlices:  segmentSlices,
		infoSlices:     infoSlices,
		sliceEntries:   min(segmentSlices, slicesPerSegment),
	}
	if required > 0 {
		seg.kind = segmentHuge
	}
	seg.allowDecommit = a.opts.AllowDecommit && !seg.memIsPinned && !seg.memIsLarge
	seg.threadID.Store(t.id)
	seg.slices = make([]Page, seg.sliceEntries)
	for i := range seg.slices {
		seg.slices[i].segment = seg
		seg.slices[i].sliceIndex = i
	}
	registerSegment(seg)
	t.trackSize(int64(size))
	a.stats.segmentsAllocated.Add(1)
	a.verboseEvent().Uint32("segment", seg.handle).Uint64("size", uint64(size)).
		Bool("cached", cached).Bool("eager", commit).Msg("segment allocated")

	// reserve the info slices; they do not count as a used page
	seg.spanAllocate(0, infoSlices)
	seg.used = 0

	if seg.kind == segmentNormal {
		seg.spanFree(t, infoSlices, seg.sliceEntries-infoSlices)
		return seg, nil
	}
	page := seg.spanAllocate(infoSlices, segmentSlices-infoSlices)
	if page == nil {
		seg.osFree(t)
		return nil, nil
	}
	return seg, page
}

// trackSize keeps the per-thread segment count and size.
func (t *Thread) trackSize(size int64) {
	if size >= 0 {
		t.count++
	} else {
		t.count--
	}
	if t.count > t.peakCount {
		t.peakCount = t.count
	}
	t.currentSize += size
	if t.currentSize > t.peakSize {
		t.peakSize = t.currentSize
	}
	t.alloc.stats.segmentBytes.Add(size)
}

// osFree returns the segment memory to the cache or the provider.
func (s *Segment) osFree(t *Thread) {
	a := s.alloc
	s.threadID.Store(0)
	unregisterSegment(s)
	t.trackSize(-int64(s.size))
	a.stats.segmentsFreed.Add(1)
	a.verboseEvent().Uint32("segment", s.handle).Uint64("size", uint64(s.size)).Msg("segment freed")
	if s.kind == segmentNormal && s.size == segmentSize && a.cache.push(s) {
		return
	}
	a.provider.free(s.base, s.size, s.committedBytes())
}

// free releases an empty segment, removing its free spans from our queues.
func (s *Segment) free(t *Thread) {
	s.forEachSpan(func(slice *Page) *Page {
		if slice.blockSize == 0 && s.kind == segmentNormal {
			s.spanRemoveFromQueue(t, slice)
		}
		return slice
	})
	s.osFree(t)
}

// spanQueueFor returns the free span queue for spans of sliceCount slices.
func (t *Thread) spanQueueFor(sliceCount int) *spanQueue {
	return &t.spans[sliceBin(sliceCount)]
}

// findAndAllocate takes the first free span of at least sliceCount slices,
// splitting off the remainder.
func (t *Thread) findAndAllocate(sliceCount int) *Page {
	for bin := sliceBin(sliceCount); bin <= segmentBinMax; bin++ {
		sq := &t.spans[bin]
		for slice := sq.first; slice != nil; slice = slice.next {
			if slice.sliceCount < sliceCount {
				continue
			}
			seg := slice.segment
			sq.delete(slice)
			seg.sliceSplit(t, slice, sliceCount)
			page := seg.spanAllocate(slice.sliceIndex, sliceCount)
			if page == nil {
				seg.spanFreeCoalesce(t, slice)
				if seg.used == 0 {
					seg.free(t)
				}
				return nil
			}
			return page
		}
	}
	return nil
}

// pagesAlloc allocates a page of required bytes for blocks of blockSize in a
// regular segment.
func (t *Thread) pagesAlloc(heap *Heap, required, blockSize uintptr) *Page {
	align := sliceSize
	if required > mediumPageSize {
		align = mediumPageSize
	}
	pageSize := alignUp(required, align)
	slicesNeeded := int(pageSize / sliceSize)
	for {
		page := t.findAndAllocate(slicesNeeded)
		if page != nil {
			page.segment.delayedDecommit(false)
			return page
		}
		seg, fresh, reclaimed := t.reclaimOrAlloc(heap, slicesNeeded, blockSize)
		if seg == nil || reclaimed {
			// out of memory, or a page with free blocks is now in the heap
			return nil
		}
		if fresh {
			if page = t.findAndAllocate(slicesNeeded); page != nil {
				page.segment.delayedDecommit(false)
			}
			return page
		}
	}
}

// reclaimOrAlloc reclaims an abandoned segment or allocates a fresh one.
func (t *Thread) reclaimOrAlloc(heap *Heap, neededSlices int, blockSize uintptr) (seg *Segment, fresh, reclaimed bool) {
	seg, reclaimed = t.tryReclaim(heap, neededSlices, blockSize)
	if reclaimed || seg != nil {
		return seg, false, reclaimed
	}
	seg, _ = t.segmentAlloc(0)
	return seg, true, false
}

// segmentPageAlloc picks the page kind for blockSize.
func (t *Thread) segmentPageAlloc(heap *Heap, blockSize uintptr) *Page {
	switch {
	case blockSize <= smallObjSizeMax:
		return t.pagesAlloc(heap, blockSize, blockSize)
	case blockSize <= mediumObjSizeMax:
		return t.pagesAlloc(heap, mediumPageSize, blockSize)
	case blockSize <= largeObjSizeMax:
		return t.pagesAlloc(heap, blockSize, blockSize)
	}
	_, page := t.segmentAlloc(blockSize)
	return page
}

// pageFree releases a page; the segment follows when it becomes empty or
// only holds abandoned pages.
func (t *Thread) pageFree(page *Page) {
	seg := page.segment
	seg.pageClear(t, page)
	if seg.used == 0 {
		seg.free(t)
	} else if seg.used == seg.abandoned {
		seg.abandon(t)
	}
}

// pageAbandon is called when the owning heap gives up a page that still has
// live blocks.
func (t *Thread) pageAbandon(page *Page) {
	seg := page.segment
	seg.abandoned++
	if seg.used == seg.abandoned {
		seg.abandon(t)
	}
}

// abandon hands a segment whose pages are all abandoned to the global
// abandoned stack.
func (s *Segment) abandon(t *Thread) {
	s.forEachSpan(func(slice *Page) *Page {
		if slice.blockSize == 0 && s.kind == segmentNormal {
			s.spanRemoveFromQueue(t, slice)
			// keep it free
			slice.blockSize = 0
		}
		return slice
	})
	s.delayedDecommit(false)
	t.trackSize(-int64(s.size))
	s.threadID.Store(0)
	s.abandonedVisits = 0
	// another thread may reclaim s as soon as it is pushed
	a, handle, pages := s.alloc, s.handle, s.used
	a.abandoned.push(s)
	if ev := a.verboseEvent(); ev != nil {
		ev.Uint32("segment", handle).Int("pages", pages).Msg("segment abandoned")
	}
}

// checkFree collects concurrent frees in an abandoned segment and reports
// whether it can serve a span of neededSlices or a block of blockSize.
func (s *Segment) checkFree(t *Thread, neededSlices int, blockSize uintptr) bool {
	hasPage := false
	s.forEachSpan(func(slice *Page) *Page {
		if slice.isUsed() {
			page := slice
			page.freeCollect(false)
			if page.allFree() {
				s.abandoned--
				slice = s.pageClear(t, page)
				if slice.sliceCount >= neededSlices {
					hasPage = true
				}
			} else if page.blockSize == blockSize && page.hasAnyAvailable() {
				hasPage = true
			}
		} else if slice.sliceCount >= neededSlices {
			hasPage = true
		}
		return slice
	})
	return hasPage
}

// reclaim takes ownership of an abandoned segment for heap. It reports
// whether a page of requestedBlockSize with free space was reclaimed. A nil
// segment means it turned out empty and was freed.
func (s *Segment) reclaim(t *Thread, heap *Heap, requestedBlockSize uintptr) (*Segment, bool) {
	rightPage := false
	s.threadID.Store(t.id)
	s.abandonedVisits = 0
	t.trackSize(int64(s.size))
	s.alloc.stats.segmentsReclaimed.Add(1)
	s.forEachSpan(func(slice *Page) *Page {
		if !slice.isUsed() {
			return s.spanFreeCoalesce(t, slice)
		}
		page := slice
		s.abandoned--
		page.setHeap(heap)
		page.useDelayedFree(noDelayedFree, true)
		page.freeCollect(false)
		if page.allFree() {
			return s.pageClear(t, page)
		}
		heap.pageReclaim(page)
		if requestedBlockSize == page.blockSize && page.hasAnyAvailable() {
			rightPage = true
		}
		return slice
	})
	if s.used == 0 {
		s.free(t)
		return nil, false
	}
	s.alloc.verboseEvent().Uint32("segment", s.handle).Int("pages", s.used).Msg("segment reclaimed")
	return s, rightPage
}

// tryReclaim pops abandoned segments, bounded by max_segment_reclaim, until
// one can serve the request.
func (t *Thread) tryReclaim(heap *Heap, neededSlices int, blockSize uintptr) (*Segment, bool) {
	if heap.noReclaim {
		return nil, false
	}
	a := t.alloc
	maxTries := a.opts.GetClamp(OptionMaxSegmentReclaim, 8, 1024)
	for ; maxTries > 0; maxTries-- {
		seg := a.abandoned.pop()
		if seg == nil {
			break
		}
		seg.abandonedVisits++
		hasPage := seg.checkFree(t, neededSlices, blockSize)
		switch {
		case seg.used == 0:
			// nothing left; reclaiming frees it for everyone
			seg.reclaim(t, heap, 0)
		case hasPage:
			return seg.reclaim(t, heap, blockSize)
		case seg.abandonedVisits > 3:
			// bound the abandoned queue length
			seg.reclaim(t, heap, 0)
		default:
			seg.delayedDecommit(true)
			a.abandoned.visitedPush(seg)
		}
	}
	return nil, false
}
