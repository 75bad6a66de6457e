package mimalloc

import (
	"sync/atomic"
	"time"
)

// clockNow returns milliseconds; replaced in tests.
var clockNow = func() int64 { return time.Now().UnixMilli() }

// Segment is a segment-aligned region of OS memory split into slices. Its
// metadata lives on the Go heap; only a small header is kept in the first
// slice so raw addresses can be validated.
type Segment struct {
	alloc  *Allocator
	handle uint32
	cookie uint64
	base   uintptr
	size   uintptr
	kind   segmentKind

	memID          uint64
	memIsPinned    bool
	memIsLarge     bool
	memIsCommitted bool

	allowDecommit  bool
	decommitExpire int64
	commitMask     CommitMask
	decommitMask   CommitMask
	// commit units that may hold non-zero bytes
	dirtyMask CommitMask

	abandonedNext   atomic.Uint32
	abandoned       int
	abandonedVisits int
	used            int

	segmentSlices int
	infoSlices    int
	sliceEntries  int
	threadID      atomic.Uint64

	slices []Page
}

// Base returns the segment start address.
func (s *Segment) Base() uintptr { return s.base }

// Size returns the segment size in bytes.
func (s *Segment) Size() uintptr { return s.size }

// Used returns the number of pages in use.
func (s *Segment) Used() int { return s.used }

// IsAbandoned reports whether no thread owns the segment.
func (s *Segment) IsAbandoned() bool { return s.threadID.Load() == 0 }

func (s *Segment) sliceAddr(idx int) uintptr {
	return s.base + uintptr(idx)*sliceSize
}

func (s *Segment) sliceFirst(idx int) int {
	return idx - s.slices[idx].sliceOffset
}

// pageOf returns the page containing p.
func (s *Segment) pageOf(p uintptr) *Page {
	idx := int((p - s.base) >> sliceShift)
	if idx >= s.sliceEntries {
		idx = s.sliceEntries - 1
	}
	return &s.slices[s.sliceFirst(idx)]
}

// pageStart returns the block area of page. Small block sizes are aligned to
// their own size so that every block is naturally aligned.
func (s *Segment) pageStart(page *Page, blockSize uintptr) (uintptr, uintptr) {
	p := s.sliceAddr(page.sliceIndex)
	psize := uintptr(page.sliceCount) * sliceSize
	if blockSize > 0 && blockSize <= maxAlignGuarantee {
		if adjust := blockSize - (p % blockSize); adjust < blockSize {
			p += adjust
			psize -= adjust
		}
	}
	return p, psize
}

// commitMaskFor computes the commit units covering [p, p+size). Decommit is
// conservative (only whole units inside the range); commit is liberal and
// rounds out to the minimal commit size.
func (s *Segment) commitMaskFor(conservative bool, p, size uintptr) (start, fullSize uintptr, cm CommitMask) {
	if size == 0 || size > segmentSize || s.kind == segmentHuge {
		return 0, 0, cm
	}
	segStart := uintptr(s.infoSlices) * sliceSize
	segSize := s.size
	if p >= s.base+segSize {
		return 0, 0, cm
	}
	pstart := p - s.base
	var lo, hi uintptr
	if conservative {
		lo = alignUp(pstart, commitSize)
		hi = alignDown(pstart+size, commitSize)
	} else {
		lo = alignDown(pstart, minimalCommitSize)
		hi = alignUp(pstart+size, minimalCommitSize)
	}
	if pstart >= segStart && lo < segStart {
		lo = segStart
	}
	if hi > segSize {
		hi = segSize
	}
	start = s.base + lo
	if hi > lo {
		fullSize = hi - lo
	}
	if fullSize == 0 {
		return start, 0, cm
	}
	bitIdx := int(lo / commitSize)
	bitCount := int(fullSize / commitSize)
	if bitIdx+bitCount > commitMaskBits {
		s.alloc.warningEvent().Int("idx", bitIdx).Int("count", bitCount).Msg("commit mask overflow")
	}
	return start, fullSize, NewCommitMask(bitIdx, bitCount)
}

// commitx commits or decommits the units covering [p, p+size).
func (s *Segment) commitx(commit bool, p, size uintptr) error {
	start, fullSize, mask := s.commitMaskFor(!commit, p, size)
	if mask.IsEmpty() || fullSize == 0 {
		return nil
	}
	a := s.alloc
	if commit && !s.commitMask.AllSet(&mask) {
		if _, err := a.provider.Commit(start, fullSize); err != nil {
			a.errorEvent(ErrCommitFailed).Uint64("size", uint64(fullSize)).Msg("segment commit failed")
			return err
		}
		s.commitMask.Set(&mask)
	} else if !commit && s.commitMask.AnySet(&mask) {
		if s.allowDecommit {
			if err := a.provider.Decommit(start, fullSize); err == nil {
				s.dirtyMask.Clear(&mask)
			} else {
				a.warningEvent().Err(err).Msg("segment decommit failed")
			}
		}
		s.commitMask.Clear(&mask)
	}
	// reusing part of a pending decommit pushes its expiration out
	if commit && s.decommitMask.AnySet(&mask) {
		s.decommitExpire = clockNow() + a.opts.DecommitDelay
	}
	s.decommitMask.Clear(&mask)
	return nil
}

func (s *Segment) ensureCommitted(p, size uintptr) error {
	if s.commitMask.IsFull() && s.decommitMask.IsEmpty() {
		return nil
	}
	return s.commitx(true, p, size)
}

// perhapsDecommit decommits a freed range, either now or after decommit_delay.
func (s *Segment) perhapsDecommit(p, size uintptr) {
	if !s.allowDecommit {
		return
	}
	opts := &s.alloc.opts
	if opts.DecommitDelay == 0 {
		_ = s.commitx(false, p, size)
		return
	}
	_, fullSize, mask := s.commitMaskFor(true, p, size)
	if mask.IsEmpty() || fullSize == 0 {
		return
	}
	// only decommit what is committed
	cmask := s.commitMask.Intersect(&mask)
	s.decommitMask.Set(&cmask)
	now := clockNow()
	switch {
	case s.decommitExpire == 0:
		s.decommitExpire = now + opts.DecommitDelay
	case s.decommitExpire <= now:
		if s.decommitExpire+opts.DecommitExtendDelay <= now {
			s.delayedDecommit(true)
		} else {
			s.decommitExpire = now + opts.DecommitExtendDelay
		}
	default:
		s.decommitExpire += opts.DecommitExtendDelay
	}
}

// delayedDecommit performs pending decommits once they expire, or right away
// when forced. Runs of units are decommitted with one call each.
func (s *Segment) delayedDecommit(force bool) {
	if !s.allowDecommit || s.decommitMask.IsEmpty() {
		return
	}
	if !force && clockNow() < s.decommitExpire {
		return
	}
	mask := s.decommitMask
	s.decommitExpire = 0
	s.decommitMask = CommitMask{}
	mask.forEachRun(func(idx, count int) {
		_ = s.commitx(false, s.base+uintptr(idx)*commitSize, uintptr(count)*commitSize)
	})
}

// spanFree marks count slices starting at idx as a free span and queues it,
// unless the segment is huge or abandoned.
func (s *Segment) spanFree(t *Thread, idx, count int) {
	var sq *spanQueue
	if s.kind != segmentHuge && !s.IsAbandoned() {
		sq = t.spanQueueFor(count)
	}
	if count == 0 {
		count = 1
	}
	slice := &s.slices[idx]
	slice.sliceCount = count
	slice.sliceOffset = 0
	if last := idx + count - 1; count > 1 && last < s.sliceEntries {
		ls := &s.slices[last]
		ls.sliceCount = 0
		ls.sliceOffset = count - 1
		ls.blockSize = 0
	}
	s.perhapsDecommit(s.sliceAddr(idx), uintptr(count)*sliceSize)
	if sq != nil {
		sq.push(slice)
	} else {
		slice.blockSize = 0
	}
}

func (s *Segment) spanRemoveFromQueue(t *Thread, slice *Page) {
	t.spanQueueFor(slice.sliceCount).delete(slice)
}

// spanFreeCoalesce frees the span at slice, merging it with free neighbours.
func (s *Segment) spanFreeCoalesce(t *Thread, slice *Page) *Page {
	if s.kind == segmentHuge {
		slice.blockSize = 0
		return slice
	}
	isAbandoned := s.IsAbandoned()
	idx := slice.sliceIndex
	count := slice.sliceCount
	if nidx := idx + count; nidx < s.sliceEntries {
		if next := &s.slices[nidx]; next.blockSize == 0 {
			count += next.sliceCount
			if !isAbandoned {
				s.spanRemoveFromQueue(t, next)
			}
		}
	}
	if idx > 0 {
		if prev := &s.slices[s.sliceFirst(idx-1)]; prev.blockSize == 0 {
			count += prev.sliceCount
			if !isAbandoned {
				s.spanRemoveFromQueue(t, prev)
			}
			idx = prev.sliceIndex
		}
	}
	s.spanFree(t, idx, count)
	return &s.slices[idx]
}

// spanAllocate turns a free span into a page.
func (s *Segment) spanAllocate(idx, count int) *Page {
	bsize := uintptr(count) * sliceSize
	if err := s.ensureCommitted(s.sliceAddr(idx), bsize); err != nil {
		return nil
	}
	page := &s.slices[idx]
	page.sliceOffset = 0
	page.sliceCount = count
	page.blockSize = bsize
	extra := count - 1
	if idx+extra >= s.sliceEntries {
		extra = s.sliceEntries - idx - 1
	}
	for i := 1; i <= extra; i++ {
		sl := &s.slices[idx+i]
		sl.sliceOffset = i
		sl.sliceCount = 0
		sl.blockSize = 1
	}
	mask := NewCommitMask(idx, min(count, commitMaskBits-idx))
	page.isZeroInit = !s.dirtyMask.AnySet(&mask)
	s.dirtyMask.Set(&mask)
	page.isReset = false
	page.isCommitted = true
	s.used++
	return page
}

// sliceSplit keeps the first count slices of slice and frees the rest.
func (s *Segment) sliceSplit(t *Thread, slice *Page, count int) {
	if slice.sliceCount <= count {
		return
	}
	s.spanFree(t, slice.sliceIndex+count, slice.sliceCount-count)
	slice.sliceCount = count
}

// pageClear releases the span of a page back to the free spans.
func (s *Segment) pageClear(t *Thread, page *Page) *Page {
	page.reset()
	page.blockSize = 1
	slice := s.spanFreeCoalesce(t, page)
	s.used--
	return slice
}

// forEachSpan visits every span after the info slices. fn returns the span to
// continue from, which may differ from its argument after coalescing.
func (s *Segment) forEachSpan(fn func(slice *Page) *Page) {
	for idx := s.infoSlices; idx < s.sliceEntries; {
		slice := fn(&s.slices[idx])
		if slice.sliceCount == 0 {
			return
		}
		idx = slice.sliceIndex + slice.sliceCount
	}
}

// committedBytes returns the committed size for accounting.
func (s *Segment) committedBytes() uintptr {
	if s.kind == segmentHuge {
		return s.size
	}
	return s.commitMask.CommittedSize(segmentSize)
}
