package mimalloc

import (
	"slices"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type cachedSegment struct {
	region     Region
	commitMask CommitMask
	// set by whoever gets the entry first: a pop or the eviction callback
	taken atomic.Bool
}

// segmentCache keeps recently freed regular segments for reuse. Entries that
// sit unused for segment_decommit_delay are returned to the OS.
type segmentCache struct {
	alloc *Allocator
	lru   *expirable.LRU[uintptr, *cachedSegment]
}

func newSegmentCache(a *Allocator) *segmentCache {
	c := &segmentCache{alloc: a}
	if a.opts.SegmentCacheMax <= 0 {
		return c
	}
	ttl := time.Duration(a.opts.SegmentDecommitDelay) * time.Millisecond
	c.lru = expirable.NewLRU[uintptr, *cachedSegment](int(a.opts.SegmentCacheMax), c.onEvict, ttl)
	return c
}

func (c *segmentCache) onEvict(base uintptr, entry *cachedSegment) {
	if !entry.taken.CompareAndSwap(false, true) {
		return
	}
	c.alloc.provider.free(base, segmentSize, entry.commitMask.CommittedSize(segmentSize))
	c.alloc.verboseEvent().Uint64("base", uint64(base)).Msg("cached segment released")
}

// push caches an unregistered segment. Pending decommits are done first so
// the entry carries an exact commit mask.
func (c *segmentCache) push(seg *Segment) bool {
	if c.lru == nil {
		return false
	}
	seg.delayedDecommit(true)
	entry := &cachedSegment{
		region: Region{
			Base:      seg.base,
			Committed: seg.commitMask.IsFull(),
			Large:     seg.memIsLarge,
			Pinned:    seg.memIsPinned,
			MemID:     seg.memID,
		},
		commitMask: seg.commitMask,
	}
	c.lru.Add(seg.base, entry)
	return true
}

// pop takes the most recently cached segment, or nil.
func (c *segmentCache) pop() *cachedSegment {
	if c.lru == nil {
		return nil
	}
	keys := c.lru.Keys()
	for _, base := range slices.Backward(keys) {
		entry, ok := c.lru.Peek(base)
		if !ok || !entry.taken.CompareAndSwap(false, true) {
			continue
		}
		c.lru.Remove(base)
		return entry
	}
	return nil
}

// purge releases every cached segment.
func (c *segmentCache) purge() {
	if c.lru != nil {
		c.lru.Purge()
	}
}

func (c *segmentCache) len() int {
	if c.lru == nil {
		return 0
	}
	return c.lru.Len()
}
