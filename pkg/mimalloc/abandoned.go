package mimalloc

import "sync/atomic"

// taggedHandle packs a segment handle with a generation tag that changes on
// every update of the stack head, so a stale head never wins a CAS.
type taggedHandle uint64

func (th taggedHandle) handle() uint32 { return uint32(th) }
func (th taggedHandle) tag() uint32 { return uint32(th >> 32) }

func makeTagged(handle uint32, prev taggedHandle) taggedHandle {
	return taggedHandle(uint64(prev.tag()+1)<<32 | uint64(handle))
}

// abandonedStack is a lock-free stack of abandoned segments linked through
// Segment.abandonedNext. Segments that were looked at but not reclaimed go on
// the visited list and are moved back once the main list runs dry.
type abandonedStack struct {
	head         atomic.Uint64
	visited      atomic.Uint64
	count        atomic.Int64
	visitedCount atomic.Int64
}

func (st *abandonedStack) push(seg *Segment) {
	for {
		ts := taggedHandle(st.head.Load())
		seg.abandonedNext.Store(ts.handle())
		if st.head.CompareAndSwap(uint64(ts), uint64(makeTagged(seg.handle, ts))) {
			break
		}
	}
	st.count.Add(1)
}

func (st *abandonedStack) visitedPush(seg *Segment) {
	for {
		ts := taggedHandle(st.visited.Load())
		seg.abandonedNext.Store(ts.handle())
		if st.visited.CompareAndSwap(uint64(ts), uint64(makeTagged(seg.handle, ts))) {
			break
		}
	}
	st.visitedCount.Add(1)
}

// visitedRevisit moves the visited list onto the main list.
func (st *abandonedStack) visitedRevisit() bool {
	if taggedHandle(st.visited.Load()).handle() == 0 {
		return false
	}
	var first uint32
	for {
		ts := taggedHandle(st.visited.Load())
		first = ts.handle()
		if first == 0 {
			return false
		}
		if st.visited.CompareAndSwap(uint64(ts), uint64(makeTagged(0, ts))) {
			break
		}
	}
	// fast path: the main list is empty
	ts := taggedHandle(st.head.Load())
	if ts.handle() == 0 {
		if st.head.CompareAndSwap(uint64(ts), uint64(makeTagged(first, ts))) {
			n := st.visitedCount.Load()
			st.count.Add(n)
			st.visitedCount.Add(-n)
			return true
		}
	}
	// find the tail of the visited chain; we own it now
	last := segmentByHandle(first)
	if last == nil {
		return false
	}
	for {
		next := segmentByHandle(last.abandonedNext.Load())
		if next == nil {
			break
		}
		last = next
	}
	n := st.visitedCount.Load()
	st.count.Add(n)
	for {
		ts := taggedHandle(st.head.Load())
		last.abandonedNext.Store(ts.handle())
		if st.head.CompareAndSwap(uint64(ts), uint64(makeTagged(first, ts))) {
			break
		}
	}
	st.visitedCount.Add(-n)
	return true
}

// pop removes a segment, revisiting the visited list when the main list is
// empty. It returns nil when both are empty.
func (st *abandonedStack) pop() *Segment {
	if taggedHandle(st.head.Load()).handle() == 0 && !st.visitedRevisit() {
		return nil
	}
	for {
		ts := taggedHandle(st.head.Load())
		h := ts.handle()
		if h == 0 {
			return nil
		}
		seg := segmentByHandle(h)
		if seg == nil {
			// popped and freed under us, in which case the tag has moved on;
			// if it has not, the handle was unregistered while still listed
			// and the chain behind it is gone with it
			if st.head.CompareAndSwap(uint64(ts), uint64(makeTagged(0, ts))) {
				st.count.Store(0)
				return nil
			}
			continue
		}
		next := seg.abandonedNext.Load()
		if st.head.CompareAndSwap(uint64(ts), uint64(makeTagged(next, ts))) {
			seg.abandonedNext.Store(0)
			st.count.Add(-1)
			return seg
		}
	}
}

// reset drops both lists. Used when every listed segment is destroyed.
func (st *abandonedStack) reset() {
	for {
		ts := taggedHandle(st.head.Load())
		if st.head.CompareAndSwap(uint64(ts), uint64(makeTagged(0, ts))) {
			break
		}
	}
	for {
		ts := taggedHandle(st.visited.Load())
		if st.visited.CompareAndSwap(uint64(ts), uint64(makeTagged(0, ts))) {
			break
		}
	}
	st.count.Store(0)
	st.visitedCount.Store(0)
}

// Len returns the number of segments waiting to be reclaimed.
func (st *abandonedStack) Len() int64 {
	return st.count.Load() + st.visitedCount.Load()
}
