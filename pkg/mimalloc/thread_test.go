package mimalloc

import (
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrossThreadFree(t *testing.T) {
	a := newTestAllocator(t)
	owner := a.NewThread()
	defer owner.Done()

	keep := owner.Malloc(64)
	p := owner.Malloc(64)
	require.NotZero(t, p)
	page := pageOfBlock(t, p)
	used := page.Used()

	done := make(chan struct{})
	go func() {
		defer close(done)
		other := a.NewThread()
		defer other.Done()
		other.Free(p)
	}()
	<-done

	// not reconciled until the owner collects
	assert.Equal(t, used, page.Used())
	assert.NotZero(t, page.threadFree())
	page.Collect()
	assert.Equal(t, used-1, page.Used())
	assert.Zero(t, page.threadFree())

	assert.Equal(t, p, owner.Malloc(64))
	owner.Free(p)
	owner.Free(keep)
}

func TestCrossThreadFreeOfFullPage(t *testing.T) {
	a := newTestAllocator(t)
	owner := a.NewThread()
	defer owner.Done()

	// fill one page of 16KiB blocks and force it into the full queue
	var blocks []uintptr
	first := owner.Malloc(smallObjSizeMax)
	require.NotZero(t, first)
	page := pageOfBlock(t, first)
	blocks = append(blocks, first)
	for uint32(len(blocks)) < page.Reserved() {
		blocks = append(blocks, owner.Malloc(smallObjSizeMax))
	}
	extra := owner.Malloc(smallObjSizeMax)
	require.NotZero(t, extra)
	assert.NotSame(t, page, pageOfBlock(t, extra))
	assert.True(t, page.inFull)

	done := make(chan struct{})
	go func() {
		defer close(done)
		other := a.NewThread()
		defer other.Done()
		other.Free(blocks[0])
	}()
	<-done

	// the free went to the heap's delayed list; the next slow path puts the
	// page back in its queue
	owner.Heap().delayedFree(true)
	assert.False(t, page.inFull)
	assert.Equal(t, page.Reserved()-1, page.Used())

	for _, b := range blocks[1:] {
		owner.Free(b)
	}
	owner.Free(extra)
}

func TestAbandonAndReclaim(t *testing.T) {
	a := newTestAllocator(t)
	first := a.NewThread()

	sizes := []uintptr{8, 16, 32, 48, 64, 96, 128, 256, 512, 1024}
	blocks := make([]uintptr, len(sizes))
	pages := map[*Page]bool{}
	for i, size := range sizes {
		blocks[i] = first.Malloc(size)
		require.NotZero(t, blocks[i])
		fill(blocks[i], size, byte(i+1))
		pages[pageOfBlock(t, blocks[i])] = true
	}
	require.Len(t, pages, 10)
	seg := segmentOf(blocks[0])
	require.NotNil(t, seg)

	first.Done()
	assert.True(t, seg.IsAbandoned())
	assert.Equal(t, int64(1), a.Stats().SegmentsAbandoned)
	assert.Equal(t, 10, seg.Used())

	second := a.NewThread()
	defer second.Done()
	p := second.Malloc(64)
	require.NotZero(t, p)
	assert.Same(t, seg, segmentOf(p))
	assert.Equal(t, second.ID(), seg.threadID.Load())

	st := a.Stats()
	assert.Equal(t, int64(1), st.SegmentsAllocated)
	assert.Equal(t, int64(1), st.SegmentsReclaimed)
	assert.Zero(t, st.SegmentsAbandoned)

	// every block survived and belongs to the new owner
	for i, size := range sizes {
		for _, b := range bytesOf(blocks[i], size) {
			require.Equal(t, byte(i+1), b)
		}
		assert.True(t, second.Heap().Contains(blocks[i]))
		second.Free(blocks[i])
	}
	second.Free(p)
	second.Collect(true)
	assert.Zero(t, second.Stats().Segments)
}

func TestAbandonedEmptySegmentIsFreedOnReclaim(t *testing.T) {
	a := newTestAllocator(t, func(o *Options) { o.SegmentCacheMax = 0 })
	first := a.NewThread()
	p := first.Malloc(100)
	require.NotZero(t, p)
	first.Done()
	require.Equal(t, int64(1), a.Stats().SegmentsAbandoned)

	// the last block is freed while nobody owns the segment
	other := a.NewThread()
	other.Free(p)
	other.Done()

	a.Collect()
	st := a.Stats()
	assert.Zero(t, st.SegmentsAbandoned)
	assert.Equal(t, int64(1), st.SegmentsFreed)
	assert.Equal(t, int64(1), st.Provider.FreeCalls)
}

func TestConcurrentNoDuplicateAddresses(t *testing.T) {
	a := newTestAllocator(t)
	live := xsync.NewMapOf[uintptr, int]()
	const workers = 8
	handoff := make([]chan uintptr, workers)
	for i := range handoff {
		handoff[i] = make(chan uintptr, 256)
	}

	var wg sync.WaitGroup
	var dupes sync.Map
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			th := a.NewThread()
			defer th.Done()
			r := rand.New(rand.NewPCG(uint64(w), 7))
			var mine []uintptr
			release := func(p uintptr) {
				live.Delete(p)
				th.Free(p)
			}
			for i := 0; i < 5000; i++ {
				p := th.Malloc(uintptr(1 + r.IntN(2048)))
				if p == 0 {
					continue
				}
				if prev, loaded := live.LoadOrStore(p, w); loaded {
					dupes.Store(p, prev)
				}
				mine = append(mine, p)
				switch r.IntN(4) {
				case 0:
					release(mine[0])
					mine = mine[1:]
				case 1:
					q := mine[len(mine)-1]
					mine = mine[:len(mine)-1]
					live.Delete(q)
					select {
					case handoff[(w+1)%workers] <- q:
					default:
						th.Free(q)
					}
				}
				select {
				case q := <-handoff[w]:
					th.Free(q)
				default:
				}
			}
			for _, p := range mine {
				release(p)
			}
		}(w)
	}
	wg.Wait()
	for _, ch := range handoff {
		close(ch)
	}
	th := a.NewThread()
	defer th.Done()
	for _, ch := range handoff {
		for q := range ch {
			th.Free(q)
		}
	}

	n := 0
	dupes.Range(func(_, _ any) bool { n++; return true })
	assert.Zero(t, n, "addresses handed out twice")
	assert.Zero(t, live.Size())
}

func TestSegmentCacheReuse(t *testing.T) {
	a := newTestAllocator(t)
	th := a.NewThread()
	defer th.Done()

	p := th.Malloc(64)
	require.NotZero(t, p)
	th.Free(p)
	th.Collect(true)
	st := a.Stats()
	assert.Equal(t, 1, st.SegmentsCached)
	assert.Equal(t, int64(1), st.SegmentsFreed)

	p = th.Malloc(64)
	require.NotZero(t, p)
	st = a.Stats()
	assert.Zero(t, st.SegmentsCached)
	assert.Equal(t, int64(1), st.Provider.AllocCalls)
	assert.Equal(t, int64(2), st.SegmentsAllocated)
	th.Free(p)
}

func TestSegmentCacheExpires(t *testing.T) {
	a := newTestAllocator(t, func(o *Options) { o.SegmentDecommitDelay = 10 })
	th := a.NewThread()
	defer th.Done()

	p := th.Malloc(64)
	require.NotZero(t, p)
	th.Free(p)
	th.Collect(true)

	assert.Eventually(t, func() bool {
		st := a.Stats()
		return st.SegmentsCached == 0 && st.Provider.FreeCalls == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDelayedDecommit(t *testing.T) {
	now := int64(1_000_000)
	saved := clockNow
	clockNow = func() int64 { return now }
	t.Cleanup(func() { clockNow = saved })

	a := newTestAllocator(t)
	th := a.NewThread()
	defer th.Done()

	keep := th.Malloc(64)
	p := th.Malloc(4 << 20)
	require.NotZero(t, p)
	seg := segmentOf(p)
	skipUnlessDecommit(t, seg)
	th.Free(p)

	assert.False(t, seg.decommitMask.IsEmpty())
	decommits := a.Stats().Provider.DecommitCalls
	seg.delayedDecommit(false)
	assert.Equal(t, decommits, a.Stats().Provider.DecommitCalls)

	now += a.opts.DecommitDelay + 1
	seg.delayedDecommit(false)
	assert.Greater(t, a.Stats().Provider.DecommitCalls, decommits)
	assert.True(t, seg.decommitMask.IsEmpty())
	assert.False(t, seg.commitMask.IsFull())

	// the span is committed again on reuse
	q := th.Malloc(4 << 20)
	require.NotZero(t, q)
	fill(q, 4<<20, 9)
	th.Free(q)
	th.Free(keep)
}

func TestImmediateDecommit(t *testing.T) {
	a := newTestAllocator(t, func(o *Options) { o.DecommitDelay = 0 })
	th := a.NewThread()
	defer th.Done()

	keep := th.Malloc(64)
	p := th.Malloc(4 << 20)
	require.NotZero(t, p)
	skipUnlessDecommit(t, segmentOf(p))
	th.Free(p)
	assert.NotZero(t, a.Stats().Provider.DecommitCalls)
	assert.True(t, segmentOf(keep).decommitMask.IsEmpty())
	th.Free(keep)
}

func TestEagerCommitDelay(t *testing.T) {
	a := newTestAllocator(t, func(o *Options) { o.EagerCommitDelay = 4 })
	busy := a.NewThread()
	defer busy.Done()
	th := a.NewThread()
	defer th.Done()

	p := th.Malloc(64)
	require.NotZero(t, p)
	seg := segmentOf(p)
	skipUnlessDecommit(t, seg)
	// more than one thread is running, so the first segments commit lazily
	assert.False(t, seg.commitMask.IsFull())
	assert.False(t, seg.memIsCommitted)
	th.Free(p)
}

func TestAllocatorCloseDestroysSegments(t *testing.T) {
	opts := DefaultOptions()
	opts.DestroyOnExit = true
	a, err := New(opts, nil)
	require.NoError(t, err)

	th := a.NewThread()
	p := th.Malloc(128)
	require.NotZero(t, p)
	require.Len(t, a.Segments(), 1)

	a.Close()
	assert.Nil(t, segmentOf(p))
	assert.Empty(t, a.Segments())
	assert.Equal(t, int64(1), a.Stats().Provider.FreeCalls)
}

func TestCollectAfterDestroyingClose(t *testing.T) {
	opts := DefaultOptions()
	opts.DestroyOnExit = true
	a, err := New(opts, nil)
	require.NoError(t, err)

	th := a.NewThread()
	require.NotZero(t, th.Malloc(64))
	th.Done()
	require.Equal(t, int64(1), a.Stats().SegmentsAbandoned)

	live := a.NewThread()
	a.Close()
	assert.Zero(t, a.Stats().SegmentsAbandoned)

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Collect()
		// a thread that outlived Close takes the slow path without reclaiming
		p := live.Malloc(64)
		live.Free(p)
		live.Done()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("allocator hangs on destroyed abandoned segments")
	}
}

func TestPopDropsUnregisteredHandles(t *testing.T) {
	a := newTestAllocator(t, func(o *Options) { o.SegmentCacheMax = 0 })
	th := a.NewThread()
	p := th.Malloc(64)
	require.NotZero(t, p)
	seg := segmentOf(p)
	th.Done()

	// the segment disappears while it is still listed
	unregisterSegment(seg)
	defer a.provider.free(seg.base, seg.size, seg.committedBytes())

	done := make(chan *Segment)
	go func() { done <- a.abandoned.pop() }()
	select {
	case got := <-done:
		assert.Nil(t, got)
	case <-time.After(5 * time.Second):
		t.Fatal("pop spins on an unregistered handle")
	}
	assert.Zero(t, a.abandoned.Len())
}

func TestConcurrentAbandonAndReclaimVerbose(t *testing.T) {
	a := newTestAllocator(t, func(o *Options) { o.Verbose = true })
	const workers = 8
	kept := make([][]uintptr, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for round := 0; round < 20; round++ {
				th := a.NewThread()
				for i := 0; i < 50; i++ {
					th.Free(th.Malloc(uintptr(32 + i)))
				}
				// a live block makes Done abandon the segment for the other
				// workers to reclaim
				if keep := th.Malloc(uintptr(16 + w*8)); keep != 0 {
					kept[w] = append(kept[w], keep)
				}
				th.Done()
			}
		}(w)
	}
	wg.Wait()

	th := a.NewThread()
	n := 0
	for _, blocks := range kept {
		for _, p := range blocks {
			th.Free(p)
			n++
		}
	}
	th.Done()
	assert.Equal(t, workers*20, n)

	a.Collect()
	assert.Zero(t, a.Stats().SegmentsAbandoned)
}

// failingCommitProvider refuses to commit anything past the segment info.
type failingCommitProvider struct {
	Provider
}

func (p failingCommitProvider) Commit(addr, size uintptr) (bool, error) {
	if addr%segmentAlign != 0 {
		return false, ErrCommitFailed
	}
	return p.Provider.Commit(addr, size)
}

func TestFailedCommitFreesFreshSegment(t *testing.T) {
	opts := DefaultOptions()
	opts.DestroyOnExit = true
	opts.EagerCommit = false
	opts.SegmentCacheMax = 0
	opts.MaxErrors = 0
	a, err := New(opts, failingCommitProvider{NewOSProvider()})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	th := a.NewThread()
	defer th.Done()
	p := th.Malloc(64)
	if p != 0 {
		th.Free(p)
		t.Skip("segment memory is committed up front on this platform")
	}
	assert.Empty(t, a.Segments())
	st := a.Stats()
	assert.Positive(t, st.SegmentsAllocated)
	assert.Equal(t, st.SegmentsAllocated, st.SegmentsFreed)
	assert.Equal(t, st.Provider.AllocCalls, st.Provider.FreeCalls)
	assert.Zero(t, th.Stats().Segments)
}
