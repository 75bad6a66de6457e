package mimalloc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSegments registers metadata-only segments so the stack can resolve
// their handles.
func fakeSegments(t *testing.T, n int) []*Segment {
	t.Helper()
	segs := make([]*Segment, n)
	for i := range segs {
		seg := &Segment{handle: nextHandle.Add(1)}
		segmentRegistry.Store(seg.handle, seg)
		segs[i] = seg
	}
	t.Cleanup(func() {
		for _, seg := range segs {
			segmentRegistry.Delete(seg.handle)
		}
	})
	return segs
}

func TestAbandonedStackLIFO(t *testing.T) {
	var st abandonedStack
	segs := fakeSegments(t, 3)
	for _, seg := range segs {
		st.push(seg)
	}
	assert.Equal(t, int64(3), st.Len())
	assert.Same(t, segs[2], st.pop())
	assert.Same(t, segs[1], st.pop())
	assert.Same(t, segs[0], st.pop())
	assert.Nil(t, st.pop())
	assert.Zero(t, st.Len())
}

func TestAbandonedStackRevisit(t *testing.T) {
	var st abandonedStack
	segs := fakeSegments(t, 4)
	st.push(segs[0])
	st.visitedPush(segs[1])
	st.visitedPush(segs[2])
	assert.Equal(t, int64(3), st.Len())

	assert.Same(t, segs[0], st.pop())
	// main list is empty, so the visited list is moved over
	assert.Same(t, segs[2], st.pop())
	assert.Same(t, segs[1], st.pop())
	assert.Nil(t, st.pop())

	// revisit onto a non-empty main list
	st.visitedPush(segs[1])
	st.push(segs[3])
	assert.True(t, st.visitedRevisit())
	got := map[*Segment]bool{}
	for seg := st.pop(); seg != nil; seg = st.pop() {
		got[seg] = true
	}
	assert.Equal(t, map[*Segment]bool{segs[1]: true, segs[3]: true}, got)
	assert.Zero(t, st.Len())
}

func TestAbandonedStackConcurrent(t *testing.T) {
	var st abandonedStack
	segs := fakeSegments(t, 64)
	var wg sync.WaitGroup
	for i := range segs {
		wg.Add(1)
		go func(seg *Segment) {
			defer wg.Done()
			st.push(seg)
		}(segs[i])
	}
	wg.Wait()

	var mu sync.Mutex
	seen := map[*Segment]int{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seg := st.pop(); seg != nil; seg = st.pop() {
				mu.Lock()
				seen[seg]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, len(segs))
	for _, n := range seen {
		assert.Equal(t, 1, n)
	}
}

func TestTaggedHandle(t *testing.T) {
	th := makeTagged(7, 0)
	assert.Equal(t, uint32(7), th.handle())
	assert.Equal(t, uint32(1), th.tag())
	next := makeTagged(9, th)
	assert.Equal(t, uint32(9), next.handle())
	assert.Equal(t, uint32(2), next.tag())
}
