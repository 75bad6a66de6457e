package mimalloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T, configure ...func(*Options)) *Allocator {
	t.Helper()
	opts := DefaultOptions()
	opts.DestroyOnExit = true
	for _, fn := range configure {
		fn(&opts)
	}
	a, err := New(opts, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func bytesOf(p, n uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), n)
}

func fill(p, n uintptr, b byte) {
	s := bytesOf(p, n)
	for i := range s {
		s[i] = b
	}
}

func pageOfBlock(t *testing.T, p uintptr) *Page {
	t.Helper()
	seg := segmentOf(p)
	require.NotNil(t, seg, "no segment for %#x", p)
	return seg.pageOf(p)
}

func uintptrOf(b *byte) uintptr {
	return uintptr(unsafe.Pointer(b))
}

func skipUnlessDecommit(t *testing.T, seg *Segment) {
	t.Helper()
	if !seg.allowDecommit {
		t.Skip("segment memory is pinned on this platform")
	}
}
