//go:build !unix

package mimalloc

import (
	"fmt"
	"unsafe"

	"github.com/puzpuzpuz/xsync/v3"
)

// OSProvider backs segments with large Go-heap buffers on platforms without
// mmap. The buffers are kept reachable until freed, so their addresses stay
// valid. All memory is committed up front.
type OSProvider struct {
	mappings *xsync.MapOf[uintptr, []byte]
}

// NewOSProvider returns the platform memory provider.
func NewOSProvider() Provider {
	return &OSProvider{mappings: xsync.NewMapOf[uintptr, []byte]()}
}

func (p *OSProvider) AllocAligned(size, alignment, alignOffset uintptr, commit bool) (Region, error) {
	if size == 0 || alignment == 0 || alignment&(alignment-1) != 0 {
		return Region{}, fmt.Errorf("alloc: invalid size %d or alignment %d", size, alignment)
	}
	mem := make([]byte, size+alignment)
	start := uintptr(unsafe.Pointer(unsafe.SliceData(mem)))
	base := alignUp(start+alignOffset, alignment) - alignOffset
	p.mappings.Store(base, mem)
	return Region{Base: base, Committed: true, Pinned: true, Zero: true, MemID: uint64(start)}, nil
}

func (p *OSProvider) Commit(addr, size uintptr) (bool, error) {
	return false, nil
}

func (p *OSProvider) Decommit(addr, size uintptr) error {
	clear(bytesAt(addr, size))
	return nil
}

func (p *OSProvider) Free(addr, size uintptr) {
	p.mappings.Delete(addr)
}

func bytesAt(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}
