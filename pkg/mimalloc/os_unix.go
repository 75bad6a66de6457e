//go:build unix

package mimalloc

import (
	"fmt"
	"unsafe"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sys/unix"
)

// OSProvider maps anonymous memory straight from the kernel. Reserved ranges
// are PROT_NONE; commit makes them read-write and decommit hands the pages back
// with MADV_DONTNEED so that a later commit observes zeroed memory.
type OSProvider struct {
	// aligned base -> whole over-allocated mapping, needed for munmap
	mappings *xsync.MapOf[uintptr, []byte]
}

// NewOSProvider returns the platform memory provider.
func NewOSProvider() Provider {
	return &OSProvider{mappings: xsync.NewMapOf[uintptr, []byte]()}
}

func (p *OSProvider) AllocAligned(size, alignment, alignOffset uintptr, commit bool) (Region, error) {
	if size == 0 || alignment == 0 || alignment&(alignment-1) != 0 {
		return Region{}, fmt.Errorf("mmap: invalid size %d or alignment %d", size, alignment)
	}
	// over-allocate so an aligned window always fits; the slack stays PROT_NONE
	total := size + alignment
	mem, err := unix.Mmap(-1, 0, int(total), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|mapNoReserve)
	if err != nil {
		return Region{}, fmt.Errorf("mmap %d bytes: %w", total, err)
	}
	start := uintptr(unsafe.Pointer(unsafe.SliceData(mem)))
	base := alignUp(start+alignOffset, alignment) - alignOffset
	if commit {
		if err := unix.Mprotect(bytesAt(base, size), unix.PROT_READ|unix.PROT_WRITE); err != nil {
			_ = unix.Munmap(mem)
			return Region{}, fmt.Errorf("mprotect %d bytes: %w", size, err)
		}
	}
	p.mappings.Store(base, mem)
	return Region{Base: base, Committed: commit, Zero: true, MemID: uint64(start)}, nil
}

func (p *OSProvider) Commit(addr, size uintptr) (bool, error) {
	if err := unix.Mprotect(bytesAt(addr, size), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return false, fmt.Errorf("mprotect commit %#x+%d: %w", addr, size, err)
	}
	// committed pages are either untouched or were dropped by decommit
	return true, nil
}

func (p *OSProvider) Decommit(addr, size uintptr) error {
	b := bytesAt(addr, size)
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("madvise decommit %#x+%d: %w", addr, size, err)
	}
	if err := unix.Mprotect(b, unix.PROT_NONE); err != nil {
		return fmt.Errorf("mprotect decommit %#x+%d: %w", addr, size, err)
	}
	return nil
}

func (p *OSProvider) Free(addr, size uintptr) {
	mem, ok := p.mappings.LoadAndDelete(addr)
	if !ok {
		return
	}
	_ = unix.Munmap(mem)
}

func bytesAt(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}
