package mimalloc

import (
	"math/bits"
	"unsafe"
)

// A block is an address inside page memory. While free, its first word holds
// the encoded address of the next free block. The end of a page list is
// encoded as start|1, an address no block can have.

func loadWord(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

func storeWord(addr, v uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = v
}

func encodePtr(null, p uintptr, keys *[2]uintptr) uintptr {
	if p == 0 {
		p = null
	}
	return uintptr(bits.RotateLeft64(uint64(p^keys[1]), int(keys[0]&63))) + keys[0]
}

func decodePtr(null, x uintptr, keys *[2]uintptr) uintptr {
	p := uintptr(bits.RotateLeft64(uint64(x-keys[0]), -int(keys[0]&63))) ^ keys[1]
	if p == null {
		return 0
	}
	return p
}

// blockNext reads the link of a block on one of the page's lists.
func (pg *Page) blockNext(block uintptr) uintptr {
	next := decodePtr(pg.start|1, loadWord(block), &pg.keys)
	if pg.debug && next != 0 && !pg.isInPage(next) {
		fatal(ErrCorruptFreeList, "corrupted free list entry", block)
	}
	return next
}

func (pg *Page) blockSetNext(block, next uintptr) {
	storeWord(block, encodePtr(pg.start|1, next, &pg.keys))
}

// isInPage reports whether p is a block boundary inside the page area.
func (pg *Page) isInPage(p uintptr) bool {
	if p < pg.start || p >= pg.start+pg.areaSize {
		return false
	}
	return (p-pg.start)%pg.blockSize == 0
}

// heapBlockNext reads the link of a block on a heap's delayed free list.
func (h *Heap) blockNext(block uintptr) uintptr {
	return decodePtr(0, loadWord(block), &h.keys)
}

func (h *Heap) blockSetNext(block, next uintptr) {
	storeWord(block, encodePtr(0, next, &h.keys))
}

func memzero(addr, size uintptr) {
	clear(bytesAt(addr, size))
}

func memset(addr, size uintptr, b byte) {
	s := bytesAt(addr, size)
	for i := range s {
		s[i] = b
	}
}

func memcopy(dst, src, size uintptr) {
	copy(bytesAt(dst, size), bytesAt(src, size))
}
