package mimalloc

import (
	"encoding/binary"
	"math/bits"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	maxAddress       = uintptr(1) << 48
	segmentMapBits   = maxAddress / segmentSize
	segmentMapWsize  = int(segmentMapBits / 64)
	segmentHeaderLen = unsafe.Sizeof(segmentHeader{})
)

// segmentHeader is written at the base of every segment so a raw address can
// be traced back to its metadata without trusting the caller.
type segmentHeader struct {
	cookie uint64
	handle uint32
	kind   uint32
	size   uintptr
	_      uint64
}

var (
	segmentMapOnce sync.Once
	segmentMap     []atomic.Uint64
	processKey     uint64

	// handle -> live segment, shared by every Allocator in the process
	segmentRegistry = xsync.NewMapOf[uint32, *Segment]()
	nextHandle      atomic.Uint32
)

func segmentMapInit() {
	segmentMapOnce.Do(func() {
		segmentMap = make([]atomic.Uint64, segmentMapWsize+1)
		processKey = rand.Uint64()
	})
}

// segmentCookie derives the randomized validity cookie for a segment base.
func segmentCookie(base uintptr) uint64 {
	segmentMapInit()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(base))
	return xxhash.Sum64(buf[:]) ^ processKey
}

func segmentMapIndexOf(base uintptr) (index int, bitIdx uint) {
	if base >= maxAddress {
		return segmentMapWsize, 0
	}
	seg := base / segmentSize
	return int(seg / 64), uint(seg % 64)
}

func segmentMapAllocatedAt(seg *Segment) {
	segmentMapInit()
	index, bitIdx := segmentMapIndexOf(seg.base)
	if index == segmentMapWsize {
		return
	}
	w := &segmentMap[index]
	for {
		mask := w.Load()
		if w.CompareAndSwap(mask, mask|(uint64(1)<<bitIdx)) {
			return
		}
	}
}

func segmentMapFreedAt(seg *Segment) {
	segmentMapInit()
	index, bitIdx := segmentMapIndexOf(seg.base)
	if index == segmentMapWsize {
		return
	}
	w := &segmentMap[index]
	for {
		mask := w.Load()
		if w.CompareAndSwap(mask, mask&^(uint64(1)<<bitIdx)) {
			return
		}
	}
}

// segmentOf maps any address to the live segment containing it, or nil. It is
// safe to call with garbage: a candidate is only trusted after its header
// cookie, registry entry and size all agree.
func segmentOf(p uintptr) *Segment {
	segmentMapInit()
	base := p &^ segmentMask
	index, bitIdx := segmentMapIndexOf(base)
	if index == segmentMapWsize {
		return nil
	}
	mask := segmentMap[index].Load()
	if mask&(uint64(1)<<bitIdx) == 0 {
		// interior pointer into a huge segment: find the closest lower segment
		var loIndex int
		var loBit uint
		if lobits := mask & ((uint64(1) << bitIdx) - 1); lobits != 0 {
			loIndex = index
			loBit = uint(63 - bits.LeadingZeros64(lobits))
		} else {
			loIndex = index
			lomask := uint64(0)
			for lomask == 0 && loIndex > 0 {
				loIndex--
				lomask = segmentMap[loIndex].Load()
			}
			if lomask == 0 {
				return nil
			}
			loBit = uint(63 - bits.LeadingZeros64(lomask))
		}
		diff := (uintptr(index-loIndex)*64 + uintptr(bitIdx) - uintptr(loBit)) * segmentSize
		base -= diff
	}
	seg := segmentAtBase(base)
	if seg == nil || p >= base+seg.size {
		return nil
	}
	return seg
}

func segmentAtBase(base uintptr) *Segment {
	hdr := (*segmentHeader)(unsafe.Pointer(base))
	if hdr.cookie != segmentCookie(base) {
		return nil
	}
	seg, ok := segmentRegistry.Load(hdr.handle)
	if !ok || seg.base != base || seg.size != hdr.size {
		return nil
	}
	return seg
}

func registerSegment(seg *Segment) {
	seg.handle = nextHandle.Add(1)
	seg.cookie = segmentCookie(seg.base)
	hdr := (*segmentHeader)(unsafe.Pointer(seg.base))
	*hdr = segmentHeader{cookie: seg.cookie, handle: seg.handle, kind: uint32(seg.kind), size: seg.size}
	segmentRegistry.Store(seg.handle, seg)
	segmentMapAllocatedAt(seg)
}

func unregisterSegment(seg *Segment) {
	segmentMapFreedAt(seg)
	hdr := (*segmentHeader)(unsafe.Pointer(seg.base))
	hdr.cookie = 0
	segmentRegistry.Delete(seg.handle)
}

func segmentByHandle(handle uint32) *Segment {
	if handle == 0 {
		return nil
	}
	seg, _ := segmentRegistry.Load(handle)
	return seg
}
