// Package mimalloc is a pure Go implementation of the mimalloc thread-caching
// allocator. Memory is carved out of OS-backed 32MiB segments, segments are
// split into 64KiB slices, and spans of slices host pages of equally sized
// blocks. Block memory lives outside the Go heap and is never scanned by the
// garbage collector.
package mimalloc

import "math/bits"

const (
	wordSize  = 8
	wordShift = 3

	sliceShift   = 16
	sliceSize    = uintptr(1) << sliceShift
	segmentShift = sliceShift + 9
	segmentSize  = uintptr(1) << segmentShift
	segmentAlign = segmentSize
	segmentMask  = segmentAlign - 1

	slicesPerSegment = int(segmentSize / sliceSize)

	smallPageSize  = sliceSize
	mediumPageSize = 8 * sliceSize

	smallObjSizeMax  = smallPageSize / 4
	mediumObjSizeMax = mediumPageSize / 4
	mediumObjWsize   = mediumObjSizeMax / wordSize
	largeObjSizeMax  = segmentSize / 2

	// SmallSizeMax is the largest request served through the direct page index.
	SmallSizeMax = smallWsizeMax * wordSize

	smallWsizeMax = 128
	paddingSize   = 0
	paddingWsize  = 0
	pagesDirect   = smallWsizeMax + paddingWsize + 1

	binHuge = 73
	binFull = binHuge + 1

	commitSize        = sliceSize
	minimalCommitSize = 16 * sliceSize

	maxExtendSize = 4 * 1024
	minExtend     = 4
	retireCycles  = 16
	maxRetireSize = mediumObjSizeMax

	maxAlignGuarantee = 128

	segmentBinMax = 35

	// debugUninit is written over fresh blocks when the debug option is set.
	debugUninit = 0xD0
)

type segmentKind uint8

const (
	segmentNormal segmentKind = iota
	segmentHuge
)

func (k segmentKind) String() string {
	if k == segmentHuge {
		return "huge"
	}
	return "normal"
}

func wsizeFromSize(size uintptr) uintptr {
	return (size + wordSize - 1) >> wordShift
}

func alignUp(sz, alignment uintptr) uintptr {
	mask := alignment - 1
	if alignment&mask == 0 {
		return (sz + mask) &^ mask
	}
	return ((sz + mask) / alignment) * alignment
}

func alignDown(sz, alignment uintptr) uintptr {
	mask := alignment - 1
	if alignment&mask == 0 {
		return sz &^ mask
	}
	return (sz / alignment) * alignment
}

func divideUp(size, divider uintptr) uintptr {
	return (size + divider - 1) / divider
}

// bsr returns the index of the highest set bit; x must be non-zero.
func bsr(x uintptr) int {
	return bits.Len64(uint64(x)) - 1
}

// binOf maps a byte size to its size class.
func binOf(size uintptr) int {
	w := wsizeFromSize(size)
	switch {
	case w <= 1:
		return 1
	case w <= 8:
		return int((w + 1) &^ 1)
	case w > mediumObjWsize:
		return binHuge
	default:
		w--
		b := bsr(w)
		return ((b << 2) + int((w>>(b-2))&0x03)) - 3
	}
}

// binSizes holds the largest block size of each bin.
var binSizes = func() [binFull + 1]uintptr {
	var sizes [binFull + 1]uintptr
	for w := uintptr(1); w <= mediumObjWsize; w++ {
		sizes[binOf(w*wordSize)] = w * wordSize
	}
	sizes[binHuge] = mediumObjSizeMax + wordSize
	sizes[binFull] = mediumObjSizeMax + 2*wordSize
	return sizes
}()

// sliceBin maps a span length to its free span queue.
func sliceBin(sliceCount int) int {
	if sliceCount <= 1 {
		return sliceCount
	}
	sliceCount--
	s := bsr(uintptr(sliceCount))
	if s <= 2 {
		return sliceCount + 1
	}
	return ((s << 2) | ((sliceCount >> (s - 2)) & 0x03)) - 4
}

// goodAllocSize rounds a request the way the OS would hand it out.
func goodAllocSize(size uintptr) uintptr {
	var align uintptr
	switch {
	case size < 512*1024:
		align = osPageSize
	case size < 2*1024*1024:
		align = 64 * 1024
	case size < 8*1024*1024:
		align = 256 * 1024
	case size < 32*1024*1024:
		align = 1024 * 1024
	default:
		align = 4 * 1024 * 1024
	}
	if size >= ^uintptr(0)-align {
		return size
	}
	return alignUp(size, align)
}

// SizeClassOf names the allocation path a request of size bytes takes:
// "small", "medium", "large" or "huge".
func SizeClassOf(size uintptr) string {
	switch {
	case size <= smallObjSizeMax:
		return "small"
	case size <= mediumObjSizeMax:
		return "medium"
	case size <= largeObjSizeMax:
		return "large"
	default:
		return "huge"
	}
}
