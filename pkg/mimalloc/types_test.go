package mimalloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBinOfIsMonotonicAndCovers(t *testing.T) {
	prev := 0
	for size := uintptr(1); size <= mediumObjSizeMax; size += wordSize {
		b := binOf(size)
		if !assert.GreaterOrEqual(t, b, prev, "size %d", size) {
			return
		}
		assert.Less(t, b, binHuge)
		assert.GreaterOrEqual(t, binSizes[b], size, "bin %d too small for %d", b, size)
		prev = b
	}
	assert.Equal(t, binHuge, binOf(mediumObjSizeMax+1))
}

func TestSliceBinBounds(t *testing.T) {
	prev := 0
	for n := 1; n <= slicesPerSegment; n++ {
		b := sliceBin(n)
		assert.GreaterOrEqual(t, b, prev)
		assert.LessOrEqual(t, b, segmentBinMax)
		prev = b
	}
}

func TestSizeClassOf(t *testing.T) {
	tests := []struct {
		size uintptr
		want string
	}{
		{0, "small"},
		{smallObjSizeMax, "small"},
		{smallObjSizeMax + 1, "medium"},
		{mediumObjSizeMax, "medium"},
		{mediumObjSizeMax + 1, "large"},
		{largeObjSizeMax, "large"},
		{largeObjSizeMax + 1, "huge"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SizeClassOf(tt.size), "size %d", tt.size)
	}
}

func TestAlignHelpers(t *testing.T) {
	assert.Equal(t, uintptr(64), alignUp(33, 32))
	assert.Equal(t, uintptr(48), alignUp(33, 24))
	assert.Equal(t, uintptr(32), alignDown(63, 32))
	assert.Equal(t, uintptr(3), divideUp(17, 8))
	assert.Equal(t, 10, bsr(1024))
	assert.GreaterOrEqual(t, goodAllocSize(40<<20), uintptr(40<<20))
	assert.Zero(t, goodAllocSize(40<<20)%(4<<20))
}
