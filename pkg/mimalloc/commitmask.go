package mimalloc

import "math/bits"

const (
	commitMaskBits       = int(segmentSize / commitSize)
	commitMaskFieldBits  = 64
	commitMaskFieldCount = commitMaskBits / commitMaskFieldBits
)

// CommitMask has one bit per commit unit of a segment.
type CommitMask [commitMaskFieldCount]uint64

// NewCommitMask returns a mask with bitCount bits set starting at bitIdx.
func NewCommitMask(bitIdx, bitCount int) CommitMask {
	var cm CommitMask
	if bitCount == commitMaskBits {
		return FullCommitMask()
	}
	if bitCount == 0 {
		return cm
	}
	i := bitIdx / commitMaskFieldBits
	ofs := bitIdx % commitMaskFieldBits
	for bitCount > 0 && i < commitMaskFieldCount {
		avail := commitMaskFieldBits - ofs
		count := bitCount
		if count > avail {
			count = avail
		}
		var mask uint64
		if count >= commitMaskFieldBits {
			mask = ^uint64(0)
		} else {
			mask = ((uint64(1) << count) - 1) << ofs
		}
		cm[i] = mask
		bitCount -= count
		ofs = 0
		i++
	}
	return cm
}

// FullCommitMask returns a mask with every bit set.
func FullCommitMask() CommitMask {
	var cm CommitMask
	for i := range cm {
		cm[i] = ^uint64(0)
	}
	return cm
}

func (cm *CommitMask) IsEmpty() bool {
	for _, m := range cm {
		if m != 0 {
			return false
		}
	}
	return true
}

func (cm *CommitMask) IsFull() bool {
	for _, m := range cm {
		if m != ^uint64(0) {
			return false
		}
	}
	return true
}

// AllSet reports whether every bit of other is also set in cm.
func (cm *CommitMask) AllSet(other *CommitMask) bool {
	for i := range cm {
		if cm[i]&other[i] != other[i] {
			return false
		}
	}
	return true
}

// AnySet reports whether cm and other share a bit.
func (cm *CommitMask) AnySet(other *CommitMask) bool {
	for i := range cm {
		if cm[i]&other[i] != 0 {
			return true
		}
	}
	return false
}

func (cm *CommitMask) Intersect(other *CommitMask) CommitMask {
	var res CommitMask
	for i := range cm {
		res[i] = cm[i] & other[i]
	}
	return res
}

// Clear removes the bits of other from cm.
func (cm *CommitMask) Clear(other *CommitMask) {
	for i := range cm {
		cm[i] &^= other[i]
	}
}

// Set adds the bits of other to cm.
func (cm *CommitMask) Set(other *CommitMask) {
	for i := range cm {
		cm[i] |= other[i]
	}
}

// CommittedSize scales the number of set bits to a total byte size.
func (cm *CommitMask) CommittedSize(total uintptr) uintptr {
	count := 0
	for _, m := range cm {
		count += bits.OnesCount64(m)
	}
	return (total / uintptr(commitMaskBits)) * uintptr(count)
}

// NextRun finds the first run of set bits at or after idx. It returns the run
// start and length; a zero count means there are no more runs and start is
// the mask width.
func (cm *CommitMask) NextRun(idx int) (start, count int) {
	i := idx / commitMaskFieldBits
	ofs := idx % commitMaskFieldBits
	var mask uint64
	for ; i < commitMaskFieldCount; i, ofs = i+1, 0 {
		mask = cm[i] >> ofs
		if mask != 0 {
			ofs += bits.TrailingZeros64(mask)
			mask = cm[i] >> ofs
			break
		}
	}
	if i >= commitMaskFieldCount {
		return commitMaskBits, 0
	}
	start = i*commitMaskFieldBits + ofs
	for {
		n := bits.TrailingZeros64(^mask)
		count += n
		if ofs+n < commitMaskFieldBits {
			break
		}
		i++
		if i >= commitMaskFieldCount {
			break
		}
		mask = cm[i]
		ofs = 0
		if mask&1 == 0 {
			break
		}
	}
	return start, count
}

// forEachRun calls fn for every run of set bits.
func (cm *CommitMask) forEachRun(fn func(start, count int)) {
	idx := 0
	for idx < commitMaskBits {
		start, count := cm.NextRun(idx)
		if count == 0 {
			return
		}
		fn(start, count)
		idx = start + count
	}
}
