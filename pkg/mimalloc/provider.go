package mimalloc

import (
	"os"
	"sync/atomic"
)

var osPageSize = uintptr(os.Getpagesize())

// Region describes memory handed out by a Provider.
type Region struct {
	Base      uintptr
	Committed bool
	Large     bool
	Pinned    bool
	Zero      bool
	MemID     uint64
}

// Provider is the arena/OS layer beneath the segment allocator.
//
// Memory returned by AllocAligned is aligned to alignment at Base+alignOffset.
// Decommitted memory must read as zero once committed again.
type Provider interface {
	AllocAligned(size, alignment, alignOffset uintptr, commit bool) (Region, error)
	Commit(addr, size uintptr) (isZero bool, err error)
	Decommit(addr, size uintptr) error
	Free(addr, size uintptr)
}

// ProviderStats counts OS traffic through an accountingProvider.
type ProviderStats struct {
	AllocCalls     int64 `json:"alloc_calls" msgpack:"alloc_calls"`
	FreeCalls      int64 `json:"free_calls" msgpack:"free_calls"`
	CommitCalls    int64 `json:"commit_calls" msgpack:"commit_calls"`
	DecommitCalls  int64 `json:"decommit_calls" msgpack:"decommit_calls"`
	ReservedBytes  int64 `json:"reserved_bytes" msgpack:"reserved_bytes"`
	CommittedBytes int64 `json:"committed_bytes" msgpack:"committed_bytes"`
}

// accountingProvider wraps a Provider and tracks reserved and committed bytes.
// Committed bytes are approximate: recommitting an already committed range
// counts it twice.
type accountingProvider struct {
	inner Provider

	allocCalls    atomic.Int64
	freeCalls     atomic.Int64
	commitCalls   atomic.Int64
	decommitCalls atomic.Int64
	reserved      atomic.Int64
	committed     atomic.Int64
}

func newAccountingProvider(p Provider) *accountingProvider {
	return &accountingProvider{inner: p}
}

func (p *accountingProvider) AllocAligned(size, alignment, alignOffset uintptr, commit bool) (Region, error) {
	r, err := p.inner.AllocAligned(size, alignment, alignOffset, commit)
	if err != nil {
		return r, err
	}
	p.allocCalls.Add(1)
	p.reserved.Add(int64(size))
	if r.Committed {
		p.committed.Add(int64(size))
	}
	return r, nil
}

func (p *accountingProvider) Commit(addr, size uintptr) (bool, error) {
	isZero, err := p.inner.Commit(addr, size)
	if err != nil {
		return false, err
	}
	p.commitCalls.Add(1)
	p.committed.Add(int64(size))
	return isZero, nil
}

func (p *accountingProvider) Decommit(addr, size uintptr) error {
	if err := p.inner.Decommit(addr, size); err != nil {
		return err
	}
	p.decommitCalls.Add(1)
	p.committed.Add(-int64(size))
	return nil
}

// free releases a region whose committed byte count is known.
func (p *accountingProvider) free(addr, size, committed uintptr) {
	p.inner.Free(addr, size)
	p.freeCalls.Add(1)
	p.reserved.Add(-int64(size))
	p.committed.Add(-int64(committed))
}

func (p *accountingProvider) stats() ProviderStats {
	return ProviderStats{
		AllocCalls:     p.allocCalls.Load(),
		FreeCalls:      p.freeCalls.Load(),
		CommitCalls:    p.commitCalls.Load(),
		DecommitCalls:  p.decommitCalls.Load(),
		ReservedBytes:  p.reserved.Load(),
		CommittedBytes: p.committed.Load(),
	}
}
