package workload

import (
	"context"
	"testing"
	"time"

	"github.com/maxpert/mialloc/cfg"
	"github.com/maxpert/mialloc/encoding"
	"github.com/maxpert/mialloc/pkg/mimalloc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() cfg.WorkloadConfiguration {
	conf := cfg.Default().Workload
	conf.Threads = 4
	conf.MaxSize = 8 << 10
	conf.LiveBlocks = 64
	conf.CrossThreadRatio = 0.5
	conf.RestartEvery = 2000
	conf.EncodeEvery = 16
	conf.HugeAllocationRate = 0
	return conf
}

func newAllocator(t *testing.T) *mimalloc.Allocator {
	t.Helper()
	opts := mimalloc.DefaultOptions()
	opts.DestroyOnExit = true
	opts.Debug = true
	a, err := mimalloc.New(opts, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestRunFreesEverything(t *testing.T) {
	a := newAllocator(t)
	r := New(a, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	res := r.Run(ctx)

	assert.Positive(t, res.Allocations)
	assert.Zero(t, res.Failures)
	assert.Zero(t, res.Corruptions)
	assert.Positive(t, res.CrossFrees)
	assert.Positive(t, res.Records)
	assert.Equal(t, res.Allocations, res.LocalFrees+res.CrossFrees)

	st := a.Stats()
	assert.Zero(t, st.Threads)
	assert.Zero(t, st.Errors)

	// nothing is live, so a collect returns every segment
	a.Collect()
	st = a.Stats()
	assert.Zero(t, st.SegmentsAbandoned)
	assert.Equal(t, st.SegmentsAllocated, st.SegmentsFreed)
}

func TestRunRestartsThreads(t *testing.T) {
	a := newAllocator(t)
	conf := testConfig()
	conf.Threads = 2
	conf.RestartEvery = 100
	conf.CrossThreadRatio = 0

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	res := New(a, conf).Run(ctx)

	assert.Positive(t, res.Restarts)
	assert.Zero(t, res.CrossFrees)
	assert.Zero(t, res.Corruptions)
	assert.Positive(t, a.Stats().SegmentsReclaimed)
}

func TestRunWithHugeAllocations(t *testing.T) {
	a := newAllocator(t)
	conf := testConfig()
	conf.Threads = 1
	conf.LiveBlocks = 2
	conf.HugeAllocationRate = 0.05

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	res := New(a, conf).Run(ctx)

	assert.Positive(t, res.Allocations)
	assert.Zero(t, res.Failures)
	assert.Zero(t, res.Corruptions)
}

func TestRecordRoundTrip(t *testing.T) {
	rec := Record{Worker: 3, Seq: 99, Size: 4096, Class: mimalloc.SizeClassOf(4096), At: 1}
	data, err := encoding.Marshal(rec)
	require.NoError(t, err)

	var back Record
	require.NoError(t, encoding.Unmarshal(data, &back))
	assert.Equal(t, rec, back)
}

func TestStampDetectsOverwrite(t *testing.T) {
	a := newAllocator(t)
	th := a.NewThread()
	defer th.Done()

	p := th.Malloc(32)
	require.NotZero(t, p)
	defer th.Free(p)

	b := block{p: p, size: 32, tag: 0x42}
	stamp(b)
	assert.True(t, intact(b))
	bytesAt(p, 32)[31] = 0
	assert.False(t, intact(b))
	assert.True(t, intact(block{size: 0}))
}
