// Package workload drives an allocator with a mixed, multi-threaded
// allocation pattern: local and cross-thread frees, thread restarts that
// abandon segments, and msgpack records encoded into allocator memory.
package workload

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/maxpert/mialloc/cfg"
	"github.com/maxpert/mialloc/encoding"
	"github.com/maxpert/mialloc/pkg/mimalloc"
	"github.com/maxpert/mialloc/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	hugeMin = 17 << 20
	hugeMax = 40 << 20

	// handoffDepth bounds each worker's inbox of blocks to free
	handoffDepth = 1024
)

// Record is the msgpack payload workers encode into native buffers.
type Record struct {
	Worker int    `msgpack:"worker"`
	Seq    uint64 `msgpack:"seq"`
	Size   uint64 `msgpack:"size"`
	Class  string `msgpack:"class"`
	At     int64  `msgpack:"at"`
}

// Result summarizes a run.
type Result struct {
	Allocations int64 `json:"allocations"`
	Failures    int64 `json:"failures"`
	LocalFrees  int64 `json:"local_frees"`
	CrossFrees  int64 `json:"cross_frees"`
	Restarts    int64 `json:"restarts"`
	Records     int64 `json:"records"`
	Corruptions int64 `json:"corruptions"`
}

type counters struct {
	allocations atomic.Int64
	failures    atomic.Int64
	localFrees  atomic.Int64
	crossFrees  atomic.Int64
	restarts    atomic.Int64
	records     atomic.Int64
	corruptions atomic.Int64
}

// block is a live allocation and the pattern written into it
type block struct {
	p    uintptr
	size uintptr
	tag  byte
}

// Runner executes the workload against one allocator.
type Runner struct {
	alloc   *mimalloc.Allocator
	conf    cfg.WorkloadConfiguration
	handoff []chan block
	stats   counters
}

// New creates a runner. conf is expected to have passed cfg.Validate.
func New(alloc *mimalloc.Allocator, conf cfg.WorkloadConfiguration) *Runner {
	handoff := make([]chan block, conf.Threads)
	for i := range handoff {
		handoff[i] = make(chan block, handoffDepth)
	}
	return &Runner{alloc: alloc, conf: conf, handoff: handoff}
}

// Run starts the workers and blocks until ctx is done. Every block still
// live at that point is freed before Run returns. A Runner runs once.
func (r *Runner) Run(ctx context.Context) Result {
	log.Info().
		Int("threads", r.conf.Threads).
		Int("min_size", r.conf.MinSize).
		Int("max_size", r.conf.MaxSize).
		Float64("cross_thread_ratio", r.conf.CrossThreadRatio).
		Msg("Starting workload")

	var wg sync.WaitGroup
	for w := 0; w < r.conf.Threads; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			r.worker(ctx, w)
		}(w)
	}
	wg.Wait()

	// Blocks handed off after their target worker stopped draining
	th := r.alloc.NewThread()
	for _, ch := range r.handoff {
		close(ch)
		for b := range ch {
			r.release(th, b, "cross_thread")
		}
	}
	th.Done()

	return r.Result()
}

// Result returns the counters so far.
func (r *Runner) Result() Result {
	return Result{
		Allocations: r.stats.allocations.Load(),
		Failures:    r.stats.failures.Load(),
		LocalFrees:  r.stats.localFrees.Load(),
		CrossFrees:  r.stats.crossFrees.Load(),
		Restarts:    r.stats.restarts.Load(),
		Records:     r.stats.records.Load(),
		Corruptions: r.stats.corruptions.Load(),
	}
}

func (r *Runner) worker(ctx context.Context, w int) {
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(w)))
	th := r.alloc.NewThread()
	arena := encoding.NewArena()
	live := make([]block, 0, r.conf.LiveBlocks+1)
	next := r.handoff[(w+1)%len(r.handoff)]

	defer func() {
		for _, b := range live {
			r.release(th, b, "local")
		}
		arena.Destroy()
		th.Done()
	}()

	for op := 1; ; op++ {
		if op&63 == 0 && ctx.Err() != nil {
			return
		}

		if b, ok := r.allocate(th, rng); ok {
			live = append(live, b)
		}

		if len(live) > r.conf.LiveBlocks {
			i := rng.IntN(len(live))
			b := live[i]
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]

			handed := false
			if rng.Float64() < r.conf.CrossThreadRatio {
				select {
				case next <- b:
					handed = true
				default:
				}
			}
			if !handed {
				r.release(th, b, "local")
			}
		}

		r.drain(th, w)

		if r.conf.EncodeEvery > 0 && op%r.conf.EncodeEvery == 0 {
			r.encode(th, arena, w, uint64(op), rng)
		}

		// Ending the thread abandons its segments while live still points
		// into them; the replacement thread frees those blocks later.
		if r.conf.RestartEvery > 0 && op%r.conf.RestartEvery == 0 {
			th.Done()
			th = r.alloc.NewThread()
			arena.Destroy()
			arena = encoding.NewArena()
			r.stats.restarts.Add(1)
			telemetry.ThreadRestartsTotal.Inc()
		}
	}
}

func (r *Runner) allocate(th *mimalloc.Thread, rng *rand.Rand) (block, bool) {
	size := uintptr(r.conf.MinSize + rng.IntN(r.conf.MaxSize-r.conf.MinSize+1))
	if r.conf.HugeAllocationRate > 0 && rng.Float64() < r.conf.HugeAllocationRate {
		size = uintptr(hugeMin + rng.IntN(hugeMax-hugeMin))
	}

	telemetry.AllocationSizeBytes.Observe(float64(size))
	p := th.Malloc(size)
	if p == 0 {
		r.stats.failures.Add(1)
		telemetry.AllocationFailuresTotal.Inc()
		return block{}, false
	}
	r.stats.allocations.Add(1)
	telemetry.AllocationsTotal.With(mimalloc.SizeClassOf(size)).Inc()

	b := block{p: p, size: size, tag: byte(rng.Uint32())}
	stamp(b)
	return b, true
}

// drain frees blocks other workers handed to w
func (r *Runner) drain(th *mimalloc.Thread, w int) {
	for {
		select {
		case b := <-r.handoff[w]:
			r.release(th, b, "cross_thread")
		default:
			return
		}
	}
}

func (r *Runner) release(th *mimalloc.Thread, b block, path string) {
	if !intact(b) {
		r.stats.corruptions.Add(1)
		log.Error().
			Str("addr", formatAddr(b.p)).
			Uint64("size", uint64(b.size)).
			Msg("Block pattern changed while live")
	}
	th.Free(b.p)
	if path == "local" {
		r.stats.localFrees.Add(1)
	} else {
		r.stats.crossFrees.Add(1)
	}
	telemetry.FreesTotal.With(path).Inc()
}

func (r *Runner) encode(th *mimalloc.Thread, arena encoding.NativeArena, w int, seq uint64, rng *rand.Rand) {
	size := uint64(r.conf.MinSize + rng.IntN(r.conf.MaxSize-r.conf.MinSize+1))
	rec := Record{
		Worker: w,
		Seq:    seq,
		Size:   size,
		Class:  mimalloc.SizeClassOf(uintptr(size)),
		At:     time.Now().UnixNano(),
	}

	nb, err := encoding.MarshalNativeWith(th, rec)
	if err != nil {
		log.Warn().Err(err).Int("worker", w).Msg("Failed to encode record")
		return
	}
	var back Record
	if err := encoding.Unmarshal(nb.Bytes(), &back); err != nil || back != rec {
		r.stats.corruptions.Add(1)
		log.Error().Err(err).Int("worker", w).Uint64("seq", seq).Msg("Record did not round trip")
	}
	nb.Dispose()

	if _, err := encoding.MarshalToArena(arena, rec); err != nil {
		log.Warn().Err(err).Int("worker", w).Msg("Failed to encode record into arena")
		return
	}
	r.stats.records.Add(1)
	telemetry.EncodedRecordsTotal.Inc()
}

func bytesAt(p, n uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), n)
}

// stamp writes the tag into the first and last byte of the block
func stamp(b block) {
	if b.size == 0 {
		return
	}
	mem := bytesAt(b.p, b.size)
	mem[0] = b.tag
	mem[b.size-1] = b.tag ^ 0xFF
}

func intact(b block) bool {
	if b.size == 0 {
		return true
	}
	mem := bytesAt(b.p, b.size)
	return mem[0] == b.tag && mem[b.size-1] == b.tag^0xFF
}

func formatAddr(p uintptr) string {
	return fmt.Sprintf("%#x", p)
}
