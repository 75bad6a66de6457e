package mimalloc

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog/log"
)

var (
	defaultMu    sync.Mutex
	defaultAlloc atomic.Pointer[Allocator]
)

// Default returns the process allocator, creating it on first use with the
// default options and MIMALLOC_* environment overrides.
func Default() *Allocator {
	if a := defaultAlloc.Load(); a != nil {
		return a
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if a := defaultAlloc.Load(); a != nil {
		return a
	}
	opts := DefaultOptions()
	opts.LoadEnv()
	a, err := New(opts, nil)
	if err != nil {
		log.Warn().Err(err).Msg("invalid allocator options from environment, using defaults")
		a, _ = New(DefaultOptions(), nil)
	}
	defaultAlloc.Store(a)
	return a
}

// SetDefault replaces the process allocator used by the package functions.
// Blocks allocated before the switch must still be freed through the
// allocator that returned them.
func SetDefault(a *Allocator) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultAlloc.Store(a)
}

// Malloc allocates unmanaged memory of the given size in bytes.
func Malloc(size uintptr) unsafe.Pointer {
	return unsafe.Pointer(Default().Malloc(size))
}

// Calloc allocates a contiguous block of zeroed unmanaged memory.
// Total amount in bytes is count multiplied by size.
func Calloc(count uintptr, size uintptr) unsafe.Pointer {
	return unsafe.Pointer(Default().Calloc(count, size))
}

// Realloc changes the size of a previously allocated block of memory.
// Returns the new location on success.
func Realloc(ptr unsafe.Pointer, size uintptr) unsafe.Pointer {
	return unsafe.Pointer(Default().Realloc(uintptr(ptr), size))
}

// Free deallocates a block of memory.
func Free(ptr unsafe.Pointer) {
	Default().Free(uintptr(ptr))
}

// MSize returns the size of an allocated block of unmanaged memory.
func MSize(ptr unsafe.Pointer) uintptr {
	return Default().UsableSize(uintptr(ptr))
}

// UsableSize is an alias of MSize.
func UsableSize(ptr unsafe.Pointer) uintptr { return MSize(ptr) }

// Arena groups a set of memory allocations that can be released at once.
// It is safe for concurrent use.
type Arena struct {
	mu     sync.Mutex
	thread *Thread
	heap   *Heap
}

// ArenaCreate creates a new arena (heap).
func ArenaCreate() *Arena {
	t := Default().NewThread()
	return &Arena{thread: t, heap: t.NewHeap()}
}

// ArenaDestroy destroys the given arena. All allocated memory of this arena will be also freed.
func ArenaDestroy(arena *Arena) {
	arena.mu.Lock()
	defer arena.mu.Unlock()
	if arena.heap == nil {
		return
	}
	arena.heap.Destroy()
	arena.thread.Done()
	arena.heap = nil
}

// ArenaMalloc allocates memory like Malloc but in the given arena.
func ArenaMalloc(arena *Arena, size uintptr) unsafe.Pointer {
	arena.mu.Lock()
	defer arena.mu.Unlock()
	if arena.heap == nil {
		return nil
	}
	return unsafe.Pointer(arena.heap.Malloc(size))
}

// ArenaCalloc allocates memory like Calloc but in the given arena.
func ArenaCalloc(arena *Arena, count uintptr, size uintptr) unsafe.Pointer {
	arena.mu.Lock()
	defer arena.mu.Unlock()
	if arena.heap == nil {
		return nil
	}
	return unsafe.Pointer(arena.heap.Calloc(count, size))
}

// ArenaRealloc re-allocates memory like Realloc but in the given arena.
func ArenaRealloc(arena *Arena, ptr unsafe.Pointer, size uintptr) unsafe.Pointer {
	arena.mu.Lock()
	defer arena.mu.Unlock()
	if arena.heap == nil {
		return nil
	}
	return unsafe.Pointer(arena.heap.Realloc(uintptr(ptr), size))
}

// ArenaFree deallocates a block of memory in the given arena.
func ArenaFree(arena *Arena, ptr unsafe.Pointer) {
	arena.mu.Lock()
	defer arena.mu.Unlock()
	if arena.heap == nil {
		return
	}
	arena.thread.Free(uintptr(ptr))
}

// ArenaMSize returns the size of an allocated block of unmanaged memory.
func ArenaMSize(_ *Arena, ptr unsafe.Pointer) uintptr {
	return MSize(ptr)
}
