package encoding

import (
	"sync/atomic"
	"unsafe"

	"github.com/maxpert/mialloc/pkg/mimalloc"
)

// NativeBytes represents memory allocated outside the Go heap.
// It must be explicitly disposed when no longer needed.
type NativeBytes interface {
	Bytes() []byte
	Dispose()
	Len() int
}

// NativeArena represents a memory arena for batch allocations.
// All allocations are freed when the arena is destroyed.
type NativeArena interface {
	Alloc(size int) []byte
	Destroy()
}

// Allocator is the subset of the allocator surface a native buffer needs.
// Both *mimalloc.Allocator and *mimalloc.Thread satisfy it.
type Allocator interface {
	Malloc(size uintptr) uintptr
	Free(p uintptr)
}

// nativeBytes implements NativeBytes on allocator-owned memory.
type nativeBytes struct {
	owner    Allocator
	ptr      uintptr
	len      int
	disposed atomic.Bool
}

// nativeArena implements NativeArena using mimalloc arenas.
type nativeArena struct {
	arena     *mimalloc.Arena
	destroyed atomic.Bool
}

// MarshalNative marshals a value to msgpack format using native memory allocation.
// The returned NativeBytes must be explicitly disposed when no longer needed.
func MarshalNative(v interface{}) (NativeBytes, error) {
	return MarshalNativeWith(mimalloc.Default(), v)
}

// MarshalNativeWith is MarshalNative on an explicit allocator or thread.
// Dispose may run on any goroutine; a buffer disposed away from the
// thread that allocated it takes the cross-thread free path.
func MarshalNativeWith(owner Allocator, v interface{}) (NativeBytes, error) {
	var nb *nativeBytes
	err := encode(v, func(b []byte) error {
		size := len(b)
		ptr := owner.Malloc(uintptr(size))
		if ptr == 0 {
			return &MarshalError{msg: "mimalloc allocation failed"}
		}
		copy(unsafe.Slice((*byte)(unsafe.Pointer(ptr)), size), b)
		nb = &nativeBytes{owner: owner, ptr: ptr, len: size}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return nb, nil
}

// MarshalToArena marshals a value to msgpack format using arena memory allocation.
// The returned slice is valid until the arena is destroyed.
func MarshalToArena(arena NativeArena, v interface{}) ([]byte, error) {
	var out []byte
	err := encode(v, func(b []byte) error {
		out = arena.Alloc(len(b))
		if out == nil {
			return &MarshalError{msg: "arena allocation failed"}
		}
		copy(out, b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// NewArena creates a new memory arena for batch allocations.
func NewArena() NativeArena {
	return &nativeArena{
		arena: mimalloc.ArenaCreate(),
	}
}

// Bytes returns the underlying byte slice.
// Panics if the memory has been disposed.
func (nb *nativeBytes) Bytes() []byte {
	if nb.disposed.Load() {
		panic("use after dispose: NativeBytes has been disposed")
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(nb.ptr)), nb.len)
}

// Dispose frees the native memory.
// Safe to call multiple times (no-op after first call).
func (nb *nativeBytes) Dispose() {
	if nb.disposed.CompareAndSwap(false, true) {
		nb.owner.Free(nb.ptr)
		nb.ptr = 0
	}
}

// Len returns the length of the byte slice.
func (nb *nativeBytes) Len() int {
	return nb.len
}

// Alloc allocates a byte slice from the arena.
func (na *nativeArena) Alloc(size int) []byte {
	if na.destroyed.Load() {
		return nil
	}
	ptr := mimalloc.ArenaMalloc(na.arena, uintptr(size))
	if ptr == nil {
		return nil
	}
	return unsafe.Slice((*byte)(ptr), size)
}

// Destroy frees all memory allocated from the arena.
// Safe to call multiple times (no-op after first call).
func (na *nativeArena) Destroy() {
	if na.destroyed.CompareAndSwap(false, true) {
		mimalloc.ArenaDestroy(na.arena)
		na.arena = nil
	}
}

// MarshalError represents a marshaling error.
type MarshalError struct {
	msg string
}

func (e *MarshalError) Error() string {
	return e.msg
}
