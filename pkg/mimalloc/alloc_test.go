package mimalloc

import (
	"sync"
	"testing"
	"unsafe"
)

func TestMalloc(t *testing.T) {
	ptr := Malloc(1024)
	if ptr == nil {
		t.Fatal("Malloc returned nil")
	}
	defer Free(ptr)

	slice := unsafe.Slice((*byte)(ptr), 1024)
	for i := range slice {
		slice[i] = byte(i % 256)
	}
	for i := range slice {
		if slice[i] != byte(i%256) {
			t.Fatalf("Memory corruption at index %d", i)
		}
	}
}

func TestCalloc(t *testing.T) {
	ptr := Calloc(100, 10)
	if ptr == nil {
		t.Fatal("Calloc returned nil")
	}
	defer Free(ptr)

	slice := unsafe.Slice((*byte)(ptr), 1000)
	for i := range slice {
		if slice[i] != 0 {
			t.Fatalf("Calloc memory not zero at index %d: got %d", i, slice[i])
		}
	}
}

func TestRealloc(t *testing.T) {
	ptr := Malloc(100)
	if ptr == nil {
		t.Fatal("Malloc returned nil")
	}

	slice := unsafe.Slice((*byte)(ptr), 100)
	for i := range slice {
		slice[i] = byte(i)
	}

	ptr = Realloc(ptr, 200)
	if ptr == nil {
		t.Fatal("Realloc returned nil")
	}
	defer Free(ptr)

	slice = unsafe.Slice((*byte)(ptr), 100)
	for i := range slice {
		if slice[i] != byte(i) {
			t.Fatalf("Data not preserved after Realloc at index %d", i)
		}
	}
}

func TestMSize(t *testing.T) {
	ptr := Malloc(100)
	if ptr == nil {
		t.Fatal("Malloc returned nil")
	}
	defer Free(ptr)

	if size := MSize(ptr); size < 100 {
		t.Fatalf("MSize returned %d, expected at least 100", size)
	}
	if MSize(nil) != 0 {
		t.Fatal("MSize of nil should be 0")
	}
}

func TestFreeFromOtherGoroutines(t *testing.T) {
	ptrs := make(chan unsafe.Pointer, 64)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for p := range ptrs {
			Free(p)
		}
	}()
	for i := 0; i < 1000; i++ {
		p := Malloc(uintptr(16 + i%512))
		if p == nil {
			t.Fatal("Malloc returned nil")
		}
		ptrs <- p
	}
	close(ptrs)
	wg.Wait()
}

func TestArena(t *testing.T) {
	arena := ArenaCreate()
	if arena == nil {
		t.Fatal("ArenaCreate returned nil")
	}

	ptrs := make([]unsafe.Pointer, 10)
	for i := range ptrs {
		ptrs[i] = ArenaMalloc(arena, 1024)
		if ptrs[i] == nil {
			t.Fatalf("ArenaMalloc returned nil for allocation %d", i)
		}
		slice := unsafe.Slice((*byte)(ptrs[i]), 1024)
		for j := range slice {
			slice[j] = byte((i + j) % 256)
		}
	}

	for i, ptr := range ptrs {
		slice := unsafe.Slice((*byte)(ptr), 1024)
		for j := range slice {
			if slice[j] != byte((i+j)%256) {
				t.Fatalf("Memory corruption in arena allocation %d at index %d", i, j)
			}
		}
	}
	if ArenaMSize(arena, ptrs[0]) < 1024 {
		t.Fatal("ArenaMSize smaller than request")
	}
	ArenaFree(arena, ptrs[1])

	// Destroy arena (frees all allocations)
	ArenaDestroy(arena)
	if ArenaMalloc(arena, 8) != nil {
		t.Fatal("ArenaMalloc after destroy should fail")
	}
	if MSize(ptrs[0]) != 0 {
		t.Fatal("arena memory still live after destroy")
	}
}

func TestArenaCalloc(t *testing.T) {
	arena := ArenaCreate()
	if arena == nil {
		t.Fatal("ArenaCreate returned nil")
	}
	defer ArenaDestroy(arena)

	ptr := ArenaCalloc(arena, 100, 10)
	if ptr == nil {
		t.Fatal("ArenaCalloc returned nil")
	}
	slice := unsafe.Slice((*byte)(ptr), 1000)
	for i := range slice {
		if slice[i] != 0 {
			t.Fatalf("ArenaCalloc memory not zero at index %d", i)
		}
	}

	grown := ArenaRealloc(arena, ptr, 4000)
	if grown == nil {
		t.Fatal("ArenaRealloc returned nil")
	}
}

func BenchmarkMalloc(b *testing.B) {
	for i := 0; i < b.N; i++ {
		ptr := Malloc(256)
		Free(ptr)
	}
}

func BenchmarkThreadMalloc(b *testing.B) {
	th := Default().NewThread()
	defer th.Done()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		th.Free(th.Malloc(256))
	}
}

func BenchmarkArenaMalloc(b *testing.B) {
	arena := ArenaCreate()
	defer ArenaDestroy(arena)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = ArenaMalloc(arena, 256)
	}
}
