package pmm

import (
	"math/bits"
	"sync"
	"testing"

	"github.com/kammerdienerb/riscv-os/kernel/mem"
)

func TestBitmapAllocatorAllocFree(t *testing.T) {
	base := uintptr(0x80200000)
	alloc := NewBitmapAllocator(base, 200*mem.PageSize)

	if exp, got := uint64(200), alloc.FreeCount(); got != exp {
		t.Fatalf("expected FreeCount() to return %d; got %d", exp, got)
	}

	f1, err := alloc.AllocFrames(4)
	if err != nil {
		t.Fatal(err)
	}
	if exp := FrameFromAddress(base); f1 != exp {
		t.Fatalf("expected first allocation to return frame %x; got %x", exp, f1)
	}

	f2, err := alloc.AllocFrames(2)
	if err != nil {
		t.Fatal(err)
	}
	if exp := f1 + 4; f2 != exp {
		t.Fatalf("expected second allocation to return frame %x; got %x", exp, f2)
	}

	if err = alloc.FreeFrames(f1, 4); err != nil {
		t.Fatal(err)
	}

	// a 3-frame request fits in the hole left by f1
	f3, err := alloc.AllocFrames(3)
	if err != nil {
		t.Fatal(err)
	}
	if f3 != f1 {
		t.Fatalf("expected first-fit allocation to reuse frame %x; got %x", f1, f3)
	}

	if exp, got := uint64(200-5), alloc.FreeCount(); got != exp {
		t.Fatalf("expected FreeCount() to return %d; got %d", exp, got)
	}

	var used int
	for _, block := range alloc.bitmap {
		used += bits.OnesCount64(block)
	}
	if used != 5 {
		t.Fatalf("expected 5 bits to be set in the bitmap; got %d", used)
	}
}

func TestBitmapAllocatorErrors(t *testing.T) {
	alloc := NewBitmapAllocator(0x80200000, 130*mem.PageSize)

	if _, err := alloc.AllocFrames(0); err != errBadFrame {
		t.Errorf("expected errBadFrame for an empty request; got %v", err)
	}

	if _, err := alloc.AllocFrames(131); err != errOutOfMemory {
		t.Errorf("expected errOutOfMemory; got %v", err)
	}

	// fragment memory so no 65-frame run is left
	first, _ := alloc.AllocFrames(65)
	alloc.AllocFrames(1)
	alloc.FreeFrames(first, 64)
	if _, err := alloc.AllocFrames(65); err != errOutOfMemory {
		t.Errorf("expected errOutOfMemory for a fragmented request; got %v", err)
	}

	if err := alloc.FreeFrames(first+64, 1); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := alloc.FreeFrames(first+64, 1); err != errDoubleFree {
		t.Errorf("expected errDoubleFree; got %v", err)
	}
	if err := alloc.FreeFrames(Frame(1), 1); err != errBadFrame {
		t.Errorf("expected errBadFrame; got %v", err)
	}
}

func TestBitmapAllocatorConcurrent(t *testing.T) {
	var (
		alloc      = NewBitmapAllocator(0x80200000, 256*mem.PageSize)
		wg         sync.WaitGroup
		numWorkers = 8
		mu         sync.Mutex
		seen       = make(map[Frame]bool)
	)

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < 16; j++ {
				f, err := alloc.AllocFrames(2)
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				if seen[f] || seen[f+1] {
					t.Errorf("frame %x handed out twice", f)
				}
				seen[f], seen[f+1] = true, true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if got := alloc.FreeCount(); got != 0 {
		t.Fatalf("expected all frames to be allocated; %d left", got)
	}
}

func TestRAM(t *testing.T) {
	ram := NewRAM(0x80000000, 2*mem.PageSize)

	if n, err := ram.WriteAt([]byte("hart"), 0x80001ffc); err != nil || n != 4 {
		t.Fatalf("expected WriteAt to write 4 bytes; got %d, %v", n, err)
	}

	buf := make([]byte, 4)
	if _, err := ram.ReadAt(buf, 0x80001ffc); err != nil || string(buf) != "hart" {
		t.Fatalf("expected to read back %q; got %q, %v", "hart", buf, err)
	}

	if _, err := ram.ReadAt(buf, 0x80001fff); err != errBadPhysAddr {
		t.Fatalf("expected errBadPhysAddr for a read past the end of RAM; got %v", err)
	}

	if _, err := ram.WriteAt(buf, 0x7fffffff); err != errBadPhysAddr {
		t.Fatalf("expected errBadPhysAddr for a write below RAM; got %v", err)
	}
}
