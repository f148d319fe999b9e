package pmm

import (
	"testing"

	"github.com/kammerdienerb/riscv-os/kernel/mem"
)

func TestFrameLayout(t *testing.T) {
	specs := []struct {
		addr     uintptr
		expFrame Frame
	}{
		{mem.RAMBase, Frame(0x80000)},
		{mem.ParkAddr, Frame(0x80000)},
		{mem.KernelEntry + 0x7f, Frame(0x80050)},
		{mem.ContextBase + uintptr(mem.PageSize) - 1, Frame(0x80070)},
		{mem.KernelEnd, Frame(0x80200)},
		{mem.KernelEnd - 1, Frame(0x801ff)},
		{mem.ImageBase + mem.ImageStride, Frame(0x500)},
	}

	for specIndex, spec := range specs {
		frame := FrameFromAddress(spec.addr)
		if frame != spec.expFrame {
			t.Errorf("[spec %d] expected frame %#x for address %#x; got %#x", specIndex, spec.expFrame, spec.addr, frame)
			continue
		}

		if !frame.Valid() {
			t.Errorf("[spec %d] expected frame %#x to be valid", specIndex, frame)
		}

		// Address rounds down to the start of the page holding addr.
		if exp, got := spec.addr&^uintptr(mem.PageSize-1), frame.Address(); got != exp {
			t.Errorf("[spec %d] expected frame %#x to start at %#x; got %#x", specIndex, frame, exp, got)
		}
	}
}

func TestInvalidFrame(t *testing.T) {
	if InvalidFrame.Valid() {
		t.Error("expected InvalidFrame.Valid() to return false")
	}

	// The highest page of a 64-bit address space is still a frame.
	if last := FrameFromAddress(^uintptr(0)); !last.Valid() {
		t.Errorf("expected the last page frame %#x to be valid", last)
	}
}
