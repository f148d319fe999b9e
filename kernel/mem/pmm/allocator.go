package pmm

import (
	"github.com/kammerdienerb/riscv-os/kernel"
	"github.com/kammerdienerb/riscv-os/kernel/mem"
	"github.com/kammerdienerb/riscv-os/kernel/sync"
)

var (
	errOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory", Code: -12}
	errBadFrame    = &kernel.Error{Module: "pmm", Message: "frame range is not managed by this allocator", Code: -22}
	errDoubleFree  = &kernel.Error{Module: "pmm", Message: "frame is not allocated", Code: -22}
)

// BitmapAllocator hands out runs of contiguous physical frames. Each managed
// frame is tracked by one bit; a set bit marks an allocated frame. The
// allocator is safe for concurrent use by multiple harts.
type BitmapAllocator struct {
	lock sync.Spinlock

	// base is the first managed frame and frameCount the number of
	// managed frames.
	base       Frame
	frameCount uint64
	freeCount  uint64

	bitmap []uint64
}

// NewBitmapAllocator returns an allocator that manages the frames of the
// physical region [base, base+size).
func NewBitmapAllocator(base uintptr, size mem.Size) *BitmapAllocator {
	frameCount := uint64(size >> mem.PageShift)
	return &BitmapAllocator{
		base:       FrameFromAddress(base),
		frameCount: frameCount,
		freeCount:  frameCount,
		bitmap:     make([]uint64, (frameCount+63)>>6),
	}
}

// FreeCount returns the number of frames that are available for allocation.
func (alloc *BitmapAllocator) FreeCount() uint64 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	return alloc.freeCount
}

// AllocFrames reserves count contiguous frames using a first-fit search and
// returns the first one.
func (alloc *BitmapAllocator) AllocFrames(count uint64) (Frame, *kernel.Error) {
	if count == 0 {
		return InvalidFrame, errBadFrame
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if count > alloc.freeCount {
		return InvalidFrame, errOutOfMemory
	}

	var run uint64
	for index := uint64(0); index < alloc.frameCount; index++ {
		block := alloc.bitmap[index>>6]

		// skip fully allocated blocks in one step
		if index&63 == 0 && block == ^uint64(0) {
			run = 0
			index += 63
			continue
		}

		if block&(1<<(index&63)) != 0 {
			run = 0
			continue
		}

		run++
		if run == count {
			first := index + 1 - count
			alloc.markRange(first, count, true)
			alloc.freeCount -= count
			return alloc.base + Frame(first), nil
		}
	}

	return InvalidFrame, errOutOfMemory
}

// FreeFrames releases count frames starting at frame.
func (alloc *BitmapAllocator) FreeFrames(frame Frame, count uint64) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if frame < alloc.base || uint64(frame-alloc.base)+count > alloc.frameCount {
		return errBadFrame
	}

	first := uint64(frame - alloc.base)
	for index := first; index < first+count; index++ {
		if alloc.bitmap[index>>6]&(1<<(index&63)) == 0 {
			return errDoubleFree
		}
	}

	alloc.markRange(first, count, false)
	alloc.freeCount += count
	return nil
}

// markRange sets or clears the bits for count frames starting at the given
// bitmap index.
func (alloc *BitmapAllocator) markRange(first, count uint64, allocated bool) {
	for index := first; index < first+count; index++ {
		mask := uint64(1) << (index & 63)
		if allocated {
			alloc.bitmap[index>>6] |= mask
		} else {
			alloc.bitmap[index>>6] &^= mask
		}
	}
}
