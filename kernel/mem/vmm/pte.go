// Package vmm implements the Sv39 address spaces handed to processes. Page
// tables are kept as a map from virtual page to page table entry; the
// hardware page-table walker is not modelled.
package vmm

import (
	"github.com/kammerdienerb/riscv-os/kernel/mem"
	"github.com/kammerdienerb/riscv-os/kernel/mem/pmm"
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint64

// Sv39 page table entry flags.
const (
	FlagValid   = PageTableEntryFlag(1 << 0)
	FlagRead    = PageTableEntryFlag(1 << 1)
	FlagWrite   = PageTableEntryFlag(1 << 2)
	FlagExecute = PageTableEntryFlag(1 << 3)
	FlagUser    = PageTableEntryFlag(1 << 4)
	FlagGlobal  = PageTableEntryFlag(1 << 5)

	// FlagRW is a shorthand for read/write data pages.
	FlagRW = FlagRead | FlagWrite

	// pteFlagMask covers the flag bits below the PPN field.
	pteFlagMask = uint64(0x3ff)
	ptePPNShift = 10
)

// pageTableEntry encodes a physical frame and a set of flags in the Sv39
// format.
type pageTableEntry uint64

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) == uint64(flags)
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uint64(*pte) | uint64(flags))
}

// Flags returns the flags of the entry.
func (pte pageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uint64(pte) & pteFlagMask)
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() pmm.Frame {
	return pmm.Frame(uint64(pte) >> ptePPNShift)
}

// SetFrame updates the page table entry to point the the given physical frame.
func (pte *pageTableEntry) SetFrame(frame pmm.Frame) {
	*pte = pageTableEntry((uint64(*pte) & pteFlagMask) | uint64(frame)<<ptePPNShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual address of the start of the page.
func (p Page) Address() uintptr {
	return uintptr(p << mem.PageShift)
}

// PageFromAddress returns the page that contains virtAddr.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(mem.PageSize - 1))) >> mem.PageShift)
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & uintptr(mem.PageSize-1)
}
