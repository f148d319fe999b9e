package vmm

import (
	"github.com/kammerdienerb/riscv-os/kernel"
	"github.com/kammerdienerb/riscv-os/kernel/mem"
	"github.com/kammerdienerb/riscv-os/kernel/mem/pmm"
	"github.com/kammerdienerb/riscv-os/kernel/sync"
)

const (
	// satpModeSv39 selects Sv39 translation in satp.
	satpModeSv39  = uint64(8) << 60
	satpASIDShift = 44

	// KernelASID tags the address space shared by kernel and idle
	// processes.
	KernelASID = uint16(0xFFFF)
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page", Code: -14}

	errUnaligned     = &kernel.Error{Module: "vmm", Message: "mapping addresses must be page aligned", Code: -22}
	errAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual page is already mapped", Code: -17}
	errAccess        = &kernel.Error{Module: "vmm", Message: "page does not allow the requested access", Code: -13}
)

// AddressSpace is a set of virtual to physical page mappings tagged with an
// address space id. The root frame holds the (notional) top-level page
// table. An AddressSpace is safe for concurrent use.
type AddressSpace struct {
	lock sync.Spinlock

	asid    uint16
	root    pmm.Frame
	entries map[Page]pageTableEntry
}

// NewAddressSpace returns an empty address space with the given id whose
// top-level table lives in root.
func NewAddressSpace(asid uint16, root pmm.Frame) *AddressSpace {
	return &AddressSpace{
		asid:    asid,
		root:    root,
		entries: make(map[Page]pageTableEntry),
	}
}

// ASID returns the address space id.
func (as *AddressSpace) ASID() uint16 { return as.asid }

// Root returns the frame of the top-level page table.
func (as *AddressSpace) Root() pmm.Frame { return as.root }

// SATP returns the satp value that activates this address space.
func (as *AddressSpace) SATP() uint64 {
	return satpModeSv39 | uint64(as.asid)<<satpASIDShift | uint64(as.root)
}

// Map establishes mappings for the physical range [phys, phys+size) at
// virt. Both addresses must be page aligned; size is rounded up to a whole
// number of pages. Existing mappings are never replaced.
func (as *AddressSpace) Map(phys, virt uintptr, size mem.Size, flags PageTableEntryFlag) *kernel.Error {
	if PageOffset(phys) != 0 || PageOffset(virt) != 0 {
		return errUnaligned
	}

	as.lock.Acquire()
	defer as.lock.Release()

	var (
		pageCount = size.Pages()
		page      = PageFromAddress(virt)
		frame     = pmm.FrameFromAddress(phys)
	)

	for i := uint64(0); i < pageCount; i++ {
		if _, mapped := as.entries[page+Page(i)]; mapped {
			return errAlreadyMapped
		}
	}

	for i := uint64(0); i < pageCount; i++ {
		var pte pageTableEntry
		pte.SetFrame(frame + pmm.Frame(i))
		pte.SetFlags(flags | FlagValid)
		as.entries[page+Page(i)] = pte
	}

	return nil
}

// Unmap removes the mappings for size bytes starting at the page that
// contains virt.
func (as *AddressSpace) Unmap(virt uintptr, size mem.Size) {
	as.lock.Acquire()
	defer as.lock.Release()

	page := PageFromAddress(virt)
	for i := uint64(0); i < size.Pages(); i++ {
		delete(as.entries, page+Page(i))
	}
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (as *AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := as.lookup(virtAddr)
	if err != nil {
		return 0, err
	}

	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// Len returns the number of mapped pages.
func (as *AddressSpace) Len() int {
	as.lock.Acquire()
	defer as.lock.Release()

	return len(as.entries)
}

func (as *AddressSpace) lookup(virtAddr uintptr) (pageTableEntry, *kernel.Error) {
	as.lock.Acquire()
	defer as.lock.Release()

	pte, ok := as.entries[PageFromAddress(virtAddr)]
	if !ok || !pte.HasFlags(FlagValid) {
		return 0, ErrInvalidMapping
	}

	return pte, nil
}

// CopyIn copies len(dst) bytes starting at virtual address virt into dst.
// The copy proceeds page by page since contiguous virtual pages need not be
// physically contiguous.
func (as *AddressSpace) CopyIn(ram *pmm.RAM, dst []byte, virt uintptr) *kernel.Error {
	return as.copyPages(virt, len(dst), FlagRead, func(phys uintptr, off, n int) *kernel.Error {
		_, err := ram.ReadAt(dst[off:off+n], phys)
		return err
	})
}

// CopyOut copies src to virtual address virt.
func (as *AddressSpace) CopyOut(ram *pmm.RAM, virt uintptr, src []byte) *kernel.Error {
	return as.copyPages(virt, len(src), FlagWrite, func(phys uintptr, off, n int) *kernel.Error {
		_, err := ram.WriteAt(src[off:off+n], phys)
		return err
	})
}

func (as *AddressSpace) copyPages(virt uintptr, length int, access PageTableEntryFlag, copyFn func(phys uintptr, off, n int) *kernel.Error) *kernel.Error {
	for off := 0; off < length; {
		pte, err := as.lookup(virt)
		if err != nil {
			return err
		}
		if !pte.HasFlags(access) {
			return errAccess
		}

		n := int(uintptr(mem.PageSize) - PageOffset(virt))
		if rem := length - off; n > rem {
			n = rem
		}

		if err = copyFn(pte.Frame().Address()+PageOffset(virt), off, n); err != nil {
			return err
		}

		off += n
		virt += uintptr(n)
	}

	return nil
}
