package pmm

import (
	"github.com/kammerdienerb/riscv-os/kernel"
	"github.com/kammerdienerb/riscv-os/kernel/mem"
)

var errBadPhysAddr = &kernel.Error{Module: "pmm", Message: "physical address outside of RAM", Code: -14}

// RAM is the machine's physical memory.
type RAM struct {
	base uintptr
	data []byte
}

// NewRAM returns size bytes of zeroed physical memory starting at base.
func NewRAM(base uintptr, size mem.Size) *RAM {
	return &RAM{base: base, data: make([]byte, size)}
}

// Base returns the first physical address backed by the RAM.
func (r *RAM) Base() uintptr { return r.base }

// Size returns the RAM size.
func (r *RAM) Size() mem.Size { return mem.Size(len(r.data)) }

// ReadAt copies len(p) bytes starting at physical address phys into p.
func (r *RAM) ReadAt(p []byte, phys uintptr) (int, *kernel.Error) {
	off, err := r.offset(phys, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, r.data[off:]), nil
}

// WriteAt copies p to physical memory starting at phys.
func (r *RAM) WriteAt(p []byte, phys uintptr) (int, *kernel.Error) {
	off, err := r.offset(phys, len(p))
	if err != nil {
		return 0, err
	}
	return copy(r.data[off:], p), nil
}

func (r *RAM) offset(phys uintptr, n int) (uintptr, *kernel.Error) {
	if phys < r.base || phys-r.base+uintptr(n) > uintptr(len(r.data)) {
		return 0, errBadPhysAddr
	}
	return phys - r.base, nil
}
