// Package proc implements the process pool. A process owns a saved context,
// an address space, a stack and optionally a loaded program image. Processes
// are created here and handed to the scheduler, which owns them from then on.
package proc

import (
	"github.com/kammerdienerb/riscv-os/kernel"
	"github.com/kammerdienerb/riscv-os/kernel/cpu"
	"github.com/kammerdienerb/riscv-os/kernel/mem"
	"github.com/kammerdienerb/riscv-os/kernel/mem/pmm"
	"github.com/kammerdienerb/riscv-os/kernel/mem/vmm"
)

// MaxProcs is the number of process slots.
const MaxProcs = 32

// NoHart is the hart of a process that is not placed on any hart.
const NoHart = int32(-1)

// State is the scheduling state of a process.
type State uint8

// The supported process states.
const (
	StateInvalid State = iota
	StateSleeping
	StateWaiting
	StateRunnable
	StateRunning
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case StateSleeping:
		return "sleeping"
	case StateWaiting:
		return "waiting"
	case StateRunnable:
		return "runnable"
	case StateRunning:
		return "running"
	default:
		return "invalid"
	}
}

// Kind selects the privilege level and address space of a process.
type Kind uint8

// The supported process kinds.
const (
	KindKernel Kind = iota
	KindUser
	KindIdle
)

// String implements fmt.Stringer for Kind.
func (k Kind) String() string {
	switch k {
	case KindKernel:
		return "kernel"
	case KindUser:
		return "user"
	default:
		return "idle"
	}
}

// WaitReason tags the event a waiting process waits for.
type WaitReason uint32

// The supported wait reasons.
const (
	WaitNone WaitReason = iota
	WaitInput
)

// Context is the saved execution state of a process: the registers and the
// supervisor CSRs restored when it resumes.
type Context struct {
	GPRegs [cpu.NumRegs]uint64
	FPRegs [cpu.NumRegs]uint64

	Sepc     uint64
	Sstatus  uint64
	Sie      uint64
	Satp     uint64
	Sscratch uint64
	Stvec    uint64

	// TrapSatp and TrapStack are used by the trap entry code to switch
	// to the kernel address space and stack.
	TrapSatp  uint64
	TrapStack uint64
}

// Image describes a program image loaded into a process.
type Image struct {
	Name  string
	Entry uintptr
	Frame pmm.Frame
	Pages uint64
}

// Process is a pool entry. Once placed, its scheduling fields are only
// accessed under the lock of the scheduler that owns it.
type Process struct {
	Context Context

	State State
	Kind  Kind
	PID   uint16

	// Hart is the hart the process is placed on or NoHart.
	Hart int32

	// SchedTime is the clock value at the last dispatch and VRuntime the
	// accumulated run time used as the run-queue key.
	SchedTime uint64
	VRuntime  uint64

	// WakeAt is the clock value a sleeping process asked to be woken at;
	// SleepLeft is its remaining countdown in timer ticks.
	WakeAt    uint64
	SleepLeft uint64

	WaitingOn WaitReason

	// VirtAvail is the next free heap address of a user process.
	VirtAvail uintptr

	Space *vmm.AddressSpace

	pool       *Pool
	slot       int
	used       bool
	stack      pmm.Frame
	stackPages uint64
	trapStack  pmm.Frame
	image      *Image
	heap       []heapRun
}

type heapRun struct {
	frame pmm.Frame
	pages uint64
}

// Handle returns the address of the context page of p. It is handed to a
// hart that starts p so the hart can find the process again.
func (p *Process) Handle() uint64 {
	return uint64(mem.ContextBase) + uint64(p.slot)*uint64(mem.PageSize)
}

// Slot returns the pool slot of p.
func (p *Process) Slot() int {
	return p.slot
}

// Image returns the program image loaded into p or nil.
func (p *Process) Image() *Image {
	return p.image
}

// CopyIn copies len(dst) bytes from the address space of p at virt.
func (p *Process) CopyIn(dst []byte, virt uintptr) *kernel.Error {
	return p.Space.CopyIn(p.pool.ram, dst, virt)
}

// CopyOut copies src into the address space of p at virt.
func (p *Process) CopyOut(virt uintptr, src []byte) *kernel.Error {
	return p.Space.CopyOut(p.pool.ram, virt, src)
}

// MapHeap maps pages frames starting at frame at the next free heap address
// of p and returns that address.
func (p *Process) MapHeap(frame pmm.Frame, pages uint64) (uintptr, *kernel.Error) {
	virt := p.VirtAvail
	size := mem.Size(pages) * mem.PageSize
	if err := p.Space.Map(frame.Address(), virt, size, vmm.FlagRW|vmm.FlagUser); err != nil {
		return 0, err
	}

	p.heap = append(p.heap, heapRun{frame: frame, pages: pages})
	p.VirtAvail += uintptr(size)
	return virt, nil
}

// Enter loads the context of p into the trap frame and the supervisor CSRs
// of c so that returning from the current trap resumes p.
func Enter(c cpu.Core, p *Process) {
	frame := c.TrapFrame()
	frame.GPRegs = p.Context.GPRegs
	frame.FPRegs = p.Context.FPRegs
	loadCSRs(c, &p.Context)
}

// Save captures the context interrupted by the current trap into p.
func Save(c cpu.Core, p *Process) {
	frame := c.TrapFrame()
	p.Context.GPRegs = frame.GPRegs
	p.Context.FPRegs = frame.FPRegs
	p.Context.Sepc = c.ReadCSR(cpu.Sepc)
	p.Context.Sstatus = c.ReadCSR(cpu.Sstatus)
}

func loadCSRs(c cpu.Core, ctx *Context) {
	c.WriteCSR(cpu.Sepc, ctx.Sepc)
	c.WriteCSR(cpu.Sstatus, ctx.Sstatus)
	c.WriteCSR(cpu.Sie, ctx.Sie)
	c.WriteCSR(cpu.Satp, ctx.Satp)
	c.WriteCSR(cpu.Sscratch, ctx.Sscratch)
	c.WriteCSR(cpu.Stvec, ctx.Stvec)
}
