package proc

import (
	"github.com/kammerdienerb/riscv-os/kernel"
	"github.com/kammerdienerb/riscv-os/kernel/cpu"
	"github.com/kammerdienerb/riscv-os/kernel/kfmt"
	"github.com/kammerdienerb/riscv-os/kernel/mem"
	"github.com/kammerdienerb/riscv-os/kernel/mem/pmm"
	"github.com/kammerdienerb/riscv-os/kernel/mem/vmm"
	"github.com/kammerdienerb/riscv-os/kernel/sync"
)

var (
	// ErrNoFreeSlot is returned by Create when every slot is in use.
	ErrNoFreeSlot = &kernel.Error{Module: "proc", Message: "no free process slot", Code: -11}

	// ErrBadHandle is returned by ByHandle for an address that does not
	// name a live process.
	ErrBadHandle = &kernel.Error{Module: "proc", Message: "invalid process handle", Code: -22}
)

// FrameAllocator hands out contiguous physical frames.
type FrameAllocator interface {
	AllocFrames(count uint64) (pmm.Frame, *kernel.Error)
	FreeFrames(frame pmm.Frame, count uint64) *kernel.Error
}

// Pool is the fixed-size table of processes. Slot allocation is safe for
// concurrent use by multiple harts.
type Pool struct {
	lock    sync.Spinlock
	procs   [MaxProcs]Process
	nextPID uint16

	frames      FrameAllocator
	kernelSpace *vmm.AddressSpace
	ram         *pmm.RAM
}

// NewPool returns an empty pool that takes process memory from frames. Kernel
// and idle processes run in kernelSpace.
func NewPool(frames FrameAllocator, kernelSpace *vmm.AddressSpace, ram *pmm.RAM) *Pool {
	return &Pool{
		nextPID:     1,
		frames:      frames,
		kernelSpace: kernelSpace,
		ram:         ram,
	}
}

// KernelSpace returns the address space shared by kernel and idle processes.
func (pool *Pool) KernelSpace() *vmm.AddressSpace {
	return pool.kernelSpace
}

// RAM returns the memory backing the address spaces of the pool.
func (pool *Pool) RAM() *pmm.RAM {
	return pool.ram
}

// Create reserves a slot and sets up a new process of the given kind. The
// process is left in StateInvalid until the scheduler places it.
func (pool *Pool) Create(kind Kind) (*Process, *kernel.Error) {
	p, err := pool.reserve(kind)
	if err != nil {
		return nil, err
	}

	if err = pool.setup(p); err != nil {
		pool.Destroy(p)
		return nil, err
	}

	return p, nil
}

func (pool *Pool) reserve(kind Kind) (*Process, *kernel.Error) {
	pool.lock.Acquire()
	defer pool.lock.Release()

	for slot := range pool.procs {
		p := &pool.procs[slot]
		if p.used {
			continue
		}

		*p = Process{
			Kind:  kind,
			PID:   pool.nextPID,
			Hart:  NoHart,
			pool:  pool,
			slot:  slot,
			used:  true,
			stack: pmm.InvalidFrame,

			trapStack: pmm.InvalidFrame,
		}
		pool.nextPID++
		return p, nil
	}

	kfmt.Printf("[proc] no more proc slots\n")
	return nil, ErrNoFreeSlot
}

func (pool *Pool) setup(p *Process) *kernel.Error {
	var err *kernel.Error

	if p.trapStack, err = pool.frames.AllocFrames(1); err != nil {
		return err
	}

	switch p.Kind {
	case KindUser:
		if err = pool.setupUser(p); err != nil {
			return err
		}
	default:
		p.Space = pool.kernelSpace
		p.stackPages = mem.KernelStackPages
		if p.stack, err = pool.frames.AllocFrames(p.stackPages); err != nil {
			return err
		}
		p.Context.GPRegs[cpu.RegSP] = uint64(p.stack.Address()) + uint64(p.stackPages)*uint64(mem.PageSize)
	}

	ctx := &p.Context
	ctx.Sstatus = cpu.StatusSPIE | cpu.StatusFSState(1)
	if p.Kind != KindUser {
		ctx.Sstatus |= cpu.StatusSPP
	}
	if p.Kind == KindIdle {
		ctx.Sepc = uint64(mem.IdleAddr)
	}
	ctx.Sie = cpu.IntSEI | cpu.IntSSI | cpu.IntSTI
	ctx.Satp = p.Space.SATP()
	ctx.Sscratch = p.Handle()
	ctx.Stvec = uint64(mem.TrapVectorAddr)
	ctx.TrapSatp = pool.kernelSpace.SATP()
	ctx.TrapStack = uint64(p.trapStack.Address()) + uint64(mem.PageSize)

	p.VirtAvail = mem.UserHeapBase
	return nil
}

func (pool *Pool) setupUser(p *Process) *kernel.Error {
	root, err := pool.frames.AllocFrames(1)
	if err != nil {
		return err
	}
	p.Space = vmm.NewAddressSpace(p.PID, root)

	handle := uintptr(p.Handle())
	mappings := []struct {
		addr  uintptr
		flags vmm.PageTableEntryFlag
	}{
		{mem.TrampolineAddr, vmm.FlagRead | vmm.FlagExecute},
		{mem.TrapVectorAddr, vmm.FlagRead | vmm.FlagExecute},
		{handle, vmm.FlagRW},
	}
	for _, m := range mappings {
		if err = p.Space.Map(m.addr, m.addr, mem.PageSize, m.flags); err != nil {
			return err
		}
	}

	p.stackPages = mem.UserStackPages
	if p.stack, err = pool.frames.AllocFrames(p.stackPages); err != nil {
		return err
	}
	stackSize := mem.Size(p.stackPages) * mem.PageSize
	if err = p.Space.Map(p.stack.Address(), mem.UserStackBase, stackSize, vmm.FlagRW|vmm.FlagUser); err != nil {
		return err
	}
	p.Context.GPRegs[cpu.RegSP] = uint64(mem.UserStackBase) + uint64(stackSize)
	return nil
}

// LoadImage maps img into p and points the saved program counter at its
// entry. Images of user processes are mapped executable at their entry
// address.
func (pool *Pool) LoadImage(p *Process, img Image) *kernel.Error {
	if p.Kind == KindUser {
		size := mem.Size(img.Pages) * mem.PageSize
		if err := p.Space.Map(img.Frame.Address(), img.Entry, size, vmm.FlagRead|vmm.FlagExecute|vmm.FlagUser); err != nil {
			return err
		}
	}

	p.image = &img
	p.Context.Sepc = uint64(img.Entry)
	return nil
}

// Destroy releases the memory of p and frees its slot. The image frames are
// released as well.
func (pool *Pool) Destroy(p *Process) {
	if p.Kind == KindUser && p.Space != nil {
		_ = pool.frames.FreeFrames(p.Space.Root(), 1)
	}
	if p.stack.Valid() {
		_ = pool.frames.FreeFrames(p.stack, p.stackPages)
	}
	if p.trapStack.Valid() {
		_ = pool.frames.FreeFrames(p.trapStack, 1)
	}
	for _, run := range p.heap {
		_ = pool.frames.FreeFrames(run.frame, run.pages)
	}
	if p.image != nil && p.image.Pages != 0 {
		_ = pool.frames.FreeFrames(p.image.Frame, p.image.Pages)
	}

	pool.lock.Acquire()
	p.Space = nil
	p.image = nil
	p.heap = nil
	p.State = StateInvalid
	p.used = false
	pool.lock.Release()
}

// ByHandle returns the live process whose context page is at handle.
func (pool *Pool) ByHandle(handle uint64) (*Process, *kernel.Error) {
	off := handle - uint64(mem.ContextBase)
	if handle < uint64(mem.ContextBase) || off%uint64(mem.PageSize) != 0 {
		return nil, ErrBadHandle
	}

	slot := off / uint64(mem.PageSize)
	if slot >= MaxProcs {
		return nil, ErrBadHandle
	}

	pool.lock.Acquire()
	defer pool.lock.Release()

	if p := &pool.procs[slot]; p.used {
		return p, nil
	}
	return nil, ErrBadHandle
}

// Used returns the number of slots in use.
func (pool *Pool) Used() int {
	pool.lock.Acquire()
	defer pool.lock.Release()

	var n int
	for i := range pool.procs {
		if pool.procs[i].used {
			n++
		}
	}
	return n
}

// Trampoline returns the program mapped at mem.TrampolineAddr. A hart that
// jumps there with sscratch holding a process handle loads the context of
// that process and returns into it.
func (pool *Pool) Trampoline() cpu.Program {
	return cpu.ProgramFunc(func(x cpu.Executor) cpu.Effect {
		p, err := pool.ByHandle(x.ReadCSR(cpu.Sscratch))
		if err != nil {
			kfmt.Printf("[proc] hart %d: %s\n", x.HartID(), err.Message)
			x.Halt()
			return cpu.EffectNext
		}

		regs := x.Regs()
		regs.GPRegs = p.Context.GPRegs
		regs.FPRegs = p.Context.FPRegs
		loadCSRs(x, &p.Context)
		x.SRet()
		return cpu.EffectNext
	})
}
