// Package kmain contains the supervisor-mode kernel: the boot code hart 0
// enters from the firmware, the kernel trap table and the glue between the
// scheduler and the firmware calls.
package kmain

import (
	"io"
	"io/fs"

	"github.com/kammerdienerb/riscv-os/device/input"
	"github.com/kammerdienerb/riscv-os/device/plic"
	"github.com/kammerdienerb/riscv-os/firmware/sbi"
	"github.com/kammerdienerb/riscv-os/kernel"
	"github.com/kammerdienerb/riscv-os/kernel/cpu"
	"github.com/kammerdienerb/riscv-os/kernel/gate"
	"github.com/kammerdienerb/riscv-os/kernel/hal"
	"github.com/kammerdienerb/riscv-os/kernel/hal/bootcfg"
	kinput "github.com/kammerdienerb/riscv-os/kernel/input"
	"github.com/kammerdienerb/riscv-os/kernel/irq"
	"github.com/kammerdienerb/riscv-os/kernel/kfmt"
	"github.com/kammerdienerb/riscv-os/kernel/mem"
	"github.com/kammerdienerb/riscv-os/kernel/mem/pmm"
	"github.com/kammerdienerb/riscv-os/kernel/mem/vmm"
	"github.com/kammerdienerb/riscv-os/kernel/proc"
	"github.com/kammerdienerb/riscv-os/kernel/sched"
	"github.com/kammerdienerb/riscv-os/kernel/syscall"
)

var (
	errStartHart      = &kernel.Error{Module: "kmain", Message: "firmware refused to start hart", Code: -16}
	errUnknownProgram = &kernel.Error{Module: "kmain", Message: "unknown program", Code: -2}
)

// pcieSources are the device interrupt lines routed to the console hart.
var pcieSources = []uint32{plic.SourcePCIeA, plic.SourcePCIeB, plic.SourcePCIeC, plic.SourcePCIeD}

// IntController is the platform interrupt controller as used by the kernel.
type IntController interface {
	irq.Claimer
	SetPriority(source, priority uint32)
	Enable(hart uint32, mode cpu.Mode, source uint32)
	SetThreshold(hart uint32, mode cpu.Mode, threshold uint32)
}

// EventSource is the input device.
type EventSource interface {
	Drain(fn func(input.Event)) int
}

// Devices lists what the kernel is wired to.
type Devices struct {
	PLIC   IntController
	Input  EventSource
	GPU    syscall.GPU
	RAM    *pmm.RAM
	Files  fs.FS
	Random io.Reader
}

// Kernel is the supervisor-mode state shared by all harts.
type Kernel struct {
	cfg bootcfg.Config
	dev Devices

	frames *pmm.BitmapAllocator
	space  *vmm.AddressSpace
	pool   *proc.Pool
	sched  *sched.Set
	events *kinput.Queue
	calls  *gate.Gateway
	table  *irq.Table

	// images maps the init programs to their load addresses.
	images []image

	// builtins holds one image of every built-in program for console
	// launches.
	builtins []image

	// line is the console command line being typed. Only hart 0 touches it.
	line []byte
}

type text struct {
	addr uintptr
	size mem.Size
	prog cpu.Program
}

type image struct {
	name string
	base uintptr
	text cpu.Program
}

// New sets up the kernel for the machine described by cfg. It fails if the
// kernel address space cannot be built.
func New(cfg bootcfg.Config, dev Devices) (*Kernel, *kernel.Error) {
	ramEnd := mem.RAMBase + uintptr(cfg.RAM)

	k := &Kernel{
		cfg:    cfg,
		dev:    dev,
		frames: pmm.NewBitmapAllocator(mem.KernelEnd, mem.Size(ramEnd-mem.KernelEnd)),
		events: kinput.NewQueue(),
	}

	root, err := k.frames.AllocFrames(1)
	if err != nil {
		return nil, err
	}
	k.space = vmm.NewAddressSpace(vmm.KernelASID, root)
	if err = k.space.Map(mem.RAMBase, mem.RAMBase, cfg.RAM, vmm.FlagRW|vmm.FlagExecute|vmm.FlagGlobal); err != nil {
		return nil, err
	}

	k.pool = proc.NewPool(k.frames, k.space, dev.RAM)
	k.sched = sched.New(uint32(cfg.Harts), cfg.Tick, k.pool, platform{})
	k.calls = syscall.New(syscall.Services{
		Sched:  k.sched,
		Input:  k.events,
		GPU:    dev.GPU,
		Files:  dev.Files,
		Random: dev.Random,
		Frames: k.frames,
	})

	k.table = irq.NewTable(cpu.ModeSupervisor, dev.PLIC)
	k.table.HandleFunc(irq.SupervisorTimer, k.handleTimer)
	k.table.HandleFunc(irq.SupervisorExternal, spurious)
	k.table.HandleFunc(irq.PCIeA, k.handleInput)
	k.table.Handle(irq.EcallFromU, k.calls)
	k.table.Seal()

	for i, name := range cfg.Init {
		build, ok := programs[name]
		if !ok {
			kfmt.Printf("[kernel] %s: %s\n", errUnknownProgram.Message, name)
			continue
		}

		base := mem.ImageBase + uintptr(i)*mem.ImageStride
		k.images = append(k.images, image{name: name, base: base, text: build(uint64(base))})
	}

	for i, name := range Programs() {
		base := mem.ImageBase + uintptr(len(cfg.Init)+i)*mem.ImageStride
		k.builtins = append(k.builtins, image{name: name, base: base, text: programs[name](uint64(base))})
	}

	return k, nil
}

// Scheduler returns the scheduler set.
func (k *Kernel) Scheduler() *sched.Set {
	return k.sched
}

// Pool returns the process pool.
func (k *Kernel) Pool() *proc.Pool {
	return k.pool
}

// Table returns the supervisor-level dispatch table.
func (k *Kernel) Table() *irq.Table {
	return k.table
}

// Install maps the kernel image: the boot code, the console loop, the
// context trampoline, the idle loop, the trap vector and the program images.
func (k *Kernel) Install(l hal.Loader) *kernel.Error {
	texts := []text{
		{mem.KernelEntry, mem.Size(mem.ConsoleLoopAddr - mem.KernelEntry), cpu.ProgramFunc(k.entry)},
		{mem.ConsoleLoopAddr, mem.PageSize, cpu.ProgramFunc(k.consoleLoop)},
		{mem.TrampolineAddr, mem.PageSize, k.pool.Trampoline()},
		{mem.IdleAddr, mem.PageSize, cpu.ProgramFunc(idleLoop)},
	}
	for _, imgs := range [][]image{k.images, k.builtins} {
		for _, img := range imgs {
			texts = append(texts, text{img.base, mem.Size(mem.ImageStride), img.text})
		}
	}

	for _, t := range texts {
		if err := l.Map(t.addr, t.size, t.prog); err != nil {
			return err
		}
	}

	l.MapVector(mem.TrapVectorAddr, k.table)
	return nil
}

// entry is the code hart 0 runs when the firmware hands it to the kernel.
func (k *Kernel) entry(x cpu.Executor) cpu.Effect {
	kfmt.Printf("[kernel] hart %d: kernel entry, %d harts\n", x.HartID(), k.cfg.Harts)

	x.WriteCSR(cpu.Stvec, uint64(mem.TrapVectorAddr))
	x.WriteCSR(cpu.Sie, cpu.IntSEI|cpu.IntSSI|cpu.IntSTI)

	for _, src := range pcieSources {
		k.dev.PLIC.SetPriority(src, plic.MaxPriority)
		k.dev.PLIC.Enable(0, cpu.ModeSupervisor, src)
	}
	k.dev.PLIC.SetThreshold(0, cpu.ModeSupervisor, 0)

	if err := k.sched.Init(x); err != nil {
		kfmt.Printf("[kernel] scheduler init failed: %s\n", err.Message)
		x.Halt()
		return cpu.EffectNext
	}

	for hart := 0; hart < k.cfg.Harts; hart++ {
		sbi.TimerRel(x, uint32(hart), k.cfg.Tick)
	}

	for i, img := range k.images {
		hart := uint32(1 + i%(k.cfg.Harts-1))
		if err := k.spawn(img, hart); err != nil {
			kfmt.Printf("[kernel] could not start %s: %s\n", img.name, err.Message)
		}
	}

	x.WriteCSR(cpu.Sstatus, x.ReadCSR(cpu.Sstatus)|cpu.StatusSIE)
	x.Regs().PC = uint64(mem.ConsoleLoopAddr)
	return cpu.EffectNext
}

// spawn creates a user process running img and queues it on hart. Boot
// placement is round-robin so the init programs spread over all harts.
func (k *Kernel) spawn(img image, hart uint32) *kernel.Error {
	p, err := k.load(img)
	if err != nil {
		return err
	}

	if err = k.sched.PlaceOn(hart, p); err != nil {
		k.pool.Destroy(p)
		return err
	}

	kfmt.Printf("[kernel] started %s as pid %d on hart %d\n", img.name, p.PID, hart)
	return nil
}

// Launch starts the built-in program name as a new user process. The
// process goes to the first idling hart, or to hart 1 when every hart is
// busy.
func (k *Kernel) Launch(name string) (*proc.Process, uint32, *kernel.Error) {
	var img *image
	for i := range k.builtins {
		if k.builtins[i].name == name {
			img = &k.builtins[i]
			break
		}
	}
	if img == nil {
		return nil, 0, errUnknownProgram
	}

	p, err := k.load(*img)
	if err != nil {
		return nil, 0, err
	}

	hart, err := k.sched.Spawn(p)
	if err != nil {
		k.pool.Destroy(p)
		return nil, 0, err
	}

	kfmt.Printf("[kernel] started %s as pid %d on hart %d\n", name, p.PID, hart)
	return p, hart, nil
}

// load creates a user process with img loaded into a fresh frame.
func (k *Kernel) load(img image) (*proc.Process, *kernel.Error) {
	p, err := k.pool.Create(proc.KindUser)
	if err != nil {
		return nil, err
	}

	frame, err := k.frames.AllocFrames(1)
	if err != nil {
		k.pool.Destroy(p)
		return nil, err
	}

	if err = k.pool.LoadImage(p, proc.Image{Name: img.name, Entry: img.base, Frame: frame, Pages: 1}); err != nil {
		_ = k.frames.FreeFrames(frame, 1)
		k.pool.Destroy(p)
		return nil, err
	}

	return p, nil
}

// idleLoop is the text of the idle processes.
func idleLoop(_ cpu.Executor) cpu.Effect {
	return cpu.EffectWait
}

func (k *Kernel) handleTimer(c cpu.Core, _ uint64) int64 {
	sbi.TimerClear(c)
	k.sched.OnTimerTick(c)
	return 0
}

// handleInput moves events from the input device into the kernel queue and
// wakes the processes waiting for input.
func (k *Kernel) handleInput(c cpu.Core, _ uint64) int64 {
	if k.dev.Input.Drain(k.events.Push) > 0 {
		k.sched.WakeAll(c, proc.WaitInput)
	}
	return 0
}

// spurious handles an external interrupt that was claimed elsewhere.
func spurious(_ cpu.Core, _ uint64) int64 {
	return 0
}

// platform implements sched.Platform over the firmware calls.
type platform struct{}

func (platform) Now(c cpu.Core) uint64 {
	return sbi.Clock(c)
}

func (platform) ArmTimer(c cpu.Core, hart uint32, delta uint64) {
	sbi.TimerRel(c, hart, delta)
}

func (platform) StartOn(c cpu.Core, hart uint32, p *proc.Process) *kernel.Error {
	if status := sbi.StartHart(c, hart, uint64(mem.TrampolineAddr), p.Handle()); status < 0 {
		return errStartHart
	}
	return nil
}
