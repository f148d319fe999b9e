package mem

// Physical layout. The firmware image sits at the start of RAM followed by
// the kernel image; frames above KernelEnd are handed out by the page
// allocator.
const (
	RAMBase = uintptr(0x80000000)

	// ResetAddr is where every hart starts executing in machine mode.
	ResetAddr = RAMBase

	// ParkAddr is the firmware loop parked harts wait in.
	ParkAddr = uintptr(0x80000100)

	// FirmwareVectorAddr is the machine trap vector installed in mtvec.
	FirmwareVectorAddr = uintptr(0x80000200)

	// KernelEntry is where the boot hart enters supervisor mode.
	KernelEntry = uintptr(0x80050000)

	// ConsoleLoopAddr is the loop hart 0 settles in after kernel init.
	ConsoleLoopAddr = uintptr(0x80050100)

	// TrampolineAddr is the entry point of freshly started contexts. It
	// loads the context named by sscratch and returns into it.
	TrampolineAddr = uintptr(0x80060000)

	// TrapVectorAddr is the supervisor trap vector installed in stvec.
	TrapVectorAddr = uintptr(0x80061000)

	// IdleAddr is the entry point of the per-hart idle processes.
	IdleAddr = uintptr(0x80062000)

	// ContextBase is the address of the first process context page; the
	// context of pool slot n lives n pages above it.
	ContextBase = uintptr(0x80070000)

	// KernelEnd marks the end of the kernel image.
	KernelEnd = uintptr(0x80200000)
)

// Per-process virtual layout.
const (
	// UserStackBase is the lowest address of a user stack.
	UserStackBase = uintptr(0x10000000)

	// UserStackPages is the size of a user stack in pages.
	UserStackPages = 4

	// KernelStackPages is the size of a kernel or idle stack in pages.
	KernelStackPages = 2

	// UserHeapBase is where memory mapped on request of a user process
	// starts.
	UserHeapBase = uintptr(0x70000000)

	// ImageBase is where the first program image is loaded; each further
	// image starts ImageStride bytes higher.
	ImageBase   = uintptr(0x00400000)
	ImageStride = uintptr(0x00100000)
)
