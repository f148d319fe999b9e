package cpu

// Core is the platform interface that trap handlers and the scheduler use to
// act on the hart they are running on.
type Core interface {
	// HartID returns the id of the hart.
	HartID() uint32

	// ReadCSR returns the value of a control and status register.
	ReadCSR(reg CSR) uint64

	// WriteCSR sets a control and status register.
	WriteCSR(reg CSR, val uint64)

	// TrapFrame returns the frame saved for the trap being handled. The
	// trap exit restores the interrupted context from it.
	TrapFrame() *Frame

	// Ecall traps into the next privilege level with call in a0 and args
	// in a1 onwards, returning the value left in a0.
	Ecall(call uint64, args ...uint64) int64

	// Halt parks the hart in a permanent wait-for-interrupt loop. Once
	// halted, a hart never executes another instruction.
	Halt()
}

// Effect reports how a Program step ended.
type Effect uint8

// The supported step effects.
const (
	// EffectNext continues at the program counter left in the live
	// registers.
	EffectNext Effect = iota

	// EffectEcall raises an environment call from the current mode.
	EffectEcall

	// EffectWait stalls the hart until an enabled interrupt is pending.
	EffectWait
)

// Executor is the view of a hart offered to code running on it outside of a
// trap handler.
type Executor interface {
	Core

	// Regs returns the live register file, including the program counter.
	Regs() *Frame

	// Mode returns the current privilege mode.
	Mode() Mode

	// SRet returns from supervisor mode using sepc and sstatus.
	SRet()

	// MRet returns from machine mode using mepc and mstatus.
	MRet()
}

// Program is code mapped at an address of the machine. Exec runs one step
// of the program at the current program counter.
type Program interface {
	Exec(x Executor) Effect
}

// ProgramFunc adapts an ordinary function to the Program interface.
type ProgramFunc func(x Executor) Effect

// Exec implements Program.
func (fn ProgramFunc) Exec(x Executor) Effect {
	return fn(x)
}
