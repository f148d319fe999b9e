// Package irq implements the per-privilege-level trap dispatch table shared
// by the firmware and the kernel.
package irq

import (
	"github.com/kammerdienerb/riscv-os/device/plic"
	"github.com/kammerdienerb/riscv-os/kernel"
	"github.com/kammerdienerb/riscv-os/kernel/cpu"
	"github.com/kammerdienerb/riscv-os/kernel/kfmt"
)

var (
	// ErrUnknownCause is returned by the default table entry.
	ErrUnknownCause = &kernel.Error{Module: "irq", Message: "unhandled trap cause"}

	errSealed  = &kernel.Error{Module: "irq", Message: "dispatch table is sealed"}
	errBadCode = &kernel.Error{Module: "irq", Message: "event code out of range"}
)

// Handler services one event code. A negative result is fatal for the hart.
type Handler interface {
	HandleTrap(c cpu.Core, cause uint64) int64
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(c cpu.Core, cause uint64) int64

// HandleTrap implements Handler.
func (fn HandlerFunc) HandleTrap(c cpu.Core, cause uint64) int64 {
	return fn(c, cause)
}

// Claimer is the platform interrupt controller as seen by a dispatch table.
type Claimer interface {
	Claim(hart uint32, mode cpu.Mode) uint32
	Complete(hart uint32, mode cpu.Mode, source uint32)
}

// Table maps event codes to handlers for one privilege level. Tables are
// populated during boot and sealed before any hart takes a trap; after that
// they are only read and may be shared by all harts.
type Table struct {
	level cpu.Mode

	causeCSR cpu.CSR
	epcCSR   cpu.CSR
	tvalCSR  cpu.CSR

	// external is the code raised by the controller for this level.
	external Code
	claimer  Claimer
	sources  map[uint32]Code

	handlers [NumCodes]Handler
	sealed   bool
}

// NewTable returns a table for the machine or supervisor level. Every entry
// starts out pointing to a handler that reports the unknown cause and fails.
// External interrupts are claimed from claimer; the standard platform
// sources are routed to their device codes.
func NewTable(level cpu.Mode, claimer Claimer) *Table {
	t := &Table{
		level:    level,
		causeCSR: cpu.Scause,
		epcCSR:   cpu.Sepc,
		tvalCSR:  cpu.Stval,
		external: SupervisorExternal,
		claimer:  claimer,
		sources: map[uint32]Code{
			plic.SourceUART:     UART,
			plic.SourceRTCClock: RTClock,
			plic.SourcePCIeA:    PCIeA,
			plic.SourcePCIeB:    PCIeB,
			plic.SourcePCIeC:    PCIeC,
			plic.SourcePCIeD:    PCIeD,
		},
	}

	if level == cpu.ModeMachine {
		t.causeCSR, t.epcCSR, t.tvalCSR = cpu.Mcause, cpu.Mepc, cpu.Mtval
		t.external = MachineExternal
	}

	for i := range t.handlers {
		t.handlers[i] = HandlerFunc(unknownCause)
	}

	return t
}

// Level returns the privilege level served by the table.
func (t *Table) Level() cpu.Mode {
	return t.level
}

// Handle installs h for code.
func (t *Table) Handle(code Code, h Handler) {
	if t.sealed {
		kfmt.Panic(errSealed)
	}
	if code >= NumCodes {
		kfmt.Panic(errBadCode)
	}
	t.handlers[code] = h
}

// HandleFunc installs fn for code.
func (t *Table) HandleFunc(code Code, fn func(c cpu.Core, cause uint64) int64) {
	t.Handle(code, HandlerFunc(fn))
}

// RouteExternal makes a claim of source dispatch to code.
func (t *Table) RouteExternal(source uint32, code Code) {
	if t.sealed {
		kfmt.Panic(errSealed)
	}
	t.sources[source] = code
}

// Seal freezes the table.
func (t *Table) Seal() {
	t.sealed = true
}

// Lookup returns the handler installed for code.
func (t *Table) Lookup(code Code) Handler {
	if code >= NumCodes {
		return HandlerFunc(unknownCause)
	}
	return t.handlers[code]
}

// Dispatch services the trap being taken by c at the table's level. It
// returns the handler result. A negative result prints a diagnostic and halts
// the hart; Dispatch then returns without completing any claim.
func (t *Table) Dispatch(c cpu.Core) int64 {
	var (
		hart    = c.HartID()
		cause   = c.ReadCSR(t.causeCSR)
		code    = Encode(cause)
		source  uint32
		claimed bool
	)

	if code == t.external {
		if source = t.claimer.Claim(hart, t.level); source != 0 {
			claimed = true
			mapped, known := t.sources[source]
			if !known {
				mapped = UnknownInterrupt
			}
			code = mapped
		}
	}

	res := t.handlers[code].HandleTrap(c, cause)
	if res < 0 {
		t.fail(c, code, res)
		return res
	}

	// Unknown sources stay claimed; the controller will not raise them
	// again on this context.
	if claimed && code != UnknownInterrupt {
		t.claimer.Complete(hart, t.level, source)
	}

	return res
}

func (t *Table) fail(c cpu.Core, code Code, res int64) {
	w := kfmt.NewPrefixWriter(nil, "[irq] ")

	kfmt.Fprintf(w, "failed to handle irq %d: %s\n", uint8(code), code.String())
	kfmt.Fprintf(w, "  mode: %s\n", t.level.String())
	kfmt.Fprintf(w, "  hart: %d\n", c.HartID())
	kfmt.Fprintf(w, "  err:  %d\n", res)
	kfmt.Fprintf(w, "  epc:  %16x\n", c.ReadCSR(t.epcCSR))
	kfmt.Fprintf(w, "  tval: %16x\n", c.ReadCSR(t.tvalCSR))
	c.TrapFrame().DumpTo(w)

	c.Halt()
}

func unknownCause(c cpu.Core, cause uint64) int64 {
	kfmt.Printf("[irq] hart %d: unknown cause %x\n", c.HartID(), cause)
	return ErrUnknownCause.Status()
}
