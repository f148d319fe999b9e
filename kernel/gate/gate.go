// Package gate implements the numbered call interface that a lower privilege
// level uses to request services from the level above it.
package gate

import (
	"github.com/kammerdienerb/riscv-os/kernel"
	"github.com/kammerdienerb/riscv-os/kernel/cpu"
	"github.com/kammerdienerb/riscv-os/kernel/kfmt"
)

// ErrBadCall is returned for call numbers outside the call table.
var ErrBadCall = &kernel.Error{Module: "gate", Message: "bad call number"}

// NumArgs is the number of argument registers (a1-a6) passed to a handler.
const NumArgs = 6

// Args holds the call arguments copied from a1-a6 of the trap frame.
type Args [NumArgs]uint64

// HandlerFunc services one call. It returns a status; a negative status is
// fatal to the trap. The value seen by the caller is set with SetReturn.
type HandlerFunc func(c cpu.Core, args Args) int64

type entry struct {
	desc string
	fn   HandlerFunc
}

// Gateway is a fixed-size table of call handlers. It is used as the handler
// of the environment call exception for one privilege level.
type Gateway struct {
	name    string
	epcCSR  cpu.CSR
	entries []entry
}

// New returns a gateway with room for numCalls calls. Its log messages are
// tagged with name and it advances the exception pc held in epcCSR.
func New(name string, epcCSR cpu.CSR, numCalls int) *Gateway {
	g := &Gateway{
		name:    name,
		epcCSR:  epcCSR,
		entries: make([]entry, numCalls),
	}

	for i := range g.entries {
		g.entries[i] = entry{desc: "unimplemented", fn: unimplemented}
	}

	return g
}

// Register installs fn as the handler for call.
func (g *Gateway) Register(call uint64, desc string, fn HandlerFunc) {
	if call >= uint64(len(g.entries)) {
		kfmt.Panic(ErrBadCall)
	}
	g.entries[call] = entry{desc: desc, fn: fn}
}

// Len returns the number of call slots.
func (g *Gateway) Len() int {
	return len(g.entries)
}

// Describe returns the description registered for call.
func (g *Gateway) Describe(call uint64) string {
	if call >= uint64(len(g.entries)) {
		return ""
	}
	return g.entries[call].desc
}

// HandleTrap implements irq.Handler. The call number is read from a0 of the
// trap frame; a0 is cleared before the handler runs and the exception pc is
// moved past the ecall instruction.
func (g *Gateway) HandleTrap(c cpu.Core, _ uint64) int64 {
	var (
		frame = c.TrapFrame()
		call  = frame.Arg(0)
		args  Args
	)

	if call >= uint64(len(g.entries)) {
		kfmt.Printf("[%s] bad call number (%d)\n", g.name, call)
		return ErrBadCall.Status()
	}

	frame.SetArg(0, 0)
	c.WriteCSR(g.epcCSR, c.ReadCSR(g.epcCSR)+4)

	for i := range args {
		args[i] = frame.Arg(i + 1)
	}

	return g.entries[call].fn(c, args)
}

// SetReturn stores v in a0 of the trap frame so the caller observes it once
// the trap returns.
func SetReturn(c cpu.Core, v uint64) {
	c.TrapFrame().SetArg(0, v)
}

// SetStatus stores a signed status in a0 of the trap frame.
func SetStatus(c cpu.Core, v int64) {
	SetReturn(c, uint64(v))
}

func unimplemented(_ cpu.Core, _ Args) int64 {
	return 0
}
