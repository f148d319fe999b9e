package cpu

import (
	"io"

	"github.com/kammerdienerb/riscv-os/kernel/kfmt"
)

// Frame is the register snapshot written by the trap-entry stub before a
// handler runs and restored when the trap returns. Each hart owns one frame
// per privilege level; frames are never shared across harts.
type Frame struct {
	GPRegs [NumRegs]uint64
	FPRegs [NumRegs]uint64
	PC     uint64
}

var regNames = [NumRegs]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// Arg returns argument register a0+n.
func (f *Frame) Arg(n int) uint64 {
	return f.GPRegs[RegA0+n]
}

// SetArg sets argument register a0+n.
func (f *Frame) SetArg(n int, v uint64) {
	f.GPRegs[RegA0+n] = v
}

// DumpTo outputs the general-purpose register contents to w.
func (f *Frame) DumpTo(w io.Writer) {
	for i := 0; i < NumRegs; i += 2 {
		kfmt.Fprintf(w, "%4s = %16x %4s = %16x\n", regNames[i], f.GPRegs[i], regNames[i+1], f.GPRegs[i+1])
	}
	kfmt.Fprintf(w, "  pc = %16x\n", f.PC)
}
