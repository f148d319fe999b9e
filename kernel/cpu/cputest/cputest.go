// Package cputest provides a scripted hart for testing code written against
// cpu.Core and cpu.Executor.
package cputest

import "github.com/kammerdienerb/riscv-os/kernel/cpu"

// Call records an Ecall issued through a Core.
type Call struct {
	Num  uint64
	Args []uint64
}

// Core is a cpu.Executor whose registers are plain fields. Ecalls are
// recorded and forwarded to EcallFn when set.
type Core struct {
	ID     uint32
	CSRs   map[cpu.CSR]uint64
	Frame  cpu.Frame
	Live   cpu.Frame
	Priv   cpu.Mode
	Halted bool

	EcallFn func(c *Core, call uint64, args []uint64) int64
	Ecalls  []Call
}

// New returns a Core for hart id running in supervisor mode.
func New(id uint32) *Core {
	return &Core{
		ID:   id,
		CSRs: make(map[cpu.CSR]uint64),
		Priv: cpu.ModeSupervisor,
	}
}

// HartID implements cpu.Core.
func (c *Core) HartID() uint32 { return c.ID }

// ReadCSR implements cpu.Core.
func (c *Core) ReadCSR(reg cpu.CSR) uint64 {
	if reg == cpu.Mhartid {
		return uint64(c.ID)
	}
	return c.CSRs[reg]
}

// WriteCSR implements cpu.Core.
func (c *Core) WriteCSR(reg cpu.CSR, val uint64) { c.CSRs[reg] = val }

// TrapFrame implements cpu.Core.
func (c *Core) TrapFrame() *cpu.Frame { return &c.Frame }

// Ecall implements cpu.Core.
func (c *Core) Ecall(call uint64, args ...uint64) int64 {
	c.Ecalls = append(c.Ecalls, Call{Num: call, Args: append([]uint64(nil), args...)})
	if c.EcallFn == nil {
		return 0
	}
	return c.EcallFn(c, call, args)
}

// Halt implements cpu.Core.
func (c *Core) Halt() { c.Halted = true }

// Regs implements cpu.Executor.
func (c *Core) Regs() *cpu.Frame { return &c.Live }

// Mode implements cpu.Executor.
func (c *Core) Mode() cpu.Mode { return c.Priv }

// SRet implements cpu.Executor.
func (c *Core) SRet() {
	status := c.CSRs[cpu.Sstatus]
	c.Priv = cpu.ModeUser
	if status&cpu.StatusSPP != 0 {
		c.Priv = cpu.ModeSupervisor
	}

	status &^= cpu.StatusSIE | cpu.StatusSPP
	if status&cpu.StatusSPIE != 0 {
		status |= cpu.StatusSIE
	}
	c.CSRs[cpu.Sstatus] = status | cpu.StatusSPIE
	c.Live.PC = c.CSRs[cpu.Sepc]
}

// MRet implements cpu.Executor.
func (c *Core) MRet() {
	status := c.CSRs[cpu.Mstatus]
	c.Priv = cpu.StatusMPPOf(status)

	status &^= cpu.StatusMIE | cpu.StatusMPP
	if status&cpu.StatusMPIE != 0 {
		status |= cpu.StatusMIE
	}
	c.CSRs[cpu.Mstatus] = status | cpu.StatusMPIE
	c.Live.PC = c.CSRs[cpu.Mepc]
}

// Calls returns the recorded Ecalls with the given call number.
func (c *Core) Calls(num uint64) []Call {
	var out []Call
	for _, call := range c.Ecalls {
		if call.Num == num {
			out = append(out, call)
		}
	}
	return out
}
