package hal

import (
	"context"
	"fmt"
	"time"

	"github.com/kammerdienerb/riscv-os/kernel"
	"github.com/kammerdienerb/riscv-os/kernel/cpu"
	"github.com/kammerdienerb/riscv-os/kernel/kfmt"
	"github.com/kammerdienerb/riscv-os/kernel/mem"
)

var errHartPanic = &kernel.Error{Module: "hal", Message: "hart crashed"}

// numCSRs covers the 12-bit CSR address space.
const numCSRs = 1 << 12

// interruptOrder lists the interrupt numbers in decreasing priority.
var interruptOrder = [...]uint64{
	cpu.CauseMExternal,
	cpu.CauseMSoftware,
	cpu.CauseMTimer,
	cpu.CauseSExternal,
	cpu.CauseSSoftware,
	cpu.CauseSTimer,
}

// Hart is one simulated hardware thread. Apart from Kick, its methods must
// only be called from the goroutine running the hart.
type Hart struct {
	id uint32
	m  *Machine

	mode   cpu.Mode
	live   cpu.Frame
	frames [cpu.ModeMachine + 1]cpu.Frame
	csr    [numCSRs]uint64
	halted bool

	kick chan struct{}
}

func newHart(id uint32, m *Machine) *Hart {
	h := &Hart{
		id:   id,
		m:    m,
		mode: cpu.ModeMachine,
		kick: make(chan struct{}, 1),
	}
	h.live.PC = uint64(mem.ResetAddr)
	return h
}

// HartID implements cpu.Core.
func (h *Hart) HartID() uint32 { return h.id }

// Regs implements cpu.Executor.
func (h *Hart) Regs() *cpu.Frame { return &h.live }

// Mode implements cpu.Executor.
func (h *Hart) Mode() cpu.Mode { return h.mode }

// TrapFrame implements cpu.Core. It returns the frame saved on entry to the
// current privilege level.
func (h *Hart) TrapFrame() *cpu.Frame { return &h.frames[h.mode] }

// Halted reports whether the hart has stopped for good.
func (h *Hart) Halted() bool { return h.halted }

// Halt implements cpu.Core.
func (h *Hart) Halt() {
	kfmt.Printf("[hal] hart %d halted\n", h.id)
	h.halted = true
}

// Kick wakes the hart if it is stalled in a wait-for-interrupt. It may be
// called from any goroutine.
func (h *Hart) Kick() {
	select {
	case h.kick <- struct{}{}:
	default:
	}
}

// ReadCSR implements cpu.Core.
func (h *Hart) ReadCSR(reg cpu.CSR) uint64 {
	switch reg {
	case cpu.Sstatus:
		return h.csr[cpu.Mstatus] & cpu.SstatusMask
	case cpu.Sie:
		return h.csr[cpu.Mie] & h.csr[cpu.Mideleg]
	case cpu.Sip:
		return h.mip() & h.csr[cpu.Mideleg]
	case cpu.Mip:
		return h.mip()
	case cpu.Time:
		return h.m.CLINT.Now()
	case cpu.Mhartid:
		return uint64(h.id)
	default:
		return h.csr[reg%numCSRs]
	}
}

// WriteCSR implements cpu.Core.
func (h *Hart) WriteCSR(reg cpu.CSR, val uint64) {
	switch reg {
	case cpu.Sstatus:
		h.csr[cpu.Mstatus] = h.csr[cpu.Mstatus]&^cpu.SstatusMask | val&cpu.SstatusMask
	case cpu.Sie:
		deleg := h.csr[cpu.Mideleg]
		h.csr[cpu.Mie] = h.csr[cpu.Mie]&^deleg | val&deleg
	case cpu.Sip:
		h.csr[cpu.Mip] = h.csr[cpu.Mip]&^cpu.IntSSI | val&cpu.IntSSI
	case cpu.Mip:
		h.csr[cpu.Mip] = val & (cpu.IntSSI | cpu.IntSTI)
	case cpu.Time, cpu.Mhartid:
	default:
		h.csr[reg%numCSRs] = val
	}
}

// mip assembles the interrupt pending register from the software bits and
// the interrupt lines of the CLINT and the PLIC.
func (h *Hart) mip() uint64 {
	mip := h.csr[cpu.Mip] & (cpu.IntSSI | cpu.IntSTI)

	if h.m.CLINT.MSIP(h.id) {
		mip |= cpu.IntMSI
	}
	if h.m.CLINT.TimerPending(h.id) {
		mip |= cpu.IntMTI
	}
	if h.m.PLIC.Pending(h.id, cpu.ModeMachine) {
		mip |= cpu.IntMEI
	}
	if h.m.PLIC.Pending(h.id, cpu.ModeSupervisor) {
		mip |= cpu.IntSEI
	}

	return mip
}

// pendingInterrupt returns the cause of the highest priority interrupt that
// can be taken in the current mode.
func (h *Hart) pendingInterrupt() (uint64, bool) {
	pending := h.mip() & h.csr[cpu.Mie]
	if pending == 0 {
		return 0, false
	}

	var (
		status   = h.csr[cpu.Mstatus]
		deleg    = h.csr[cpu.Mideleg]
		mEnabled = h.mode < cpu.ModeMachine || status&cpu.StatusMIE != 0
		sEnabled = h.mode < cpu.ModeSupervisor || h.mode == cpu.ModeSupervisor && status&cpu.StatusSIE != 0
	)

	for _, num := range interruptOrder {
		bit := uint64(1) << num
		if pending&bit == 0 {
			continue
		}

		if deleg&bit != 0 && sEnabled || deleg&bit == 0 && mEnabled {
			return cpu.CauseAsync | num, true
		}
	}

	return 0, false
}

// trapLevel returns the privilege level that handles cause.
func (h *Hart) trapLevel(cause uint64) cpu.Mode {
	if h.mode == cpu.ModeMachine {
		return cpu.ModeMachine
	}

	deleg := h.csr[cpu.Medeleg]
	if cpu.CauseIsAsync(cause) {
		deleg = h.csr[cpu.Mideleg]
	}

	if code := cpu.CauseCode(cause); code < 64 && deleg&(1<<code) != 0 {
		return cpu.ModeSupervisor
	}
	return cpu.ModeMachine
}

// trap takes a trap, runs the handler installed at the trap vector of the
// target level and, unless the handler moved the hart elsewhere, returns
// from the trap.
func (h *Hart) trap(cause, tval uint64) {
	level := h.trapLevel(cause)
	h.frames[level] = h.live

	status := h.csr[cpu.Mstatus]
	var vec uint64

	if level == cpu.ModeMachine {
		h.csr[cpu.Mepc] = h.live.PC
		h.csr[cpu.Mcause] = cause
		h.csr[cpu.Mtval] = tval

		status &^= cpu.StatusMPIE | cpu.StatusMPP
		if status&cpu.StatusMIE != 0 {
			status |= cpu.StatusMPIE
		}
		status = status&^cpu.StatusMIE | cpu.StatusMPPMode(h.mode)
		vec = h.csr[cpu.Mtvec]
	} else {
		h.csr[cpu.Sepc] = h.live.PC
		h.csr[cpu.Scause] = cause
		h.csr[cpu.Stval] = tval

		status &^= cpu.StatusSPIE | cpu.StatusSPP
		if status&cpu.StatusSIE != 0 {
			status |= cpu.StatusSPIE
		}
		if h.mode == cpu.ModeSupervisor {
			status |= cpu.StatusSPP
		}
		status &^= cpu.StatusSIE
		vec = h.csr[cpu.Stvec]
	}

	h.csr[cpu.Mstatus] = status
	h.mode = level
	h.live.PC = vec

	v := h.m.vector(vec)
	if v == nil {
		kfmt.Printf("[hal] hart %d: no %s-mode trap vector at 0x%x (cause 0x%x)\n", h.id, level.String(), vec, cause)
		h.Halt()
		return
	}

	v.Dispatch(h)

	if h.halted || h.mode != level {
		return
	}

	h.live = h.frames[level]
	if level == cpu.ModeMachine {
		h.MRet()
	} else {
		h.SRet()
	}
}

// MRet implements cpu.Executor.
func (h *Hart) MRet() {
	status := h.csr[cpu.Mstatus]
	h.mode = cpu.StatusMPPOf(status)

	status &^= cpu.StatusMIE | cpu.StatusMPP
	if status&cpu.StatusMPIE != 0 {
		status |= cpu.StatusMIE
	}
	h.csr[cpu.Mstatus] = status | cpu.StatusMPIE
	h.live.PC = h.csr[cpu.Mepc]
}

// SRet implements cpu.Executor.
func (h *Hart) SRet() {
	status := h.csr[cpu.Mstatus]
	h.mode = cpu.ModeUser
	if status&cpu.StatusSPP != 0 {
		h.mode = cpu.ModeSupervisor
	}

	status &^= cpu.StatusSIE | cpu.StatusSPP
	if status&cpu.StatusSPIE != 0 {
		status |= cpu.StatusSIE
	}
	h.csr[cpu.Mstatus] = status | cpu.StatusSPIE
	h.live.PC = h.csr[cpu.Sepc]
}

func ecallCause(mode cpu.Mode) uint64 {
	switch mode {
	case cpu.ModeUser:
		return cpu.CauseEcallFromU
	case cpu.ModeSupervisor:
		return cpu.CauseEcallFromS
	default:
		return cpu.CauseEcallFromM
	}
}

// Ecall implements cpu.Core. It lets Go code running in user or supervisor
// mode issue an environment call: the arguments are loaded into the live
// registers and the trap is taken on the spot. If the hart is back in the
// calling mode once the trap returns, the caller's registers are restored
// and the value left in a0 is returned.
func (h *Hart) Ecall(call uint64, args ...uint64) int64 {
	if h.mode == cpu.ModeMachine {
		return -1
	}

	saved, mode := h.live, h.mode

	h.live.SetArg(0, call)
	for i, arg := range args {
		if i+1 > cpu.RegA7-cpu.RegA0 {
			break
		}
		h.live.SetArg(i+1, arg)
	}

	h.trap(ecallCause(mode), 0)

	ret := int64(h.live.Arg(0))
	if !h.halted && h.mode == mode {
		h.live = saved
	}
	return ret
}

// run executes the hart until it halts or ctx is cancelled.
func (h *Hart) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: hart %d at pc 0x%x: %v", errHartPanic, h.id, h.live.PC, r)
		}
	}()

	for !h.halted {
		if ctx.Err() != nil {
			return nil
		}
		h.step(ctx)
	}

	return nil
}

// step executes one program step or takes one trap.
func (h *Hart) step(ctx context.Context) {
	if cause, ok := h.pendingInterrupt(); ok {
		h.trap(cause, 0)
		return
	}

	pc := h.live.PC
	prog := h.m.fetch(pc)
	if prog == nil {
		h.trap(cpu.CauseInsnAccessFault, pc)
		return
	}

	switch prog.Exec(h) {
	case cpu.EffectEcall:
		h.trap(ecallCause(h.mode), 0)
	case cpu.EffectWait:
		h.wait(ctx)
	}
}

// wait stalls the hart until an enabled interrupt may be pending.
func (h *Hart) wait(ctx context.Context) {
	if h.mip()&h.csr[cpu.Mie] != 0 {
		return
	}

	var timeout <-chan time.Time
	if d, armed := h.m.CLINT.Until(h.id); armed {
		if d == 0 {
			return
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-h.kick:
	case <-timeout:
	case <-ctx.Done():
	}
}
