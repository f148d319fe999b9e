// Package firmware implements the machine-mode layer of the system: it boots
// every hart, parks the secondary harts, hands the boot hart to the kernel
// and services the firmware calls and machine interrupts.
package firmware

import (
	"github.com/kammerdienerb/riscv-os/device/clint"
	"github.com/kammerdienerb/riscv-os/device/plic"
	"github.com/kammerdienerb/riscv-os/firmware/hart"
	"github.com/kammerdienerb/riscv-os/firmware/sbi"
	"github.com/kammerdienerb/riscv-os/kernel"
	"github.com/kammerdienerb/riscv-os/kernel/cpu"
	"github.com/kammerdienerb/riscv-os/kernel/gate"
	"github.com/kammerdienerb/riscv-os/kernel/hal"
	"github.com/kammerdienerb/riscv-os/kernel/irq"
	"github.com/kammerdienerb/riscv-os/kernel/kfmt"
	"github.com/kammerdienerb/riscv-os/kernel/mem"
	"github.com/kammerdienerb/riscv-os/kernel/ringbuf"
	"github.com/kammerdienerb/riscv-os/kernel/sync"
)

// rxBufferSize is the number of console bytes buffered for Getc.
const rxBufferSize = 32

// Timer is the core-local interruptor as used by the firmware.
type Timer interface {
	hart.IPISender
	Now() uint64
	SetTimecmp(hart uint32, v uint64)
}

// IntController is the platform interrupt controller as used by the
// firmware.
type IntController interface {
	irq.Claimer
	SetPriority(source, priority uint32)
	Enable(hart uint32, mode cpu.Mode, source uint32)
	SetThreshold(hart uint32, mode cpu.Mode, threshold uint32)
}

// Console is the serial port.
type Console interface {
	Putc(b byte)
	Getc() (byte, bool)
}

// Firmware holds the machine-mode state shared by all harts.
type Firmware struct {
	numHarts int
	timer    Timer
	plic     IntController
	console  Console

	harts *hart.Controller
	table *irq.Table
	calls *gate.Gateway

	rxLock sync.Spinlock
	rx     *ringbuf.Ring[byte]
}

// New returns the firmware for a machine with numHarts harts.
func New(numHarts int, timer Timer, ic IntController, console Console) *Firmware {
	fw := &Firmware{
		numHarts: numHarts,
		timer:    timer,
		plic:     ic,
		console:  console,
		harts:    hart.NewController(timer),
		rx:       ringbuf.New[byte](rxBufferSize),
	}

	fw.calls = gate.New("sbi", cpu.Mepc, int(sbi.NumCalls))
	fw.registerCalls()

	fw.table = irq.NewTable(cpu.ModeMachine, ic)
	fw.table.Handle(irq.MachineSoftware, irq.HandlerFunc(fw.harts.HandleIPI))
	fw.table.HandleFunc(irq.MachineTimer, fw.handleTimer)
	fw.table.HandleFunc(irq.MachineExternal, spurious)
	fw.table.HandleFunc(irq.UART, fw.handleUART)
	fw.table.Handle(irq.EcallFromS, fw.calls)
	fw.table.Seal()

	ic.SetPriority(plic.SourceUART, plic.MaxPriority)
	ic.Enable(0, cpu.ModeMachine, plic.SourceUART)
	ic.SetThreshold(0, cpu.ModeMachine, 0)

	return fw
}

// Harts returns the hart lifecycle controller.
func (fw *Firmware) Harts() *hart.Controller {
	return fw.harts
}

// Table returns the machine-level dispatch table.
func (fw *Firmware) Table() *irq.Table {
	return fw.table
}

// Install maps the firmware image: the reset code, the park loop and the
// machine trap vector.
func (fw *Firmware) Install(l hal.Loader) *kernel.Error {
	if err := l.Map(mem.ResetAddr, mem.Size(mem.ParkAddr-mem.ResetAddr), cpu.ProgramFunc(fw.reset)); err != nil {
		return err
	}
	if err := l.Map(mem.ParkAddr, mem.Size(mem.FirmwareVectorAddr-mem.ParkAddr), cpu.ProgramFunc(parkLoop)); err != nil {
		return err
	}

	l.MapVector(mem.FirmwareVectorAddr, fw.table)
	return nil
}

// reset is the code every hart runs out of reset.
func (fw *Firmware) reset(x cpu.Executor) cpu.Effect {
	id := x.HartID()
	x.WriteCSR(cpu.Mtvec, uint64(mem.FirmwareVectorAddr))

	if id != 0 {
		addr, err := fw.harts.Park(x)
		if err != nil {
			kfmt.Printf("[sbi] hart %d: cannot park: %s\n", id, err.Message)
			x.Halt()
			return cpu.EffectNext
		}
		x.Regs().PC = addr
		return cpu.EffectNext
	}

	// The kernel starts secondary harts right away; wait until they have
	// all reached the park loop.
	for other := 1; other < fw.numHarts; other++ {
		if status, _ := fw.harts.Status(uint32(other)); status != hart.StatusStopped {
			return cpu.EffectNext
		}
	}

	kfmt.Printf("[sbi] SBI, open up! %d harts\n", fw.numHarts)

	x.WriteCSR(cpu.Mepc, uint64(mem.KernelEntry))
	x.WriteCSR(cpu.Mie, cpu.IntMEI|cpu.IntMTI|cpu.IntMSI)
	x.WriteCSR(cpu.Mideleg, cpu.IntSSI|cpu.IntSTI|cpu.IntSEI)
	x.WriteCSR(cpu.Medeleg, cpu.MedelegAll)
	x.WriteCSR(cpu.Mstatus, cpu.StatusFSState(1)|cpu.StatusMPPMode(cpu.ModeSupervisor)|cpu.StatusMPIE)
	fw.harts.MarkStarted(0)

	x.MRet()
	return cpu.EffectNext
}

// parkLoop waits for interrupts forever. Only the software interrupt is
// enabled; its handler moves the hart out of the loop.
func parkLoop(_ cpu.Executor) cpu.Effect {
	return cpu.EffectWait
}

// handleTimer forwards the machine timer interrupt to supervisor mode.
func (fw *Firmware) handleTimer(c cpu.Core, _ uint64) int64 {
	fw.timer.SetTimecmp(c.HartID(), clint.TimecmpInfinite)
	c.WriteCSR(cpu.Mip, c.ReadCSR(cpu.Mip)|cpu.IntSTI)
	return 0
}

// handleUART moves received bytes into the Getc buffer. When the buffer is
// full the oldest byte is dropped.
func (fw *Firmware) handleUART(_ cpu.Core, _ uint64) int64 {
	fw.rxLock.Acquire()
	defer fw.rxLock.Release()

	for {
		b, ok := fw.console.Getc()
		if !ok {
			return 0
		}
		fw.rx.Push(b)
	}
}

func (fw *Firmware) getc() byte {
	fw.rxLock.Acquire()
	defer fw.rxLock.Release()

	b, ok := fw.rx.Pop()
	if !ok {
		return sbi.NoChar
	}
	return b
}

// spurious handles an external interrupt that another hart claimed first.
func spurious(_ cpu.Core, _ uint64) int64 {
	return 0
}
