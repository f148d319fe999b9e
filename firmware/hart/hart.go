// Package hart implements the firmware side of the hart lifecycle: parking
// secondary harts at boot, starting a parked hart at a requested entry point
// and stopping a running hart.
package hart

import (
	syscpu "golang.org/x/sys/cpu"

	"github.com/kammerdienerb/riscv-os/kernel"
	"github.com/kammerdienerb/riscv-os/kernel/cpu"
	"github.com/kammerdienerb/riscv-os/kernel/kfmt"
	"github.com/kammerdienerb/riscv-os/kernel/mem"
	"github.com/kammerdienerb/riscv-os/kernel/sync"
)

// Status is the lifecycle state of a hart. Its numeric value is reported by
// the hart status firmware call.
type Status uint8

// The supported hart states.
const (
	StatusInvalid Status = iota
	StatusStarting
	StatusStarted
	StatusStopping
	StatusStopped
)

// String implements fmt.Stringer for Status.
func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusStarted:
		return "started"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	default:
		return "invalid"
	}
}

var (
	// ErrBadHart is returned for hart ids outside the controller.
	ErrBadHart = &kernel.Error{Module: "hart", Message: "bad hart id"}

	// ErrAlreadyPending is returned when a start request is still waiting
	// for the target hart to acknowledge it.
	ErrAlreadyPending = &kernel.Error{Module: "hart", Message: "hart start already pending"}

	// ErrAlreadyRunning is returned when starting a hart that runs.
	ErrAlreadyRunning = &kernel.Error{Module: "hart", Message: "hart already running"}

	// ErrNotParkable is returned when starting a hart that never reached
	// the park loop.
	ErrNotParkable = &kernel.Error{Module: "hart", Message: "hart is not parked"}

	// ErrNotStarted is returned when stopping a hart that does not run.
	ErrNotStarted = &kernel.Error{Module: "hart", Message: "hart not started"}
)

// IPISender raises and clears the software interrupt flag of a hart.
type IPISender interface {
	SendIPI(hart uint32)
	ClearIPI(hart uint32)
}

type record struct {
	lock    sync.Spinlock
	status  Status
	entry   uint64
	scratch uint64

	// Records are written by their own hart; keep them on separate cache
	// lines.
	_ syscpu.CacheLinePad
}

// Controller tracks the lifecycle of every hart slot.
type Controller struct {
	ipi   IPISender
	harts [cpu.MaxHarts]record
}

// NewController returns a controller whose harts are all StatusInvalid.
func NewController(ipi IPISender) *Controller {
	return &Controller{ipi: ipi}
}

func (ctl *Controller) record(hart uint32) (*record, *kernel.Error) {
	if hart >= cpu.MaxHarts {
		return nil, ErrBadHart
	}
	return &ctl.harts[hart], nil
}

// Status returns the state of hart.
func (ctl *Controller) Status(hart uint32) (Status, *kernel.Error) {
	rec, err := ctl.record(hart)
	if err != nil {
		return StatusInvalid, err
	}

	rec.lock.Acquire()
	defer rec.lock.Release()
	return rec.status, nil
}

// RequestStart asks a parked hart to start executing at entry in supervisor
// mode with scratch in sscratch. It signals the target and returns without
// waiting for it to start.
func (ctl *Controller) RequestStart(hart uint32, entry, scratch uint64) *kernel.Error {
	rec, err := ctl.record(hart)
	if err != nil {
		return err
	}

	rec.lock.Acquire()
	defer rec.lock.Release()

	switch rec.status {
	case StatusStopped:
	case StatusStarting:
		err = ErrAlreadyPending
	case StatusStarted:
		err = ErrAlreadyRunning
	default:
		err = ErrNotParkable
	}

	if err != nil {
		kfmt.Printf("[hart] hart %d not startable (status = %s)\n", hart, rec.status.String())
		return err
	}

	rec.status = StatusStarting
	rec.entry = entry
	rec.scratch = scratch
	ctl.ipi.SendIPI(hart)

	return nil
}

// HandleIPI services the machine software interrupt on the hart that
// received it. A pending start request reconfigures the trap return so that
// the hart enters the requested context in supervisor mode.
func (ctl *Controller) HandleIPI(c cpu.Core, _ uint64) int64 {
	hart := c.HartID()
	rec, err := ctl.record(hart)
	if err != nil {
		return err.Status()
	}

	rec.lock.Acquire()
	defer rec.lock.Release()

	ctl.ipi.ClearIPI(hart)

	if rec.status == StatusStarting {
		c.WriteCSR(cpu.Mepc, rec.entry)
		c.WriteCSR(cpu.Mstatus, cpu.StatusMPPMode(cpu.ModeSupervisor)|cpu.StatusMPIE|cpu.StatusFSState(1))
		c.WriteCSR(cpu.Mie, cpu.IntMEI|cpu.IntSSI|cpu.IntSTI|cpu.IntMTI)
		c.WriteCSR(cpu.Mideleg, cpu.IntSEI|cpu.IntSSI|cpu.IntSTI)
		c.WriteCSR(cpu.Medeleg, cpu.MedelegAll)
		c.WriteCSR(cpu.Sscratch, rec.scratch)

		rec.status = StatusStarted
	}

	return 0
}

// RequestStop stops the calling hart. On success the trap return lands in
// the park loop instead of the caller.
func (ctl *Controller) RequestStop(c cpu.Core) *kernel.Error {
	rec, err := ctl.record(c.HartID())
	if err != nil {
		return err
	}

	rec.lock.Acquire()
	defer rec.lock.Release()

	if rec.status != StatusStarted {
		return ErrNotStarted
	}

	rec.status = StatusStopped
	parkRegs(c, cpu.StatusMPPMode(cpu.ModeMachine)|cpu.StatusMPIE)

	return nil
}

// Park moves a hart that has just come out of reset into the stopped state
// and configures it to wait for a start request. It returns the address of
// the park loop the hart must jump to. Interrupts are enabled directly since
// no trap return takes place.
func (ctl *Controller) Park(c cpu.Core) (uint64, *kernel.Error) {
	rec, err := ctl.record(c.HartID())
	if err != nil {
		return 0, err
	}

	rec.lock.Acquire()
	defer rec.lock.Release()

	if rec.status != StatusInvalid {
		return 0, ErrNotParkable
	}

	rec.status = StatusStopped
	parkRegs(c, cpu.StatusMPPMode(cpu.ModeMachine)|cpu.StatusMIE)

	return uint64(mem.ParkAddr), nil
}

// MarkStarted records that the boot hart runs without a start request.
func (ctl *Controller) MarkStarted(hart uint32) *kernel.Error {
	rec, err := ctl.record(hart)
	if err != nil {
		return err
	}

	rec.lock.Acquire()
	rec.status = StatusStarted
	rec.lock.Release()

	return nil
}

func parkRegs(c cpu.Core, status uint64) {
	c.WriteCSR(cpu.Mepc, uint64(mem.ParkAddr))
	c.WriteCSR(cpu.Mstatus, status)
	c.WriteCSR(cpu.Mie, cpu.IntMSI)
	c.WriteCSR(cpu.Mideleg, 0)
	c.WriteCSR(cpu.Medeleg, 0)
	c.WriteCSR(cpu.Satp, 0)
	c.WriteCSR(cpu.Stvec, 0)
	c.WriteCSR(cpu.Sepc, 0)
	c.WriteCSR(cpu.Sscratch, 0)
}
