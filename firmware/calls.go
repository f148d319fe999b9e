package firmware

import (
	"github.com/kammerdienerb/riscv-os/firmware/sbi"
	"github.com/kammerdienerb/riscv-os/kernel/cpu"
	"github.com/kammerdienerb/riscv-os/kernel/gate"
	"github.com/kammerdienerb/riscv-os/kernel/kfmt"
)

func (fw *Firmware) registerCalls() {
	handlers := [sbi.NumCalls]gate.HandlerFunc{
		sbi.CallHartID:     fw.callHartID,
		sbi.CallHartStatus: fw.callHartStatus,
		sbi.CallStartHart:  fw.callStartHart,
		sbi.CallStopHart:   fw.callStopHart,
		sbi.CallPutc:       fw.callPutc,
		sbi.CallGetc:       fw.callGetc,
		sbi.CallClock:      fw.callClock,
		sbi.CallTimerRel:   fw.callTimerRel,
		sbi.CallTimerAbs:   fw.callTimerAbs,
		sbi.CallTimerClear: fw.callTimerClear,
	}

	for call, fn := range handlers {
		fw.calls.Register(uint64(call), sbi.Describe(uint64(call)), fn)
	}
}

func (fw *Firmware) callHartID(c cpu.Core, _ gate.Args) int64 {
	gate.SetReturn(c, c.ReadCSR(cpu.Mhartid))
	return 0
}

func (fw *Firmware) callHartStatus(c cpu.Core, args gate.Args) int64 {
	status, err := fw.harts.Status(uint32(args[0]))
	if err != nil || args[0] >= cpu.MaxHarts {
		kfmt.Printf("[sbi] hart status: bad hart (%d)\n", args[0])
		return -1
	}

	gate.SetReturn(c, uint64(status))
	return 0
}

// callStartHart rejects a bad hart id as a failed call. A request the
// lifecycle controller turns down is reported to the caller in a0.
func (fw *Firmware) callStartHart(c cpu.Core, args gate.Args) int64 {
	if args[0] >= cpu.MaxHarts {
		kfmt.Printf("[sbi] start hart: bad hart (%d)\n", args[0])
		return -1
	}

	if err := fw.harts.RequestStart(uint32(args[0]), args[1], args[2]); err != nil {
		gate.SetStatus(c, err.Status())
	}
	return 0
}

func (fw *Firmware) callStopHart(c cpu.Core, _ gate.Args) int64 {
	if err := fw.harts.RequestStop(c); err != nil {
		gate.SetStatus(c, err.Status())
	}
	return 0
}

func (fw *Firmware) callPutc(_ cpu.Core, args gate.Args) int64 {
	fw.console.Putc(byte(args[0]))
	return 0
}

func (fw *Firmware) callGetc(c cpu.Core, _ gate.Args) int64 {
	gate.SetReturn(c, uint64(fw.getc()))
	return 0
}

func (fw *Firmware) callClock(c cpu.Core, _ gate.Args) int64 {
	gate.SetReturn(c, fw.timer.Now())
	return 0
}

func (fw *Firmware) callTimerRel(_ cpu.Core, args gate.Args) int64 {
	if args[0] < cpu.MaxHarts {
		fw.timer.SetTimecmp(uint32(args[0]), fw.timer.Now()+args[1])
	}
	return 0
}

func (fw *Firmware) callTimerAbs(_ cpu.Core, args gate.Args) int64 {
	if args[0] < cpu.MaxHarts {
		fw.timer.SetTimecmp(uint32(args[0]), args[1])
	}
	return 0
}

func (fw *Firmware) callTimerClear(c cpu.Core, _ gate.Args) int64 {
	c.WriteCSR(cpu.Mip, c.ReadCSR(cpu.Mip)&^cpu.IntSTI)
	return 0
}
