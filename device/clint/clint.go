// Package clint simulates the core-local interruptor: the machine timer and
// the per-hart software interrupt (MSIP) flags used for inter-processor
// interrupts.
package clint

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/kammerdienerb/riscv-os/kernel"
	"github.com/kammerdienerb/riscv-os/kernel/cpu"
	"github.com/kammerdienerb/riscv-os/kernel/kfmt"
)

// Memory-mapped register layout of the CLINT.
const (
	Base           = uintptr(0x2000000)
	MtimecmpOffset = uintptr(0x4000)
	MtimeOffset    = uintptr(0xBFF8)
)

// TimecmpInfinite disables the timer interrupt of a hart.
const TimecmpInfinite = uint64(0x7FFFFFFFFFFFFFFF)

// maxWait caps the host sleep derived from a distant deadline.
const maxWait = time.Second

var errBadTimebase = &kernel.Error{Module: "clint", Message: "timebase must divide 1GHz"}

// CLINT holds the machine timer and the MSIP flags. All methods are safe for
// concurrent use; the registers of one hart may be written by any hart.
type CLINT struct {
	nsPerTick   uint64
	badTimebase bool
	start       time.Time

	// nowFn returns the current host time. It is replaced by tests.
	nowFn func() time.Time

	msip     [cpu.MaxHarts]atomic.Uint32
	mtimecmp [cpu.MaxHarts]atomic.Uint64

	// notify is invoked whenever the MSIP flag or the timer compare
	// value of a hart changes so a stalled hart can re-evaluate its
	// pending interrupts.
	notify atomic.Value
}

// New returns a CLINT whose mtime counts at timebase Hz. Every hart starts
// with its timer disabled.
func New(timebase uint64) *CLINT {
	c := &CLINT{nowFn: time.Now, nsPerTick: 1}
	switch {
	case timebase != 0 && uint64(time.Second)%timebase == 0:
		c.nsPerTick = uint64(time.Second) / timebase
	default:
		c.badTimebase = true
	}
	c.start = c.nowFn()

	for hart := range c.mtimecmp {
		c.mtimecmp[hart].Store(TimecmpInfinite)
	}

	return c
}

// SetNotifier registers fn to be called when the interrupt lines of a hart
// may have changed.
func (c *CLINT) SetNotifier(fn func(hart uint32)) {
	c.notify.Store(fn)
}

func (c *CLINT) kick(hart uint32) {
	if fn, ok := c.notify.Load().(func(uint32)); ok && fn != nil {
		fn(hart)
	}
}

// Now returns the value of mtime.
func (c *CLINT) Now() uint64 {
	return uint64(c.nowFn().Sub(c.start).Nanoseconds()) / c.nsPerTick
}

// SetMSIP raises or clears the software interrupt of hart.
func (c *CLINT) SetMSIP(hart uint32, raised bool) {
	var v uint32
	if raised {
		v = 1
	}
	c.msip[hart].Store(v)
	c.kick(hart)
}

// SendIPI raises the software interrupt of hart.
func (c *CLINT) SendIPI(hart uint32) {
	c.SetMSIP(hart, true)
}

// ClearIPI clears the software interrupt of hart.
func (c *CLINT) ClearIPI(hart uint32) {
	c.SetMSIP(hart, false)
}

// MSIP reports whether the software interrupt of hart is raised.
func (c *CLINT) MSIP(hart uint32) bool {
	return c.msip[hart].Load() != 0
}

// SetTimecmp programs the timer compare register of hart.
func (c *CLINT) SetTimecmp(hart uint32, v uint64) {
	c.mtimecmp[hart].Store(v)
	c.kick(hart)
}

// Timecmp returns the timer compare register of hart.
func (c *CLINT) Timecmp(hart uint32) uint64 {
	return c.mtimecmp[hart].Load()
}

// TimerPending reports whether the timer interrupt of hart is asserted.
func (c *CLINT) TimerPending(hart uint32) bool {
	return c.Now() >= c.mtimecmp[hart].Load()
}

// Until returns how long the host must wait for the timer of hart to fire.
// It returns false if the timer is disabled.
func (c *CLINT) Until(hart uint32) (time.Duration, bool) {
	cmp := c.mtimecmp[hart].Load()
	if cmp >= TimecmpInfinite {
		return 0, false
	}

	now := c.Now()
	if cmp <= now {
		return 0, true
	}

	ticks := cmp - now
	if ticks > uint64(maxWait)/c.nsPerTick {
		return maxWait, true
	}
	return time.Duration(ticks * c.nsPerTick), true
}

// DriverName implements device.Driver.
func (c *CLINT) DriverName() string { return "clint" }

// DriverVersion implements device.Driver.
func (c *CLINT) DriverVersion() (uint16, uint16, uint16) { return 1, 0, 0 }

// DriverInit implements device.Driver.
func (c *CLINT) DriverInit(w io.Writer) *kernel.Error {
	if c.badTimebase {
		return errBadTimebase
	}

	kfmt.Fprintf(w, "mtime at 0x%x, %d ns/tick\n", uint64(Base+MtimeOffset), c.nsPerTick)
	return nil
}
