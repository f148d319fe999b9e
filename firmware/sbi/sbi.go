// Package sbi defines the firmware call interface offered to supervisor
// mode and the wrappers the kernel uses to issue those calls.
package sbi

import "github.com/kammerdienerb/riscv-os/kernel/cpu"

// The firmware call numbers, passed in a0.
const (
	CallHartID = uint64(iota)
	CallHartStatus
	CallStartHart
	CallStopHart
	CallPutc
	CallGetc
	CallClock
	CallTimerRel
	CallTimerAbs
	CallTimerClear

	// NumCalls is the size of the firmware call table.
	NumCalls
)

// NoChar is returned by Getc when no input is buffered.
const NoChar = 0xFF

var descriptions = [NumCalls]string{
	CallHartID:     "Get the ID of the current hart",
	CallHartStatus: "Get the status of a hart",
	CallStartHart:  "Start a hart at a given address",
	CallStopHart:   "Stop the current hart",
	CallPutc:       "UART character print",
	CallGetc:       "UART character receive",
	CallClock:      "Get the current clock value as reported by rdtime",
	CallTimerRel:   "Set a timer to trigger relative to now",
	CallTimerAbs:   "Set a timer to trigger at an absolute time",
	CallTimerClear: "Stop sending an interrupt to the kernel for a timer",
}

// Describe returns the description of a firmware call.
func Describe(call uint64) string {
	if call >= NumCalls {
		return ""
	}
	return descriptions[call]
}

// HartID returns the id of the calling hart.
func HartID(c cpu.Core) uint32 {
	return uint32(c.Ecall(CallHartID))
}

// HartStatus returns the lifecycle status of hart.
func HartStatus(c cpu.Core, hart uint32) int64 {
	return c.Ecall(CallHartStatus, uint64(hart))
}

// StartHart asks a parked hart to start at entry in supervisor mode with
// scratch in sscratch. A negative result means the request was rejected.
func StartHart(c cpu.Core, hart uint32, entry, scratch uint64) int64 {
	return c.Ecall(CallStartHart, uint64(hart), entry, scratch)
}

// StopHart parks the calling hart. It only returns if the hart could not be
// stopped.
func StopHart(c cpu.Core) int64 {
	return c.Ecall(CallStopHart)
}

// Putc writes a byte to the console.
func Putc(c cpu.Core, ch byte) {
	c.Ecall(CallPutc, uint64(ch))
}

// Getc returns the next buffered console byte or NoChar.
func Getc(c cpu.Core) byte {
	return byte(c.Ecall(CallGetc))
}

// Clock returns the current value of the machine timer.
func Clock(c cpu.Core) uint64 {
	return uint64(c.Ecall(CallClock))
}

// TimerRel arms the timer of hart to fire delta ticks from now.
func TimerRel(c cpu.Core, hart uint32, delta uint64) {
	c.Ecall(CallTimerRel, uint64(hart), delta)
}

// TimerAbs arms the timer of hart to fire at the absolute time when.
func TimerAbs(c cpu.Core, hart uint32, when uint64) {
	c.Ecall(CallTimerAbs, uint64(hart), when)
}

// TimerClear acknowledges the supervisor timer interrupt of the calling
// hart.
func TimerClear(c cpu.Core) {
	c.Ecall(CallTimerClear)
}
