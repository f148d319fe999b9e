package irq

import "github.com/kammerdienerb/riscv-os/kernel/cpu"

// Code is the event code synthesized from a trap cause: the cause number
// shifted left by one with the interrupt flag in bit 0. Interrupts signalled
// through the platform interrupt controller are remapped to dedicated device
// codes after a claim.
type Code uint8

// Synchronous exception codes.
const (
	InsnMisaligned   = Code(0)
	InsnAccessFault  = Code(2)
	IllegalInsn      = Code(4)
	Breakpoint       = Code(6)
	LoadMisaligned   = Code(8)
	LoadAccessFault  = Code(10)
	StoreMisaligned  = Code(12)
	StoreAccessFault = Code(14)
	EcallFromU       = Code(16)
	EcallFromS       = Code(18)
	EcallFromM       = Code(22)
	InsnPageFault    = Code(24)
	LoadPageFault    = Code(26)
	StorePageFault   = Code(30)
	UnknownException = Code(38)
)

// Asynchronous interrupt codes.
const (
	UserSoftware       = Code(1)
	SupervisorSoftware = Code(3)
	MachineSoftware    = Code(7)
	UserTimer          = Code(9)
	SupervisorTimer    = Code(11)
	MachineTimer       = Code(15)
	UserExternal       = Code(17)
	SupervisorExternal = Code(19)
	MachineExternal    = Code(23)

	// Device codes reachable only through a controller claim.
	UART             = Code(25)
	RTClock          = Code(27)
	PCIeA            = Code(29)
	PCIeB            = Code(31)
	PCIeC            = Code(33)
	PCIeD            = Code(35)
	UnknownInterrupt = Code(37)
)

// NumCodes is the size of a dispatch table.
const NumCodes = 39

// firstDeviceCause is the lowest interrupt number used for device codes.
// Hardware never reports interrupt causes at or above it.
const firstDeviceCause = 12

var descriptions = [NumCodes]string{
	InsnMisaligned:     "Instruction address misaligned",
	InsnAccessFault:    "Instruction access fault",
	IllegalInsn:        "Illegal instruction",
	Breakpoint:         "Breakpoint",
	LoadMisaligned:     "Load address misaligned",
	LoadAccessFault:    "Load access fault",
	StoreMisaligned:    "Store/AMO address misaligned",
	StoreAccessFault:   "Store/AMO access fault",
	EcallFromU:         "Environment call from U-mode",
	EcallFromS:         "Environment call from S-mode",
	EcallFromM:         "Environment call from M-mode",
	InsnPageFault:      "Instruction page fault",
	LoadPageFault:      "Load page fault",
	StorePageFault:     "Store/AMO page fault",
	UnknownException:   "Unknown exception",
	UserSoftware:       "User software interrupt",
	SupervisorSoftware: "Supervisor software interrupt",
	MachineSoftware:    "Machine software interrupt",
	UserTimer:          "User timer interrupt",
	SupervisorTimer:    "Supervisor timer interrupt",
	MachineTimer:       "Machine timer interrupt",
	UserExternal:       "User external interrupt",
	SupervisorExternal: "Supervisor external interrupt",
	MachineExternal:    "Machine external interrupt",
	UART:               "UART interrupt",
	RTClock:            "Real-time clock interrupt",
	PCIeA:              "PCIe interrupt A",
	PCIeB:              "PCIe interrupt B",
	PCIeC:              "PCIe interrupt C",
	PCIeD:              "PCIe interrupt D",
	UnknownInterrupt:   "Unknown interrupt",
}

// String returns a description of the event code.
func (c Code) String() string {
	if c < NumCodes && descriptions[c] != "" {
		return descriptions[c]
	}
	if c&1 != 0 {
		return descriptions[UnknownInterrupt]
	}
	return descriptions[UnknownException]
}

// Async reports whether c denotes an interrupt.
func (c Code) Async() bool {
	return c&1 != 0
}

// Encode synthesizes the event code for a raw cause value. Causes outside the
// table collapse to UnknownInterrupt or UnknownException.
func Encode(cause uint64) Code {
	num := cpu.CauseCode(cause)

	if cpu.CauseIsAsync(cause) {
		if num >= firstDeviceCause {
			return UnknownInterrupt
		}
		return Code(num<<1 | 1)
	}

	if num >= NumCodes>>1 {
		return UnknownException
	}
	return Code(num << 1)
}
