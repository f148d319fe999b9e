// Package cpu describes the RISC-V hart state that the firmware and the
// kernel manipulate: privilege modes, control and status registers, trap
// causes, the register frame saved on trap entry and the Core interface
// through which privileged code talks to the hart it runs on.
package cpu

// MaxHarts is the number of hart slots the firmware and the kernel track.
const MaxHarts = 8

// Mode is a RISC-V privilege mode.
type Mode uint8

// The privilege modes in ascending order of privilege.
const (
	ModeUser       = Mode(0)
	ModeSupervisor = Mode(1)
	ModeMachine    = Mode(3)
)

// String implements fmt.Stringer for Mode.
func (m Mode) String() string {
	switch m {
	case ModeUser:
		return "U"
	case ModeSupervisor:
		return "S"
	case ModeMachine:
		return "M"
	default:
		return "?"
	}
}

// CSR identifies a control and status register by its architectural number.
type CSR uint16

// The CSRs used by the firmware and the kernel.
const (
	Sstatus  = CSR(0x100)
	Sie      = CSR(0x104)
	Stvec    = CSR(0x105)
	Sscratch = CSR(0x140)
	Sepc     = CSR(0x141)
	Scause   = CSR(0x142)
	Stval    = CSR(0x143)
	Sip      = CSR(0x144)
	Satp     = CSR(0x180)
	Mstatus  = CSR(0x300)
	Medeleg  = CSR(0x302)
	Mideleg  = CSR(0x303)
	Mie      = CSR(0x304)
	Mtvec    = CSR(0x305)
	Mscratch = CSR(0x340)
	Mepc     = CSR(0x341)
	Mcause   = CSR(0x342)
	Mtval    = CSR(0x343)
	Mip      = CSR(0x344)
	Time     = CSR(0xC01)
	Mhartid  = CSR(0xF14)
)

// mstatus/sstatus bits.
const (
	StatusSIE  = uint64(1 << 1)
	StatusMIE  = uint64(1 << 3)
	StatusSPIE = uint64(1 << 5)
	StatusMPIE = uint64(1 << 7)
	StatusSPP  = uint64(1 << 8)
	StatusMPP  = uint64(3 << 11)
	StatusFS   = uint64(3 << 13)

	statusMPPShift = 11
	statusFSShift  = 13

	// SstatusMask selects the mstatus bits visible through sstatus.
	SstatusMask = StatusSIE | StatusSPIE | StatusSPP | StatusFS
)

// StatusMPPMode encodes m into the previous-privilege field of mstatus.
func StatusMPPMode(m Mode) uint64 {
	return uint64(m) << statusMPPShift
}

// StatusMPPOf extracts the previous-privilege field of mstatus.
func StatusMPPOf(status uint64) Mode {
	return Mode((status & StatusMPP) >> statusMPPShift)
}

// StatusFSState encodes a floating-point unit state into mstatus.
func StatusFSState(state uint64) uint64 {
	return (state << statusFSShift) & StatusFS
}

// Interrupt enable/pending bits shared by mie/mip and sie/sip.
const (
	IntSSI = uint64(1 << 1)
	IntMSI = uint64(1 << 3)
	IntSTI = uint64(1 << 5)
	IntMTI = uint64(1 << 7)
	IntSEI = uint64(1 << 9)
	IntMEI = uint64(1 << 11)
)

// Exception and interrupt cause numbers as reported in mcause/scause.
const (
	CauseInsnMisaligned  = uint64(0)
	CauseInsnAccessFault = uint64(1)
	CauseIllegalInsn     = uint64(2)
	CauseBreakpoint      = uint64(3)
	CauseLoadMisaligned  = uint64(4)
	CauseLoadAccessFault = uint64(5)
	CauseStoreMisaligned = uint64(6)
	CauseStoreFault      = uint64(7)
	CauseEcallFromU      = uint64(8)
	CauseEcallFromS      = uint64(9)
	CauseEcallFromM      = uint64(11)
	CauseInsnPageFault   = uint64(12)
	CauseLoadPageFault   = uint64(13)
	CauseStorePageFault  = uint64(15)

	CauseSSoftware = uint64(1)
	CauseMSoftware = uint64(3)
	CauseSTimer    = uint64(5)
	CauseMTimer    = uint64(7)
	CauseSExternal = uint64(9)
	CauseMExternal = uint64(11)

	// CauseAsync is set in a cause value raised by an interrupt.
	CauseAsync = uint64(1) << 63
)

// MedelegAll delegates every exception the kernel handles to supervisor
// mode. Breakpoints and environment calls from S or M mode stay with the
// firmware.
const MedelegAll = uint64(0xB1F7)

// CauseCode strips the interrupt bit from a cause value.
func CauseCode(cause uint64) uint64 {
	return cause &^ CauseAsync
}

// CauseIsAsync reports whether cause was raised by an interrupt.
func CauseIsAsync(cause uint64) bool {
	return cause&CauseAsync != 0
}

// General-purpose register indices.
const (
	RegZero = 0
	RegRA   = 1
	RegSP   = 2
	RegGP   = 3
	RegTP   = 4
	RegS0   = 8
	RegS1   = 9
	RegA0   = 10
	RegA1   = 11
	RegA2   = 12
	RegA3   = 13
	RegA4   = 14
	RegA5   = 15
	RegA6   = 16
	RegA7   = 17
	RegS2   = 18

	NumRegs = 32
)
