// Package plic simulates the platform-level interrupt controller that
// multiplexes device interrupt lines into the external interrupt line of
// each (hart, privilege mode) context.
package plic

import (
	"io"
	"sync"

	"github.com/kammerdienerb/riscv-os/kernel"
	"github.com/kammerdienerb/riscv-os/kernel/cpu"
	"github.com/kammerdienerb/riscv-os/kernel/kfmt"
)

// Base is the physical address of the PLIC register window.
const Base = uintptr(0x0c000000)

// MaxSources is the number of interrupt sources supported. Source 0 is
// reserved and means "no interrupt".
const MaxSources = 64

// Interrupt sources wired on the machine.
const (
	SourceUART     = uint32(10)
	SourceRTCClock = uint32(11)
	SourcePCIeA    = uint32(32)
	SourcePCIeB    = uint32(33)
	SourcePCIeC    = uint32(34)
	SourcePCIeD    = uint32(35)
)

// MaxPriority is the highest source priority.
const MaxPriority = 7

const numContexts = cpu.MaxHarts * 2

// PLIC holds the gateway and target state. A claimed source is in service
// until completed; requests raised while it is in service are held back and
// delivered on completion.
type PLIC struct {
	mu sync.Mutex

	priority  [MaxSources]uint32
	pending   uint64
	inService uint64
	deferred  uint64

	enable    [numContexts]uint64
	threshold [numContexts]uint32

	notify func(hart uint32)
}

// New returns a PLIC with every source disabled.
func New() *PLIC {
	return &PLIC{}
}

// SetNotifier registers fn to be called for every hart whose external
// interrupt lines may have changed.
func (p *PLIC) SetNotifier(fn func(hart uint32)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.notify = fn
}

func context(hart uint32, mode cpu.Mode) (int, bool) {
	if hart >= cpu.MaxHarts {
		return 0, false
	}

	switch mode {
	case cpu.ModeMachine:
		return int(hart) * 2, true
	case cpu.ModeSupervisor:
		return int(hart)*2 + 1, true
	default:
		return 0, false
	}
}

func validSource(source uint32) bool {
	return source != 0 && source < MaxSources
}

// SetPriority sets the priority of source. A zero priority never interrupts.
func (p *PLIC) SetPriority(source, priority uint32) {
	if !validSource(source) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.priority[source] = priority & MaxPriority
}

// Enable routes source to the (hart, mode) context.
func (p *PLIC) Enable(hart uint32, mode cpu.Mode, source uint32) {
	ctx, ok := context(hart, mode)
	if !ok || !validSource(source) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.enable[ctx] |= 1 << source
}

// Disable stops routing source to the (hart, mode) context.
func (p *PLIC) Disable(hart uint32, mode cpu.Mode, source uint32) {
	ctx, ok := context(hart, mode)
	if !ok || !validSource(source) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.enable[ctx] &^= 1 << source
}

// SetThreshold masks sources whose priority does not exceed threshold.
func (p *PLIC) SetThreshold(hart uint32, mode cpu.Mode, threshold uint32) {
	ctx, ok := context(hart, mode)
	if !ok {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.threshold[ctx] = threshold & MaxPriority
}

// Raise signals an interrupt request from source.
func (p *PLIC) Raise(source uint32) {
	if !validSource(source) {
		return
	}

	p.mu.Lock()
	if p.inService&(1<<source) != 0 {
		p.deferred |= 1 << source
	} else {
		p.pending |= 1 << source
	}
	notify, targets := p.notify, p.targets(source)
	p.mu.Unlock()

	p.kick(notify, targets)
}

// Pending reports whether the (hart, mode) context has a claimable
// interrupt.
func (p *PLIC) Pending(hart uint32, mode cpu.Mode) bool {
	ctx, ok := context(hart, mode)
	if !ok {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.best(ctx) != 0
}

// Claim returns the highest priority pending source routed to the
// (hart, mode) context and marks it in service. It returns 0 if there is
// nothing to claim.
func (p *PLIC) Claim(hart uint32, mode cpu.Mode) uint32 {
	ctx, ok := context(hart, mode)
	if !ok {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	source := p.best(ctx)
	if source != 0 {
		p.pending &^= 1 << source
		p.inService |= 1 << source
	}

	return source
}

// Complete ends the service of source so it may interrupt again.
func (p *PLIC) Complete(hart uint32, mode cpu.Mode, source uint32) {
	if _, ok := context(hart, mode); !ok || !validSource(source) {
		return
	}

	p.mu.Lock()
	p.inService &^= 1 << source
	if p.deferred&(1<<source) != 0 {
		p.deferred &^= 1 << source
		p.pending |= 1 << source
	}
	notify, targets := p.notify, p.targets(source)
	p.mu.Unlock()

	p.kick(notify, targets)
}

// best returns the highest priority claimable source of ctx. Ties go to the
// lowest source id.
func (p *PLIC) best(ctx int) uint32 {
	var bestSource, bestPriority uint32

	candidates := p.pending & p.enable[ctx]
	for source := uint32(1); candidates != 0 && source < MaxSources; source++ {
		if candidates&(1<<source) == 0 {
			continue
		}

		if prio := p.priority[source]; prio > p.threshold[ctx] && prio > bestPriority {
			bestSource, bestPriority = source, prio
		}
	}

	return bestSource
}

// targets returns a bitmask of the harts that have source enabled in any
// context.
func (p *PLIC) targets(source uint32) uint32 {
	var harts uint32
	for ctx := 0; ctx < numContexts; ctx++ {
		if p.enable[ctx]&(1<<source) != 0 {
			harts |= 1 << (ctx / 2)
		}
	}
	return harts
}

func (p *PLIC) kick(notify func(uint32), targets uint32) {
	if notify == nil {
		return
	}

	for hart := uint32(0); hart < cpu.MaxHarts; hart++ {
		if targets&(1<<hart) != 0 {
			notify(hart)
		}
	}
}

// DriverName implements device.Driver.
func (p *PLIC) DriverName() string { return "plic" }

// DriverVersion implements device.Driver.
func (p *PLIC) DriverVersion() (uint16, uint16, uint16) { return 1, 0, 0 }

// DriverInit implements device.Driver.
func (p *PLIC) DriverInit(w io.Writer) *kernel.Error {
	kfmt.Fprintf(w, "%d sources at 0x%x\n", MaxSources, uint64(Base))
	return nil
}
