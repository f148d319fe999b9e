// Package hal assembles the simulated machine the firmware and the kernel run
// on: the harts, the interrupt controllers, the console, the input and
// display devices and physical memory. Code is attached to the machine as
// programs mapped at physical addresses; trap vectors are programs that
// dispatch a trap to a handler table.
package hal

import (
	"context"
	"io"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/kammerdienerb/riscv-os/device"
	"github.com/kammerdienerb/riscv-os/device/clint"
	"github.com/kammerdienerb/riscv-os/device/gpu"
	"github.com/kammerdienerb/riscv-os/device/input"
	"github.com/kammerdienerb/riscv-os/device/plic"
	"github.com/kammerdienerb/riscv-os/device/uart"
	"github.com/kammerdienerb/riscv-os/kernel"
	"github.com/kammerdienerb/riscv-os/kernel/cpu"
	"github.com/kammerdienerb/riscv-os/kernel/hal/bootcfg"
	"github.com/kammerdienerb/riscv-os/kernel/kfmt"
	"github.com/kammerdienerb/riscv-os/kernel/mem"
	"github.com/kammerdienerb/riscv-os/kernel/mem/pmm"
)

var errOverlap = &kernel.Error{Module: "hal", Message: "program overlaps mapped text"}

// Vector receives the traps taken through a trap vector address. irq.Table
// implements it.
type Vector interface {
	Dispatch(c cpu.Core) int64
}

// Loader attaches code to the machine.
type Loader interface {
	Map(addr uintptr, size mem.Size, prog cpu.Program) *kernel.Error
	MapVector(addr uintptr, v Vector)
}

type region struct {
	start, end uint64
	prog       cpu.Program
}

// Machine is the simulated board. Code must be mapped before Run.
type Machine struct {
	Config bootcfg.Config

	CLINT *clint.CLINT
	PLIC  *plic.PLIC
	UART  *uart.UART
	Input *input.Device
	GPU   *gpu.Device
	RAM   *pmm.RAM

	harts   []*Hart
	text    []region
	vectors map[uint64]Vector
}

// New builds a machine described by cfg whose console writes to out.
func New(cfg bootcfg.Config, out io.Writer) *Machine {
	m := &Machine{
		Config:  cfg,
		CLINT:   clint.New(cfg.Timebase),
		PLIC:    plic.New(),
		GPU:     gpu.New(cfg.FBWidth, cfg.FBHeight),
		RAM:     pmm.NewRAM(mem.RAMBase, cfg.RAM),
		vectors: make(map[uint64]Vector),
	}
	m.UART = uart.New(out, m.PLIC)
	m.Input = input.New(m.PLIC)

	for id := 0; id < cfg.Harts && id < cpu.MaxHarts; id++ {
		m.harts = append(m.harts, newHart(uint32(id), m))
	}

	m.CLINT.SetNotifier(m.kick)
	m.PLIC.SetNotifier(m.kick)

	return m
}

// NumHarts returns the number of harts.
func (m *Machine) NumHarts() int {
	return len(m.harts)
}

// Hart returns hart id or nil.
func (m *Machine) Hart(id uint32) *Hart {
	if int(id) >= len(m.harts) {
		return nil
	}
	return m.harts[id]
}

func (m *Machine) kick(hart uint32) {
	if h := m.Hart(hart); h != nil {
		h.Kick()
	}
}

// Map attaches prog to the size bytes starting at addr. A hart whose pc
// falls in the range executes prog.
func (m *Machine) Map(addr uintptr, size mem.Size, prog cpu.Program) *kernel.Error {
	r := region{start: uint64(addr), end: uint64(addr) + uint64(size), prog: prog}

	i := sort.Search(len(m.text), func(i int) bool { return m.text[i].end > r.start })
	if i < len(m.text) && m.text[i].start < r.end {
		return errOverlap
	}

	m.text = append(m.text, region{})
	copy(m.text[i+1:], m.text[i:])
	m.text[i] = r
	return nil
}

// MapVector installs v as the trap vector at addr.
func (m *Machine) MapVector(addr uintptr, v Vector) {
	m.vectors[uint64(addr)] = v
}

func (m *Machine) fetch(pc uint64) cpu.Program {
	i := sort.Search(len(m.text), func(i int) bool { return m.text[i].end > pc })
	if i < len(m.text) && m.text[i].start <= pc {
		return m.text[i].prog
	}
	return nil
}

func (m *Machine) vector(addr uint64) Vector {
	return m.vectors[addr]
}

// Drivers returns the devices attached to the machine in probe order.
func (m *Machine) Drivers() []device.Driver {
	return []device.Driver{m.CLINT, m.PLIC, m.UART, m.Input, m.GPU}
}

// Probe initializes the devices, logging through w (the active output sink
// when nil). It returns the drivers that initialized successfully.
func (m *Machine) Probe(w io.Writer) []device.Driver {
	if w == nil {
		w = kfmt.GetOutputSink()
	}

	var active []device.Driver
	for _, drv := range m.Drivers() {
		major, minor, patch := drv.DriverVersion()
		pw := kfmt.NewPrefixWriter(w, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)

		if err := drv.DriverInit(pw); err != nil {
			kfmt.Fprintf(pw, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(pw, "initialized\n")
		active = append(active, drv)
	}

	return active
}

// Run starts every hart at the reset address and blocks until all harts
// halt, ctx is cancelled or a hart crashes.
func (m *Machine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, h := range m.harts {
		h := h
		g.Go(func() error {
			return h.run(ctx)
		})
	}

	return g.Wait()
}
