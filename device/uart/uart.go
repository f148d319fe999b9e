// Package uart simulates the 16550-style serial console: bytes written by
// the firmware go to a host io.Writer and bytes fed by the host are queued in
// the receive FIFO and announced through the interrupt controller.
package uart

import (
	"io"
	"sync"

	"github.com/kammerdienerb/riscv-os/device/plic"
	"github.com/kammerdienerb/riscv-os/kernel"
	"github.com/kammerdienerb/riscv-os/kernel/kfmt"
	"github.com/kammerdienerb/riscv-os/kernel/ringbuf"
)

// Base is the physical address of the UART registers.
const Base = uintptr(0x10000000)

// fifoSize is the depth of the receive FIFO.
const fifoSize = 16

// IRQRaiser is implemented by the interrupt controller the UART is wired to.
type IRQRaiser interface {
	Raise(source uint32)
}

// UART is the serial console. It is safe for concurrent use.
type UART struct {
	mu  sync.Mutex
	out io.Writer
	rx  *ringbuf.Ring[byte]
	irq IRQRaiser
}

// New returns a UART that writes transmitted bytes to out and raises its
// receive interrupt through irq.
func New(out io.Writer, irq IRQRaiser) *UART {
	return &UART{
		out: out,
		rx:  ringbuf.New[byte](fifoSize),
		irq: irq,
	}
}

// Putc transmits b.
func (u *UART) Putc(b byte) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.out != nil {
		u.out.Write([]byte{b})
	}
}

// Getc returns the next received byte. It returns false when no data is
// ready.
func (u *UART) Getc() (byte, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.rx.Pop()
}

// Feed queues bytes received from the host and raises the receive
// interrupt. Bytes beyond the FIFO depth overwrite the oldest ones.
func (u *UART) Feed(p []byte) {
	if len(p) == 0 {
		return
	}

	u.mu.Lock()
	for _, b := range p {
		u.rx.Push(b)
	}
	u.mu.Unlock()

	if u.irq != nil {
		u.irq.Raise(plic.SourceUART)
	}
}

// DriverName implements device.Driver.
func (u *UART) DriverName() string { return "uart" }

// DriverVersion implements device.Driver.
func (u *UART) DriverVersion() (uint16, uint16, uint16) { return 1, 0, 0 }

// DriverInit implements device.Driver.
func (u *UART) DriverInit(w io.Writer) *kernel.Error {
	kfmt.Fprintf(w, "mmio at 0x%x, rx fifo %d\n", uint64(Base), fifoSize)
	return nil
}
