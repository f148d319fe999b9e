// Package input simulates the virtio input device: the host pushes events,
// the device queues them and raises its PCIe interrupt line.
package input

import (
	"io"
	"sync"

	"github.com/kammerdienerb/riscv-os/device/plic"
	"github.com/kammerdienerb/riscv-os/kernel"
	"github.com/kammerdienerb/riscv-os/kernel/kfmt"
)

// Event types.
const (
	EventSync = uint16(0)
	EventKey  = uint16(1)
	EventRel  = uint16(2)
	EventAbs  = uint16(3)
)

// EventSize is the size of an encoded Event in bytes.
const EventSize = 8

// Event is a single input event in the virtio input layout.
type Event struct {
	Type  uint16
	Code  uint16
	Value uint32
}

// Encode returns the little-endian wire form of e.
func (e Event) Encode() [EventSize]byte {
	return [EventSize]byte{
		byte(e.Type), byte(e.Type >> 8),
		byte(e.Code), byte(e.Code >> 8),
		byte(e.Value), byte(e.Value >> 8), byte(e.Value >> 16), byte(e.Value >> 24),
	}
}

// IRQRaiser is implemented by the interrupt controller the device is wired
// to.
type IRQRaiser interface {
	Raise(source uint32)
}

// Device is the input device. It is safe for concurrent use.
type Device struct {
	mu     sync.Mutex
	queue  []Event
	irq    IRQRaiser
	source uint32
}

// New returns an input device wired to PCIe interrupt line A.
func New(irq IRQRaiser) *Device {
	return &Device{irq: irq, source: plic.SourcePCIeA}
}

// Push queues events and raises the device interrupt.
func (d *Device) Push(events ...Event) {
	if len(events) == 0 {
		return
	}

	d.mu.Lock()
	d.queue = append(d.queue, events...)
	d.mu.Unlock()

	if d.irq != nil {
		d.irq.Raise(d.source)
	}
}

// Drain hands every queued event to fn in arrival order and returns the
// number of events delivered.
func (d *Device) Drain(fn func(Event)) int {
	d.mu.Lock()
	events := d.queue
	d.queue = nil
	d.mu.Unlock()

	for _, ev := range events {
		fn(ev)
	}

	return len(events)
}

// DriverName implements device.Driver.
func (d *Device) DriverName() string { return "virtio-input" }

// DriverVersion implements device.Driver.
func (d *Device) DriverVersion() (uint16, uint16, uint16) { return 1, 0, 0 }

// DriverInit implements device.Driver.
func (d *Device) DriverInit(w io.Writer) *kernel.Error {
	kfmt.Fprintf(w, "irq source %d\n", d.source)
	return nil
}
