package input

import (
	"testing"

	"github.com/kammerdienerb/riscv-os/device/plic"
)

type raiseRecorder []uint32

func (r *raiseRecorder) Raise(source uint32) { *r = append(*r, source) }

func TestPushDrain(t *testing.T) {
	var raised raiseRecorder

	d := New(&raised)
	d.Push(Event{Type: EventKey, Code: 30, Value: 1}, Event{Type: EventSync})
	d.Push()

	if len(raised) != 1 || raised[0] != plic.SourcePCIeA {
		t.Fatalf("expected a single PCIe A interrupt; got %v", raised)
	}

	var got []Event
	if n := d.Drain(func(ev Event) { got = append(got, ev) }); n != 2 {
		t.Fatalf("expected Drain to deliver 2 events; got %d", n)
	}
	if got[0].Code != 30 || got[1].Type != EventSync {
		t.Fatalf("expected events in arrival order; got %+v", got)
	}

	if n := d.Drain(func(Event) {}); n != 0 {
		t.Fatalf("expected an empty queue after Drain; got %d events", n)
	}
}

func TestEventEncode(t *testing.T) {
	ev := Event{Type: EventAbs, Code: 0x0102, Value: 0xa0b0c0d0}
	exp := [EventSize]byte{3, 0, 0x02, 0x01, 0xd0, 0xc0, 0xb0, 0xa0}

	if got := ev.Encode(); got != exp {
		t.Fatalf("expected encoding %v; got %v", exp, got)
	}
}
