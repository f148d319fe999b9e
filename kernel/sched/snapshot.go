package sched

import (
	"io"

	"github.com/kammerdienerb/riscv-os/kernel/kfmt"
	"github.com/kammerdienerb/riscv-os/kernel/proc"
)

// Entry describes a process as seen by a scheduler.
type Entry struct {
	Key   uint64
	PID   uint16
	Kind  proc.Kind
	State proc.State
}

// Row is the state of one hart scheduler.
type Row struct {
	Hart    uint32
	Current Entry
	Idling  bool
	Queue   []Entry
}

func entryOf(key uint64, p *proc.Process) Entry {
	return Entry{Key: key, PID: p.PID, Kind: p.Kind, State: p.State}
}

// Snapshot returns the state of every scheduling hart in hart order.
func (s *Set) Snapshot() []Row {
	if !s.Online() {
		return nil
	}

	rows := make([]Row, 0, s.numHarts)
	for hart := uint32(1); hart < s.numHarts; hart++ {
		sched := &s.scheds[hart]

		sched.lock.Acquire()
		row := Row{Hart: hart, Idling: sched.current == sched.idle}
		if cur := sched.current; cur != nil {
			row.Current = entryOf(cur.VRuntime, cur)
		}
		sched.queue.Ascend(func(e entry) bool {
			row.Queue = append(row.Queue, entryOf(e.key, e.p))
			return true
		})
		sched.lock.Release()

		rows = append(rows, row)
	}

	return rows
}

// DumpTo writes a process listing built from rows to w.
func DumpTo(w io.Writer, rows []Row) {
	for _, row := range rows {
		kfmt.Fprintf(w, "hart %d: running pid %d (%s)\n", row.Hart, row.Current.PID, row.Current.Kind.String())
		for _, e := range row.Queue {
			kfmt.Fprintf(w, "  %6d pid %3d %s\n", e.Key, e.PID, e.State.String())
		}
	}
}
