// Package sched implements the per-hart fair scheduler. Every hart except the
// console hart owns a run-queue ordered by virtual runtime and a dedicated
// idle process that runs whenever nothing in the queue is runnable.
//
// All operations that switch processes run inside a supervisor trap handler
// on the hart they affect. Switching loads the next context into the trap
// frame of that hart, so the process that made the call resumes only when it
// is dispatched again.
package sched

import (
	"math"
	"math/bits"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/kammerdienerb/riscv-os/kernel"
	"github.com/kammerdienerb/riscv-os/kernel/cpu"
	"github.com/kammerdienerb/riscv-os/kernel/kfmt"
	"github.com/kammerdienerb/riscv-os/kernel/proc"
	"github.com/kammerdienerb/riscv-os/kernel/sync"
	syscpu "golang.org/x/sys/cpu"
)

// queueDegree is the btree degree used for run-queues.
const queueDegree = 8

var (
	// ErrOffline is returned when the scheduler is used before Init.
	ErrOffline = &kernel.Error{Module: "sched", Message: "scheduler is not online", Code: -19}

	// ErrBadHart is returned for a hart that has no scheduler.
	ErrBadHart = &kernel.Error{Module: "sched", Message: "hart does not schedule processes", Code: -22}
)

// Platform is the set of firmware services the scheduler relies on.
type Platform interface {
	// Now returns the current value of the machine clock.
	Now(c cpu.Core) uint64

	// ArmTimer arms the supervisor timer of hart to fire delta clock
	// ticks from now.
	ArmTimer(c cpu.Core, hart uint32, delta uint64)

	// StartOn asks a parked hart to start running p.
	StartOn(c cpu.Core, hart uint32, p *proc.Process) *kernel.Error
}

type entry struct {
	key uint64
	p   *proc.Process
}

func lessEntry(a, b entry) bool {
	return a.key < b.key
}

// Scheduler is the scheduling state of a single hart. Every field is
// guarded by lock.
type Scheduler struct {
	lock sync.Spinlock

	hart     uint32
	queue    *btree.BTreeG[entry]
	current  *proc.Process
	idle     *proc.Process
	lastTick uint64

	_ syscpu.CacheLinePad
}

// Set holds the schedulers of every hart.
type Set struct {
	platform Platform
	pool     *proc.Pool
	numHarts uint32
	tick     uint64
	online   uint32

	scheds [cpu.MaxHarts]Scheduler
}

// New returns an offline scheduler set for numHarts harts that re-arms the
// timer every tick clock ticks.
func New(numHarts uint32, tick uint64, pool *proc.Pool, platform Platform) *Set {
	if numHarts > cpu.MaxHarts {
		numHarts = cpu.MaxHarts
	}

	s := &Set{
		platform: platform,
		pool:     pool,
		numHarts: numHarts,
		tick:     tick,
	}
	for hart := range s.scheds {
		s.scheds[hart].hart = uint32(hart)
		s.scheds[hart].queue = btree.NewG(queueDegree, lessEntry)
	}
	return s
}

// Online reports whether Init has completed.
func (s *Set) Online() bool {
	return atomic.LoadUint32(&s.online) == 1
}

// Tick returns the periodic timer interval.
func (s *Set) Tick() uint64 {
	return s.tick
}

// Init creates the idle process of every scheduling hart and starts each
// hart on it. It runs once, on the console hart.
func (s *Set) Init(c cpu.Core) *kernel.Error {
	for hart := uint32(1); hart < s.numHarts; hart++ {
		idle, err := s.pool.Create(proc.KindIdle)
		if err != nil {
			return err
		}

		sched := &s.scheds[hart]
		sched.idle = idle
		sched.current = idle
	}

	now := s.platform.Now(c)
	for hart := uint32(1); hart < s.numHarts; hart++ {
		sched := &s.scheds[hart]
		sched.lastTick = now
		sched.idle.SchedTime = now
		sched.idle.State = proc.StateRunning
		sched.idle.Hart = int32(hart)
		if err := s.platform.StartOn(c, hart, sched.idle); err != nil {
			kfmt.Printf("[sched] could not start hart %d: %s\n", hart, err.Message)
		}
	}

	atomic.StoreUint32(&s.online, 1)
	return nil
}

// scheduler returns the scheduler of hart or nil if hart does not schedule
// processes.
func (s *Set) scheduler(hart uint32) *Scheduler {
	if !s.Online() || hart == 0 || hart >= s.numHarts {
		return nil
	}
	return &s.scheds[hart]
}

// Current returns the process running on hart or nil.
func (s *Set) Current(hart uint32) *proc.Process {
	sched := s.scheduler(hart)
	if sched == nil {
		return nil
	}

	sched.lock.Acquire()
	defer sched.lock.Release()
	return sched.current
}

// OnTimerTick is invoked by the supervisor timer handler. It re-arms the
// timer, counts down sleeping processes and switches to the runnable process
// with the least virtual runtime if the queue is not empty.
func (s *Set) OnTimerTick(c cpu.Core) {
	hart := c.HartID()
	s.platform.ArmTimer(c, hart, s.tick)

	sched := s.scheduler(hart)
	if sched == nil {
		return
	}

	now := s.platform.Now(c)

	sched.lock.Acquire()
	defer sched.lock.Release()

	elapsed := now - sched.lastTick
	sched.queue.Ascend(func(e entry) bool {
		if e.p.State != proc.StateSleeping {
			return true
		}

		if elapsed >= e.p.SleepLeft {
			e.p.SleepLeft = 0
			e.p.State = proc.StateRunnable
		} else {
			e.p.SleepLeft -= elapsed
		}
		return true
	})

	if cur := sched.current; cur != nil {
		proc.Save(c, cur)
	}

	if sched.queue.Len() > 0 {
		s.deschedule(sched, now, proc.StateRunnable)
		s.reschedule(sched)
	} else if cur := sched.current; cur != nil {
		cur.VRuntime += now - cur.SchedTime
	}

	sched.lastTick = now
	s.run(c, sched, now)
}

// Sleep suspends the process running on the calling hart for at least n
// clock ticks. It has no effect on idle processes or outside of a process.
func (s *Set) Sleep(c cpu.Core, n uint64) {
	s.suspend(c, proc.StateSleeping, func(p *proc.Process, now, lastTick uint64) {
		// The countdown runs from the last tick.
		p.SleepLeft = addSat(n, now-lastTick)
		p.WakeAt = addSat(now, n)
	})
}

// Wait suspends the process running on the calling hart until WakeAll is
// called with the same reason.
func (s *Set) Wait(c cpu.Core, reason proc.WaitReason) {
	s.suspend(c, proc.StateWaiting, func(p *proc.Process, _, _ uint64) {
		p.WaitingOn = reason
	})
}

func (s *Set) suspend(c cpu.Core, state proc.State, record func(p *proc.Process, now, lastTick uint64)) {
	sched := s.scheduler(c.HartID())
	if sched == nil {
		return
	}

	now := s.platform.Now(c)

	sched.lock.Acquire()
	defer sched.lock.Release()

	cur := sched.current
	if cur == nil || cur.Kind == proc.KindIdle {
		return
	}

	proc.Save(c, cur)
	record(cur, now, sched.lastTick)
	s.deschedule(sched, now, state)
	s.reschedule(sched)
	s.run(c, sched, now)
}

// Exit destroys the process running on the calling hart and dispatches the
// next one.
func (s *Set) Exit(c cpu.Core) {
	sched := s.scheduler(c.HartID())
	if sched == nil {
		return
	}

	now := s.platform.Now(c)

	sched.lock.Acquire()
	defer sched.lock.Release()

	cur := sched.current
	if cur == nil || cur.Kind == proc.KindIdle {
		return
	}

	sched.current = nil
	s.pool.Destroy(cur)
	s.reschedule(sched)
	s.run(c, sched, now)
}

// WakeAll makes every process waiting for reason runnable. Harts are visited
// one at a time; an idling hart that gained work gets an immediate timer
// interrupt. It returns the number of processes woken.
func (s *Set) WakeAll(c cpu.Core, reason proc.WaitReason) int {
	if !s.Online() {
		return 0
	}

	var total int
	for hart := uint32(1); hart < s.numHarts; hart++ {
		sched := &s.scheds[hart]

		sched.lock.Acquire()
		idling := sched.current == sched.idle
		woken := 0
		sched.queue.Ascend(func(e entry) bool {
			if e.p.State == proc.StateWaiting && e.p.WaitingOn == reason {
				e.p.WaitingOn = proc.WaitNone
				e.p.State = proc.StateRunnable
				woken++
			}
			return true
		})
		sched.lock.Release()

		if woken > 0 && idling {
			s.platform.ArmTimer(c, hart, 0)
		}
		total += woken
	}

	return total
}

// PlaceOn queues a newly created process on hart at the lowest free key.
func (s *Set) PlaceOn(hart uint32, p *proc.Process) *kernel.Error {
	if !s.Online() {
		return ErrOffline
	}

	sched := s.scheduler(hart)
	if sched == nil {
		return ErrBadHart
	}

	sched.lock.Acquire()
	defer sched.lock.Release()

	p.State = proc.StateRunnable
	p.Hart = int32(hart)
	p.VRuntime = insert(sched, 0, p)
	return nil
}

// Spawn places p on the first idling hart, or on hart 1 if every hart is
// busy, and returns the chosen hart.
func (s *Set) Spawn(p *proc.Process) (uint32, *kernel.Error) {
	hart := uint32(1)
	if idle := s.IdleHart(); idle >= 0 {
		hart = uint32(idle)
	}

	return hart, s.PlaceOn(hart, p)
}

// IdleHart returns the first scheduling hart running its idle process or -1.
func (s *Set) IdleHart() int {
	if !s.Online() {
		return -1
	}

	for hart := uint32(1); hart < s.numHarts; hart++ {
		sched := &s.scheds[hart]

		sched.lock.Acquire()
		idling := sched.current == sched.idle
		sched.lock.Release()

		if idling {
			return int(hart)
		}
	}

	return -1
}

// deschedule removes the current process and re-keys it by its accrued
// virtual runtime. Idle processes are never queued.
func (s *Set) deschedule(sched *Scheduler, now uint64, state proc.State) {
	p := sched.current
	sched.current = nil

	vrt := p.VRuntime + (now - p.SchedTime)
	p.State = state
	if p.Kind == proc.KindIdle {
		p.VRuntime = vrt
		return
	}

	p.VRuntime = insert(sched, vrt, p)
}

// reschedule makes the runnable process with the smallest key current,
// falling back to the idle process.
func (s *Set) reschedule(sched *Scheduler) {
	var (
		next  *proc.Process
		found entry
	)

	sched.queue.Ascend(func(e entry) bool {
		if e.p.State == proc.StateRunnable {
			next, found = e.p, e
			return false
		}
		return true
	})

	if next == nil {
		next = sched.idle
	} else {
		sched.queue.Delete(found)
	}

	sched.current = next
}

// run dispatches the current process of sched on the calling hart.
func (s *Set) run(c cpu.Core, sched *Scheduler, now uint64) {
	p := sched.current
	p.SchedTime = now
	p.State = proc.StateRunning
	p.Hart = int32(sched.hart)
	proc.Enter(c, p)
}

// insert stores p at the first free key at or after key and returns it.
func insert(sched *Scheduler, key uint64, p *proc.Process) uint64 {
	for sched.queue.Has(entry{key: key}) {
		key++
	}

	sched.queue.ReplaceOrInsert(entry{key: key, p: p})
	return key
}

// addSat returns a+b, clamped to the largest clock value.
func addSat(a, b uint64) uint64 {
	if sum, carry := bits.Add64(a, b, 0); carry == 0 {
		return sum
	}
	return math.MaxUint64
}
