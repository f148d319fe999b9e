// Package input buffers input events for user processes until they are
// popped through the kernel call interface.
package input

import (
	"github.com/kammerdienerb/riscv-os/device/input"
	"github.com/kammerdienerb/riscv-os/kernel/ringbuf"
	"github.com/kammerdienerb/riscv-os/kernel/sync"
)

// RingSize is the number of events buffered before the oldest is dropped.
const RingSize = 512

// Queue is the kernel input event queue. It is safe for concurrent use.
type Queue struct {
	lock   sync.Spinlock
	events *ringbuf.Ring[input.Event]
	lost   uint64
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{events: ringbuf.New[input.Event](RingSize)}
}

// Push appends ev, overwriting the oldest event when the queue is full.
func (q *Queue) Push(ev input.Event) {
	q.lock.Acquire()
	if q.events.Push(ev) {
		q.lost++
	}
	q.lock.Release()
}

// Pop removes the oldest event.
func (q *Queue) Pop() (input.Event, bool) {
	q.lock.Acquire()
	defer q.lock.Release()

	return q.events.Pop()
}

// Ready returns the number of buffered events.
func (q *Queue) Ready() int {
	q.lock.Acquire()
	defer q.lock.Release()

	return q.events.Len()
}

// Lost returns the number of events dropped because the queue was full.
func (q *Queue) Lost() uint64 {
	q.lock.Acquire()
	defer q.lock.Release()

	return q.lost
}
