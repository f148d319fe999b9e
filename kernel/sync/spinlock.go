// Package sync provides the spinlock used to guard state shared between harts.
package sync

import (
	"runtime"
	"sync/atomic"
)

// attemptsBeforeYielding bounds how long a hart spins on a held lock before it
// yields its host thread.
const attemptsBeforeYielding = 64

var (
	// yieldFn is invoked by Acquire after attemptsBeforeYielding failed
	// attempts. It is mocked by tests.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each hart trying to acquire it busy-waits
// till the lock becomes available. Spinlocks are not reentrant.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the calling hart. Any
// attempt to re-acquire a lock already held by the same hart will cause a
// deadlock.
func (l *Spinlock) Acquire() {
	for attempts := uint32(0); ; attempts++ {
		if atomic.LoadUint32(&l.state) == 0 && atomic.CompareAndSwapUint32(&l.state, 0, 1) {
			return
		}

		if attempts == attemptsBeforeYielding {
			attempts = 0
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other harts to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
