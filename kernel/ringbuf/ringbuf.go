// Package ringbuf provides fixed-capacity ring buffers that overwrite their
// oldest entry when full. They back the early console buffer, the UART
// receive FIFO and the kernel input event queue.
package ringbuf

import "io"

// Ring is a fixed-capacity FIFO. Pushing into a full ring drops the oldest
// entry. A Ring is not safe for concurrent use; callers provide locking.
type Ring[T any] struct {
	items []T
	mask  int

	// rIndex points at the oldest entry; count entries follow it.
	rIndex, count int
}

// New returns a Ring that holds up to size entries. The size must be a power
// of 2.
func New[T any](size int) *Ring[T] {
	if size <= 0 || size&(size-1) != 0 {
		panic("ringbuf: size must be a power of 2")
	}

	return &Ring[T]{items: make([]T, size), mask: size - 1}
}

// Push appends v to the ring. It returns true if the oldest entry had to be
// dropped to make room.
func (rb *Ring[T]) Push(v T) bool {
	wIndex := (rb.rIndex + rb.count) & rb.mask
	rb.items[wIndex] = v

	if rb.count == len(rb.items) {
		rb.rIndex = (rb.rIndex + 1) & rb.mask
		return true
	}

	rb.count++
	return false
}

// Pop removes and returns the oldest entry.
func (rb *Ring[T]) Pop() (T, bool) {
	var zero T
	if rb.count == 0 {
		return zero, false
	}

	v := rb.items[rb.rIndex]
	rb.items[rb.rIndex] = zero
	rb.rIndex = (rb.rIndex + 1) & rb.mask
	rb.count--
	return v, true
}

// Len returns the number of buffered entries.
func (rb *Ring[T]) Len() int {
	return rb.count
}

// Cap returns the ring capacity.
func (rb *Ring[T]) Cap() int {
	return len(rb.items)
}

// Bytes is a byte ring that implements io.ReadWriter.
type Bytes struct {
	Ring[byte]
}

// NewBytes returns a byte ring of the given power of 2 size.
func NewBytes(size int) *Bytes {
	return &Bytes{Ring: *New[byte](size)}
}

// Write writes len(p) bytes from p to the ring, overwriting the oldest
// buffered bytes if required.
func (b *Bytes) Write(p []byte) (int, error) {
	for _, ch := range p {
		b.Push(ch)
	}

	return len(p), nil
}

// Read reads up to len(p) bytes into p. It returns io.EOF once the ring is
// empty.
func (b *Bytes) Read(p []byte) (n int, err error) {
	if b.count == 0 {
		return 0, io.EOF
	}

	for n < len(p) && b.count > 0 {
		// copy the contiguous run that starts at rIndex
		run := len(b.items) - b.rIndex
		if run > b.count {
			run = b.count
		}
		if rem := len(p) - n; run > rem {
			run = rem
		}

		copy(p[n:], b.items[b.rIndex:b.rIndex+run])
		n += run
		b.rIndex = (b.rIndex + run) & b.mask
		b.count -= run
	}

	return n, nil
}
