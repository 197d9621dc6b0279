// Package window implements the fixed-capacity sliding window over a
// wraparound 32-bit sequence space that underpins the reliable ordered
// transport's send/receive/ack bookkeeping: seed begin near the wrap
// boundary, fill to capacity, then repeatedly remove-and-append, and the
// window must never read outside [Begin, End).
package window

import "fmt"

// MaxSequenceNumber is the largest representable sequence number; sequence
// numbers wrap modulo 2^32.
const MaxSequenceNumber uint32 = 1<<32 - 1

// MaxWindowSize is the largest capacity a SlidingWindow may be constructed
// with, per the invariant size <= capacity <= 2^31.
const MaxWindowSize = 1 << 31

// ErrFull is returned by Append when the window is at capacity.
var ErrFull = fmt.Errorf("window: full")

// ErrEmpty is returned by Remove when the window holds no items.
var ErrEmpty = fmt.Errorf("window: empty")

// ErrOutOfRange is returned by At/Set when the sequence number does not lie
// within [Begin, End).
var ErrOutOfRange = fmt.Errorf("window: sequence number out of range")

// SlidingWindow is a logical array indexed by a wraparound 32-bit sequence
// number. It is not safe for concurrent use; callers are expected to
// confine it to a single owning goroutine (the socket's own strand).
type SlidingWindow[T any] struct {
	begin    uint32
	end      uint32
	capacity uint32
	head     uint32 // backing index of the slot holding begin
	items    []T
}

// New returns a SlidingWindow seeded so that its first appended sequence
// number is firstSequenceNumber, with the given capacity.
func New[T any](firstSequenceNumber uint32, capacity int) *SlidingWindow[T] {
	if capacity <= 0 || capacity > MaxWindowSize {
		panic("window: invalid capacity")
	}
	return &SlidingWindow[T]{
		begin:    firstSequenceNumber,
		end:      firstSequenceNumber,
		capacity: uint32(capacity),
		items:    make([]T, capacity),
	}
}

// modDiff returns (b - a) mod 2^32, the standard trick for comparing
// sequence numbers that may have wrapped.
func modDiff(a, b uint32) uint32 {
	return b - a
}

// Begin returns the sequence number of the oldest occupied slot.
func (w *SlidingWindow[T]) Begin() uint32 {
	return w.begin
}

// End returns the sequence number one past the newest occupied slot.
func (w *SlidingWindow[T]) End() uint32 {
	return w.end
}

// MaximumSize returns the window's fixed capacity.
func (w *SlidingWindow[T]) MaximumSize() int {
	return int(w.capacity)
}

// Size returns the number of currently occupied slots.
func (w *SlidingWindow[T]) Size() int {
	return int(modDiff(w.begin, w.end))
}

// inRange reports whether seq lies within [begin, end) under modular
// ordering: (seq - begin) mod 2^32 < (end - begin) mod 2^32.
func (w *SlidingWindow[T]) inRange(seq uint32) bool {
	return modDiff(w.begin, seq) < modDiff(w.begin, w.end)
}

// slot maps a sequence number known to be in range to its backing index.
func (w *SlidingWindow[T]) slot(seq uint32) int {
	return int((w.head + modDiff(w.begin, seq)) % w.capacity)
}

// Append inserts a default-valued slot at the current End, returning the
// sequence number it was assigned, and advances End. It fails with ErrFull
// if the window is already at capacity.
func (w *SlidingWindow[T]) Append() (uint32, error) {
	if uint32(w.Size()) >= w.capacity {
		return 0, ErrFull
	}
	seq := w.end
	w.items[w.slot(seq)] = *new(T)
	w.end++
	return seq, nil
}

// Remove drops the slot at Begin and advances Begin. It fails with ErrEmpty
// if the window holds no items.
func (w *SlidingWindow[T]) Remove() error {
	if w.Size() == 0 {
		return ErrEmpty
	}
	w.head = (w.head + 1) % w.capacity
	w.begin++
	return nil
}

// At returns the item stored at sequence number seq. It fails with
// ErrOutOfRange if seq does not lie within [Begin, End).
func (w *SlidingWindow[T]) At(seq uint32) (T, error) {
	if !w.inRange(seq) {
		var zero T
		return zero, ErrOutOfRange
	}
	return w.items[w.slot(seq)], nil
}

// Set overwrites the item stored at sequence number seq. It fails with
// ErrOutOfRange if seq does not lie within [Begin, End).
func (w *SlidingWindow[T]) Set(seq uint32, v T) error {
	if !w.inRange(seq) {
		return ErrOutOfRange
	}
	w.items[w.slot(seq)] = v
	return nil
}
