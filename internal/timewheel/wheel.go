// Package timewheel keeps an ordered set of future timeout events.
//
// A Wheel tracks entries by deadline, earliest first, and hands back a
// cancellation handle for each one. It has no goroutine of its own: the
// owner (normally an iomux.Multiplexer loop) asks NextDelay to size its
// next blocking wait, then calls PopDue once that wait returns.
package timewheel

import (
	"sync"
	"time"
)

// Handle identifies a scheduled entry so it can be canceled later.
type Handle uint64

// Entry is a single scheduled timeout, returned by PopDue.
type Entry struct {
	Handle  Handle
	Payload any
}

type scheduled struct {
	handle   Handle
	deadline time.Time
	seq      uint64
	payload  any
}

// Wheel is a sorted set of pending timeouts. Safe for concurrent use.
type Wheel struct {
	mu      sync.Mutex
	entries []scheduled
	nextSeq uint64
	nextID  Handle

	// now lets tests substitute a fake clock; nil means time.Now.
	now func() time.Time
}

// New creates an empty wheel.
func New() *Wheel {
	return &Wheel{now: time.Now}
}

func (w *Wheel) clock() time.Time {
	if w.now != nil {
		return w.now()
	}
	return time.Now()
}

// Add schedules payload to fire after delay and returns a cancellation handle.
// Ties at the same deadline break by insertion order.
func (w *Wheel) Add(delay time.Duration, payload any) Handle {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	w.nextSeq++
	e := scheduled{
		handle:   w.nextID,
		deadline: w.clock().Add(delay),
		seq:      w.nextSeq,
		payload:  payload,
	}

	// Insertion sort: the wheel is expected to hold a small number of
	// live timeouts (one per connection plus a handful of merger
	// timers), so a linear scan beats the bookkeeping of a heap.
	i := len(w.entries)
	for i > 0 && less(e, w.entries[i-1]) {
		i--
	}
	w.entries = append(w.entries, scheduled{})
	copy(w.entries[i+1:], w.entries[i:])
	w.entries[i] = e

	return e.handle
}

func less(a, b scheduled) bool {
	if !a.deadline.Equal(b.deadline) {
		return a.deadline.Before(b.deadline)
	}
	return a.seq < b.seq
}

// Cancel removes the entry with the given handle. Silent if the handle is
// unknown or has already fired.
func (w *Wheel) Cancel(h Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i, e := range w.entries {
		if e.handle == h {
			w.entries = append(w.entries[:i], w.entries[i+1:]...)
			return
		}
	}
}

// NextDelay returns how long until the earliest deadline, or a negative
// duration if nothing is scheduled (meaning: wait forever).
func (w *Wheel) NextDelay() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.entries) == 0 {
		return -1
	}
	d := w.entries[0].deadline.Sub(w.clock())
	if d < 0 {
		return 0
	}
	return d
}

// PopDue removes and returns every entry whose deadline has passed,
// earliest first.
func (w *Wheel) PopDue() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock()
	i := 0
	for i < len(w.entries) && !w.entries[i].deadline.After(now) {
		i++
	}
	if i == 0 {
		return nil
	}

	due := w.entries[:i]
	w.entries = w.entries[i:]

	out := make([]Entry, len(due))
	for j, e := range due {
		out[j] = Entry{Handle: e.handle, Payload: e.payload}
	}
	return out
}

// Len reports the number of entries still pending.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}
