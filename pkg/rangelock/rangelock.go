// Package rangelock implements a byte-range reader/writer lock with FIFO
// grant order.
//
// Overlapping ranges conflict unless both holders are readers. A request
// that conflicts with a held range, or with an earlier queued request, waits
// its turn, so writers are not starved by a stream of readers.
package rangelock

import (
	"math"
	"sync"
)

// Mode is the access mode of a range
type Mode int

const (
	Reader Mode = iota
	Writer
)

func (m Mode) String() string {
	if m == Writer {
		return "writer"
	}
	return "reader"
}

// Full is the length that covers every offset
const Full = math.MaxUint64

// Lock tracks the ranges held on one volume
type Lock struct {
	mu      sync.Mutex
	held    map[*Range]struct{}
	waiters []*Range
}

// Range is a granted (or pending) lock on [Offset, Offset+Length)
type Range struct {
	lock   *Lock
	Offset uint64
	Length uint64
	Mode   Mode
	ready  chan struct{}
}

// New creates an empty range lock
func New() *Lock {
	return &Lock{held: make(map[*Range]struct{})}
}

// end returns the exclusive end offset, saturating at MaxUint64
func (r *Range) end() uint64 {
	if r.Length > math.MaxUint64-r.Offset {
		return math.MaxUint64
	}
	return r.Offset + r.Length
}

func (r *Range) overlaps(o *Range) bool {
	if r.Length == 0 || o.Length == 0 {
		return false
	}
	return r.Offset < o.end() && o.Offset < r.end()
}

func (r *Range) conflicts(o *Range) bool {
	if r.Mode == Reader && o.Mode == Reader {
		return false
	}
	return r.overlaps(o)
}

// Enter blocks until [off, off+length) can be held in mode and returns the
// granted range. Every Enter must be paired with Exit.
func (l *Lock) Enter(off, length uint64, mode Mode) *Range {
	r := &Range{lock: l, Offset: off, Length: length, Mode: mode}

	l.mu.Lock()
	if l.grantableLocked(r, l.waiters) {
		l.held[r] = struct{}{}
		l.mu.Unlock()
		return r
	}
	r.ready = make(chan struct{})
	l.waiters = append(l.waiters, r)
	l.mu.Unlock()

	<-r.ready
	return r
}

// TryEnter grants the range only if it would not wait
func (l *Lock) TryEnter(off, length uint64, mode Mode) (*Range, bool) {
	r := &Range{lock: l, Offset: off, Length: length, Mode: mode}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.grantableLocked(r, l.waiters) {
		return nil, false
	}
	l.held[r] = struct{}{}
	return r, true
}

// Exit releases the range and wakes waiters that can now proceed
func (r *Range) Exit() {
	l := r.lock
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[r]; !ok {
		panic("rangelock: exit of range that is not held")
	}
	delete(l.held, r)

	// Grant in queue order; a waiter that stays blocked also blocks every
	// later waiter it conflicts with.
	remaining := l.waiters[:0]
	for _, w := range l.waiters {
		if l.grantableLocked(w, remaining) {
			l.held[w] = struct{}{}
			close(w.ready)
			continue
		}
		remaining = append(remaining, w)
	}
	clear(l.waiters[len(remaining):])
	l.waiters = remaining
}

// grantableLocked reports whether r conflicts with no held range and with
// none of the earlier waiters
func (l *Lock) grantableLocked(r *Range, earlier []*Range) bool {
	for h := range l.held {
		if r.conflicts(h) {
			return false
		}
	}
	for _, w := range earlier {
		if r.conflicts(w) {
			return false
		}
	}
	return true
}

// Held returns the number of granted ranges
func (l *Lock) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

// Waiting returns the number of queued requests
func (l *Lock) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}
