package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
)

// DynamicSemaphore is a resizable counting semaphore with a bounded, strict-FIFO
// wait queue. Waiters are stored in a slot arena whose occupancy is tracked with
// a bitset; FIFO order is kept separately as a queue of slot indexes, so a waiter
// that times out can be unlinked without disturbing the rest of the queue.
//
// On Release, a freed slot is handed directly to the oldest waiter under the same
// lock, so it can never be stolen by a new arrival. A shrink via SetMaxConcurrent
// never revokes held slots; grants simply pause until releases bring the
// in-flight count back under the new limit.
//
// This type is concurrency safe.
type DynamicSemaphore struct {
	mu       sync.Mutex
	max      int
	inFlight int
	arena    []*waiter
	occupied *bitset.BitSet
	order    []uint
}

type waiter struct {
	ready   chan struct{}
	granted bool
	slot    uint
}

// NewDynamicSemaphore returns a semaphore allowing maxConcurrent concurrent
// holders, minimum 1.
func NewDynamicSemaphore(maxConcurrent int) *DynamicSemaphore {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &DynamicSemaphore{
		max:      maxConcurrent,
		occupied: bitset.New(8),
	}
}

// Acquire attempts to take a slot, waiting up to the timeout when the semaphore
// is full. It returns false immediately when the wait queue already holds
// queueMaxDepth waiters, and false when the timeout elapses or ctx is done
// before a slot is granted. A timed-out waiter is removed from the queue; it
// never silently retains a queue position.
func (s *DynamicSemaphore) Acquire(ctx context.Context, timeout time.Duration, queueMaxDepth int) bool {
	s.mu.Lock()
	if s.inFlight < s.max {
		s.inFlight++
		s.mu.Unlock()
		return true
	}
	if len(s.order) >= queueMaxDepth {
		s.mu.Unlock()
		return false
	}
	w := s.enqueue()
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var done <-chan struct{}
	if ctx != nil {
		done = ctx.Done()
	}

	select {
	case <-w.ready:
		return true
	case <-timer.C:
	case <-done:
	}

	// The grant may have raced with the timeout. If it won, the slot is ours.
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.granted {
		return true
	}
	s.remove(w)
	return false
}

// Release returns a slot. If a waiter is queued and the semaphore is under its
// limit, the slot transfers to the oldest waiter before the lock is dropped.
func (s *DynamicSemaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	s.grantWaiters()
}

// SetMaxConcurrent resizes the semaphore. Growing admits queued waiters
// immediately.
func (s *DynamicSemaphore) SetMaxConcurrent(maxConcurrent int) {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxConcurrent == s.max {
		return
	}
	s.max = maxConcurrent
	s.grantWaiters()
}

// InFlight returns the number of held slots.
func (s *DynamicSemaphore) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// QueueDepth returns the number of queued waiters.
func (s *DynamicSemaphore) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// MaxConcurrent returns the current limit.
func (s *DynamicSemaphore) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.max
}

// enqueue adds a waiter to the arena and the back of the FIFO queue. Callers
// must hold mu.
func (s *DynamicSemaphore) enqueue() *waiter {
	slot, ok := s.occupied.NextClear(0)
	if !ok || int(slot) >= len(s.arena) {
		s.arena = append(s.arena, nil)
		slot = uint(len(s.arena) - 1)
	}
	w := &waiter{ready: make(chan struct{}), slot: slot}
	s.arena[slot] = w
	s.occupied.Set(slot)
	s.order = append(s.order, slot)
	return w
}

// remove unlinks a timed-out or canceled waiter. Callers must hold mu.
func (s *DynamicSemaphore) remove(w *waiter) {
	s.arena[w.slot] = nil
	s.occupied.Clear(w.slot)
	for i, slot := range s.order {
		if slot == w.slot {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// grantWaiters hands slots to queued waiters in FIFO order while capacity
// remains. Callers must hold mu.
func (s *DynamicSemaphore) grantWaiters() {
	for len(s.order) > 0 && s.inFlight < s.max {
		slot := s.order[0]
		s.order = s.order[1:]
		w := s.arena[slot]
		s.arena[slot] = nil
		s.occupied.Clear(slot)
		s.inFlight++
		w.granted = true
		close(w.ready)
	}
}
