package httputil

import "context"

// Semaphore bounds concurrent operations, typically in-flight calls to
// a single upstream.
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore creates a semaphore with the given capacity. Non-positive
// capacities default to 100.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 100
	}
	return &Semaphore{slots: make(chan struct{}, capacity)}
}

// Acquire blocks until a slot is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot. Call exactly once per successful Acquire.
func (s *Semaphore) Release() {
	select {
	case <-s.slots:
	default:
	}
}

// InFlight reports how many slots are currently held.
func (s *Semaphore) InFlight() int {
	return len(s.slots)
}
