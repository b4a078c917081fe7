package sandbox

import (
	"context"
	"sync"
)

// semaphore caps the number of concurrently provisioned sandboxes.
// Requests past the cap queue in Acquire rather than oversubscribing
// the host.
type semaphore struct {
	mu      sync.Mutex
	cond    *sync.Cond
	max     int64
	current int64
	waiters int

	acquired int64
	released int64
	aborted  int64
}

func newSemaphore(max int64) *semaphore {
	if max <= 0 {
		max = 1
	}
	s := &semaphore{max: max}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Acquire blocks until a slot is free or ctx ends.
func (s *semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.current < s.max && s.waiters == 0 {
		s.current++
		s.acquired++
		s.mu.Unlock()
		return nil
	}

	s.waiters++

	done := make(chan struct{})
	cancelled := false
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			cancelled = true
			s.aborted++
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-done:
		}
	}()

	for {
		if cancelled {
			s.waiters--
			s.mu.Unlock()
			close(done)
			return ctx.Err()
		}
		if s.current < s.max {
			s.current++
			s.acquired++
			s.waiters--
			s.mu.Unlock()
			close(done)
			return nil
		}
		s.cond.Wait()
	}
}

// Release frees a slot and wakes waiters.
func (s *semaphore) Release() {
	s.mu.Lock()
	s.current--
	if s.current < 0 {
		s.current = 0
	}
	s.released++
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Stats for the operational surface and metrics.
type SemaphoreStats struct {
	Max       int64
	InUse     int64
	Available int64
	Waiters   int
	Acquired  int64
	Released  int64
	Aborted   int64
}

func (s *semaphore) Stats() SemaphoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SemaphoreStats{
		Max:       s.max,
		InUse:     s.current,
		Available: s.max - s.current,
		Waiters:   s.waiters,
		Acquired:  s.acquired,
		Released:  s.released,
		Aborted:   s.aborted,
	}
}
