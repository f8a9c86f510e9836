// Package support provides the small concurrency primitives the rest of the
// module is built on: a counting semaphore, a bounded mailbox, and thin
// routine/timer wrappers. These stand in for the "lock-free queue" and
// "generic STL-like helpers" that spec.md explicitly places out of scope —
// a buffered Go channel is the bounded MPMC queue the spec assumes exists.
package support

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by Semaphore.WaitTimeout when the deadline elapses
// before a post arrives.
var ErrTimeout = errors.New("support: wait timed out")

// Semaphore is a counting semaphore built on a buffered channel. Post
// increments the count (waking one waiter if any is blocked); Wait /
// WaitTimeout / WaitContext decrement it, blocking while the count is zero.
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore creates a semaphore with the given initial count.
func NewSemaphore(initial int) *Semaphore {
	// The count is capped by the channel buffer (1<<20 tokens): Post
	// appends a token, Wait consumes one, and a Post on a full buffer is
	// dropped. The buffer is large enough that Post never hits the cap under
	// the actor/pool usage patterns, where outstanding posts are bounded by
	// in-flight requests.
	s := &Semaphore{ch: make(chan struct{}, 1<<20)}
	for i := 0; i < initial; i++ {
		s.ch <- struct{}{}
	}
	return s
}

// Post increments the semaphore count.
func (s *Semaphore) Post() {
	select {
	case s.ch <- struct{}{}:
	default:
		// Buffer saturated (practically unreachable under normal use) —
		// drop rather than block a caller that must not stall.
	}
}

// Wait blocks until the count is positive, then decrements it.
func (s *Semaphore) Wait() {
	<-s.ch
}

// WaitTimeout blocks until the count is positive or d elapses, whichever
// comes first. Returns ErrTimeout on expiry.
func (s *Semaphore) WaitTimeout(d time.Duration) error {
	if d <= 0 {
		select {
		case <-s.ch:
			return nil
		default:
			return ErrTimeout
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ch:
		return nil
	case <-t.C:
		return ErrTimeout
	}
}

// WaitContext blocks until the count is positive or ctx is done.
func (s *Semaphore) WaitContext(ctx context.Context) error {
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryWait decrements the count without blocking if it is already positive.
func (s *Semaphore) TryWait() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}
