package support

import "context"

// Mailbox is a bounded multi-producer/multi-consumer task queue — the MPMC queue spec.md
// assumes is available, realized here as a buffered channel wrapper so
// callers get a named type with Send/Receive/Close semantics instead of a
// bare chan.
type Mailbox[T any] struct {
	ch chan T
}

// NewMailbox creates a mailbox with the given capacity.
func NewMailbox[T any](capacity int) *Mailbox[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Mailbox[T]{ch: make(chan T, capacity)}
}

// Send enqueues v, blocking if the mailbox is full.
func (m *Mailbox[T]) Send(v T) {
	m.ch <- v
}

// TrySend enqueues v without blocking; reports whether it was accepted.
func (m *Mailbox[T]) TrySend(v T) bool {
	select {
	case m.ch <- v:
		return true
	default:
		return false
	}
}

// Receive blocks until a value is available or ctx is done.
func (m *Mailbox[T]) Receive(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-m.ch:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close closes the underlying channel; further Sends will panic, matching
// normal Go channel semantics. Callers should only Close after all senders
// have stopped.
func (m *Mailbox[T]) Close() {
	close(m.ch)
}

// Chan exposes the underlying channel for use in select statements
// alongside other event sources (e.g. a worker pool's shutdown signal).
func (m *Mailbox[T]) Chan() <-chan T {
	return m.ch
}
