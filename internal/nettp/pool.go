package nettp

import (
	"fmt"
	"sync"

	"github.com/paged-mem/pagedmem/internal/addr"
	"github.com/paged-mem/pagedmem/internal/support"
)

// TcpPool is a client-side connection pool to a single server address,
// capped at max concurrently leased streams (spec.md §4.5 TcpPool).
type TcpPool struct {
	target addr.SockAddrV4
	max    int
	sem    *support.Semaphore

	mu   sync.Mutex
	idle []*TcpStream
	open int
}

// NewTcpPool returns a pool that dials target lazily, up to max concurrent
// streams.
func NewTcpPool(target addr.SockAddrV4, max int) *TcpPool {
	if max < 1 {
		max = 1
	}
	return &TcpPool{target: target, max: max, sem: support.NewSemaphore(max)}
}

// Get leases a stream: if the pool is under cap it reuses an idle stream
// or, when none is idle, dials a new one; otherwise it waits for one to be
// released.
func (p *TcpPool) Get() (*TcpStream, error) {
	p.sem.Wait()

	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		s := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	s, err := Dial(p.target)
	if err != nil {
		p.sem.Post()
		return nil, fmt.Errorf("nettp: pool dial: %w", err)
	}
	p.mu.Lock()
	p.open++
	p.mu.Unlock()
	return s, nil
}

// Release returns a leased stream to the pool. An errored stream is closed
// and its slot reclaimed rather than reused.
func (p *TcpPool) Release(s *TcpStream) {
	if s.Failed() {
		_ = s.Close()
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
		p.sem.Post()
		return
	}
	p.mu.Lock()
	p.idle = append(p.idle, s)
	p.mu.Unlock()
	p.sem.Post()
}

// Close closes every idle stream. Leased streams already checked out are
// unaffected; callers must Release (or discard) them themselves.
func (p *TcpPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, s := range p.idle {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.idle = nil
	return firstErr
}

// Session is a scoped guard around a leased stream: Release returns it to
// the pool exactly once, so defer session.Release() reads like a drop.
type Session struct {
	pool     *TcpPool
	stream   *TcpStream
	released bool
}

// Lease gets a stream from the pool and wraps it in a Session.
func (p *TcpPool) Lease() (*Session, error) {
	s, err := p.Get()
	if err != nil {
		return nil, err
	}
	return &Session{pool: p, stream: s}, nil
}

// Stream returns the leased stream.
func (sess *Session) Stream() *TcpStream { return sess.stream }

// Release returns the stream to the pool. Safe to call more than once;
// only the first call has an effect.
func (sess *Session) Release() {
	if sess.released {
		return
	}
	sess.released = true
	sess.pool.Release(sess.stream)
}
