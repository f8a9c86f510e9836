package actor

import (
	"errors"
	"time"

	"github.com/paged-mem/pagedmem/internal/config"
	"github.com/paged-mem/pagedmem/internal/support"
)

// ErrRequestTimeout is returned by RequestFuture.Wait when the deadline
// elapses before a response arrives.
var ErrRequestTimeout = errors.New("actor: request timed out")

// RequestFuture is the pending side of one local-loopback Request/RequestBig
// call. It records the call's uid, but nothing looks it up by uid: the
// goroutine running the target actor's OnRequest/OnRequestBig fills in
// result/big/err and posts sem, and the caller blocks on Wait/WaitBig with
// the request's remaining deadline. Remote requests do not use a future;
// they read the reply off their own leased connection (see Ref.Request).
type RequestFuture struct {
	uid     uint64
	created time.Time
	timeout time.Duration

	sem    *support.Semaphore
	result *config.Node
	big    []byte
	err    error
}

func newRequestFuture(uid uint64, timeout time.Duration) *RequestFuture {
	return &RequestFuture{
		uid:     uid,
		created: time.Now(),
		timeout: timeout,
		sem:     support.NewSemaphore(0),
	}
}

// remaining returns the time left before this future's deadline, clamped to
// zero — spec.md's request/response model charges elapsed wait time against
// the original timeout rather than resetting it on each hop.
func (f *RequestFuture) remaining() time.Duration {
	left := f.timeout - time.Since(f.created)
	if left < 0 {
		return 0
	}
	return left
}

// complete delivers a ConfigNode response and wakes the waiter.
func (f *RequestFuture) complete(result *config.Node) {
	f.result = result
	f.sem.Post()
}

// completeBig delivers a raw CacheArrayList payload (ACTOR_RESP_BIG).
func (f *RequestFuture) completeBig(payload []byte) {
	f.big = payload
	f.sem.Post()
}

// fail delivers an error (the local handler's error, or a failure writing
// its big payload) and wakes the waiter.
func (f *RequestFuture) fail(err error) {
	f.err = err
	f.sem.Post()
}

// Wait blocks until the response arrives or the future's timeout elapses.
func (f *RequestFuture) Wait() (*config.Node, error) {
	if err := f.sem.WaitTimeout(f.remaining()); err != nil {
		return nil, ErrRequestTimeout
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

// WaitBig is the ACTOR_REQ_BIG counterpart of Wait, returning the raw
// CacheArrayList wire payload instead of a ConfigNode.
func (f *RequestFuture) WaitBig() ([]byte, error) {
	if err := f.sem.WaitTimeout(f.remaining()); err != nil {
		return nil, ErrRequestTimeout
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.big, nil
}
