// Package actor implements the actor runtime from spec.md §4.6: named
// actors registered in a System, message/request dispatch over the wire
// protocol in §6, and uid-correlated RequestFutures for request/response
// pairs that may cross a TCP connection.
package actor

import (
	"io"
	"sync"

	"github.com/paged-mem/pagedmem/internal/addr"
	"github.com/paged-mem/pagedmem/internal/config"
)

// Actor is the interface every registered actor implements. OnStart is
// called synchronously by System.Add; OnQuit by System.Remove.
type Actor interface {
	OnStart()
	OnQuit()

	// IsAtomic reports whether the system must hold this actor's private
	// mutex for the duration of OnMessage/OnRequest/OnRequestBig. Non-atomic
	// actors may be entered concurrently and are responsible for their own
	// synchronization.
	IsAtomic() bool

	OnMessage(from addr.SockAddrV4, content *config.Node)
	OnRequest(from addr.SockAddrV4, content *config.Node) (*config.Node, error)
}

// BigRequester is an optional extension an Actor implements to serve
// ACTOR_REQ_BIG, replying with a CacheArrayList wire payload instead of a
// ConfigNode. CacheArrayList[T].WriteTo satisfies io.WriterTo directly.
type BigRequester interface {
	OnRequestBig(from addr.SockAddrV4, content *config.Node) (io.WriterTo, error)
}

// ActorBase gives embedders no-op OnStart/OnQuit and an atomic-by-default
// IsAtomic, matching the common case where most actors want their
// per-actor mutex held across message handling.
type ActorBase struct{}

func (ActorBase) OnStart()       {}
func (ActorBase) OnQuit()        {}
func (ActorBase) IsAtomic() bool { return true }

// registered is the System's bookkeeping record for one named actor.
type registered struct {
	actor Actor
	mu    sync.Mutex
}

func (r *registered) withLock(fn func()) {
	if r.actor.IsAtomic() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	fn()
}
