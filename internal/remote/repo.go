// Package remote implements the standalone BlockRepository server and its
// client-side Persister adapter (spec.md §4.7): STORE/LOAD/ERASE/EXISTS/
// REGISTER over a raw TCP connection, namespacing each client's blocks as
// (client_id << 32) | block_addr so many PagedAllocators can share one
// repository process.
package remote

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/paged-mem/pagedmem/internal/addr"
	"github.com/paged-mem/pagedmem/internal/nettp"
)

// Op identifies a repository operation on the wire.
type Op uint32

const (
	OpRegister Op = iota + 1
	OpStore
	OpLoad
	OpErase
	OpExists
	OpClose
)

// Status codes carried in single-word replies.
const (
	statusOK       uint32 = 0
	statusNotFound uint32 = 1
	statusErr      uint32 = 2
)

// Repository is a standalone block store: a bounded set of resident pages
// backed by a Persister for evicted ones, all state behind one mutex.
// Eviction picks whatever key Go's map iteration visits first — spec.md
// §4.7 explicitly allows this simpler-than-the-allocator policy because
// repository clients already drive their own LRU on the allocator side.
type Repository struct {
	pageSize    uint32
	maxResident int
	persister   Persister

	mu       sync.Mutex
	resident map[uint64][]byte

	nextClientID uint32

	ln *nettp.TcpListener

	wg sync.WaitGroup
}

// Persister is the same load/save/erase contract internal/cache.Persister
// exposes, duplicated here (rather than imported) so the repository has no
// dependency on the allocator package — it is a storage backend, not a
// cache client.
type Persister interface {
	Exists(key uint64) (bool, error)
	Load(key uint64, buf []byte) error
	Save(key uint64, buf []byte) error
	Erase(key uint64) error
	Close() error
}

// ErrBlockNotFound mirrors cache.ErrBlockNotFound for repository-local
// persisters.
var ErrBlockNotFound = errors.New("remote: block not found")

// NewRepository returns a repository bound to bind, serving pages of
// pageSize bytes, keeping at most maxResident resident at once.
func NewRepository(bind addr.SockAddrV4, pageSize uint32, maxResident int, persister Persister) (*Repository, error) {
	ln, err := nettp.Listen(bind)
	if err != nil {
		return nil, fmt.Errorf("remote: listen: %w", err)
	}
	return &Repository{
		pageSize:    pageSize,
		maxResident: maxResident,
		persister:   persister,
		resident:    make(map[uint64][]byte),
		ln:          ln,
	}, nil
}

// Addr returns the address actually bound.
func (r *Repository) Addr() addr.SockAddrV4 { return r.ln.Addr() }

// Serve accepts connections until the listener is closed, handling each on
// its own goroutine. Returns once Close stops the listener.
func (r *Repository) Serve() error {
	for {
		stream, err := r.ln.Accept()
		if err != nil {
			return err
		}
		r.wg.Add(1)
		go r.handleConn(stream)
	}
}

// Close stops accepting connections and waits for in-flight handlers.
func (r *Repository) Close() error {
	err := r.ln.Close()
	r.wg.Wait()
	if perr := r.persister.Close(); perr != nil && err == nil {
		err = perr
	}
	return err
}

func key(clientID, addr uint32) uint64 {
	return uint64(clientID)<<32 | uint64(addr)
}

func (r *Repository) handleConn(s *nettp.TcpStream) {
	defer r.wg.Done()
	defer s.Close()

	for {
		opRaw, err := s.RecvU32()
		if err != nil {
			return
		}
		clientID, err := s.RecvU32()
		if err != nil {
			return
		}
		blockAddr, err := s.RecvU32()
		if err != nil {
			return
		}

		switch Op(opRaw) {
		case OpRegister:
			id := atomic.AddUint32(&r.nextClientID, 1)
			if err := s.SendU32(id); err != nil {
				return
			}
		case OpStore:
			buf := make([]byte, r.pageSize)
			if err := s.RecvRaw(buf); err != nil {
				return
			}
			if err := r.store(clientID, blockAddr, buf); err != nil {
				log.Printf("remote: store client=%d addr=%d: %v", clientID, blockAddr, err)
				if err := s.SendU32(statusErr); err != nil {
					return
				}
				continue
			}
			if err := s.SendU32(statusOK); err != nil {
				return
			}
		case OpLoad:
			buf, ferr := r.load(clientID, blockAddr)
			if errors.Is(ferr, ErrBlockNotFound) {
				if err := s.SendU32(statusNotFound); err != nil {
					return
				}
				continue
			}
			if ferr != nil {
				log.Printf("remote: load client=%d addr=%d: %v", clientID, blockAddr, ferr)
				if err := s.SendU32(statusErr); err != nil {
					return
				}
				continue
			}
			if err := s.SendU32(statusOK); err != nil {
				return
			}
			if err := s.SendRaw(buf); err != nil {
				return
			}
		case OpErase:
			r.erase(clientID, blockAddr)
			if err := s.SendU32(statusOK); err != nil {
				return
			}
		case OpExists:
			exists, eerr := r.exists(clientID, blockAddr)
			if eerr != nil {
				log.Printf("remote: exists client=%d addr=%d: %v", clientID, blockAddr, eerr)
				if err := s.SendU32(statusErr); err != nil {
					return
				}
				continue
			}
			v := uint32(0)
			if exists {
				v = 1
			}
			if err := s.SendU32(v); err != nil {
				return
			}
		case OpClose:
			return
		default:
			log.Printf("remote: unknown op %d from client %d", opRaw, clientID)
			return
		}
	}
}

func (r *Repository) store(clientID, blockAddr uint32, buf []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(clientID, blockAddr)
	if _, ok := r.resident[k]; !ok {
		for len(r.resident) >= r.maxResident {
			if !r.evictOneLocked() {
				break
			}
		}
	}
	r.resident[k] = append([]byte(nil), buf...)
	return nil
}

func (r *Repository) load(clientID, blockAddr uint32) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(clientID, blockAddr)
	if buf, ok := r.resident[k]; ok {
		return buf, nil
	}
	buf := make([]byte, r.pageSize)
	if err := r.persister.Load(k, buf); err != nil {
		if errors.Is(err, ErrBlockNotFound) {
			return nil, ErrBlockNotFound
		}
		return nil, err
	}
	for len(r.resident) >= r.maxResident {
		if !r.evictOneLocked() {
			break
		}
	}
	r.resident[k] = buf
	return buf, nil
}

func (r *Repository) erase(clientID, blockAddr uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(clientID, blockAddr)
	delete(r.resident, k)
	if err := r.persister.Erase(k); err != nil {
		log.Printf("remote: erase persisted block %d: %v", k, err)
	}
}

func (r *Repository) exists(clientID, blockAddr uint32) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(clientID, blockAddr)
	if _, ok := r.resident[k]; ok {
		return true, nil
	}
	return r.persister.Exists(k)
}

// evictOneLocked saves and drops an arbitrary resident entry. Requires
// r.mu held. Returns false if the resident set is empty.
func (r *Repository) evictOneLocked() bool {
	for k, buf := range r.resident {
		if err := r.persister.Save(k, buf); err != nil {
			log.Printf("remote: evict save block %d: %v", k, err)
			return false
		}
		delete(r.resident, k)
		return true
	}
	return false
}
