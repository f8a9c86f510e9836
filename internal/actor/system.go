package actor

import (
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/paged-mem/pagedmem/internal/addr"
	"github.com/paged-mem/pagedmem/internal/config"
	"github.com/paged-mem/pagedmem/internal/nettp"
	"github.com/paged-mem/pagedmem/internal/tcpserver"
)

// DefaultRequestTimeout bounds how long Request/RequestBig wait for a reply
// before returning ErrRequestTimeout.
const DefaultRequestTimeout = 10 * time.Second

// System is a named-actor registry bound to one listening address. It
// serves ACTOR_MSG/ACTOR_REQ/ACTOR_REQ_BIG/ACTOR_EXIST_REQ frames from
// remote peers, and hands out ActorRefs — local or remote — for the local
// side to talk back out.
type System struct {
	id uuid.UUID

	srv  *tcpserver.TcpServer
	self addr.SockAddrV4

	mu     sync.RWMutex
	actors map[string]*registered

	peersMu sync.Mutex
	peers   map[addr.SockAddrV4]*nettp.TcpPool

	nextUID uint64
	timeout time.Duration
}

// NewSystem binds a listener at bind and starts serving actor traffic with
// nThreads epoll workers.
func NewSystem(bind addr.SockAddrV4, nThreads int) (*System, error) {
	sys := &System{
		id:      uuid.New(),
		actors:  make(map[string]*registered),
		peers:   make(map[addr.SockAddrV4]*nettp.TcpPool),
		timeout: DefaultRequestTimeout,
	}
	srv, self, err := tcpserver.New(bind, nThreads, sys.handle)
	if err != nil {
		return nil, fmt.Errorf("actor: start system: %w", err)
	}
	sys.srv = srv
	sys.self = self
	return sys, nil
}

// Addr returns the address this system listens on.
func (sys *System) Addr() addr.SockAddrV4 { return sys.self }

// ID returns this system's randomly generated instance id. Local-loopback
// detection does not use it: Ref compares the target address with Addr().
func (sys *System) ID() uuid.UUID { return sys.id }

// Close stops serving and releases every peer connection pool.
func (sys *System) Close() error {
	err := sys.srv.Close()
	sys.peersMu.Lock()
	for _, p := range sys.peers {
		p.Close()
	}
	sys.peersMu.Unlock()
	return err
}

// Add registers actor under name, calling its OnStart hook synchronously.
func (sys *System) Add(name string, a Actor) error {
	if len(name) > MaxNameLen {
		return ErrNameTooLong
	}
	sys.mu.Lock()
	if _, exists := sys.actors[name]; exists {
		sys.mu.Unlock()
		return fmt.Errorf("actor: %q already registered", name)
	}
	r := &registered{actor: a}
	sys.actors[name] = r
	sys.mu.Unlock()
	a.OnStart()
	return nil
}

// Remove unregisters name, calling its OnQuit hook synchronously.
func (sys *System) Remove(name string) {
	sys.mu.Lock()
	r, ok := sys.actors[name]
	if ok {
		delete(sys.actors, name)
	}
	sys.mu.Unlock()
	if ok {
		r.actor.OnQuit()
	}
}

// Ref returns a handle addressing name on the system listening at target.
// If target equals this system's own address, the ref short-circuits to
// direct in-process dispatch (Open Question #1) instead of dialing itself.
func (sys *System) Ref(target addr.SockAddrV4, name string) *Ref {
	return &Ref{sys: sys, target: target, name: name, local: target.Equal(sys.self)}
}

func (sys *System) lookup(name string) (*registered, bool) {
	sys.mu.RLock()
	defer sys.mu.RUnlock()
	r, ok := sys.actors[name]
	return r, ok
}

func (sys *System) poolFor(target addr.SockAddrV4) *nettp.TcpPool {
	sys.peersMu.Lock()
	defer sys.peersMu.Unlock()
	p, ok := sys.peers[target]
	if !ok {
		p = nettp.NewTcpPool(target, 4)
		sys.peers[target] = p
	}
	return p
}

func (sys *System) newUID() uint64 {
	return atomic.AddUint64(&sys.nextUID, 1)
}

// handle is the tcpserver.Handler for this system: it reads exactly one
// protocol frame, dispatches it, and reports whether the connection should
// stay open for another frame.
//
// ACTOR_RESP and ACTOR_RESP_BIG never arrive here: a caller's Request /
// RequestBig leases its own connection and reads the reply synchronously
// off that same stream (see ref.go), so replies are never inbound frames
// on a connection this handler dispatches.
func (sys *System) handle(s *nettp.TcpStream) bool {
	idRaw, err := s.RecvU32()
	if err != nil {
		return false
	}
	switch ProtocolID(idRaw) {
	case ActorExistReq:
		return sys.handleExistReq(s)
	case ActorMsg:
		return sys.handleMsg(s)
	case ActorReq:
		return sys.handleReq(s)
	case ActorReqBig:
		return sys.handleReqBig(s)
	case SystemKillAll:
		sys.handleKillAll()
		return false
	default:
		log.Printf("actor: unknown protocol id %d from %s", idRaw, s.Peer())
		return false
	}
}

func (sys *System) handleExistReq(s *nettp.TcpStream) bool {
	name, err := readName(s)
	if err != nil {
		return false
	}
	_, ok := sys.lookup(name)
	return s.SendU8(boolByte(ok)) == nil
}

func (sys *System) handleMsg(s *nettp.TcpStream) bool {
	senderPort, err := readSenderPort(s)
	if err != nil {
		return false
	}
	name, err := readName(s)
	if err != nil {
		return false
	}
	content, err := readContent(s)
	if err != nil {
		return false
	}
	from := s.Peer().WithPort(senderPort)
	r, ok := sys.lookup(name)
	if !ok {
		log.Printf("actor: ACTOR_MSG to unknown actor %q from %s", name, from)
		return true
	}
	r.withLock(func() { r.actor.OnMessage(from, content) })
	return true
}

func (sys *System) handleReq(s *nettp.TcpStream) bool {
	senderPort, err := readSenderPort(s)
	if err != nil {
		return false
	}
	uid, err := s.RecvU64()
	if err != nil {
		return false
	}
	name, err := readName(s)
	if err != nil {
		return false
	}
	content, err := readContent(s)
	if err != nil {
		return false
	}
	from := s.Peer().WithPort(senderPort)
	r, ok := sys.lookup(name)
	if !ok {
		sendErrorResp(s, uid, ErrUnknownActor)
		return true
	}
	var (
		result *config.Node
		rerr   error
	)
	r.withLock(func() { result, rerr = r.actor.OnRequest(from, content) })
	if rerr != nil {
		return sendErrorResp(s, uid, rerr) == nil
	}
	if err := s.SendU32(uint32(ActorResp)); err != nil {
		return false
	}
	if err := s.SendU64(uid); err != nil {
		return false
	}
	if err := s.SendU8(1); err != nil {
		return false
	}
	return writeContent(s, result) == nil
}

func (sys *System) handleReqBig(s *nettp.TcpStream) bool {
	senderPort, err := readSenderPort(s)
	if err != nil {
		return false
	}
	uid, err := s.RecvU64()
	if err != nil {
		return false
	}
	name, err := readName(s)
	if err != nil {
		return false
	}
	content, err := readContent(s)
	if err != nil {
		return false
	}
	from := s.Peer().WithPort(senderPort)
	r, ok := sys.lookup(name)
	if !ok {
		sendErrorRespBig(s, uid, ErrUnknownActor)
		return true
	}
	big, ok := r.actor.(BigRequester)
	if !ok {
		sendErrorRespBig(s, uid, fmt.Errorf("actor: %q does not implement BigRequester", name))
		return true
	}
	var (
		result io.WriterTo
		werr   error
	)
	r.withLock(func() {
		result, werr = big.OnRequestBig(from, content)
	})
	if werr != nil {
		return sendErrorRespBig(s, uid, werr) == nil
	}
	if err := s.SendU32(uint32(ActorRespBig)); err != nil {
		return false
	}
	if err := s.SendU64(uid); err != nil {
		return false
	}
	if err := s.SendU8(1); err != nil {
		return false
	}
	_, err = result.WriteTo(streamWriter{s})
	return err == nil
}

func (sys *System) handleKillAll() {
	sys.mu.Lock()
	victims := make([]*registered, 0, len(sys.actors))
	for name, r := range sys.actors {
		victims = append(victims, r)
		delete(sys.actors, name)
	}
	sys.mu.Unlock()
	for _, r := range victims {
		r.actor.OnQuit()
	}
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func sendErrorResp(s *nettp.TcpStream, uid uint64, cause error) error {
	if err := s.SendU32(uint32(ActorResp)); err != nil {
		return err
	}
	if err := s.SendU64(uid); err != nil {
		return err
	}
	if err := s.SendU8(0); err != nil {
		return err
	}
	return s.SendStr(cause.Error())
}

func sendErrorRespBig(s *nettp.TcpStream, uid uint64, cause error) error {
	if err := s.SendU32(uint32(ActorRespBig)); err != nil {
		return err
	}
	if err := s.SendU64(uid); err != nil {
		return err
	}
	if err := s.SendU8(0); err != nil {
		return err
	}
	return s.SendStr(cause.Error())
}
