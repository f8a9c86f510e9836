// Package tcpserver implements the epoll-driven TcpServer from spec.md
// §4.5/§4.6: a level-triggered (EPOLLIN | EPOLLONESHOT) acceptor running in
// its own poller goroutine, dispatching ready sockets to a fixed worker
// pool, with a self-pipe that Close writes to so a blocked epoll_wait
// returns. Newly accepted fds, and fds a worker re-arms or removes, are
// registered with epoll_ctl alone; those changes do not write to the pipe.
//
// This mirrors the raw-syscall style the wider example pack uses for
// kernel-level interfaces (io_uring SQE/CQE plumbing) rather than Go's
// net package, because spec.md's state machine — NEW/ARMED/DISPATCHED/
// REMOVED with one-shot re-arming guaranteeing per-fd serialization
// without locks — is a property of epoll itself, not something net.Listener
// exposes.
package tcpserver

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/paged-mem/pagedmem/internal/addr"
	"github.com/paged-mem/pagedmem/internal/nettp"
)

// Handler is invoked once per dispatch with exclusive ownership of the fd
// (one-shot arming guarantees no concurrent invocation for the same fd).
// Returning keepOpen=true re-arms the fd for another round of EPOLLIN;
// false closes it and removes it from epoll.
type Handler func(stream *nettp.TcpStream) (keepOpen bool)

type fdState int

const (
	stateArmed fdState = iota
	stateDispatched
	stateRemoved
)

type conn struct {
	fd     int
	file   *os.File
	stream *nettp.TcpStream
	state  fdState
}

// TcpServer is the epoll acceptor + worker pool described above.
type TcpServer struct {
	epfd     int
	listenFd int
	wakeR    int
	wakeW    int

	handler  Handler
	jobs     chan int
	workerWG sync.WaitGroup

	mu    sync.Mutex
	conns map[int]*conn

	stopOnce sync.Once
	stopped  chan struct{}
}

// New binds bind, creates the epoll instance and self-pipe, and starts
// nThreads workers plus one poller goroutine. Call Close to stop.
func New(bind addr.SockAddrV4, nThreads int, handler Handler) (*TcpServer, addr.SockAddrV4, error) {
	if nThreads < 1 {
		nThreads = 1
	}

	listenFd, bound, err := listenSocket(bind)
	if err != nil {
		return nil, addr.SockAddrV4{}, err
	}

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		unix.Close(listenFd)
		return nil, addr.SockAddrV4{}, fmt.Errorf("tcpserver: epoll_create1: %w", err)
	}

	pipeFds := make([]int, 2)
	if err := unix.Pipe2(pipeFds, unix.O_NONBLOCK); err != nil {
		unix.Close(listenFd)
		unix.Close(epfd)
		return nil, addr.SockAddrV4{}, fmt.Errorf("tcpserver: pipe2: %w", err)
	}

	s := &TcpServer{
		epfd:     epfd,
		listenFd: listenFd,
		wakeR:    pipeFds[0],
		wakeW:    pipeFds[1],
		handler:  handler,
		jobs:     make(chan int, 1024),
		conns:    make(map[int]*conn),
		stopped:  make(chan struct{}),
	}

	if err := s.epollAdd(s.listenFd, unix.EPOLLIN); err != nil {
		s.closeFDs()
		return nil, addr.SockAddrV4{}, err
	}
	if err := s.epollAdd(s.wakeR, unix.EPOLLIN); err != nil {
		s.closeFDs()
		return nil, addr.SockAddrV4{}, err
	}

	for i := 0; i < nThreads; i++ {
		s.workerWG.Add(1)
		go s.worker()
	}
	go s.poll()

	return s, bound, nil
}

func (s *TcpServer) closeFDs() {
	unix.Close(s.listenFd)
	unix.Close(s.epfd)
	unix.Close(s.wakeR)
	unix.Close(s.wakeW)
}

func (s *TcpServer) epollAdd(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("tcpserver: epoll_ctl(ADD, %d): %w", fd, err)
	}
	return nil
}

func (s *TcpServer) epollRearm(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("tcpserver: epoll_ctl(MOD, %d): %w", fd, err)
	}
	return nil
}

func (s *TcpServer) epollRemove(fd int) {
	_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (s *TcpServer) wake() {
	var b [1]byte
	_, _ = unix.Write(s.wakeW, b[:])
}

// poll runs the single blocking epoll_wait loop. Every ready listening-fd
// event accepts one connection and arms it EPOLLIN|EPOLLONESHOT; every
// ready client fd is handed to the worker pool for dispatch.
func (s *TcpServer) poll() {
	events := make([]unix.EpollEvent, 64)
	for {
		n, err := unix.EpollWait(s.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			select {
			case <-s.stopped:
				return
			default:
				log.Printf("tcpserver: epoll_wait: %v", err)
				return
			}
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			switch {
			case fd == s.wakeR:
				s.drainWake()
			case fd == s.listenFd:
				s.acceptOne()
			default:
				s.dispatch(fd)
			}
		}
		select {
		case <-s.stopped:
			return
		default:
		}
	}
}

func (s *TcpServer) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(s.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (s *TcpServer) acceptOne() {
	nfd, sa, err := unix.Accept4(s.listenFd, unix.SOCK_CLOEXEC)
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) {
			log.Printf("tcpserver: accept4: %v", err)
		}
		return
	}
	peer := addr.SockAddrV4{}
	if sa4, ok := sa.(*unix.SockaddrInet4); ok {
		peer.IP = sa4.Addr
		peer.Port = uint16(sa4.Port)
	}

	stream, file, err := wrapFD(nfd, peer)
	if err != nil {
		log.Printf("tcpserver: wrap accepted fd: %v", err)
		unix.Close(nfd)
		return
	}

	c := &conn{fd: nfd, file: file, stream: stream, state: stateArmed}
	s.mu.Lock()
	s.conns[nfd] = c
	s.mu.Unlock()

	if err := s.epollAdd(nfd, unix.EPOLLIN|unix.EPOLLONESHOT); err != nil {
		log.Printf("tcpserver: %v", err)
		s.removeConn(nfd)
	}
}

func (s *TcpServer) dispatch(fd int) {
	s.mu.Lock()
	c, ok := s.conns[fd]
	if ok {
		c.state = stateDispatched
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case s.jobs <- fd:
	default:
		// Worker pool saturated; re-arm immediately rather than drop the
		// connection — the next epoll_wait will redeliver EPOLLIN.
		s.mu.Lock()
		c.state = stateArmed
		s.mu.Unlock()
		_ = s.epollRearm(fd, unix.EPOLLIN|unix.EPOLLONESHOT)
	}
}

func (s *TcpServer) worker() {
	defer s.workerWG.Done()
	for fd := range s.jobs {
		s.mu.Lock()
		c, ok := s.conns[fd]
		s.mu.Unlock()
		if !ok {
			continue
		}

		keepOpen := s.handler(c.stream)

		if !keepOpen || c.stream.Failed() {
			s.removeConn(fd)
			continue
		}
		s.mu.Lock()
		c.state = stateArmed
		s.mu.Unlock()
		if err := s.epollRearm(fd, unix.EPOLLIN|unix.EPOLLONESHOT); err != nil {
			s.removeConn(fd)
		}
	}
}

func (s *TcpServer) removeConn(fd int) {
	s.mu.Lock()
	c, ok := s.conns[fd]
	if ok {
		c.state = stateRemoved
		delete(s.conns, fd)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.epollRemove(fd)
	_ = c.stream.Close()
	_ = c.file.Close()
}

// Close stops the poller and worker pool and closes every open connection.
func (s *TcpServer) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopped)
		s.wake()
		unix.Close(s.listenFd)

		s.mu.Lock()
		fds := make([]int, 0, len(s.conns))
		for fd := range s.conns {
			fds = append(fds, fd)
		}
		s.mu.Unlock()
		for _, fd := range fds {
			s.removeConn(fd)
		}

		close(s.jobs)
		s.workerWG.Wait()
		unix.Close(s.epfd)
		unix.Close(s.wakeR)
		unix.Close(s.wakeW)
	})
	return nil
}
