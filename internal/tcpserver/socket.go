package tcpserver

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/paged-mem/pagedmem/internal/addr"
	"github.com/paged-mem/pagedmem/internal/nettp"
)

// listenSocket creates, binds and listens on a raw IPv4 stream socket,
// returning the fd and the address actually bound (port filled in if bind
// requested port 0).
func listenSocket(bind addr.SockAddrV4) (int, addr.SockAddrV4, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, addr.SockAddrV4{}, fmt.Errorf("tcpserver: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, addr.SockAddrV4{}, fmt.Errorf("tcpserver: setsockopt SO_REUSEADDR: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: int(bind.Port), Addr: bind.IP}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, addr.SockAddrV4{}, fmt.Errorf("tcpserver: bind %s: %w", bind, err)
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return -1, addr.SockAddrV4{}, fmt.Errorf("tcpserver: listen: %w", err)
	}

	got, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, addr.SockAddrV4{}, fmt.Errorf("tcpserver: getsockname: %w", err)
	}
	bound := bind
	if sa4, ok := got.(*unix.SockaddrInet4); ok {
		bound.Port = uint16(sa4.Port)
	}
	return fd, bound, nil
}

// wrapFD adopts a raw, already-connected socket fd as a *nettp.TcpStream.
// net.FileConn dups fd internally for its own I/O, so the original os.File
// must be kept alive (and closed alongside the stream) rather than closed
// here — closing it early would close fd itself, which is the exact
// descriptor number registered with epoll.
func wrapFD(fd int, peer addr.SockAddrV4) (*nettp.TcpStream, *os.File, error) {
	f := os.NewFile(uintptr(fd), fmt.Sprintf("tcpserver-conn-%d", fd))
	c, err := net.FileConn(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("tcpserver: FileConn: %w", err)
	}
	return nettp.NewTcpStream(c, peer), f, nil
}
