package nettp

import (
	"fmt"
	"net"

	"github.com/paged-mem/pagedmem/internal/addr"
)

// TcpListener binds a SockAddrV4 (port 0 is acceptable — the OS assigns
// one, reported back via Addr()) and accepts incoming streams.
type TcpListener struct {
	ln   net.Listener
	addr addr.SockAddrV4
}

// Listen binds bind.IP:bind.Port. A zero port asks the OS to assign one.
func Listen(bind addr.SockAddrV4) (*TcpListener, error) {
	ln, err := net.Listen("tcp4", bind.String())
	if err != nil {
		return nil, fmt.Errorf("nettp: listen %s: %w", bind, err)
	}
	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("nettp: listener address is not a *net.TCPAddr")
	}
	boundAddr, err := addr.FromTCPAddr(tcpAddr)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("nettp: %w", err)
	}
	return &TcpListener{ln: ln, addr: boundAddr}, nil
}

// Addr returns the address actually bound, with the OS-assigned port
// filled in if bind.Port was 0.
func (l *TcpListener) Addr() addr.SockAddrV4 { return l.addr }

// Accept blocks for the next incoming connection and wraps it as a
// TcpStream carrying the peer's address.
func (l *TcpListener) Accept() (*TcpStream, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("nettp: accept: %w", err)
	}
	peerAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("nettp: peer address is not a *net.TCPAddr")
	}
	peer, err := addr.FromTCPAddr(peerAddr)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nettp: %w", err)
	}
	return NewTcpStream(conn, peer), nil
}

// Close stops accepting new connections.
func (l *TcpListener) Close() error { return l.ln.Close() }
