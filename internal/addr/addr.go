// Package addr parses and formats the "A.B.C.D[:port]" addresses used
// throughout the actor and transport layers (spec.md §3 SockAddrV4).
package addr

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrMalformed is returned when a string does not parse as A.B.C.D[:port].
type ErrMalformed struct {
	Input string
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("addr: malformed address %q", e.Input)
}

// SockAddrV4 is a value-type IPv4 address + port pair, used both to key
// remote ActorRefs and to identify a repository/server endpoint.
type SockAddrV4 struct {
	IP   [4]byte
	Port uint16
}

// Parse accepts "A.B.C.D" (port 0) or "A.B.C.D:port".
func Parse(s string) (SockAddrV4, error) {
	host, portStr, hasPort := strings.Cut(s, ":")
	ip := net.ParseIP(host)
	if ip == nil {
		return SockAddrV4{}, &ErrMalformed{Input: s}
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return SockAddrV4{}, &ErrMalformed{Input: s}
	}
	var port uint16
	if hasPort {
		p, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return SockAddrV4{}, &ErrMalformed{Input: s}
		}
		port = uint16(p)
	}
	var out SockAddrV4
	copy(out.IP[:], ip4)
	out.Port = port
	return out, nil
}

// FromTCPAddr builds a SockAddrV4 from a resolved *net.TCPAddr.
func FromTCPAddr(a *net.TCPAddr) (SockAddrV4, error) {
	ip4 := a.IP.To4()
	if ip4 == nil {
		return SockAddrV4{}, fmt.Errorf("addr: %s is not an IPv4 address", a.IP)
	}
	var out SockAddrV4
	copy(out.IP[:], ip4)
	out.Port = uint16(a.Port)
	return out, nil
}

// WithPort returns a copy of s with Port replaced — used to reconstruct a
// sender's server address from a connection's peer IP plus a port carried
// in the message payload (spec.md §4.6).
func (s SockAddrV4) WithPort(port uint16) SockAddrV4 {
	s.Port = port
	return s
}

// String formats as "A.B.C.D:port".
func (s SockAddrV4) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", s.IP[0], s.IP[1], s.IP[2], s.IP[3], s.Port)
}

// IPString formats only the IP part, without the port.
func (s SockAddrV4) IPString() string {
	return fmt.Sprintf("%d.%d.%d.%d", s.IP[0], s.IP[1], s.IP[2], s.IP[3])
}

// TCPAddr converts to a *net.TCPAddr for dialing/listening.
func (s SockAddrV4) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: net.IPv4(s.IP[0], s.IP[1], s.IP[2], s.IP[3]), Port: int(s.Port)}
}

// Equal reports whether s and o refer to the same IP and port.
func (s SockAddrV4) Equal(o SockAddrV4) bool {
	return s.IP == o.IP && s.Port == o.Port
}
