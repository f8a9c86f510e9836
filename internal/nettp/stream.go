// Package nettp implements the TCP transport primitives spec.md §4.5 calls
// for: a typed blocking stream, a listener that accepts them, and a
// client-side connection pool. Framing throughout is little-endian and
// fixed-width, matching internal/config's wire format.
package nettp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"time"

	"github.com/paged-mem/pagedmem/internal/addr"
)

// ErrStreamFailed is returned (or signaled via the bool-returning variants)
// once a TcpStream has recorded a prior I/O failure. Every partial read or
// write is sticky: once the stream is errored, it is errored forever.
var ErrStreamFailed = errors.New("nettp: stream is in a failed state")

// TcpStream is a blocking socket with typed send/recv primitives. Every
// primitive returns an error. Only the u32, u64, str and raw primitives
// also have a non-throwing Try* variant (returns ok bool, swallowing the
// error); u8, i32, i64, f32 and f64 have no Try* form.
type TcpStream struct {
	conn   net.Conn
	peer   addr.SockAddrV4
	failed bool
}

// NewTcpStream wraps an already-connected net.Conn. peer is the remote
// address, reconstructed by the caller (dial target, or accept() result).
func NewTcpStream(conn net.Conn, peer addr.SockAddrV4) *TcpStream {
	return &TcpStream{conn: conn, peer: peer}
}

// Dial connects to target and returns a fresh stream.
func Dial(target addr.SockAddrV4) (*TcpStream, error) {
	conn, err := net.Dial("tcp4", target.String())
	if err != nil {
		return nil, fmt.Errorf("nettp: dial %s: %w", target, err)
	}
	return NewTcpStream(conn, target), nil
}

// Peer returns the remote address this stream is connected to.
func (s *TcpStream) Peer() addr.SockAddrV4 { return s.peer }

// Failed reports whether this stream has recorded a prior I/O error.
func (s *TcpStream) Failed() bool { return s.failed }

// Close closes the underlying connection.
func (s *TcpStream) Close() error { return s.conn.Close() }

// SetDeadline bounds every subsequent read and write with t, the way a
// caller enforces a per-request timeout over a leased stream (spec.md §4.6
// / §8 scenario 5). A zero Time clears the deadline. Like every other
// primitive on TcpStream, a failure here is sticky.
func (s *TcpStream) SetDeadline(t time.Time) error {
	if s.failed {
		return ErrStreamFailed
	}
	if err := s.conn.SetDeadline(t); err != nil {
		return s.fail(fmt.Errorf("nettp: set deadline: %w", err))
	}
	return nil
}

func (s *TcpStream) fail(err error) error {
	s.failed = true
	return err
}

func (s *TcpStream) writeAll(b []byte) error {
	if s.failed {
		return ErrStreamFailed
	}
	n, err := s.conn.Write(b)
	if err != nil || n != len(b) {
		if err == nil {
			err = io.ErrShortWrite
		}
		return s.fail(fmt.Errorf("nettp: short write (%d/%d): %w", n, len(b), err))
	}
	return nil
}

func (s *TcpStream) readAll(b []byte) error {
	if s.failed {
		return ErrStreamFailed
	}
	if _, err := io.ReadFull(s.conn, b); err != nil {
		return s.fail(fmt.Errorf("nettp: short read (%d bytes): %w", len(b), err))
	}
	return nil
}

// ───────────────────────────────────────────────────────────────────────────
// Typed send/recv — throwing variants
// ───────────────────────────────────────────────────────────────────────────

func (s *TcpStream) SendU8(v uint8) error  { return s.writeAll([]byte{v}) }
func (s *TcpStream) SendU32(v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return s.writeAll(b[:])
}
func (s *TcpStream) SendU64(v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return s.writeAll(b[:])
}
func (s *TcpStream) SendI32(v int32) error { return s.SendU32(uint32(v)) }
func (s *TcpStream) SendI64(v int64) error { return s.SendU64(uint64(v)) }
func (s *TcpStream) SendF32(v float32) error {
	return s.SendU32(math.Float32bits(v))
}
func (s *TcpStream) SendF64(v float64) error {
	return s.SendU64(math.Float64bits(v))
}

// SendRaw writes b verbatim, with no length prefix.
func (s *TcpStream) SendRaw(b []byte) error { return s.writeAll(b) }

// SendStr writes a u32 length prefix followed by the string's bytes.
func (s *TcpStream) SendStr(v string) error {
	if err := s.SendU32(uint32(len(v))); err != nil {
		return err
	}
	return s.writeAll([]byte(v))
}

func (s *TcpStream) RecvU8() (uint8, error) {
	var b [1]byte
	if err := s.readAll(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}
func (s *TcpStream) RecvU32() (uint32, error) {
	var b [4]byte
	if err := s.readAll(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}
func (s *TcpStream) RecvU64() (uint64, error) {
	var b [8]byte
	if err := s.readAll(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
func (s *TcpStream) RecvI32() (int32, error) {
	v, err := s.RecvU32()
	return int32(v), err
}
func (s *TcpStream) RecvI64() (int64, error) {
	v, err := s.RecvU64()
	return int64(v), err
}
func (s *TcpStream) RecvF32() (float32, error) {
	v, err := s.RecvU32()
	return math.Float32frombits(v), err
}
func (s *TcpStream) RecvF64() (float64, error) {
	v, err := s.RecvU64()
	return math.Float64frombits(v), err
}

// RecvRaw reads exactly len(dst) bytes into dst.
func (s *TcpStream) RecvRaw(dst []byte) error { return s.readAll(dst) }

// RecvStr reads a u32 length prefix followed by that many bytes.
func (s *TcpStream) RecvStr() (string, error) {
	n, err := s.RecvU32()
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if err := s.readAll(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// ───────────────────────────────────────────────────────────────────────────
// Non-throwing variants — return ok=false instead of propagating error
// ───────────────────────────────────────────────────────────────────────────

func (s *TcpStream) TrySendU32(v uint32) bool { return s.SendU32(v) == nil }
func (s *TcpStream) TrySendU64(v uint64) bool { return s.SendU64(v) == nil }
func (s *TcpStream) TrySendStr(v string) bool { return s.SendStr(v) == nil }
func (s *TcpStream) TrySendRaw(b []byte) bool { return s.SendRaw(b) == nil }

func (s *TcpStream) TryRecvU32() (uint32, bool) {
	v, err := s.RecvU32()
	return v, err == nil
}
func (s *TcpStream) TryRecvU64() (uint64, bool) {
	v, err := s.RecvU64()
	return v, err == nil
}
func (s *TcpStream) TryRecvStr() (string, bool) {
	v, err := s.RecvStr()
	return v, err == nil
}
func (s *TcpStream) TryRecvRaw(dst []byte) bool { return s.RecvRaw(dst) == nil }
