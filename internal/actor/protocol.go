package actor

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/paged-mem/pagedmem/internal/config"
	"github.com/paged-mem/pagedmem/internal/nettp"
)

// ProtocolID is the u32 every inbound session reads first, selecting how
// the rest of the frame is parsed (spec.md §4.6's wire protocol table).
type ProtocolID uint32

const (
	ActorExistReq ProtocolID = iota + 1
	ActorMsg
	ActorReq
	ActorReqBig
	ActorResp
	ActorRespBig
	SystemKillAll
)

// MaxNameLen bounds an actor name on the wire — the more conservative of
// the two call sites spec.md §9 describes (decided in SPEC_FULL.md §5.4).
const MaxNameLen = 32

var (
	// ErrNameTooLong is returned when an actor name exceeds MaxNameLen.
	ErrNameTooLong = errors.New("actor: name exceeds max length")
	// ErrUnknownActor is returned when a message/request targets a name not
	// registered on the receiving system.
	ErrUnknownActor = errors.New("actor: unknown actor")
)

// writeSenderPort/readSenderPort carry the sending System's listening port
// (spec.md §3/§4.6's ActorMessage.sender_port) on the wire, so the receiver
// can reconstruct a reply-to address as {peer IP, sender_port} instead of
// the peer's ephemeral client port (s.Peer()), which nothing listens on.
func writeSenderPort(s *nettp.TcpStream, port uint16) error {
	return s.SendU32(uint32(port))
}

func readSenderPort(s *nettp.TcpStream) (uint16, error) {
	v, err := s.RecvU32()
	return uint16(v), err
}

func writeName(s *nettp.TcpStream, name string) error {
	if len(name) > MaxNameLen {
		return ErrNameTooLong
	}
	if err := s.SendU32(uint32(len(name))); err != nil {
		return err
	}
	return s.SendRaw([]byte(name))
}

func readName(s *nettp.TcpStream) (string, error) {
	n, err := s.RecvU32()
	if err != nil {
		return "", err
	}
	if n > MaxNameLen {
		return "", fmt.Errorf("actor: received name_len %d exceeds cap %d", n, MaxNameLen)
	}
	buf := make([]byte, n)
	if err := s.RecvRaw(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeContent(s *nettp.TcpStream, content *config.Node) error {
	if content == nil {
		return s.SendU8(0)
	}
	if err := s.SendU8(1); err != nil {
		return err
	}
	return config.Serialize(streamWriter{s}, content)
}

func readContent(s *nettp.TcpStream) (*config.Node, error) {
	has, err := s.RecvU8()
	if err != nil {
		return nil, err
	}
	if has == 0 {
		return nil, nil
	}
	return config.Deserialize(streamReader{s})
}

// readRemainingBig reads one CacheArrayList wire payload (u32 length, u32
// inner_size, then length*inner_size raw bytes — spec.md §4.4.3) off s and
// returns it verbatim, so the caller can hand it to
// cache.ReadCacheArrayListInto without this package needing to know the
// element type.
func readRemainingBig(s *nettp.TcpStream) ([]byte, error) {
	length, err := s.RecvU32()
	if err != nil {
		return nil, err
	}
	innerSize, err := s.RecvU32()
	if err != nil {
		return nil, err
	}
	body := make([]byte, uint64(length)*uint64(innerSize))
	if err := s.RecvRaw(body); err != nil {
		return nil, err
	}
	out := make([]byte, 8+len(body))
	binary.LittleEndian.PutUint32(out[0:4], length)
	binary.LittleEndian.PutUint32(out[4:8], innerSize)
	copy(out[8:], body)
	return out, nil
}

// streamWriter/streamReader adapt TcpStream's raw send/recv to io.Writer/
// io.Reader so internal/config's Serialize/Deserialize can write directly
// to the wire without an intermediate buffer.
type streamWriter struct{ s *nettp.TcpStream }

func (w streamWriter) Write(p []byte) (int, error) {
	if err := w.s.SendRaw(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

type streamReader struct{ s *nettp.TcpStream }

func (r streamReader) Read(p []byte) (int, error) {
	if err := r.s.RecvRaw(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
