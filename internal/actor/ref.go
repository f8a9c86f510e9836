package actor

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/paged-mem/pagedmem/internal/addr"
	"github.com/paged-mem/pagedmem/internal/config"
	"github.com/paged-mem/pagedmem/internal/nettp"
)

// Ref addresses one named actor, either registered on this same System
// (local) or on a System listening at a remote address. Send/Request/
// RequestBig/Exists pick the dispatch path transparently.
type Ref struct {
	sys    *System
	target addr.SockAddrV4
	name   string
	local  bool
}

// Target returns the address this ref points at.
func (ref *Ref) Target() addr.SockAddrV4 { return ref.target }

// Name returns the actor name this ref addresses.
func (ref *Ref) Name() string { return ref.name }

// Exists reports whether an actor is currently registered under this ref's
// name on its target system.
func (ref *Ref) Exists() (bool, error) {
	if ref.local {
		_, ok := ref.sys.lookup(ref.name)
		return ok, nil
	}
	pool := ref.sys.poolFor(ref.target)
	sess, err := pool.Get()
	if err != nil {
		return false, fmt.Errorf("actor: exist check: %w", err)
	}
	defer pool.Release(sess)
	if err := sess.SendU32(uint32(ActorExistReq)); err != nil {
		return false, err
	}
	if err := writeName(sess, ref.name); err != nil {
		return false, err
	}
	v, err := sess.RecvU8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// Send delivers content to OnMessage without a reply. A remote send returns
// once the frame is written and waits for no acknowledgement; a local send
// runs OnMessage on the caller's goroutine and returns after it.
func (ref *Ref) Send(content *config.Node) error {
	if ref.local {
		r, ok := ref.sys.lookup(ref.name)
		if !ok {
			return ErrUnknownActor
		}
		from := ref.sys.self
		r.withLock(func() { r.actor.OnMessage(from, content) })
		return nil
	}
	pool := ref.sys.poolFor(ref.target)
	sess, err := pool.Get()
	if err != nil {
		return fmt.Errorf("actor: send: %w", err)
	}
	defer pool.Release(sess)
	if err := sess.SendU32(uint32(ActorMsg)); err != nil {
		return err
	}
	if err := writeSenderPort(sess, ref.sys.self.Port); err != nil {
		return err
	}
	if err := writeName(sess, ref.name); err != nil {
		return err
	}
	return writeContent(sess, content)
}

// Request delivers content to OnRequest and blocks for the reply, up to
// timeout (spec.md §4.6/§8 scenario 5). A timeout of zero or less uses the
// owning System's default request timeout.
//
// A remote request leases its own connection for the round trip, arms a
// deadline on it covering both the send and the reply read, and reads the
// ACTOR_RESP reply synchronously off that same stream — there is no other
// reader racing to claim it, so no separate correlation table is needed on
// the client side. A local ref still runs OnRequest on a goroutine and
// waits on a RequestFuture (Open Question #1 in SPEC_FULL.md §5), so a
// caller sees the same timeout behaviour either way: ErrRequestTimeout.
func (ref *Ref) Request(content *config.Node, timeout time.Duration) (*config.Node, error) {
	if timeout <= 0 {
		timeout = ref.sys.timeout
	}
	if ref.local {
		r, ok := ref.sys.lookup(ref.name)
		if !ok {
			return nil, ErrUnknownActor
		}
		from := ref.sys.self
		future := newRequestFuture(ref.sys.newUID(), timeout)
		go func() {
			var (
				result *config.Node
				err    error
			)
			r.withLock(func() { result, err = r.actor.OnRequest(from, content) })
			if err != nil {
				future.fail(err)
				return
			}
			future.complete(result)
		}()
		return future.Wait()
	}

	pool := ref.sys.poolFor(ref.target)
	sess, err := pool.Get()
	if err != nil {
		return nil, fmt.Errorf("actor: request: %w", err)
	}
	defer pool.Release(sess)
	if err := sess.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("actor: request: %w", err)
	}
	defer sess.SetDeadline(time.Time{})

	uid := ref.sys.newUID()
	if err := sendRequestFrame(sess, ActorReq, uid, ref.sys.self.Port, ref.name, content); err != nil {
		return nil, remoteRequestErr(err)
	}
	reply, err := readReplyFrame(sess, ActorResp)
	if err != nil {
		return nil, remoteRequestErr(err)
	}
	return reply, nil
}

// RequestBig is the ACTOR_REQ_BIG counterpart of Request: it expects the
// remote actor to implement BigRequester and returns the raw
// CacheArrayList wire payload, which the caller decodes with
// cache.ReadCacheArrayListInto. timeout follows the same rules as Request's.
func (ref *Ref) RequestBig(content *config.Node, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = ref.sys.timeout
	}
	if ref.local {
		r, ok := ref.sys.lookup(ref.name)
		if !ok {
			return nil, ErrUnknownActor
		}
		big, ok := r.actor.(BigRequester)
		if !ok {
			return nil, fmt.Errorf("actor: %q does not implement BigRequester", ref.name)
		}
		from := ref.sys.self
		future := newRequestFuture(ref.sys.newUID(), timeout)
		go func() {
			var (
				result io.WriterTo
				err    error
			)
			r.withLock(func() { result, err = big.OnRequestBig(from, content) })
			if err != nil {
				future.fail(err)
				return
			}
			var buf countingBuffer
			if _, err := result.WriteTo(&buf); err != nil {
				future.fail(err)
				return
			}
			future.completeBig(buf.data)
		}()
		return future.WaitBig()
	}

	pool := ref.sys.poolFor(ref.target)
	sess, err := pool.Get()
	if err != nil {
		return nil, fmt.Errorf("actor: request_big: %w", err)
	}
	defer pool.Release(sess)
	if err := sess.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("actor: request_big: %w", err)
	}
	defer sess.SetDeadline(time.Time{})

	uid := ref.sys.newUID()
	if err := sendRequestFrame(sess, ActorReqBig, uid, ref.sys.self.Port, ref.name, content); err != nil {
		return nil, remoteRequestErr(err)
	}
	payload, err := readReplyFrameBig(sess)
	if err != nil {
		return nil, remoteRequestErr(err)
	}
	return payload, nil
}

func sendRequestFrame(s *nettp.TcpStream, id ProtocolID, uid uint64, senderPort uint16, name string, content *config.Node) error {
	if err := s.SendU32(uint32(id)); err != nil {
		return err
	}
	if err := writeSenderPort(s, senderPort); err != nil {
		return err
	}
	if err := s.SendU64(uid); err != nil {
		return err
	}
	if err := writeName(s, name); err != nil {
		return err
	}
	return writeContent(s, content)
}

// remoteRequestErr maps a deadline-exceeded error from the underlying
// connection to ErrRequestTimeout, so a remote request times out with the
// same sentinel a local one does.
func remoteRequestErr(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ErrRequestTimeout
	}
	return err
}

// readReplyFrame reads an ACTOR_RESP frame (protocol id already implied by
// want, confirmed against what's actually on the wire) and returns its
// ConfigNode payload, or the remote-reported error.
func readReplyFrame(s *nettp.TcpStream, want ProtocolID) (*config.Node, error) {
	idRaw, err := s.RecvU32()
	if err != nil {
		return nil, err
	}
	if ProtocolID(idRaw) != want {
		return nil, fmt.Errorf("actor: unexpected reply frame id %d, want %d", idRaw, want)
	}
	if _, err := s.RecvU64(); err != nil { // uid, unused on a dedicated round-trip connection
		return nil, err
	}
	ok8, err := s.RecvU8()
	if err != nil {
		return nil, err
	}
	if ok8 == 0 {
		msg, err := s.RecvStr()
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("actor: remote error: %s", msg)
	}
	return readContent(s)
}

// readReplyFrameBig is the ACTOR_RESP_BIG counterpart of readReplyFrame.
func readReplyFrameBig(s *nettp.TcpStream) ([]byte, error) {
	idRaw, err := s.RecvU32()
	if err != nil {
		return nil, err
	}
	if ProtocolID(idRaw) != ActorRespBig {
		return nil, fmt.Errorf("actor: unexpected reply frame id %d, want %d", idRaw, ActorRespBig)
	}
	if _, err := s.RecvU64(); err != nil {
		return nil, err
	}
	ok8, err := s.RecvU8()
	if err != nil {
		return nil, err
	}
	if ok8 == 0 {
		msg, err := s.RecvStr()
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("actor: remote error: %s", msg)
	}
	return readRemainingBig(s)
}

// countingBuffer is a minimal io.Writer sink used to materialize a local
// BigRequester's WriteTo output into a byte slice, the same shape a remote
// caller receives off the wire.
type countingBuffer struct{ data []byte }

func (b *countingBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}
