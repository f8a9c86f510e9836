package actor

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/paged-mem/pagedmem/internal/addr"
	"github.com/paged-mem/pagedmem/internal/cache"
	"github.com/paged-mem/pagedmem/internal/config"
)

func loopback(t *testing.T, nThreads int) *System {
	t.Helper()
	sys, err := NewSystem(addr.SockAddrV4{IP: [4]byte{127, 0, 0, 1}, Port: 0}, nThreads)
	if err != nil {
		t.Fatalf("new system: %v", err)
	}
	t.Cleanup(func() { sys.Close() })
	return sys
}

// echoActor replies to OnRequest with the same content it received, and
// records every OnMessage delivery for inspection.
type echoActor struct {
	ActorBase
	mu       chan struct{}
	received []string
}

func newEchoActor() *echoActor {
	return &echoActor{mu: make(chan struct{}, 1)}
}

func (e *echoActor) OnMessage(from addr.SockAddrV4, content *config.Node) {
	e.received = append(e.received, content.Str())
}

func (e *echoActor) OnRequest(from addr.SockAddrV4, content *config.Node) (*config.Node, error) {
	return config.NewString("echo:" + content.Str()), nil
}

func TestSystem_LocalRequestRoundTrip(t *testing.T) {
	sys := loopback(t, 2)
	actor := newEchoActor()
	if err := sys.Add("echo", actor); err != nil {
		t.Fatalf("add: %v", err)
	}

	ref := sys.Ref(sys.Addr(), "echo")
	reply, err := ref.Request(config.NewString("hello"), 0)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.Str() != "echo:hello" {
		t.Fatalf("reply = %q, want %q", reply.Str(), "echo:hello")
	}
}

func TestSystem_RemoteRequestRoundTrip(t *testing.T) {
	server := loopback(t, 2)
	actor := newEchoActor()
	if err := server.Add("echo", actor); err != nil {
		t.Fatalf("add: %v", err)
	}

	client := loopback(t, 1)
	ref := client.Ref(server.Addr(), "echo")
	reply, err := ref.Request(config.NewString("world"), 0)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.Str() != "echo:world" {
		t.Fatalf("reply = %q, want %q", reply.Str(), "echo:world")
	}
}

func TestSystem_RemoteSendDelivers(t *testing.T) {
	server := loopback(t, 2)
	actor := newEchoActor()
	if err := server.Add("echo", actor); err != nil {
		t.Fatalf("add: %v", err)
	}

	client := loopback(t, 1)
	ref := client.Ref(server.Addr(), "echo")
	if err := ref.Send(config.NewString("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for len(actor.received) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(actor.received) != 1 || actor.received[0] != "ping" {
		t.Fatalf("received = %v, want [ping]", actor.received)
	}
}

// replyActor demonstrates reply-to-sender addressing: it answers OnMessage
// by dialing back to the sender's own listening address and delivering a
// reply there, which only works if the reconstructed `from` carries the
// sender's server port (spec.md §3/§4.6's sender_port field) rather than
// the ephemeral client port the TCP connection arrived on.
type replyActor struct {
	ActorBase
	sys *System
}

func (a *replyActor) OnMessage(from addr.SockAddrV4, content *config.Node) {
	a.sys.Ref(from, "receiver").Send(config.NewString("reply:" + content.Str()))
}

func (a *replyActor) OnRequest(addr.SockAddrV4, *config.Node) (*config.Node, error) {
	return nil, errors.New("not implemented")
}

func TestSystem_ReplyToSenderUsesListeningPort(t *testing.T) {
	receiverSys := loopback(t, 1)
	receiver := newEchoActor()
	if err := receiverSys.Add("receiver", receiver); err != nil {
		t.Fatalf("add receiver: %v", err)
	}

	echoerSys := loopback(t, 1)
	if err := echoerSys.Add("echoer", &replyActor{sys: echoerSys}); err != nil {
		t.Fatalf("add echoer: %v", err)
	}

	ref := receiverSys.Ref(echoerSys.Addr(), "echoer")
	if err := ref.Send(config.NewString("hi")); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for len(receiver.received) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(receiver.received) != 1 || receiver.received[0] != "reply:hi" {
		t.Fatalf("received = %v, want [reply:hi]", receiver.received)
	}
}

// slowActor sleeps past any reasonable request timeout before replying.
type slowActor struct {
	ActorBase
	delay time.Duration
}

func (a *slowActor) OnMessage(addr.SockAddrV4, *config.Node) {}

func (a *slowActor) OnRequest(from addr.SockAddrV4, content *config.Node) (*config.Node, error) {
	time.Sleep(a.delay)
	return config.NewString("too-late"), nil
}

// TestSystem_RemoteRequestTimesOut mirrors spec.md §8 scenario 5: a request
// to a remote (real TCP, not loopback-short-circuited) actor that takes
// longer than the caller's timeout must fail with ErrRequestTimeout rather
// than block indefinitely.
func TestSystem_RemoteRequestTimesOut(t *testing.T) {
	server := loopback(t, 1)
	if err := server.Add("slow", &slowActor{delay: 200 * time.Millisecond}); err != nil {
		t.Fatalf("add: %v", err)
	}

	client := loopback(t, 1)
	ref := client.Ref(server.Addr(), "slow")

	start := time.Now()
	_, err := ref.Request(config.NewString("x"), 20*time.Millisecond)
	elapsed := time.Since(start)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("err = %v, want ErrRequestTimeout", err)
	}
	if elapsed >= 200*time.Millisecond {
		t.Fatalf("request took %s, should have returned around the 20ms timeout", elapsed)
	}
}

func TestSystem_ExistsReportsRegistration(t *testing.T) {
	server := loopback(t, 1)
	client := loopback(t, 1)

	ref := client.Ref(server.Addr(), "missing")
	ok, err := ref.Exists()
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if ok {
		t.Fatalf("unregistered actor reported as existing")
	}

	if err := server.Add("missing", newEchoActor()); err != nil {
		t.Fatalf("add: %v", err)
	}
	ok, err = ref.Exists()
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !ok {
		t.Fatalf("registered actor reported as missing")
	}
}

func TestSystem_RequestUnknownActorFails(t *testing.T) {
	server := loopback(t, 1)
	client := loopback(t, 1)

	ref := client.Ref(server.Addr(), "ghost")
	_, err := ref.Request(config.NewString("x"), 0)
	if err == nil {
		t.Fatalf("expected an error requesting an unregistered actor")
	}
}

func TestSystem_AddDuplicateNameFails(t *testing.T) {
	sys := loopback(t, 1)
	if err := sys.Add("dup", newEchoActor()); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := sys.Add("dup", newEchoActor()); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestSystem_RemoveCallsOnQuit(t *testing.T) {
	sys := loopback(t, 1)
	a := &quitTrackingActor{}
	if err := sys.Add("tracked", a); err != nil {
		t.Fatalf("add: %v", err)
	}
	sys.Remove("tracked")
	if !a.quit {
		t.Fatalf("OnQuit was not called")
	}
	if r, _ := sys.lookup("tracked"); r != nil {
		t.Fatalf("actor still registered after Remove")
	}
}

type quitTrackingActor struct {
	ActorBase
	quit bool
}

func (a *quitTrackingActor) OnQuit()                                 { a.quit = true }
func (a *quitTrackingActor) OnMessage(addr.SockAddrV4, *config.Node) {}
func (a *quitTrackingActor) OnRequest(addr.SockAddrV4, *config.Node) (*config.Node, error) {
	return nil, errors.New("not implemented")
}

// u32CodecForActor is a minimal cache.Codec[uint32] for this package's tests.
type u32CodecForActor struct{}

func (u32CodecForActor) Size() uint32 { return 4 }
func (u32CodecForActor) Encode(v uint32, dst []byte) {
	binary.LittleEndian.PutUint32(dst, v)
}
func (u32CodecForActor) Decode(src []byte) uint32 {
	return binary.LittleEndian.Uint32(src)
}

func newTestActorAllocator(t *testing.T, pageSize uint32, maxPages int) *cache.PagedAllocator {
	t.Helper()
	persister, err := cache.NewLocalPersister(t.TempDir())
	if err != nil {
		t.Fatalf("new persister: %v", err)
	}
	alloc, err := cache.NewPagedAllocator(pageSize, maxPages, persister)
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	t.Cleanup(func() { alloc.Close() })
	return alloc
}

// bigListActor serves ACTOR_REQ_BIG by streaming a small CacheArrayList of
// uint32 values.
type bigListActor struct {
	ActorBase
	list *cache.CacheArrayList[uint32]
}

func (a *bigListActor) OnMessage(addr.SockAddrV4, *config.Node) {}
func (a *bigListActor) OnRequest(addr.SockAddrV4, *config.Node) (*config.Node, error) {
	return nil, errors.New("use OnRequestBig")
}

func (a *bigListActor) OnRequestBig(addr.SockAddrV4, *config.Node) (io.WriterTo, error) {
	return a.list, nil
}

func TestSystem_RequestBigStreamsCacheArrayList(t *testing.T) {
	alloc := newTestActorAllocator(t, 256, 16)
	list, err := cache.NewCacheArrayList[uint32](alloc, u32CodecForActor{})
	if err != nil {
		t.Fatalf("new list: %v", err)
	}
	for i := uint32(0); i < 50; i++ {
		if err := list.Push(i * 7); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	server := loopback(t, 1)
	if err := server.Add("biglist", &bigListActor{list: list}); err != nil {
		t.Fatalf("add: %v", err)
	}

	client := loopback(t, 1)
	ref := client.Ref(server.Addr(), "biglist")
	payload, err := ref.RequestBig(nil, 0)
	if err != nil {
		t.Fatalf("request_big: %v", err)
	}

	var got []uint32
	err = cache.ReadCacheArrayListInto[uint32](bytes.NewReader(payload), u32CodecForActor{}, func(chunk []uint32) error {
		got = append(got, chunk...)
		return nil
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 50 {
		t.Fatalf("got %d elements, want 50", len(got))
	}
	for i, v := range got {
		if v != uint32(i)*7 {
			t.Fatalf("element %d = %d, want %d", i, v, uint32(i)*7)
		}
	}
}
