package nettp

import (
	"testing"

	"github.com/paged-mem/pagedmem/internal/addr"
)

func TestStream_TypedRoundTrip(t *testing.T) {
	ln, err := Listen(addr.SockAddrV4{IP: [4]byte{127, 0, 0, 1}, Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan error, 1)
	go func() {
		s, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer s.Close()

		v, err := s.RecvU32()
		if err != nil {
			serverDone <- err
			return
		}
		if err := s.SendU32(v + 1); err != nil {
			serverDone <- err
			return
		}
		str, err := s.RecvStr()
		if err != nil {
			serverDone <- err
			return
		}
		if err := s.SendStr("echo:" + str); err != nil {
			serverDone <- err
			return
		}
		serverDone <- nil
	}()

	cli, err := Dial(ln.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	if err := cli.SendU32(41); err != nil {
		t.Fatalf("send u32: %v", err)
	}
	got, err := cli.RecvU32()
	if err != nil {
		t.Fatalf("recv u32: %v", err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}

	if err := cli.SendStr("hello"); err != nil {
		t.Fatalf("send str: %v", err)
	}
	reply, err := cli.RecvStr()
	if err != nil {
		t.Fatalf("recv str: %v", err)
	}
	if reply != "echo:hello" {
		t.Fatalf("got %q, want %q", reply, "echo:hello")
	}

	if err := <-serverDone; err != nil {
		t.Fatalf("server: %v", err)
	}
}

func TestStream_FailureIsSticky(t *testing.T) {
	ln, err := Listen(addr.SockAddrV4{IP: [4]byte{127, 0, 0, 1}, Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		s, err := ln.Accept()
		if err != nil {
			return
		}
		s.Close()
	}()

	cli, err := Dial(ln.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	// Drain whatever the server sends (nothing) until the closed peer
	// produces an error; the stream must then latch failed.
	if _, err := cli.RecvU32(); err == nil {
		t.Fatalf("expected an error reading from a closed peer")
	}
	if !cli.Failed() {
		t.Fatalf("stream should be marked failed after a short read")
	}
	if err := cli.SendU32(1); err == nil {
		t.Fatalf("expected send on failed stream to short-circuit")
	}
}
