package cache

import (
	"bytes"
	"testing"
)

func TestCacheArrayList_PushAndGrow(t *testing.T) {
	a := newTestAllocator(t, 64, 2)
	l, err := NewCacheArrayList[uint32](a, u32Codec{})
	if err != nil {
		t.Fatal(err)
	}
	for i := uint32(0); i < 100; i++ {
		if err := l.Push(i * 2); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if l.Len() != 100 {
		t.Fatalf("Len() = %d, want 100", l.Len())
	}
	for i := uint32(0); i < 100; i++ {
		got, err := l.Get(i)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if got != i*2 {
			t.Fatalf("get %d = %d, want %d", i, got, i*2)
		}
	}
}

func TestCacheArrayList_PushNSplitsAcrossPages(t *testing.T) {
	a := newTestAllocator(t, 64, 2)
	l, err := NewCacheArrayList[uint32](a, u32Codec{})
	if err != nil {
		t.Fatal(err)
	}
	vs := make([]uint32, 57)
	for i := range vs {
		vs[i] = uint32(i) + 1000
	}
	if err := l.PushN(vs); err != nil {
		t.Fatalf("push_n: %v", err)
	}
	dst := make([]uint32, 57)
	if err := l.GetN(0, dst); err != nil {
		t.Fatalf("get_n: %v", err)
	}
	for i := range vs {
		if dst[i] != vs[i] {
			t.Fatalf("index %d: got %d want %d", i, dst[i], vs[i])
		}
	}
}

func TestCacheArrayList_SetOverwritesInPlace(t *testing.T) {
	a := newTestAllocator(t, 64, 2)
	l, _ := NewCacheArrayList[uint32](a, u32Codec{})
	for i := uint32(0); i < 20; i++ {
		_ = l.Push(i)
	}
	if err := l.Set(5, 999); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, _ := l.Get(5)
	if got != 999 {
		t.Fatalf("get(5) = %d, want 999", got)
	}
}

func TestCacheArrayList_Pusher(t *testing.T) {
	a := newTestAllocator(t, 64, 2)
	l, _ := NewCacheArrayList[uint32](a, u32Codec{})
	p := l.Pusher(6)
	for i := uint32(0); i < 40; i++ {
		if err := p.Push(i); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if l.Len() != 40 {
		t.Fatalf("Len() = %d, want 40", l.Len())
	}
}

func TestCacheArrayList_WireRoundTrip(t *testing.T) {
	a := newTestAllocator(t, 64, 2)
	l, _ := NewCacheArrayList[uint32](a, u32Codec{})
	for i := uint32(0); i < 123; i++ {
		_ = l.Push(i * 9)
	}

	var buf bytes.Buffer
	if _, err := l.WriteTo(&buf); err != nil {
		t.Fatalf("write_to: %v", err)
	}

	b2 := newTestAllocator(t, 64, 2)
	out, err := NewCacheArrayList[uint32](b2, u32Codec{})
	if err != nil {
		t.Fatal(err)
	}
	if err := ReadCacheArrayListInto(&buf, u32Codec{}, out.PushN); err != nil {
		t.Fatalf("read_into: %v", err)
	}
	if out.Len() != 123 {
		t.Fatalf("decoded length = %d, want 123", out.Len())
	}
	for i := uint32(0); i < 123; i++ {
		got, err := out.Get(i)
		if err != nil {
			t.Fatal(err)
		}
		if got != i*9 {
			t.Fatalf("index %d: got %d want %d", i, got, i*9)
		}
	}
}
