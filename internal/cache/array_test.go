package cache

import (
	"encoding/binary"
	"testing"
)

// u32Codec is a trivial fixed-size codec used throughout the cache tests.
type u32Codec struct{}

func (u32Codec) Size() uint32 { return 4 }
func (u32Codec) Encode(v uint32, dst []byte) {
	binary.LittleEndian.PutUint32(dst, v)
}
func (u32Codec) Decode(src []byte) uint32 {
	return binary.LittleEndian.Uint32(src)
}

func newTestAllocator(t *testing.T, pageSize uint32, maxPages int) *PagedAllocator {
	t.Helper()
	p, err := NewLocalPersister(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	a, err := NewPagedAllocator(pageSize, maxPages, p)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestCacheArray_GetSetRoundTrip(t *testing.T) {
	a := newTestAllocator(t, 256, 2)
	arr, err := NewCacheArray[uint32](a, u32Codec{}, 200)
	if err != nil {
		t.Fatalf("new cache array: %v", err)
	}
	if arr.Len() != 200 {
		t.Fatalf("Len() = %d, want 200", arr.Len())
	}

	for i := uint32(0); i < arr.Len(); i++ {
		if err := arr.Set(i, i*7+1); err != nil {
			t.Fatalf("set %d: %v", i, err)
		}
	}
	for i := uint32(0); i < arr.Len(); i++ {
		got, err := arr.Get(i)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if got != i*7+1 {
			t.Fatalf("get %d = %d, want %d", i, got, i*7+1)
		}
	}
}

func TestCacheArray_GetNSetNCrossesPages(t *testing.T) {
	a := newTestAllocator(t, 256, 2)
	arr, err := NewCacheArray[uint32](a, u32Codec{}, 200)
	if err != nil {
		t.Fatal(err)
	}
	src := make([]uint32, 150)
	for i := range src {
		src[i] = uint32(i) * 3
	}
	if err := arr.SetN(10, src); err != nil {
		t.Fatalf("set_n: %v", err)
	}
	dst := make([]uint32, 150)
	if err := arr.GetN(10, dst); err != nil {
		t.Fatalf("get_n: %v", err)
	}
	for i := range src {
		if dst[i] != src[i] {
			t.Fatalf("index %d: got %d want %d", i, dst[i], src[i])
		}
	}
}

func TestCacheArray_SliceView(t *testing.T) {
	a := newTestAllocator(t, 256, 2)
	arr, err := NewCacheArray[uint32](a, u32Codec{}, 50)
	if err != nil {
		t.Fatal(err)
	}
	for i := uint32(0); i < 50; i++ {
		_ = arr.Set(i, i)
	}
	sl, err := arr.Slice(10, 20)
	if err != nil {
		t.Fatal(err)
	}
	if sl.Len() != 10 {
		t.Fatalf("slice len = %d, want 10", sl.Len())
	}
	got, err := sl.Get(0)
	if err != nil || got != 10 {
		t.Fatalf("slice.Get(0) = %d, %v, want 10", got, err)
	}
	if err := sl.Set(0, 999); err != nil {
		t.Fatal(err)
	}
	back, _ := arr.Get(10)
	if back != 999 {
		t.Fatalf("slice.Set did not propagate to backing array: got %d", back)
	}
}

func TestCacheArray_MapGenerateReduce(t *testing.T) {
	a := newTestAllocator(t, 256, 2)
	arr, err := NewCacheArray[uint32](a, u32Codec{}, 100)
	if err != nil {
		t.Fatal(err)
	}
	if err := arr.Generate(func(i uint32) uint32 { return i }); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := arr.Map(func(v uint32) uint32 { return v * 2 }); err != nil {
		t.Fatalf("map: %v", err)
	}
	sum, err := arr.Reduce(func(acc, v uint32) uint32 { return acc + v }, 0)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	var want uint32
	for i := uint32(0); i < 100; i++ {
		want += i * 2
	}
	if sum != want {
		t.Fatalf("reduce sum = %d, want %d", sum, want)
	}
}

func TestCacheArray_CopyRaw(t *testing.T) {
	a := newTestAllocator(t, 256, 4)
	src, err := NewCacheArray[uint32](a, u32Codec{}, 80)
	if err != nil {
		t.Fatal(err)
	}
	dst, err := NewCacheArray[uint32](a, u32Codec{}, 80)
	if err != nil {
		t.Fatal(err)
	}
	if err := src.Generate(func(i uint32) uint32 { return i * 11 }); err != nil {
		t.Fatal(err)
	}
	if err := dst.CopyRaw(src); err != nil {
		t.Fatalf("copy_raw: %v", err)
	}
	for i := uint32(0); i < 80; i++ {
		got, _ := dst.Get(i)
		want, _ := src.Get(i)
		if got != want {
			t.Fatalf("index %d: got %d want %d", i, got, want)
		}
	}
}

func TestCacheArray_PusherPuller(t *testing.T) {
	a := newTestAllocator(t, 256, 2)
	arr, err := NewCacheArray[uint32](a, u32Codec{}, 60)
	if err != nil {
		t.Fatal(err)
	}
	pusher := arr.Pusher(0, 7)
	for i := uint32(0); i < 60; i++ {
		if err := pusher.Push(i * 5); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if err := pusher.Close(); err != nil {
		t.Fatalf("close pusher: %v", err)
	}

	puller := arr.Puller(0, 60, 9)
	var count uint32
	for {
		v, ok, err := puller.Pull()
		if err != nil {
			t.Fatalf("pull: %v", err)
		}
		if !ok {
			break
		}
		if v != count*5 {
			t.Fatalf("pull #%d = %d, want %d", count, v, count*5)
		}
		count++
	}
	if count != 60 {
		t.Fatalf("pulled %d elements, want 60", count)
	}
}
