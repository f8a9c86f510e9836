package cache

import (
	"encoding/binary"
	"fmt"
	"io"
)

// CacheArrayList is an append-only logical sequence of T backed by a
// growing run of pages, each holding elems_per_block = floor(max_user_alloc
// / sizeof(T)) elements (spec.md §4.4.2).
type CacheArrayList[T any] struct {
	alloc *PagedAllocator
	codec Codec[T]

	elemsPerBlock uint32
	pages         []AllocatedSegment
	length        uint32
}

// NewCacheArrayList returns an empty append-only list over codec's element
// type, backed by alloc.
func NewCacheArrayList[T any](alloc *PagedAllocator, codec Codec[T]) (*CacheArrayList[T], error) {
	elemSize := codec.Size()
	if elemSize == 0 {
		return nil, fmt.Errorf("cache: codec element size must be > 0")
	}
	elemsPerBlock := alloc.MaxUserAlloc() / elemSize
	if elemsPerBlock == 0 {
		return nil, fmt.Errorf("cache: element size %d exceeds page capacity %d", elemSize, alloc.MaxUserAlloc())
	}
	return &CacheArrayList[T]{alloc: alloc, codec: codec, elemsPerBlock: elemsPerBlock}, nil
}

// Len reports the current logical length.
func (l *CacheArrayList[T]) Len() uint32 { return l.length }

// Push appends a single element, growing a new page if the tail is full.
func (l *CacheArrayList[T]) Push(v T) error {
	return l.PushN([]T{v})
}

// PushN appends vs, splitting the write across page boundaries as needed.
func (l *CacheArrayList[T]) PushN(vs []T) error {
	size := l.codec.Size()
	for len(vs) > 0 {
		pageIdx := l.length / l.elemsPerBlock
		within := l.length % l.elemsPerBlock
		if pageIdx == uint32(len(l.pages)) {
			seg, err := l.alloc.AllocateNewPage(l.elemsPerBlock * size)
			if err != nil {
				return fmt.Errorf("cache: list grow page %d: %w", pageIdx, err)
			}
			l.pages = append(l.pages, seg)
		}
		seg := l.pages[pageIdx]

		avail := l.elemsPerBlock - within
		take := uint32(len(vs))
		if take > avail {
			take = avail
		}
		raw := make([]byte, take*size)
		for i := uint32(0); i < take; i++ {
			l.codec.Encode(vs[i], raw[i*size:])
		}
		if err := l.alloc.Write(seg, within*size, raw); err != nil {
			return err
		}
		l.length += take
		vs = vs[take:]
	}
	return nil
}

func (l *CacheArrayList[T]) segmentFor(i uint32) (AllocatedSegment, uint32) {
	pageIdx := i / l.elemsPerBlock
	within := i % l.elemsPerBlock
	return l.pages[pageIdx], within * l.codec.Size()
}

func (l *CacheArrayList[T]) checkRange(start, n uint32) error {
	if n == 0 {
		return nil
	}
	if start >= l.length || n > l.length-start {
		return fmt.Errorf("cache: list range [%d,%d) out of bounds (len %d)", start, start+n, l.length)
	}
	return nil
}

// Get returns the element at logical index i.
func (l *CacheArrayList[T]) Get(i uint32) (T, error) {
	var zero T
	if err := l.checkRange(i, 1); err != nil {
		return zero, err
	}
	seg, sub := l.segmentFor(i)
	size := l.codec.Size()
	buf := make([]byte, size)
	if err := l.alloc.Read(seg, sub, size, buf); err != nil {
		return zero, err
	}
	return l.codec.Decode(buf), nil
}

// Set overwrites the element at logical index i.
func (l *CacheArrayList[T]) Set(i uint32, v T) error {
	if err := l.checkRange(i, 1); err != nil {
		return err
	}
	seg, sub := l.segmentFor(i)
	size := l.codec.Size()
	buf := make([]byte, size)
	l.codec.Encode(v, buf)
	return l.alloc.Write(seg, sub, buf)
}

// GetN fills dst starting at logical index start, recursing across page
// boundaries as needed.
func (l *CacheArrayList[T]) GetN(start uint32, dst []T) error {
	n := uint32(len(dst))
	if err := l.checkRange(start, n); err != nil {
		return err
	}
	size := l.codec.Size()
	for n > 0 {
		seg, sub := l.segmentFor(start)
		within := start % l.elemsPerBlock
		take := l.elemsPerBlock - within
		if take > n {
			take = n
		}
		raw := make([]byte, take*size)
		if err := l.alloc.Read(seg, sub, uint32(len(raw)), raw); err != nil {
			return err
		}
		for k := uint32(0); k < take; k++ {
			dst[k] = l.codec.Decode(raw[k*size:])
		}
		start += take
		dst = dst[take:]
		n -= take
	}
	return nil
}

// SetN overwrites existing elements starting at logical index start. It
// does not grow the list — use PushN to append.
func (l *CacheArrayList[T]) SetN(start uint32, src []T) error {
	n := uint32(len(src))
	if err := l.checkRange(start, n); err != nil {
		return err
	}
	size := l.codec.Size()
	for n > 0 {
		seg, sub := l.segmentFor(start)
		within := start % l.elemsPerBlock
		take := l.elemsPerBlock - within
		if take > n {
			take = n
		}
		raw := make([]byte, take*size)
		for k := uint32(0); k < take; k++ {
			l.codec.Encode(src[k], raw[k*size:])
		}
		if err := l.alloc.Write(seg, sub, raw); err != nil {
			return err
		}
		start += take
		src = src[take:]
		n -= take
	}
	return nil
}

// ListPusher is a buffered append cursor over a CacheArrayList.
type ListPusher[T any] struct {
	list *CacheArrayList[T]
	buf  []T
	cap  uint32
}

// Pusher returns a buffered append cursor, flushing to the list once it
// reaches cap or on an explicit Flush/Close.
func (l *CacheArrayList[T]) Pusher(cap uint32) *ListPusher[T] {
	if cap == 0 {
		cap = 1
	}
	return &ListPusher[T]{list: l, buf: make([]T, 0, cap), cap: cap}
}

// Push appends v to the staging buffer, flushing automatically on overflow.
func (p *ListPusher[T]) Push(v T) error {
	p.buf = append(p.buf, v)
	if uint32(len(p.buf)) >= p.cap {
		return p.Flush()
	}
	return nil
}

// Flush appends any staged elements to the underlying list now.
func (p *ListPusher[T]) Flush() error {
	if len(p.buf) == 0 {
		return nil
	}
	if err := p.list.PushN(p.buf); err != nil {
		return err
	}
	p.buf = p.buf[:0]
	return nil
}

// Close flushes any remaining staged elements.
func (p *ListPusher[T]) Close() error { return p.Flush() }

// ───────────────────────────────────────────────────────────────────────────
// Wire format (spec.md §4.4.3) — used by the actor runtime's big-response
// path to stream a CacheArrayList without materializing it as one []T.
// ───────────────────────────────────────────────────────────────────────────

// WriteTo serializes the list as: u32 length, u32 inner_size, then the raw
// bytes of each backing page in order (the last page truncated to
// length mod elems_per_block elements). The two header fields are always
// little-endian; element bytes are whatever the codec's Encode wrote.
func (l *CacheArrayList[T]) WriteTo(w io.Writer) (int64, error) {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], l.length)
	binary.LittleEndian.PutUint32(hdr[4:8], l.codec.Size())
	n, err := w.Write(hdr[:])
	written := int64(n)
	if err != nil {
		return written, err
	}

	size := l.codec.Size()
	remaining := l.length
	for _, seg := range l.pages {
		take := l.elemsPerBlock
		if take > remaining {
			take = remaining
		}
		if take == 0 {
			break
		}
		raw := make([]byte, take*size)
		if err := l.alloc.Read(seg, 0, uint32(len(raw)), raw); err != nil {
			return written, err
		}
		m, err := w.Write(raw)
		written += int64(m)
		if err != nil {
			return written, err
		}
		remaining -= take
	}
	return written, nil
}

// ReadCacheArrayListInto reads the wire format WriteTo produces, handing
// decoded elements to push in chunks. The caller supplies push (typically a
// freshly created CacheArrayList's PushN) because the
// reader has no allocator of its own — this function only knows how to
// frame and decode bytes, per spec.md §4.4.3's "framing is implicit"
// contract.
func ReadCacheArrayListInto[T any](r io.Reader, codec Codec[T], push func([]T) error) error {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	length := binary.LittleEndian.Uint32(hdr[0:4])
	innerSize := binary.LittleEndian.Uint32(hdr[4:8])
	if innerSize != codec.Size() {
		return fmt.Errorf("cache: wire inner_size %d does not match codec size %d", innerSize, codec.Size())
	}
	if length == 0 {
		return nil
	}

	const chunkElems = 4096
	remaining := length
	for remaining > 0 {
		take := uint32(chunkElems)
		if take > remaining {
			take = remaining
		}
		raw := make([]byte, take*innerSize)
		if _, err := io.ReadFull(r, raw); err != nil {
			return err
		}
		vs := make([]T, take)
		for i := uint32(0); i < take; i++ {
			vs[i] = codec.Decode(raw[i*innerSize:])
		}
		if err := push(vs); err != nil {
			return err
		}
		remaining -= take
	}
	return nil
}
