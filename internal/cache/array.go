package cache

import (
	"fmt"
	"sort"
)

// Codec describes how a fixed-size element type is packed to and unpacked
// from bytes. CacheArray and CacheArrayList never reflect over T; callers
// supply the codec, matching row_codec.go's explicit encode/decode pair in
// the teacher's storage layer.
type Codec[T any] interface {
	// Size is sizeof(T) on the wire; every element occupies exactly this
	// many bytes. A page holds floor(max_user_alloc / Size) elements, so
	// Size need not divide the page evenly.
	Size() uint32
	Encode(v T, dst []byte)
	Decode(src []byte) T
}

// blockSpan is one physical page backing a contiguous run of logical
// indices [startIdx, startIdx+count).
type blockSpan struct {
	seg      AllocatedSegment
	startIdx uint32
	count    uint32
}

// CacheArray is a fixed-length logical array of T backed by a contiguous
// run of full pages plus an optional tail "rest" segment (spec.md §4.4.1).
type CacheArray[T any] struct {
	alloc *PagedAllocator
	codec Codec[T]

	firstFullAddr  uint32
	fullBaseOffset uint32
	nFull          uint32
	elemsPerBlock  uint32

	rest    AllocatedSegment
	restCap uint32

	length uint32
}

// NewCacheArray allocates storage for length elements of T, up front.
func NewCacheArray[T any](alloc *PagedAllocator, codec Codec[T], length uint32) (*CacheArray[T], error) {
	elemSize := codec.Size()
	if elemSize == 0 {
		return nil, fmt.Errorf("cache: codec element size must be > 0")
	}

	elemsPerBlock := alloc.MaxUserAlloc() / elemSize
	var nFull uint32
	if elemsPerBlock > 0 {
		nFull = length / elemsPerBlock
	}
	restCount := length - nFull*elemsPerBlock

	ca := &CacheArray[T]{
		alloc:         alloc,
		codec:         codec,
		nFull:         nFull,
		elemsPerBlock: elemsPerBlock,
		restCap:       restCount,
		length:        length,
	}

	var allocated []AllocatedSegment
	for i := uint32(0); i < nFull; i++ {
		seg, err := alloc.AllocateNewPage(elemsPerBlock * elemSize)
		if err != nil {
			for _, s := range allocated {
				_ = alloc.Free(s)
			}
			return nil, fmt.Errorf("cache: array full-block %d/%d: %w", i, nFull, err)
		}
		if i == 0 {
			ca.firstFullAddr = seg.BlockAddr
			ca.fullBaseOffset = seg.Offset
		}
		allocated = append(allocated, seg)
	}

	if restCount > 0 {
		seg, err := alloc.Allocate(restCount * elemSize)
		if err != nil {
			for _, s := range allocated {
				_ = alloc.Free(s)
			}
			return nil, fmt.Errorf("cache: array rest segment: %w", err)
		}
		ca.rest = seg
	}
	return ca, nil
}

// Len reports the array's fixed logical length.
func (ca *CacheArray[T]) Len() uint32 { return ca.length }

func (ca *CacheArray[T]) segmentFor(i uint32) (AllocatedSegment, uint32) {
	if ca.elemsPerBlock > 0 && i < ca.nFull*ca.elemsPerBlock {
		pageIndex := i / ca.elemsPerBlock
		within := i % ca.elemsPerBlock
		seg := AllocatedSegment{BlockAddr: ca.firstFullAddr + pageIndex, Offset: ca.fullBaseOffset}
		return seg, within * ca.codec.Size()
	}
	within := i - ca.nFull*ca.elemsPerBlock
	return ca.rest, within * ca.codec.Size()
}

// remainingInBlock reports how many more elements fit in i's page before
// crossing into the next one.
func (ca *CacheArray[T]) remainingInBlock(i uint32) uint32 {
	if ca.elemsPerBlock > 0 && i < ca.nFull*ca.elemsPerBlock {
		within := i % ca.elemsPerBlock
		return ca.elemsPerBlock - within
	}
	within := i - ca.nFull*ca.elemsPerBlock
	return ca.restCap - within
}

func (ca *CacheArray[T]) checkRange(start, n uint32) error {
	if n == 0 {
		return nil
	}
	if start >= ca.length || n > ca.length-start {
		return fmt.Errorf("cache: array range [%d,%d) out of bounds (len %d)", start, start+n, ca.length)
	}
	return nil
}

// Get returns the element at logical index i.
func (ca *CacheArray[T]) Get(i uint32) (T, error) {
	var zero T
	if err := ca.checkRange(i, 1); err != nil {
		return zero, err
	}
	seg, sub := ca.segmentFor(i)
	size := ca.codec.Size()
	buf := make([]byte, size)
	if err := ca.alloc.Read(seg, sub, size, buf); err != nil {
		return zero, err
	}
	return ca.codec.Decode(buf), nil
}

// Set stores v at logical index i.
func (ca *CacheArray[T]) Set(i uint32, v T) error {
	if err := ca.checkRange(i, 1); err != nil {
		return err
	}
	seg, sub := ca.segmentFor(i)
	size := ca.codec.Size()
	buf := make([]byte, size)
	ca.codec.Encode(v, buf)
	return ca.alloc.Write(seg, sub, buf)
}

// GetN fills dst starting at logical index start, recursing across page
// boundaries as needed.
func (ca *CacheArray[T]) GetN(start uint32, dst []T) error {
	n := uint32(len(dst))
	if err := ca.checkRange(start, n); err != nil {
		return err
	}
	size := ca.codec.Size()
	for n > 0 {
		seg, sub := ca.segmentFor(start)
		take := ca.remainingInBlock(start)
		if take > n {
			take = n
		}
		raw := make([]byte, take*size)
		if err := ca.alloc.Read(seg, sub, uint32(len(raw)), raw); err != nil {
			return err
		}
		for k := uint32(0); k < take; k++ {
			dst[k] = ca.codec.Decode(raw[k*size:])
		}
		start += take
		dst = dst[take:]
		n -= take
	}
	return nil
}

// SetN writes src starting at logical index start, recursing across page
// boundaries as needed.
func (ca *CacheArray[T]) SetN(start uint32, src []T) error {
	n := uint32(len(src))
	if err := ca.checkRange(start, n); err != nil {
		return err
	}
	size := ca.codec.Size()
	for n > 0 {
		seg, sub := ca.segmentFor(start)
		take := ca.remainingInBlock(start)
		if take > n {
			take = n
		}
		raw := make([]byte, take*size)
		for k := uint32(0); k < take; k++ {
			ca.codec.Encode(src[k], raw[k*size:])
		}
		if err := ca.alloc.Write(seg, sub, raw); err != nil {
			return err
		}
		start += take
		src = src[take:]
		n -= take
	}
	return nil
}

// CacheArraySlice is a non-owning, index-rebased view over a CacheArray.
type CacheArraySlice[T any] struct {
	arr        *CacheArray[T]
	begin, end uint32
}

// Slice returns a view over the logical range [begin, end).
func (ca *CacheArray[T]) Slice(begin, end uint32) (*CacheArraySlice[T], error) {
	if end < begin || end > ca.length {
		return nil, fmt.Errorf("cache: invalid slice bounds [%d,%d) over length %d", begin, end, ca.length)
	}
	return &CacheArraySlice[T]{arr: ca, begin: begin, end: end}, nil
}

func (s *CacheArraySlice[T]) Len() uint32 { return s.end - s.begin }

func (s *CacheArraySlice[T]) Get(i uint32) (T, error) {
	var zero T
	if i >= s.Len() {
		return zero, fmt.Errorf("cache: slice index %d out of bounds (len %d)", i, s.Len())
	}
	return s.arr.Get(s.begin + i)
}

func (s *CacheArraySlice[T]) Set(i uint32, v T) error {
	if i >= s.Len() {
		return fmt.Errorf("cache: slice index %d out of bounds (len %d)", i, s.Len())
	}
	return s.arr.Set(s.begin+i, v)
}

func (s *CacheArraySlice[T]) GetN(start uint32, dst []T) error {
	if start+uint32(len(dst)) > s.Len() {
		return fmt.Errorf("cache: slice range out of bounds")
	}
	return s.arr.GetN(s.begin+start, dst)
}

func (s *CacheArraySlice[T]) SetN(start uint32, src []T) error {
	if start+uint32(len(src)) > s.Len() {
		return fmt.Errorf("cache: slice range out of bounds")
	}
	return s.arr.SetN(s.begin+start, src)
}

// ───────────────────────────────────────────────────────────────────────────
// Block-wise iteration (map/generate/reduce/copy_raw)
// ───────────────────────────────────────────────────────────────────────────

func (ca *CacheArray[T]) blocks() []blockSpan {
	spans := make([]blockSpan, 0, ca.nFull+1)
	for p := uint32(0); p < ca.nFull; p++ {
		spans = append(spans, blockSpan{
			seg:      AllocatedSegment{BlockAddr: ca.firstFullAddr + p, Offset: ca.fullBaseOffset},
			startIdx: p * ca.elemsPerBlock,
			count:    ca.elemsPerBlock,
		})
	}
	if ca.restCap > 0 {
		spans = append(spans, blockSpan{
			seg:      ca.rest,
			startIdx: ca.nFull * ca.elemsPerBlock,
			count:    ca.restCap,
		})
	}
	return spans
}

// orderedBlocks returns this array's blocks with resident pages first, then
// evicted pages in address order — the thrash-minimizing order spec.md
// §4.4.1 requires for map/generate/reduce/copy_raw.
func (ca *CacheArray[T]) orderedBlocks() []blockSpan {
	spans := ca.blocks()
	sort.SliceStable(spans, func(i, j int) bool {
		ri := ca.alloc.IsResident(spans[i].seg.BlockAddr)
		rj := ca.alloc.IsResident(spans[j].seg.BlockAddr)
		if ri != rj {
			return ri
		}
		return spans[i].seg.BlockAddr < spans[j].seg.BlockAddr
	})
	return spans
}

func (ca *CacheArray[T]) readBlock(sp blockSpan) ([]T, error) {
	size := ca.codec.Size()
	raw := make([]byte, sp.count*size)
	if err := ca.alloc.Read(sp.seg, 0, uint32(len(raw)), raw); err != nil {
		return nil, err
	}
	out := make([]T, sp.count)
	for i := range out {
		out[i] = ca.codec.Decode(raw[uint32(i)*size:])
	}
	return out, nil
}

func (ca *CacheArray[T]) writeBlock(sp blockSpan, vs []T) error {
	size := ca.codec.Size()
	raw := make([]byte, uint32(len(vs))*size)
	for i, v := range vs {
		ca.codec.Encode(v, raw[uint32(i)*size:])
	}
	return ca.alloc.Write(sp.seg, 0, raw)
}

// Map overwrites every element in place with fn(element), iterating
// block-wise in resident-first order.
func (ca *CacheArray[T]) Map(fn func(T) T) error {
	for _, sp := range ca.orderedBlocks() {
		vs, err := ca.readBlock(sp)
		if err != nil {
			return err
		}
		for i := range vs {
			vs[i] = fn(vs[i])
		}
		if err := ca.writeBlock(sp, vs); err != nil {
			return err
		}
	}
	return nil
}

// Generate overwrites every element with fn(globalIndex), iterating
// block-wise in resident-first order.
func (ca *CacheArray[T]) Generate(fn func(i uint32) T) error {
	for _, sp := range ca.orderedBlocks() {
		vs := make([]T, sp.count)
		for k := range vs {
			vs[k] = fn(sp.startIdx + uint32(k))
		}
		if err := ca.writeBlock(sp, vs); err != nil {
			return err
		}
	}
	return nil
}

// Reduce folds fn over every element in resident-first block order,
// starting from init. The fold order across blocks is therefore not
// strictly left-to-right by index — callers needing index order should use
// GetN directly with fn commutative/associative, matching spec.md's note
// that block order favors hot pages over index order.
func (ca *CacheArray[T]) Reduce(fn func(acc, v T) T, init T) (T, error) {
	acc := init
	for _, sp := range ca.orderedBlocks() {
		vs, err := ca.readBlock(sp)
		if err != nil {
			return acc, err
		}
		for _, v := range vs {
			acc = fn(acc, v)
		}
	}
	return acc, nil
}

// CopyRaw performs a page-wise byte copy from src into ca, preferring
// page pairs that are already resident on both sides. Both arrays must
// share identical page geometry (same element codec size, same nFull,
// elemsPerBlock and restCap) — this is the "identical page geometry"
// precondition from spec.md §4.4.1.
func (ca *CacheArray[T]) CopyRaw(src *CacheArray[T]) error {
	if ca.nFull != src.nFull || ca.elemsPerBlock != src.elemsPerBlock || ca.restCap != src.restCap {
		return fmt.Errorf("cache: copy_raw requires identical page geometry")
	}
	dstBlocks := ca.blocks()
	srcBlocks := src.blocks()
	size := ca.codec.Size()

	order := make([]int, len(dstBlocks))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		bi, bj := order[i], order[j]
		hotI := ca.alloc.IsResident(dstBlocks[bi].seg.BlockAddr) && ca.alloc.IsResident(srcBlocks[bi].seg.BlockAddr)
		hotJ := ca.alloc.IsResident(dstBlocks[bj].seg.BlockAddr) && ca.alloc.IsResident(srcBlocks[bj].seg.BlockAddr)
		if hotI != hotJ {
			return hotI
		}
		return dstBlocks[bi].startIdx < dstBlocks[bj].startIdx
	})

	for _, idx := range order {
		length := dstBlocks[idx].count * size
		if err := ca.alloc.Copy(srcBlocks[idx].seg, dstBlocks[idx].seg, length); err != nil {
			return err
		}
	}
	return nil
}

// ───────────────────────────────────────────────────────────────────────────
// Pusher / Puller cursors
// ───────────────────────────────────────────────────────────────────────────

// Pusher stages writes into a buffer, flushing to storage once it reaches
// cap or on an explicit Flush/Close.
type Pusher[T any] struct {
	arr  *CacheArray[T]
	next uint32
	buf  []T
	cap  uint32
}

// Pusher returns a buffered write cursor starting at logical index start.
func (ca *CacheArray[T]) Pusher(start uint32, cap uint32) *Pusher[T] {
	if cap == 0 {
		cap = 1
	}
	return &Pusher[T]{arr: ca, next: start, buf: make([]T, 0, cap), cap: cap}
}

// Push appends v to the staging buffer, flushing automatically on overflow.
func (p *Pusher[T]) Push(v T) error {
	p.buf = append(p.buf, v)
	if uint32(len(p.buf)) >= p.cap {
		return p.Flush()
	}
	return nil
}

// Flush writes any staged elements to storage now.
func (p *Pusher[T]) Flush() error {
	if len(p.buf) == 0 {
		return nil
	}
	if err := p.arr.SetN(p.next, p.buf); err != nil {
		return err
	}
	p.next += uint32(len(p.buf))
	p.buf = p.buf[:0]
	return nil
}

// Close flushes any remaining staged elements. It is safe to call Close
// without a preceding Flush.
func (p *Pusher[T]) Close() error { return p.Flush() }

// Puller stages reads ahead of a cursor, serving Pull calls from the
// buffer and refilling from storage on exhaustion.
type Puller[T any] struct {
	arr  *CacheArray[T]
	next uint32
	end  uint32
	buf  []T
	pos  int
	cap  uint32
}

// Puller returns a buffered read cursor over logical indices [start, end).
func (ca *CacheArray[T]) Puller(start, end uint32, cap uint32) *Puller[T] {
	if cap == 0 {
		cap = 1
	}
	return &Puller[T]{arr: ca, next: start, end: end, cap: cap}
}

// Pull returns the next element, or ok=false once [start, end) is exhausted.
func (p *Puller[T]) Pull() (v T, ok bool, err error) {
	if p.pos >= len(p.buf) {
		if p.next >= p.end {
			return v, false, nil
		}
		n := p.cap
		if remaining := p.end - p.next; n > remaining {
			n = remaining
		}
		p.buf = make([]T, n)
		if err := p.arr.GetN(p.next, p.buf); err != nil {
			return v, false, err
		}
		p.next += n
		p.pos = 0
	}
	v = p.buf[p.pos]
	p.pos++
	return v, true, nil
}
