// Package cache implements a paged allocator with free-list blocks, LRU
// eviction, and pluggable block persistence, together with the CacheArray
// and CacheArrayList sequence abstractions layered on top of it.
//
// The storage unit is a fixed-size page identified by a positive uint32
// address. The page size is set per allocator by NewPagedAllocator; this
// package has no default page size. Every page begins with a small free-list header
// followed by a singly linked chain of free regions ordered by offset; a
// live sub-allocation is prefixed by a 4-byte reserved-size field so that
// freeing it needs only the offset handed back by Allocate.
package cache

import "encoding/binary"

// ───────────────────────────────────────────────────────────────────────────
// In-page free list
// ───────────────────────────────────────────────────────────────────────────
//
// Layout of a page buffer:
//
//	[0:4]   total_size   (uint32 LE) — size of the payload region
//	[4:8]   head_offset  (uint32 LE) — offset of first free node, 0 = empty
//	[8:..]  payload       — free nodes and live allocations interleaved
//
// A free node occupies the first flNodeSize bytes of its region:
//
//	[off:off+4]   size         (uint32 LE) — total size of this free region
//	[off+4:off+8] next_offset  (uint32 LE) — next free node, 0 = end of list
//
// A live allocation is prefixed by a single reserved_size field:
//
//	[off:off+4]   reserved_size (uint32 LE) — total region size incl. prefix
//	[off+4:..]    user bytes
//
// The free list is kept sorted by offset at all times so that Free can
// coalesce with its immediate neighbours in a single pass.

const (
	flHeaderSize = 8 // total_size + head_offset
	flNodeSize   = 8 // size + next_offset
	flReserved   = 4 // reserved_size prefix on a live allocation
)

// freeList is an in-page free-list view over a page's raw bytes. It does not
// own the buffer; callers are responsible for keeping it alive and for
// serializing concurrent access (the PagedAllocator's mutex does this).
type freeList struct {
	buf []byte
}

// wrapFreeList views an already-initialized page buffer as a free list.
func wrapFreeList(buf []byte) *freeList {
	return &freeList{buf: buf}
}

// createFreeList zeroes buf and installs a single free node spanning the
// whole payload region (buf[flHeaderSize:]).
func createFreeList(buf []byte) *freeList {
	for i := range buf {
		buf[i] = 0
	}
	fl := &freeList{buf: buf}
	payload := uint32(len(buf) - flHeaderSize)
	fl.setTotalSize(payload)
	fl.setHeadOffset(flHeaderSize)
	fl.writeNode(flHeaderSize, payload, 0)
	return fl
}

func (fl *freeList) totalSize() uint32  { return binary.LittleEndian.Uint32(fl.buf[0:4]) }
func (fl *freeList) headOffset() uint32 { return binary.LittleEndian.Uint32(fl.buf[4:8]) }

func (fl *freeList) setTotalSize(v uint32)  { binary.LittleEndian.PutUint32(fl.buf[0:4], v) }
func (fl *freeList) setHeadOffset(v uint32) { binary.LittleEndian.PutUint32(fl.buf[4:8], v) }

func (fl *freeList) nodeSize(off uint32) uint32 {
	return binary.LittleEndian.Uint32(fl.buf[off : off+4])
}
func (fl *freeList) nodeNext(off uint32) uint32 {
	return binary.LittleEndian.Uint32(fl.buf[off+4 : off+8])
}
func (fl *freeList) writeNode(off, size, next uint32) {
	binary.LittleEndian.PutUint32(fl.buf[off:off+4], size)
	binary.LittleEndian.PutUint32(fl.buf[off+4:off+8], next)
}

func (fl *freeList) setReservedSize(off, size uint32) {
	binary.LittleEndian.PutUint32(fl.buf[off:off+4], size)
}
func (fl *freeList) reservedSize(off uint32) uint32 {
	return binary.LittleEndian.Uint32(fl.buf[off : off+4])
}

// maxUserAlloc returns the largest single-shot allocation this page could
// ever serve, i.e. the whole payload minus the reserved-size prefix.
func (fl *freeList) maxUserAlloc() uint32 {
	return fl.totalSize() - flReserved
}

// allocate performs a best-fit search of the free list and returns the
// user-visible payload offset (node offset + flReserved), or ok=false if no
// free node can satisfy size.
func (fl *freeList) allocate(size uint32) (offset uint32, ok bool) {
	need := size + flReserved
	if need < flNodeSize {
		need = flNodeSize
	}

	var (
		bestOff, bestSize, bestPrev uint32
		havePrev                    bool
		found                       bool
	)

	prev := uint32(0)
	havePrevAt := false
	cur := fl.headOffset()
	for cur != 0 {
		sz := fl.nodeSize(cur)
		if sz >= need && (!found || sz < bestSize) {
			found = true
			bestOff = cur
			bestSize = sz
			bestPrev = prev
			havePrev = havePrevAt
		}
		prev = cur
		havePrevAt = true
		cur = fl.nodeNext(cur)
	}
	if !found {
		return 0, false
	}

	next := fl.nodeNext(bestOff)
	remainder := bestSize - need
	if remainder >= flNodeSize {
		// Split: keep [bestOff, bestOff+need) for the allocation, carve the
		// rest into a new free node linked in bestOff's old place.
		newOff := bestOff + need
		fl.writeNode(newOff, remainder, next)
		fl.relink(havePrev, bestPrev, newOff)
		fl.setReservedSize(bestOff, need)
	} else {
		// Consume the whole node; any slack bytes become internal
		// fragmentation carried inside the live allocation's reserved size.
		fl.relink(havePrev, bestPrev, next)
		fl.setReservedSize(bestOff, bestSize)
	}

	return bestOff + flReserved, true
}

// relink points prev's next field (or the list head, if there is no prev)
// at newTarget.
func (fl *freeList) relink(havePrev bool, prev, newTarget uint32) {
	if havePrev {
		size := fl.nodeSize(prev)
		fl.writeNode(prev, size, newTarget)
	} else {
		fl.setHeadOffset(newTarget)
	}
}

// free recovers the reserved_size prefix at offset-flReserved, reinserts the
// region into the sorted free list, and coalesces it with any adjacent free
// neighbours.
func (fl *freeList) free(offset uint32) {
	nodeOff := offset - flReserved
	size := fl.reservedSize(nodeOff)

	// Walk to find the insertion point: largest offset strictly less than
	// nodeOff (prev) and the first offset >= nodeOff (next).
	var prev uint32
	havePrev := false
	cur := fl.headOffset()
	for cur != 0 && cur < nodeOff {
		prev = cur
		havePrev = true
		cur = fl.nodeNext(cur)
	}
	next := cur // either 0 or the first free node at/after nodeOff

	fl.writeNode(nodeOff, size, next)
	fl.relink(havePrev, prev, nodeOff)

	// Coalesce forward: this node's region butts against `next`.
	if next != 0 && nodeOff+size == next {
		mergedSize := size + fl.nodeSize(next)
		mergedNext := fl.nodeNext(next)
		fl.writeNode(nodeOff, mergedSize, mergedNext)
		size = mergedSize
	}

	// Coalesce backward: `prev`'s region butts against this node.
	if havePrev {
		prevSize := fl.nodeSize(prev)
		if prev+prevSize == nodeOff {
			mergedNext := fl.nodeNext(nodeOff)
			fl.writeNode(prev, prevSize+size, mergedNext)
		}
	}
}

// maxFreeRun returns the largest node's usable payload capacity (node size
// minus the reserved-size prefix), or 0 if the free list is empty.
func (fl *freeList) maxFreeRun() uint32 {
	var best uint32
	cur := fl.headOffset()
	for cur != 0 {
		sz := fl.nodeSize(cur)
		if sz > best {
			best = sz
		}
		cur = fl.nodeNext(cur)
	}
	if best < flReserved {
		return 0
	}
	return best - flReserved
}

// isEmpty reports whether a single free node spans the entire payload.
func (fl *freeList) isEmpty() bool {
	head := fl.headOffset()
	if head == 0 {
		return false
	}
	return fl.nodeSize(head) == fl.totalSize() && fl.nodeNext(head) == 0
}
