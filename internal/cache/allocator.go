package cache

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// ErrAllocTooLarge is returned by Allocate when size exceeds MaxUserAlloc.
var ErrAllocTooLarge = errors.New("cache: allocation exceeds max_user_alloc; use a multi-page allocation")

// ErrNoEvictableVictim is returned (after a brief backoff-and-retry) when the
// resident set is at capacity and no page can be evicted — unreachable under
// this package's own allocator, which pins nothing outside its single
// mutex, but kept as a defined failure mode per spec.md §4.3.
var ErrNoEvictableVictim = errors.New("cache: no evictable page available")

// AllocatedSegment identifies a sub-allocation: the page it lives in plus
// the payload offset within that page's bytes.
type AllocatedSegment struct {
	BlockAddr uint32
	Offset    uint32
}

// IsZero reports whether seg is the zero value, used to mean "no tail
// segment yet" for a CacheArray/CacheArrayList whose rest is empty.
func (seg AllocatedSegment) IsZero() bool {
	return seg.BlockAddr == 0 && seg.Offset == 0
}

type pageMeta struct {
	lruTick    uint64
	maxFreeRun uint32
}

// PagedAllocator is a process-scoped (or test-scoped) manager of fixed-size
// pages. It serves sub-allocations, caches a bounded set of pages resident
// in RAM, and evicts least-recently-used pages through a Persister.
//
// A single mutex serializes all state changes, including the I/O performed
// while materializing or evicting a page — contention is acceptable because
// the allocator is latency-bound on disk/network I/O, not CPU (spec.md §5).
type PagedAllocator struct {
	mu sync.Mutex

	pageSize     uint32
	maxUserAlloc uint32
	maxPages     int

	persister Persister

	meta     []pageMeta        // indexed by addr-1; grows, never shrinks except trailing trim
	resident map[uint32][]byte // addr -> page bytes, for currently RESIDENT pages
	tick     uint64

	// fatal is set once a persister save fails during eviction. Per spec.md
	// §4.3 this is unrecoverable: the allocator refuses to proceed, and
	// every subsequent call returns fatal rather than risk losing data
	// silently.
	fatal error
}

// NewPagedAllocator creates an allocator with the given page size (bytes)
// and resident-page budget, backed by persister for evicted pages.
func NewPagedAllocator(pageSize uint32, maxPages int, persister Persister) (*PagedAllocator, error) {
	if pageSize <= flHeaderSize+flReserved {
		return nil, fmt.Errorf("cache: page size %d too small", pageSize)
	}
	if maxPages < 1 {
		return nil, fmt.Errorf("cache: max pages must be at least 1, got %d", maxPages)
	}
	return &PagedAllocator{
		pageSize:     pageSize,
		maxUserAlloc: pageSize - flHeaderSize - flReserved,
		maxPages:     maxPages,
		persister:    persister,
		resident:     make(map[uint32][]byte),
	}, nil
}

// PageSize returns the fixed page size in bytes.
func (a *PagedAllocator) PageSize() uint32 { return a.pageSize }

// MaxUserAlloc returns the largest single-page allocation this allocator can
// ever serve; larger requests must go through AllocateMulti.
func (a *PagedAllocator) MaxUserAlloc() uint32 { return a.maxUserAlloc }

// Allocate serves a sub-allocation of size bytes, picking a resident page
// with room first, then a cached-fitting evicted page, then a brand new
// page, per the three-step search in spec.md §4.3.
func (a *PagedAllocator) Allocate(size uint32) (AllocatedSegment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateLocked(size, false)
}

// allocateLocked requires a.mu to be held. forceNewPage is used by
// AllocateMulti to guarantee a contiguous run of full pages.
func (a *PagedAllocator) allocateLocked(size uint32, forceNewPage bool) (AllocatedSegment, error) {
	if a.fatal != nil {
		return AllocatedSegment{}, a.fatal
	}
	if size > a.maxUserAlloc {
		return AllocatedSegment{}, ErrAllocTooLarge
	}

	if !forceNewPage {
		if seg, ok, err := a.tryResidentPages(size); err != nil {
			return AllocatedSegment{}, err
		} else if ok {
			return seg, nil
		}
		if seg, ok, err := a.tryEvictedPages(size); err != nil {
			return AllocatedSegment{}, err
		} else if ok {
			return seg, nil
		}
	}

	return a.allocateOnNewPage(size)
}

// tryResidentPages scans resident pages (deterministically ordered by
// address, which is a legal refinement of "LRU order" — relative recency
// only matters for eviction, not for where a same-cost allocation lands)
// for one whose cached max_free_run can satisfy size.
func (a *PagedAllocator) tryResidentPages(size uint32) (AllocatedSegment, bool, error) {
	for _, addr := range a.residentAddrsSorted() {
		if a.meta[addr-1].maxFreeRun < size {
			continue
		}
		buf := a.resident[addr]
		fl := wrapFreeList(buf)
		off, ok := fl.allocate(size)
		if !ok {
			continue
		}
		a.meta[addr-1].maxFreeRun = fl.maxFreeRun()
		a.touch(addr)
		return AllocatedSegment{BlockAddr: addr, Offset: off}, true, nil
	}
	return AllocatedSegment{}, false, nil
}

// tryEvictedPages scans non-resident pages whose last-known max_free_run
// still admits size, loading the first candidate found.
func (a *PagedAllocator) tryEvictedPages(size uint32) (AllocatedSegment, bool, error) {
	for addr := uint32(1); addr <= uint32(len(a.meta)); addr++ {
		if _, resident := a.resident[addr]; resident {
			continue
		}
		if a.meta[addr-1].maxFreeRun < size {
			continue
		}
		buf, err := a.ensureResidentLocked(addr)
		if err != nil {
			return AllocatedSegment{}, false, err
		}
		fl := wrapFreeList(buf)
		off, ok := fl.allocate(size)
		if !ok {
			// Cached hint was stale; keep scanning rather than failing.
			a.meta[addr-1].maxFreeRun = fl.maxFreeRun()
			continue
		}
		a.meta[addr-1].maxFreeRun = fl.maxFreeRun()
		a.touch(addr)
		return AllocatedSegment{BlockAddr: addr, Offset: off}, true, nil
	}
	return AllocatedSegment{}, false, nil
}

func (a *PagedAllocator) allocateOnNewPage(size uint32) (AllocatedSegment, error) {
	addr := uint32(len(a.meta)) + 1
	a.meta = append(a.meta, pageMeta{})
	buf, err := a.ensureResidentLocked(addr)
	if err != nil {
		a.meta = a.meta[:len(a.meta)-1]
		return AllocatedSegment{}, err
	}
	fl := wrapFreeList(buf)
	off, ok := fl.allocate(size)
	if !ok {
		// Cannot happen for size <= maxUserAlloc on a freshly emptied page.
		return AllocatedSegment{}, fmt.Errorf("cache: new page cannot satisfy %d-byte allocation", size)
	}
	a.meta[addr-1].maxFreeRun = fl.maxFreeRun()
	a.touch(addr)
	return AllocatedSegment{BlockAddr: addr, Offset: off}, nil
}

// AllocateNewPage forces a brand new page and serves size bytes from it,
// bypassing the resident/evicted reuse scans. CacheArray and CacheArrayList
// use this to guarantee a freshly appended page gets the next address in
// sequence, the same "force new page" knob spec.md §4.3 calls out for
// multi-page runs.
func (a *PagedAllocator) AllocateNewPage(size uint32) (AllocatedSegment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateLocked(size, true)
}

// AllocateMulti greedily decomposes a size larger than MaxUserAlloc into a
// contiguous run of nFull full pages (each exactly fullSize bytes) starting
// at firstFullAddr, plus an optional tail `rest` segment for the remainder.
func (a *PagedAllocator) AllocateMulti(size uint64) (rest AllocatedSegment, firstFullAddr uint32, nFull uint32, fullSize uint32, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	fullSize = a.maxUserAlloc
	nFull = uint32(size / uint64(fullSize))
	remainder := uint32(size % uint64(fullSize))

	var allocatedFull []AllocatedSegment
	for i := uint32(0); i < nFull; i++ {
		seg, aerr := a.allocateLocked(fullSize, true)
		if aerr != nil {
			for _, s := range allocatedFull {
				_ = a.freeLocked(s)
			}
			return AllocatedSegment{}, 0, 0, 0, aerr
		}
		if i == 0 {
			firstFullAddr = seg.BlockAddr
		}
		allocatedFull = append(allocatedFull, seg)
	}

	if remainder > 0 {
		rest, err = a.allocateLocked(remainder, false)
		if err != nil {
			for _, s := range allocatedFull {
				_ = a.freeLocked(s)
			}
			return AllocatedSegment{}, 0, 0, 0, err
		}
	}
	return rest, firstFullAddr, nFull, fullSize, nil
}

// Free releases a previously allocated segment.
func (a *PagedAllocator) Free(seg AllocatedSegment) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeLocked(seg)
}

func (a *PagedAllocator) freeLocked(seg AllocatedSegment) error {
	buf, err := a.ensureResidentLocked(seg.BlockAddr)
	if err != nil {
		return err
	}
	fl := wrapFreeList(buf)
	fl.free(seg.Offset)
	a.meta[seg.BlockAddr-1].maxFreeRun = fl.maxFreeRun()
	a.touch(seg.BlockAddr)

	if fl.isEmpty() {
		a.releaseIfTrailing(seg.BlockAddr)
	}
	return nil
}

// FreeMany frees resident segments first (to minimize eviction thrash
// during the run), then the rest, per spec.md §4.3.
func (a *PagedAllocator) FreeMany(segs []AllocatedSegment) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var resident, evicted []AllocatedSegment
	for _, s := range segs {
		if _, ok := a.resident[s.BlockAddr]; ok {
			resident = append(resident, s)
		} else {
			evicted = append(evicted, s)
		}
	}
	for _, s := range resident {
		if err := a.freeLocked(s); err != nil {
			return err
		}
	}
	for _, s := range evicted {
		if err := a.freeLocked(s); err != nil {
			return err
		}
	}
	return nil
}

// releaseIfTrailing trims a run of empty trailing pages from the address
// vector once addr (now empty) is the current highest address. Pages that
// become empty in the middle of the address space stay RESIDENT-empty,
// available for reuse by a later Allocate.
func (a *PagedAllocator) releaseIfTrailing(addr uint32) {
	if addr != uint32(len(a.meta)) {
		return
	}
	for len(a.meta) > 0 {
		last := uint32(len(a.meta))
		if a.meta[last-1].maxFreeRun != a.maxUserAlloc {
			break
		}
		delete(a.resident, last)
		if err := a.persister.Erase(last); err != nil {
			// Erase failures are logged-and-ignored, never fatal (spec.md §7).
			logErasedFailure(last, err)
		}
		a.meta = a.meta[:last-1]
	}
}

// Read copies length bytes starting at subOffset within seg's payload into
// dst, materializing the page if it is currently evicted.
func (a *PagedAllocator) Read(seg AllocatedSegment, subOffset, length uint32, dst []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, err := a.ensureResidentLocked(seg.BlockAddr)
	if err != nil {
		return err
	}
	start := seg.Offset + subOffset
	copy(dst, buf[start:start+length])
	a.touch(seg.BlockAddr)
	return nil
}

// Write copies src into seg's payload starting at subOffset, materializing
// the page if it is currently evicted.
func (a *PagedAllocator) Write(seg AllocatedSegment, subOffset uint32, src []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, err := a.ensureResidentLocked(seg.BlockAddr)
	if err != nil {
		return err
	}
	start := seg.Offset + subOffset
	copy(buf[start:start+uint32(len(src))], src)
	a.touch(seg.BlockAddr)
	return nil
}

// Copy performs a resident-to-resident memcpy of length bytes from src to
// dst, forcing both pages resident first.
func (a *PagedAllocator) Copy(src, dst AllocatedSegment, length uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	srcBuf, err := a.ensureResidentLocked(src.BlockAddr)
	if err != nil {
		return err
	}
	dstBuf, err := a.ensureResidentLocked(dst.BlockAddr)
	if err != nil {
		return err
	}
	copy(dstBuf[dst.Offset:dst.Offset+length], srcBuf[src.Offset:src.Offset+length])
	a.touch(src.BlockAddr)
	a.touch(dst.BlockAddr)
	return nil
}

// IsResident reports whether addr currently has bytes in RAM. Array
// operations use this to prefer iterating hot pages first.
func (a *PagedAllocator) IsResident(addr uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.resident[addr]
	return ok
}

// PageCount returns the current length of the address vector (including
// RESIDENT-empty holes, but not trimmed trailing pages).
func (a *PagedAllocator) PageCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.meta)
}

// ResidentCount returns the number of pages currently held in RAM.
func (a *PagedAllocator) ResidentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.resident)
}

// EvictExcess pushes resident pages out through the persister until at most
// target pages remain resident (or none are left evictable), for a
// background sweep that keeps the resident set near its budget even when
// no foreground Allocate/Read/Write call happens to trigger eviction.
func (a *PagedAllocator) EvictExcess(target int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fatal != nil {
		return 0, a.fatal
	}
	evicted := 0
	for len(a.resident) > target {
		ok, err := a.evictOneLocked()
		if err != nil {
			return evicted, err
		}
		if !ok {
			break
		}
		evicted++
	}
	return evicted, nil
}

func (a *PagedAllocator) residentAddrsSorted() []uint32 {
	addrs := make([]uint32, 0, len(a.resident))
	for addr := range a.resident {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

func (a *PagedAllocator) touch(addr uint32) {
	a.tick++
	a.meta[addr-1].lruTick = a.tick
}

// ensureResidentLocked materializes addr's bytes in RAM, evicting a
// least-recently-used victim first if the resident set is at capacity.
// Requires a.mu to be held.
func (a *PagedAllocator) ensureResidentLocked(addr uint32) ([]byte, error) {
	if a.fatal != nil {
		return nil, a.fatal
	}
	if buf, ok := a.resident[addr]; ok {
		return buf, nil
	}

	for len(a.resident) >= a.maxPages {
		ok, err := a.evictOneLocked()
		if err != nil {
			return nil, err
		}
		if !ok {
			// Back off briefly and retry: under this allocator's own
			// single-mutex design a victim always exists once
			// len(resident) > 0, so this path is defensive only.
			time.Sleep(time.Millisecond)
			ok, err = a.evictOneLocked()
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, ErrNoEvictableVictim
			}
		}
	}

	buf := make([]byte, a.pageSize)
	err := a.persister.Load(addr, buf)
	switch {
	case errors.Is(err, ErrBlockNotFound):
		// Freshly allocated page that was never persisted: initialize an
		// empty free list instead of treating this as corruption.
		createFreeList(buf)
	case err != nil:
		return nil, fmt.Errorf("cache: fatal load failure for page %d: %w", addr, err)
	}

	a.resident[addr] = buf
	return buf, nil
}

// evictOneLocked writes the resident page with the smallest LRU tick
// through the persister and releases its RAM. Ties are broken by the
// smallest address. Requires a.mu to be held.
func (a *PagedAllocator) evictOneLocked() (bool, error) {
	if len(a.resident) == 0 {
		return false, nil
	}
	var victim uint32
	var victimTick uint64
	found := false
	for _, addr := range a.residentAddrsSorted() {
		tick := a.meta[addr-1].lruTick
		if !found || tick < victimTick {
			victim = addr
			victimTick = tick
			found = true
		}
	}
	if !found {
		return false, nil
	}

	buf := a.resident[victim]
	if err := a.persister.Save(victim, buf); err != nil {
		// Fatal: the allocator refuses to proceed rather than silently
		// losing data (spec.md §4.3 Failure modes).
		a.fatal = fmt.Errorf("cache: fatal persister save failure evicting page %d: %w", victim, err)
		return false, a.fatal
	}
	delete(a.resident, victim)
	return true, nil
}

func logErasedFailure(addr uint32, err error) {
	// Erase failures are non-fatal housekeeping noise (spec.md §7): log
	// them and carry on.
	log.Printf("cache: erase of page %d failed (ignored): %v", addr, err)
}

// Close releases the persister's resources.
func (a *PagedAllocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.persister.Close()
}
