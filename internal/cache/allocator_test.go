package cache

import (
	"testing"
)

func TestAllocator_SinglePage(t *testing.T) {
	dir := t.TempDir()
	p, err := NewLocalPersister(dir)
	if err != nil {
		t.Fatal(err)
	}
	a, err := NewPagedAllocator(4096, 1, p)
	if err != nil {
		t.Fatal(err)
	}

	segA, err := a.Allocate(100)
	if err != nil {
		t.Fatalf("allocate 100: %v", err)
	}
	segB, err := a.Allocate(200)
	if err != nil {
		t.Fatalf("allocate 200: %v", err)
	}
	if segA.BlockAddr != segB.BlockAddr {
		t.Fatalf("expected both allocations on the single resident page")
	}

	wantA := []byte("hello-a-payload-bytes")
	wantB := []byte("hello-b-payload-bytes-longer")
	if err := a.Write(segA, 0, wantA); err != nil {
		t.Fatal(err)
	}
	if err := a.Write(segB, 0, wantB); err != nil {
		t.Fatal(err)
	}
	gotA := make([]byte, len(wantA))
	gotB := make([]byte, len(wantB))
	if err := a.Read(segA, 0, uint32(len(gotA)), gotA); err != nil {
		t.Fatal(err)
	}
	if err := a.Read(segB, 0, uint32(len(gotB)), gotB); err != nil {
		t.Fatal(err)
	}
	if string(gotA) != string(wantA) || string(gotB) != string(wantB) {
		t.Fatalf("read-back mismatch")
	}

	if err := a.Free(segA); err != nil {
		t.Fatal(err)
	}
	if err := a.Free(segB); err != nil {
		t.Fatal(err)
	}

	// Page should now be empty and reusable for a full-capacity allocation.
	if _, err := a.Allocate(a.MaxUserAlloc()); err != nil {
		t.Fatalf("full-capacity allocation after emptying page: %v", err)
	}
}

func TestAllocator_SpillEvictsLRU(t *testing.T) {
	dir := t.TempDir()
	p, err := NewLocalPersister(dir)
	if err != nil {
		t.Fatal(err)
	}
	a, err := NewPagedAllocator(4096, 2, p)
	if err != nil {
		t.Fatal(err)
	}

	var segs []AllocatedSegment
	for i := 0; i < 24; i++ {
		seg, err := a.Allocate(500)
		if err != nil {
			t.Fatalf("allocate #%d: %v", i, err)
		}
		segs = append(segs, seg)
		if err := a.Write(seg, 0, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}

	if a.ResidentCount() > 2 {
		t.Fatalf("resident count %d exceeds max_pages budget of 2", a.ResidentCount())
	}
	if a.PageCount() < 3 {
		t.Fatalf("expected at least 3 pages to have been created, got %d", a.PageCount())
	}

	// Reading every segment, including ones now evicted, must still
	// round-trip correctly (P5) and must never exceed the resident budget.
	for i, seg := range segs {
		got := make([]byte, 1)
		if err := a.Read(seg, 0, 1, got); err != nil {
			t.Fatalf("read seg #%d: %v", i, err)
		}
		if got[0] != byte(i) {
			t.Fatalf("seg #%d: got %d, want %d", i, got[0], i)
		}
		if a.ResidentCount() > 2 {
			t.Fatalf("resident count exceeded budget after reading seg #%d", i)
		}
	}
}

func TestAllocator_RejectsOversizeAllocation(t *testing.T) {
	dir := t.TempDir()
	p, _ := NewLocalPersister(dir)
	a, _ := NewPagedAllocator(4096, 1, p)
	if _, err := a.Allocate(a.MaxUserAlloc() + 1); err == nil {
		t.Fatal("expected error allocating beyond max_user_alloc")
	}
}

func TestAllocator_MultiPageContiguity(t *testing.T) {
	dir := t.TempDir()
	p, _ := NewLocalPersister(dir)
	a, err := NewPagedAllocator(4096, 2, p)
	if err != nil {
		t.Fatal(err)
	}

	size := uint64(a.MaxUserAlloc())*3 + 123
	rest, firstFull, nFull, fullSize, err := a.AllocateMulti(size)
	if err != nil {
		t.Fatalf("allocate_multi: %v", err)
	}
	if nFull != 3 {
		t.Fatalf("expected 3 full pages, got %d", nFull)
	}
	if fullSize != a.MaxUserAlloc() {
		t.Fatalf("full size mismatch: %d vs %d", fullSize, a.MaxUserAlloc())
	}
	if rest.IsZero() {
		t.Fatal("expected a non-empty rest segment for the 123-byte remainder")
	}
	for i := uint32(0); i < nFull; i++ {
		addr := firstFull + i
		if addr < 1 {
			t.Fatalf("full page %d has invalid address", i)
		}
	}
}

func TestAllocator_FreeManyResidentFirst(t *testing.T) {
	dir := t.TempDir()
	p, _ := NewLocalPersister(dir)
	a, _ := NewPagedAllocator(4096, 3, p)

	var segs []AllocatedSegment
	for i := 0; i < 10; i++ {
		seg, err := a.Allocate(300)
		if err != nil {
			t.Fatal(err)
		}
		segs = append(segs, seg)
	}
	if err := a.FreeMany(segs); err != nil {
		t.Fatalf("free_many: %v", err)
	}
}

func TestAllocator_PersisterEraseFailureIsIgnored(t *testing.T) {
	dir := t.TempDir()
	p, _ := NewLocalPersister(dir)
	a, _ := NewPagedAllocator(4096, 1, p)
	seg, err := a.Allocate(100)
	if err != nil {
		t.Fatal(err)
	}
	// Page 1 was never persisted, so when Free trims it the persister's
	// Erase finds no backing file to remove; this must not surface as an
	// error (spec.md §7: erase failures are logged-and-ignored).
	if err := a.Free(seg); err != nil {
		t.Fatalf("free should not fail even if nothing was ever persisted: %v", err)
	}
}
