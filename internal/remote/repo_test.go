package remote

import (
	"bytes"
	"testing"

	"github.com/paged-mem/pagedmem/internal/addr"
	"github.com/paged-mem/pagedmem/internal/cache"
)

func startTestRepo(t *testing.T, pageSize uint32, maxResident int) (*Repository, addr.SockAddrV4) {
	t.Helper()
	persister, err := NewLocalPersister(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	repo, err := NewRepository(addr.SockAddrV4{IP: [4]byte{127, 0, 0, 1}, Port: 0}, pageSize, maxResident, persister)
	if err != nil {
		t.Fatal(err)
	}
	go repo.Serve()
	t.Cleanup(func() { repo.Close() })
	return repo, repo.Addr()
}

func TestRepository_StoreLoadEraseExists(t *testing.T) {
	_, bound := startTestRepo(t, 64, 2)
	p := NewRemotePersister(bound, 64, 2)
	defer p.Close()

	buf := bytes.Repeat([]byte{0xAB}, 64)
	if err := p.Save(1, buf); err != nil {
		t.Fatalf("save: %v", err)
	}

	exists, err := p.Exists(1)
	if err != nil || !exists {
		t.Fatalf("exists(1) = %v, %v; want true, nil", exists, err)
	}

	got := make([]byte, 64)
	if err := p.Load(1, got); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(got, buf) {
		t.Fatalf("load round trip mismatch")
	}

	// Load is move-semantics on this repository too: a second load of the
	// same address, never re-saved, must report ErrBlockNotFound.
	if err := p.Load(1, got); err != cache.ErrBlockNotFound {
		t.Fatalf("expected ErrBlockNotFound after consuming load, got %v", err)
	}
}

func TestRepository_EvictionUnderResidentCap(t *testing.T) {
	_, bound := startTestRepo(t, 32, 1)
	p := NewRemotePersister(bound, 32, 2)
	defer p.Close()

	buf1 := bytes.Repeat([]byte{0x01}, 32)
	buf2 := bytes.Repeat([]byte{0x02}, 32)
	if err := p.Save(1, buf1); err != nil {
		t.Fatal(err)
	}
	if err := p.Save(2, buf2); err != nil {
		t.Fatal(err)
	}

	got1 := make([]byte, 32)
	if err := p.Load(1, got1); err != nil {
		t.Fatalf("load evicted block 1: %v", err)
	}
	if !bytes.Equal(got1, buf1) {
		t.Fatalf("evicted block 1 mismatch after reload")
	}
}

func TestRepository_EraseMissingIsNotAnError(t *testing.T) {
	_, bound := startTestRepo(t, 16, 1)
	p := NewRemotePersister(bound, 16, 1)
	defer p.Close()

	if err := p.Erase(999); err != nil {
		t.Fatalf("erase of never-stored block should not error: %v", err)
	}
}

func TestRepository_MultipleClientsAreNamespaced(t *testing.T) {
	_, bound := startTestRepo(t, 16, 4)
	pA := NewRemotePersister(bound, 16, 1)
	pB := NewRemotePersister(bound, 16, 1)
	defer pA.Close()
	defer pB.Close()

	bufA := bytes.Repeat([]byte{0xAA}, 16)
	bufB := bytes.Repeat([]byte{0xBB}, 16)
	if err := pA.Save(1, bufA); err != nil {
		t.Fatal(err)
	}
	if err := pB.Save(1, bufB); err != nil {
		t.Fatal(err)
	}

	gotA := make([]byte, 16)
	gotB := make([]byte, 16)
	if err := pA.Load(1, gotA); err != nil {
		t.Fatal(err)
	}
	if err := pB.Load(1, gotB); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gotA, bufA) || !bytes.Equal(gotB, bufB) {
		t.Fatalf("client namespacing leaked: gotA=%x gotB=%x", gotA, gotB)
	}
}
