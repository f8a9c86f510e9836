package cachecfg

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_LocalPersisterDefaults(t *testing.T) {
	path := writeConfig(t, `
persister:
  kind: local
  local_dir: /tmp/blocks
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Allocator.PageSize != 1<<16 {
		t.Fatalf("page_size default = %d, want %d", cfg.Allocator.PageSize, 1<<16)
	}
	if cfg.Allocator.MaxResident != 64 {
		t.Fatalf("max_resident default = %d, want 64", cfg.Allocator.MaxResident)
	}
}

func TestLoad_RemotePersisterRequiresAddr(t *testing.T) {
	path := writeConfig(t, `
persister:
  kind: remote
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error for missing remote_addr")
	}
}

func TestLoad_RepositoryAndActorSystem(t *testing.T) {
	path := writeConfig(t, `
allocator:
  page_size: 4096
  max_resident: 8
persister:
  kind: local
  local_dir: /tmp/blocks
repository:
  bind: 127.0.0.1:9001
  storage_dir: /tmp/repo
actor_system:
  bind: 127.0.0.1:9002
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Repository == nil {
		t.Fatalf("repository block was not parsed")
	}
	if cfg.Repository.PageSize != 4096 {
		t.Fatalf("repository.page_size did not inherit allocator default: got %d", cfg.Repository.PageSize)
	}
	if cfg.ActorSys == nil || cfg.ActorSys.Threads != 4 {
		t.Fatalf("actor_system.threads default not applied")
	}
}

func TestLoad_InvalidPersisterKind(t *testing.T) {
	path := writeConfig(t, `
persister:
  kind: bogus
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error for an invalid persister kind")
	}
}
