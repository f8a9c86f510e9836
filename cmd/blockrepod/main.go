// Command blockrepod runs a standalone BlockRepository server: the remote
// spill target a PagedAllocator's RemotePersister talks to (spec.md §4.7).
package main

import (
	"flag"
	"os"

	"github.com/paged-mem/pagedmem/internal/addr"
	"github.com/paged-mem/pagedmem/internal/cachecfg"
	"github.com/paged-mem/pagedmem/internal/obs"
	"github.com/paged-mem/pagedmem/internal/remote"
)

var (
	flagConfig      = flag.String("config", "", "YAML config file (repository block required); overrides the flags below")
	flagBind        = flag.String("bind", "127.0.0.1:9001", "address to bind the repository on")
	flagStorageDir  = flag.String("storage-dir", "./blockrepo-data", "directory backing evicted blocks")
	flagPageSize    = flag.Uint("page-size", 1<<16, "block size in bytes")
	flagMaxResident = flag.Int("max-resident", 256, "max blocks kept resident before eviction")
)

func main() {
	flag.Parse()
	log := obs.New("blockrepod")

	bind := *flagBind
	storageDir := *flagStorageDir
	pageSize := uint32(*flagPageSize)
	maxResident := *flagMaxResident

	if *flagConfig != "" {
		cfg, err := cachecfg.Load(*flagConfig)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		if cfg.Repository == nil {
			log.Fatalf("config %s has no repository block", *flagConfig)
		}
		bind = cfg.Repository.Bind
		storageDir = cfg.Repository.StorageDir
		pageSize = cfg.Repository.PageSize
		maxResident = cfg.Repository.MaxResident
	}

	bindAddr, err := addr.Parse(bind)
	if err != nil {
		log.Fatalf("invalid bind address %q: %v", bind, err)
	}

	persister, err := remote.NewLocalPersister(storageDir)
	if err != nil {
		log.Fatalf("open storage dir %s: %v", storageDir, err)
	}

	repo, err := remote.NewRepository(bindAddr, pageSize, maxResident, persister)
	if err != nil {
		log.Fatalf("start repository: %v", err)
	}
	log.Printf("listening on %s (page_size=%d max_resident=%d storage=%s)", repo.Addr(), pageSize, maxResident, storageDir)

	if err := repo.Serve(); err != nil {
		log.Printf("serve: %v", err)
		os.Exit(1)
	}
}
