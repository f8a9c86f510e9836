// Package cachecfg loads the YAML bootstrap file that configures a paged
// allocator, its persister, and (optionally) the remote BlockRepository and
// actor System a process wires on top of it. This is the ambient
// configuration-file layer spec.md leaves unspecified; cmd/* binaries use
// it so a deployment is driven by a file instead of a wall of flags.
package cachecfg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/paged-mem/pagedmem/internal/addr"
	"github.com/paged-mem/pagedmem/internal/cache"
	"github.com/paged-mem/pagedmem/internal/obs"
	"github.com/paged-mem/pagedmem/internal/remote"
)

// Config is the top-level bootstrap document.
type Config struct {
	Allocator  AllocatorConfig  `yaml:"allocator"`
	Persister  PersisterConfig  `yaml:"persister"`
	Repository *RepositoryConfig `yaml:"repository,omitempty"`
	ActorSys   *ActorSystemConfig `yaml:"actor_system,omitempty"`
}

// AllocatorConfig sizes the PagedAllocator and, optionally, its background
// eviction sweep.
type AllocatorConfig struct {
	PageSize       uint32 `yaml:"page_size"`
	MaxResident    int    `yaml:"max_resident"`
	EvictionCron   string `yaml:"eviction_cron,omitempty"`
	EvictionTarget int    `yaml:"eviction_target,omitempty"`
}

// PersisterConfig picks local-disk or remote-repository spill storage.
type PersisterConfig struct {
	Kind      string `yaml:"kind"` // "local" or "remote"
	LocalDir  string `yaml:"local_dir,omitempty"`
	RemoteAddr string `yaml:"remote_addr,omitempty"`
	MaxConns  int    `yaml:"max_conns,omitempty"`
}

// RepositoryConfig configures a standalone BlockRepository server.
type RepositoryConfig struct {
	Bind        string `yaml:"bind"`
	PageSize    uint32 `yaml:"page_size"`
	MaxResident int    `yaml:"max_resident"`
	StorageDir  string `yaml:"storage_dir"`
}

// ActorSystemConfig configures an actor.System's listener.
type ActorSystemConfig struct {
	Bind    string `yaml:"bind"`
	Threads int    `yaml:"threads"`
}

// Load reads and parses a YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cachecfg: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cachecfg: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("cachecfg: %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Allocator.PageSize == 0 {
		c.Allocator.PageSize = 1 << 16
	}
	if c.Allocator.MaxResident == 0 {
		c.Allocator.MaxResident = 64
	}
	if c.Allocator.EvictionCron != "" && c.Allocator.EvictionTarget == 0 {
		c.Allocator.EvictionTarget = c.Allocator.MaxResident / 2
	}
	if c.Persister.Kind == "" {
		c.Persister.Kind = "local"
	}
	if c.Persister.Kind == "remote" && c.Persister.MaxConns == 0 {
		c.Persister.MaxConns = 4
	}
	if c.Repository != nil && c.Repository.PageSize == 0 {
		c.Repository.PageSize = c.Allocator.PageSize
	}
	if c.Repository != nil && c.Repository.MaxResident == 0 {
		c.Repository.MaxResident = c.Allocator.MaxResident
	}
	if c.ActorSys != nil && c.ActorSys.Threads == 0 {
		c.ActorSys.Threads = 4
	}
}

// NewAllocator builds a PagedAllocator from c.Persister and c.Allocator,
// and, if c.Allocator.EvictionCron is set, a started EvictionScheduler
// sweeping it in the background. When EvictionCron is empty the returned
// *cache.EvictionScheduler is nil and only the allocator needs closing.
func (c *Config) NewAllocator(log *obs.Logger) (*cache.PagedAllocator, *cache.EvictionScheduler, error) {
	var persister cache.Persister
	switch c.Persister.Kind {
	case "remote":
		remoteAddr, err := addr.Parse(c.Persister.RemoteAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("cachecfg: persister.remote_addr: %w", err)
		}
		persister = remote.NewRemotePersister(remoteAddr, c.Allocator.PageSize, c.Persister.MaxConns)
	default:
		local, err := cache.NewLocalPersister(c.Persister.LocalDir)
		if err != nil {
			return nil, nil, fmt.Errorf("cachecfg: local persister: %w", err)
		}
		persister = local
	}

	alloc, err := cache.NewPagedAllocator(c.Allocator.PageSize, c.Allocator.MaxResident, persister)
	if err != nil {
		return nil, nil, fmt.Errorf("cachecfg: allocator: %w", err)
	}

	if c.Allocator.EvictionCron == "" {
		return alloc, nil, nil
	}
	sched, err := cache.NewEvictionScheduler(alloc, c.Allocator.EvictionCron, c.Allocator.EvictionTarget, log)
	if err != nil {
		alloc.Close()
		return nil, nil, fmt.Errorf("cachecfg: eviction scheduler: %w", err)
	}
	sched.Start()
	return alloc, sched, nil
}

func (c *Config) validate() error {
	switch c.Persister.Kind {
	case "local":
		if c.Persister.LocalDir == "" {
			return fmt.Errorf("persister.local_dir is required for kind=local")
		}
	case "remote":
		if c.Persister.RemoteAddr == "" {
			return fmt.Errorf("persister.remote_addr is required for kind=remote")
		}
		if _, err := addr.Parse(c.Persister.RemoteAddr); err != nil {
			return fmt.Errorf("persister.remote_addr: %w", err)
		}
	default:
		return fmt.Errorf("persister.kind must be \"local\" or \"remote\", got %q", c.Persister.Kind)
	}
	if c.Repository != nil {
		if _, err := addr.Parse(c.Repository.Bind); err != nil {
			return fmt.Errorf("repository.bind: %w", err)
		}
		if c.Repository.StorageDir == "" {
			return fmt.Errorf("repository.storage_dir is required")
		}
	}
	if c.ActorSys != nil {
		if _, err := addr.Parse(c.ActorSys.Bind); err != nil {
			return fmt.Errorf("actor_system.bind: %w", err)
		}
	}
	return nil
}
