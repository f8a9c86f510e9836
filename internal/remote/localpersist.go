package remote

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// LocalPersister is the repository's own on-disk backing store, one file
// per (client_id<<32)|block_addr key — the server-side analogue of
// internal/cache.LocalPersister, duplicated here because it is keyed by
// uint64, not uint32.
type LocalPersister struct {
	root string
}

// NewLocalPersister returns a persister rooted at dir, creating it if
// necessary.
func NewLocalPersister(dir string) (*LocalPersister, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("remote: create persister root %q: %w", dir, err)
	}
	return &LocalPersister{root: dir}, nil
}

func (p *LocalPersister) path(key uint64) string {
	return filepath.Join(p.root, strconv.FormatUint(key, 10))
}

func (p *LocalPersister) Exists(key uint64) (bool, error) {
	_, err := os.Stat(p.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (p *LocalPersister) Load(key uint64, buf []byte) error {
	data, err := os.ReadFile(p.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrBlockNotFound
		}
		return fmt.Errorf("remote: load block %d: %w", key, err)
	}
	if len(data) != len(buf) {
		return fmt.Errorf("remote: block %d has %d bytes, want %d", key, len(data), len(buf))
	}
	copy(buf, data)
	if err := os.Remove(p.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remote: remove block %d after load: %w", key, err)
	}
	return nil
}

func (p *LocalPersister) Save(key uint64, buf []byte) error {
	if err := os.WriteFile(p.path(key), buf, 0o644); err != nil {
		return fmt.Errorf("remote: save block %d: %w", key, err)
	}
	return nil
}

func (p *LocalPersister) Erase(key uint64) error {
	if err := os.Remove(p.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remote: erase block %d: %w", key, err)
	}
	return nil
}

func (p *LocalPersister) Close() error { return nil }
