package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound is returned when a key has no entry in the backend or cache.
var ErrNotFound = errors.New("chunk not found")

// Backend is the pluggable persistence capability the chunk cache sits on.
// Implementations must be safe for concurrent use.
type Backend interface {
	Get(key string) ([]byte, error)
	Put(key string, data []byte) error
	Delete(key string) error
	Keys() ([]string, error)
}

// MemoryBackend keeps chunk bytes in a map. It is the default for nodes
// that do not need chunks to survive a restart.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (m *MemoryBackend) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (m *MemoryBackend) Put(key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = data
	return nil
}

func (m *MemoryBackend) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryBackend) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

// DiskBackend is a content-addressed store on the filesystem. Keys are
// fanned out into hash-derived subdirectories so no single directory
// accumulates a large number of files.
type DiskBackend struct {
	rootDir string
}

func NewDiskBackend(rootDir string) (*DiskBackend, error) {
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &DiskBackend{rootDir: rootDir}, nil
}

func (d *DiskBackend) pathFor(key string) (dir string, full string) {
	// Keys are already content hashes, but re-hash so arbitrary keys
	// still shard evenly.
	sum := sha256.Sum256([]byte(key))
	hash := hex.EncodeToString(sum[:])
	dir = filepath.Join(d.rootDir, hash[0:8], hash[8:16])
	return dir, filepath.Join(dir, key)
}

func (d *DiskBackend) Get(key string) ([]byte, error) {
	_, full := d.pathFor(key)
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (d *DiskBackend) Put(key string, data []byte) error {
	dir, full := d.pathFor(key)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	// Write to a temp file and rename so a crash never leaves a torn chunk
	tmp, err := os.CreateTemp(dir, ".chunk-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), full)
}

func (d *DiskBackend) Delete(key string) error {
	_, full := d.pathFor(key)
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (d *DiskBackend) Keys() ([]string, error) {
	var keys []string
	err := filepath.Walk(d.rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && !isTempName(info.Name()) {
			keys = append(keys, info.Name())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func isTempName(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
