package storage

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"time"

	"p2pcdn/internal/codec"
	"p2pcdn/pkg/logger"
)

var (
	// ErrIntegrityViolation reports bytes whose content hash does not match
	// the key they were offered under. Such bytes are never stored.
	ErrIntegrityViolation = errors.New("chunk integrity violation")
	// ErrStorageFull reports a write that could not be admitted because
	// every evictable entry is pinned by an active reader.
	ErrStorageFull = errors.New("chunk storage full")
)

// Stats is a point-in-time snapshot of cache occupancy.
type Stats struct {
	UsedBytes     int64
	CapacityBytes int64
	EntryCount    int
}

type entry struct {
	hash       string
	size       int64
	pins       int
	lastAccess time.Time
	lruElem    *list.Element
}

// Store is the local chunk cache: content-addressed bytes on a pluggable
// backend with capacity accounting and least-recently-used eviction.
// Entries pinned by an in-progress streaming read are never evicted.
type Store struct {
	mu       sync.Mutex
	backend  Backend
	capacity int64
	used     int64
	entries  map[string]*entry
	lru      *list.List // front = most recently used, values are *entry
}

// NewStore wraps backend in a capacity-bounded cache. Existing backend keys
// (a disk store surviving a restart) are adopted into the accounting.
func NewStore(backend Backend, capacityBytes int64) (*Store, error) {
	s := &Store{
		backend:  backend,
		capacity: capacityBytes,
		entries:  make(map[string]*entry),
		lru:      list.New(),
	}

	keys, err := backend.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list backend keys: %w", err)
	}
	for _, key := range keys {
		data, err := backend.Get(key)
		if err != nil {
			continue
		}
		e := &entry{hash: key, size: int64(len(data)), lastAccess: time.Now()}
		e.lruElem = s.lru.PushBack(e)
		s.entries[key] = e
		s.used += e.size
	}
	return s, nil
}

// Put stores data under its content hash. A duplicate put with identical
// bytes is a no-op; bytes that do not hash to the key are rejected with
// ErrIntegrityViolation. The write either fully lands or not at all.
func (s *Store) Put(hash string, data []byte) error {
	if codec.HashBytes(data) != hash {
		return fmt.Errorf("%w: content does not hash to %s", ErrIntegrityViolation, hash)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[hash]; ok {
		// Idempotent: already stored, just refresh recency
		s.touchLocked(e)
		return nil
	}

	size := int64(len(data))
	if err := s.evictLocked(size); err != nil {
		return err
	}

	if err := s.backend.Put(hash, data); err != nil {
		return fmt.Errorf("backend put failed: %w", err)
	}

	e := &entry{hash: hash, size: size, lastAccess: time.Now()}
	e.lruElem = s.lru.PushFront(e)
	s.entries[hash] = e
	s.used += size
	return nil
}

// Get returns the bytes stored under hash, refreshing its recency.
func (s *Store) Get(hash string) ([]byte, error) {
	s.mu.Lock()
	e, ok := s.entries[hash]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	s.touchLocked(e)
	s.mu.Unlock()

	return s.backend.Get(hash)
}

// Has reports whether hash is currently cached, without touching recency.
func (s *Store) Has(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[hash]
	return ok
}

// Pin marks the entry as in use by a reader; a pinned entry survives any
// eviction pass. Pins are counted, so concurrent readers stack.
func (s *Store) Pin(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[hash]
	if !ok {
		return ErrNotFound
	}
	e.pins++
	return nil
}

// Unpin releases one pin. Unpinning an unknown hash is a no-op so readers
// can release unconditionally during teardown.
func (s *Store) Unpin(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[hash]; ok && e.pins > 0 {
		e.pins--
	}
}

// Delete removes a single entry regardless of recency. Pinned entries are
// refused.
func (s *Store) Delete(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[hash]
	if !ok {
		return ErrNotFound
	}
	if e.pins > 0 {
		return fmt.Errorf("cannot delete pinned chunk %s", hash)
	}
	return s.removeLocked(e)
}

// Stats returns current occupancy.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		UsedBytes:     s.used,
		CapacityBytes: s.capacity,
		EntryCount:    len(s.entries),
	}
}

func (s *Store) touchLocked(e *entry) {
	e.lastAccess = time.Now()
	s.lru.MoveToFront(e.lruElem)
}

func (s *Store) removeLocked(e *entry) error {
	if err := s.backend.Delete(e.hash); err != nil {
		return err
	}
	s.lru.Remove(e.lruElem)
	delete(s.entries, e.hash)
	s.used -= e.size
	return nil
}

// evictLocked frees room for incoming bytes by dropping least-recently-used
// unpinned entries. Returns ErrStorageFull when pins make that impossible.
func (s *Store) evictLocked(incoming int64) error {
	if incoming > s.capacity {
		return fmt.Errorf("%w: chunk of %d bytes exceeds capacity %d", ErrStorageFull, incoming, s.capacity)
	}

	for s.used+incoming > s.capacity {
		victim := s.oldestUnpinnedLocked()
		if victim == nil {
			return fmt.Errorf("%w: all %d entries pinned", ErrStorageFull, len(s.entries))
		}
		logger.Sugar.Debugf("[ChunkStore] evicting chunk %s (%d bytes, last access %s)", victim.hash, victim.size, victim.lastAccess.Format(time.RFC3339))
		if err := s.removeLocked(victim); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) oldestUnpinnedLocked() *entry {
	for elem := s.lru.Back(); elem != nil; elem = elem.Prev() {
		e := elem.Value.(*entry)
		if e.pins == 0 {
			return e
		}
	}
	return nil
}
