// Package memory implements the L1 in-process storage layer: a sharded map
// with per-shard LRU eviction and lazy TTL expiration, grounded on the
// teacher's single-shard L1Cache (cache-manager/cache.go) and generalized to
// shard by key hash the way the teacher's own "shard for higher loads"
// comment anticipates.
package memory

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key       string
	value     []byte
	tags      []string
	createdAt time.Time
	expiresAt time.Time
	hasExpiry bool
	size      int64
	element   *list.Element
}

// shard is one partition of the sharded L1 cache: a map + doubly linked
// list LRU guarded by its own RWMutex, exactly as the teacher's L1Cache does
// for the whole cache.
type shard struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	lru        *list.List
	maxEntries int
	sizer      Sizer
	totalBytes int64
}

func newShard(maxEntries int, sizer Sizer) *shard {
	return &shard{
		entries:    make(map[string]*entry, maxEntries),
		lru:        list.New(),
		maxEntries: maxEntries,
		sizer:      sizer,
	}
}

// get returns the entry for key if present and not expired, touching its
// LRU position. Returns (nil, false) on miss or lazy expiry.
func (s *shard) get(key string) (*entry, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if e.hasExpiry && time.Now().After(e.expiresAt) {
		s.mu.Lock()
		s.deleteLocked(key)
		s.mu.Unlock()
		return nil, false
	}

	s.mu.Lock()
	s.lru.MoveToFront(e.element)
	s.mu.Unlock()
	return e, true
}

// set inserts or replaces key's entry, evicting the LRU tail if the shard is
// at capacity. Eviction never holds the lock during the (pure, callback-free)
// size accounting, matching the storage layer's no-lock-during-eviction-
// callback requirement.
func (s *shard) set(key string, value []byte, tags []string, ttl time.Duration, createdAt time.Time) {
	size := s.sizer.Size(key, value, tags)

	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt time.Time
	hasExpiry := ttl > 0
	if hasExpiry {
		expiresAt = createdAt.Add(ttl)
	}

	if e, exists := s.entries[key]; exists {
		s.totalBytes += size - e.size
		e.value = value
		e.tags = tags
		e.createdAt = createdAt
		e.expiresAt = expiresAt
		e.hasExpiry = hasExpiry
		e.size = size
		s.lru.MoveToFront(e.element)
		return
	}

	if s.maxEntries > 0 && s.lru.Len() >= s.maxEntries {
		s.evictLocked()
	}

	e := &entry{
		key:       key,
		value:     value,
		tags:      tags,
		createdAt: createdAt,
		expiresAt: expiresAt,
		hasExpiry: hasExpiry,
		size:      size,
	}
	e.element = s.lru.PushFront(e)
	s.entries[key] = e
	s.totalBytes += size
}

func (s *shard) delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(key)
}

func (s *shard) deleteLocked(key string) bool {
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	s.lru.Remove(e.element)
	delete(s.entries, key)
	s.totalBytes -= e.size
	return true
}

func (s *shard) evictLocked() {
	oldest := s.lru.Back()
	if oldest == nil {
		return
	}
	e := oldest.Value.(*entry)
	s.lru.Remove(oldest)
	delete(s.entries, e.key)
	s.totalBytes -= e.size
}

// removeExpired sweeps lazily-undetected expired entries; used by the
// optional background sweeper.
func (s *shard) removeExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for key, e := range s.entries {
		if e.hasExpiry && now.After(e.expiresAt) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		s.deleteLocked(key)
	}
	return len(expired)
}

func (s *shard) exists(key string) bool {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return !(e.hasExpiry && time.Now().After(e.expiresAt))
}

func (s *shard) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *shard) memoryUsed() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalBytes
}

func (s *shard) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*entry, s.maxEntries)
	s.lru = list.New()
	s.totalBytes = 0
}
