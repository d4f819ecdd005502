// Package tagindex implements the bidirectional key<->tag index layer: on
// set it records which tags a key carries, on remove it cleans both
// directions, on removeByTag it resolves the tag to its key set, which the
// coordinator attaches to the operation context so downstream layers act in
// O(K) instead of re-scanning. Grounded on the same two-map, RWMutex-guarded discipline the
// teacher uses throughout (cache-manager/cache.go, invalidation/patterns.go).
package tagindex

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cachemesh/runtime/storage"
)

// Layer is always placed first by priority among write-path layers per
// spec.md §4.11, so every layer beneath can rely on the index already being
// current for the operation in flight. It never itself stores values: Get
// always returns NotHandled.
type Layer struct {
	id       string
	priority int
	enabled  atomic.Bool

	mu         sync.RWMutex
	keyToTags  map[string]map[string]struct{}
	tagToKeys  map[string]map[string]struct{}
	sets       atomic.Uint64
	removes    atomic.Uint64
	rejections atomic.Uint64
}

// New builds a tag-index Layer at the given priority (conventionally lower
// than every other write-path layer).
func New(id string, priority int) *Layer {
	l := &Layer{
		id:        id,
		priority:  priority,
		keyToTags: make(map[string]map[string]struct{}),
		tagToKeys: make(map[string]map[string]struct{}),
	}
	l.enabled.Store(true)
	return l
}

func (l *Layer) ID() string        { return l.id }
func (l *Layer) Priority() int     { return l.priority }
func (l *Layer) Enabled() bool     { return l.enabled.Load() }
func (l *Layer) SetEnabled(v bool) { l.enabled.Store(v) }

// Get never serves values; the tag index only tracks key<->tag membership.
func (l *Layer) Get(ctx context.Context, key string) (storage.Result, error) {
	return storage.Result{Outcome: storage.NotHandled}, nil
}

// Set atomically replaces key's tag set: removed from any tags it no longer
// carries, added to any new ones.
func (l *Layer) Set(ctx context.Context, key string, entry storage.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if old, ok := l.keyToTags[key]; ok {
		for tag := range old {
			if keys, exists := l.tagToKeys[tag]; exists {
				delete(keys, key)
				if len(keys) == 0 {
					delete(l.tagToKeys, tag)
				}
			}
		}
	}

	if len(entry.Tags) == 0 {
		delete(l.keyToTags, key)
		l.sets.Add(1)
		return nil
	}

	tagSet := make(map[string]struct{}, len(entry.Tags))
	for _, tag := range entry.Tags {
		tagSet[tag] = struct{}{}
		keys, ok := l.tagToKeys[tag]
		if !ok {
			keys = make(map[string]struct{})
			l.tagToKeys[tag] = keys
		}
		keys[key] = struct{}{}
	}
	l.keyToTags[key] = tagSet
	l.sets.Add(1)
	return nil
}

// Remove deletes key's forward entry and cleans every reverse entry it
// participated in.
func (l *Layer) Remove(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tags, ok := l.keyToTags[key]
	if !ok {
		return nil
	}
	for tag := range tags {
		if keys, exists := l.tagToKeys[tag]; exists {
			delete(keys, key)
			if len(keys) == 0 {
				delete(l.tagToKeys, tag)
			}
		}
	}
	delete(l.keyToTags, key)
	l.removes.Add(1)
	return nil
}

// RemoveByTag clears the tag's entries from both directions and discards the
// resolved key set: a Layer cannot hand a derived ctx back to its caller.
// The coordinator calls RemoveByTagKeys instead and attaches the returned
// keys via storage.WithTagKeys before fanning out to downstream layers.
func (l *Layer) RemoveByTag(ctx context.Context, tag string) error {
	_, _ = l.resolveAndClear(tag)
	return nil
}

// RemoveByTagKeys resolves tag's key set and clears it, returning the keys
// so the caller (the coordinator) can attach them to the operation context
// before invoking downstream layers.
func (l *Layer) RemoveByTagKeys(ctx context.Context, tag string) []string {
	keys, _ := l.resolveAndClear(tag)
	return keys
}

func (l *Layer) resolveAndClear(tag string) ([]string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	keySet, ok := l.tagToKeys[tag]
	if !ok {
		return nil, false
	}
	keys := make([]string, 0, len(keySet))
	for key := range keySet {
		keys = append(keys, key)
		if tags, exists := l.keyToTags[key]; exists {
			delete(tags, tag)
			if len(tags) == 0 {
				delete(l.keyToTags, key)
			}
		}
	}
	delete(l.tagToKeys, tag)
	return keys, true
}

// Tags returns every tag currently carried by at least one key, for pattern
// matching against (invalidateByTagPattern has no other way to enumerate the
// tag space).
func (l *Layer) Tags() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tags := make([]string, 0, len(l.tagToKeys))
	for tag := range l.tagToKeys {
		tags = append(tags, tag)
	}
	return tags
}

func (l *Layer) Exists(ctx context.Context, key string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.keyToTags[key]
	return ok, nil
}

func (l *Layer) Health(ctx context.Context) storage.Health {
	return storage.Health{Healthy: true}
}

func (l *Layer) Stats() storage.Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return storage.Stats{
		Sets:       l.sets.Load(),
		Removes:    l.removes.Load(),
		Rejections: l.rejections.Load(),
		EntryCount: int64(len(l.keyToTags)),
	}
}

func (l *Layer) Initialize(ctx context.Context) error { return nil }

func (l *Layer) Dispose(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keyToTags = make(map[string]map[string]struct{})
	l.tagToKeys = make(map[string]map[string]struct{})
	return nil
}
