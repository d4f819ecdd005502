// Package l3 adapts an external persistent store into a storage.Layer.
// Grounded on invalidation/audit.go's sqldb+pgx pattern; a concrete Postgres
// adapter implementing PersistentStorage lives in storage/l3/postgres.
package l3

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cachemesh/runtime/storage"
)

// PersistentStorage is the external collaborator contract an L3 adapter
// wraps: a durable key/value store with tag tracking and expiry, unlike
// DistributedStorage which leaves tags to the tag-index layer. L3 needs its
// own tag column because removeByTag must work even if the in-process tag
// index was never populated (e.g. a cold-started instance).
type PersistentStorage interface {
	Get(ctx context.Context, key string) (value []byte, tags []string, found bool, err error)
	Set(ctx context.Context, key string, value []byte, tags []string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteByTag(ctx context.Context, tag string) ([]string, error)
	Health(ctx context.Context) error
}

// Config controls this layer's priority and TTL cap.
type Config struct {
	ID              string
	Priority        int
	L3MaxExpiration time.Duration
}

// Layer is the thin storage.Layer wrapper over PersistentStorage.
type Layer struct {
	cfg     Config
	backend PersistentStorage
	enabled atomic.Bool

	hits    atomic.Uint64
	misses  atomic.Uint64
	sets    atomic.Uint64
	removes atomic.Uint64
}

func New(cfg Config, backend PersistentStorage) *Layer {
	l := &Layer{cfg: cfg, backend: backend}
	l.enabled.Store(true)
	return l
}

func (l *Layer) ID() string        { return l.cfg.ID }
func (l *Layer) Priority() int     { return l.cfg.Priority }
func (l *Layer) Enabled() bool     { return l.enabled.Load() }
func (l *Layer) SetEnabled(v bool) { l.enabled.Store(v) }

func (l *Layer) Get(ctx context.Context, key string) (storage.Result, error) {
	value, tags, found, err := l.backend.Get(ctx, key)
	if err != nil {
		return storage.Result{}, err
	}
	if !found {
		l.misses.Add(1)
		return storage.Result{Outcome: storage.Miss}, nil
	}
	l.hits.Add(1)
	return storage.Result{Outcome: storage.Hit, Value: value, Tags: tags}, nil
}

func (l *Layer) Set(ctx context.Context, key string, entry storage.Entry) error {
	ttl := entry.TTL
	if l.cfg.L3MaxExpiration > 0 && (ttl == 0 || ttl > l.cfg.L3MaxExpiration) {
		ttl = l.cfg.L3MaxExpiration
	}
	if err := l.backend.Set(ctx, key, entry.Value, entry.Tags, ttl); err != nil {
		return err
	}
	l.sets.Add(1)
	return nil
}

func (l *Layer) Remove(ctx context.Context, key string) error {
	if err := l.backend.Delete(ctx, key); err != nil {
		return err
	}
	l.removes.Add(1)
	return nil
}

func (l *Layer) RemoveByTag(ctx context.Context, tag string) error {
	_, err := l.backend.DeleteByTag(ctx, tag)
	return err
}

func (l *Layer) Exists(ctx context.Context, key string) (bool, error) {
	_, _, found, err := l.backend.Get(ctx, key)
	return found, err
}

func (l *Layer) Health(ctx context.Context) storage.Health {
	if err := l.backend.Health(ctx); err != nil {
		return storage.Health{Healthy: false, Detail: err.Error()}
	}
	return storage.Health{Healthy: true}
}

func (l *Layer) Stats() storage.Stats {
	return storage.Stats{
		Hits:    l.hits.Load(),
		Misses:  l.misses.Load(),
		Sets:    l.sets.Load(),
		Removes: l.removes.Load(),
	}
}

func (l *Layer) Initialize(ctx context.Context) error { return nil }
func (l *Layer) Dispose(ctx context.Context) error    { return nil }
