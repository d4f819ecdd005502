// Package l2 adapts an external distributed cache collaborator (Redis,
// Memcached, ...) into a storage.Layer. Grounded on the teacher's
// RemoteCache interface (cache-manager/service.go); concrete broker clients
// are out of scope, only the adapter and the collaborator contract ship
// here.
package l2

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cachemesh/runtime/storage"
)

// DistributedStorage is the external collaborator contract an L2 adapter
// wraps. Implementations own their own connection pooling, retries and
// serialization; the Layer only forwards bytes and TTLs. Tags are not
// tracked here (the tag-index layer owns tag membership); a DistributedStorage
// that supports pattern deletion can expose it separately.
type DistributedStorage interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Health(ctx context.Context) error
}

// Config controls this layer's id, priority and TTL cap. Enablement is
// toggled separately through SetEnabled.
type Config struct {
	ID                  string
	Priority             int
	L2DefaultExpiration time.Duration
}

// Layer is the thin storage.Layer wrapper over DistributedStorage.
type Layer struct {
	cfg     Config
	backend DistributedStorage
	enabled atomic.Bool

	hits    atomic.Uint64
	misses  atomic.Uint64
	sets    atomic.Uint64
	removes atomic.Uint64
}

func New(cfg Config, backend DistributedStorage) *Layer {
	l := &Layer{cfg: cfg, backend: backend}
	l.enabled.Store(true)
	return l
}

func (l *Layer) ID() string        { return l.cfg.ID }
func (l *Layer) Priority() int     { return l.cfg.Priority }
func (l *Layer) Enabled() bool     { return l.enabled.Load() }
func (l *Layer) SetEnabled(v bool) { l.enabled.Store(v) }

func (l *Layer) Get(ctx context.Context, key string) (storage.Result, error) {
	value, found, err := l.backend.Get(ctx, key)
	if err != nil {
		return storage.Result{}, err
	}
	if !found {
		l.misses.Add(1)
		return storage.Result{Outcome: storage.Miss}, nil
	}
	l.hits.Add(1)
	return storage.Result{Outcome: storage.Hit, Value: value}, nil
}

func (l *Layer) Set(ctx context.Context, key string, entry storage.Entry) error {
	ttl := entry.TTL
	if l.cfg.L2DefaultExpiration > 0 && (ttl == 0 || ttl > l.cfg.L2DefaultExpiration) {
		ttl = l.cfg.L2DefaultExpiration
	}
	if err := l.backend.Set(ctx, key, entry.Value, ttl); err != nil {
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

// RemoveByTag delegates per-key deletes using the key list the tag-index
// layer attached to ctx; a DistributedStorage has no native tag concept.
func (l *Layer) RemoveByTag(ctx context.Context, tag string) error {
	keys, ok := storage.TagKeysFromContext(ctx)
	if !ok {
		return nil
	}
	for _, key := range keys {
		if err := l.Remove(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (l *Layer) Exists(ctx context.Context, key string) (bool, error) {
	_, found, err := l.backend.Get(ctx, key)
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
