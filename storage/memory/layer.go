package memory

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cachemesh/runtime/storage"
)

// Config controls a Layer's sharding, capacity, expiration sweeping and
// memory-accounting behavior.
type Config struct {
	ID              string
	Priority        int
	ShardCount      int
	MaxEntriesShard int
	SweepInterval   time.Duration
	AccountingMode  AccountingMode
	CustomSizer     Sizer
	SamplePercent   int
	RecalcInterval  time.Duration
}

// DefaultConfig returns sensible L1 defaults: 16 shards, no background
// sweep beyond lazy expiration, Fast memory accounting.
func DefaultConfig() Config {
	return Config{
		ID:              "l1-memory",
		Priority:        0,
		ShardCount:      16,
		MaxEntriesShard: 10_000,
		AccountingMode:  Fast,
		SamplePercent:   10,
		RecalcInterval:  30 * time.Second,
	}
}

// Layer is the sharded in-process L1 storage.Layer: key hashed by FNV-32 to
// pick a shard, each shard an independent LRU+TTL map, so concurrent
// operations on keys in different shards never contend for the same lock —
// the generalization of the teacher's single-shard L1Cache its own
// "shard for higher loads" comment calls for.
type Layer struct {
	cfg    Config
	shards []*shard
	sizer  Sizer

	enabled atomic.Bool

	hits       atomic.Uint64
	misses     atomic.Uint64
	sets       atomic.Uint64
	removes    atomic.Uint64
	rejections atomic.Uint64

	stopCh chan struct{}
	wg     sync.WaitGroup

	accurateMu    sync.Mutex
	accurateBytes int64
	accurateAt    time.Time
}

// New builds a memory Layer from cfg. Initialize must be called before use.
func New(cfg Config) *Layer {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}
	sizer := NewSizer(cfg.AccountingMode, cfg.CustomSizer)
	shards := make([]*shard, cfg.ShardCount)
	for i := range shards {
		shards[i] = newShard(cfg.MaxEntriesShard, sizer)
	}
	l := &Layer{cfg: cfg, shards: shards, sizer: sizer, stopCh: make(chan struct{})}
	l.enabled.Store(true)
	return l
}

func (l *Layer) ID() string     { return l.cfg.ID }
func (l *Layer) Priority() int  { return l.cfg.Priority }
func (l *Layer) Enabled() bool  { return l.enabled.Load() }
func (l *Layer) SetEnabled(v bool) { l.enabled.Store(v) }

func (l *Layer) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

func (l *Layer) Get(ctx context.Context, key string) (storage.Result, error) {
	e, ok := l.shardFor(key).get(key)
	if !ok {
		l.misses.Add(1)
		return storage.Result{Outcome: storage.Miss}, nil
	}
	l.hits.Add(1)
	return storage.Result{Outcome: storage.Hit, Value: e.value, Tags: append([]string(nil), e.tags...)}, nil
}

func (l *Layer) Set(ctx context.Context, key string, entry storage.Entry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	l.shardFor(key).set(key, entry.Value, entry.Tags, entry.TTL, createdAt)
	l.sets.Add(1)
	return nil
}

func (l *Layer) Remove(ctx context.Context, key string) error {
	if l.shardFor(key).delete(key) {
		l.removes.Add(1)
	}
	return nil
}

// RemoveByTag removes the keys the tag-index layer attached to ctx via
// storage.WithTagKeys; the memory layer has no tag index of its own, so
// without an attached key list it removes nothing.
func (l *Layer) RemoveByTag(ctx context.Context, tag string) error {
	if keys, ok := storage.TagKeysFromContext(ctx); ok {
		for _, key := range keys {
			_ = l.Remove(ctx, key)
		}
	}
	return nil
}

func (l *Layer) Exists(ctx context.Context, key string) (bool, error) {
	return l.shardFor(key).exists(key), nil
}

func (l *Layer) Health(ctx context.Context) storage.Health {
	return storage.Health{Healthy: true}
}

func (l *Layer) Stats() storage.Stats {
	var count int64
	for _, s := range l.shards {
		count += int64(s.len())
	}
	return storage.Stats{
		Hits:       l.hits.Load(),
		Misses:     l.misses.Load(),
		Sets:       l.sets.Load(),
		Removes:    l.removes.Load(),
		Rejections: l.rejections.Load(),
		EntryCount: count,
		MemoryUsed: l.memoryUsed(),
	}
}

func (l *Layer) memoryUsed() int64 {
	switch l.cfg.AccountingMode {
	case Disabled:
		return 0
	case Fast:
		var total int64
		for _, s := range l.shards {
			total += s.memoryUsed()
		}
		return total
	case Sampling:
		return l.sampledMemoryUsed()
	case Accurate:
		return l.accurateMemoryUsed()
	default:
		return 0
	}
}

// sampledMemoryUsed measures SamplePercent of current entries (per shard, to
// keep the sample spread across shards) and extrapolates the total from the
// per-entry average.
func (l *Layer) sampledMemoryUsed() int64 {
	percent := l.cfg.SamplePercent
	if percent <= 0 {
		percent = 10
	}

	var sampledBytes int64
	var sampledCount, totalCount int64
	for _, s := range l.shards {
		s.mu.RLock()
		n := len(s.entries)
		totalCount += int64(n)
		if n == 0 {
			s.mu.RUnlock()
			continue
		}
		take := n * percent / 100
		if take < 1 {
			take = 1
		}
		i := 0
		for _, e := range s.entries {
			if i >= take {
				break
			}
			sampledBytes += l.sizer.Size(e.key, e.value, e.tags)
			sampledCount++
			i++
		}
		s.mu.RUnlock()
	}

	if sampledCount == 0 {
		return 0
	}
	avg := float64(sampledBytes) / float64(sampledCount)
	return int64(avg * float64(totalCount))
}

// accurateMemoryUsed sums every entry's exact size, throttled to
// RecalcInterval between recomputations.
func (l *Layer) accurateMemoryUsed() int64 {
	l.accurateMu.Lock()
	defer l.accurateMu.Unlock()

	interval := l.cfg.RecalcInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if time.Since(l.accurateAt) < interval && l.accurateAt.After(time.Time{}) {
		return l.accurateBytes
	}

	var total int64
	for _, s := range l.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			total += l.sizer.Size(e.key, e.value, e.tags)
		}
		s.mu.RUnlock()
	}
	l.accurateBytes = total
	l.accurateAt = time.Now()
	return total
}

func (l *Layer) Initialize(ctx context.Context) error {
	if l.cfg.SweepInterval > 0 {
		l.wg.Add(1)
		go l.runSweeper()
	}
	return nil
}

func (l *Layer) runSweeper() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			for _, s := range l.shards {
				s.removeExpired(now)
			}
		}
	}
}

func (l *Layer) Dispose(ctx context.Context) error {
	close(l.stopCh)
	l.wg.Wait()
	for _, s := range l.shards {
		s.clear()
	}
	return nil
}
