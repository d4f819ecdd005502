package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cachemesh/runtime/corectx"
	"github.com/cachemesh/runtime/storage"
	"github.com/cachemesh/runtime/storage/memory"
	"github.com/cachemesh/runtime/storage/tagindex"
)

// fakeLayer is an in-memory storage.Layer test double with a configurable
// priority and an optional hook to simulate NotHandled (the tag-index layer's
// Get contract) or errors.
type fakeLayer struct {
	id       string
	priority int
	enabled  atomic.Bool

	mu      sync.Mutex
	data    map[string]storage.Entry
	getAll  bool // if false, Get always returns NotHandled
	gets    atomic.Int64
	sets    atomic.Int64
	removes atomic.Int64
}

func newFakeLayer(id string, priority int) *fakeLayer {
	l := &fakeLayer{id: id, priority: priority, data: make(map[string]storage.Entry), getAll: true}
	l.enabled.Store(true)
	return l
}

func (f *fakeLayer) ID() string    { return f.id }
func (f *fakeLayer) Priority() int { return f.priority }
func (f *fakeLayer) Enabled() bool { return f.enabled.Load() }

func (f *fakeLayer) Get(ctx context.Context, key string) (storage.Result, error) {
	f.gets.Add(1)
	if !f.getAll {
		return storage.Result{Outcome: storage.NotHandled}, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.data[key]
	if !ok {
		return storage.Result{Outcome: storage.Miss}, nil
	}
	return storage.Result{Outcome: storage.Hit, Value: e.Value, Tags: e.Tags}, nil
}

func (f *fakeLayer) Set(ctx context.Context, key string, entry storage.Entry) error {
	f.sets.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = entry
	return nil
}

func (f *fakeLayer) Remove(ctx context.Context, key string) error {
	f.removes.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeLayer) RemoveByTag(ctx context.Context, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, e := range f.data {
		for _, t := range e.Tags {
			if t == tag {
				delete(f.data, k)
				break
			}
		}
	}
	return nil
}

func (f *fakeLayer) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok, nil
}

func (f *fakeLayer) Health(ctx context.Context) storage.Health { return storage.Health{Healthy: true} }
func (f *fakeLayer) Stats() storage.Stats                      { return storage.Stats{} }
func (f *fakeLayer) Initialize(ctx context.Context) error      { return nil }
func (f *fakeLayer) Dispose(ctx context.Context) error         { return nil }

func (f *fakeLayer) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok
}

func TestCoordinator_GetReturnsFirstHitInPriorityOrder(t *testing.T) {
	l1 := newFakeLayer("l1", 10)
	l2 := newFakeLayer("l2", 20)
	l2.data["k1"] = storage.Entry{Value: []byte("from-l2")}

	c := New(corectx.Default(), Config{}, []storage.Layer{l2, l1})
	res, err := c.Get(context.Background(), "k1")
	if err != nil || res.Outcome != storage.Hit || string(res.Value) != "from-l2" {
		t.Fatalf("expected Hit from-l2, got %+v err=%v", res, err)
	}
}

func TestCoordinator_GetPromotesHitIntoMissedLayers(t *testing.T) {
	l1 := newFakeLayer("l1", 10)
	l2 := newFakeLayer("l2", 20)
	l2.data["k1"] = storage.Entry{Value: []byte("from-l2")}

	c := New(corectx.Default(), Config{L1MaxExpiration: time.Minute}, []storage.Layer{l1, l2})
	_, err := c.Get(context.Background(), "k1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !l1.has("k1") {
		t.Fatalf("expected k1 promoted into l1 after l2 hit")
	}
}

func TestCoordinator_NotHandledIsTreatedLikeMiss(t *testing.T) {
	tagIndex := newFakeLayer("tagindex", 0)
	tagIndex.getAll = false
	l1 := newFakeLayer("l1", 10)
	l1.data["k1"] = storage.Entry{Value: []byte("v1")}

	c := New(corectx.Default(), Config{}, []storage.Layer{tagIndex, l1})
	res, err := c.Get(context.Background(), "k1")
	if err != nil || res.Outcome != storage.Hit || string(res.Value) != "v1" {
		t.Fatalf("expected Hit v1 despite NotHandled from tagindex, got %+v err=%v", res, err)
	}
}

func TestCoordinator_GetAllMissReturnsMiss(t *testing.T) {
	l1 := newFakeLayer("l1", 10)
	l2 := newFakeLayer("l2", 20)

	c := New(corectx.Default(), Config{}, []storage.Layer{l1, l2})
	res, err := c.Get(context.Background(), "missing")
	if err != nil || res.Outcome != storage.Miss {
		t.Fatalf("expected Miss, got %+v err=%v", res, err)
	}
}

func TestCoordinator_SetFansOutToEveryEnabledLayer(t *testing.T) {
	l1 := newFakeLayer("l1", 10)
	l2 := newFakeLayer("l2", 20)
	l3 := newFakeLayer("l3", 30)
	l3.enabled.Store(false)

	c := New(corectx.Default(), Config{}, []storage.Layer{l1, l2, l3})
	if err := c.Set(context.Background(), "k1", storage.Entry{Value: []byte("v1")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !l1.has("k1") || !l2.has("k1") {
		t.Fatalf("expected k1 set on both enabled layers")
	}
	if l3.has("k1") {
		t.Fatalf("expected disabled layer to be skipped")
	}
}

func TestCoordinator_RemoveByTagForwardsToEveryLayer(t *testing.T) {
	l1 := newFakeLayer("l1", 10)
	l2 := newFakeLayer("l2", 20)
	l1.data["k1"] = storage.Entry{Value: []byte("v1"), Tags: []string{"orders"}}
	l2.data["k1"] = storage.Entry{Value: []byte("v1"), Tags: []string{"orders"}}

	c := New(corectx.Default(), Config{}, []storage.Layer{l1, l2})
	if err := c.RemoveByTag(context.Background(), "orders"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l1.has("k1") || l2.has("k1") {
		t.Fatalf("expected k1 removed from both layers")
	}
}

func TestCoordinator_RemoveForwardsToEveryLayer(t *testing.T) {
	l1 := newFakeLayer("l1", 10)
	l2 := newFakeLayer("l2", 20)
	l1.data["k1"] = storage.Entry{Value: []byte("v1")}
	l2.data["k1"] = storage.Entry{Value: []byte("v1")}

	c := New(corectx.Default(), Config{}, []storage.Layer{l2, l1})
	if err := c.Remove(context.Background(), "k1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l1.has("k1") || l2.has("k1") {
		t.Fatalf("expected k1 removed from both layers")
	}
}

// TestCoordinator_RemoveByTagResolvesTagIndexBeforeFanningOut exercises the
// real tag-index + memory layer pair, not the fake: storage/memory.RemoveByTag
// only ever acts on storage.TagKeysFromContext(ctx), so a correct Coordinator
// must resolve the tag against the tag-index layer first and attach the
// result to ctx before calling RemoveByTag on the rest of the chain.
func TestCoordinator_RemoveByTagResolvesTagIndexBeforeFanningOut(t *testing.T) {
	ctx := context.Background()

	idx := tagindex.New("tagindex", 0)
	l1 := memory.New(memory.DefaultConfig())
	_ = l1.Initialize(ctx)
	defer l1.Dispose(ctx)

	c := New(corectx.Default(), Config{}, []storage.Layer{l1, idx})

	entry := storage.Entry{Value: []byte("v1"), Tags: []string{"orders"}, TTL: time.Minute}
	if err := c.Set(ctx, "k1", entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := c.RemoveByTag(ctx, "orders"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res, _ := c.Get(ctx, "k1"); res.Outcome != storage.Miss {
		t.Fatalf("expected k1 to be a Miss after RemoveByTag, got %+v", res)
	}
}

func TestCoordinator_LayersAreOrderedByAscendingPriority(t *testing.T) {
	l2 := newFakeLayer("l2", 20)
	l1 := newFakeLayer("l1", 10)

	c := New(corectx.Default(), Config{}, []storage.Layer{l2, l1})
	ordered := c.Layers()
	if ordered[0].ID() != "l1" || ordered[1].ID() != "l2" {
		t.Fatalf("expected layers sorted by ascending priority, got %s then %s", ordered[0].ID(), ordered[1].ID())
	}
}
