package l2

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cachemesh/runtime/storage"
)

type fakeDistributed struct {
	mu     sync.Mutex
	values map[string][]byte
	ttls   map[string]time.Duration
	healthErr error
}

func newFakeDistributed() *fakeDistributed {
	return &fakeDistributed{values: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (f *fakeDistributed) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *fakeDistributed) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	f.ttls[key] = ttl
	return nil
}

func (f *fakeDistributed) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, key)
	return nil
}

func (f *fakeDistributed) Health(ctx context.Context) error { return f.healthErr }

func TestLayer_GetSetRoundTrip(t *testing.T) {
	backend := newFakeDistributed()
	l := New(Config{ID: "l2", Priority: 10}, backend)
	ctx := context.Background()

	if err := l.Set(ctx, "k1", storage.Entry{Value: []byte("v1"), TTL: time.Minute}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := l.Get(ctx, "k1")
	if err != nil || res.Outcome != storage.Hit || string(res.Value) != "v1" {
		t.Fatalf("expected Hit v1, got %+v err=%v", res, err)
	}
}

func TestLayer_SetCapsTTLAtL2Default(t *testing.T) {
	backend := newFakeDistributed()
	l := New(Config{ID: "l2", Priority: 10, L2DefaultExpiration: time.Minute}, backend)
	ctx := context.Background()

	_ = l.Set(ctx, "k1", storage.Entry{Value: []byte("v1"), TTL: time.Hour})
	if backend.ttls["k1"] != time.Minute {
		t.Fatalf("expected TTL capped to 1m, got %v", backend.ttls["k1"])
	}
}

func TestLayer_HealthReflectsBackend(t *testing.T) {
	backend := newFakeDistributed()
	backend.healthErr = errors.New("connection refused")
	l := New(Config{ID: "l2", Priority: 10}, backend)

	h := l.Health(context.Background())
	if h.Healthy {
		t.Fatalf("expected unhealthy status when backend reports an error")
	}
}

func TestLayer_RemoveByTagUsesContextKeys(t *testing.T) {
	backend := newFakeDistributed()
	l := New(Config{ID: "l2", Priority: 10}, backend)
	ctx := context.Background()

	_ = l.Set(ctx, "k1", storage.Entry{Value: []byte("v1")})
	_ = l.Set(ctx, "k2", storage.Entry{Value: []byte("v2")})

	taggedCtx := storage.WithTagKeys(ctx, []string{"k1", "k2"})
	if err := l.RemoveByTag(taggedCtx, "orders"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, found, _ := backend.Get(ctx, "k1"); found {
		t.Fatalf("expected k1 removed")
	}
}
