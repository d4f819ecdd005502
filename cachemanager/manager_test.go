package cachemanager

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cachemesh/runtime/coordinator"
	"github.com/cachemesh/runtime/corectx"
	"github.com/cachemesh/runtime/keygen"
	"github.com/cachemesh/runtime/policy"
	"github.com/cachemesh/runtime/policy/sources"
	"github.com/cachemesh/runtime/storage"
	"github.com/cachemesh/runtime/storage/backplane"
	"github.com/cachemesh/runtime/storage/backplane/local"
	"github.com/cachemesh/runtime/storage/memory"
)

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, out any) error {
	return json.Unmarshal(data, out)
}

func newTestManager(t *testing.T) (*Manager, *policy.Resolver) {
	t.Helper()
	resolver := policy.NewResolver(corectx.Default())
	registry := policy.NewRegistry(resolver)
	keygens := keygen.NewRegistry(keygen.NewFastHash())

	l1 := memory.New(memory.DefaultConfig())
	_ = l1.Initialize(context.Background())
	t.Cleanup(func() { _ = l1.Dispose(context.Background()) })

	coord := coordinator.New(corectx.Default(), coordinator.Config{}, []storage.Layer{l1})
	mgr := New(corectx.Default(), registry, keygens, coord, jsonCodec{}, nil)
	return mgr, resolver
}

func TestManager_GetOrCreateMissInvokesFactoryThenHits(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	methodID := policy.NewMethodID("OrdersService", "GetOrder")

	var calls atomic.Int32
	factory := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return map[string]any{"id": "123"}, nil
	}

	v1, err := mgr.GetOrCreate(ctx, methodID, []any{"123"}, factory, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected factory invoked once, got %d", calls.Load())
	}

	v2, err := mgr.GetOrCreate(ctx, methodID, []any{"123"}, factory, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected factory not invoked again on hit, got %d calls", calls.Load())
	}

	b1, _ := json.Marshal(v1)
	b2, _ := json.Marshal(v2)
	if string(b1) != string(b2) {
		t.Fatalf("expected same value from hit and miss paths, got %s vs %s", b1, b2)
	}
}

func TestManager_ConcurrentGetOrCreateSingleFlightsFactory(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	methodID := policy.NewMethodID("OrdersService", "Slow")

	var calls atomic.Int32
	release := make(chan struct{})
	factory := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "slow-value", nil
	}

	const n = 10
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _ = mgr.GetOrCreate(ctx, methodID, []any{"x"}, factory, nil)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected exactly one factory invocation across %d concurrent callers, got %d", n, calls.Load())
	}
}

func TestManager_FactoryErrorPropagatesToCaller(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	methodID := policy.NewMethodID("OrdersService", "Fails")

	wantErr := errors.New("origin unavailable")
	factory := func(ctx context.Context) (any, error) { return nil, wantErr }

	_, err := mgr.GetOrCreate(ctx, methodID, []any{"x"}, factory, nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped origin error, got %v", err)
	}
}

func TestManager_RejectsNonIdempotentFactoryWhenPolicyRequiresIt(t *testing.T) {
	mgr, resolver := newTestManager(t)
	ctx := context.Background()
	methodID := policy.NewMethodID("OrdersService", "MustBeIdempotent")

	attrs := sources.NewAttributeSource()
	attrs.RegisterAttribute(sources.AttributeRegistration{
		MethodID:          methodID,
		RequireIdempotent: policy.SomeBool(true),
	})
	resolver.RegisterSource(attrs, 10)

	waitForPolicy(t, resolver, methodID)

	notIdempotent := false
	_, err := mgr.GetOrCreate(ctx, methodID, nil, func(ctx context.Context) (any, error) {
		return "v", nil
	}, &RuntimeOptions{Idempotent: &notIdempotent})
	if err == nil {
		t.Fatalf("expected rejection for non-idempotent factory")
	}
}

func TestManager_InvalidateByKeysRemovesEntry(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	methodID := policy.NewMethodID("OrdersService", "GetOrder")

	factory := func(ctx context.Context) (any, error) { return "v1", nil }
	_, _ = mgr.GetOrCreate(ctx, methodID, []any{"1"}, factory, nil)

	gen := mgr.keygens.Resolve("")
	key := gen.Generate(keygen.Request{MethodID: methodID, Args: []any{"1"}})

	if err := mgr.InvalidateByKeys(ctx, key); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var calls atomic.Int32
	_, _ = mgr.GetOrCreate(ctx, methodID, []any{"1"}, func(ctx context.Context) (any, error) {
		calls.Add(1)
		return "v2", nil
	}, nil)
	if calls.Load() != 1 {
		t.Fatalf("expected cache miss after invalidation, factory not re-invoked")
	}
}

// TestManager_InvalidateByKeysPublishesToBackplane wires a backplane.Layer
// into the coordinator chain the way a multi-instance deployment would, and
// asserts that Manager's own public invalidation entrypoint reaches it: a
// second instance subscribed to the same backplane must observe the remove.
func TestManager_InvalidateByKeysPublishesToBackplane(t *testing.T) {
	resolver := policy.NewResolver(corectx.Default())
	registry := policy.NewRegistry(resolver)
	keygens := keygen.NewRegistry(keygen.NewFastHash())

	l1 := memory.New(memory.DefaultConfig())
	_ = l1.Initialize(context.Background())
	t.Cleanup(func() { _ = l1.Dispose(context.Background()) })

	bp := local.New()
	bpLayer := backplane.New("backplane", 100, "inst-a", bp, nil)

	coord := coordinator.New(corectx.Default(), coordinator.Config{}, []storage.Layer{l1, bpLayer})
	mgr := New(corectx.Default(), registry, keygens, coord, jsonCodec{}, nil)

	received := make(chan storage.Message, 1)
	unsub, err := bp.Subscribe(context.Background(), local.FilterOwnInstance("inst-b", func(ctx context.Context, msg storage.Message) {
		received <- msg
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unsub()

	if err := mgr.InvalidateByKeys(context.Background(), "k1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != storage.MessageKey || msg.Key != "k1" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("expected InvalidateByKeys to publish a MessageKey broadcast reachable by another instance")
	}
}

func waitForPolicy(t *testing.T, resolver *policy.Resolver, methodID policy.MethodID) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		p := resolver.Resolve(context.Background(), methodID)
		if p.RequireIdempotent.Valid {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for policy to resolve RequireIdempotent")
}
