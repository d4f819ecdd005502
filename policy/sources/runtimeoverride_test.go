package sources

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cachemesh/runtime/policy"
)

func TestRuntimeOverrideSource_SetAndClear(t *testing.T) {
	src := NewRuntimeOverrideSource()
	methodID := policy.NewMethodID("OrderService", "GetOrder")

	src.Set(methodID, policy.CachePolicy{Duration: policy.SomeDuration(time.Minute)})
	snaps, err := src.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected 1 override, got %d", len(snaps))
	}

	src.Clear(methodID)
	snaps, err = src.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snaps) != 0 {
		t.Fatalf("expected 0 overrides after clear, got %d", len(snaps))
	}
}

func TestRuntimeOverrideSource_ConcurrentSetIsRace_Free(t *testing.T) {
	src := NewRuntimeOverrideSource()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			methodID := policy.NewMethodID("Service", "Method")
			src.Set(methodID, policy.CachePolicy{Version: policy.SomeInt64(int64(i))})
		}(i)
	}
	wg.Wait()

	snaps, err := src.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected overrides to collapse onto 1 method id, got %d", len(snaps))
	}
}
