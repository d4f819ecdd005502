package sources

import (
	"context"
	"testing"
	"time"

	"github.com/cachemesh/runtime/policy"
)

func TestFluentSource_ApplyThenSnapshot(t *testing.T) {
	src := NewFluentSource()
	methodID := policy.NewMethodID("OrderService", "GetOrder")

	src.For(methodID).WithDuration(5 * time.Minute).WithTags("orders", "hot").Apply()

	snaps, err := src.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}
	p := snaps[0].Policy
	if p.Duration.Value != 5*time.Minute {
		t.Fatalf("expected duration 5m, got %v", p.Duration.Value)
	}
	if len(p.Tags) != 2 {
		t.Fatalf("expected 2 tags, got %v", p.Tags)
	}
}

func TestFluentSource_WatchEmitsAddedThenUpdated(t *testing.T) {
	src := NewFluentSource()
	methodID := policy.NewMethodID("OrderService", "GetOrder")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := src.Watch(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	src.For(methodID).WithDuration(5 * time.Minute).Apply()
	first := recvOrFail(t, ch)
	if first.Reason != policy.Added {
		t.Fatalf("expected Added on first apply, got %v", first.Reason)
	}

	src.For(methodID).WithDuration(10 * time.Minute).Apply()
	second := recvOrFail(t, ch)
	if second.Reason != policy.Updated {
		t.Fatalf("expected Updated on second apply, got %v", second.Reason)
	}
}

func TestFluentSource_RemoveEmitsRemoved(t *testing.T) {
	src := NewFluentSource()
	methodID := policy.NewMethodID("OrderService", "GetOrder")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := src.Watch(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	src.For(methodID).WithDuration(5 * time.Minute).Apply()
	recvOrFail(t, ch)

	src.Remove(methodID)
	removed := recvOrFail(t, ch)
	if removed.Reason != policy.Removed {
		t.Fatalf("expected Removed, got %v", removed.Reason)
	}
}

func recvOrFail(t *testing.T, ch <-chan policy.PolicyChange) policy.PolicyChange {
	t.Helper()
	select {
	case change := <-ch:
		return change
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for policy change")
		return policy.PolicyChange{}
	}
}
