package tagindex

import (
	"context"
	"sync"
	"testing"

	"github.com/cachemesh/runtime/storage"
)

func TestLayer_SetTracksBidirectionalIndex(t *testing.T) {
	l := New("tagindex", -1)
	ctx := context.Background()

	_ = l.Set(ctx, "k1", storage.Entry{Tags: []string{"orders", "hot"}})
	_ = l.Set(ctx, "k2", storage.Entry{Tags: []string{"orders"}})

	keys := l.RemoveByTagKeys(ctx, "orders")
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys tagged 'orders', got %v", keys)
	}
}

func TestLayer_RemoveCleansReverseEntries(t *testing.T) {
	l := New("tagindex", -1)
	ctx := context.Background()

	_ = l.Set(ctx, "k1", storage.Entry{Tags: []string{"orders"}})
	_ = l.Remove(ctx, "k1")

	keys := l.RemoveByTagKeys(ctx, "orders")
	if len(keys) != 0 {
		t.Fatalf("expected no keys left under 'orders' after remove, got %v", keys)
	}
}

func TestLayer_SetReplacesTagSetAtomically(t *testing.T) {
	l := New("tagindex", -1)
	ctx := context.Background()

	_ = l.Set(ctx, "k1", storage.Entry{Tags: []string{"a", "b"}})
	_ = l.Set(ctx, "k1", storage.Entry{Tags: []string{"b", "c"}})

	if keys := l.RemoveByTagKeys(ctx, "a"); len(keys) != 0 {
		t.Fatalf("expected k1 no longer tagged 'a', got %v", keys)
	}
	if keys := l.RemoveByTagKeys(ctx, "c"); len(keys) != 1 || keys[0] != "k1" {
		t.Fatalf("expected k1 tagged 'c', got %v", keys)
	}
}

func TestLayer_GetIsNotHandled(t *testing.T) {
	l := New("tagindex", -1)
	res, err := l.Get(context.Background(), "anything")
	if err != nil || res.Outcome != storage.NotHandled {
		t.Fatalf("expected NotHandled, got %+v err=%v", res, err)
	}
}

func TestLayer_ConcurrentDisjointKeysDoNotBlock(t *testing.T) {
	l := New("tagindex", -1)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i%26))
			_ = l.Set(ctx, key, storage.Entry{Tags: []string{"t"}})
			_ = l.Remove(ctx, key)
		}(i)
	}
	wg.Wait()
}
