package warmer

import (
	"context"
	"testing"
	"time"

	"github.com/cachemesh/runtime/policy"
)

func TestDefaultPredictor_PredictHotMethods(t *testing.T) {
	p := NewDefaultPredictor()
	hot := policy.NewMethodID("OrdersService", "GetOrder")
	warm := policy.NewMethodID("OrdersService", "ListOrders")
	cold := policy.NewMethodID("OrdersService", "GetInvoice")

	for i := 0; i < 100; i++ {
		p.RecordAccess(hot, []any{"123"})
	}
	for i := 0; i < 50; i++ {
		p.RecordAccess(warm, []any{"456"})
	}
	for i := 0; i < 10; i++ {
		p.RecordAccess(cold, []any{"789"})
	}

	predicted, err := p.PredictHotMethods(context.Background(), time.Hour, 2)
	if err != nil {
		t.Fatalf("PredictHotMethods failed: %v", err)
	}
	if len(predicted) != 2 {
		t.Fatalf("expected 2 predictions, got %d", len(predicted))
	}
	if predicted[0].MethodID != hot {
		t.Errorf("expected %s first, got %s", hot, predicted[0].MethodID)
	}
	if predicted[1].MethodID != warm {
		t.Errorf("expected %s second, got %s", warm, predicted[1].MethodID)
	}
	if len(predicted[0].Args) == 0 {
		t.Error("expected predicted call to carry replayable args")
	}
}

func TestDefaultPredictor_RecencyBonus(t *testing.T) {
	p := NewDefaultPredictor()
	old := policy.NewMethodID("OrdersService", "Old")
	recent := policy.NewMethodID("OrdersService", "Recent")

	for i := 0; i < 50; i++ {
		p.RecordAccess(old, []any{"1"})
	}
	// Move old's history 40 minutes back: still inside the 1h window, but
	// past the 30-minute recency tier, so it loses the recency bonus.
	p.mu.Lock()
	for _, h := range p.accessLog {
		if h.methodID == old {
			h.firstSeen = h.firstSeen.Add(-40 * time.Minute)
			h.lastAccessed = h.lastAccessed.Add(-40 * time.Minute)
			for i := range h.accessTimes {
				h.accessTimes[i] = h.accessTimes[i].Add(-40 * time.Minute)
			}
		}
	}
	p.mu.Unlock()
	for i := 0; i < 30; i++ {
		p.RecordAccess(recent, []any{"2"})
	}

	predicted, err := p.PredictHotMethods(context.Background(), time.Hour, 2)
	if err != nil {
		t.Fatalf("PredictHotMethods failed: %v", err)
	}
	if predicted[0].MethodID != recent {
		t.Errorf("recent method should rank first despite fewer accesses, got %s", predicted[0].MethodID)
	}
}

func TestDefaultPredictor_Cleanup(t *testing.T) {
	p := NewDefaultPredictor()
	p.RecordAccess(policy.NewMethodID("S", "A"), []any{1})
	p.RecordAccess(policy.NewMethodID("S", "B"), []any{2})

	if stats := p.GetStats(); stats.TrackedCalls != 2 {
		t.Fatalf("expected 2 tracked calls, got %d", stats.TrackedCalls)
	}

	removed := p.Cleanup(time.Nanosecond)
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	if stats := p.GetStats(); stats.TrackedCalls != 0 {
		t.Errorf("expected 0 tracked calls after cleanup, got %d", stats.TrackedCalls)
	}
}

func TestDefaultPredictor_NoAccessesReturnsEmpty(t *testing.T) {
	p := NewDefaultPredictor()
	predicted, err := p.PredictHotMethods(context.Background(), time.Hour, 10)
	if err != nil {
		t.Fatalf("PredictHotMethods failed: %v", err)
	}
	if len(predicted) != 0 {
		t.Errorf("expected no predictions with no recorded accesses, got %v", predicted)
	}
}

func TestDefaultPredictor_ArgsForAndTrackedMethodIDs(t *testing.T) {
	p := NewDefaultPredictor()
	methodID := policy.NewMethodID("OrdersService", "GetOrder")
	p.RecordAccess(methodID, []any{"1"})
	p.RecordAccess(methodID, []any{"2"})

	ids := p.TrackedMethodIDs()
	if len(ids) != 1 || ids[0] != methodID {
		t.Fatalf("expected [%s], got %v", methodID, ids)
	}

	args := p.ArgsFor(methodID)
	if len(args) != 2 {
		t.Fatalf("expected 2 distinct arg sets, got %d", len(args))
	}
}

func BenchmarkDefaultPredictor_RecordAccess(b *testing.B) {
	p := NewDefaultPredictor()
	methodID := policy.NewMethodID("S", "M")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.RecordAccess(methodID, []any{i % 26})
	}
}
