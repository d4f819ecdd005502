package warmer

import (
	"context"
	"testing"

	"github.com/cachemesh/runtime/policy"
)

func argsList(n int) [][]any {
	out := make([][]any, n)
	for i := range out {
		out[i] = []any{i}
	}
	return out
}

func TestSelectiveHotKeysStrategy_Plan(t *testing.T) {
	strategy := NewSelectiveHotKeysStrategy()
	methodID := policy.NewMethodID("OrdersService", "GetOrder")

	tasks, err := strategy.Plan(context.Background(), PlanOptions{MethodID: methodID, ArgsList: argsList(5), Priority: 80, Limit: 3})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	for _, task := range tasks {
		if task.MethodID != methodID {
			t.Errorf("expected method id %s, got %s", methodID, task.MethodID)
		}
	}
}

func TestSelectiveHotKeysStrategy_PriorityDecay(t *testing.T) {
	strategy := NewSelectiveHotKeysStrategy()
	methodID := policy.NewMethodID("OrdersService", "GetOrder")

	tasks, err := strategy.Plan(context.Background(), PlanOptions{MethodID: methodID, ArgsList: argsList(5), Limit: 5})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	for i := 1; i < len(tasks); i++ {
		if tasks[i].Priority > tasks[i-1].Priority {
			t.Error("priorities should decrease for less-hot calls")
		}
	}
}

func TestBreadthFirstStrategy_Plan(t *testing.T) {
	strategy := NewBreadthFirstStrategy()
	methodID := policy.NewMethodID("UserService", "GetProfile")

	opts := PlanOptions{
		MethodID: methodID,
		ArgsList: [][]any{
			{"a", "b", "c"}, // depth 3
			{"a"},           // depth 1
			{"a", "b"},      // depth 2
			{"x"},           // depth 1
		},
	}

	tasks, err := strategy.Plan(context.Background(), opts)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(tasks[0].Args) != 1 {
		t.Errorf("first task should have depth 1, got args %v", tasks[0].Args)
	}

	for i := 1; i < len(tasks); i++ {
		depthI := tasks[i].Metadata["depth"].(int)
		depthPrev := tasks[i-1].Metadata["depth"].(int)
		if depthI < depthPrev {
			t.Error("calls should be ordered shallow-first")
		}
	}
}

func TestBreadthFirstStrategy_EmptyArgsList(t *testing.T) {
	strategy := NewBreadthFirstStrategy()
	tasks, err := strategy.Plan(context.Background(), PlanOptions{})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("expected no tasks, got %d", len(tasks))
	}
}

func TestPriorityBasedStrategy_Plan(t *testing.T) {
	strategy := NewPriorityBasedStrategy()
	methodID := policy.NewMethodID("OrdersService", "GetOrder")

	tasks, err := strategy.Plan(context.Background(), PlanOptions{MethodID: methodID, ArgsList: argsList(5), Limit: 3})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	for i := 1; i < len(tasks); i++ {
		if tasks[i].Priority > tasks[i-1].Priority {
			t.Error("tasks should be sorted by priority, highest first")
		}
	}
}

func TestEstimateFetchCost_PenalizesExpensiveArgs(t *testing.T) {
	base := estimateFetchCost([]any{"123"})
	report := estimateFetchCost([]any{"123", "report"})
	analytics := estimateFetchCost([]any{"123", "analytics"})

	if report <= base {
		t.Errorf("report args should cost more than base: %d vs %d", report, base)
	}
	if analytics <= report {
		t.Errorf("analytics args should cost more than report: %d vs %d", analytics, report)
	}
}

func TestDedupeKey_StableAcrossEqualArgs(t *testing.T) {
	methodID := policy.NewMethodID("OrdersService", "GetOrder")
	a := dedupeKey(methodID, []any{"123", 4})
	b := dedupeKey(methodID, []any{"123", 4})
	if a != b {
		t.Errorf("expected equal dedupe keys, got %q vs %q", a, b)
	}

	c := dedupeKey(methodID, []any{"456", 4})
	if a == c {
		t.Error("expected different args to produce different dedupe keys")
	}
}

func BenchmarkPriorityBasedStrategy_Plan(b *testing.B) {
	strategy := NewPriorityBasedStrategy()
	methodID := policy.NewMethodID("OrdersService", "GetOrder")
	opts := PlanOptions{MethodID: methodID, ArgsList: argsList(1000), Limit: 100}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		strategy.Plan(context.Background(), opts)
	}
}
