package policy

import (
	"context"
	"testing"
	"time"

	"github.com/cachemesh/runtime/corectx"
)

// fakeSource is a minimal policy.Source test double: a fixed snapshot set
// plus a controllable change channel.
type fakeSource struct {
	id       string
	snaps    []PolicySnapshot
	changes  chan PolicyChange
	snapErr  error
	watchErr error
}

func newFakeSource(id string) *fakeSource {
	return &fakeSource{id: id, changes: make(chan PolicyChange, 4)}
}

func (f *fakeSource) ID() string { return f.id }

func (f *fakeSource) Snapshot(ctx context.Context) ([]PolicySnapshot, error) {
	if f.snapErr != nil {
		return nil, f.snapErr
	}
	return f.snaps, nil
}

func (f *fakeSource) Watch(ctx context.Context) (<-chan PolicyChange, error) {
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	return f.changes, nil
}

func snapshotFor(sourceID string, methodID MethodID, p CachePolicy) PolicySnapshot {
	mask := p.Mask()
	if !mask.Empty() {
		p.Provenance = []Contribution{{SourceID: sourceID, Fields: mask}}
	}
	return PolicySnapshot{SourceID: sourceID, MethodID: methodID, Policy: p, ProducedAt: time.Now()}
}

func TestResolver_PriorityPrecedence(t *testing.T) {
	methodID := NewMethodID("OrderService", "GetOrder")

	attrs := newFakeSource("attributes")
	attrs.snaps = []PolicySnapshot{snapshotFor("attributes", methodID, CachePolicy{
		Duration: SomeDuration(5 * time.Minute),
		Tags:     []string{"orders"},
	})}

	fluent := newFakeSource("fluent")
	fluent.snaps = []PolicySnapshot{snapshotFor("fluent", methodID, CachePolicy{
		Duration: SomeDuration(10 * time.Minute),
	})}

	r := NewResolver(corectx.Default())
	defer r.Dispose()
	r.RegisterSource(attrs, PriorityAttributes)
	r.RegisterSource(fluent, PriorityFluent)

	effective := r.Resolve(context.Background(), methodID)

	if !effective.Duration.Valid || effective.Duration.Value != 10*time.Minute {
		t.Fatalf("expected higher-priority fluent Duration to win, got %+v", effective.Duration)
	}
	if len(effective.Tags) != 1 || effective.Tags[0] != "orders" {
		t.Fatalf("expected attributes-contributed Tags to survive (fluent didn't set it), got %v", effective.Tags)
	}
}

func TestResolver_RemovalFallsBackToLowerPriority(t *testing.T) {
	methodID := NewMethodID("OrderService", "GetOrder")

	attrs := newFakeSource("attributes")
	attrs.snaps = []PolicySnapshot{snapshotFor("attributes", methodID, CachePolicy{
		Duration: SomeDuration(5 * time.Minute),
	})}

	override := newFakeSource("runtimeoverride")
	override.snaps = []PolicySnapshot{snapshotFor("runtimeoverride", methodID, CachePolicy{
		Duration: SomeDuration(1 * time.Minute),
	})}

	r := NewResolver(corectx.Default())
	defer r.Dispose()
	r.RegisterSource(attrs, PriorityAttributes)
	r.RegisterSource(override, PriorityRuntimeOverride)

	effective := r.Resolve(context.Background(), methodID)
	if effective.Duration.Value != 1*time.Minute {
		t.Fatalf("expected override to win, got %v", effective.Duration.Value)
	}

	override.changes <- PolicyChange{
		SourceID: "runtimeoverride",
		MethodID: methodID,
		Delta:    PolicyDelta{ClearMask: FieldMask(FieldDuration)},
		Reason:   Removed,
		At:       time.Now(),
	}

	waitFor(t, func() bool {
		p := r.Resolve(context.Background(), methodID)
		return p.Duration.Valid && p.Duration.Value == 5*time.Minute
	})
}

func TestResolver_EmptyMaskRemovalIsNoOp(t *testing.T) {
	methodID := NewMethodID("OrderService", "GetOrder")

	attrs := newFakeSource("attributes")
	attrs.snaps = []PolicySnapshot{snapshotFor("attributes", methodID, CachePolicy{
		Duration: SomeDuration(5 * time.Minute),
	})}

	r := NewResolver(corectx.Default())
	defer r.Dispose()
	r.RegisterSource(attrs, PriorityAttributes)

	before := r.Resolve(context.Background(), methodID)

	attrs.changes <- PolicyChange{
		SourceID: "attributes",
		MethodID: methodID,
		Delta:    PolicyDelta{},
		Reason:   Removed,
		At:       time.Now(),
	}

	time.Sleep(20 * time.Millisecond)
	after := r.Resolve(context.Background(), methodID)
	if !after.Equal(before) {
		t.Fatalf("expected no-op empty-mask Removed to leave policy unchanged, before=%+v after=%+v", before, after)
	}
}

func TestResolver_WatchDeliversChangesAndLagsOnOverflow(t *testing.T) {
	methodID := NewMethodID("OrderService", "GetOrder")
	attrs := newFakeSource("attributes")

	r := NewResolver(corectx.Default())
	defer r.Dispose()
	r.RegisterSource(attrs, PriorityAttributes)

	ch, cancel := r.Watch(context.Background(), methodID)
	defer cancel()

	for i := 0; i < watchChanCapacity+4; i++ {
		attrs.changes <- PolicyChange{
			SourceID: "attributes",
			MethodID: methodID,
			Delta: PolicyDelta{
				SetMask:   FieldMask(FieldVersion),
				NewValues: CachePolicy{Version: SomeInt64(int64(i))},
			},
			Reason: Updated,
			At:     time.Now(),
		}
	}

	time.Sleep(50 * time.Millisecond)

	var sawLagged bool
	drainLoop:
	for {
		select {
		case msg := <-ch:
			if msg.Lagged {
				sawLagged = true
			}
		default:
			break drainLoop
		}
	}
	if !sawLagged {
		t.Fatalf("expected at least one Lagged marker after overflowing the watch channel")
	}
}

func TestResolver_DegradedSourceRetainsLastGoodContribution(t *testing.T) {
	methodID := NewMethodID("OrderService", "GetOrder")

	attrs := newFakeSource("attributes")
	attrs.snaps = []PolicySnapshot{snapshotFor("attributes", methodID, CachePolicy{
		Duration: SomeDuration(5 * time.Minute),
	})}

	r := NewResolver(corectx.Default())
	defer r.Dispose()
	r.RegisterSource(attrs, PriorityAttributes)

	_ = r.Resolve(context.Background(), methodID)
	close(attrs.changes)

	waitFor(t, func() bool { return r.IsDegraded("attributes") })

	effective := r.Resolve(context.Background(), methodID)
	if !effective.Duration.Valid || effective.Duration.Value != 5*time.Minute {
		t.Fatalf("expected last-good contribution retained after source degraded, got %+v", effective.Duration)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not satisfied within deadline")
}
