package sources

import (
	"context"
	"sync"
	"time"

	"github.com/cachemesh/runtime/policy"
)

// FluentSource is a policy.Source driven by a programmatic builder API
// (`For(methodID).WithDuration(...).WithTags(...).Apply()`), the caching
// runtime's equivalent of a fluent configuration DSL registered at startup
// but mutable afterward (e.g. from an admin surface).
type FluentSource struct {
	id string

	mu       sync.Mutex
	current  map[policy.MethodID]policy.CachePolicy
	watchers []chan policy.PolicyChange
}

// NewFluentSource builds a FluentSource with id "fluent".
func NewFluentSource() *FluentSource {
	return &FluentSource{
		id:      "fluent",
		current: make(map[policy.MethodID]policy.CachePolicy),
	}
}

func (s *FluentSource) ID() string { return s.id }

// For begins a fluent declaration for methodID.
func (s *FluentSource) For(methodID policy.MethodID) *Builder {
	return &Builder{source: s, methodID: methodID}
}

// Builder accumulates field values for one method id before Apply commits
// them as a single PolicyChange.
type Builder struct {
	source   *FluentSource
	methodID policy.MethodID
	delta    policy.PolicyDelta
}

func (b *Builder) WithDuration(d time.Duration) *Builder {
	b.delta.NewValues.Duration = policy.SomeDuration(d)
	b.delta.SetMask = b.delta.SetMask.Set(policy.FieldDuration)
	return b
}

func (b *Builder) WithTags(tags ...string) *Builder {
	b.delta.NewValues.Tags = append([]string(nil), tags...)
	b.delta.SetMask = b.delta.SetMask.Set(policy.FieldTags)
	return b
}

func (b *Builder) WithKeyGenerator(keyGeneratorType string) *Builder {
	b.delta.NewValues.KeyGeneratorType = keyGeneratorType
	b.delta.SetMask = b.delta.SetMask.Set(policy.FieldKeyGenerator)
	return b
}

func (b *Builder) WithVersion(v int64) *Builder {
	b.delta.NewValues.Version = policy.SomeInt64(v)
	b.delta.SetMask = b.delta.SetMask.Set(policy.FieldVersion)
	return b
}

func (b *Builder) WithMetadata(md map[string]string) *Builder {
	b.delta.NewValues.Metadata = md
	b.delta.SetMask = b.delta.SetMask.Set(policy.FieldMetadata)
	return b
}

func (b *Builder) RequireIdempotent(v bool) *Builder {
	b.delta.NewValues.RequireIdempotent = policy.SomeBool(v)
	b.delta.SetMask = b.delta.SetMask.Set(policy.FieldRequireIdempotent)
	return b
}

// Apply commits the accumulated fields as one Updated (or Added, on first
// declaration) PolicyChange, broadcast to every active Watch subscriber.
func (b *Builder) Apply() {
	b.source.apply(b.methodID, b.delta)
}

func (s *FluentSource) apply(methodID policy.MethodID, delta policy.PolicyDelta) {
	s.mu.Lock()
	existing, existed := s.current[methodID]
	merged := existing
	merged = applySet(merged, delta)
	s.current[methodID] = merged

	reason := policy.Updated
	if !existed {
		reason = policy.Added
	}
	change := policy.PolicyChange{
		SourceID: s.id,
		MethodID: methodID,
		Delta:    delta,
		Reason:   reason,
		At:       time.Now(),
	}
	watchers := append([]chan policy.PolicyChange(nil), s.watchers...)
	s.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- change:
		default:
		}
	}
}

// Remove clears every field of methodID's fluent contribution, emitting a
// Removed change so the resolver falls back to lower-priority sources.
func (s *FluentSource) Remove(methodID policy.MethodID) {
	s.mu.Lock()
	delete(s.current, methodID)
	change := policy.PolicyChange{
		SourceID: s.id,
		MethodID: methodID,
		Delta:    policy.PolicyDelta{ClearMask: 0b111111},
		Reason:   policy.Removed,
		At:       time.Now(),
	}
	watchers := append([]chan policy.PolicyChange(nil), s.watchers...)
	s.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- change:
		default:
		}
	}
}

func applySet(dst policy.CachePolicy, delta policy.PolicyDelta) policy.CachePolicy {
	mask := delta.SetMask
	if mask.Has(policy.FieldDuration) {
		dst.Duration = delta.NewValues.Duration
	}
	if mask.Has(policy.FieldTags) {
		dst.Tags = delta.NewValues.Tags
	}
	if mask.Has(policy.FieldKeyGenerator) {
		dst.KeyGeneratorType = delta.NewValues.KeyGeneratorType
	}
	if mask.Has(policy.FieldVersion) {
		dst.Version = delta.NewValues.Version
	}
	if mask.Has(policy.FieldMetadata) {
		dst.Metadata = delta.NewValues.Metadata
	}
	if mask.Has(policy.FieldRequireIdempotent) {
		dst.RequireIdempotent = delta.NewValues.RequireIdempotent
	}
	return dst
}

// Snapshot returns the current fluent contribution for every declared method
// id.
func (s *FluentSource) Snapshot(ctx context.Context) ([]policy.PolicySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	snaps := make([]policy.PolicySnapshot, 0, len(s.current))
	for methodID, p := range s.current {
		mask := p.Mask()
		clone := p.Clone()
		if !mask.Empty() {
			clone.Provenance = []policy.Contribution{{SourceID: s.id, Fields: mask, AppliedAt: now}}
		}
		snaps = append(snaps, policy.PolicySnapshot{
			SourceID:   s.id,
			MethodID:   methodID,
			Policy:     clone,
			ProducedAt: now,
		})
	}
	return snaps, nil
}

// Watch returns a channel of live PolicyChanges as Builder.Apply/Remove are
// called. The channel closes when ctx is done.
func (s *FluentSource) Watch(ctx context.Context) (<-chan policy.PolicyChange, error) {
	ch := make(chan policy.PolicyChange, 16)

	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		for i, w := range s.watchers {
			if w == ch {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}
