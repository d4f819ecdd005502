// Package sources provides the four policy.Source variants: Attributes,
// Fluent, ConfigFile, RuntimeOverride.
package sources

import (
	"context"
	"time"

	"github.com/cachemesh/runtime/policy"
)

// AttributeRegistration is one compile-time cache declaration, the stand-in
// for generated code calling register(methodId, policy) at process startup
// the way an attribute/annotation processor would.
type AttributeRegistration struct {
	MethodID          policy.MethodID
	Duration          policy.OptDuration
	Tags              []string
	KeyGeneratorType  string
	Version           policy.OptInt64
	RequireIdempotent policy.OptBool
	Group             string
}

func (a AttributeRegistration) toPolicy(sourceID string, now time.Time) policy.CachePolicy {
	p := policy.CachePolicy{
		Duration:          a.Duration,
		Tags:              append([]string(nil), a.Tags...),
		KeyGeneratorType:  a.KeyGeneratorType,
		Version:           a.Version,
		RequireIdempotent: a.RequireIdempotent,
	}
	mask := p.Mask()
	if !mask.Empty() {
		p.Provenance = []policy.Contribution{{SourceID: sourceID, Fields: mask, AppliedAt: now}}
	}
	return p
}

// AttributeSource is a policy.Source backed by an explicit, in-memory
// registration table rather than runtime reflection over compiled types.
// Registrations are fixed at construction; the source has no live changes.
type AttributeSource struct {
	id            string
	registrations map[policy.MethodID]AttributeRegistration
}

// NewAttributeSource builds an AttributeSource with id "attributes".
func NewAttributeSource() *AttributeSource {
	return &AttributeSource{
		id:            "attributes",
		registrations: make(map[policy.MethodID]AttributeRegistration),
	}
}

// RegisterAttribute adds or replaces a compile-time policy declaration for a
// method id. Call before the source is handed to a Resolver; registrations
// made afterward are only visible to callers that re-Snapshot.
func (s *AttributeSource) RegisterAttribute(reg AttributeRegistration) {
	s.registrations[reg.MethodID] = reg
}

func (s *AttributeSource) ID() string { return s.id }

// MethodIDs returns every method id with a compile-time registration,
// for tooling that needs to enumerate known methods (cmd/cacheinspect).
func (s *AttributeSource) MethodIDs() []policy.MethodID {
	ids := make([]policy.MethodID, 0, len(s.registrations))
	for id := range s.registrations {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns one PolicySnapshot per registered method id.
func (s *AttributeSource) Snapshot(ctx context.Context) ([]policy.PolicySnapshot, error) {
	now := time.Now()
	snaps := make([]policy.PolicySnapshot, 0, len(s.registrations))
	for methodID, reg := range s.registrations {
		snaps = append(snaps, policy.PolicySnapshot{
			SourceID:   s.id,
			MethodID:   methodID,
			Policy:     reg.toPolicy(s.id, now),
			ProducedAt: now,
		})
	}
	return snaps, nil
}

// Watch returns a channel that never emits: attribute declarations are fixed
// at compile time, so this source has no incremental changes.
func (s *AttributeSource) Watch(ctx context.Context) (<-chan policy.PolicyChange, error) {
	ch := make(chan policy.PolicyChange)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}
