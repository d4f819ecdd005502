package policy

import (
	"context"
	"sync"
)

// Registry is the read-side cache of effective policies plus diagnostics:
// it mirrors the Resolver's recomputed policies (via OnChange) so lookups
// never block on a merge, and it exposes per-source/per-field provenance for
// operational inspection (cmd/cacheinspect).
type Registry struct {
	resolver *Resolver

	mu       sync.RWMutex
	policies map[MethodID]CachePolicy
}

// NewRegistry wires a Registry to resolver, subscribing to its recompute
// notifications. resolver.OnChange must not already be set by another
// caller; NewRegistry claims it.
func NewRegistry(resolver *Resolver) *Registry {
	reg := &Registry{
		resolver: resolver,
		policies: make(map[MethodID]CachePolicy),
	}
	resolver.OnChange(reg.observe)
	return reg
}

func (r *Registry) observe(methodID MethodID, policy CachePolicy) {
	r.mu.Lock()
	r.policies[methodID] = policy
	r.mu.Unlock()
}

// GetPolicy returns the effective policy for methodID, resolving it on first
// access if the registry hasn't observed a recompute for it yet.
func (r *Registry) GetPolicy(ctx context.Context, methodID MethodID) CachePolicy {
	r.mu.RLock()
	cached, ok := r.policies[methodID]
	r.mu.RUnlock()
	if ok {
		return cached
	}

	resolved := r.resolver.Resolve(ctx, methodID)
	r.mu.Lock()
	r.policies[methodID] = resolved
	r.mu.Unlock()
	return resolved
}

// MethodIDs returns every method id the registry currently has an effective
// policy cached for.
func (r *Registry) MethodIDs() []MethodID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]MethodID, 0, len(r.policies))
	for id := range r.policies {
		ids = append(ids, id)
	}
	return ids
}

// FindBySource returns the method ids for which sourceID contributed at
// least one field to the current effective policy.
func (r *Registry) FindBySource(sourceID string) []MethodID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []MethodID
	for id, policy := range r.policies {
		for _, c := range policy.Provenance {
			if c.SourceID == sourceID {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids
}

// GetContributions returns the provenance trail for methodID: which source
// contributed which fields, in the order they were folded (ascending
// priority).
func (r *Registry) GetContributions(ctx context.Context, methodID MethodID) []Contribution {
	policy := r.GetPolicy(ctx, methodID)
	return append([]Contribution(nil), policy.Provenance...)
}
