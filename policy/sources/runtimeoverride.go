package sources

import (
	"context"
	"sync"
	"time"

	"github.com/cachemesh/runtime/policy"
)

// RuntimeOverrideSource is the operator escape hatch: an explicit,
// RWMutex-guarded map of method id to override policy, always merged at
// policy.PriorityRuntimeOverride so it wins over every compile-time or
// config-file contribution. A plain map with explicit locking is used
// instead of sync.Map because Snapshot iterates the full set under one read
// lock, the same trade-off the teacher's L1Cache makes for its LRU list.
// Snapshot's order is map iteration order, which is not defined.
type RuntimeOverrideSource struct {
	id string

	mu       sync.RWMutex
	current  map[policy.MethodID]policy.CachePolicy
	watchers []chan policy.PolicyChange
}

// NewRuntimeOverrideSource builds a RuntimeOverrideSource with id
// "runtimeoverride".
func NewRuntimeOverrideSource() *RuntimeOverrideSource {
	return &RuntimeOverrideSource{
		id:      "runtimeoverride",
		current: make(map[policy.MethodID]policy.CachePolicy),
	}
}

func (s *RuntimeOverrideSource) ID() string { return s.id }

// Set installs or replaces the override policy for methodID, broadcasting
// the change to active watchers.
func (s *RuntimeOverrideSource) Set(methodID policy.MethodID, p policy.CachePolicy) {
	now := time.Now()
	clone := p.Clone()
	mask := clone.Mask()
	if !mask.Empty() {
		clone.Provenance = []policy.Contribution{{SourceID: s.id, Fields: mask, AppliedAt: now}}
	}

	s.mu.Lock()
	_, existed := s.current[methodID]
	s.current[methodID] = clone
	watchers := append([]chan policy.PolicyChange(nil), s.watchers...)
	s.mu.Unlock()

	reason := policy.Updated
	if !existed {
		reason = policy.Added
	}
	change := policy.PolicyChange{
		SourceID: s.id,
		MethodID: methodID,
		Delta:    policy.PolicyDelta{SetMask: mask, NewValues: clone},
		Reason:   reason,
		At:       now,
	}
	for _, ch := range watchers {
		select {
		case ch <- change:
		default:
		}
	}
}

// Clear removes methodID's override, causing the resolver to fall back to
// lower-priority sources.
func (s *RuntimeOverrideSource) Clear(methodID policy.MethodID) {
	s.mu.Lock()
	_, existed := s.current[methodID]
	delete(s.current, methodID)
	watchers := append([]chan policy.PolicyChange(nil), s.watchers...)
	s.mu.Unlock()

	if !existed {
		return
	}
	change := policy.PolicyChange{
		SourceID: s.id,
		MethodID: methodID,
		Delta:    policy.PolicyDelta{ClearMask: 0b111111},
		Reason:   policy.Removed,
		At:       time.Now(),
	}
	for _, ch := range watchers {
		select {
		case ch <- change:
		default:
		}
	}
}

// Snapshot returns the current override set.
func (s *RuntimeOverrideSource) Snapshot(ctx context.Context) ([]policy.PolicySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	snaps := make([]policy.PolicySnapshot, 0, len(s.current))
	for methodID, p := range s.current {
		snaps = append(snaps, policy.PolicySnapshot{
			SourceID:   s.id,
			MethodID:   methodID,
			Policy:     p.Clone(),
			ProducedAt: now,
		})
	}
	return snaps, nil
}

// Watch returns a channel of live PolicyChanges as Set/Clear are called.
func (s *RuntimeOverrideSource) Watch(ctx context.Context) (<-chan policy.PolicyChange, error) {
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
