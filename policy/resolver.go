package policy

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cachemesh/runtime/corectx"
)

// EffectivePolicy is the merged policy delivered to watch subscribers, with
// an optional Lagged marker standing in for dropped intermediate values when
// a slow consumer falls behind the bounded watch channel.
type EffectivePolicy struct {
	MethodID MethodID
	Policy   CachePolicy
	Lagged   bool
}

// watchChanCapacity bounds each per-subscriber watch channel; a full channel
// drops its oldest undelivered value and substitutes a Lagged marker, per
// spec.md §4.2.
const watchChanCapacity = 16

type contributionState struct {
	mask      FieldMask
	policy    CachePolicy
	updatedAt time.Time
}

type registration struct {
	source   Source
	priority int
	seq      int
}

type watchSub struct {
	ch     chan EffectivePolicy
	cancel context.CancelFunc
}

// Resolver merges contributions from N registered sources into one effective
// policy per MethodID, on demand and incrementally as sources emit changes.
type Resolver struct {
	ctx    corectx.Context
	parent context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	registrations []*registration
	materialized  map[string]bool
	degraded      map[string]bool
	contributions map[MethodID]map[string]*contributionState

	resolvedMu sync.RWMutex
	resolved   map[MethodID]*atomic.Pointer[CachePolicy]

	watchMu  sync.Mutex
	watchers map[MethodID][]*watchSub

	onChange func(MethodID, CachePolicy)
}

// NewResolver creates a Resolver bound to the given ambient context. The
// returned Resolver's background watchers run until Dispose is called.
func NewResolver(cc corectx.Context) *Resolver {
	ctx, cancel := context.WithCancel(context.Background())
	return &Resolver{
		ctx:           cc,
		parent:        ctx,
		cancel:        cancel,
		materialized:  make(map[string]bool),
		degraded:      make(map[string]bool),
		contributions: make(map[MethodID]map[string]*contributionState),
		resolved:      make(map[MethodID]*atomic.Pointer[CachePolicy]),
		watchers:      make(map[MethodID][]*watchSub),
	}
}

// OnChange installs a callback invoked (outside any lock) whenever an
// effective policy changes. The registry uses this to stay current.
func (r *Resolver) OnChange(fn func(MethodID, CachePolicy)) {
	r.onChange = fn
}

// RegisterSource adds a source at the given priority and starts consuming
// its change stream in the background. Snapshotting is lazy: the source's
// whole snapshot set is ingested on the first Resolve after registration.
func (r *Resolver) RegisterSource(source Source, priority int) {
	r.mu.Lock()
	reg := &registration{source: source, priority: priority, seq: len(r.registrations)}
	r.registrations = append(r.registrations, reg)
	r.mu.Unlock()

	r.wg.Add(1)
	go r.watchSource(source)
}

func (r *Resolver) watchSource(source Source) {
	defer r.wg.Done()
	ch, err := source.Watch(r.parent)
	if err != nil {
		r.ctx.Errorf("policy: source %q watch failed: %v", source.ID(), err)
		r.mu.Lock()
		r.degraded[source.ID()] = true
		r.mu.Unlock()
		return
	}
	for {
		select {
		case <-r.parent.Done():
			return
		case change, ok := <-ch:
			if !ok {
				r.ctx.Warnf("policy: source %q watch stream closed", source.ID())
				r.mu.Lock()
				r.degraded[source.ID()] = true
				r.mu.Unlock()
				return
			}
			r.applyChange(change)
		}
	}
}

// ensureMaterialized snapshots any not-yet-materialized registered source,
// ingesting every PolicySnapshot it returns. Safe to call repeatedly.
func (r *Resolver) ensureMaterialized(ctx context.Context) {
	r.mu.Lock()
	var pending []*registration
	for _, reg := range r.registrations {
		if !r.materialized[reg.source.ID()] {
			pending = append(pending, reg)
		}
	}
	r.mu.Unlock()

	for _, reg := range pending {
		snaps, err := reg.source.Snapshot(ctx)
		r.mu.Lock()
		if err != nil {
			r.ctx.Errorf("policy: snapshot of source %q failed: %v", reg.source.ID(), err)
			r.degraded[reg.source.ID()] = true
			r.mu.Unlock()
			continue
		}
		r.materialized[reg.source.ID()] = true
		r.degraded[reg.source.ID()] = false
		r.mu.Unlock()

		for _, snap := range snaps {
			r.ingestSnapshot(snap)
		}
	}
}

func (r *Resolver) ingestSnapshot(snap PolicySnapshot) {
	r.mu.Lock()
	byMethod, ok := r.contributions[snap.MethodID]
	if !ok {
		byMethod = make(map[string]*contributionState)
		r.contributions[snap.MethodID] = byMethod
	}
	byMethod[snap.SourceID] = &contributionState{
		mask:      snap.Policy.Mask(),
		policy:    snap.Policy,
		updatedAt: snap.ProducedAt,
	}
	r.mu.Unlock()

	r.recompute(snap.MethodID)
}

// applyChange updates the cached contribution for (change.SourceID,
// change.MethodID) per the incremental-update algorithm of spec.md §4.2, then
// recomputes and (if changed) broadcasts the effective policy.
func (r *Resolver) applyChange(change PolicyChange) {
	// An empty-mask Removed is underspecified upstream; treat as a no-op
	// per spec.md §9.
	if change.Delta.SetMask.Empty() && change.Delta.ClearMask.Empty() {
		return
	}

	r.mu.Lock()
	byMethod, ok := r.contributions[change.MethodID]
	if !ok {
		byMethod = make(map[string]*contributionState)
		r.contributions[change.MethodID] = byMethod
	}
	state, ok := byMethod[change.SourceID]
	if !ok {
		state = &contributionState{}
		byMethod[change.SourceID] = state
	}

	state.mask = state.mask.Clear(Field(change.Delta.ClearMask))
	state.policy = applyFieldOverlay(state.policy, change.Delta.NewValues, change.Delta.SetMask)
	state.policy = clearFields(state.policy, change.Delta.ClearMask)
	state.mask = state.mask.Set(fieldsPresentInMask(change.Delta.SetMask))
	state.updatedAt = change.At
	r.degraded[change.SourceID] = false
	r.mu.Unlock()

	r.recompute(change.MethodID)
}

func fieldsPresentInMask(m FieldMask) Field { return Field(m) }

// applyFieldOverlay copies the fields named by mask from src into dst.
func applyFieldOverlay(dst, src CachePolicy, mask FieldMask) CachePolicy {
	if mask.Has(FieldDuration) {
		dst.Duration = src.Duration
	}
	if mask.Has(FieldTags) {
		dst.Tags = append([]string(nil), src.Tags...)
	}
	if mask.Has(FieldKeyGenerator) {
		dst.KeyGeneratorType = src.KeyGeneratorType
	}
	if mask.Has(FieldVersion) {
		dst.Version = src.Version
	}
	if mask.Has(FieldMetadata) {
		dst.Metadata = make(map[string]string, len(src.Metadata))
		for k, v := range src.Metadata {
			dst.Metadata[k] = v
		}
	}
	if mask.Has(FieldRequireIdempotent) {
		dst.RequireIdempotent = src.RequireIdempotent
	}
	return dst
}

// clearFields resets the fields named by mask to their zero value.
func clearFields(p CachePolicy, mask FieldMask) CachePolicy {
	if mask.Has(FieldDuration) {
		p.Duration = OptDuration{}
	}
	if mask.Has(FieldTags) {
		p.Tags = nil
	}
	if mask.Has(FieldKeyGenerator) {
		p.KeyGeneratorType = ""
	}
	if mask.Has(FieldVersion) {
		p.Version = OptInt64{}
	}
	if mask.Has(FieldMetadata) {
		p.Metadata = nil
	}
	if mask.Has(FieldRequireIdempotent) {
		p.RequireIdempotent = OptBool{}
	}
	return p
}

// recompute folds all current contributions for methodID into one effective
// policy and, if it differs from the cached value, swaps it in and notifies
// watchers and the registry (via OnChange).
func (r *Resolver) recompute(methodID MethodID) {
	effective := r.fold(methodID)

	slot := r.resolvedSlot(methodID)
	prev := slot.Load()
	if prev != nil && prev.Equal(effective) {
		return
	}
	slot.Store(&effective)

	if r.onChange != nil {
		r.onChange(methodID, effective)
	}
	r.broadcast(methodID, effective)
}

func (r *Resolver) resolvedSlot(methodID MethodID) *atomic.Pointer[CachePolicy] {
	r.resolvedMu.Lock()
	defer r.resolvedMu.Unlock()
	slot, ok := r.resolved[methodID]
	if !ok {
		slot = &atomic.Pointer[CachePolicy]{}
		r.resolved[methodID] = slot
	}
	return slot
}

// fold implements the merge algorithm of spec.md §4.2: collect current
// contributions, sort ascending by (priority, registration order), and fold
// left applying only the fields each contribution's mask names.
func (r *Resolver) fold(methodID MethodID) CachePolicy {
	r.mu.Lock()
	byMethod := r.contributions[methodID]
	type entry struct {
		reg   *registration
		state *contributionState
	}
	var entries []entry
	for _, reg := range r.registrations {
		state, ok := byMethod[reg.source.ID()]
		if !ok || state.mask.Empty() {
			continue
		}
		// Copy to avoid races with concurrent applyChange mutating in place.
		stateCopy := *state
		stateCopy.policy = state.policy.Clone()
		entries = append(entries, entry{reg: reg, state: &stateCopy})
	}
	r.mu.Unlock()

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].reg.priority != entries[j].reg.priority {
			return entries[i].reg.priority < entries[j].reg.priority
		}
		return entries[i].reg.seq < entries[j].reg.seq
	})

	result := CachePolicy{}
	var provenance []Contribution
	for _, e := range entries {
		result = applyFieldOverlay(result, e.state.policy, e.state.mask)
		provenance = append(provenance, Contribution{
			SourceID:  e.reg.source.ID(),
			Fields:    e.state.mask,
			AppliedAt: e.state.updatedAt,
		})
	}
	result.Provenance = provenance
	return result
}

// Resolve returns the current effective policy for methodID, lazily
// snapshotting any source not yet materialized.
func (r *Resolver) Resolve(ctx context.Context, methodID MethodID) CachePolicy {
	r.ensureMaterialized(ctx)

	slot := r.resolvedSlot(methodID)
	if cached := slot.Load(); cached != nil {
		return *cached
	}
	effective := r.fold(methodID)
	slot.Store(&effective)
	return effective
}

// Watch returns a channel delivering a new EffectivePolicy every time the
// effective policy for methodID changes, beginning from the subscription
// point. The returned cancel function stops delivery and releases the
// channel; it does not cancel the resolver's underlying source subscriptions.
func (r *Resolver) Watch(ctx context.Context, methodID MethodID) (<-chan EffectivePolicy, context.CancelFunc) {
	subCtx, cancel := context.WithCancel(ctx)
	ch := make(chan EffectivePolicy, watchChanCapacity)
	sub := &watchSub{ch: ch, cancel: cancel}

	r.watchMu.Lock()
	r.watchers[methodID] = append(r.watchers[methodID], sub)
	r.watchMu.Unlock()

	go func() {
		<-subCtx.Done()
		r.watchMu.Lock()
		subs := r.watchers[methodID]
		for i, s := range subs {
			if s == sub {
				r.watchers[methodID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		r.watchMu.Unlock()
		close(ch)
	}()

	return ch, cancel
}

// broadcast delivers the new effective policy to every watcher of methodID,
// dropping the oldest undelivered value (and marking the next delivery
// Lagged) if a subscriber's channel is full.
func (r *Resolver) broadcast(methodID MethodID, policy CachePolicy) {
	r.watchMu.Lock()
	subs := append([]*watchSub(nil), r.watchers[methodID]...)
	r.watchMu.Unlock()

	msg := EffectivePolicy{MethodID: methodID, Policy: policy}
	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		default:
			select {
			case <-sub.ch:
			default:
			}
			lagged := msg
			lagged.Lagged = true
			select {
			case sub.ch <- lagged:
			default:
			}
		}
	}
}

// IsDegraded reports whether sourceID's last snapshot/watch attempt failed
// and the resolver is serving its last known-good contribution.
func (r *Resolver) IsDegraded(sourceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded[sourceID]
}

// Dispose cancels background watchers and closes all watch streams.
func (r *Resolver) Dispose() {
	r.cancel()
	r.wg.Wait()

	r.watchMu.Lock()
	for _, subs := range r.watchers {
		for _, s := range subs {
			s.cancel()
		}
	}
	r.watchMu.Unlock()
}
