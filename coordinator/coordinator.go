// Package coordinator orchestrates the layered storage pipeline: an ordered
// chain of storage.Layer implementations (tag index, L1 memory, async write
// queue, L2 distributed, L3 persistent) walked in ascending Priority order on
// reads, fanned out to on writes, with promotion of hits into layers that
// missed them. Grounded on cache-manager/service.go's Get/fetchWithFallback
// shape, generalized from a hard-coded L1-then-L2-then-origin chain into an
// arbitrary ordered slice of storage.Layer.
package coordinator

import (
	"context"
	"sort"
	"time"

	"github.com/cachemesh/runtime/corectx"
	"github.com/cachemesh/runtime/storage"
)

// tagKeyResolver is satisfied by storage/tagindex.Layer: it resolves a tag to
// the concrete keys carrying it (clearing its own index as it does) so the
// coordinator can attach the result to ctx before fanning out to the rest of
// the chain.
type tagKeyResolver interface {
	RemoveByTagKeys(ctx context.Context, tag string) []string
}

// Config tunes promotion behavior.
type Config struct {
	// L1MaxExpiration caps the TTL used when promoting a value into a
	// lower-priority layer that missed it (spec.md §6's L1MaxExpiration).
	L1MaxExpiration time.Duration
}

// Coordinator walks an ordered chain of storage.Layer values for every
// read/write/remove operation. It never invokes factories; cache-miss
// recovery belongs to the caller (cachemanager.Manager).
type Coordinator struct {
	cc     corectx.Context
	cfg    Config
	layers []storage.Layer
}

// New builds a Coordinator over layers, sorted ascending by Priority().
// Layers is copied; callers must not mutate the slice afterward.
func New(cc corectx.Context, cfg Config, layers []storage.Layer) *Coordinator {
	sorted := append([]storage.Layer(nil), layers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})
	return &Coordinator{cc: cc, cfg: cfg, layers: sorted}
}

// Layers returns the ordered layer chain, for diagnostics.
func (c *Coordinator) Layers() []storage.Layer {
	return append([]storage.Layer(nil), c.layers...)
}

// Initialize initializes every layer, in order.
func (c *Coordinator) Initialize(ctx context.Context) error {
	for _, l := range c.layers {
		if err := l.Initialize(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Dispose tears down every layer, in reverse order.
func (c *Coordinator) Dispose(ctx context.Context) error {
	var first error
	for i := len(c.layers) - 1; i >= 0; i-- {
		if err := c.layers[i].Dispose(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Get walks the layer chain in ascending priority order. The first Hit wins
// and is promoted into every lower-priority layer that missed it (subject to
// that layer's own TTL caps). NotHandled is treated like Miss but is not
// counted against that layer's miss metrics — storage.Layer implementations
// already own that bookkeeping themselves, so Get only needs to skip past it.
func (c *Coordinator) Get(ctx context.Context, key string) (storage.Result, error) {
	var missed []storage.Layer

	for _, l := range c.layers {
		if !l.Enabled() {
			continue
		}
		res, err := l.Get(ctx, key)
		if err != nil {
			c.cc.Errorf("coordinator: layer %s get failed: %v", l.ID(), err)
			continue
		}
		switch res.Outcome {
		case storage.Hit:
			c.promote(ctx, key, res, missed)
			return res, nil
		case storage.Miss, storage.NotHandled:
			missed = append(missed, l)
			continue
		}
	}

	return storage.Result{Outcome: storage.Miss}, nil
}

// promote writes a Hit's value into every layer that missed it, in ascending
// priority order, using each layer's own TTL cap via Set. Cancellation of the
// originating read does not abort a promotion already in flight, matching
// spec.md §4.11's "cancellation of a read after a hit does not un-cache the
// value" rule — promotion runs with a detached context.
func (c *Coordinator) promote(ctx context.Context, key string, res storage.Result, missed []storage.Layer) {
	if len(missed) == 0 {
		return
	}
	entry := storage.Entry{Value: res.Value, Tags: res.Tags, TTL: c.cfg.L1MaxExpiration}
	bg := detach(ctx)
	for _, l := range missed {
		if err := l.Set(bg, key, entry); err != nil {
			c.cc.Warnf("coordinator: promotion into layer %s failed: %v", l.ID(), err)
		}
	}
}

// Set writes to every enabled layer, in ascending priority order. Tags are
// forwarded verbatim; the tag-index layer runs first by priority so every
// layer beneath it can rely on tag tracking already being recorded.
func (c *Coordinator) Set(ctx context.Context, key string, entry storage.Entry) error {
	var first error
	for _, l := range c.layers {
		if !l.Enabled() {
			continue
		}
		if err := l.Set(ctx, key, entry); err != nil {
			c.cc.Errorf("coordinator: layer %s set failed: %v", l.ID(), err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Remove forwards to every enabled layer.
func (c *Coordinator) Remove(ctx context.Context, key string) error {
	var first error
	for _, l := range c.layers {
		if !l.Enabled() {
			continue
		}
		if err := l.Remove(ctx, key); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// RemoveByTag resolves tag against the tag-index layer first (whichever
// enabled layer implements tagKeyResolver), attaches the resulting key list
// to ctx via storage.WithTagKeys, and only then fans RemoveByTag out to
// every enabled layer in ascending priority order. Layers like
// storage/memory and storage/l2 have no tag concept of their own and act
// purely on the key list storage.TagKeysFromContext(ctx) supplies; without
// this resolution step first, ctx would reach them empty and a
// tag-scoped remove would never actually drop the tagged keys from them.
func (c *Coordinator) RemoveByTag(ctx context.Context, tag string) error {
	for _, l := range c.layers {
		if !l.Enabled() {
			continue
		}
		if resolver, ok := l.(tagKeyResolver); ok {
			ctx = storage.WithTagKeys(ctx, resolver.RemoveByTagKeys(ctx, tag))
			break
		}
	}

	var first error
	for _, l := range c.layers {
		if !l.Enabled() {
			continue
		}
		if err := l.RemoveByTag(ctx, tag); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Exists returns true if any enabled layer reports the key present.
func (c *Coordinator) Exists(ctx context.Context, key string) (bool, error) {
	for _, l := range c.layers {
		if !l.Enabled() {
			continue
		}
		ok, err := l.Exists(ctx, key)
		if err != nil {
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Health aggregates every enabled layer's health.
func (c *Coordinator) Health(ctx context.Context) map[string]storage.Health {
	out := make(map[string]storage.Health, len(c.layers))
	for _, l := range c.layers {
		out[l.ID()] = l.Health(ctx)
	}
	return out
}

// Stats aggregates every layer's self-reported stats by layer ID.
func (c *Coordinator) Stats() map[string]storage.Stats {
	out := make(map[string]storage.Stats, len(c.layers))
	for _, l := range c.layers {
		out[l.ID()] = l.Stats()
	}
	return out
}

// detachedCtx carries over a parent's values but never its cancellation, so
// promotion can outlive the read that triggered it.
type detachedCtx struct {
	parent context.Context
}

func (d detachedCtx) Deadline() (time.Time, bool) { return time.Time{}, false }
func (d detachedCtx) Done() <-chan struct{}       { return nil }
func (d detachedCtx) Err() error                  { return nil }
func (d detachedCtx) Value(key any) any           { return d.parent.Value(key) }

func detach(parent context.Context) context.Context {
	return detachedCtx{parent: parent}
}
