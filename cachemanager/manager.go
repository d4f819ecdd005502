// Package cachemanager implements the top-level facade over the caching
// runtime: policy resolution, key generation, single-flighted factory
// invocation, write-through, and tag/key invalidation. Grounded on
// cache-manager/service.go's Get/fetchWithFallback/Invalidate shape,
// generalized from a hard-coded L1/L2/origin chain to a
// policy.Registry + keygen.Registry + coordinator.Coordinator pipeline.
package cachemanager

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cachemesh/runtime/cacheerr"
	"github.com/cachemesh/runtime/coordinator"
	"github.com/cachemesh/runtime/corectx"
	"github.com/cachemesh/runtime/invalidation"
	"github.com/cachemesh/runtime/keygen"
	"github.com/cachemesh/runtime/policy"
	"github.com/cachemesh/runtime/storage"
)

// Codec marshals/unmarshals the values a factory produces to/from the bytes
// the storage pipeline holds. Swappable so callers can use JSON, MessagePack,
// gob, or a domain-specific format.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, out any) error
}

// RuntimeOptions carries per-call overrides to getOrCreate.
type RuntimeOptions struct {
	// Idempotent, when non-nil, asserts whether the caller's factory is safe
	// to invoke more than once. false is enforced when the resolved policy's
	// RequireIdempotent is true; nil/true is always accepted.
	Idempotent *bool
}

// TagLister enumerates the tags currently tracked by the tag-index layer, so
// InvalidateByTagPattern has something to match against. The tag-index
// layer's own Tags() method satisfies this.
type TagLister interface {
	Tags() []string
}

// Manager is the public cache-result facade: resolve policy, generate key,
// single-flight the factory, write through on miss.
type Manager struct {
	cc          corectx.Context
	registry    *policy.Registry
	keygens     *keygen.Registry
	coordinator *coordinator.Coordinator
	codec       Codec
	tags        TagLister
	patterns    *invalidation.PatternMatcher

	flight singleflight.Group
}

// New builds a Manager over its collaborators. codec must not be nil. tags
// may be nil, in which case InvalidateByTagPattern always matches nothing.
func New(cc corectx.Context, registry *policy.Registry, keygens *keygen.Registry, coord *coordinator.Coordinator, codec Codec, tags TagLister) *Manager {
	return &Manager{
		cc:          cc,
		registry:    registry,
		keygens:     keygens,
		coordinator: coord,
		codec:       codec,
		tags:        tags,
		patterns:    invalidation.NewPatternMatcher(),
	}
}

// Factory produces the value for a cache miss.
type Factory func(ctx context.Context) (any, error)

// GetOrCreate implements spec.md §4.12's algorithm: resolve policy, generate
// key, try the coordinator, and on miss single-flight exactly one factory
// invocation per key among concurrent callers.
//
// The returned value is whatever the factory produced (on this call, or on
// whichever call originated the in-flight slot this caller joined) decoded
// through Manager's Codec if it had to be read back from storage.
func (m *Manager) GetOrCreate(ctx context.Context, methodID policy.MethodID, args []any, factory Factory, opts *RuntimeOptions) (any, error) {
	p := m.registry.GetPolicy(ctx, methodID)

	if p.RequireIdempotent.Valid && p.RequireIdempotent.Value {
		if opts != nil && opts.Idempotent != nil && !*opts.Idempotent {
			return nil, cacheerr.ErrNotIdempotent
		}
	}

	gen := m.keygens.Resolve(p.KeyGeneratorType)
	key := gen.Generate(keygen.Request{MethodID: methodID, Args: args, Policy: p})

	res, err := m.coordinator.Get(ctx, key)
	if err != nil {
		m.cc.Errorf("cachemanager: coordinator get failed for %s: %v", methodID, err)
	}
	if res.Outcome == storage.Hit {
		m.cc.Metrics.RecordHit(key, 0)
		var out any
		if err := m.codec.Unmarshal(res.Value, &out); err != nil {
			return nil, cacheerr.NewFactoryError(string(methodID), err)
		}
		return out, nil
	}

	start := m.cc.Now()
	v, err, shared := m.flight.Do(key, func() (any, error) {
		value, ferr := factory(ctx)
		if ferr != nil {
			return nil, cacheerr.NewFactoryError(string(methodID), ferr)
		}

		data, merr := m.codec.Marshal(value)
		if merr != nil {
			return nil, cacheerr.NewFactoryError(string(methodID), merr)
		}

		ttl := time.Duration(0)
		if p.Duration.Valid {
			ttl = p.Duration.Value
		}
		entry := storage.Entry{Value: data, Tags: append([]string(nil), p.Tags...), TTL: ttl}
		if serr := m.coordinator.Set(ctx, key, entry); serr != nil {
			m.cc.Warnf("cachemanager: write-through failed for %s: %v", methodID, serr)
		}
		return value, nil
	})

	if err != nil {
		m.cc.Metrics.RecordError(key, err)
		return nil, err
	}

	if shared {
		// This caller joined an in-flight factory call another caller
		// originated; treat it as a hit-after-wait rather than a fresh miss.
		m.cc.Metrics.RecordHit(key, m.cc.Now().Sub(start))
	} else {
		m.cc.Metrics.RecordMiss(key)
	}
	return v, nil
}

// InvalidateByTags removes every entry tagged with any of tags.
func (m *Manager) InvalidateByTags(ctx context.Context, tags ...string) error {
	var first error
	for _, tag := range tags {
		if err := m.coordinator.RemoveByTag(ctx, tag); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// InvalidateByKeys removes specific cache keys.
func (m *Manager) InvalidateByKeys(ctx context.Context, keys ...string) error {
	var first error
	for _, key := range keys {
		if err := m.coordinator.Remove(ctx, key); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// InvalidateByTagPattern matches pattern against every tag the tag-index
// layer currently tracks and invalidates each match.
func (m *Manager) InvalidateByTagPattern(ctx context.Context, pattern string) error {
	if m.tags == nil {
		return nil
	}
	if err := m.patterns.ValidatePattern(pattern); err != nil {
		return err
	}
	matched := m.patterns.Match(pattern, m.tags.Tags())
	return m.InvalidateByTags(ctx, matched...)
}
