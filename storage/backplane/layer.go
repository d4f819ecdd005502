// Package backplane adapts a storage.Backplane into a storage.Layer so it
// can sit in a coordinator.Coordinator's chain the same way L1/L2/L3 do,
// publishing a broadcast message on every Remove/RemoveByTag instead of
// holding values of its own. Grounded on the same storage.Layer shape every
// other tier in this package implements; the publish/subscribe mechanics
// themselves come from storage/backplane/local and the storage.Backplane
// contract.
package backplane

import (
	"context"
	"sync/atomic"

	"github.com/cachemesh/runtime/storage"
)

// Layer publishes a storage.Message on every Remove/RemoveByTag it sees and
// never serves or stores values itself: Get, Set, and Exists are all
// NotHandled/no-ops, matching the tag-index layer's own non-storing stance.
// Publish failures are logged via the same best-effort discipline
// invalidation.Invalidator uses and never fail the triggering operation.
type Layer struct {
	id         string
	priority   int
	instanceID string
	bp         storage.Backplane
	enabled    atomic.Bool
	onErr      func(err error)

	publishes atomic.Uint64
	errors    atomic.Uint64
}

// New builds a Layer that publishes to bp under instanceID. onErr, if
// non-nil, is called with any Publish error (best-effort: the triggering
// Remove/RemoveByTag still succeeds).
func New(id string, priority int, instanceID string, bp storage.Backplane, onErr func(err error)) *Layer {
	l := &Layer{id: id, priority: priority, instanceID: instanceID, bp: bp, onErr: onErr}
	l.enabled.Store(true)
	return l
}

func (l *Layer) ID() string        { return l.id }
func (l *Layer) Priority() int     { return l.priority }
func (l *Layer) Enabled() bool     { return l.enabled.Load() }
func (l *Layer) SetEnabled(v bool) { l.enabled.Store(v) }

// Get never serves values; the backplane only broadcasts removals.
func (l *Layer) Get(ctx context.Context, key string) (storage.Result, error) {
	return storage.Result{Outcome: storage.NotHandled}, nil
}

// Set is a no-op: nothing is broadcast on write, only on remove/removeByTag.
func (l *Layer) Set(ctx context.Context, key string, entry storage.Entry) error {
	return nil
}

// Remove publishes a MessageKey broadcast for key, unless ctx is marked via
// storage.WithoutBroadcast (the remove originated from a remote message this
// instance just applied, and must not be relayed back out).
func (l *Layer) Remove(ctx context.Context, key string) error {
	if storage.SuppressBroadcast(ctx) {
		return nil
	}
	l.publish(ctx, storage.Message{InstanceID: l.instanceID, Type: storage.MessageKey, Key: key})
	return nil
}

// RemoveByTag publishes a MessageTag broadcast for tag, subject to the same
// storage.WithoutBroadcast suppression as Remove.
func (l *Layer) RemoveByTag(ctx context.Context, tag string) error {
	if storage.SuppressBroadcast(ctx) {
		return nil
	}
	l.publish(ctx, storage.Message{InstanceID: l.instanceID, Type: storage.MessageTag, Tag: tag})
	return nil
}

func (l *Layer) publish(ctx context.Context, msg storage.Message) {
	if err := l.bp.Publish(ctx, msg); err != nil {
		l.errors.Add(1)
		if l.onErr != nil {
			l.onErr(err)
		}
		return
	}
	l.publishes.Add(1)
}

// Exists never claims to hold a key.
func (l *Layer) Exists(ctx context.Context, key string) (bool, error) {
	return false, nil
}

func (l *Layer) Health(ctx context.Context) storage.Health {
	return storage.Health{Healthy: true}
}

func (l *Layer) Stats() storage.Stats {
	return storage.Stats{Sets: l.publishes.Load(), Rejections: l.errors.Load()}
}

func (l *Layer) Initialize(ctx context.Context) error { return nil }
func (l *Layer) Dispose(ctx context.Context) error    { return nil }
