// Package local implements storage.Backplane as an in-process fan-out over
// Go channels: useful for single-process tests and for simulating multiple
// instances within one test binary. Grounded on the same channel-fan-out
// shape as warming/worker_pool.go, generalized from one worker queue to N
// independent subscriber channels.
package local

import (
	"context"
	"sync"

	"github.com/cachemesh/runtime/storage"
)

// subscriberChanCapacity bounds each subscriber's backlog; a full channel
// drops the message rather than blocking the publisher, matching the
// backplane's best-effort publish contract.
const subscriberChanCapacity = 64

type subscriber struct {
	ch     chan storage.Message
	cancel context.CancelFunc
}

// Backplane is a process-local, in-memory storage.Backplane. Multiple
// instances can share one Backplane value to simulate a real broker within
// a single test binary.
type Backplane struct {
	mu          sync.RWMutex
	subscribers []*subscriber
}

// New builds an empty local Backplane.
func New() *Backplane {
	return &Backplane{}
}

// Publish fans msg out to every active subscriber, dropping it for any
// subscriber whose channel is full rather than blocking.
func (b *Backplane) Publish(ctx context.Context, msg storage.Message) error {
	b.mu.RLock()
	subs := append([]*subscriber(nil), b.subscribers...)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe registers handler to run on a dedicated goroutine for every
// published message. Own-instance filtering is the caller's responsibility
// since Backplane has no notion of "this instance" — wrap handler with
// FilterOwnInstance.
func (b *Backplane) Subscribe(ctx context.Context, handler storage.Handler) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscriber{ch: make(chan storage.Message, subscriberChanCapacity), cancel: cancel}

	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case msg := <-sub.ch:
				handler(subCtx, msg)
			}
		}
	}()

	unsubscribe := func() {
		cancel()
		b.mu.Lock()
		for i, s := range b.subscribers {
			if s == sub {
				b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
	}
	return unsubscribe, nil
}

// FilterOwnInstance wraps handler so messages whose InstanceID equals
// instanceID are discarded before reaching it, per spec.md §4.10's
// own-instance-message rule.
func FilterOwnInstance(instanceID string, handler storage.Handler) storage.Handler {
	return func(ctx context.Context, msg storage.Message) {
		if msg.InstanceID == instanceID {
			return
		}
		handler(ctx, msg)
	}
}
