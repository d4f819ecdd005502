// Package asyncqueue wraps an inner storage.Layer in a bounded single-reader
// MPSC queue: writes are enqueued and applied by one background worker
// instead of blocking the caller, with a visible, counted rejection when the
// queue is full. Shape grounded on the teacher's warming/worker_pool.go
// WorkerPool (bounded taskQueue, stopChan, wg, drain-on-dispose loop),
// specialized here to one worker and one queue of pending writes.
package asyncqueue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cachemesh/runtime/storage"
)

type opKind int

const (
	opSet opKind = iota
	opRemove
	opRemoveByTag
)

type pendingOp struct {
	kind  opKind
	key   string
	tag   string
	entry storage.Entry
}

// Config controls queue capacity and dispose behavior.
type Config struct {
	ID       string
	Priority int
	Capacity int
	// DrainOnDispose, if true, lets Dispose block until the queue empties
	// instead of discarding pending work immediately.
	DrainOnDispose bool
}

// DefaultConfig returns a queue of capacity 1000, matching the teacher's
// WorkerPool.taskQueue buffer size, draining on dispose.
func DefaultConfig() Config {
	return Config{ID: "async-write-queue", Priority: 100, Capacity: 1000, DrainOnDispose: true}
}

// Layer queues writes destined for a slower inner layer (typically L2/L3),
// applying them on a single background worker with a shared cancellation
// token. Get/Exists delegate straight through since async writes should not
// change read semantics; only Set/Remove/RemoveByTag are queued.
type Layer struct {
	cfg   Config
	inner storage.Layer

	queue  chan pendingOp
	stopCh chan struct{}
	wg     sync.WaitGroup

	enabled atomic.Bool

	scheduled  atomic.Uint64
	rejections atomic.Uint64
	failures   atomic.Uint64
}

// New wraps inner in an asynchronous write queue.
func New(cfg Config, inner storage.Layer) *Layer {
	l := &Layer{
		cfg:    cfg,
		inner:  inner,
		queue:  make(chan pendingOp, cfg.Capacity),
		stopCh: make(chan struct{}),
	}
	l.enabled.Store(true)
	return l
}

func (l *Layer) ID() string        { return l.cfg.ID }
func (l *Layer) Priority() int     { return l.cfg.Priority }
func (l *Layer) Enabled() bool     { return l.enabled.Load() }
func (l *Layer) SetEnabled(v bool) { l.enabled.Store(v) }

// trySchedule enqueues op, returning false (a visible, counted rejection)
// if the queue is full, via a non-blocking select/default exactly as
// spec.md §4.8 requires.
func (l *Layer) trySchedule(op pendingOp) bool {
	select {
	case l.queue <- op:
		l.scheduled.Add(1)
		return true
	default:
		l.rejections.Add(1)
		return false
	}
}

func (l *Layer) Get(ctx context.Context, key string) (storage.Result, error) {
	return l.inner.Get(ctx, key)
}

func (l *Layer) Set(ctx context.Context, key string, entry storage.Entry) error {
	l.trySchedule(pendingOp{kind: opSet, key: key, entry: entry})
	return nil
}

func (l *Layer) Remove(ctx context.Context, key string) error {
	l.trySchedule(pendingOp{kind: opRemove, key: key})
	return nil
}

func (l *Layer) RemoveByTag(ctx context.Context, tag string) error {
	l.trySchedule(pendingOp{kind: opRemoveByTag, tag: tag})
	return nil
}

func (l *Layer) Exists(ctx context.Context, key string) (bool, error) {
	return l.inner.Exists(ctx, key)
}

func (l *Layer) Health(ctx context.Context) storage.Health {
	return l.inner.Health(ctx)
}

func (l *Layer) Stats() storage.Stats {
	inner := l.inner.Stats()
	inner.Rejections += l.rejections.Load()
	return inner
}

func (l *Layer) Initialize(ctx context.Context) error {
	if err := l.inner.Initialize(ctx); err != nil {
		return err
	}
	l.wg.Add(1)
	go l.runWorker()
	return nil
}

func (l *Layer) runWorker() {
	defer l.wg.Done()
	workCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-l.stopCh:
			if l.cfg.DrainOnDispose {
				l.drain(workCtx)
			}
			return
		case op := <-l.queue:
			l.apply(workCtx, op)
		}
	}
}

func (l *Layer) drain(ctx context.Context) {
	for {
		select {
		case op := <-l.queue:
			l.apply(ctx, op)
		default:
			return
		}
	}
}

func (l *Layer) apply(ctx context.Context, op pendingOp) {
	var err error
	switch op.kind {
	case opSet:
		err = l.inner.Set(ctx, op.key, op.entry)
	case opRemove:
		err = l.inner.Remove(ctx, op.key)
	case opRemoveByTag:
		err = l.inner.RemoveByTag(ctx, op.tag)
	}
	if err != nil {
		l.failures.Add(1)
	}
}

func (l *Layer) Dispose(ctx context.Context) error {
	close(l.stopCh)
	l.wg.Wait()
	return l.inner.Dispose(ctx)
}

// QueueSize returns the number of writes currently waiting to be applied.
func (l *Layer) QueueSize() int { return len(l.queue) }
