// Package invalidation coordinates cache invalidation across cache-manager
// instances: local application, cross-instance broadcast, pattern matching,
// and an immutable audit trail.
//
// Design Philosophy:
// - Backplane broadcast ensures eventual consistency across all cache nodes
// - Audit logging provides immutable invalidation history for compliance and debugging
// - Pattern matching supports flexible invalidation strategies (exact, prefix, wildcard)
// - Metrics enable observability of invalidation patterns and performance
//
// Performance Characteristics:
// - Key invalidation: O(k) where k = number of keys
// - Pattern invalidation: O(n) where n = total tracked tags/keys
// - Backplane publish: O(1) local fan-out + best-effort delivery
// - Audit insert: O(1) database write
//
// Consistency Model:
// - Best-effort delivery via the backplane propagates invalidation to other nodes
// - Idempotent invalidation (Remove is naturally idempotent) tolerates duplicate events
// - Audit log provides a single source of truth for invalidation history
package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cachemesh/runtime/corectx"
	"github.com/cachemesh/runtime/storage"
)

// AuditLoggerInterface defines the interface for audit logging operations, so
// Invalidator can be tested against a fake without a live Postgres pool.
type AuditLoggerInterface interface {
	Insert(ctx context.Context, log AuditLog) error
	GetRecent(ctx context.Context, limit, offset int, patternFilter string) ([]AuditLog, error)
	GetCount(ctx context.Context, patternFilter string) (int, error)
	GetByRequestID(ctx context.Context, requestID string) ([]AuditLog, error)
}

// Applier applies an invalidation locally: removing keys/tags from this
// instance's own storage pipeline. Satisfied by cachemanager.Manager's
// InvalidateByKeys/InvalidateByTags, adapted into one callback shape.
type Applier func(ctx context.Context, keys []string) error

// Metrics tracks invalidation performance counters.
type Metrics struct {
	TotalInvalidations   atomic.Int64
	KeyInvalidations     atomic.Int64
	PatternInvalidations atomic.Int64
	AuditWrites          atomic.Int64
	BroadcastPublishes   atomic.Int64
	Errors               atomic.Int64
}

// Invalidator coordinates cache invalidation across instances: it applies an
// invalidation locally, broadcasts it over the backplane for other instances
// to apply, and records it to the audit log. Built in place of the teacher's
// global encore Service/pubsub.Topic singleton so it can be constructed and
// injected like every other collaborator in this runtime.
type Invalidator struct {
	cc         corectx.Context
	instanceID string
	backplane  storage.Backplane
	patterns   *PatternMatcher
	audit      AuditLoggerInterface
	apply      Applier
	metrics    *Metrics

	unsubscribe func()
}

// NewInvalidator builds an Invalidator and subscribes it to the backplane so
// other instances' invalidations are applied locally via apply. instanceID
// identifies this process for own-message filtering; pass "" to have one
// generated. audit may be nil, in which case audit writes are skipped.
func NewInvalidator(ctx context.Context, cc corectx.Context, bp storage.Backplane, instanceID string, audit AuditLoggerInterface, apply Applier) (*Invalidator, error) {
	if bp == nil {
		return nil, errors.New("invalidation: backplane must not be nil")
	}
	if apply == nil {
		return nil, errors.New("invalidation: apply must not be nil")
	}
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	inv := &Invalidator{
		cc:         cc,
		instanceID: instanceID,
		backplane:  bp,
		patterns:   NewPatternMatcher(),
		audit:      audit,
		apply:      apply,
		metrics:    &Metrics{},
	}

	handler := func(handlerCtx context.Context, msg storage.Message) {
		var key string
		switch msg.Type {
		case storage.MessageKey:
			key = msg.Key
		case storage.MessageTag:
			return // not applied: Applier takes keys only, so a remote tag removal leaves this instance's layers unchanged
		default:
			return
		}
		// Marked so that if apply eventually reaches a coordinator with a
		// backplane.Layer in its chain, that layer does not republish what
		// this instance just received — otherwise instances would relay
		// each other's invalidations back and forth forever.
		if err := inv.apply(storage.WithoutBroadcast(handlerCtx), []string{key}); err != nil {
			inv.cc.Warnf("invalidation: failed to apply remote invalidation for %q: %v", key, err)
		}
	}

	unsub, err := bp.Subscribe(ctx, filterOwnInstance(instanceID, handler))
	if err != nil {
		return nil, fmt.Errorf("invalidation: subscribe to backplane: %w", err)
	}
	inv.unsubscribe = unsub
	return inv, nil
}

// Close stops listening for remote invalidation events.
func (inv *Invalidator) Close() {
	if inv.unsubscribe != nil {
		inv.unsubscribe()
	}
}

// InvalidationResult reports what an invalidation call did.
type InvalidationResult struct {
	Pattern          string
	MatchedKeys      []string
	InvalidatedCount int
	RequestID        string
	PublishedAt      time.Time
}

// InvalidateKeys invalidates specific cache keys: applies locally, broadcasts
// to other instances, and records an audit entry.
//
// Complexity: O(k) where k = number of keys
func (inv *Invalidator) InvalidateKeys(ctx context.Context, keys []string, triggeredBy, requestID string) (*InvalidationResult, error) {
	start := time.Now()
	if len(keys) == 0 {
		return nil, errors.New("keys cannot be empty")
	}
	if triggeredBy == "" {
		triggeredBy = "unknown"
	}
	if requestID == "" {
		requestID = generateRequestID()
	}

	uniqueKeys := deduplicateKeys(keys)

	if err := inv.apply(ctx, uniqueKeys); err != nil {
		inv.metrics.Errors.Add(1)
		return nil, fmt.Errorf("invalidation: local apply failed: %w", err)
	}

	for _, key := range uniqueKeys {
		msg := storage.Message{InstanceID: inv.instanceID, Type: storage.MessageKey, Key: key}
		if err := inv.backplane.Publish(ctx, msg); err != nil {
			inv.metrics.Errors.Add(1)
			inv.cc.Warnf("invalidation: backplane publish failed for %q: %v", key, err)
			continue
		}
		inv.metrics.BroadcastPublishes.Add(1)
	}

	now := time.Now()
	inv.writeAudit(AuditLog{
		Pattern:     formatKeysAsPattern(uniqueKeys),
		Keys:        uniqueKeys,
		TriggeredBy: triggeredBy,
		Timestamp:   now,
		RequestID:   requestID,
		Latency:     time.Since(start).Milliseconds(),
	})

	inv.metrics.TotalInvalidations.Add(1)
	inv.metrics.KeyInvalidations.Add(1)

	return &InvalidationResult{
		Pattern:          "",
		MatchedKeys:      uniqueKeys,
		InvalidatedCount: len(uniqueKeys),
		RequestID:        requestID,
		PublishedAt:      now,
	}, nil
}

// InvalidatePattern invalidates cache tags/keys matching pattern against
// candidates (the current tag space, typically storage/tagindex.Layer.Tags()),
// applying and broadcasting each match the same way InvalidateKeys does.
//
// Complexity: O(n) where n = len(candidates)
func (inv *Invalidator) InvalidatePattern(ctx context.Context, pattern string, candidates []string, triggeredBy, requestID string) (*InvalidationResult, error) {
	start := time.Now()
	if pattern == "" {
		return nil, errors.New("pattern cannot be empty")
	}
	if err := inv.patterns.ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if triggeredBy == "" {
		triggeredBy = "unknown"
	}
	if requestID == "" {
		requestID = generateRequestID()
	}

	matched := inv.patterns.Match(pattern, candidates)

	if len(matched) > 0 {
		if err := inv.apply(ctx, matched); err != nil {
			inv.metrics.Errors.Add(1)
			return nil, fmt.Errorf("invalidation: local apply failed: %w", err)
		}
		for _, key := range matched {
			msg := storage.Message{InstanceID: inv.instanceID, Type: storage.MessageKey, Key: key}
			if err := inv.backplane.Publish(ctx, msg); err != nil {
				inv.metrics.Errors.Add(1)
				inv.cc.Warnf("invalidation: backplane publish failed for %q: %v", key, err)
				continue
			}
			inv.metrics.BroadcastPublishes.Add(1)
		}
	}

	now := time.Now()
	inv.writeAudit(AuditLog{
		Pattern:     pattern,
		Keys:        matched,
		TriggeredBy: triggeredBy,
		Timestamp:   now,
		RequestID:   requestID,
		Latency:     time.Since(start).Milliseconds(),
	})

	inv.metrics.TotalInvalidations.Add(1)
	inv.metrics.PatternInvalidations.Add(1)

	return &InvalidationResult{
		Pattern:          pattern,
		MatchedKeys:      matched,
		InvalidatedCount: len(matched),
		RequestID:        requestID,
		PublishedAt:      now,
	}, nil
}

// writeAudit records log asynchronously so the caller's invalidation latency
// doesn't include the audit write. Skipped entirely when no audit logger was
// configured.
func (inv *Invalidator) writeAudit(log AuditLog) {
	if inv.audit == nil {
		return
	}
	go func() {
		if err := inv.audit.Insert(context.Background(), log); err != nil {
			inv.metrics.Errors.Add(1)
			inv.cc.Warnf("invalidation: audit insert failed: %v", err)
			return
		}
		inv.metrics.AuditWrites.Add(1)
	}()
}

// AuditLogsPage is one page of audit history.
type AuditLogsPage struct {
	Logs       []AuditLog
	TotalCount int
	HasMore    bool
}

// GetAuditLogs retrieves invalidation audit history with pagination.
func (inv *Invalidator) GetAuditLogs(ctx context.Context, limit, offset int, pattern string) (*AuditLogsPage, error) {
	if inv.audit == nil {
		return &AuditLogsPage{}, nil
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	logs, err := inv.audit.GetRecent(ctx, limit+1, offset, pattern)
	if err != nil {
		inv.metrics.Errors.Add(1)
		return nil, fmt.Errorf("failed to fetch audit logs: %w", err)
	}

	hasMore := len(logs) > limit
	if hasMore {
		logs = logs[:limit]
	}

	totalCount, err := inv.audit.GetCount(ctx, pattern)
	if err != nil {
		totalCount = len(logs)
	}

	return &AuditLogsPage{Logs: logs, TotalCount: totalCount, HasMore: hasMore}, nil
}

// MetricsSnapshot is a point-in-time read of Invalidator's counters.
type MetricsSnapshot struct {
	TotalInvalidations       int64
	KeyInvalidations         int64
	PatternInvalidations     int64
	AuditWrites              int64
	BroadcastPublishes       int64
	Errors                   int64
	PatternInvalidationRatio float64
}

// GetMetrics returns a snapshot of invalidation activity.
func (inv *Invalidator) GetMetrics() MetricsSnapshot {
	total := inv.metrics.TotalInvalidations.Load()
	pattern := inv.metrics.PatternInvalidations.Load()

	ratio := 0.0
	if total > 0 {
		ratio = float64(pattern) / float64(total)
	}

	return MetricsSnapshot{
		TotalInvalidations:       total,
		KeyInvalidations:         inv.metrics.KeyInvalidations.Load(),
		PatternInvalidations:     pattern,
		AuditWrites:              inv.metrics.AuditWrites.Load(),
		BroadcastPublishes:       inv.metrics.BroadcastPublishes.Load(),
		Errors:                   inv.metrics.Errors.Load(),
		PatternInvalidationRatio: ratio,
	}
}

// deduplicateKeys removes duplicate keys while preserving order.
func deduplicateKeys(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	result := make([]string, 0, len(keys))

	for _, key := range keys {
		if !seen[key] {
			seen[key] = true
			result = append(result, key)
		}
	}

	return result
}

// formatKeysAsPattern converts multiple keys into a pattern representation
// for the audit log's pattern column.
func formatKeysAsPattern(keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	if len(keys) == 1 {
		return keys[0]
	}

	data, _ := json.Marshal(keys)
	return string(data)
}

// generateRequestID creates a unique request identifier for tracing, used
// only when a caller doesn't supply one of its own.
func generateRequestID() string {
	return "inv-" + uuid.NewString()
}

// filterOwnInstance wraps handler so messages this instance itself published
// are discarded before reaching it.
func filterOwnInstance(instanceID string, handler storage.Handler) storage.Handler {
	return func(ctx context.Context, msg storage.Message) {
		if msg.InstanceID == instanceID {
			return
		}
		handler(ctx, msg)
	}
}
