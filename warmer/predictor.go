package warmer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cachemesh/runtime/policy"
)

// HotMethod is a predicted (MethodID, args) pair worth warming ahead of
// expected access.
type HotMethod struct {
	MethodID policy.MethodID
	Args     []any
}

// Predictor predicts which method calls are likely to be accessed soon, so a
// scheduled or triggered run has something to warm even without an explicit
// call list. Pluggable so a heuristic predictor can later be swapped for a
// trained model without touching the scheduling or warming paths.
type Predictor interface {
	PredictHotMethods(ctx context.Context, window time.Duration, limit int) ([]HotMethod, error)
}

// DefaultPredictor scores calls by recent access frequency, growth rate, and
// recency, and returns the top-scoring calls. RecordAccess should be called
// by the Warmer on every cache access it observes so the predictor has data
// to work from.
type DefaultPredictor struct {
	mu        sync.RWMutex
	accessLog map[string]*accessHistory
}

type accessHistory struct {
	methodID      policy.MethodID
	args          []any
	totalAccesses int64
	firstSeen     time.Time
	lastAccessed  time.Time
	accessTimes   []time.Time
}

// NewDefaultPredictor creates an empty predictor.
func NewDefaultPredictor() *DefaultPredictor {
	return &DefaultPredictor{accessLog: make(map[string]*accessHistory)}
}

// RecordAccess records an access to (methodID, args) for future prediction.
// args is retained so a later prediction has something to replay the
// factory call with.
func (p *DefaultPredictor) RecordAccess(methodID policy.MethodID, args []any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	key := dedupeKey(methodID, args)
	h, exists := p.accessLog[key]
	if !exists {
		h = &accessHistory{
			methodID:    methodID,
			args:        args,
			firstSeen:   now,
			accessTimes: make([]time.Time, 0, 100),
		}
		p.accessLog[key] = h
	}

	h.totalAccesses++
	h.lastAccessed = now
	h.accessTimes = append(h.accessTimes, now)
	if len(h.accessTimes) > 100 {
		h.accessTimes = h.accessTimes[1:]
	}
}

// PredictHotMethods returns up to limit calls scored most likely to be
// accessed within window, highest score first.
//
// Complexity: O(n log n) where n is the number of tracked calls.
func (p *DefaultPredictor) PredictHotMethods(ctx context.Context, window time.Duration, limit int) ([]HotMethod, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := time.Now()
	cutoff := now.Add(-window)

	type scored struct {
		h     *accessHistory
		score float64
	}
	scores := make([]scored, 0, len(p.accessLog))
	for _, h := range p.accessLog {
		if s := p.score(h, now, cutoff); s > 0 {
			scores = append(scores, scored{h, s})
		}
	}

	sort.Slice(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
	if limit > 0 && limit < len(scores) {
		scores = scores[:limit]
	}

	methods := make([]HotMethod, len(scores))
	for i, s := range scores {
		methods[i] = HotMethod{MethodID: s.h.methodID, Args: s.h.args}
	}
	return methods, nil
}

// score = frequency * (1 + growthRate) * recencyBonus.
func (p *DefaultPredictor) score(h *accessHistory, now, cutoff time.Time) float64 {
	if h.totalAccesses == 0 {
		return 0
	}

	hoursSinceFirst := now.Sub(h.firstSeen).Hours()
	if hoursSinceFirst == 0 {
		hoursSinceFirst = 1
	}
	frequency := float64(h.totalAccesses) / hoursSinceFirst

	recentCount := 0
	for _, t := range h.accessTimes {
		if t.After(cutoff) {
			recentCount++
		}
	}

	growthRate := 0.0
	if frequency > 0 {
		growthRate = (float64(recentCount) - frequency) / frequency
	}

	recencyBonus := 1.0
	switch sinceLast := now.Sub(h.lastAccessed); {
	case sinceLast < 5*time.Minute:
		recencyBonus = 2.0
	case sinceLast < 30*time.Minute:
		recencyBonus = 1.5
	}

	return frequency * (1.0 + growthRate) * recencyBonus
}

// Cleanup drops tracked calls not accessed within maxAge, bounding memory
// growth. Call periodically (e.g. daily).
func (p *DefaultPredictor) Cleanup(maxAge time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for key, h := range p.accessLog {
		if h.lastAccessed.Before(cutoff) {
			delete(p.accessLog, key)
			removed++
		}
	}
	return removed
}

// TrackedMethodIDs returns the distinct method ids the predictor has
// recorded any access for, in no particular order.
func (p *DefaultPredictor) TrackedMethodIDs() []policy.MethodID {
	p.mu.RLock()
	defer p.mu.RUnlock()

	seen := make(map[policy.MethodID]bool)
	ids := make([]policy.MethodID, 0, len(p.accessLog))
	for _, h := range p.accessLog {
		if !seen[h.methodID] {
			seen[h.methodID] = true
			ids = append(ids, h.methodID)
		}
	}
	return ids
}

// ArgsFor returns the distinct argument lists recorded for methodID.
func (p *DefaultPredictor) ArgsFor(methodID policy.MethodID) [][]any {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var argsList [][]any
	for _, h := range p.accessLog {
		if h.methodID == methodID {
			argsList = append(argsList, h.args)
		}
	}
	return argsList
}

// PredictorStats summarizes the predictor's tracked state.
type PredictorStats struct {
	TrackedCalls  int   `json:"tracked_calls"`
	TotalAccesses int64 `json:"total_accesses"`
}

// GetStats returns point-in-time predictor statistics.
func (p *DefaultPredictor) GetStats() PredictorStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var total int64
	for _, h := range p.accessLog {
		total += h.totalAccesses
	}
	return PredictorStats{TrackedCalls: len(p.accessLog), TotalAccesses: total}
}
