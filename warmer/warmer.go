// Package warmer implements optional proactive cache population: planning
// and executing factory calls ahead of expected access so a read path sees a
// hit instead of a cold miss or a thundering-herd factory storm.
//
// Design:
//   - Multiple pluggable strategies choose which (method, args) pairs to
//     warm and in what order (selective hot-call, breadth-first by argument
//     count, priority-scored).
//   - A rate limiter and per-call deduplication protect the factory from
//     redundant or excessive concurrent invocation.
//   - A bounded worker pool executes warming concurrently with retry and
//     exponential backoff.
//   - An emergency stop trips when factory latency exceeds a threshold,
//     halting further warming until cleared.
//   - Every warm call goes through cachemanager.Manager.GetOrCreate, so
//     write-through, policy resolution, and key generation stay identical to
//     the read path; Warmer never writes to the coordinator directly.
//
// Trade-offs:
//   - The task queue is in-memory; a restart drops anything still queued.
//   - Completion is observed locally (metrics + an optional callback), not
//     broadcast cross-instance: storage.Backplane's message contract is
//     scoped to invalidation (key/tag/clear) and broadening it to carry
//     arbitrary warm-completion payloads would blur that contract for every
//     other subscriber.
//   - There is no built-in scheduler: Run drives periodic predictive warming
//     off a plain ticker, leaving cron-style scheduling to the embedding
//     program.
package warmer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/cachemesh/runtime/cachemanager"
	"github.com/cachemesh/runtime/corectx"
	"github.com/cachemesh/runtime/invalidation"
	"github.com/cachemesh/runtime/policy"
)

// Config holds runtime configuration for the Warmer.
type Config struct {
	MaxOriginRPS       int           `json:"max_origin_rps"`
	ConcurrentWarmers  int           `json:"concurrent_warmers"`
	FactoryTimeout     time.Duration `json:"factory_timeout"`
	RetryAttempts      int           `json:"retry_attempts"`
	BackoffBase        time.Duration `json:"backoff_base"`
	EmergencyThreshold time.Duration `json:"emergency_threshold"`
	DefaultStrategy    string        `json:"default_strategy"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxOriginRPS:       100,
		ConcurrentWarmers:  10,
		FactoryTimeout:     5 * time.Second,
		RetryAttempts:      3,
		BackoffBase:        100 * time.Millisecond,
		EmergencyThreshold: 2 * time.Second,
		DefaultStrategy:    "priority",
	}
}

// Metrics tracks Warmer performance, readable concurrently.
type Metrics struct {
	JobsTotal      atomic.Int64
	SuccessTotal   atomic.Int64
	FailureTotal   atomic.Int64
	OriginRequests atomic.Int64
	CacheWrites    atomic.Int64
	RateLimitHits  atomic.Int64
	EmergencyStops atomic.Int64
	TotalDuration  atomic.Int64 // cumulative milliseconds
}

// Factory produces the value for one warming call, given the arguments the
// eventual cache access would have been keyed on.
type Factory func(ctx context.Context, args []any) (any, error)

// FactoryProvider resolves a Factory for a predicted method id, so
// TriggerPredictive and WarmPattern have something to invoke for calls that
// didn't arrive via an explicit WarmKeys call.
type FactoryProvider interface {
	FactoryFor(methodID policy.MethodID) (Factory, bool)
}

// WarmOptions customizes one warming call.
type WarmOptions struct {
	Priority int    `json:"priority,omitempty"`
	Strategy string `json:"strategy,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// WarmResult reports how many calls a warming request queued.
type WarmResult struct {
	Queued         int      `json:"queued"`
	JobID          string   `json:"job_id"`
	MatchedMethods []string `json:"matched_methods,omitempty"`
}

type StatusResponse struct {
	ActiveJobs    int             `json:"active_jobs"`
	QueuedTasks   int             `json:"queued_tasks"`
	WorkerStatus  []WorkerStatus  `json:"worker_status"`
	EmergencyStop bool            `json:"emergency_stop"`
	Metrics       MetricsSnapshot `json:"metrics"`
}

type MetricsSnapshot struct {
	JobsTotal      int64   `json:"jobs_total"`
	SuccessTotal   int64   `json:"success_total"`
	FailureTotal   int64   `json:"failure_total"`
	SuccessRate    float64 `json:"success_rate"`
	OriginRequests int64   `json:"origin_requests"`
	CacheWrites    int64   `json:"cache_writes"`
	RateLimitHits  int64   `json:"rate_limit_hits"`
	EmergencyStops int64   `json:"emergency_stops"`
	AvgDurationMs  float64 `json:"avg_duration_ms"`
}

type UpdateConfigRequest struct {
	MaxOriginRPS      *int   `json:"max_origin_rps,omitempty"`
	ConcurrentWarmers *int   `json:"concurrent_warmers,omitempty"`
	DefaultStrategy   string `json:"default_strategy,omitempty"`
}

// CompletionEvent describes the outcome of one warming task, delivered to an
// optionally-registered OnCompletion hook.
type CompletionEvent struct {
	MethodID   policy.MethodID
	Args       []any
	Status     string // "success", "failure"
	DurationMs int64
	Strategy   string
	Timestamp  time.Time
}

// Warmer is a constructible, injectable warming service: no package-level
// singleton, no init-time side effects. It warms through the same
// cachemanager.Manager the read path uses, so every warmed value takes the
// same policy-resolution and write-through route a cache miss would.
type Warmer struct {
	cc         corectx.Context
	config     Config
	manager    *cachemanager.Manager
	strategies map[string]Strategy
	predictor  Predictor
	factories  FactoryProvider
	patterns   *invalidation.PatternMatcher

	workerPool    *workerPool
	metrics       *Metrics
	rateLimiter   *rate.Limiter
	deduper       singleflight.Group
	emergencyStop atomic.Bool

	onCompletion func(CompletionEvent)

	mu sync.RWMutex
}

// New builds a Warmer over manager. A FactoryProvider may be attached later
// via SetFactoryProvider; without one, TriggerPredictive and WarmPattern have
// no way to resolve a factory for a predicted method and skip it.
func New(cc corectx.Context, config Config, manager *cachemanager.Manager) *Warmer {
	w := &Warmer{
		cc:          cc,
		config:      config,
		manager:     manager,
		predictor:   NewDefaultPredictor(),
		patterns:    invalidation.NewPatternMatcher(),
		metrics:     &Metrics{},
		rateLimiter: rate.NewLimiter(rate.Limit(config.MaxOriginRPS), config.MaxOriginRPS),
	}
	w.strategies = map[string]Strategy{
		"selective": NewSelectiveHotKeysStrategy(),
		"breadth":   NewBreadthFirstStrategy(),
		"priority":  NewPriorityBasedStrategy(),
	}
	w.workerPool = newWorkerPool(w, config.ConcurrentWarmers)
	return w
}

// SetFactoryProvider wires (or replaces) the collaborator TriggerPredictive
// and WarmPattern use to resolve a factory for a method they didn't receive
// one for explicitly.
func (w *Warmer) SetFactoryProvider(fp FactoryProvider) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.factories = fp
}

// OnCompletion registers a callback invoked (from a background goroutine)
// after every warming task finishes, success or failure. Passing nil clears
// any existing hook.
func (w *Warmer) OnCompletion(fn func(CompletionEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onCompletion = fn
}

// RecordAccess feeds a cache access into the predictor, so later
// TriggerPredictive/WarmPattern calls have data to rank calls by.
func (w *Warmer) RecordAccess(methodID policy.MethodID, args []any) {
	if dp, ok := w.predictor.(*DefaultPredictor); ok {
		dp.RecordAccess(methodID, args)
	}
}

// WarmKeys plans and queues factory calls for methodID across argsList,
// ahead of expected access. Each call eventually runs through
// cachemanager.Manager.GetOrCreate, so a hit already in the cache is left
// alone and a miss is written through exactly as a live read would be.
func (w *Warmer) WarmKeys(ctx context.Context, methodID policy.MethodID, argsList [][]any, factory Factory, opts WarmOptions) (*WarmResult, error) {
	if len(argsList) == 0 {
		return nil, errors.New("warmer: argsList cannot be empty")
	}
	if factory == nil {
		return nil, errors.New("warmer: factory cannot be nil")
	}
	if w.emergencyStop.Load() {
		return nil, errors.New("warmer: emergency stop active")
	}

	strategyName := opts.Strategy
	if strategyName == "" {
		strategyName = w.GetConfig().DefaultStrategy
	}
	w.mu.RLock()
	strategy, exists := w.strategies[strategyName]
	w.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("warmer: unknown strategy %q", strategyName)
	}

	tasks, err := strategy.Plan(ctx, PlanOptions{MethodID: methodID, ArgsList: argsList, Priority: opts.Priority, Limit: opts.Limit})
	if err != nil {
		return nil, fmt.Errorf("warmer: strategy planning failed: %w", err)
	}
	for i := range tasks {
		tasks[i].Factory = factory
	}

	jobID := generateJobID()
	queued := w.workerPool.QueueTasks(tasks)
	w.metrics.JobsTotal.Add(int64(queued))

	return &WarmResult{Queued: queued, JobID: jobID}, nil
}

// WarmPattern warms every method whose id matches pattern among the methods
// the predictor has observed access for, replaying every distinct argument
// list recorded for each. Methods with no registered FactoryProvider entry are
// skipped with a warning.
func (w *Warmer) WarmPattern(ctx context.Context, pattern string, opts WarmOptions) (*WarmResult, error) {
	if pattern == "" {
		return nil, errors.New("warmer: pattern cannot be empty")
	}
	if w.emergencyStop.Load() {
		return nil, errors.New("warmer: emergency stop active")
	}
	if err := w.patterns.ValidatePattern(pattern); err != nil {
		return nil, fmt.Errorf("warmer: invalid pattern: %w", err)
	}

	dp, ok := w.predictor.(*DefaultPredictor)
	if !ok {
		return &WarmResult{}, nil
	}

	known := dp.TrackedMethodIDs()
	candidates := make([]string, len(known))
	byString := make(map[string]policy.MethodID, len(known))
	for i, id := range known {
		candidates[i] = string(id)
		byString[string(id)] = id
	}
	matched := w.patterns.Match(pattern, candidates)
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	result := &WarmResult{JobID: generateJobID(), MatchedMethods: matched}
	for _, m := range matched {
		methodID := byString[m]
		factory, ok := w.factoryFor(methodID)
		if !ok {
			w.cc.Warnf("warmer: no factory registered for %s, skipping pattern match", methodID)
			continue
		}
		argsList := dp.ArgsFor(methodID)
		if len(argsList) == 0 {
			continue
		}

		sub, err := w.WarmKeys(ctx, methodID, argsList, factory, opts)
		if err != nil {
			w.cc.Warnf("warmer: warming %s failed: %v", methodID, err)
			continue
		}
		result.Queued += sub.Queued
	}
	return result, nil
}

// TriggerPredictive warms the predictor's current top hot-call guesses
// through the "priority" strategy, which assigns each task's priority from
// its own score, independent of any scheduled trigger.
func (w *Warmer) TriggerPredictive(ctx context.Context) (*WarmResult, error) {
	if w.emergencyStop.Load() {
		return nil, errors.New("warmer: emergency stop active")
	}

	hot, err := w.predictor.PredictHotMethods(ctx, time.Hour, 100)
	if err != nil {
		return nil, fmt.Errorf("warmer: prediction failed: %w", err)
	}
	if len(hot) == 0 {
		return &WarmResult{}, nil
	}

	order := make([]policy.MethodID, 0)
	grouped := make(map[policy.MethodID][][]any)
	for _, h := range hot {
		if _, seen := grouped[h.MethodID]; !seen {
			order = append(order, h.MethodID)
		}
		grouped[h.MethodID] = append(grouped[h.MethodID], h.Args)
	}

	result := &WarmResult{JobID: generateJobID()}
	for _, methodID := range order {
		factory, ok := w.factoryFor(methodID)
		if !ok {
			w.cc.Warnf("warmer: no factory registered for predicted method %s, skipping", methodID)
			continue
		}
		sub, err := w.WarmKeys(ctx, methodID, grouped[methodID], factory, WarmOptions{Priority: 80, Strategy: "priority"})
		if err != nil {
			w.cc.Warnf("warmer: predictive warming of %s failed: %v", methodID, err)
			continue
		}
		result.Queued += sub.Queued
	}
	return result, nil
}

func (w *Warmer) factoryFor(methodID policy.MethodID) (Factory, bool) {
	w.mu.RLock()
	fp := w.factories
	w.mu.RUnlock()
	if fp == nil {
		return nil, false
	}
	return fp.FactoryFor(methodID)
}

// Run drives periodic predictive warming on a fixed interval until ctx is
// done. This is the scheduling-without-a-cron-dependency equivalent: callers
// that want cron-style scheduling wrap Run or TriggerPredictive themselves.
func (w *Warmer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.TriggerPredictive(ctx); err != nil {
				w.cc.Warnf("warmer: predictive run failed: %v", err)
			}
		}
	}
}

// GetStatus reports current worker, queue, and metric state.
func (w *Warmer) GetStatus() StatusResponse {
	jobs := w.metrics.JobsTotal.Load()
	success := w.metrics.SuccessTotal.Load()

	successRate := 0.0
	if jobs > 0 {
		successRate = float64(success) / float64(jobs)
	}
	avgDuration := 0.0
	if success > 0 {
		avgDuration = float64(w.metrics.TotalDuration.Load()) / float64(success)
	}

	return StatusResponse{
		ActiveJobs:    w.workerPool.ActiveCount(),
		QueuedTasks:   w.workerPool.QueueSize(),
		WorkerStatus:  w.workerPool.GetWorkerStatus(),
		EmergencyStop: w.emergencyStop.Load(),
		Metrics: MetricsSnapshot{
			JobsTotal:      jobs,
			SuccessTotal:   success,
			FailureTotal:   w.metrics.FailureTotal.Load(),
			SuccessRate:    successRate,
			OriginRequests: w.metrics.OriginRequests.Load(),
			CacheWrites:    w.metrics.CacheWrites.Load(),
			RateLimitHits:  w.metrics.RateLimitHits.Load(),
			EmergencyStops: w.metrics.EmergencyStops.Load(),
			AvgDurationMs:  avgDuration,
		},
	}
}

// GetConfig returns the current configuration.
func (w *Warmer) GetConfig() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// UpdateConfig applies a partial configuration update at runtime.
func (w *Warmer) UpdateConfig(req *UpdateConfigRequest) (Config, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if req.MaxOriginRPS != nil {
		w.config.MaxOriginRPS = *req.MaxOriginRPS
		w.rateLimiter = rate.NewLimiter(rate.Limit(*req.MaxOriginRPS), *req.MaxOriginRPS)
	}
	if req.ConcurrentWarmers != nil {
		w.config.ConcurrentWarmers = *req.ConcurrentWarmers
		// Resizing the live worker pool isn't supported; takes effect on the
		// next New() / process restart.
	}
	if req.DefaultStrategy != "" {
		if _, exists := w.strategies[req.DefaultStrategy]; !exists {
			return w.config, fmt.Errorf("warmer: unknown strategy: %s", req.DefaultStrategy)
		}
		w.config.DefaultStrategy = req.DefaultStrategy
	}

	return w.config, nil
}

// ClearEmergencyStop resets the circuit breaker after an operator has
// confirmed the factory's backing source has recovered.
func (w *Warmer) ClearEmergencyStop() {
	w.emergencyStop.Store(false)
}

// executeTask runs one warming task, deduplicating concurrent attempts at
// the same (method, args) pair so a burst of requests for a cold call
// triggers exactly one factory invocation.
func (w *Warmer) executeTask(ctx context.Context, task WarmTask) error {
	start := time.Now()

	if w.emergencyStop.Load() {
		return errors.New("warmer: emergency stop active")
	}

	dkey := dedupeKey(task.MethodID, task.Args)
	_, err, _ := w.deduper.Do(dkey, func() (interface{}, error) {
		return nil, w.executeTaskInternal(ctx, task)
	})

	duration := time.Since(start)
	w.metrics.TotalDuration.Add(duration.Milliseconds())

	if err != nil {
		w.metrics.FailureTotal.Add(1)
		w.cc.Metrics.RecordError(dkey, err)
		return err
	}

	w.metrics.SuccessTotal.Add(1)
	go w.notifyCompletion(task, "success", duration.Milliseconds())
	return nil
}

func (w *Warmer) executeTaskInternal(ctx context.Context, task WarmTask) error {
	if err := w.rateLimiter.Wait(ctx); err != nil {
		w.metrics.RateLimitHits.Add(1)
		return fmt.Errorf("warmer: rate limit: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, w.config.FactoryTimeout)
	defer cancel()

	start := time.Now()
	_, err := w.manager.GetOrCreate(callCtx, task.MethodID, task.Args, func(ctx context.Context) (any, error) {
		return task.Factory(ctx, task.Args)
	}, nil)
	elapsed := time.Since(start)
	w.metrics.OriginRequests.Add(1)

	if elapsed > w.config.EmergencyThreshold {
		w.emergencyStop.Store(true)
		w.metrics.EmergencyStops.Add(1)
		w.cc.Warnf("warmer: factory call for %s took %v, tripping emergency stop", task.MethodID, elapsed)
		return errors.New("warmer: emergency stop triggered by high factory latency")
	}
	if err != nil {
		return fmt.Errorf("warmer: factory call failed: %w", err)
	}

	w.metrics.CacheWrites.Add(1)
	return nil
}

// notifyCompletion invokes the registered completion hook, if any.
func (w *Warmer) notifyCompletion(task WarmTask, status string, durationMs int64) {
	w.mu.RLock()
	hook := w.onCompletion
	w.mu.RUnlock()
	if hook == nil {
		return
	}
	hook(CompletionEvent{
		MethodID:   task.MethodID,
		Args:       task.Args,
		Status:     status,
		DurationMs: durationMs,
		Strategy:   task.Strategy,
		Timestamp:  time.Now(),
	})
}

// Shutdown stops the worker pool, waiting for in-flight tasks to finish.
func (w *Warmer) Shutdown() {
	w.workerPool.Shutdown()
}

func generateJobID() string {
	return "warm-" + uuid.NewString()
}
