package warmer

import (
	"context"
	"sort"
	"strings"

	"github.com/cachemesh/runtime/keygen"
	"github.com/cachemesh/runtime/policy"
)

// Strategy orders a batch of warming calls for a single method, deciding
// which (MethodID, args) pairs run first and at what priority.
type Strategy interface {
	Name() string
	Plan(ctx context.Context, opts PlanOptions) ([]WarmTask, error)
}

// PlanOptions is the input to Strategy.Plan: one method and the set of
// argument lists to warm it with, in caller-supplied order (hottest first,
// by convention — strategies are free to reorder).
type PlanOptions struct {
	MethodID policy.MethodID
	ArgsList [][]any
	Priority int
	Limit    int
	Metadata map[string]string
}

// WarmTask is one planned factory invocation.
type WarmTask struct {
	MethodID      policy.MethodID
	Args          []any
	Priority      int
	EstimatedCost int
	Strategy      string
	Metadata      map[string]any

	// Factory is bound in by Warmer.WarmKeys after planning; strategies
	// never set it.
	Factory Factory
}

// dedupeKey canonicalizes a method+args pair into a single comparable
// string, used for both in-flight deduplication and access-history
// bookkeeping. Reuses keygen's own argument canonicalization so the same
// (method, args) pair always collapses to the same dedupe key regardless of
// map key ordering; slice element order is part of the key.
func dedupeKey(methodID policy.MethodID, args []any) string {
	return string(keygen.CanonicalArgs(string(methodID), args, 0, false))
}

// estimateFetchCost approximates how expensive re-invoking a factory for
// args is likely to be, from the shape of the arguments themselves. More and
// larger arguments usually mean a heavier lookup; argument values that read
// like report/analytics identifiers cost more still.
func estimateFetchCost(args []any) int {
	cost := 50 + len(args)*10

	encoded := string(keygen.CanonicalArgs("", args, 0, false))
	if len(encoded) > 50 {
		cost += 20
	}
	if strings.Contains(encoded, "report") {
		cost += 100
	}
	if strings.Contains(encoded, "analytics") {
		cost += 150
	}
	return cost
}

// SelectiveHotKeysStrategy takes the first Limit entries of ArgsList,
// assuming the caller has already ranked them hottest-first, decaying
// priority linearly across the selection. Suits workloads where a small
// subset of calls accounts for most traffic.
type SelectiveHotKeysStrategy struct{ name string }

func NewSelectiveHotKeysStrategy() Strategy { return &SelectiveHotKeysStrategy{name: "selective"} }

func (s *SelectiveHotKeysStrategy) Name() string { return s.name }

func (s *SelectiveHotKeysStrategy) Plan(ctx context.Context, opts PlanOptions) ([]WarmTask, error) {
	limit := opts.Limit
	if limit <= 0 || limit > len(opts.ArgsList) {
		limit = len(opts.ArgsList)
	}

	tasks := make([]WarmTask, 0, limit)
	for i := 0; i < limit; i++ {
		priority := opts.Priority
		if priority == 0 {
			priority = 100 - (i * 100 / max1(limit))
		}
		tasks = append(tasks, WarmTask{
			MethodID:      opts.MethodID,
			Args:          opts.ArgsList[i],
			Priority:      priority,
			EstimatedCost: estimateFetchCost(opts.ArgsList[i]),
			Strategy:      s.name,
		})
	}
	return tasks, nil
}

// BreadthFirstStrategy orders calls by argument count ascending, on the
// premise that calls with fewer arguments tend to address broader, shallower
// data than calls qualified by many arguments — the (MethodID, args)
// equivalent of warming parent keys before their children.
type BreadthFirstStrategy struct{ name string }

func NewBreadthFirstStrategy() Strategy { return &BreadthFirstStrategy{name: "breadth"} }

func (s *BreadthFirstStrategy) Name() string { return s.name }

func (s *BreadthFirstStrategy) Plan(ctx context.Context, opts PlanOptions) ([]WarmTask, error) {
	if len(opts.ArgsList) == 0 {
		return []WarmTask{}, nil
	}

	tasks := make([]WarmTask, 0, len(opts.ArgsList))
	for _, args := range opts.ArgsList {
		depth := len(args)
		priority := opts.Priority
		if priority == 0 {
			priority = 100 - (depth * 10)
			if priority < 0 {
				priority = 0
			}
		}
		tasks = append(tasks, WarmTask{
			MethodID:      opts.MethodID,
			Args:          args,
			Priority:      priority,
			EstimatedCost: estimateFetchCost(args),
			Strategy:      s.name,
			Metadata:      map[string]any{"depth": depth},
		})
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Metadata["depth"].(int) < tasks[j].Metadata["depth"].(int)
	})

	if opts.Limit > 0 && opts.Limit < len(tasks) {
		tasks = tasks[:opts.Limit]
	}
	return tasks, nil
}

// PriorityBasedStrategy scores each call as importance*hotness weighted
// against its estimated cost, then warms in descending score order. The
// first 10% of ArgsList is treated as the hottest tier.
type PriorityBasedStrategy struct{ name string }

func NewPriorityBasedStrategy() Strategy { return &PriorityBasedStrategy{name: "priority"} }

func (s *PriorityBasedStrategy) Name() string { return s.name }

func (s *PriorityBasedStrategy) Plan(ctx context.Context, opts PlanOptions) ([]WarmTask, error) {
	if len(opts.ArgsList) == 0 {
		return []WarmTask{}, nil
	}

	n := len(opts.ArgsList)
	tasks := make([]WarmTask, 0, n)
	for i, args := range opts.ArgsList {
		cost := estimateFetchCost(args)

		importance := float64(n-i) / float64(n)
		hotness := 1.0
		if i < n/10 {
			hotness = 2.0
		}

		score := (importance * hotness * 100) / float64(cost)
		priority := int(score * 100)
		if priority > 100 {
			priority = 100
		}
		if priority < 0 {
			priority = 0
		}

		tasks = append(tasks, WarmTask{
			MethodID:      opts.MethodID,
			Args:          args,
			Priority:      priority,
			EstimatedCost: cost,
			Strategy:      s.name,
			Metadata: map[string]any{
				"importance": importance,
				"hotness":    hotness,
				"score":      score,
			},
		})
	}

	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Priority > tasks[j].Priority })

	limit := opts.Limit
	if limit > 0 && limit < len(tasks) {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
