package queue

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// Dynamic priority adjustment constants.
const (
	throughputBoost = 10 // observed throughput below target
	latencyBoost    = 10 // observed latency above target
	starvationBoost = 5  // oldest queued task waiting over an hour
	decayStep       = 5  // decay toward base priority when no trigger fires
	starvationAge   = time.Hour
)

// AdjustPriorities runs one pass of the dynamic-priority adjuster: projects
// missing their throughput or latency targets, or with starving tasks, get a
// temporary boost; idle projects decay back toward their base priority.
// Queued tasks are then re-prioritized and the pending list re-sorted.
func (q *Queue) AdjustPriorities() {
	q.mu.Lock()
	defer q.mu.Unlock()

	oldest := make(map[string]time.Time)
	for _, t := range q.tasks {
		if cur, ok := oldest[t.ProjectID]; !ok || t.EnqueuedAt.Before(cur) {
			oldest[t.ProjectID] = t.EnqueuedAt
		}
	}

	for id, state := range q.projects {
		boost := 0
		if state.spec.MinThroughput > 0 && state.metrics.Throughput() < state.spec.MinThroughput {
			boost += throughputBoost
		}
		if state.spec.MaxLatency > 0 && state.metrics.AvgLatency() > state.spec.MaxLatency {
			boost += latencyBoost
		}
		if at, ok := oldest[id]; ok && time.Since(at) > starvationAge {
			boost += starvationBoost
		}

		if boost > 0 {
			state.dynamicPriority = ClampPriority(state.dynamicPriority + boost)
		} else {
			state.dynamicPriority = decayToward(state.dynamicPriority, state.spec.BasePriority)
		}
	}

	// Recompute effective priorities with the adjusted project priority and
	// restore ordering.
	for _, t := range q.tasks {
		state := q.projects[t.ProjectID]
		if state == nil {
			continue
		}
		t.EffectivePriority = EffectivePriority(
			state.dynamicPriority, t.BasePriority, t.Deadline, q.underQuota(state))
	}
	sort.SliceStable(q.tasks, func(i, j int) bool {
		return q.less(q.tasks[i], q.tasks[j])
	})
}

func decayToward(current, base int) int {
	switch {
	case current > base:
		if current-decayStep < base {
			return base
		}
		return current - decayStep
	case current < base:
		if current+decayStep > base {
			return base
		}
		return current + decayStep
	default:
		return current
	}
}

// Run drives the periodic queue maintenance: token replenishment and, when
// enabled, dynamic priority adjustment. It blocks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context, interval time.Duration, dynamicPriority bool) {
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	q.log.Info("Queue maintenance started",
		slog.Duration("interval", interval),
		slog.Bool("dynamic_priority", dynamicPriority),
	)

	for {
		select {
		case <-ctx.Done():
			q.log.Info("Queue maintenance stopped")
			return
		case <-ticker.C:
			if q.cfg.Algorithm == AlgorithmWeightedFair {
				q.ReplenishTokens()
			}
			if dynamicPriority {
				q.AdjustPriorities()
			}
		}
	}
}
