package queue

import (
	"math"
	"time"
)

// Priority boost constants. Deadline boosts keep urgent work ahead of the
// steady-state mix; the quota boost nudges under-consuming projects forward.
const (
	deadlineSoonBoost  = 20 // deadline within 24h
	deadlineNearBoost  = 10 // deadline within 72h
	underQuotaBoost    = 5
	retryPriorityBoost = 5 // applied per failed attempt on re-enqueue
	maxPriority        = 100
	projectWeight      = 0.6
	taskWeight         = 0.4
)

// EffectivePriority combines project and task priority with deadline and
// quota boosts, clamped to [0,100].
func EffectivePriority(projectPriority, taskPriority int, deadline time.Time, underQuota bool) int {
	p := int(math.Round(projectWeight*float64(projectPriority) + taskWeight*float64(taskPriority)))

	if !deadline.IsZero() {
		until := time.Until(deadline)
		switch {
		case until <= 24*time.Hour:
			p += deadlineSoonBoost
		case until <= 72*time.Hour:
			p += deadlineNearBoost
		}
	}

	if underQuota {
		p += underQuotaBoost
	}

	return ClampPriority(p)
}

// ClampPriority clamps p to [0,100].
func ClampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > maxPriority {
		return maxPriority
	}
	return p
}
