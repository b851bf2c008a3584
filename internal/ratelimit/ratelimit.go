// Package ratelimit combines the two upstream limits the daemon must respect:
// the issue-tracker API quota and the AI tool's usage window. It also owns the
// per-task exponential backoff state used when executions are retried.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/alekspetrov/overseer/internal/config"
	"github.com/alekspetrov/overseer/internal/github"
	"github.com/alekspetrov/overseer/internal/logging"
)

// snapshotMaxAge bounds how long an observed GitHub quota stays trustworthy.
const snapshotMaxAge = 5 * time.Minute

// Limiter is the combined rate-limit view. All methods are safe for
// concurrent use.
type Limiter struct {
	cfg *config.RateLimitConfig
	log *slog.Logger

	mu       sync.Mutex
	github   github.RateLimit
	aiReset  time.Time
	attempts map[string]int
}

// New creates a limiter. A nil cfg uses the defaults.
func New(cfg *config.RateLimitConfig) *Limiter {
	if cfg == nil {
		cfg = config.DefaultConfig().RateLimit
	}
	return &Limiter{
		cfg:      cfg,
		log:      logging.WithComponent("ratelimit"),
		attempts: make(map[string]int),
	}
}

// UpdateGitHub records the latest API quota snapshot observed on a response.
func (l *Limiter) UpdateGitHub(rl github.RateLimit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.github = rl
}

// MarkAILimited records the AI tool's reset time after a rate-limited child
// run. A zero reset falls back to one hour out.
func (l *Limiter) MarkAILimited(reset time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if reset.IsZero() {
		reset = time.Now().Add(time.Hour)
	}
	l.aiReset = reset
	l.log.Warn("AI tool rate limited", slog.Time("reset", reset))
}

// AILimited reports whether the AI tool is currently inside a limit window.
func (l *Limiter) AILimited() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.aiLimitedLocked()
}

func (l *Limiter) aiLimitedLocked() bool {
	if l.aiReset.IsZero() {
		return false
	}
	if time.Now().After(l.aiReset) {
		l.aiReset = time.Time{}
		return false
	}
	return true
}

// Check reports whether requiredCalls API requests can be spent now. A stale
// or never-observed GitHub snapshot is treated as permissive; the API itself
// is the backstop.
func (l *Limiter) Check(requiredCalls int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.aiLimitedLocked() {
		return false
	}
	if l.github.Stale(snapshotMaxAge) {
		return true
	}
	return l.github.Remaining >= requiredCalls
}

// ResetAt returns the earliest instant at which blocked work may resume, or
// the zero time when nothing is blocking.
func (l *Limiter) ResetAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	var at time.Time
	if l.aiLimitedLocked() {
		at = l.aiReset
	}
	if !l.github.Stale(snapshotMaxAge) && l.github.Remaining <= 0 {
		if at.IsZero() || l.github.Reset.Before(at) {
			at = l.github.Reset
		}
	}
	return at
}

// WaitForReset blocks until the active limit window passes or ctx is
// cancelled. It returns immediately when nothing is blocking.
func (l *Limiter) WaitForReset(ctx context.Context) error {
	at := l.ResetAt()
	if at.IsZero() {
		return nil
	}

	wait := time.Until(at)
	if wait <= 0 {
		return nil
	}
	l.log.Info("Waiting for rate limit reset",
		slog.Time("reset", at),
		slog.Duration("wait", wait),
	)

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// BackoffFor returns the delay before the task's next retry and advances its
// attempt counter. The delay is min(max, initial * multiplier^attempt) with
// symmetric jitter of ±jitterFraction.
func (l *Limiter) BackoffFor(taskID string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	attempt := l.attempts[taskID]
	l.attempts[taskID] = attempt + 1

	initial := time.Duration(l.cfg.InitialBackoffMS) * time.Millisecond
	max := time.Duration(l.cfg.MaxBackoffMS) * time.Millisecond
	delay := time.Duration(float64(initial) * math.Pow(l.cfg.Multiplier, float64(attempt)))
	if delay > max {
		delay = max
	}

	if l.cfg.JitterFraction > 0 {
		jitter := (rand.Float64()*2 - 1) * l.cfg.JitterFraction
		delay = time.Duration(float64(delay) * (1 + jitter))
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// ShouldRetry reports whether the task is still within its retry budget.
func (l *Limiter) ShouldRetry(taskID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts[taskID] < l.cfg.MaxRetries
}

// Attempts returns how many backoffs the task has consumed.
func (l *Limiter) Attempts(taskID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts[taskID]
}

// ResetBackoff clears the task's retry state, typically after a success.
func (l *Limiter) ResetBackoff(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, taskID)
}
