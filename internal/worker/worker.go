// Package worker owns the execution slots: each slot pulls tasks from the
// queue, guards them with an issue lock, runs the AI tool as a child process,
// and reports the outcome.
package worker

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/overseer/internal/events"
	"github.com/alekspetrov/overseer/internal/lock"
	"github.com/alekspetrov/overseer/internal/logging"
	"github.com/alekspetrov/overseer/internal/queue"
	"github.com/alekspetrov/overseer/internal/ratelimit"
	"github.com/alekspetrov/overseer/internal/state"
)

// Defaults for slot behavior.
const (
	defaultPollInterval   = time.Second
	defaultStallTimeout   = 2 * time.Minute
	defaultTaskTimeout    = 10 * time.Minute
	defaultShutdownGrace  = 5 * time.Second
	defaultMaxOutputBytes = 1 << 20
)

// Config tunes the pool.
type Config struct {
	Slots          int
	Command        string
	ExtraArgs      []string
	MaxOutputBytes int64
	PollInterval   time.Duration
	StallTimeout   time.Duration
	DefaultTimeout time.Duration
	ShutdownGrace  time.Duration
}

// ProjectContext is the per-project execution environment a slot sets up
// before spawning the child.
type ProjectContext struct {
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Sink receives terminal task outcomes. task.Result is always set.
type Sink interface {
	HandleResult(ctx context.Context, task *queue.Task) error
}

// Pool runs N worker slots against the queue.
type Pool struct {
	cfg     Config
	queue   *queue.Queue
	store   *state.Store
	locks   *lock.Manager
	limiter *ratelimit.Limiter
	sink    Sink
	bus     *events.Bus
	log     *slog.Logger

	mu       sync.RWMutex
	projects map[string]ProjectContext
	draining bool

	wg sync.WaitGroup
}

// NewPool creates a pool. bus may be nil.
func NewPool(cfg Config, q *queue.Queue, store *state.Store, locks *lock.Manager,
	limiter *ratelimit.Limiter, sink Sink, bus *events.Bus) *Pool {

	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = defaultStallTimeout
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTaskTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}

	return &Pool{
		cfg:      cfg,
		queue:    q,
		store:    store,
		locks:    locks,
		limiter:  limiter,
		sink:     sink,
		bus:      bus,
		log:      logging.WithComponent("worker"),
		projects: make(map[string]ProjectContext),
	}
}

// SetProject installs or replaces a project's execution context.
func (p *Pool) SetProject(projectID string, pc ProjectContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.projects[projectID] = pc
}

// RemoveProject drops a project's execution context. Running tasks finish.
func (p *Pool) RemoveProject(projectID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.projects, projectID)
}

func (p *Pool) projectContext(projectID string) ProjectContext {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.projects[projectID]
}

// SetDraining blocks new dispatches; running children continue.
func (p *Pool) SetDraining() {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()
}

func (p *Pool) isDraining() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.draining
}

// Start opens the worker slots. It returns immediately; Wait blocks until all
// slots exit after ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	p.log.Info("Opening worker slots", slog.Int("slots", p.cfg.Slots))
	for i := 0; i < p.cfg.Slots; i++ {
		w := &worker{
			id:   uuid.NewString()[:8],
			slot: i,
			pool: p,
		}
		w.log = logging.WithComponent("worker").With(
			slog.Int("slot", i),
			slog.String("worker_id", w.id),
		)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run(ctx)
		}()
	}
}

// Wait blocks until every slot has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// worker is one execution slot.
type worker struct {
	id   string
	slot int
	pool *Pool
	log  *slog.Logger
}

func (w *worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker slot closed")
			return
		default:
		}

		if w.pool.isDraining() {
			if !sleepCtx(ctx, w.pool.cfg.PollInterval) {
				return
			}
			continue
		}

		// The AI tool's limit window blocks all slots.
		if err := w.pool.limiter.WaitForReset(ctx); err != nil {
			return
		}

		task := w.pool.queue.NextTask("")
		if task == nil {
			if !sleepCtx(ctx, w.pool.cfg.PollInterval) {
				return
			}
			continue
		}

		w.execute(ctx, task)
	}
}

// execute runs one task end to end: lock, spawn, retire.
func (w *worker) execute(ctx context.Context, task *queue.Task) {
	ref := task.Ref()
	sessionID := uuid.NewString()
	holder := lock.Holder{
		PID:       os.Getpid(),
		WorkerID:  w.id,
		TaskID:    task.ID,
		SessionID: sessionID,
	}

	acquired, err := w.pool.locks.Acquire(ref, holder)
	if err != nil || !acquired {
		if err != nil {
			w.log.Error("Issue lock error", slog.String("task_id", task.ID), slog.Any("error", err))
		}
		// Another holder is active on this issue. Send the task back through
		// the retry path with backoff; the lock clears before the retry lands.
		if _, failErr := w.pool.queue.Fail(task.ID, "issue lock held", true,
			w.pool.limiter.BackoffFor(task.ID)); failErr != nil {
			w.log.Warn("Failed to requeue lock-blocked task",
				slog.String("task_id", task.ID),
				slog.Any("error", failErr),
			)
		}
		return
	}
	defer func() {
		if err := w.pool.locks.Release(ref, os.Getpid()); err != nil {
			w.log.Warn("Failed to release issue lock",
				slog.String("issue", ref.Key()),
				slog.Any("error", err),
			)
		}
	}()

	record := state.RunningTaskRecord{
		TaskID:      task.ID,
		ProjectID:   task.ProjectID,
		IssueNumber: task.IssueNumber,
		WorkerID:    w.id,
		StartedAt:   time.Now(),
		ScratchDir:  w.pool.store.ScratchDir(),
	}
	if err := w.pool.store.AddRunningTask(record); err != nil {
		w.log.Error("Failed to persist running task",
			slog.String("task_id", task.ID),
			slog.Any("error", err),
		)
	}
	defer func() {
		if err := w.pool.store.RemoveRunningTask(task.ID); err != nil {
			w.log.Warn("Failed to remove running task record",
				slog.String("task_id", task.ID),
				slog.Any("error", err),
			)
		}
	}()

	if err := w.pool.queue.MarkRunning(task.ID); err != nil {
		w.log.Error("Cannot mark task running", slog.String("task_id", task.ID), slog.Any("error", err))
		return
	}
	w.publish(events.TypeTaskStarted, task, nil)
	w.log.Info("Task started",
		slog.String("task_id", task.ID),
		slog.String("kind", string(task.Kind)),
		slog.Int("attempt", task.Attempts+1),
	)

	result := w.runChild(ctx, task, record)
	w.retire(ctx, task, result)
	RemoveTaskFiles(record.ScratchDir, task.ID)
}

// retire feeds the child's result back into the queue and the result sink.
func (w *worker) retire(ctx context.Context, task *queue.Task, result *queue.Result) {
	if result.RateLimited {
		w.pool.limiter.MarkAILimited(result.ResetTime)
		w.publish(events.TypeRateLimited, task, map[string]any{"reset": result.ResetTime})
		// Not a real failure: the run never got to execute, so no retry
		// attempt is spent. The limiter blocks dispatch until the window
		// passes; the hold covers a restart that forgets the limiter state.
		if _, err := w.pool.queue.Requeue(task.ID, "ai tool rate limited",
			time.Until(result.ResetTime)); err != nil {
			w.log.Error("Failed to requeue rate-limited task",
				slog.String("task_id", task.ID),
				slog.Any("error", err),
			)
		}
		return
	}

	if result.DeadlineExpired {
		cancelled, err := w.pool.queue.Cancel(task.ID, "deadline expired")
		if err != nil {
			w.log.Error("Failed to cancel deadline-expired task",
				slog.String("task_id", task.ID),
				slog.Any("error", err),
			)
			return
		}
		cancelled.Result = result
		w.pool.limiter.ResetBackoff(task.ID)
		w.publish(events.TypeTaskCancelled, task, map[string]any{"reason": "deadline expired"})
		w.log.Warn("Task cancelled at deadline", slog.String("task_id", task.ID))
		w.handleTerminal(ctx, cancelled)
		return
	}

	if result.Success {
		completed, err := w.pool.queue.Complete(task.ID, result)
		if err != nil {
			w.log.Error("Failed to complete task", slog.String("task_id", task.ID), slog.Any("error", err))
			return
		}
		w.pool.limiter.ResetBackoff(task.ID)
		w.publish(events.TypeTaskCompleted, task, map[string]any{"exit_code": result.ExitCode})
		w.log.Info("Task completed",
			slog.String("task_id", task.ID),
			slog.Duration("execution", completed.ExecutionTime()),
		)
		w.handleTerminal(ctx, completed)
		return
	}

	// Space out the retry according to the task's backoff state; the queue
	// holds the task until the delay passes.
	delay := w.pool.limiter.BackoffFor(task.ID)
	failed, err := w.pool.queue.Fail(task.ID, result.Error, true, delay)
	if err != nil {
		w.log.Error("Failed to fail task", slog.String("task_id", task.ID), slog.Any("error", err))
		return
	}
	if failed.Status == queue.StatusFailed {
		failed.Result = result
		w.pool.limiter.ResetBackoff(task.ID)
		w.publish(events.TypeTaskFailed, task, map[string]any{"error": result.Error})
		w.handleTerminal(ctx, failed)
	} else {
		w.publish(events.TypeTaskRetrying, task, map[string]any{"attempt": failed.Attempts})
		w.log.Info("Task will retry",
			slog.String("task_id", task.ID),
			slog.Int("attempt", failed.Attempts),
			slog.Duration("backoff", delay),
		)
	}
}

func (w *worker) handleTerminal(ctx context.Context, task *queue.Task) {
	if w.pool.sink == nil {
		return
	}
	if err := w.pool.sink.HandleResult(ctx, task); err != nil {
		w.log.Error("Result handling failed",
			slog.String("task_id", task.ID),
			slog.Any("error", err),
		)
	}
}

func (w *worker) publish(t events.Type, task *queue.Task, data map[string]any) {
	if w.pool.bus == nil {
		return
	}
	w.pool.bus.Publish(events.Event{
		Type:      t,
		ProjectID: task.ProjectID,
		TaskID:    task.ID,
		Data:      data,
	})
}

// sleepCtx sleeps for d unless ctx is cancelled first. It reports whether the
// full sleep elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
