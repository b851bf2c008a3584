package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alekspetrov/overseer/internal/logging"
)

// Algorithm selects the queue ordering discipline. Exactly one is active per
// daemon instance.
type Algorithm string

const (
	AlgorithmPriority      Algorithm = "priority-based"
	AlgorithmWeightedFair  Algorithm = "weighted-fair"
	AlgorithmDeadlineAware Algorithm = "deadline-aware"
	AlgorithmResourceAware Algorithm = "resource-aware"
)

// Enqueue and dispatch errors.
var (
	ErrDuplicate      = errors.New("queue: issue already queued or running")
	ErrQueueFull      = errors.New("queue: maximum depth reached")
	ErrUnknownProject = errors.New("queue: project not registered")
	ErrQuotaExceeded  = errors.New("queue: project quota exceeded")
	ErrNotRunning     = errors.New("queue: task is not running")
)

// ProjectSpec is the scheduling-relevant slice of a project's configuration.
type ProjectSpec struct {
	ID            string
	BasePriority  int
	ShareWeight   float64
	Quota         *ResourceQuota
	MinThroughput float64 // tasks per hour, 0 = no target
	MaxLatency    time.Duration
}

// projectState tracks one registered project inside the queue.
type projectState struct {
	spec            ProjectSpec
	fairTokens      float64
	dynamicPriority int
	runningCount    int
	metrics         projectMetrics
}

// Config tunes the queue.
type Config struct {
	Algorithm    Algorithm
	MaxDepth     int
	MaxRetries   int
	QuotaEnabled bool
}

// Queue is the process-wide task container. All methods are safe for
// concurrent use.
type Queue struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	tasks    []*Task          // pending, ordered by the active comparator
	byIssue  map[string]*Task // active task per issue key (dedup index)
	running  map[string]*Task // by task ID
	projects map[string]*projectState
	usage    ResourceUsage
	// vclock is the virtual enqueue clock feeding weighted-fair virtual
	// start times. A small monotonic counter keeps the now/tokens term
	// comparable across projects regardless of daemon uptime.
	vclock float64

	// changes coalesces mutation signals for the persistence loop.
	changes chan struct{}
}

// New creates a queue.
func New(cfg Config) *Queue {
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgorithmPriority
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 1000
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &Queue{
		cfg:      cfg,
		log:      logging.WithComponent("queue"),
		byIssue:  make(map[string]*Task),
		running:  make(map[string]*Task),
		projects: make(map[string]*projectState),
		changes:  make(chan struct{}, 1),
	}
}

// Changes returns a channel receiving a coalesced signal after each mutation.
// The persistence loop drains it and snapshots the queue.
func (q *Queue) Changes() <-chan struct{} {
	return q.changes
}

func (q *Queue) notify() {
	select {
	case q.changes <- struct{}{}:
	default:
	}
}

// RegisterProject adds or replaces a project's scheduling spec.
func (q *Queue) RegisterProject(spec ProjectSpec) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if spec.ShareWeight <= 0 {
		spec.ShareWeight = 1
	}
	if state, ok := q.projects[spec.ID]; ok {
		state.spec = spec
		if state.fairTokens > spec.ShareWeight {
			state.fairTokens = spec.ShareWeight
		}
		return
	}
	q.projects[spec.ID] = &projectState{
		spec:            spec,
		fairTokens:      spec.ShareWeight,
		dynamicPriority: spec.BasePriority,
	}
}

// RemoveProject unregisters a project. Its queued tasks are cancelled;
// running tasks finish normally.
func (q *Queue) RemoveProject(projectID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var kept []*Task
	for _, t := range q.tasks {
		if t.ProjectID == projectID {
			_ = t.Transition(StatusCancelled, "project removed")
			delete(q.byIssue, t.Ref().Key())
			continue
		}
		kept = append(kept, t)
	}
	q.tasks = kept
	delete(q.projects, projectID)
	q.notify()
}

// IsActive reports whether the issue already has a task in an active state.
func (q *Queue) IsActive(ref IssueRef) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byIssue[ref.Key()]
	return ok
}

// Enqueue admits a task. It returns ErrDuplicate if the issue is already
// active, ErrQueueFull at maximum depth, and ErrUnknownProject for
// unregistered projects.
func (q *Queue) Enqueue(t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	state, ok := q.projects[t.ProjectID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProject, t.ProjectID)
	}
	if _, dup := q.byIssue[t.Ref().Key()]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicate, t.Ref())
	}
	if len(q.tasks) >= q.cfg.MaxDepth {
		return ErrQueueFull
	}

	t.EffectivePriority = EffectivePriority(
		state.dynamicPriority, t.BasePriority, t.Deadline, q.underQuota(state))
	t.Scheduling.FairShareWeight = state.spec.ShareWeight
	t.Scheduling.VirtualStartTime = q.virtualStartTime(state, t)

	q.insert(t)
	q.byIssue[t.Ref().Key()] = t
	state.metrics.recordEnqueue()

	q.log.Debug("Task enqueued",
		slog.String("task_id", t.ID),
		slog.String("kind", string(t.Kind)),
		slog.Int("effective_priority", t.EffectivePriority),
	)

	q.notify()
	return nil
}

// virtualStartTime computes the weighted-fair dispatch key: earlier for
// projects with more tokens and for higher-priority tasks.
func (q *Queue) virtualStartTime(state *projectState, t *Task) float64 {
	tokens := state.fairTokens
	if tokens <= 0 {
		tokens = 0.01
	}
	q.vclock++
	return q.vclock/tokens + float64(maxPriority-t.EffectivePriority)
}

// underQuota reports whether the project is using less than its concurrency
// quota, earning the small priority boost.
func (q *Queue) underQuota(state *projectState) bool {
	if state.spec.Quota == nil || state.spec.Quota.MaxConcurrent <= 0 {
		return false
	}
	return state.runningCount < state.spec.Quota.MaxConcurrent
}

// insert places t into the ordered pending list per the active comparator.
func (q *Queue) insert(t *Task) {
	idx := sort.Search(len(q.tasks), func(i int) bool {
		return q.less(t, q.tasks[i])
	})
	q.tasks = append(q.tasks, nil)
	copy(q.tasks[idx+1:], q.tasks[idx:])
	q.tasks[idx] = t
}

// less reports whether a should be dispatched before b.
func (q *Queue) less(a, b *Task) bool {
	switch q.cfg.Algorithm {
	case AlgorithmWeightedFair:
		return a.Scheduling.VirtualStartTime < b.Scheduling.VirtualStartTime
	case AlgorithmDeadlineAware:
		aDated, bDated := !a.Deadline.IsZero(), !b.Deadline.IsZero()
		if aDated != bDated {
			return aDated // dated tasks ahead of undated ones
		}
		if aDated {
			if !a.Deadline.Equal(b.Deadline) {
				return a.Deadline.Before(b.Deadline)
			}
		}
		fallthrough
	default: // priority-based and resource-aware share priority ordering
		if a.EffectivePriority != b.EffectivePriority {
			return a.EffectivePriority > b.EffectivePriority
		}
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
}

// NextTask returns the next dispatchable task, or nil when nothing is
// eligible. When requestingProjectID is non-empty, selection is restricted to
// that project. Tasks held back for retry backoff are skipped until their
// not-before instant passes. The returned task has been moved to assigned and
// registered in the running set.
func (q *Queue) NextTask(requestingProjectID string) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for i, t := range q.tasks {
		if requestingProjectID != "" && t.ProjectID != requestingProjectID {
			continue
		}
		if !t.NotBefore.IsZero() && now.Before(t.NotBefore) {
			continue
		}
		state := q.projects[t.ProjectID]
		if state == nil {
			continue
		}
		if !q.admissible(state) {
			continue
		}

		t.NotBefore = time.Time{}
		q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
		if err := t.Transition(StatusAssigned, ""); err != nil {
			q.log.Warn("Dropping task with invalid state",
				slog.String("task_id", t.ID),
				slog.Any("error", err),
			)
			delete(q.byIssue, t.Ref().Key())
			continue
		}

		q.running[t.ID] = t
		state.runningCount++
		if state.spec.Quota != nil {
			q.usage.add(*state.spec.Quota)
		} else {
			q.usage.add(ResourceQuota{})
		}

		// Dispatch spends fair-share tokens; replenishment restores them.
		if q.cfg.Algorithm == AlgorithmWeightedFair {
			state.fairTokens *= 0.9
		}

		q.notify()
		return t
	}
	return nil
}

// admissible applies resource-quota admission on dispatch.
func (q *Queue) admissible(state *projectState) bool {
	quotaActive := q.cfg.QuotaEnabled || q.cfg.Algorithm == AlgorithmResourceAware
	if !quotaActive || state.spec.Quota == nil || state.spec.Quota.MaxConcurrent <= 0 {
		return true
	}
	return state.runningCount < state.spec.Quota.MaxConcurrent
}

// MarkRunning transitions an assigned task to running.
func (q *Queue) MarkRunning(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.running[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, taskID)
	}
	if err := t.Transition(StatusRunning, ""); err != nil {
		return err
	}
	q.notify()
	return nil
}

// MarkStalled flags a running task whose child stopped reporting status.
// The task stays in the running set; it either recovers (MarkRunning) or is
// failed by the worker's timeout path.
func (q *Queue) MarkStalled(taskID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.running[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, taskID)
	}
	if err := t.Transition(StatusStalled, reason); err != nil {
		return err
	}
	q.notify()
	return nil
}

// Complete retires a running task successfully.
func (q *Queue) Complete(taskID string, result *Result) (*Task, error) {
	return q.finish(taskID, StatusCompleted, "", result)
}

// Fail marks a running task failed. When the retry budget allows, the task
// transitions through retrying and re-enters the queue with a priority boost,
// held out of dispatch for retryDelay; otherwise the failure is terminal and
// counted in the project's failure metrics.
func (q *Queue) Fail(taskID, reason string, retryable bool, retryDelay time.Duration) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.running[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, taskID)
	}

	q.release(t)
	if err := t.Transition(StatusFailed, reason); err != nil {
		return nil, err
	}
	t.Attempts++

	state := q.projects[t.ProjectID]
	if retryable && t.Attempts < q.cfg.MaxRetries && state != nil {
		if err := t.Transition(StatusRetrying, reason); err != nil {
			return nil, err
		}
		t.EffectivePriority = ClampPriority(t.EffectivePriority + retryPriorityBoost)
		t.Scheduling.VirtualStartTime = q.virtualStartTime(state, t)
		t.StartedAt = time.Time{}
		t.CompletedAt = time.Time{}
		if retryDelay > 0 {
			t.NotBefore = time.Now().Add(retryDelay)
		}
		q.insert(t)
		q.log.Info("Task requeued for retry",
			slog.String("task_id", t.ID),
			slog.Int("attempt", t.Attempts),
			slog.Duration("backoff", retryDelay),
			slog.String("reason", reason),
		)
	} else {
		if state != nil {
			state.metrics.recordCompletion(t, true)
		}
		delete(q.byIssue, t.Ref().Key())
		q.log.Warn("Task failed terminally",
			slog.String("task_id", t.ID),
			slog.Int("attempts", t.Attempts),
			slog.String("reason", reason),
		)
	}

	q.notify()
	return t, nil
}

// Requeue returns a running task to the pending list without consuming a
// retry attempt. Used when the run never really executed, such as inside the
// AI tool's limit window. holdFor > 0 keeps the task out of dispatch for that
// long.
func (q *Queue) Requeue(taskID, reason string, holdFor time.Duration) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.running[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, taskID)
	}
	state := q.projects[t.ProjectID]
	if state == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProject, t.ProjectID)
	}

	q.release(t)
	if err := t.Transition(StatusFailed, reason); err != nil {
		return nil, err
	}
	if err := t.Transition(StatusRetrying, reason); err != nil {
		return nil, err
	}
	t.Scheduling.VirtualStartTime = q.virtualStartTime(state, t)
	t.StartedAt = time.Time{}
	t.CompletedAt = time.Time{}
	if holdFor > 0 {
		t.NotBefore = time.Now().Add(holdFor)
	}
	q.insert(t)
	q.log.Info("Task returned to queue",
		slog.String("task_id", t.ID),
		slog.Duration("hold", holdFor),
		slog.String("reason", reason),
	)

	q.notify()
	return t, nil
}

// Cancel cancels a task in any non-terminal state. Running tasks are released
// from the running set; the worker observes cancellation via its context.
func (q *Queue) Cancel(taskID, reason string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t, ok := q.running[taskID]; ok {
		q.release(t)
		delete(q.byIssue, t.Ref().Key())
		if err := t.Transition(StatusCancelled, reason); err != nil {
			return nil, err
		}
		q.notify()
		return t, nil
	}

	for i, t := range q.tasks {
		if t.ID == taskID {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			delete(q.byIssue, t.Ref().Key())
			if err := t.Transition(StatusCancelled, reason); err != nil {
				return nil, err
			}
			q.notify()
			return t, nil
		}
	}

	return nil, fmt.Errorf("queue: task %s not found", taskID)
}

func (q *Queue) finish(taskID string, to Status, reason string, result *Result) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.running[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, taskID)
	}

	q.release(t)
	delete(q.byIssue, t.Ref().Key())
	if err := t.Transition(to, reason); err != nil {
		return nil, err
	}
	t.Result = result

	if state := q.projects[t.ProjectID]; state != nil {
		state.metrics.recordCompletion(t, false)
	}

	q.notify()
	return t, nil
}

// release removes t from the running set and returns its resources. Callers
// hold the lock.
func (q *Queue) release(t *Task) {
	delete(q.running, t.ID)
	state := q.projects[t.ProjectID]
	if state == nil {
		return
	}
	if state.runningCount > 0 {
		state.runningCount--
	}
	if state.spec.Quota != nil {
		q.usage.remove(*state.spec.Quota)
	} else {
		q.usage.remove(ResourceQuota{})
	}
}

// ReplenishTokens restores each project's fair-share tokens toward its weight
// by 10%. Called periodically under weighted-fair scheduling.
func (q *Queue) ReplenishTokens() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, state := range q.projects {
		target := state.spec.ShareWeight
		state.fairTokens += 0.1 * target
		if state.fairTokens > target {
			state.fairTokens = target
		}
	}
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// PendingTasks returns a copy of the pending list in dispatch order.
func (q *Queue) PendingTasks() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, len(q.tasks))
	copy(out, q.tasks)
	return out
}

// RunningTasks returns the currently running tasks.
func (q *Queue) RunningTasks() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, 0, len(q.running))
	for _, t := range q.running {
		out = append(out, t)
	}
	return out
}

// Restore re-inserts previously persisted pending tasks, preserving their
// identity and attempts. Tasks for unknown projects are skipped and returned.
func (q *Queue) Restore(tasks []*Task) (skipped []*Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range tasks {
		state, ok := q.projects[t.ProjectID]
		if !ok {
			skipped = append(skipped, t)
			continue
		}
		if _, dup := q.byIssue[t.Ref().Key()]; dup {
			skipped = append(skipped, t)
			continue
		}
		// Statuses other than queued/retrying cannot sit in the pending list.
		if t.Status != StatusQueued && t.Status != StatusRetrying {
			t.Status = StatusQueued
		}
		t.Scheduling.VirtualStartTime = q.virtualStartTime(state, t)
		q.insert(t)
		q.byIssue[t.Ref().Key()] = t
	}

	q.notify()
	return skipped
}

// Usage returns the process-wide resource usage snapshot.
func (q *Queue) Usage() ResourceUsage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.usage
}

// StateSnapshot is the persisted slice of scheduling state that must survive
// a restart: fair-share tokens, dynamic priorities, and the virtual clock.
type StateSnapshot struct {
	Tokens          map[string]float64 `json:"tokens"`
	DynamicPriority map[string]int     `json:"dynamic_priority"`
	VClock          float64            `json:"vclock"`
	Usage           ResourceUsage      `json:"usage"`
}

// Snapshot exports the scheduling state for persistence.
func (q *Queue) Snapshot() StateSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := StateSnapshot{
		Tokens:          make(map[string]float64, len(q.projects)),
		DynamicPriority: make(map[string]int, len(q.projects)),
		VClock:          q.vclock,
		Usage:           q.usage,
	}
	for id, state := range q.projects {
		snap.Tokens[id] = state.fairTokens
		snap.DynamicPriority[id] = state.dynamicPriority
	}
	return snap
}

// RestoreState re-applies a persisted snapshot to the registered projects.
// Unknown projects in the snapshot are ignored; resource usage is rebuilt by
// the recovery sweep, not restored here.
func (q *Queue) RestoreState(snap StateSnapshot) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if snap.VClock > q.vclock {
		q.vclock = snap.VClock
	}
	for id, state := range q.projects {
		if tokens, ok := snap.Tokens[id]; ok {
			state.fairTokens = tokens
		}
		if prio, ok := snap.DynamicPriority[id]; ok {
			state.dynamicPriority = ClampPriority(prio)
		}
	}
}

// Stats returns per-project statistics plus Jain's fairness index across
// project throughputs.
func (q *Queue) Stats() ([]ProjectStats, float64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	depths := make(map[string]int)
	for _, t := range q.tasks {
		depths[t.ProjectID]++
	}

	stats := make([]ProjectStats, 0, len(q.projects))
	throughputs := make([]float64, 0, len(q.projects))
	for id, state := range q.projects {
		tp := state.metrics.Throughput()
		stats = append(stats, ProjectStats{
			ProjectID:    id,
			Enqueued:     state.metrics.Enqueued,
			Completed:    state.metrics.Completed,
			Failed:       state.metrics.Failed,
			QueueDepth:   depths[id],
			RunningCount: state.runningCount,
			Throughput:   tp,
			AvgLatency:   state.metrics.AvgLatency(),
			AvgExecution: state.metrics.AvgExecution(),
			AvgWait:      state.metrics.AvgWait(),
			FairTokens:   state.fairTokens,
			DynamicPrio:  state.dynamicPriority,
		})
		throughputs = append(throughputs, tp)
	}

	sort.Slice(stats, func(i, j int) bool { return stats[i].ProjectID < stats[j].ProjectID })
	return stats, JainIndex(throughputs)
}
