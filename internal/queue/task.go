// Package queue implements the multi-project task queue: admission with
// deduplication, effective-priority computation, four scheduling algorithms,
// resource quotas, and fairness metrics.
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies what a task acts on.
type Kind string

const (
	KindIssue    Kind = "issue"
	KindComment  Kind = "comment"
	KindPRReview Kind = "pr-review"
	KindCustom   Kind = "custom"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
	StatusCancelled Status = "cancelled"
	StatusStalled   Status = "stalled"
)

// Active reports whether the status counts toward the per-issue dedup
// invariant: at most one task per issue may be queued, assigned, running, or
// retrying.
func (s Status) Active() bool {
	switch s {
	case StatusQueued, StatusAssigned, StatusRunning, StatusRetrying:
		return true
	}
	return false
}

// Terminal reports whether the status ends the task's lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// validTransitions is the task state machine. Failed is terminal only when the
// retry budget is exhausted, so failed -> retrying stays legal here; the queue
// decides whether to take it.
var validTransitions = map[Status][]Status{
	StatusQueued:   {StatusAssigned, StatusCancelled},
	StatusAssigned: {StatusRunning, StatusCancelled},
	StatusRunning:  {StatusCompleted, StatusFailed, StatusCancelled, StatusStalled},
	StatusFailed:   {StatusRetrying},
	StatusRetrying: {StatusAssigned, StatusCancelled},
	StatusStalled:  {StatusFailed, StatusRunning},
}

// IssueRef identifies one issue within one project.
type IssueRef struct {
	ProjectID   string `json:"project_id"`
	IssueNumber int    `json:"issue_number"`
}

// Key returns the canonical "<project>-<number>" form used for dedup indexes
// and lock file names.
func (r IssueRef) Key() string {
	return fmt.Sprintf("%s-%d", r.ProjectID, r.IssueNumber)
}

func (r IssueRef) String() string {
	return r.Key()
}

// StatusChange is one recorded transition in a task's history.
type StatusChange struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// SchedulingMeta carries per-task weighted-fair bookkeeping.
type SchedulingMeta struct {
	VirtualStartTime float64 `json:"virtual_start_time"`
	FairShareWeight  float64 `json:"fair_share_weight"`
}

// Result is the outcome envelope produced by the worker.
type Result struct {
	TaskID      string    `json:"task_id"`
	Success     bool      `json:"success"`
	ExitCode    int       `json:"exit_code"`
	Stdout      string    `json:"stdout,omitempty"`
	Stderr      string    `json:"stderr,omitempty"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
	RateLimited bool      `json:"rate_limited,omitempty"`
	ResetTime   time.Time `json:"reset_time,omitzero"`
	// DeadlineExpired marks a run cut off by the task's own deadline.
	DeadlineExpired bool `json:"deadline_expired,omitempty"`
	// Approved marks an explicitly approving PR review result.
	Approved bool `json:"approved,omitempty"`
	// MustFix lists blocking findings from a PR review.
	MustFix []string `json:"must_fix,omitempty"`
	// FollowUpActions are dispatched by the result handler after retirement.
	FollowUpActions []FollowUpAction `json:"follow_up_actions,omitempty"`
}

// FollowUpAction is a typed operation declared by a result.
type FollowUpAction struct {
	Type string          `json:"type"` // create-task, update-issue, notify
	Data json.RawMessage `json:"data,omitempty"`
}

// Task is the unit of scheduled work. Its identity never changes after
// creation; everything else is mutated only through Transition and the queue.
type Task struct {
	ID                string         `json:"id"`
	ProjectID         string         `json:"project_id"`
	IssueNumber       int            `json:"issue_number"`
	Kind              Kind           `json:"kind"`
	BasePriority      int            `json:"base_priority"`
	EffectivePriority int            `json:"effective_priority"`
	EnqueuedAt        time.Time      `json:"enqueued_at"`
	StartedAt         time.Time      `json:"started_at,omitzero"`
	CompletedAt       time.Time      `json:"completed_at,omitzero"`
	Deadline          time.Time      `json:"deadline,omitzero"`
	// NotBefore holds a retried task out of dispatch until its backoff passes.
	NotBefore         time.Time      `json:"not_before,omitzero"`
	EstimatedDuration time.Duration  `json:"estimated_duration,omitempty"`
	Timeout           time.Duration  `json:"timeout,omitempty"`
	Attempts          int            `json:"attempts"`
	Status            Status         `json:"status"`
	Scheduling        SchedulingMeta `json:"scheduling"`
	Payload           Payload        `json:"-"`
	Result            *Result        `json:"result,omitempty"`
	Error             string         `json:"error,omitempty"`
	History           []StatusChange `json:"history,omitempty"`
}

// NewTask creates a queued task. The ID embeds the enqueue instant at
// nanosecond resolution so re-enqueues of the same issue get distinct
// identities even within the same second.
func NewTask(projectID string, issueNumber int, kind Kind, basePriority int) *Task {
	now := time.Now()
	return &Task{
		ID:           fmt.Sprintf("%s-%d-%d", projectID, issueNumber, now.UnixNano()),
		ProjectID:    projectID,
		IssueNumber:  issueNumber,
		Kind:         kind,
		BasePriority: basePriority,
		EnqueuedAt:   now,
		Status:       StatusQueued,
	}
}

// Ref returns the issue reference the task acts on.
func (t *Task) Ref() IssueRef {
	return IssueRef{ProjectID: t.ProjectID, IssueNumber: t.IssueNumber}
}

// Transition moves the task to a new status, recording the change. It returns
// an error if the state machine forbids the move.
func (t *Task) Transition(to Status, reason string) error {
	if t.Status == to {
		return nil
	}
	allowed := false
	for _, next := range validTransitions[t.Status] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("queue: invalid transition %s -> %s for task %s", t.Status, to, t.ID)
	}

	now := time.Now()
	t.History = append(t.History, StatusChange{From: t.Status, To: to, Reason: reason, At: now})
	t.Status = to

	switch to {
	case StatusRunning:
		if t.StartedAt.IsZero() {
			t.StartedAt = now
		}
	case StatusCompleted, StatusCancelled:
		t.CompletedAt = now
	case StatusFailed:
		t.CompletedAt = now
		if reason != "" {
			t.Error = reason
		}
	}

	return nil
}

// WaitTime returns how long the task sat before starting, or the current wait
// for tasks that have not started.
func (t *Task) WaitTime() time.Duration {
	if t.StartedAt.IsZero() {
		return time.Since(t.EnqueuedAt)
	}
	return t.StartedAt.Sub(t.EnqueuedAt)
}

// ExecutionTime returns the wall time between start and completion, or zero if
// either is unset.
func (t *Task) ExecutionTime() time.Duration {
	if t.StartedAt.IsZero() || t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.StartedAt)
}
