// Package results retires terminal task outcomes: it validates the worker's
// envelope, persists it under results/, marks the issue processed, reports
// back upstream (comment, labels, PR review), and dispatches follow-up
// actions the child declared.
package results

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/alekspetrov/overseer/internal/events"
	"github.com/alekspetrov/overseer/internal/github"
	"github.com/alekspetrov/overseer/internal/logging"
	"github.com/alekspetrov/overseer/internal/queue"
	"github.com/alekspetrov/overseer/internal/state"
)

// Labels toggled on the upstream issue as a task retires.
const (
	LabelProcessing = "overseer:processing"
	LabelCompleted  = "overseer:completed"
	LabelFailed     = "overseer:failed"
)

// maxInlineBytes bounds the result file in results/success and results/error.
// Larger envelopes keep their full output in results/archive.
const maxInlineBytes = 1 << 20

// commentExcerptLimit bounds the output excerpt posted upstream.
const commentExcerptLimit = 2000

// Upstream locates a project's repository.
type Upstream struct {
	Owner string
	Repo  string
}

// Enqueuer admits follow-up tasks.
type Enqueuer interface {
	Enqueue(*queue.Task) error
}

// Recorder receives retired tasks for the long-term execution history.
type Recorder interface {
	RecordTask(*queue.Task) error
}

// Handler is the terminal-outcome pipeline. It implements the worker pool's
// result sink.
type Handler struct {
	client *github.Client
	store  *state.Store
	queue  Enqueuer
	bus    *events.Bus
	log    *slog.Logger

	mu       sync.RWMutex
	projects map[string]Upstream
	recorder Recorder

	completed atomic.Int64
	failed    atomic.Int64
	archived  atomic.Int64
}

// NewHandler creates a handler. client and bus may be nil; without a client
// the upstream reporting steps are skipped.
func NewHandler(client *github.Client, store *state.Store, q Enqueuer, bus *events.Bus) *Handler {
	return &Handler{
		client:   client,
		store:    store,
		queue:    q,
		bus:      bus,
		log:      logging.WithComponent("results"),
		projects: make(map[string]Upstream),
	}
}

// SetRecorder attaches the execution-history recorder.
func (h *Handler) SetRecorder(r Recorder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recorder = r
}

func (h *Handler) historyRecorder() Recorder {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.recorder
}

// SetProject registers where a project's outcomes are reported.
func (h *Handler) SetProject(projectID string, up Upstream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.projects[projectID] = up
}

// RemoveProject stops upstream reporting for a project.
func (h *Handler) RemoveProject(projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.projects, projectID)
}

func (h *Handler) upstream(projectID string) (Upstream, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	up, ok := h.projects[projectID]
	return up, ok
}

// Stats are the handler's lifetime counters.
type Stats struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Archived  int64 `json:"archived"`
}

func (h *Handler) Stats() Stats {
	return Stats{
		Completed: h.completed.Load(),
		Failed:    h.failed.Load(),
		Archived:  h.archived.Load(),
	}
}

// HandleResult retires one terminal task. Persistence and the processed mark
// must succeed; upstream reporting and follow-ups are best effort.
func (h *Handler) HandleResult(ctx context.Context, task *queue.Task) error {
	res := task.Result
	if err := validate(task, res); err != nil {
		h.log.Error("Rejecting invalid result envelope",
			slog.String("task_id", task.ID),
			slog.Any("error", err),
		)
		return err
	}

	if err := h.persist(task, res); err != nil {
		return err
	}

	if err := h.store.MarkIssueProcessed(task.Ref()); err != nil {
		return fmt.Errorf("results: failed to mark issue processed: %w", err)
	}

	if res.Success {
		h.completed.Add(1)
	} else {
		h.failed.Add(1)
	}

	if rec := h.historyRecorder(); rec != nil {
		if err := rec.RecordTask(task); err != nil {
			h.log.Warn("Failed to record execution history",
				slog.String("task_id", task.ID),
				slog.Any("error", err),
			)
		}
	}

	h.report(ctx, task, res)
	h.dispatchFollowUps(ctx, task, res)

	h.log.Info("Result handled",
		slog.String("task_id", task.ID),
		slog.Bool("success", res.Success),
		slog.Int("follow_ups", len(res.FollowUpActions)),
	)
	return nil
}

// validate enforces the envelope contract before anything is persisted.
func validate(task *queue.Task, res *queue.Result) error {
	if res == nil {
		return fmt.Errorf("results: task %s retired without an envelope", task.ID)
	}
	if res.TaskID != task.ID {
		return fmt.Errorf("results: envelope task id %q does not match %q", res.TaskID, task.ID)
	}
	if !res.Success && res.Error == "" {
		return fmt.Errorf("results: failed task %s carries no error", task.ID)
	}
	return nil
}

// persist writes the envelope into results/success or results/error. Oversize
// envelopes go to results/archive in full; the inline copy keeps truncated
// output.
func (h *Handler) persist(task *queue.Task, res *queue.Result) error {
	category := "error"
	if res.Success {
		category = "success"
	}

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("results: failed to marshal envelope for %s: %w", task.ID, err)
	}

	if len(data) > maxInlineBytes {
		archivePath := filepath.Join(h.store.ResultsDir("archive"), task.ID+".json")
		if err := h.store.AtomicWrite(archivePath, data); err != nil {
			return err
		}
		h.archived.Add(1)
		h.log.Warn("Envelope oversize, full output archived",
			slog.String("task_id", task.ID),
			slog.Int("bytes", len(data)),
		)

		trimmed := *res
		trimmed.Stdout = truncate(res.Stdout, maxInlineBytes/4)
		trimmed.Stderr = truncate(res.Stderr, maxInlineBytes/4)
		if data, err = json.MarshalIndent(&trimmed, "", "  "); err != nil {
			return fmt.Errorf("results: failed to marshal trimmed envelope for %s: %w", task.ID, err)
		}
	}

	path := filepath.Join(h.store.ResultsDir(category), task.ID+".json")
	return h.store.AtomicWrite(path, data)
}

// report posts the single upstream comment, toggles labels, and submits the
// PR review verdict. Failures are logged and never fail retirement.
func (h *Handler) report(ctx context.Context, task *queue.Task, res *queue.Result) {
	if h.client == nil {
		return
	}
	up, ok := h.upstream(task.ProjectID)
	if !ok {
		return
	}

	if _, err := h.client.CreateComment(ctx, up.Owner, up.Repo, task.IssueNumber, commentBody(task, res)); err != nil {
		h.log.Warn("Failed to post result comment",
			slog.String("task_id", task.ID),
			slog.Any("error", err),
		)
	}

	if err := h.client.RemoveLabel(ctx, up.Owner, up.Repo, task.IssueNumber, LabelProcessing); err != nil {
		h.log.Debug("Failed to remove processing label", slog.Any("error", err))
	}
	outcome := LabelFailed
	if res.Success {
		outcome = LabelCompleted
	}
	if err := h.client.AddLabels(ctx, up.Owner, up.Repo, task.IssueNumber, []string{outcome}); err != nil {
		h.log.Warn("Failed to add outcome label",
			slog.String("task_id", task.ID),
			slog.Any("error", err),
		)
	}

	if task.Kind == queue.KindPRReview {
		input := &github.ReviewInput{
			Body:  reviewBody(res),
			Event: reviewEvent(res),
		}
		if _, err := h.client.CreateReview(ctx, up.Owner, up.Repo, task.IssueNumber, input); err != nil {
			h.log.Warn("Failed to submit review",
				slog.String("task_id", task.ID),
				slog.Any("error", err),
			)
		}
	}
}

// reviewEvent maps the verdict to a review event. Approval requires both a
// successful run and an explicit approve from the child.
func reviewEvent(res *queue.Result) string {
	switch {
	case res.Success && res.Approved && len(res.MustFix) == 0:
		return "APPROVE"
	case len(res.MustFix) > 0:
		return "REQUEST_CHANGES"
	default:
		return "COMMENT"
	}
}

func reviewBody(res *queue.Result) string {
	var b strings.Builder
	if res.Success && res.Approved && len(res.MustFix) == 0 {
		b.WriteString("Automated review passed.\n")
	} else if len(res.MustFix) > 0 {
		b.WriteString("Automated review found blocking issues:\n")
		for _, f := range res.MustFix {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	} else {
		b.WriteString("Automated review completed without a verdict.\n")
	}
	return b.String()
}

func commentBody(task *queue.Task, res *queue.Result) string {
	var b strings.Builder
	if res.Success {
		fmt.Fprintf(&b, "**Task completed** (`%s`)\n\n", task.ID)
	} else {
		fmt.Fprintf(&b, "**Task failed** (`%s`): %s\n\n", task.ID, res.Error)
	}
	if excerpt := truncate(strings.TrimSpace(res.Stdout), commentExcerptLimit); excerpt != "" {
		fmt.Fprintf(&b, "<details><summary>Output</summary>\n\n```\n%s\n```\n</details>\n", excerpt)
	}
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... [truncated]"
}

// Follow-up action payloads.
type createTaskAction struct {
	ProjectID   string `json:"project_id,omitempty"`
	IssueNumber int    `json:"issue_number,omitempty"`
	Prompt      string `json:"prompt"`
	Priority    int    `json:"priority,omitempty"`
}

type updateIssueAction struct {
	AddLabels    []string `json:"add_labels,omitempty"`
	RemoveLabels []string `json:"remove_labels,omitempty"`
	Comment      string   `json:"comment,omitempty"`
}

type notifyAction struct {
	Message string `json:"message"`
}

// dispatchFollowUps applies the actions the child declared. Unknown types are
// logged and ignored.
func (h *Handler) dispatchFollowUps(ctx context.Context, task *queue.Task, res *queue.Result) {
	for _, action := range res.FollowUpActions {
		switch action.Type {
		case "create-task":
			h.followUpCreateTask(task, action.Data)
		case "update-issue":
			h.followUpUpdateIssue(ctx, task, action.Data)
		case "notify":
			h.followUpNotify(task, action.Data)
		default:
			h.log.Warn("Ignoring unknown follow-up action",
				slog.String("task_id", task.ID),
				slog.String("type", action.Type),
			)
		}
	}
}

func (h *Handler) followUpCreateTask(task *queue.Task, data json.RawMessage) {
	var a createTaskAction
	if err := json.Unmarshal(data, &a); err != nil || a.Prompt == "" {
		h.log.Warn("Bad create-task follow-up", slog.String("task_id", task.ID), slog.Any("error", err))
		return
	}
	projectID := a.ProjectID
	if projectID == "" {
		projectID = task.ProjectID
	}
	issue := a.IssueNumber
	if issue == 0 {
		issue = task.IssueNumber
	}
	priority := a.Priority
	if priority == 0 {
		priority = task.BasePriority
	}

	follow := queue.NewTask(projectID, issue, queue.KindCustom, priority)
	follow.Payload = &queue.CustomPayload{Prompt: a.Prompt}
	if err := h.queue.Enqueue(follow); err != nil {
		h.log.Warn("Failed to enqueue follow-up task",
			slog.String("task_id", task.ID),
			slog.Any("error", err),
		)
		return
	}
	h.log.Info("Follow-up task created",
		slog.String("task_id", task.ID),
		slog.String("follow_up_id", follow.ID),
	)
}

func (h *Handler) followUpUpdateIssue(ctx context.Context, task *queue.Task, data json.RawMessage) {
	var a updateIssueAction
	if err := json.Unmarshal(data, &a); err != nil {
		h.log.Warn("Bad update-issue follow-up", slog.String("task_id", task.ID), slog.Any("error", err))
		return
	}
	if h.client == nil {
		return
	}
	up, ok := h.upstream(task.ProjectID)
	if !ok {
		return
	}

	if len(a.AddLabels) > 0 {
		if err := h.client.AddLabels(ctx, up.Owner, up.Repo, task.IssueNumber, a.AddLabels); err != nil {
			h.log.Warn("Follow-up label add failed", slog.Any("error", err))
		}
	}
	for _, label := range a.RemoveLabels {
		if err := h.client.RemoveLabel(ctx, up.Owner, up.Repo, task.IssueNumber, label); err != nil {
			h.log.Debug("Follow-up label remove failed", slog.Any("error", err))
		}
	}
	if a.Comment != "" {
		if _, err := h.client.CreateComment(ctx, up.Owner, up.Repo, task.IssueNumber, a.Comment); err != nil {
			h.log.Warn("Follow-up comment failed", slog.Any("error", err))
		}
	}
}

func (h *Handler) followUpNotify(task *queue.Task, data json.RawMessage) {
	var a notifyAction
	if err := json.Unmarshal(data, &a); err != nil || a.Message == "" {
		h.log.Warn("Bad notify follow-up", slog.String("task_id", task.ID), slog.Any("error", err))
		return
	}
	h.log.Info("Notification",
		slog.String("task_id", task.ID),
		slog.String("message", a.Message),
	)
	if h.bus != nil {
		h.bus.Publish(events.Event{
			Type:      events.TypeNotification,
			ProjectID: task.ProjectID,
			TaskID:    task.ID,
			Data:      map[string]any{"message": a.Message},
		})
	}
}
