// Package scheduler runs one polling loop per project, discovering issues,
// actionable comments, and reviewable pull requests, and turning them into
// queue tasks.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alekspetrov/overseer/internal/config"
	"github.com/alekspetrov/overseer/internal/events"
	"github.com/alekspetrov/overseer/internal/github"
	"github.com/alekspetrov/overseer/internal/logging"
	"github.com/alekspetrov/overseer/internal/queue"
)

// Global polling bounds. Project intervals are clamped into this range.
const (
	MinPollInterval = 10 * time.Second
	MaxPollInterval = time.Hour

	// prStaleAfter excludes pull requests with no recent activity.
	prStaleAfter = 3 * 24 * time.Hour

	// errorBackoffMultiplier grows the poll delay after consecutive failures.
	errorBackoffMultiplier = 2.0
)

// Enqueuer is the slice of the queue the scheduler needs.
type Enqueuer interface {
	Enqueue(*queue.Task) error
	IsActive(queue.IssueRef) bool
}

// ProcessedChecker suppresses re-enqueue of already-handled issues.
type ProcessedChecker interface {
	IsIssueProcessed(queue.IssueRef) bool
}

// Budget gates discovery on the upstream API quota.
type Budget interface {
	Check(requiredCalls int) bool
	UpdateGitHub(github.RateLimit)
}

// Scheduler owns the per-project pollers.
type Scheduler struct {
	client    *github.Client
	queue     Enqueuer
	processed ProcessedChecker
	budget    Budget
	bus       *events.Bus
	log       *slog.Logger

	mu      sync.Mutex
	pollers map[string]*poller
}

// New creates a scheduler. bus may be nil.
func New(client *github.Client, q Enqueuer, processed ProcessedChecker, budget Budget, bus *events.Bus) *Scheduler {
	return &Scheduler{
		client:    client,
		queue:     q,
		processed: processed,
		budget:    budget,
		bus:       bus,
		log:       logging.WithComponent("scheduler"),
		pollers:   make(map[string]*poller),
	}
}

// Register starts (or restarts) the polling loop for a project. Disabled
// projects are ignored.
func (s *Scheduler) Register(ctx context.Context, cfg *config.ProjectConfig) {
	if !cfg.IsEnabled() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.pollers[cfg.ID]; ok {
		existing.cancel()
	}

	pollerCtx, cancel := context.WithCancel(ctx)
	p := &poller{
		cfg:       cfg,
		client:    s.client,
		queue:     s.queue,
		processed: s.processed,
		budget:    s.budget,
		bus:       s.bus,
		cancel:    cancel,
		interval:  cfg.PollingInterval(MinPollInterval, MaxPollInterval),
		log:       logging.WithComponent("scheduler").With(slog.String("project", cfg.ID)),
	}
	s.pollers[cfg.ID] = p
	go p.run(pollerCtx)
}

// Unregister cancels a project's polling loop immediately. In-flight tasks
// continue to completion.
func (s *Scheduler) Unregister(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pollers[projectID]; ok {
		p.cancel()
		delete(s.pollers, projectID)
	}
}

// Stop cancels every polling loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.pollers {
		p.cancel()
		delete(s.pollers, id)
	}
}

// ActiveProjects returns the IDs with a live polling loop, for the admin
// surface.
func (s *Scheduler) ActiveProjects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pollers))
	for id := range s.pollers {
		ids = append(ids, id)
	}
	return ids
}

// poller is one project's discovery loop.
type poller struct {
	cfg       *config.ProjectConfig
	client    *github.Client
	queue     Enqueuer
	processed ProcessedChecker
	budget    Budget
	bus       *events.Bus
	cancel    context.CancelFunc
	interval  time.Duration
	log       *slog.Logger

	errorCount int
	lastPoll   time.Time
}

func (p *poller) run(ctx context.Context) {
	p.log.Info("Polling started",
		slog.String("repo", p.cfg.Owner+"/"+p.cfg.Repo),
		slog.Duration("interval", p.interval),
	)

	// First poll immediately, then on the timer.
	delay := time.Duration(0)
	for {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.log.Info("Polling stopped")
			return
		case <-timer.C:
		}

		if err := p.poll(ctx); err != nil {
			p.errorCount++
			delay = p.errorBackoff()
			p.log.Warn("Poll failed",
				slog.Int("error_count", p.errorCount),
				slog.Duration("next_poll", delay),
				slog.Any("error", err),
			)
			continue
		}
		p.errorCount = 0
		delay = p.interval
	}
}

// errorBackoff computes the delay after consecutive poll failures:
// min(maxBackoff, interval * multiplier^errorCount).
func (p *poller) errorBackoff() time.Duration {
	backoff := time.Duration(float64(p.interval) * math.Pow(errorBackoffMultiplier, float64(p.errorCount)))
	if backoff > MaxPollInterval {
		backoff = MaxPollInterval
	}
	return backoff
}

// requiredCalls estimates the API requests one tick will spend.
func (p *poller) requiredCalls() int {
	calls := 1
	if p.cfg.ProcessComments {
		calls += 3
	}
	if p.cfg.ProcessPullRequests {
		calls += 3
	}
	return calls
}

func (p *poller) poll(ctx context.Context) error {
	if !p.budget.Check(p.requiredCalls()) {
		p.log.Debug("Skipping poll, rate limit budget insufficient")
		return nil
	}

	prevPoll := p.lastPoll
	p.lastPoll = time.Now()

	issues, err := p.client.ListOpenIssues(ctx, p.cfg.Owner, p.cfg.Repo, p.cfg.Labels)
	if err != nil {
		return err
	}
	p.budget.UpdateGitHub(p.client.RateLimitSnapshot())

	for _, issue := range issues {
		if github.HasAnyLabel(issue.Labels, p.cfg.ExcludeLabels) {
			continue
		}
		p.enqueueIssue(issue)

		if p.cfg.ProcessComments {
			p.pollComments(ctx, issue, prevPoll)
		}
	}

	if p.cfg.ProcessPullRequests {
		if err := p.pollPullRequests(ctx); err != nil {
			return err
		}
	}

	p.budget.UpdateGitHub(p.client.RateLimitSnapshot())
	return nil
}

func (p *poller) enqueueIssue(issue *github.Issue) {
	ref := queue.IssueRef{ProjectID: p.cfg.ID, IssueNumber: issue.Number}
	if p.processed.IsIssueProcessed(ref) || p.queue.IsActive(ref) {
		return
	}

	labels := github.LabelNames(issue.Labels)
	task := queue.NewTask(p.cfg.ID, issue.Number, KindForLabels(labels), BasePriority(labels, issue.CreatedAt))
	if deadline, ok := ExtractDeadline(issue.Body); ok {
		task.Deadline = deadline
	}
	task.Payload = &queue.IssuePayload{
		Title:     issue.Title,
		Body:      issue.Body,
		Labels:    labels,
		Author:    issue.User.Login,
		URL:       issue.HTMLURL,
		CreatedAt: issue.CreatedAt,
	}

	p.submit(task, slog.String("title", issue.Title))
}

// pollComments enqueues actionable comments newer than two polling intervals.
func (p *poller) pollComments(ctx context.Context, issue *github.Issue, prevPoll time.Time) {
	since := time.Now().Add(-2 * p.interval)
	if !prevPoll.IsZero() && prevPoll.Before(since) {
		since = prevPoll
	}

	comments, err := p.client.ListIssueCommentsSince(ctx, p.cfg.Owner, p.cfg.Repo, issue.Number, since)
	if err != nil {
		p.log.Warn("Failed to fetch comments",
			slog.Int("issue", issue.Number),
			slog.Any("error", err),
		)
		return
	}

	for _, comment := range comments {
		if !IsActionableComment(comment.Body, "") {
			continue
		}
		ref := queue.IssueRef{ProjectID: p.cfg.ID, IssueNumber: issue.Number}
		if p.queue.IsActive(ref) {
			continue
		}

		task := queue.NewTask(p.cfg.ID, issue.Number, queue.KindComment, p.cfg.BasePriority)
		task.Payload = &queue.CommentPayload{
			IssueTitle: issue.Title,
			Body:       comment.Body,
			Author:     comment.User.Login,
			CommentID:  comment.ID,
			CreatedAt:  comment.CreatedAt,
		}
		p.submit(task, slog.Int64("comment_id", comment.ID))
		break // one comment task per issue per tick
	}
}

// pollPullRequests enqueues review tasks for open, non-draft PRs with recent
// activity.
func (p *poller) pollPullRequests(ctx context.Context) error {
	prs, err := p.client.ListOpenPullRequests(ctx, p.cfg.Owner, p.cfg.Repo)
	if err != nil {
		return err
	}

	for _, pr := range prs {
		if pr.Draft || time.Since(pr.UpdatedAt) > prStaleAfter {
			continue
		}
		if github.HasAnyLabel(pr.Labels, p.cfg.ExcludeLabels) {
			continue
		}
		ref := queue.IssueRef{ProjectID: p.cfg.ID, IssueNumber: pr.Number}
		if p.processed.IsIssueProcessed(ref) || p.queue.IsActive(ref) {
			continue
		}

		payload := &queue.PRPayload{
			Title:   pr.Title,
			Body:    pr.Body,
			Author:  pr.User.Login,
			URL:     pr.HTMLURL,
			HeadRef: pr.Head.Ref,
			HeadSHA: pr.Head.SHA,
			BaseRef: pr.Base.Ref,
		}
		if files, err := p.client.ListPullRequestFiles(ctx, p.cfg.Owner, p.cfg.Repo, pr.Number); err == nil {
			for _, f := range files {
				payload.Files = append(payload.Files, f.Filename)
			}
		}
		if commits, err := p.client.ListPullRequestCommits(ctx, p.cfg.Owner, p.cfg.Repo, pr.Number); err == nil {
			for _, c := range commits {
				payload.CommitMsgs = append(payload.CommitMsgs, c.Commit.Message)
			}
		}

		labels := github.LabelNames(pr.Labels)
		task := queue.NewTask(p.cfg.ID, pr.Number, queue.KindPRReview, BasePriority(labels, pr.CreatedAt))
		task.Payload = payload
		p.submit(task, slog.String("title", pr.Title))
	}
	return nil
}

// submit enqueues the task, treating duplicates as routine.
func (p *poller) submit(task *queue.Task, attrs ...any) {
	err := p.queue.Enqueue(task)
	switch {
	case err == nil:
		args := append([]any{
			slog.String("task_id", task.ID),
			slog.String("kind", string(task.Kind)),
		}, attrs...)
		p.log.Info("Task discovered", args...)
		if p.bus != nil {
			p.bus.Publish(events.Event{
				Type:      events.TypeTaskEnqueued,
				ProjectID: task.ProjectID,
				TaskID:    task.ID,
				Data:      map[string]any{"kind": task.Kind, "issue": task.IssueNumber},
			})
		}
	case errors.Is(err, queue.ErrDuplicate):
		p.log.Debug("Skipping duplicate", slog.String("task_id", task.ID))
	default:
		p.log.Warn("Enqueue failed",
			slog.String("task_id", task.ID),
			slog.Any("error", err),
		)
	}
}
