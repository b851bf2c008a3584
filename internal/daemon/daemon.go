// Package daemon assembles the pipeline and supervises its lifecycle:
// discovery, queueing, execution, result handling, persistence, and the
// admin gateway.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alekspetrov/overseer/internal/config"
	"github.com/alekspetrov/overseer/internal/events"
	"github.com/alekspetrov/overseer/internal/gateway"
	"github.com/alekspetrov/overseer/internal/github"
	"github.com/alekspetrov/overseer/internal/history"
	"github.com/alekspetrov/overseer/internal/lock"
	"github.com/alekspetrov/overseer/internal/logging"
	"github.com/alekspetrov/overseer/internal/queue"
	"github.com/alekspetrov/overseer/internal/ratelimit"
	"github.com/alekspetrov/overseer/internal/results"
	"github.com/alekspetrov/overseer/internal/scheduler"
	"github.com/alekspetrov/overseer/internal/state"
	"github.com/alekspetrov/overseer/internal/worker"
)

// ErrAlreadyRunning means another live daemon holds the process lock for the
// configured state directory.
var ErrAlreadyRunning = errors.New("daemon: another instance is already running")

const (
	// persistDebounce coalesces queue change signals before snapshotting.
	persistDebounce = 500 * time.Millisecond
	// adoptPollInterval is how often an adopted orphan child is re-checked.
	adoptPollInterval = 5 * time.Second
	// drainPollInterval is how often in-flight tasks are re-counted while
	// draining.
	drainPollInterval = 200 * time.Millisecond

	// quotaRefreshTimeout bounds the explicit /rate_limit call.
	quotaRefreshTimeout = 15 * time.Second

	// processedRetention bounds the processed-issue dedup set.
	processedRetention = 30 * 24 * time.Hour
	// historyRetention bounds the execution history database.
	historyRetention = 90 * 24 * time.Hour
)

// Daemon owns every subsystem. Create with New, drive with Run.
type Daemon struct {
	cfg     *config.Config
	version string
	log     *slog.Logger

	store   *state.Store
	locks   *lock.Manager
	limiter *ratelimit.Limiter
	bus     *events.Bus
	queue   *queue.Queue
	client  *github.Client
	results *results.Handler
	hist    *history.Store
	pool    *worker.Pool
	sched   *scheduler.Scheduler
	gateway *gateway.Server
	cron    *cron.Cron

	mu       sync.Mutex
	projects map[string]*config.ProjectConfig
	dynamic  map[string]bool // admin-registered, persisted across restarts
	workCtx  context.Context
}

// New wires the daemon from configuration and claims the single-instance
// process lock. It does not start any loops; call Run.
func New(cfg *config.Config, version string) (*Daemon, error) {
	store, err := state.NewStore(cfg.Daemon.StateDir)
	if err != nil {
		return nil, fmt.Errorf("daemon: state directory: %w", err)
	}

	ok, err := store.AcquireProcessLock()
	if err != nil {
		return nil, fmt.Errorf("daemon: process lock: %w", err)
	}
	if !ok {
		holder, _ := store.CheckProcessLock()
		if holder != nil {
			return nil, fmt.Errorf("%w (pid %d since %s)",
				ErrAlreadyRunning, holder.PID, holder.StartedAt.Format(time.RFC3339))
		}
		return nil, ErrAlreadyRunning
	}

	bus := events.NewBus()
	limiter := ratelimit.New(cfg.RateLimit)
	locks := lock.NewManager(store.LocksDir(), 0)

	q := queue.New(queue.Config{
		Algorithm:    queue.Algorithm(cfg.Scheduling.Algorithm),
		MaxDepth:     cfg.Scheduling.MaxQueueDepth,
		MaxRetries:   cfg.RateLimit.MaxRetries,
		QuotaEnabled: cfg.Scheduling.ResourceQuotaEnabled,
	})

	var ghOpts []github.Option
	if cfg.GitHub.BaseURL != "" {
		ghOpts = append(ghOpts, github.WithBaseURL(cfg.GitHub.BaseURL))
	}
	client := github.NewClient(cfg.GitHub.Token, ghOpts...)

	handler := results.NewHandler(client, store, q, bus)

	hist, err := history.Open(filepath.Join(store.Dir(), "history.db"))
	if err != nil {
		_ = store.ReleaseProcessLock()
		return nil, fmt.Errorf("daemon: history store: %w", err)
	}
	handler.SetRecorder(hist)

	pool := worker.NewPool(worker.Config{
		Slots:          cfg.Daemon.MaxConcurrent,
		Command:        cfg.Executor.Command,
		ExtraArgs:      cfg.Executor.ExtraArgs,
		MaxOutputBytes: cfg.Executor.MaxOutputBytes,
		PollInterval:   time.Duration(cfg.Scheduling.PollIntervalMS) * time.Millisecond,
		DefaultTimeout: time.Duration(cfg.Defaults.TaskTimeoutMS) * time.Millisecond,
	}, q, store, locks, limiter, handler, bus)

	d := &Daemon{
		cfg:      cfg,
		version:  version,
		log:      logging.WithComponent("daemon"),
		store:    store,
		locks:    locks,
		limiter:  limiter,
		bus:      bus,
		queue:    q,
		client:   client,
		results:  handler,
		hist:     hist,
		pool:     pool,
		sched:    scheduler.New(client, q, store, limiter, bus),
		projects: make(map[string]*config.ProjectConfig),
		dynamic:  make(map[string]bool),
	}
	d.gateway = gateway.NewServer(
		gateway.Config{Host: cfg.Daemon.Host, Port: cfg.Daemon.Port},
		gateway.Deps{
			Queue:    q,
			Projects: d,
			Bus:      bus,
			Limiter:  limiter,
			Results:  handler,
			History:  hist,
			State:    store,
			Version:  version,
		},
	)
	return d, nil
}

// Run starts every loop and blocks until ctx is cancelled, then drains and
// persists state. The returned error is nil on a clean shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	// Work runs on its own context so cancellation of ctx starts a drain
	// instead of immediately killing in-flight children.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	d.mu.Lock()
	d.workCtx = workCtx
	d.mu.Unlock()

	d.log.Info("Daemon starting",
		slog.Int("pid", os.Getpid()),
		slog.String("version", d.version),
		slog.String("state_dir", d.store.Dir()),
		slog.Int("slots", d.cfg.Daemon.MaxConcurrent),
	)

	if n, err := d.locks.SweepStale(); err != nil {
		d.log.Warn("Stale lock sweep failed", slog.Any("error", err))
	} else if n > 0 {
		d.log.Info("Swept stale issue locks", slog.Int("count", n))
	}

	d.registerProjects(workCtx)
	d.restoreQueue()
	d.recoverRunning(workCtx)

	d.pool.Start(workCtx)
	go d.queue.Run(workCtx,
		time.Duration(d.cfg.Scheduling.PollIntervalMS)*time.Millisecond,
		d.cfg.Scheduling.DynamicPriorityEnabled)
	go d.persistLoop(workCtx)
	d.startMaintenance()
	go d.refreshQuota()

	gwErr := make(chan error, 1)
	go func() { gwErr <- d.gateway.Start(workCtx) }()

	d.bus.Publish(events.Event{Type: events.TypeDaemonStarted, Data: map[string]any{
		"version": d.version,
		"pid":     os.Getpid(),
	}})
	d.log.Info("Daemon started",
		slog.String("gateway", fmt.Sprintf("%s:%d", d.cfg.Daemon.Host, d.cfg.Daemon.Port)))

	select {
	case err := <-gwErr:
		if err != nil {
			cancelWork()
			d.teardown()
			return fmt.Errorf("daemon: gateway: %w", err)
		}
		<-ctx.Done()
	case <-ctx.Done():
	}

	d.drain(cancelWork)
	d.teardown()
	return nil
}

// drain stops discovery and dispatch, waits for in-flight tasks up to the
// shutdown grace, then cancels the work context (terminating stragglers).
func (d *Daemon) drain(cancelWork context.CancelFunc) {
	grace := time.Duration(d.cfg.Daemon.ShutdownGraceMS) * time.Millisecond
	d.log.Info("Daemon draining", slog.Duration("grace", grace))
	d.bus.Publish(events.Event{Type: events.TypeDaemonDraining})

	d.sched.Stop()
	d.pool.SetDraining()

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if len(d.queue.RunningTasks()) == 0 {
			break
		}
		time.Sleep(drainPollInterval)
	}
	if n := len(d.queue.RunningTasks()); n > 0 {
		d.log.Warn("Shutdown grace expired, terminating in-flight tasks",
			slog.Int("count", n))
	}

	cancelWork()
	d.pool.Wait()
}

// teardown persists final state and releases everything the process holds.
func (d *Daemon) teardown() {
	if d.cron != nil {
		d.cron.Stop()
	}
	d.persist()
	d.persistProjects()

	if err := d.locks.ReleaseAllHeldBy(os.Getpid()); err != nil {
		d.log.Warn("Releasing issue locks failed", slog.Any("error", err))
	}
	if err := d.hist.Close(); err != nil {
		d.log.Warn("Closing history store failed", slog.Any("error", err))
	}
	if err := d.store.ReleaseProcessLock(); err != nil {
		d.log.Warn("Releasing process lock failed", slog.Any("error", err))
	}
	d.bus.Close()
	d.log.Info("Daemon stopped")
}

// registerProjects wires every enabled configured project, then any
// admin-registered projects persisted by a previous run.
func (d *Daemon) registerProjects(ctx context.Context) {
	for _, p := range d.cfg.Projects {
		if err := d.register(ctx, p, false); err != nil {
			d.log.Error("Skipping misconfigured project",
				slog.String("project", p.ID), slog.Any("error", err))
		}
	}

	saved, err := d.store.LoadProjects()
	if err != nil {
		d.log.Warn("Loading persisted projects failed", slog.Any("error", err))
		return
	}
	for _, p := range saved {
		d.mu.Lock()
		_, exists := d.projects[p.ID]
		d.mu.Unlock()
		if exists {
			continue
		}
		if err := d.register(ctx, p, true); err != nil {
			d.log.Error("Skipping persisted project",
				slog.String("project", p.ID), slog.Any("error", err))
		}
	}
}

// register wires one project across the queue, pool, result handler, and
// scheduler.
func (d *Daemon) register(ctx context.Context, p *config.ProjectConfig, dynamic bool) error {
	if p.ID == "" || p.Owner == "" || p.Repo == "" {
		return errors.New("project requires id, owner, and repo")
	}

	spec := queue.ProjectSpec{
		ID:           p.ID,
		BasePriority: p.BasePriority,
		ShareWeight:  p.ShareWeight,
	}
	if spec.BasePriority <= 0 {
		spec.BasePriority = 50
	}
	if spec.ShareWeight <= 0 {
		spec.ShareWeight = 1
	}
	if p.Scheduling != nil {
		spec.MinThroughput = p.Scheduling.MinThroughput
		spec.MaxLatency = time.Duration(p.Scheduling.MaxLatencyMS) * time.Millisecond
	}
	if p.ResourceQuota != nil {
		quota, err := queue.ParseQuota(
			p.ResourceQuota.MaxConcurrent, p.ResourceQuota.CPU, p.ResourceQuota.Memory)
		if err != nil {
			return fmt.Errorf("resource quota: %w", err)
		}
		spec.Quota = &quota
	}

	d.queue.RegisterProject(spec)
	d.pool.SetProject(p.ID, worker.ProjectContext{
		Dir:     p.Path,
		Timeout: p.TaskTimeout(d.cfg.Defaults),
	})
	d.results.SetProject(p.ID, results.Upstream{Owner: p.Owner, Repo: p.Repo})
	d.sched.Register(ctx, p)

	d.mu.Lock()
	d.projects[p.ID] = p
	if dynamic {
		d.dynamic[p.ID] = true
	}
	d.mu.Unlock()

	d.bus.Publish(events.Event{Type: events.TypeProjectRegistered, ProjectID: p.ID})
	d.log.Info("Project registered",
		slog.String("project", p.ID),
		slog.String("repo", p.Owner+"/"+p.Repo),
		slog.Bool("dynamic", dynamic),
	)
	return nil
}

// Projects returns the registered projects sorted by ID. Part of the gateway
// admin surface.
func (d *Daemon) Projects() []*config.ProjectConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*config.ProjectConfig, 0, len(d.projects))
	for _, p := range d.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddProject registers a project at runtime and persists it so it survives a
// restart.
func (d *Daemon) AddProject(p *config.ProjectConfig) error {
	d.mu.Lock()
	if _, ok := d.projects[p.ID]; ok {
		d.mu.Unlock()
		return fmt.Errorf("project %s already registered", p.ID)
	}
	ctx := d.workCtx
	d.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := d.register(ctx, p, true); err != nil {
		return err
	}
	d.persistProjects()
	return nil
}

// RemoveProject unregisters a project. Its in-flight tasks run to completion;
// queued tasks are dropped with the queue registration.
func (d *Daemon) RemoveProject(projectID string) error {
	d.mu.Lock()
	if _, ok := d.projects[projectID]; !ok {
		d.mu.Unlock()
		return fmt.Errorf("project %s not found", projectID)
	}
	delete(d.projects, projectID)
	delete(d.dynamic, projectID)
	d.mu.Unlock()

	d.sched.Unregister(projectID)
	d.queue.RemoveProject(projectID)
	d.pool.RemoveProject(projectID)
	d.results.RemoveProject(projectID)

	d.bus.Publish(events.Event{Type: events.TypeProjectUnregistered, ProjectID: projectID})
	d.log.Info("Project unregistered", slog.String("project", projectID))
	d.persistProjects()
	return nil
}

func (d *Daemon) persistProjects() {
	d.mu.Lock()
	dynamic := make([]*config.ProjectConfig, 0, len(d.dynamic))
	for id := range d.dynamic {
		if p, ok := d.projects[id]; ok {
			dynamic = append(dynamic, p)
		}
	}
	d.mu.Unlock()

	sort.Slice(dynamic, func(i, j int) bool { return dynamic[i].ID < dynamic[j].ID })
	if err := d.store.SaveProjects(dynamic); err != nil {
		d.log.Warn("Persisting project registry failed", slog.Any("error", err))
	}
}

// restoreQueue reloads the fairness snapshot and the pending tasks persisted
// by the previous run. Restore is called after project registration so tasks
// for still-configured projects survive.
func (d *Daemon) restoreQueue() {
	snap, err := d.store.LoadQueueSnapshot()
	if err != nil {
		d.log.Warn("Loading queue snapshot failed", slog.Any("error", err))
	} else {
		d.queue.RestoreState(snap)
	}

	tasks, err := d.store.LoadPendingTasks()
	if err != nil {
		d.log.Warn("Loading pending tasks failed", slog.Any("error", err))
		return
	}
	if len(tasks) == 0 {
		return
	}
	skipped := d.queue.Restore(tasks)
	d.log.Info("Pending tasks restored",
		slog.Int("restored", len(tasks)-len(skipped)),
		slog.Int("skipped", len(skipped)),
	)
}

// recoverRunning resolves tasks that were in flight when the previous daemon
// died: finished children are retired from their result files, live children
// are adopted, and the rest are released for re-discovery.
func (d *Daemon) recoverRunning(ctx context.Context) {
	records, err := d.store.LoadRunningTasks()
	if err != nil {
		d.log.Warn("Loading running-task records failed", slog.Any("error", err))
		return
	}

	for id, rec := range records {
		res, err := worker.ReadResultFile(rec.ScratchDir, id)
		if err != nil {
			d.log.Warn("Unreadable result file",
				slog.String("task", id), slog.Any("error", err))
		}
		switch {
		case res != nil:
			d.log.Info("Retiring task finished during downtime", slog.String("task", id))
			d.finishRecovered(ctx, rec, res)
		case state.PIDAlive(rec.PID):
			d.log.Info("Adopting orphaned child",
				slog.String("task", id), slog.Int("pid", rec.PID))
			go d.adoptOrphan(ctx, rec)
		default:
			// Never marked processed, so the next poll re-discovers the issue.
			d.log.Warn("Task interrupted by restart, releasing for re-discovery",
				slog.String("task", id),
				slog.String("project", rec.ProjectID),
				slog.Int("issue", rec.IssueNumber),
			)
			d.discardRecovered(rec)
		}
	}
}

// finishRecovered retires a recovered task through the normal result pipeline.
func (d *Daemon) finishRecovered(ctx context.Context, rec state.RunningTaskRecord, res *queue.Result) {
	task := queue.NewTask(rec.ProjectID, rec.IssueNumber, queue.KindIssue, 50)
	task.ID = rec.TaskID
	task.StartedAt = rec.StartedAt
	task.CompletedAt = res.CompletedAt
	if task.CompletedAt.IsZero() {
		task.CompletedAt = time.Now()
	}
	task.Status = queue.StatusFailed
	if res.Success {
		task.Status = queue.StatusCompleted
	}
	task.Result = res
	task.Error = res.Error

	if err := d.results.HandleResult(ctx, task); err != nil {
		d.log.Warn("Retiring recovered task failed",
			slog.String("task", rec.TaskID), slog.Any("error", err))
	}
	d.discardRecovered(rec)
}

func (d *Daemon) discardRecovered(rec state.RunningTaskRecord) {
	worker.RemoveTaskFiles(rec.ScratchDir, rec.TaskID)
	if err := d.store.RemoveRunningTask(rec.TaskID); err != nil {
		d.log.Warn("Removing running-task record failed",
			slog.String("task", rec.TaskID), slog.Any("error", err))
	}
}

// adoptOrphan watches a still-running child from a previous daemon instance
// until it exits, then retires it from its result file.
func (d *Daemon) adoptOrphan(ctx context.Context, rec state.RunningTaskRecord) {
	ticker := time.NewTicker(adoptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, _ := worker.ReadResultFile(rec.ScratchDir, rec.TaskID)
			if res != nil {
				d.finishRecovered(ctx, rec, res)
				return
			}
			if !state.PIDAlive(rec.PID) {
				// One more read: the result may land just before exit.
				if res, _ := worker.ReadResultFile(rec.ScratchDir, rec.TaskID); res != nil {
					d.finishRecovered(ctx, rec, res)
					return
				}
				d.log.Warn("Adopted child exited without a result, releasing for re-discovery",
					slog.String("task", rec.TaskID), slog.Int("pid", rec.PID))
				d.discardRecovered(rec)
				return
			}
		}
	}
}

// persistLoop snapshots the queue after each burst of mutations.
func (d *Daemon) persistLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.queue.Changes():
		}

		// Coalesce the burst before writing.
		select {
		case <-ctx.Done():
			return
		case <-time.After(persistDebounce):
		}
		select {
		case <-d.queue.Changes():
		default:
		}

		d.persist()
	}
}

func (d *Daemon) persist() {
	if err := d.store.SavePendingTasks(d.queue.PendingTasks()); err != nil {
		d.log.Warn("Persisting pending tasks failed", slog.Any("error", err))
	}
	if err := d.store.SaveQueueSnapshot(d.queue.Snapshot()); err != nil {
		d.log.Warn("Persisting queue snapshot failed", slog.Any("error", err))
	}
}

// refreshQuota re-reads the GitHub quota explicitly so the limiter never acts
// on a stale snapshot between polls.
func (d *Daemon) refreshQuota() {
	ctx, cancel := context.WithTimeout(context.Background(), quotaRefreshTimeout)
	defer cancel()

	rl, err := d.client.RefreshRateLimit(ctx)
	if err != nil {
		d.log.Warn("Rate limit refresh failed", slog.Any("error", err))
		return
	}
	d.limiter.UpdateGitHub(rl)
	d.log.Debug("Rate limit refreshed",
		slog.Int("remaining", rl.Remaining),
		slog.Time("reset", rl.Reset),
	)
}

// startMaintenance schedules the background housekeeping jobs.
func (d *Daemon) startMaintenance() {
	d.cron = cron.New()

	_, _ = d.cron.AddFunc("@every 1m", d.refreshQuota)

	_, _ = d.cron.AddFunc("@hourly", func() {
		if n, err := d.locks.SweepStale(); err != nil {
			d.log.Warn("Stale lock sweep failed", slog.Any("error", err))
		} else if n > 0 {
			d.log.Info("Swept stale issue locks", slog.Int("count", n))
		}
	})

	_, _ = d.cron.AddFunc("@daily", func() {
		if n, err := d.store.PruneProcessed(processedRetention); err != nil {
			d.log.Warn("Pruning processed issues failed", slog.Any("error", err))
		} else if n > 0 {
			d.log.Info("Pruned processed issues", slog.Int("count", n))
		}
		if n, err := d.hist.Prune(time.Now().Add(-historyRetention)); err != nil {
			d.log.Warn("Pruning execution history failed", slog.Any("error", err))
		} else if n > 0 {
			d.log.Info("Pruned execution history", slog.Int64("rows", n))
		}
		d.logDailySummary()
	})

	d.cron.Start()
}

func (d *Daemon) logDailySummary() {
	sums, err := d.hist.Summaries(time.Now().Add(-24 * time.Hour))
	if err != nil {
		d.log.Warn("Daily summary query failed", slog.Any("error", err))
		return
	}
	for _, s := range sums {
		d.log.Info("Daily project summary",
			slog.String("project", s.ProjectID),
			slog.Int("total", s.Total),
			slog.Int("succeeded", s.Succeeded),
			slog.Int("failed", s.Failed),
			slog.Float64("avg_wait_ms", s.AvgWaitMs),
			slog.Float64("avg_duration_ms", s.AvgDurationMs),
		)
	}
}
