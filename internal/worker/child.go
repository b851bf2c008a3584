package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alekspetrov/overseer/internal/queue"
	"github.com/alekspetrov/overseer/internal/ratelimit"
	"github.com/alekspetrov/overseer/internal/state"
)

const stallCheckInterval = 30 * time.Second

// cappedBuffer collects output up to a byte limit, then drops the rest.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       strings.Builder
	max       int64
	truncated bool
}

func (b *cappedBuffer) appendLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int64(b.buf.Len()) >= b.max {
		b.truncated = true
		return
	}
	b.buf.WriteString(line)
	b.buf.WriteString("\n")
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// lineWriter splits a child stream into lines. Attaching it as cmd.Stdout
// keeps the copy inside cmd.Wait, so WaitDelay can abandon a pipe held open
// by an orphaned grandchild.
type lineWriter struct {
	mu  sync.Mutex
	buf []byte
	fn  func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			return len(p), nil
		}
		w.fn(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
}

// flush emits a trailing line with no newline. Call after Wait.
func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.fn(string(w.buf))
		w.buf = nil
	}
}

// childEnvelope is the structured verdict the AI tool may print as its final
// JSON output. All fields are optional; a child that prints plain text still
// succeeds on exit code alone.
type childEnvelope struct {
	Success         *bool                  `json:"success"`
	Error           string                 `json:"error,omitempty"`
	Approved        bool                   `json:"approved,omitempty"`
	MustFix         []string               `json:"must_fix,omitempty"`
	FollowUpActions []queue.FollowUpAction `json:"follow_up_actions,omitempty"`
}

// runChild spawns the AI tool for one task and blocks until it exits, is
// killed on timeout, or stalls past recovery. It always returns a result
// envelope and leaves a matching .result file in the scratch directory.
func (w *worker) runChild(ctx context.Context, task *queue.Task, rec state.RunningTaskRecord) *queue.Result {
	cfg := w.pool.cfg
	pc := w.pool.projectContext(task.ProjectID)

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = pc.Timeout
	}
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}

	// The deadline caps the run: a task must not keep executing past it.
	deadlineBound := false
	if !task.Deadline.IsZero() {
		if remain := time.Until(task.Deadline); remain < timeout {
			timeout = remain
			deadlineBound = true
		}
	}
	if deadlineBound && timeout <= 0 {
		res := failResult(task.ID, "deadline expired before execution")
		res.DeadlineExpired = true
		w.writeResult(rec.ScratchDir, res)
		return res
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt := BuildPrompt(task)
	args := append([]string{"-p", prompt}, cfg.ExtraArgs...)
	cmd := exec.CommandContext(runCtx, cfg.Command, args...)
	if pc.Dir != "" {
		cmd.Dir = pc.Dir
	}
	cmd.Env = append(os.Environ(), pc.Env...)
	// SIGTERM first, SIGKILL after the grace period.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = cfg.ShutdownGrace

	stdout := &cappedBuffer{max: cfg.MaxOutputBytes}
	stderr := &cappedBuffer{max: cfg.MaxOutputBytes}

	var lastOutput atomic.Int64
	lastOutput.Store(time.Now().UnixNano())

	stdoutWriter := &lineWriter{fn: func(line string) {
		lastOutput.Store(time.Now().UnixNano())
		stdout.appendLine(line)
	}}
	stderrWriter := &lineWriter{fn: func(line string) {
		lastOutput.Store(time.Now().UnixNano())
		stderr.appendLine(line)
	}}
	cmd.Stdout = stdoutWriter
	cmd.Stderr = stderrWriter

	if err := cmd.Start(); err != nil {
		res := failResult(task.ID, fmt.Sprintf("failed to start %s: %v", cfg.Command, err))
		w.writeResult(rec.ScratchDir, res)
		return res
	}

	pid := cmd.Process.Pid
	if err := WritePIDFile(rec.ScratchDir, task.ID, pid); err != nil {
		w.log.Warn("Failed to write pid file", slog.String("task_id", task.ID), slog.Any("error", err))
	}
	rec.PID = pid
	if err := w.pool.store.AddRunningTask(rec); err != nil {
		w.log.Warn("Failed to record child pid", slog.String("task_id", task.ID), slog.Any("error", err))
	}
	if err := WriteStatusFile(rec.ScratchDir, task.ID, "running", ""); err != nil {
		w.log.Warn("Failed to write status file", slog.String("task_id", task.ID), slog.Any("error", err))
	}
	w.log.Debug("Child started",
		slog.String("task_id", task.ID),
		slog.Int("pid", pid),
		slog.Duration("timeout", timeout),
	)

	// Stall monitor. A child that goes quiet past the stall timeout is marked
	// stalled; output resuming recovers it. The context timeout is the hard
	// backstop that actually kills the process.
	var stalled atomic.Bool
	monitorDone := make(chan struct{})
	var monitor sync.WaitGroup
	monitor.Add(1)
	go func() {
		defer monitor.Done()
		checkEvery := stallCheckInterval
		if cfg.StallTimeout/4 < checkEvery {
			checkEvery = cfg.StallTimeout / 4
		}
		ticker := time.NewTicker(checkEvery)
		defer ticker.Stop()
		for {
			select {
			case <-monitorDone:
				return
			case <-ticker.C:
				quiet := time.Since(time.Unix(0, lastOutput.Load()))
				if quiet > cfg.StallTimeout && !stalled.Load() {
					stalled.Store(true)
					w.log.Warn("Task stalled",
						slog.String("task_id", task.ID),
						slog.Duration("quiet", quiet),
					)
					if err := w.pool.queue.MarkStalled(task.ID, "no output from child"); err != nil {
						w.log.Warn("Failed to mark task stalled", slog.Any("error", err))
					}
					WriteStatusFile(rec.ScratchDir, task.ID, "stalled", "no output from child")
				} else if quiet <= cfg.StallTimeout && stalled.Load() {
					stalled.Store(false)
					w.log.Info("Task recovered from stall", slog.String("task_id", task.ID))
					if err := w.pool.queue.MarkRunning(task.ID); err != nil {
						w.log.Warn("Failed to recover stalled task", slog.Any("error", err))
					}
					WriteStatusFile(rec.ScratchDir, task.ID, "running", "")
				}
			}
		}
	}()

	waitErr := cmd.Wait()
	close(monitorDone)
	monitor.Wait()
	stdoutWriter.flush()
	stderrWriter.flush()

	res := w.buildResult(task, runCtx, waitErr, timeout, stdout, stderr)
	if deadlineBound && runCtx.Err() == context.DeadlineExceeded {
		res.DeadlineExpired = true
		res.Success = false
		res.Error = "deadline expired during execution"
	}

	// A stalled task cannot retire directly into completed; recover it first.
	if stalled.Load() && res.Success {
		if err := w.pool.queue.MarkRunning(task.ID); err != nil {
			w.log.Warn("Failed to recover stalled task on exit", slog.Any("error", err))
		}
	}

	w.writeResult(rec.ScratchDir, res)
	return res
}

// buildResult turns the child's exit state and captured output into the
// outcome envelope.
func (w *worker) buildResult(task *queue.Task, runCtx context.Context, waitErr error,
	timeout time.Duration, stdout, stderr *cappedBuffer) *queue.Result {

	res := &queue.Result{
		TaskID:      task.ID,
		Success:     waitErr == nil,
		Stdout:      stdout.String(),
		Stderr:      stderr.String(),
		CompletedAt: time.Now(),
	}
	if stdout.Truncated() || stderr.Truncated() {
		w.log.Warn("Child output truncated", slog.String("task_id", task.ID))
	}

	switch {
	case waitErr == nil:
		res.ExitCode = 0
	case runCtx.Err() == context.DeadlineExceeded:
		res.ExitCode = -1
		res.Error = fmt.Sprintf("timed out after %s", timeout)
	default:
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			res.Error = fmt.Sprintf("exited with code %d", res.ExitCode)
		} else {
			res.ExitCode = -1
			res.Error = waitErr.Error()
		}
	}

	// The AI tool reports its own limit window on stderr.
	if ratelimit.IsRemoteLimitError(res.Stderr) {
		res.RateLimited = true
		if reset, ok := ratelimit.ParseRemoteReset(res.Stderr); ok {
			res.ResetTime = reset
		}
	}

	mergeEnvelope(res)
	return res
}

// mergeEnvelope overlays the child's structured verdict, when it printed one,
// onto the exit-code result.
func mergeEnvelope(res *queue.Result) {
	env, ok := parseEnvelope(res.Stdout)
	if !ok {
		return
	}
	if env.Success != nil {
		res.Success = *env.Success
		if !res.Success && res.Error == "" {
			res.Error = env.Error
			if res.Error == "" {
				res.Error = "child reported failure"
			}
		}
	}
	res.Approved = env.Approved
	res.MustFix = env.MustFix
	res.FollowUpActions = env.FollowUpActions
}

// parseEnvelope looks for a JSON verdict: the whole stdout, or its last
// object-shaped line.
func parseEnvelope(stdout string) (childEnvelope, bool) {
	var env childEnvelope
	trimmed := strings.TrimSpace(stdout)
	if strings.HasPrefix(trimmed, "{") && json.Unmarshal([]byte(trimmed), &env) == nil {
		return env, true
	}
	lines := strings.Split(trimmed, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		env = childEnvelope{}
		if json.Unmarshal([]byte(line), &env) == nil {
			return env, true
		}
		return childEnvelope{}, false
	}
	return childEnvelope{}, false
}

func (w *worker) writeResult(scratchDir string, res *queue.Result) {
	if err := WriteResultFile(scratchDir, res.TaskID, res); err != nil {
		w.log.Error("Failed to write result file",
			slog.String("task_id", res.TaskID),
			slog.Any("error", err),
		)
	}
}

func failResult(taskID, msg string) *queue.Result {
	return &queue.Result{
		TaskID:      taskID,
		Success:     false,
		ExitCode:    -1,
		Error:       msg,
		CompletedAt: time.Now(),
	}
}
