package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alekspetrov/overseer/internal/queue"
)

// RunningTaskRecord is the persisted view of an in-flight task, enough for the
// startup recovery sweep to adopt or retire it.
type RunningTaskRecord struct {
	TaskID      string    `json:"task_id"`
	ProjectID   string    `json:"project_id"`
	IssueNumber int       `json:"issue_number"`
	WorkerID    string    `json:"worker_id"`
	PID         int       `json:"pid,omitempty"` // child process, 0 before spawn
	StartedAt   time.Time `json:"started_at"`
	ScratchDir  string    `json:"scratch_dir,omitempty"`
}

// LoadRunningTasks returns the persisted running-task registry.
func (s *Store) LoadRunningTasks() (map[string]RunningTaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make(map[string]RunningTaskRecord)
	if err := s.readJSON(runningTasksFile, &records); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return records, nil
}

// SaveRunningTasks replaces the running-task registry.
func (s *Store) SaveRunningTasks(records map[string]RunningTaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(runningTasksFile, records)
}

// AddRunningTask records one dispatched task.
func (s *Store) AddRunningTask(rec RunningTaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make(map[string]RunningTaskRecord)
	if err := s.readJSON(runningTasksFile, &records); err != nil && !os.IsNotExist(err) {
		return err
	}
	records[rec.TaskID] = rec
	return s.writeJSON(runningTasksFile, records)
}

// RemoveRunningTask drops one retired task from the registry.
func (s *Store) RemoveRunningTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make(map[string]RunningTaskRecord)
	if err := s.readJSON(runningTasksFile, &records); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	delete(records, taskID)
	return s.writeJSON(runningTasksFile, records)
}

// SavePendingTasks persists the queued tasks in dispatch order. Each record
// occupies one line so a partially damaged file can be salvaged record by
// record.
func (s *Store) SavePendingTasks(tasks []*queue.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	b.WriteString("[\n")
	for i, t := range tasks {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("state: failed to marshal pending task %s: %w", t.ID, err)
		}
		b.WriteString("  ")
		b.Write(data)
		if i < len(tasks)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString("]\n")
	return atomicWrite(s.path(pendingTasksFile), []byte(b.String()))
}

// LoadPendingTasks restores the queued tasks. Unparseable records are skipped
// with a warning; the file is never discarded wholesale.
func (s *Store) LoadPendingTasks() ([]*queue.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(pendingTasksFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		// The array structure itself is damaged. Salvage whatever objects
		// still parse, one per line.
		s.log.Warn("Pending-task file is corrupt, salvaging records", slog.Any("error", err))
		return salvageTasks(data), nil
	}

	tasks := make([]*queue.Task, 0, len(raw))
	for i, r := range raw {
		var t queue.Task
		if err := json.Unmarshal(r, &t); err != nil || t.ID == "" {
			s.log.Warn("Skipping unparseable pending task",
				slog.Int("index", i),
				slog.Any("error", err),
			)
			continue
		}
		tasks = append(tasks, &t)
	}
	return tasks, nil
}

// salvageTasks scans a damaged pending-task file line by line and keeps every
// line that still decodes to a task.
func salvageTasks(data []byte) []*queue.Task {
	var tasks []*queue.Task
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.Trim(strings.TrimSpace(line), ",")
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var t queue.Task
		if err := json.Unmarshal([]byte(line), &t); err == nil && t.ID != "" {
			tasks = append(tasks, &t)
		}
	}
	return tasks
}

// SaveQueueSnapshot persists the scheduler's state snapshot (fair-share
// tokens, dynamic priorities, virtual clock).
func (s *Store) SaveQueueSnapshot(snap queue.StateSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(queueSnapshotFile, snap)
}

// LoadQueueSnapshot returns the persisted scheduler snapshot, or a zero value
// when none exists.
func (s *Store) LoadQueueSnapshot() (queue.StateSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap queue.StateSnapshot
	if err := s.readJSON(queueSnapshotFile, &snap); err != nil && !os.IsNotExist(err) {
		return snap, err
	}
	return snap, nil
}
