// Package state provides the durable, atomic persistence layer: process lock,
// running-task registry, pending-task queue, and the processed-issue set. All
// writes go through write-to-temp + fsync + rename so a crash mid-write leaves
// either the old or the new file intact.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/alekspetrov/overseer/internal/logging"
)

// File names inside the state directory.
const (
	processLockFile    = "process.lock"
	runningTasksFile   = "running-tasks.json"
	pendingTasksFile   = "pending-tasks.json"
	processedIssueFile = "processed-issues.json"
	projectsFile       = "projects.json"
	queueSnapshotFile  = "queue.json"
)

// Store is the file-backed state store. One instance per daemon; in-process
// callers are serialized by the mutex, cross-process safety comes from the
// process lock.
type Store struct {
	dir string
	log *slog.Logger

	mu        sync.Mutex
	processed map[string]bool // write-through cache over processed-issues.json
}

// NewStore opens (creating if needed) the state directory and its fixed
// sub-layout.
func NewStore(dir string) (*Store, error) {
	for _, sub := range []string{
		"",
		"locks",
		filepath.Join("results", "success"),
		filepath.Join("results", "error"),
		filepath.Join("results", "archive"),
		"logs",
		"scratch",
	} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("state: failed to create %s: %w", filepath.Join(dir, sub), err)
		}
	}

	s := &Store{
		dir: dir,
		log: logging.WithComponent("state"),
	}
	if err := s.loadProcessedCache(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the state directory root.
func (s *Store) Dir() string { return s.dir }

// LocksDir returns the per-issue lock directory.
func (s *Store) LocksDir() string { return filepath.Join(s.dir, "locks") }

// ResultsDir returns the results directory for the given category
// ("success", "error", or "archive").
func (s *Store) ResultsDir(category string) string {
	return filepath.Join(s.dir, "results", category)
}

// ScratchDir returns the worker scratch directory holding the per-task
// pid/status/result files.
func (s *Store) ScratchDir() string { return filepath.Join(s.dir, "scratch") }

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

// AtomicWrite durably replaces path with data. The temp file lives in the
// destination directory so the rename stays on one filesystem.
func (s *Store) AtomicWrite(path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return atomicWrite(path, data)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("state: failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("state: failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("state: failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: failed to replace %s: %w", path, err)
	}
	return nil
}

// writeJSON marshals v (indented, UTF-8) and atomically writes it. Callers
// hold the mutex.
func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("state: failed to marshal %s: %w", name, err)
	}
	return atomicWrite(s.path(name), data)
}

// readJSON loads name into v. A missing file leaves v untouched and returns
// os.ErrNotExist. Callers hold the mutex.
func (s *Store) readJSON(name string, v any) error {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("state: failed to parse %s: %w", name, err)
	}
	return nil
}
