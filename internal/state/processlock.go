package state

import (
	"encoding/json"
	"log/slog"
	"os"
	"syscall"
	"time"
)

// ProcessLock is the single-instance marker. Acquisition succeeds iff no lock
// file exists or the recorded PID is no longer alive.
type ProcessLock struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Host      string    `json:"host"`
}

// AcquireProcessLock attempts to become the sole daemon instance for this
// state directory. It returns false when another live process holds the lock.
func (s *Store) AcquireProcessLock() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing ProcessLock
	err := s.readJSON(processLockFile, &existing)
	switch {
	case err == nil:
		if existing.PID != os.Getpid() && PIDAlive(existing.PID) {
			return false, nil
		}
		// Stale lock from a dead process, or our own leftover. Reclaim.
		s.log.Warn("Reclaiming stale process lock",
			slog.Int("pid", existing.PID),
			slog.Time("started_at", existing.StartedAt),
		)
	case os.IsNotExist(err):
	default:
		// Unparseable lock file counts as stale.
		s.log.Warn("Replacing unreadable process lock", slog.Any("error", err))
	}

	host, _ := os.Hostname()
	lock := ProcessLock{PID: os.Getpid(), StartedAt: time.Now(), Host: host}
	if err := s.writeJSON(processLockFile, lock); err != nil {
		return false, err
	}
	return true, nil
}

// ReleaseProcessLock removes the lock file iff this process owns it.
func (s *Store) ReleaseProcessLock() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing ProcessLock
	if err := s.readJSON(processLockFile, &existing); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if existing.PID != os.Getpid() {
		return nil
	}
	if err := os.Remove(s.path(processLockFile)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// CheckProcessLock returns the current lock holder, or nil when none exists.
func (s *Store) CheckProcessLock() (*ProcessLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(processLockFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var lock ProcessLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, err
	}
	return &lock, nil
}

// PIDAlive reports whether a process with the given PID exists. Signal 0
// probes without delivering; EPERM still means the process is there.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
