// Package lock implements the per-issue mutual-exclusion locks that guarantee
// at most one concurrent worker per (project, issue). Locks are plain files;
// a lock is valid while its holder PID is alive and its TTL has not passed.
package lock

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alekspetrov/overseer/internal/logging"
	"github.com/alekspetrov/overseer/internal/queue"
	"github.com/alekspetrov/overseer/internal/state"
)

// DefaultTTL bounds how long a lock stays valid without its holder dying.
const DefaultTTL = 30 * time.Minute

// Holder identifies who owns an issue lock.
type Holder struct {
	PID       int    `json:"pid"`
	WorkerID  string `json:"worker_id"`
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id,omitempty"`
}

// IssueLock is the on-disk lock record.
type IssueLock struct {
	LockedAt time.Time     `json:"locked_at"`
	Holder   Holder        `json:"holder"`
	TTL      time.Duration `json:"ttl"`
}

// Expired reports whether the lock can be reclaimed: holder dead or TTL
// passed.
func (l *IssueLock) Expired() bool {
	if !state.PIDAlive(l.Holder.PID) {
		return true
	}
	return time.Since(l.LockedAt) >= l.TTL
}

// Manager creates and reclaims issue locks in one directory.
type Manager struct {
	dir string
	ttl time.Duration
	log *slog.Logger
}

// NewManager returns a manager over dir. A non-positive ttl falls back to
// DefaultTTL.
func NewManager(dir string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		dir: dir,
		ttl: ttl,
		log: logging.WithComponent("issue-lock"),
	}
}

func (m *Manager) lockPath(ref queue.IssueRef) string {
	return filepath.Join(m.dir, ref.Key()+".lock")
}

// Acquire attempts to take the lock for ref. It returns false without
// blocking when a valid lock is already held. An expired lock is reclaimed
// in the same call.
func (m *Manager) Acquire(ref queue.IssueRef, holder Holder) (bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := m.tryCreate(ref, holder)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}

		existing, err := m.Check(ref)
		if err != nil {
			return false, err
		}
		if existing != nil && !existing.Expired() {
			return false, nil
		}

		// Dead holder or TTL passed. Remove and retry the create; a
		// concurrent reclaimer may still beat us, which the second
		// O_EXCL attempt reports honestly.
		if err := os.Remove(m.lockPath(ref)); err != nil && !os.IsNotExist(err) {
			return false, err
		}
		if existing != nil {
			m.log.Warn("Reclaimed stale issue lock",
				slog.String("issue", ref.Key()),
				slog.Int("holder_pid", existing.Holder.PID),
				slog.Time("locked_at", existing.LockedAt),
			)
		}
	}
	return false, nil
}

// tryCreate atomically creates the lock file with its full record. The record
// is staged in a temp file and linked into place; link fails when the lock
// already exists, so concurrent acquirers race safely and no reader ever sees
// a partially written lock.
func (m *Manager) tryCreate(ref queue.IssueRef, holder Holder) (bool, error) {
	record := IssueLock{LockedAt: time.Now(), Holder: holder, TTL: m.ttl}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return false, fmt.Errorf("lock: failed to marshal lock record: %w", err)
	}

	tmp, err := os.CreateTemp(m.dir, ref.Key()+".tmp-*")
	if err != nil {
		return false, fmt.Errorf("lock: failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, fmt.Errorf("lock: failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return false, fmt.Errorf("lock: failed to sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}

	if err := os.Link(tmpName, m.lockPath(ref)); err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("lock: failed to create %s: %w", m.lockPath(ref), err)
	}
	return true, nil
}

// Release removes the lock iff pid owns it. Releasing an absent or foreign
// lock is a no-op.
func (m *Manager) Release(ref queue.IssueRef, pid int) error {
	existing, err := m.Check(ref)
	if err != nil {
		return err
	}
	if existing == nil || existing.Holder.PID != pid {
		return nil
	}
	if err := os.Remove(m.lockPath(ref)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lock: failed to remove %s: %w", m.lockPath(ref), err)
	}
	return nil
}

// Check returns the current lock for ref, or nil when none exists. An
// unparseable lock file is treated as absent after removal.
func (m *Manager) Check(ref queue.IssueRef) (*IssueLock, error) {
	data, err := os.ReadFile(m.lockPath(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock: failed to read %s: %w", m.lockPath(ref), err)
	}

	var record IssueLock
	if err := json.Unmarshal(data, &record); err != nil {
		m.log.Warn("Removing unparseable issue lock",
			slog.String("issue", ref.Key()),
			slog.Any("error", err),
		)
		if rmErr := os.Remove(m.lockPath(ref)); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, rmErr
		}
		return nil, nil
	}
	return &record, nil
}

// ReleaseAllHeldBy removes every lock owned by pid. Used during shutdown to
// drop the locks of our own workers.
func (m *Manager) ReleaseAllHeldBy(pid int) error {
	refs, err := m.list()
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := m.Release(ref, pid); err != nil {
			return err
		}
	}
	return nil
}

// SweepStale removes every expired lock and returns how many were reclaimed.
// Run periodically by the maintenance jobs.
func (m *Manager) SweepStale() (int, error) {
	refs, err := m.list()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, ref := range refs {
		record, err := m.Check(ref)
		if err != nil {
			return removed, err
		}
		if record == nil || !record.Expired() {
			continue
		}
		if err := os.Remove(m.lockPath(ref)); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed++
		m.log.Info("Swept expired issue lock",
			slog.String("issue", ref.Key()),
			slog.Int("holder_pid", record.Holder.PID),
		)
	}
	return removed, nil
}

// list parses the lock directory back into issue refs.
func (m *Manager) list() ([]queue.IssueRef, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock: failed to read %s: %w", m.dir, err)
	}

	var refs []queue.IssueRef
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".lock") {
			continue
		}
		ref, ok := parseLockName(strings.TrimSuffix(name, ".lock"))
		if !ok {
			continue
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// parseLockName splits "<projectId>-<issueNumber>". Project IDs may contain
// dashes, so the number is the part after the last one.
func parseLockName(name string) (queue.IssueRef, bool) {
	idx := strings.LastIndex(name, "-")
	if idx <= 0 || idx == len(name)-1 {
		return queue.IssueRef{}, false
	}
	var number int
	if _, err := fmt.Sscanf(name[idx+1:], "%d", &number); err != nil {
		return queue.IssueRef{}, false
	}
	return queue.IssueRef{ProjectID: name[:idx], IssueNumber: number}, true
}
