package lock

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alekspetrov/overseer/internal/queue"
)

func testHolder(taskID string) Holder {
	return Holder{PID: os.Getpid(), WorkerID: "worker-1", TaskID: taskID}
}

func TestAcquireRelease(t *testing.T) {
	m := NewManager(t.TempDir(), time.Minute)
	ref := queue.IssueRef{ProjectID: "api", IssueNumber: 9}

	ok, err := m.Acquire(ref, testHolder("t1"))
	if err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v", ok, err)
	}

	record, err := m.Check(ref)
	if err != nil {
		t.Fatal(err)
	}
	if record == nil || record.Holder.TaskID != "t1" {
		t.Errorf("Check() = %+v", record)
	}

	// Second acquire fails without blocking.
	ok, err = m.Acquire(ref, testHolder("t2"))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second Acquire() succeeded on held lock")
	}

	if err := m.Release(ref, os.Getpid()); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	record, err = m.Check(ref)
	if err != nil {
		t.Fatal(err)
	}
	if record != nil {
		t.Errorf("lock present after release: %+v", record)
	}
}

func TestReleaseForeignPIDIsNoop(t *testing.T) {
	m := NewManager(t.TempDir(), time.Minute)
	ref := queue.IssueRef{ProjectID: "api", IssueNumber: 3}

	if ok, _ := m.Acquire(ref, testHolder("t1")); !ok {
		t.Fatal("Acquire() failed")
	}
	if err := m.Release(ref, 1); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	record, _ := m.Check(ref)
	if record == nil {
		t.Error("foreign release removed the lock")
	}
}

func TestAcquireReclaimsDeadHolder(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, time.Hour)
	ref := queue.IssueRef{ProjectID: "api", IssueNumber: 5}

	dead := IssueLock{
		LockedAt: time.Now(),
		Holder:   Holder{PID: 999999999, WorkerID: "gone", TaskID: "t0"},
		TTL:      time.Hour,
	}
	data, _ := json.Marshal(dead)
	if err := os.WriteFile(filepath.Join(dir, "api-5.lock"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	ok, err := m.Acquire(ref, testHolder("t1"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("failed to reclaim lock from dead PID")
	}
	record, _ := m.Check(ref)
	if record == nil || record.Holder.TaskID != "t1" {
		t.Errorf("lock after reclaim = %+v", record)
	}
}

func TestAcquireReclaimsExpiredTTL(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, time.Hour)
	ref := queue.IssueRef{ProjectID: "api", IssueNumber: 6}

	// Live PID but expired TTL.
	expired := IssueLock{
		LockedAt: time.Now().Add(-2 * time.Hour),
		Holder:   Holder{PID: os.Getpid(), WorkerID: "w", TaskID: "t0"},
		TTL:      time.Hour,
	}
	data, _ := json.Marshal(expired)
	if err := os.WriteFile(filepath.Join(dir, "api-6.lock"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	ok, err := m.Acquire(ref, testHolder("t1"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("failed to reclaim TTL-expired lock")
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	m := NewManager(t.TempDir(), time.Minute)
	ref := queue.IssueRef{ProjectID: "api", IssueNumber: 9}

	const n = 20
	results := make(chan bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.Acquire(ref, testHolder("race"))
			if err != nil {
				t.Errorf("Acquire() error = %v", err)
			}
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for ok := range results {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("%d acquires succeeded, want exactly 1", winners)
	}
}

func TestSweepStale(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, time.Hour)

	// One live lock, one dead-PID lock, one TTL-expired lock.
	if ok, _ := m.Acquire(queue.IssueRef{ProjectID: "api", IssueNumber: 1}, testHolder("live")); !ok {
		t.Fatal("Acquire() failed")
	}
	for name, l := range map[string]IssueLock{
		"api-2.lock": {LockedAt: time.Now(), Holder: Holder{PID: 999999999}, TTL: time.Hour},
		"api-3.lock": {LockedAt: time.Now().Add(-2 * time.Hour), Holder: Holder{PID: os.Getpid()}, TTL: time.Hour},
	} {
		data, _ := json.Marshal(l)
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := m.SweepStale()
	if err != nil {
		t.Fatalf("SweepStale() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if record, _ := m.Check(queue.IssueRef{ProjectID: "api", IssueNumber: 1}); record == nil {
		t.Error("live lock swept")
	}
}

func TestReleaseAllHeldBy(t *testing.T) {
	m := NewManager(t.TempDir(), time.Minute)

	for i := 1; i <= 3; i++ {
		if ok, _ := m.Acquire(queue.IssueRef{ProjectID: "api", IssueNumber: i}, testHolder("t")); !ok {
			t.Fatalf("Acquire(%d) failed", i)
		}
	}
	if err := m.ReleaseAllHeldBy(os.Getpid()); err != nil {
		t.Fatalf("ReleaseAllHeldBy() error = %v", err)
	}
	for i := 1; i <= 3; i++ {
		if record, _ := m.Check(queue.IssueRef{ProjectID: "api", IssueNumber: i}); record != nil {
			t.Errorf("lock api-%d survived ReleaseAllHeldBy", i)
		}
	}
}

func TestParseLockName(t *testing.T) {
	tests := []struct {
		in      string
		project string
		number  int
		ok      bool
	}{
		{"api-7", "api", 7, true},
		{"my-web-app-123", "my-web-app", 123, true},
		{"noNumber", "", 0, false},
		{"-5", "", 0, false},
		{"api-", "", 0, false},
	}
	for _, tt := range tests {
		ref, ok := parseLockName(tt.in)
		if ok != tt.ok {
			t.Errorf("parseLockName(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && (ref.ProjectID != tt.project || ref.IssueNumber != tt.number) {
			t.Errorf("parseLockName(%q) = %+v", tt.in, ref)
		}
	}
}
