package queue

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestQueue(alg Algorithm) *Queue {
	return New(Config{Algorithm: alg, MaxDepth: 100, MaxRetries: 3})
}

func registerProject(q *Queue, id string, prio int, weight float64) {
	q.RegisterProject(ProjectSpec{ID: id, BasePriority: prio, ShareWeight: weight})
}

func TestEnqueueDedup(t *testing.T) {
	q := newTestQueue(AlgorithmPriority)
	registerProject(q, "p1", 50, 1)

	first := NewTask("p1", 42, KindIssue, 50)
	if err := q.Enqueue(first); err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}

	dup := NewTask("p1", 42, KindIssue, 50)
	if err := q.Enqueue(dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate Enqueue() error = %v, want ErrDuplicate", err)
	}

	// Same issue number in another project is not a duplicate.
	registerProject(q, "p2", 50, 1)
	other := NewTask("p2", 42, KindIssue, 50)
	if err := q.Enqueue(other); err != nil {
		t.Errorf("cross-project Enqueue() error = %v", err)
	}

	// Dedup persists while the task runs.
	task := q.NextTask("p1")
	if task == nil {
		t.Fatal("NextTask() = nil")
	}
	again := NewTask("p1", 42, KindIssue, 50)
	if err := q.Enqueue(again); !errors.Is(err, ErrDuplicate) {
		t.Errorf("Enqueue() while running error = %v, want ErrDuplicate", err)
	}

	// After completion the issue can be enqueued again.
	_ = q.MarkRunning(task.ID)
	if _, err := q.Complete(task.ID, &Result{TaskID: task.ID, Success: true}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if err := q.Enqueue(again); err != nil {
		t.Errorf("Enqueue() after completion error = %v", err)
	}
}

func TestEnqueueUnknownProject(t *testing.T) {
	q := newTestQueue(AlgorithmPriority)
	err := q.Enqueue(NewTask("ghost", 1, KindIssue, 50))
	if !errors.Is(err, ErrUnknownProject) {
		t.Errorf("Enqueue() error = %v, want ErrUnknownProject", err)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	q := New(Config{Algorithm: AlgorithmPriority, MaxDepth: 2, MaxRetries: 3})
	registerProject(q, "p1", 50, 1)

	for i := 1; i <= 2; i++ {
		if err := q.Enqueue(NewTask("p1", i, KindIssue, 50)); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
	}
	if err := q.Enqueue(NewTask("p1", 3, KindIssue, 50)); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Enqueue() error = %v, want ErrQueueFull", err)
	}
}

func TestPriorityOrdering(t *testing.T) {
	q := newTestQueue(AlgorithmPriority)
	registerProject(q, "p1", 50, 1)

	for i := 1; i <= 10; i++ {
		task := NewTask("p1", i, KindIssue, 50)
		if err := q.Enqueue(task); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	urgent := NewTask("p1", 99, KindIssue, 100)
	if err := q.Enqueue(urgent); err != nil {
		t.Fatalf("Enqueue(urgent) error = %v", err)
	}

	next := q.NextTask("")
	if next == nil || next.IssueNumber != 99 {
		t.Errorf("NextTask() = %+v, want issue 99 first", next)
	}
	if next.Status != StatusAssigned {
		t.Errorf("dispatched status = %s, want assigned", next.Status)
	}
}

func TestDeadlineBoost(t *testing.T) {
	q := newTestQueue(AlgorithmPriority)
	registerProject(q, "p1", 50, 1)

	plain := NewTask("p1", 1, KindIssue, 50)
	dated := NewTask("p1", 2, KindIssue, 50)
	dated.Deadline = time.Now().Add(time.Hour)

	if err := q.Enqueue(plain); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(dated); err != nil {
		t.Fatal(err)
	}

	if diff := dated.EffectivePriority - plain.EffectivePriority; diff < 20 {
		t.Errorf("deadline boost = %d, want >= 20", diff)
	}
}

func TestDeadlineAwareOrdering(t *testing.T) {
	q := newTestQueue(AlgorithmDeadlineAware)
	registerProject(q, "p1", 50, 1)

	undatedHigh := NewTask("p1", 1, KindIssue, 100)
	soon := NewTask("p1", 2, KindIssue, 10)
	soon.Deadline = time.Now().Add(2 * time.Hour)
	later := NewTask("p1", 3, KindIssue, 10)
	later.Deadline = time.Now().Add(48 * time.Hour)

	for _, task := range []*Task{undatedHigh, later, soon} {
		if err := q.Enqueue(task); err != nil {
			t.Fatal(err)
		}
	}

	var order []int
	for i := 0; i < 3; i++ {
		next := q.NextTask("")
		if next == nil {
			t.Fatal("NextTask() = nil")
		}
		order = append(order, next.IssueNumber)
		_ = q.MarkRunning(next.ID)
		_, _ = q.Complete(next.ID, &Result{TaskID: next.ID, Success: true})
	}

	want := []int{2, 3, 1} // dated ascending, then undated
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", order, want)
		}
	}
}

func TestWeightedFairDispatchSequence(t *testing.T) {
	q := newTestQueue(AlgorithmWeightedFair)
	registerProject(q, "A", 50, 2)
	registerProject(q, "B", 50, 1)

	// Interleaved discovery: five issues per project.
	for i := 1; i <= 5; i++ {
		if err := q.Enqueue(NewTask("A", i, KindIssue, 50)); err != nil {
			t.Fatal(err)
		}
		if err := q.Enqueue(NewTask("B", i, KindIssue, 50)); err != nil {
			t.Fatal(err)
		}
	}

	var sequence []string
	for i := 0; i < 6; i++ {
		next := q.NextTask("")
		if next == nil {
			t.Fatal("NextTask() = nil")
		}
		sequence = append(sequence, next.ProjectID)
		_ = q.MarkRunning(next.ID)
		_, _ = q.Complete(next.ID, &Result{TaskID: next.ID, Success: true})
	}

	want := []string{"A", "A", "B", "A", "A", "B"}
	for i := range want {
		if sequence[i] != want[i] {
			t.Fatalf("dispatch sequence = %v, want %v", sequence, want)
		}
	}
}

func TestWeightedFairLongRunRatio(t *testing.T) {
	q := New(Config{Algorithm: AlgorithmWeightedFair, MaxDepth: 5000, MaxRetries: 3})
	registerProject(q, "A", 50, 2)
	registerProject(q, "B", 50, 1)

	counts := map[string]int{}
	issue := 0
	for round := 0; round < 100; round++ {
		for i := 0; i < 10; i++ {
			issue++
			if err := q.Enqueue(NewTask("A", issue, KindIssue, 50)); err != nil {
				t.Fatal(err)
			}
			if err := q.Enqueue(NewTask("B", issue, KindIssue, 50)); err != nil {
				t.Fatal(err)
			}
		}
		for i := 0; i < 10; i++ {
			next := q.NextTask("")
			if next == nil {
				break
			}
			counts[next.ProjectID]++
			_ = q.MarkRunning(next.ID)
			_, _ = q.Complete(next.ID, &Result{TaskID: next.ID, Success: true})
			// Replenishment ticks fast relative to dispatch.
			q.ReplenishTokens()
		}
	}

	total := counts["A"] + counts["B"]
	if total < 1000 {
		t.Fatalf("only %d dispatches", total)
	}
	ratio := float64(counts["A"]) / float64(counts["B"])
	if ratio < 1.8 || ratio > 2.2 {
		t.Errorf("A:B dispatch ratio = %.2f, want within [1.8, 2.2]", ratio)
	}
}

func TestResourceQuotaAdmission(t *testing.T) {
	q := New(Config{Algorithm: AlgorithmResourceAware, MaxDepth: 100, MaxRetries: 3})
	q.RegisterProject(ProjectSpec{
		ID: "p1", BasePriority: 90, ShareWeight: 1,
		Quota: &ResourceQuota{MaxConcurrent: 1, CPUShare: 0.5, MemoryBytes: 1 << 30},
	})
	registerProject(q, "p2", 10, 1)

	if err := q.Enqueue(NewTask("p1", 1, KindIssue, 90)); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(NewTask("p1", 2, KindIssue, 90)); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(NewTask("p2", 1, KindIssue, 10)); err != nil {
		t.Fatal(err)
	}

	first := q.NextTask("")
	if first == nil || first.ProjectID != "p1" {
		t.Fatalf("first dispatch = %+v, want p1", first)
	}

	usage := q.Usage()
	if usage.Concurrent != 1 || usage.CPU != 0.5 || usage.Memory != 1<<30 {
		t.Errorf("usage after dispatch = %+v", usage)
	}

	// p1 is at quota; the lower-priority p2 task is admitted instead.
	second := q.NextTask("")
	if second == nil || second.ProjectID != "p2" {
		t.Fatalf("second dispatch = %+v, want p2 (p1 at quota)", second)
	}

	// Completing the p1 task frees its quota.
	_ = q.MarkRunning(first.ID)
	if _, err := q.Complete(first.ID, &Result{TaskID: first.ID, Success: true}); err != nil {
		t.Fatal(err)
	}
	third := q.NextTask("")
	if third == nil || third.ProjectID != "p1" {
		t.Fatalf("third dispatch = %+v, want p1 after quota freed", third)
	}
}

func TestFailRetriesUntilCap(t *testing.T) {
	q := newTestQueue(AlgorithmPriority) // MaxRetries: 3
	registerProject(q, "p1", 50, 1)

	task := NewTask("p1", 7, KindIssue, 50)
	if err := q.Enqueue(task); err != nil {
		t.Fatal(err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		next := q.NextTask("")
		if next == nil {
			t.Fatalf("attempt %d: NextTask() = nil", attempt)
		}
		if err := q.MarkRunning(next.ID); err != nil {
			t.Fatalf("attempt %d: MarkRunning() error = %v", attempt, err)
		}
		failed, err := q.Fail(next.ID, "timeout", true, 0)
		if err != nil {
			t.Fatalf("attempt %d: Fail() error = %v", attempt, err)
		}
		if failed.Attempts != attempt {
			t.Errorf("attempt %d: Attempts = %d", attempt, failed.Attempts)
		}

		if attempt < 3 {
			if failed.Status != StatusRetrying {
				t.Errorf("attempt %d: status = %s, want retrying", attempt, failed.Status)
			}
		} else {
			if failed.Status != StatusFailed {
				t.Errorf("attempt %d: status = %s, want terminal failed", attempt, failed.Status)
			}
		}
	}

	if q.Len() != 0 {
		t.Errorf("queue length after terminal failure = %d, want 0", q.Len())
	}
	if q.IsActive(task.Ref()) {
		t.Error("issue still active after terminal failure")
	}

	// History follows queued -> assigned -> running -> failed -> retrying ...
	wantHistory := []Status{
		StatusAssigned, StatusRunning, StatusFailed, StatusRetrying,
		StatusAssigned, StatusRunning, StatusFailed, StatusRetrying,
		StatusAssigned, StatusRunning, StatusFailed,
	}
	if len(task.History) != len(wantHistory) {
		t.Fatalf("history length = %d, want %d", len(task.History), len(wantHistory))
	}
	for i, change := range task.History {
		if change.To != wantHistory[i] {
			t.Errorf("history[%d] = %s, want %s", i, change.To, wantHistory[i])
		}
	}
}

func TestRetryBackoffHoldsTask(t *testing.T) {
	q := newTestQueue(AlgorithmPriority)
	registerProject(q, "p1", 50, 1)

	task := NewTask("p1", 7, KindIssue, 50)
	if err := q.Enqueue(task); err != nil {
		t.Fatal(err)
	}
	next := q.NextTask("")
	if next == nil {
		t.Fatal("NextTask() = nil")
	}
	_ = q.MarkRunning(next.ID)

	failed, err := q.Fail(next.ID, "flaky", true, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if failed.Status != StatusRetrying {
		t.Fatalf("status = %s, want retrying", failed.Status)
	}

	// The retried task must not be dispatchable before its backoff passes.
	if got := q.NextTask(""); got != nil {
		t.Fatalf("NextTask() = %s during backoff, want nil", got.ID)
	}

	time.Sleep(60 * time.Millisecond)
	got := q.NextTask("")
	if got == nil || got.ID != task.ID {
		t.Fatalf("NextTask() after backoff = %+v, want %s", got, task.ID)
	}
	if !got.NotBefore.IsZero() {
		t.Error("NotBefore not cleared on dispatch")
	}
}

func TestBackoffHoldSkipsToOtherTasks(t *testing.T) {
	q := newTestQueue(AlgorithmPriority)
	registerProject(q, "p1", 50, 1)

	held := NewTask("p1", 1, KindIssue, 90)
	other := NewTask("p1", 2, KindIssue, 10)
	for _, task := range []*Task{held, other} {
		if err := q.Enqueue(task); err != nil {
			t.Fatal(err)
		}
	}

	next := q.NextTask("")
	if next == nil || next.IssueNumber != 1 {
		t.Fatalf("first dispatch = %+v, want issue 1", next)
	}
	_ = q.MarkRunning(next.ID)
	if _, err := q.Fail(next.ID, "flaky", true, time.Hour); err != nil {
		t.Fatal(err)
	}

	// The held retry sits at the front but must not starve the rest.
	got := q.NextTask("")
	if got == nil || got.IssueNumber != 2 {
		t.Fatalf("NextTask() = %+v, want issue 2 past the held retry", got)
	}
}

func TestRequeueKeepsAttempts(t *testing.T) {
	q := newTestQueue(AlgorithmPriority) // MaxRetries: 3
	registerProject(q, "p1", 50, 1)

	task := NewTask("p1", 5, KindIssue, 50)
	if err := q.Enqueue(task); err != nil {
		t.Fatal(err)
	}

	// Far more cycles than the retry budget: a requeue never turns terminal.
	for round := 1; round <= 10; round++ {
		next := q.NextTask("")
		if next == nil {
			t.Fatalf("round %d: NextTask() = nil", round)
		}
		_ = q.MarkRunning(next.ID)
		requeued, err := q.Requeue(next.ID, "limit window", 0)
		if err != nil {
			t.Fatalf("round %d: Requeue() error = %v", round, err)
		}
		if requeued.Status != StatusRetrying {
			t.Fatalf("round %d: status = %s, want retrying", round, requeued.Status)
		}
	}

	if task.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0 after requeues", task.Attempts)
	}
	if q.Len() != 1 {
		t.Errorf("queue length = %d, want 1", q.Len())
	}
	if !q.IsActive(task.Ref()) {
		t.Error("requeued issue must stay active")
	}
}

func TestFailureMetricsCountTerminalOnly(t *testing.T) {
	q := newTestQueue(AlgorithmPriority) // MaxRetries: 3
	registerProject(q, "p1", 50, 1)

	if err := q.Enqueue(NewTask("p1", 7, KindIssue, 50)); err != nil {
		t.Fatal(err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		next := q.NextTask("")
		if next == nil {
			t.Fatalf("attempt %d: NextTask() = nil", attempt)
		}
		_ = q.MarkRunning(next.ID)
		if _, err := q.Fail(next.ID, "timeout", true, 0); err != nil {
			t.Fatal(err)
		}

		stats, _ := q.Stats()
		wantFailed := int64(0)
		if attempt == 3 {
			wantFailed = 1
		}
		if stats[0].Failed != wantFailed {
			t.Errorf("after attempt %d: Failed = %d, want %d",
				attempt, stats[0].Failed, wantFailed)
		}
	}
}

func TestTaskIDsDistinctAcrossRapidReenqueues(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id := NewTask("p1", 42, KindIssue, 50).ID
		if seen[id] {
			t.Fatalf("duplicate task id %s", id)
		}
		seen[id] = true
	}
}

func TestNonRetryableFailureIsTerminal(t *testing.T) {
	q := newTestQueue(AlgorithmPriority)
	registerProject(q, "p1", 50, 1)

	task := NewTask("p1", 1, KindIssue, 50)
	if err := q.Enqueue(task); err != nil {
		t.Fatal(err)
	}
	next := q.NextTask("")
	_ = q.MarkRunning(next.ID)

	failed, err := q.Fail(next.ID, "deadline exceeded", false, 0)
	if err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if failed.Status != StatusFailed {
		t.Errorf("status = %s, want failed", failed.Status)
	}
	if q.IsActive(task.Ref()) {
		t.Error("issue still active after non-retryable failure")
	}
}

func TestCancelQueuedTask(t *testing.T) {
	q := newTestQueue(AlgorithmPriority)
	registerProject(q, "p1", 50, 1)

	task := NewTask("p1", 1, KindIssue, 50)
	if err := q.Enqueue(task); err != nil {
		t.Fatal(err)
	}

	cancelled, err := q.Cancel(task.ID, "admin request")
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestRestorePreservesOrder(t *testing.T) {
	q := newTestQueue(AlgorithmPriority)
	registerProject(q, "p1", 50, 1)

	// Simulate persisted pending tasks with varying priorities.
	var persisted []*Task
	for i, prio := range []int{30, 90, 60, 90, 10} {
		task := NewTask("p1", i+1, KindIssue, prio)
		task.EffectivePriority = prio
		task.EnqueuedAt = time.Now().Add(time.Duration(i) * time.Millisecond)
		persisted = append(persisted, task)
	}

	skipped := q.Restore(persisted)
	if len(skipped) != 0 {
		t.Fatalf("Restore() skipped %d tasks", len(skipped))
	}

	var order []int
	for {
		next := q.NextTask("")
		if next == nil {
			break
		}
		order = append(order, next.IssueNumber)
		_ = q.MarkRunning(next.ID)
		_, _ = q.Complete(next.ID, &Result{TaskID: next.ID, Success: true})
	}

	// Effective priority descending, enqueue time ascending within ties.
	want := []int{2, 4, 3, 1, 5}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("restored order = %v, want %v", order, want)
		}
	}
}

func TestRestoreSkipsUnknownProjectsAndDuplicates(t *testing.T) {
	q := newTestQueue(AlgorithmPriority)
	registerProject(q, "p1", 50, 1)

	live := NewTask("p1", 1, KindIssue, 50)
	if err := q.Enqueue(live); err != nil {
		t.Fatal(err)
	}

	dup := NewTask("p1", 1, KindIssue, 50)
	orphan := NewTask("gone", 2, KindIssue, 50)

	skipped := q.Restore([]*Task{dup, orphan})
	if len(skipped) != 2 {
		t.Errorf("Restore() skipped %d tasks, want 2", len(skipped))
	}
}

func TestStatsAndFairnessIndex(t *testing.T) {
	q := newTestQueue(AlgorithmPriority)
	registerProject(q, "p1", 50, 1)
	registerProject(q, "p2", 50, 1)

	for _, project := range []string{"p1", "p2"} {
		task := NewTask(project, 1, KindIssue, 50)
		if err := q.Enqueue(task); err != nil {
			t.Fatal(err)
		}
		next := q.NextTask(project)
		if next == nil {
			t.Fatalf("NextTask(%s) = nil", project)
		}
		_ = q.MarkRunning(next.ID)
		if _, err := q.Complete(next.ID, &Result{TaskID: next.ID, Success: true}); err != nil {
			t.Fatal(err)
		}
	}

	stats, jain := q.Stats()
	if len(stats) != 2 {
		t.Fatalf("Stats() returned %d projects, want 2", len(stats))
	}
	for _, s := range stats {
		if s.Completed != 1 {
			t.Errorf("%s Completed = %d, want 1", s.ProjectID, s.Completed)
		}
	}
	if jain < 0.95 {
		t.Errorf("Jain index = %.3f, want >= 0.95 for equal throughput", jain)
	}
}

func TestNextTaskProjectFilter(t *testing.T) {
	q := newTestQueue(AlgorithmPriority)
	registerProject(q, "p1", 50, 1)
	registerProject(q, "p2", 90, 1)

	if err := q.Enqueue(NewTask("p2", 1, KindIssue, 90)); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(NewTask("p1", 1, KindIssue, 10)); err != nil {
		t.Fatal(err)
	}

	next := q.NextTask("p1")
	if next == nil || next.ProjectID != "p1" {
		t.Errorf("NextTask(p1) = %+v, want p1 task despite lower priority", next)
	}
}

func TestConcurrentEnqueueSingleWinner(t *testing.T) {
	q := newTestQueue(AlgorithmPriority)
	registerProject(q, "p1", 50, 1)

	const n = 50
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			task := NewTask("p1", 42, KindIssue, 50)
			task.ID = fmt.Sprintf("p1-42-%d", i) // distinct IDs, same issue
			errs <- q.Enqueue(task)
		}(i)
	}

	var ok, dups int
	for i := 0; i < n; i++ {
		if err := <-errs; err == nil {
			ok++
		} else if errors.Is(err, ErrDuplicate) {
			dups++
		} else {
			t.Errorf("unexpected error: %v", err)
		}
	}

	if ok != 1 {
		t.Errorf("%d enqueues succeeded, want exactly 1", ok)
	}
	if dups != n-1 {
		t.Errorf("%d duplicates, want %d", dups, n-1)
	}
}
