package results

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/alekspetrov/overseer/internal/github"
	"github.com/alekspetrov/overseer/internal/queue"
	"github.com/alekspetrov/overseer/internal/state"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*queue.Task
	err   error
}

func (f *fakeEnqueuer) Enqueue(t *queue.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, t)
	return nil
}

// upstreamRecorder is a fake GitHub API capturing every write.
type upstreamRecorder struct {
	mu       sync.Mutex
	requests []string
	bodies   map[string]string
}

func newUpstreamRecorder() *upstreamRecorder {
	return &upstreamRecorder{bodies: make(map[string]string)}
}

func (u *upstreamRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	u.mu.Lock()
	key := r.Method + " " + r.URL.Path
	u.requests = append(u.requests, key)
	u.bodies[key] = string(body)
	u.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"id": 1}`))
}

func (u *upstreamRecorder) count(substr string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, req := range u.requests {
		if strings.Contains(req, substr) {
			n++
		}
	}
	return n
}

func (u *upstreamRecorder) body(substr string) string {
	u.mu.Lock()
	defer u.mu.Unlock()
	for key, body := range u.bodies {
		if strings.Contains(key, substr) {
			return body
		}
	}
	return ""
}

func newStore(t *testing.T) *state.Store {
	t.Helper()
	store, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func terminalTask(id string, success bool) *queue.Task {
	task := queue.NewTask("api", 7, queue.KindIssue, 50)
	task.ID = id
	task.Result = &queue.Result{TaskID: id, Success: success}
	if !success {
		task.Result.Error = "exited with code 1"
	}
	return task
}

func TestHandleSuccessPersistsAndMarksProcessed(t *testing.T) {
	store := newStore(t)
	h := NewHandler(nil, store, &fakeEnqueuer{}, nil)

	task := terminalTask("api-7-100", true)
	task.Result.Stdout = "all done"
	if err := h.HandleResult(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(store.ResultsDir("success"), "api-7-100.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("result file not written: %v", err)
	}
	var res queue.Result
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Stdout != "all done" {
		t.Errorf("persisted result = %+v", res)
	}

	if !store.IsIssueProcessed(task.Ref()) {
		t.Error("issue not marked processed")
	}
	if stats := h.Stats(); stats.Completed != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestHandleFailurePersistsToError(t *testing.T) {
	store := newStore(t)
	h := NewHandler(nil, store, &fakeEnqueuer{}, nil)

	task := terminalTask("api-7-101", false)
	if err := h.HandleResult(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(store.ResultsDir("error"), "api-7-101.json")); err != nil {
		t.Errorf("error result file not written: %v", err)
	}
	if stats := h.Stats(); stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestValidateRejectsBadEnvelopes(t *testing.T) {
	store := newStore(t)
	h := NewHandler(nil, store, &fakeEnqueuer{}, nil)

	tests := []struct {
		name   string
		mutate func(*queue.Task)
	}{
		{"missing envelope", func(t *queue.Task) { t.Result = nil }},
		{"id mismatch", func(t *queue.Task) { t.Result.TaskID = "other" }},
		{"failure without error", func(t *queue.Task) {
			t.Result.Success = false
			t.Result.Error = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := terminalTask("api-7-102", true)
			tt.mutate(task)
			if err := h.HandleResult(context.Background(), task); err == nil {
				t.Fatal("expected validation error")
			}
			if store.IsIssueProcessed(task.Ref()) {
				t.Error("invalid envelope marked issue processed")
			}
		})
	}
}

func TestOversizeEnvelopeArchived(t *testing.T) {
	store := newStore(t)
	h := NewHandler(nil, store, &fakeEnqueuer{}, nil)

	task := terminalTask("api-7-103", true)
	task.Result.Stdout = strings.Repeat("x", maxInlineBytes+1)
	if err := h.HandleResult(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	archive := filepath.Join(store.ResultsDir("archive"), "api-7-103.json")
	info, err := os.Stat(archive)
	if err != nil {
		t.Fatalf("archive file not written: %v", err)
	}
	if info.Size() <= maxInlineBytes {
		t.Error("archive does not hold the full envelope")
	}

	inline, err := os.Stat(filepath.Join(store.ResultsDir("success"), "api-7-103.json"))
	if err != nil {
		t.Fatal(err)
	}
	if inline.Size() > maxInlineBytes {
		t.Errorf("inline file is %d bytes, want <= %d", inline.Size(), maxInlineBytes)
	}
	if stats := h.Stats(); stats.Archived != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestUpstreamReporting(t *testing.T) {
	recorder := newUpstreamRecorder()
	srv := httptest.NewServer(recorder)
	defer srv.Close()

	store := newStore(t)
	client := github.NewClient("token", github.WithBaseURL(srv.URL))
	h := NewHandler(client, store, &fakeEnqueuer{}, nil)
	h.SetProject("api", Upstream{Owner: "acme", Repo: "api"})

	task := terminalTask("api-7-104", true)
	task.Result.Stdout = "fixed in commit abc"
	if err := h.HandleResult(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	if got := recorder.count("POST /repos/acme/api/issues/7/comments"); got != 1 {
		t.Errorf("comments posted = %d, want exactly 1", got)
	}
	if got := recorder.count("DELETE /repos/acme/api/issues/7/labels/"); got != 1 {
		t.Errorf("label removals = %d, want 1", got)
	}
	labels := recorder.body("POST /repos/acme/api/issues/7/labels")
	if !strings.Contains(labels, LabelCompleted) {
		t.Errorf("outcome label body = %q, want %s", labels, LabelCompleted)
	}
	comment := recorder.body("comments")
	if !strings.Contains(comment, "Task completed") || !strings.Contains(comment, "fixed in commit abc") {
		t.Errorf("comment body = %q", comment)
	}
}

func TestNoUpstreamForUnknownProject(t *testing.T) {
	recorder := newUpstreamRecorder()
	srv := httptest.NewServer(recorder)
	defer srv.Close()

	store := newStore(t)
	client := github.NewClient("token", github.WithBaseURL(srv.URL))
	h := NewHandler(client, store, &fakeEnqueuer{}, nil)

	task := terminalTask("api-7-105", true)
	if err := h.HandleResult(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	if len(recorder.requests) != 0 {
		t.Errorf("unexpected upstream calls: %v", recorder.requests)
	}
}

func TestPRReviewVerdicts(t *testing.T) {
	tests := []struct {
		name      string
		success   bool
		approved  bool
		mustFix   []string
		wantEvent string
	}{
		{"approved", true, true, nil, "APPROVE"},
		{"blocking findings", true, false, []string{"missing tests"}, "REQUEST_CHANGES"},
		{"no verdict", true, false, nil, "COMMENT"},
		{"failed run never approves", false, true, nil, "COMMENT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := newUpstreamRecorder()
			srv := httptest.NewServer(recorder)
			defer srv.Close()

			store := newStore(t)
			client := github.NewClient("token", github.WithBaseURL(srv.URL))
			h := NewHandler(client, store, &fakeEnqueuer{}, nil)
			h.SetProject("api", Upstream{Owner: "acme", Repo: "api"})

			task := queue.NewTask("api", 7, queue.KindPRReview, 50)
			task.ID = "api-7-106"
			task.Result = &queue.Result{
				TaskID:   task.ID,
				Success:  tt.success,
				Approved: tt.approved,
				MustFix:  tt.mustFix,
			}
			if !tt.success {
				task.Result.Error = "exited with code 1"
			}
			if err := h.HandleResult(context.Background(), task); err != nil {
				t.Fatal(err)
			}

			body := recorder.body("pulls/7/reviews")
			var input github.ReviewInput
			if err := json.Unmarshal([]byte(body), &input); err != nil {
				t.Fatalf("no review submitted: %v", err)
			}
			if input.Event != tt.wantEvent {
				t.Errorf("review event = %s, want %s", input.Event, tt.wantEvent)
			}
		})
	}
}

func TestFollowUpCreateTask(t *testing.T) {
	store := newStore(t)
	enq := &fakeEnqueuer{}
	h := NewHandler(nil, store, enq, nil)

	task := terminalTask("api-7-107", true)
	task.Result.FollowUpActions = []queue.FollowUpAction{
		{Type: "create-task", Data: json.RawMessage(`{"prompt": "also update the docs", "issue_number": 8}`)},
		{Type: "bogus-type", Data: json.RawMessage(`{}`)},
	}
	if err := h.HandleResult(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	if len(enq.tasks) != 1 {
		t.Fatalf("enqueued %d follow-ups, want 1", len(enq.tasks))
	}
	follow := enq.tasks[0]
	if follow.Kind != queue.KindCustom || follow.IssueNumber != 8 || follow.ProjectID != "api" {
		t.Errorf("follow-up = %+v", follow)
	}
	payload, ok := follow.Payload.(*queue.CustomPayload)
	if !ok || payload.Prompt != "also update the docs" {
		t.Errorf("follow-up payload = %+v", follow.Payload)
	}
}

func TestFollowUpUpdateIssue(t *testing.T) {
	recorder := newUpstreamRecorder()
	srv := httptest.NewServer(recorder)
	defer srv.Close()

	store := newStore(t)
	client := github.NewClient("token", github.WithBaseURL(srv.URL))
	h := NewHandler(client, store, &fakeEnqueuer{}, nil)
	h.SetProject("api", Upstream{Owner: "acme", Repo: "api"})

	task := terminalTask("api-7-108", true)
	task.Result.FollowUpActions = []queue.FollowUpAction{
		{Type: "update-issue", Data: json.RawMessage(`{"add_labels": ["needs-docs"], "comment": "docs pending"}`)},
	}
	if err := h.HandleResult(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	// One retirement comment plus one follow-up comment.
	if got := recorder.count("POST /repos/acme/api/issues/7/comments"); got != 2 {
		t.Errorf("comments posted = %d, want 2", got)
	}
	labels := recorder.body("POST /repos/acme/api/issues/7/labels")
	if !strings.Contains(labels, "needs-docs") && !strings.Contains(labels, LabelCompleted) {
		t.Errorf("label body = %q", labels)
	}
}

func TestReviewEvent(t *testing.T) {
	tests := []struct {
		res  queue.Result
		want string
	}{
		{queue.Result{Success: true, Approved: true}, "APPROVE"},
		{queue.Result{Success: true, Approved: true, MustFix: []string{"x"}}, "REQUEST_CHANGES"},
		{queue.Result{Success: false, MustFix: []string{"x"}}, "REQUEST_CHANGES"},
		{queue.Result{Success: true}, "COMMENT"},
		{queue.Result{Success: false, Approved: true}, "COMMENT"},
	}
	for _, tt := range tests {
		if got := reviewEvent(&tt.res); got != tt.want {
			t.Errorf("reviewEvent(%+v) = %s, want %s", tt.res, got, tt.want)
		}
	}
}
