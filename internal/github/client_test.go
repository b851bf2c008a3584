package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient("test-token",
		WithBaseURL(srv.URL),
		WithPacer(rate.NewLimiter(rate.Inf, 1)),
	)
	return client, srv
}

func TestListOpenIssuesFiltersLabelsAndPRs(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/api/issues" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		fmt.Fprint(w, `[
			{"number": 1, "title": "bug", "labels": [{"name": "Task:Bug"}]},
			{"number": 2, "title": "feature", "labels": [{"name": "task:feature"}]},
			{"number": 3, "title": "pr", "labels": [{"name": "task:bug"}], "pull_request": {"url": "x"}},
			{"number": 4, "title": "unlabeled", "labels": []}
		]`)
	}))

	issues, err := client.ListOpenIssues(context.Background(), "acme", "api", []string{"task:bug"})
	if err != nil {
		t.Fatalf("ListOpenIssues() error = %v", err)
	}

	if len(issues) != 1 {
		t.Fatalf("got %d issues, want 1", len(issues))
	}
	if issues[0].Number != 1 {
		t.Errorf("issue number = %d, want 1 (case-insensitive label match, PRs excluded)", issues[0].Number)
	}
}

func TestListOpenIssuesNoLabelsReturnsAll(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"number": 1, "labels": []}, {"number": 2, "labels": []}]`)
	}))

	issues, err := client.ListOpenIssues(context.Background(), "acme", "api", nil)
	if err != nil {
		t.Fatalf("ListOpenIssues() error = %v", err)
	}
	if len(issues) != 2 {
		t.Errorf("got %d issues, want 2", len(issues))
	}
}

func TestRateLimitCapture(t *testing.T) {
	reset := time.Now().Add(30 * time.Minute).Unix()
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Ratelimit-Limit", "5000")
		w.Header().Set("X-Ratelimit-Remaining", "4990")
		w.Header().Set("X-Ratelimit-Reset", fmt.Sprintf("%d", reset))
		fmt.Fprint(w, `[]`)
	}))

	if _, err := client.ListOpenIssues(context.Background(), "a", "b", nil); err != nil {
		t.Fatalf("ListOpenIssues() error = %v", err)
	}

	rl := client.RateLimitSnapshot()
	if rl.Remaining != 4990 {
		t.Errorf("Remaining = %d, want 4990", rl.Remaining)
	}
	if rl.Limit != 5000 {
		t.Errorf("Limit = %d, want 5000", rl.Limit)
	}
	if rl.Reset.Unix() != reset {
		t.Errorf("Reset = %v, want %v", rl.Reset.Unix(), reset)
	}
	if rl.Stale(time.Minute) {
		t.Error("fresh snapshot reported stale")
	}
}

func TestRefreshRateLimit(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rate_limit" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"resources": {"core": {"limit": 5000, "remaining": 12, "reset": 1900000000}}}`)
	}))

	rl, err := client.RefreshRateLimit(context.Background())
	if err != nil {
		t.Fatalf("RefreshRateLimit() error = %v", err)
	}
	if rl.Remaining != 12 {
		t.Errorf("Remaining = %d, want 12", rl.Remaining)
	}
}

func TestCreateCommentRetriesOn500(t *testing.T) {
	attempts := 0
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(Comment{ID: 99, Body: "done"})
	}))

	comment, err := client.CreateComment(context.Background(), "a", "b", 1, "done")
	if err != nil {
		t.Fatalf("CreateComment() error = %v", err)
	}
	if comment.ID != 99 {
		t.Errorf("comment ID = %d, want 99", comment.ID)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRemoveLabelIgnores404(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	if err := client.RemoveLabel(context.Background(), "a", "b", 1, "processing"); err != nil {
		t.Errorf("RemoveLabel() on missing label = %v, want nil", err)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"429", &APIError{StatusCode: 429}, true},
		{"503", &APIError{StatusCode: 503}, true},
		{"404", &APIError{StatusCode: 404}, false},
		{"422", &APIError{StatusCode: 422}, false},
		{"network", fmt.Errorf("dial tcp 1.2.3.4:443: connection refused"), true},
		{"other", fmt.Errorf("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryAfterHeader(t *testing.T) {
	err := &APIError{StatusCode: 429, RetryAfter: 7 * time.Second}
	if got := retryAfter(err); got != 7*time.Second {
		t.Errorf("retryAfter = %v, want 7s", got)
	}

	err = &APIError{StatusCode: 429}
	if got := retryAfter(err); got != time.Minute {
		t.Errorf("retryAfter without header = %v, want 1m", got)
	}
}

func TestHasAnyLabel(t *testing.T) {
	labels := []Label{{Name: "task:bug"}, {Name: "urgent"}}

	if !HasAnyLabel(labels, []string{"wontfix", "URGENT"}) {
		t.Error("expected case-insensitive match on urgent")
	}
	if HasAnyLabel(labels, []string{"wontfix"}) {
		t.Error("unexpected match on wontfix")
	}
}
