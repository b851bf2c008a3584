// Package github is a minimal GitHub REST client covering the operations the
// daemon consumes: issue/comment/PR discovery and result reporting.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://api.github.com"

// Client is a GitHub API client. It is safe for concurrent use.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	// pacer smooths request bursts so a single poll cannot drain the quota.
	pacer *rate.Limiter

	mu        sync.RWMutex
	rateLimit RateLimit
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (GitHub Enterprise, tests).
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithPacer overrides request pacing. The default allows 5 req/s with a burst
// of 10, well under GitHub's secondary limits.
func WithPacer(l *rate.Limiter) Option {
	return func(c *Client) {
		c.pacer = l
	}
}

// NewClient creates a new GitHub client authenticated with token.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		token:   token,
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		pacer: rate.NewLimiter(rate.Limit(5), 10),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response from the GitHub API.
type APIError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: API error (status %d): %s", e.StatusCode, e.Body)
}

// RateLimitSnapshot returns the quota state captured from the most recent
// response headers.
func (c *Client) RateLimitSnapshot() RateLimit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rateLimit
}

// RefreshRateLimit queries /rate_limit explicitly. Useful when no request has
// been made recently enough to trust the cached snapshot.
func (c *Client) RefreshRateLimit(ctx context.Context) (RateLimit, error) {
	var body struct {
		Resources struct {
			Core struct {
				Limit     int   `json:"limit"`
				Remaining int   `json:"remaining"`
				Reset     int64 `json:"reset"`
			} `json:"core"`
		} `json:"resources"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/rate_limit", nil, &body); err != nil {
		return RateLimit{}, err
	}

	rl := RateLimit{
		Limit:      body.Resources.Core.Limit,
		Remaining:  body.Resources.Core.Remaining,
		Reset:      time.Unix(body.Resources.Core.Reset, 0),
		ObservedAt: time.Now(),
	}

	c.mu.Lock()
	c.rateLimit = rl
	c.mu.Unlock()

	return rl, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any) error {
	if err := c.pacer.Wait(ctx); err != nil {
		return err
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("github: failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("github: failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("github: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.captureRateLimit(resp)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("github: failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		}
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, perr := strconv.Atoi(s); perr == nil {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("github: failed to parse response: %w", err)
		}
	}

	return nil
}

func (c *Client) captureRateLimit(resp *http.Response) {
	remaining := resp.Header.Get("X-Ratelimit-Remaining")
	if remaining == "" {
		return
	}

	rl := RateLimit{ObservedAt: time.Now()}
	rl.Remaining, _ = strconv.Atoi(remaining)
	rl.Limit, _ = strconv.Atoi(resp.Header.Get("X-Ratelimit-Limit"))
	if reset, err := strconv.ParseInt(resp.Header.Get("X-Ratelimit-Reset"), 10, 64); err == nil {
		rl.Reset = time.Unix(reset, 0)
	}

	c.mu.Lock()
	c.rateLimit = rl
	c.mu.Unlock()
}

// ListOpenIssues lists open issues, excluding pull requests. Label filtering
// happens client-side because the API's label query is case-sensitive.
func (c *Client) ListOpenIssues(ctx context.Context, owner, repo string, labels []string) ([]*Issue, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues?state=open&sort=created&direction=asc&per_page=100", owner, repo)

	var issues []*Issue
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &issues); err != nil {
		return nil, err
	}

	var filtered []*Issue
	for _, issue := range issues {
		if issue.IsPullRequest() {
			continue
		}
		if len(labels) > 0 && !HasAnyLabel(issue.Labels, labels) {
			continue
		}
		filtered = append(filtered, issue)
	}
	return filtered, nil
}

// GetIssue fetches a single issue.
func (c *Client) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number)
	var issue Issue
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// ListIssueCommentsSince lists comments on an issue created or updated after
// since.
func (c *Client) ListIssueCommentsSince(ctx context.Context, owner, repo string, number int, since time.Time) ([]*Comment, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments?per_page=100", owner, repo, number)
	if !since.IsZero() {
		path += "&since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	}

	var comments []*Comment
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &comments); err != nil {
		return nil, err
	}
	return comments, nil
}

// ListOpenPullRequests lists open pull requests.
func (c *Client) ListOpenPullRequests(ctx context.Context, owner, repo string) ([]*PullRequest, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls?state=open&sort=updated&direction=desc&per_page=100", owner, repo)

	var prs []*PullRequest
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &prs); err != nil {
		return nil, err
	}
	return prs, nil
}

// GetPullRequest fetches a single pull request.
func (c *Client) GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)
	var pr PullRequest
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

// ListPullRequestFiles lists the changed files of a pull request.
func (c *Client) ListPullRequestFiles(ctx context.Context, owner, repo string, number int) ([]*PullRequestFile, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/files?per_page=100", owner, repo, number)
	var files []*PullRequestFile
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &files); err != nil {
		return nil, err
	}
	return files, nil
}

// ListPullRequestCommits lists the commits of a pull request.
func (c *Client) ListPullRequestCommits(ctx context.Context, owner, repo string, number int) ([]*PullRequestCommit, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/commits?per_page=100", owner, repo, number)
	var commits []*PullRequestCommit
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &commits); err != nil {
		return nil, err
	}
	return commits, nil
}

// CreateComment posts a comment on an issue or pull request.
func (c *Client) CreateComment(ctx context.Context, owner, repo string, number int, body string) (*Comment, error) {
	return WithRetry(ctx, func() (*Comment, error) {
		path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number)
		var comment Comment
		if err := c.doRequest(ctx, http.MethodPost, path, map[string]string{"body": body}, &comment); err != nil {
			return nil, err
		}
		return &comment, nil
	}, DefaultRetryOptions())
}

// AddLabels adds labels to an issue.
func (c *Client) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	return WithRetryVoid(ctx, func() error {
		path := fmt.Sprintf("/repos/%s/%s/issues/%d/labels", owner, repo, number)
		return c.doRequest(ctx, http.MethodPost, path, map[string][]string{"labels": labels}, nil)
	}, DefaultRetryOptions())
}

// RemoveLabel removes a label from an issue. A missing label is not an error.
func (c *Client) RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error {
	return WithRetryVoid(ctx, func() error {
		path := fmt.Sprintf("/repos/%s/%s/issues/%d/labels/%s", owner, repo, number, url.PathEscape(label))
		err := c.doRequest(ctx, http.MethodDelete, path, nil, nil)
		var apiErr *APIError
		if AsAPIError(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return err
	}, DefaultRetryOptions())
}

// CreateReview posts a pull request review.
func (c *Client) CreateReview(ctx context.Context, owner, repo string, number int, input *ReviewInput) (*Review, error) {
	return WithRetry(ctx, func() (*Review, error) {
		path := fmt.Sprintf("/repos/%s/%s/pulls/%d/reviews", owner, repo, number)
		var review Review
		if err := c.doRequest(ctx, http.MethodPost, path, input, &review); err != nil {
			return nil, err
		}
		return &review, nil
	}, DefaultRetryOptions())
}

// HasAnyLabel reports whether any of want appears in labels (case-insensitive).
func HasAnyLabel(labels []Label, want []string) bool {
	for _, label := range labels {
		for _, w := range want {
			if strings.EqualFold(label.Name, w) {
				return true
			}
		}
	}
	return false
}

// LabelNames extracts the label names.
func LabelNames(labels []Label) []string {
	names := make([]string, 0, len(labels))
	for _, l := range labels {
		names = append(names, l.Name)
	}
	return names
}
