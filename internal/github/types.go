package github

import "time"

// Issue represents a GitHub issue.
type Issue struct {
	ID        int64     `json:"id"`
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	Labels    []Label   `json:"labels"`
	User      User      `json:"user"`
	HTMLURL   string    `json:"html_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// PullRequest is set when the "issue" is actually a PR; the issues list
	// endpoint returns both.
	PullRequest *struct {
		URL string `json:"url"`
	} `json:"pull_request,omitempty"`
}

// IsPullRequest reports whether this issue record is a pull request.
func (i *Issue) IsPullRequest() bool {
	return i.PullRequest != nil
}

// Label represents a GitHub label.
type Label struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// User represents a GitHub user.
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
}

// Comment represents an issue comment.
type Comment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	User      User      `json:"user"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PullRequest represents a pull request.
type PullRequest struct {
	ID        int64     `json:"id"`
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	Draft     bool      `json:"draft"`
	Labels    []Label   `json:"labels"`
	User      User      `json:"user"`
	HTMLURL   string    `json:"html_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Head      PRRef     `json:"head"`
	Base      PRRef     `json:"base"`
}

// PRRef identifies one side of a pull request.
type PRRef struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

// PullRequestFile is one changed file in a PR.
type PullRequestFile struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Patch     string `json:"patch,omitempty"`
}

// PullRequestCommit is one commit in a PR.
type PullRequestCommit struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message string `json:"message"`
		Author  struct {
			Name string    `json:"name"`
			Date time.Time `json:"date"`
		} `json:"author"`
	} `json:"commit"`
}

// Review event values accepted by CreateReview.
const (
	ReviewEventApprove        = "APPROVE"
	ReviewEventComment        = "COMMENT"
	ReviewEventRequestChanges = "REQUEST_CHANGES"
)

// ReviewInput is the payload for creating a pull request review.
type ReviewInput struct {
	Body  string `json:"body"`
	Event string `json:"event"`
}

// Review is a created pull request review.
type Review struct {
	ID    int64  `json:"id"`
	Body  string `json:"body"`
	State string `json:"state"`
}

// RateLimit is a snapshot of the API quota taken from response headers.
type RateLimit struct {
	Limit     int
	Remaining int
	Reset     time.Time
	// ObservedAt is when the snapshot was captured.
	ObservedAt time.Time
}

// Stale reports whether the snapshot is older than maxAge.
func (r RateLimit) Stale(maxAge time.Duration) bool {
	return r.ObservedAt.IsZero() || time.Since(r.ObservedAt) > maxAge
}
