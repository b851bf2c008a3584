package scheduler

import (
	"testing"
	"time"

	"github.com/alekspetrov/overseer/internal/queue"
)

func TestKindForLabels(t *testing.T) {
	tests := []struct {
		labels []string
		want   queue.Kind
	}{
		{[]string{"task:bug"}, queue.KindIssue},
		{[]string{"task:feature", "priority:high"}, queue.KindIssue},
		{[]string{"review"}, queue.KindPRReview},
		{[]string{"comment"}, queue.KindComment},
		{[]string{"Task:Feature"}, queue.KindIssue},
		{[]string{"documentation"}, queue.KindIssue},
		{nil, queue.KindIssue},
	}
	for _, tt := range tests {
		if got := KindForLabels(tt.labels); got != tt.want {
			t.Errorf("KindForLabels(%v) = %s, want %s", tt.labels, got, tt.want)
		}
	}
}

func TestBasePriority(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name      string
		labels    []string
		createdAt time.Time
		want      int
	}{
		{"urgent", []string{"priority:urgent"}, now, 100},
		{"high", []string{"priority:high"}, now, 75},
		{"normal", []string{"priority:normal"}, now, 50},
		{"low", []string{"priority:low"}, now, 25},
		{"bare urgent", []string{"urgent"}, now, 100},
		{"unlabeled", nil, now, 50},
		{"one week old", nil, now.Add(-8 * 24 * time.Hour), 60},
		{"two weeks old", nil, now.Add(-15 * 24 * time.Hour), 70},
		{"old urgent clamps", []string{"priority:urgent"}, now.Add(-15 * 24 * time.Hour), 100},
		{"zero created at", nil, time.Time{}, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BasePriority(tt.labels, tt.createdAt); got != tt.want {
				t.Errorf("BasePriority(%v) = %d, want %d", tt.labels, got, tt.want)
			}
		})
	}
}

func TestExtractDeadline(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		wantOK bool
		want   string // YYYY-MM-DD
	}{
		{"plain", "Fix the thing.\ndeadline: 2026-09-15\nThanks", true, "2026-09-15"},
		{"case insensitive", "Deadline: 2026-01-02", true, "2026-01-02"},
		{"indented", "  deadline: 2026-03-04", true, "2026-03-04"},
		{"inline mention ignored", "the deadline: 2026-09-15 is soft", false, ""},
		{"invalid date", "deadline: 2026-13-45", false, ""},
		{"absent", "no dates here", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractDeadline(tt.body)
			if ok != tt.wantOK {
				t.Fatalf("ExtractDeadline() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if got.Format("2006-01-02") != tt.want {
				t.Errorf("deadline = %s, want %s", got.Format("2006-01-02"), tt.want)
			}
			// End of day, so same-day work still counts.
			if got.Hour() != 23 {
				t.Errorf("deadline hour = %d, want 23", got.Hour())
			}
		})
	}
}

func TestIsActionableComment(t *testing.T) {
	tests := []struct {
		body string
		bot  string
		want bool
	}{
		{"Please fix the retry loop", "", true},
		{"can you implement pagination?", "", true},
		{"@overseer-bot take a look", "overseer-bot", true},
		{"LGTM, thanks!", "", false},
		{"interesting discussion", "", false},
		{"UPDATE the schema first", "", true},
		{"", "", false},
	}
	for _, tt := range tests {
		if got := IsActionableComment(tt.body, tt.bot); got != tt.want {
			t.Errorf("IsActionableComment(%q) = %v, want %v", tt.body, got, tt.want)
		}
	}
}

func TestInvalidDateRejected(t *testing.T) {
	if _, ok := ExtractDeadline("deadline: 9999-99-99"); ok {
		t.Error("accepted impossible date")
	}
}
