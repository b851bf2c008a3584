package scheduler

import (
	"regexp"
	"strings"
	"time"

	"github.com/alekspetrov/overseer/internal/queue"
)

// Label-to-kind mapping. Anything unmatched defaults to a plain issue task.
var kindByLabel = map[string]queue.Kind{
	"task:bug":     queue.KindIssue,
	"task:feature": queue.KindIssue,
	"task:chore":   queue.KindIssue,
	"comment":      queue.KindComment,
	"review":       queue.KindPRReview,
}

// Label-to-priority mapping.
var priorityByLabel = map[string]int{
	"priority:urgent": 100,
	"priority:high":   75,
	"priority:normal": 50,
	"priority:low":    25,
	"urgent":          100,
	"high":            75,
	"low":             25,
}

const (
	defaultBasePriority = 50
	ageBoost            = 10
	ageBoostAfter       = 7 * 24 * time.Hour
	secondAgeBoostAfter = 14 * 24 * time.Hour
)

// KindForLabels maps an item's labels to a task kind.
func KindForLabels(labels []string) queue.Kind {
	for _, l := range labels {
		if kind, ok := kindByLabel[strings.ToLower(l)]; ok {
			return kind
		}
	}
	return queue.KindIssue
}

// BasePriority derives an item's base priority from its labels plus age
// boosts: +10 beyond 7 days, +10 more beyond 14.
func BasePriority(labels []string, createdAt time.Time) int {
	prio := defaultBasePriority
	for _, l := range labels {
		if p, ok := priorityByLabel[strings.ToLower(l)]; ok {
			prio = p
			break
		}
	}

	if !createdAt.IsZero() {
		age := time.Since(createdAt)
		if age > ageBoostAfter {
			prio += ageBoost
		}
		if age > secondAgeBoostAfter {
			prio += ageBoost
		}
	}
	return queue.ClampPriority(prio)
}

// deadlinePattern matches a "deadline: YYYY-MM-DD" clause in an issue body.
var deadlinePattern = regexp.MustCompile(`(?im)^\s*deadline:\s*(\d{4}-\d{2}-\d{2})\s*$`)

// ExtractDeadline pulls an optional deadline date out of an issue body. The
// deadline lands at end of that day, local time.
func ExtractDeadline(body string) (time.Time, bool) {
	matches := deadlinePattern.FindStringSubmatch(body)
	if matches == nil {
		return time.Time{}, false
	}
	day, err := time.ParseInLocation("2006-01-02", matches[1], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return day.Add(24*time.Hour - time.Second), true
}

// actionKeywords mark a comment as a work request rather than conversation.
var actionKeywords = []string{
	"please",
	"fix",
	"implement",
	"update",
	"change",
	"add ",
	"remove",
	"retry",
	"redo",
	"can you",
	"could you",
}

// IsActionableComment reports whether a comment asks for work. An explicit
// @mention of the bot login always counts.
func IsActionableComment(body, botLogin string) bool {
	lower := strings.ToLower(body)
	if botLogin != "" && strings.Contains(lower, "@"+strings.ToLower(botLogin)) {
		return true
	}
	for _, kw := range actionKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
