package ratelimit

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// IsRemoteLimitError reports whether the AI tool's output indicates a usage
// limit.
func IsRemoteLimitError(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "hit your limit") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "resets")
}

// Reset-time formats emitted by the AI tool:
//
//	"You've hit your limit · resets 6am (Europe/Podgorica)"
//	"You've hit your limit · resets 2:30pm (UTC)"
//	"resets 14:30 (UTC)"
var resetPatterns = []*regexp.Regexp{
	regexp.MustCompile(`resets\s+(\d{1,2}):(\d{2})(am|pm)\s+\(([^)]+)\)`),
	regexp.MustCompile(`resets\s+(\d{1,2})(am|pm)\s+\(([^)]+)\)`),
	regexp.MustCompile(`resets\s+(\d{1,2}):(\d{2})\s+\(([^)]+)\)`),
}

// ParseRemoteReset extracts the reset time from an AI-tool limit message. It
// returns false when the message carries no recognizable reset clause.
func ParseRemoteReset(msg string) (time.Time, bool) {
	if !IsRemoteLimitError(msg) {
		return time.Time{}, false
	}

	for i, pattern := range resetPatterns {
		matches := pattern.FindStringSubmatch(msg)
		if matches == nil {
			continue
		}

		var hour, minute int
		var ampm, tz string
		switch i {
		case 0: // hour:minute with am/pm
			hour, _ = strconv.Atoi(matches[1])
			minute, _ = strconv.Atoi(matches[2])
			ampm = strings.ToLower(matches[3])
			tz = matches[4]
		case 1: // hour only with am/pm
			hour, _ = strconv.Atoi(matches[1])
			ampm = strings.ToLower(matches[2])
			tz = matches[3]
		case 2: // 24-hour clock
			hour, _ = strconv.Atoi(matches[1])
			minute, _ = strconv.Atoi(matches[2])
			tz = matches[3]
		}

		if ampm == "pm" && hour != 12 {
			hour += 12
		} else if ampm == "am" && hour == 12 {
			hour = 0
		}

		loc, err := time.LoadLocation(tz)
		if err != nil {
			loc = time.Local
		}

		now := time.Now().In(loc)
		reset := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
		if reset.Before(now) {
			reset = reset.Add(24 * time.Hour)
		}
		return reset, true
	}

	return time.Time{}, false
}
