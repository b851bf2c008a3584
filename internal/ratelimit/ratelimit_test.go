package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alekspetrov/overseer/internal/config"
	"github.com/alekspetrov/overseer/internal/github"
)

func testConfig() *config.RateLimitConfig {
	return &config.RateLimitConfig{
		InitialBackoffMS: 1000,
		MaxBackoffMS:     60000,
		Multiplier:       2.0,
		JitterFraction:   0, // deterministic for assertions
		MaxRetries:       5,
	}
}

func TestCheckPermissiveWithoutSnapshot(t *testing.T) {
	l := New(testConfig())
	if !l.Check(10) {
		t.Error("Check() = false with no observed quota")
	}
}

func TestCheckAgainstGitHubQuota(t *testing.T) {
	l := New(testConfig())

	l.UpdateGitHub(github.RateLimit{
		Limit:      5000,
		Remaining:  3,
		Reset:      time.Now().Add(time.Hour),
		ObservedAt: time.Now(),
	})
	if !l.Check(3) {
		t.Error("Check(3) = false with 3 remaining")
	}
	if l.Check(4) {
		t.Error("Check(4) = true with 3 remaining")
	}
}

func TestAILimitWindow(t *testing.T) {
	l := New(testConfig())

	l.MarkAILimited(time.Now().Add(50 * time.Millisecond))
	if !l.AILimited() {
		t.Error("AILimited() = false inside window")
	}
	if l.Check(1) {
		t.Error("Check() = true while AI limited")
	}

	time.Sleep(60 * time.Millisecond)
	if l.AILimited() {
		t.Error("AILimited() = true after window passed")
	}
	if !l.Check(1) {
		t.Error("Check() = false after window passed")
	}
}

func TestWaitForResetReturnsOnCancel(t *testing.T) {
	l := New(testConfig())
	l.MarkAILimited(time.Now().Add(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.WaitForReset(ctx)
	if err != context.DeadlineExceeded {
		t.Errorf("WaitForReset() error = %v, want DeadlineExceeded", err)
	}
}

func TestWaitForResetNoBlockWhenClear(t *testing.T) {
	l := New(testConfig())
	if err := l.WaitForReset(context.Background()); err != nil {
		t.Errorf("WaitForReset() error = %v", err)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	l := New(testConfig())

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second, // capped
		60 * time.Second,
	}
	for i, w := range want {
		got := l.BackoffFor("t1")
		if got != w {
			t.Errorf("attempt %d: backoff = %v, want %v", i, got, w)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	cfg := testConfig()
	cfg.JitterFraction = 0.2
	l := New(cfg)

	for i := 0; i < 50; i++ {
		got := l.BackoffFor("t1")
		l.ResetBackoff("t1")
		lo, hi := 800*time.Millisecond, 1200*time.Millisecond
		if got < lo || got > hi {
			t.Fatalf("jittered backoff = %v, want within [%v, %v]", got, lo, hi)
		}
	}
}

func TestShouldRetryExhaustsBudget(t *testing.T) {
	l := New(testConfig())

	for i := 0; i < 5; i++ {
		if !l.ShouldRetry("t1") {
			t.Fatalf("ShouldRetry() = false at attempt %d", i)
		}
		l.BackoffFor("t1")
	}
	if l.ShouldRetry("t1") {
		t.Error("ShouldRetry() = true after max retries")
	}

	l.ResetBackoff("t1")
	if !l.ShouldRetry("t1") {
		t.Error("ShouldRetry() = false after reset")
	}
}

func TestBackoffIsPerTask(t *testing.T) {
	l := New(testConfig())

	l.BackoffFor("t1")
	l.BackoffFor("t1")
	if got := l.Attempts("t1"); got != 2 {
		t.Errorf("Attempts(t1) = %d, want 2", got)
	}
	if got := l.Attempts("t2"); got != 0 {
		t.Errorf("Attempts(t2) = %d, want 0", got)
	}
}

func TestIsRemoteLimitError(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"You've hit your limit · resets 6am (Europe/Podgorica)", true},
		{"Rate limit exceeded, try again later", true},
		{"usage resets 2:30pm (UTC)", true},
		{"command not found: claude", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsRemoteLimitError(tt.msg); got != tt.want {
			t.Errorf("IsRemoteLimitError(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestParseRemoteReset(t *testing.T) {
	tests := []struct {
		name       string
		msg        string
		wantOK     bool
		wantHour   int
		wantMinute int
	}{
		{"hour am", "You've hit your limit · resets 6am (UTC)", true, 6, 0},
		{"hour pm", "You've hit your limit · resets 2pm (UTC)", true, 14, 0},
		{"noon", "You've hit your limit · resets 12pm (UTC)", true, 12, 0},
		{"midnight", "You've hit your limit · resets 12am (UTC)", true, 0, 0},
		{"hour minute pm", "You've hit your limit · resets 2:30pm (UTC)", true, 14, 30},
		{"24 hour", "limit resets 14:30 (UTC)", true, 14, 30},
		{"no reset clause", "rate limit exceeded", false, 0, 0},
		{"not a limit", "all good", false, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reset, ok := ParseRemoteReset(tt.msg)
			if ok != tt.wantOK {
				t.Fatalf("ParseRemoteReset() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			utc := reset.UTC()
			if utc.Hour() != tt.wantHour || utc.Minute() != tt.wantMinute {
				t.Errorf("reset = %02d:%02d, want %02d:%02d",
					utc.Hour(), utc.Minute(), tt.wantHour, tt.wantMinute)
			}
			if !reset.After(time.Now().Add(-time.Minute)) {
				t.Errorf("reset %v is in the past", reset)
			}
		})
	}
}
