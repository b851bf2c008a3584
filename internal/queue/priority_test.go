package queue

import (
	"testing"
	"time"
)

func TestEffectivePriority(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name       string
		project    int
		task       int
		deadline   time.Time
		underQuota bool
		want       int
	}{
		{"equal weights", 50, 50, time.Time{}, false, 50},
		{"project dominates", 100, 0, time.Time{}, false, 60},
		{"task side", 0, 100, time.Time{}, false, 40},
		{"deadline within 24h", 50, 50, now.Add(12 * time.Hour), false, 70},
		{"deadline within 72h", 50, 50, now.Add(48 * time.Hour), false, 60},
		{"deadline far out", 50, 50, now.Add(200 * time.Hour), false, 50},
		{"under quota boost", 50, 50, time.Time{}, true, 55},
		{"clamped at 100", 100, 100, now.Add(time.Hour), true, 100},
		{"floor at 0", 0, 0, time.Time{}, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EffectivePriority(tt.project, tt.task, tt.deadline, tt.underQuota)
			if got != tt.want {
				t.Errorf("EffectivePriority(%d, %d) = %d, want %d", tt.project, tt.task, got, tt.want)
			}
		})
	}
}

func TestClampPriority(t *testing.T) {
	if got := ClampPriority(150); got != 100 {
		t.Errorf("ClampPriority(150) = %d", got)
	}
	if got := ClampPriority(-10); got != 0 {
		t.Errorf("ClampPriority(-10) = %d", got)
	}
	if got := ClampPriority(42); got != 42 {
		t.Errorf("ClampPriority(42) = %d", got)
	}
}
