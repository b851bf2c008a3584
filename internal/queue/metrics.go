package queue

import (
	"time"
)

// completionSample is one finished task in the rolling window.
type completionSample struct {
	at      time.Time
	latency time.Duration // enqueue to completion
	exec    time.Duration
}

// projectMetrics accumulates per-project counters plus a rolling one-hour
// window for throughput and latency.
type projectMetrics struct {
	Enqueued  int64
	Completed int64
	Failed    int64

	totalExec time.Duration
	totalWait time.Duration

	window []completionSample
}

const metricsWindow = time.Hour

func (m *projectMetrics) recordEnqueue() {
	m.Enqueued++
}

func (m *projectMetrics) recordCompletion(t *Task, failed bool) {
	if failed {
		m.Failed++
	} else {
		m.Completed++
	}

	exec := t.ExecutionTime()
	m.totalExec += exec
	m.totalWait += t.WaitTime()

	m.window = append(m.window, completionSample{
		at:      time.Now(),
		latency: time.Since(t.EnqueuedAt),
		exec:    exec,
	})
	m.pruneWindow()
}

func (m *projectMetrics) pruneWindow() {
	cutoff := time.Now().Add(-metricsWindow)
	i := 0
	for i < len(m.window) && m.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.window = append(m.window[:0], m.window[i:]...)
	}
}

// Throughput returns completions per hour over the rolling window.
func (m *projectMetrics) Throughput() float64 {
	m.pruneWindow()
	return float64(len(m.window))
}

// AvgLatency returns the mean enqueue-to-completion latency over the window.
func (m *projectMetrics) AvgLatency() time.Duration {
	m.pruneWindow()
	if len(m.window) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range m.window {
		total += s.latency
	}
	return total / time.Duration(len(m.window))
}

// AvgExecution returns the mean execution time over all completions.
func (m *projectMetrics) AvgExecution() time.Duration {
	done := m.Completed + m.Failed
	if done == 0 {
		return 0
	}
	return m.totalExec / time.Duration(done)
}

// AvgWait returns the mean queue wait over all completions.
func (m *projectMetrics) AvgWait() time.Duration {
	done := m.Completed + m.Failed
	if done == 0 {
		return 0
	}
	return m.totalWait / time.Duration(done)
}

// ProjectStats is the exported per-project metrics snapshot.
type ProjectStats struct {
	ProjectID    string        `json:"project_id"`
	Enqueued     int64         `json:"enqueued"`
	Completed    int64         `json:"completed"`
	Failed       int64         `json:"failed"`
	QueueDepth   int           `json:"queue_depth"`
	RunningCount int           `json:"running_count"`
	Throughput   float64       `json:"throughput_per_hour"`
	AvgLatency   time.Duration `json:"avg_latency"`
	AvgExecution time.Duration `json:"avg_execution"`
	AvgWait      time.Duration `json:"avg_wait"`
	FairTokens   float64       `json:"fair_tokens"`
	DynamicPrio  int           `json:"dynamic_priority"`
}

// JainIndex computes Jain's fairness index (Σx)²/(n·Σx²) over the given
// values. An empty or all-zero input yields 1 (trivially fair).
func JainIndex(values []float64) float64 {
	if len(values) == 0 {
		return 1
	}
	var sum, sumSq float64
	for _, v := range values {
		sum += v
		sumSq += v * v
	}
	if sumSq == 0 {
		return 1
	}
	return (sum * sum) / (float64(len(values)) * sumSq)
}
