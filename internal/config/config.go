// Package config loads and validates the Overseer daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alekspetrov/overseer/internal/logging"
)

// Scheduling algorithm names accepted in scheduling.algorithm.
const (
	AlgorithmPriority      = "priority-based"
	AlgorithmWeightedFair  = "weighted-fair"
	AlgorithmDeadlineAware = "deadline-aware"
	AlgorithmResourceAware = "resource-aware"
)

// Config is the root configuration tree.
type Config struct {
	Version    string            `yaml:"version"`
	Daemon     *DaemonConfig     `yaml:"daemon"`
	Defaults   *DefaultsConfig   `yaml:"defaults"`
	RateLimit  *RateLimitConfig  `yaml:"rate_limit"`
	Scheduling *SchedulingConfig `yaml:"scheduling"`
	GitHub     *GitHubConfig     `yaml:"github"`
	Executor   *ExecutorConfig   `yaml:"executor"`
	Logging    *logging.Config   `yaml:"logging"`
	Projects   []*ProjectConfig  `yaml:"projects"`
}

// DaemonConfig holds process-wide daemon settings.
type DaemonConfig struct {
	// MaxConcurrent is the number of worker slots.
	MaxConcurrent int `yaml:"max_concurrent"`
	// Host and Port bind the admin gateway.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// StateDir is the directory holding all persisted state.
	StateDir string `yaml:"state_dir"`
	// ShutdownGraceMS bounds the wait for in-flight workers on shutdown.
	ShutdownGraceMS int `yaml:"shutdown_grace_ms"`
}

// DefaultsConfig holds per-project fallbacks.
type DefaultsConfig struct {
	CheckIntervalMS int `yaml:"check_interval_ms"`
	TaskTimeoutMS   int `yaml:"task_timeout_ms"`
}

// RateLimitConfig holds backoff and retry settings.
type RateLimitConfig struct {
	InitialBackoffMS int     `yaml:"initial_backoff_ms"`
	MaxBackoffMS     int     `yaml:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction"`
	MaxRetries       int     `yaml:"max_retries"`
}

// SchedulingConfig selects and tunes the queue algorithm.
type SchedulingConfig struct {
	Algorithm              string `yaml:"algorithm"`
	DynamicPriorityEnabled bool   `yaml:"dynamic_priority_enabled"`
	ResourceQuotaEnabled   bool   `yaml:"resource_quota_enabled"`
	PollIntervalMS         int    `yaml:"poll_interval_ms"`
	MaxQueueDepth          int    `yaml:"max_queue_depth"`
}

// GitHubConfig holds upstream tracker credentials.
type GitHubConfig struct {
	Token   string `yaml:"token"`
	BaseURL string `yaml:"base_url"`
}

// ExecutorConfig holds AI CLI invocation settings.
type ExecutorConfig struct {
	// Command is the AI CLI binary (default "claude").
	Command string `yaml:"command"`
	// ExtraArgs are appended to every invocation.
	ExtraArgs []string `yaml:"extra_args"`
	// MaxOutputBytes caps the result output size accepted by the result handler.
	MaxOutputBytes int64 `yaml:"max_output_bytes"`
}

// ResourceQuotaConfig bounds a project's share of the worker pool.
type ResourceQuotaConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	CPU           string `yaml:"cpu"`    // e.g. "500m"
	Memory        string `yaml:"memory"` // e.g. "1Gi"
}

// ProjectSchedulingConfig holds per-project scheduling targets.
type ProjectSchedulingConfig struct {
	DeadlineMS    int     `yaml:"deadline_ms"`
	MinThroughput float64 `yaml:"min_throughput"` // tasks per hour
	MaxLatencyMS  int     `yaml:"max_latency_ms"`
	TaskTimeoutMS int     `yaml:"task_timeout_ms"`
}

// ProjectConfig describes one polled repository.
type ProjectConfig struct {
	ID    string `yaml:"id"`
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`
	// Path is the local checkout the executor runs in. Empty means the
	// daemon's working directory.
	Path                string                   `yaml:"path"`
	PollingIntervalMS   int                      `yaml:"polling_interval_ms"`
	Labels              []string                 `yaml:"labels"`
	ExcludeLabels       []string                 `yaml:"exclude_labels"`
	ProcessComments     bool                     `yaml:"process_comments"`
	ProcessPullRequests bool                     `yaml:"process_pull_requests"`
	BasePriority        int                      `yaml:"base_priority"`
	ShareWeight         float64                  `yaml:"share_weight"`
	ResourceQuota       *ResourceQuotaConfig     `yaml:"resource_quota"`
	Scheduling          *ProjectSchedulingConfig `yaml:"scheduling"`
	Enabled             *bool                    `yaml:"enabled"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Version: "1.0",
		Daemon: &DaemonConfig{
			MaxConcurrent:   2,
			Host:            "127.0.0.1",
			Port:            9090,
			StateDir:        filepath.Join(homeDir, ".overseer", "state"),
			ShutdownGraceMS: 30000,
		},
		Defaults: &DefaultsConfig{
			CheckIntervalMS: 60000,
			TaskTimeoutMS:   600000,
		},
		RateLimit: &RateLimitConfig{
			InitialBackoffMS: 1000,
			MaxBackoffMS:     300000,
			Multiplier:       2.0,
			JitterFraction:   0.2,
			MaxRetries:       5,
		},
		Scheduling: &SchedulingConfig{
			Algorithm:              AlgorithmWeightedFair,
			DynamicPriorityEnabled: true,
			ResourceQuotaEnabled:   true,
			PollIntervalMS:         1000,
			MaxQueueDepth:          1000,
		},
		GitHub: &GitHubConfig{
			Token: os.Getenv("GITHUB_TOKEN"),
		},
		Executor: &ExecutorConfig{
			Command:        "claude",
			MaxOutputBytes: 1 << 20,
		},
		Logging:  logging.DefaultConfig(),
		Projects: []*ProjectConfig{},
	}
}

// Load reads configuration from path, layering it over defaults.
// A missing file returns the defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if config.Daemon != nil {
		config.Daemon.StateDir = expandPath(config.Daemon.StateDir)
	}

	return config, nil
}

// Save writes configuration to path, creating parent directories.
func Save(config *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// DefaultConfigPath returns the default configuration path.
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".overseer", "config.yaml")
}

// GetProject returns the project config with the given ID, or nil.
func (c *Config) GetProject(id string) *ProjectConfig {
	for _, p := range c.Projects {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// IsEnabled reports whether the project should be polled. Projects are enabled
// unless explicitly disabled.
func (p *ProjectConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// PollingInterval returns the project's polling interval clamped to [min, max].
func (p *ProjectConfig) PollingInterval(min, max time.Duration) time.Duration {
	interval := time.Duration(p.PollingIntervalMS) * time.Millisecond
	if interval < min {
		return min
	}
	if interval > max {
		return max
	}
	return interval
}

// TaskTimeout returns the effective timeout for the project's tasks, falling
// back to the daemon default.
func (p *ProjectConfig) TaskTimeout(defaults *DefaultsConfig) time.Duration {
	if p.Scheduling != nil && p.Scheduling.TaskTimeoutMS > 0 {
		return time.Duration(p.Scheduling.TaskTimeoutMS) * time.Millisecond
	}
	if defaults != nil && defaults.TaskTimeoutMS > 0 {
		return time.Duration(defaults.TaskTimeoutMS) * time.Millisecond
	}
	return 10 * time.Minute
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
