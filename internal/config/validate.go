package config

import (
	"fmt"
)

var validAlgorithms = map[string]bool{
	AlgorithmPriority:      true,
	AlgorithmWeightedFair:  true,
	AlgorithmDeadlineAware: true,
	AlgorithmResourceAware: true,
}

// Validate checks the configuration for errors a running daemon could not
// recover from.
func (c *Config) Validate() error {
	if c.Daemon == nil {
		return fmt.Errorf("daemon configuration is required")
	}
	if c.Daemon.Port < 1 || c.Daemon.Port > 65535 {
		return fmt.Errorf("invalid daemon port: %d", c.Daemon.Port)
	}
	if c.Daemon.MaxConcurrent < 1 {
		return fmt.Errorf("daemon.max_concurrent must be at least 1, got %d", c.Daemon.MaxConcurrent)
	}
	if c.Daemon.StateDir == "" {
		return fmt.Errorf("daemon.state_dir is required")
	}

	if c.Scheduling != nil && c.Scheduling.Algorithm != "" {
		if !validAlgorithms[c.Scheduling.Algorithm] {
			return fmt.Errorf("unknown scheduling algorithm: %q", c.Scheduling.Algorithm)
		}
	}

	if c.RateLimit != nil {
		if c.RateLimit.Multiplier < 1 {
			return fmt.Errorf("rate_limit.multiplier must be >= 1, got %v", c.RateLimit.Multiplier)
		}
		if c.RateLimit.JitterFraction < 0 || c.RateLimit.JitterFraction > 1 {
			return fmt.Errorf("rate_limit.jitter_fraction must be in [0,1], got %v", c.RateLimit.JitterFraction)
		}
		if c.RateLimit.MaxRetries < 0 {
			return fmt.Errorf("rate_limit.max_retries must be >= 0, got %d", c.RateLimit.MaxRetries)
		}
	}

	seen := make(map[string]bool, len(c.Projects))
	for i, p := range c.Projects {
		if err := p.validate(); err != nil {
			return fmt.Errorf("projects[%d]: %w", i, err)
		}
		if seen[p.ID] {
			return fmt.Errorf("projects[%d]: duplicate project id %q", i, p.ID)
		}
		seen[p.ID] = true
	}

	return nil
}

func (p *ProjectConfig) validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.Owner == "" || p.Repo == "" {
		return fmt.Errorf("owner and repo are required")
	}
	if p.BasePriority < 0 || p.BasePriority > 100 {
		return fmt.Errorf("base_priority must be in [0,100], got %d", p.BasePriority)
	}
	if p.ShareWeight < 0 {
		return fmt.Errorf("share_weight must be >= 0, got %v", p.ShareWeight)
	}
	if p.ResourceQuota != nil && p.ResourceQuota.MaxConcurrent < 0 {
		return fmt.Errorf("resource_quota.max_concurrent must be >= 0, got %d", p.ResourceQuota.MaxConcurrent)
	}
	return nil
}
