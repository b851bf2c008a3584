package main

import (
	"strings"
	"testing"

	"github.com/alekspetrov/overseer/internal/config"
)

func validTestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.GitHub.Token = "ghp_test"
	cfg.Projects = []*config.ProjectConfig{
		{ID: "api", Owner: "acme", Repo: "api"},
	}
	return cfg
}

func TestValidateConfigAccepts(t *testing.T) {
	if problems := validateConfig(validTestConfig()); len(problems) != 0 {
		t.Errorf("problems = %v", problems)
	}
}

func TestValidateConfigRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{
			name:   "no slots",
			mutate: func(c *config.Config) { c.Daemon.MaxConcurrent = 0 },
			want:   "max_concurrent",
		},
		{
			name:   "bad port",
			mutate: func(c *config.Config) { c.Daemon.Port = 0 },
			want:   "port",
		},
		{
			name:   "unknown algorithm",
			mutate: func(c *config.Config) { c.Scheduling.Algorithm = "round-robin" },
			want:   "algorithm",
		},
		{
			name:   "flat backoff",
			mutate: func(c *config.Config) { c.RateLimit.Multiplier = 1 },
			want:   "multiplier",
		},
		{
			name:   "missing token",
			mutate: func(c *config.Config) { c.GitHub.Token = "" },
			want:   "token",
		},
		{
			name: "incomplete project",
			mutate: func(c *config.Config) {
				c.Projects = append(c.Projects, &config.ProjectConfig{ID: "web"})
			},
			want: "requires id, owner, and repo",
		},
		{
			name: "duplicate project",
			mutate: func(c *config.Config) {
				c.Projects = append(c.Projects, &config.ProjectConfig{ID: "api", Owner: "acme", Repo: "api2"})
			},
			want: "duplicate",
		},
		{
			name: "bad quota",
			mutate: func(c *config.Config) {
				c.Projects[0].ResourceQuota = &config.ResourceQuotaConfig{CPU: "lots"}
			},
			want: "projects[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)
			problems := validateConfig(cfg)
			if len(problems) == 0 {
				t.Fatal("expected a problem")
			}
			found := false
			for _, p := range problems {
				if strings.Contains(p, tt.want) {
					found = true
				}
			}
			if !found {
				t.Errorf("problems %v missing %q", problems, tt.want)
			}
		})
	}
}
