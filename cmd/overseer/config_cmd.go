package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/alekspetrov/overseer/internal/config"
	"github.com/alekspetrov/overseer/internal/queue"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and manage configuration",
	}
	cmd.AddCommand(newConfigInitCmd(), newConfigShowCmd(), newConfigValidateCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			if err := config.Save(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Printf("✅ Wrote default config to %s\n", path)
			fmt.Println("   Add projects under the 'projects:' key, then run 'overseer start'.")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config file")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			problems := validateConfig(cfg)
			if len(problems) == 0 {
				fmt.Printf("✅ %s is valid\n", path)
				return nil
			}

			fmt.Printf("❌ %s has %d problem(s):\n", path, len(problems))
			for _, p := range problems {
				fmt.Printf("   • %s\n", p)
			}
			return fmt.Errorf("configuration invalid")
		},
	}
}

func validateConfig(cfg *config.Config) []string {
	var problems []string

	if cfg.Daemon.MaxConcurrent < 1 {
		problems = append(problems, "daemon.max_concurrent must be at least 1")
	}
	if cfg.Daemon.Port < 1 || cfg.Daemon.Port > 65535 {
		problems = append(problems, fmt.Sprintf("daemon.port %d out of range", cfg.Daemon.Port))
	}
	if cfg.Daemon.StateDir == "" {
		problems = append(problems, "daemon.state_dir is required")
	}

	switch cfg.Scheduling.Algorithm {
	case config.AlgorithmPriority, config.AlgorithmWeightedFair,
		config.AlgorithmDeadlineAware, config.AlgorithmResourceAware:
	default:
		problems = append(problems,
			fmt.Sprintf("scheduling.algorithm %q is not recognized", cfg.Scheduling.Algorithm))
	}

	if cfg.RateLimit.Multiplier <= 1 {
		problems = append(problems, "rate_limit.multiplier must be greater than 1")
	}

	if cfg.GitHub.Token == "" {
		problems = append(problems, "github.token is empty (set GITHUB_TOKEN)")
	}

	seen := make(map[string]bool)
	for i, p := range cfg.Projects {
		where := fmt.Sprintf("projects[%d]", i)
		if p.ID == "" || p.Owner == "" || p.Repo == "" {
			problems = append(problems, where+" requires id, owner, and repo")
			continue
		}
		if seen[p.ID] {
			problems = append(problems, where+": duplicate project id "+p.ID)
		}
		seen[p.ID] = true

		if p.BasePriority < 0 || p.BasePriority > 100 {
			problems = append(problems, where+": base_priority must be 0-100")
		}
		if p.ShareWeight < 0 {
			problems = append(problems, where+": share_weight must not be negative")
		}
		if p.ResourceQuota != nil {
			if _, err := queue.ParseQuota(p.ResourceQuota.MaxConcurrent,
				p.ResourceQuota.CPU, p.ResourceQuota.Memory); err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", where, err))
			}
		}
	}

	return problems
}
