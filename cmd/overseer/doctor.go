package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/overseer/internal/config"
	"github.com/alekspetrov/overseer/internal/health"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the environment before starting the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return err
			}

			report := health.RunChecks(cfg)

			fmt.Println("🩺 Overseer Doctor")
			fmt.Println("───────────────────────────────────────")
			for _, c := range report.Checks {
				fmt.Printf("  %s %-16s %s\n", c.Status.Symbol(), c.Name, c.Message)
				if c.Fix != "" && c.Status != health.StatusOK {
					fmt.Printf("      → %s\n", c.Fix)
				}
			}
			fmt.Println()

			if !report.Healthy() {
				return fmt.Errorf("environment is not ready")
			}
			fmt.Println("Environment looks good.")
			return nil
		},
	}
}
