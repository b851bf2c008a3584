package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/overseer/internal/config"
)

var version = "0.1.0"

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "overseer",
		Short: "Autonomous GitHub issue orchestration",
		Long: `Overseer is a long-running daemon that polls GitHub repositories for
actionable issues, comments, and pull requests, schedules them fairly across
projects, and dispatches each one to an AI CLI worker.`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default ~/.overseer/config.yaml)")

	rootCmd.AddCommand(
		newStartCmd(),
		newStopCmd(),
		newStatusCmd(),
		newTaskCmd(),
		newProjectCmd(),
		newConfigCmd(),
		newDoctorCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show Overseer version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Overseer %s\n", version)
		},
	}
}
