package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/overseer/internal/banner"
	"github.com/alekspetrov/overseer/internal/config"
	"github.com/alekspetrov/overseer/internal/daemon"
	"github.com/alekspetrov/overseer/internal/logging"
)

func newStartCmd() *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the Overseer daemon",
		Long: `Start the daemon: project pollers, the task queue, the worker pool, and
the admin gateway. Runs in the foreground until SIGINT or SIGTERM, then
drains in-flight tasks and persists queue state.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if err := logging.Init(cfg.Logging); err != nil {
				return fmt.Errorf("logging: %w", err)
			}

			if !quiet {
				banner.Startup(version,
					fmt.Sprintf("%s:%d", cfg.Daemon.Host, cfg.Daemon.Port))
			}

			d, err := daemon.New(cfg, version)
			if err != nil {
				if errors.Is(err, daemon.ErrAlreadyRunning) {
					// Not a failure: the daemon is already up.
					fmt.Println(err)
					return nil
				}
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return d.Run(ctx)
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress the startup banner")
	return cmd
}
