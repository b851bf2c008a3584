package main

import (
	"fmt"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/overseer/internal/config"
	"github.com/alekspetrov/overseer/internal/state"
)

const stopWait = 30 * time.Second

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		Long:  "Sends SIGTERM to the daemon recorded in the state directory and waits for it to drain and exit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return err
			}
			store, err := state.NewStore(cfg.Daemon.StateDir)
			if err != nil {
				return err
			}

			lock, err := store.CheckProcessLock()
			if err != nil {
				return err
			}
			if lock == nil {
				fmt.Println("Overseer is not running")
				return nil
			}
			if !state.PIDAlive(lock.PID) {
				fmt.Printf("Overseer is not running (stale lock from PID %d)\n", lock.PID)
				return nil
			}

			if err := syscall.Kill(lock.PID, syscall.SIGTERM); err != nil {
				return fmt.Errorf("signal daemon (PID %d): %w", lock.PID, err)
			}
			fmt.Printf("Stopping Overseer (PID %d)...\n", lock.PID)

			deadline := time.Now().Add(stopWait)
			for time.Now().Before(deadline) {
				if !state.PIDAlive(lock.PID) {
					fmt.Println("✅ Stopped")
					return nil
				}
				time.Sleep(200 * time.Millisecond)
			}
			return fmt.Errorf("daemon (PID %d) did not exit within %s", lock.PID, stopWait)
		},
	}
}
