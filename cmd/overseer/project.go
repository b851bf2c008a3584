package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/overseer/internal/config"
)

func newProjectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage polled projects on a running daemon",
	}
	cmd.AddCommand(newProjectListCmd(), newProjectAddCmd(), newProjectRemoveCmd())
	return cmd
}

func newProjectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			var body struct {
				Projects []*config.ProjectConfig `json:"projects"`
			}
			if err := client.get("/api/v1/projects", &body); err != nil {
				return err
			}

			if len(body.Projects) == 0 {
				fmt.Println("No projects registered.")
				return nil
			}
			for _, p := range body.Projects {
				enabled := "enabled"
				if !p.IsEnabled() {
					enabled = "disabled"
				}
				fmt.Printf("  %-16s %s/%s (%s)\n", p.ID, p.Owner, p.Repo, enabled)
			}
			return nil
		},
	}
}

func newProjectAddCmd() *cobra.Command {
	var p config.ProjectConfig

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a project at runtime",
		Long: `Register a project without restarting the daemon. The project is
persisted and survives restarts.

Example:
  overseer project add --id api --owner acme --repo api --path ~/src/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			if err := client.post("/api/v1/projects", &p, nil); err != nil {
				return err
			}
			fmt.Printf("✅ Registered project %s (%s/%s)\n", p.ID, p.Owner, p.Repo)
			return nil
		},
	}

	cmd.Flags().StringVar(&p.ID, "id", "", "Project ID (required)")
	cmd.Flags().StringVar(&p.Owner, "owner", "", "Repository owner (required)")
	cmd.Flags().StringVar(&p.Repo, "repo", "", "Repository name (required)")
	cmd.Flags().StringVar(&p.Path, "path", "", "Local checkout the executor runs in")
	cmd.Flags().StringSliceVar(&p.Labels, "labels", nil, "Only process issues with these labels")
	cmd.Flags().IntVar(&p.BasePriority, "priority", 0, "Base priority 0-100 (default 50)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func newProjectRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <project-id>",
		Short: "Unregister a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			if err := client.delete("/api/v1/projects/" + args[0]); err != nil {
				return err
			}
			fmt.Printf("✅ Removed project %s\n", args[0])
			return nil
		},
	}
}
