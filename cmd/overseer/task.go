package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage queued tasks",
	}
	cmd.AddCommand(newTaskAddCmd(), newTaskListCmd(), newTaskCancelCmd())
	return cmd
}

func newTaskAddCmd() *cobra.Command {
	var projectID string
	var issue int
	var priority int
	var prompt string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Enqueue a task manually",
		Long: `Enqueue a task without waiting for the poller to discover it.

Examples:
  overseer task add --project api --issue 42
  overseer task add --project api --issue 42 --prompt "regenerate the changelog"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			req := map[string]any{
				"project_id":   projectID,
				"issue_number": issue,
			}
			if priority > 0 {
				req["priority"] = priority
			}
			if prompt != "" {
				req["prompt"] = prompt
			}

			var task taskInfo
			if err := client.post("/api/v1/tasks", req, &task); err != nil {
				return err
			}
			fmt.Printf("✅ Enqueued %s (%s #%d)\n", task.ID, task.ProjectID, task.IssueNumber)
			return nil
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "", "Project ID (required)")
	cmd.Flags().IntVar(&issue, "issue", 0, "Issue number (required)")
	cmd.Flags().IntVar(&priority, "priority", 0, "Base priority 0-100 (default 50)")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Custom prompt instead of the issue body")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("issue")
	return cmd
}

func newTaskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending and running tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			var tasks taskListResponse
			if err := client.get("/api/v1/tasks", &tasks); err != nil {
				return err
			}

			if len(tasks.Running) == 0 && len(tasks.Pending) == 0 {
				fmt.Println("No tasks queued.")
				return nil
			}

			if len(tasks.Running) > 0 {
				fmt.Println("Running:")
				for _, t := range tasks.Running {
					age := ""
					if !t.StartedAt.IsZero() {
						age = fmt.Sprintf(" (%s)", time.Since(t.StartedAt).Round(time.Second))
					}
					fmt.Printf("  %-24s %s #%-5d %s%s\n", t.ID, t.ProjectID, t.IssueNumber, t.Status, age)
				}
			}
			if len(tasks.Pending) > 0 {
				fmt.Println("Pending:")
				for _, t := range tasks.Pending {
					fmt.Printf("  %-24s %s #%-5d attempts=%d\n", t.ID, t.ProjectID, t.IssueNumber, t.Attempts)
				}
			}
			return nil
		},
	}
}

func newTaskCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a queued or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			if err := client.delete("/api/v1/tasks/" + args[0]); err != nil {
				return err
			}
			fmt.Printf("✅ Cancelled %s\n", args[0])
			return nil
		},
	}
}
