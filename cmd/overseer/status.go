package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// statusResponse mirrors GET /api/v1/status.
type statusResponse struct {
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Queue         struct {
		Pending int `json:"pending"`
		Running int `json:"running"`
	} `json:"queue"`
	AILimited bool      `json:"ai_limited"`
	AIResetAt time.Time `json:"ai_reset_at"`
	Results   struct {
		Completed int64 `json:"completed"`
		Failed    int64 `json:"failed"`
		Archived  int64 `json:"archived"`
	} `json:"results"`
	Projects []string `json:"projects"`
}

// taskListResponse mirrors GET /api/v1/tasks.
type taskListResponse struct {
	Pending []taskInfo `json:"pending"`
	Running []taskInfo `json:"running"`
}

type taskInfo struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	IssueNumber int       `json:"issue_number"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	StartedAt   time.Time `json:"started_at"`
}

// statsResponse mirrors the fairness slice of GET /api/v1/stats.
type statsResponse struct {
	Fairness float64 `json:"fairness"`
}

func newStatusCmd() *cobra.Command {
	var jsonOutput bool
	var watch bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status and queue state",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			if watch {
				return runWatch(client)
			}

			var status statusResponse
			if err := client.get("/api/v1/status", &status); err != nil {
				return err
			}

			if jsonOutput {
				data, err := json.MarshalIndent(status, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			fmt.Println("📊 Overseer Status")
			fmt.Println("───────────────────────────────────────")
			fmt.Printf("Version:   %s\n", status.Version)
			fmt.Printf("Uptime:    %s\n", (time.Duration(status.UptimeSeconds) * time.Second).String())
			fmt.Printf("Gateway:   %s\n", client.base)
			fmt.Println()
			fmt.Printf("Queue:     %d pending, %d running\n", status.Queue.Pending, status.Queue.Running)
			fmt.Printf("Results:   %d completed, %d failed\n", status.Results.Completed, status.Results.Failed)
			if status.AILimited {
				if status.AIResetAt.IsZero() {
					fmt.Println("AI limit:  ⚠ rate limited")
				} else {
					fmt.Printf("AI limit:  ⚠ rate limited, resets %s\n",
						status.AIResetAt.Local().Format("15:04"))
				}
			} else {
				fmt.Println("AI limit:  ✓ ok")
			}
			fmt.Println()
			if len(status.Projects) == 0 {
				fmt.Println("Projects:  none registered")
			} else {
				fmt.Printf("Projects:  %s\n", strings.Join(status.Projects, ", "))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Live dashboard (q to quit)")
	return cmd
}
