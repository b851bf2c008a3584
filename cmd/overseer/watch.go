package main

import (
	"context"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"github.com/alekspetrov/overseer/internal/dashboard"
	"github.com/alekspetrov/overseer/internal/events"
	"github.com/alekspetrov/overseer/internal/logging"
)

const (
	watchRefreshInterval = 2 * time.Second
	watchReconnectDelay  = 5 * time.Second
)

// runWatch runs the live dashboard, fed by periodic status polls and the
// gateway's WebSocket event stream.
func runWatch(client *apiClient) error {
	// Keep slog from corrupting the alternate screen.
	logging.Suppress()

	model := dashboard.NewModel(version)
	program := tea.NewProgram(model, tea.WithAltScreen())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go pollStatus(ctx, client, program)
	go streamEvents(ctx, client, program)

	_, err := program.Run()
	return err
}

func pollStatus(ctx context.Context, client *apiClient, program *tea.Program) {
	ticker := time.NewTicker(watchRefreshInterval)
	defer ticker.Stop()

	for {
		snap, err := fetchSnapshot(client)
		program.Send(dashboard.SetConnected(err == nil)())
		if err == nil {
			program.Send(dashboard.UpdateSnapshot(snap)())
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func fetchSnapshot(client *apiClient) (dashboard.Snapshot, error) {
	var status statusResponse
	if err := client.get("/api/v1/status", &status); err != nil {
		return dashboard.Snapshot{}, err
	}
	var tasks taskListResponse
	if err := client.get("/api/v1/tasks", &tasks); err != nil {
		return dashboard.Snapshot{}, err
	}
	var stats statsResponse
	if err := client.get("/api/v1/stats", &stats); err != nil {
		return dashboard.Snapshot{}, err
	}

	snap := dashboard.Snapshot{
		Version:   status.Version,
		Uptime:    time.Duration(status.UptimeSeconds) * time.Second,
		Pending:   status.Queue.Pending,
		Projects:  status.Projects,
		Fairness:  stats.Fairness,
		AILimited: status.AILimited,
		AIResetAt: status.AIResetAt,
		Completed: status.Results.Completed,
		Failed:    status.Results.Failed,
	}
	for _, t := range tasks.Running {
		age := time.Duration(0)
		if !t.StartedAt.IsZero() {
			age = time.Since(t.StartedAt)
		}
		snap.Running = append(snap.Running, dashboard.TaskRow{
			ID:        t.ID,
			ProjectID: t.ProjectID,
			Issue:     t.IssueNumber,
			Status:    t.Status,
			Age:       age,
		})
	}
	return snap, nil
}

// streamEvents feeds gateway events into the dashboard, reconnecting after
// drops until ctx is cancelled.
func streamEvents(ctx context.Context, client *apiClient, program *tea.Program) {
	wsURL := strings.Replace(client.base, "http://", "ws://", 1) + "/ws"

	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err == nil {
			readEvents(ctx, conn, program)
			conn.Close()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(watchReconnectDelay):
		}
	}
}

func readEvents(ctx context.Context, conn *websocket.Conn, program *tea.Program) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var event events.Event
		if err := conn.ReadJSON(&event); err != nil {
			return
		}
		program.Send(dashboard.AddEvent(formatEvent(event))())
	}
}

func formatEvent(e events.Event) string {
	parts := []string{string(e.Type)}
	if e.TaskID != "" {
		parts = append(parts, e.TaskID)
	} else if e.ProjectID != "" {
		parts = append(parts, e.ProjectID)
	}
	return strings.Join(parts, " ")
}
