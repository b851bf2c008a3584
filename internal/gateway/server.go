// Package gateway exposes the daemon's admin surface: a REST API for status,
// projects, and tasks, plus a WebSocket stream of pipeline events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alekspetrov/overseer/internal/config"
	"github.com/alekspetrov/overseer/internal/events"
	"github.com/alekspetrov/overseer/internal/history"
	"github.com/alekspetrov/overseer/internal/logging"
	"github.com/alekspetrov/overseer/internal/queue"
	"github.com/alekspetrov/overseer/internal/ratelimit"
	"github.com/alekspetrov/overseer/internal/results"
	"github.com/alekspetrov/overseer/internal/state"
)

// Config holds the gateway's network binding.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ProjectAdmin is the project-management slice of the daemon the REST API
// drives.
type ProjectAdmin interface {
	Projects() []*config.ProjectConfig
	AddProject(*config.ProjectConfig) error
	RemoveProject(projectID string) error
}

// Deps wires the gateway to the rest of the daemon. Bus, Limiter, Results,
// and History may be nil; the corresponding surfaces degrade gracefully.
type Deps struct {
	Queue    *queue.Queue
	Projects ProjectAdmin
	Bus      *events.Bus
	Limiter  *ratelimit.Limiter
	Results  *results.Handler
	History  *history.Store
	State    *state.Store
	Version  string
}

// Server is the admin HTTP server. Safe for concurrent use.
type Server struct {
	cfg       Config
	deps      Deps
	upgrader  websocket.Upgrader
	log       *slog.Logger
	startedAt time.Time

	mu      sync.Mutex
	server  *http.Server
	running bool
}

// NewServer creates a gateway server. It does not listen until Start.
func NewServer(cfg Config, deps Deps) *Server {
	return &Server{
		cfg:       cfg,
		deps:      deps,
		log:       logging.WithComponent("gateway"),
		startedAt: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return strings.HasPrefix(origin, "http://localhost") ||
					strings.HasPrefix(origin, "http://127.0.0.1") ||
					strings.HasPrefix(origin, "https://localhost") ||
					strings.HasPrefix(origin, "https://127.0.0.1")
			},
		},
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)

	mux.HandleFunc("GET /api/v1/projects", s.handleListProjects)
	mux.HandleFunc("POST /api/v1/projects", s.handleAddProject)
	mux.HandleFunc("DELETE /api/v1/projects/{id}", s.handleRemoveProject)

	mux.HandleFunc("GET /api/v1/workers", s.handleWorkers)

	mux.HandleFunc("GET /api/v1/tasks", s.handleListTasks)
	mux.HandleFunc("POST /api/v1/tasks", s.handleAddTask)
	mux.HandleFunc("DELETE /api/v1/tasks/{id}", s.handleCancelTask)

	mux.HandleFunc("/ws", s.handleEvents)

	return mux
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("gateway: server already running")
	}
	s.running = true

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Unlock()

	s.log.Info("Gateway starting", slog.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"version":        s.deps.Version,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"queue": map[string]any{
			"pending": s.deps.Queue.Len(),
			"running": len(s.deps.Queue.RunningTasks()),
			"usage":   s.deps.Queue.Usage(),
		},
	}
	if s.deps.Limiter != nil {
		status["ai_limited"] = s.deps.Limiter.AILimited()
		if reset := s.deps.Limiter.ResetAt(); !reset.IsZero() {
			status["ai_reset_at"] = reset
		}
	}
	if s.deps.Results != nil {
		status["results"] = s.deps.Results.Stats()
	}
	if s.deps.Projects != nil {
		ids := make([]string, 0)
		for _, p := range s.deps.Projects.Projects() {
			ids = append(ids, p.ID)
		}
		status["projects"] = ids
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats, fairness := s.deps.Queue.Stats()
	payload := map[string]any{
		"projects": stats,
		"fairness": fairness,
	}
	if s.deps.History != nil {
		if sums, err := s.deps.History.Summaries(time.Now().Add(-24 * time.Hour)); err == nil {
			payload["last_24h"] = sums
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleListProjects(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Projects == nil {
		writeError(w, http.StatusServiceUnavailable, "project admin not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": s.deps.Projects.Projects()})
}

func (s *Server) handleAddProject(w http.ResponseWriter, r *http.Request) {
	if s.deps.Projects == nil {
		writeError(w, http.StatusServiceUnavailable, "project admin not available")
		return
	}

	var cfg config.ProjectConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid project config: "+err.Error())
		return
	}
	if cfg.ID == "" || cfg.Owner == "" || cfg.Repo == "" {
		writeError(w, http.StatusBadRequest, "project requires id, owner, and repo")
		return
	}
	if err := s.deps.Projects.AddProject(&cfg); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.log.Info("Project added via admin API", slog.String("project", cfg.ID))
	writeJSON(w, http.StatusCreated, &cfg)
}

func (s *Server) handleRemoveProject(w http.ResponseWriter, r *http.Request) {
	if s.deps.Projects == nil {
		writeError(w, http.StatusServiceUnavailable, "project admin not available")
		return
	}

	id := r.PathValue("id")
	if err := s.deps.Projects.RemoveProject(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.log.Info("Project removed via admin API", slog.String("project", id))
	w.WriteHeader(http.StatusNoContent)
}

// handleWorkers reports the per-worker running-task registry, including child
// PIDs and scratch locations, for operators inspecting a stuck slot.
func (s *Server) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	if s.deps.State == nil {
		writeError(w, http.StatusServiceUnavailable, "state store not available")
		return
	}
	records, err := s.deps.State.LoadRunningTasks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"running": records})
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": s.deps.Queue.PendingTasks(),
		"running": s.deps.Queue.RunningTasks(),
	})
}

// addTaskRequest is the manual task submission body.
type addTaskRequest struct {
	ProjectID   string `json:"project_id"`
	IssueNumber int    `json:"issue_number"`
	Kind        string `json:"kind,omitempty"`
	Priority    int    `json:"priority,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
}

func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request) {
	var req addTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid task: "+err.Error())
		return
	}
	if req.ProjectID == "" || req.IssueNumber <= 0 {
		writeError(w, http.StatusBadRequest, "task requires project_id and issue_number")
		return
	}

	kind := queue.Kind(req.Kind)
	if kind == "" {
		kind = queue.KindIssue
	}
	if req.Prompt != "" {
		kind = queue.KindCustom
	}
	priority := req.Priority
	if priority == 0 {
		priority = 50
	}

	task := queue.NewTask(req.ProjectID, req.IssueNumber, kind, priority)
	if req.Prompt != "" {
		task.Payload = &queue.CustomPayload{Prompt: req.Prompt}
	}

	switch err := s.deps.Queue.Enqueue(task); {
	case err == nil:
		writeJSON(w, http.StatusCreated, task)
	case errors.Is(err, queue.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, queue.ErrUnknownProject):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.deps.Queue.Cancel(id, "cancelled via admin api")
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}
