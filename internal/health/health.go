// Package health checks the daemon's environment: required binaries, the
// configured projects, and the state directory.
package health

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/alekspetrov/overseer/internal/config"
)

// Status classifies a check result.
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
)

// Symbol returns the display symbol for a status.
func (s Status) Symbol() string {
	switch s {
	case StatusOK:
		return "✓"
	case StatusWarning:
		return "○"
	case StatusError:
		return "✗"
	default:
		return "?"
	}
}

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWarning:
		return "warning"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Check is one health check result.
type Check struct {
	Name    string
	Status  Status
	Message string
	Fix     string
}

// Report contains all health check results.
type Report struct {
	Checks []Check
}

// Healthy reports whether no check failed outright.
func (r *Report) Healthy() bool {
	for _, c := range r.Checks {
		if c.Status == StatusError {
			return false
		}
	}
	return true
}

// RunChecks performs every environment check for the given configuration.
func RunChecks(cfg *config.Config) *Report {
	var checks []Check

	checks = append(checks, checkExecutor(cfg.Executor.Command))
	checks = append(checks, checkCommand("git", "brew install git"))
	checks = append(checks, checkToken(cfg.GitHub.Token))
	checks = append(checks, checkStateDir(cfg.Daemon.StateDir))
	checks = append(checks, checkProjects(cfg)...)

	return &Report{Checks: checks}
}

// checkExecutor verifies the AI CLI is installed and reports its version.
func checkExecutor(command string) Check {
	if command == "" {
		command = "claude"
	}
	if version := commandVersion(command, "--version"); version != "" {
		return Check{Name: command, Status: StatusOK, Message: version}
	}
	return Check{
		Name:    command,
		Status:  StatusError,
		Message: "not found",
		Fix:     fmt.Sprintf("install %s and make sure it is on PATH", command),
	}
}

func checkCommand(name, fix string) Check {
	if version := commandVersion(name, "--version"); version != "" {
		return Check{Name: name, Status: StatusOK, Message: version}
	}
	return Check{Name: name, Status: StatusError, Message: "not found", Fix: fix}
}

func checkToken(token string) Check {
	if token == "" {
		return Check{
			Name:    "github token",
			Status:  StatusError,
			Message: "not set",
			Fix:     "export GITHUB_TOKEN or set github.token in the config",
		}
	}
	return Check{Name: "github token", Status: StatusOK, Message: "set"}
}

// checkStateDir verifies the state directory is (or can be made) writable.
func checkStateDir(dir string) Check {
	if dir == "" {
		return Check{Name: "state dir", Status: StatusError, Message: "not configured"}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Check{
			Name:    "state dir",
			Status:  StatusError,
			Message: err.Error(),
		}
	}
	probe := filepath.Join(dir, ".health-probe")
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		return Check{Name: "state dir", Status: StatusError, Message: "not writable: " + err.Error()}
	}
	os.Remove(probe)
	return Check{Name: "state dir", Status: StatusOK, Message: dir}
}

// checkProjects verifies each configured project's local checkout exists.
func checkProjects(cfg *config.Config) []Check {
	var checks []Check
	if len(cfg.Projects) == 0 {
		checks = append(checks, Check{
			Name:    "projects",
			Status:  StatusWarning,
			Message: "none configured",
			Fix:     "add projects to the config or use 'overseer project add'",
		})
		return checks
	}

	for _, p := range cfg.Projects {
		name := "project " + p.ID
		if !p.IsEnabled() {
			checks = append(checks, Check{Name: name, Status: StatusWarning, Message: "disabled"})
			continue
		}
		if p.Path == "" {
			checks = append(checks, Check{
				Name:    name,
				Status:  StatusWarning,
				Message: "no path set, executor runs in the daemon's working directory",
			})
			continue
		}
		if info, err := os.Stat(p.Path); err != nil || !info.IsDir() {
			checks = append(checks, Check{
				Name:    name,
				Status:  StatusError,
				Message: "path not found: " + p.Path,
			})
			continue
		}
		checks = append(checks, Check{Name: name, Status: StatusOK, Message: p.Path})
	}
	return checks
}

// commandVersion runs a command and returns its trimmed version string.
func commandVersion(cmd string, args ...string) string {
	out, err := exec.Command(cmd, args...).Output()
	if err != nil {
		return ""
	}
	version := strings.TrimSpace(string(out))
	if strings.Contains(version, " ") {
		for _, p := range strings.Fields(version) {
			if strings.Contains(p, ".") {
				return p
			}
		}
	}
	return version
}
