package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alekspetrov/overseer/internal/queue"
)

// Scratch-file protocol. While a task runs, the slot maintains three files in
// the scratch directory so a restarted daemon can reconstruct what happened:
//
//	task-<id>.pid     child process ID
//	task-<id>.status  latest execution status
//	task-<id>.result  final outcome envelope, written once on exit
func PIDFile(scratchDir, taskID string) string {
	return filepath.Join(scratchDir, "task-"+taskID+".pid")
}

func StatusFile(scratchDir, taskID string) string {
	return filepath.Join(scratchDir, "task-"+taskID+".status")
}

func ResultFile(scratchDir, taskID string) string {
	return filepath.Join(scratchDir, "task-"+taskID+".result")
}

// StatusRecord is the content of a task's .status file.
type StatusRecord struct {
	State     string    `json:"state"` // running, stalled
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WritePIDFile records the child's PID.
func WritePIDFile(scratchDir, taskID string, pid int) error {
	return os.WriteFile(PIDFile(scratchDir, taskID), []byte(strconv.Itoa(pid)), 0o644)
}

// ReadPIDFile returns the recorded child PID, or 0 when absent.
func ReadPIDFile(scratchDir, taskID string) (int, error) {
	data, err := os.ReadFile(PIDFile(scratchDir, taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("worker: bad pid file for task %s: %w", taskID, err)
	}
	return pid, nil
}

// WriteStatusFile replaces the task's status file.
func WriteStatusFile(scratchDir, taskID, state, detail string) error {
	data, err := json.Marshal(StatusRecord{State: state, Detail: detail, UpdatedAt: time.Now()})
	if err != nil {
		return err
	}
	return os.WriteFile(StatusFile(scratchDir, taskID), data, 0o644)
}

// ReadStatusFile returns the task's last status, or nil when absent.
func ReadStatusFile(scratchDir, taskID string) (*StatusRecord, error) {
	data, err := os.ReadFile(StatusFile(scratchDir, taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var rec StatusRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("worker: bad status file for task %s: %w", taskID, err)
	}
	return &rec, nil
}

// WriteResultFile durably writes the outcome envelope. Write-to-temp plus
// rename, so a crash mid-write never leaves a half result for the recovery
// sweep to trust.
func WriteResultFile(scratchDir, taskID string, res *queue.Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("worker: failed to marshal result for task %s: %w", taskID, err)
	}
	path := ResultFile(scratchDir, taskID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadResultFile loads a task's outcome envelope, or nil when the child never
// got far enough to write one.
func ReadResultFile(scratchDir, taskID string) (*queue.Result, error) {
	data, err := os.ReadFile(ResultFile(scratchDir, taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var res queue.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("worker: bad result file for task %s: %w", taskID, err)
	}
	return &res, nil
}

// RemoveTaskFiles cleans up the scratch files after a task retires.
func RemoveTaskFiles(scratchDir, taskID string) {
	os.Remove(PIDFile(scratchDir, taskID))
	os.Remove(StatusFile(scratchDir, taskID))
	os.Remove(ResultFile(scratchDir, taskID))
}
