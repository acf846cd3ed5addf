package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrRunInProgress is returned when another process holds the run lock
var ErrRunInProgress = errors.New("another pipeline run is in progress")

// stateDirOverride replaces the default state directory when set (state_dir)
var stateDirOverride string

// TaskInfo represents the current pipeline run status
type TaskInfo struct {
	PID             int       `json:"pid"`
	RunID           string    `json:"run_id"`
	Profile         string    `json:"profile"`
	AsOfDate        string    `json:"as_of_date"`
	StartTime       time.Time `json:"start_time"`
	CurrentStep     string    `json:"current_step"`
	CurrentCategory string    `json:"current_category,omitempty"`
	Progress        float64   `json:"progress"`
	TotalItems      int       `json:"total_items"`
	CompletedItems  int       `json:"completed_items"`
	LastUpdate      time.Time `json:"last_update"`
}

// GetStateDir returns the directory holding the PID, task and log files
func GetStateDir() string {
	if stateDirOverride != "" {
		return stateDirOverride
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".snapshot-pipeline")
}

// GetPIDFilePath returns the path to the PID file
func GetPIDFilePath() string {
	return filepath.Join(GetStateDir(), "pipeline.pid")
}

// GetTaskFilePath returns the path to the task info file
func GetTaskFilePath() string {
	return filepath.Join(GetStateDir(), "current_task.json")
}

// WritePIDFile writes the current process PID to a file
func WritePIDFile() error {
	pidPath := GetPIDFilePath()
	dir := filepath.Dir(pidPath)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	pid := os.Getpid()
	return os.WriteFile(pidPath, []byte(strconv.Itoa(pid)), 0o600)
}

// RemovePIDFile removes the PID file
func RemovePIDFile() error {
	pidPath := GetPIDFilePath()
	return os.Remove(pidPath)
}

// ReadPIDFile reads the PID from file
func ReadPIDFile() (int, error) {
	pidPath := GetPIDFilePath()
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}

	return pid, nil
}

// IsProcessRunning checks if a process with given PID is running
func IsProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Signal 0 checks for existence without delivering anything
	err = process.Signal(syscall.Signal(0))
	return err == nil
}

// AcquireRunLock writes the PID file unless a live process other than this
// one already owns it. A stale file left by a crashed run is replaced.
func AcquireRunLock() error {
	if pid, err := ReadPIDFile(); err == nil && pid != os.Getpid() && IsProcessRunning(pid) {
		return fmt.Errorf("%w (pid %d)", ErrRunInProgress, pid)
	}
	return WritePIDFile()
}

// ReleaseRunLock removes the PID and task files
func ReleaseRunLock() {
	_ = RemovePIDFile()
	_ = RemoveTaskFile()
}

// WriteTaskInfo writes current task information to file
func WriteTaskInfo(info *TaskInfo) error {
	taskPath := GetTaskFilePath()
	dir := filepath.Dir(taskPath)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	info.LastUpdate = time.Now()
	if info.TotalItems > 0 {
		info.Progress = float64(info.CompletedItems) / float64(info.TotalItems) * 100
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task info: %w", err)
	}

	return os.WriteFile(taskPath, data, 0o600)
}

// ReadTaskInfo reads current task information from file
func ReadTaskInfo() (*TaskInfo, error) {
	taskPath := GetTaskFilePath()
	data, err := os.ReadFile(taskPath)
	if err != nil {
		return nil, err
	}

	var info TaskInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task info: %w", err)
	}

	return &info, nil
}

// RemoveTaskFile removes the task info file
func RemoveTaskFile() error {
	taskPath := GetTaskFilePath()
	return os.Remove(taskPath)
}
