// Package storage holds the on-disk plumbing shared by the runner: the
// SQLite audit log (subpackage sqlite) and the state directory run lock.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// LockFilename is the run lock file inside a state directory.
const LockFilename = ".meditator.lock"

// ErrLocked is returned when a live process already holds the run lock.
var ErrLocked = errors.New("state directory is locked")

// RunLock is the content of the run lock file. One runner owns a state
// directory at a time; the CLI inspects the lock to find it.
type RunLock struct {
	Holder    string    `json:"holder"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
	// Socket is the control socket the holder listens on, if any
	Socket string `json:"socket,omitempty"`
	// Addr is the HTTP address the holder serves, if any
	Addr string `json:"addr,omitempty"`

	path string
}

// Path returns the lock file path.
func (l *RunLock) Path() string { return l.path }

// AcquireRunLock claims stateDir for the current process. A lock left by a
// dead process on this host is taken over.
func AcquireRunLock(stateDir string, lock RunLock) (*RunLock, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	path := filepath.Join(stateDir, LockFilename)

	if existing, err := ReadRunLock(stateDir); err == nil && existing.PID != os.Getpid() {
		if isProcessAlive(existing.PID, existing.Hostname) {
			return nil, fmt.Errorf("%w: PID %d on %s since %s", ErrLocked,
				existing.PID, existing.Hostname, existing.StartedAt.Format(time.RFC3339))
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to get hostname: %w", err)
	}
	if lock.Holder == "" {
		lock.Holder = "meditator"
	}
	lock.PID = os.Getpid()
	lock.Hostname = hostname
	if lock.StartedAt.IsZero() {
		lock.StartedAt = time.Now()
	}
	lock.path = path

	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to create run lock: %w", err)
	}
	return &lock, nil
}

// ReadRunLock reads the lock in stateDir without checking liveness.
func ReadRunLock(stateDir string) (*RunLock, error) {
	path := filepath.Join(stateDir, LockFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lock RunLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("invalid run lock %s: %w", path, err)
	}
	lock.path = path
	return &lock, nil
}

// Alive reports whether the lock holder still runs. Holders on other hosts
// are assumed alive.
func (l *RunLock) Alive() bool {
	return isProcessAlive(l.PID, l.Hostname)
}

// Release removes the lock file. A nil lock is a no-op.
func (l *RunLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove run lock: %w", err)
	}
	return nil
}

func isProcessAlive(pid int, hostname string) bool {
	currentHost, err := os.Hostname()
	if err != nil {
		return true
	}
	if !strings.EqualFold(hostname, currentHost) {
		return true
	}
	if pid <= 0 {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 probes for existence; EPERM means it exists under another user
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
