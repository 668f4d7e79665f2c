package worker

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"time"

	"mcpgate/pkg/logging"
)

// DefaultUserID is the sentinel user id of the always-on default worker.
const DefaultUserID = "default"

// Status is the lifecycle state of a worker child process.
type Status int

const (
	// StatusStarting: child spawned, readiness pending.
	StatusStarting Status = iota

	// StatusRunning: readiness observed; the worker accepts requests.
	StatusRunning

	// StatusStopping: graceful termination in flight.
	StatusStopping

	// StatusStopped: child exited after a requested stop.
	StatusStopped

	// StatusError: child died unexpectedly or failed a liveness probe.
	StatusError
)

// String returns the wire representation used in health reports and error
// payloads.
func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Worker is one child process entry in the supervisor's table. All fields
// except done are guarded by the supervisor's lock; done is closed exactly
// once by the exit watcher.
type Worker struct {
	ID           string
	UserID       string
	Port         int
	TokenDir     string
	Status       Status
	CreatedAt    time.Time
	LastActivity time.Time
	LastHealthy  time.Time

	cmd *exec.Cmd

	// ready is closed when the worker leaves StatusStarting, in either
	// direction. Concurrent get_or_create callers wait on it.
	ready chan struct{}

	// done is closed when the child process has exited.
	done chan struct{}
}

// Info is a read-only snapshot of a worker, safe to use outside the
// supervisor's lock.
type Info struct {
	ID           string
	UserID       string
	Port         int
	Status       Status
	CreatedAt    time.Time
	LastActivity time.Time
	LastHealthy  time.Time
}

// BaseURL returns the loopback address requests to this worker are sent to.
func (i Info) BaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", i.Port)
}

// IsDefault reports whether this is the default worker.
func (i Info) IsDefault() bool {
	return i.UserID == DefaultUserID
}

func (w *Worker) snapshot() Info {
	return Info{
		ID:           w.ID,
		UserID:       w.UserID,
		Port:         w.Port,
		Status:       w.Status,
		CreatedAt:    w.CreatedAt,
		LastActivity: w.LastActivity,
		LastHealthy:  w.LastHealthy,
	}
}

func (w *Worker) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// captureOutput streams one of the child's output pipes into the gateway log
// at debug level, tagged with the instance id.
func captureOutput(instanceID, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		logging.Debug("Worker", "[%s %s] %s", instanceID, stream, scanner.Text())
	}
}
