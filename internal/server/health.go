package server

import (
	"net/http"
	"os"
	"time"

	"mcpgate/internal/worker"
	"mcpgate/pkg/logging"

	json "github.com/goccy/go-json"
	"github.com/shirou/gopsutil/v4/process"
)

// HealthSnapshot is the /health response body.
type HealthSnapshot struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Uptime    int64  `json:"uptime"`

	Memory MemorySnapshot `json:"memory"`

	TotalInstances        int    `json:"totalInstances"`
	UserInstances         int    `json:"userInstances"`
	RunningInstances      int    `json:"runningInstances"`
	DefaultInstanceStatus string `json:"defaultInstanceStatus"`

	TotalSessions         int `json:"totalSessions"`
	AuthenticatedSessions int `json:"authenticatedSessions"`
	RecentSessions        int `json:"recentSessions"`

	PendingAuthorizations int `json:"pendingAuthorizations"`
}

// MemorySnapshot reports the gateway process's memory use.
type MemorySnapshot struct {
	RSSMB   uint64 `json:"rssMb"`
	LimitMB int    `json:"limitMb,omitempty"`
}

// handleHealth reports the gateway's own state: worker counters, session
// counters, memory. Unhealthy means the default worker is down or the
// process blew its advisory memory cap.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := s.healthSnapshot(r)

	w.Header().Set("Content-Type", "application/json")
	if snapshot.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(snapshot)
}

func (s *Server) healthSnapshot(r *http.Request) HealthSnapshot {
	snapshot := HealthSnapshot{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   s.version,
		Uptime:    int64(time.Since(s.startedAt).Seconds()),
	}

	instances := s.supervisor.List()
	snapshot.TotalInstances = len(instances)
	snapshot.UserInstances = s.supervisor.UserInstances()
	for _, info := range instances {
		if info.Status == worker.StatusRunning {
			snapshot.RunningInstances++
		}
	}

	snapshot.DefaultInstanceStatus = "absent"
	if info, ok := s.supervisor.Default(); ok {
		snapshot.DefaultInstanceStatus = info.Status.String()
		if info.Status != worker.StatusRunning {
			snapshot.Status = "unhealthy"
		}
	} else {
		snapshot.Status = "unhealthy"
	}

	counters := s.sessions.Count()
	snapshot.TotalSessions = counters.Total
	snapshot.AuthenticatedSessions = counters.Authenticated
	snapshot.RecentSessions = counters.Recent

	snapshot.PendingAuthorizations = s.broker.PendingAuthorizations()

	snapshot.Memory = s.memorySnapshot(r)
	if limit := s.cfg.Worker.MaxMemoryMB; limit > 0 && snapshot.Memory.RSSMB > uint64(limit) {
		snapshot.Status = "unhealthy"
	}

	return snapshot
}

func (s *Server) memorySnapshot(r *http.Request) MemorySnapshot {
	snapshot := MemorySnapshot{LimitMB: s.cfg.Worker.MaxMemoryMB}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logging.Debug("Health", "Failed to inspect own process: %v", err)
		return snapshot
	}
	memInfo, err := proc.MemoryInfoWithContext(r.Context())
	if err != nil {
		logging.Debug("Health", "Failed to read memory info: %v", err)
		return snapshot
	}

	snapshot.RSSMB = memInfo.RSS / (1 << 20)
	return snapshot
}
