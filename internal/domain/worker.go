package domain

import "time"

// Worker instance statuses.
const (
	WorkerStatusStarting = "starting"
	WorkerStatusRunning  = "running"
	WorkerStatusStopping = "stopping"
	WorkerStatusStopped  = "stopped"
	WorkerStatusError    = "error"
)

// WorkerInstance is a registered worker or orchestrator process.
type WorkerInstance struct {
	ID             string
	Name           string
	Hostname       string
	PID            int
	Status         string
	MaxGroups      int
	CurrentGroups  int
	CPUPercent     float64
	MemoryMB       int
	AssignedGroups []string
	LastHeartbeat  time.Time
	StartedAt      time.Time
	Version        string
}

// Healthy reports whether the instance heartbeat is fresh at the given time.
func (w WorkerInstance) Healthy(now time.Time, timeout time.Duration) bool {
	if w.LastHeartbeat.IsZero() {
		return false
	}
	return now.Sub(w.LastHeartbeat) < timeout
}

// Heartbeat is the periodic liveness payload an instance publishes.
type Heartbeat struct {
	InstanceName   string
	Status         string
	CPUPercent     float64
	MemoryMB       int
	CurrentGroups  int
	AssignedGroups []string
	At             time.Time
}

// Assignment records the current ownership of a group by a worker instance.
type Assignment struct {
	ID         string
	GroupID    string
	InstanceID string
	AssignedAt time.Time
}
