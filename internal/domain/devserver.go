package domain

import "time"

// Dev server states.
const (
	DevServerStopped  = "stopped"
	DevServerStarting = "starting"
	DevServerRunning  = "running"
	DevServerStopping = "stopping"
	DevServerCrashed  = "crashed"
)

// DevServerRecord tracks the preview process for a project. There is at most
// one record per project; Port is set iff State is starting/running/stopping.
type DevServerRecord struct {
	ProjectID     string
	State         string
	Port          *int
	ProcessRef    string
	StartedAt     *time.Time
	LastCheckedAt *time.Time
	Detail        string
	UpdatedAt     time.Time
}

// Active reports whether the record occupies a port.
func (r DevServerRecord) Active() bool {
	switch r.State {
	case DevServerStarting, DevServerRunning, DevServerStopping:
		return true
	}
	return false
}

// PortLease records exclusive ownership of a port by a project.
type PortLease struct {
	Port      int
	ProjectID string
	LeasedAt  time.Time
}
