package domain

import "time"

// Deployment pipeline states.
const (
	DeployPending    = "pending"
	DeployBuilding   = "building"
	DeployPushing    = "pushing"
	DeployDeploying  = "deploying"
	DeployVerifying  = "verifying"
	DeploySucceeded  = "succeeded"
	DeployFailed     = "failed"
	DeployRolledBack = "rolled_back"
)

// Deployment captures one attempt at promoting a project to the container
// platform. Number increases monotonically per project.
type Deployment struct {
	ID         string
	ProjectID  string
	Number     int64
	State      string
	Image      string
	URL        string
	Detail     string
	StartedAt  time.Time
	FinishedAt *time.Time
	UpdatedAt  time.Time
}

// Terminal reports whether the deployment reached a final state.
func (d Deployment) Terminal() bool {
	switch d.State {
	case DeploySucceeded, DeployFailed, DeployRolledBack:
		return true
	}
	return false
}

// DeploymentUpdate carries mutable fields for a deployment transition.
type DeploymentUpdate struct {
	DeploymentID string
	State        string
	Image        string
	URL          string
	Detail       string
	FinishedAt   *time.Time
}
