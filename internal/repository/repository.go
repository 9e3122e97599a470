package repository

import (
	"context"

	"github.com/timomeintjes-cmd/oreus-api/internal/domain"
)

// ProjectRepository persists project metadata.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
	DeleteProject(ctx context.Context, projectID string) error
}

// DevServerRepository stores the per-project dev server record.
type DevServerRepository interface {
	UpsertDevServer(ctx context.Context, record domain.DevServerRecord) error
	GetDevServer(ctx context.Context, projectID string) (*domain.DevServerRecord, error)
	ListActiveDevServers(ctx context.Context) ([]domain.DevServerRecord, error)
}

// DeploymentRepository stores deployment history. CreateDeployment assigns the
// next per-project number and is safe under concurrent callers.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	UpdateDeployment(ctx context.Context, update domain.DeploymentUpdate) error
	GetDeployment(ctx context.Context, projectID string, number int64) (*domain.Deployment, error)
	GetActiveDeployment(ctx context.Context, projectID string) (*domain.Deployment, error)
	GetLastSucceededDeployment(ctx context.Context, projectID string) (*domain.Deployment, error)
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
}
