package project

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/timomeintjes-cmd/oreus-api/internal/domain"
	"github.com/timomeintjes-cmd/oreus-api/internal/filestore"
	"github.com/timomeintjes-cmd/oreus-api/internal/repository"
	"github.com/timomeintjes-cmd/oreus-api/internal/scaffold"
)

var (
	// ErrUnknownTemplate rejects project creation with a template we cannot
	// scaffold.
	ErrUnknownTemplate = errors.New("project: unknown template")
	// ErrDeploymentActive blocks deletion while a deployment is in flight.
	ErrDeploymentActive = errors.New("project: deployment in progress")
)

// DevServerStopper force-stops a project's preview process before deletion.
type DevServerStopper interface {
	Stop(ctx context.Context, projectID string) (*domain.DevServerRecord, error)
}

// Service manages project records and their on-disk workspaces.
type Service struct {
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	store       *filestore.Store
	scaffolder  *scaffold.Scaffolder
	devServers  DevServerStopper
	logger      *slog.Logger
}

func New(projects repository.ProjectRepository, deployments repository.DeploymentRepository, store *filestore.Store, scaffolder *scaffold.Scaffolder, devServers DevServerStopper, logger *slog.Logger) *Service {
	return &Service{
		projects:    projects,
		deployments: deployments,
		store:       store,
		scaffolder:  scaffolder,
		devServers:  devServers,
		logger:      logger,
	}
}

// Create scaffolds a workspace from the template and records the project.
func (s *Service) Create(ctx context.Context, name, template, description string) (*domain.Project, error) {
	if !scaffold.Known(template) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, template)
	}

	project := &domain.Project{
		ID:          uuid.NewString(),
		Name:        name,
		Template:    template,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}

	dir, err := s.store.ProjectDir(project.ID)
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	project.WorkspacePath = dir

	if err := s.scaffolder.Instantiate(template, dir); err != nil {
		_ = s.store.RemoveProject(project.ID)
		return nil, fmt.Errorf("scaffold template %s: %w", template, err)
	}

	if err := s.projects.CreateProject(ctx, project); err != nil {
		_ = s.store.RemoveProject(project.ID)
		return nil, err
	}

	s.logger.Info("project created", "project_id", project.ID, "template", template)
	return project, nil
}

// Get returns one project.
func (s *Service) Get(ctx context.Context, projectID string) (*domain.Project, error) {
	return s.projects.GetProjectByID(ctx, projectID)
}

// List returns all projects.
func (s *Service) List(ctx context.Context) ([]domain.Project, error) {
	return s.projects.ListProjects(ctx)
}

// Delete stops the project's dev server, removes its workspace and record.
// Deletion is refused while a deployment is non-terminal.
func (s *Service) Delete(ctx context.Context, projectID string) error {
	if _, err := s.projects.GetProjectByID(ctx, projectID); err != nil {
		return err
	}

	if active, err := s.deployments.GetActiveDeployment(ctx, projectID); err == nil && active != nil {
		return fmt.Errorf("%w: deployment %d is %s", ErrDeploymentActive, active.Number, active.State)
	} else if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	if s.devServers != nil {
		if _, err := s.devServers.Stop(ctx, projectID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("stop dev server before delete failed", "project_id", projectID, "error", err)
		}
	}

	if err := s.store.RemoveProject(projectID); err != nil {
		s.logger.Warn("remove workspace failed", "project_id", projectID, "error", err)
	}

	if err := s.projects.DeleteProject(ctx, projectID); err != nil {
		return err
	}
	s.logger.Info("project deleted", "project_id", projectID)
	return nil
}
