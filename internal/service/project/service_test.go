package project

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/timomeintjes-cmd/oreus-api/internal/domain"
	"github.com/timomeintjes-cmd/oreus-api/internal/filestore"
	"github.com/timomeintjes-cmd/oreus-api/internal/repository"
	"github.com/timomeintjes-cmd/oreus-api/internal/scaffold"
)

type memProjects struct {
	mu       sync.Mutex
	projects map[string]domain.Project
}

func newMemProjects() *memProjects {
	return &memProjects{projects: make(map[string]domain.Project)}
}

func (m *memProjects) CreateProject(ctx context.Context, project *domain.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[project.ID] = *project
	return nil
}

func (m *memProjects) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (m *memProjects) ListProjects(ctx context.Context) ([]domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, p)
	}
	return out, nil
}

func (m *memProjects) DeleteProject(ctx context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[projectID]; !ok {
		return repository.ErrNotFound
	}
	delete(m.projects, projectID)
	return nil
}

type stubDeployments struct {
	active *domain.Deployment
}

func (s *stubDeployments) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return nil
}

func (s *stubDeployments) UpdateDeployment(ctx context.Context, update domain.DeploymentUpdate) error {
	return nil
}

func (s *stubDeployments) GetDeployment(ctx context.Context, projectID string, number int64) (*domain.Deployment, error) {
	return nil, repository.ErrNotFound
}

func (s *stubDeployments) GetActiveDeployment(ctx context.Context, projectID string) (*domain.Deployment, error) {
	if s.active == nil {
		return nil, repository.ErrNotFound
	}
	return s.active, nil
}

func (s *stubDeployments) GetLastSucceededDeployment(ctx context.Context, projectID string) (*domain.Deployment, error) {
	return nil, repository.ErrNotFound
}

func (s *stubDeployments) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	return nil, nil
}

type stubStopper struct {
	stopped []string
}

func (s *stubStopper) Stop(ctx context.Context, projectID string) (*domain.DevServerRecord, error) {
	s.stopped = append(s.stopped, projectID)
	return &domain.DevServerRecord{ProjectID: projectID, State: domain.DevServerStopped}, nil
}

func newTestService(t *testing.T) (*Service, *memProjects, *stubDeployments, *stubStopper, string) {
	t.Helper()
	root := t.TempDir()
	store, err := filestore.New(root)
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}

	templateDir := t.TempDir()
	fastapi := filepath.Join(templateDir, "fastapi")
	if err := os.MkdirAll(fastapi, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(fastapi, "main.py"), []byte("app = None\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	projects := newMemProjects()
	deployments := &stubDeployments{}
	stopper := &stubStopper{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(projects, deployments, store, scaffold.New(templateDir), stopper, logger)
	return svc, projects, deployments, stopper, root
}

func TestCreateScaffoldsWorkspace(t *testing.T) {
	svc, projects, _, _, _ := newTestService(t)

	p, err := svc.Create(context.Background(), "alpha", "fastapi", "demo app")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.ID == "" || p.WorkspacePath == "" {
		t.Fatalf("incomplete project: %+v", p)
	}
	if _, err := os.Stat(filepath.Join(p.WorkspacePath, "main.py")); err != nil {
		t.Fatalf("expected scaffolded file: %v", err)
	}
	if _, err := projects.GetProjectByID(context.Background(), p.ID); err != nil {
		t.Fatalf("expected persisted project: %v", err)
	}
}

func TestCreateRejectsUnknownTemplate(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)

	if _, err := svc.Create(context.Background(), "alpha", "rails", ""); !errors.Is(err, ErrUnknownTemplate) {
		t.Fatalf("expected ErrUnknownTemplate, got %v", err)
	}
}

func TestCreateWithMissingTemplateDirStillSucceeds(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)

	// "node" is known but has no directory in the template root; the
	// workspace starts empty.
	p, err := svc.Create(context.Background(), "beta", "node", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	entries, err := os.ReadDir(p.WorkspacePath)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty workspace, got %d entries", len(entries))
	}
}

func TestDeleteStopsServerAndRemovesWorkspace(t *testing.T) {
	svc, projects, _, stopper, _ := newTestService(t)

	p, err := svc.Create(context.Background(), "alpha", "fastapi", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := svc.Delete(context.Background(), p.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(stopper.stopped) != 1 || stopper.stopped[0] != p.ID {
		t.Fatalf("expected dev server stop for %s, got %v", p.ID, stopper.stopped)
	}
	if _, err := os.Stat(p.WorkspacePath); !os.IsNotExist(err) {
		t.Fatalf("expected workspace removed, got %v", err)
	}
	if _, err := projects.GetProjectByID(context.Background(), p.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected project record removed, got %v", err)
	}
}

func TestDeleteRefusedWhileDeploymentActive(t *testing.T) {
	svc, _, deployments, _, _ := newTestService(t)

	p, err := svc.Create(context.Background(), "alpha", "fastapi", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	deployments.active = &domain.Deployment{
		ID: "d1", ProjectID: p.ID, Number: 3, State: domain.DeployBuilding, StartedAt: time.Now(),
	}

	if err := svc.Delete(context.Background(), p.ID); !errors.Is(err, ErrDeploymentActive) {
		t.Fatalf("expected ErrDeploymentActive, got %v", err)
	}
}

func TestDeleteUnknownProject(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	if err := svc.Delete(context.Background(), "ghost"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
