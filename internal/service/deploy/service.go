package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/timomeintjes-cmd/oreus-api/internal/domain"
	"github.com/timomeintjes-cmd/oreus-api/internal/repository"
)

var (
	// ErrDeploymentInProgress rejects a new deployment while one is non-terminal.
	ErrDeploymentInProgress = errors.New("deploy: deployment already in progress")
	// ErrTooLateToCancel rejects cancellation past the building stage.
	ErrTooLateToCancel = errors.New("deploy: too late to cancel")
)

// Stage detail prefixes recorded on failed deployments.
const (
	detailBuildFailed         = "BuildFailed"
	detailPushFailed          = "PushFailed"
	detailDeployFailed        = "DeployFailed"
	detailVerificationTimeout = "VerificationTimeout"
	detailRollbackFailed      = "RollbackFailed"
	detailCanceled            = "Canceled"
)

// ImageBuilder produces a deployable artifact from a project workspace.
type ImageBuilder interface {
	BuildImage(ctx context.Context, dir, tag string, onOutput func(string)) error
}

// ImagePusher uploads artifacts to the artifact registry.
type ImagePusher interface {
	PushImage(ctx context.Context, tag string, onOutput func(string)) error
}

// Platform rolls artifacts out on the container platform. Rollout must be
// idempotent per deployment id.
type Platform interface {
	Rollout(ctx context.Context, projectID, deploymentID, imageTag string) (string, error)
}

// ProbeFunc performs one health probe against a deployed service URL.
type ProbeFunc func(ctx context.Context, url string) error

// EventSink publishes deployment state transitions.
type EventSink interface {
	Deployment(projectID, state, detail string)
}

// Config bounds the pipeline stages.
type Config struct {
	RegistryURL        string
	PushMaxAttempts    int
	PushBackoffBase    time.Duration
	VerifyTimeout      time.Duration
	VerifyInterval     time.Duration
	DeployStageTimeout time.Duration
}

// Service drives a project through build, push, deploy and verify against the
// container platform, recording every transition in the repository.
type Service struct {
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	builder     ImageBuilder
	pusher      ImagePusher
	platform    Platform
	probe       ProbeFunc
	events      EventSink
	logger      *slog.Logger
	cfg         Config

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	canceled sync.Map
}

// New constructs a deployment coordinator.
func New(projects repository.ProjectRepository, deployments repository.DeploymentRepository, builder ImageBuilder, pusher ImagePusher, platform Platform, probe ProbeFunc, events EventSink, logger *slog.Logger, cfg Config) *Service {
	if cfg.PushMaxAttempts <= 0 {
		cfg.PushMaxAttempts = 4
	}
	if cfg.PushBackoffBase <= 0 {
		cfg.PushBackoffBase = 500 * time.Millisecond
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = time.Minute
	}
	if cfg.VerifyInterval <= 0 {
		cfg.VerifyInterval = 2 * time.Second
	}
	if cfg.DeployStageTimeout <= 0 {
		cfg.DeployStageTimeout = 10 * time.Minute
	}
	initMetrics()
	return &Service{
		projects:    projects,
		deployments: deployments,
		builder:     builder,
		pusher:      pusher,
		platform:    platform,
		probe:       probe,
		events:      events,
		logger:      logger,
		cfg:         cfg,
		locks:       make(map[string]*sync.Mutex),
	}
}

func (s *Service) projectLock(projectID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[projectID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[projectID] = lock
	}
	return lock
}

// Trigger starts an asynchronous deployment and returns its Pending record.
func (s *Service) Trigger(ctx context.Context, projectID string) (*domain.Deployment, error) {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}

	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	if active, err := s.deployments.GetActiveDeployment(ctx, projectID); err == nil && active != nil {
		return active, ErrDeploymentInProgress
	} else if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	dep := &domain.Deployment{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		State:     domain.DeployPending,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := s.deployments.CreateDeployment(ctx, dep); err != nil {
		return nil, err
	}
	dep.Image = fmt.Sprintf("%s/%s:%d", strings.TrimSuffix(s.cfg.RegistryURL, "/"), projectID, dep.Number)

	s.logger.Info("deployment triggered", "project_id", projectID, "deployment", dep.Number)
	s.publish(projectID, domain.DeployPending, "")

	go s.execute(*project, *dep)
	return dep, nil
}

// Get returns one deployment attempt.
func (s *Service) Get(ctx context.Context, projectID string, number int64) (*domain.Deployment, error) {
	if _, err := s.projects.GetProjectByID(ctx, projectID); err != nil {
		return nil, err
	}
	return s.deployments.GetDeployment(ctx, projectID, number)
}

// List returns recent deployments, newest first.
func (s *Service) List(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if _, err := s.projects.GetProjectByID(ctx, projectID); err != nil {
		return nil, err
	}
	return s.deployments.ListDeploymentsByProject(ctx, projectID, limit)
}

// Cancel suppresses further stage transitions for a deployment that is still
// Pending or Building. It never interrupts an in-flight external call.
func (s *Service) Cancel(ctx context.Context, projectID string, number int64) (*domain.Deployment, error) {
	dep, err := s.Get(ctx, projectID, number)
	if err != nil {
		return nil, err
	}
	if dep.State != domain.DeployPending && dep.State != domain.DeployBuilding {
		return dep, ErrTooLateToCancel
	}
	s.canceled.Store(dep.ID, struct{}{})
	s.logger.Info("deployment cancel requested", "project_id", projectID, "deployment", number)
	return dep, nil
}

func (s *Service) isCanceled(deploymentID string) bool {
	_, ok := s.canceled.Load(deploymentID)
	return ok
}

// execute runs the pipeline stages. Each transition re-checks cancellation;
// cancellation past Building is ignored per the stage contract.
func (s *Service) execute(project domain.Project, dep domain.Deployment) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DeployStageTimeout)
	defer cancel()
	defer s.canceled.Delete(dep.ID)

	if s.isCanceled(dep.ID) {
		s.finish(ctx, dep, domain.DeployFailed, detailCanceled+": before build")
		return
	}

	s.advance(ctx, &dep, domain.DeployBuilding, "")
	buildLog := newTailBuffer(40)
	if err := s.builder.BuildImage(ctx, project.WorkspacePath, dep.Image, buildLog.Add); err != nil {
		detail := fmt.Sprintf("%s: %v", detailBuildFailed, err)
		if tail := buildLog.Tail(); tail != "" {
			detail += "\n" + tail
		}
		s.finish(ctx, dep, domain.DeployFailed, detail)
		return
	}

	if s.isCanceled(dep.ID) {
		s.finish(ctx, dep, domain.DeployFailed, detailCanceled+": after build")
		return
	}

	s.advance(ctx, &dep, domain.DeployPushing, "")
	if err := s.pushWithRetry(ctx, dep.Image); err != nil {
		s.finish(ctx, dep, domain.DeployFailed, fmt.Sprintf("%s: %v", detailPushFailed, err))
		return
	}

	s.advance(ctx, &dep, domain.DeployDeploying, "")
	url, err := s.platform.Rollout(ctx, project.ID, dep.ID, dep.Image)
	if err != nil {
		s.finish(ctx, dep, domain.DeployFailed, fmt.Sprintf("%s: %v", detailDeployFailed, err))
		return
	}
	dep.URL = url

	s.advance(ctx, &dep, domain.DeployVerifying, "")
	if err := s.verify(ctx, url); err != nil {
		s.rollback(ctx, project, dep, err)
		return
	}

	s.finish(ctx, dep, domain.DeploySucceeded, "")
	s.logger.Info("deployment succeeded", "project_id", project.ID, "deployment", dep.Number, "url", url)
}

// pushWithRetry retries transient push failures with bounded exponential
// backoff; only exhaustion is surfaced.
func (s *Service) pushWithRetry(ctx context.Context, imageTag string) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.PushBackoffBase
	retries := backoff.WithMaxRetries(policy, uint64(s.cfg.PushMaxAttempts-1))

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := s.pusher.PushImage(ctx, imageTag, nil)
		if err != nil {
			s.logger.Warn("artifact push failed", "image", imageTag, "attempt", attempt, "error", err)
		}
		return err
	}, backoff.WithContext(retries, ctx))
}

// verify polls the service health endpoint for a bounded duration.
func (s *Service) verify(ctx context.Context, url string) error {
	deadline := time.Now().Add(s.cfg.VerifyTimeout)
	for {
		probeCtx, cancel := context.WithTimeout(ctx, s.cfg.VerifyInterval)
		err := s.probe(probeCtx, url)
		cancel()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s: service at %s not healthy after %s: %v", detailVerificationTimeout, url, s.cfg.VerifyTimeout, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %v", detailVerificationTimeout, ctx.Err())
		case <-time.After(s.cfg.VerifyInterval):
		}
	}
}

// rollback restores the last succeeded artifact after a verification failure,
// when one exists.
func (s *Service) rollback(ctx context.Context, project domain.Project, dep domain.Deployment, verifyErr error) {
	prior, err := s.deployments.GetLastSucceededDeployment(ctx, project.ID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("rollback candidate lookup failed", "project_id", project.ID, "error", err)
		}
		s.finish(ctx, dep, domain.DeployFailed, verifyErr.Error())
		return
	}

	s.logger.Info("rolling back to prior deployment", "project_id", project.ID, "failed", dep.Number, "target", prior.Number)
	if _, err := s.platform.Rollout(ctx, project.ID, prior.ID, prior.Image); err != nil {
		detail := fmt.Sprintf("%s; %s: %v", verifyErr.Error(), detailRollbackFailed, err)
		s.finish(ctx, dep, domain.DeployFailed, detail)
		return
	}
	detail := fmt.Sprintf("%s; rolled back to deployment %d", verifyErr.Error(), prior.Number)
	s.finish(ctx, dep, domain.DeployRolledBack, detail)
}

func (s *Service) advance(ctx context.Context, dep *domain.Deployment, state, detail string) {
	dep.State = state
	update := domain.DeploymentUpdate{
		DeploymentID: dep.ID,
		State:        state,
		Image:        dep.Image,
		URL:          dep.URL,
		Detail:       detail,
	}
	if err := s.deployments.UpdateDeployment(ctx, update); err != nil {
		s.logger.Error("persist deployment transition failed", "deployment_id", dep.ID, "state", state, "error", err)
	}
	s.publish(dep.ProjectID, state, detail)
}

func (s *Service) finish(ctx context.Context, dep domain.Deployment, state, detail string) {
	now := time.Now().UTC()
	update := domain.DeploymentUpdate{
		DeploymentID: dep.ID,
		State:        state,
		Image:        dep.Image,
		URL:          dep.URL,
		Detail:       detail,
		FinishedAt:   &now,
	}
	if err := s.deployments.UpdateDeployment(ctx, update); err != nil {
		s.logger.Error("persist deployment completion failed", "deployment_id", dep.ID, "state", state, "error", err)
	}
	recordOutcome(state)
	s.publish(dep.ProjectID, state, detail)
	if state == domain.DeployFailed {
		s.logger.Warn("deployment failed", "project_id", dep.ProjectID, "deployment", dep.Number, "detail", detail)
	}
}

func (s *Service) publish(projectID, state, detail string) {
	if s.events != nil {
		s.events.Deployment(projectID, state, detail)
	}
}

// tailBuffer keeps the last n output lines for failure detail.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	size  int
}

func newTailBuffer(size int) *tailBuffer {
	return &tailBuffer{size: size}
}

func (b *tailBuffer) Add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.lines) >= b.size {
		b.lines = b.lines[1:]
	}
	b.lines = append(b.lines, line)
}

func (b *tailBuffer) Tail() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}
