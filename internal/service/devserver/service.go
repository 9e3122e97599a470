package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/timomeintjes-cmd/oreus-api/internal/domain"
	"github.com/timomeintjes-cmd/oreus-api/internal/ports"
	"github.com/timomeintjes-cmd/oreus-api/internal/repository"
	"github.com/timomeintjes-cmd/oreus-api/internal/scaffold"
	"github.com/timomeintjes-cmd/oreus-api/internal/supervisor"
)

// ErrAlreadyStopped signals a stop request while another stop is in flight.
var ErrAlreadyStopped = errors.New("devserver: stop already in progress")

// PortAllocator leases ports for preview processes.
type PortAllocator interface {
	Acquire(projectID string) (int, error)
	Release(projectID string, port int)
}

// ProcessSupervisor launches and terminates preview processes.
type ProcessSupervisor interface {
	Start(ctx context.Context, projectID, command, dir string, port int) (*supervisor.Handle, error)
	Stop(ctx context.Context, handle *supervisor.Handle, grace time.Duration) error
	Lines(handle *supervisor.Handle) <-chan string
	SetExitHandler(fn supervisor.ExitFunc)
}

// Broadcaster receives process output for streaming subscribers.
type Broadcaster interface {
	Broadcast(projectID string, payload []byte)
}

// EventSink publishes dev server state transitions.
type EventSink interface {
	DevServer(projectID, state, detail string)
}

// Config bounds dev server supervision.
type Config struct {
	StopGraceTimeout time.Duration
}

// Service orchestrates the port allocator and process supervisor to run one
// preview process per project, with the repository as source of truth.
//
// Writers for the same project serialize on a keyed mutex; the readiness wait
// happens with the mutex released and the terminal transition re-validates the
// record, so status reads are never starved and an interleaved stop wins.
type Service struct {
	projects repository.ProjectRepository
	records  repository.DevServerRepository
	alloc    PortAllocator
	sup      ProcessSupervisor
	hub      Broadcaster
	events   EventSink
	logger   *slog.Logger
	cfg      Config

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	handles map[string]*supervisor.Handle
}

// New wires a dev server manager and registers its crash handler with the
// supervisor.
func New(projects repository.ProjectRepository, records repository.DevServerRepository, alloc PortAllocator, sup ProcessSupervisor, hub Broadcaster, events EventSink, logger *slog.Logger, cfg Config) *Service {
	if cfg.StopGraceTimeout <= 0 {
		cfg.StopGraceTimeout = 10 * time.Second
	}
	s := &Service{
		projects: projects,
		records:  records,
		alloc:    alloc,
		sup:      sup,
		hub:      hub,
		events:   events,
		logger:   logger,
		cfg:      cfg,
		locks:    make(map[string]*sync.Mutex),
		handles:  make(map[string]*supervisor.Handle),
	}
	sup.SetExitHandler(s.handleUnexpectedExit)
	initMetrics()
	return s
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

func (s *Service) storeHandle(projectID string, handle *supervisor.Handle) {
	s.mu.Lock()
	s.handles[projectID] = handle
	s.mu.Unlock()
}

func (s *Service) takeHandle(projectID string) *supervisor.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle := s.handles[projectID]
	delete(s.handles, projectID)
	return handle
}

// Start launches the preview process for a project. Starting an already
// Starting or Running server returns the current record unchanged.
func (s *Service) Start(ctx context.Context, projectID string) (*domain.DevServerRecord, error) {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}

	lock := s.projectLock(projectID)
	lock.Lock()

	rec, err := s.currentRecord(ctx, projectID)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	switch rec.State {
	case domain.DevServerStarting, domain.DevServerRunning:
		lock.Unlock()
		return rec, nil
	case domain.DevServerStopping:
		lock.Unlock()
		return rec, supervisor.ErrAlreadyRunning
	}

	port, err := s.alloc.Acquire(projectID)
	if err != nil {
		lock.Unlock()
		if errors.Is(err, ports.ErrExhausted) {
			return rec, err
		}
		return rec, fmt.Errorf("acquire port: %w", err)
	}

	rec = s.transition(ctx, *rec, domain.DevServerStarting, &port, "", "")
	lock.Unlock()

	// Readiness polling runs without the project lock held.
	handle, startErr := s.sup.Start(ctx, projectID, scaffold.RunCommand(project.Template), project.WorkspacePath, port)

	lock.Lock()
	defer lock.Unlock()

	rec, err = s.currentRecord(ctx, projectID)
	if err != nil {
		if handle != nil {
			_ = s.sup.Stop(context.Background(), handle, time.Second)
		}
		s.alloc.Release(projectID, port)
		return nil, err
	}

	if rec.State != domain.DevServerStarting {
		// A stop raced the readiness wait and won; it already freed the
		// port, and the owner check keeps this release from touching a
		// lease the port may have moved to since.
		if handle != nil {
			_ = s.sup.Stop(context.Background(), handle, time.Second)
		}
		s.alloc.Release(projectID, port)
		return rec, nil
	}

	if startErr != nil {
		s.alloc.Release(projectID, port)
		rec = s.transition(ctx, *rec, domain.DevServerStopped, nil, "", startErr.Error())
		s.logger.Warn("dev server start failed", "project_id", projectID, "error", startErr)
		return rec, startErr
	}

	s.storeHandle(projectID, handle)
	go s.pumpOutput(projectID, handle)

	now := time.Now().UTC()
	updated := *rec
	updated.State = domain.DevServerRunning
	updated.Port = &port
	updated.ProcessRef = handle.ID
	updated.StartedAt = &now
	updated.LastCheckedAt = &now
	updated.Detail = ""
	updated.UpdatedAt = now
	if err := s.records.UpsertDevServer(ctx, updated); err != nil {
		s.logger.Error("persist running record failed", "project_id", projectID, "error", err)
	}
	s.publish(projectID, domain.DevServerRunning, "")
	s.logger.Info("dev server running", "project_id", projectID, "port", port)
	return &updated, nil
}

// Stop terminates the preview process. Stopping a Stopped or Crashed server
// is a no-op returning the current record.
func (s *Service) Stop(ctx context.Context, projectID string) (*domain.DevServerRecord, error) {
	if _, err := s.projects.GetProjectByID(ctx, projectID); err != nil {
		return nil, err
	}

	lock := s.projectLock(projectID)
	lock.Lock()

	rec, err := s.currentRecord(ctx, projectID)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	switch rec.State {
	case domain.DevServerStopped, domain.DevServerCrashed:
		lock.Unlock()
		return rec, nil
	case domain.DevServerStopping:
		lock.Unlock()
		return rec, ErrAlreadyStopped
	}

	port := 0
	if rec.Port != nil {
		port = *rec.Port
	}
	rec = s.transition(ctx, *rec, domain.DevServerStopping, rec.Port, rec.ProcessRef, "")
	handle := s.takeHandle(projectID)
	lock.Unlock()

	if handle != nil {
		if err := s.sup.Stop(ctx, handle, s.cfg.StopGraceTimeout); err != nil {
			s.logger.Warn("supervisor stop failed", "project_id", projectID, "error", err)
		}
	}

	lock.Lock()
	defer lock.Unlock()
	rec, err = s.currentRecord(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if port != 0 {
		s.alloc.Release(projectID, port)
	}
	rec = s.transition(ctx, *rec, domain.DevServerStopped, nil, "", "")
	s.publish(projectID, domain.DevServerStopped, "")
	s.logger.Info("dev server stopped", "project_id", projectID)
	return rec, nil
}

// Status returns the current dev server record, synthesizing a Stopped record
// for projects that never started one.
func (s *Service) Status(ctx context.Context, projectID string) (*domain.DevServerRecord, error) {
	if _, err := s.projects.GetProjectByID(ctx, projectID); err != nil {
		return nil, err
	}
	return s.currentRecord(ctx, projectID)
}

// handleUnexpectedExit transitions a crashed process's record and frees its
// port. Invoked by the supervisor's monitor goroutine.
func (s *Service) handleUnexpectedExit(projectID, handleID string, exitCode int) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, err := s.currentRecord(ctx, projectID)
	if err != nil {
		s.logger.Warn("crash handling: record load failed", "project_id", projectID, "error", err)
		return
	}
	if rec.ProcessRef != handleID {
		// A newer process owns the record; this exit is stale.
		return
	}
	if rec.State != domain.DevServerRunning && rec.State != domain.DevServerStarting {
		return
	}

	if rec.Port != nil {
		s.alloc.Release(projectID, *rec.Port)
	}
	s.takeHandle(projectID)
	detail := fmt.Sprintf("process exited unexpectedly with code %d", exitCode)
	s.transition(ctx, *rec, domain.DevServerCrashed, nil, "", detail)
	s.publish(projectID, domain.DevServerCrashed, detail)
	s.logger.Warn("dev server crashed", "project_id", projectID, "exit_code", exitCode)
}

func (s *Service) currentRecord(ctx context.Context, projectID string) (*domain.DevServerRecord, error) {
	rec, err := s.records.GetDevServer(ctx, projectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &domain.DevServerRecord{
				ProjectID: projectID,
				State:     domain.DevServerStopped,
				UpdatedAt: time.Now().UTC(),
			}, nil
		}
		return nil, err
	}
	return rec, nil
}

func (s *Service) transition(ctx context.Context, rec domain.DevServerRecord, state string, port *int, processRef, detail string) *domain.DevServerRecord {
	rec.State = state
	rec.Port = port
	rec.ProcessRef = processRef
	rec.Detail = detail
	rec.UpdatedAt = time.Now().UTC()
	if state == domain.DevServerStopped || state == domain.DevServerCrashed {
		rec.StartedAt = nil
		rec.LastCheckedAt = nil
	}
	if err := s.records.UpsertDevServer(ctx, rec); err != nil {
		s.logger.Error("persist dev server record failed", "project_id", rec.ProjectID, "state", state, "error", err)
	}
	return &rec
}

type outputLine struct {
	ProjectID string    `json:"project_id"`
	Line      string    `json:"line"`
	At        time.Time `json:"at"`
}

func (s *Service) pumpOutput(projectID string, handle *supervisor.Handle) {
	if s.hub == nil {
		for range s.sup.Lines(handle) {
		}
		return
	}
	for line := range s.sup.Lines(handle) {
		payload, err := json.Marshal(outputLine{ProjectID: projectID, Line: line, At: time.Now().UTC()})
		if err != nil {
			continue
		}
		s.hub.Broadcast(projectID, payload)
	}
}

func (s *Service) publish(projectID, state, detail string) {
	recordTransition(state)
	if s.events != nil {
		s.events.DevServer(projectID, state, detail)
	}
}
