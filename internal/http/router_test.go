package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/timomeintjes-cmd/oreus-api/internal/domain"
	"github.com/timomeintjes-cmd/oreus-api/internal/filestore"
	"github.com/timomeintjes-cmd/oreus-api/internal/ports"
	"github.com/timomeintjes-cmd/oreus-api/internal/repository"
	"github.com/timomeintjes-cmd/oreus-api/internal/service/deploy"
	"github.com/timomeintjes-cmd/oreus-api/internal/ws"
)

type projectStub struct {
	createErr error
	getErr    error
	deleteErr error
}

func (s *projectStub) Create(ctx context.Context, name, template, description string) (*domain.Project, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	return &domain.Project{ID: "p1", Name: name, Template: template}, nil
}

func (s *projectStub) Get(ctx context.Context, projectID string) (*domain.Project, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return &domain.Project{ID: projectID, Name: "alpha"}, nil
}

func (s *projectStub) List(ctx context.Context) ([]domain.Project, error) {
	return []domain.Project{{ID: "p1"}}, nil
}

func (s *projectStub) Delete(ctx context.Context, projectID string) error {
	return s.deleteErr
}

type devServerStub struct {
	startErr error
	rec      domain.DevServerRecord
}

func (s *devServerStub) Start(ctx context.Context, projectID string) (*domain.DevServerRecord, error) {
	if s.startErr != nil {
		return nil, s.startErr
	}
	rec := s.rec
	rec.ProjectID = projectID
	return &rec, nil
}

func (s *devServerStub) Stop(ctx context.Context, projectID string) (*domain.DevServerRecord, error) {
	return &domain.DevServerRecord{ProjectID: projectID, State: domain.DevServerStopped}, nil
}

func (s *devServerStub) Status(ctx context.Context, projectID string) (*domain.DevServerRecord, error) {
	rec := s.rec
	rec.ProjectID = projectID
	return &rec, nil
}

type deployStub struct {
	triggerErr error
	cancelErr  error
}

func (s *deployStub) Trigger(ctx context.Context, projectID string) (*domain.Deployment, error) {
	if s.triggerErr != nil {
		return nil, s.triggerErr
	}
	return &domain.Deployment{ID: "d1", ProjectID: projectID, Number: 1, State: domain.DeployPending}, nil
}

func (s *deployStub) Get(ctx context.Context, projectID string, number int64) (*domain.Deployment, error) {
	return &domain.Deployment{ID: "d1", ProjectID: projectID, Number: number, State: domain.DeploySucceeded}, nil
}

func (s *deployStub) List(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	return []domain.Deployment{{ID: "d1", ProjectID: projectID, Number: 1}}, nil
}

func (s *deployStub) Cancel(ctx context.Context, projectID string, number int64) (*domain.Deployment, error) {
	if s.cancelErr != nil {
		return nil, s.cancelErr
	}
	return &domain.Deployment{ID: "d1", ProjectID: projectID, Number: number, State: domain.DeployPending}, nil
}

type fileStoreStub struct {
	files map[string][]byte
}

func (s *fileStoreStub) ReadFile(projectID, path string) ([]byte, error) {
	data, ok := s.files[path]
	if !ok {
		return nil, errors.New("read: no such file")
	}
	return data, nil
}

func (s *fileStoreStub) WriteFile(projectID, path string, data []byte) error {
	s.files[path] = data
	return nil
}

func (s *fileStoreStub) ListTree(projectID string) ([]filestore.Entry, error) {
	entries := make([]filestore.Entry, 0, len(s.files))
	for path, data := range s.files {
		entries = append(entries, filestore.Entry{Path: path, Size: int64(len(data))})
	}
	return entries, nil
}

type testRouter struct {
	router   *Router
	projects *projectStub
	servers  *devServerStub
	deploys  *deployStub
	store    *fileStoreStub
}

func setupRouter(t *testing.T) *testRouter {
	t.Helper()
	projects := &projectStub{}
	servers := &devServerStub{rec: domain.DevServerRecord{State: domain.DevServerStopped}}
	deploys := &deployStub{}
	store := &fileStoreStub{files: map[string][]byte{"main.py": []byte("app = None\n")}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := NewRouter(logger, projects, servers, deploys, store, ws.NewHub(), nil, nil)
	t.Cleanup(router.Close)
	return &testRouter{router: router, projects: projects, servers: servers, deploys: deploys, store: store}
}

func doRequest(t *testing.T, router *Router, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "198.51.100.7:1234"
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestCreateProjectRoute(t *testing.T) {
	tr := setupRouter(t)

	rr := doRequest(t, tr.router, http.MethodPost, "/projects", `{"name":"alpha","template":"fastapi"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var payload struct {
		ID   string
		Name string
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.ID != "p1" || payload.Name != "alpha" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestCreateProjectRejectsBlankName(t *testing.T) {
	tr := setupRouter(t)
	rr := doRequest(t, tr.router, http.MethodPost, "/projects", `{"name":"  ","template":"fastapi"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestGetProjectNotFound(t *testing.T) {
	tr := setupRouter(t)
	tr.projects.getErr = repository.ErrNotFound

	rr := doRequest(t, tr.router, http.MethodGet, "/projects/ghost", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestTemplatesRoute(t *testing.T) {
	tr := setupRouter(t)

	rr := doRequest(t, tr.router, http.MethodGet, "/templates", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "fastapi") {
		t.Fatalf("expected template list, got %s", rr.Body.String())
	}
}

func TestDevServerRoutes(t *testing.T) {
	tr := setupRouter(t)
	port := 3000
	tr.servers.rec = domain.DevServerRecord{State: domain.DevServerRunning, Port: &port}

	rr := doRequest(t, tr.router, http.MethodPost, "/projects/p1/server/start", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, tr.router, http.MethodGet, "/projects/p1/server", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), domain.DevServerRunning) {
		t.Fatalf("expected running state in body: %s", rr.Body.String())
	}

	rr = doRequest(t, tr.router, http.MethodPost, "/projects/p1/server/stop", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d", rr.Code)
	}

	rr = doRequest(t, tr.router, http.MethodDelete, "/projects/p1/server/start", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestDevServerStartExhaustedMapsTo503(t *testing.T) {
	tr := setupRouter(t)
	tr.servers.startErr = ports.ErrExhausted

	rr := doRequest(t, tr.router, http.MethodPost, "/projects/p1/server/start", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestDeploymentRoutes(t *testing.T) {
	tr := setupRouter(t)

	rr := doRequest(t, tr.router, http.MethodPost, "/projects/p1/deployments", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("trigger: expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, tr.router, http.MethodGet, "/projects/p1/deployments", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rr.Code)
	}

	rr = doRequest(t, tr.router, http.MethodGet, "/projects/p1/deployments/1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rr.Code)
	}

	rr = doRequest(t, tr.router, http.MethodPost, "/projects/p1/deployments/1/cancel", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("cancel: expected 202, got %d", rr.Code)
	}

	rr = doRequest(t, tr.router, http.MethodGet, "/projects/p1/deployments/zero", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad number, got %d", rr.Code)
	}
}

func TestDeploymentConflictMapsTo409(t *testing.T) {
	tr := setupRouter(t)
	tr.deploys.triggerErr = deploy.ErrDeploymentInProgress
	tr.deploys.cancelErr = deploy.ErrTooLateToCancel

	rr := doRequest(t, tr.router, http.MethodPost, "/projects/p1/deployments", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("trigger: expected 409, got %d", rr.Code)
	}

	rr = doRequest(t, tr.router, http.MethodPost, "/projects/p1/deployments/1/cancel", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("cancel: expected 409, got %d", rr.Code)
	}
}

func TestFileRoutes(t *testing.T) {
	tr := setupRouter(t)

	rr := doRequest(t, tr.router, http.MethodGet, "/projects/p1/files", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("tree: expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "main.py") {
		t.Fatalf("expected tree entry, got %s", rr.Body.String())
	}

	rr = doRequest(t, tr.router, http.MethodGet, "/projects/p1/files/main.py", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("read: expected 200, got %d", rr.Code)
	}
	if rr.Body.String() != "app = None\n" {
		t.Fatalf("unexpected file body: %q", rr.Body.String())
	}

	rr = doRequest(t, tr.router, http.MethodPut, "/projects/p1/files/new.txt", "hello")
	if rr.Code != http.StatusCreated {
		t.Fatalf("write: expected 201, got %d", rr.Code)
	}
	if got := string(tr.store.files["new.txt"]); got != "hello" {
		t.Fatalf("expected stored file, got %q", got)
	}
}

func TestHealthzReportsComponents(t *testing.T) {
	projects := &projectStub{}
	servers := &devServerStub{}
	deploys := &deployStub{}
	store := &fileStoreStub{files: map[string][]byte{}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	health := map[string]func(context.Context) error{
		"database": func(ctx context.Context) error { return nil },
		"docker":   func(ctx context.Context) error { return errors.New("daemon unreachable") },
	}
	router := NewRouter(logger, projects, servers, deploys, store, ws.NewHub(), nil, health)
	t.Cleanup(router.Close)

	rr := doRequest(t, router, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when a component is down, got %d", rr.Code)
	}
	var payload struct {
		Status     string                    `json:"status"`
		Components map[string]map[string]any `json:"components"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if payload.Status != "degraded" {
		t.Fatalf("expected degraded, got %s", payload.Status)
	}
	if payload.Components["database"]["status"] != "up" {
		t.Fatalf("expected database up, got %v", payload.Components["database"])
	}
	if payload.Components["docker"]["status"] != "down" {
		t.Fatalf("expected docker down, got %v", payload.Components["docker"])
	}
}

func TestRateLimitHeadersAndRejection(t *testing.T) {
	tr := setupRouter(t)

	var rr *httptest.ResponseRecorder
	for i := 0; i < rateLimitWrite+1; i++ {
		rr = doRequest(t, tr.router, http.MethodGet, "/projects", "")
	}
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after exceeding the window, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-RateLimit-Limit"); got == "" {
		t.Fatal("expected X-RateLimit-Limit header")
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("expected zero remaining, got %q", got)
	}
}

func TestLogsSSEStreamsHubPayloads(t *testing.T) {
	tr := setupRouter(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/projects/p1/logs", nil).WithContext(ctx)
	req.RemoteAddr = "198.51.100.7:1234"
	rr := httptest.NewRecorder()

	served := make(chan struct{})
	go func() {
		tr.router.ServeHTTP(rr, req)
		close(served)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for tr.router.hub.Subscribers("p1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("sse subscriber never registered")
		}
		time.Sleep(2 * time.Millisecond)
	}
	tr.router.hub.Broadcast("p1", []byte(`{"line":"ready"}`))
	cancel()
	<-served

	if got := rr.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type %q", got)
	}
	if !strings.Contains(rr.Body.String(), "data: {\"line\":\"ready\"}\n\n") {
		t.Fatalf("payload frame missing from stream: %q", rr.Body.String())
	}
	if got := tr.router.hub.Subscribers("p1"); got != 0 {
		t.Fatalf("expected subscriber removed after disconnect, got %d", got)
	}
}

func TestRedisBucketKeySchema(t *testing.T) {
	if got := bucketKey("ip:198.51.100.7"); got != "oreus:api:ratelimit:ip:198.51.100.7" {
		t.Fatalf("unexpected bucket key %q", got)
	}
}
