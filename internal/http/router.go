package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/timomeintjes-cmd/oreus-api/internal/domain"
	"github.com/timomeintjes-cmd/oreus-api/internal/filestore"
	"github.com/timomeintjes-cmd/oreus-api/internal/ports"
	"github.com/timomeintjes-cmd/oreus-api/internal/repository"
	"github.com/timomeintjes-cmd/oreus-api/internal/scaffold"
	"github.com/timomeintjes-cmd/oreus-api/internal/service/deploy"
	"github.com/timomeintjes-cmd/oreus-api/internal/service/devserver"
	"github.com/timomeintjes-cmd/oreus-api/internal/service/project"
	"github.com/timomeintjes-cmd/oreus-api/internal/supervisor"
	"github.com/timomeintjes-cmd/oreus-api/internal/ws"
)

// ProjectService manages project records and workspaces.
type ProjectService interface {
	Create(ctx context.Context, name, template, description string) (*domain.Project, error)
	Get(ctx context.Context, projectID string) (*domain.Project, error)
	List(ctx context.Context) ([]domain.Project, error)
	Delete(ctx context.Context, projectID string) error
}

// DevServerService controls preview processes.
type DevServerService interface {
	Start(ctx context.Context, projectID string) (*domain.DevServerRecord, error)
	Stop(ctx context.Context, projectID string) (*domain.DevServerRecord, error)
	Status(ctx context.Context, projectID string) (*domain.DevServerRecord, error)
}

// DeployService drives the deployment pipeline.
type DeployService interface {
	Trigger(ctx context.Context, projectID string) (*domain.Deployment, error)
	Get(ctx context.Context, projectID string, number int64) (*domain.Deployment, error)
	List(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	Cancel(ctx context.Context, projectID string, number int64) (*domain.Deployment, error)
}

// FileStore exposes project workspace files.
type FileStore interface {
	ReadFile(projectID, path string) ([]byte, error)
	WriteFile(projectID, path string, data []byte) error
	ListTree(projectID string) ([]filestore.Entry, error)
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	projects   ProjectService
	devServers DevServerService
	deploys    DeployService
	files      FileStore
	hub        *ws.Hub
	upgrader   websocket.Upgrader
	limiter    RateLimiter
	health     map[string]func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitWrite     = 60
	rateLimitRead      = 240
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	maxUploadBytes     = 8 << 20

	sseHeartbeatInterval = 15 * time.Second
)

// NewRouter assembles routes with dependencies. health maps component names to
// liveness probes reported by /healthz.
func NewRouter(logger *slog.Logger, projects ProjectService, devServers DevServerService, deploys DeployService, files FileStore, hub *ws.Hub, limiter RateLimiter, health map[string]func(context.Context) error) *Router {
	r := &Router{
		mux:        http.NewServeMux(),
		logger:     logger,
		projects:   projects,
		devServers: devServers,
		deploys:    deploys,
		files:      files,
		hub:        hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter: limiter,
		health:  health,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/templates", r.audit("/templates", r.handleTemplates))
	r.mux.HandleFunc("/projects", r.audit("/projects", r.withRateLimit("/projects", rateLimitWrite, rateWindowDefault, r.handleProjects)))
	r.mux.HandleFunc("/projects/", r.audit("/projects/{id}", r.withRateLimit("/projects/{id}", rateLimitRead, rateWindowDefault, r.handleProjectSubroutes)))
	r.mux.HandleFunc("/ws/logs", r.audit("/ws/logs", r.withRateLimit("/ws/logs", rateLimitWebsocket, rateWindowRealtime, r.handleLogsWS)))
}

func (r *Router) handleTemplates(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": scaffold.Templates()})
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Name        string `json:"name"`
			Template    string `json:"template"`
			Description string `json:"description"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		payload.Name = strings.TrimSpace(payload.Name)
		if payload.Name == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		proj, err := r.projects.Create(req.Context(), payload.Name, payload.Template, payload.Description)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, proj)
	case http.MethodGet:
		list, err := r.projects.List(req.Context())
		if err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/projects/")
	parts := strings.SplitN(trimmed, "/", 3)
	projectID := parts[0]
	if projectID == "" {
		r.notFound(w)
		return
	}
	if len(parts) == 1 {
		r.handleProject(w, req, projectID)
		return
	}
	switch parts[1] {
	case "files":
		rest := ""
		if len(parts) == 3 {
			rest = parts[2]
		}
		r.handleProjectFiles(w, req, projectID, rest)
	case "server":
		rest := ""
		if len(parts) == 3 {
			rest = parts[2]
		}
		r.handleDevServer(w, req, projectID, rest)
	case "deployments":
		rest := ""
		if len(parts) == 3 {
			rest = parts[2]
		}
		r.handleDeployments(w, req, projectID, rest)
	case "logs":
		r.handleLogsSSE(w, req, projectID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleProject(w http.ResponseWriter, req *http.Request, projectID string) {
	switch req.Method {
	case http.MethodGet:
		proj, err := r.projects.Get(req.Context(), projectID)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, proj)
	case http.MethodDelete:
		if err := r.projects.Delete(req.Context(), projectID); err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectFiles(w http.ResponseWriter, req *http.Request, projectID, path string) {
	if _, err := r.projects.Get(req.Context(), projectID); err != nil {
		r.serviceError(w, err)
		return
	}
	if path == "" {
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		entries, err := r.files.ListTree(projectID)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
		return
	}
	switch req.Method {
	case http.MethodGet:
		data, err := r.files.ReadFile(projectID, path)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	case http.MethodPut:
		data, err := io.ReadAll(io.LimitReader(req.Body, maxUploadBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "could not read body")
			return
		}
		if err := r.files.WriteFile(projectID, path, data); err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "stored"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDevServer(w http.ResponseWriter, req *http.Request, projectID, action string) {
	switch action {
	case "":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		rec, err := r.devServers.Status(req.Context(), projectID)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case "start":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		rec, err := r.devServers.Start(req.Context(), projectID)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case "stop":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		rec, err := r.devServers.Stop(req.Context(), projectID)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request, projectID, rest string) {
	if rest == "" {
		switch req.Method {
		case http.MethodPost:
			deployment, err := r.deploys.Trigger(req.Context(), projectID)
			if err != nil {
				r.serviceError(w, err)
				return
			}
			writeJSON(w, http.StatusAccepted, deployment)
		case http.MethodGet:
			limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
			if limit <= 0 {
				limit = 50
			}
			deployments, err := r.deploys.List(req.Context(), projectID, limit)
			if err != nil {
				r.serviceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, deployments)
		default:
			r.methodNotAllowed(w)
		}
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	number, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || number <= 0 {
		writeError(w, http.StatusBadRequest, "invalid deployment number")
		return
	}
	if len(parts) == 1 {
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		deployment, err := r.deploys.Get(req.Context(), projectID, number)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, deployment)
		return
	}
	if parts[1] == "cancel" {
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		deployment, err := r.deploys.Cancel(req.Context(), projectID, number)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, deployment)
		return
	}
	r.notFound(w)
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	projectID := req.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id query parameter required")
		return
	}
	if _, err := r.projects.Get(req.Context(), projectID); err != nil {
		r.serviceError(w, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(projectID, client)
	go func() {
		defer func() {
			r.hub.Unregister(projectID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// handleLogsSSE streams the same hub payloads as the websocket endpoint over
// text/event-stream, for clients behind proxies that strip upgrades.
func (r *Router) handleLogsSSE(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if _, err := r.projects.Get(req.Context(), projectID); err != nil {
		r.serviceError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusNotImplemented, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(projectID, client)
	defer r.hub.Unregister(projectID, client)

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-req.Context().Done():
			client.Close()
			return
		case <-client.Done():
			return
		case <-heartbeat.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	for name, check := range r.health {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// serviceError maps service failures onto HTTP statuses.
func (r *Router) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, project.ErrUnknownTemplate):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, supervisor.ErrAlreadyRunning),
		errors.Is(err, devserver.ErrAlreadyStopped),
		errors.Is(err, deploy.ErrDeploymentInProgress),
		errors.Is(err, deploy.ErrTooLateToCancel),
		errors.Is(err, project.ErrDeploymentActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ports.ErrExhausted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, supervisor.ErrStartupTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
