package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
)

var (
	// ErrAlreadyRunning is returned when a project already has a live process.
	ErrAlreadyRunning = errors.New("supervisor: process already running for project")
	// ErrStartupTimeout is returned when the process never became ready on its port.
	ErrStartupTimeout = errors.New("supervisor: startup readiness timeout")
)

// Process phases reported by Status.
const (
	PhaseRunning = "running"
	PhaseExited  = "exited"
	PhaseCrashed = "crashed"
)

// State describes the current condition of a supervised process.
type State struct {
	Phase    string
	ExitCode int
}

// Handle is the opaque reference to a supervised process. Callers hold the
// handle; the underlying process and its pipes stay owned by the Supervisor.
type Handle struct {
	ID        string
	ProjectID string
	Port      int

	cmd   *exec.Cmd
	lines chan string
	done  chan struct{}

	mu       sync.Mutex
	exited   bool
	exitCode int
	stopped  bool
}

func (h *Handle) markStopped() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
}

func (h *Handle) wasStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

func (h *Handle) recordExit(code int) {
	h.mu.Lock()
	h.exited = true
	h.exitCode = code
	h.mu.Unlock()
}

// ExitFunc is invoked when a process exits without an explicit Stop call.
type ExitFunc func(projectID, handleID string, exitCode int)

// Config bounds the readiness check and output buffering.
type Config struct {
	ReadinessAttempts int
	ReadinessInterval time.Duration
	OutputBufferLines int
}

// Supervisor launches, health-checks and terminates one preview process per
// project. It owns process handles and their combined output streams.
type Supervisor struct {
	mu      sync.Mutex
	byProj  map[string]*Handle
	logger  *slog.Logger
	cfg     Config
	onExit  ExitFunc
	exitMu  sync.RWMutex
	baseEnv []string
}

// New constructs a Supervisor.
func New(logger *slog.Logger, cfg Config) *Supervisor {
	if cfg.ReadinessAttempts <= 0 {
		cfg.ReadinessAttempts = 30
	}
	if cfg.ReadinessInterval <= 0 {
		cfg.ReadinessInterval = 500 * time.Millisecond
	}
	if cfg.OutputBufferLines <= 0 {
		cfg.OutputBufferLines = 500
	}
	return &Supervisor{
		byProj:  make(map[string]*Handle),
		logger:  logger,
		cfg:     cfg,
		baseEnv: os.Environ(),
	}
}

// SetExitHandler registers the callback for unexpected process exits.
func (s *Supervisor) SetExitHandler(fn ExitFunc) {
	s.exitMu.Lock()
	s.onExit = fn
	s.exitMu.Unlock()
}

// Start launches the preview command bound to port inside dir and waits for
// the port to accept connections. On readiness failure the process is killed
// and ErrStartupTimeout is returned.
func (s *Supervisor) Start(ctx context.Context, projectID, command, dir string, port int) (*Handle, error) {
	command = os.Expand(command, func(name string) string {
		if name == "PORT" {
			return strconv.Itoa(port)
		}
		return os.Getenv(name)
	})
	args, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	handle := &Handle{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Port:      port,
		lines:     make(chan string, s.cfg.OutputBufferLines),
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	if _, exists := s.byProj[projectID]; exists {
		s.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	s.byProj[projectID] = handle
	s.mu.Unlock()

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = append(append([]string(nil), s.baseEnv...), "PORT="+strconv.Itoa(port))
	handle.cmd = cmd

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.remove(projectID, handle)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.remove(projectID, handle)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		s.remove(projectID, handle)
		return nil, fmt.Errorf("start process: %w", err)
	}
	s.logger.Info("process started", "project_id", projectID, "handle_id", handle.ID, "pid", cmd.Process.Pid, "port", port)

	var readers sync.WaitGroup
	readers.Add(2)
	go s.pump(&readers, handle, stdout)
	go s.pump(&readers, handle, stderr)

	go s.wait(handle, &readers)

	if err := s.awaitReady(ctx, handle); err != nil {
		s.terminate(handle)
		<-handle.done
		return nil, err
	}
	return handle, nil
}

// Stop signals graceful termination and force-kills after grace. The handle is
// terminal once Stop returns.
func (s *Supervisor) Stop(ctx context.Context, handle *Handle, grace time.Duration) error {
	if handle == nil {
		return nil
	}
	handle.markStopped()

	select {
	case <-handle.done:
		return nil
	default:
	}

	if err := handle.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process may have exited between the check and the signal.
		s.logger.Debug("sigterm failed", "project_id", handle.ProjectID, "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-handle.done:
		return nil
	case <-ctx.Done():
	case <-timer.C:
	}

	s.logger.Warn("grace period elapsed, killing process", "project_id", handle.ProjectID, "handle_id", handle.ID)
	s.terminate(handle)
	<-handle.done
	return nil
}

// Status reports the current phase of a handle.
func (s *Supervisor) Status(handle *Handle) State {
	if handle == nil {
		return State{Phase: PhaseExited}
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	if !handle.exited {
		return State{Phase: PhaseRunning}
	}
	if handle.stopped || handle.exitCode == 0 {
		return State{Phase: PhaseExited, ExitCode: handle.exitCode}
	}
	return State{Phase: PhaseCrashed, ExitCode: handle.exitCode}
}

// Lines exposes the combined output stream of a process. The channel closes
// once the process exits; a new Start produces a new stream.
func (s *Supervisor) Lines(handle *Handle) <-chan string {
	if handle == nil {
		return nil
	}
	return handle.lines
}

func (s *Supervisor) pump(wg *sync.WaitGroup, handle *Handle, r io.Reader) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		select {
		case handle.lines <- scanner.Text():
		default:
			// Consumer is behind; drop rather than stall the process.
		}
	}
}

func (s *Supervisor) wait(handle *Handle, readers *sync.WaitGroup) {
	err := handle.cmd.Wait()
	readers.Wait()
	close(handle.lines)

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	handle.recordExit(code)
	close(handle.done)
	s.remove(handle.ProjectID, handle)

	if handle.wasStopped() {
		s.logger.Info("process stopped", "project_id", handle.ProjectID, "handle_id", handle.ID, "exit_code", code)
		return
	}
	s.logger.Warn("process exited unexpectedly", "project_id", handle.ProjectID, "handle_id", handle.ID, "exit_code", code)
	s.exitMu.RLock()
	fn := s.onExit
	s.exitMu.RUnlock()
	if fn != nil {
		fn(handle.ProjectID, handle.ID, code)
	}
}

func (s *Supervisor) awaitReady(ctx context.Context, handle *Handle) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(handle.Port))
	for attempt := 0; attempt < s.cfg.ReadinessAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-handle.done:
			handle.mu.Lock()
			code := handle.exitCode
			handle.mu.Unlock()
			return fmt.Errorf("%w: process exited with code %d before listening", ErrStartupTimeout, code)
		case <-time.After(s.cfg.ReadinessInterval):
		}
		conn, err := net.DialTimeout("tcp", addr, s.cfg.ReadinessInterval)
		if err == nil {
			conn.Close()
			return nil
		}
	}
	return fmt.Errorf("%w: port %d not accepting connections after %d attempts", ErrStartupTimeout, handle.Port, s.cfg.ReadinessAttempts)
}

func (s *Supervisor) terminate(handle *Handle) {
	handle.markStopped()
	if handle.cmd != nil && handle.cmd.Process != nil {
		_ = handle.cmd.Process.Kill()
	}
}

func (s *Supervisor) remove(projectID string, handle *Handle) {
	s.mu.Lock()
	if current, ok := s.byProj[projectID]; ok && current == handle {
		delete(s.byProj, projectID)
	}
	s.mu.Unlock()
}
