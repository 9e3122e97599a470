package ports

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/timomeintjes-cmd/oreus-api/internal/domain"
)

// ErrExhausted indicates no free port remains in the configured range. The
// condition is retryable: a lease released by another project frees capacity.
var ErrExhausted = errors.New("ports: pool exhausted")

// Allocator hands out unique ports from a fixed inclusive range. Acquire is
// idempotent per project and Release tolerates double calls.
type Allocator struct {
	mu        sync.Mutex
	start     int
	end       int
	byPort    map[int]domain.PortLease
	byProject map[string]int
	now       func() time.Time
}

// NewAllocator creates an allocator over [start, end].
func NewAllocator(start, end int) (*Allocator, error) {
	if start <= 0 || end < start {
		return nil, fmt.Errorf("invalid port range %d-%d", start, end)
	}
	return &Allocator{
		start:     start,
		end:       end,
		byPort:    make(map[int]domain.PortLease),
		byProject: make(map[string]int),
		now:       time.Now,
	}, nil
}

// Acquire leases a free port for the project, or returns the existing lease.
func (a *Allocator) Acquire(projectID string) (int, error) {
	if projectID == "" {
		return 0, fmt.Errorf("project id required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.byProject[projectID]; ok {
		return port, nil
	}
	for port := a.start; port <= a.end; port++ {
		if _, taken := a.byPort[port]; taken {
			continue
		}
		a.byPort[port] = domain.PortLease{Port: port, ProjectID: projectID, LeasedAt: a.now()}
		a.byProject[projectID] = port
		return port, nil
	}
	return 0, ErrExhausted
}

// Release returns a port to the pool. The lease is freed only while it still
// belongs to projectID, so a stale release after the port moved to another
// project is a no-op, as is releasing an unleased port.
func (a *Allocator) Release(projectID string, port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	lease, ok := a.byPort[port]
	if !ok || lease.ProjectID != projectID {
		return
	}
	delete(a.byPort, port)
	delete(a.byProject, lease.ProjectID)
}

// Leases returns a snapshot of current leases ordered by port.
func (a *Allocator) Leases() []domain.PortLease {
	a.mu.Lock()
	defer a.mu.Unlock()

	leases := make([]domain.PortLease, 0, len(a.byPort))
	for _, lease := range a.byPort {
		leases = append(leases, lease)
	}
	sort.Slice(leases, func(i, j int) bool { return leases[i].Port < leases[j].Port })
	return leases
}

// Capacity reports total and free slots in the pool.
func (a *Allocator) Capacity() (total, free int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	total = a.end - a.start + 1
	return total, total - len(a.byPort)
}
