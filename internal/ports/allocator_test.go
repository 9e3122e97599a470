package ports

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestAcquireIsIdempotentPerProject(t *testing.T) {
	alloc, err := NewAllocator(5000, 5009)
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	first, err := alloc.Acquire("project-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	second, err := alloc.Acquire("project-1")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if first != second {
		t.Fatalf("expected same port for repeated acquire, got %d then %d", first, second)
	}
	if _, free := alloc.Capacity(); free != 9 {
		t.Fatalf("expected 9 free ports, got %d", free)
	}
}

func TestExhaustionAndReuseAfterRelease(t *testing.T) {
	alloc, err := NewAllocator(5000, 5002)
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := alloc.Acquire(fmt.Sprintf("project-%d", i)); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if _, err := alloc.Acquire("project-overflow"); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}

	alloc.Release("project-1", 5001)
	port, err := alloc.Acquire("project-overflow")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if port != 5001 {
		t.Fatalf("expected released port 5001, got %d", port)
	}
}

func TestDoubleReleaseIsSafe(t *testing.T) {
	alloc, _ := NewAllocator(5000, 5000)
	port, err := alloc.Acquire("project-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	alloc.Release("project-1", port)
	alloc.Release("project-1", port)
	if leases := alloc.Leases(); len(leases) != 0 {
		t.Fatalf("expected no leases, got %d", len(leases))
	}
	if _, err := alloc.Acquire("project-2"); err != nil {
		t.Fatalf("acquire after double release: %v", err)
	}
}

func TestStaleReleaseKeepsNewOwnersLease(t *testing.T) {
	alloc, _ := NewAllocator(5000, 5000)
	port, err := alloc.Acquire("project-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	alloc.Release("project-1", port)
	reused, err := alloc.Acquire("project-2")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if reused != port {
		t.Fatalf("expected reuse of port %d, got %d", port, reused)
	}

	// A late release by the previous holder must not free the new lease.
	alloc.Release("project-1", port)
	leases := alloc.Leases()
	if len(leases) != 1 || leases[0].ProjectID != "project-2" {
		t.Fatalf("expected project-2 to keep its lease, got %+v", leases)
	}
	if _, err := alloc.Acquire("project-3"); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted while port held, got %v", err)
	}
}

func TestConcurrentAcquireNeverDoubleLeases(t *testing.T) {
	const pool = 16
	alloc, _ := NewAllocator(6000, 6000+pool-1)

	var wg sync.WaitGroup
	results := make(chan int, pool*2)
	for i := 0; i < pool*2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			port, err := alloc.Acquire(fmt.Sprintf("project-%d", n))
			if err != nil {
				if !errors.Is(err, ErrExhausted) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			results <- port
		}(i)
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for port := range results {
		if port < 6000 || port > 6000+pool-1 {
			t.Fatalf("port %d outside configured range", port)
		}
		if seen[port] {
			t.Fatalf("port %d leased twice", port)
		}
		seen[port] = true
	}
	if len(seen) != pool {
		t.Fatalf("expected %d leased ports, got %d", pool, len(seen))
	}
}
