// Package locks hands out named advisory locks backed by lock files
// under state/locks/. A named lock is exclusive across processes (flock
// on the file) and across goroutines within a process (a per-name
// semaphore in front of the flock, since flock never excludes callers
// sharing a file handle).
package locks

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/droverhq/drover/errors"
)

// Well-known lock names. Dynamic names come from the helper functions
// below.
const (
	StateWriter = "state_writer"
	EventLog    = "event_log"
	CostWindow  = "cost_window"
)

// ForCircuitBreaker names the per-model breaker lock.
func ForCircuitBreaker(model string) string {
	return "circuit_breaker:" + model
}

// ForTaskArtifact names the per-task workspace lock the supervisor holds
// while judging a submission.
func ForTaskArtifact(taskID string) string {
	return "task_artifact:" + taskID
}

// retryDelay is how often a blocked flock attempt re-polls the file.
const retryDelay = 25 * time.Millisecond

// Manager owns the lock directory and the per-name handles.
type Manager struct {
	dir string

	mu    sync.Mutex
	locks map[string]*namedLock
}

type namedLock struct {
	sem chan struct{}
	fl  *flock.Flock
}

// NewManager returns a manager writing lock files under dir, creating it
// if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create lock directory %s", dir)
	}
	return &Manager{dir: dir, locks: make(map[string]*namedLock)}, nil
}

// WithLock acquires the named lock, runs body, and releases on every exit
// path including panics. Returns ErrTimeout when the lock cannot be
// acquired within timeout; body errors pass through unchanged.
func (m *Manager) WithLock(name string, timeout time.Duration, body func() error) error {
	nl := m.handle(name)
	deadline := time.Now().Add(timeout)

	// In-process gate first: flock on a shared handle would happily
	// succeed for a second goroutine.
	select {
	case nl.sem <- struct{}{}:
	case <-time.After(timeout):
		return errors.Wrapf(errors.ErrTimeout, "lock %s not acquired within %s", name, timeout)
	}
	defer func() { <-nl.sem }()

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return errors.Wrapf(errors.ErrTimeout, "lock %s not acquired within %s", name, timeout)
	}
	ctx, cancel := context.WithTimeout(context.Background(), remaining)
	defer cancel()

	locked, err := nl.fl.TryLockContext(ctx, retryDelay)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrapf(err, "failed to acquire lock %s", name)
	}
	if !locked {
		return errors.Wrapf(errors.ErrTimeout, "lock %s not acquired within %s", name, timeout)
	}
	defer nl.fl.Unlock()

	return body()
}

// handle returns the lock state for name, creating it on first use.
func (m *Manager) handle(name string) *namedLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	if nl, ok := m.locks[name]; ok {
		return nl
	}
	nl := &namedLock{
		sem: make(chan struct{}, 1),
		fl:  flock.New(filepath.Join(m.dir, fileName(name))),
	}
	m.locks[name] = nl
	return nl
}

// fileName maps a lock name onto a safe file name. Colons appear in the
// per-model and per-task names and are not portable in paths.
func fileName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String() + ".lock"
}
