package admin

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Ready tracks the startup tasks that must finish before the process
// reports ready.
type Ready struct {
	mu      sync.Mutex
	pending map[string]struct{}
	started time.Time
	logger  *slog.Logger
}

// NewReady creates a tracker with no pending tasks.
func NewReady(logger *slog.Logger) *Ready {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ready{
		pending: make(map[string]struct{}),
		started: time.Now(),
		logger:  logger.With("component", "readiness"),
	}
}

// RegisterTask blocks readiness until the returned BlockReady is done.
func (r *Ready) RegisterTask(name string) *BlockReady {
	r.mu.Lock()
	r.pending[name] = struct{}{}
	r.mu.Unlock()
	return &BlockReady{parent: r, name: name}
}

// IsReady reports whether every registered task has finished.
func (r *Ready) IsReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending) == 0
}

// Pending returns the names of unfinished tasks, sorted.
func (r *Ready) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.pending))
	for name := range r.pending {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BlockReady holds readiness back until Done is called.
type BlockReady struct {
	parent *Ready
	name   string
	done   atomic.Bool
}

// Subtask registers another task on the same tracker.
func (b *BlockReady) Subtask(name string) *BlockReady {
	return b.parent.RegisterTask(name)
}

// Done marks the task finished. A repeated call only logs an error.
func (b *BlockReady) Done() {
	r := b.parent
	if !b.done.CompareAndSwap(false, true) {
		r.logger.Error("Task marked done more than once", "task", b.name)
		return
	}

	r.mu.Lock()
	delete(r.pending, b.name)
	left := len(r.pending)
	r.mu.Unlock()

	elapsed := time.Since(r.started)
	if left == 0 {
		r.logger.Info("Task complete, marking server ready", "task", b.name, "elapsed", elapsed)
	} else {
		r.logger.Info("Task complete, still awaiting tasks", "task", b.name, "elapsed", elapsed, "remaining", left)
	}
}
